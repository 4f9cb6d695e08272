// Package vm is the sole boundary between the allocator and the operating
// system. It reserves and releases whole, page-aligned regions; nothing
// above this package ever calls make/new for the memory it manages.
package vm

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// VM reserves and releases raw virtual memory in whole regions. A single
// Reserve call is always matched by exactly one Release call on the same
// slice header.
type VM interface {
	// Reserve returns zeroed, read/write memory of at least n bytes,
	// rounded up to the platform page size.
	Reserve(n int) ([]byte, error)
	// Release gives back a region previously returned by Reserve. Releasing
	// a slice not obtained from Reserve is undefined.
	Release(region []byte) error
}

// Mmap is a VM backed by anonymous, private mmap/munmap.
type Mmap struct{}

var _ VM = Mmap{}

func (Mmap) Reserve(n int) ([]byte, error) {
	if n <= 0 {
		return nil, errors.Errorf("vm: invalid reservation size %d", n)
	}
	b, err := unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, errors.Wrap(err, "vm: mmap")
	}
	return b, nil
}

func (Mmap) Release(region []byte) error {
	if len(region) == 0 {
		return nil
	}
	if err := unix.Munmap(region); err != nil {
		return errors.Wrap(err, "vm: munmap")
	}
	return nil
}
