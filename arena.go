// Package memalloc dispatches allocation requests across a family of
// specialized sub-allocators: a fixed-size pool per size class, one
// coalescing allocator for everything in between, and a direct OS mapping
// for very large requests. Every returned pointer is tagged so that Free
// can recover its owning sub-allocator in O(1), with no external map.
package memalloc

import (
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/cloudfly/memalloc/coalesce"
	"github.com/cloudfly/memalloc/pool"
	"github.com/cloudfly/memalloc/vm"
)

// Tag identifies which sub-allocator served a pointer. Written at offset
// -4 from the payload pointer.
type Tag int32

const (
	tagNone       Tag = 0
	tagPool16     Tag = 1
	tagCoalescing Tag = 7
	tagRaw        Tag = 8
)

// rawHeader precedes every direct-VM-mapped allocation, mirroring the
// pool/coalesce header shape: tag is the last field, adjacent to payload.
// prev/next thread every live raw allocation into a doubly linked list
// rooted at Arena.rawHead — the same intrusive-list idiom pool and
// coalesce use for their pages — so Free and Destroy recover and
// enumerate raw allocations purely through header pointer arithmetic,
// with no external map.
type rawHeader struct {
	prev  *rawHeader
	next  *rawHeader
	size  uint64 // total bytes reserved from the VM, header included
	magic uint32
	tag   int32
}

const rawHeaderSize = unsafe.Sizeof(rawHeader{})

const debugMagic uint32 = 0xDEADBEEF

// Arena is one independent allocator instance; multiple Arenas may coexist.
type Arena struct {
	cfg Config
	vm  vm.VM
	log *logrus.Entry

	pools      []*pool.Pool // parallel to cfg.SizeClasses, ascending width
	coalescing *coalesce.Allocator

	rawHead *rawHeader // head of the live raw-allocation list

	initialized   bool
	deinitialized bool

	liveCount int64 // instrumentation for property 4 (ownership recovery)
}

// New constructs and initializes an Arena: it reserves one page for every
// pool plus one coalescing page. There is no separate Init step — a
// constructed Arena is always ready to serve allocations.
func New(opts ...Option) (*Arena, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	v := vm.VM(vm.Mmap{})
	log := cfg.Logger.WithField("component", "arena")

	a := &Arena{
		cfg: cfg,
		vm:  v,
		log: log,
	}

	for _, w := range cfg.SizeClasses {
		p, err := pool.New(w, cfg.PoolPageSize, v, cfg.Debug, log)
		if err != nil {
			return nil, errors.Wrapf(err, "memalloc: init pool(width=%d)", w)
		}
		a.pools = append(a.pools, p)
	}

	co, err := coalesce.New(cfg.CoalescePageSize, v, cfg.Debug, log)
	if err != nil {
		return nil, errors.Wrap(err, "memalloc: init coalescing allocator")
	}
	a.coalescing = co
	a.initialized = true
	log.Debug("arena initialized")
	return a, nil
}

func (a *Arena) checkLive() {
	if !a.initialized {
		panic("memalloc: use of Arena before New")
	}
	if a.deinitialized {
		panic("memalloc: use of Arena after Destroy")
	}
}

// poolFor returns the smallest pool whose width covers size, or nil.
func (a *Arena) poolFor(size int) (*pool.Pool, Tag) {
	for i, w := range a.cfg.SizeClasses {
		if int(w) >= size {
			return a.pools[i], Tag(i + 1)
		}
	}
	return nil, tagNone
}

// Alloc serves a request of the given size, dispatching it to the
// smallest pool that fits, the coalescing allocator, or a direct VM
// mapping, in that order, and tags the result for Free.
func (a *Arena) Alloc(size int) (unsafe.Pointer, error) {
	a.checkLive()
	if size < 0 {
		return nil, errors.Errorf("memalloc: negative size %d", size)
	}
	if size == 0 {
		size = 1
	}

	if p, tag := a.poolFor(size); p != nil {
		ptr, err := p.Alloc(size)
		if err != nil {
			return nil, err
		}
		pool.SetTag(ptr, int32(tag))
		atomic.AddInt64(&a.liveCount, 1)
		return ptr, nil
	}

	if size <= a.cfg.CoalesceMaxAlloc {
		ptr, err := a.coalescing.Alloc(size)
		if err != nil {
			return nil, err
		}
		coalesce.SetTag(ptr, int32(tagCoalescing))
		atomic.AddInt64(&a.liveCount, 1)
		return ptr, nil
	}

	return a.allocRaw(size)
}

func (a *Arena) allocRaw(size int) (unsafe.Pointer, error) {
	total := int(rawHeaderSize) + size
	raw, err := a.vm.Reserve(total)
	if err != nil {
		return nil, errors.Wrap(err, "memalloc: raw alloc")
	}
	h := (*rawHeader)(unsafe.Pointer(&raw[0]))
	h.size = uint64(total)
	h.magic = debugMagic
	h.tag = int32(tagRaw)
	h.prev = nil
	h.next = a.rawHead
	if a.rawHead != nil {
		a.rawHead.prev = h
	}
	a.rawHead = h
	atomic.AddInt64(&a.liveCount, 1)
	a.log.WithField("bytes", total).Debug("raw VM mapping allocated")
	return unsafe.Add(unsafe.Pointer(h), rawHeaderSize), nil
}

func headerOfRaw(ptr unsafe.Pointer) *rawHeader {
	return (*rawHeader)(unsafe.Add(ptr, -int64(rawHeaderSize)))
}

// Free reads the tag at ptr-4 and routes to the matching sub-allocator.
func (a *Arena) Free(ptr unsafe.Pointer) {
	a.checkLive()
	if ptr == nil {
		return
	}
	tag := Tag(*(*int32)(unsafe.Add(ptr, -4)))
	switch tag {
	case tagCoalescing:
		a.coalescing.Free(ptr)
	case tagRaw:
		a.freeRaw(ptr)
	default:
		idx := int(tag) - 1
		if idx < 0 || idx >= len(a.pools) {
			panic("memalloc: free of pointer with unknown tag")
		}
		a.pools[idx].Free(ptr)
	}
	atomic.AddInt64(&a.liveCount, -1)
}

func (a *Arena) freeRaw(ptr unsafe.Pointer) {
	h := headerOfRaw(ptr)
	if a.cfg.Debug && h.magic != debugMagic {
		panic("memalloc: free of foreign or corrupted raw pointer")
	}
	if h.prev != nil {
		h.prev.next = h.next
	} else {
		a.rawHead = h.next
	}
	if h.next != nil {
		h.next.prev = h.prev
	}
	raw := unsafe.Slice((*byte)(unsafe.Pointer(h)), int(h.size))
	if err := a.vm.Release(raw); err != nil {
		panic(errors.Wrap(err, "memalloc: release raw mapping").Error())
	}
}

// Destroy releases every page (and any leaked raw mapping) this Arena
// acquired. After Destroy, any method but a fresh New is a usage error.
func (a *Arena) Destroy() error {
	a.checkLive()
	if a.cfg.Debug && a.rawHead != nil {
		panic("memalloc: destroy with live raw allocations outstanding")
	}
	for h := a.rawHead; h != nil; {
		next := h.next
		raw := unsafe.Slice((*byte)(unsafe.Pointer(h)), int(h.size))
		if err := a.vm.Release(raw); err != nil {
			return err
		}
		h = next
	}
	a.rawHead = nil
	for _, p := range a.pools {
		if err := p.Destroy(); err != nil {
			return err
		}
	}
	if err := a.coalescing.Destroy(); err != nil {
		return err
	}
	a.deinitialized = true
	a.log.Debug("arena destroyed")
	return nil
}
