// Package coalesce implements a variable-size allocator over large pages.
// Blocks are tiled across a page in a doubly-linked physical-order list;
// free blocks are additionally linked into a per-page free list rooted at
// the page header. Freeing a block immediately fuses it with whichever
// physical neighbors are themselves free.
//
// Modeled on the central/heap split in runtime/mcentral.go and
// runtime/malloc.go, adapted from span-granularity bookkeeping to embedded
// boundary tags since this allocator has no GC bitmap to consult.
package coalesce

import (
	"unsafe"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/cloudfly/memalloc/vm"
)

const debugMagic uint32 = 0xDEADBEEF

// blockHeader precedes every block's payload. tag is the last field so it
// sits at payload-4, exactly where the dispatcher expects to find it.
type blockHeader struct {
	prevPhys *blockHeader
	nextPhys *blockHeader
	prevFree *blockHeader
	nextFree *blockHeader
	page     *pageHeader
	size     uint32 // payload bytes, excludes this header
	magic    uint32
	freed    uint32 // 0 or 1
	tag      int32
}

const blockHeaderSize = unsafe.Sizeof(blockHeader{})

// pageHeader sits at offset 0 of every page this allocator reserves.
type pageHeader struct {
	next         *pageHeader
	freeListHead *blockHeader
}

const pageHeaderSize = unsafe.Sizeof(pageHeader{})

// Allocator is a single coalescing heap made of fixed, oversized pages.
type Allocator struct {
	pageSize int
	head     *pageHeader
	tail     *pageHeader
	// pages roots every reserved page's backing array for the GC.
	pages [][]byte

	vm    vm.VM
	debug bool
	log   *logrus.Entry
}

// New reserves one initial page and installs a single free block covering
// everything after the page header.
func New(pageSize int, v vm.VM, debug bool, log *logrus.Entry) (*Allocator, error) {
	if pageSize <= int(pageHeaderSize+blockHeaderSize) {
		return nil, errors.Errorf("coalesce: page size %d too small", pageSize)
	}
	a := &Allocator{
		pageSize: pageSize,
		vm:       v,
		debug:    debug,
		log:      log.WithField("component", "coalesce"),
	}
	if _, err := a.grow(); err != nil {
		return nil, err
	}
	a.log.Debug("coalescing allocator initialized")
	return a, nil
}

func firstBlockOf(page *pageHeader) *blockHeader {
	return (*blockHeader)(unsafe.Add(unsafe.Pointer(page), pageHeaderSize))
}

func (a *Allocator) grow() (*pageHeader, error) {
	raw, err := a.vm.Reserve(a.pageSize)
	if err != nil {
		return nil, errors.Wrap(err, "coalesce: grow")
	}
	a.pages = append(a.pages, raw)
	h := (*pageHeader)(unsafe.Pointer(&raw[0]))
	h.next = nil
	b := firstBlockOf(h)
	b.prevPhys, b.nextPhys = nil, nil
	b.prevFree, b.nextFree = nil, nil
	b.page = h
	b.size = uint32(a.pageSize) - uint32(pageHeaderSize) - uint32(blockHeaderSize)
	if a.debug {
		b.magic = debugMagic
	}
	a.flistInsertHead(h, b)
	if a.tail == nil {
		a.head = h
		a.tail = h
	} else {
		a.tail.next = h
		a.tail = h
	}
	a.log.WithField("pages", len(a.pages)).Debug("reserved new page")
	return h, nil
}

func (a *Allocator) flistInsertHead(page *pageHeader, b *blockHeader) {
	b.prevFree = nil
	b.nextFree = page.freeListHead
	if page.freeListHead != nil {
		page.freeListHead.prevFree = b
	}
	page.freeListHead = b
	b.freed = 1
}

func (a *Allocator) flistRemove(page *pageHeader, b *blockHeader) {
	if b.prevFree != nil {
		b.prevFree.nextFree = b.nextFree
	} else {
		page.freeListHead = b.nextFree
	}
	if b.nextFree != nil {
		b.nextFree.prevFree = b.prevFree
	}
	b.prevFree, b.nextFree = nil, nil
	b.freed = 0
}

func payloadOf(b *blockHeader) unsafe.Pointer {
	return unsafe.Add(unsafe.Pointer(b), blockHeaderSize)
}

func headerOf(p unsafe.Pointer) *blockHeader {
	return (*blockHeader)(unsafe.Add(p, -int64(blockHeaderSize)))
}

// Alloc returns a payload pointer of at least size bytes, 8-byte aligned.
func (a *Allocator) Alloc(size int) (unsafe.Pointer, error) {
	if size <= 0 {
		return nil, errors.Errorf("coalesce: invalid size %d", size)
	}
	need := roundUp8(uint32(size))
	if int(need)+int(pageHeaderSize)+int(blockHeaderSize) > a.pageSize {
		return nil, errors.Errorf("coalesce: size %d exceeds page capacity", size)
	}
	for page := a.head; page != nil; page = page.next {
		for b := page.freeListHead; b != nil; b = b.nextFree {
			if b.size >= need {
				a.flistRemove(page, b)
				a.split(page, b, need)
				return payloadOf(b), nil
			}
		}
	}
	page, err := a.grow()
	if err != nil {
		return nil, err
	}
	b := page.freeListHead
	a.flistRemove(page, b)
	a.split(page, b, need)
	return payloadOf(b), nil
}

func roundUp8(n uint32) uint32 { return (n + 7) &^ 7 }

// split carves a trailing free remainder off b when there is enough room
// for another header plus payload; otherwise the whole block is consumed.
func (a *Allocator) split(page *pageHeader, b *blockHeader, request uint32) {
	if b.size-request <= uint32(blockHeaderSize) {
		return
	}
	remainderSize := b.size - request - uint32(blockHeaderSize)
	rem := (*blockHeader)(unsafe.Add(payloadOf(b), request))
	rem.page = page
	rem.size = remainderSize
	if a.debug {
		rem.magic = debugMagic
	}
	rem.prevPhys = b
	rem.nextPhys = b.nextPhys
	if b.nextPhys != nil {
		b.nextPhys.prevPhys = rem
	}
	b.nextPhys = rem
	b.size = request
	a.flistInsertHead(page, rem)
}

// Free flips b to freed and coalesces with whichever physical neighbors
// are themselves free.
func (a *Allocator) Free(ptr unsafe.Pointer) {
	b := headerOf(ptr)
	if a.debug && b.magic != debugMagic {
		panic("coalesce: free of foreign or corrupted pointer")
	}
	if a.debug && b.freed == 1 {
		panic("coalesce: double free")
	}
	page := b.page
	p, n := b.prevPhys, b.nextPhys
	pFreed := p != nil && p.freed == 1
	nFreed := n != nil && n.freed == 1

	switch {
	case !pFreed && !nFreed:
		a.flistInsertHead(page, b)
	case !pFreed && nFreed:
		a.flistRemove(page, n)
		b.size += uint32(blockHeaderSize) + n.size
		b.nextPhys = n.nextPhys
		if n.nextPhys != nil {
			n.nextPhys.prevPhys = b
		}
		a.flistInsertHead(page, b)
	case pFreed && !nFreed:
		p.size += uint32(blockHeaderSize) + b.size
		p.nextPhys = b.nextPhys
		if b.nextPhys != nil {
			b.nextPhys.prevPhys = p
		}
	case pFreed && nFreed:
		a.flistRemove(page, n)
		p.size += 2*uint32(blockHeaderSize) + b.size + n.size
		p.nextPhys = n.nextPhys
		if n.nextPhys != nil {
			n.nextPhys.prevPhys = p
		}
	}
}

// Destroy releases every page back to the VM. In debug mode it first
// asserts that every page's physical list has collapsed to a single free
// block — i.e. every live allocation has been released.
func (a *Allocator) Destroy() error {
	if a.debug {
		for page := a.head; page != nil; page = page.next {
			b := firstBlockOf(page)
			if b.freed != 1 || b.nextPhys != nil {
				panic("coalesce: destroy with live allocations outstanding")
			}
		}
	}
	for _, raw := range a.pages {
		if err := a.vm.Release(raw); err != nil {
			return err
		}
	}
	a.head, a.tail, a.pages = nil, nil, nil
	a.log.Debug("coalescing allocator destroyed")
	return nil
}

// Stats reports the allocator's occupancy for diagnostics.
type Stats struct {
	Pages      int
	LiveBlocks int
	FreeBlocks int
	LiveBytes  int64
	Reserved   int64
}

func (a *Allocator) Stat() Stats {
	s := Stats{Pages: len(a.pages), Reserved: int64(len(a.pages)) * int64(a.pageSize)}
	for page := a.head; page != nil; page = page.next {
		for b := firstBlockOf(page); b != nil; b = b.nextPhys {
			if b.freed == 1 {
				s.FreeBlocks++
			} else {
				s.LiveBlocks++
				s.LiveBytes += int64(b.size)
			}
		}
	}
	return s
}

// LiveBlocks enumerates every currently allocated block as (size, pointer).
func (a *Allocator) LiveBlocks() []BlockInfo {
	var out []BlockInfo
	for page := a.head; page != nil; page = page.next {
		for b := firstBlockOf(page); b != nil; b = b.nextPhys {
			if b.freed == 0 {
				out = append(out, BlockInfo{Size: int(b.size), Ptr: uintptr(payloadOf(b)), Tag: b.tag})
			}
		}
	}
	return out
}

// BlockInfo describes one live allocation for dump_blocks.
type BlockInfo struct {
	Size int
	Ptr  uintptr
	Tag  int32
}

// SetTag writes the dispatcher's routing tag into the block header
// adjacent to ptr's payload.
func SetTag(ptr unsafe.Pointer, tag int32) {
	headerOf(ptr).tag = tag
}

// Tag reads back the dispatcher's routing tag.
func Tag(ptr unsafe.Pointer) int32 {
	return headerOf(ptr).tag
}

// PageTiling returns, for test/diagnostic use, the sequence of block sizes
// (payload bytes, excluding headers) across one page's physical list in
// address order — used to assert the tiling invariant.
func (a *Allocator) PageTiling(pageIndex int) []uint32 {
	if pageIndex < 0 || pageIndex >= len(a.pages) {
		return nil
	}
	page := (*pageHeader)(unsafe.Pointer(&a.pages[pageIndex][0]))
	var out []uint32
	for b := firstBlockOf(page); b != nil; b = b.nextPhys {
		out = append(out, b.size)
	}
	return out
}
