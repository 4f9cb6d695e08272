// Package pool implements a fixed-size block allocator: one instance per
// size class. Each page is a bump region backed by a lazily advancing
// cursor, plus an intrusive free list threaded through the slots
// themselves once any have been freed.
//
// See runtime/malloc.go (the FixAlloc family this package is modeled on)
// for the bump-then-freelist idea in its original, GC-aware form.
package pool

import (
	"unsafe"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/cloudfly/memalloc/vm"
)

const debugMagic uint32 = 0xDEADBEEF

// slotHeader precedes every slot's payload. tag is deliberately the last
// field so it sits immediately before the payload, at offset -4 from any
// pointer this package hands back — the dispatcher relies on that.
type slotHeader struct {
	link    int32  // free: next free slot index, or -1. allocated: own index.
	magic   uint32 // debug sentinel
	reqSize uint32 // debug: originally requested size
	freed   uint32 // debug: 1 once Free has been called on this slot
	_pad    uint32 // pads the header to a multiple of 8 so payloadOf stays 8-aligned
	tag     int32  // dispatcher tag, written after alloc returns
}

const slotHeaderSize = unsafe.Sizeof(slotHeader{})

// pageHeader sits at offset 0 of every page this pool reserves.
type pageHeader struct {
	next              *pageHeader
	freeListHeadIndex int32
	initializedSlots  int32
}

const pageHeaderSize = unsafe.Sizeof(pageHeader{})

// Pool is a single size class's allocator: W bytes of payload per slot.
type Pool struct {
	width        int32
	stride       int32 // slotHeaderSize + width, always a multiple of 8
	slotsPerPage int32 // S
	pageSize     int

	head *pageHeader
	tail *pageHeader
	// pages roots every reserved page's backing array so the garbage
	// collector never reclaims memory this pool has handed out pointers
	// into; traversal itself happens through the embedded headers.
	pages [][]byte

	vm    vm.VM
	debug bool
	log   *logrus.Entry
}

// New reserves one initial page for a pool serving payloads of exactly
// width bytes, using pageSize-byte pages.
func New(width int32, pageSize int, v vm.VM, debug bool, log *logrus.Entry) (*Pool, error) {
	if width <= 0 {
		return nil, errors.Errorf("pool: invalid width %d", width)
	}
	stride := roundUp8(int32(slotHeaderSize) + width)
	slots := (int32(pageSize) - int32(pageHeaderSize)) / stride
	if slots <= 0 {
		return nil, errors.Errorf("pool: page size %d too small for width %d", pageSize, width)
	}
	p := &Pool{
		width:        width,
		stride:       stride,
		slotsPerPage: slots,
		pageSize:     pageSize,
		vm:           v,
		debug:        debug,
		log:          log.WithField("component", "pool").WithField("width", width),
	}
	if _, err := p.grow(); err != nil {
		return nil, err
	}
	p.log.Debug("pool initialized")
	return p, nil
}

func roundUp8(n int32) int32 { return (n + 7) &^ 7 }

func (p *Pool) grow() (*pageHeader, error) {
	raw, err := p.vm.Reserve(p.pageSize)
	if err != nil {
		return nil, errors.Wrap(err, "pool: grow")
	}
	p.pages = append(p.pages, raw)
	h := (*pageHeader)(unsafe.Pointer(&raw[0]))
	h.next = nil
	h.freeListHeadIndex = -1
	h.initializedSlots = 0
	if p.tail == nil {
		p.head = h
		p.tail = h
	} else {
		p.tail.next = h
		p.tail = h
	}
	p.log.WithField("pages", len(p.pages)).Debug("reserved new page")
	return h, nil
}

func (p *Pool) slotHeader(page *pageHeader, index int32) *slotHeader {
	base := unsafe.Add(unsafe.Pointer(page), pageHeaderSize)
	return (*slotHeader)(unsafe.Add(base, uintptr(index)*uintptr(p.stride)))
}

// Alloc returns an 8-byte-aligned pointer to a slot's payload. requestedSize
// must be <= width. A page's free list is used before its bump region, so
// the slot freed most recently is the next one handed out.
func (p *Pool) Alloc(requestedSize int) (unsafe.Pointer, error) {
	if requestedSize > int(p.width) {
		return nil, errors.Errorf("pool: requested size %d exceeds width %d", requestedSize, p.width)
	}
	for page := p.head; page != nil; page = page.next {
		if page.freeListHeadIndex == -1 && page.initializedSlots < p.slotsPerPage {
			idx := page.initializedSlots
			sh := p.slotHeader(page, idx)
			sh.link = idx
			sh.freed = 0
			if p.debug {
				sh.magic = debugMagic
				sh.reqSize = uint32(requestedSize)
			}
			page.initializedSlots++
			return payloadOf(sh), nil
		}
		if page.freeListHeadIndex != -1 {
			idx := page.freeListHeadIndex
			sh := p.slotHeader(page, idx)
			if p.debug && sh.magic != debugMagic {
				panic("pool: corrupted free slot")
			}
			page.freeListHeadIndex = sh.link
			sh.link = idx
			sh.freed = 0
			if p.debug {
				sh.reqSize = uint32(requestedSize)
			}
			return payloadOf(sh), nil
		}
	}
	newPage, err := p.grow()
	if err != nil {
		return nil, err
	}
	idx := newPage.initializedSlots
	sh := p.slotHeader(newPage, idx)
	sh.link = idx
	sh.freed = 0
	if p.debug {
		sh.magic = debugMagic
		sh.reqSize = uint32(requestedSize)
	}
	newPage.initializedSlots++
	return payloadOf(sh), nil
}

func payloadOf(sh *slotHeader) unsafe.Pointer {
	return unsafe.Add(unsafe.Pointer(sh), slotHeaderSize)
}

func headerOf(p unsafe.Pointer) *slotHeader {
	return (*slotHeader)(unsafe.Add(p, -int64(slotHeaderSize)))
}

// Free returns a previously allocated slot to its page's free list.
func (p *Pool) Free(ptr unsafe.Pointer) {
	sh := headerOf(ptr)
	if p.debug && sh.magic != debugMagic {
		panic("pool: free of foreign or corrupted pointer")
	}
	if p.debug && sh.freed == 1 {
		panic("pool: double free")
	}
	idx := sh.link
	pageBase := uintptr(unsafe.Pointer(sh)) - uintptr(idx)*uintptr(p.stride) - pageHeaderSize
	page := (*pageHeader)(unsafe.Pointer(pageBase))
	sh.freed = 1
	sh.link = page.freeListHeadIndex
	page.freeListHeadIndex = idx
}

// Destroy releases every page this pool holds back to the VM. In debug
// mode it first asserts that nothing is leaked: every page's free list
// must account for every initialized slot.
func (p *Pool) Destroy() error {
	if p.debug {
		for page := p.head; page != nil; page = page.next {
			free := int32(0)
			for i := page.freeListHeadIndex; i != -1; {
				free++
				i = p.slotHeader(page, i).link
			}
			if free != page.initializedSlots {
				panic("pool: destroy with live allocations outstanding")
			}
		}
	}
	for _, raw := range p.pages {
		if err := p.vm.Release(raw); err != nil {
			return err
		}
	}
	p.head, p.tail, p.pages = nil, nil, nil
	p.log.Debug("pool destroyed")
	return nil
}

// Stats reports the pool's occupancy for diagnostics.
type Stats struct {
	Width    int32
	Pages    int
	Live     int32
	Free     int32
	Reserved int64
}

func (p *Pool) Stat() Stats {
	s := Stats{Width: p.width, Pages: len(p.pages), Reserved: int64(len(p.pages)) * int64(p.pageSize)}
	for page := p.head; page != nil; page = page.next {
		s.Live += page.initializedSlots
		for i := page.freeListHeadIndex; i != -1; {
			s.Free++
			i = p.slotHeader(page, i).link
		}
	}
	s.Live -= s.Free
	return s
}

// LiveBlocks enumerates every currently allocated slot as (size, pointer).
func (p *Pool) LiveBlocks() []BlockInfo {
	var out []BlockInfo
	for page := p.head; page != nil; page = page.next {
		free := make(map[int32]bool)
		for i := page.freeListHeadIndex; i != -1; {
			free[i] = true
			i = p.slotHeader(page, i).link
		}
		for i := int32(0); i < page.initializedSlots; i++ {
			if free[i] {
				continue
			}
			sh := p.slotHeader(page, i)
			out = append(out, BlockInfo{Size: int(p.width), Ptr: uintptr(payloadOf(sh)), Tag: sh.tag})
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

// SetTag writes the dispatcher's routing tag into the slot header adjacent
// to ptr's payload.
func SetTag(ptr unsafe.Pointer, tag int32) {
	headerOf(ptr).tag = tag
}

// Tag reads back the dispatcher's routing tag.
func Tag(ptr unsafe.Pointer) int32 {
	return headerOf(ptr).tag
}
