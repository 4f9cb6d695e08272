package memalloc

import (
	"fmt"
	"sort"
	"strings"
	"unsafe"
)

// PoolStat is one size class's occupancy, part of a Stats snapshot.
type PoolStat struct {
	Width int32
	Pages int
	Live  int32
	Free  int32
}

// Stats is the human-diagnostic snapshot dump_stat() returns.
type Stats struct {
	Pools         []PoolStat
	CoalescePages int
	CoalesceLive  int
	CoalesceFree  int
	RawLive       int
	BytesReserved int64
	BytesLive     int64
}

// DumpStat returns a diagnostic snapshot of every sub-allocator's
// occupancy. String() below renders it for human consumption.
func (a *Arena) DumpStat() Stats {
	a.checkLive()
	var s Stats
	for i, p := range a.pools {
		ps := p.Stat()
		s.Pools = append(s.Pools, PoolStat{Width: a.cfg.SizeClasses[i], Pages: ps.Pages, Live: ps.Live, Free: ps.Free})
		s.BytesReserved += ps.Reserved
		s.BytesLive += int64(ps.Live) * int64(ps.Width)
	}
	cs := a.coalescing.Stat()
	s.CoalescePages = cs.Pages
	s.CoalesceLive = cs.LiveBlocks
	s.CoalesceFree = cs.FreeBlocks
	s.BytesReserved += cs.Reserved
	s.BytesLive += cs.LiveBytes
	for h := a.rawHead; h != nil; h = h.next {
		s.RawLive++
		s.BytesReserved += int64(h.size)
		s.BytesLive += int64(h.size) - int64(rawHeaderSize)
	}
	return s
}

func (s Stats) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "memalloc stats: reserved=%d bytes live=%d bytes\n", s.BytesReserved, s.BytesLive)
	for _, p := range s.Pools {
		fmt.Fprintf(&b, "  pool[%d]: pages=%d live=%d free=%d\n", p.Width, p.Pages, p.Live, p.Free)
	}
	fmt.Fprintf(&b, "  coalescing: pages=%d live=%d free=%d\n", s.CoalescePages, s.CoalesceLive, s.CoalesceFree)
	fmt.Fprintf(&b, "  raw: live=%d\n", s.RawLive)
	return b.String()
}

// Block describes one live allocation for dump_blocks.
type Block struct {
	Size int
	Ptr  uintptr
	Tag  Tag
}

// DumpBlocks enumerates every currently-live allocation across every
// sub-allocator as (size, pointer) pairs.
func (a *Arena) DumpBlocks() []Block {
	a.checkLive()
	var out []Block
	for _, p := range a.pools {
		for _, bi := range p.LiveBlocks() {
			out = append(out, Block{Size: bi.Size, Ptr: bi.Ptr, Tag: Tag(bi.Tag)})
		}
	}
	for _, bi := range a.coalescing.LiveBlocks() {
		out = append(out, Block{Size: bi.Size, Ptr: bi.Ptr, Tag: Tag(bi.Tag)})
	}
	for h := a.rawHead; h != nil; h = h.next {
		ptr := unsafe.Add(unsafe.Pointer(h), rawHeaderSize)
		out = append(out, Block{Size: int(h.size) - int(rawHeaderSize), Ptr: uintptr(ptr), Tag: tagRaw})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ptr < out[j].Ptr })
	return out
}
