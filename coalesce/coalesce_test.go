package coalesce

import (
	"io"
	"reflect"
	"testing"
	"unsafe"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/cloudfly/memalloc/vm"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l.WithField("test", true)
}

const testPageSize = 64 << 10 // small page so tests run fast

func wholePageFreeSize(a *Allocator) uint32 {
	return uint32(a.pageSize) - uint32(pageHeaderSize) - uint32(blockHeaderSize)
}

// E2: alloc 30 small blocks, shuffle, free all; the page collapses back to
// one free block spanning everything after the page header.
func TestE2ThirtyBlocksFullyCoalesce(t *testing.T) {
	a, err := New(testPageSize, vm.Mmap{}, true, testLogger())
	require.NoError(t, err)

	var ptrs []unsafe.Pointer
	for sz := 1; sz <= 30; sz++ {
		ptr, err := a.Alloc(sz)
		require.NoError(t, err)
		ptrs = append(ptrs, ptr)
	}
	order := []int{12, 0, 29, 5, 18, 3, 27, 1, 9, 22, 14, 6, 20, 28, 2, 17, 25, 11, 4, 19, 8, 26, 13, 21, 7, 24, 10, 16, 23, 15}
	for _, idx := range order {
		a.Free(ptrs[idx])
	}

	tiling := a.PageTiling(0)
	require.Len(t, tiling, 1)
	require.Equal(t, wholePageFreeSize(a), tiling[0])
	require.NoError(t, a.Destroy())
}

// E5: alloc A, B, C; free A, then C, then B — after the last free the page
// contains exactly one free block spanning all three original blocks.
func TestE5FreeOrderFullyCoalescesThroughMiddle(t *testing.T) {
	a, err := New(testPageSize, vm.Mmap{}, true, testLogger())
	require.NoError(t, err)

	pa, err := a.Alloc(64)
	require.NoError(t, err)
	pb, err := a.Alloc(64)
	require.NoError(t, err)
	pc, err := a.Alloc(64)
	require.NoError(t, err)

	a.Free(pa)
	a.Free(pc)
	a.Free(pb)

	tiling := a.PageTiling(0)
	require.Len(t, tiling, 1)
	require.Equal(t, wholePageFreeSize(a), tiling[0])
	require.NoError(t, a.Destroy())
}

// E6: a block larger than any existing page's largest free run forces a
// new page; existing pages are untouched.
func TestE6LargeAllocGrowsNewPage(t *testing.T) {
	// debug=false: blocks are left live to inspect, which would otherwise
	// trip Destroy's leak assertion.
	a, err := New(testPageSize, vm.Mmap{}, false, testLogger())
	require.NoError(t, err)
	defer a.Destroy()

	first, err := a.Alloc(int(wholePageFreeSize(a)) - int(blockHeaderSize) - 64)
	require.NoError(t, err)
	require.Equal(t, 1, a.Stat().Pages)
	*(*byte)(first) = 0x42

	_, err = a.Alloc(int(wholePageFreeSize(a)) - 32)
	require.NoError(t, err)
	require.Equal(t, 2, a.Stat().Pages)

	// the original page's first block is untouched by the second page's growth.
	require.Equal(t, byte(0x42), *(*byte)(first))
}

// Property 5: tiling invariant — the physical list's block sizes after a
// known sequence of splits match the expected layout exactly, and
// sizeof(header)+size summed over the list equals PageSize - sizeof(PageHeader).
func TestTilingInvariantHoldsAfterSplits(t *testing.T) {
	// debug=false: blocks are left live to inspect the tiling.
	a, err := New(testPageSize, vm.Mmap{}, false, testLogger())
	require.NoError(t, err)
	defer a.Destroy()

	requested := []int{40, 80, 120, 16, 200}
	for _, sz := range requested {
		_, err := a.Alloc(sz)
		require.NoError(t, err)
	}

	remaining := wholePageFreeSize(a)
	expected := make([]uint32, 0, len(requested)+1)
	for _, sz := range requested {
		expected = append(expected, uint32(sz))
		remaining -= uint32(sz) + uint32(blockHeaderSize)
	}
	expected = append(expected, remaining)

	if diff := cmp.Diff(expected, a.PageTiling(0)); diff != "" {
		t.Fatalf("physical-list tiling mismatch (-want +got):\n%s", diff)
	}

	var total uint32
	page := (*pageHeader)(unsafe.Pointer(&a.pages[0][0]))
	for b := firstBlockOf(page); b != nil; b = b.nextPhys {
		total += uint32(blockHeaderSize) + b.size
	}
	require.Equal(t, uint32(a.pageSize)-uint32(pageHeaderSize), total)
}

// Property 6: after any free, neither surviving physical neighbor is itself freed.
func TestNoAdjacentFreeNeighborsAfterFree(t *testing.T) {
	// debug=false: only 3 of 10 blocks are freed, leaving live allocations
	// at test end, which would otherwise trip Destroy's leak assertion.
	a, err := New(testPageSize, vm.Mmap{}, false, testLogger())
	require.NoError(t, err)
	defer a.Destroy()

	var ptrs []unsafe.Pointer
	for i := 0; i < 10; i++ {
		p, err := a.Alloc(48)
		require.NoError(t, err)
		ptrs = append(ptrs, p)
	}
	a.Free(ptrs[3])
	a.Free(ptrs[7])
	a.Free(ptrs[4])

	page := (*pageHeader)(unsafe.Pointer(&a.pages[0][0]))
	for b := firstBlockOf(page); b != nil; b = b.nextPhys {
		if b.freed == 1 {
			if b.prevPhys != nil {
				require.NotEqual(t, uint32(1), b.prevPhys.freed)
			}
			if b.nextPhys != nil {
				require.NotEqual(t, uint32(1), b.nextPhys.freed)
			}
		}
	}
}

// Property 7: the free list's membership equals the set of freed blocks,
// counted without duplicates.
func TestFreeListMatchesFreedSet(t *testing.T) {
	// debug=false: only 5 of 12 blocks are freed, leaving live allocations
	// at test end, which would otherwise trip Destroy's leak assertion.
	a, err := New(testPageSize, vm.Mmap{}, false, testLogger())
	require.NoError(t, err)
	defer a.Destroy()

	var ptrs []unsafe.Pointer
	for i := 0; i < 12; i++ {
		p, err := a.Alloc(24)
		require.NoError(t, err)
		ptrs = append(ptrs, p)
	}
	for _, idx := range []int{1, 4, 9, 5, 2} {
		a.Free(ptrs[idx])
	}

	page := (*pageHeader)(unsafe.Pointer(&a.pages[0][0]))
	fromFreed := map[*blockHeader]bool{}
	for b := firstBlockOf(page); b != nil; b = b.nextPhys {
		if b.freed == 1 {
			fromFreed[b] = true
		}
	}
	fromList := map[*blockHeader]bool{}
	for b := page.freeListHead; b != nil; b = b.nextFree {
		require.False(t, fromList[b], "duplicate entry in free list")
		fromList[b] = true
	}
	require.True(t, reflect.DeepEqual(fromFreed, fromList), "free list does not match freed set")
}

func TestDoubleFreeDetectedInDebugMode(t *testing.T) {
	a, err := New(testPageSize, vm.Mmap{}, true, testLogger())
	require.NoError(t, err)
	defer a.Destroy()

	p, err := a.Alloc(40)
	require.NoError(t, err)
	a.Free(p)
	require.Panics(t, func() { a.Free(p) })
}
