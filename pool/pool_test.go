package pool

import (
	"io"
	"testing"
	"unsafe"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/cloudfly/memalloc/vm"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l.WithField("test", true)
}

// E1: init pool-64; alloc four blocks (sizes 1,2,3,30, all <= 64); free
// all; destroy cleanly.
func TestE1FourAllocsCleanDestroy(t *testing.T) {
	p, err := New(64, 4<<10, vm.Mmap{}, true, testLogger())
	require.NoError(t, err)

	var ptrs []unsafe.Pointer
	for _, sz := range []int{1, 2, 3, 30} {
		ptr, err := p.Alloc(sz)
		require.NoError(t, err)
		ptrs = append(ptrs, ptr)
	}
	for _, ptr := range ptrs {
		p.Free(ptr)
	}
	require.NoError(t, p.Destroy())
}

// E4 / property 8: repeatedly allocating and immediately freeing one slot
// always returns the same address.
func TestE4PoolRecoveryLaw(t *testing.T) {
	p, err := New(64, 4<<10, vm.Mmap{}, true, testLogger())
	require.NoError(t, err)
	defer p.Destroy()

	first, err := p.Alloc(64)
	require.NoError(t, err)
	p.Free(first)

	for i := 0; i < 50; i++ {
		again, err := p.Alloc(64)
		require.NoError(t, err)
		require.Equal(t, first, again)
		p.Free(again)
	}
}

// Property 3: permutation invariance — allocate a multiset of sizes, free
// them back in an arbitrary order, destroy cleanly.
func TestPermutationInvariance(t *testing.T) {
	p, err := New(32, 4<<10, vm.Mmap{}, true, testLogger())
	require.NoError(t, err)

	sizes := []int{1, 2, 4, 8, 16, 32, 3, 7, 9, 11}
	ptrs := make([]unsafe.Pointer, len(sizes))
	for i, sz := range sizes {
		ptr, err := p.Alloc(sz)
		require.NoError(t, err)
		ptrs[i] = ptr
	}
	order := []int{7, 2, 9, 0, 5, 1, 8, 3, 6, 4}
	for _, idx := range order {
		p.Free(ptrs[idx])
	}
	require.NoError(t, p.Destroy())
}

// Growth: exhausting a page's bump region and free list appends a new page.
func TestGrowthAppendsPage(t *testing.T) {
	// Small page so it's easy to exhaust: header + a handful of slots.
	// debug=false: this test leaves allocations live to observe growth,
	// which would otherwise trip the leak assertion on Destroy.
	p, err := New(16, 128, vm.Mmap{}, false, testLogger())
	require.NoError(t, err)
	defer p.Destroy()

	before := p.Stat().Pages
	for i := 0; i < 1000; i++ {
		_, err := p.Alloc(16)
		require.NoError(t, err)
	}
	after := p.Stat().Pages
	require.Greater(t, after, before)
}

func TestDoubleFreeDetectedInDebugMode(t *testing.T) {
	p, err := New(32, 4<<10, vm.Mmap{}, true, testLogger())
	require.NoError(t, err)
	defer p.Destroy()

	ptr, err := p.Alloc(32)
	require.NoError(t, err)
	p.Free(ptr)
	require.Panics(t, func() { p.Free(ptr) })
}

func TestDestroyWithLeakPanicsInDebugMode(t *testing.T) {
	p, err := New(32, 4<<10, vm.Mmap{}, true, testLogger())
	require.NoError(t, err)

	_, err = p.Alloc(32)
	require.NoError(t, err)
	require.Panics(t, func() { p.Destroy() })
}
