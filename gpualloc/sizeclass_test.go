package gpualloc_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/strata/gpualloc"
	"github.com/vkngwrapper/strata/gpualloc/mocks"
)

func TestSizeClassAllocator_CreateValidation(t *testing.T) {
	backend := mocks.NewMockBackend()

	_, err := gpualloc.NewSizeClassAllocator(backend, gpualloc.SizeClassAllocatorCreateOptions{
		MinBlockSize: 48,
		MaxBlockSize: 512,
	})
	require.Error(t, err)

	_, err = gpualloc.NewSizeClassAllocator(backend, gpualloc.SizeClassAllocatorCreateOptions{
		MinBlockSize: 512,
		MaxBlockSize: 64,
	})
	require.Error(t, err)
}

func TestSizeClassAllocator_RoundsAndRejects(t *testing.T) {
	backend := mocks.NewMockBackend()
	alloc, err := gpualloc.NewSizeClassAllocator(backend, gpualloc.SizeClassAllocatorCreateOptions{
		MinBlockSize:    64,
		MaxBlockSize:    512,
		InitialCapacity: 512,
	})
	require.NoError(t, err)

	// 100 rounds to 128
	offset, ok := alloc.Allocate(100)
	require.True(t, ok)
	require.Equal(t, 0, offset%128)

	// 16 rounds below the minimum block size, 600 rounds above the maximum
	_, ok = alloc.Allocate(16)
	require.False(t, ok)
	_, ok = alloc.Allocate(600)
	require.False(t, ok)
	_, ok = alloc.Allocate(0)
	require.False(t, ok)

	alloc.Free(offset)
	require.NoError(t, alloc.Validate())
	require.NoError(t, alloc.Destroy())
}

func TestSizeClassAllocator_AllocationsDoNotOverlap(t *testing.T) {
	backend := mocks.NewMockBackend()
	alloc, err := gpualloc.NewSizeClassAllocator(backend, gpualloc.SizeClassAllocatorCreateOptions{
		MinBlockSize:    64,
		MaxBlockSize:    512,
		InitialCapacity: 1024,
	})
	require.NoError(t, err)

	sizes := []int{64, 128, 64, 256, 64, 128, 64}
	type span struct{ offset, size int }
	var spans []span
	for _, size := range sizes {
		offset, ok := alloc.Allocate(size)
		require.True(t, ok)
		for _, s := range spans {
			disjoint := offset+size <= s.offset || s.offset+s.size <= offset
			require.True(t, disjoint, "allocation [%d, %d) overlaps [%d, %d)",
				offset, offset+size, s.offset, s.offset+s.size)
		}
		spans = append(spans, span{offset, size})
	}

	require.NoError(t, alloc.Validate())
	require.Equal(t, len(sizes), alloc.AllocationCount())

	for _, s := range spans {
		alloc.Free(s.offset)
	}
	require.Equal(t, 0, alloc.AllocationCount())
	require.NoError(t, alloc.Destroy())
}

func TestSizeClassAllocator_BuddiesMergeRecursively(t *testing.T) {
	backend := mocks.NewMockBackend()
	alloc, err := gpualloc.NewSizeClassAllocator(backend, gpualloc.SizeClassAllocatorCreateOptions{
		MinBlockSize:    64,
		MaxBlockSize:    512,
		InitialCapacity: 512,
	})
	require.NoError(t, err)

	var offsets []int
	for i := 0; i < 8; i++ {
		offset, ok := alloc.Allocate(64)
		require.True(t, ok)
		offsets = append(offsets, offset)
	}
	require.Equal(t, 0, alloc.FreeBytes())

	// Free in scrambled order; every level of buddies must merge back together
	for _, i := range []int{3, 0, 7, 4, 1, 6, 2, 5} {
		alloc.Free(offsets[i])
		require.NoError(t, alloc.Validate())
	}
	require.Equal(t, 512, alloc.FreeBytes())

	// A fully merged buffer can hand out one maximum-size block again
	offset, ok := alloc.Allocate(512)
	require.True(t, ok)
	require.Equal(t, 0, offset)

	alloc.Free(offset)
	require.NoError(t, alloc.Destroy())
}

func TestSizeClassAllocator_GrowthDoublesAndPreservesContents(t *testing.T) {
	backend := mocks.NewMockBackend()
	alloc, err := gpualloc.NewSizeClassAllocator(backend, gpualloc.SizeClassAllocatorCreateOptions{
		MinBlockSize:    64,
		MaxBlockSize:    256,
		InitialCapacity: 256,
	})
	require.NoError(t, err)
	require.Equal(t, 256, alloc.Capacity())

	first, ok := alloc.Allocate(256)
	require.True(t, ok)

	payload := make([]byte, 256)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, backend.WriteData(alloc.CurrentBuffer(), first, payload))

	second, ok := alloc.Allocate(64)
	require.True(t, ok)
	require.Equal(t, 512, alloc.Capacity())
	require.GreaterOrEqual(t, second, 256)

	grown := alloc.CurrentBuffer().(*mocks.MockBuffer)
	require.Equal(t, payload, grown.Data[first:first+256])

	alloc.Free(first)
	alloc.Free(second)
	backend.CompleteAll()
	alloc.ReclaimRetired()
	require.NoError(t, alloc.Destroy())
	require.Empty(t, backend.Violations())
	require.Equal(t, 0, backend.LiveBufferCount())
}

func TestSizeClassAllocator_ShrinksWhenUpperHalfFree(t *testing.T) {
	backend := mocks.NewMockBackend()
	var retired []gpualloc.Buffer
	alloc, err := gpualloc.NewSizeClassAllocator(backend, gpualloc.SizeClassAllocatorCreateOptions{
		MinBlockSize:    64,
		MaxBlockSize:    64,
		InitialCapacity: 256,
		OnBufferRetired: func(old gpualloc.Buffer, token gpualloc.SubmissionToken) {
			retired = append(retired, old)
		},
	})
	require.NoError(t, err)
	require.Equal(t, 256, alloc.Capacity())

	var offsets []int
	for i := 0; i < 4; i++ {
		offset, ok := alloc.Allocate(64)
		require.True(t, ok)
		offsets = append(offsets, offset)
	}

	// Free the upper half first so that when free bytes pass a quarter of capacity,
	// the upper half is entirely free and the buffer can halve
	alloc.Free(offsets[3])
	alloc.Free(offsets[2])
	require.Equal(t, 128, alloc.Capacity())
	require.Len(t, retired, 1)
	require.NoError(t, alloc.Validate())

	// Capacity never drops below twice the maximum block size
	alloc.Free(offsets[1])
	alloc.Free(offsets[0])
	require.Equal(t, 128, alloc.Capacity())

	backend.CompleteAll()
	for _, b := range retired {
		b.Destroy()
	}
	require.NoError(t, alloc.Destroy())
	require.Empty(t, backend.Violations())
	require.Equal(t, 0, backend.LiveBufferCount())
}

func TestSizeClassAllocator_UntrackedFreeIsNoOp(t *testing.T) {
	backend := mocks.NewMockBackend()
	alloc, err := gpualloc.NewSizeClassAllocator(backend, gpualloc.SizeClassAllocatorCreateOptions{
		MinBlockSize:    64,
		MaxBlockSize:    512,
		InitialCapacity: 512,
	})
	require.NoError(t, err)

	offset, ok := alloc.Allocate(64)
	require.True(t, ok)

	alloc.Free(offset + 64)
	alloc.Free(offset)
	alloc.Free(offset)
	require.Equal(t, 0, alloc.AllocationCount())
	require.NoError(t, alloc.Validate())
	require.NoError(t, alloc.Destroy())
}

func TestSizeClassAllocator_DestroyReportsLeaks(t *testing.T) {
	backend := mocks.NewMockBackend()
	alloc, err := gpualloc.NewSizeClassAllocator(backend, gpualloc.SizeClassAllocatorCreateOptions{
		MinBlockSize:    64,
		MaxBlockSize:    512,
		InitialCapacity: 512,
	})
	require.NoError(t, err)

	_, ok := alloc.Allocate(64)
	require.True(t, ok)

	require.Error(t, alloc.Destroy())
}

func TestSizeClassAllocator_GrowthFailureLeavesAllocatorUsable(t *testing.T) {
	backend := mocks.NewMockBackend()
	alloc, err := gpualloc.NewSizeClassAllocator(backend, gpualloc.SizeClassAllocatorCreateOptions{
		MinBlockSize:    64,
		MaxBlockSize:    256,
		InitialCapacity: 256,
	})
	require.NoError(t, err)

	offset, ok := alloc.Allocate(256)
	require.True(t, ok)

	backend.FailNextCreate = true
	_, ok = alloc.Allocate(64)
	require.False(t, ok)
	require.Equal(t, 256, alloc.Capacity())
	require.NoError(t, alloc.Validate())

	// The allocator still works once the backend recovers
	second, ok := alloc.Allocate(64)
	require.True(t, ok)

	alloc.Free(offset)
	alloc.Free(second)
	backend.CompleteAll()
	alloc.ReclaimRetired()
	require.NoError(t, alloc.Destroy())
	require.Empty(t, backend.Violations())
}

func TestSizeClassAllocator_StatsString(t *testing.T) {
	backend := mocks.NewMockBackend()
	alloc, err := gpualloc.NewSizeClassAllocator(backend, gpualloc.SizeClassAllocatorCreateOptions{
		MinBlockSize:    64,
		MaxBlockSize:    512,
		InitialCapacity: 512,
	})
	require.NoError(t, err)

	_, ok := alloc.Allocate(64)
	require.True(t, ok)

	stats := alloc.BuildStatsString()
	require.Contains(t, stats, `"BlockCount":1`)
	require.Contains(t, stats, `"BlockBytes":512`)
	require.Contains(t, stats, `"AllocationCount":1`)
	require.Contains(t, stats, `"AllocationBytes":64`)
}
