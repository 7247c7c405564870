package gpualloc_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/strata/gpualloc"
	"github.com/vkngwrapper/strata/gpualloc/mocks"
)

func TestReplacedBufferOutlivesItsToken(t *testing.T) {
	backend := mocks.NewMockBackend()
	alloc, err := gpualloc.NewFreeListAllocator(backend, gpualloc.FreeListAllocatorCreateOptions{
		InitialCapacity: 64,
	})
	require.NoError(t, err)

	first, ok := alloc.Allocate(60)
	require.True(t, ok)
	second, ok := alloc.Allocate(60)
	require.True(t, ok)

	// The old buffer is parked, not destroyed: its copy has been submitted but the
	// token has not retired
	require.Equal(t, 2, backend.LiveBufferCount())
	alloc.ReclaimRetired()
	require.Equal(t, 2, backend.LiveBufferCount())

	// Freeing everything shrinks the buffer back down, parking a second buffer.
	// Tearing down now would orphan both in-flight buffers.
	alloc.Free(first, 60)
	alloc.Free(second, 60)
	require.Equal(t, 64, alloc.Capacity())
	require.Equal(t, 3, backend.LiveBufferCount())
	require.Error(t, alloc.Destroy())

	// Tokens retire in order and each reclaim only touches retired buffers
	backend.AdvanceCompleted()
	alloc.ReclaimRetired()
	require.Equal(t, 2, backend.LiveBufferCount())
	backend.AdvanceCompleted()
	alloc.ReclaimRetired()
	require.Equal(t, 1, backend.LiveBufferCount())

	require.NoError(t, alloc.Destroy())
	require.Empty(t, backend.Violations())
	require.Equal(t, 0, backend.LiveBufferCount())
}

func TestPrematureDestroyIsAViolation(t *testing.T) {
	backend := mocks.NewMockBackend()

	var retired gpualloc.Buffer
	alloc, err := gpualloc.NewFreeListAllocator(backend, gpualloc.FreeListAllocatorCreateOptions{
		InitialCapacity: 64,
		OnBufferRetired: func(old gpualloc.Buffer, token gpualloc.SubmissionToken) {
			retired = old
		},
	})
	require.NoError(t, err)

	first, ok := alloc.Allocate(60)
	require.True(t, ok)
	second, ok := alloc.Allocate(60)
	require.True(t, ok)
	require.NotNil(t, retired)

	// Destroying the old buffer before its hand-off token retires is exactly the
	// mistake the protocol exists to prevent, and the mock flags it
	retired.Destroy()
	violations := backend.Violations()
	require.Len(t, violations, 1)
	require.Contains(t, violations[0], "in flight")

	alloc.Free(first, 60)
	alloc.Free(second, 60)
	backend.CompleteAll()
	require.NoError(t, alloc.Destroy())
}

func TestSubmitFailureRollsBackGrowth(t *testing.T) {
	backend := mocks.NewMockBackend()
	alloc, err := gpualloc.NewFreeListAllocator(backend, gpualloc.FreeListAllocatorCreateOptions{
		InitialCapacity: 64,
	})
	require.NoError(t, err)

	first, ok := alloc.Allocate(60)
	require.True(t, ok)

	backend.FailNextSubmit = true
	_, ok = alloc.Allocate(60)
	require.False(t, ok)
	require.Equal(t, 64, alloc.Capacity())
	require.NoError(t, alloc.Validate())

	second, ok := alloc.Allocate(60)
	require.True(t, ok)

	alloc.Free(first, 60)
	alloc.Free(second, 60)
	backend.CompleteAll()
	alloc.ReclaimRetired()
	require.NoError(t, alloc.Destroy())
}
