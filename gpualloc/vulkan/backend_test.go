package vulkan

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/mocks"
	"github.com/vkngwrapper/strata/gpualloc"
	"github.com/golang/mock/gomock"
)

type backendFixture struct {
	device         *mocks.MockDevice
	physicalDevice *mocks.MockPhysicalDevice
	queue          *mocks.MockQueue
	commandPool    *mocks.MockCommandPool
	commandBuffers []*mocks.MockCommandBuffer
	fences         []*mocks.MockFence

	backend *Backend
}

// readyBackend builds a Backend over mocked device objects with a two-deep
// submission ring and no buffer device address support
func readyBackend(t *testing.T, ctrl *gomock.Controller, memoryTypes []core1_0.MemoryType) *backendFixture {
	f := &backendFixture{
		device:         mocks.NewMockDevice(ctrl),
		physicalDevice: mocks.NewMockPhysicalDevice(ctrl),
		queue:          mocks.NewMockQueue(ctrl),
		commandPool:    mocks.NewMockCommandPool(ctrl),
		commandBuffers: []*mocks.MockCommandBuffer{
			mocks.NewMockCommandBuffer(ctrl),
			mocks.NewMockCommandBuffer(ctrl),
		},
		fences: []*mocks.MockFence{
			mocks.NewMockFence(ctrl),
			mocks.NewMockFence(ctrl),
		},
	}

	f.device.EXPECT().CreateCommandPool(gomock.Any(), core1_0.CommandPoolCreateInfo{
		Flags:            core1_0.CommandPoolCreateResetBuffer,
		QueueFamilyIndex: 0,
	}).Return(f.commandPool, core1_0.VKSuccess, nil)
	f.device.EXPECT().AllocateCommandBuffers(core1_0.CommandBufferAllocateInfo{
		CommandPool:        f.commandPool,
		Level:              core1_0.CommandBufferLevelPrimary,
		CommandBufferCount: 2,
	}).Return([]core1_0.CommandBuffer{f.commandBuffers[0], f.commandBuffers[1]}, core1_0.VKSuccess, nil)

	f.physicalDevice.EXPECT().MemoryProperties().Return(&core1_0.PhysicalDeviceMemoryProperties{
		MemoryTypes: memoryTypes,
		MemoryHeaps: []core1_0.MemoryHeap{
			{
				Size:  1000000,
				Flags: core1_0.MemoryHeapDeviceLocal,
			},
		},
	})

	f.device.EXPECT().CreateFence(gomock.Any(), core1_0.FenceCreateInfo{
		Flags: core1_0.FenceCreateSignaled,
	}).Return(f.fences[0], core1_0.VKSuccess, nil)
	f.device.EXPECT().CreateFence(gomock.Any(), core1_0.FenceCreateInfo{
		Flags: core1_0.FenceCreateSignaled,
	}).Return(f.fences[1], core1_0.VKSuccess, nil)

	backend, err := NewBackend(BackendCreateOptions{
		Device:         f.device,
		PhysicalDevice: f.physicalDevice,
		Queue:          f.queue,
		Extensions:     &ExtensionData{},
		RingDepth:      2,
	})
	require.NoError(t, err)

	f.backend = backend
	return f
}

// expectDestroy arranges for Destroy to tear the backend down with no submissions
// outstanding
func (f *backendFixture) expectDestroy() {
	for _, fence := range f.fences {
		fence.EXPECT().Destroy(gomock.Any())
	}
	f.commandPool.EXPECT().Destroy(gomock.Any())
}

func TestCreateBufferPicksHostVisibleMemory(t *testing.T) {
	ctrl := gomock.NewController(t)

	f := readyBackend(t, ctrl, []core1_0.MemoryType{
		{
			PropertyFlags: core1_0.MemoryPropertyDeviceLocal,
			HeapIndex:     0,
		},
		{
			PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent,
			HeapIndex:     0,
		},
		{
			PropertyFlags: core1_0.MemoryPropertyDeviceLocal | core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent,
			HeapIndex:     0,
		},
	})

	buffer := mocks.NewMockBuffer(ctrl)
	memory := mocks.EasyMockDeviceMemory(ctrl)

	f.device.EXPECT().CreateBuffer(gomock.Any(), core1_0.BufferCreateInfo{
		Size: 256,
		Usage: core1_0.BufferUsageTransferSrc | core1_0.BufferUsageTransferDst |
			core1_0.BufferUsageStorageBuffer,
		SharingMode: core1_0.SharingModeExclusive,
	}).Return(buffer, core1_0.VKSuccess, nil)
	buffer.EXPECT().MemoryRequirements().Return(&core1_0.MemoryRequirements{
		Size:           256,
		Alignment:      64,
		MemoryTypeBits: 0xffffffff,
	})

	// Type 1 is host-visible but misses the device-local preference; type 2 has
	// every preferred flag and wins
	f.device.EXPECT().AllocateMemory(gomock.Any(), core1_0.MemoryAllocateInfo{
		AllocationSize:  256,
		MemoryTypeIndex: 2,
	}).Return(memory, core1_0.VKSuccess, nil)
	buffer.EXPECT().BindBufferMemory(memory, 0).Return(core1_0.VKSuccess, nil)

	created, err := f.backend.CreateBuffer(256, 0)
	require.NoError(t, err)
	require.Equal(t, 256, created.Size())
	require.Equal(t, buffer, created.Handle())

	f.expectDestroy()
	require.NoError(t, f.backend.Destroy())
}

func TestCreateBufferFailsWithoutHostVisibleMemory(t *testing.T) {
	ctrl := gomock.NewController(t)

	f := readyBackend(t, ctrl, []core1_0.MemoryType{
		{
			PropertyFlags: core1_0.MemoryPropertyDeviceLocal,
			HeapIndex:     0,
		},
	})

	buffer := mocks.NewMockBuffer(ctrl)
	f.device.EXPECT().CreateBuffer(gomock.Any(), gomock.Any()).Return(buffer, core1_0.VKSuccess, nil)
	buffer.EXPECT().MemoryRequirements().Return(&core1_0.MemoryRequirements{
		Size:           128,
		Alignment:      64,
		MemoryTypeBits: 0xffffffff,
	})
	buffer.EXPECT().Destroy(gomock.Any())

	_, err := f.backend.CreateBuffer(128, 0)
	require.Error(t, err)

	f.expectDestroy()
	require.NoError(t, f.backend.Destroy())
}

func TestWriteDataFlushesNonCoherentMemory(t *testing.T) {
	ctrl := gomock.NewController(t)

	f := readyBackend(t, ctrl, []core1_0.MemoryType{
		{
			PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCached,
			HeapIndex:     0,
		},
	})

	buffer := mocks.NewMockBuffer(ctrl)
	memory := mocks.EasyMockDeviceMemory(ctrl)

	f.device.EXPECT().CreateBuffer(gomock.Any(), gomock.Any()).Return(buffer, core1_0.VKSuccess, nil)
	buffer.EXPECT().MemoryRequirements().Return(&core1_0.MemoryRequirements{
		Size:           64,
		Alignment:      64,
		MemoryTypeBits: 0xffffffff,
	})
	f.device.EXPECT().AllocateMemory(gomock.Any(), core1_0.MemoryAllocateInfo{
		AllocationSize:  64,
		MemoryTypeIndex: 0,
	}).Return(memory, core1_0.VKSuccess, nil)
	buffer.EXPECT().BindBufferMemory(memory, 0).Return(core1_0.VKSuccess, nil)

	created, err := f.backend.CreateBuffer(64, 0)
	require.NoError(t, err)

	backing := make([]byte, 64)
	backingPtr := unsafe.Pointer(&backing[16])
	memory.EXPECT().Map(16, 4, core1_0.MemoryMapFlags(0)).
		Return(backingPtr, core1_0.VKSuccess, nil)
	f.device.EXPECT().FlushMappedMemoryRanges([]core1_0.MappedMemoryRange{
		{
			Memory: memory,
			Offset: 16,
			Size:   4,
		},
	}).Return(core1_0.VKSuccess, nil)
	memory.EXPECT().Unmap()

	require.NoError(t, f.backend.WriteData(created, 16, []byte{1, 2, 3, 4}))
	require.Equal(t, []byte{1, 2, 3, 4}, backing[16:20])

	// Out-of-range writes never touch the mapping
	require.Error(t, f.backend.WriteData(created, 62, []byte{1, 2, 3, 4}))

	f.expectDestroy()
	require.NoError(t, f.backend.Destroy())
}

func TestSubmitRetiresTokensInFenceOrder(t *testing.T) {
	ctrl := gomock.NewController(t)

	f := readyBackend(t, ctrl, []core1_0.MemoryType{
		{
			PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent,
			HeapIndex:     0,
		},
	})

	cmd := f.commandBuffers[0]
	cmd.EXPECT().Begin(core1_0.CommandBufferBeginInfo{
		Flags: core1_0.CommandBufferUsageOneTimeSubmit,
	}).Return(core1_0.VKSuccess, nil)
	cmd.EXPECT().End().Return(core1_0.VKSuccess, nil)
	f.device.EXPECT().ResetFences([]core1_0.Fence{f.fences[0]}).Return(core1_0.VKSuccess, nil)
	f.queue.EXPECT().Submit(f.fences[0], []core1_0.SubmitInfo{
		{
			CommandBuffers: []core1_0.CommandBuffer{cmd},
		},
	}).Return(core1_0.VKSuccess, nil)
	f.commandBuffers[1].EXPECT().Reset(core1_0.CommandBufferResetFlags(0)).Return(core1_0.VKSuccess, nil)

	token, err := f.backend.Submit()
	require.NoError(t, err)
	require.Equal(t, gpualloc.SubmissionToken(1), token)

	// The token stays outstanding until its fence signals
	f.fences[0].EXPECT().Status().Return(core1_0.VKNotReady, nil)
	require.Equal(t, gpualloc.SubmissionToken(0), f.backend.CompletedToken())

	f.fences[0].EXPECT().Status().Return(core1_0.VKSuccess, nil)
	require.Equal(t, token, f.backend.CompletedToken())

	f.expectDestroy()
	require.NoError(t, f.backend.Destroy())
}

func TestCopyRecordsIntoTheCurrentRing(t *testing.T) {
	ctrl := gomock.NewController(t)

	f := readyBackend(t, ctrl, []core1_0.MemoryType{
		{
			PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent,
			HeapIndex:     0,
		},
	})

	srcBuffer := mocks.NewMockBuffer(ctrl)
	dstBuffer := mocks.NewMockBuffer(ctrl)
	src := &vulkanBuffer{backend: f.backend, buffer: srcBuffer, size: 128}
	dst := &vulkanBuffer{backend: f.backend, buffer: dstBuffer, size: 256}

	cmd := f.commandBuffers[0]
	cmd.EXPECT().Begin(core1_0.CommandBufferBeginInfo{
		Flags: core1_0.CommandBufferUsageOneTimeSubmit,
	}).Return(core1_0.VKSuccess, nil)
	cmd.EXPECT().CmdCopyBuffer(srcBuffer, dstBuffer, []core1_0.BufferCopy{
		{
			SrcOffset: 0,
			DstOffset: 64,
			Size:      128,
		},
	}).Return(nil)

	f.backend.Copy(src, dst, 0, 64, 128)

	// A second copy in the same batch reuses the open command buffer
	cmd.EXPECT().CmdCopyBuffer(srcBuffer, dstBuffer, []core1_0.BufferCopy{
		{
			SrcOffset: 32,
			DstOffset: 0,
			Size:      16,
		},
	}).Return(nil)
	f.backend.Copy(src, dst, 32, 0, 16)

	cmd.EXPECT().End().Return(core1_0.VKSuccess, nil)
	f.device.EXPECT().ResetFences([]core1_0.Fence{f.fences[0]}).Return(core1_0.VKSuccess, nil)
	f.queue.EXPECT().Submit(f.fences[0], gomock.Any()).Return(core1_0.VKSuccess, nil)
	f.commandBuffers[1].EXPECT().Reset(core1_0.CommandBufferResetFlags(0)).Return(core1_0.VKSuccess, nil)

	_, err := f.backend.Submit()
	require.NoError(t, err)

	f.fences[0].EXPECT().Status().Return(core1_0.VKSuccess, nil)
	require.Equal(t, gpualloc.SubmissionToken(1), f.backend.CompletedToken())

	f.expectDestroy()
	require.NoError(t, f.backend.Destroy())
}

func TestWriteDescriptorTargetsStorageBinding(t *testing.T) {
	ctrl := gomock.NewController(t)

	f := readyBackend(t, ctrl, []core1_0.MemoryType{
		{
			PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent,
			HeapIndex:     0,
		},
	})

	descriptorSet := mocks.NewMockDescriptorSet(ctrl)
	f.backend.descriptorSet = descriptorSet

	buffer := mocks.NewMockBuffer(ctrl)
	wrapped := &vulkanBuffer{backend: f.backend, buffer: buffer, size: 512}

	f.device.EXPECT().UpdateDescriptorSets([]core1_0.WriteDescriptorSet{
		{
			DstSet:          descriptorSet,
			DstBinding:      3,
			DstArrayElement: 0,
			DescriptorType:  core1_0.DescriptorTypeStorageBuffer,
			BufferInfo: []core1_0.DescriptorBufferInfo{
				{
					Buffer: buffer,
					Offset: 0,
					Range:  512,
				},
			},
		},
	}, nil).Return(nil)

	f.backend.WriteDescriptor(3, wrapped, 0, 512)

	f.expectDestroy()
	require.NoError(t, f.backend.Destroy())
}
