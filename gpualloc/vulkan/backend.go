package vulkan

import (
	"context"
	"math/bits"
	"sync"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/core1_1"
	"github.com/vkngwrapper/core/v2/core1_2"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/extensions/v2/khr_buffer_device_address"
	"github.com/vkngwrapper/strata/gpualloc"
	"golang.org/x/exp/slog"
)

// BackendCreateOptions configures a Backend. Device, PhysicalDevice, and Queue are
// required; the queue must belong to QueueFamilyIndex and support transfer
// operations.
type BackendCreateOptions struct {
	Device           core1_0.Device
	PhysicalDevice   core1_0.PhysicalDevice
	Queue            core1_0.Queue
	QueueFamilyIndex int

	// DescriptorSet receives WriteDescriptor updates as storage-buffer bindings.
	// When nil, WriteDescriptor is a no-op- callers using buffer device addresses
	// instead of descriptors can leave it unset.
	DescriptorSet core1_0.DescriptorSet

	// VulkanCallbacks is an optional set of allocation callbacks to provide on
	// object creation and destruction
	VulkanCallbacks *driver.AllocationCallbacks

	// Extensions can be provided to reuse capability data probed elsewhere. When
	// nil, the backend probes the device itself.
	Extensions *ExtensionData

	// RingDepth is the number of command buffer + fence pairs cycled through by
	// Submit. Defaults to 3. Submit blocks when every pair is in flight.
	RingDepth int

	Logger *slog.Logger
}

type ring struct {
	commandBuffer core1_0.CommandBuffer
	fence         core1_0.Fence
	token         gpualloc.SubmissionToken
}

// Backend implements gpualloc.Backend on a vkngwrapper device. Copies are recorded
// into a ring of command buffers; each Submit issues one command buffer with its own
// fence and the submission token retires once that fence signals.
type Backend struct {
	mutex sync.Mutex

	device           core1_0.Device
	queue            core1_0.Queue
	commandPool      core1_0.CommandPool
	descriptorSet    core1_0.DescriptorSet
	callbacks        *driver.AllocationCallbacks
	extensionData    *ExtensionData
	memoryProperties *core1_0.PhysicalDeviceMemoryProperties
	logger           *slog.Logger

	rings     []ring
	ringIndex int
	recording bool

	submitted gpualloc.SubmissionToken
	completed gpualloc.SubmissionToken
}

var _ gpualloc.Backend = &Backend{}

func NewBackend(o BackendCreateOptions) (*Backend, error) {
	if o.Device == nil || o.PhysicalDevice == nil || o.Queue == nil {
		return nil, cerrors.New("Device, PhysicalDevice, and Queue are all required")
	}

	ringDepth := o.RingDepth
	if ringDepth < 1 {
		ringDepth = 3
	}
	extensionData := o.Extensions
	if extensionData == nil {
		extensionData = NewExtensionData(o.Device)
	}
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}

	commandPool, _, err := o.Device.CreateCommandPool(o.VulkanCallbacks, core1_0.CommandPoolCreateInfo{
		Flags:            core1_0.CommandPoolCreateResetBuffer,
		QueueFamilyIndex: o.QueueFamilyIndex,
	})
	if err != nil {
		return nil, cerrors.Wrap(err, "failed to create the transfer command pool")
	}

	commandBuffers, _, err := o.Device.AllocateCommandBuffers(core1_0.CommandBufferAllocateInfo{
		CommandPool:        commandPool,
		Level:              core1_0.CommandBufferLevelPrimary,
		CommandBufferCount: ringDepth,
	})
	if err != nil {
		commandPool.Destroy(o.VulkanCallbacks)
		return nil, cerrors.Wrap(err, "failed to allocate transfer command buffers")
	}

	b := &Backend{
		device:           o.Device,
		queue:            o.Queue,
		commandPool:      commandPool,
		descriptorSet:    o.DescriptorSet,
		callbacks:        o.VulkanCallbacks,
		extensionData:    extensionData,
		memoryProperties: o.PhysicalDevice.MemoryProperties(),
		logger:           logger,
	}

	for i := 0; i < ringDepth; i++ {
		fence, _, err := o.Device.CreateFence(o.VulkanCallbacks, core1_0.FenceCreateInfo{
			Flags: core1_0.FenceCreateSignaled,
		})
		if err != nil {
			b.destroyRings()
			commandPool.Destroy(o.VulkanCallbacks)
			return nil, cerrors.Wrap(err, "failed to create a submission fence")
		}
		b.rings = append(b.rings, ring{
			commandBuffer: commandBuffers[i],
			fence:         fence,
		})
	}

	return b, nil
}

func (b *Backend) destroyRings() {
	for i := range b.rings {
		b.rings[i].fence.Destroy(b.callbacks)
	}
	b.rings = nil
}

// Destroy waits for all in-flight submissions and releases the backend's command
// pool and fences. Buffers created by the backend are not affected.
func (b *Backend) Destroy() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	for i := range b.rings {
		if b.rings[i].token > b.completed {
			_, err := b.rings[i].fence.Wait(common.NoTimeout)
			if err != nil {
				return cerrors.Wrap(err, "failed to wait for an in-flight submission")
			}
		}
	}
	b.completed = b.submitted

	b.destroyRings()
	b.commandPool.Destroy(b.callbacks)
	return nil
}

// findMemoryTypeIndex picks the cheapest memory type permitted by typeBits that has
// every required flag, preferring types that also carry the preferred flags.
func (b *Backend) findMemoryTypeIndex(
	typeBits uint32,
	requiredFlags core1_0.MemoryPropertyFlags,
	preferredFlags core1_0.MemoryPropertyFlags,
) (int, error) {
	bestIndex := -1
	bestCost := -1

	for typeIndex := 0; typeIndex < len(b.memoryProperties.MemoryTypes); typeIndex++ {
		if typeBits&(1<<typeIndex) == 0 {
			continue
		}

		flags := b.memoryProperties.MemoryTypes[typeIndex].PropertyFlags
		if requiredFlags&flags != requiredFlags {
			continue
		}

		missingPreferredFlags := preferredFlags & ^flags
		cost := bits.OnesCount32(uint32(missingPreferredFlags))
		if cost == 0 {
			return typeIndex, nil
		} else if bestIndex < 0 || cost < bestCost {
			bestIndex = typeIndex
			bestCost = cost
		}
	}

	if bestIndex < 0 {
		return -1, cerrors.Newf("no memory type in bitmask %x has flags %s", typeBits, requiredFlags)
	}
	return bestIndex, nil
}

// CreateBuffer creates a storage buffer with bound, host-visible memory. Transfer
// and storage usages are always added so the buffer can take part in replacement
// copies and shader access; device-local memory is preferred but not required, so
// discrete cards with host-visible device memory (resizable BAR) get the fast path.
func (b *Backend) CreateBuffer(size int, usage core1_0.BufferUsageFlags) (gpualloc.Buffer, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	usage |= core1_0.BufferUsageTransferSrc | core1_0.BufferUsageTransferDst | core1_0.BufferUsageStorageBuffer
	if b.extensionData.BufferDeviceAddress != nil {
		usage |= khr_buffer_device_address.BufferUsageShaderDeviceAddress
	}

	buffer, _, err := b.device.CreateBuffer(b.callbacks, core1_0.BufferCreateInfo{
		Size:        size,
		Usage:       usage,
		SharingMode: core1_0.SharingModeExclusive,
	})
	if err != nil {
		return nil, cerrors.Wrapf(err, "failed to create a %d-byte buffer", size)
	}

	memReqs := buffer.MemoryRequirements()
	typeIndex, err := b.findMemoryTypeIndex(
		memReqs.MemoryTypeBits,
		core1_0.MemoryPropertyHostVisible,
		core1_0.MemoryPropertyDeviceLocal|core1_0.MemoryPropertyHostCoherent,
	)
	if err != nil {
		buffer.Destroy(b.callbacks)
		return nil, err
	}

	allocInfo := core1_0.MemoryAllocateInfo{
		AllocationSize:  memReqs.Size,
		MemoryTypeIndex: typeIndex,
	}
	if b.extensionData.BufferDeviceAddress != nil {
		allocFlagsInfo := core1_1.MemoryAllocateFlagsInfo{}
		allocFlagsInfo.Flags = core1_2.MemoryAllocateDeviceAddress
		allocFlagsInfo.Next = allocInfo.Next
		allocInfo.Next = allocFlagsInfo
	}

	memory, _, err := b.device.AllocateMemory(b.callbacks, allocInfo)
	if err != nil {
		buffer.Destroy(b.callbacks)
		return nil, cerrors.Wrapf(err, "failed to allocate %d bytes of device memory", memReqs.Size)
	}

	_, err = buffer.BindBufferMemory(memory, 0)
	if err != nil {
		memory.Free(b.callbacks)
		buffer.Destroy(b.callbacks)
		return nil, cerrors.Wrap(err, "failed to bind buffer memory")
	}

	hostCoherent := b.memoryProperties.MemoryTypes[typeIndex].PropertyFlags&core1_0.MemoryPropertyHostCoherent != 0

	return &vulkanBuffer{
		backend:      b,
		buffer:       buffer,
		memory:       memory,
		size:         size,
		hostCoherent: hostCoherent,
	}, nil
}

// beginRecording starts the current ring's command buffer if it is not already
// recording. Must be called under the mutex.
func (b *Backend) beginRecording() error {
	if b.recording {
		return nil
	}

	r := &b.rings[b.ringIndex]
	_, err := r.commandBuffer.Begin(core1_0.CommandBufferBeginInfo{
		Flags: core1_0.CommandBufferUsageOneTimeSubmit,
	})
	if err != nil {
		return cerrors.Wrap(err, "failed to begin the transfer command buffer")
	}
	b.recording = true
	return nil
}

func (b *Backend) Copy(src gpualloc.Buffer, dst gpualloc.Buffer, srcOffset, dstOffset, length int) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	err := b.beginRecording()
	if err != nil {
		b.logger.LogAttrs(context.Background(), slog.LevelError, "failed to record a buffer copy",
			slog.Any("error", err),
		)
		return
	}

	err = b.rings[b.ringIndex].commandBuffer.CmdCopyBuffer(
		src.(*vulkanBuffer).buffer,
		dst.(*vulkanBuffer).buffer,
		[]core1_0.BufferCopy{
			{
				SrcOffset: srcOffset,
				DstOffset: dstOffset,
				Size:      length,
			},
		})
	if err != nil {
		b.logger.LogAttrs(context.Background(), slog.LevelError, "failed to record a buffer copy",
			slog.Any("error", err),
		)
	}
}

// Submit issues the current command buffer and returns its token. The ring then
// advances; if the next command buffer's previous submission has not completed yet,
// Submit blocks on its fence before returning.
func (b *Backend) Submit() (gpualloc.SubmissionToken, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	err := b.beginRecording()
	if err != nil {
		return 0, err
	}

	r := &b.rings[b.ringIndex]
	_, err = r.commandBuffer.End()
	if err != nil {
		return 0, cerrors.Wrap(err, "failed to end the transfer command buffer")
	}
	b.recording = false

	_, err = b.device.ResetFences([]core1_0.Fence{r.fence})
	if err != nil {
		return 0, cerrors.Wrap(err, "failed to reset a submission fence")
	}

	_, err = b.queue.Submit(r.fence, []core1_0.SubmitInfo{
		{
			CommandBuffers: []core1_0.CommandBuffer{r.commandBuffer},
		},
	})
	if err != nil {
		return 0, cerrors.Wrap(err, "failed to submit the transfer command buffer")
	}

	b.submitted++
	r.token = b.submitted

	// Reclaim the next ring entry before handing it out again
	b.ringIndex = (b.ringIndex + 1) % len(b.rings)
	next := &b.rings[b.ringIndex]
	if next.token > b.completed {
		_, err = next.fence.Wait(common.NoTimeout)
		if err != nil {
			return 0, cerrors.Wrap(err, "failed to wait for an in-flight submission")
		}
		b.advanceCompletedLocked()
	}
	_, err = next.commandBuffer.Reset(0)
	if err != nil {
		return 0, cerrors.Wrap(err, "failed to reset a transfer command buffer")
	}

	return r.token, nil
}

// advanceCompletedLocked walks submitted-but-unretired tokens in order and advances
// the completed watermark past every one whose fence has signaled. Must be called
// under the mutex.
func (b *Backend) advanceCompletedLocked() {
	for b.completed < b.submitted {
		nextToken := b.completed + 1

		var pending *ring
		for i := range b.rings {
			if b.rings[i].token == nextToken {
				pending = &b.rings[i]
				break
			}
		}
		if pending == nil {
			// The ring entry was reused by a later submission, so this token's work
			// was already waited on
			b.completed = nextToken
			continue
		}

		res, err := pending.fence.Status()
		if err != nil || res != core1_0.VKSuccess {
			return
		}
		b.completed = nextToken
	}
}

func (b *Backend) CompletedToken() gpualloc.SubmissionToken {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.advanceCompletedLocked()
	return b.completed
}

// WriteData copies host bytes into the buffer through a transient mapping. The
// flush is skipped on host-coherent memory.
func (b *Backend) WriteData(dst gpualloc.Buffer, offset int, data []byte) error {
	buf := dst.(*vulkanBuffer)
	if offset < 0 || offset+len(data) > buf.size {
		return cerrors.Newf("write of %d bytes at offset %d overflows a %d-byte buffer", len(data), offset, buf.size)
	}
	if len(data) == 0 {
		return nil
	}

	ptr, _, err := buf.memory.Map(offset, len(data), core1_0.MemoryMapFlags(0))
	if err != nil {
		return cerrors.Wrap(err, "failed to map buffer memory")
	}
	copy(unsafe.Slice((*byte)(ptr), len(data)), data)

	if !buf.hostCoherent {
		_, err = b.device.FlushMappedMemoryRanges([]core1_0.MappedMemoryRange{
			{
				Memory: buf.memory,
				Offset: offset,
				Size:   len(data),
			},
		})
		if err != nil {
			buf.memory.Unmap()
			return cerrors.Wrap(err, "failed to flush written buffer memory")
		}
	}

	buf.memory.Unmap()
	return nil
}

func (b *Backend) WriteDescriptor(binding int, buffer gpualloc.Buffer, offset int, byteRange int) {
	if b.descriptorSet == nil {
		return
	}

	err := b.device.UpdateDescriptorSets([]core1_0.WriteDescriptorSet{
		{
			DstSet:          b.descriptorSet,
			DstBinding:      binding,
			DstArrayElement: 0,
			DescriptorType:  core1_0.DescriptorTypeStorageBuffer,
			BufferInfo: []core1_0.DescriptorBufferInfo{
				{
					Buffer: buffer.(*vulkanBuffer).buffer,
					Offset: offset,
					Range:  byteRange,
				},
			},
		},
	}, nil)
	if err != nil {
		b.logger.LogAttrs(context.Background(), slog.LevelError, "failed to update a storage buffer descriptor",
			slog.Int("binding", binding),
			slog.Any("error", err),
		)
	}
}

type vulkanBuffer struct {
	backend      *Backend
	buffer       core1_0.Buffer
	memory       core1_0.DeviceMemory
	size         int
	hostCoherent bool
}

func (b *vulkanBuffer) Size() int {
	return b.size
}

func (b *vulkanBuffer) Handle() any {
	return b.buffer
}

func (b *vulkanBuffer) Destroy() {
	b.buffer.Destroy(b.backend.callbacks)
	b.memory.Free(b.backend.callbacks)
	b.buffer = nil
	b.memory = nil
}
