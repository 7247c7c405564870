package gpualloc

import (
	"github.com/vkngwrapper/core/v2/core1_0"
)

// SubmissionToken is an opaque, monotonically-increasing marker for a unit of device
// work that has been issued. Two tokens from the same Backend can be compared with
// ordinary integer comparisons: work submitted under token A has been issued before
// work submitted under token B whenever A < B. A token has "retired" once
// Backend.CompletedToken returns a value >= that token.
type SubmissionToken uint64

// Buffer is a single device-visible buffer created by a Backend. The allocators in
// this package treat it as an opaque handle plus a size- they never read from or
// write to the buffer's contents directly.
type Buffer interface {
	// Size returns the capacity of this buffer in bytes
	Size() int
	// Handle returns the backend-native buffer object. For the vulkan backend this is
	// a core1_0.Buffer; for the mock backend it is the mock's own record. Consumers
	// that bind the buffer to a pipeline will need this, but the allocators do not.
	Handle() any
	// Destroy releases the buffer's device resources. A buffer that was retired by a
	// resize must not be destroyed until its hand-off token has retired- see
	// RetiredBufferFunc.
	Destroy()
}

// Backend abstracts the graphics device operations the allocators need. It is
// deliberately tiny: buffer creation, device-side copies with token-based completion
// tracking, direct data writes, and descriptor rebinds after a buffer swap.
type Backend interface {
	// CreateBuffer creates a device buffer of the requested size in bytes. The usage
	// flags are passed through to the backing API; backends that have no use for them
	// (such as the mock backend) ignore them.
	CreateBuffer(size int, usage core1_0.BufferUsageFlags) (Buffer, error)
	// Copy records a device-side copy of length bytes from src to dst. The copy is
	// not issued until Submit is called.
	Copy(src Buffer, dst Buffer, srcOffset, dstOffset, length int)
	// Submit issues all copies recorded since the previous Submit and returns the
	// submission token for that batch. The work completes asynchronously- the token
	// retires once CompletedToken() >= token.
	Submit() (SubmissionToken, error)
	// CompletedToken returns the most recent submission token whose device work has
	// fully completed. Tokens retire in order.
	CompletedToken() SubmissionToken
	// WriteData writes the provided bytes into dst at the given byte offset. Writes
	// are synchronous from the caller's perspective.
	WriteData(dst Buffer, offset int, data []byte) error
	// WriteDescriptor points the provided binding slot at a buffer range. Resize
	// callbacks use this to rebind GPU-visible descriptors from a retired buffer to
	// its replacement.
	WriteDescriptor(binding int, buffer Buffer, offset int, byteRange int)
}

// RetiredBufferFunc receives the old buffer after an allocator has replaced its
// backing buffer. The callback takes ownership of the buffer: it must keep the
// buffer alive until the provided token has retired (Backend.CompletedToken() >=
// token), destroy it after that point, and rebind any descriptor that referenced the
// old buffer to the allocator's new buffer. Destroying the buffer before the token
// retires causes the device to read freed memory.
type RetiredBufferFunc func(old Buffer, token SubmissionToken)
