package gpualloc

import (
	"context"

	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"
)

// retiredBuffer is a buffer that has been replaced but whose hand-off token has not
// been confirmed retired yet. Allocators keep these when the consumer did not supply
// a RetiredBufferFunc of its own.
type retiredBuffer struct {
	buffer Buffer
	token  SubmissionToken
}

// replaceBuffer runs the buffer-replacement sequence shared by every allocator:
// create the replacement, record a device copy of the valid byte range, submit it,
// and return the new buffer together with the submission token the old buffer must
// outlive. The caller is responsible for swapping its active buffer field and then
// handing (old, token) to the retire callback- in that order, under its exclusive
// lock.
//
// On any failure the replacement buffer is destroyed and the caller's state must be
// left untouched: grow and shrink are all-or-nothing.
func replaceBuffer(
	backend Backend,
	old Buffer,
	validBytes int,
	newCapacity int,
	usage core1_0.BufferUsageFlags,
) (Buffer, SubmissionToken, error) {
	newBuffer, err := backend.CreateBuffer(newCapacity, usage)
	if err != nil {
		return nil, 0, err
	}

	if validBytes > newCapacity {
		validBytes = newCapacity
	}
	if validBytes > 0 {
		backend.Copy(old, newBuffer, 0, 0, validBytes)
	}

	token, err := backend.Submit()
	if err != nil {
		newBuffer.Destroy()
		return nil, 0, err
	}

	return newBuffer, token, nil
}

// retireBuffer hands the old buffer off after a swap. With no consumer callback the
// allocator parks the buffer on its own retired list and destroys it lazily once the
// token retires- see reclaimRetired.
func retireBuffer(
	onRetired RetiredBufferFunc,
	retired []retiredBuffer,
	old Buffer,
	token SubmissionToken,
) []retiredBuffer {
	if onRetired != nil {
		onRetired(old, token)
		return retired
	}

	return append(retired, retiredBuffer{buffer: old, token: token})
}

// reclaimRetired destroys every parked buffer whose token has retired and returns
// the buffers still in flight.
func reclaimRetired(backend Backend, retired []retiredBuffer, logger *slog.Logger) []retiredBuffer {
	if len(retired) == 0 {
		return retired
	}

	completed := backend.CompletedToken()
	remaining := retired[:0]
	for _, r := range retired {
		if r.token <= completed {
			if logger != nil {
				logger.LogAttrs(context.Background(), slog.LevelDebug, "destroying retired buffer",
					slog.Uint64("token", uint64(r.token)),
					slog.Int("size", r.buffer.Size()),
				)
			}
			r.buffer.Destroy()
			continue
		}
		remaining = append(remaining, r)
	}

	return remaining
}
