package gpualloc

import (
	"context"
	"sort"

	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/strata/internal/utils"
	"github.com/vkngwrapper/strata/voxutils"
	"golang.org/x/exp/slog"
)

// FreeListAllocatorCreateOptions configures a FreeListAllocator.
type FreeListAllocatorCreateOptions struct {
	// InitialCapacity is the starting buffer capacity in bytes.
	InitialCapacity int
	// MinCapacity is the floor below which the buffer never shrinks. Defaults to
	// InitialCapacity when zero.
	MinCapacity int
	// Usage is passed through to Backend.CreateBuffer for the backing buffer and
	// every replacement buffer.
	Usage core1_0.BufferUsageFlags
	// OnBufferRetired receives the old buffer whenever the allocator replaces its
	// backing buffer. When nil, the allocator parks old buffers internally and
	// destroys them once their tokens retire.
	OnBufferRetired RetiredBufferFunc
	// ExternallySynchronized skips the allocator's internal locking. The caller
	// must then guarantee that no two operations run concurrently.
	ExternallySynchronized bool
	Logger                 *slog.Logger
}

// FreeListAllocator bump-allocates arbitrary-size records into a single growable
// device buffer and recycles freed records through size-bucketed free lists. A
// request is satisfied by the smallest free record whose recorded size covers it,
// reused whole. Records are never split or merged, so internal fragmentation from
// over-sized reuse is accepted in exchange for exact-offset reuse.
//
// All operations take the allocator's lock for their full duration; buffer handle
// reads take it shared.
type FreeListAllocator struct {
	mutex utils.OptionalRWMutex

	backend         Backend
	buffer          Buffer
	usage           core1_0.BufferUsageFlags
	onBufferRetired RetiredBufferFunc
	retired         []retiredBuffer
	logger          *slog.Logger

	capacity    int
	minCapacity int
	cursor      int
	liveBytes   int
	allocCount  int

	// bucketSizes holds, in ascending order, every record size with at least one
	// free record; buckets maps each such size to a stack of free offsets
	bucketSizes []int
	buckets     *swiss.Map[int, []int]
	takenSizes  *swiss.Map[int, int]
}

var _ voxutils.Validatable = &FreeListAllocator{}

func NewFreeListAllocator(backend Backend, o FreeListAllocatorCreateOptions) (*FreeListAllocator, error) {
	if backend == nil {
		panic("nil backend")
	}
	if o.InitialCapacity < 1 {
		return nil, errors.Errorf("invalid initial capacity %d", o.InitialCapacity)
	}

	minCapacity := o.MinCapacity
	if minCapacity == 0 {
		minCapacity = o.InitialCapacity
	}

	buffer, err := backend.CreateBuffer(o.InitialCapacity, o.Usage)
	if err != nil {
		return nil, err
	}

	return &FreeListAllocator{
		mutex:           utils.OptionalRWMutex{UseMutex: !o.ExternallySynchronized},
		backend:         backend,
		buffer:          buffer,
		usage:           o.Usage,
		onBufferRetired: o.OnBufferRetired,
		logger:          o.Logger,

		capacity:    o.InitialCapacity,
		minCapacity: minCapacity,

		buckets:    swiss.NewMap[int, []int](42),
		takenSizes: swiss.NewMap[int, int](42),
	}, nil
}

// popFreeRecord takes the smallest free record with recorded size >= size, if any.
// The returned size is the record's recorded size, which may exceed the request.
func (a *FreeListAllocator) popFreeRecord(size int) (offset int, recordSize int, ok bool) {
	idx := sort.SearchInts(a.bucketSizes, size)
	if idx >= len(a.bucketSizes) {
		return 0, 0, false
	}

	recordSize = a.bucketSizes[idx]
	records, found := a.buckets.Get(recordSize)
	if !found || len(records) == 0 {
		panic("bucket size list disagrees with bucket contents")
	}

	offset = records[len(records)-1]
	records = records[:len(records)-1]
	if len(records) == 0 {
		a.buckets.Delete(recordSize)
		a.bucketSizes = append(a.bucketSizes[:idx], a.bucketSizes[idx+1:]...)
	} else {
		a.buckets.Put(recordSize, records)
	}

	return offset, recordSize, true
}

func (a *FreeListAllocator) pushFreeRecord(offset int, size int) {
	records, found := a.buckets.Get(size)
	if !found {
		idx := sort.SearchInts(a.bucketSizes, size)
		a.bucketSizes = append(a.bucketSizes, 0)
		copy(a.bucketSizes[idx+1:], a.bucketSizes[idx:])
		a.bucketSizes[idx] = size
	}
	a.buckets.Put(size, append(records, offset))
}

// Allocate reserves size bytes and returns the byte offset of the reservation
// within the allocator's buffer. Freed records of sufficient size are reused before
// the write cursor advances; when neither works the buffer doubles once and the
// bump allocation is retried.
func (a *FreeListAllocator) Allocate(size int) (int, bool) {
	if size < 1 {
		return 0, false
	}

	voxutils.DebugValidate(a)

	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.retired = reclaimRetired(a.backend, a.retired, a.logger)

	offset, recordSize, found := a.popFreeRecord(size)
	if found {
		a.takenSizes.Put(offset, recordSize)
		a.liveBytes += recordSize
		a.allocCount++
		return offset, true
	}

	if a.cursor+size > a.capacity {
		err := a.grow()
		if err != nil {
			if a.logger != nil {
				a.logger.LogAttrs(context.Background(), slog.LevelError, "free-list allocator growth failed",
					slog.Int("capacity", a.capacity),
					slog.Any("error", err),
				)
			}
			return 0, false
		}
		if a.cursor+size > a.capacity {
			return 0, false
		}
	}

	offset = a.cursor
	a.cursor += size
	a.takenSizes.Put(offset, size)
	a.liveBytes += size
	a.allocCount++
	return offset, true
}

// Free returns a record to the free list bucket for its recorded size. Freeing an
// offset that is not currently allocated is a no-op. The size argument must match
// the size originally requested for the record; the bucket is keyed by the record's
// recorded size, so an over-sized reused record returns to its original bucket.
func (a *FreeListAllocator) Free(offset int, size int) {
	voxutils.DebugValidate(a)

	a.mutex.Lock()
	defer a.mutex.Unlock()

	recordSize, ok := a.takenSizes.Get(offset)
	if !ok {
		if a.logger != nil {
			a.logger.LogAttrs(context.Background(), slog.LevelDebug, "ignoring free of untracked offset",
				slog.Int("offset", offset),
				slog.Int("size", size),
			)
		}
		return
	}

	a.takenSizes.Delete(offset)
	a.liveBytes -= recordSize
	a.allocCount--
	a.pushFreeRecord(offset, recordSize)

	a.shrinkIfUnderused()
}

// grow doubles the buffer capacity via the replacement protocol.
func (a *FreeListAllocator) grow() error {
	newCapacity := a.capacity * 2

	newBuffer, token, err := replaceBuffer(a.backend, a.buffer, a.cursor, newCapacity, a.usage)
	if err != nil {
		return err
	}

	old := a.buffer
	a.buffer = newBuffer
	a.retired = retireBuffer(a.onBufferRetired, a.retired, old, token)
	a.capacity = newCapacity

	if a.logger != nil {
		a.logger.LogAttrs(context.Background(), slog.LevelDebug, "free-list allocator grew",
			slog.Int("capacity", a.capacity),
		)
	}

	return nil
}

// shrinkIfUnderused halves the buffer capacity when live bytes fall under a quarter
// of capacity and the result stays at or above the configured floor. Free records
// beyond the new bound are discarded and the write cursor is pulled back; the shrink
// is skipped while any live record sits beyond the new bound.
func (a *FreeListAllocator) shrinkIfUnderused() {
	if a.liveBytes*4 >= a.capacity || a.capacity/2 < a.minCapacity {
		return
	}

	newCapacity := a.capacity / 2

	liveBeyond := false
	a.takenSizes.Iter(func(offset int, size int) bool {
		if offset+size > newCapacity {
			liveBeyond = true
			return true
		}
		return false
	})
	if liveBeyond {
		return
	}

	newBuffer, token, err := replaceBuffer(a.backend, a.buffer, newCapacity, newCapacity, a.usage)
	if err != nil {
		if a.logger != nil {
			a.logger.LogAttrs(context.Background(), slog.LevelDebug, "free-list allocator shrink skipped",
				slog.Any("error", err),
			)
		}
		return
	}

	old := a.buffer
	a.buffer = newBuffer
	a.retired = retireBuffer(a.onBufferRetired, a.retired, old, token)

	// Drop free records that no longer fit
	keptSizes := a.bucketSizes[:0]
	for _, size := range a.bucketSizes {
		records, _ := a.buckets.Get(size)
		kept := records[:0]
		for _, offset := range records {
			if offset+size <= newCapacity {
				kept = append(kept, offset)
			}
		}
		if len(kept) == 0 {
			a.buckets.Delete(size)
			continue
		}
		a.buckets.Put(size, kept)
		keptSizes = append(keptSizes, size)
	}
	a.bucketSizes = keptSizes

	a.capacity = newCapacity
	if a.cursor > newCapacity {
		a.cursor = newCapacity
	}

	if a.logger != nil {
		a.logger.LogAttrs(context.Background(), slog.LevelDebug, "free-list allocator shrank",
			slog.Int("capacity", a.capacity),
		)
	}
}

// CurrentBuffer returns the allocator's active backing buffer. The returned buffer
// may be replaced by a concurrent grow or shrink; consumers that bind it to
// device-visible state should do so from the resize callback instead.
func (a *FreeListAllocator) CurrentBuffer() Buffer {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.buffer
}

func (a *FreeListAllocator) Capacity() int {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.capacity
}

func (a *FreeListAllocator) LiveBytes() int {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.liveBytes
}

func (a *FreeListAllocator) AllocationCount() int {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.allocCount
}

// ReclaimRetired destroys internally-parked retired buffers whose submission tokens
// have completed. It is a no-op when a RetiredBufferFunc was supplied at creation.
func (a *FreeListAllocator) ReclaimRetired() {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.retired = reclaimRetired(a.backend, a.retired, a.logger)
}

// Destroy logs and reports any outstanding allocations, then destroys the backing
// buffer and any retired buffers whose tokens have completed. It returns an error if
// allocations were leaked or retired buffers are still in flight.
func (a *FreeListAllocator) Destroy() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.allocCount > 0 {
		a.takenSizes.Iter(func(offset int, size int) bool {
			if a.logger != nil {
				a.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed record",
					slog.Int("offset", offset),
					slog.Int("size", size),
				)
			}
			return false
		})
		return errors.Errorf("%d allocations were not freed before the allocator was destroyed", a.allocCount)
	}

	a.retired = reclaimRetired(a.backend, a.retired, a.logger)
	if len(a.retired) > 0 {
		return errors.Errorf("%d retired buffers are still in flight", len(a.retired))
	}

	if a.buffer != nil {
		a.buffer.Destroy()
		a.buffer = nil
	}
	return nil
}

func (a *FreeListAllocator) Validate() error {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	if a.cursor > a.capacity {
		return errors.Errorf("write cursor %d is beyond capacity %d", a.cursor, a.capacity)
	}

	if !sort.IntsAreSorted(a.bucketSizes) {
		return errors.New("bucket size list is not sorted")
	}
	for _, size := range a.bucketSizes {
		records, found := a.buckets.Get(size)
		if !found || len(records) == 0 {
			return errors.Errorf("bucket size %d is listed but has no free records", size)
		}
	}

	calculatedLive := 0
	liveCount := 0
	var err error
	a.takenSizes.Iter(func(offset int, size int) bool {
		if offset+size > a.cursor {
			err = errors.Errorf("live record at offset %d size %d extends past the write cursor %d", offset, size, a.cursor)
			return true
		}
		calculatedLive += size
		liveCount++
		return false
	})
	if err != nil {
		return err
	}

	if calculatedLive != a.liveBytes {
		return errors.Errorf("live bytes is %d but live records sum to %d", a.liveBytes, calculatedLive)
	}
	if liveCount != a.allocCount {
		return errors.Errorf("allocation count is %d but %d live records are tracked", a.allocCount, liveCount)
	}

	return nil
}

func (a *FreeListAllocator) AddStatistics(stats *voxutils.Statistics) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	stats.BlockCount++
	stats.BlockBytes += a.capacity
	stats.AllocationCount += a.allocCount
	stats.AllocationBytes += a.liveBytes
}

func (a *FreeListAllocator) AddDetailedStatistics(stats *voxutils.DetailedStatistics) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	stats.BlockCount++
	stats.BlockBytes += a.capacity
	a.takenSizes.Iter(func(offset int, size int) bool {
		stats.AddAllocation(size)
		return false
	})
	for _, size := range a.bucketSizes {
		records, _ := a.buckets.Get(size)
		for range records {
			stats.AddUnusedRange(size)
		}
	}
	if a.capacity > a.cursor {
		stats.AddUnusedRange(a.capacity - a.cursor)
	}
}

// BuildStatsString returns a JSON dump of the allocator's detailed statistics.
func (a *FreeListAllocator) BuildStatsString() string {
	var stats voxutils.DetailedStatistics
	stats.Clear()
	a.AddDetailedStatistics(&stats)

	writer := jwriter.NewWriter()
	obj := writer.Object()
	stats.PrintDetailedJson(obj)
	obj.End()
	return string(writer.Bytes())
}
