package gpualloc

import (
	"context"
	"fmt"
	"math/bits"
	"sort"
	"sync"

	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/strata/internal/utils"
	"github.com/vkngwrapper/strata/voxutils"
	"golang.org/x/exp/slog"
)

var buddyBlockPool = sync.Pool{
	New: func() any {
		return &buddyBlock{}
	},
}

type buddyBlock struct {
	offset int
	size   int

	prevFree *buddyBlock
	nextFree *buddyBlock
}

// SizeClassAllocatorCreateOptions configures a SizeClassAllocator. MinBlockSize and
// MaxBlockSize must be powers of two with MinBlockSize <= MaxBlockSize; they bound
// the sizes of individual allocations, not the buffer capacity.
type SizeClassAllocatorCreateOptions struct {
	MinBlockSize int
	MaxBlockSize int
	// InitialCapacity is a hint for the starting buffer capacity in bytes. It is
	// rounded up to a power of two and to at least MaxBlockSize.
	InitialCapacity int
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

// SizeClassAllocator carves power-of-two blocks out of a single growable device
// buffer using buddy allocation: an allocation is rounded up to the next power of
// two, satisfied from an exact-size free block when one exists, or by repeatedly
// halving the smallest larger free block. Freed blocks merge with their buddy (the
// sibling at offset XOR size) repeatedly upward, so long-running sessions do not
// fragment.
//
// All operations take the allocator's lock for their full duration; buffer handle
// reads take it shared.
type SizeClassAllocator struct {
	mutex utils.OptionalRWMutex

	backend         Backend
	buffer          Buffer
	usage           core1_0.BufferUsageFlags
	onBufferRetired RetiredBufferFunc
	retired         []retiredBuffer
	logger          *slog.Logger

	minBlockSize int
	maxBlockSize int
	minClassBits int
	capacity     int

	allocCount int
	freeBytes  int

	// freeLists[c] heads the doubly-linked free list for blocks of size
	// minBlockSize << c; freeBitmap bit c is set while that list is non-empty
	freeLists    []*buddyBlock
	freeBitmap   uint64
	freeByOffset *swiss.Map[int, *buddyBlock]
	takenSizes   *swiss.Map[int, int]
}

var _ voxutils.Validatable = &SizeClassAllocator{}

func NewSizeClassAllocator(backend Backend, o SizeClassAllocatorCreateOptions) (*SizeClassAllocator, error) {
	if backend == nil {
		panic("nil backend")
	}
	err := voxutils.CheckPow2(o.MinBlockSize, "o.MinBlockSize")
	if err != nil {
		return nil, err
	}
	err = voxutils.CheckPow2(o.MaxBlockSize, "o.MaxBlockSize")
	if err != nil {
		return nil, err
	}
	if o.MinBlockSize < 1 || o.MaxBlockSize < o.MinBlockSize {
		return nil, errors.Errorf("invalid block size range [%d, %d]", o.MinBlockSize, o.MaxBlockSize)
	}

	capacity := o.InitialCapacity
	if capacity < o.MaxBlockSize {
		capacity = o.MaxBlockSize
	}
	capacity = voxutils.NextPow2(capacity)

	buffer, err := backend.CreateBuffer(capacity, o.Usage)
	if err != nil {
		return nil, err
	}

	a := &SizeClassAllocator{
		mutex:           utils.OptionalRWMutex{UseMutex: !o.ExternallySynchronized},
		backend:         backend,
		buffer:          buffer,
		usage:           o.Usage,
		onBufferRetired: o.OnBufferRetired,
		logger:          o.Logger,

		minBlockSize: o.MinBlockSize,
		maxBlockSize: o.MaxBlockSize,
		minClassBits: bits.TrailingZeros64(uint64(o.MinBlockSize)),
		capacity:     capacity,

		freeByOffset: swiss.NewMap[int, *buddyBlock](42),
		takenSizes:   swiss.NewMap[int, int](42),
	}
	a.freeLists = make([]*buddyBlock, a.sizeClass(capacity)+1)

	seed := a.allocateBuddyBlock()
	seed.offset = 0
	seed.size = capacity
	a.insertFreeBlock(seed)

	return a, nil
}

func (a *SizeClassAllocator) sizeClass(size int) int {
	return bits.TrailingZeros64(uint64(size)) - a.minClassBits
}

func (a *SizeClassAllocator) allocateBuddyBlock() *buddyBlock {
	b := buddyBlockPool.Get().(*buddyBlock)
	b.offset = 0
	b.size = 0
	b.prevFree = nil
	b.nextFree = nil
	return b
}

func (a *SizeClassAllocator) recycleBuddyBlock(b *buddyBlock) {
	buddyBlockPool.Put(b)
}

func (a *SizeClassAllocator) insertFreeBlock(block *buddyBlock) {
	class := a.sizeClass(block.size)
	if class >= len(a.freeLists) {
		panic(fmt.Sprintf("free block of size %d does not fit a capacity of %d", block.size, a.capacity))
	}

	block.prevFree = nil
	block.nextFree = a.freeLists[class]
	if block.nextFree != nil {
		block.nextFree.prevFree = block
	}
	a.freeLists[class] = block
	a.freeBitmap |= 1 << class
	a.freeByOffset.Put(block.offset, block)
	a.freeBytes += block.size
}

func (a *SizeClassAllocator) removeFreeBlock(block *buddyBlock) {
	class := a.sizeClass(block.size)

	if block.nextFree != nil {
		block.nextFree.prevFree = block.prevFree
	}
	if block.prevFree != nil {
		block.prevFree.nextFree = block.nextFree
	} else {
		if a.freeLists[class] != block {
			panic(fmt.Sprintf("free block at offset %d was not at the expected free list position", block.offset))
		}
		a.freeLists[class] = block.nextFree
		if block.nextFree == nil {
			a.freeBitmap &= ^(uint64(1) << class)
		}
	}

	block.prevFree = nil
	block.nextFree = nil
	a.freeByOffset.Delete(block.offset)
	a.freeBytes -= block.size
}

// findFreeBlock returns the smallest free block whose size is >= minBlockSize<<class,
// or nil when none exists.
func (a *SizeClassAllocator) findFreeBlock(class int) *buddyBlock {
	mask := a.freeBitmap >> class
	if mask == 0 {
		return nil
	}

	foundClass := class + bits.TrailingZeros64(mask)
	block := a.freeLists[foundClass]
	if block == nil {
		panic(fmt.Sprintf("free bitmap lists class %d as populated, but its free list is empty", foundClass))
	}
	return block
}

// Allocate reserves a block large enough for size bytes and returns its byte offset
// within the allocator's buffer. The request is rounded up to the next power of two
// and refused if the rounded size falls outside the configured
// [MinBlockSize, MaxBlockSize] range, or if the buffer cannot grow any further.
func (a *SizeClassAllocator) Allocate(size int) (int, bool) {
	if size < 1 {
		return 0, false
	}
	rounded := voxutils.NextPow2(size)
	if rounded < a.minBlockSize || rounded > a.maxBlockSize {
		return 0, false
	}

	voxutils.DebugValidate(a)

	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.retired = reclaimRetired(a.backend, a.retired, a.logger)

	class := a.sizeClass(rounded)
	block := a.findFreeBlock(class)
	if block == nil {
		err := a.grow()
		if err != nil {
			if a.logger != nil {
				a.logger.LogAttrs(context.Background(), slog.LevelError, "size-class allocator growth failed",
					slog.Int("capacity", a.capacity),
					slog.Any("error", err),
				)
			}
			return 0, false
		}
		block = a.findFreeBlock(class)
	}
	if block == nil {
		return 0, false
	}

	a.removeFreeBlock(block)

	// Halve until the block matches, registering each split-off sibling as free
	for block.size > rounded {
		half := block.size / 2
		buddy := a.allocateBuddyBlock()
		buddy.offset = block.offset + half
		buddy.size = half
		a.insertFreeBlock(buddy)
		block.size = half
	}

	offset := block.offset
	a.takenSizes.Put(offset, block.size)
	a.allocCount++
	a.recycleBuddyBlock(block)

	return offset, true
}

// Free returns a previously allocated block to the allocator and merges it with its
// buddy repeatedly upward while the buddy is free and the same size. Freeing an
// offset that is not currently allocated is a no-op.
func (a *SizeClassAllocator) Free(offset int) {
	voxutils.DebugValidate(a)

	a.mutex.Lock()
	defer a.mutex.Unlock()

	size, ok := a.takenSizes.Get(offset)
	if !ok {
		if a.logger != nil {
			a.logger.LogAttrs(context.Background(), slog.LevelDebug, "ignoring free of untracked offset",
				slog.Int("offset", offset),
			)
		}
		return
	}
	a.takenSizes.Delete(offset)
	a.allocCount--

	block := a.allocateBuddyBlock()
	block.offset = offset
	block.size = size

	// A merged block may itself have a free buddy, so keep going until the buddy is
	// taken, missing, or a different size
	for block.size < a.capacity {
		buddyOffset := block.offset ^ block.size
		buddy, found := a.freeByOffset.Get(buddyOffset)
		if !found || buddy.size != block.size {
			break
		}

		a.removeFreeBlock(buddy)
		if buddy.offset < block.offset {
			block.offset = buddy.offset
		}
		block.size *= 2
		a.recycleBuddyBlock(buddy)
	}

	a.insertFreeBlock(block)
	a.shrinkIfUnderused()
}

// grow doubles the buffer capacity via the replacement protocol and registers the
// new upper half as a single free block of the previous capacity's size.
func (a *SizeClassAllocator) grow() error {
	newCapacity := a.capacity * 2

	newBuffer, token, err := replaceBuffer(a.backend, a.buffer, a.capacity, newCapacity, a.usage)
	if err != nil {
		return err
	}

	old := a.buffer
	a.buffer = newBuffer
	a.retired = retireBuffer(a.onBufferRetired, a.retired, old, token)

	upper := a.allocateBuddyBlock()
	upper.offset = a.capacity
	upper.size = a.capacity
	a.capacity = newCapacity

	for len(a.freeLists) <= a.sizeClass(newCapacity) {
		a.freeLists = append(a.freeLists, nil)
	}
	a.insertFreeBlock(upper)

	if a.logger != nil {
		a.logger.LogAttrs(context.Background(), slog.LevelDebug, "size-class allocator grew",
			slog.Int("capacity", a.capacity),
		)
	}

	return nil
}

// shrinkIfUnderused halves the buffer capacity when free bytes exceed a quarter of
// capacity, capacity is above twice the max block size, and the entire upper half is
// free. A backend failure leaves the allocator untouched.
func (a *SizeClassAllocator) shrinkIfUnderused() {
	if a.freeBytes*4 <= a.capacity || a.capacity <= 2*a.maxBlockSize {
		return
	}

	newCapacity := a.capacity / 2

	freeAbove := 0
	a.freeByOffset.Iter(func(offset int, block *buddyBlock) bool {
		if offset >= newCapacity {
			freeAbove += block.size
		}
		return false
	})

	// The single full-capacity free block straddles the halfway point; everything
	// else tiles one half or the other
	whole, wholeFree := a.freeByOffset.Get(0)
	straddles := wholeFree && whole.size == a.capacity

	if !straddles && freeAbove != newCapacity {
		return
	}

	newBuffer, token, err := replaceBuffer(a.backend, a.buffer, newCapacity, newCapacity, a.usage)
	if err != nil {
		if a.logger != nil {
			a.logger.LogAttrs(context.Background(), slog.LevelDebug, "size-class allocator shrink skipped",
				slog.Any("error", err),
			)
		}
		return
	}

	old := a.buffer
	a.buffer = newBuffer
	a.retired = retireBuffer(a.onBufferRetired, a.retired, old, token)

	if straddles {
		a.removeFreeBlock(whole)
		whole.size = newCapacity
		a.capacity = newCapacity
		a.insertFreeBlock(whole)
	} else {
		var discard []*buddyBlock
		a.freeByOffset.Iter(func(offset int, block *buddyBlock) bool {
			if offset >= newCapacity {
				discard = append(discard, block)
			}
			return false
		})
		for _, block := range discard {
			a.removeFreeBlock(block)
			a.recycleBuddyBlock(block)
		}
		a.capacity = newCapacity
	}

	a.freeLists = a.freeLists[:a.sizeClass(newCapacity)+1]

	if a.logger != nil {
		a.logger.LogAttrs(context.Background(), slog.LevelDebug, "size-class allocator shrank",
			slog.Int("capacity", a.capacity),
		)
	}
}

// CurrentBuffer returns the allocator's active backing buffer. The returned buffer
// may be replaced by a concurrent grow or shrink; consumers that bind it to
// device-visible state should do so from the resize callback instead.
func (a *SizeClassAllocator) CurrentBuffer() Buffer {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.buffer
}

func (a *SizeClassAllocator) Capacity() int {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.capacity
}

func (a *SizeClassAllocator) FreeBytes() int {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.freeBytes
}

func (a *SizeClassAllocator) AllocationCount() int {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.allocCount
}

// ReclaimRetired destroys internally-parked retired buffers whose submission tokens
// have completed. It is a no-op when a RetiredBufferFunc was supplied at creation.
func (a *SizeClassAllocator) ReclaimRetired() {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.retired = reclaimRetired(a.backend, a.retired, a.logger)
}

// Destroy logs and reports any outstanding allocations, then destroys the backing
// buffer and any retired buffers whose tokens have completed. It returns an error if
// allocations were leaked or retired buffers are still in flight.
func (a *SizeClassAllocator) Destroy() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.allocCount > 0 {
		a.takenSizes.Iter(func(offset int, size int) bool {
			if a.logger != nil {
				a.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed block",
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

func (a *SizeClassAllocator) Validate() error {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	if !voxutils.IsPow2(a.capacity) {
		return errors.Errorf("capacity %d is not a power of two", a.capacity)
	}

	type region struct {
		offset int
		size   int
		free   bool
	}
	var regions []region

	calculatedFree := 0
	freeListCount := 0
	var err error
	a.freeByOffset.Iter(func(offset int, block *buddyBlock) bool {
		if block.offset != offset {
			err = errors.Errorf("free block at offset %d is keyed under offset %d", block.offset, offset)
			return true
		}
		if !voxutils.IsPow2(block.size) {
			err = errors.Errorf("free block at offset %d has non-power-of-two size %d", block.offset, block.size)
			return true
		}
		if block.offset%block.size != 0 {
			err = errors.Errorf("free block at offset %d is not aligned to its size %d", block.offset, block.size)
			return true
		}

		buddy, found := a.freeByOffset.Get(block.offset ^ block.size)
		if found && buddy.size == block.size {
			err = errors.Errorf("free blocks at offsets %d and %d are unmerged buddies", block.offset, buddy.offset)
			return true
		}

		calculatedFree += block.size
		regions = append(regions, region{offset: block.offset, size: block.size, free: true})
		return false
	})
	if err != nil {
		return err
	}

	for class := 0; class < len(a.freeLists); class++ {
		expectedSize := a.minBlockSize << class
		for block := a.freeLists[class]; block != nil; block = block.nextFree {
			if block.size != expectedSize {
				return errors.Errorf("free block of size %d is in the class-%d free list", block.size, class)
			}
			if block.nextFree != nil && block.nextFree.prevFree != block {
				return errors.Errorf("free list backlink broken at offset %d", block.offset)
			}
			freeListCount++
		}

		populated := a.freeBitmap&(1<<class) != 0
		if populated != (a.freeLists[class] != nil) {
			return errors.Errorf("free bitmap disagrees with the class-%d free list", class)
		}
	}

	if freeListCount != a.freeByOffset.Count() {
		return errors.Errorf("%d blocks in the free lists but %d in the offset index", freeListCount, a.freeByOffset.Count())
	}
	if calculatedFree != a.freeBytes {
		return errors.Errorf("free bytes is %d but free blocks sum to %d", a.freeBytes, calculatedFree)
	}

	takenCount := 0
	a.takenSizes.Iter(func(offset int, size int) bool {
		if !voxutils.IsPow2(size) {
			err = errors.Errorf("taken block at offset %d has non-power-of-two size %d", offset, size)
			return true
		}
		takenCount++
		regions = append(regions, region{offset: offset, size: size, free: false})
		return false
	})
	if err != nil {
		return err
	}
	if takenCount != a.allocCount {
		return errors.Errorf("allocation count is %d but %d taken blocks are tracked", a.allocCount, takenCount)
	}

	// Free and taken blocks together must tile [0, capacity) exactly
	sort.Slice(regions, func(i, j int) bool {
		return regions[i].offset < regions[j].offset
	})
	expectedOffset := 0
	for _, r := range regions {
		if r.offset != expectedOffset {
			return errors.Errorf("block at offset %d does not start at the previous block's end %d", r.offset, expectedOffset)
		}
		expectedOffset = r.offset + r.size
	}
	if expectedOffset != a.capacity {
		return errors.Errorf("blocks tile %d bytes but capacity is %d", expectedOffset, a.capacity)
	}

	return nil
}

func (a *SizeClassAllocator) AddStatistics(stats *voxutils.Statistics) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	stats.BlockCount++
	stats.BlockBytes += a.capacity
	stats.AllocationCount += a.allocCount
	stats.AllocationBytes += a.capacity - a.freeBytes
}

func (a *SizeClassAllocator) AddDetailedStatistics(stats *voxutils.DetailedStatistics) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	stats.BlockCount++
	stats.BlockBytes += a.capacity
	a.takenSizes.Iter(func(offset int, size int) bool {
		stats.AddAllocation(size)
		return false
	})
	a.freeByOffset.Iter(func(offset int, block *buddyBlock) bool {
		stats.AddUnusedRange(block.size)
		return false
	})
}

// BuildStatsString returns a JSON dump of the allocator's detailed statistics.
func (a *SizeClassAllocator) BuildStatsString() string {
	var stats voxutils.DetailedStatistics
	stats.Clear()
	a.AddDetailedStatistics(&stats)

	writer := jwriter.NewWriter()
	obj := writer.Object()
	stats.PrintDetailedJson(obj)
	obj.End()
	return string(writer.Bytes())
}
