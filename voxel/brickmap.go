package voxel

import (
	"context"
	"sync"

	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/strata/gpualloc"
	"github.com/vkngwrapper/strata/voxutils"
	"golang.org/x/exp/slog"
)

// BrickMapCreateOptions configures a BrickMap. Width, Height, and Depth are in
// cells (bricks), not voxels, and are required.
type BrickMapCreateOptions struct {
	Width, Height, Depth int

	// DisableDedup turns off the content-addressed brick cache; every pushed brick
	// then gets its own trace record even when the bitset already exists.
	DisableDedup bool

	// TraceBrickCapacity and MaterialPoolBytes are initial device pool sizes. Both
	// pools grow on demand. Defaults: 256 records / 16KiB.
	TraceBrickCapacity int
	MaterialPoolBytes  int

	// Bindings, when set, names the descriptor bindings the map keeps pointed at
	// its pool buffers: they are written at creation and rewritten whenever a pool
	// buffer is replaced. When nil no descriptors are touched.
	Bindings *PoolBindings

	// Usage is merged into the usage flags of both pool buffers.
	Usage core1_0.BufferUsageFlags

	// Materials and Palettes may be shared between maps. When nil, the map creates
	// private registries.
	Materials *MaterialRegistry
	Palettes  *PaletteRegistry

	Logger *slog.Logger
}

// PoolBindings are the storage-buffer descriptor bindings for the two device
// pools.
type PoolBindings struct {
	TraceBricks    int
	MaterialBricks int
}

type traceEntry struct {
	record   TraceBrick
	material MaterialBrick
	offset   int
	refCount int
}

// BrickMap is a sparse voxel volume: a dense grid of handles over two device pools
// holding the occupied cells' trace bricks and packed material bricks. Identical
// occupancy bitsets share one trace brick through a content-addressed cache, with
// copy-on-write when a shared brick's materials diverge.
//
// The grid is sized once at creation. Cell state transitions are entirely
// caller-driven: the map never promotes or collapses cells on its own.
type BrickMap struct {
	mutex sync.RWMutex

	backend gpualloc.Backend
	logger  *slog.Logger

	width, height, depth int
	handles              []Handle

	traceAlloc     *gpualloc.FreeListAllocator
	materialAlloc  *gpualloc.SizeClassAllocator
	traceBuffer    gpualloc.Buffer
	materialBuffer gpualloc.Buffer
	bindings       *PoolBindings

	entries *swiss.Map[uint32, *traceEntry]
	cache   *swiss.Map[Brick, Handle]
	dedup   bool

	materials *MaterialRegistry
	palettes  *PaletteRegistry
}

func NewBrickMap(backend gpualloc.Backend, o BrickMapCreateOptions) (*BrickMap, error) {
	if backend == nil {
		panic("nil backend")
	}
	if o.Width < 1 || o.Height < 1 || o.Depth < 1 {
		return nil, cerrors.Newf("invalid brick map dimensions %dx%dx%d", o.Width, o.Height, o.Depth)
	}

	traceCapacity := o.TraceBrickCapacity
	if traceCapacity < 1 {
		traceCapacity = 256
	}
	materialBytes := o.MaterialPoolBytes
	if materialBytes < 1 {
		materialBytes = 16 * 1024
	}

	// Both pools are only touched under the map's own lock, so they skip their
	// internal locking
	traceAlloc, err := gpualloc.NewFreeListAllocator(backend, gpualloc.FreeListAllocatorCreateOptions{
		InitialCapacity:        traceCapacity * TraceBrickByteSize,
		Usage:                  o.Usage,
		ExternallySynchronized: true,
		Logger:                 o.Logger,
	})
	if err != nil {
		return nil, cerrors.Wrap(err, "failed to create the trace brick pool")
	}

	materialAlloc, err := gpualloc.NewSizeClassAllocator(backend, gpualloc.SizeClassAllocatorCreateOptions{
		MinBlockSize:           BrickVolume * 1 / 8,
		MaxBlockSize:           BrickVolume * 8 / 8,
		InitialCapacity:        materialBytes,
		Usage:                  o.Usage,
		ExternallySynchronized: true,
		Logger:                 o.Logger,
	})
	if err != nil {
		destroyErr := traceAlloc.Destroy()
		if destroyErr != nil && o.Logger != nil {
			o.Logger.LogAttrs(context.Background(), slog.LevelError, "failed to destroy the trace brick pool",
				slog.Any("error", destroyErr),
			)
		}
		return nil, cerrors.Wrap(err, "failed to create the material brick pool")
	}

	materials := o.Materials
	if materials == nil {
		materials = NewMaterialRegistry()
	}
	palettes := o.Palettes
	if palettes == nil {
		palettes = NewPaletteRegistry(o.Logger)
	}

	m := &BrickMap{
		backend: backend,
		logger:  o.Logger,

		width:   o.Width,
		height:  o.Height,
		depth:   o.Depth,
		handles: make([]Handle, o.Width*o.Height*o.Depth),

		traceAlloc:     traceAlloc,
		materialAlloc:  materialAlloc,
		traceBuffer:    traceAlloc.CurrentBuffer(),
		materialBuffer: materialAlloc.CurrentBuffer(),
		bindings:       o.Bindings,

		entries: swiss.NewMap[uint32, *traceEntry](42),
		cache:   swiss.NewMap[Brick, Handle](42),
		dedup:   !o.DisableDedup,

		materials: materials,
		palettes:  palettes,
	}

	if m.bindings != nil {
		backend.WriteDescriptor(m.bindings.TraceBricks, m.traceBuffer, 0, m.traceBuffer.Size())
		backend.WriteDescriptor(m.bindings.MaterialBricks, m.materialBuffer, 0, m.materialBuffer.Size())
	}

	return m, nil
}

func (m *BrickMap) Width() int  { return m.width }
func (m *BrickMap) Height() int { return m.height }
func (m *BrickMap) Depth() int  { return m.depth }

// Index maps grid coordinates to a handle slot. Coordinates are not bounds-checked;
// validation happens at the editing layer above.
func (m *BrickMap) Index(x, y, z int) int {
	return x + y*m.width + z*m.width*m.height
}

func (m *BrickMap) HandleAt(x, y, z int) Handle {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return m.handles[m.Index(x, y, z)]
}

func (m *BrickMap) SetHandle(h Handle, x, y, z int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.handles[m.Index(x, y, z)] = h
}

// rebindIfMoved pushes descriptor updates after a pool allocator replaced its
// buffer. Must be called under the exclusive lock.
func (m *BrickMap) rebindIfMoved() {
	if current := m.traceAlloc.CurrentBuffer(); current != m.traceBuffer {
		m.traceBuffer = current
		if m.bindings != nil {
			m.backend.WriteDescriptor(m.bindings.TraceBricks, current, 0, current.Size())
		}
	}
	if current := m.materialAlloc.CurrentBuffer(); current != m.materialBuffer {
		m.materialBuffer = current
		if m.bindings != nil {
			m.backend.WriteDescriptor(m.bindings.MaterialBricks, current, 0, current.Size())
		}
	}
}

// writeTraceRecord uploads one trace record to its pool slot. Must be called under
// the exclusive lock.
func (m *BrickMap) writeTraceRecord(entry *traceEntry) error {
	data := entry.record.AppendBytes(make([]byte, 0, TraceBrickByteSize))
	return m.backend.WriteData(m.traceBuffer, entry.offset, data)
}

// pushTraceBrick allocates a pool slot for a new trace record, uploads it, and
// returns its index. Must be called under the exclusive lock.
func (m *BrickMap) pushTraceBrick(record TraceBrick) (uint32, error) {
	offset, ok := m.traceAlloc.Allocate(TraceBrickByteSize)
	if !ok {
		return 0, cerrors.New("the trace brick pool is exhausted and cannot grow")
	}
	m.rebindIfMoved()

	index := uint32(offset / TraceBrickByteSize)
	if index > MaxBrickIndex {
		m.traceAlloc.Free(offset, TraceBrickByteSize)
		return 0, cerrors.Newf("trace brick index %d does not fit the handle payload", index)
	}

	entry := &traceEntry{
		record:   record,
		offset:   offset,
		refCount: 1,
	}
	err := m.writeTraceRecord(entry)
	if err != nil {
		m.traceAlloc.Free(offset, TraceBrickByteSize)
		return 0, err
	}

	m.entries.Put(index, entry)
	return index, nil
}

// GetOrPushBrick stores an occupancy bitset as the cell's brick and returns the
// cell's new Data handle. With dedup enabled, a bitset that already has a trace
// brick shares it: no pool allocation or upload happens and the existing handle is
// returned. The brick starts with no materials attached.
func (m *BrickMap) GetOrPushBrick(b Brick, x, y, z int) (Handle, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.dedup {
		if handle, found := m.cache.Get(b); found {
			entry, _ := m.entries.Get(handle.BrickIndex())
			entry.refCount++
			m.handles[m.Index(x, y, z)] = handle
			return handle, nil
		}
	}

	index, err := m.pushTraceBrick(TraceBrick{
		Occupancy:      b,
		MaterialOffset: NoMaterials,
	})
	if err != nil {
		return EmptyHandle, err
	}

	handle := DataHandle(index)
	if m.dedup {
		m.cache.Put(b, handle)
	}
	m.handles[m.Index(x, y, z)] = handle
	return handle, nil
}

// freeMaterials releases a trace entry's material record and palette, if attached.
// Must be called under the exclusive lock.
func (m *BrickMap) freeMaterials(entry *traceEntry) {
	if entry.record.MaterialOffset == NoMaterials {
		return
	}
	m.materialAlloc.Free(int(entry.record.MaterialOffset))
	m.palettes.DeallocPalette(entry.record.Palette)
	m.rebindIfMoved()
	entry.record.MaterialOffset = NoMaterials
	entry.record.Palette = 0
	entry.material = MaterialBrick{}
}

// SetBrickMaterials compresses per-voxel materials and attaches them to the cell's
// brick, replacing any materials the brick already had. The cell must hold a Data
// handle. When the brick is shared with other cells, the cell gets its own
// copy-on-write trace brick first so the other cells keep their materials, and the
// returned handle (written into the grid) reflects that; otherwise the existing
// handle is returned unchanged.
func (m *BrickMap) SetBrickMaterials(voxels *[BrickVolume]MaterialId, x, y, z int) (Handle, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	slot := m.Index(x, y, z)
	handle := m.handles[slot]
	if !handle.IsData() {
		return EmptyHandle, cerrors.Newf("cell (%d, %d, %d) does not hold a brick", x, y, z)
	}

	entry, _ := m.entries.Get(handle.BrickIndex())
	if entry.refCount > 1 {
		entry.refCount--
		index, err := m.pushTraceBrick(TraceBrick{
			Occupancy:      entry.record.Occupancy,
			MaterialOffset: NoMaterials,
		})
		if err != nil {
			entry.refCount++
			return EmptyHandle, err
		}
		handle = DataHandle(index)
		m.handles[slot] = handle
		entry, _ = m.entries.Get(index)
	}

	brick, prototype, err := CompressMaterials(voxels)
	if err != nil {
		return EmptyHandle, err
	}

	paletteId, err := m.palettes.RegisterPalette(prototype)
	if err != nil {
		return EmptyHandle, err
	}

	offset, ok := m.materialAlloc.Allocate(brick.ByteSize())
	if !ok {
		m.palettes.DeallocPalette(paletteId)
		return EmptyHandle, cerrors.New("the material brick pool is exhausted and cannot grow")
	}
	m.rebindIfMoved()

	err = m.backend.WriteData(m.materialBuffer, offset, brick.Data)
	if err != nil {
		m.materialAlloc.Free(offset)
		m.palettes.DeallocPalette(paletteId)
		return EmptyHandle, err
	}

	m.freeMaterials(entry)
	entry.record.MaterialOffset = uint32(offset)
	entry.record.Palette = paletteId
	entry.material = brick

	err = m.writeTraceRecord(entry)
	if err != nil {
		return EmptyHandle, err
	}
	return handle, nil
}

// FreeBrick releases the cell's brick reference and resets the cell to Empty. The
// brick's pool storage, materials, and palette are returned once its last
// referencing cell frees it. The cell must hold a Data handle.
func (m *BrickMap) FreeBrick(x, y, z int) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	slot := m.Index(x, y, z)
	handle := m.handles[slot]
	if !handle.IsData() {
		return cerrors.Newf("cell (%d, %d, %d) does not hold a brick", x, y, z)
	}

	index := handle.BrickIndex()
	entry, _ := m.entries.Get(index)
	entry.refCount--
	if entry.refCount == 0 {
		m.freeMaterials(entry)
		m.traceAlloc.Free(entry.offset, TraceBrickByteSize)
		m.rebindIfMoved()
		if cached, found := m.cache.Get(entry.record.Occupancy); found && cached == handle {
			m.cache.Delete(entry.record.Occupancy)
		}
		m.entries.Delete(index)
	}

	m.handles[slot] = EmptyHandle
	return nil
}

// CollapseToLOD turns an Empty cell into a solid single-material cell. The cell
// must be Empty: collapsing an occupied cell would silently drop its brick, so
// callers free the brick first.
func (m *BrickMap) CollapseToLOD(material MaterialId, x, y, z int) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	slot := m.Index(x, y, z)
	if !m.handles[slot].IsEmpty() {
		return cerrors.Newf("cell (%d, %d, %d) is not empty", x, y, z)
	}

	m.handles[slot] = LodHandle(material)
	return nil
}

// TraceBrickAt returns a copy of the trace record behind a Data handle.
func (m *BrickMap) TraceBrickAt(handle Handle) (TraceBrick, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	if !handle.IsData() {
		return TraceBrick{}, cerrors.New("handle does not reference a brick")
	}
	entry, found := m.entries.Get(handle.BrickIndex())
	if !found {
		return TraceBrick{}, cerrors.Newf("no brick at index %d", handle.BrickIndex())
	}
	return entry.record, nil
}

// MaterialBrickAt returns a copy of the packed material brick behind a Data
// handle, or an error when the brick has no materials attached.
func (m *BrickMap) MaterialBrickAt(handle Handle) (MaterialBrick, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	if !handle.IsData() {
		return MaterialBrick{}, cerrors.New("handle does not reference a brick")
	}
	entry, found := m.entries.Get(handle.BrickIndex())
	if !found {
		return MaterialBrick{}, cerrors.Newf("no brick at index %d", handle.BrickIndex())
	}
	if entry.record.MaterialOffset == NoMaterials {
		return MaterialBrick{}, cerrors.New("brick has no materials attached")
	}

	brick := MaterialBrick{
		BitsPerVoxel: entry.material.BitsPerVoxel,
		Data:         make([]byte, len(entry.material.Data)),
	}
	copy(brick.Data, entry.material.Data)
	return brick, nil
}

func (m *BrickMap) Materials() *MaterialRegistry { return m.materials }
func (m *BrickMap) Palettes() *PaletteRegistry   { return m.palettes }

// TraceBuffer returns the device buffer currently backing the trace brick pool.
// The identity changes when the pool resizes; maps created with Bindings keep
// their descriptors current automatically.
func (m *BrickMap) TraceBuffer() gpualloc.Buffer {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return m.traceBuffer
}

// MaterialBuffer returns the device buffer currently backing the material brick
// pool.
func (m *BrickMap) MaterialBuffer() gpualloc.Buffer {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return m.materialBuffer
}

// BrickCount returns the number of live trace bricks, counting shared bricks once.
func (m *BrickMap) BrickCount() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return m.entries.Count()
}

// ReclaimRetired releases pool buffers retired by past grows and shrinks whose
// hand-off tokens have completed. Call once per frame after fence progress.
func (m *BrickMap) ReclaimRetired() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.traceAlloc.ReclaimRetired()
	m.materialAlloc.ReclaimRetired()
}

// BuildStatsString returns a JSON summary of grid occupancy and both device pools.
func (m *BrickMap) BuildStatsString() string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	emptyCells := 0
	lodCells := 0
	dataCells := 0
	for _, h := range m.handles {
		switch {
		case h.IsData():
			dataCells++
		case h.IsLod():
			lodCells++
		default:
			emptyCells++
		}
	}

	writer := jwriter.NewWriter()
	obj := writer.Object()

	grid := obj.Name("Grid").Object()
	grid.Name("Width").Int(m.width)
	grid.Name("Height").Int(m.height)
	grid.Name("Depth").Int(m.depth)
	grid.Name("EmptyCells").Int(emptyCells)
	grid.Name("LodCells").Int(lodCells)
	grid.Name("DataCells").Int(dataCells)
	grid.Name("UniqueBricks").Int(m.entries.Count())
	grid.End()

	var traceStats voxutils.Statistics
	m.traceAlloc.AddStatistics(&traceStats)
	traceObj := obj.Name("TraceBrickPool").Object()
	traceStats.PrintJson(traceObj)
	traceObj.End()

	var materialStats voxutils.Statistics
	m.materialAlloc.AddStatistics(&materialStats)
	materialObj := obj.Name("MaterialBrickPool").Object()
	materialStats.PrintJson(materialObj)
	materialObj.End()

	obj.Name("LivePalettes").Int(m.palettes.LiveCount())
	obj.Name("Materials").Int(m.materials.Count())

	obj.End()
	return string(writer.Bytes())
}

// Destroy releases every live brick and both device pools. Retired pool buffers
// from past resizes must have been reclaimed (ReclaimRetired after their tokens
// completed) or an error is returned.
func (m *BrickMap) Destroy() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	var live []*traceEntry
	m.entries.Iter(func(index uint32, entry *traceEntry) bool {
		live = append(live, entry)
		return false
	})
	for _, entry := range live {
		m.freeMaterials(entry)
		m.traceAlloc.Free(entry.offset, TraceBrickByteSize)
	}
	m.entries = swiss.NewMap[uint32, *traceEntry](42)
	m.cache = swiss.NewMap[Brick, Handle](42)

	err := m.traceAlloc.Destroy()
	if err != nil {
		return cerrors.Wrap(err, "failed to destroy the trace brick pool")
	}
	err = m.materialAlloc.Destroy()
	if err != nil {
		return cerrors.Wrap(err, "failed to destroy the material brick pool")
	}
	return nil
}
