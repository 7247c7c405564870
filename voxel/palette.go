package voxel

import (
	"context"
	"encoding/binary"
	"sync"

	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"golang.org/x/exp/slog"
)

// PaletteId identifies a registered palette. Ids are reusable: once a palette's
// last reference is released its id can come back attached to a different material
// sequence, so holders that cache palette contents should compare the registry
// generation they captured against Generation().
type PaletteId uint32

type paletteRecord struct {
	offset   int
	length   int
	refCount int
}

// PaletteRegistry interns material sequences. Identical sequences share one
// PaletteId; regions of the flat backing array are recycled by length when a
// palette's reference count drops to zero.
type PaletteRegistry struct {
	mutex sync.RWMutex

	flat    []MaterialId
	records []paletteRecord

	dedup        *swiss.Map[string, PaletteId]
	freeByLength *swiss.Map[int, []PaletteId]
	generation   uint64

	logger *slog.Logger
}

func NewPaletteRegistry(logger *slog.Logger) *PaletteRegistry {
	return &PaletteRegistry{
		dedup:        swiss.NewMap[string, PaletteId](42),
		freeByLength: swiss.NewMap[int, []PaletteId](42),
		logger:       logger,
	}
}

func paletteKey(materials []MaterialId) string {
	data := make([]byte, 0, len(materials)*2)
	for _, m := range materials {
		data = binary.LittleEndian.AppendUint16(data, uint16(m))
	}
	return string(data)
}

// RegisterPalette interns the sequence and returns its id, incrementing the id's
// reference count. An id freed by DeallocPalette may be handed out again for a
// different sequence of the same length.
func (r *PaletteRegistry) RegisterPalette(materials []MaterialId) (PaletteId, error) {
	if len(materials) == 0 {
		return 0, cerrors.New("cannot register an empty palette")
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	key := paletteKey(materials)
	if id, found := r.dedup.Get(key); found {
		r.records[id].refCount++
		return id, nil
	}

	var id PaletteId
	if freeIds, found := r.freeByLength.Get(len(materials)); found && len(freeIds) > 0 {
		id = freeIds[len(freeIds)-1]
		freeIds = freeIds[:len(freeIds)-1]
		if len(freeIds) == 0 {
			r.freeByLength.Delete(len(materials))
		} else {
			r.freeByLength.Put(len(materials), freeIds)
		}
		copy(r.flat[r.records[id].offset:], materials)
		r.records[id].refCount = 1
	} else {
		id = PaletteId(len(r.records))
		r.records = append(r.records, paletteRecord{
			offset:   len(r.flat),
			length:   len(materials),
			refCount: 1,
		})
		r.flat = append(r.flat, materials...)
	}

	r.dedup.Put(key, id)
	return id, nil
}

// DeallocPalette releases one reference. When the last reference goes, the id's
// backing region joins the same-length free list, the sequence leaves the dedup
// index, and the registry generation advances.
func (r *PaletteRegistry) DeallocPalette(id PaletteId) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if int(id) >= len(r.records) || r.records[id].refCount == 0 {
		if r.logger != nil {
			r.logger.LogAttrs(context.Background(), slog.LevelDebug, "ignoring dealloc of untracked palette",
				slog.Uint64("palette", uint64(id)),
			)
		}
		return
	}

	r.records[id].refCount--
	if r.records[id].refCount > 0 {
		return
	}

	record := r.records[id]
	r.dedup.Delete(paletteKey(r.flat[record.offset : record.offset+record.length]))

	freeIds, _ := r.freeByLength.Get(record.length)
	r.freeByLength.Put(record.length, append(freeIds, id))

	r.generation++
}

// PaletteAt returns a copy of the id's material sequence.
func (r *PaletteRegistry) PaletteAt(id PaletteId) []MaterialId {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	record := r.records[id]
	materials := make([]MaterialId, record.length)
	copy(materials, r.flat[record.offset:record.offset+record.length])
	return materials
}

// Generation returns a counter that advances every time a palette is fully
// released. A holder that captured contents under an older generation cannot trust
// its cached ids.
func (r *PaletteRegistry) Generation() uint64 {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return r.generation
}

// LiveCount returns the number of palettes with at least one reference.
func (r *PaletteRegistry) LiveCount() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	count := 0
	for i := range r.records {
		if r.records[i].refCount > 0 {
			count++
		}
	}
	return count
}
