package voxel

import (
	"sync"
)

// MaterialId identifies a registered PbrMaterial. Ids are stable for the life of
// the registry. Id 0 is always air.
type MaterialId uint16

// MaterialAir is the reserved id for empty space inside an occupied brick.
const MaterialAir MaterialId = 0

// PbrMaterial is one entry of the material table sampled by shading. Channels are
// linear; BaseColor's fourth component is opacity.
type PbrMaterial struct {
	BaseColor [4]float32
	Roughness float32
	Metallic  float32
	Emissive  [3]float32
}

// MaterialRegistry is an append-only table of PbrMaterials. Materials are never
// removed, so a MaterialId embedded in an LOD handle or palette stays valid for
// the process lifetime.
type MaterialRegistry struct {
	mutex     sync.RWMutex
	materials []PbrMaterial
}

// NewMaterialRegistry creates a registry with air pre-registered at id 0.
func NewMaterialRegistry() *MaterialRegistry {
	return &MaterialRegistry{
		materials: []PbrMaterial{{}},
	}
}

func (r *MaterialRegistry) Register(material PbrMaterial) MaterialId {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	id := MaterialId(len(r.materials))
	r.materials = append(r.materials, material)
	return id
}

func (r *MaterialRegistry) MaterialAt(id MaterialId) PbrMaterial {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return r.materials[id]
}

func (r *MaterialRegistry) Count() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return len(r.materials)
}
