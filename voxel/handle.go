package voxel

// Handle is one cell of the brick map's dense grid, packed into 32 bits. The top
// two bits select the cell's state and the meaning of the payload bits:
//
//	1x... Data:  bits 0-29 index a trace brick in the brick pool
//	01... LOD:   bits 0-15 hold a MaterialId rendered as a solid cell
//	00... Empty: bits 0-7 hold the Chebyshev distance to the nearest
//	             non-empty cell, used by traversal to skip free space
//
// Payload bits carry no meaning outside the active state. The zero value is an
// Empty handle with distance 0.
type Handle uint32

const (
	handleDataBit Handle = 1 << 31
	handleLodBit  Handle = 1 << 30

	// MaxBrickIndex is the largest trace-brick index a Data handle can carry.
	MaxBrickIndex = 1<<30 - 1

	// MaxDistance is the largest Chebyshev distance an Empty handle can carry;
	// larger computed distances clamp to it.
	MaxDistance = 255
)

// EmptyHandle is an empty cell with no distance information.
const EmptyHandle Handle = 0

func DataHandle(brickIndex uint32) Handle {
	return handleDataBit | Handle(brickIndex&MaxBrickIndex)
}

func LodHandle(material MaterialId) Handle {
	return handleLodBit | Handle(material)
}

func EmptyHandleWithDistance(distance uint8) Handle {
	return Handle(distance)
}

func (h Handle) IsData() bool {
	return h&handleDataBit != 0
}

func (h Handle) IsLod() bool {
	return h&(handleDataBit|handleLodBit) == handleLodBit
}

func (h Handle) IsEmpty() bool {
	return h&(handleDataBit|handleLodBit) == 0
}

// BrickIndex returns the trace-brick index payload. Only meaningful on Data
// handles.
func (h Handle) BrickIndex() uint32 {
	return uint32(h & MaxBrickIndex)
}

// Material returns the material payload. Only meaningful on LOD handles.
func (h Handle) Material() MaterialId {
	return MaterialId(h & 0xffff)
}

// Distance returns the Chebyshev distance payload. Only meaningful on Empty
// handles.
func (h Handle) Distance() uint8 {
	return uint8(h & 0xff)
}
