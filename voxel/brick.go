package voxel

import (
	"encoding/binary"
	"math/bits"

	cerrors "github.com/cockroachdb/errors"
)

const (
	// BrickEdge is the cell count along each brick axis.
	BrickEdge = 8
	// BrickVolume is the voxel count of one brick.
	BrickVolume = BrickEdge * BrickEdge * BrickEdge

	// TraceBrickByteSize is the device footprint of one trace brick: the 64-byte
	// occupancy bitset followed by two uint32 fields.
	TraceBrickByteSize = 72
)

// Brick is the occupancy bitset of an 8x8x8 voxel block, one bit per voxel.
// Bricks compare with ==, which is what makes them usable as dedup keys.
type Brick [8]uint64

// BrickBitIndex maps local brick coordinates to a bit index.
func BrickBitIndex(x, y, z int) int {
	return x + y*BrickEdge + z*BrickEdge*BrickEdge
}

func (b *Brick) Set(x, y, z int, occupied bool) {
	bit := BrickBitIndex(x, y, z)
	if occupied {
		b[bit/64] |= 1 << (bit % 64)
	} else {
		b[bit/64] &= ^(uint64(1) << (bit % 64))
	}
}

func (b *Brick) Get(x, y, z int) bool {
	bit := BrickBitIndex(x, y, z)
	return b[bit/64]&(1<<(bit%64)) != 0
}

// OccupiedCount returns the number of set voxels.
func (b *Brick) OccupiedCount() int {
	count := 0
	for i := 0; i < len(b); i++ {
		count += bits.OnesCount64(b[i])
	}
	return count
}

func (b *Brick) IsEmpty() bool {
	return *b == Brick{}
}

// TraceBrick is the GPU-visible record behind a Data handle: the occupancy bitset
// plus the byte offset of the brick's material record in the material pool and the
// palette decoding it. MaterialOffset is NoMaterials until materials are attached.
type TraceBrick struct {
	Occupancy      Brick
	MaterialOffset uint32
	Palette        PaletteId
}

// NoMaterials marks a trace brick that has no material record attached yet.
const NoMaterials uint32 = 0xffffffff

// AppendBytes appends the record's device layout: the bitset as 8 little-endian
// uint64 words, then MaterialOffset and Palette as little-endian uint32.
func (t *TraceBrick) AppendBytes(data []byte) []byte {
	for i := 0; i < len(t.Occupancy); i++ {
		data = binary.LittleEndian.AppendUint64(data, t.Occupancy[i])
	}
	data = binary.LittleEndian.AppendUint32(data, t.MaterialOffset)
	data = binary.LittleEndian.AppendUint32(data, uint32(t.Palette))
	return data
}

// MaterialBrick is one brick's 512 palette indices packed at BitsPerVoxel bits
// each, narrowest width first. Voxel i occupies bits [i*bpv, (i+1)*bpv) of Data,
// little-endian within each byte.
type MaterialBrick struct {
	BitsPerVoxel int
	Data         []byte
}

func (m *MaterialBrick) ByteSize() int {
	return len(m.Data)
}

// IndexAt unpacks the palette index of voxel i.
func (m *MaterialBrick) IndexAt(i int) uint8 {
	bitOffset := i * m.BitsPerVoxel
	mask := uint8(1<<m.BitsPerVoxel - 1)
	return (m.Data[bitOffset/8] >> (bitOffset % 8)) & mask
}

// paletteWidth returns the narrowest bits-per-voxel that can index count distinct
// materials.
func paletteWidth(count int) int {
	switch {
	case count <= 2:
		return 1
	case count <= 4:
		return 2
	case count <= 16:
		return 4
	default:
		return 8
	}
}

// CompressMaterials builds a packed material brick from per-voxel materials. The
// returned palette holds the brick's distinct materials in first-appearance order;
// the brick's packed indices refer into it. Bricks with more than 256 distinct
// materials cannot be packed and return an error.
func CompressMaterials(voxels *[BrickVolume]MaterialId) (MaterialBrick, []MaterialId, error) {
	var palette []MaterialId
	indexOf := map[MaterialId]uint8{}

	for i := 0; i < BrickVolume; i++ {
		material := voxels[i]
		if _, seen := indexOf[material]; seen {
			continue
		}
		if len(palette) == 256 {
			return MaterialBrick{}, nil, cerrors.New("brick has more than 256 distinct materials")
		}
		indexOf[material] = uint8(len(palette))
		palette = append(palette, material)
	}

	width := paletteWidth(len(palette))
	brick := MaterialBrick{
		BitsPerVoxel: width,
		Data:         make([]byte, BrickVolume*width/8),
	}
	for i := 0; i < BrickVolume; i++ {
		bitOffset := i * width
		brick.Data[bitOffset/8] |= indexOf[voxels[i]] << (bitOffset % 8)
	}

	return brick, palette, nil
}
