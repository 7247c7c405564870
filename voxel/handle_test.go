package voxel_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/strata/voxel"
)

func TestHandleStates(t *testing.T) {
	require.True(t, voxel.EmptyHandle.IsEmpty())
	require.False(t, voxel.EmptyHandle.IsLod())
	require.False(t, voxel.EmptyHandle.IsData())
	require.Equal(t, uint8(0), voxel.EmptyHandle.Distance())

	empty := voxel.EmptyHandleWithDistance(17)
	require.True(t, empty.IsEmpty())
	require.Equal(t, uint8(17), empty.Distance())

	lod := voxel.LodHandle(voxel.MaterialId(4097))
	require.True(t, lod.IsLod())
	require.False(t, lod.IsEmpty())
	require.False(t, lod.IsData())
	require.Equal(t, voxel.MaterialId(4097), lod.Material())

	data := voxel.DataHandle(voxel.MaxBrickIndex)
	require.True(t, data.IsData())
	require.False(t, data.IsEmpty())
	require.False(t, data.IsLod())
	require.Equal(t, uint32(voxel.MaxBrickIndex), data.BrickIndex())
}

func TestHandlePayloadsDoNotLeakAcrossStates(t *testing.T) {
	// A data handle with a high payload bit set must still classify as Data only
	data := voxel.DataHandle(1 << 29)
	require.True(t, data.IsData())
	require.False(t, data.IsLod())
	require.Equal(t, uint32(1<<29), data.BrickIndex())

	// A max-distance empty handle must not classify as anything else
	empty := voxel.EmptyHandleWithDistance(255)
	require.True(t, empty.IsEmpty())
	require.Equal(t, uint8(255), empty.Distance())
}
