package voxel

import (
	"context"
	"runtime"
	"sync/atomic"

	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"
)

// DistanceFieldGenerator fills the distance payload of every Empty handle in a
// region with the Chebyshev distance to the nearest non-empty cell. Traversal uses
// the value to skip that many cells in any direction without further lookups.
//
// Generation runs in two data-parallel phases with a hard barrier between them:
// boundary detection over Z slabs marks every Empty cell adjacent to a non-empty
// cell with distance 0, then propagation fans the region out in cubic chunks and
// scans the boundary set for each remaining Empty cell. The map is locked for the
// whole generation; each cell is written by exactly one task.
type DistanceFieldGenerator struct {
	// Workers caps the goroutines per phase. Defaults to GOMAXPROCS.
	Workers int
	// ChunkEdge is the propagation chunk edge length in cells. Defaults to 8.
	ChunkEdge int
	// OnProgress, when set, is called from worker goroutines as propagation crosses
	// each ProgressInterval percent boundary. ProgressInterval defaults to 10.
	OnProgress       func(percentComplete uint64)
	ProgressInterval uint64

	Logger *slog.Logger
}

type boundaryCoord struct {
	x, y, z int32
}

// Generate computes distances for every Empty cell with min/max coordinates in the
// half-open region [min, max). Cells outside the region are neither read nor
// written; a non-empty cell just beyond the region boundary does not count as a
// neighbor.
func (g *DistanceFieldGenerator) Generate(m *BrickMap, min [3]int, max [3]int) error {
	for axis := 0; axis < 3; axis++ {
		if min[axis] >= max[axis] {
			return cerrors.Newf("region is empty on axis %d: [%d, %d)", axis, min[axis], max[axis])
		}
	}
	bounds := [3]int{m.width, m.height, m.depth}
	for axis := 0; axis < 3; axis++ {
		if min[axis] < 0 || max[axis] > bounds[axis] {
			return cerrors.Newf("region [%d, %d) exceeds the grid on axis %d", min[axis], max[axis], axis)
		}
	}

	workers := g.Workers
	if workers < 1 {
		workers = runtime.GOMAXPROCS(0)
	}
	chunkEdge := g.ChunkEdge
	if chunkEdge < 1 {
		chunkEdge = 8
	}
	interval := g.ProgressInterval
	if interval < 1 {
		interval = 10
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	// Phase 1: boundary detection. Workers only read the grid; the zero writes
	// happen after the barrier so slab workers never observe each other.
	perWorker := make([][]boundaryCoord, workers)
	depth := max[2] - min[2]

	var group errgroup.Group
	for w := 0; w < workers; w++ {
		worker := w
		zFrom := min[2] + depth*worker/workers
		zTo := min[2] + depth*(worker+1)/workers
		group.Go(func() error {
			var local []boundaryCoord
			for z := zFrom; z < zTo; z++ {
				for y := min[1]; y < max[1]; y++ {
					for x := min[0]; x < max[0]; x++ {
						if !m.handles[m.Index(x, y, z)].IsEmpty() {
							continue
						}
						if g.hasOccupiedNeighbor(m, x, y, z, min, max) {
							local = append(local, boundaryCoord{int32(x), int32(y), int32(z)})
						}
					}
				}
			}
			perWorker[worker] = local
			return nil
		})
	}
	err := group.Wait()
	if err != nil {
		return err
	}

	var boundary []boundaryCoord
	isBoundary := make([]uint64, (len(m.handles)+63)/64)
	for _, local := range perWorker {
		for _, c := range local {
			i := m.Index(int(c.x), int(c.y), int(c.z))
			m.handles[i] = EmptyHandleWithDistance(0)
			isBoundary[i/64] |= 1 << (i % 64)
		}
		boundary = append(boundary, local...)
	}

	if g.Logger != nil {
		g.Logger.LogAttrs(context.Background(), slog.LevelDebug, "distance field boundary detected",
			slog.Int("boundaryCells", len(boundary)),
		)
	}

	// Phase 2: propagation over cubic chunks
	totalCells := uint64((max[0] - min[0]) * (max[1] - min[1]) * (max[2] - min[2]))
	var processed atomic.Uint64
	var lastBucket atomic.Uint64

	group.SetLimit(workers)
	for z0 := min[2]; z0 < max[2]; z0 += chunkEdge {
		for y0 := min[1]; y0 < max[1]; y0 += chunkEdge {
			for x0 := min[0]; x0 < max[0]; x0 += chunkEdge {
				from := [3]int{x0, y0, z0}
				to := [3]int{
					minInt(x0+chunkEdge, max[0]),
					minInt(y0+chunkEdge, max[1]),
					minInt(z0+chunkEdge, max[2]),
				}
				group.Go(func() error {
					g.propagateChunk(m, boundary, isBoundary, from, to)

					cells := uint64((to[0] - from[0]) * (to[1] - from[1]) * (to[2] - from[2]))
					g.reportProgress(&processed, &lastBucket, cells, totalCells, interval)
					return nil
				})
			}
		}
	}

	return group.Wait()
}

func (g *DistanceFieldGenerator) hasOccupiedNeighbor(m *BrickMap, x, y, z int, min [3]int, max [3]int) bool {
	if x > min[0] && !m.handles[m.Index(x-1, y, z)].IsEmpty() {
		return true
	}
	if x+1 < max[0] && !m.handles[m.Index(x+1, y, z)].IsEmpty() {
		return true
	}
	if y > min[1] && !m.handles[m.Index(x, y-1, z)].IsEmpty() {
		return true
	}
	if y+1 < max[1] && !m.handles[m.Index(x, y+1, z)].IsEmpty() {
		return true
	}
	if z > min[2] && !m.handles[m.Index(x, y, z-1)].IsEmpty() {
		return true
	}
	if z+1 < max[2] && !m.handles[m.Index(x, y, z+1)].IsEmpty() {
		return true
	}
	return false
}

// propagateChunk writes the distance of every non-boundary Empty cell in
// [from, to). The minimum over the boundary set is exact: per-axis deltas at or
// above the current best cannot improve it, and nothing beats 1 for a cell that is
// not itself on the boundary.
func (g *DistanceFieldGenerator) propagateChunk(
	m *BrickMap,
	boundary []boundaryCoord,
	isBoundary []uint64,
	from [3]int,
	to [3]int,
) {
	for z := from[2]; z < to[2]; z++ {
		for y := from[1]; y < to[1]; y++ {
			for x := from[0]; x < to[0]; x++ {
				i := m.Index(x, y, z)
				if !m.handles[i].IsEmpty() {
					continue
				}
				if isBoundary[i/64]&(1<<(i%64)) != 0 {
					continue
				}

				best := MaxDistance
				for _, b := range boundary {
					dx := absInt(int(b.x) - x)
					if dx >= best {
						continue
					}
					dy := absInt(int(b.y) - y)
					if dy >= best {
						continue
					}
					dz := absInt(int(b.z) - z)
					if dz >= best {
						continue
					}

					d := dx
					if dy > d {
						d = dy
					}
					if dz > d {
						d = dz
					}
					best = d
					if best <= 1 {
						break
					}
				}

				m.handles[i] = EmptyHandleWithDistance(uint8(best))
			}
		}
	}
}

func (g *DistanceFieldGenerator) reportProgress(
	processed *atomic.Uint64,
	lastBucket *atomic.Uint64,
	cells uint64,
	totalCells uint64,
	interval uint64,
) {
	if g.OnProgress == nil {
		return
	}

	percent := processed.Add(cells) * 100 / totalCells
	bucket := percent / interval
	for {
		prev := lastBucket.Load()
		if bucket <= prev {
			return
		}
		if lastBucket.CompareAndSwap(prev, bucket) {
			g.OnProgress(percent)
			return
		}
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
