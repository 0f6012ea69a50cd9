package interest

import (
	"math"

	"voxelsync.ai/internal/protocol"
)

type cell struct{ x, y, z int32 }

// grid buckets items into cubic cells so a radius query only touches the
// cells overlapping the query's bounding box.
type grid[K comparable] struct {
	size  float32
	cells map[cell]map[K]protocol.Vec3
	where map[K]cell
}

func newGrid[K comparable](size float32) *grid[K] {
	if size <= 0 {
		size = DefaultCellSize
	}
	return &grid[K]{size: size, cells: map[cell]map[K]protocol.Vec3{}, where: map[K]cell{}}
}

// coord saturates at the int32 range. The mapping stays monotone, so a
// query's bounding cells still cover every item inside its radius.
func (g *grid[K]) coord(v float64) int32 {
	c := math.Floor(v / float64(g.size))
	switch {
	case math.IsNaN(c):
		return 0
	case c <= math.MinInt32:
		return math.MinInt32
	case c >= math.MaxInt32:
		return math.MaxInt32
	}
	return int32(c)
}

func (g *grid[K]) cellOf(p protocol.Vec3) cell {
	return cell{g.coord(float64(p[0])), g.coord(float64(p[1])), g.coord(float64(p[2]))}
}

func (g *grid[K]) put(k K, p protocol.Vec3) {
	c := g.cellOf(p)
	if old, ok := g.where[k]; ok && old != c {
		g.drop(k, old)
	}
	bucket := g.cells[c]
	if bucket == nil {
		bucket = map[K]protocol.Vec3{}
		g.cells[c] = bucket
	}
	bucket[k] = p
	g.where[k] = c
}

func (g *grid[K]) remove(k K) {
	if c, ok := g.where[k]; ok {
		g.drop(k, c)
	}
}

func (g *grid[K]) drop(k K, c cell) {
	bucket := g.cells[c]
	delete(bucket, k)
	if len(bucket) == 0 {
		delete(g.cells, c)
	}
	delete(g.where, k)
}

func (g *grid[K]) len() int { return len(g.where) }

func (g *grid[K]) clear() {
	clear(g.cells)
	clear(g.where)
}

// within calls fn for every item whose distance to center is <= radius.
func (g *grid[K]) within(center protocol.Vec3, radius float32, fn func(K)) {
	if radius < 0 || math.IsNaN(float64(radius)) {
		return
	}
	inside := func(p protocol.Vec3) bool { return InRange(center, radius, p) }

	r := float64(radius)
	bound := func(off float64) cell {
		return cell{
			g.coord(float64(center[0]) + off),
			g.coord(float64(center[1]) + off),
			g.coord(float64(center[2]) + off),
		}
	}
	lo, hi := bound(-r), bound(r)
	span := (int64(hi.x) - int64(lo.x) + 1) * (int64(hi.y) - int64(lo.y) + 1) * (int64(hi.z) - int64(lo.z) + 1)
	if span > int64(len(g.cells)) {
		for _, bucket := range g.cells {
			for k, p := range bucket {
				if inside(p) {
					fn(k)
				}
			}
		}
		return
	}
	for x := int64(lo.x); x <= int64(hi.x); x++ {
		for y := int64(lo.y); y <= int64(hi.y); y++ {
			for z := int64(lo.z); z <= int64(hi.z); z++ {
				for k, p := range g.cells[cell{int32(x), int32(y), int32(z)}] {
					if inside(p) {
						fn(k)
					}
				}
			}
		}
	}
}
