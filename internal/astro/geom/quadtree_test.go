package geom

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuadTree_OutOfBounds(t *testing.T) {
	t.Parallel()
	q := NewQuadTree[int](Rect{0, 0, 10, 10}, 3)
	assert.ErrorIs(t, q.Insert(Point{11, 5}, 1), ErrOutOfBounds)
	assert.ErrorIs(t, q.Insert(Point{5, -0.1}, 1), ErrOutOfBounds)
	assert.NoError(t, q.Insert(Point{10, 10}, 1), "far edge is inside the root")
	assert.Equal(t, 1, q.Len())
}

func TestQuadTree_DepthZero(t *testing.T) {
	t.Parallel()
	q := NewQuadTree[string](Rect{0, 0, 4, 4}, 0)
	require.NoError(t, q.Insert(Point{1, 1}, "a"))
	require.NoError(t, q.Insert(Point{3, 3}, "b"))
	// A single bucket returns everything for any intersecting query.
	assert.Len(t, q.Query(Rect{0, 0, 0.5, 0.5}), 2)
	assert.Empty(t, q.Query(Rect{5, 5, 6, 6}))
}

func TestQuadTree_QueryIsSupersetAndRadiusExact(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(7))
	// Non-square bounds exercise the independent x/y midpoint split.
	bounds := Rect{MinX: -3, MinY: 10, MaxX: 5, MaxY: 12}
	q := NewQuadTree[int](bounds, 5)
	pts := make([]Point, 2000)
	for i := range pts {
		pts[i] = Point{
			X: bounds.MinX + rng.Float64()*bounds.Width(),
			Y: bounds.MinY + rng.Float64()*bounds.Height(),
		}
		require.NoError(t, q.Insert(pts[i], i))
	}
	assert.Equal(t, len(pts), q.Len())

	for trial := 0; trial < 50; trial++ {
		c := pts[rng.Intn(len(pts))]
		radius := rng.Float64() * 0.5

		var want []int
		for i, p := range pts {
			if p.Dist(c) <= radius {
				want = append(want, i)
			}
		}

		box := RectAround(c, radius)
		seen := map[int]bool{}
		for _, e := range q.Query(box) {
			seen[e.Value] = true
		}
		for _, i := range want {
			assert.True(t, seen[i], "query box missed point %d", i)
		}

		var got []int
		for _, e := range q.QueryRadius(c, radius) {
			got = append(got, e.Value)
		}
		sort.Ints(got)
		assert.Equal(t, want, got)
	}
}
