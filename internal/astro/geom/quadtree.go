package geom

// Entry is a point stored in a QuadTree with its payload.
type Entry[T any] struct {
	Point Point
	Value T
}

type quadNode[T any] struct {
	bounds   Rect
	children [4]*quadNode[T]
	entries  []Entry[T]
}

// QuadTree is a fixed-depth spatial index. Every point is stored in a leaf
// bucket exactly depth levels below the root; interior nodes are allocated
// on first use by splitting the parent box at its midpoint.
type QuadTree[T any] struct {
	root  *quadNode[T]
	depth int
	size  int
}

// NewQuadTree returns an empty tree over bounds. A negative depth is
// treated as 0, which stores everything in the root bucket.
func NewQuadTree[T any](bounds Rect, depth int) *QuadTree[T] {
	if depth < 0 {
		depth = 0
	}
	return &QuadTree[T]{root: &quadNode[T]{bounds: bounds}, depth: depth}
}

// Bounds returns the root box.
func (q *QuadTree[T]) Bounds() Rect { return q.root.bounds }

// Len returns the number of stored entries.
func (q *QuadTree[T]) Len() int { return q.size }

// Insert stores v at p. The point must lie within the root bounds.
func (q *QuadTree[T]) Insert(p Point, v T) error {
	if !q.root.bounds.Contains(p) {
		return ErrOutOfBounds
	}
	n := q.root
	for level := 0; level < q.depth; level++ {
		mid := n.bounds.Center()
		i := 0
		if p.X >= mid.X {
			i |= 1
		}
		if p.Y >= mid.Y {
			i |= 2
		}
		if n.children[i] == nil {
			n.children[i] = &quadNode[T]{bounds: quadrant(n.bounds, mid, i)}
		}
		n = n.children[i]
	}
	n.entries = append(n.entries, Entry[T]{Point: p, Value: v})
	q.size++
	return nil
}

func quadrant(b Rect, mid Point, i int) Rect {
	r := b
	if i&1 == 0 {
		r.MaxX = mid.X
	} else {
		r.MinX = mid.X
	}
	if i&2 == 0 {
		r.MaxY = mid.Y
	} else {
		r.MinY = mid.Y
	}
	return r
}

// Query returns every entry held in a leaf bucket whose box intersects r.
// The result is a superset of the entries inside r; callers filter by exact
// distance.
func (q *QuadTree[T]) Query(r Rect) []Entry[T] {
	var out []Entry[T]
	stack := []*quadNode[T]{q.root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !n.bounds.Intersects(r) {
			continue
		}
		out = append(out, n.entries...)
		for _, c := range n.children {
			if c != nil {
				stack = append(stack, c)
			}
		}
	}
	return out
}

// QueryRadius returns the entries within dist of p, post-filtering Query.
func (q *QuadTree[T]) QueryRadius(p Point, dist float64) []Entry[T] {
	cand := q.Query(RectAround(p, dist))
	out := cand[:0]
	for _, e := range cand {
		if e.Point.Dist(p) <= dist {
			out = append(out, e)
		}
	}
	return out
}
