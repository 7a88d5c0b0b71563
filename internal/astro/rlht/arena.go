package rlht

// Arena is the scratch space of one worker: the rolling-average buffer, the
// ρ×θ score matrix, scan bitmaps and the strong point list. An Arena must
// not be shared between goroutines.
type Arena struct {
	long ring

	scores    []float64
	strong    []bool
	rowDone   []bool
	rowStrong []bool
	cellDone  []bool
	points    []StrongPoint

	evaluations int
}

// NewArena returns an arena presized for tiles up to w×h pixels.
func NewArena(w, h int) *Arena {
	a := &Arena{}
	a.size(Diagonal(w, h)+1, thetaCells(w, h))
	return a
}

func (a *Arena) size(nRho, nTheta int) {
	n := nRho * nTheta
	if cap(a.scores) < n {
		a.scores = make([]float64, n)
		a.strong = make([]bool, n)
	}
	a.scores = a.scores[:n]
	a.strong = a.strong[:n]
	clear(a.scores)
	clear(a.strong)
	if cap(a.rowDone) < nRho {
		a.rowDone = make([]bool, nRho)
		a.rowStrong = make([]bool, nRho)
	}
	a.rowDone = a.rowDone[:nRho]
	a.rowStrong = a.rowStrong[:nRho]
	clear(a.rowDone)
	clear(a.rowStrong)
	if cap(a.cellDone) < nTheta {
		a.cellDone = make([]bool, nTheta)
	}
	a.cellDone = a.cellDone[:nTheta]
	a.points = a.points[:0]
}

// Arenas holds one Arena per scheduler worker.
type Arenas []*Arena

// NewArenas returns n arenas presized for w×h tiles.
func NewArenas(n, w, h int) Arenas {
	out := make(Arenas, n)
	for i := range out {
		out[i] = NewArena(w, h)
	}
	return out
}

// Get returns the arena of worker i.
func (as Arenas) Get(i int) *Arena { return as[i] }
