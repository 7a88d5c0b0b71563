package sched

import (
	"github.com/banshee-data/skytrack/internal/astro/imaging"
)

// Algorithm is one of the five calling shapes accepted by Scheduler.Run:
// Map, PositionMap, Combiner, Extractor and PositionExtractor. The set is
// closed.
type Algorithm interface {
	// singleInput reports whether the shape takes exactly one input image.
	singleInput() bool
	// output reports whether the shape writes an output image.
	output() bool
	invoke(ins []*imaging.Tile, out *imaging.Tile, pos []Position) error
}

// Map transforms an input tile into the matching output tile.
// Arguments that would be passed separately are carried in Arg.
type Map[A any] struct {
	Fn  func(in, out *imaging.Tile, arg A) error
	Arg A
}

func (Map[A]) singleInput() bool { return true }
func (Map[A]) output() bool      { return true }
func (m Map[A]) invoke(ins []*imaging.Tile, out *imaging.Tile, _ []Position) error {
	return m.Fn(ins[0], out, m.Arg)
}

// PositionMap is a Map that also receives the tile position.
type PositionMap[A any] struct {
	Fn  func(in, out *imaging.Tile, pos Position, arg A) error
	Arg A
}

func (PositionMap[A]) singleInput() bool { return true }
func (PositionMap[A]) output() bool      { return true }
func (m PositionMap[A]) invoke(ins []*imaging.Tile, out *imaging.Tile, pos []Position) error {
	return m.Fn(ins[0], out, pos[0], m.Arg)
}

// Combiner reads the same block from every input and writes one output
// tile. pos[i] describes ins[i].
type Combiner[A any] struct {
	Fn  func(ins []*imaging.Tile, out *imaging.Tile, pos []Position, arg A) error
	Arg A
}

func (Combiner[A]) singleInput() bool { return false }
func (Combiner[A]) output() bool      { return true }
func (c Combiner[A]) invoke(ins []*imaging.Tile, out *imaging.Tile, pos []Position) error {
	return c.Fn(ins, out, pos, c.Arg)
}

// Extractor scans input tiles read-only. Fn may be called concurrently
// from several workers; results must be collected under the caller's lock.
type Extractor[A any] struct {
	Fn  func(in *imaging.Tile, arg A) error
	Arg A
}

func (Extractor[A]) singleInput() bool { return true }
func (Extractor[A]) output() bool      { return false }
func (e Extractor[A]) invoke(ins []*imaging.Tile, _ *imaging.Tile, _ []Position) error {
	return e.Fn(ins[0], e.Arg)
}

// PositionExtractor is an Extractor that also receives the tile position.
type PositionExtractor[A any] struct {
	Fn  func(in *imaging.Tile, pos Position, arg A) error
	Arg A
}

func (PositionExtractor[A]) singleInput() bool { return true }
func (PositionExtractor[A]) output() bool      { return false }
func (e PositionExtractor[A]) invoke(ins []*imaging.Tile, _ *imaging.Tile, pos []Position) error {
	return e.Fn(ins[0], pos[0], e.Arg)
}
