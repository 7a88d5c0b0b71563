// Package imaging defines the image storage contract consumed by the tile
// scheduler and detectors: region locking with flush-on-release, per-frame
// observation time and the pixel/sky coordinate transform. It also provides
// an in-memory store, a gnomonic transform and a minimal FITS loader.
package imaging

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"time"

	"github.com/soniakeys/unit"

	"github.com/banshee-data/skytrack/internal/astro/geom"
)

var (
	// ErrOutOfBounds is returned when a region extends past the image and
	// zero-fill was not requested.
	ErrOutOfBounds = errors.New("imaging: region outside image")
	// ErrUnknownToken is returned when a tile is released or switched with a
	// token the store did not issue or has already released.
	ErrUnknownToken = errors.New("imaging: unknown lock token")
	// ErrSizeMismatch is returned when pixel data does not match the declared
	// dimensions.
	ErrSizeMismatch = errors.New("imaging: pixel data size mismatch")
)

// ObservationTime is the start epoch and exposure length of a frame.
type ObservationTime struct {
	Epoch    time.Time
	Exposure time.Duration
}

// Mid returns the mid-exposure instant.
func (o ObservationTime) Mid() time.Time { return o.Epoch.Add(o.Exposure / 2) }

// Equatorial is a sky position in radians.
type Equatorial struct {
	RA, Dec float64
}

// Separation returns the great-circle distance between e and o.
func (e Equatorial) Separation(o Equatorial) unit.Angle {
	// Haversine form, stable for the arcsecond separations used in linking.
	sd := math.Sin((o.Dec - e.Dec) / 2)
	sr := math.Sin((o.RA - e.RA) / 2)
	h := sd*sd + math.Cos(e.Dec)*math.Cos(o.Dec)*sr*sr
	return unit.Angle(2 * math.Asin(math.Sqrt(math.Min(1, h))))
}

func (e Equatorial) String() string {
	return fmt.Sprintf("(%.6f°, %+.6f°)", unit.Angle(e.RA).Deg(), unit.Angle(e.Dec).Deg())
}

// Transform converts between pixel and sky coordinates.
type Transform interface {
	PixelToEquatorial(p geom.Point) Equatorial
	EquatorialToPixel(e Equatorial) geom.Point
	// LocalScale returns the angular size of one pixel near p, in radians.
	LocalScale(p geom.Point) float64
}

// Store is an image whose pixels are accessed through region locks. Read
// locks over overlapping regions may be held concurrently; a write lock
// waits for every overlapping lock to be released. Writable tiles are
// flushed back to the image on release.
type Store interface {
	ID() string
	Bounds() image.Rectangle
	Time() ObservationTime
	Transform() Transform

	// LockRegion copies r into a new tile. With fillZero, the parts of r
	// outside the image read as zero; otherwise r must lie inside Bounds.
	LockRegion(ctx context.Context, r image.Rectangle, fillZero, readOnly bool) (*Tile, error)
	// SwitchRegion moves a held tile to a new top-left corner keeping its
	// size and buffer. The old region is flushed (if writable) and released
	// before the new one is acquired; the tile receives a fresh token.
	SwitchRegion(ctx context.Context, t *Tile, x, y int, fillZero, readOnly bool) error
	// ReleaseRegion flushes a writable tile and releases its lock.
	ReleaseRegion(t *Tile) error
}

// Tile is a locked window of pixels. X and Y are the parent-image
// coordinates of Data[0].
type Tile struct {
	Data          []float64
	Width, Height int
	X, Y          int
	ReadOnly      bool

	token Token
}

// Bounds returns the tile's region in parent-image coordinates.
func (t *Tile) Bounds() image.Rectangle {
	return image.Rect(t.X, t.Y, t.X+t.Width, t.Y+t.Height)
}

// At returns the pixel at tile-local (x, y).
func (t *Tile) At(x, y int) float64 { return t.Data[y*t.Width+x] }

// Set writes the pixel at tile-local (x, y).
func (t *Tile) Set(x, y int, v float64) { t.Data[y*t.Width+x] = v }

// Token returns the lock token currently held by the tile.
func (t *Tile) Token() Token { return t.token }
