package imaging

import (
	"context"
	"fmt"
	"image"
)

// MemoryImage is a Store backed by a row-major pixel slice.
type MemoryImage struct {
	id        string
	width     int
	height    int
	pix       []float64
	obs       ObservationTime
	transform Transform
	locks     *RegionLocker
}

var _ Store = (*MemoryImage)(nil)

// NewMemoryImage wraps pix (row-major, width*height samples). A nil pix
// allocates a zeroed image.
func NewMemoryImage(id string, width, height int, pix []float64, obs ObservationTime, tr Transform) (*MemoryImage, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrSizeMismatch, width, height)
	}
	if pix == nil {
		pix = make([]float64, width*height)
	}
	if len(pix) != width*height {
		return nil, fmt.Errorf("%w: %d samples for %dx%d", ErrSizeMismatch, len(pix), width, height)
	}
	return &MemoryImage{
		id:        id,
		width:     width,
		height:    height,
		pix:       pix,
		obs:       obs,
		transform: tr,
		locks:     NewRegionLocker(),
	}, nil
}

func (m *MemoryImage) ID() string                { return m.id }
func (m *MemoryImage) Bounds() image.Rectangle   { return image.Rect(0, 0, m.width, m.height) }
func (m *MemoryImage) Time() ObservationTime     { return m.obs }
func (m *MemoryImage) Transform() Transform      { return m.transform }
func (m *MemoryImage) SetTransform(tr Transform) { m.transform = tr }

// Pixels returns the backing slice. Access through it bypasses region
// locking and is meant for loaders and tests.
func (m *MemoryImage) Pixels() []float64 { return m.pix }

// At returns the pixel at (x, y) without locking.
func (m *MemoryImage) At(x, y int) float64 { return m.pix[y*m.width+x] }

// Locks exposes the region lock manager.
func (m *MemoryImage) Locks() *RegionLocker { return m.locks }

func (m *MemoryImage) LockRegion(ctx context.Context, r image.Rectangle, fillZero, readOnly bool) (*Tile, error) {
	if r.Empty() {
		return nil, fmt.Errorf("imaging: empty region %v", r)
	}
	t := &Tile{Width: r.Dx(), Height: r.Dy(), Data: make([]float64, r.Dx()*r.Dy())}
	if err := m.acquire(ctx, t, r.Min.X, r.Min.Y, fillZero, readOnly); err != nil {
		return nil, err
	}
	return t, nil
}

func (m *MemoryImage) SwitchRegion(ctx context.Context, t *Tile, x, y int, fillZero, readOnly bool) error {
	if err := m.ReleaseRegion(t); err != nil {
		return err
	}
	return m.acquire(ctx, t, x, y, fillZero, readOnly)
}

func (m *MemoryImage) ReleaseRegion(t *Tile) error {
	inside, write, err := m.locks.Region(t.token)
	if err != nil {
		return err
	}
	if write {
		m.flush(t, inside)
	}
	if err := m.locks.Release(t.token); err != nil {
		return err
	}
	t.token = 0
	return nil
}

func (m *MemoryImage) acquire(ctx context.Context, t *Tile, x, y int, fillZero, readOnly bool) error {
	r := image.Rect(x, y, x+t.Width, y+t.Height)
	b := m.Bounds()
	if !fillZero && !r.In(b) {
		return fmt.Errorf("%w: %v not in %v", ErrOutOfBounds, r, b)
	}
	inside := r.Intersect(b)
	tok, err := m.locks.Acquire(ctx, inside, !readOnly)
	if err != nil {
		return err
	}
	t.X, t.Y, t.ReadOnly, t.token = x, y, readOnly, tok

	if inside != r {
		clear(t.Data)
	}
	for iy := inside.Min.Y; iy < inside.Max.Y; iy++ {
		src := m.pix[iy*m.width+inside.Min.X : iy*m.width+inside.Max.X]
		off := (iy-y)*t.Width + (inside.Min.X - x)
		copy(t.Data[off:off+len(src)], src)
	}
	return nil
}

func (m *MemoryImage) flush(t *Tile, inside image.Rectangle) {
	for iy := inside.Min.Y; iy < inside.Max.Y; iy++ {
		dst := m.pix[iy*m.width+inside.Min.X : iy*m.width+inside.Max.X]
		off := (iy-t.Y)*t.Width + (inside.Min.X - t.X)
		copy(dst, t.Data[off:off+len(dst)])
	}
}
