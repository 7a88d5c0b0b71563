package detect

import (
	"image"

	"github.com/banshee-data/skytrack/internal/astro/geom"
)

// BitmapFill is a reusable 4-connected flood fill over a tile. Each filled
// pixel carries a label so later fills and line walks can tell which blob
// owns it. The fill uses an explicit queue.
type BitmapFill struct {
	w, h   int
	labels []int32
	queue  []int
	next   int32
}

// NewBitmapFill returns a fill sized for w×h tiles.
func NewBitmapFill(w, h int) *BitmapFill {
	f := &BitmapFill{}
	f.Reset(w, h)
	return f
}

// Reset clears all labels for a w×h tile.
func (f *BitmapFill) Reset(w, h int) {
	n := w * h
	if cap(f.labels) < n {
		f.labels = make([]int32, n)
	}
	f.labels = f.labels[:n]
	clear(f.labels)
	f.w, f.h = w, h
	f.next = 0
}

// NewLabel returns a label unused since the last Reset.
func (f *BitmapFill) NewLabel() int32 {
	f.next++
	return f.next
}

// Label returns the label of tile pixel (x, y), 0 when unfilled.
func (f *BitmapFill) Label(x, y int) int32 { return f.labels[y*f.w+x] }

// Fill labels every unlabelled pixel inside valid that is 4-connected to
// (x, y) through pixels above low, and appends them to dst in tile
// coordinates with values relative to zero. dst is returned unchanged when
// the seed is labelled, outside valid, or not above low.
func (f *BitmapFill) Fill(dst []geom.PixelSample, pix []float64, valid image.Rectangle, x, y int, low, zero float64, label int32) []geom.PixelSample {
	if !image.Pt(x, y).In(valid) {
		return dst
	}
	seed := y*f.w + x
	if f.labels[seed] != 0 || pix[seed] <= low {
		return dst
	}
	f.labels[seed] = label
	f.queue = append(f.queue[:0], seed)
	for head := 0; head < len(f.queue); head++ {
		i := f.queue[head]
		px, py := i%f.w, i/f.w
		dst = append(dst, geom.PixelSample{X: px, Y: py, Value: pix[i] - zero})
		f.visit(pix, valid, px-1, py, low, label)
		f.visit(pix, valid, px+1, py, low, label)
		f.visit(pix, valid, px, py-1, low, label)
		f.visit(pix, valid, px, py+1, low, label)
	}
	return dst
}

func (f *BitmapFill) visit(pix []float64, valid image.Rectangle, x, y int, low float64, label int32) {
	if x < valid.Min.X || y < valid.Min.Y || x >= valid.Max.X || y >= valid.Max.Y {
		return
	}
	i := y*f.w + x
	if f.labels[i] != 0 || pix[i] <= low {
		return
	}
	f.labels[i] = label
	f.queue = append(f.queue, i)
}

// Hysteresis scans valid row-major and fills from every unlabelled pixel
// above high, growing over pixels above low. fn receives the pixels of
// each blob; the slice is reused once fn returns.
func (f *BitmapFill) Hysteresis(pix []float64, valid image.Rectangle, high, low, zero float64, fn func(px []geom.PixelSample)) {
	var blob []geom.PixelSample
	for y := valid.Min.Y; y < valid.Max.Y; y++ {
		row := y * f.w
		for x := valid.Min.X; x < valid.Max.X; x++ {
			if f.labels[row+x] != 0 || pix[row+x] <= high {
				continue
			}
			blob = f.Fill(blob[:0], pix, valid, x, y, low, zero, f.NewLabel())
			if len(blob) > 0 {
				fn(blob)
			}
		}
	}
}
