package imaging

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/skytrack/internal/astro/geom"
)

const (
	fitsBlockSize = 2880
	fitsCardSize  = 80
)

// FITSHeader holds the keyword values of a FITS header unit with quotes
// and comments removed.
type FITSHeader map[string]string

// String returns a keyword value.
func (h FITSHeader) String(key string) (string, bool) {
	v, ok := h[key]
	return v, ok
}

// Float returns a numeric keyword value.
func (h FITSHeader) Float(key string) (float64, bool) {
	v, ok := h[key]
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.Replace(v, "D", "E", 1), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// Int returns an integer keyword value.
func (h FITSHeader) Int(key string) (int, bool) {
	f, ok := h.Float(key)
	if !ok || f != math.Trunc(f) {
		return 0, false
	}
	return int(f), true
}

// OpenFITS reads the primary HDU of the named file. The image ID is the
// base file name.
func OpenFITS(path string) (*MemoryImage, FITSHeader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	img, hdr, err := ReadFITS(bufio.NewReader(f), filepath.Base(path))
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, hdr, nil
}

// ReadFITS decodes a two-dimensional primary HDU. Pixel values are scaled
// by BZERO/BSCALE; DATE-OBS and EXPTIME (or EXPOSURE) set the observation
// time; a TAN projection described by CRVAL/CRPIX and either a CD matrix
// or CDELT sets the transform. Without WCS keywords the transform is nil.
func ReadFITS(r io.Reader, id string) (*MemoryImage, FITSHeader, error) {
	hdr, err := readFITSHeader(r)
	if err != nil {
		return nil, nil, err
	}
	bitpix, ok := hdr.Int("BITPIX")
	if !ok {
		return nil, nil, fmt.Errorf("fits: missing BITPIX")
	}
	naxis, _ := hdr.Int("NAXIS")
	w, _ := hdr.Int("NAXIS1")
	h, _ := hdr.Int("NAXIS2")
	if naxis < 2 || w <= 0 || h <= 0 {
		return nil, nil, fmt.Errorf("fits: need a 2D image, got NAXIS=%d %dx%d", naxis, w, h)
	}
	for i := 3; i <= naxis; i++ {
		if n, _ := hdr.Int(fmt.Sprintf("NAXIS%d", i)); n > 1 {
			return nil, nil, fmt.Errorf("fits: NAXIS%d=%d not supported", i, n)
		}
	}

	pix, err := readFITSData(r, bitpix, w*h)
	if err != nil {
		return nil, nil, err
	}
	bzero, ok := hdr.Float("BZERO")
	if !ok {
		bzero = 0
	}
	bscale, ok := hdr.Float("BSCALE")
	if !ok {
		bscale = 1
	}
	if bzero != 0 || bscale != 1 {
		for i, v := range pix {
			pix[i] = bzero + bscale*v
		}
	}

	obs, err := fitsObservationTime(hdr)
	if err != nil {
		return nil, nil, err
	}
	img, err := NewMemoryImage(id, w, h, pix, obs, nil)
	if err != nil {
		return nil, nil, err
	}
	if tp, ok := fitsTangentPlane(hdr); ok {
		img.SetTransform(tp)
	}
	return img, hdr, nil
}

func readFITSHeader(r io.Reader) (FITSHeader, error) {
	hdr := FITSHeader{}
	block := make([]byte, fitsBlockSize)
	for first := true; ; first = false {
		if _, err := io.ReadFull(r, block); err != nil {
			return nil, fmt.Errorf("fits: reading header: %w", err)
		}
		for off := 0; off < fitsBlockSize; off += fitsCardSize {
			card := string(block[off : off+fitsCardSize])
			key := strings.TrimSpace(card[:8])
			if first && off == 0 && key != "SIMPLE" {
				return nil, fmt.Errorf("fits: not a FITS file (first keyword %q)", key)
			}
			if key == "END" {
				return hdr, nil
			}
			if card[8:10] != "= " {
				continue // COMMENT, HISTORY, blank
			}
			hdr[key] = parseCardValue(card[10:])
		}
	}
}

func parseCardValue(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "'") {
		// Quoted string; '' is an escaped quote.
		var b strings.Builder
		for i := 1; i < len(s); i++ {
			if s[i] == '\'' {
				if i+1 < len(s) && s[i+1] == '\'' {
					b.WriteByte('\'')
					i++
					continue
				}
				break
			}
			b.WriteByte(s[i])
		}
		return strings.TrimRight(b.String(), " ")
	}
	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func readFITSData(r io.Reader, bitpix, n int) ([]float64, error) {
	pix := make([]float64, n)
	var err error
	switch bitpix {
	case 8:
		buf := make([]uint8, n)
		if _, err = io.ReadFull(r, buf); err == nil {
			for i, v := range buf {
				pix[i] = float64(v)
			}
		}
	case 16:
		buf := make([]int16, n)
		if err = binary.Read(r, binary.BigEndian, buf); err == nil {
			for i, v := range buf {
				pix[i] = float64(v)
			}
		}
	case 32:
		buf := make([]int32, n)
		if err = binary.Read(r, binary.BigEndian, buf); err == nil {
			for i, v := range buf {
				pix[i] = float64(v)
			}
		}
	case -32:
		buf := make([]float32, n)
		if err = binary.Read(r, binary.BigEndian, buf); err == nil {
			for i, v := range buf {
				pix[i] = float64(v)
			}
		}
	case -64:
		err = binary.Read(r, binary.BigEndian, pix)
	default:
		return nil, fmt.Errorf("fits: unsupported BITPIX %d", bitpix)
	}
	if err != nil {
		return nil, fmt.Errorf("fits: reading data: %w", err)
	}
	return pix, nil
}

var fitsDateLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func fitsObservationTime(h FITSHeader) (ObservationTime, error) {
	var obs ObservationTime
	if s, ok := h.String("DATE-OBS"); ok {
		var err error
		for _, layout := range fitsDateLayouts {
			if obs.Epoch, err = time.ParseInLocation(layout, s, time.UTC); err == nil {
				break
			}
		}
		if err != nil {
			return obs, fmt.Errorf("fits: DATE-OBS %q: %w", s, err)
		}
	}
	exp, ok := h.Float("EXPTIME")
	if !ok {
		exp, _ = h.Float("EXPOSURE")
	}
	obs.Exposure = time.Duration(exp * float64(time.Second))
	return obs, nil
}

func fitsTangentPlane(h FITSHeader) (*TangentPlane, bool) {
	c1, _ := h.String("CTYPE1")
	c2, _ := h.String("CTYPE2")
	if !strings.HasSuffix(c1, "-TAN") || !strings.HasSuffix(c2, "-TAN") {
		return nil, false
	}
	ra, ok1 := h.Float("CRVAL1")
	dec, ok2 := h.Float("CRVAL2")
	px, ok3 := h.Float("CRPIX1")
	py, ok4 := h.Float("CRPIX2")
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return nil, false
	}

	deg := math.Pi / 180
	var cd [2][2]float64
	if v, ok := h.Float("CD1_1"); ok {
		cd[0][0] = v * deg
		v, _ = h.Float("CD1_2")
		cd[0][1] = v * deg
		v, _ = h.Float("CD2_1")
		cd[1][0] = v * deg
		v, _ = h.Float("CD2_2")
		cd[1][1] = v * deg
	} else {
		d1, ok1 := h.Float("CDELT1")
		d2, ok2 := h.Float("CDELT2")
		if !ok1 || !ok2 {
			return nil, false
		}
		rot, _ := h.Float("CROTA2")
		s, c := math.Sincos(rot * deg)
		cd = [2][2]float64{
			{d1 * c * deg, -d2 * s * deg},
			{d1 * s * deg, d2 * c * deg},
		}
	}

	// FITS reference pixels are one-based.
	tp, err := NewTangentPlane(Equatorial{RA: ra * deg, Dec: dec * deg}, geom.Point{X: px - 1, Y: py - 1}, cd)
	if err != nil {
		return nil, false
	}
	return tp, true
}
