package imaging

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

const fitsDateLayout = "2006-01-02T15:04:05.000"

// WriteFITS encodes img as a primary HDU of 64-bit floats with its
// observation time and, for a TangentPlane transform, TAN WCS keywords
// in CD matrix form. ReadFITS decodes the result back to the same pixels.
func WriteFITS(ctx context.Context, w io.Writer, img Store) error {
	b := img.Bounds()
	t, err := img.LockRegion(ctx, b, true, true)
	if err != nil {
		return fmt.Errorf("fits: %s: %w", img.ID(), err)
	}
	pix := append([]float64(nil), t.Data...)
	if err := img.ReleaseRegion(t); err != nil {
		return fmt.Errorf("fits: %s: %w", img.ID(), err)
	}

	var hdr bytes.Buffer
	var cerr error
	card := func(key, value string) {
		c, err := fitsCard(key, value)
		if err != nil && cerr == nil {
			cerr = err
		}
		hdr.WriteString(c)
	}
	float := func(v float64) string { return strconv.FormatFloat(v, 'G', 17, 64) }
	str := func(s string) string { return fmt.Sprintf("'%-8s'", s) }

	card("SIMPLE", "T")
	card("BITPIX", "-64")
	card("NAXIS", "2")
	card("NAXIS1", strconv.Itoa(b.Dx()))
	card("NAXIS2", strconv.Itoa(b.Dy()))
	obs := img.Time()
	if !obs.Epoch.IsZero() {
		card("DATE-OBS", str(obs.Epoch.UTC().Format(fitsDateLayout)))
	}
	card("EXPTIME", float(obs.Exposure.Seconds()))
	if tp, ok := img.Transform().(*TangentPlane); ok {
		deg := 180 / math.Pi
		card("CTYPE1", str("RA---TAN"))
		card("CTYPE2", str("DEC--TAN"))
		card("CRVAL1", float(tp.Center.RA*deg))
		card("CRVAL2", float(tp.Center.Dec*deg))
		card("CRPIX1", float(tp.RefPixel.X+1))
		card("CRPIX2", float(tp.RefPixel.Y+1))
		card("CD1_1", float(tp.CD[0][0]*deg))
		card("CD1_2", float(tp.CD[0][1]*deg))
		card("CD2_1", float(tp.CD[1][0]*deg))
		card("CD2_2", float(tp.CD[1][1]*deg))
	}
	if cerr != nil {
		return fmt.Errorf("fits: %s: %w", img.ID(), cerr)
	}
	hdr.WriteString(fmt.Sprintf("%-*s", fitsCardSize, "END"))
	if hdr.Len()%fitsCardSize != 0 {
		return fmt.Errorf("fits: %s: header of %d bytes is not a whole number of cards", img.ID(), hdr.Len())
	}
	pad(&hdr, ' ')

	data := bytes.NewBuffer(make([]byte, 0, len(pix)*8+fitsBlockSize))
	if err := binary.Write(data, binary.BigEndian, pix); err != nil {
		return err
	}
	pad(data, 0)

	if _, err := w.Write(hdr.Bytes()); err != nil {
		return err
	}
	_, err = w.Write(data.Bytes())
	return err
}

// fitsCard formats one 80-byte keyword card. Numbers and logicals that fit
// are right-justified in columns 11-30; strings and longer values start at
// column 11.
func fitsCard(key, value string) (string, error) {
	if len(key) > 8 {
		return "", fmt.Errorf("keyword %q longer than 8 characters", key)
	}
	if len(value) > fitsCardSize-10 {
		return "", fmt.Errorf("value of %s longer than %d characters", key, fitsCardSize-10)
	}
	if !strings.HasPrefix(value, "'") && len(value) < 20 {
		value = fmt.Sprintf("%20s", value)
	}
	return fmt.Sprintf("%-8s= %-70s", key, value), nil
}

// SaveFITS writes img to the named file.
func SaveFITS(ctx context.Context, path string, img Store) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	if err := WriteFITS(ctx, bw, img); err != nil {
		f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func pad(b *bytes.Buffer, fill byte) {
	for b.Len()%fitsBlockSize != 0 {
		b.WriteByte(fill)
	}
}
