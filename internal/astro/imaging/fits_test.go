package imaging

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/soniakeys/unit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/skytrack/internal/astro/geom"
)

func testCard(key, value string) string {
	return fmt.Sprintf("%-8s= %-70s", key, value)
}

func buildFITS(t *testing.T, cards []string, data any) []byte {
	t.Helper()
	var buf bytes.Buffer
	for _, c := range cards {
		buf.WriteString(c)
	}
	buf.WriteString(fmt.Sprintf("%-80s", "END"))
	for buf.Len()%fitsBlockSize != 0 {
		buf.WriteByte(' ')
	}
	require.NoError(t, binary.Write(&buf, binary.BigEndian, data))
	for buf.Len()%fitsBlockSize != 0 {
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

func TestReadFITS_Int16WithScaling(t *testing.T) {
	t.Parallel()
	raw := buildFITS(t, []string{
		testCard("SIMPLE", "T"),
		testCard("BITPIX", "16"),
		testCard("NAXIS", "2"),
		testCard("NAXIS1", "3"),
		testCard("NAXIS2", "2"),
		testCard("BZERO", "32768"),
		testCard("BSCALE", "1"),
		testCard("DATE-OBS", "'2024-03-05T04:05:06.5' / start"),
		testCard("EXPTIME", "30.0"),
		fmt.Sprintf("%-80s", "COMMENT synthetic frame"),
	}, []int16{-32768, 0, 1, 2, 3, 32767})

	img, hdr, err := ReadFITS(bytes.NewReader(raw), "f1")
	require.NoError(t, err)
	assert.Equal(t, "f1", img.ID())
	assert.Equal(t, 3, img.Bounds().Dx())
	assert.Equal(t, 2, img.Bounds().Dy())
	assert.Equal(t, []float64{0, 32768, 32769, 32770, 32771, 65535}, img.Pixels())
	assert.Equal(t, time.Date(2024, 3, 5, 4, 5, 6, 500000000, time.UTC), img.Time().Epoch)
	assert.Equal(t, 30*time.Second, img.Time().Exposure)
	assert.Nil(t, img.Transform())

	s, ok := hdr.String("DATE-OBS")
	assert.True(t, ok)
	assert.Equal(t, "2024-03-05T04:05:06.5", s)
}

func TestReadFITS_Float32WithWCS(t *testing.T) {
	t.Parallel()
	raw := buildFITS(t, []string{
		testCard("SIMPLE", "T"),
		testCard("BITPIX", "-32"),
		testCard("NAXIS", "2"),
		testCard("NAXIS1", "2"),
		testCard("NAXIS2", "2"),
		testCard("CTYPE1", "'RA---TAN'"),
		testCard("CTYPE2", "'DEC--TAN'"),
		testCard("CRVAL1", "180.0"),
		testCard("CRVAL2", "10.0"),
		testCard("CRPIX1", "1.0"),
		testCard("CRPIX2", "1.0"),
		testCard("CDELT1", "-0.0005"),
		testCard("CDELT2", "0.0005"),
	}, []float32{1.5, 2.5, -3, 4})

	img, _, err := ReadFITS(bytes.NewReader(raw), "f2")
	require.NoError(t, err)
	assert.Equal(t, []float64{1.5, 2.5, -3, 4}, img.Pixels())
	tp, ok := img.Transform().(*TangentPlane)
	require.True(t, ok)
	assert.InDelta(t, 0, tp.RefPixel.X, 1e-12)
	assert.InDelta(t, 0.0005*3600, unit.Angle(tp.LocalScale(tp.RefPixel)).Sec(), 1e-6)
}

func TestReadFITS_Errors(t *testing.T) {
	t.Parallel()
	_, _, err := ReadFITS(strings.NewReader(testCard("NOTFITS", "1")+strings.Repeat(" ", fitsBlockSize-80)), "x")
	assert.Error(t, err)

	raw := buildFITS(t, []string{
		testCard("SIMPLE", "T"),
		testCard("BITPIX", "24"),
		testCard("NAXIS", "2"),
		testCard("NAXIS1", "1"),
		testCard("NAXIS2", "1"),
	}, []uint8{0})
	_, _, err = ReadFITS(bytes.NewReader(raw), "x")
	assert.ErrorContains(t, err, "BITPIX")

	raw = buildFITS(t, []string{
		testCard("SIMPLE", "T"),
		testCard("BITPIX", "8"),
		testCard("NAXIS", "1"),
		testCard("NAXIS1", "4"),
	}, []uint8{0, 1, 2, 3})
	_, _, err = ReadFITS(bytes.NewReader(raw), "x")
	assert.ErrorContains(t, err, "2D")
}

func TestWriteFITS_RoundTrip(t *testing.T) {
	t.Parallel()
	center := Equatorial{RA: unit.AngleFromDeg(150).Rad(), Dec: unit.AngleFromDeg(2).Rad()}
	tp := NewSimpleTangentPlane(center, geom.Point{X: 2, Y: 1.5}, unit.AngleFromSec(1.5))
	obs := ObservationTime{Epoch: time.Date(2024, 3, 1, 2, 3, 4, 250000000, time.UTC), Exposure: 45 * time.Second}
	pix := []float64{0, 1.25, -3, 1e6, 7, 8, 9, 10, 11, 12, 13, 14}
	src, err := NewMemoryImage("src", 4, 3, pix, obs, tp)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteFITS(context.Background(), &buf, src))
	assert.Zero(t, buf.Len()%fitsBlockSize)

	got, hdr, err := ReadFITS(bytes.NewReader(buf.Bytes()), "copy")
	require.NoError(t, err)
	assert.Equal(t, pix, got.Pixels())
	assert.True(t, obs.Epoch.Equal(got.Time().Epoch))
	assert.Equal(t, obs.Exposure, got.Time().Exposure)
	ctype, _ := hdr.String("CTYPE1")
	assert.Equal(t, "RA---TAN", ctype)

	probe := geom.Point{X: 3, Y: 0}
	want := tp.PixelToEquatorial(probe)
	have := got.Transform().PixelToEquatorial(probe)
	assert.Less(t, want.Separation(have).Sec(), 1e-6)
}

func TestSaveFITS(t *testing.T) {
	t.Parallel()
	img, err := NewMemoryImage("plain", 2, 2, []float64{1, 2, 3, 4}, ObservationTime{}, nil)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "plain.fits")
	require.NoError(t, SaveFITS(context.Background(), path, img))

	got, _, err := OpenFITS(path)
	require.NoError(t, err)
	assert.Equal(t, "plain.fits", got.ID())
	assert.Equal(t, []float64{1, 2, 3, 4}, got.Pixels())
	assert.Nil(t, got.Transform())
}

func TestFITSCard(t *testing.T) {
	t.Parallel()
	tests := []struct {
		key, value string
		want       string
	}{
		{"NAXIS", "2", "NAXIS   =                    2"},
		{"DATE-OBS", "'2024-03-01T02:03:04.250'", "DATE-OBS= '2024-03-01T02:03:04.250'"},
		{"CD1_1", "-0.00041666666666666669", "CD1_1   = -0.00041666666666666669"},
	}
	for _, tt := range tests {
		c, err := fitsCard(tt.key, tt.value)
		require.NoError(t, err, tt.key)
		assert.Len(t, c, fitsCardSize, tt.key)
		assert.Equal(t, tt.want, strings.TrimRight(c, " "), tt.key)
	}

	_, err := fitsCard("LONGVALUE", "1")
	assert.Error(t, err)
	_, err = fitsCard("HISTORY", "'"+strings.Repeat("x", 70)+"'")
	assert.Error(t, err)
}

func TestWriteFITS_CardsOnGrid(t *testing.T) {
	t.Parallel()
	// Irrational scale and centre give 17-digit CD and CRVAL values.
	center := Equatorial{RA: 2.1234567891234567, Dec: -0.4123456789123456}
	tp := NewSimpleTangentPlane(center, geom.Point{X: 0.5, Y: 0.5}, unit.AngleFromSec(1.2345678901))
	obs := ObservationTime{Epoch: time.Date(2025, 11, 5, 23, 59, 58, 123000000, time.UTC), Exposure: 30 * time.Second}
	img, err := NewMemoryImage("grid", 2, 2, []float64{1, 2, 3, 4}, obs, tp)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteFITS(context.Background(), &buf, img))
	raw := buf.Bytes()
	end := -1
	for off := 0; off+fitsCardSize <= len(raw); off += fitsCardSize {
		if strings.TrimSpace(string(raw[off:off+8])) == "END" {
			end = off
			break
		}
	}
	require.GreaterOrEqual(t, end, 0, "END card on the 80-byte grid")
	assert.Equal(t, 17*fitsCardSize, end, "one card per keyword")

	got, hdr, err := ReadFITS(bytes.NewReader(raw), "grid")
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3, 4}, got.Pixels())
	assert.True(t, obs.Epoch.Equal(got.Time().Epoch))
	crval, ok := hdr.Float("CRVAL1")
	require.True(t, ok)
	assert.InDelta(t, center.RA*180/math.Pi, crval, 1e-12)
	have := got.Transform().PixelToEquatorial(geom.Point{X: 1, Y: 1})
	want := tp.PixelToEquatorial(geom.Point{X: 1, Y: 1})
	assert.Less(t, want.Separation(have).Sec(), 1e-6)
}
