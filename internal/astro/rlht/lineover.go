package rlht

import (
	"math"

	"github.com/banshee-data/skytrack/internal/config"
)

// LineParams controls the per-line score.
type LineParams struct {
	ZeroLevel           float64 // background level subtracted from every sample
	IncreasingThreshold float64 // brightness unit; usually a multiple of the background σ
	MaxMultiplier       float64 // samples are clipped at MaxMultiplier*IncreasingThreshold
	MaxRatio            float64 // decay factor of the long value for sustained brightness
	DefaultRatio        float64 // decay factor of the long value over background
	LongAvgLength       int
	LineSkip            int // sampling step along the line in pixels
}

// ScanParams controls SmartSkip.
type ScanParams struct {
	ScanSkip         int
	StrongMultiplier float64
}

// Config bundles the tunable line and scan parameters. ZeroLevel and
// IncreasingThreshold are derived per tile from IncreasingMultiplier.
type Config struct {
	IncreasingMultiplier float64
	Line                 LineParams
	Scan                 ScanParams
}

// DefaultConfig returns a Config built from the tuning defaults.
func DefaultConfig() Config {
	return ConfigFromTuning(config.EmptyTuningConfig())
}

// ConfigFromTuning builds a Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		IncreasingMultiplier: cfg.GetRLHTIncreasingMultiplier(),
		Line: LineParams{
			MaxMultiplier: cfg.GetRLHTMaxMultiplier(),
			MaxRatio:      cfg.GetRLHTMaxRatio(),
			DefaultRatio:  cfg.GetRLHTDefaultRatio(),
			LongAvgLength: cfg.GetRLHTLongAvgLength(),
			LineSkip:      cfg.GetRLHTLineSkip(),
		},
		Scan: ScanParams{
			ScanSkip:         cfg.GetRLHTScanSkip(),
			StrongMultiplier: cfg.GetRLHTStrongMultiplier(),
		},
	}
}

// ForBackground returns a copy of p with the zero level and brightness
// unit set from a tile's background statistics.
func (p LineParams) ForBackground(mean, sigma, increasingMultiplier float64) LineParams {
	p.ZeroLevel = mean
	p.IncreasingThreshold = sigma * increasingMultiplier
	if p.IncreasingThreshold <= 0 {
		p.IncreasingThreshold = math.SmallestNonzeroFloat64
	}
	return p
}

// ring is a fixed-length rolling sum.
type ring struct {
	buf   []float64
	next  int
	count int
	sum   float64
}

func (r *ring) reset(n int) {
	if cap(r.buf) < n {
		r.buf = make([]float64, n)
	}
	r.buf = r.buf[:n]
	clear(r.buf)
	r.next, r.count, r.sum = 0, 0, 0
}

func (r *ring) push(v float64) {
	if r.count == len(r.buf) {
		r.sum -= r.buf[r.next]
	} else {
		r.count++
	}
	r.buf[r.next] = v
	r.sum += v
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
	}
}

func (r *ring) mean() float64 { return r.sum / float64(r.count) }

// saturate maps a non-negative ratio into [0, 1).
func saturate(r float64) float64 {
	if r <= 0 {
		return 0
	}
	return r / (1 + r)
}

// rescale maps the decayed long value into [0.5, 6.5].
func rescale(longValue, unit float64) float64 {
	return 3.5 + (6/math.Pi)*math.Atan(longValue/unit)
}

// Lineover scores the line l over a w×h tile of row-major pixels. Every
// sample is clipped and fed to a long rolling average, and the long value
// decays with a weight between DefaultRatio and MaxRatio that grows with
// the long average. Each step adds the clipped sample times the
// arctangent rescale of the long value, so sustained brightness scores far
// higher than an isolated spike. Lines missing the tile, or with fewer than
// 2*LongAvgLength samples inside it, score 0. The second result is the
// in-tile length in pixels.
func Lineover(pix []float64, w, h int, l Line, p LineParams, a *Arena) (score, length float64) {
	s, ok := Clip(w, h, l)
	if !ok {
		return 0, 0
	}
	step := float64(max(p.LineSkip, 1))
	if s.SampleCount(step) < 2*p.LongAvgLength {
		return 0, s.Length()
	}

	long := &a.long
	long.reset(max(p.LongAvgLength, 1))

	ceiling := p.MaxMultiplier * p.IncreasingThreshold
	var longValue float64
	s.Walk(w, h, step, func(x, y int) bool {
		v := math.Min(pix[y*w+x]-p.ZeroLevel, ceiling)
		long.push(v)
		weight := p.DefaultRatio + (p.MaxRatio-p.DefaultRatio)*saturate(long.mean()/p.IncreasingThreshold)
		longValue = weight*longValue + v
		score += v * rescale(longValue, p.IncreasingThreshold)
		return true
	})
	return score, s.Length()
}

// StrongThreshold is the score a line of the given in-tile length must
// reach to count as strong. Lines shorter than half the tile diagonal are
// judged as if they were sqrt(length*diag/2) long, which raises the bar
// for short noisy segments.
func StrongThreshold(length float64, diag int, increasingThreshold, strongMultiplier float64) float64 {
	half := float64(diag) / 2
	eff := length
	if length < half {
		eff = math.Sqrt(length * half)
	}
	return strongMultiplier * increasingThreshold * eff
}
