package pairing

import (
	"fmt"
	"time"

	"github.com/soniakeys/unit"

	"github.com/banshee-data/skytrack/internal/config"
)

// Strategy names accepted by NewFinder.
const (
	StrategyLine   = config.StrategyLine
	StrategyMerger = config.StrategyMerger
)

// Config holds the linking thresholds. Velocities are angles per minute.
type Config struct {
	MaxVelocity   unit.Angle
	MinVelocity   unit.Angle // dot pairs of PoolMDMerger only
	AngularError  unit.Angle // three-point collinearity budget
	SearchExtra   unit.Angle // padding of every predicted search radius
	TimeTolerance time.Duration

	// AngleDistanceDifferenceThreshold bounds orientation differences
	// between trails, and between a trail and its motion, in radians.
	AngleDistanceDifferenceThreshold float64
	// TrailLengthTolerance is the relative length mismatch allowed
	// between paired trails.
	TrailLengthTolerance float64
}

// DefaultConfig returns a Config built from the tuning defaults.
func DefaultConfig() Config {
	return ConfigFromTuning(config.EmptyTuningConfig())
}

// ConfigFromTuning builds a Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		MaxVelocity:                      unit.AngleFromSec(cfg.GetPairMaxVelocity()),
		MinVelocity:                      unit.AngleFromSec(cfg.GetPairMinVelocity()),
		AngularError:                     unit.AngleFromSec(cfg.GetPairAngularError()),
		SearchExtra:                      unit.AngleFromSec(cfg.GetPairSearchExtra()),
		TimeTolerance:                    cfg.GetPairTimeTolerance(),
		AngleDistanceDifferenceThreshold: unit.AngleFromDeg(cfg.GetAngleDistanceDifferenceThreshold()).Rad(),
		TrailLengthTolerance:             cfg.GetTrailLengthTolerance(),
	}
}

func (c Config) String() string {
	return fmt.Sprintf("velocity %.3g..%.3g\"/min, error %.3g\", extra %.3g\", time ±%v",
		c.MinVelocity.Sec(), c.MaxVelocity.Sec(), c.AngularError.Sec(), c.SearchExtra.Sec(), c.TimeTolerance)
}

// PrePairConfig configures MatchDetections.
type PrePairConfig struct {
	// MaxDistance is the largest pixel gap between two fragments that
	// may still be one object.
	MaxDistance float64
}

// PrePairConfigFromTuning builds a PrePairConfig from a loaded TuningConfig.
func PrePairConfigFromTuning(cfg *config.TuningConfig) PrePairConfig {
	return PrePairConfig{MaxDistance: cfg.GetPrePairMaxDistance()}
}

// DedupConfig configures Deduplicate.
type DedupConfig struct {
	// Separation is the largest distance at which two detections of
	// different tracklets count as the same.
	Separation unit.Angle
}

// DedupConfigFromTuning builds a DedupConfig from a loaded TuningConfig.
func DedupConfigFromTuning(cfg *config.TuningConfig) DedupConfig {
	return DedupConfig{Separation: unit.AngleFromSec(cfg.GetDedupSeparation())}
}
