package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// Every value in it matches the fallback returned by the corresponding
// Get* method, so an empty config and the defaults file behave alike.
const DefaultConfigPath = "config/tuning.defaults.json"

// Pairing strategies accepted by pair_strategy.
const (
	StrategyLine   = "line"
	StrategyMerger = "merger"
)

// TuningConfig is the root configuration of the detection and linking
// pipeline. Every field is optional; Get* methods supply defaults.
// Angular quantities are arcseconds, distances are pixels.
type TuningConfig struct {
	// Scheduler
	Workers    *int  `json:"workers,omitempty"` // 0 = hardware parallelism
	Serial     *bool `json:"serial,omitempty"`
	TileStep   *int  `json:"tile_step,omitempty"`
	TileMargin *int  `json:"tile_margin,omitempty"`

	// Background subtraction with the per-pixel median of the frame set
	MedianSubtract *bool `json:"median_subtract,omitempty"`

	// Dot detector
	NonrepresentativeThreshold *float64 `json:"nonrepresentative_threshold,omitempty"`
	DotHighMultiplier          *float64 `json:"dot_high_multiplier,omitempty"`
	DotLowMultiplier           *float64 `json:"dot_low_multiplier,omitempty"`
	DotMinPixels               *int     `json:"dot_min_pixels,omitempty"`

	// RLHT line scoring and scan
	RLHTIncreasingMultiplier *float64 `json:"rlht_increasing_multiplier,omitempty"`
	RLHTMaxMultiplier        *float64 `json:"rlht_max_multiplier,omitempty"`
	RLHTMaxRatio             *float64 `json:"rlht_max_ratio,omitempty"`
	RLHTDefaultRatio         *float64 `json:"rlht_default_ratio,omitempty"`
	RLHTLongAvgLength        *int     `json:"rlht_long_avg_length,omitempty"`
	RLHTLineSkip             *int     `json:"rlht_line_skip,omitempty"`
	RLHTScanSkip             *int     `json:"rlht_scan_skip,omitempty"`
	RLHTStrongMultiplier     *float64 `json:"rlht_strong_multiplier,omitempty"`

	// Long trail detector
	TrailSelectMultiplier     *float64 `json:"trail_select_multiplier,omitempty"`
	TrailDropMultiplier       *float64 `json:"trail_drop_multiplier,omitempty"`
	TrailMaxInterblobDistance *float64 `json:"trail_max_interblob_distance,omitempty"`
	TrailMinPixels            *int     `json:"trail_min_pixels,omitempty"`
	TrailDropCrowded          *bool    `json:"trail_drop_crowded,omitempty"`

	// Cross-frame pairing
	PairMaxVelocity                  *float64 `json:"pair_max_velocity_arcsec_per_min,omitempty"`
	PairMinVelocity                  *float64 `json:"pair_min_velocity_arcsec_per_min,omitempty"`
	PairAngularError                 *float64 `json:"pair_angular_error_arcsec,omitempty"`
	PairSearchExtra                  *float64 `json:"pair_search_extra_arcsec,omitempty"`
	PairTimeTolerance                *string  `json:"pair_time_tolerance,omitempty"` // duration string like "100ms"
	PairStrategy                     *string  `json:"pair_strategy,omitempty"`
	AngleDistanceDifferenceThreshold *float64 `json:"angle_distance_difference_threshold,omitempty"` // degrees
	TrailLengthTolerance             *float64 `json:"trail_length_tolerance,omitempty"`

	// Same-frame merge, deduplication, recovery, star mask
	PrePairMaxDistance     *float64 `json:"prepair_max_distance,omitempty"`
	DedupSeparation        *float64 `json:"dedup_separation_arcsec,omitempty"`
	RecoverRadius          *float64 `json:"recover_radius,omitempty"`
	RecoverMaxCrossMatches *int     `json:"recover_max_cross_matches,omitempty"`
	RecoverFluxTolerance   *float64 `json:"recover_flux_tolerance,omitempty"`
	StarExtraRadius        *float64 `json:"star_extra_radius,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from the defaults file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
// Fields omitted from the JSON file retain their default values, so
// partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,          // from internal/config/
		"../../../" + DefaultConfigPath,       // from internal/astro/detect/
		"../../../../" + DefaultConfigPath,    // from internal/astro/storage/sqlite/
		"../../../../../" + DefaultConfigPath, // even deeper
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	nonNegInt := map[string]*int{
		"workers":                   c.Workers,
		"tile_margin":               c.TileMargin,
		"dot_min_pixels":            c.DotMinPixels,
		"trail_min_pixels":          c.TrailMinPixels,
		"recover_max_cross_matches": c.RecoverMaxCrossMatches,
	}
	for key, v := range nonNegInt {
		if v != nil && *v < 0 {
			return fmt.Errorf("%s must be non-negative, got %d", key, *v)
		}
	}

	positiveInt := map[string]*int{
		"tile_step":            c.TileStep,
		"rlht_long_avg_length": c.RLHTLongAvgLength,
		"rlht_line_skip":       c.RLHTLineSkip,
		"rlht_scan_skip":       c.RLHTScanSkip,
	}
	for key, v := range positiveInt {
		if v != nil && *v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", key, *v)
		}
	}

	positiveFloat := map[string]*float64{
		"nonrepresentative_threshold":      c.NonrepresentativeThreshold,
		"rlht_increasing_multiplier":       c.RLHTIncreasingMultiplier,
		"rlht_max_multiplier":              c.RLHTMaxMultiplier,
		"rlht_strong_multiplier":           c.RLHTStrongMultiplier,
		"pair_max_velocity_arcsec_per_min": c.PairMaxVelocity,
		"pair_angular_error_arcsec":        c.PairAngularError,
		"dedup_separation_arcsec":          c.DedupSeparation,
		"recover_radius":                   c.RecoverRadius,
	}
	for key, v := range positiveFloat {
		if v != nil && *v <= 0 {
			return fmt.Errorf("%s must be positive, got %f", key, *v)
		}
	}

	nonNegFloat := map[string]*float64{
		"pair_min_velocity_arcsec_per_min":    c.PairMinVelocity,
		"pair_search_extra_arcsec":            c.PairSearchExtra,
		"trail_max_interblob_distance":        c.TrailMaxInterblobDistance,
		"angle_distance_difference_threshold": c.AngleDistanceDifferenceThreshold,
		"trail_length_tolerance":              c.TrailLengthTolerance,
		"prepair_max_distance":                c.PrePairMaxDistance,
		"recover_flux_tolerance":              c.RecoverFluxTolerance,
		"star_extra_radius":                   c.StarExtraRadius,
	}
	for key, v := range nonNegFloat {
		if v != nil && *v < 0 {
			return fmt.Errorf("%s must be non-negative, got %f", key, *v)
		}
	}

	for key, v := range map[string]*float64{
		"rlht_max_ratio":     c.RLHTMaxRatio,
		"rlht_default_ratio": c.RLHTDefaultRatio,
	} {
		if v != nil && (*v < 0 || *v >= 1) {
			return fmt.Errorf("%s must be in [0, 1), got %f", key, *v)
		}
	}
	if c.GetRLHTDefaultRatio() > c.GetRLHTMaxRatio() {
		return fmt.Errorf("rlht_default_ratio %f exceeds rlht_max_ratio %f", c.GetRLHTDefaultRatio(), c.GetRLHTMaxRatio())
	}
	if c.GetDotLowMultiplier() > c.GetDotHighMultiplier() {
		return fmt.Errorf("dot_low_multiplier %f exceeds dot_high_multiplier %f", c.GetDotLowMultiplier(), c.GetDotHighMultiplier())
	}
	if c.GetTrailDropMultiplier() > c.GetTrailSelectMultiplier() {
		return fmt.Errorf("trail_drop_multiplier %f exceeds trail_select_multiplier %f", c.GetTrailDropMultiplier(), c.GetTrailSelectMultiplier())
	}
	if c.GetPairMinVelocity() > c.GetPairMaxVelocity() {
		return fmt.Errorf("pair_min_velocity_arcsec_per_min %f exceeds pair_max_velocity_arcsec_per_min %f", c.GetPairMinVelocity(), c.GetPairMaxVelocity())
	}

	if c.PairTimeTolerance != nil && *c.PairTimeTolerance != "" {
		if _, err := time.ParseDuration(*c.PairTimeTolerance); err != nil {
			return fmt.Errorf("invalid pair_time_tolerance '%s': %w", *c.PairTimeTolerance, err)
		}
	}
	if c.PairStrategy != nil {
		switch *c.PairStrategy {
		case StrategyLine, StrategyMerger:
		default:
			return fmt.Errorf("pair_strategy must be %q or %q, got %q", StrategyLine, StrategyMerger, *c.PairStrategy)
		}
	}
	return nil
}

// GetWorkers returns the workers value or the default (0, hardware parallelism).
func (c *TuningConfig) GetWorkers() int {
	if c.Workers == nil {
		return 0
	}
	return *c.Workers
}

// GetSerial returns the serial value or the default.
func (c *TuningConfig) GetSerial() bool {
	if c.Serial == nil {
		return false
	}
	return *c.Serial
}

// GetTileStep returns the tile_step value or the default.
func (c *TuningConfig) GetTileStep() int {
	if c.TileStep == nil {
		return 256
	}
	return *c.TileStep
}

// GetTileMargin returns the tile_margin value or the default.
func (c *TuningConfig) GetTileMargin() int {
	if c.TileMargin == nil {
		return 8
	}
	return *c.TileMargin
}

// GetMedianSubtract returns the median_subtract value or the default.
func (c *TuningConfig) GetMedianSubtract() bool {
	if c.MedianSubtract == nil {
		return true
	}
	return *c.MedianSubtract
}

// GetNonrepresentativeThreshold returns the nonrepresentative_threshold value or the default.
func (c *TuningConfig) GetNonrepresentativeThreshold() float64 {
	if c.NonrepresentativeThreshold == nil {
		return 30000
	}
	return *c.NonrepresentativeThreshold
}

// GetDotHighMultiplier returns the dot_high_multiplier value or the default.
func (c *TuningConfig) GetDotHighMultiplier() float64 {
	if c.DotHighMultiplier == nil {
		return 5.0
	}
	return *c.DotHighMultiplier
}

// GetDotLowMultiplier returns the dot_low_multiplier value or the default.
func (c *TuningConfig) GetDotLowMultiplier() float64 {
	if c.DotLowMultiplier == nil {
		return 2.5
	}
	return *c.DotLowMultiplier
}

// GetDotMinPixels returns the dot_min_pixels value or the default.
func (c *TuningConfig) GetDotMinPixels() int {
	if c.DotMinPixels == nil {
		return 5
	}
	return *c.DotMinPixels
}

// GetRLHTIncreasingMultiplier returns the rlht_increasing_multiplier value or the default.
func (c *TuningConfig) GetRLHTIncreasingMultiplier() float64 {
	if c.RLHTIncreasingMultiplier == nil {
		return 1.5
	}
	return *c.RLHTIncreasingMultiplier
}

// GetRLHTMaxMultiplier returns the rlht_max_multiplier value or the default.
func (c *TuningConfig) GetRLHTMaxMultiplier() float64 {
	if c.RLHTMaxMultiplier == nil {
		return 5.0
	}
	return *c.RLHTMaxMultiplier
}

// GetRLHTMaxRatio returns the rlht_max_ratio value or the default.
func (c *TuningConfig) GetRLHTMaxRatio() float64 {
	if c.RLHTMaxRatio == nil {
		return 0.98
	}
	return *c.RLHTMaxRatio
}

// GetRLHTDefaultRatio returns the rlht_default_ratio value or the default.
func (c *TuningConfig) GetRLHTDefaultRatio() float64 {
	if c.RLHTDefaultRatio == nil {
		return 0.7
	}
	return *c.RLHTDefaultRatio
}

// GetRLHTLongAvgLength returns the rlht_long_avg_length value or the default.
func (c *TuningConfig) GetRLHTLongAvgLength() int {
	if c.RLHTLongAvgLength == nil {
		return 10
	}
	return *c.RLHTLongAvgLength
}

// GetRLHTLineSkip returns the rlht_line_skip value or the default.
func (c *TuningConfig) GetRLHTLineSkip() int {
	if c.RLHTLineSkip == nil {
		return 1
	}
	return *c.RLHTLineSkip
}

// GetRLHTScanSkip returns the rlht_scan_skip value or the default.
func (c *TuningConfig) GetRLHTScanSkip() int {
	if c.RLHTScanSkip == nil {
		return 3
	}
	return *c.RLHTScanSkip
}

// GetRLHTStrongMultiplier returns the rlht_strong_multiplier value or the default.
func (c *TuningConfig) GetRLHTStrongMultiplier() float64 {
	if c.RLHTStrongMultiplier == nil {
		return 4.0
	}
	return *c.RLHTStrongMultiplier
}

// GetTrailSelectMultiplier returns the trail_select_multiplier value or the default.
func (c *TuningConfig) GetTrailSelectMultiplier() float64 {
	if c.TrailSelectMultiplier == nil {
		return 3.0
	}
	return *c.TrailSelectMultiplier
}

// GetTrailDropMultiplier returns the trail_drop_multiplier value or the default.
func (c *TuningConfig) GetTrailDropMultiplier() float64 {
	if c.TrailDropMultiplier == nil {
		return 1.5
	}
	return *c.TrailDropMultiplier
}

// GetTrailMaxInterblobDistance returns the trail_max_interblob_distance value or the default.
func (c *TuningConfig) GetTrailMaxInterblobDistance() float64 {
	if c.TrailMaxInterblobDistance == nil {
		return 8
	}
	return *c.TrailMaxInterblobDistance
}

// GetTrailMinPixels returns the trail_min_pixels value or the default.
func (c *TuningConfig) GetTrailMinPixels() int {
	if c.TrailMinPixels == nil {
		return 10
	}
	return *c.TrailMinPixels
}

// GetTrailDropCrowded returns the trail_drop_crowded value or the default.
func (c *TuningConfig) GetTrailDropCrowded() bool {
	if c.TrailDropCrowded == nil {
		return true
	}
	return *c.TrailDropCrowded
}

// GetPairMaxVelocity returns the pair_max_velocity_arcsec_per_min value or the default.
func (c *TuningConfig) GetPairMaxVelocity() float64 {
	if c.PairMaxVelocity == nil {
		return 60
	}
	return *c.PairMaxVelocity
}

// GetPairMinVelocity returns the pair_min_velocity_arcsec_per_min value or the default.
func (c *TuningConfig) GetPairMinVelocity() float64 {
	if c.PairMinVelocity == nil {
		return 0.02
	}
	return *c.PairMinVelocity
}

// GetPairAngularError returns the pair_angular_error_arcsec value or the default.
func (c *TuningConfig) GetPairAngularError() float64 {
	if c.PairAngularError == nil {
		return 2.0
	}
	return *c.PairAngularError
}

// GetPairSearchExtra returns the pair_search_extra_arcsec value or the default.
func (c *TuningConfig) GetPairSearchExtra() float64 {
	if c.PairSearchExtra == nil {
		return 1.0
	}
	return *c.PairSearchExtra
}

// GetPairTimeTolerance parses and returns the pair_time_tolerance as a time.Duration.
func (c *TuningConfig) GetPairTimeTolerance() time.Duration {
	if c.PairTimeTolerance == nil || *c.PairTimeTolerance == "" {
		return 100 * time.Millisecond // default
	}
	d, err := time.ParseDuration(*c.PairTimeTolerance)
	if err != nil {
		return 100 * time.Millisecond // default on parse error
	}
	return d
}

// GetPairStrategy returns the pair_strategy value or the default.
func (c *TuningConfig) GetPairStrategy() string {
	if c.PairStrategy == nil {
		return StrategyLine
	}
	return *c.PairStrategy
}

// GetAngleDistanceDifferenceThreshold returns the angle_distance_difference_threshold value (degrees) or the default.
func (c *TuningConfig) GetAngleDistanceDifferenceThreshold() float64 {
	if c.AngleDistanceDifferenceThreshold == nil {
		return 15
	}
	return *c.AngleDistanceDifferenceThreshold
}

// GetTrailLengthTolerance returns the trail_length_tolerance value or the default.
func (c *TuningConfig) GetTrailLengthTolerance() float64 {
	if c.TrailLengthTolerance == nil {
		return 0.5
	}
	return *c.TrailLengthTolerance
}

// GetPrePairMaxDistance returns the prepair_max_distance value or the default.
func (c *TuningConfig) GetPrePairMaxDistance() float64 {
	if c.PrePairMaxDistance == nil {
		return 10
	}
	return *c.PrePairMaxDistance
}

// GetDedupSeparation returns the dedup_separation_arcsec value or the default.
func (c *TuningConfig) GetDedupSeparation() float64 {
	if c.DedupSeparation == nil {
		return 1.0
	}
	return *c.DedupSeparation
}

// GetRecoverRadius returns the recover_radius value or the default.
func (c *TuningConfig) GetRecoverRadius() float64 {
	if c.RecoverRadius == nil {
		return 5
	}
	return *c.RecoverRadius
}

// GetRecoverMaxCrossMatches returns the recover_max_cross_matches value or the default.
func (c *TuningConfig) GetRecoverMaxCrossMatches() int {
	if c.RecoverMaxCrossMatches == nil {
		return 1
	}
	return *c.RecoverMaxCrossMatches
}

// GetRecoverFluxTolerance returns the recover_flux_tolerance value or the default.
func (c *TuningConfig) GetRecoverFluxTolerance() float64 {
	if c.RecoverFluxTolerance == nil {
		return 1.0
	}
	return *c.RecoverFluxTolerance
}

// GetStarExtraRadius returns the star_extra_radius value or the default.
func (c *TuningConfig) GetStarExtraRadius() float64 {
	if c.StarExtraRadius == nil {
		return 2
	}
	return *c.StarExtraRadius
}
