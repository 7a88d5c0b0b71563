package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/soniakeys/unit"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/skytrack/internal/astro"
	"github.com/banshee-data/skytrack/internal/astro/pipeline"
	"github.com/banshee-data/skytrack/internal/astro/report"
)

// ErrNotFound is returned when a requested run does not exist.
var ErrNotFound = errors.New("sqlite: not found")

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA temp_store=MEMORY",
	"PRAGMA foreign_keys=ON",
}

// Store is a run database.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the database at path and migrates it to the
// latest schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// Pragmas are per connection.
	db.SetMaxOpenConns(1)
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", p, err)
		}
	}
	s := &Store{db: db, path: path}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// TrackletRecord is a stored tracklet.
type TrackletRecord struct {
	TrackletID     string    `json:"tracklet_id"`
	RunID          string    `json:"run_id"`
	Epochs         int       `json:"epochs"`
	ZeroTime       time.Time `json:"zero_time"`
	RASlope        float64   `json:"ra_slope"`
	RAIntercept    float64   `json:"ra_intercept"`
	RASSR          float64   `json:"ra_ssr"`
	DecSlope       float64   `json:"dec_slope"`
	DecIntercept   float64   `json:"dec_intercept"`
	DecSSR         float64   `json:"dec_ssr"`
	VXPixel        float64   `json:"vx_pixel"`
	VYPixel        float64   `json:"vy_pixel"`
	SpeedArcsecMin float64   `json:"speed_arcsec_min"`
}

// DetectionRecord is a stored detection.
type DetectionRecord struct {
	DetectionID  string        `json:"detection_id"`
	RunID        string        `json:"run_id"`
	ImageID      string        `json:"image_id"`
	Mid          time.Time     `json:"mid"`
	Exposure     time.Duration `json:"exposure"`
	X            float64       `json:"x"`
	Y            float64       `json:"y"`
	RA           float64       `json:"ra_deg"`
	Dec          float64       `json:"dec_deg"`
	Flux         float64       `json:"flux"`
	Pixels       int           `json:"pixels"`
	SemiMajor    float64       `json:"semi_major"`
	SemiMinor    float64       `json:"semi_minor"`
	Kind         string        `json:"kind"`
	Algorithm    string        `json:"algorithm"`
	StarPolluted bool          `json:"star_polluted"`
	Epoch        int           `json:"epoch"` // slot in the tracklet, -1 outside one
}

// SaveRun stores a pipeline result in one transaction: the run summary,
// its stars, every detection and the tracklets with their members.
func (s *Store) SaveRun(ctx context.Context, res *pipeline.Result) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save run: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	sum := res.Summary
	if _, err = tx.ExecContext(ctx, `
		INSERT INTO runs (
			run_id, started_at_ns, finished_at_ns, strategy, frames, stars,
			dots, trails, merged, polluted, linked, tracklets, recovered
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sum.RunID, sum.StartedAt.UnixNano(), sum.FinishedAt.UnixNano(), sum.Strategy,
		sum.Frames, sum.Stars, sum.Dots, sum.Trails, sum.Merged, sum.Polluted,
		sum.Linked, sum.Tracklets, sum.Recovered,
	); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for i, st := range res.Stars {
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO stars (run_id, star_index, ra_deg, dec_deg, x, y, radius, flux)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			sum.RunID, i, deg(st.Eq.RA), deg(st.Eq.Dec), st.Pixel.X, st.Pixel.Y, st.Radius, st.Flux,
		); err != nil {
			return fmt.Errorf("insert star %d: %w", i, err)
		}
	}

	saved := make(map[string]bool, len(res.Detections))
	saveDetection := func(d *astro.Detection) error {
		if saved[d.ID] {
			return nil
		}
		saved[d.ID] = true
		_, err := tx.ExecContext(ctx, `
			INSERT INTO detections (
				detection_id, run_id, image_id, mid_ns, exposure_ns, x, y,
				ra_deg, dec_deg, flux, pixels, semi_major, semi_minor,
				kind, algorithm, star_polluted
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			d.ID, sum.RunID, imageID(d), d.Mid().UnixNano(), d.Time.Exposure.Nanoseconds(),
			d.Barycenter.X, d.Barycenter.Y, deg(d.BarycenterEq.RA), deg(d.BarycenterEq.Dec),
			d.Flux, len(d.Pixels), d.Shape.SemiMajor, d.Shape.SemiMinor,
			d.Kind.String(), d.Algorithm, d.StarPolluted,
		)
		if err != nil {
			return fmt.Errorf("insert detection %s: %w", d.ID, err)
		}
		return nil
	}
	for _, d := range res.Detections {
		if err = saveDetection(d); err != nil {
			return err
		}
	}

	for _, t := range res.Tracklets {
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO tracklets (
				tracklet_id, run_id, epochs, zero_time_ns,
				ra_slope, ra_intercept, ra_ssr, dec_slope, dec_intercept, dec_ssr,
				vx_pixel, vy_pixel, speed_arcsec_min
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, sum.RunID, len(t.Present()), t.ZeroTime.UnixNano(),
			t.RAFit.Slope, t.RAFit.Intercept, t.RAFit.SSR,
			t.DecFit.Slope, t.DecFit.Intercept, t.DecFit.SSR,
			t.VelocityPixel.X, t.VelocityPixel.Y, t.AngularSpeed().Sec()*60,
		); err != nil {
			return fmt.Errorf("insert tracklet %s: %w", t.ID, err)
		}
		for epoch, d := range t.Detections {
			if d == nil {
				continue
			}
			// Recovered detections are only reachable through their tracklet.
			if err = saveDetection(d); err != nil {
				return err
			}
			if _, err = tx.ExecContext(ctx,
				`INSERT INTO tracklet_detections (tracklet_id, epoch, detection_id) VALUES (?, ?, ?)`,
				t.ID, epoch, d.ID,
			); err != nil {
				return fmt.Errorf("insert tracklet %s member %d: %w", t.ID, epoch, err)
			}
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit save run: %w", err)
	}
	return nil
}

const runColumns = `run_id, started_at_ns, finished_at_ns, strategy, frames, stars,
	dots, trails, merged, polluted, linked, tracklets, recovered`

func scanRun(row interface{ Scan(...any) error }) (pipeline.Summary, error) {
	var s pipeline.Summary
	var started, finished int64
	err := row.Scan(&s.RunID, &started, &finished, &s.Strategy, &s.Frames, &s.Stars,
		&s.Dots, &s.Trails, &s.Merged, &s.Polluted, &s.Linked, &s.Tracklets, &s.Recovered)
	s.StartedAt = time.Unix(0, started)
	s.FinishedAt = time.Unix(0, finished)
	return s, err
}

// ListRuns returns up to limit runs, newest first. A limit of zero or less
// returns every run.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]pipeline.Summary, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY started_at_ns DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []pipeline.Summary
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetRun returns the summary of one run.
func (s *Store) GetRun(ctx context.Context, runID string) (pipeline.Summary, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return r, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return r, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// LatestRun returns the most recently started run.
func (s *Store) LatestRun(ctx context.Context) (pipeline.Summary, error) {
	runs, err := s.ListRuns(ctx, 1)
	if err != nil {
		return pipeline.Summary{}, err
	}
	if len(runs) == 0 {
		return pipeline.Summary{}, fmt.Errorf("latest run: %w", ErrNotFound)
	}
	return runs[0], nil
}

// ListTracklets returns the tracklets of a run in the order they were saved.
func (s *Store) ListTracklets(ctx context.Context, runID string) ([]TrackletRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tracklet_id, run_id, epochs, zero_time_ns,
		       ra_slope, ra_intercept, ra_ssr, dec_slope, dec_intercept, dec_ssr,
		       vx_pixel, vy_pixel, speed_arcsec_min
		FROM tracklets
		WHERE run_id = ?
		ORDER BY rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("list tracklets: %w", err)
	}
	defer rows.Close()

	var out []TrackletRecord
	for rows.Next() {
		var t TrackletRecord
		var zero int64
		if err := rows.Scan(&t.TrackletID, &t.RunID, &t.Epochs, &zero,
			&t.RASlope, &t.RAIntercept, &t.RASSR, &t.DecSlope, &t.DecIntercept, &t.DecSSR,
			&t.VXPixel, &t.VYPixel, &t.SpeedArcsecMin); err != nil {
			return nil, fmt.Errorf("scan tracklet: %w", err)
		}
		t.ZeroTime = time.Unix(0, zero)
		out = append(out, t)
	}
	return out, rows.Err()
}

const detectionColumns = `d.detection_id, d.run_id, d.image_id, d.mid_ns, d.exposure_ns,
	d.x, d.y, d.ra_deg, d.dec_deg, d.flux, d.pixels, d.semi_major, d.semi_minor,
	d.kind, d.algorithm, d.star_polluted`

func scanDetections(rows *sql.Rows, withEpoch bool) ([]DetectionRecord, error) {
	defer rows.Close()
	var out []DetectionRecord
	for rows.Next() {
		var d DetectionRecord
		var mid, exposure int64
		dest := []any{&d.DetectionID, &d.RunID, &d.ImageID, &mid, &exposure,
			&d.X, &d.Y, &d.RA, &d.Dec, &d.Flux, &d.Pixels, &d.SemiMajor, &d.SemiMinor,
			&d.Kind, &d.Algorithm, &d.StarPolluted}
		d.Epoch = -1
		if withEpoch {
			dest = append(dest, &d.Epoch)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan detection: %w", err)
		}
		d.Mid = time.Unix(0, mid)
		d.Exposure = time.Duration(exposure)
		out = append(out, d)
	}
	return out, rows.Err()
}

// ListDetections returns every detection of a run in time order.
func (s *Store) ListDetections(ctx context.Context, runID string) ([]DetectionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+detectionColumns+`
		FROM detections d
		WHERE d.run_id = ?
		ORDER BY d.mid_ns, d.rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("list detections: %w", err)
	}
	return scanDetections(rows, false)
}

// TrackletDetections returns the members of a tracklet in epoch order.
func (s *Store) TrackletDetections(ctx context.Context, trackletID string) ([]DetectionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+detectionColumns+`, td.epoch
		FROM tracklet_detections td
		JOIN detections d ON d.detection_id = td.detection_id
		WHERE td.tracklet_id = ?
		ORDER BY td.epoch`, trackletID)
	if err != nil {
		return nil, fmt.Errorf("tracklet detections: %w", err)
	}
	return scanDetections(rows, true)
}

// DeleteRun removes a run with everything stored for it.
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM runs WHERE run_id = ?", runID)
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete run rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return nil
}

// Chart builds the report chart of a stored run.
func (s *Store) Chart(ctx context.Context, runID string) (*report.Chart, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	dets, err := s.ListDetections(ctx, runID)
	if err != nil {
		return nil, err
	}
	tracklets, err := s.ListTracklets(ctx, runID)
	if err != nil {
		return nil, err
	}

	c := &report.Chart{
		Title:      "Run " + run.RunID,
		Subtitle:   fmt.Sprintf("%d frames, %d detections, %d tracklets", run.Frames, len(dets), len(tracklets)),
		Detections: make([]report.Point, len(dets)),
		Tracks:     make([]report.Track, 0, len(tracklets)),
	}
	for i, d := range dets {
		c.Detections[i] = report.Point{RA: d.RA, Dec: d.Dec}
	}
	for _, t := range tracklets {
		members, err := s.TrackletDetections(ctx, t.TrackletID)
		if err != nil {
			return nil, err
		}
		tr := report.Track{ID: t.TrackletID, SpeedArcsecMin: t.SpeedArcsecMin, Points: make([]report.Point, len(members))}
		for i, d := range members {
			tr.Points[i] = report.Point{RA: d.RA, Dec: d.Dec}
		}
		c.Tracks = append(c.Tracks, tr)
	}
	return c, nil
}

func deg(rad float64) float64 { return unit.Angle(rad).Deg() }

func imageID(d *astro.Detection) string {
	if d.Image == nil {
		return ""
	}
	return d.Image.ID()
}
