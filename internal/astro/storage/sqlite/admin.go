package sqlite

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"

	"github.com/banshee-data/skytrack/internal/astro/report"
	"github.com/banshee-data/skytrack/internal/httputil"
	"github.com/banshee-data/skytrack/internal/monitoring"
)

const defaultRunsLimit = 20

// AttachAdminRoutes mounts the store's debug pages under /debug/ on mux:
// tailsql, run and tracklet listings, the HTML and PNG charts of a run
// (the latest unless ?run= names one) and a gzipped database backup.
func (s *Store) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+filepath.Base(s.path), s.db, &tailsql.DBOptions{
		Label: "Skytrack DB",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("runs", "Recent pipeline runs (JSON, ?limit=)", http.HandlerFunc(s.handleRuns))
	debug.Handle("tracklets", "Tracklets of a run with their detections (JSON, ?run=)", http.HandlerFunc(s.handleTracklets))
	debug.Handle("chart", "Sky-plane chart of a run (HTML, ?run=)", http.HandlerFunc(s.handleChartHTML))
	debug.Handle("chart.png", "Sky-plane chart of a run (PNG, ?run=)", http.HandlerFunc(s.handleChartPNG))
	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(s.handleBackup))
	return nil
}

// runParam resolves the ?run= parameter, defaulting to the latest run.
func (s *Store) runParam(r *http.Request) (string, error) {
	if id := r.URL.Query().Get("run"); id != "" {
		return id, nil
	}
	run, err := s.LatestRun(r.Context())
	if err != nil {
		return "", err
	}
	return run.RunID, nil
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrNotFound) {
		httputil.NotFound(w, err.Error())
		return
	}
	httputil.InternalServerError(w, err.Error())
}

func (s *Store) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			httputil.BadRequest(w, "invalid limit")
			return
		}
		limit = n
	}
	runs, err := s.ListRuns(r.Context(), limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	httputil.WriteJSONOK(w, runs)
}

type trackletResponse struct {
	TrackletRecord
	Detections []DetectionRecord `json:"detections"`
}

func (s *Store) handleTracklets(w http.ResponseWriter, r *http.Request) {
	runID, err := s.runParam(r)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if _, err := s.GetRun(r.Context(), runID); err != nil {
		writeStoreError(w, err)
		return
	}
	tracklets, err := s.ListTracklets(r.Context(), runID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	out := make([]trackletResponse, len(tracklets))
	for i, t := range tracklets {
		ds, err := s.TrackletDetections(r.Context(), t.TrackletID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		out[i] = trackletResponse{TrackletRecord: t, Detections: ds}
	}
	httputil.WriteJSONOK(w, map[string]interface{}{"run_id": runID, "tracklets": out})
}

func (s *Store) chartOf(w http.ResponseWriter, r *http.Request) *report.Chart {
	runID, err := s.runParam(r)
	if err != nil {
		writeStoreError(w, err)
		return nil
	}
	c, err := s.Chart(r.Context(), runID)
	if err != nil {
		writeStoreError(w, err)
		return nil
	}
	return c
}

func (s *Store) handleChartHTML(w http.ResponseWriter, r *http.Request) {
	c := s.chartOf(w, r)
	if c == nil {
		return
	}
	var buf bytes.Buffer
	if err := c.RenderHTML(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func (s *Store) handleChartPNG(w http.ResponseWriter, r *http.Request) {
	c := s.chartOf(w, r)
	if c == nil {
		return
	}
	var buf bytes.Buffer
	if err := c.WritePNG(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}

func (s *Store) handleBackup(w http.ResponseWriter, r *http.Request) {
	dir, err := os.MkdirTemp("", "skytrack-backup-")
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to create backup: %v", err))
		return
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			monitoring.Logf("Failed to remove backup dir: %v", err)
		}
	}()

	name := fmt.Sprintf("backup-%d.db", time.Now().Unix())
	path := filepath.Join(dir, name)
	if _, err := s.db.ExecContext(r.Context(), "VACUUM INTO ?", path); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to create backup: %v", err))
		return
	}
	f, err := os.Open(path)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to open backup file: %v", err))
		return
	}
	defer f.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", name))
	w.Header().Set("Content-Type", "application/gzip")
	gz := gzip.NewWriter(w)
	defer gz.Close()
	if _, err := io.Copy(gz, f); err != nil {
		monitoring.Logf("backup: write: %v", err)
	}
}
