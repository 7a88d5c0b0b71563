// Command skytrack detects moving objects in a sequence of FITS frames
// and links them into tracklets.
//
//	skytrack [flags] frame1.fits frame2.fits ...
//
// Results are printed to stdout; -db stores them, -out writes charts and
// background-subtracted frames, and -listen serves the stored runs on
// the /debug/ admin pages until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"maps"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/skytrack/internal/astro/debug"
	"github.com/banshee-data/skytrack/internal/astro/detect"
	"github.com/banshee-data/skytrack/internal/astro/imaging"
	"github.com/banshee-data/skytrack/internal/astro/pairing"
	"github.com/banshee-data/skytrack/internal/astro/pipeline"
	"github.com/banshee-data/skytrack/internal/astro/report"
	"github.com/banshee-data/skytrack/internal/astro/rlht"
	"github.com/banshee-data/skytrack/internal/astro/sched"
	"github.com/banshee-data/skytrack/internal/astro/storage/sqlite"
	"github.com/banshee-data/skytrack/internal/config"
	"github.com/banshee-data/skytrack/internal/monitoring"
	"github.com/banshee-data/skytrack/internal/version"
)

// errUsage is returned for invalid command lines after printing usage.
var errUsage = errors.New("usage")

type options struct {
	configPath string
	dbPath     string
	outDir     string
	workers    int
	serial     bool
	strategy   string
	listen     string
	debugLog   string
	version    bool
	frames     []string
	set        map[string]bool
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	fs := flag.NewFlagSet("skytrack", flag.ContinueOnError)
	fs.SetOutput(stderr)
	o := &options{}
	fs.StringVar(&o.configPath, "config", "", "Tuning config JSON (defaults apply when empty)")
	fs.StringVar(&o.dbPath, "db", "", "SQLite database to store the run in")
	fs.StringVar(&o.outDir, "out", "", "Directory for charts and background-subtracted frames")
	fs.IntVar(&o.workers, "workers", 0, "Scheduler workers (0 = GOMAXPROCS; overrides config)")
	fs.BoolVar(&o.serial, "serial", false, "Run tiles on one worker (overrides config)")
	fs.StringVar(&o.strategy, "strategy", "", "Pairing strategy: line or merger (overrides config)")
	fs.StringVar(&o.listen, "listen", "", "Serve the admin pages on this address after the run (requires -db)")
	fs.StringVar(&o.debugLog, "debug-log", "", "File for diag/trace logs and linking rejections")
	fs.BoolVar(&o.version, "version", false, "Print version and exit")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: skytrack [flags] frame.fits...\n\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	o.frames = fs.Args()
	o.set = map[string]bool{}
	fs.Visit(func(f *flag.Flag) { o.set[f.Name] = true })

	if o.version {
		return o, nil
	}
	if len(o.frames) == 0 {
		fs.Usage()
		return nil, fmt.Errorf("%w: no frames given", errUsage)
	}
	if o.listen != "" && o.dbPath == "" {
		return nil, fmt.Errorf("%w: -listen requires -db", errUsage)
	}
	return o, nil
}

// tuning loads the config file and applies the flag overrides.
func (o *options) tuning() (*config.TuningConfig, error) {
	cfg := config.EmptyTuningConfig()
	if o.configPath != "" {
		var err error
		if cfg, err = config.LoadTuningConfig(o.configPath); err != nil {
			return nil, err
		}
	}
	if o.set["workers"] {
		cfg.Workers = &o.workers
	}
	if o.set["serial"] {
		cfg.Serial = &o.serial
	}
	if o.set["strategy"] {
		cfg.PairStrategy = &o.strategy
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// setupLogging routes the three streams of every package. Ops always goes
// to stderr; diag goes to the debug log when one is given and to stderr
// otherwise; trace is only written to the debug log.
func setupLogging(stderr, debugLog io.Writer) {
	ops, diag := stderr, stderr
	var trace io.Writer
	if debugLog != nil {
		ops = io.MultiWriter(stderr, debugLog)
		diag, trace = debugLog, debugLog
	}
	sched.SetLogWriters(ops, diag, trace)
	rlht.SetLogWriters(ops, diag, trace)
	detect.SetLogWriters(ops, diag, trace)
	pairing.SetLogWriters(ops, diag, trace)
	pipeline.SetLogWriters(ops, diag, trace)
	monitoring.SetLogger(log.New(ops, "[skytrack] ", log.LstdFlags).Printf)
}

// loadFrames reads the FITS files concurrently, keeping argument order.
func loadFrames(ctx context.Context, paths []string, workers int) ([]imaging.Store, error) {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	frames := make([]imaging.Store, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, p := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			img, _, err := imaging.OpenFITS(p)
			if err != nil {
				return err
			}
			if img.Transform() == nil {
				return fmt.Errorf("%s: no TAN WCS in header", p)
			}
			frames[i] = img
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return frames, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	o, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	if o.version {
		fmt.Fprintln(stdout, "skytrack", version.String())
		return nil
	}
	cfg, err := o.tuning()
	if err != nil {
		return err
	}

	var collector *debug.Collector
	var debugLog io.Writer
	if o.debugLog != "" {
		f, err := os.Create(o.debugLog)
		if err != nil {
			return fmt.Errorf("debug log: %w", err)
		}
		defer f.Close()
		debugLog = f
		collector = debug.NewCollector()
		collector.SetEnabled(true)
		collector.SetSink(f)
	}
	setupLogging(stderr, debugLog)

	frames, err := loadFrames(ctx, o.frames, cfg.GetWorkers())
	if err != nil {
		return err
	}
	res, err := pipeline.Run(ctx, frames, pipeline.Options{Tuning: cfg, Collector: collector})
	if err != nil {
		return err
	}
	printResult(stdout, res)
	if r := collector.Emit(); r != nil {
		counts := r.Summary()
		for _, stage := range slices.Sorted(maps.Keys(counts)) {
			c := counts[stage]
			fmt.Fprintf(debugLog, "[%s] %s: %d accepted, %d rejected\n", r.RunID, stage, c.Accepted, c.Rejected)
		}
	}

	if o.outDir != "" {
		if err := writeOutputs(ctx, o.outDir, frames, res); err != nil {
			return err
		}
	}
	if o.dbPath == "" {
		return nil
	}
	store, err := sqlite.Open(o.dbPath)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.SaveRun(ctx, res); err != nil {
		return err
	}
	monitoring.Logf("saved run %s to %s", res.Summary.RunID, o.dbPath)
	if o.listen != "" {
		return serve(ctx, o.listen, store)
	}
	return nil
}

func printResult(w io.Writer, res *pipeline.Result) {
	fmt.Fprintln(w, res.Summary)
	for _, t := range res.Tracklets {
		fmt.Fprintln(w, " ", t)
		for _, d := range t.Present() {
			fmt.Fprintf(w, "    %s %s\n", d.Mid().UTC().Format(time.RFC3339Nano), d)
		}
	}
}

// writeOutputs writes the PNG and HTML charts, and the frames detection
// ran on when they differ from the inputs.
func writeOutputs(ctx context.Context, dir string, inputs []imaging.Store, res *pipeline.Result) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	chart := report.FromResult(res)
	if err := chart.SavePNG(filepath.Join(dir, "chart.png")); err != nil {
		return err
	}
	f, err := os.Create(filepath.Join(dir, "chart.html"))
	if err != nil {
		return err
	}
	if err := chart.RenderHTML(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	for i, fr := range res.Frames {
		if i < len(inputs) && fr == inputs[i] {
			continue
		}
		name := strings.TrimSuffix(filepath.Base(fr.ID()), filepath.Ext(fr.ID())) + ".sub.fits"
		if err := imaging.SaveFITS(ctx, filepath.Join(dir, name), fr); err != nil {
			return err
		}
	}
	return nil
}

// serve runs the admin pages until ctx is cancelled.
func serve(ctx context.Context, addr string, store *sqlite.Store) error {
	mux := http.NewServeMux()
	if err := store.AttachAdminRoutes(mux); err != nil {
		return err
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		monitoring.Logf("serving admin pages on %s/debug/", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		log.Fatalf("skytrack: %v", err)
	}
}
