package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aevon-lab/tally/internal/anomaly"
	coreagg "github.com/aevon-lab/tally/internal/core/aggregation"
	corecfg "github.com/aevon-lab/tally/internal/core/config"
	coreerrors "github.com/aevon-lab/tally/internal/core/errors"
	"github.com/aevon-lab/tally/internal/core/identity"
	"github.com/aevon-lab/tally/internal/core/storage"
	"github.com/aevon-lab/tally/internal/pipeline"
	"github.com/aevon-lab/tally/internal/server"
)

const usage = `usage: tally [-config tally.yaml] <command> [flags]

commands:
  refresh     ingest new raw files, refresh aggregates, anomalies and reports
  snapshot    ingest snapshot sources only, then refresh downstream outputs
  reprocess   force reprocess one source over a date range
  validate    read-only consistency and freshness checks
  serve       run refresh on an interval and expose the status API
`

// Exit codes.
const (
	exitOK         = 0
	exitFatal      = 1
	exitValidation = 2
)

func main() {
	configPath := flag.String("config", "tally.yaml", "Path to configuration file")
	flag.Usage = func() { fmt.Fprint(flag.CommandLine.Output(), usage) }
	flag.Parse()

	// 0. Initialize Logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(exitFatal)
	}
	command, args := flag.Arg(0), flag.Args()[1:]

	// 1. Load Configuration
	cfg, err := corecfg.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(exitFatal)
	}
	slog.Info("Loaded config",
		"database", cfg.Database.Type,
		"raw_dir", cfg.Lake.RawDir,
		"lake_dir", cfg.Lake.LakeDir,
		"reports_dir", cfg.Lake.ReportsDir,
		"sources", cfg.Registry.Len(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var code int
	switch command {
	case "serve":
		code = serve(ctx, cfg)
	case "refresh", "snapshot", "validate", "reprocess":
		req, perr := parseRequest(command, args)
		if perr != nil {
			fmt.Fprintln(os.Stderr, perr)
			code = exitFatal
			break
		}
		code = runOnce(ctx, cfg, req)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", command)
		flag.Usage()
		code = exitFatal
	}

	stop()
	os.Exit(code)
}

func parseRequest(command string, args []string) (pipeline.Request, error) {
	req := pipeline.Request{Mode: pipeline.Mode(command)}
	if command != "reprocess" {
		if len(args) > 0 {
			return req, fmt.Errorf("%s takes no arguments", command)
		}
		return req, nil
	}

	fs := flag.NewFlagSet("reprocess", flag.ContinueOnError)
	src := fs.String("source", "", "Source to reprocess (required)")
	from := fs.String("from", "", "First day, YYYY-MM-DD (required)")
	to := fs.String("to", "", "Last day, YYYY-MM-DD (defaults to -from)")
	deletePartitions := fs.Bool("delete-partitions", false, "Remove the range's partitions before re-ingesting (always done for sources without a natural key)")
	if err := fs.Parse(args); err != nil {
		return req, err
	}
	if *src == "" {
		return req, errors.New("reprocess: -source is required")
	}
	rng, err := coreagg.ParseDateRange(*from, *to)
	if err != nil {
		return req, fmt.Errorf("reprocess: %w", err)
	}

	req.Source = *src
	req.Range = &rng
	req.DeletePartitions = *deletePartitions
	return req, nil
}

func runner(cfg *corecfg.Config) *pipeline.Runner {
	return pipeline.NewRunner(pipeline.Options{
		RawDir:     cfg.Lake.RawDir,
		ReportsDir: cfg.Lake.ReportsDir,
		Anomaly: anomaly.Config{
			Window:      cfg.Anomaly.Window,
			MinBaseline: cfg.Anomaly.MinBaseline,
			Threshold:   cfg.Anomaly.Threshold,
		},
		FreshnessDays:    cfg.Pipeline.FreshnessDays,
		ReportWorkers:    cfg.Pipeline.ReportWorkers,
		AggregateWorkers: cfg.Pipeline.AggregateWorkers,
	})
}

func sessionConfig(cfg *corecfg.Config, open pipeline.StoreOpener) pipeline.SessionConfig {
	return pipeline.SessionConfig{
		LakeDir:  cfg.Lake.LakeDir,
		Registry: cfg.Registry,
		Identity: identity.Strategy(cfg.Lake.Identity),
		Open:     open,
	}
}

// runOnce executes one run, prints its summary as JSON and returns the exit code.
func runOnce(ctx context.Context, cfg *corecfg.Config, req pipeline.Request) int {
	sc := sessionConfig(cfg, func(ctx context.Context) (storage.Store, error) { return openStore(ctx, cfg) })
	sc.ReadOnly = req.Mode == pipeline.ModeValidate

	var summary *pipeline.Summary
	err := pipeline.WithSession(ctx, sc, func(sess *pipeline.Session) error {
		var rerr error
		summary, rerr = runner(cfg).Run(ctx, sess, req)
		return rerr
	})

	if summary != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if eerr := enc.Encode(summary); eerr != nil {
			slog.Error("Failed to print summary", "error", eerr)
		}
	}

	switch {
	case errors.Is(err, pipeline.ErrLocked):
		slog.Error("Another run is in progress", "error", err)
		return exitFatal
	case errors.Is(err, coreerrors.ErrFatal):
		slog.Error("Run aborted", "error", err)
		return exitFatal
	case err != nil:
		slog.Error("Run failed", "error", err)
		return exitFatal
	}

	if req.Mode == pipeline.ModeValidate && summary != nil && summary.Validation != nil && !summary.Validation.OK {
		return exitValidation
	}
	return exitOK
}

// serve keeps one store open for the scheduler and the status API.
func serve(ctx context.Context, cfg *corecfg.Config) int {
	store, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("Failed to open store", "error", err)
		return exitFatal
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	scheduler := pipeline.NewScheduler(
		cfg.Pipeline.EffectiveInterval(),
		sessionConfig(cfg, pipeline.Shared(store)),
		runner(cfg),
	)

	srv := server.New(server.Config{
		Addr:       fmtAddr(cfg.Server.Host, cfg.Server.Port),
		Mode:       cfg.Server.Mode,
		Store:      store,
		ReportsDir: cfg.Lake.ReportsDir,
		Latest:     scheduler.Latest,
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := scheduler.Start(ctx); err != nil {
			slog.Error("Scheduler stopped with error", "error", err)
		}
	}()

	// HTTP server blocks until ctx is cancelled.
	code := exitOK
	if err := srv.Run(ctx); err != nil {
		slog.Error("Server stopped with error", "error", err)
		code = exitFatal
	}
	cancel()

	// The scheduler's final run must finish before the store closes.
	select {
	case <-done:
	case <-time.After(45 * time.Second):
		slog.Warn("Scheduler did not stop in time")
	}

	slog.Info("Shutdown complete")
	return code
}

func fmtAddr(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}
