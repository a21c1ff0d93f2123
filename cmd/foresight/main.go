// Command foresight observes a page and asks a renderer to precompute the
// UI updates the user is about to trigger.
//
// Usage:
//
//	foresight -config foresight.yaml                  # observe the configured page
//	foresight -url https://shop.example -serve        # live page plus HTTP API
//	foresight -serve                                  # remote integration over HTTP only
//	foresight -stats page.html -selector .price       # statistics over a static document
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hazyhaar/pkg/observability"

	"github.com/hazyhaar/foresight/dispatch"
	"github.com/hazyhaar/foresight/engine"
	"github.com/hazyhaar/foresight/internal/config"
	"github.com/hazyhaar/foresight/ledger"
	"github.com/hazyhaar/foresight/platform/htmldoc"
	"github.com/hazyhaar/foresight/platform/rodpage"
	"github.com/hazyhaar/foresight/server"
	"github.com/hazyhaar/foresight/tracker"
)

func main() {
	configPath := flag.String("config", "", "path to foresight.yaml config file")
	pageURL := flag.String("url", "", "page to observe (overrides config)")
	serve := flag.Bool("serve", false, "start the HTTP API")
	addr := flag.String("addr", "", "HTTP listen address (overrides config)")
	statsFile := flag.String("stats", "", "compute statistics over a static HTML file and exit")
	selector := flag.String("selector", "[data-value]", "selector for -stats")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.LoadFile(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "foresight: load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *pageURL != "" {
		cfg.URL = *pageURL
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch {
	case *statsFile != "":
		err = runStats(ctx, logger, os.Stdout, *statsFile, *selector)
	case cfg.URL != "" || *serve:
		err = runEngine(ctx, logger, cfg, *serve)
	default:
		fmt.Fprintln(os.Stderr, "usage: foresight -config <file> | -url <url> [-serve] | -serve | -stats <file.html> [-selector <sel>]")
		os.Exit(2)
	}
	if err != nil {
		logger.Error("foresight: fatal", "error", err)
		os.Exit(1)
	}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// statsReport is the -stats output.
type statsReport struct {
	Selector string    `json:"selector"`
	Count    int       `json:"count"`
	Values   []float64 `json:"values"`
	Sum      float64   `json:"sum"`
	Avg      float64   `json:"avg"`
	Min      float64   `json:"min"`
	Max      float64   `json:"max"`
	Median   float64   `json:"median"`
	P90      float64   `json:"p90"`
	StdDev   float64   `json:"stddev"`
}

func runStats(ctx context.Context, logger *slog.Logger, w io.Writer, path, selector string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	doc, err := htmldoc.Parse(f, htmldoc.WithLogger(logger))
	if err != nil {
		return err
	}
	scope := tracker.NewScope("stats", logger)
	defer scope.Close()

	t, err := tracker.New(scope, doc)
	if err != nil {
		return err
	}
	if err := t.AttachSelector(ctx, selector); err != nil {
		return err
	}
	v := t.Values()
	rep := statsReport{
		Selector: selector,
		Count:    t.Count(),
		Values:   v.Slice(),
		Sum:      v.Sum(),
		Avg:      v.Avg(),
		Min:      v.Min(),
		Max:      v.Max(),
		Median:   v.Median(),
		P90:      v.Percentile(90),
		StdDev:   v.StdDev(),
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}

func runEngine(ctx context.Context, logger *slog.Logger, cfg *config.Config, serve bool) error {
	led, err := ledger.Open(cfg.Ledger, ledger.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	defer led.Close()

	// Metrics and heartbeats share the ledger database.
	if err := observability.Init(led.DB()); err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	metrics := observability.NewMetricsManager(led.DB(), 100, 5*time.Second)
	defer metrics.Close()
	heartbeat := observability.NewHeartbeatWriter(led.DB(), "foresight", cfg.Observability.HeartbeatInterval)
	heartbeat.Start(ctx)
	defer heartbeat.Stop()

	var eng *engine.Engine
	collab, err := buildCollaborator(logger, cfg.Collaborator, metrics, func(p dispatch.Patch) {
		if err := eng.Offer(p); err != nil {
			logger.Warn("foresight: patch rejected", "error", err)
		}
	})
	if err != nil {
		return err
	}

	var page *rodpage.Page
	var platform tracker.Platform
	if cfg.URL != "" {
		level, err := rodpage.ParseLevel(cfg.Browser.Stealth)
		if err != nil {
			return err
		}
		mgr := rodpage.NewManager(rodpage.Config{
			RemoteURL:        cfg.Browser.Remote,
			Stealth:          level,
			ResourceBlocking: cfg.Browser.ResourceBlocking,
			NavigateTimeout:  cfg.Browser.NavigateTimeout,
			Logger:           logger,
		})
		defer mgr.Close()
		if _, err := mgr.Start(ctx); err != nil {
			return err
		}
		page, err = rodpage.Open(ctx, mgr, cfg.URL, rodpage.WithLogger(logger))
		if err != nil {
			return err
		}
		defer page.Close()
		platform = page
	}

	eng = engine.New(platform, collab, cfg.Engine,
		engine.WithLogger(logger),
		engine.WithRecorder(led),
	)
	eng.Start(ctx)
	defer eng.Close()
	go eng.ReportMetrics(ctx, metrics, cfg.Observability.MetricsInterval)

	if page != nil {
		if err := page.BridgeTelemetry(eng.Telemetry()); err != nil {
			logger.Warn("foresight: telemetry bridge unavailable, predictions limited", "error", err)
		}
		for _, w := range cfg.Watches {
			if _, err := eng.Watch(ctx, w); err != nil {
				logger.Warn("foresight: watch failed", "component", w.ComponentID, "error", err)
			}
		}
	}

	if serve {
		return serveHTTP(ctx, logger, cfg.Server.Addr, server.New(eng, server.WithLogger(logger), server.WithLedger(led)))
	}
	<-ctx.Done()
	return nil
}

func buildCollaborator(logger *slog.Logger, cfg config.CollaboratorConfig, metrics *observability.MetricsManager, onPatch func(dispatch.Patch)) (dispatch.Collaborator, error) {
	if cfg.Endpoint == "" {
		logger.Info("foresight: no collaborator endpoint, predictions are only logged")
		return dispatch.FuncCollaborator(func(_ context.Context, req dispatch.PrecomputeRequest) error {
			logger.Info("foresight: precompute",
				"component", req.ComponentID, "state", req.StateKey, "kind", req.Kind,
				"confidence", req.Confidence, "lead_ms", req.LeadTimeMs)
			return nil
		}), nil
	}

	collab, _, err := dispatch.NewHTTPCollaborator(cfg.Endpoint, dispatch.TransportConfig{
		AttemptTimeout:   cfg.AttemptTimeout,
		Retries:          cfg.Retries,
		RetryBackoff:     cfg.RetryBackoff,
		BreakerThreshold: cfg.BreakerThreshold,
		BreakerReset:     cfg.BreakerReset,
		Metrics:          metrics,
		Logger:           logger,
	}, onPatch)
	if err != nil {
		return nil, err
	}
	return collab, nil
}

func serveHTTP(ctx context.Context, logger *slog.Logger, addr string, srv *server.Server) error {
	hs := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("foresight: listening", "addr", addr)
		errCh <- hs.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return hs.Shutdown(shutdownCtx)
}
