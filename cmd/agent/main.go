// Command agent runs one patient or provider sync session against a relay
// and walks a request through its lifecycle.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/care-sync/internal/config"
	"github.com/example/care-sync/internal/eta"
	"github.com/example/care-sync/internal/lifecycle"
	"github.com/example/care-sync/internal/logging"
	"github.com/example/care-sync/internal/models"
	"github.com/example/care-sync/internal/reconcile"
	"github.com/example/care-sync/internal/transport"
)

type flags struct {
	userID  string
	role    string
	ailment string
	street  string
	lat     float64
	lon     float64
	steps   int
	migrate string
}

func parseFlags(args []string) (flags, error) {
	var f flags
	fs := flag.NewFlagSet("agent", flag.ContinueOnError)
	fs.StringVar(&f.userID, "user", "", "user id (overrides USER_ID)")
	fs.StringVar(&f.role, "role", "", "patient or provider (overrides ROLE)")
	fs.StringVar(&f.ailment, "ailment", "General consultation", "ailment category for a new request")
	fs.StringVar(&f.street, "street", "", "street of the patient address")
	fs.Float64Var(&f.lat, "lat", -22.5609, "patient address or provider start latitude")
	fs.Float64Var(&f.lon, "lon", 17.0658, "patient address or provider start longitude")
	fs.IntVar(&f.steps, "steps", 12, "samples in the simulated provider route")
	fs.StringVar(&f.migrate, "migration", "migrations/001_create_request_cache.sql", "schema applied when MIGRATE=true and STORE_BACKEND=postgres")
	if err := fs.Parse(args); err != nil {
		return f, err
	}
	if f.steps < 1 {
		return f, fmt.Errorf("-steps must be >= 1")
	}
	return f, nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "agent:", err)
		os.Exit(1)
	}
}

func run() error {
	f, err := parseFlags(os.Args[1:])
	if err != nil {
		return err
	}
	if f.userID != "" {
		os.Setenv("USER_ID", f.userID)
	}
	if f.role != "" {
		os.Setenv("ROLE", f.role)
	}
	cfg, err := config.LoadClientConfig()
	if err != nil {
		return err
	}
	if cfg.UserID == "" {
		return errors.New("a user id is required (-user or USER_ID)")
	}
	logger := logging.NewLoggerTo(os.Stderr, cfg.LogLevel).With("user_id", cfg.UserID, "role", cfg.Role)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go serveMetrics(cfg.MetricsAddr, logger)

	backend, closeBackend, err := openBackend(ctx, cfg, f.migrate, logger)
	if err != nil {
		return err
	}
	defer closeBackend()

	store, err := reconcile.Open(ctx, backend, cfg.UserID,
		reconcile.WithAcceptedTTL(cfg.AcceptedTTL),
		reconcile.WithLogger(logger))
	if err != nil {
		return err
	}
	go store.RunSweeper(ctx, cfg.SweepInterval)

	tcfg := transport.DefaultConfig(cfg.ServerURL)
	tcfg.ReconnectAttempts = cfg.ReconnectAttempts
	tcfg.ReconnectDelay = cfg.ReconnectDelay
	tcfg.ReconnectDelayMax = cfg.ReconnectDelayMax
	session := transport.New(tcfg, logger)
	if err := session.Connect(cfg.UserID, cfg.Role); err != nil {
		return err
	}
	defer session.Disconnect()

	client := lifecycle.New(session, store, lifecycle.Options{
		CallTimeout: cfg.CallTimeout,
		ConnectWait: cfg.ConnectWait,
		Role:        cfg.Role,
	}, logger)
	defer client.Close()

	a := &agent{
		cfg:       cfg,
		flags:     f,
		session:   session,
		client:    client,
		store:     store,
		estimator: estimator(cfg, logger),
		logger:    logger,
	}
	if cfg.Role == models.RolePatient {
		return a.runPatient(ctx)
	}
	return a.runProvider(ctx)
}

func estimator(cfg config.ClientConfig, logger *slog.Logger) eta.Estimator {
	straight := eta.Straight{SpeedKmh: cfg.AvgSpeedKmh}
	if cfg.RouterURL == "" {
		return straight
	}
	return eta.Fallback{Primary: eta.NewOSRMClient(cfg.RouterURL, cfg.RouterCacheTTL), Secondary: straight, Logger: logger}
}

func serveMetrics(addr string, logger *slog.Logger) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info("metrics listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("metrics server stopped", "error", err)
	}
}
