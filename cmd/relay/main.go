package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/care-sync/internal/config"
	"github.com/example/care-sync/internal/ingest"
	"github.com/example/care-sync/internal/logging"
	"github.com/example/care-sync/internal/notify"
	"github.com/example/care-sync/internal/relay"
)

func main() {
	cfg, err := config.LoadRelayConfig()
	if err != nil {
		logging.NewLogger("error").Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	var opts []relay.Option
	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer func() {
			if err := producer.Close(); err != nil {
				logger.Warn("kafka producer close", "error", err)
			}
		}()
		opts = append(opts, relay.WithPublisher(producer))
		logger.Info("publishing provider locations", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}
	if cfg.PushEndpoint != "" {
		opts = append(opts, relay.WithNotifier(notify.NewFCM(cfg.PushEndpoint, cfg.PushKey, logger)))
	}
	srv := relay.NewServer(logger, opts...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go srv.RunExpiry(ctx, cfg.ExpiryInterval, cfg.RequestMaxAge)

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	go func() {
		logger.Info("care-sync relay listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	logger.Info("relay stopped")
}
