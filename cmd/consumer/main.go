package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/care-sync/internal/config"
	"github.com/example/care-sync/internal/geo"
	"github.com/example/care-sync/internal/ingest"
	"github.com/example/care-sync/internal/logging"
	"github.com/example/care-sync/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "care_sync",
		Name:      "consumer_messages_consumed_total",
		Help:      "Provider location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "care_sync",
		Name:      "consumer_messages_invalid_total",
		Help:      "Messages that did not decode as a provider location",
	})
	geoUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "care_sync",
		Name:      "consumer_geo_updates_total",
		Help:      "Successful Redis GEO updates",
	})
	geoErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "care_sync",
		Name:      "consumer_geo_errors_total",
		Help:      "Redis GEO updates that failed after retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, geoUpdates, geoErrors)
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		logging.NewLogger("error").Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	sink := geo.NewRedisGeoWithClient(rc, geo.ProviderLocationsKey)

	go serveHealth(cfg.MetricsAddr, rc, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	readBackoff := backoff.NewExponentialBackOff()
	readBackoff.InitialInterval = time.Second
	readBackoff.MaxInterval = 30 * time.Second
	readBackoff.MaxElapsedTime = 0

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			wait := readBackoff.NextBackOff()
			logger.Warn("kafka read error", "error", err, "backoff", wait)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		readBackoff.Reset()
		msgsConsumed.Inc()

		if err := handle(ctx, sink, m.Value, cfg.RetryAttempts, cfg.RetryDelay); err != nil {
			if errors.Is(err, errInvalid) {
				msgsInvalid.Inc()
			} else {
				geoErrors.Inc()
			}
			logger.Warn("location not stored", "offset", m.Offset, "error", err)
			continue
		}
		geoUpdates.Inc()
	}
}

func serveHealth(addr string, rc *redis.Client, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := rc.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	logger.Info("metrics/health listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server stopped", "error", err)
	}
}

var errInvalid = errors.New("invalid provider location message")

// locationSink is the part of geo.RedisGeo the consumer writes through.
type locationSink interface {
	Upsert(ctx context.Context, providerID string, s models.LocationSample, requestID string) error
}

func handle(ctx context.Context, sink locationSink, value []byte, attempts int, delay time.Duration) error {
	loc, err := ingest.Decode(value)
	if err != nil {
		return errors.Join(errInvalid, err)
	}
	return upsertWithRetry(ctx, sink, loc, attempts, delay)
}

// upsertWithRetry writes one location, doubling delay between attempts.
func upsertWithRetry(ctx context.Context, sink locationSink, loc ingest.ProviderLocation, attempts int, delay time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = delay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
	return backoff.Retry(func() error {
		return sink.Upsert(ctx, loc.ProviderID, loc.Location, loc.RequestID)
	}, policy)
}
