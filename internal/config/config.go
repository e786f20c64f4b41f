package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/example/care-sync/internal/models"
)

// ClientConfig captures every tunable of a sync client process (the agent).
// Defaults let the binary run against a local relay without setup.
type ClientConfig struct {
	ServerURL string      `envconfig:"SERVER_URL" default:"ws://localhost:8080/ws"`
	UserID    string      `envconfig:"USER_ID"`
	Role      models.Role `envconfig:"ROLE" default:"patient"`

	ConnectWait       time.Duration `envconfig:"CONNECT_WAIT" default:"5s"`
	CallTimeout       time.Duration `envconfig:"CALL_TIMEOUT" default:"10s"`
	ReconnectAttempts int           `envconfig:"RECONNECT_ATTEMPTS" default:"5"`
	ReconnectDelay    time.Duration `envconfig:"RECONNECT_DELAY" default:"1s"`
	ReconnectDelayMax time.Duration `envconfig:"RECONNECT_DELAY_MAX" default:"5s"`

	StoreBackend  string        `envconfig:"STORE_BACKEND" default:"file"`
	StoreDir      string        `envconfig:"STORE_DIR" default:".care-sync"`
	RedisAddr     string        `envconfig:"REDIS_ADDR"`
	RedisPassword string        `envconfig:"REDIS_PASSWORD"`
	PGDSN         string        `envconfig:"PG_DSN"`
	AcceptedTTL   time.Duration `envconfig:"ACCEPTED_TTL" default:"24h"`
	SweepInterval time.Duration `envconfig:"SWEEP_INTERVAL" default:"1m"`

	LocationInterval    time.Duration `envconfig:"LOCATION_INTERVAL" default:"5s"`
	LocationMinDistance float64       `envconfig:"LOCATION_MIN_DISTANCE_M" default:"10"`
	AvgSpeedKmh         float64       `envconfig:"LOCATION_AVG_SPEED_KMH" default:"40"`
	RouterURL           string        `envconfig:"ETA_ROUTER_URL"`
	RouterCacheTTL      time.Duration `envconfig:"ETA_ROUTER_CACHE_TTL" default:"30s"`

	MetricsAddr   string `envconfig:"METRICS_ADDR" default:":2113"`
	LogLevel      string `envconfig:"LOG_LEVEL" default:"info"`
	RunMigrations bool   `envconfig:"MIGRATE" default:"false"`
}

// RelayConfig configures the development relay server.
type RelayConfig struct {
	HTTPAddr        string        `envconfig:"HTTP_ADDR" default:":8080"`
	ReadTimeout     time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"5s"`
	WriteTimeout    time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"10s"`
	IdleTimeout     time.Duration `envconfig:"HTTP_IDLE_TIMEOUT" default:"120s"`
	ShutdownTimeout time.Duration `envconfig:"HTTP_SHUTDOWN_TIMEOUT" default:"15s"`

	KafkaBrokers []string `envconfig:"KAFKA_BROKERS"`
	KafkaTopic   string   `envconfig:"KAFKA_TOPIC" default:"provider-locations"`

	// Open requests nobody accepts within RequestMaxAge become expired.
	ExpiryInterval time.Duration `envconfig:"EXPIRY_INTERVAL" default:"1m"`
	RequestMaxAge  time.Duration `envconfig:"REQUEST_MAX_AGE" default:"30m"`

	PushEndpoint string `envconfig:"PUSH_ENDPOINT"`
	PushKey      string `envconfig:"PUSH_KEY"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// ConsumerConfig configures the Kafka to Redis GEO location consumer.
type ConsumerConfig struct {
	KafkaBrokers []string `envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	KafkaTopic   string   `envconfig:"KAFKA_TOPIC" default:"provider-locations"`
	KafkaGroup   string   `envconfig:"KAFKA_GROUP" default:"care-sync-consumer"`

	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`

	RetryAttempts int           `envconfig:"REDIS_RETRY_ATTEMPTS" default:"3"`
	RetryDelay    time.Duration `envconfig:"REDIS_RETRY_DELAY" default:"200ms"`

	MetricsAddr string `envconfig:"METRICS_ADDR" default:":2112"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
}

var storeBackends = map[string]bool{"memory": true, "file": true, "redis": true, "postgres": true}

func LoadClientConfig() (ClientConfig, error) {
	var cfg ClientConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, fmt.Errorf("load client config: %w", err)
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))
	return cfg, cfg.Validate()
}

func (c ClientConfig) Validate() error {
	var errs []error
	if !c.Role.Valid() {
		errs = append(errs, fmt.Errorf("ROLE must be patient or provider, got %q", c.Role))
	}
	if c.CallTimeout <= 0 {
		errs = append(errs, fmt.Errorf("CALL_TIMEOUT must be > 0"))
	}
	if c.ReconnectAttempts <= 0 {
		errs = append(errs, fmt.Errorf("RECONNECT_ATTEMPTS must be > 0"))
	}
	if c.ReconnectDelayMax < c.ReconnectDelay {
		errs = append(errs, fmt.Errorf("RECONNECT_DELAY_MAX must be >= RECONNECT_DELAY"))
	}
	if !storeBackends[c.StoreBackend] {
		errs = append(errs, fmt.Errorf("STORE_BACKEND %q not one of memory, file, redis, postgres", c.StoreBackend))
	}
	if c.StoreBackend == "redis" && c.RedisAddr == "" {
		errs = append(errs, fmt.Errorf("REDIS_ADDR required for redis store"))
	}
	if c.StoreBackend == "postgres" && c.PGDSN == "" {
		errs = append(errs, fmt.Errorf("PG_DSN required for postgres store"))
	}
	if c.AvgSpeedKmh <= 0 {
		errs = append(errs, fmt.Errorf("LOCATION_AVG_SPEED_KMH must be > 0"))
	}
	return errors.Join(errs...)
}

func LoadRelayConfig() (RelayConfig, error) {
	var cfg RelayConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, fmt.Errorf("load relay config: %w", err)
	}
	cfg.KafkaBrokers = trimAll(cfg.KafkaBrokers)
	var errs []error
	if len(cfg.KafkaBrokers) > 0 && cfg.KafkaTopic == "" {
		errs = append(errs, fmt.Errorf("KAFKA_TOPIC required when KAFKA_BROKERS is set"))
	}
	if cfg.ExpiryInterval <= 0 {
		errs = append(errs, fmt.Errorf("EXPIRY_INTERVAL must be > 0"))
	}
	return cfg, errors.Join(errs...)
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	var cfg ConsumerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, fmt.Errorf("load consumer config: %w", err)
	}
	cfg.KafkaBrokers = trimAll(cfg.KafkaBrokers)
	var errs []error
	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must name at least one broker"))
	}
	if cfg.KafkaTopic == "" {
		errs = append(errs, fmt.Errorf("KAFKA_TOPIC must not be empty"))
	}
	if cfg.RetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("REDIS_RETRY_ATTEMPTS must be > 0"))
	}
	return cfg, errors.Join(errs...)
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
