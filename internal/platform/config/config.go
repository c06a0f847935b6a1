package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full process configuration, read once at startup.
type Config struct {
	Service  string
	LogLevel string
	Server   Server
	Database Database
	Redis    Redis
	Kafka    Kafka
	Outbox   Outbox
	Inbox    Inbox
}

// Server captures the ops HTTP listener.
type Server struct {
	Addr string
}

// Database configures Postgres. An empty URL selects in-memory stores.
type Database struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	AutoMigrate     bool
}

// Redis configures the shared in-flight set. An empty URL keeps it process-local.
type Redis struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	KeyPrefix    string
}

// Kafka configures the cross-process transport.
type Kafka struct {
	Brokers       []string
	Topic         string
	ConsumerGroup string
	Partitions    int32
	Replication   int16
}

// Outbox configures the publisher.
type Outbox struct {
	// Sink selects where published records go: "bus" (in-process) or "kafka".
	Sink          string
	BatchSize     int
	PollInterval  time.Duration
	StatsInterval time.Duration
	MaxRetries    int
}

// Inbox configures inbox processors and their background worker.
type Inbox struct {
	MaxAttempts       int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	RedriveInterval   time.Duration
	RedriveBatchSize  int
	Retention         time.Duration
	InFlightRetention time.Duration
}

// FromEnv builds the configuration from environment variables so main stays lean.
func FromEnv() (Config, error) {
	var errs []string
	r := reader{errs: &errs}

	cfg := Config{
		Service:  r.str("SERVICE_NAME", "regtech"),
		LogLevel: r.str("LOG_LEVEL", "info"),
		Server: Server{
			Addr: r.str("OPS_ADDR", ":8080"),
		},
		Database: Database{
			URL:             r.str("DATABASE_URL", ""),
			MaxOpenConns:    r.integer("DATABASE_MAX_OPEN_CONNS", 20),
			MaxIdleConns:    r.integer("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: r.duration("DATABASE_CONN_MAX_LIFETIME", 30*time.Minute),
			AutoMigrate:     r.boolean("DATABASE_AUTO_MIGRATE", true),
		},
		Redis: Redis{
			URL:          r.str("REDIS_URL", ""),
			PoolSize:     r.integer("REDIS_POOL_SIZE", 10),
			MinIdleConns: r.integer("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  r.duration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  r.duration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: r.duration("REDIS_WRITE_TIMEOUT", 3*time.Second),
			KeyPrefix:    r.str("REDIS_KEY_PREFIX", "regtech:inflight:"),
		},
		Kafka: Kafka{
			Brokers:       splitList(r.str("KAFKA_BROKERS", "")),
			Topic:         r.str("KAFKA_TOPIC", "regtech.integration-events"),
			ConsumerGroup: r.str("KAFKA_CONSUMER_GROUP", "regtech"),
			Partitions:    int32(r.integer("KAFKA_TOPIC_PARTITIONS", 6)),
			Replication:   int16(r.integer("KAFKA_TOPIC_REPLICATION", 1)),
		},
		Outbox: Outbox{
			Sink:          r.str("OUTBOX_SINK", "bus"),
			BatchSize:     r.integer("OUTBOX_BATCH_SIZE", 100),
			PollInterval:  r.duration("OUTBOX_POLL_INTERVAL", time.Second),
			StatsInterval: r.duration("OUTBOX_STATS_INTERVAL", 30*time.Second),
			MaxRetries:    r.integer("OUTBOX_MAX_RETRIES", 0),
		},
		Inbox: Inbox{
			MaxAttempts:       r.integer("INBOX_MAX_ATTEMPTS", 3),
			RetryBaseDelay:    r.duration("INBOX_RETRY_BASE_DELAY", 30*time.Second),
			RetryMaxDelay:     r.duration("INBOX_RETRY_MAX_DELAY", 30*time.Minute),
			RedriveInterval:   r.duration("INBOX_REDRIVE_INTERVAL", 10*time.Second),
			RedriveBatchSize:  r.integer("INBOX_REDRIVE_BATCH_SIZE", 50),
			Retention:         r.duration("INBOX_RETENTION", 7*24*time.Hour),
			InFlightRetention: r.duration("INBOX_INFLIGHT_RETENTION", 0),
		},
	}

	switch cfg.Outbox.Sink {
	case "bus":
	case "kafka":
		if len(cfg.Kafka.Brokers) == 0 {
			errs = append(errs, "KAFKA_BROKERS is required when OUTBOX_SINK=kafka")
		}
	default:
		errs = append(errs, fmt.Sprintf("OUTBOX_SINK must be bus or kafka, got %q", cfg.Outbox.Sink))
	}

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

type reader struct {
	errs *[]string
}

func (r reader) str(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func (r reader) integer(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*r.errs = append(*r.errs, fmt.Sprintf("%s: %q is not an integer", key, v))
		return fallback
	}
	return n
}

func (r reader) boolean(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*r.errs = append(*r.errs, fmt.Sprintf("%s: %q is not a boolean", key, v))
		return fallback
	}
	return b
}

func (r reader) duration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*r.errs = append(*r.errs, fmt.Sprintf("%s: %q is not a duration", key, v))
		return fallback
	}
	return d
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
