package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig captures all tunable parameters for the dispatch API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers       []string
	KafkaLocationTopic string
	KafkaEventsTopic   string
	KafkaGroup         string

	PGDSN string

	JWTSecret string

	StripeAPIKey   string
	StripeCurrency string

	WebhookURL string
	WebhookKey string

	GeoBucketPrecision int
	MatchRadiusKm      float64
	MatchWidenRadiusKm float64
	MatcherTopN        int
	DefaultSpeedMps    float64

	RideRequestTimeout time.Duration
	ConnIdleTimeout    time.Duration
	ReapInterval       time.Duration

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:           ":8080",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		RedisGeoKey:        "drivers_geo",
		KafkaLocationTopic: "driver-locations",
		KafkaEventsTopic:   "ride-events",
		KafkaGroup:         "ride-dispatch-consumer",
		StripeCurrency:     "usd",
		GeoBucketPrecision: 100,
		MatchRadiusKm:      5,
		MatchWidenRadiusKm: 10,
		MatcherTopN:        10,
		DefaultSpeedMps:    8,
		RideRequestTimeout: 5 * time.Minute,
		ConnIdleTimeout:    90 * time.Second,
		ReapInterval:       30 * time.Second,
		LogLevel:           "info",
	}
}

// LoadServerConfig reads an optional .env file and then the environment.
// Every invalid value is reported, not just the first.
func LoadServerConfig() (ServerConfig, error) {
	_ = godotenv.Load()

	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	setStringFromEnv(&cfg.StripeCurrency, "STRIPE_CURRENCY")
	cfg.WebhookURL = strings.TrimSpace(os.Getenv("NOTIFY_WEBHOOK_URL"))
	cfg.WebhookKey = os.Getenv("NOTIFY_WEBHOOK_KEY")

	setIntFromEnv(&cfg.GeoBucketPrecision, "GEO_BUCKET_PRECISION", &errs)
	setFloatFromEnv(&cfg.MatchRadiusKm, "MATCH_RADIUS_KM", &errs)
	setFloatFromEnv(&cfg.MatchWidenRadiusKm, "MATCH_WIDEN_RADIUS_KM", &errs)
	setIntFromEnv(&cfg.MatcherTopN, "MATCHER_TOP_N", &errs)
	setFloatFromEnv(&cfg.DefaultSpeedMps, "DEFAULT_SPEED_MPS", &errs)

	setDurationFromEnv(&cfg.RideRequestTimeout, "RIDE_REQUEST_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ConnIdleTimeout, "CONN_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ReapInterval, "REAP_INTERVAL", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.MatcherTopN <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_TOP_N must be > 0"))
	}
	if cfg.GeoBucketPrecision <= 0 {
		errs = append(errs, fmt.Errorf("GEO_BUCKET_PRECISION must be > 0"))
	}
	if cfg.MatchRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_RADIUS_KM must be > 0"))
	}
	if cfg.MatchWidenRadiusKm < cfg.MatchRadiusKm {
		errs = append(errs, fmt.Errorf("MATCH_WIDEN_RADIUS_KM must be >= MATCH_RADIUS_KM"))
	}
	if cfg.ReapInterval <= 0 {
		errs = append(errs, fmt.Errorf("REAP_INTERVAL must be > 0"))
	}
	if cfg.ConnIdleTimeout <= 0 {
		errs = append(errs, fmt.Errorf("CONN_IDLE_TIMEOUT must be > 0"))
	}
	if cfg.RideRequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("RIDE_REQUEST_TIMEOUT must be > 0"))
	}
	if cfg.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("JWT_SECRET is required"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}

// ConsumerConfig configures the driver location consumer process.
type ConsumerConfig struct {
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaGroup    string
	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	GeoBucketPrecision int
	ApplyAttempts      int
	ApplyBackoff       time.Duration

	MetricsAddr string
	LogLevel    string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	_ = godotenv.Load()

	cfg := ConsumerConfig{
		KafkaBrokers:       []string{"localhost:9092"},
		KafkaTopic:         "driver-locations",
		KafkaGroup:         "ride-dispatch-consumer",
		RedisAddr:          "localhost:6379",
		RedisGeoKey:        "drivers_geo",
		GeoBucketPrecision: 100,
		ApplyAttempts:      3,
		ApplyBackoff:       200 * time.Millisecond,
		MetricsAddr:        ":2112",
		LogLevel:           "info",
	}
	var errs []error

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setIntFromEnv(&cfg.GeoBucketPrecision, "GEO_BUCKET_PRECISION", &errs)
	setIntFromEnv(&cfg.ApplyAttempts, "CONSUMER_APPLY_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.ApplyBackoff, "CONSUMER_APPLY_BACKOFF", &errs)
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must list at least one broker"))
	}
	if cfg.GeoBucketPrecision <= 0 {
		errs = append(errs, fmt.Errorf("GEO_BUCKET_PRECISION must be > 0"))
	}
	if cfg.ApplyAttempts <= 0 {
		errs = append(errs, fmt.Errorf("CONSUMER_APPLY_ATTEMPTS must be > 0"))
	}
	return cfg, errors.Join(errs...)
}
