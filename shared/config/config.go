package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Config struct {
	Env              string
	ServiceName      string
	HTTPPort         int
	LogLevel         string
	RequestTimeoutMS int
	RequestTimeout   time.Duration

	OIDCIssuer      string
	OIDCAudience    string
	OIDCJWKSURL     string
	JWKSTTLSeconds  int
	JWTClockSkewSec int

	DatabaseURL      string
	DBMaxConns       int
	DBMinConns       int
	DBConnMaxIdleSec int
	DBConnMaxLifeSec int

	KafkaBrokers  []string
	KafkaClientID string
	KafkaGroupID  string
	KafkaRetryMax int
	KafkaWriteMS  int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AsynqRedisAddr   string
	AsynqRedisPass   string
	AsynqRedisDB     int
	AsynqQueue       string
	AsynqConcurrency int

	OutboxScanSec     int
	OutboxBatchSize   int
	OutboxMaxAttempts int

	// Consumer-side retry/DLQ policy.
	ConsumerMaxAttempts int

	// Inventory reservation lifecycle.
	ReservationTTLMin  int
	ReservationScanSec int

	// Order query cache.
	CacheTTLSeconds int

	// Fulfillment analytics worker.
	AnalyticsWindowSec   int
	AnalyticsFailurePct  float64
	AnalyticsMinEvents   int
	AnalyticsCooldownSec int

	// Event mirror (analytics cluster replication).
	MirrorSourceBrokers []string
	MirrorTargetBrokers []string
	MirrorTopics        []string
	MirrorGroupID       string
	MirrorMaxBytes      int

	// Shipment booking defaults.
	ShippingPickupAddress string
	ShippingFlatRate      string
	ShippingCurrency      string
	ShippingTransitHours  int

	// Payment service provider.
	PSPBaseURL   string
	PSPAPIKey    string
	PSPTimeoutMS int
	PSPRetryMax  int

	InfluxURL       string
	InfluxToken     string
	InfluxOrg       string
	InfluxBucket    string
	InfluxTimeoutMS int

	OtelEnabled     bool
	OtelEndpoint    string
	OtelInsecure    bool
	OtelSampleRatio float64
}

// Load reads configuration from the environment. It never fails hard:
// every invalid or missing required value is reported as a Problem and the
// field falls back to its default, so the caller decides what is fatal.
func Load(serviceNameDefault string, httpPortDefault int) (Config, []Problem) {
	cfg := Config{
		Env:                   strings.TrimSpace(os.Getenv("ENV")),
		ServiceName:           serviceNameDefault,
		HTTPPort:              httpPortDefault,
		LogLevel:              "info",
		RequestTimeoutMS:      30000,
		OIDCIssuer:            strings.TrimSpace(os.Getenv("OIDC_ISSUER")),
		OIDCAudience:          strings.TrimSpace(os.Getenv("OIDC_AUDIENCE")),
		OIDCJWKSURL:           strings.TrimSpace(os.Getenv("OIDC_JWKS_URL")),
		JWKSTTLSeconds:        300,
		JWTClockSkewSec:       60,
		DatabaseURL:           strings.TrimSpace(os.Getenv("DATABASE_URL")),
		DBMaxConns:            10,
		DBMinConns:            1,
		DBConnMaxIdleSec:      300,
		DBConnMaxLifeSec:      1800,
		KafkaBrokers:          parseCSV(os.Getenv("KAFKA_BROKERS")),
		KafkaClientID:         strings.TrimSpace(os.Getenv("KAFKA_CLIENT_ID")),
		KafkaGroupID:          strings.TrimSpace(os.Getenv("KAFKA_CONSUMER_GROUP")),
		KafkaRetryMax:         5,
		KafkaWriteMS:          5000,
		RedisAddr:             strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		AsynqRedisAddr:        strings.TrimSpace(os.Getenv("ASYNQ_REDIS_ADDR")),
		AsynqRedisPass:        os.Getenv("ASYNQ_REDIS_PASSWORD"),
		AsynqQueue:            "default",
		AsynqConcurrency:      10,
		OutboxScanSec:         5,
		OutboxBatchSize:       50,
		OutboxMaxAttempts:     20,
		ConsumerMaxAttempts:   5,
		ReservationTTLMin:     15,
		ReservationScanSec:    30,
		CacheTTLSeconds:       5,
		AnalyticsWindowSec:    60,
		AnalyticsFailurePct:   0.5,
		AnalyticsMinEvents:    10,
		AnalyticsCooldownSec:  300,
		MirrorSourceBrokers:   parseCSV(os.Getenv("MIRROR_SOURCE_BROKERS")),
		MirrorTargetBrokers:   parseCSV(os.Getenv("MIRROR_TARGET_BROKERS")),
		MirrorTopics:          parseCSV(os.Getenv("MIRROR_TOPICS")),
		MirrorGroupID:         strings.TrimSpace(os.Getenv("MIRROR_GROUP_ID")),
		MirrorMaxBytes:        10e6,
		ShippingPickupAddress: "central-warehouse",
		ShippingFlatRate:      "4.99",
		ShippingCurrency:      "USD",
		ShippingTransitHours:  48,
		PSPBaseURL:            strings.TrimSpace(os.Getenv("PSP_BASE_URL")),
		PSPAPIKey:             strings.TrimSpace(os.Getenv("PSP_API_KEY")),
		PSPTimeoutMS:          5000,
		PSPRetryMax:           2,
		InfluxURL:             strings.TrimSpace(os.Getenv("INFLUX_URL")),
		InfluxToken:           strings.TrimSpace(os.Getenv("INFLUX_TOKEN")),
		InfluxOrg:             strings.TrimSpace(os.Getenv("INFLUX_ORG")),
		InfluxBucket:          strings.TrimSpace(os.Getenv("INFLUX_BUCKET")),
		InfluxTimeoutMS:       5000,
		OtelEndpoint:          strings.TrimSpace(os.Getenv("OTEL_EXPORTER_ENDPOINT")),
		OtelInsecure:          true,
		OtelSampleRatio:       1.0,
	}

	problems := make([]Problem, 0, 4)

	if v := strings.TrimSpace(os.Getenv("SERVICE_NAME")); v != "" {
		cfg.ServiceName = v
	}
	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv("SHIPPING_PICKUP_ADDRESS")); v != "" {
		cfg.ShippingPickupAddress = v
	}
	if v := strings.TrimSpace(os.Getenv("SHIPPING_FLAT_RATE")); v != "" {
		cfg.ShippingFlatRate = v
	}
	if v := strings.TrimSpace(os.Getenv("SHIPPING_CURRENCY")); v != "" {
		cfg.ShippingCurrency = v
	}
	if v := strings.TrimSpace(os.Getenv("ASYNQ_QUEUE")); v != "" {
		cfg.AsynqQueue = v
	}

	intEnv("HTTP_PORT", &cfg.HTTPPort, &problems)
	intEnv("REQUEST_TIMEOUT_MS", &cfg.RequestTimeoutMS, &problems)
	intEnv("JWKS_CACHE_TTL_SECONDS", &cfg.JWKSTTLSeconds, &problems)
	intEnv("JWT_CLOCK_SKEW_SECONDS", &cfg.JWTClockSkewSec, &problems)
	intEnv("DB_MAX_CONNS", &cfg.DBMaxConns, &problems)
	intEnv("DB_MIN_CONNS", &cfg.DBMinConns, &problems)
	intEnv("DB_CONN_MAX_IDLE_SECONDS", &cfg.DBConnMaxIdleSec, &problems)
	intEnv("DB_CONN_MAX_LIFETIME_SECONDS", &cfg.DBConnMaxLifeSec, &problems)
	intEnv("KAFKA_RETRY_MAX", &cfg.KafkaRetryMax, &problems)
	intEnv("KAFKA_WRITE_TIMEOUT_MS", &cfg.KafkaWriteMS, &problems)
	intEnv("REDIS_DB", &cfg.RedisDB, &problems)
	intEnv("ASYNQ_REDIS_DB", &cfg.AsynqRedisDB, &problems)
	intEnv("ASYNQ_CONCURRENCY", &cfg.AsynqConcurrency, &problems)
	intEnv("OUTBOX_SCAN_INTERVAL_SECONDS", &cfg.OutboxScanSec, &problems)
	intEnv("OUTBOX_BATCH_SIZE", &cfg.OutboxBatchSize, &problems)
	intEnv("OUTBOX_MAX_ATTEMPTS", &cfg.OutboxMaxAttempts, &problems)
	intEnv("CONSUMER_MAX_ATTEMPTS", &cfg.ConsumerMaxAttempts, &problems)
	intEnv("RESERVATION_TTL_MINUTES", &cfg.ReservationTTLMin, &problems)
	intEnv("RESERVATION_SCAN_SECONDS", &cfg.ReservationScanSec, &problems)
	intEnv("CACHE_TTL_SECONDS", &cfg.CacheTTLSeconds, &problems)
	intEnv("SHIPPING_TRANSIT_HOURS", &cfg.ShippingTransitHours, &problems)
	intEnv("MIRROR_MAX_BYTES", &cfg.MirrorMaxBytes, &problems)
	intEnv("ANALYTICS_WINDOW_SECONDS", &cfg.AnalyticsWindowSec, &problems)
	intEnv("ANALYTICS_MIN_EVENTS", &cfg.AnalyticsMinEvents, &problems)
	intEnv("ANALYTICS_COOLDOWN_SECONDS", &cfg.AnalyticsCooldownSec, &problems)
	floatEnv("ANALYTICS_FAILURE_THRESHOLD", &cfg.AnalyticsFailurePct, &problems)
	intEnv("PSP_TIMEOUT_MS", &cfg.PSPTimeoutMS, &problems)
	intEnv("PSP_RETRY_MAX", &cfg.PSPRetryMax, &problems)
	intEnv("INFLUX_TIMEOUT_MS", &cfg.InfluxTimeoutMS, &problems)
	boolEnv("OTEL_ENABLED", &cfg.OtelEnabled, &problems)
	boolEnv("OTEL_INSECURE", &cfg.OtelInsecure, &problems)
	floatEnv("OTEL_SAMPLE_RATIO", &cfg.OtelSampleRatio, &problems)

	if cfg.OIDCIssuer != "" && cfg.OIDCJWKSURL == "" {
		cfg.OIDCJWKSURL = strings.TrimRight(cfg.OIDCIssuer, "/") + "/.well-known/jwks.json"
	}
	if cfg.Env == "" {
		cfg.Env = "dev"
		problems = append(problems, Problem{Field: "ENV", Message: "ENV is required"})
	}
	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		problems = append(problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
		cfg.HTTPPort = httpPortDefault
	}
	if cfg.RequestTimeoutMS <= 0 {
		problems = append(problems, Problem{Field: "REQUEST_TIMEOUT_MS", Message: "REQUEST_TIMEOUT_MS must be > 0"})
		cfg.RequestTimeoutMS = 30000
	}
	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutMS) * time.Millisecond
	if cfg.DBMaxConns <= 0 {
		problems = append(problems, Problem{Field: "DB_MAX_CONNS", Message: "DB_MAX_CONNS must be > 0"})
		cfg.DBMaxConns = 10
	}
	if cfg.DBMinConns < 0 || cfg.DBMinConns > cfg.DBMaxConns {
		problems = append(problems, Problem{Field: "DB_MIN_CONNS", Message: "DB_MIN_CONNS must be 0..DB_MAX_CONNS"})
		cfg.DBMinConns = 1
	}
	if cfg.ShippingTransitHours <= 0 {
		problems = append(problems, Problem{Field: "SHIPPING_TRANSIT_HOURS", Message: "SHIPPING_TRANSIT_HOURS must be > 0"})
		cfg.ShippingTransitHours = 48
	}
	if cfg.OutboxMaxAttempts <= 0 {
		problems = append(problems, Problem{Field: "OUTBOX_MAX_ATTEMPTS", Message: "OUTBOX_MAX_ATTEMPTS must be > 0"})
		cfg.OutboxMaxAttempts = 20
	}
	if cfg.ConsumerMaxAttempts <= 0 {
		problems = append(problems, Problem{Field: "CONSUMER_MAX_ATTEMPTS", Message: "CONSUMER_MAX_ATTEMPTS must be > 0"})
		cfg.ConsumerMaxAttempts = 5
	}
	if cfg.ReservationTTLMin <= 0 {
		problems = append(problems, Problem{Field: "RESERVATION_TTL_MINUTES", Message: "RESERVATION_TTL_MINUTES must be > 0"})
		cfg.ReservationTTLMin = 15
	}
	if cfg.ReservationScanSec <= 0 {
		problems = append(problems, Problem{Field: "RESERVATION_SCAN_SECONDS", Message: "RESERVATION_SCAN_SECONDS must be > 0"})
		cfg.ReservationScanSec = 30
	}
	if cfg.OtelSampleRatio < 0 || cfg.OtelSampleRatio > 1 {
		problems = append(problems, Problem{Field: "OTEL_SAMPLE_RATIO", Message: "OTEL_SAMPLE_RATIO must be 0-1"})
		cfg.OtelSampleRatio = 1.0
	}

	return cfg, problems
}

func (c Config) ReservationTTL() time.Duration {
	return time.Duration(c.ReservationTTLMin) * time.Minute
}

func (c Config) ShippingTransitWindow() time.Duration {
	return time.Duration(c.ShippingTransitHours) * time.Hour
}

func intEnv(key string, dest *int, problems *[]Problem) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		*problems = append(*problems, Problem{Field: key, Message: key + " must be an integer"})
		return
	}
	*dest = v
}

func boolEnv(key string, dest *bool, problems *[]Problem) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		*problems = append(*problems, Problem{Field: key, Message: key + " must be a boolean"})
		return
	}
	*dest = v
}

func floatEnv(key string, dest *float64, problems *[]Problem) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		*problems = append(*problems, Problem{Field: key, Message: key + " must be a number"})
		return
	}
	*dest = v
}

func parseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}
