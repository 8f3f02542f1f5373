// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes application settings
// such as server timeouts, logging, database paths, rate limiting, media-group
// aggregation, dispatch, media retrieval, events, and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "crosspost-relay")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// AggregationConfig controls media-group reassembly and housekeeping.
type AggregationConfig struct {
	QuietWindow           time.Duration // QUIET_WINDOW
	StaleClaimTimeout     time.Duration // STALE_CLAIM_TIMEOUT
	InstanceID            string        // INSTANCE_ID; generated at boot when empty
	JanitorInterval       time.Duration // JANITOR_INTERVAL
	StaleExecutionTimeout time.Duration // STALE_EXECUTION_TIMEOUT
}

// RedisConfig locates the Redis server used by the redis dedup backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// DedupConfig selects and tunes the dedup ledger.
type DedupConfig struct {
	Backend   string        // sql|redis
	Retention time.Duration // how long admitted keys are remembered
	Redis     RedisConfig
}

// DispatchConfig controls fan-out and destination adapters.
type DispatchConfig struct {
	QueueConcurrency     int           // QUEUE_CONCURRENCY, per queue
	MinPendingVisibility time.Duration // MIN_PENDING_VISIBILITY
	TextOnlyFallback     bool          // TEXT_ONLY_FALLBACK default for targets
	DestinationsFile     string        // optional YAML capability overrides
	TelegramAPIBase      string        // TELEGRAM_API_BASE
	PublishGatewayURL    string        // PUBLISH_GATEWAY_URL; empty disables non-Telegram platforms
	PublishTimeout       time.Duration // per-request timeout for destination calls
}

// S3Config enables the optional media mirror when Bucket is set.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	PathStyle bool
	Prefix    string
}

// MediaConfig controls media retrieval from the source platform.
type MediaConfig struct {
	MaxBytes     int64         // MEDIA_MAX_BYTES
	TempDir      string        // MEDIA_TEMP_DIR; empty uses os.TempDir()
	FetchTimeout time.Duration // MEDIA_FETCH_TIMEOUT
	S3           S3Config
}

// EventsConfig enables execution events when RabbitMQURL is set.
type EventsConfig struct {
	RabbitMQURL  string
	Exchange     string
	DialAttempts int
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging
	LogLevel    string // debug|info|warn|error|fatal|panic
	LogPretty   bool   // pretty console logs in dev
	APIBasePath string // base path for API routes

	// App
	DBPath   string // SQLite path
	SeedFile string // optional YAML accounts/tasks loaded at boot

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	Aggregation AggregationConfig
	Dedup       DedupConfig
	Dispatch    DispatchConfig
	Media       MediaConfig
	Events      EventsConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:   getbool("LOG_PRETTY", false),
		APIBasePath: normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// App
		DBPath:   getenv("DB_PATH", "crosspost.db"),
		SeedFile: getenv("SEED_FILE", ""),

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		Aggregation: AggregationConfig{
			QuietWindow:           getdur("QUIET_WINDOW", 3*time.Second),
			StaleClaimTimeout:     getdur("STALE_CLAIM_TIMEOUT", 2*time.Minute),
			InstanceID:            getenv("INSTANCE_ID", ""),
			JanitorInterval:       getdur("JANITOR_INTERVAL", time.Minute),
			StaleExecutionTimeout: getdur("STALE_EXECUTION_TIMEOUT", 30*time.Minute),
		},

		Dedup: DedupConfig{
			Backend:   strings.ToLower(getenv("DEDUP_BACKEND", "sql")),
			Retention: getdur("DEDUP_RETENTION", 72*time.Hour),
			Redis: RedisConfig{
				Addr:     getenv("REDIS_ADDR", "localhost:6379"),
				Password: getenv("REDIS_PASSWORD", ""),
				DB:       getint("REDIS_DB", 0),
			},
		},

		Dispatch: DispatchConfig{
			QueueConcurrency:     getint("QUEUE_CONCURRENCY", 16),
			MinPendingVisibility: getdur("MIN_PENDING_VISIBILITY", 2200*time.Millisecond),
			TextOnlyFallback:     getbool("TEXT_ONLY_FALLBACK", true),
			DestinationsFile:     getenv("DESTINATIONS_FILE", ""),
			TelegramAPIBase:      strings.TrimRight(getenv("TELEGRAM_API_BASE", "https://api.telegram.org"), "/"),
			PublishGatewayURL:    strings.TrimRight(getenv("PUBLISH_GATEWAY_URL", ""), "/"),
			PublishTimeout:       getdur("PUBLISH_TIMEOUT", 60*time.Second),
		},

		Media: MediaConfig{
			MaxBytes:     int64(getint("MEDIA_MAX_BYTES", 20<<20)),
			TempDir:      getenv("MEDIA_TEMP_DIR", ""),
			FetchTimeout: getdur("MEDIA_FETCH_TIMEOUT", 2*time.Minute),
			S3: S3Config{
				Bucket:    getenv("MEDIA_S3_BUCKET", ""),
				Region:    getenv("MEDIA_S3_REGION", "us-east-1"),
				Endpoint:  getenv("MEDIA_S3_ENDPOINT", ""),
				PathStyle: getbool("MEDIA_S3_PATH_STYLE", false),
				Prefix:    getenv("MEDIA_S3_PREFIX", "media"),
			},
		},

		Events: EventsConfig{
			RabbitMQURL:  getenv("RABBITMQ_URL", ""),
			Exchange:     getenv("EVENTS_EXCHANGE", "crosspost.events"),
			DialAttempts: getint("RABBITMQ_DIAL_ATTEMPTS", 5),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "crosspost-relay"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.Aggregation.QuietWindow <= 0 {
		return cfg, errors.New("QUIET_WINDOW must be > 0")
	}
	if cfg.Aggregation.StaleClaimTimeout <= cfg.Aggregation.QuietWindow {
		return cfg, errors.New("STALE_CLAIM_TIMEOUT must be greater than QUIET_WINDOW")
	}
	if cfg.Aggregation.JanitorInterval <= 0 {
		return cfg, errors.New("JANITOR_INTERVAL must be > 0")
	}
	if cfg.Aggregation.StaleExecutionTimeout < 0 {
		return cfg, errors.New("STALE_EXECUTION_TIMEOUT must be >= 0")
	}
	switch cfg.Dedup.Backend {
	case "sql":
	case "redis":
		if strings.TrimSpace(cfg.Dedup.Redis.Addr) == "" {
			return cfg, errors.New("REDIS_ADDR must not be empty when DEDUP_BACKEND=redis")
		}
	default:
		return cfg, errors.New("DEDUP_BACKEND must be one of: sql, redis")
	}
	if cfg.Dedup.Retention <= 0 {
		return cfg, errors.New("DEDUP_RETENTION must be > 0")
	}
	if cfg.Dispatch.QueueConcurrency < 1 {
		return cfg, errors.New("QUEUE_CONCURRENCY must be >= 1")
	}
	if cfg.Dispatch.MinPendingVisibility < 0 {
		return cfg, errors.New("MIN_PENDING_VISIBILITY must be >= 0")
	}
	if cfg.Dispatch.PublishTimeout <= 0 || cfg.Media.FetchTimeout <= 0 {
		return cfg, errors.New("PUBLISH_TIMEOUT and MEDIA_FETCH_TIMEOUT must be > 0")
	}
	if cfg.Media.MaxBytes <= 0 {
		return cfg, errors.New("MEDIA_MAX_BYTES must be > 0")
	}
	if cfg.Events.DialAttempts < 1 {
		return cfg, errors.New("RABBITMQ_DIAL_ATTEMPTS must be >= 1")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
