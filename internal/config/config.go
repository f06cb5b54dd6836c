package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/painel-eleitoral/server/internal/domain/tse"
)

type Config struct {
	Server      ServerConfig    `yaml:"server"`
	Database    DatabaseConfig  `yaml:"database"`
	Ingest      IngestConfig    `yaml:"ingest"`
	RateLimit   RateLimitConfig `yaml:"rate_limit"`
	Logging     LoggingConfig   `yaml:"logging"`
	Tracing     TracingConfig   `yaml:"tracing"`
	Metrics     MetricsConfig   `yaml:"metrics"`
	Jobs        JobsConfig      `yaml:"jobs"`
	Environment string          `yaml:"environment" validate:"required"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port" validate:"min=1,max=65535"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"min=0"`
}

type DatabaseConfig struct {
	// Kind selects the store backend.
	Kind           string `yaml:"kind" validate:"oneof=postgres sqlite mssql"`
	URL            string `yaml:"url" validate:"required_unless=Kind sqlite"`
	MaxConnections int    `yaml:"max_connections" validate:"min=1"`
}

// IngestConfig tunes the ingestion pipeline.
type IngestConfig struct {
	BatchSize      int           `yaml:"batch_size" validate:"min=1,max=1000000"`
	ParamCeiling   int           `yaml:"param_ceiling" validate:"min=0"`
	StoreTimeout   time.Duration `yaml:"store_timeout" validate:"min=0"`
	MaxErrors      int           `yaml:"max_errors" validate:"min=0"`
	ProgressEvery  int           `yaml:"progress_every" validate:"min=0"`
	SourceEncoding string        `yaml:"source_encoding" validate:"oneof=utf-8 latin1 windows-1252"`
	// Refresh re-reads dimensions from the file instead of trusting
	// existing rows, so corrected names and offices are written.
	RefreshDimensions bool          `yaml:"refresh_dimensions"`
	MaxUploadBytes    int64         `yaml:"max_upload_bytes" validate:"min=1"`
	MaxConcurrent     int           `yaml:"max_concurrent" validate:"min=1"`
	RunRetention      time.Duration `yaml:"run_retention" validate:"min=0"`
	// Rewrites patch known byte-level defects of TSE exports before
	// parsing. File only.
	Rewrites []tse.Rewrite `yaml:"rewrites"`
}

type RateLimitConfig struct {
	// IngestPerMinute limits ingestion requests per client. Zero disables it.
	IngestPerMinute   int      `yaml:"ingest_per_minute" validate:"min=0"`
	// TrustedProxyCIDRs are the proxies whose X-Forwarded-For is believed.
	TrustedProxyCIDRs []string `yaml:"trusted_proxy_cidrs" validate:"dive,cidr"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error fatal panic disabled"`
	Format string `yaml:"format" validate:"oneof=json console"`
	// Output defaults to stdout. Commands that stream NDJSON on stdout log
	// to stderr instead.
	Output io.Writer `yaml:"-"`
}

type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter" validate:"oneof=stdout otlp none"`
	ServiceName  string  `yaml:"service_name"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate" validate:"min=0,max=1"`
}

type MetricsConfig struct {
	// Slot labels metrics in blue/green deployments.
	Slot               string        `yaml:"slot"`
	DatadogEnabled     bool          `yaml:"datadog_enabled"`
	DatadogFlushEvery  time.Duration `yaml:"datadog_flush_every" validate:"min=0"`
	CollectionInterval time.Duration `yaml:"collection_interval" validate:"min=0"`
}

type JobsConfig struct {
	Enabled        bool `yaml:"enabled"`
	IngestAttempts int  `yaml:"ingest_attempts" validate:"min=1"`
	IngestWorkers  int  `yaml:"ingest_workers" validate:"min=1"`
	// SourceDir confines ingest_file job paths submitted over HTTP. Empty
	// disables the enqueue endpoint.
	SourceDir string `yaml:"source_dir"`
}

// Load reads configuration from the environment.
func Load() (Config, error) {
	cfg := fromEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile reads the environment, then overlays the YAML file at path.
// Keys absent from the file keep their environment value.
func LoadFile(path string) (Config, error) {
	cfg := fromEnv()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func fromEnv() Config {
	return Config{
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getEnvInt("SERVER_PORT", 8080),
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Kind:           getEnv("STORE_KIND", "postgres"),
			URL:            getEnv("DATABASE_URL", ""),
			MaxConnections: getEnvInt("DATABASE_MAX_CONNECTIONS", 25),
		},
		Ingest: IngestConfig{
			BatchSize:         getEnvInt("INGEST_BATCH_SIZE", 2000),
			ParamCeiling:      getEnvInt("INGEST_PARAM_CEILING", 0),
			StoreTimeout:      getEnvDuration("INGEST_STORE_TIMEOUT", 30*time.Second),
			MaxErrors:         getEnvInt("INGEST_MAX_ERRORS", 100),
			ProgressEvery:     getEnvInt("INGEST_PROGRESS_EVERY", 10000),
			SourceEncoding:    strings.ToLower(getEnv("INGEST_SOURCE_ENCODING", "utf-8")),
			RefreshDimensions: getEnvBool("INGEST_REFRESH_DIMENSIONS", false),
			MaxUploadBytes:    getEnvInt64("INGEST_MAX_UPLOAD_BYTES", 4<<30),
			MaxConcurrent:     getEnvInt("INGEST_MAX_CONCURRENT", 2),
			RunRetention:      getEnvDuration("INGEST_RUN_RETENTION", 720*time.Hour),
		},
		RateLimit: RateLimitConfig{
			IngestPerMinute:   getEnvInt("RATE_LIMIT_INGEST", 10),
			TrustedProxyCIDRs: getEnvList("TRUSTED_PROXY_CIDRS"),
		},
		Logging: LoggingConfig{
			Level:  strings.ToLower(getEnv("LOG_LEVEL", "info")),
			Format: strings.ToLower(getEnv("LOG_FORMAT", "json")),
		},
		Tracing: TracingConfig{
			Enabled:      getEnvBool("TRACING_ENABLED", false),
			Exporter:     getEnv("TRACING_EXPORTER", "stdout"),
			ServiceName:  getEnv("TRACING_SERVICE_NAME", "painel-eleitoral"),
			OTLPEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4317"),
			SampleRate:   getEnvFloat("TRACING_SAMPLE_RATE", 1.0),
		},
		Metrics: MetricsConfig{
			Slot:               getEnv("METRICS_SLOT", ""),
			DatadogEnabled:     getEnvBool("DATADOG_ENABLED", false),
			DatadogFlushEvery:  getEnvDuration("DATADOG_FLUSH_EVERY", time.Minute),
			CollectionInterval: getEnvDuration("METRICS_COLLECTION_INTERVAL", 15*time.Second),
		},
		Jobs: JobsConfig{
			Enabled:        getEnvBool("JOBS_ENABLED", true),
			IngestAttempts: getEnvInt("JOB_RETRY_INGEST", 3),
			IngestWorkers:  getEnvInt("JOB_INGEST_WORKERS", 1),
			SourceDir:      getEnv("INGEST_JOB_DIR", ""),
		},
		Environment: getEnv("ENVIRONMENT", "development"),
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// Validate reports every invalid field, named by its YAML path.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		path := strings.TrimPrefix(fe.Namespace(), "Config.")
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s (got %v)", path, fe.Tag(), fe.Param(), fe.Value()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s", path, fe.Tag()))
		}
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// IsProduction reports whether the environment is production.
func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// getEnvList splits a comma-separated variable, dropping empty items.
func getEnvList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvInt64(key string, fallback int64) int64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
