package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the complete gateway configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	RequestLog RequestLogConfig `yaml:"request_log"`
	Log        LogConfig        `yaml:"log"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// ServerConfig controls the listeners.
type ServerConfig struct {
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	MetricsPort     int           `yaml:"metrics_port" env:"METRICS_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// DatabaseConfig points at the configuration database.
type DatabaseConfig struct {
	URL          string `yaml:"url" env:"DB_URL"`
	MaxOpenConns int    `yaml:"max_open_conns" env:"DB_MAX_OPEN_CONNS"`
	MaxIdleConns int    `yaml:"max_idle_conns" env:"DB_MAX_IDLE_CONNS"`
}

// GatewayConfig holds the request-handling tunables.
type GatewayConfig struct {
	// AdminKey guards the admin API. Empty disables the admin surface.
	AdminKey string `yaml:"admin_key" env:"ADMIN_KEY"`

	VerifySSL          bool `yaml:"verify_ssl" env:"VERIFY_SSL"`
	RequestTimeoutSecs int  `yaml:"request_timeout_secs" env:"REQUEST_TIMEOUT_SECS"`

	// ProviderSuffix is an optional prefix (e.g. "openrouter/") stripped
	// from inbound model names before matching.
	ProviderSuffix string `yaml:"provider_suffix" env:"PROVIDER_SUFFIX"`

	// BillingPrefixes is a comma-separated list of billing-attribution
	// prefixes stripped from the system prompt before cross-protocol
	// dispatch. Upstreams that are not the client's original vendor would
	// otherwise receive another product's attribution text.
	BillingPrefixes string `yaml:"billing_prefixes" env:"BILLING_PREFIXES"`

	MinTokensLimit int `yaml:"min_tokens_limit" env:"MIN_TOKENS_LIMIT"`
	MaxTokensLimit int `yaml:"max_tokens_limit" env:"MAX_TOKENS_LIMIT"`
}

// RequestTimeout returns the upstream deadline as a Duration.
func (g GatewayConfig) RequestTimeout() time.Duration {
	return time.Duration(g.RequestTimeoutSecs) * time.Second
}

// BillingPrefixList splits BillingPrefixes into its entries, dropping
// empties.
func (g GatewayConfig) BillingPrefixList() []string {
	var out []string
	for _, p := range strings.Split(g.BillingPrefixes, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// RequestLogConfig controls the JSONL request-log sink.
type RequestLogConfig struct {
	Enabled    bool   `yaml:"enabled" env:"JSONL_LOG_ENABLED"`
	Path       string `yaml:"path" env:"JSONL_LOG_PATH"`
	BufferSize int    `yaml:"buffer_size" env:"JSONL_LOG_BUFFER_SIZE"`
	LogBodies  bool   `yaml:"log_bodies" env:"REQUEST_LOG_BODY_ENABLED"`
}

// LogConfig controls process logging.
type LogConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"` // json or console
}

// TelemetryConfig controls the optional OpenTelemetry integration.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled" env:"OTEL_ENABLED"`
	Endpoint    string  `yaml:"endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName string  `yaml:"service_name" env:"OTEL_SERVICE_NAME"`
	SampleRatio float64 `yaml:"sample_ratio" env:"OTEL_SAMPLE_RATIO"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			MetricsPort:     9090,
			ReadTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns: 25,
			MaxIdleConns: 5,
		},
		Gateway: GatewayConfig{
			VerifySSL:          true,
			RequestTimeoutSecs: 300,
			MinTokensLimit:     1,
			MaxTokensLimit:     64000,
		},
		RequestLog: RequestLogConfig{
			Path:       "requests.jsonl",
			BufferSize: 1024,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "modelgate",
			SampleRatio: 1.0,
		},
	}
}

// Validate checks the invariants a running gateway depends on.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, "invalid server port")
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		errs = append(errs, "invalid metrics port")
	}
	if c.Database.URL == "" {
		errs = append(errs, "DB_URL is required")
	}
	if c.Gateway.RequestTimeoutSecs <= 0 {
		errs = append(errs, "request_timeout_secs must be positive")
	}
	if c.Gateway.MinTokensLimit < 1 {
		errs = append(errs, "min_tokens_limit must be at least 1")
	}
	if c.Gateway.MaxTokensLimit < c.Gateway.MinTokensLimit {
		errs = append(errs, "max_tokens_limit must be >= min_tokens_limit")
	}
	if c.RequestLog.Enabled && c.RequestLog.BufferSize <= 0 {
		errs = append(errs, "jsonl_log_buffer_size must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
