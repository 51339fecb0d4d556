// Package config provides configuration loading and management for chatpulse.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/merit-monitoring/chatpulse/internal/model"
)

// Aggregation modes.
const (
	ModeLive   = "live"
	ModeStatic = "static"
)

// Default batch sizes per mode.
const (
	DefaultLiveBatchSize   = 100
	DefaultStaticBatchSize = 1000
)

// Config represents the complete application configuration.
type Config struct {
	Source      SourceConfig      `yaml:"source" toml:"source"`
	Aggregation AggregationConfig `yaml:"aggregation" toml:"aggregation"`
	Pricing     PricingConfig     `yaml:"pricing" toml:"pricing"`
	Publisher   PublisherConfig   `yaml:"publisher" toml:"publisher"`
	Server      ServerConfig      `yaml:"server" toml:"server"`
	Notifier    NotifierConfig    `yaml:"notifier" toml:"notifier"`
	Insights    InsightsConfig    `yaml:"insights" toml:"insights"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
	Tracing     TracingConfig     `yaml:"tracing" toml:"tracing"`
}

// SourceConfig holds the backing store connection settings.
type SourceConfig struct {
	DSN               string        `yaml:"dsn" toml:"dsn"`
	Database          string        `yaml:"database" toml:"database"`
	SessionCollection string        `yaml:"session_collection" toml:"session_collection"`
	MessageCollection string        `yaml:"message_collection" toml:"message_collection"`
	BatchSize         int           `yaml:"batch_size" toml:"batch_size"`
	ConnectTimeout    string        `yaml:"connect_timeout" toml:"connect_timeout"`
	Retry             RetryConfig   `yaml:"retry" toml:"retry"`
	Breaker           BreakerConfig `yaml:"breaker" toml:"breaker"`
}

// ConnectTimeoutParsed returns the parsed connect timeout.
func (s *SourceConfig) ConnectTimeoutParsed() (time.Duration, error) {
	return time.ParseDuration(s.ConnectTimeout)
}

// RetryConfig bounds per-page retries of source reads.
type RetryConfig struct {
	MaxRetries int    `yaml:"max_retries" toml:"max_retries"`
	BaseDelay  string `yaml:"base_delay" toml:"base_delay"`
	MaxDelay   string `yaml:"max_delay" toml:"max_delay"`
}

// BreakerConfig controls the source circuit breaker.
type BreakerConfig struct {
	FailureThreshold uint32 `yaml:"failure_threshold" toml:"failure_threshold"`
	Timeout          string `yaml:"timeout" toml:"timeout"`
}

// AggregationConfig defines the collection cycle.
type AggregationConfig struct {
	Mode           string `yaml:"mode" toml:"mode"`
	TimeRangeHours int    `yaml:"time_range_hours" toml:"time_range_hours"`
	TimeScale      string `yaml:"time_scale" toml:"time_scale"`
	UpdateInterval string `yaml:"update_interval" toml:"update_interval"`
	CycleTimeout   string `yaml:"cycle_timeout" toml:"cycle_timeout"`
	Timezone       string `yaml:"timezone" toml:"timezone"`

	// Location is the resolved Timezone; set by Validate.
	Location *time.Location `yaml:"-" toml:"-"`
}

// TimeRange returns the window length.
func (a *AggregationConfig) TimeRange() time.Duration {
	return time.Duration(a.TimeRangeHours) * time.Hour
}

// TimeScaleParsed returns the parsed time scale.
func (a *AggregationConfig) TimeScaleParsed() (model.TimeScale, error) {
	return model.ParseTimeScale(a.TimeScale)
}

// UpdateIntervalParsed returns the parsed cycle period.
func (a *AggregationConfig) UpdateIntervalParsed() (time.Duration, error) {
	return time.ParseDuration(a.UpdateInterval)
}

// CycleTimeoutParsed returns the parsed per-cycle timeout.
func (a *AggregationConfig) CycleTimeoutParsed() (time.Duration, error) {
	return time.ParseDuration(a.CycleTimeout)
}

// PricingConfig holds the per-token cost table.
type PricingConfig struct {
	DefaultRate float64            `yaml:"default_rate" toml:"default_rate"`
	Rates       map[string]float64 `yaml:"rates" toml:"rates"`
}

// PublisherConfig controls fan-out.
type PublisherConfig struct {
	QueueDepth int `yaml:"queue_depth" toml:"queue_depth"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host      string `yaml:"host" toml:"host"`
	Port      int    `yaml:"port" toml:"port"`
	DeepCheck bool   `yaml:"deep_check" toml:"deep_check"`
}

// Addr returns the listen address.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// NotifierConfig holds notification sink settings.
type NotifierConfig struct {
	Type       string `yaml:"type" toml:"type"`
	WebhookURL string `yaml:"webhook_url" toml:"webhook_url"`
	Retries    int    `yaml:"retries" toml:"retries"`
	RetryDelay string `yaml:"retry_delay" toml:"retry_delay"`
}

// RetryDelayParsed returns the parsed retry delay duration.
func (n *NotifierConfig) RetryDelayParsed() (time.Duration, error) {
	return time.ParseDuration(n.RetryDelay)
}

// InsightsConfig selects the text summarization provider.
type InsightsConfig struct {
	Provider string `yaml:"provider" toml:"provider"`
	APIKey   string `yaml:"api_key" toml:"api_key"`
	Model    string `yaml:"model" toml:"model"`
	Timeout  string `yaml:"timeout" toml:"timeout"`
}

// TimeoutParsed returns the parsed summarization timeout.
func (i *InsightsConfig) TimeoutParsed() (time.Duration, error) {
	return time.ParseDuration(i.Timeout)
}

// LoggingConfig controls log level, format and optional file rotation.
type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"`
	Format     string `yaml:"format" toml:"format"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

// TracingConfig controls OTLP trace export.
type TracingConfig struct {
	Endpoint string `yaml:"endpoint" toml:"endpoint"`
	Insecure bool   `yaml:"insecure" toml:"insecure"`
}

// Load reads and parses the configuration file. Files ending in .toml are
// decoded as TOML, everything else as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes raw configuration bytes and applies defaults.
func Parse(data []byte, isTOML bool) (*Config, error) {
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	cfg := preset()
	if isTOML {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := preset()
	applyDefaults(&cfg)
	return &cfg
}

// preset fills the settings where zero is a legitimate value. They are set
// before decoding so an explicit zero in the file survives.
func preset() Config {
	var cfg Config
	cfg.Source.Retry.MaxRetries = 2
	cfg.Pricing.DefaultRate = 0.000005
	return cfg
}

// expandEnvVars expands ${VAR} and ${VAR:-default} patterns in the input string.
func expandEnvVars(input string) string {
	re := regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

	return re.ReplaceAllStringFunc(input, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) > 2 {
			defaultVal = parts[2]
		}

		if val, exists := os.LookupEnv(varName); exists {
			return val
		}
		return defaultVal
	})
}

// applyDefaults sets default values for any unset configuration fields.
func applyDefaults(cfg *Config) {
	// Source defaults target a local MongoDB
	if cfg.Source.DSN == "" {
		cfg.Source.DSN = "mongodb://localhost:27017/"
	}
	if cfg.Source.Database == "" {
		cfg.Source.Database = "chat_logs"
	}
	if cfg.Source.SessionCollection == "" {
		cfg.Source.SessionCollection = "Session"
	}
	if cfg.Source.MessageCollection == "" {
		cfg.Source.MessageCollection = "MessageLog"
	}
	if cfg.Source.ConnectTimeout == "" {
		cfg.Source.ConnectTimeout = "10s"
	}
	if cfg.Source.Retry.BaseDelay == "" {
		cfg.Source.Retry.BaseDelay = "200ms"
	}
	if cfg.Source.Retry.MaxDelay == "" {
		cfg.Source.Retry.MaxDelay = "2s"
	}
	if cfg.Source.Breaker.FailureThreshold == 0 {
		cfg.Source.Breaker.FailureThreshold = 5
	}
	if cfg.Source.Breaker.Timeout == "" {
		cfg.Source.Breaker.Timeout = "30s"
	}

	// Aggregation defaults
	if cfg.Aggregation.Mode == "" {
		cfg.Aggregation.Mode = ModeLive
	}
	if cfg.Aggregation.TimeRangeHours == 0 {
		cfg.Aggregation.TimeRangeHours = 24
	}
	if cfg.Aggregation.TimeScale == "" {
		cfg.Aggregation.TimeScale = string(model.ScaleDay)
	}
	if cfg.Aggregation.UpdateInterval == "" {
		cfg.Aggregation.UpdateInterval = "10s"
	}
	if cfg.Aggregation.CycleTimeout == "" {
		cfg.Aggregation.CycleTimeout = "30s"
	}
	if cfg.Aggregation.Timezone == "" {
		cfg.Aggregation.Timezone = "UTC"
	}
	if cfg.Source.BatchSize == 0 {
		if cfg.Aggregation.Mode == ModeStatic {
			cfg.Source.BatchSize = DefaultStaticBatchSize
		} else {
			cfg.Source.BatchSize = DefaultLiveBatchSize
		}
	}

	// Pricing
	if cfg.Pricing.Rates == nil {
		cfg.Pricing.Rates = map[string]float64{}
	}

	if cfg.Publisher.QueueDepth == 0 {
		cfg.Publisher.QueueDepth = 1
	}

	// Server defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 5000
	}

	// Notifier defaults
	if cfg.Notifier.Type == "" {
		cfg.Notifier.Type = "none"
	}
	if cfg.Notifier.Retries == 0 {
		cfg.Notifier.Retries = 3
	}
	if cfg.Notifier.RetryDelay == "" {
		cfg.Notifier.RetryDelay = "1s"
	}

	// Insights defaults
	if cfg.Insights.Provider == "" {
		cfg.Insights.Provider = "none"
	}
	if cfg.Insights.Model == "" {
		cfg.Insights.Model = "gemini-2.0-flash"
	}
	if cfg.Insights.Timeout == "" {
		cfg.Insights.Timeout = "60s"
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 50
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 3
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = 28
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var errs []string

	// Validate source
	if _, err := ParseDSN(c.Source.DSN); err != nil {
		errs = append(errs, fmt.Sprintf("source.dsn is invalid: %v", err))
	}
	if c.Source.SessionCollection == "" || c.Source.MessageCollection == "" {
		errs = append(errs, "source.session_collection and source.message_collection are required")
	}
	if c.Source.BatchSize < 1 {
		errs = append(errs, "source.batch_size must be at least 1")
	}
	if _, err := c.Source.ConnectTimeoutParsed(); err != nil {
		errs = append(errs, fmt.Sprintf("source.connect_timeout is invalid: %v", err))
	}
	if c.Source.Retry.MaxRetries < 0 {
		errs = append(errs, "source.retry.max_retries must not be negative")
	}
	for name, v := range map[string]string{
		"source.retry.base_delay": c.Source.Retry.BaseDelay,
		"source.retry.max_delay":  c.Source.Retry.MaxDelay,
		"source.breaker.timeout":  c.Source.Breaker.Timeout,
	} {
		if _, err := time.ParseDuration(v); err != nil {
			errs = append(errs, fmt.Sprintf("%s is invalid: %v", name, err))
		}
	}

	// Validate aggregation
	validModes := map[string]bool{ModeLive: true, ModeStatic: true}
	if !validModes[c.Aggregation.Mode] {
		errs = append(errs, "aggregation.mode must be one of: live, static")
	}
	if c.Aggregation.TimeRangeHours < 1 {
		errs = append(errs, "aggregation.time_range_hours must be at least 1")
	}
	if _, err := c.Aggregation.TimeScaleParsed(); err != nil {
		errs = append(errs, fmt.Sprintf("aggregation.time_scale is invalid: %v", err))
	}
	if d, err := c.Aggregation.UpdateIntervalParsed(); err != nil {
		errs = append(errs, fmt.Sprintf("aggregation.update_interval is invalid: %v", err))
	} else if d < time.Second {
		errs = append(errs, "aggregation.update_interval must be at least 1s")
	}
	if _, err := c.Aggregation.CycleTimeoutParsed(); err != nil {
		errs = append(errs, fmt.Sprintf("aggregation.cycle_timeout is invalid: %v", err))
	}
	if loc, err := time.LoadLocation(c.Aggregation.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("aggregation.timezone is invalid: %v", err))
	} else {
		c.Aggregation.Location = loc
	}

	// Validate pricing
	if c.Pricing.DefaultRate < 0 {
		errs = append(errs, "pricing.default_rate must not be negative")
	}
	for m, r := range c.Pricing.Rates {
		if r < 0 {
			errs = append(errs, fmt.Sprintf("pricing.rates[%s] must not be negative", m))
		}
	}

	if c.Publisher.QueueDepth < 1 || c.Publisher.QueueDepth > 2 {
		errs = append(errs, "publisher.queue_depth must be 1 or 2")
	}

	// Validate notifier
	validNotifierTypes := map[string]bool{"none": true, "console": true, "webhook": true}
	if !validNotifierTypes[c.Notifier.Type] {
		errs = append(errs, "notifier.type must be one of: none, console, webhook")
	}
	if c.Notifier.Type == "webhook" && c.Notifier.WebhookURL == "" {
		errs = append(errs, "notifier.webhook_url is required when type is 'webhook'")
	}
	if _, err := c.Notifier.RetryDelayParsed(); err != nil {
		errs = append(errs, fmt.Sprintf("notifier.retry_delay is invalid: %v", err))
	}

	// Validate insights
	validProviders := map[string]bool{"none": true, "gemini": true}
	if !validProviders[c.Insights.Provider] {
		errs = append(errs, "insights.provider must be one of: none, gemini")
	}
	if c.Insights.Provider == "gemini" && c.Insights.APIKey == "" {
		errs = append(errs, "insights.api_key is required when provider is 'gemini'")
	}
	if _, err := c.Insights.TimeoutParsed(); err != nil {
		errs = append(errs, fmt.Sprintf("insights.timeout is invalid: %v", err))
	}

	// Validate logging
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Logging.Format] {
		errs = append(errs, "logging.format must be one of: text, json")
	}

	if len(errs) > 0 {
		slices.Sort(errs)
		return fmt.Errorf("configuration errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}
