// Package config handles loading and validating hitl configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for hitl.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.hitl/data. Override: HITL_DATA_DIR env var.
	HTTP          HTTPConfig           `json:"http" yaml:"http"`
	Slack         SlackConfig          `json:"slack" yaml:"slack"`
	Approval      ApprovalConfig       `json:"approval" yaml:"approval"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = SQLite default (derived from data_dir)
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// HTTPConfig configures the webhook and escalation API server.
type HTTPConfig struct {
	ListenAddr             string           `json:"listen_addr" yaml:"listen_addr"`                           // Default: ":8080".
	SimulationEnabled      bool             `json:"simulation_enabled" yaml:"simulation_enabled"`             // Mounts POST /api/test-webhook (loopback only).
	EnableDocs             bool             `json:"enable_docs" yaml:"enable_docs"`                           // Serves OpenAPI docs at /docs.
	APIKeys                []string         `json:"api_keys,omitempty" yaml:"api_keys,omitempty"`             // Bearer keys for /api/escalations. Override: HITL_API_KEYS (comma separated).
	RateLimit              *RateLimitConfig `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`         // nil = defaults.
	ShutdownTimeoutSeconds int              `json:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds"` // Default: 15.
	MaxBodyBytes           int64            `json:"max_body_bytes" yaml:"max_body_bytes"`                     // Default: 1 MiB.
	BehindProxy            bool             `json:"behind_proxy" yaml:"behind_proxy"`                         // Peer addresses are the proxy's. Requires api_keys; forbids simulation.
}

// RateLimitConfig configures per-key token bucket limits on the escalation API.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"` // Default: 30.
	BurstSize         int `json:"burst_size" yaml:"burst_size"`                   // Default: 5.
}

// Listen returns the listen address with a default of ":8080".
func (h HTTPConfig) Listen() string {
	if h.ListenAddr != "" {
		return h.ListenAddr
	}
	return ":8080"
}

// ShutdownTimeout returns the graceful shutdown window.
func (h HTTPConfig) ShutdownTimeout() time.Duration {
	if h.ShutdownTimeoutSeconds > 0 {
		return time.Duration(h.ShutdownTimeoutSeconds) * time.Second
	}
	return 15 * time.Second
}

// BodyLimit returns the maximum accepted request body size.
func (h HTTPConfig) BodyLimit() int64 {
	if h.MaxBodyBytes > 0 {
		return h.MaxBodyBytes
	}
	return 1 << 20
}

// PerMinute returns the sustained rate with a default of 30.
func (r *RateLimitConfig) PerMinute() int {
	if r != nil && r.RequestsPerMinute > 0 {
		return r.RequestsPerMinute
	}
	return 30
}

// Burst returns the bucket size with a default of 5.
func (r *RateLimitConfig) Burst() int {
	if r != nil && r.BurstSize > 0 {
		return r.BurstSize
	}
	return 5
}

// SlackConfig holds Slack credentials and message routing.
type SlackConfig struct {
	SigningSecret            string   `json:"signing_secret" yaml:"signing_secret"`                             // Override: SLACK_SIGNING_SECRET.
	BotToken                 string   `json:"bot_token" yaml:"bot_token"`                                       // Override: SLACK_BOT_TOKEN.
	TargetUserID             string   `json:"target_user_id" yaml:"target_user_id"`                             // Reviewer reached by DM. Override: SLACK_TARGET_USER_ID.
	Channel                  string   `json:"channel,omitempty" yaml:"channel,omitempty"`                       // Post here instead of a DM.
	APIBaseURL               string   `json:"api_base_url,omitempty" yaml:"api_base_url,omitempty"`             // Default: https://slack.com/api.
	TimeoutSeconds           int      `json:"timeout_seconds" yaml:"timeout_seconds"`                           // Default: 10.
	ResponseURLHosts         []string `json:"response_url_hosts,omitempty" yaml:"response_url_hosts,omitempty"` // Default: hooks.slack.com.
	AllowInsecureResponseURL bool     `json:"allow_insecure_response_url" yaml:"allow_insecure_response_url"`   // Local testing only.
}

// Timeout returns the Web API request timeout.
func (s SlackConfig) Timeout() time.Duration {
	if s.TimeoutSeconds > 0 {
		return time.Duration(s.TimeoutSeconds) * time.Second
	}
	return 10 * time.Second
}

// ApprovalConfig controls hook lifetime and housekeeping.
type ApprovalConfig struct {
	DecisionTimeoutSeconds int    `json:"decision_timeout_seconds" yaml:"decision_timeout_seconds"` // Default: 86400 (24h).
	SweepSchedule          string `json:"sweep_schedule" yaml:"sweep_schedule"`                     // Cron spec. Default: "@every 1m".
	RetentionHours         int    `json:"retention_hours" yaml:"retention_hours"`                   // Finished hooks kept this long. Default: 168.
	PollIntervalMS         int    `json:"poll_interval_ms" yaml:"poll_interval_ms"`                 // Durable await poll. Default: 1000.
}

// DecisionTimeout returns how long a reviewer has to answer.
func (a ApprovalConfig) DecisionTimeout() time.Duration {
	if a.DecisionTimeoutSeconds > 0 {
		return time.Duration(a.DecisionTimeoutSeconds) * time.Second
	}
	return 24 * time.Hour
}

// Schedule returns the sweeper cron spec.
func (a ApprovalConfig) Schedule() string {
	if a.SweepSchedule != "" {
		return a.SweepSchedule
	}
	return "@every 1m"
}

// Retention returns how long finished hooks are kept.
func (a ApprovalConfig) Retention() time.Duration {
	if a.RetentionHours > 0 {
		return time.Duration(a.RetentionHours) * time.Hour
	}
	return 7 * 24 * time.Hour
}

// PollInterval returns the durable registry poll interval.
func (a ApprovalConfig) PollInterval() time.Duration {
	if a.PollIntervalMS > 0 {
		return time.Duration(a.PollIntervalMS) * time.Millisecond
	}
	return time.Second
}

// StorageConfig configures the persistence backend.
// When nil, defaults to SQLite with the database path derived from the data directory.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default), "postgres" or "memory".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: <data_dir>/hitl.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: HITL_DB_DSN.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// ObservabilityConfig configures metrics, tracing, health checks, and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// MetricsPath returns the exposition path.
func (m *MetricsConfig) MetricsPath() string {
	if m != nil && m.Path != "" {
		return m.Path
	}
	return "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "hitl"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0 to 1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig configures dependency health checks for readiness probes.
type HealthConfig struct {
	IncludeDB bool `json:"include_db" yaml:"include_db"`
}

// AnomalyConfig configures threshold-based anomaly detection.
type AnomalyConfig struct {
	Enabled               bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold    float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"`       // e.g. 0.5 = 50% Slack call errors
	SignatureFailureBurst int     `json:"signature_failure_burst" yaml:"signature_failure_burst"` // Warn after this many rejected callbacks per window. Default: 20.
	WindowSeconds         int     `json:"window_seconds" yaml:"window_seconds"`                   // Sliding window. Default: 300.
}

// DefaultConfigPath returns the default config file path (~/.hitl/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/hitl.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".hitl", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// A missing file at the default path is not an error: hitl can run on
// environment variables alone.
func Load(path string) (*Config, error) {
	// Expand ~ in config path.
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	var cfg Config
	data, err := os.ReadFile(resolved)
	switch {
	case err == nil:
		if err := decode(resolved, data, &cfg); err != nil {
			return nil, err
		}
	case os.IsNotExist(err) && path == DefaultConfigPath():
	default:
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing YAML config %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing JSON config %s: %w", path, err)
		}
	}
	return nil
}

// applyEnv overlays environment variables. Env vars take precedence over config values.
func applyEnv(cfg *Config) {
	if v := os.Getenv("SLACK_SIGNING_SECRET"); v != "" {
		cfg.Slack.SigningSecret = v
	}
	if v := os.Getenv("SLACK_BOT_TOKEN"); v != "" {
		cfg.Slack.BotToken = v
	}
	if v := os.Getenv("SLACK_TARGET_USER_ID"); v != "" {
		cfg.Slack.TargetUserID = v
	}
	if v := os.Getenv("HITL_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("HITL_API_KEYS"); v != "" {
		cfg.HTTP.APIKeys = splitList(v)
	}

	// A DSN in the environment selects PostgreSQL unless a driver is set.
	if v := os.Getenv("HITL_DB_DSN"); v != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{Driver: "postgres"}
		}
		if cfg.Storage.Postgres == nil {
			cfg.Storage.Postgres = &PostgresStorageConfig{}
		}
		cfg.Storage.Postgres.DSN = v
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".hitl", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "hitl.db")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	return c.Storage.StorageDriver()
}

func (c *Config) validate() error {
	switch c.StorageDriverName() {
	case "sqlite", "memory":
	case "postgres":
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres driver (set HITL_DB_DSN env var)")
		}
	default:
		return fmt.Errorf("storage.driver %q is not supported (use sqlite, postgres or memory)", c.Storage.Driver)
	}

	if c.Approval.DecisionTimeoutSeconds < 0 {
		return fmt.Errorf("approval.decision_timeout_seconds must not be negative")
	}
	if c.Approval.RetentionHours < 0 {
		return fmt.Errorf("approval.retention_hours must not be negative")
	}
	if c.Approval.PollIntervalMS < 0 {
		return fmt.Errorf("approval.poll_interval_ms must not be negative")
	}
	if _, err := cron.ParseStandard(c.Approval.Schedule()); err != nil {
		return fmt.Errorf("approval.sweep_schedule %q: %w", c.Approval.SweepSchedule, err)
	}

	if c.HTTP.ShutdownTimeoutSeconds < 0 {
		return fmt.Errorf("http.shutdown_timeout_seconds must not be negative")
	}
	if c.HTTP.BehindProxy {
		// Every peer looks like loopback behind a local proxy.
		if c.HTTP.SimulationEnabled {
			return fmt.Errorf("http.simulation_enabled cannot be combined with http.behind_proxy")
		}
		if len(c.HTTP.APIKeys) == 0 {
			return fmt.Errorf("http.api_keys is required when http.behind_proxy is set (set HITL_API_KEYS env var)")
		}
	}
	if c.HTTP.RateLimit != nil && (c.HTTP.RateLimit.RequestsPerMinute < 0 || c.HTTP.RateLimit.BurstSize < 0) {
		return fmt.Errorf("http.rate_limit values must not be negative")
	}
	if c.Slack.TimeoutSeconds < 0 {
		return fmt.Errorf("slack.timeout_seconds must not be negative")
	}

	if o := c.Observability; o != nil {
		if o.Tracing != nil && o.Tracing.Enabled {
			switch o.Tracing.Protocol {
			case "", "grpc", "http":
			default:
				return fmt.Errorf("observability.tracing.protocol %q is not supported (use grpc or http)", o.Tracing.Protocol)
			}
			if o.Tracing.SampleRate < 0 || o.Tracing.SampleRate > 1 {
				return fmt.Errorf("observability.tracing.sample_rate must be between 0 and 1")
			}
		}
	}
	return nil
}

// ValidateSlack checks the credentials needed to send and verify messages.
// Commands that never talk to Slack skip it.
func (c *Config) ValidateSlack() error {
	if c.Slack.BotToken == "" {
		return fmt.Errorf("slack.bot_token is required (set SLACK_BOT_TOKEN env var)")
	}
	if c.Slack.TargetUserID == "" && c.Slack.Channel == "" {
		return fmt.Errorf("slack.target_user_id or slack.channel is required (set SLACK_TARGET_USER_ID env var)")
	}
	return nil
}
