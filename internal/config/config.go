// Package config loads livesync configuration from a YAML file with
// LIVESYNC_* environment overrides. Command-line flags are applied on top by
// the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/markb/livesync/internal/archive"
	"github.com/markb/livesync/internal/feed"
	"github.com/markb/livesync/internal/log"
	"github.com/markb/livesync/internal/observability"
	"github.com/markb/livesync/internal/protocol"
	"github.com/markb/livesync/internal/realtime"
	"github.com/markb/livesync/internal/server"
)

// Config represents the complete application configuration
type Config struct {
	Client    ClientConfig    `yaml:"client"`
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ClientConfig contains realtime client settings
type ClientConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`

	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout    time.Duration `yaml:"heartbeat_timeout"`
	TypingQuietPeriod   time.Duration `yaml:"typing_quiet_period"`
	ReconnectMinDelay   time.Duration `yaml:"reconnect_min_delay"`
	ReconnectMaxDelay   time.Duration `yaml:"reconnect_max_delay"`
	ConnectionLostAfter time.Duration `yaml:"connection_lost_after"`

	DedupCapacity        int `yaml:"dedup_capacity"`
	MaxSubscribeFailures int `yaml:"max_subscribe_failures"`
	MaxMissedHeartbeats  int `yaml:"max_missed_heartbeats"`

	Notifications NotificationConfig `yaml:"notifications"`
}

// NotificationConfig contains notification router settings
type NotificationConfig struct {
	Enabled bool          `yaml:"enabled"`
	Limit   int           `yaml:"limit"`
	Window  time.Duration `yaml:"window"`
	Ops     []string      `yaml:"ops"`
}

// ServerConfig contains feed server settings
type ServerConfig struct {
	Addr       string `yaml:"addr"`
	DBPath     string `yaml:"db_path"`
	JWTSecret  string `yaml:"jwt_secret"`
	AnonKey    string `yaml:"anon_key"`
	ServiceKey string `yaml:"service_key"`

	ReplayBatch   int           `yaml:"replay_batch"`
	Retain        int           `yaml:"retain"`
	PruneInterval time.Duration `yaml:"prune_interval"`

	HTTPS    HTTPSConfig    `yaml:"https"`
	Postgres PostgresConfig `yaml:"postgres"`
	Archive  ArchiveConfig  `yaml:"archive"`
}

// ArchiveConfig selects where pruned changes are kept
type ArchiveConfig struct {
	// Kind is "none", "local" or "s3"
	Kind string   `yaml:"kind"`
	Dir  string   `yaml:"dir"`
	S3   S3Config `yaml:"s3"`
}

// S3Config contains S3 archive settings
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
	Prefix          string `yaml:"prefix"`
}

// HTTPSConfig enables Let's Encrypt TLS when Domain is set
type HTTPSConfig struct {
	Domain   string `yaml:"domain"`
	CertDir  string `yaml:"cert_dir"`
	HTTPAddr string `yaml:"http_addr"`
}

// PostgresConfig enables LISTEN/NOTIFY ingest when DSN is set
type PostgresConfig struct {
	DSN     string   `yaml:"dsn"`
	Channel string   `yaml:"channel"`
	Tables  []string `yaml:"tables"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"`
	Output      string `yaml:"output"`
	BufferLines int    `yaml:"buffer_lines"`
}

// TelemetryConfig contains OpenTelemetry tracing settings
type TelemetryConfig struct {
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// DefaultConfig returns a configuration with the reference defaults
func DefaultConfig() *Config {
	rt := realtime.DefaultConfig()
	fd := feed.DefaultConfig()
	lg := log.DefaultConfig()
	tel := observability.NewConfig()
	return &Config{
		Client: ClientConfig{
			URL:                  "ws://localhost:8080/realtime/v1/websocket",
			HeartbeatInterval:    rt.HeartbeatInterval,
			HeartbeatTimeout:     rt.HeartbeatTimeout,
			TypingQuietPeriod:    rt.TypingQuietPeriod,
			ReconnectMinDelay:    rt.ReconnectMinDelay,
			ReconnectMaxDelay:    rt.ReconnectMaxDelay,
			ConnectionLostAfter:  rt.ConnectionLostAfter,
			DedupCapacity:        rt.DedupCapacity,
			MaxSubscribeFailures: rt.MaxSubscribeFailures,
			MaxMissedHeartbeats:  rt.MaxMissedHeartbeats,
			Notifications: NotificationConfig{
				Limit:  1,
				Window: time.Minute,
				Ops:    []string{string(protocol.OpInsert)},
			},
		},
		Server: ServerConfig{
			Addr:          ":8080",
			DBPath:        "livesync.db",
			ReplayBatch:   fd.ReplayBatch,
			PruneInterval: fd.PruneInterval,
			HTTPS: HTTPSConfig{
				CertDir:  "certs",
				HTTPAddr: ":80",
			},
			Postgres: PostgresConfig{Channel: feed.DefaultNotifyChannel},
			Archive:  ArchiveConfig{Kind: "none", Dir: "archive"},
		},
		Log: LogConfig{
			Level:       lg.Level,
			Format:      lg.Format,
			Output:      lg.Output,
			BufferLines: lg.BufferLines,
		},
		Telemetry: TelemetryConfig{
			Exporter:    tel.Exporter,
			Endpoint:    tel.Endpoint,
			ServiceName: tel.ServiceName,
			SampleRate:  tel.SampleRate,
		},
	}
}

// LoadConfigFromFile reads a YAML file over the defaults
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Load reads path when it is non-empty, then applies environment overrides
// and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = LoadConfigFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies LIVESYNC_* environment variables
func applyEnvOverrides(cfg *Config) error {
	var errs []error
	str := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = n
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v := os.Getenv(name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = d
		}
	}

	str("LIVESYNC_URL", &cfg.Client.URL)
	str("LIVESYNC_API_KEY", &cfg.Client.APIKey)
	dur("LIVESYNC_HEARTBEAT_INTERVAL", &cfg.Client.HeartbeatInterval)
	dur("LIVESYNC_HEARTBEAT_TIMEOUT", &cfg.Client.HeartbeatTimeout)
	dur("LIVESYNC_TYPING_QUIET_PERIOD", &cfg.Client.TypingQuietPeriod)
	dur("LIVESYNC_RECONNECT_MIN_DELAY", &cfg.Client.ReconnectMinDelay)
	dur("LIVESYNC_RECONNECT_MAX_DELAY", &cfg.Client.ReconnectMaxDelay)
	num("LIVESYNC_DEDUP_CAPACITY", &cfg.Client.DedupCapacity)
	num("LIVESYNC_MAX_MISSED_HEARTBEATS", &cfg.Client.MaxMissedHeartbeats)

	str("LIVESYNC_ADDR", &cfg.Server.Addr)
	str("LIVESYNC_DB", &cfg.Server.DBPath)
	str("LIVESYNC_JWT_SECRET", &cfg.Server.JWTSecret)
	str("LIVESYNC_ANON_KEY", &cfg.Server.AnonKey)
	str("LIVESYNC_SERVICE_KEY", &cfg.Server.ServiceKey)
	num("LIVESYNC_RETAIN", &cfg.Server.Retain)
	str("LIVESYNC_DOMAIN", &cfg.Server.HTTPS.Domain)
	str("LIVESYNC_PG_DSN", &cfg.Server.Postgres.DSN)
	if v := os.Getenv("LIVESYNC_PG_TABLES"); v != "" {
		cfg.Server.Postgres.Tables = splitList(v)
	}
	str("LIVESYNC_ARCHIVE", &cfg.Server.Archive.Kind)
	str("LIVESYNC_ARCHIVE_DIR", &cfg.Server.Archive.Dir)
	str("LIVESYNC_S3_BUCKET", &cfg.Server.Archive.S3.Bucket)
	str("LIVESYNC_S3_REGION", &cfg.Server.Archive.S3.Region)
	str("LIVESYNC_S3_ENDPOINT", &cfg.Server.Archive.S3.Endpoint)
	str("LIVESYNC_S3_ACCESS_KEY_ID", &cfg.Server.Archive.S3.AccessKeyID)
	str("LIVESYNC_S3_SECRET_ACCESS_KEY", &cfg.Server.Archive.S3.SecretAccessKey)

	str("LIVESYNC_LOG_LEVEL", &cfg.Log.Level)
	str("LIVESYNC_LOG_FORMAT", &cfg.Log.Format)
	str("LIVESYNC_LOG_OUTPUT", &cfg.Log.Output)

	str("LIVESYNC_OTEL_EXPORTER", &cfg.Telemetry.Exporter)
	str("LIVESYNC_OTEL_ENDPOINT", &cfg.Telemetry.Endpoint)
	if v := os.Getenv("LIVESYNC_OTEL_SAMPLE_RATE"); v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("LIVESYNC_OTEL_SAMPLE_RATE: %w", err))
		} else {
			cfg.Telemetry.SampleRate = rate
		}
	}

	return errors.Join(errs...)
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	var errs []error
	if c.Client.ReconnectMinDelay > c.Client.ReconnectMaxDelay {
		errs = append(errs, fmt.Errorf("client.reconnect_min_delay %s exceeds reconnect_max_delay %s",
			c.Client.ReconnectMinDelay, c.Client.ReconnectMaxDelay))
	}
	if c.Client.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("client.heartbeat_interval must be positive"))
	}
	for _, op := range c.Client.Notifications.Ops {
		if !protocol.Operation(strings.ToUpper(op)).Valid() {
			errs = append(errs, fmt.Errorf("client.notifications.ops: unknown operation %q", op))
		}
	}
	if c.Server.Retain < 0 {
		errs = append(errs, fmt.Errorf("server.retain must not be negative"))
	}
	switch c.Server.Archive.Kind {
	case "", "none", "local":
	case "s3":
		if c.Server.Archive.S3.Bucket == "" {
			errs = append(errs, fmt.Errorf("server.archive.s3.bucket is required for the s3 archive"))
		}
	default:
		errs = append(errs, fmt.Errorf("server.archive.kind must be none, local or s3, got %q", c.Server.Archive.Kind))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	switch c.Telemetry.Exporter {
	case "", "none", "stdout", "otlp":
	default:
		errs = append(errs, fmt.Errorf("telemetry.exporter must be none, stdout or otlp, got %q", c.Telemetry.Exporter))
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_rate must be between 0 and 1"))
	}
	return errors.Join(errs...)
}

// Realtime converts the client section into a realtime.Config.
func (c *ClientConfig) Realtime() realtime.Config {
	cfg := realtime.DefaultConfig()
	cfg.Credentials = realtime.Credentials{URL: c.URL, APIKey: c.APIKey}
	cfg.HeartbeatInterval = c.HeartbeatInterval
	cfg.HeartbeatTimeout = c.HeartbeatTimeout
	cfg.TypingQuietPeriod = c.TypingQuietPeriod
	cfg.ReconnectMinDelay = c.ReconnectMinDelay
	cfg.ReconnectMaxDelay = c.ReconnectMaxDelay
	cfg.ConnectionLostAfter = c.ConnectionLostAfter
	cfg.DedupCapacity = c.DedupCapacity
	cfg.MaxSubscribeFailures = c.MaxSubscribeFailures
	cfg.MaxMissedHeartbeats = c.MaxMissedHeartbeats

	if n := c.Notifications; n.Enabled {
		policy := &realtime.NotificationPolicy{Limit: n.Limit, Window: n.Window}
		for _, op := range n.Ops {
			policy.Ops = append(policy.Ops, protocol.Operation(strings.ToUpper(op)))
		}
		cfg.Notifications = policy
	}
	return cfg
}

// Feed converts the server section into a feed.Config.
func (c *ServerConfig) Feed() feed.Config {
	return feed.Config{
		JWTSecret:     c.JWTSecret,
		AnonKey:       c.AnonKey,
		ServiceKey:    c.ServiceKey,
		ReplayBatch:   c.ReplayBatch,
		Retain:        c.Retain,
		PruneInterval: c.PruneInterval,
	}
}

// Archive converts the archive section into an archive.Config.
func (c *ArchiveConfig) Archive() archive.Config {
	s3 := c.S3
	return archive.Config{
		Kind: c.Kind,
		Dir:  c.Dir,
		S3: archive.S3Config{
			Bucket:          s3.Bucket,
			Region:          s3.Region,
			Endpoint:        s3.Endpoint,
			AccessKeyID:     s3.AccessKeyID,
			SecretAccessKey: s3.SecretAccessKey,
			UsePathStyle:    s3.UsePathStyle,
			Prefix:          s3.Prefix,
		},
	}
}

// TLS converts the https section into a server.HTTPSConfig.
func (c *HTTPSConfig) TLS() server.HTTPSConfig {
	return server.HTTPSConfig{Domain: c.Domain, CertDir: c.CertDir, HTTPAddr: c.HTTPAddr}
}

// Logger converts the log section into a log.Config.
func (c *LogConfig) Logger() *log.Config {
	return &log.Config{
		Level:       c.Level,
		Format:      c.Format,
		Output:      c.Output,
		BufferLines: c.BufferLines,
	}
}

// Observability converts the telemetry section into an observability.Config.
func (c *TelemetryConfig) Observability() *observability.Config {
	return &observability.Config{
		Exporter:    c.Exporter,
		Endpoint:    c.Endpoint,
		ServiceName: c.ServiceName,
		SampleRate:  c.SampleRate,
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
