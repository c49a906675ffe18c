package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/migadu/mailtrack/helpers"
)

// DatabaseEndpointConfig holds configuration for a single database endpoint
type DatabaseEndpointConfig struct {
	// Hosts may carry a port ("db1:5432"); otherwise Port or 5432 is used.
	Hosts           []string    `toml:"hosts"`
	Port            interface{} `toml:"port"` // string or integer
	User            string      `toml:"user"`
	Password        string      `toml:"password"`
	Name            string      `toml:"name"`
	TLSMode         bool        `toml:"tls"`
	MaxConns        int         `toml:"max_conns"`
	MinConns        int         `toml:"min_conns"`
	MaxConnLifetime string      `toml:"max_conn_lifetime"`
	MaxConnIdleTime string      `toml:"max_conn_idle_time"`
}

// DatabaseConfig holds database configuration with separate read/write endpoints
type DatabaseConfig struct {
	LogQueries       bool                    `toml:"log_queries"`
	QueryTimeout     string                  `toml:"query_timeout"`
	MigrationTimeout string                  `toml:"migration_timeout"`
	AutoMigrate      bool                    `toml:"auto_migrate"`
	Write            *DatabaseEndpointConfig `toml:"write"`
	Read             *DatabaseEndpointConfig `toml:"read"` // optional, defaults to the write endpoint
}

func (e *DatabaseEndpointConfig) GetMaxConnLifetime() (time.Duration, error) {
	if e.MaxConnLifetime == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(e.MaxConnLifetime)
}

func (e *DatabaseEndpointConfig) GetMaxConnIdleTime() (time.Duration, error) {
	if e.MaxConnIdleTime == "" {
		return 30 * time.Minute, nil
	}
	return helpers.ParseDuration(e.MaxConnIdleTime)
}

func (d *DatabaseConfig) GetQueryTimeout() (time.Duration, error) {
	if d.QueryTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(d.QueryTimeout)
}

func (d *DatabaseConfig) GetMigrationTimeout() (time.Duration, error) {
	if d.MigrationTimeout == "" {
		return 2 * time.Minute, nil
	}
	return helpers.ParseDuration(d.MigrationTimeout)
}

// S3Config holds the remote mirror configuration for archive units.
type S3Config struct {
	Endpoint      string `toml:"endpoint"`
	DisableTLS    bool   `toml:"disable_tls"`
	AccessKey     string `toml:"access_key"`
	SecretKey     string `toml:"secret_key"`
	Bucket        string `toml:"bucket"`
	Prefix        string `toml:"prefix"` // key prefix for archive units
	Debug         bool   `toml:"debug"`  // trace S3 requests
	Encrypt       bool   `toml:"encrypt"`
	EncryptionKey string `toml:"encryption_key"` // hex encoded 32 byte key
	MaxRetries    int    `toml:"max_retries"`
	RetryInterval string `toml:"retry_interval"`
}

// IsConfigured reports whether a remote target is set. Only remote copies need it.
func (s *S3Config) IsConfigured() bool {
	return s.Endpoint != "" && s.Bucket != ""
}

func (s *S3Config) GetRetryInterval() (time.Duration, error) {
	if s.RetryInterval == "" {
		return time.Second, nil
	}
	return helpers.ParseDuration(s.RetryInterval)
}

func (s *S3Config) GetMaxRetries() int {
	if s.MaxRetries <= 0 {
		return 3
	}
	return s.MaxRetries
}

// IngestConfig configures log tailing.
type IngestConfig struct {
	LogPath            string `toml:"log_path"`
	StateDir           string `toml:"state_dir"`
	PollInterval       string `toml:"poll_interval"`
	CheckpointInterval string `toml:"checkpoint_interval"`
	CheckpointEvery    int    `toml:"checkpoint_every"` // save the offset after this many records
	SeenRetention      string `toml:"seen_retention"`   // how long line hashes are kept for replay detection
	StartAtEnd         bool   `toml:"start_at_end"`     // without a checkpoint, skip existing content
}

func (c *IngestConfig) GetPollInterval() (time.Duration, error) {
	if c.PollInterval == "" {
		return time.Second, nil
	}
	return helpers.ParseDuration(c.PollInterval)
}

func (c *IngestConfig) GetCheckpointInterval() (time.Duration, error) {
	if c.CheckpointInterval == "" {
		return 5 * time.Second, nil
	}
	return helpers.ParseDuration(c.CheckpointInterval)
}

func (c *IngestConfig) GetSeenRetention() (time.Duration, error) {
	if c.SeenRetention == "" {
		return 7 * 24 * time.Hour, nil
	}
	return helpers.ParseDuration(c.SeenRetention)
}

func (c *IngestConfig) GetCheckpointEvery() int {
	if c.CheckpointEvery <= 0 {
		return 100
	}
	return c.CheckpointEvery
}

// SMTPUser is a submission account. PasswordHash is a bcrypt hash.
type SMTPUser struct {
	Username     string `toml:"username"`
	PasswordHash string `toml:"password_hash"`
}

// SMTPDConfig configures the submission listener.
type SMTPDConfig struct {
	Start             bool       `toml:"start"`
	Addr              string     `toml:"addr"`
	Hostname          string     `toml:"hostname"`
	RelayAddr         string     `toml:"relay_addr"` // MTA that accepts the relayed messages
	MaxMessageBytes   int64      `toml:"max_message_bytes"`
	MaxRecipients     int        `toml:"max_recipients"`
	ReadTimeout       string     `toml:"read_timeout"`
	WriteTimeout      string     `toml:"write_timeout"`
	AllowInsecureAuth bool       `toml:"allow_insecure_auth"`
	Users             []SMTPUser `toml:"users"`
}

func (c *SMTPDConfig) GetReadTimeout() (time.Duration, error) {
	if c.ReadTimeout == "" {
		return time.Minute, nil
	}
	return helpers.ParseDuration(c.ReadTimeout)
}

func (c *SMTPDConfig) GetWriteTimeout() (time.Duration, error) {
	if c.WriteTimeout == "" {
		return time.Minute, nil
	}
	return helpers.ParseDuration(c.WriteTimeout)
}

// ArchiveConfig configures per-day archiving.
type ArchiveConfig struct {
	Start    bool   `toml:"start"` // run the daily archive worker in serve mode
	Path     string `toml:"path"`
	Cutoff   string `toml:"cutoff"`   // days younger than this stay live
	Interval string `toml:"interval"` // how often the worker runs
	LockTTL  string `toml:"lock_ttl"`
	Mirror   bool   `toml:"mirror"` // copy each archived day to S3
}

func (c *ArchiveConfig) GetCutoff() (time.Duration, error) {
	if c.Cutoff == "" {
		return 90 * 24 * time.Hour, nil
	}
	return helpers.ParseDuration(c.Cutoff)
}

func (c *ArchiveConfig) GetInterval() (time.Duration, error) {
	if c.Interval == "" {
		return 24 * time.Hour, nil
	}
	return helpers.ParseDuration(c.Interval)
}

func (c *ArchiveConfig) GetLockTTL() (time.Duration, error) {
	if c.LockTTL == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(c.LockTTL)
}

// DenyListConfig configures suppression expiry.
type DenyListConfig struct {
	Retention     string `toml:"retention"`
	SweepInterval string `toml:"sweep_interval"`
}

func (c *DenyListConfig) GetRetention() (time.Duration, error) {
	if c.Retention == "" {
		return 7 * 24 * time.Hour, nil
	}
	return helpers.ParseDuration(c.Retention)
}

func (c *DenyListConfig) GetSweepInterval() (time.Duration, error) {
	if c.SweepInterval == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(c.SweepInterval)
}

// ReconcileConfig configures the status reconciliation sweep.
type ReconcileConfig struct {
	Interval  string `toml:"interval"`
	Lookback  string `toml:"lookback"`
	BatchSize int    `toml:"batch_size"`
}

func (c *ReconcileConfig) GetInterval() (time.Duration, error) {
	if c.Interval == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(c.Interval)
}

func (c *ReconcileConfig) GetLookback() (time.Duration, error) {
	if c.Lookback == "" {
		return 7 * 24 * time.Hour, nil
	}
	return helpers.ParseDuration(c.Lookback)
}

func (c *ReconcileConfig) GetBatchSize() int {
	if c.BatchSize <= 0 {
		return 500
	}
	return c.BatchSize
}

// MetricsConfig holds metrics server configuration
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
	Path    string `toml:"path"`
}

// HTTPAPIConfig holds the admin HTTP API configuration
type HTTPAPIConfig struct {
	Start          bool     `toml:"start"`
	Addr           string   `toml:"addr"`
	APIKey         string   `toml:"api_key"`
	AllowedHosts   []string `toml:"allowed_hosts"`   // client IPs or CIDR blocks, empty allows all
	TrustedProxies []string `toml:"trusted_proxies"` // peers whose X-Forwarded-For is honoured
	TLS            bool     `toml:"tls"`
	TLSCertFile    string   `toml:"tls_cert_file"`
	TLSKeyFile     string   `toml:"tls_key_file"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output     string `toml:"output"` // "stderr", "stdout", "syslog", or file path
	Format     string `toml:"format"` // "json" or "console"
	Level      string `toml:"level"`  // "debug", "info", "warn", "error"
	SyslogTag  string `toml:"syslog_tag"`
	MaxSizeMB  int    `toml:"max_size_mb"` // file output rotation
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// Config holds all configuration for the application.
type Config struct {
	Timezone  string          `toml:"timezone"` // zone that defines calendar days, default UTC
	Logging   LoggingConfig   `toml:"logging"`
	Database  DatabaseConfig  `toml:"database"`
	S3        S3Config        `toml:"s3"`
	Ingest    IngestConfig    `toml:"ingest"`
	SMTPD     SMTPDConfig     `toml:"smtpd"`
	Archive   ArchiveConfig   `toml:"archive"`
	DenyList  DenyListConfig  `toml:"denylist"`
	Reconcile ReconcileConfig `toml:"reconcile"`
	HTTPAPI   HTTPAPIConfig   `toml:"http_api"`
	Metrics   MetricsConfig   `toml:"metrics"`
}

// NewDefaultConfig creates a Config struct with default values.
func NewDefaultConfig() Config {
	return Config{
		Timezone: "UTC",
		Logging: LoggingConfig{
			Output:     "stderr",
			Format:     "console",
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 7,
			MaxAgeDays: 30,
		},
		Database: DatabaseConfig{
			QueryTimeout:     "30s",
			MigrationTimeout: "2m",
			AutoMigrate:      true,
			Write: &DatabaseEndpointConfig{
				Hosts: []string{"localhost"},
				Port:  "5432",
				User:  "postgres",
				Name:  "mailtrack",
			},
		},
		S3: S3Config{
			Prefix:        "archive",
			MaxRetries:    3,
			RetryInterval: "1s",
		},
		Ingest: IngestConfig{
			LogPath:            "/var/log/mail.log",
			StateDir:           "/var/lib/mailtrack",
			PollInterval:       "1s",
			CheckpointInterval: "5s",
			CheckpointEvery:    100,
			SeenRetention:      "7d",
		},
		SMTPD: SMTPDConfig{
			Addr:            ":1587",
			Hostname:        "localhost",
			RelayAddr:       "localhost:25",
			MaxMessageBytes: 25 * 1024 * 1024,
			MaxRecipients:   100,
			ReadTimeout:     "1m",
			WriteTimeout:    "1m",
		},
		Archive: ArchiveConfig{
			Path:     "/var/lib/mailtrack/archive",
			Cutoff:   "90d",
			Interval: "24h",
			LockTTL:  "1h",
		},
		DenyList: DenyListConfig{
			Retention:     "7d",
			SweepInterval: "1h",
		},
		Reconcile: ReconcileConfig{
			Interval:  "1h",
			Lookback:  "7d",
			BatchSize: 500,
		},
		HTTPAPI: HTTPAPIConfig{
			Addr: ":8080",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
			Path:    "/metrics",
		},
	}
}

// GetLocation returns the zone calendar days are computed in.
func (c *Config) GetLocation() (*time.Location, error) {
	if c.Timezone == "" || strings.EqualFold(c.Timezone, "UTC") {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Validate checks settings that are required regardless of which command runs.
func (c *Config) Validate() error {
	if _, err := c.GetLocation(); err != nil {
		return err
	}
	durations := map[string]func() (time.Duration, error){
		"ingest.poll_interval":       c.Ingest.GetPollInterval,
		"ingest.checkpoint_interval": c.Ingest.GetCheckpointInterval,
		"ingest.seen_retention":      c.Ingest.GetSeenRetention,
		"archive.cutoff":             c.Archive.GetCutoff,
		"archive.interval":           c.Archive.GetInterval,
		"archive.lock_ttl":           c.Archive.GetLockTTL,
		"denylist.retention":         c.DenyList.GetRetention,
		"denylist.sweep_interval":    c.DenyList.GetSweepInterval,
		"reconcile.interval":         c.Reconcile.GetInterval,
		"reconcile.lookback":         c.Reconcile.GetLookback,
		"s3.retry_interval":          c.S3.GetRetryInterval,
		"smtpd.read_timeout":         c.SMTPD.GetReadTimeout,
		"smtpd.write_timeout":        c.SMTPD.GetWriteTimeout,
	}
	for key, get := range durations {
		if _, err := get(); err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
	}
	if c.S3.Encrypt && len(c.S3.EncryptionKey) != 64 {
		return fmt.Errorf("s3.encryption_key must be 64 hex characters when s3.encrypt is enabled")
	}
	if c.HTTPAPI.Start && c.HTTPAPI.APIKey == "" {
		return fmt.Errorf("http_api.api_key is required when http_api.start is enabled")
	}
	return nil
}
