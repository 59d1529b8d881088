package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mismo-messaging/mismo/helpers"
)

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output string `toml:"output"` // Log output: "stderr", "stdout", "syslog", or file path
	Format string `toml:"format"` // Log format: "text" or "json"
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", "error"
}

// DatabaseConfig holds PostgreSQL connection configuration.
type DatabaseConfig struct {
	Debug           bool     `toml:"debug"` // Enable SQL query logging
	Hosts           []string `toml:"hosts"` // Database hosts, optionally with ports
	Port            string   `toml:"port"`  // Default port when not given per host (default: "5432")
	User            string   `toml:"user"`
	Password        string   `toml:"password"`
	Name            string   `toml:"name"`
	TLSMode         bool     `toml:"tls"`
	MaxConns        int      `toml:"max_conns"`          // Maximum number of connections in the pool
	MinConns        int      `toml:"min_conns"`          // Minimum number of connections in the pool
	MaxConnLifetime string   `toml:"max_conn_lifetime"`  // Maximum lifetime of a connection
	MaxConnIdleTime string   `toml:"max_conn_idle_time"` // Maximum idle time before a connection is closed
	QueryTimeout    string   `toml:"query_timeout"`      // Timeout for individual database queries (default: "30s")
	ConnectRetries  int      `toml:"connect_retries"`    // Startup connection attempts before giving up (default: 5)
	ConnectBackoff  string   `toml:"connect_backoff"`    // Initial backoff between startup attempts (default: "2s")
}

// GetMaxConnLifetime parses the max connection lifetime duration
func (d *DatabaseConfig) GetMaxConnLifetime() (time.Duration, error) {
	if d.MaxConnLifetime == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(d.MaxConnLifetime)
}

// GetMaxConnIdleTime parses the max connection idle time duration
func (d *DatabaseConfig) GetMaxConnIdleTime() (time.Duration, error) {
	if d.MaxConnIdleTime == "" {
		return 30 * time.Minute, nil
	}
	return helpers.ParseDuration(d.MaxConnIdleTime)
}

// GetQueryTimeout parses the query timeout duration
func (d *DatabaseConfig) GetQueryTimeout() (time.Duration, error) {
	if d.QueryTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(d.QueryTimeout)
}

// GetConnectRetries returns the startup connection attempt count
func (d *DatabaseConfig) GetConnectRetries() int {
	if d.ConnectRetries <= 0 {
		return 5
	}
	return d.ConnectRetries
}

// GetConnectBackoff parses the initial startup backoff duration
func (d *DatabaseConfig) GetConnectBackoff() (time.Duration, error) {
	if d.ConnectBackoff == "" {
		return 2 * time.Second, nil
	}
	return helpers.ParseDuration(d.ConnectBackoff)
}

// SMTPServerConfig holds SMTP listener configuration. Each instance
// describes a single listener; the plain listener and the implicit TLS
// listener are configured separately.
type SMTPServerConfig struct {
	Start               bool   `toml:"start"`
	Addr                string `toml:"addr"`
	MaxConnections      int    `toml:"max_connections"`        // Maximum concurrent connections
	MaxConnectionsPerIP int    `toml:"max_connections_per_ip"` // Maximum connections per client IP
	MaxMessageSize      string `toml:"max_message_size"`       // Maximum accepted message size (default: "25mb")
	TLS                 bool   `toml:"tls"`                    // Implicit TLS on connect
	TLSCertFile         string `toml:"tls_cert_file"`
	TLSKeyFile          string `toml:"tls_key_file"`
	TLSVerify           bool   `toml:"tls_verify"`
	InsecureAuth        bool   `toml:"insecure_auth"` // Allow AUTH on non-TLS connections
	ReadTimeout         string `toml:"read_timeout"`  // Per-command read timeout (default: "2m")
	WriteTimeout        string `toml:"write_timeout"` // Per-reply write timeout (default: "2m")
}

// GetMaxMessageSize parses the maximum message size
func (c *SMTPServerConfig) GetMaxMessageSize() (int64, error) {
	if c.MaxMessageSize == "" {
		return 25 * 1024 * 1024, nil
	}
	return helpers.ParseSize(c.MaxMessageSize)
}

// GetReadTimeout parses the per-command read timeout
func (c *SMTPServerConfig) GetReadTimeout() (time.Duration, error) {
	if c.ReadTimeout == "" {
		return 2 * time.Minute, nil
	}
	return helpers.ParseDuration(c.ReadTimeout)
}

// GetWriteTimeout parses the per-reply write timeout
func (c *SMTPServerConfig) GetWriteTimeout() (time.Duration, error) {
	if c.WriteTimeout == "" {
		return 2 * time.Minute, nil
	}
	return helpers.ParseDuration(c.WriteTimeout)
}

// POP3ServerConfig holds POP3 server configuration. The server is TLS
// only; plaintext POP3 is not offered.
type POP3ServerConfig struct {
	Start               bool   `toml:"start"`
	Addr                string `toml:"addr"`
	MaxConnections      int    `toml:"max_connections"`        // Maximum concurrent connections
	MaxConnectionsPerIP int    `toml:"max_connections_per_ip"` // Maximum connections per client IP
	TLSCertFile         string `toml:"tls_cert_file"`
	TLSKeyFile          string `toml:"tls_key_file"`
	HandshakeTimeout    string `toml:"handshake_timeout"` // TLS handshake deadline (default: "15s")
	IdleTimeout         string `toml:"idle_timeout"`      // Maximum idle time between commands (default: "30s")
}

// GetHandshakeTimeout parses the TLS handshake timeout
func (c *POP3ServerConfig) GetHandshakeTimeout() (time.Duration, error) {
	if c.HandshakeTimeout == "" {
		return 15 * time.Second, nil
	}
	return helpers.ParseDuration(c.HandshakeTimeout)
}

// GetIdleTimeout parses the session idle timeout
func (c *POP3ServerConfig) GetIdleTimeout() (time.Duration, error) {
	if c.IdleTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(c.IdleTimeout)
}

// QueueConfig holds outbound queue processor configuration.
type QueueConfig struct {
	Start          bool   `toml:"start"`
	SweepInterval  string `toml:"sweep_interval"`   // Interval between queue sweeps (default: "30s")
	LockTimeout    string `toml:"lock_timeout"`     // Age after which a LOCKED message is reclaimed (default: "15m")
	ConnectTimeout string `toml:"connect_timeout"`  // Timeout for connecting to a remote MX (default: "30s")
	DeliveryLimit  int    `toml:"delivery_limit"`   // Messages claimed per sweep (default: 50)
	HeloHostname   string `toml:"helo_hostname"`    // Hostname announced to remote servers (default: system hostname)
	DisableOutTLS  bool   `toml:"disable_starttls"` // Skip STARTTLS negotiation with remote servers
}

// GetSweepInterval parses the sweep interval duration
func (c *QueueConfig) GetSweepInterval() (time.Duration, error) {
	if c.SweepInterval == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(c.SweepInterval)
}

// GetLockTimeout parses the stale lock reclaim threshold
func (c *QueueConfig) GetLockTimeout() (time.Duration, error) {
	if c.LockTimeout == "" {
		return 15 * time.Minute, nil
	}
	return helpers.ParseDuration(c.LockTimeout)
}

// GetConnectTimeout parses the remote connect timeout
func (c *QueueConfig) GetConnectTimeout() (time.Duration, error) {
	if c.ConnectTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(c.ConnectTimeout)
}

// GetDeliveryLimit returns the per-sweep claim limit
func (c *QueueConfig) GetDeliveryLimit() int {
	if c.DeliveryLimit <= 0 {
		return 50
	}
	return c.DeliveryLimit
}

// HTTPAPIConfig holds the status/admin HTTP server configuration.
type HTTPAPIConfig struct {
	Start        bool     `toml:"start"`
	Addr         string   `toml:"addr"`
	AllowedHosts []string `toml:"allowed_hosts"` // If empty, all hosts are allowed
	LogDir       string   `toml:"log_dir"`       // Directory served by the log retrieval endpoint
}

// MetricsConfig holds Prometheus metrics exposure configuration.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"` // Metrics path on the HTTP API server (default: "/metrics")
}

// GetPath returns the metrics path with its default
func (m *MetricsConfig) GetPath() string {
	if m.Path == "" {
		return "/metrics"
	}
	return m.Path
}

// Config is the top level configuration for the mismo server.
type Config struct {
	Hostname     string           `toml:"hostname"`      // Mail hostname used for message IDs and HELO (default: system hostname)
	LocalDomains []string         `toml:"local_domains"` // Domains bootstrapped into the registry at startup
	Logging      LoggingConfig    `toml:"logging"`
	Database     DatabaseConfig   `toml:"database"`
	SMTP         SMTPServerConfig `toml:"smtp"`
	SMTPS        SMTPServerConfig `toml:"smtps"`
	POP3         POP3ServerConfig `toml:"pop3"`
	Queue        QueueConfig      `toml:"queue"`
	HTTPAPI      HTTPAPIConfig    `toml:"http_api"`
	Metrics      MetricsConfig    `toml:"metrics"`
}

// GetHostname returns the configured mail hostname, falling back to the
// system hostname.
func (c *Config) GetHostname() string {
	if c.Hostname != "" {
		return c.Hostname
	}
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "localhost"
}

// NewDefaultConfig returns a configuration with all defaults applied,
// suitable as the base for toml decoding.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "text",
			Level:  "info",
		},
		Database: DatabaseConfig{
			Hosts: []string{"localhost"},
			Port:  "5432",
			User:  "postgres",
			Name:  "mismo",
		},
		SMTP: SMTPServerConfig{
			Start: true,
			Addr:  ":2525",
		},
		SMTPS: SMTPServerConfig{
			Start: false,
			Addr:  ":4465",
			TLS:   true,
		},
		// POP3 is implicit-TLS only and cannot start without a
		// certificate, so it stays off until one is configured.
		POP3: POP3ServerConfig{
			Start: false,
			Addr:  ":9950",
		},
		Queue: QueueConfig{
			Start: true,
		},
		HTTPAPI: HTTPAPIConfig{
			Start: false,
			Addr:  ":8080",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// LoadConfig decodes the TOML file at path over the default
// configuration and validates the result.
func LoadConfig(path string) (Config, error) {
	cfg := NewDefaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file '%s': %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration for violations and returns them all
// at once, so a bad file is fixed in one pass rather than one restart at
// a time.
func (c *Config) Validate() error {
	var violations []string

	if len(c.Database.Hosts) == 0 {
		violations = append(violations, "database.hosts must not be empty")
	}
	if c.Database.Name == "" {
		violations = append(violations, "database.name must not be empty")
	}
	if _, err := c.Database.GetQueryTimeout(); err != nil {
		violations = append(violations, fmt.Sprintf("database.query_timeout: %v", err))
	}
	if _, err := c.Database.GetConnectBackoff(); err != nil {
		violations = append(violations, fmt.Sprintf("database.connect_backoff: %v", err))
	}

	for name, s := range map[string]*SMTPServerConfig{"smtp": &c.SMTP, "smtps": &c.SMTPS} {
		if !s.Start {
			continue
		}
		if s.Addr == "" {
			violations = append(violations, fmt.Sprintf("%s.addr must not be empty", name))
		}
		if s.TLS && (s.TLSCertFile == "" || s.TLSKeyFile == "") {
			violations = append(violations, fmt.Sprintf("%s: tls requires tls_cert_file and tls_key_file", name))
		}
		if _, err := s.GetMaxMessageSize(); err != nil {
			violations = append(violations, fmt.Sprintf("%s.max_message_size: %v", name, err))
		}
		if _, err := s.GetReadTimeout(); err != nil {
			violations = append(violations, fmt.Sprintf("%s.read_timeout: %v", name, err))
		}
	}

	if c.POP3.Start {
		if c.POP3.Addr == "" {
			violations = append(violations, "pop3.addr must not be empty")
		}
		if c.POP3.TLSCertFile == "" || c.POP3.TLSKeyFile == "" {
			violations = append(violations, "pop3: tls_cert_file and tls_key_file are required")
		}
		if _, err := c.POP3.GetIdleTimeout(); err != nil {
			violations = append(violations, fmt.Sprintf("pop3.idle_timeout: %v", err))
		}
		if _, err := c.POP3.GetHandshakeTimeout(); err != nil {
			violations = append(violations, fmt.Sprintf("pop3.handshake_timeout: %v", err))
		}
	}

	if c.Queue.Start {
		if d, err := c.Queue.GetSweepInterval(); err != nil {
			violations = append(violations, fmt.Sprintf("queue.sweep_interval: %v", err))
		} else if d < time.Second {
			violations = append(violations, "queue.sweep_interval must be at least 1s")
		}
		if _, err := c.Queue.GetLockTimeout(); err != nil {
			violations = append(violations, fmt.Sprintf("queue.lock_timeout: %v", err))
		}
		if _, err := c.Queue.GetConnectTimeout(); err != nil {
			violations = append(violations, fmt.Sprintf("queue.connect_timeout: %v", err))
		}
	}

	if c.HTTPAPI.Start && c.HTTPAPI.Addr == "" {
		violations = append(violations, "http_api.addr must not be empty")
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		violations = append(violations, fmt.Sprintf("logging.level '%s' is not one of debug, info, warn, error", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		violations = append(violations, fmt.Sprintf("logging.format '%s' is not one of text, json", c.Logging.Format))
	}

	if len(violations) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(violations, "\n  - "))
	}
	return nil
}
