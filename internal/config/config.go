// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the agent hub.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// defaultMaxMessageSize is 25 MB in bytes.
const defaultMaxMessageSize = 26214400

// Config holds the complete application configuration.
type Config struct {
	LMTP    LMTPConfig    `yaml:"lmtp"`
	Queue   QueueConfig   `yaml:"queue"`
	Worker  WorkerConfig  `yaml:"worker"`
	Sender  SenderConfig  `yaml:"sender"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// LMTPConfig holds the inbound LMTP server configuration.
type LMTPConfig struct {
	Listen         string `yaml:"listen"`
	Hostname       string `yaml:"hostname"`
	MaxMessageSize int64  `yaml:"max_message_size"`
}

// QueueConfig holds the envelope spool directories.
type QueueConfig struct {
	Dir          string `yaml:"dir"`
	ProcessedDir string `yaml:"processed_dir"`
}

// WorkerConfig holds the queue worker configuration.
type WorkerConfig struct {
	Enabled      bool   `yaml:"enabled"`
	PollInterval string `yaml:"poll_interval"`
}

// Interval parses the poll interval, falling back to one second.
func (w WorkerConfig) Interval() time.Duration {
	d, err := time.ParseDuration(w.PollInterval)
	if err != nil || d <= 0 {
		return time.Second
	}
	return d
}

// SenderConfig selects and configures the outbound delivery backend.
type SenderConfig struct {
	// Backend is one of "smtp", "ses" or "stdout". Empty auto-detects:
	// ses when configured, smtp otherwise.
	Backend string `yaml:"backend"`

	// FromAddress and ToAddress are the transport-level addr-specs used
	// on outbound messages.
	FromAddress string `yaml:"from_address"`
	ToAddress   string `yaml:"to_address"`

	SMTP SMTPSenderConfig `yaml:"smtp"`
	SES  SESSenderConfig  `yaml:"ses"`
}

// SMTPSenderConfig holds the MTA submission settings.
type SMTPSenderConfig struct {
	Host          string `yaml:"host"`
	StartTLS      bool   `yaml:"starttls"`
	TLSSkipVerify bool   `yaml:"tls_skip_verify"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	LocalName     string `yaml:"local_name"`
}

// SESSenderConfig holds the AWS SES settings.
type SESSenderConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// MetricsConfig holds the Prometheus endpoint configuration. Metrics are
// disabled when Listen is empty.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
	Path   string `yaml:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer, then
// overrides with environment variables. Returns an error if the specified
// file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	return cfg, nil
}

// SESConfigured returns true if a SES region is set.
func (c *Config) SESConfigured() bool {
	return c.Sender.SES.Region != ""
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.LMTP.Listen = ":8024"
	c.LMTP.Hostname = "agent-hub"
	c.LMTP.MaxMessageSize = defaultMaxMessageSize
	c.Queue.Dir = "./queue"
	c.Queue.ProcessedDir = "./processed"
	c.Worker.Enabled = true
	c.Worker.PollInterval = "1s"
	c.Sender.FromAddress = "agent@localhost"
	c.Sender.ToAddress = "worker@localhost"
	c.Sender.SMTP.Host = "localhost:25"
	c.Metrics.Path = "/metrics"
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("AGENTHUB_LMTP_LISTEN"); v != "" {
		c.LMTP.Listen = v
	}
	if v := os.Getenv("AGENTHUB_LMTP_HOSTNAME"); v != "" {
		c.LMTP.Hostname = v
	}
	if v := os.Getenv("AGENTHUB_MAX_MESSAGE_SIZE"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil && size > 0 {
			c.LMTP.MaxMessageSize = size
		}
	}
	if v := os.Getenv("AGENTHUB_QUEUE_DIR"); v != "" {
		c.Queue.Dir = v
	}
	if v := os.Getenv("AGENTHUB_PROCESSED_DIR"); v != "" {
		c.Queue.ProcessedDir = v
	}
	if v := os.Getenv("AGENTHUB_WORKER_ENABLED"); v != "" {
		c.Worker.Enabled = parseBool(v, c.Worker.Enabled)
	}
	if v := os.Getenv("AGENTHUB_POLL_INTERVAL"); v != "" {
		c.Worker.PollInterval = v
	}

	if v := os.Getenv("AGENTHUB_SENDER"); v != "" {
		c.Sender.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("AGENTHUB_FROM_ADDRESS"); v != "" {
		c.Sender.FromAddress = v
	}
	if v := os.Getenv("AGENTHUB_TO_ADDRESS"); v != "" {
		c.Sender.ToAddress = v
	}
	if v := os.Getenv("AGENTHUB_SMTP_HOST"); v != "" {
		c.Sender.SMTP.Host = v
	}
	if v := os.Getenv("AGENTHUB_SMTP_STARTTLS"); v != "" {
		c.Sender.SMTP.StartTLS = parseBool(v, c.Sender.SMTP.StartTLS)
	}
	if v := os.Getenv("AGENTHUB_SMTP_USERNAME"); v != "" {
		c.Sender.SMTP.Username = v
	}
	if v := os.Getenv("AGENTHUB_SMTP_PASSWORD"); v != "" {
		c.Sender.SMTP.Password = v
	}
	if v := os.Getenv("AGENTHUB_SMTP_LOCAL_NAME"); v != "" {
		c.Sender.SMTP.LocalName = v
	}

	if v := os.Getenv("AGENTHUB_SES_REGION"); v != "" {
		c.Sender.SES.Region = v
	}
	if v := os.Getenv("AGENTHUB_SES_ACCESS_KEY_ID"); v != "" {
		c.Sender.SES.AccessKeyID = v
	}
	if v := os.Getenv("AGENTHUB_SES_SECRET_ACCESS_KEY"); v != "" {
		c.Sender.SES.SecretAccessKey = v
	}

	if v := os.Getenv("AGENTHUB_METRICS_LISTEN"); v != "" {
		c.Metrics.Listen = v
	}
	if v := os.Getenv("AGENTHUB_LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

// parseBool interprets common boolean spellings, keeping the fallback on
// anything unrecognized.
func parseBool(v string, fallback bool) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return fallback
}
