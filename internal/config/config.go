// Package config defines the top-level configuration for orderbridge and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by ORDERBRIDGE_* environment variables.
type Config struct {
	Broker   BrokerConfig  `toml:"broker"`
	Account  AccountConfig `toml:"account"`
	Queue    QueueConfig   `toml:"queue"`
	Ledger   LedgerConfig  `toml:"ledger"`
	AWS      AWSConfig     `toml:"aws"`
	Redis    RedisConfig   `toml:"redis"`
	S3       S3Config      `toml:"s3"`
	Archive  ArchiveConfig `toml:"archive"`
	Server   ServerConfig  `toml:"server"`
	Notify   NotifyConfig  `toml:"notify"`
	Mode     string        `toml:"mode"`
	LogLevel string        `toml:"log_level"`
}

// BrokerConfig points at the MT5 bridge and holds the trading account login.
type BrokerConfig struct {
	BaseURL            string   `toml:"base_url"`
	APIKey             string   `toml:"api_key"`
	Login              uint64   `toml:"login"`
	Password           string   `toml:"password"`
	Server             string   `toml:"server"`
	Timeout            duration `toml:"timeout"`
	ConstraintCacheTTL duration `toml:"constraint_cache_ttl"`
}

// AccountConfig is stamped on every trade request.
type AccountConfig struct {
	Magic     int64 `toml:"magic"`
	Deviation int   `toml:"deviation"`
}

// QueueConfig selects the inbound command queue.
type QueueConfig struct {
	Backend     string            `toml:"backend"` // sqs | redis
	SQS         SQSConfig         `toml:"sqs"`
	RedisStream RedisStreamConfig `toml:"redis_stream"`
	LockTTL     duration          `toml:"lock_ttl"`
	DedupTTL    duration          `toml:"dedup_ttl"`
}

// SQSConfig holds the SQS queue parameters. Credentials come from [aws].
type SQSConfig struct {
	QueueURL          string   `toml:"queue_url"`
	WaitTime          duration `toml:"wait_time"`
	VisibilityTimeout duration `toml:"visibility_timeout"`
}

// RedisStreamConfig holds the consumer-group stream parameters.
type RedisStreamConfig struct {
	Stream            string   `toml:"stream"`
	Group             string   `toml:"group"`
	Consumer          string   `toml:"consumer"`
	Block             duration `toml:"block"`
	VisibilityTimeout duration `toml:"visibility_timeout"`
}

// LedgerConfig selects the position/order ledger backend.
type LedgerConfig struct {
	Backend  string         `toml:"backend"` // dynamo | postgres | memory
	Dynamo   DynamoConfig   `toml:"dynamo"`
	Postgres PostgresConfig `toml:"postgres"`
}

// DynamoConfig holds the single-table layout parameters.
type DynamoConfig struct {
	Table       string `toml:"table"`
	Endpoint    string `toml:"endpoint"`
	CreateTable bool   `toml:"create_table"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// AWSConfig is shared by the DynamoDB and SQS clients.
type AWSConfig struct {
	Region    string `toml:"region"`
	Endpoint  string `toml:"endpoint"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	UseSSL    bool   `toml:"use_ssl"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig controls the closed-position archive job.
type ArchiveConfig struct {
	Enabled       bool   `toml:"enabled"`
	Cron          string `toml:"cron"`
	RetentionDays int    `toml:"retention_days"`
	BatchLimit    int    `toml:"batch_limit"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port        int      `toml:"port"`
	APIKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Broker: BrokerConfig{
			BaseURL:            "http://localhost:8080",
			Timeout:            duration{10 * time.Second},
			ConstraintCacheTTL: duration{time.Hour},
		},
		Account: AccountConfig{
			Magic:     234000,
			Deviation: 20,
		},
		Queue: QueueConfig{
			Backend: "sqs",
			SQS: SQSConfig{
				WaitTime:          duration{20 * time.Second},
				VisibilityTimeout: duration{60 * time.Second},
			},
			RedisStream: RedisStreamConfig{
				Stream:            "orderbridge:commands",
				Group:             "orderbridge",
				Consumer:          "dispatcher-1",
				Block:             duration{5 * time.Second},
				VisibilityTimeout: duration{60 * time.Second},
			},
			LockTTL:  duration{time.Minute},
			DedupTTL: duration{15 * time.Minute},
		},
		Ledger: LedgerConfig{
			Backend: "dynamo",
			Dynamo: DynamoConfig{
				Table: "orderbridge",
			},
			Postgres: PostgresConfig{
				Host:          "localhost",
				Port:          5432,
				Database:      "orderbridge",
				User:          "postgres",
				SSLMode:       "disable",
				PoolMaxConns:  10,
				PoolMinConns:  2,
				RunMigrations: true,
			},
		},
		AWS: AWSConfig{
			Region: "us-east-1",
			UseSSL: true,
		},
		Redis: RedisConfig{
			Enabled:    true,
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "orderbridge-archive",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			Cron:          "0 3 * * *",
			RetentionDays: 90,
			BatchLimit:    5000,
		},
		Server: ServerConfig{
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"ledger_drift", "kill_switch_changed", "message_retained"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"dispatch": true,
	"server":   true,
	"full":     true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Dispatches reports whether the mode consumes the command queue.
func (c *Config) Dispatches() bool {
	m := strings.ToLower(c.Mode)
	return m == "dispatch" || m == "full"
}

// Serves reports whether the mode runs the operator HTTP server.
func (c *Config) Serves() bool {
	m := strings.ToLower(c.Mode)
	return m == "server" || m == "full"
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: dispatch, server, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Broker
	if c.Broker.BaseURL == "" {
		errs = append(errs, "broker: base_url must not be empty")
	}
	if c.Broker.Timeout.Duration <= 0 {
		errs = append(errs, "broker: timeout must be > 0")
	}
	if c.Account.Deviation < 0 {
		errs = append(errs, "account: deviation must be >= 0")
	}

	// Queue
	if c.Dispatches() {
		switch strings.ToLower(c.Queue.Backend) {
		case "sqs":
			if c.Queue.SQS.QueueURL == "" {
				errs = append(errs, "queue.sqs: queue_url is required")
			}
			if w := c.Queue.SQS.WaitTime.Duration; w < 0 || w > 20*time.Second {
				errs = append(errs, fmt.Sprintf("queue.sqs: wait_time must be 0-20s, got %s", w))
			}
		case "redis":
			if !c.Redis.Enabled {
				errs = append(errs, "queue: backend redis requires redis.enabled")
			}
			if c.Queue.RedisStream.Stream == "" || c.Queue.RedisStream.Group == "" {
				errs = append(errs, "queue.redis_stream: stream and group must not be empty")
			}
		default:
			errs = append(errs, fmt.Sprintf("queue: unknown backend %q (valid: sqs, redis)", c.Queue.Backend))
		}
		if c.Queue.LockTTL.Duration <= c.Broker.Timeout.Duration {
			errs = append(errs, "queue: lock_ttl must exceed broker.timeout")
		}
	}

	// Ledger
	switch strings.ToLower(c.Ledger.Backend) {
	case "dynamo":
		if c.Ledger.Dynamo.Table == "" {
			errs = append(errs, "ledger.dynamo: table must not be empty")
		}
	case "postgres":
		p := c.Ledger.Postgres
		if strings.TrimSpace(p.DSN) == "" {
			if p.Host == "" {
				errs = append(errs, "ledger.postgres: host must not be empty (or set dsn)")
			}
			if p.Port <= 0 || p.Port > 65535 {
				errs = append(errs, fmt.Sprintf("ledger.postgres: port must be 1-65535, got %d", p.Port))
			}
			if p.Database == "" {
				errs = append(errs, "ledger.postgres: database must not be empty")
			}
		}
		if p.PoolMaxConns < 1 {
			errs = append(errs, "ledger.postgres: pool_max_conns must be >= 1")
		}
		if p.PoolMinConns < 0 || p.PoolMinConns > p.PoolMaxConns {
			errs = append(errs, "ledger.postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	case "memory":
	default:
		errs = append(errs, fmt.Sprintf("ledger: unknown backend %q (valid: dynamo, postgres, memory)", c.Ledger.Backend))
	}

	needsAWS := strings.EqualFold(c.Ledger.Backend, "dynamo") ||
		(c.Dispatches() && strings.EqualFold(c.Queue.Backend, "sqs"))
	if needsAWS && c.AWS.Region == "" {
		errs = append(errs, "aws: region must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// Archive
	if c.Archive.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if len(strings.Fields(c.Archive.Cron)) != 5 {
			errs = append(errs, fmt.Sprintf("archive: cron must have 5 fields, got %q", c.Archive.Cron))
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
	}

	// Server
	if c.Serves() {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
