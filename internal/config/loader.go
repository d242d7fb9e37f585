package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies ORDERBRIDGE_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known ORDERBRIDGE_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Broker ──
	setStr(&cfg.Broker.BaseURL, "ORDERBRIDGE_BROKER_BASE_URL")
	setStr(&cfg.Broker.APIKey, "ORDERBRIDGE_BROKER_API_KEY")
	setUint64(&cfg.Broker.Login, "ORDERBRIDGE_BROKER_LOGIN")
	setStr(&cfg.Broker.Password, "ORDERBRIDGE_BROKER_PASSWORD")
	setStr(&cfg.Broker.Server, "ORDERBRIDGE_BROKER_SERVER")
	setDuration(&cfg.Broker.Timeout, "ORDERBRIDGE_BROKER_TIMEOUT")
	setDuration(&cfg.Broker.ConstraintCacheTTL, "ORDERBRIDGE_BROKER_CONSTRAINT_CACHE_TTL")

	// ── Account ──
	setInt64(&cfg.Account.Magic, "ORDERBRIDGE_ACCOUNT_MAGIC")
	setInt(&cfg.Account.Deviation, "ORDERBRIDGE_ACCOUNT_DEVIATION")

	// ── Queue ──
	setStr(&cfg.Queue.Backend, "ORDERBRIDGE_QUEUE_BACKEND")
	setStr(&cfg.Queue.SQS.QueueURL, "ORDERBRIDGE_QUEUE_SQS_QUEUE_URL")
	setDuration(&cfg.Queue.SQS.WaitTime, "ORDERBRIDGE_QUEUE_SQS_WAIT_TIME")
	setDuration(&cfg.Queue.SQS.VisibilityTimeout, "ORDERBRIDGE_QUEUE_SQS_VISIBILITY_TIMEOUT")
	setStr(&cfg.Queue.RedisStream.Stream, "ORDERBRIDGE_QUEUE_REDIS_STREAM")
	setStr(&cfg.Queue.RedisStream.Group, "ORDERBRIDGE_QUEUE_REDIS_GROUP")
	setStr(&cfg.Queue.RedisStream.Consumer, "ORDERBRIDGE_QUEUE_REDIS_CONSUMER")
	setDuration(&cfg.Queue.LockTTL, "ORDERBRIDGE_QUEUE_LOCK_TTL")

	// ── Ledger ──
	setStr(&cfg.Ledger.Backend, "ORDERBRIDGE_LEDGER_BACKEND")
	setStr(&cfg.Ledger.Dynamo.Table, "ORDERBRIDGE_LEDGER_DYNAMO_TABLE")
	setStr(&cfg.Ledger.Dynamo.Endpoint, "ORDERBRIDGE_LEDGER_DYNAMO_ENDPOINT")
	setBool(&cfg.Ledger.Dynamo.CreateTable, "ORDERBRIDGE_LEDGER_DYNAMO_CREATE_TABLE")
	setStr(&cfg.Ledger.Postgres.DSN, "ORDERBRIDGE_LEDGER_POSTGRES_DSN")
	setStr(&cfg.Ledger.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Ledger.Postgres.Host, "ORDERBRIDGE_LEDGER_POSTGRES_HOST")
	setInt(&cfg.Ledger.Postgres.Port, "ORDERBRIDGE_LEDGER_POSTGRES_PORT")
	setStr(&cfg.Ledger.Postgres.Database, "ORDERBRIDGE_LEDGER_POSTGRES_DATABASE")
	setStr(&cfg.Ledger.Postgres.User, "ORDERBRIDGE_LEDGER_POSTGRES_USER")
	setStr(&cfg.Ledger.Postgres.Password, "ORDERBRIDGE_LEDGER_POSTGRES_PASSWORD")
	setStr(&cfg.Ledger.Postgres.SSLMode, "ORDERBRIDGE_LEDGER_POSTGRES_SSL_MODE")
	setBool(&cfg.Ledger.Postgres.RunMigrations, "ORDERBRIDGE_LEDGER_POSTGRES_RUN_MIGRATIONS")

	// ── AWS ──
	setStr(&cfg.AWS.Region, "ORDERBRIDGE_AWS_REGION")
	setStr(&cfg.AWS.Endpoint, "ORDERBRIDGE_AWS_ENDPOINT")
	setStr(&cfg.AWS.AccessKey, "ORDERBRIDGE_AWS_ACCESS_KEY")
	setStr(&cfg.AWS.SecretKey, "ORDERBRIDGE_AWS_SECRET_KEY")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "ORDERBRIDGE_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "ORDERBRIDGE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ORDERBRIDGE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ORDERBRIDGE_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "ORDERBRIDGE_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "ORDERBRIDGE_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "ORDERBRIDGE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ORDERBRIDGE_S3_REGION")
	setStr(&cfg.S3.Bucket, "ORDERBRIDGE_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "ORDERBRIDGE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ORDERBRIDGE_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "ORDERBRIDGE_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "ORDERBRIDGE_S3_FORCE_PATH_STYLE")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "ORDERBRIDGE_ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Cron, "ORDERBRIDGE_ARCHIVE_CRON")
	setInt(&cfg.Archive.RetentionDays, "ORDERBRIDGE_ARCHIVE_RETENTION_DAYS")

	// ── Server ──
	setInt(&cfg.Server.Port, "ORDERBRIDGE_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "ORDERBRIDGE_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "ORDERBRIDGE_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimit, "ORDERBRIDGE_SERVER_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "ORDERBRIDGE_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "ORDERBRIDGE_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "ORDERBRIDGE_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "ORDERBRIDGE_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "ORDERBRIDGE_MODE")
	setStr(&cfg.LogLevel, "ORDERBRIDGE_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
