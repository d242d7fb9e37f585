package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/alanyoungcy/orderbridge/internal/blob/s3"
	"github.com/alanyoungcy/orderbridge/internal/broker"
	"github.com/alanyoungcy/orderbridge/internal/broker/mt5"
	"github.com/alanyoungcy/orderbridge/internal/cache/redis"
	"github.com/alanyoungcy/orderbridge/internal/config"
	"github.com/alanyoungcy/orderbridge/internal/dispatcher"
	"github.com/alanyoungcy/orderbridge/internal/domain"
	"github.com/alanyoungcy/orderbridge/internal/events"
	"github.com/alanyoungcy/orderbridge/internal/executor"
	"github.com/alanyoungcy/orderbridge/internal/notify"
	"github.com/alanyoungcy/orderbridge/internal/platform/awsconf"
	"github.com/alanyoungcy/orderbridge/internal/queue/redisstream"
	"github.com/alanyoungcy/orderbridge/internal/queue/sqs"
	"github.com/alanyoungcy/orderbridge/internal/server/handler"
	"github.com/alanyoungcy/orderbridge/internal/service"
	"github.com/alanyoungcy/orderbridge/internal/store/dynamo"
	"github.com/alanyoungcy/orderbridge/internal/store/memory"
	"github.com/alanyoungcy/orderbridge/internal/store/postgres"
)

// Stores is the persistence layer: the ledger and the audit log.
type Stores struct {
	Ledger domain.Ledger
	Audit  domain.AuditStore

	ping handler.Pinger
}

// healthCheck is a dependency probe exposed on /api/health.
type healthCheck struct {
	name string
	ping handler.Pinger
}

// Dependencies bundles everything the run modes need. Optional parts are
// nil when their backend is disabled: Redis-backed pieces without
// redis.enabled, Queue outside dispatch modes and Archive without
// archive.enabled.
type Dependencies struct {
	Stores

	// Redis
	Bus         domain.EventBus
	Locks       domain.LockManager
	RateLimiter domain.RateLimiter

	Notifier *notify.Notifier
	Events   domain.EventRecorder

	Session    *broker.Session
	KillSwitch *service.KillSwitchService
	Positions  *service.PositionService
	Executor   *executor.Executor
	Archive    *service.ArchiveService

	Queue dispatcher.Queue

	checks []healthCheck
}

// closers runs registered cleanups in reverse order.
type closers []func()

func (c *closers) add(f func()) { *c = append(*c, f) }

func (c closers) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func awsOptions(cfg *config.Config, endpoint string) awsconf.Options {
	if endpoint == "" {
		endpoint = cfg.AWS.Endpoint
	}
	return awsconf.Options{
		Region:    cfg.AWS.Region,
		Endpoint:  endpoint,
		AccessKey: cfg.AWS.AccessKey,
		SecretKey: cfg.AWS.SecretKey,
		UseSSL:    cfg.AWS.UseSSL,
	}
}

// s3Options falls back to the aws section for unset s3 fields.
func s3Options(cfg *config.Config) awsconf.Options {
	opts := awsOptions(cfg, cfg.S3.Endpoint)
	if cfg.S3.Region != "" {
		opts.Region = cfg.S3.Region
	}
	if cfg.S3.AccessKey != "" || cfg.S3.SecretKey != "" {
		opts.AccessKey = cfg.S3.AccessKey
		opts.SecretKey = cfg.S3.SecretKey
	}
	if cfg.S3.Endpoint != "" {
		opts.UseSSL = cfg.S3.UseSSL
	}
	return opts
}

// WireStores opens the configured ledger backend.
func WireStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Stores, func(), error) {
	var cl closers

	switch strings.ToLower(cfg.Ledger.Backend) {
	case "dynamo":
		client, err := dynamo.New(ctx, dynamo.ClientConfig{
			AWS:   awsOptions(cfg, cfg.Ledger.Dynamo.Endpoint),
			Table: cfg.Ledger.Dynamo.Table,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("wire: dynamo: %w", err)
		}
		if cfg.Ledger.Dynamo.CreateTable {
			if err := client.EnsureTable(ctx); err != nil {
				return nil, nil, fmt.Errorf("wire: dynamo table: %w", err)
			}
		}
		store := dynamo.NewStore(client.Underlying(), client.Table())
		logger.InfoContext(ctx, "ledger backend ready",
			slog.String("backend", "dynamo"),
			slog.String("table", client.Table()),
		)
		return &Stores{Ledger: store, Audit: store}, cl.run, nil

	case "postgres":
		p := cfg.Ledger.Postgres
		pg, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      p.DSN,
			Host:     p.Host,
			Port:     p.Port,
			Database: p.Database,
			User:     p.User,
			Password: p.Password,
			SSLMode:  p.SSLMode,
			MaxConns: p.PoolMaxConns,
			MinConns: p.PoolMinConns,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		cl.add(pg.Close)

		if p.RunMigrations {
			if err := pg.RunMigrations(ctx); err != nil {
				cl.run()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}
		logger.InfoContext(ctx, "ledger backend ready", slog.String("backend", "postgres"))
		return &Stores{
			Ledger: postgres.NewLedger(pg.Pool()),
			Audit:  postgres.NewAuditStore(pg.Pool()),
			ping:   pg,
		}, cl.run, nil

	case "memory":
		logger.WarnContext(ctx, "ledger backend is in-memory; positions are lost on restart")
		store := memory.New()
		return &Stores{Ledger: store, Audit: store}, cl.run, nil

	default:
		return nil, nil, fmt.Errorf("wire: unknown ledger backend %q", cfg.Ledger.Backend)
	}
}

// NewRecorder builds the event recorder over the audit log, the optional
// bus and the configured alert senders.
func NewRecorder(cfg *config.Config, audit domain.AuditStore, bus domain.EventBus, logger *slog.Logger) (domain.EventRecorder, *notify.Notifier) {
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	notifier := notify.NewNotifier(senders, cfg.Notify.Events, logger)

	opts := []events.Option{events.WithAudit(audit)}
	if bus != nil {
		opts = append(opts, events.WithPublisher(bus))
	}
	if notifier.Enabled() {
		opts = append(opts, events.WithAlerter(notifier))
	}
	return events.NewRecorder(logger, opts...), notifier
}

// WireArchive builds the S3-backed archive service. The returned Pinger
// probes the bucket.
func WireArchive(ctx context.Context, cfg *config.Config, stores *Stores, logger *slog.Logger) (*service.ArchiveService, handler.Pinger, error) {
	client, err := s3blob.New(ctx, s3blob.ClientConfig{
		AWS:            s3Options(cfg),
		Bucket:         cfg.S3.Bucket,
		ForcePathStyle: cfg.S3.ForcePathStyle,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("wire: s3: %w", err)
	}
	return service.NewArchiveService(
		stores.Ledger,
		s3blob.NewWriter(client),
		stores.Audit,
		logger,
		service.WithArchiveReader(s3blob.NewReader(client)),
	), client, nil
}

// Wire constructs all concrete dependency implementations from cfg and
// returns them together with a cleanup function to call on shutdown.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var cl closers

	stores, closeStores, err := WireStores(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	cl.add(closeStores)

	deps := &Dependencies{Stores: *stores}
	if stores.ping != nil {
		deps.checks = append(deps.checks, healthCheck{name: "postgres", ping: stores.ping})
	}

	// --- Redis ---
	var (
		redisClient *redis.Client
		constraints domain.ConstraintCache
	)
	if cfg.Redis.Enabled {
		redisClient, err = redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cl.run()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		cl.add(func() { _ = redisClient.Close() })
		deps.checks = append(deps.checks, healthCheck{name: "redis", ping: redisClient})

		deps.Bus = redis.NewEventBus(redisClient)
		deps.Locks = redis.NewLockManager(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		constraints = redis.NewConstraintCache(redisClient, cfg.Broker.ConstraintCacheTTL.Duration)
	} else {
		logger.WarnContext(ctx, "redis disabled: no broker lock, event stream or API rate limit")
	}

	deps.Events, deps.Notifier = NewRecorder(cfg, deps.Audit, deps.Bus, logger)

	// --- Broker ---
	sessionOpts := []broker.Option{broker.WithCallTimeout(cfg.Broker.Timeout.Duration)}
	if constraints != nil {
		sessionOpts = append(sessionOpts, broker.WithConstraintCache(constraints))
	}
	deps.Session = broker.NewSession(mt5.New(mt5.Config{
		BaseURL: cfg.Broker.BaseURL,
		APIKey:  cfg.Broker.APIKey,
		Timeout: cfg.Broker.Timeout.Duration,
	}), logger, sessionOpts...)

	// --- Services ---
	account := domain.AccountContext{
		Login:     cfg.Broker.Login,
		Magic:     cfg.Account.Magic,
		Deviation: cfg.Account.Deviation,
	}
	deps.KillSwitch = service.NewKillSwitchService(deps.Ledger, deps.Events, logger)
	deps.Positions = service.NewPositionService(deps.Session, deps.Ledger, deps.KillSwitch, deps.Events, account, logger)
	deps.Executor = executor.New(deps.Session, deps.Ledger, deps.Events, logger)

	if cfg.Archive.Enabled {
		var bucket handler.Pinger
		deps.Archive, bucket, err = WireArchive(ctx, cfg, stores, logger)
		if err != nil {
			cl.run()
			return nil, nil, err
		}
		deps.checks = append(deps.checks, healthCheck{name: "s3", ping: bucket})
	}

	// --- Command queue ---
	if cfg.Dispatches() {
		deps.Queue, err = wireQueue(ctx, cfg, redisClient)
		if err != nil {
			cl.run()
			return nil, nil, err
		}
	}

	return deps, cl.run, nil
}

func wireQueue(ctx context.Context, cfg *config.Config, redisClient *redis.Client) (dispatcher.Queue, error) {
	switch strings.ToLower(cfg.Queue.Backend) {
	case "sqs":
		q, err := sqs.New(ctx, sqs.Config{
			AWS:               awsOptions(cfg, ""),
			QueueURL:          cfg.Queue.SQS.QueueURL,
			WaitTime:          cfg.Queue.SQS.WaitTime.Duration,
			VisibilityTimeout: cfg.Queue.SQS.VisibilityTimeout.Duration,
		})
		if err != nil {
			return nil, fmt.Errorf("wire: %w", err)
		}
		return q, nil

	case "redis":
		if redisClient == nil {
			return nil, fmt.Errorf("wire: redis queue requires redis.enabled")
		}
		rs := cfg.Queue.RedisStream
		q := redisstream.New(redisClient.Underlying(), redisstream.Config{
			Stream:            rs.Stream,
			Group:             rs.Group,
			Consumer:          rs.Consumer,
			Block:             rs.Block.Duration,
			VisibilityTimeout: rs.VisibilityTimeout.Duration,
		})
		if err := q.EnsureGroup(ctx); err != nil {
			return nil, fmt.Errorf("wire: %w", err)
		}
		return q, nil

	default:
		return nil, fmt.Errorf("wire: unknown queue backend %q", cfg.Queue.Backend)
	}
}
