// Package dispatcher consumes order commands from a queue and routes them to
// the executor or the position closer, one message at a time.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/orderbridge/internal/domain"
	"github.com/alanyoungcy/orderbridge/internal/executor"
	"github.com/alanyoungcy/orderbridge/internal/service"
)

// Queue delivers command messages. Receive long-polls and returns at most
// one message.
type Queue interface {
	Receive(ctx context.Context) ([]domain.QueueMessage, error)
	Delete(ctx context.Context, msg domain.QueueMessage) error
}

// Connector logs the broker session in.
type Connector interface {
	Connect(ctx context.Context, creds domain.Credentials) error
}

// OrderExecutor opens exposure.
type OrderExecutor interface {
	Execute(ctx context.Context, req domain.OrderRequest, acct domain.AccountContext) (*executor.ExecutionReceipt, error)
}

// PositionCloser offsets an open position.
type PositionCloser interface {
	Close(ctx context.Context, ticket uint64, volume *decimal.Decimal) error
}

// Outcome is the ack decision for one message. Ack means the message is
// deleted from the queue.
type Outcome struct {
	Ack    bool
	Reason string
}

// Reasons reported in Outcome. Executor and closer failures are reported as
// "rejected:<code>".
const (
	ReasonExecuted          = "executed"
	ReasonClosed            = "closed"
	ReasonDuplicate         = "duplicate"
	ReasonKillSwitchEngaged = "kill_switch_engaged"
	ReasonParseError        = "parse_error"
	ReasonNoCredentials     = "no_credentials"
	ReasonConnectFailed     = "broker_connect_failed"
	ReasonLockHeld          = "broker_lock_held"
	ReasonUnexpected        = "unexpected_error"
	ReasonPanic             = "panic"
)

// Failures after a trade request was sent are acknowledged with their
// reason suffixed by this, so a redelivery cannot trade again.
const afterSubmitSuffix = "_after_submit"

// Defaults for Config zero values.
const (
	DefaultLockTTL    = time.Minute
	DefaultDedupTTL   = 15 * time.Minute
	DefaultErrBackoff = 2 * time.Second
)

// Config carries the account parameters and tunables of a Processor.
type Config struct {
	Magic      int64
	Deviation  int
	LockTTL    time.Duration
	DedupTTL   time.Duration
	ErrBackoff time.Duration
}

// Processor is the single consumer of a command queue.
type Processor struct {
	queue    Queue
	gate     service.Gate
	creds    domain.CredentialsProvider
	broker   Connector
	executor OrderExecutor
	closer   PositionCloser
	locks    domain.LockManager
	events   domain.EventRecorder
	dedup    *Dedup
	cfg      Config
	logger   *slog.Logger
}

// Deps are the collaborators of a Processor. Locks is optional.
type Deps struct {
	Queue       Queue
	Gate        service.Gate
	Credentials domain.CredentialsProvider
	Broker      Connector
	Executor    OrderExecutor
	Closer      PositionCloser
	Locks       domain.LockManager
	Events      domain.EventRecorder
}

// NewProcessor creates a Processor.
func NewProcessor(deps Deps, cfg Config, logger *slog.Logger) *Processor {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = DefaultDedupTTL
	}
	if cfg.ErrBackoff <= 0 {
		cfg.ErrBackoff = DefaultErrBackoff
	}
	return &Processor{
		queue:    deps.Queue,
		gate:     deps.Gate,
		creds:    deps.Credentials,
		broker:   deps.Broker,
		executor: deps.Executor,
		closer:   deps.Closer,
		locks:    deps.Locks,
		events:   deps.Events,
		dedup:    NewDedup(cfg.DedupTTL),
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "dispatcher")),
	}
}

// Run polls the queue until ctx is cancelled. Cancellation is honoured
// between messages; a message already received is always finished.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.InfoContext(ctx, "dispatcher started")
	defer p.logger.Info("dispatcher stopped")

	lastCleanup := time.Now()
	for {
		if ctx.Err() != nil {
			return nil
		}

		msgs, err := p.queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.WarnContext(ctx, "queue receive failed",
				slog.String("error", err.Error()),
			)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(p.cfg.ErrBackoff):
			}
			continue
		}

		for _, msg := range msgs {
			p.ProcessMessage(ctx, msg)
		}

		if time.Since(lastCleanup) > p.cfg.DedupTTL {
			p.dedup.Cleanup()
			lastCleanup = time.Now()
		}
	}
}

// ProcessMessage handles one delivery end to end and deletes it when the
// outcome says so. The work is detached from ctx cancellation so a stop
// signal never interrupts a broker call half way.
func (p *Processor) ProcessMessage(ctx context.Context, msg domain.QueueMessage) Outcome {
	ctx, touch := domain.TrackBrokerTouch(context.WithoutCancel(ctx))
	log := p.logger.With(slog.String("message_id", msg.ID))
	start := time.Now()

	out := p.decide(ctx, msg, log)
	if !out.Ack && touch.Touched() {
		log.ErrorContext(ctx, "failure after trade request was sent, acknowledging",
			slog.String("reason", out.Reason),
		)
		out = Outcome{Ack: true, Reason: out.Reason + afterSubmitSuffix}
	}

	if out.Ack {
		if err := p.queue.Delete(ctx, msg); err != nil {
			log.ErrorContext(ctx, "queue delete failed",
				slog.String("reason", out.Reason),
				slog.String("error", err.Error()),
			)
		}
		p.dedup.Mark(msg.ID)
	} else {
		p.events.Record(ctx, domain.Event{
			Type:     domain.EventMessageRetained,
			Severity: domain.SeverityError,
			Detail: map[string]any{
				"message_id":    msg.ID,
				"reason":        out.Reason,
				"receive_count": msg.ReceiveCount,
			},
			OccurredAt: time.Now().UTC(),
		})
	}

	log.InfoContext(ctx, "message processed",
		slog.Bool("ack", out.Ack),
		slog.String("reason", out.Reason),
		slog.Int("receive_count", msg.ReceiveCount),
		slog.Duration("elapsed", time.Since(start)),
	)
	return out
}

// decide runs the message through the kill switch, the parser and the
// broker, recovering from panics.
func (p *Processor) decide(ctx context.Context, msg domain.QueueMessage, log *slog.Logger) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			log.ErrorContext(ctx, "panic while processing message",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			out = Outcome{Ack: false, Reason: ReasonPanic}
		}
	}()

	if p.dedup.Seen(msg.ID) {
		log.WarnContext(ctx, "message already handled, acknowledging again")
		return Outcome{Ack: true, Reason: ReasonDuplicate}
	}

	if p.gate.IsEngaged(ctx) {
		log.WarnContext(ctx, "kill switch engaged, dropping message")
		return Outcome{Ack: true, Reason: ReasonKillSwitchEngaged}
	}

	cmd, err := domain.ParseCommand(msg.Body)
	if err != nil {
		log.WarnContext(ctx, "unparseable command", slog.String("error", err.Error()))
		return Outcome{Ack: true, Reason: ReasonParseError}
	}

	creds, err := p.creds.Credentials(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrNoCredentials) {
			log.ErrorContext(ctx, "broker credentials missing", slog.String("error", err.Error()))
			return Outcome{Ack: true, Reason: ReasonNoCredentials}
		}
		return p.unexpected(ctx, log, "credentials", err)
	}

	if p.locks != nil {
		unlock, err := p.locks.Acquire(ctx, "broker:"+strconv.FormatUint(creds.Login, 10), p.cfg.LockTTL)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				log.WarnContext(ctx, "broker lock held elsewhere, leaving message for redelivery")
				return Outcome{Ack: false, Reason: ReasonLockHeld}
			}
			return p.unexpected(ctx, log, "lock", err)
		}
		defer unlock()
	}

	// No trade request has been sent, so connect failures are always acked.
	if err := p.broker.Connect(ctx, creds); err != nil {
		log.ErrorContext(ctx, "broker connect failed", slog.String("error", err.Error()))
		return Outcome{Ack: true, Reason: ReasonConnectFailed}
	}

	return p.route(ctx, msg, cmd, creds, log)
}

func (p *Processor) route(ctx context.Context, msg domain.QueueMessage, cmd domain.OrderCommand, creds domain.Credentials, log *slog.Logger) Outcome {
	acct := domain.AccountContext{Login: creds.Login, Magic: p.cfg.Magic, Deviation: p.cfg.Deviation}

	switch c := cmd.(type) {
	case domain.MarketCommand:
		return p.execute(ctx, msg, c.OrderRequest, acct, log)
	case domain.PendingCommand:
		return p.execute(ctx, msg, c.OrderRequest, acct, log)
	case domain.CloseCommand:
		err := p.closer.Close(ctx, c.Ticket, c.Volume)
		if err == nil {
			return Outcome{Ack: true, Reason: ReasonClosed}
		}
		var ce *service.CloseError
		if errors.As(err, &ce) {
			log.WarnContext(ctx, "close rejected",
				slog.Uint64("ticket", c.Ticket),
				slog.String("code", string(ce.Code)),
				slog.String("error", err.Error()),
			)
			return Outcome{Ack: true, Reason: "rejected:" + string(ce.Code)}
		}
		return p.unexpected(ctx, log, "close", err)
	default:
		return p.unexpected(ctx, log, "route", fmt.Errorf("unknown command %T", cmd))
	}
}

func (p *Processor) execute(ctx context.Context, msg domain.QueueMessage, req domain.OrderRequest, acct domain.AccountContext, log *slog.Logger) Outcome {
	if req.TicketID == "" {
		req.TicketID = msg.ID
	}

	receipt, err := p.executor.Execute(ctx, req, acct)
	if err == nil {
		log.InfoContext(ctx, "order executed",
			slog.String("ticket_id", receipt.TicketID),
			slog.Uint64("broker_ticket", receipt.BrokerTicket),
		)
		return Outcome{Ack: true, Reason: ReasonExecuted}
	}

	var ee *executor.ExecutionError
	if errors.As(err, &ee) {
		log.WarnContext(ctx, "order not executed",
			slog.String("ticket_id", req.TicketID),
			slog.String("code", string(ee.Code)),
			slog.String("error", err.Error()),
		)
		return Outcome{Ack: true, Reason: "rejected:" + string(ee.Code)}
	}
	return p.unexpected(ctx, log, "execute", err)
}

func (p *Processor) unexpected(ctx context.Context, log *slog.Logger, stage string, err error) Outcome {
	log.ErrorContext(ctx, "unexpected failure, leaving message for redelivery",
		slog.String("stage", stage),
		slog.String("error", err.Error()),
	)
	return Outcome{Ack: false, Reason: ReasonUnexpected}
}
