// Package events fans domain events out to logs, the live event bus, the
// audit trail and operator alerts.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/alanyoungcy/orderbridge/internal/domain"
)

// Channel is the bus channel events are published on.
const Channel = "events"

// Publisher is the bus side the recorder needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Alerter delivers operator alerts.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Recorder implements domain.EventRecorder. Every sink is optional and sink
// failures are logged, never returned.
type Recorder struct {
	bus    Publisher
	audit  domain.AuditStore
	alerts Alerter
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithPublisher publishes events as JSON on Channel.
func WithPublisher(p Publisher) Option { return func(r *Recorder) { r.bus = p } }

// WithAudit appends each event to the audit log as event.<type>.
func WithAudit(a domain.AuditStore) Option { return func(r *Recorder) { r.audit = a } }

// WithAlerter forwards events to operator alert channels.
func WithAlerter(a Alerter) Option { return func(r *Recorder) { r.alerts = a } }

// NewRecorder creates a Recorder that always logs.
func NewRecorder(logger *slog.Logger, opts ...Option) *Recorder {
	r := &Recorder{
		logger: logger.With(slog.String("component", "events")),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record fans evt out to every configured sink.
func (r *Recorder) Record(ctx context.Context, evt domain.Event) {
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = r.now().UTC()
	}
	if evt.Severity == "" {
		evt.Severity = domain.SeverityInfo
	}

	r.log(ctx, evt)

	if r.bus != nil {
		payload, err := json.Marshal(evt)
		if err == nil {
			err = r.bus.Publish(ctx, Channel, payload)
		}
		if err != nil {
			r.sinkFailed(ctx, "bus", evt, err)
		}
	}

	if r.audit != nil {
		if err := r.audit.Log(ctx, "event."+string(evt.Type), auditDetail(evt)); err != nil {
			r.sinkFailed(ctx, "audit", evt, err)
		}
	}

	if r.alerts != nil {
		title, message := Format(evt)
		if err := r.alerts.Notify(ctx, string(evt.Type), title, message); err != nil {
			r.sinkFailed(ctx, "alerts", evt, err)
		}
	}
}

func (r *Recorder) log(ctx context.Context, evt domain.Event) {
	attrs := []slog.Attr{
		slog.String("event_type", string(evt.Type)),
	}
	if evt.Ticket != 0 {
		attrs = append(attrs, slog.Uint64("ticket", evt.Ticket))
	}
	if evt.Symbol != "" {
		attrs = append(attrs, slog.String("symbol", evt.Symbol))
	}
	if len(evt.Detail) > 0 {
		attrs = append(attrs, slog.Any("detail", evt.Detail))
	}
	if evt.Err != "" {
		attrs = append(attrs, slog.String("error", evt.Err))
	}
	r.logger.LogAttrs(ctx, level(evt.Severity), "event", attrs...)
}

func (r *Recorder) sinkFailed(ctx context.Context, sink string, evt domain.Event, err error) {
	r.logger.WarnContext(ctx, "event sink failed",
		slog.String("sink", sink),
		slog.String("event_type", string(evt.Type)),
		slog.String("error", err.Error()),
	)
}

func level(s domain.Severity) slog.Level {
	switch s {
	case domain.SeverityError:
		return slog.LevelError
	case domain.SeverityWarn:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

func auditDetail(evt domain.Event) map[string]any {
	detail := make(map[string]any, len(evt.Detail)+4)
	for k, v := range evt.Detail {
		detail[k] = v
	}
	detail["severity"] = string(evt.Severity)
	if evt.Ticket != 0 {
		detail["ticket"] = evt.Ticket
	}
	if evt.Symbol != "" {
		detail["symbol"] = evt.Symbol
	}
	if evt.Err != "" {
		detail["error"] = evt.Err
	}
	return detail
}

// Format renders evt as an alert title and body.
func Format(evt domain.Event) (title, message string) {
	title = fmt.Sprintf("[%s] %s", strings.ToUpper(string(evt.Severity)), evt.Type)

	var b strings.Builder
	if evt.Symbol != "" {
		fmt.Fprintf(&b, "symbol: %s\n", evt.Symbol)
	}
	if evt.Ticket != 0 {
		fmt.Fprintf(&b, "ticket: %d\n", evt.Ticket)
	}
	for _, k := range slices.Sorted(maps.Keys(evt.Detail)) {
		fmt.Fprintf(&b, "%s: %v\n", k, evt.Detail[k])
	}
	if evt.Err != "" {
		fmt.Fprintf(&b, "error: %s\n", evt.Err)
	}
	return title, strings.TrimRight(b.String(), "\n")
}

// Nop drops every event.
type Nop struct{}

func (Nop) Record(context.Context, domain.Event) {}

var (
	_ domain.EventRecorder = (*Recorder)(nil)
	_ domain.EventRecorder = Nop{}
)
