package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// GateReader reports whether trading is currently blocked.
type GateReader interface {
	IsEngaged(ctx context.Context) bool
}

// Pinger is a backing service the health check probes.
type Pinger interface {
	Ping(ctx context.Context) error
}

// checkTimeout bounds each dependency probe.
const checkTimeout = 2 * time.Second

type namedCheck struct {
	name string
	p    Pinger
}

// HealthHandler serves the health-check endpoint.
type HealthHandler struct {
	gate   GateReader
	checks []namedCheck
	logger *slog.Logger
	now    func() time.Time
}

// NewHealthHandler creates a HealthHandler. gate may be nil, in which case
// the trading flag is omitted.
func NewHealthHandler(gate GateReader, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{gate: gate, logger: logHandler(logger, "health"), now: time.Now}
}

// WithCheck adds a dependency probe reported under name.
func (h *HealthHandler) WithCheck(name string, p Pinger) *HealthHandler {
	h.checks = append(h.checks, namedCheck{name: name, p: p})
	return h
}

// HealthCheck reports liveness, the trading flag and every dependency probe.
// Any failed probe turns the status to "degraded" with a 503.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	body := map[string]any{
		"timestamp": h.now().UTC().Format(time.RFC3339),
	}
	if h.gate != nil {
		body["trading_enabled"] = !h.gate.IsEngaged(r.Context())
	}

	if len(h.checks) > 0 {
		results := make(map[string]string, len(h.checks))
		for _, c := range h.checks {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			err := c.p.Ping(ctx)
			cancel()
			if err != nil {
				h.logger.WarnContext(r.Context(), "health check failed",
					slog.String("check", c.name),
					slog.String("error", err.Error()),
				)
				results[c.name] = err.Error()
				status, code = "degraded", http.StatusServiceUnavailable
				continue
			}
			results[c.name] = "ok"
		}
		body["checks"] = results
	}

	body["status"] = status
	writeJSON(w, code, body)
}
