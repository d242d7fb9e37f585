package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/orderbridge/internal/service"
)

// KillSwitchService defines the methods that the kill switch handler requires.
type KillSwitchService interface {
	Status(ctx context.Context) (service.KillSwitchView, error)
	Engage(ctx context.Context, reason, actor string) error
	Disengage(ctx context.Context, reason, actor string) error
}

// KillSwitchHandler exposes the trading interlock to operators.
type KillSwitchHandler struct {
	svc    KillSwitchService
	logger *slog.Logger
}

// NewKillSwitchHandler creates a KillSwitchHandler.
func NewKillSwitchHandler(svc KillSwitchService, logger *slog.Logger) *KillSwitchHandler {
	return &KillSwitchHandler{svc: svc, logger: logHandler(logger, "killswitch")}
}

type killSwitchRequest struct {
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

// Status returns the current interlock state. A store failure is reported
// as engaged together with a 503.
// GET /api/killswitch
func (h *KillSwitchHandler) Status(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.Status(r.Context())
	if err != nil {
		h.logger.WarnContext(r.Context(), "kill switch status read failed",
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusServiceUnavailable, view)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Engage blocks trading.
// POST /api/killswitch/engage
func (h *KillSwitchHandler) Engage(w http.ResponseWriter, r *http.Request) {
	h.change(w, r, "engage", h.svc.Engage)
}

// Disengage permits trading.
// POST /api/killswitch/disengage
func (h *KillSwitchHandler) Disengage(w http.ResponseWriter, r *http.Request) {
	h.change(w, r, "disengage", h.svc.Disengage)
}

func (h *KillSwitchHandler) change(w http.ResponseWriter, r *http.Request, op string, apply func(context.Context, string, string) error) {
	var req killSwitchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Actor) == "" {
		writeError(w, http.StatusBadRequest, "actor is required")
		return
	}

	if err := apply(r.Context(), req.Reason, req.Actor); err != nil {
		h.logger.ErrorContext(r.Context(), "kill switch change failed",
			slog.String("op", op),
			slog.String("actor", req.Actor),
			slog.String("error", err.Error()),
		)
		writeError(w, statusFor(err), "failed to "+op+" kill switch")
		return
	}

	view, err := h.svc.Status(r.Context())
	if err != nil {
		// the write went through; report it even if the read-back did not
		writeJSON(w, http.StatusOK, map[string]string{"result": op + "d"})
		return
	}
	writeJSON(w, http.StatusOK, view)
}
