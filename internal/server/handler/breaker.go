package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"tradeguard/internal/domain"
)

// BreakerService defines what the breaker handler needs from the circuit
// breaker.
type BreakerService interface {
	Status() domain.BreakerStatus
	ManualReset(ctx context.Context, token string) error
}

// BreakerHandler serves circuit breaker status and the manual reset endpoint.
type BreakerHandler struct {
	breaker BreakerService
	logger  *slog.Logger
}

// NewBreakerHandler creates a BreakerHandler with the given breaker and logger.
func NewBreakerHandler(breaker BreakerService, logger *slog.Logger) *BreakerHandler {
	return &BreakerHandler{
		breaker: breaker,
		logger:  logHandler(logger, "breaker"),
	}
}

// breakerStatusResponse is the wire shape of the breaker status. The reset
// token is never exposed over the API; operators receive it via alerts.
type breakerStatusResponse struct {
	Day        string `json:"day"`
	State      string `json:"state"`
	DailyPnl   string `json:"daily_pnl"`
	TradeCount int    `json:"trade_count"`
	Halted     bool   `json:"halted"`
	TrippedAt  string `json:"tripped_at,omitempty"`
}

// GetStatus returns the current breaker state for the trading day.
// GET /api/breaker
func (h *BreakerHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	status := h.breaker.Status()

	resp := breakerStatusResponse{
		Day:        status.Day,
		State:      string(status.State),
		DailyPnl:   status.DailyPnL.String(),
		TradeCount: status.TradeCount,
		Halted:     status.Halted(),
	}
	if status.TrippedAt != nil {
		resp.TrippedAt = status.TrippedAt.UTC().Format(time.RFC3339)
	}

	writeJSON(w, http.StatusOK, resp)
}

// resetRequest is the body of a manual reset call.
type resetRequest struct {
	Token string `json:"token"`
}

// Reset re-enables trading after a trip, given the exact reset token.
// POST /api/breaker/reset
func (h *BreakerHandler) Reset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Token == "" {
		writeError(w, http.StatusBadRequest, "token required")
		return
	}

	if err := h.breaker.ManualReset(r.Context(), req.Token); err != nil {
		if errors.Is(err, domain.ErrBadResetToken) {
			h.logger.WarnContext(r.Context(), "manual reset rejected",
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusForbidden, "reset token mismatch")
			return
		}
		h.logger.WarnContext(r.Context(), "manual reset failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	h.logger.InfoContext(r.Context(), "breaker manually reset")
	writeJSON(w, http.StatusOK, map[string]string{"state": string(domain.BreakerActive)})
}
