package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// PnlService defines what the P&L handler needs from the lifecycle manager.
type PnlService interface {
	GetDailyPnl(ctx context.Context, day string) (decimal.Decimal, error)
	GetTotalExposure(ctx context.Context) (decimal.Decimal, error)
	Capital() decimal.Decimal
}

// FloorReader exposes the breaker's daily loss floor.
type FloorReader interface {
	Floor() decimal.Decimal
}

// PnlHandler serves the daily P&L endpoint.
type PnlHandler struct {
	pnl    PnlService
	floor  FloorReader
	logger *slog.Logger
}

// NewPnlHandler creates a PnlHandler with the given services and logger.
func NewPnlHandler(pnl PnlService, floor FloorReader, logger *slog.Logger) *PnlHandler {
	return &PnlHandler{
		pnl:    pnl,
		floor:  floor,
		logger: logHandler(logger, "pnl"),
	}
}

// dailyPnlResponse is the wire shape of the daily P&L report.
type dailyPnlResponse struct {
	Day      string `json:"day"`
	Pnl      string `json:"pnl"`
	Capital  string `json:"capital"`
	Floor    string `json:"floor"`
	Exposure string `json:"exposure"`
}

// GetDaily returns realized plus unrealized P&L for a trading day, alongside
// the capital base and the breaker floor it is measured against.
// GET /api/pnl/daily?day=2026-08-30 (defaults to today, UTC)
func (h *PnlHandler) GetDaily(w http.ResponseWriter, r *http.Request) {
	day := r.URL.Query().Get("day")
	if day == "" {
		day = time.Now().UTC().Format("2006-01-02")
	} else if _, err := time.Parse("2006-01-02", day); err != nil {
		writeError(w, http.StatusBadRequest, "day must be YYYY-MM-DD")
		return
	}

	pnl, err := h.pnl.GetDailyPnl(r.Context(), day)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "daily pnl failed",
			slog.String("day", day),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to compute daily pnl")
		return
	}

	exposure, err := h.pnl.GetTotalExposure(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "total exposure failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to compute exposure")
		return
	}

	writeJSON(w, http.StatusOK, dailyPnlResponse{
		Day:      day,
		Pnl:      pnl.String(),
		Capital:  h.pnl.Capital().String(),
		Floor:    h.floor.Floor().String(),
		Exposure: exposure.String(),
	})
}
