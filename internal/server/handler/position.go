package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"tradeguard/internal/domain"
)

// PositionService defines the methods that the position handler requires.
type PositionService interface {
	GetActivePositions(ctx context.Context, symbol string) ([]domain.Position, error)
	GetPosition(ctx context.Context, id string) (domain.Position, error)
	ListHistory(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error)
}

// PositionHandler serves position-related HTTP endpoints.
type PositionHandler struct {
	positions PositionService
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler with the given service and logger.
func NewPositionHandler(positions PositionService, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		logger:    logHandler(logger, "positions"),
	}
}

// listPositionsResponse wraps the list positions response.
type listPositionsResponse struct {
	Positions []domain.Position `json:"positions"`
}

// ListPositions returns all open positions, optionally filtered by symbol.
// GET /api/positions?symbol=BTCUSDT
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")

	positions, err := h.positions.GetActivePositions(r.Context(), symbol)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list positions failed",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}

	if positions == nil {
		positions = []domain.Position{}
	}

	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions})
}

// GetPosition returns a single position by id.
// GET /api/positions/{id}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")

	pos, err := h.positions.GetPosition(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "position not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "get position failed",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get position")
		return
	}

	writeJSON(w, http.StatusOK, pos)
}

// ListHistory returns closed and liquidated positions, newest first.
// GET /api/positions/history?limit=50&offset=0&since=...&until=...
func (h *PositionHandler) ListHistory(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)

	positions, err := h.positions.ListHistory(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list position history failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list position history")
		return
	}

	if positions == nil {
		positions = []domain.Position{}
	}

	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions})
}
