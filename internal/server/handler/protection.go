package handler

import (
	"log/slog"
	"net/http"
	"time"

	"tradeguard/internal/domain"
)

// ProtectionReader lists the currently running per-position guards.
type ProtectionReader interface {
	Protections() []domain.Protection
}

// ProtectionHandler serves the active stop-loss protections endpoint.
type ProtectionHandler struct {
	protections ProtectionReader
	logger      *slog.Logger
}

// NewProtectionHandler creates a ProtectionHandler with the given reader and
// logger.
func NewProtectionHandler(protections ProtectionReader, logger *slog.Logger) *ProtectionHandler {
	return &ProtectionHandler{
		protections: protections,
		logger:      logHandler(logger, "protections"),
	}
}

// protectionResponse is the wire shape of one per-position guard.
type protectionResponse struct {
	PositionID          string `json:"position_id"`
	Symbol              string `json:"symbol"`
	StopPrice           string `json:"stop_price"`
	ExchangeOrderID     string `json:"exchange_order_id,omitempty"`
	ExchangeOrderActive bool   `json:"exchange_order_active"`
	MonitorActive       bool   `json:"monitor_active"`
	EmergencyActive     bool   `json:"emergency_active"`
	TriggeredLayer      string `json:"triggered_layer,omitempty"`
	TriggeredAt         string `json:"triggered_at,omitempty"`
	StartedAt           string `json:"started_at"`
}

// ListProtections returns the guard record for every open position.
// GET /api/protections
func (h *ProtectionHandler) ListProtections(w http.ResponseWriter, r *http.Request) {
	records := h.protections.Protections()

	out := make([]protectionResponse, 0, len(records))
	for _, p := range records {
		resp := protectionResponse{
			PositionID:          p.PositionID,
			Symbol:              p.Symbol,
			StopPrice:           p.StopPrice.String(),
			ExchangeOrderID:     p.ExchangeOrderID,
			ExchangeOrderActive: p.ExchangeOrderActive,
			MonitorActive:       p.MonitorActive,
			EmergencyActive:     p.EmergencyActive,
			TriggeredLayer:      string(p.TriggeredLayer),
			StartedAt:           p.StartedAt.UTC().Format(time.RFC3339),
		}
		if p.TriggeredAt != nil {
			resp.TriggeredAt = p.TriggeredAt.UTC().Format(time.RFC3339)
		}
		out = append(out, resp)
	}

	writeJSON(w, http.StatusOK, map[string]any{"protections": out})
}
