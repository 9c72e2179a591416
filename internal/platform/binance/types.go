package binance

// orderResponse is the futures API acknowledgement for a placed order.
type orderResponse struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Status        string `json:"status"`
	AvgPrice      string `json:"avgPrice"`
	ExecutedQty   string `json:"executedQty"`
}

// positionRisk is one element of the GET /fapi/v2/positionRisk response.
type positionRisk struct {
	Symbol       string `json:"symbol"`
	PositionAmt  string `json:"positionAmt"` // signed: negative means short
	EntryPrice   string `json:"entryPrice"`
	MarkPrice    string `json:"markPrice"`
	UnrealizedPL string `json:"unRealizedProfit"`
	Leverage     string `json:"leverage"`
}

// apiError is the JSON error body returned on non-2xx responses.
type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"msg"`
}

// markPriceEvent is one mark-price update from the combined stream endpoint.
type markPriceEvent struct {
	EventType string `json:"e"` // "markPriceUpdate"
	EventTime int64  `json:"E"` // ms epoch
	Symbol    string `json:"s"`
	MarkPrice string `json:"p"`
}

// combinedStreamFrame wraps events from the /stream multiplex endpoint.
type combinedStreamFrame struct {
	Stream string         `json:"stream"`
	Data   markPriceEvent `json:"data"`
}
