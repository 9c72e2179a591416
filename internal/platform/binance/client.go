// Package binance implements domain.ExchangeGateway against the Binance
// USDⓈ-M futures API: signed REST for orders and positions, WebSocket for
// the mark-price stream.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tradeguard/internal/crypto"
	"tradeguard/internal/domain"
)

// requestWeightKey groups all signed requests under one rate limit bucket.
const requestWeightKey = "binance:signed"

// Client is the REST client for the futures API.
type Client struct {
	baseURL    string
	auth       *crypto.HMACAuth
	httpClient *http.Client
	recvWindow int

	// limiter is optional; when set, every signed request waits for a slot.
	limiter     domain.RateLimiter
	limitPerMin int
}

var _ domain.ExchangeGateway = (*Client)(nil)

// NewClient creates a futures REST client.
//
// baseURL is the API root, e.g. "https://fapi.binance.com".
func NewClient(baseURL string, auth *crypto.HMACAuth, recvWindowMs int) *Client {
	if recvWindowMs <= 0 {
		recvWindowMs = 5000
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		auth:       auth,
		recvWindow: recvWindowMs,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// SetRateLimiter installs a distributed rate limiter applied to every signed
// request, with the given per-minute budget.
func (c *Client) SetRateLimiter(rl domain.RateLimiter, perMinute int) {
	c.limiter = rl
	c.limitPerMin = perMinute
}

// PlaceOrder submits an order and returns the exchange acknowledgement.
func (c *Client) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderAck, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", orderSide(req.Side))
	params.Set("type", string(req.Type))
	params.Set("quantity", req.Quantity.String())
	params.Set("newOrderRespType", "RESULT")
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	if req.Type == domain.OrderTypeStopMarket {
		if req.StopPrice == nil {
			return domain.OrderAck{}, &domain.ValidationError{Field: "stop_price", Reason: "required for STOP_MARKET"}
		}
		params.Set("stopPrice", req.StopPrice.String())
		params.Set("workingType", "MARK_PRICE")
	}

	body, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		return domain.OrderAck{}, fmt.Errorf("binance: place order %s: %w", req.Symbol, err)
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.OrderAck{}, fmt.Errorf("binance: decode order response: %w", err)
	}

	ack := domain.OrderAck{
		OrderID: strconv.FormatInt(resp.OrderID, 10),
		Status:  resp.Status,
	}
	if resp.AvgPrice != "" {
		if avg, perr := decimal.NewFromString(resp.AvgPrice); perr == nil {
			ack.AvgPrice = avg
		}
	}
	return ack, nil
}

// CancelOrder cancels a resting order by its exchange ID.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)

	if _, err := c.doSigned(ctx, http.MethodDelete, "/fapi/v1/order", params); err != nil {
		return fmt.Errorf("binance: cancel order %s/%s: %w", symbol, orderID, err)
	}
	return nil
}

// FetchPosition returns the exchange's view of the position on symbol. It
// returns domain.ErrNotFound when the exchange reports no position (flat).
func (c *Client) FetchPosition(ctx context.Context, symbol string) (domain.ExchangePosition, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v2/positionRisk", params)
	if err != nil {
		return domain.ExchangePosition{}, fmt.Errorf("binance: fetch position %s: %w", symbol, err)
	}

	var risks []positionRisk
	if err := json.Unmarshal(body, &risks); err != nil {
		return domain.ExchangePosition{}, fmt.Errorf("binance: decode position risk: %w", err)
	}

	for _, r := range risks {
		pos, ok, perr := toExchangePosition(r)
		if perr != nil {
			return domain.ExchangePosition{}, fmt.Errorf("binance: parse position %s: %w", symbol, perr)
		}
		if ok {
			return pos, nil
		}
	}
	return domain.ExchangePosition{}, domain.ErrNotFound
}

// FetchAllPositions returns every non-flat position on the account.
func (c *Client) FetchAllPositions(ctx context.Context) ([]domain.ExchangePosition, error) {
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v2/positionRisk", url.Values{})
	if err != nil {
		return nil, fmt.Errorf("binance: fetch all positions: %w", err)
	}

	var risks []positionRisk
	if err := json.Unmarshal(body, &risks); err != nil {
		return nil, fmt.Errorf("binance: decode position risk: %w", err)
	}

	var out []domain.ExchangePosition
	for _, r := range risks {
		pos, ok, perr := toExchangePosition(r)
		if perr != nil {
			return nil, fmt.Errorf("binance: parse position %s: %w", r.Symbol, perr)
		}
		if ok {
			out = append(out, pos)
		}
	}
	return out, nil
}

// orderSide maps a fill direction to the exchange's BUY/SELL vocabulary.
func orderSide(s domain.Side) string {
	if s == domain.SideShort {
		return "SELL"
	}
	return "BUY"
}

// toExchangePosition converts a positionRisk row; ok is false for flat rows.
func toExchangePosition(r positionRisk) (domain.ExchangePosition, bool, error) {
	amt, err := decimal.NewFromString(r.PositionAmt)
	if err != nil {
		return domain.ExchangePosition{}, false, err
	}
	if amt.IsZero() {
		return domain.ExchangePosition{}, false, nil
	}

	entry, err := decimal.NewFromString(r.EntryPrice)
	if err != nil {
		return domain.ExchangePosition{}, false, err
	}

	side := domain.SideLong
	if amt.IsNegative() {
		side = domain.SideShort
	}
	return domain.ExchangePosition{
		Symbol:     r.Symbol,
		Quantity:   amt.Abs(),
		EntryPrice: entry,
		Side:       side,
	}, true, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// doSigned builds, signs, sends and reads a signed futures API request.
// Parameters travel in the query string; the signature covers the encoded
// query exactly as sent.
func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if c.limiter != nil && c.limitPerMin > 0 {
		allowed, err := c.limiter.Allow(ctx, requestWeightKey, c.limitPerMin, time.Minute)
		if err != nil {
			return nil, &domain.ExchangeError{Op: method + " " + path, Transient: true, Err: err}
		}
		if !allowed {
			return nil, &domain.ExchangeError{
				Op:        method + " " + path,
				Transient: true,
				Err:       fmt.Errorf("local rate limit exceeded"),
			}
		}
	}

	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", strconv.Itoa(c.recvWindow))

	query := params.Encode()
	query += "&signature=" + c.auth.Sign(query)

	fullURL := c.baseURL + path + "?" + query

	req, err := http.NewRequestWithContext(ctx, method, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range c.auth.Headers() {
		req.Header.Set(k, v)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &domain.ExchangeError{Op: method + " " + path, Transient: true, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &domain.ExchangeError{Op: method + " " + path, Transient: true, Err: err}
	}

	if err := checkStatus(method+" "+path, resp.StatusCode, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

// checkStatus maps non-2xx responses to ExchangeError, marking rate limits
// and server errors transient and everything else final.
func checkStatus(op string, statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	var ae apiError
	_ = json.Unmarshal(body, &ae)

	err := fmt.Errorf("HTTP %d: %s (code %d)", statusCode, ae.Message, ae.Code)

	switch {
	case statusCode == http.StatusTooManyRequests,
		statusCode == http.StatusRequestTimeout,
		statusCode == 418, // the venue's IP-ban response to hammering past 429
		statusCode >= 500:
		return &domain.ExchangeError{Op: op, Transient: true, Err: err}
	default:
		return &domain.ExchangeError{Op: op, Transient: false, Err: err}
	}
}
