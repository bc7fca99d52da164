// Package dhan is a typed client for the DhanHQ v2 REST API and market feed.
package dhan

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// APIError is returned for any non-2xx broker response
type APIError struct {
	StatusCode int    `json:"-"`
	ErrorType  string `json:"errorType"`
	Code       string `json:"errorCode"`
	Message    string `json:"errorMessage"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("dhan: %d %s %s", e.StatusCode, e.Code, e.Message)
}

// IsRateLimit reports whether the error is broker rate limiting. DH-904 is
// Dhan's documented rate-limit code.
func (e *APIError) IsRateLimit() bool {
	return e.StatusCode == http.StatusTooManyRequests ||
		e.Code == "DH-904" ||
		strings.Contains(strings.ToLower(e.Message), "rate limit")
}

// Client talks to the DhanHQ REST API
type Client struct {
	baseURL     string
	clientID    string
	accessToken string
	httpClient  *http.Client
}

// NewClient creates a REST client. Connect timeout is kept short so a dead
// broker endpoint fails a step quickly; the overall timeout bounds slow reads.
func NewClient(baseURL, clientID, accessToken string) *Client {
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		clientID:    clientID,
		accessToken: accessToken,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				DialContext:         (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
				TLSHandshakeTimeout: 5 * time.Second,
				MaxIdleConnsPerHost: 4,
			},
		},
	}
}

// ClientID returns the configured Dhan client id
func (c *Client) ClientID() string {
	return c.clientID
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("dhan: marshal %s request: %w", path, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("dhan: build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("access-token", c.accessToken)
	req.Header.Set("client-id", c.clientID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("dhan: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("dhan: read %s response: %w", path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("dhan: decode %s response: %w", path, err)
		}
	}
	return nil
}

// marketFeedResponse wraps quote/ltp responses: data[segment][securityID]
type marketFeedResponse struct {
	Data   map[string]map[string]json.RawMessage `json:"data"`
	Status string                                `json:"status"`
}

func (r *marketFeedResponse) instrument(segment, securityID string, out any) error {
	seg, ok := r.Data[segment]
	if !ok {
		return fmt.Errorf("dhan: segment %s missing from response", segment)
	}
	raw, ok := seg[securityID]
	if !ok {
		return fmt.Errorf("dhan: security %s missing from %s response", securityID, segment)
	}
	return json.Unmarshal(raw, out)
}

// Quote fetches a full market quote for one instrument
func (c *Client) Quote(ctx context.Context, segment, securityID string) (*Quote, error) {
	body := map[string][]string{segment: {securityID}}
	var resp marketFeedResponse
	if err := c.do(ctx, http.MethodPost, "/marketfeed/quote", body, &resp); err != nil {
		return nil, err
	}
	var q Quote
	if err := resp.instrument(segment, securityID, &q); err != nil {
		return nil, err
	}
	return &q, nil
}

// LTP fetches the last traded price for one instrument
func (c *Client) LTP(ctx context.Context, segment, securityID string) (float64, error) {
	body := map[string][]string{segment: {securityID}}
	var resp marketFeedResponse
	if err := c.do(ctx, http.MethodPost, "/marketfeed/ltp", body, &resp); err != nil {
		return 0, err
	}
	var out struct {
		LastPrice float64 `json:"last_price"`
	}
	if err := resp.instrument(segment, securityID, &out); err != nil {
		return 0, err
	}
	return out.LastPrice, nil
}

// IntradayOHLC fetches minute-interval candles
func (c *Client) IntradayOHLC(ctx context.Context, req ChartRequest) ([]Candle, error) {
	var resp chartResponse
	if err := c.do(ctx, http.MethodPost, "/charts/intraday", req, &resp); err != nil {
		return nil, err
	}
	return resp.candles()
}

// HistoricalOHLC fetches daily candles
func (c *Client) HistoricalOHLC(ctx context.Context, req ChartRequest) ([]Candle, error) {
	var resp chartResponse
	if err := c.do(ctx, http.MethodPost, "/charts/historical", req, &resp); err != nil {
		return nil, err
	}
	return resp.candles()
}

func (r *chartResponse) candles() ([]Candle, error) {
	n := len(r.Timestamp)
	if len(r.Open) != n || len(r.High) != n || len(r.Low) != n || len(r.Close) != n {
		return nil, fmt.Errorf("dhan: ragged chart response (%d timestamps, %d opens)", n, len(r.Open))
	}
	candles := make([]Candle, n)
	for i := 0; i < n; i++ {
		candles[i] = Candle{
			Timestamp: r.Timestamp[i],
			Open:      r.Open[i],
			High:      r.High[i],
			Low:       r.Low[i],
			Close:     r.Close[i],
		}
		if i < len(r.Volume) {
			candles[i].Volume = r.Volume[i]
		}
	}
	return candles, nil
}

// OptionChain fetches the option chain for an underlying and expiry
func (c *Client) OptionChain(ctx context.Context, req OptionChainRequest) (*OptionChain, error) {
	var resp struct {
		Data   OptionChain `json:"data"`
		Status string      `json:"status"`
	}
	if err := c.do(ctx, http.MethodPost, "/optionchain", req, &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// Positions fetches all open broker-side positions for the day
func (c *Client) Positions(ctx context.Context) ([]Position, error) {
	var positions []Position
	if err := c.do(ctx, http.MethodGet, "/positions", nil, &positions); err != nil {
		return nil, err
	}
	return positions, nil
}

// PlaceOrder places a single-leg order
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error) {
	if req.DhanClientID == "" {
		req.DhanClientID = c.clientID
	}
	var resp OrderResponse
	if err := c.do(ctx, http.MethodPost, "/orders", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CancelOrder cancels a pending single-leg order
func (c *Client) CancelOrder(ctx context.Context, orderID string) (*OrderResponse, error) {
	var resp OrderResponse
	if err := c.do(ctx, http.MethodDelete, "/orders/"+orderID, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PlaceSuperOrder places a bracket order (entry + stop-loss + target legs)
func (c *Client) PlaceSuperOrder(ctx context.Context, req SuperOrderRequest) (*OrderResponse, error) {
	if req.DhanClientID == "" {
		req.DhanClientID = c.clientID
	}
	var resp OrderResponse
	if err := c.do(ctx, http.MethodPost, "/super/orders", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ModifySuperOrder adjusts one leg of an open super order
func (c *Client) ModifySuperOrder(ctx context.Context, orderID string, req ModifySuperOrderRequest) (*OrderResponse, error) {
	req.OrderID = orderID
	var resp OrderResponse
	if err := c.do(ctx, http.MethodPut, "/super/orders/"+orderID, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CancelSuperOrder cancels a leg of a super order. Cancelling the entry leg
// while unfilled kills the whole bracket; cancelling after a fill exits it.
func (c *Client) CancelSuperOrder(ctx context.Context, orderID, leg string) (*OrderResponse, error) {
	var resp OrderResponse
	if err := c.do(ctx, http.MethodDelete, "/super/orders/"+orderID+"/"+leg, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
