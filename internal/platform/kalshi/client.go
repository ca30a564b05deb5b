// Package kalshi adapts the Kalshi exchange to the engine: a signed REST
// client, the authenticated fill stream and the VenueGateway on top of them.
package kalshi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/arbengine/internal/crypto"
	"github.com/alanyoungcy/arbengine/internal/domain"
)

const (
	ProdBaseURL = "https://api.elections.kalshi.com/trade-api/v2"
	DemoBaseURL = "https://demo-api.kalshi.co/trade-api/v2"
	ProdWSURL   = "wss://api.elections.kalshi.com/trade-api/ws/v2"
	DemoWSURL   = "wss://demo-api.kalshi.co/trade-api/ws/v2"
)

// Endpoints returns the REST and WebSocket roots for prod or demo.
func Endpoints(demo bool) (rest, ws string) {
	if demo {
		return DemoBaseURL, DemoWSURL
	}
	return ProdBaseURL, ProdWSURL
}

// Client is the REST client for the Kalshi trade API.
type Client struct {
	baseURL    string
	pathPrefix string
	signer     *crypto.RSASigner
	httpClient *http.Client
}

// NewClient creates a client for baseURL. Requests are signed with signer; a
// nil signer only reaches public market data.
func NewClient(baseURL string, signer *crypto.RSASigner) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("kalshi: parse base url: %w", err)
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		pathPrefix: u.Path,
		signer:     signer,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// GetMarket returns a single market by its ticker.
func (c *Client) GetMarket(ctx context.Context, ticker string) (Market, error) {
	body, err := c.do(ctx, http.MethodGet, "/markets/"+url.PathEscape(ticker), nil, nil)
	if err != nil {
		return Market{}, fmt.Errorf("kalshi: get market %s: %w", ticker, err)
	}
	var resp struct {
		Market Market `json:"market"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return Market{}, fmt.Errorf("kalshi: decode market: %w", err)
	}
	return resp.Market, nil
}

// GetOrderbook returns up to depth levels per side; depth 0 means all.
func (c *Client) GetOrderbook(ctx context.Context, ticker string, depth int) (Orderbook, error) {
	q := url.Values{}
	if depth > 0 {
		q.Set("depth", strconv.Itoa(depth))
	}
	body, err := c.do(ctx, http.MethodGet, "/markets/"+url.PathEscape(ticker)+"/orderbook", q, nil)
	if err != nil {
		return Orderbook{}, fmt.Errorf("kalshi: get orderbook %s: %w", ticker, err)
	}
	var resp struct {
		Orderbook Orderbook `json:"orderbook"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return Orderbook{}, fmt.Errorf("kalshi: decode orderbook: %w", err)
	}
	return resp.Orderbook, nil
}

// CreateOrder submits an order and returns it as accepted by the exchange.
func (c *Client) CreateOrder(ctx context.Context, req CreateOrderRequest) (Order, error) {
	body, err := c.do(ctx, http.MethodPost, "/portfolio/orders", nil, req)
	if err != nil {
		return Order{}, fmt.Errorf("kalshi: create order: %w", err)
	}
	var resp orderEnvelope
	if err := json.Unmarshal(body, &resp); err != nil {
		return Order{}, fmt.Errorf("kalshi: decode order response: %w", err)
	}
	return resp.Order, nil
}

// CancelOrder cancels a resting order and returns its final state.
func (c *Client) CancelOrder(ctx context.Context, orderID string) (Order, error) {
	body, err := c.do(ctx, http.MethodDelete, "/portfolio/orders/"+url.PathEscape(orderID), nil, nil)
	if err != nil {
		return Order{}, fmt.Errorf("kalshi: cancel order %s: %w", orderID, err)
	}
	var resp orderEnvelope
	if err := json.Unmarshal(body, &resp); err != nil {
		return Order{}, fmt.Errorf("kalshi: decode cancel response: %w", err)
	}
	return resp.Order, nil
}

// GetOrder returns an order by id.
func (c *Client) GetOrder(ctx context.Context, orderID string) (Order, error) {
	body, err := c.do(ctx, http.MethodGet, "/portfolio/orders/"+url.PathEscape(orderID), nil, nil)
	if err != nil {
		return Order{}, fmt.Errorf("kalshi: get order %s: %w", orderID, err)
	}
	var resp orderEnvelope
	if err := json.Unmarshal(body, &resp); err != nil {
		return Order{}, fmt.Errorf("kalshi: decode order: %w", err)
	}
	return resp.Order, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// do signs and sends a request. Transport failures wrap ErrVenueUnavailable;
// non-2xx responses come back as *APIError.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, reqBody any) ([]byte, error) {
	var bodyReader io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	fullURL := c.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	if c.signer != nil {
		headers, err := c.signer.Headers(method, c.pathPrefix+path)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrSigningFailed, err)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %w", domain.ErrVenueTimeout, err)
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrVenueUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", domain.ErrVenueUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		var wrapped struct {
			Error *APIError `json:"error"`
		}
		if json.Unmarshal(respBody, &wrapped) == nil && wrapped.Error != nil {
			apiErr.Code, apiErr.Message = wrapped.Error.Code, wrapped.Error.Message
		} else {
			_ = json.Unmarshal(respBody, apiErr)
		}
		return nil, apiErr
	}
	return respBody, nil
}
