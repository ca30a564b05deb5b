// Package polymarket adapts the Polymarket CLOB to the engine: the Gamma
// token resolver, the signed CLOB client, the market-data WebSocket and the
// VenueGateway on top of them.
package polymarket

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

// HTTPError is a non-2xx CLOB or Gamma response.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("polymarket: HTTP %d: %s", e.Status, e.Body)
}

// Unwrap classifies the status independent of the operation.
func (e *HTTPError) Unwrap() error {
	switch {
	case e.Status == http.StatusNotFound:
		return domain.ErrNotFound
	case e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden:
		return domain.ErrUnauthorized
	case e.Status == http.StatusTooManyRequests:
		return domain.ErrRateLimited
	case e.Status >= 500:
		return domain.ErrVenueUnavailable
	}
	return nil
}

// ClobClient is the REST client for the Polymarket CLOB.
type ClobClient struct {
	baseURL    string
	httpClient *http.Client
	signer     *crypto.Signer
	hmacAuth   *crypto.HMACAuth
}

// NewClobClient creates a CLOB client. hmac may be nil until DeriveAPIKey runs.
func NewClobClient(baseURL string, signer *crypto.Signer, hmac *crypto.HMACAuth) *ClobClient {
	return &ClobClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		signer:     signer,
		hmacAuth:   hmac,
	}
}

// Address returns the trading wallet address.
func (c *ClobClient) Address() string {
	return c.signer.Address().Hex()
}

// PostOrder submits a signed order.
func (c *ClobClient) PostOrder(ctx context.Context, req PostOrderRequest) (APIOrderResult, error) {
	respBody, err := c.doAuthenticated(ctx, http.MethodPost, "/order", req)
	if err != nil {
		return APIOrderResult{}, fmt.Errorf("polymarket/clob: post order: %w", err)
	}
	var res APIOrderResult
	if err := json.Unmarshal(respBody, &res); err != nil {
		return APIOrderResult{}, fmt.Errorf("polymarket/clob: decode order result: %w", err)
	}
	return res, nil
}

// CancelOrder cancels a single order.
func (c *ClobClient) CancelOrder(ctx context.Context, orderID string) (APICancelResult, error) {
	respBody, err := c.doAuthenticated(ctx, http.MethodDelete, "/order", map[string]string{"orderID": orderID})
	if err != nil {
		return APICancelResult{}, fmt.Errorf("polymarket/clob: cancel order %s: %w", orderID, err)
	}
	var res APICancelResult
	if err := json.Unmarshal(respBody, &res); err != nil {
		return APICancelResult{}, fmt.Errorf("polymarket/clob: decode cancel response: %w", err)
	}
	return res, nil
}

// GetOrder retrieves a single order by id.
func (c *ClobClient) GetOrder(ctx context.Context, orderID string) (APIOrder, error) {
	respBody, err := c.doAuthenticated(ctx, http.MethodGet, "/data/order/"+url.PathEscape(orderID), nil)
	if err != nil {
		return APIOrder{}, fmt.Errorf("polymarket/clob: get order %s: %w", orderID, err)
	}
	if len(bytes.TrimSpace(respBody)) == 0 || string(bytes.TrimSpace(respBody)) == "null" {
		return APIOrder{}, fmt.Errorf("polymarket/clob: get order %s: %w", orderID, &HTTPError{Status: http.StatusNotFound})
	}
	var o APIOrder
	if err := json.Unmarshal(respBody, &o); err != nil {
		return APIOrder{}, fmt.Errorf("polymarket/clob: decode order: %w", err)
	}
	return o, nil
}

// GetBook returns the public order book for a token.
func (c *ClobClient) GetBook(ctx context.Context, tokenID string) (APIBook, error) {
	respBody, err := c.do(ctx, http.MethodGet, "/book?token_id="+url.QueryEscape(tokenID), nil, nil)
	if err != nil {
		return APIBook{}, fmt.Errorf("polymarket/clob: get book %s: %w", tokenID, err)
	}
	var b APIBook
	if err := json.Unmarshal(respBody, &b); err != nil {
		return APIBook{}, fmt.Errorf("polymarket/clob: decode book: %w", err)
	}
	return b, nil
}

// DeriveAPIKey runs the L1 auth flow: it signs a ClobAuth message and
// exchanges it for HMAC credentials, which it then uses for L2 requests.
func (c *ClobClient) DeriveAPIKey(ctx context.Context) error {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig, err := c.signer.SignAuthMessage(ts, 0)
	if err != nil {
		return fmt.Errorf("polymarket/clob: %w: %w", domain.ErrSigningFailed, err)
	}
	headers := map[string]string{
		"POLY_ADDRESS":   c.Address(),
		"POLY_SIGNATURE": sig,
		"POLY_TIMESTAMP": ts,
		"POLY_NONCE":     "0",
	}
	respBody, err := c.do(ctx, http.MethodGet, "/auth/derive-api-key", nil, headers)
	if err != nil {
		return fmt.Errorf("polymarket/clob: derive api key: %w", err)
	}

	var creds struct {
		APIKey     string `json:"apiKey"`
		Secret     string `json:"secret"`
		Passphrase string `json:"passphrase"`
	}
	if err := json.Unmarshal(respBody, &creds); err != nil {
		return fmt.Errorf("polymarket/clob: decode auth response: %w", err)
	}
	c.hmacAuth = &crypto.HMACAuth{Key: creds.APIKey, Secret: creds.Secret, Passphrase: creds.Passphrase}
	return nil
}

// APIKey returns the derived API key, used as the order owner.
func (c *ClobClient) APIKey() string {
	if c.hmacAuth == nil {
		return ""
	}
	return c.hmacAuth.Key
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

func (c *ClobClient) doAuthenticated(ctx context.Context, method, path string, body any) ([]byte, error) {
	if c.hmacAuth == nil {
		return nil, fmt.Errorf("%w: api credentials not derived", domain.ErrUnauthorized)
	}
	var bodyStr string
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyStr = string(b)
	}
	signPath := path
	if i := strings.IndexByte(signPath, '?'); i >= 0 {
		signPath = signPath[:i]
	}
	headers := c.hmacAuth.L2Headers(c.Address(), method, signPath, bodyStr)
	return c.do(ctx, method, path, []byte(bodyStr), headers)
}

func (c *ClobClient) do(ctx context.Context, method, path string, body []byte, headers map[string]string) ([]byte, error) {
	var bodyReader io.Reader
	if len(body) > 0 {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
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
	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	return &HTTPError{Status: statusCode, Body: strings.TrimSpace(string(body))}
}
