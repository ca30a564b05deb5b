package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// MarketTokens maps a condition's outcomes to CLOB token ids.
type MarketTokens struct {
	ConditionID string
	Tokens      map[domain.Outcome]string
	NegRisk     bool
	TickSize    float64
	MinSize     float64
	Closed      bool
}

// GammaClient resolves condition ids to tradable tokens through the Gamma
// API and caches the result; token ids never change for a market.
type GammaClient struct {
	baseURL    string
	httpClient *http.Client

	mu      sync.RWMutex
	byCond  map[string]MarketTokens
	byToken map[string]domain.MarketRef
}

// NewGammaClient creates a client for baseURL, e.g. "https://gamma-api.polymarket.com".
func NewGammaClient(baseURL string) *GammaClient {
	return &GammaClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		byCond:     make(map[string]MarketTokens),
		byToken:    make(map[string]domain.MarketRef),
	}
}

// Tokens returns the token mapping for conditionID.
func (g *GammaClient) Tokens(ctx context.Context, conditionID string) (MarketTokens, error) {
	g.mu.RLock()
	mt, ok := g.byCond[conditionID]
	g.mu.RUnlock()
	if ok {
		return mt, nil
	}

	params := url.Values{}
	params.Set("condition_ids", conditionID)
	body, err := g.doGet(ctx, "/markets?"+params.Encode())
	if err != nil {
		return MarketTokens{}, fmt.Errorf("polymarket/gamma: get market %s: %w", conditionID, err)
	}
	var markets []APIMarket
	if err := json.Unmarshal(body, &markets); err != nil {
		return MarketTokens{}, fmt.Errorf("polymarket/gamma: decode markets: %w", err)
	}
	if len(markets) == 0 {
		return MarketTokens{}, fmt.Errorf("polymarket/gamma: %w: condition %s", domain.ErrNotFound, conditionID)
	}

	mt, err = tokensOf(markets[0])
	if err != nil {
		return MarketTokens{}, err
	}
	mt.ConditionID = conditionID

	g.mu.Lock()
	g.byCond[conditionID] = mt
	for outcome, tok := range mt.Tokens {
		g.byToken[tok] = domain.MarketRef{Venue: domain.VenuePolymarket, MarketID: conditionID, Outcome: outcome}
	}
	g.mu.Unlock()
	return mt, nil
}

// TokenID returns the CLOB token for one outcome of conditionID.
func (g *GammaClient) TokenID(ctx context.Context, conditionID string, outcome domain.Outcome) (string, MarketTokens, error) {
	mt, err := g.Tokens(ctx, conditionID)
	if err != nil {
		return "", MarketTokens{}, err
	}
	tok, ok := mt.Tokens[outcome]
	if !ok {
		return "", mt, fmt.Errorf("polymarket/gamma: %w: outcome %q on %s", domain.ErrNotFound, outcome, conditionID)
	}
	return tok, mt, nil
}

// Ref reverses a previously resolved token id.
func (g *GammaClient) Ref(tokenID string) (domain.MarketRef, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ref, ok := g.byToken[tokenID]
	return ref, ok
}

func tokensOf(m APIMarket) (MarketTokens, error) {
	var outcomes, ids []string
	if err := json.Unmarshal([]byte(m.Outcomes), &outcomes); err != nil {
		return MarketTokens{}, fmt.Errorf("polymarket/gamma: decode outcomes: %w", err)
	}
	if err := json.Unmarshal([]byte(m.ClobTokenIDs), &ids); err != nil {
		return MarketTokens{}, fmt.Errorf("polymarket/gamma: decode token ids: %w", err)
	}
	if len(outcomes) != len(ids) {
		return MarketTokens{}, fmt.Errorf("polymarket/gamma: %d outcomes but %d tokens", len(outcomes), len(ids))
	}

	mt := MarketTokens{
		Tokens:   make(map[domain.Outcome]string, len(ids)),
		NegRisk:  bool(m.NegRisk),
		TickSize: float64(m.TickSize),
		MinSize:  float64(m.MinSize),
		Closed:   bool(m.Closed),
	}
	if mt.TickSize <= 0 {
		mt.TickSize = 0.01
	}
	for i, o := range outcomes {
		mt.Tokens[domain.Outcome(strings.ToLower(o))] = ids[i]
	}
	return mt, nil
}

func (g *GammaClient) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrVenueUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", domain.ErrVenueUnavailable, err)
	}
	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}
