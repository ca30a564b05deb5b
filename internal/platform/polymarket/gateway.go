package polymarket

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/arbengine/internal/crypto"
	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/gateway"
)

const zeroAddress = "0x0000000000000000000000000000000000000000"

// usdcUnit scales USDC and share amounts to the 6-decimal on-chain units.
var usdcUnit = decimal.New(1, 6)

// Gateway implements domain.VenueGateway and domain.BookSource for Polymarket.
// MarketRef.MarketID is the condition id; outcomes resolve to CLOB tokens.
type Gateway struct {
	clob   *ClobClient
	gamma  *GammaClient
	signer *crypto.Signer

	sigType int
	funder  string
}

// NewGateway creates a gateway. The CLOB client must hold API credentials.
func NewGateway(clob *ClobClient, gamma *GammaClient, signer *crypto.Signer) *Gateway {
	return &Gateway{clob: clob, gamma: gamma, signer: signer}
}

// SetFunder makes orders draw on a proxy (1) or Safe (2) wallet at funder
// while the EOA key keeps signing them.
func (g *Gateway) SetFunder(sigType int, funder string) {
	g.sigType = sigType
	g.funder = funder
}

func (g *Gateway) Venue() domain.Venue { return domain.VenuePolymarket }

// PlaceOrder signs and posts a GTC limit order, or FAK when marketable.
func (g *Gateway) PlaceOrder(ctx context.Context, spec domain.OrderSpec, timeout time.Duration) (string, error) {
	return gateway.Call(ctx, timeout, func(ctx context.Context) (string, error) {
		tokenID, mt, err := g.gamma.TokenID(ctx, spec.MarketID, spec.Outcome)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return "", fmt.Errorf("%w: %w", domain.ErrVenueRejected, err)
			}
			return "", fmt.Errorf("%w: %w", domain.ErrVenueUnavailable, err)
		}
		if mt.Closed {
			return "", fmt.Errorf("polymarket: %w: market %s is closed", domain.ErrVenueRejected, spec.MarketID)
		}

		payload, err := g.buildOrder(spec, tokenID, mt)
		if err != nil {
			return "", err
		}
		sig, err := g.signer.SignOrder(payload, mt.NegRisk)
		if err != nil {
			return "", fmt.Errorf("%w: %w", domain.ErrVenueRejected, err)
		}

		orderType := "GTC"
		if spec.Marketable {
			orderType = "FAK"
		}
		res, err := g.clob.PostOrder(ctx, PostOrderRequest{
			Order:     signedOrder(payload, sig),
			Owner:     g.clob.APIKey(),
			OrderType: orderType,
		})
		if err != nil {
			return "", classify(opPlace, err)
		}
		if !res.Success || res.OrderID == "" {
			return "", fmt.Errorf("polymarket: %w: %s", domain.ErrVenueRejected, res.ErrorMsg)
		}
		return res.OrderID, nil
	})
}

func (g *Gateway) CancelOrder(ctx context.Context, orderID string, timeout time.Duration) error {
	return gateway.CallErr(ctx, timeout, func(ctx context.Context) error {
		res, err := g.clob.CancelOrder(ctx, orderID)
		if err != nil {
			return classify(opCancel, err)
		}
		for _, id := range res.Canceled {
			if id == orderID {
				return nil
			}
		}
		reason := strings.ToLower(res.NotCanceled[orderID])
		switch {
		case strings.Contains(reason, "not found"), strings.Contains(reason, "doesn't exist"):
			return fmt.Errorf("polymarket: %w: %s", domain.ErrOrderNotFound, reason)
		case reason != "":
			return fmt.Errorf("polymarket: %w: %s", domain.ErrAlreadyTerminal, reason)
		}
		return fmt.Errorf("polymarket: %w: order %s not in cancel response", domain.ErrOrderNotFound, orderID)
	})
}

func (g *Gateway) GetOrderStatus(ctx context.Context, orderID string, timeout time.Duration) (domain.OrderReport, error) {
	return gateway.Call(ctx, timeout, func(ctx context.Context) (domain.OrderReport, error) {
		o, err := g.clob.GetOrder(ctx, orderID)
		if err != nil {
			return domain.OrderReport{}, classify(opStatus, err)
		}
		return o.report(), nil
	})
}

// GetBook fetches the CLOB book for one outcome of a condition.
func (g *Gateway) GetBook(ctx context.Context, conditionID string, outcome domain.Outcome) (domain.OrderBook, error) {
	return gateway.Call(ctx, gateway.DefaultTimeout, func(ctx context.Context) (domain.OrderBook, error) {
		tokenID, _, err := g.gamma.TokenID(ctx, conditionID, outcome)
		if err != nil {
			return domain.OrderBook{}, err
		}
		b, err := g.clob.GetBook(ctx, tokenID)
		if err != nil {
			return domain.OrderBook{}, classify(opBook, err)
		}
		book := domain.OrderBook{
			Ref:       domain.MarketRef{Venue: domain.VenuePolymarket, MarketID: conditionID, Outcome: outcome},
			Bids:      toLevels(b.Bids),
			Asks:      toLevels(b.Asks),
			Timestamp: parseTimestamp(b.Timestamp),
		}
		sortBook(&book)
		return book, nil
	})
}

// buildOrder converts a probability-priced spec into maker and taker
// amounts. A buy gives price*size USDC for size shares; a sell the reverse.
func (g *Gateway) buildOrder(spec domain.OrderSpec, tokenID string, mt MarketTokens) (crypto.OrderPayload, error) {
	tick := decimal.NewFromFloat(mt.TickSize)
	price := decimal.NewFromFloat(spec.Price)
	if !price.Mod(tick).Round(9).IsZero() {
		return crypto.OrderPayload{}, fmt.Errorf("polymarket: %w: price %v is off the %v tick", domain.ErrVenueRejected, spec.Price, mt.TickSize)
	}
	if price.LessThan(tick) || price.GreaterThan(decimal.NewFromInt(1).Sub(tick)) {
		return crypto.OrderPayload{}, fmt.Errorf("polymarket: %w: price %v outside [%v, %v]", domain.ErrVenueRejected, spec.Price, tick, decimal.NewFromInt(1).Sub(tick))
	}
	size := decimal.NewFromFloat(spec.Quantity).RoundDown(2)
	if !size.IsPositive() || (mt.MinSize > 0 && size.LessThan(decimal.NewFromFloat(mt.MinSize))) {
		return crypto.OrderPayload{}, fmt.Errorf("polymarket: %w: size %v below minimum %v", domain.ErrVenueRejected, spec.Quantity, mt.MinSize)
	}

	shares := size.Mul(usdcUnit).Truncate(0)
	usdc := size.Mul(price).RoundDown(4).Mul(usdcUnit).Truncate(0)

	salt, err := rand.Int(rand.Reader, big.NewInt(1<<53))
	if err != nil {
		return crypto.OrderPayload{}, fmt.Errorf("polymarket: generating salt: %w", err)
	}
	addr := g.signer.Address().Hex()
	maker := addr
	if g.funder != "" {
		maker = g.funder
	}
	p := crypto.OrderPayload{
		Salt:          salt.String(),
		Maker:         maker,
		Signer:        addr,
		Taker:         zeroAddress,
		TokenID:       tokenID,
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		MakerAmount:   usdc.String(),
		TakerAmount:   shares.String(),
		SignatureType: g.sigType,
	}
	if spec.Direction == domain.DirectionSell {
		p.Side = 1
		p.MakerAmount, p.TakerAmount = shares.String(), usdc.String()
	}
	return p, nil
}

func signedOrder(p crypto.OrderPayload, sig string) SignedOrder {
	salt, _ := new(big.Int).SetString(p.Salt, 10)
	side := "BUY"
	if p.Side == 1 {
		side = "SELL"
	}
	return SignedOrder{
		Salt:          salt.Int64(),
		Maker:         p.Maker,
		Signer:        p.Signer,
		Taker:         p.Taker,
		TokenID:       p.TokenID,
		MakerAmount:   p.MakerAmount,
		TakerAmount:   p.TakerAmount,
		Expiration:    p.Expiration,
		Nonce:         p.Nonce,
		FeeRateBps:    p.FeeRateBps,
		Side:          side,
		SignatureType: p.SignatureType,
		Signature:     sig,
	}
}

type op int

const (
	opPlace op = iota
	opCancel
	opStatus
	opBook
)

// classify maps CLOB failures onto the gateway error contract.
func classify(o op, err error) error {
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return err
	}
	var sentinel error
	switch s := httpErr.Status; {
	case s == http.StatusNotFound && (o == opCancel || o == opStatus):
		sentinel = domain.ErrOrderNotFound
	case s == http.StatusBadRequest && o == opCancel:
		sentinel = domain.ErrAlreadyTerminal
	case s == http.StatusBadRequest || s == http.StatusNotFound || s == http.StatusUnprocessableEntity:
		sentinel = domain.ErrVenueRejected
	default:
		sentinel = domain.ErrVenueUnavailable
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}
