package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/arbengine/internal/config"
	"github.com/alanyoungcy/arbengine/internal/crypto"
	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/executor"
	"github.com/alanyoungcy/arbengine/internal/feed"
	"github.com/alanyoungcy/arbengine/internal/gateway"
	"github.com/alanyoungcy/arbengine/internal/platform/kalshi"
	"github.com/alanyoungcy/arbengine/internal/platform/paper"
	"github.com/alanyoungcy/arbengine/internal/platform/polymarket"
)

// venues is everything built per venue: the order path, the book path and
// how fills are observed.
type venues struct {
	registry *gateway.Registry
	books    []domain.BookSource
	watcher  executor.FillWatcher
	// tokens resolves Polymarket conditions for the market stream; nil when
	// Polymarket is disabled.
	tokens  feed.TokenResolver
	closers []func()
}

func (v *venues) close() {
	for i := len(v.closers) - 1; i >= 0; i-- {
		v.closers[i]()
	}
}

// buildVenues creates the venue clients. In paper mode orders go to the
// simulator, which fills against the cached books, while books still come
// from the real venues' public endpoints.
func buildVenues(ctx context.Context, cfg *config.Config, deps *Dependencies, logger *slog.Logger) (*venues, error) {
	live := strings.ToLower(cfg.Mode) == "live"
	poll := executor.PollWatcher{CallTimeout: cfg.Engine.CallTimeout.Duration, Logger: logger}
	v := &venues{registry: gateway.NewRegistry()}
	pushed := map[domain.Venue]executor.FillWatcher{}

	if cfg.Kalshi.Enabled {
		restURL, wsURL := cfg.Kalshi.Endpoints()
		var signer *crypto.RSASigner
		if live || cfg.Kalshi.RsaPrivateKey != "" || cfg.Kalshi.RsaPrivateKeyPath != "" {
			pem, err := crypto.LoadRSAKey(crypto.SecretSource{
				Inline:   cfg.Kalshi.RsaPrivateKey,
				Path:     cfg.Kalshi.RsaPrivateKeyPath,
				Password: cfg.Kalshi.RsaKeyPassword,
			})
			if err != nil {
				v.close()
				return nil, fmt.Errorf("venues: kalshi key: %w", err)
			}
			if signer, err = crypto.NewRSASigner(cfg.Kalshi.ApiKey, pem); err != nil {
				v.close()
				return nil, fmt.Errorf("venues: kalshi signer: %w", err)
			}
		}
		client, err := kalshi.NewClient(restURL, signer)
		if err != nil {
			v.close()
			return nil, fmt.Errorf("venues: kalshi client: %w", err)
		}
		gw := kalshi.NewGateway(client)
		v.books = append(v.books, gw)

		if live {
			v.registry.Register(gateway.WithRateLimit(gw, deps.RateLimiter, cfg.Kalshi.RateLimit, cfg.Kalshi.RateWindow.Duration))
			fills := kalshi.NewFillStream(wsURL, signer, logger)
			if err := fills.Connect(ctx); err != nil {
				// Orders still settle through polling; push only speeds it up.
				logger.Warn("kalshi fill stream unavailable, polling only", slog.String("error", err.Error()))
			} else {
				v.closers = append(v.closers, func() { _ = fills.Close() })
				pushed[domain.VenueKalshi] = executor.PushWatcher{Feed: fills, Fallback: poll, Logger: logger}
			}
		} else {
			v.registry.Register(paper.NewGateway(domain.VenueKalshi, deps.Books, logger))
		}
	}

	if cfg.Polymarket.Enabled {
		gamma := polymarket.NewGammaClient(cfg.Polymarket.GammaHost)
		v.tokens = gamma
		if live {
			gw, err := livePolymarket(ctx, cfg, gamma)
			if err != nil {
				v.close()
				return nil, err
			}
			v.books = append(v.books, gw)
			v.registry.Register(gateway.WithRateLimit(gw, deps.RateLimiter, cfg.Polymarket.RateLimit, cfg.Polymarket.RateWindow.Duration))
		} else {
			v.books = append(v.books, polymarket.NewGateway(polymarket.NewClobClient(cfg.Polymarket.ClobHost, nil, nil), gamma, nil))
			v.registry.Register(paper.NewGateway(domain.VenuePolymarket, deps.Books, logger))
		}
	}

	v.watcher = executor.ByVenue{Watchers: pushed, Default: poll}
	return v, nil
}

// livePolymarket loads the wallet key and CLOB credentials, deriving the
// latter through L1 auth when they are not configured.
func livePolymarket(ctx context.Context, cfg *config.Config, gamma *polymarket.GammaClient) (*polymarket.Gateway, error) {
	key, err := crypto.LoadWalletKey(crypto.SecretSource{
		Inline:   cfg.Wallet.PrivateKey,
		Path:     cfg.Wallet.EncryptedKeyPath,
		Password: cfg.Wallet.KeyPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("venues: polymarket wallet: %w", err)
	}
	signer, err := crypto.NewSigner(key, int64(cfg.Polymarket.ChainID))
	if err != nil {
		return nil, fmt.Errorf("venues: polymarket signer: %w", err)
	}

	var auth *crypto.HMACAuth
	if cfg.Polymarket.ApiKey != "" {
		auth = &crypto.HMACAuth{
			Key:        cfg.Polymarket.ApiKey,
			Secret:     cfg.Polymarket.ApiSecret,
			Passphrase: cfg.Polymarket.ApiPassphrase,
		}
	}
	clob := polymarket.NewClobClient(cfg.Polymarket.ClobHost, signer, auth)
	if auth == nil {
		if err := clob.DeriveAPIKey(ctx); err != nil {
			return nil, fmt.Errorf("venues: polymarket api key: %w", err)
		}
	}

	gw := polymarket.NewGateway(clob, gamma, signer)
	if cfg.Polymarket.SignatureType != 0 {
		gw.SetFunder(cfg.Polymarket.SignatureType, cfg.Wallet.FunderAddress)
	}
	return gw, nil
}
