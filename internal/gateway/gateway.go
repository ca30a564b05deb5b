// Package gateway holds the venue gateway registry and the decorators shared
// by every venue adapter.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// DefaultTimeout applies when a caller passes a non-positive timeout.
const DefaultTimeout = 5 * time.Second

// Call runs fn under timeout. It returns ErrVenueTimeout when fn has not
// returned in time, even if fn ignores its context.
func Call[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(cctx)
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) && !errors.Is(r.err, domain.ErrVenueTimeout) {
			return r.v, fmt.Errorf("%w: %w", domain.ErrVenueTimeout, r.err)
		}
		return r.v, r.err
	case <-cctx.Done():
		var zero T
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("%w: %w", domain.ErrVenueTimeout, err)
		}
		return zero, fmt.Errorf("%w after %s", domain.ErrVenueTimeout, timeout)
	}
}

// CallErr is Call for operations without a result.
func CallErr(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	_, err := Call(ctx, timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Registry resolves venues to gateways. The engine never knows how many
// venues are registered.
type Registry struct {
	mu       sync.RWMutex
	gateways map[domain.Venue]domain.VenueGateway
}

// NewRegistry creates a registry holding gws.
func NewRegistry(gws ...domain.VenueGateway) *Registry {
	r := &Registry{gateways: make(map[domain.Venue]domain.VenueGateway)}
	for _, gw := range gws {
		r.Register(gw)
	}
	return r
}

// Register adds or replaces the gateway for its venue.
func (r *Registry) Register(gw domain.VenueGateway) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gateways[gw.Venue()] = gw
}

// Get returns the gateway for venue.
func (r *Registry) Get(venue domain.Venue) (domain.VenueGateway, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	gw, ok := r.gateways[venue]
	if !ok {
		return nil, fmt.Errorf("gateway: %w: no gateway for venue %q", domain.ErrVenueUnavailable, venue)
	}
	return gw, nil
}

// Venues lists registered venues in name order.
func (r *Registry) Venues() []domain.Venue {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Venue, 0, len(r.gateways))
	for v := range r.gateways {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
