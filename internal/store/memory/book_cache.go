package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// BookCache is an in-process domain.BookCache.
type BookCache struct {
	mu    sync.RWMutex
	books map[string]domain.OrderBook
}

// NewBookCache returns an empty BookCache.
func NewBookCache() *BookCache {
	return &BookCache{books: make(map[string]domain.OrderBook)}
}

func (c *BookCache) SetBook(_ context.Context, book domain.OrderBook) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.books[book.Ref.Key()] = book
	return nil
}

func (c *BookCache) Book(_ context.Context, ref domain.MarketRef) (domain.OrderBook, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.books[ref.Key()]
	if !ok {
		return domain.OrderBook{}, fmt.Errorf("memory: book %s: %w", ref.Key(), domain.ErrNotFound)
	}
	return b, nil
}
