package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// DefaultBookTTL expires books that stop being refreshed so the scanner
// never quotes from a dead feed.
const DefaultBookTTL = 30 * time.Second

// BookCache implements domain.BookCache with sorted sets and hashes per
// market outcome.
//
// Key schema ({ref} is venue:market:outcome):
//
//	book:{ref}:bids      - sorted set of bid prices (score = price)
//	book:{ref}:asks      - sorted set of ask prices (score = price)
//	book:{ref}:bid:size  - hash price -> size
//	book:{ref}:ask:size  - hash price -> size
//	book:{ref}:meta      - hash with "ts" (unix nanos)
type BookCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewBookCache creates a BookCache. A non-positive ttl uses DefaultBookTTL.
func NewBookCache(c *Client, ttl time.Duration) *BookCache {
	if ttl <= 0 {
		ttl = DefaultBookTTL
	}
	return &BookCache{rdb: c.Underlying(), ttl: ttl}
}

type bookKeys struct {
	bids, asks, bidSize, askSize, meta string
}

func keysFor(ref domain.MarketRef) bookKeys {
	p := "book:" + ref.Key()
	return bookKeys{
		bids:    p + ":bids",
		asks:    p + ":asks",
		bidSize: p + ":bid:size",
		askSize: p + ":ask:size",
		meta:    p + ":meta",
	}
}

func (k bookKeys) all() []string {
	return []string{k.bids, k.asks, k.bidSize, k.askSize, k.meta}
}

// SetBook atomically replaces the book for book.Ref.
func (bc *BookCache) SetBook(ctx context.Context, book domain.OrderBook) error {
	k := keysFor(book.Ref)
	ts := book.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	pipe := bc.rdb.TxPipeline()
	pipe.Del(ctx, k.all()...)
	for _, lvl := range book.Bids {
		p := formatFloat(lvl.Price)
		pipe.ZAdd(ctx, k.bids, redis.Z{Score: lvl.Price, Member: p})
		pipe.HSet(ctx, k.bidSize, p, formatFloat(lvl.Size))
	}
	for _, lvl := range book.Asks {
		p := formatFloat(lvl.Price)
		pipe.ZAdd(ctx, k.asks, redis.Z{Score: lvl.Price, Member: p})
		pipe.HSet(ctx, k.askSize, p, formatFloat(lvl.Size))
	}
	pipe.HSet(ctx, k.meta, "ts", strconv.FormatInt(ts.UnixNano(), 10))
	for _, key := range k.all() {
		pipe.Expire(ctx, key, bc.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set book %s: %w", book.Ref.Key(), err)
	}
	return nil
}

// Book reconstructs the book for ref. It returns domain.ErrNotFound when
// nothing is cached or the entry expired.
func (bc *BookCache) Book(ctx context.Context, ref domain.MarketRef) (domain.OrderBook, error) {
	k := keysFor(ref)

	pipe := bc.rdb.Pipeline()
	bidsCmd := pipe.ZRevRangeWithScores(ctx, k.bids, 0, -1)
	asksCmd := pipe.ZRangeWithScores(ctx, k.asks, 0, -1)
	bidSizeCmd := pipe.HGetAll(ctx, k.bidSize)
	askSizeCmd := pipe.HGetAll(ctx, k.askSize)
	metaCmd := pipe.HGetAll(ctx, k.meta)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return domain.OrderBook{}, fmt.Errorf("redis: get book %s: %w", ref.Key(), err)
	}

	meta, _ := metaCmd.Result()
	if len(meta) == 0 {
		return domain.OrderBook{}, fmt.Errorf("redis: book %s: %w", ref.Key(), domain.ErrNotFound)
	}
	book := domain.OrderBook{Ref: ref}
	if ns, err := strconv.ParseInt(meta["ts"], 10, 64); err == nil {
		book.Timestamp = time.Unix(0, ns)
	}

	bidSizes, _ := bidSizeCmd.Result()
	bids, _ := bidsCmd.Result()
	book.Bids = levels(bids, bidSizes)

	askSizes, _ := askSizeCmd.Result()
	asks, _ := asksCmd.Result()
	book.Asks = levels(asks, askSizes)
	return book, nil
}

func levels(zs []redis.Z, sizes map[string]string) []domain.BookLevel {
	out := make([]domain.BookLevel, 0, len(zs))
	for _, z := range zs {
		p, ok := z.Member.(string)
		if !ok {
			continue
		}
		size, err := strconv.ParseFloat(sizes[p], 64)
		if err != nil || size <= 0 {
			continue
		}
		out = append(out, domain.BookLevel{Price: z.Score, Size: size})
	}
	return out
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

var _ domain.BookCache = (*BookCache)(nil)
