package marketdata

import (
	"sync"
	"time"

	"crypto-bot-engine/internal/models"
)

// ErrNoData is returned when a reader asks for a pair the cache has no
// fresh data for.
var ErrNoData = models.NewError(models.KindNotFound, "NoData")

// candleRing is a fixed-capacity ring of candles ordered by ts.
type candleRing struct {
	buf   []models.Candle
	head  int // index of the oldest element
	count int
}

func newCandleRing(capacity int) *candleRing {
	return &candleRing{buf: make([]models.Candle, capacity)}
}

// append adds a candle, coalescing by ts: a candle with the same ts as
// the newest entry replaces it, an older ts is dropped. O(1).
func (r *candleRing) append(c models.Candle) {
	if r.count > 0 {
		last := r.buf[(r.head+r.count-1)%len(r.buf)]
		if c.Ts.Before(last.Ts) {
			return
		}
		if c.Ts.Equal(last.Ts) {
			r.buf[(r.head+r.count-1)%len(r.buf)] = c
			return
		}
	}
	if r.count < len(r.buf) {
		r.buf[(r.head+r.count)%len(r.buf)] = c
		r.count++
		return
	}
	r.buf[r.head] = c
	r.head = (r.head + 1) % len(r.buf)
}

// last copies the newest k candles in ascending ts order.
func (r *candleRing) last(k int) []models.Candle {
	if k > r.count {
		k = r.count
	}
	out := make([]models.Candle, k)
	start := r.count - k
	for i := 0; i < k; i++ {
		out[i] = r.buf[(r.head+start+i)%len(r.buf)]
	}
	return out
}

type ringKey struct {
	pair      string
	timeframe string
}

// Cache keeps the last N candles per (pair, timeframe) and the latest
// quote per pair. Readers get snapshot copies; the lock is never held
// during consumer work.
type Cache struct {
	mu       sync.RWMutex
	rings    map[ringKey]*candleRing
	quotes   map[string]models.Quote
	capacity int
	quoteTTL time.Duration
}

// NewCache creates a cache holding capacity candles per series. The
// quote TTL is clamped below at one second.
func NewCache(capacity int, quoteTTL time.Duration) *Cache {
	if quoteTTL < time.Second {
		quoteTTL = time.Second
	}
	return &Cache{
		rings:    make(map[ringKey]*candleRing),
		quotes:   make(map[string]models.Quote),
		capacity: capacity,
		quoteTTL: quoteTTL,
	}
}

// AppendCandle adds one candle to its series ring.
func (c *Cache) AppendCandle(candle models.Candle) {
	key := ringKey{pair: candle.Pair, timeframe: candle.Timeframe}
	c.mu.Lock()
	defer c.mu.Unlock()
	ring, ok := c.rings[key]
	if !ok {
		ring = newCandleRing(c.capacity)
		c.rings[key] = ring
	}
	ring.append(candle)
}

// SetQuote stores the latest top-of-book for a pair.
func (c *Cache) SetQuote(q models.Quote) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quotes[q.Pair] = q
}

// Snapshot returns a copy of the last k candles for (pair, timeframe),
// ascending by ts. ErrNoData when the series is empty or unknown.
func (c *Cache) Snapshot(pair, timeframe string, k int) ([]models.Candle, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ring, ok := c.rings[ringKey{pair: pair, timeframe: timeframe}]
	if !ok || ring.count == 0 {
		return nil, ErrNoData
	}
	return ring.last(k), nil
}

// Quote returns the latest quote for pair; stale quotes (older than the
// TTL) are hidden and reported as ErrNoData.
func (c *Cache) Quote(pair string) (models.Quote, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.quotes[pair]
	if !ok || time.Since(q.Ts) > c.quoteTTL {
		return models.Quote{}, ErrNoData
	}
	return q, nil
}

// Mark returns the mid price for pair, the mark used by the ledger and
// the trigger loop.
func (c *Cache) Mark(pair string) (float64, error) {
	q, err := c.Quote(pair)
	if err != nil {
		return 0, err
	}
	return q.Mid(), nil
}

// Pairs lists every pair with a live (non-expired) quote.
func (c *Cache) Pairs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.quotes))
	for pair, q := range c.quotes {
		if time.Since(q.Ts) <= c.quoteTTL {
			out = append(out, pair)
		}
	}
	return out
}
