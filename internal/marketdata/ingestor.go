package marketdata

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"crypto-bot-engine/internal/logger"
	"crypto-bot-engine/internal/models"
	"crypto-bot-engine/internal/ratelimit"
)

// Source is the slice of an exchange client the ingestor pulls from.
// Kept local so the ingestor stays decoupled from order placement.
type Source interface {
	Name() string
	TopPairsByVolume(ctx context.Context, k int) ([]string, error)
	OHLCV(ctx context.Context, pair, timeframe string, limit int) ([]models.Candle, error)
	Book(ctx context.Context, pair string, depth int) (models.OrderBook, error)
}

const (
	backoffBase = time.Second
	backoffCap  = 60 * time.Second
	maxRetries  = 3
	// Pair-list refresh happens every this many pull periods.
	pairSyncEvery = 10
)

// Ingestor maintains one pull loop per tracked pair. Tracked pairs are
// the union of running bots' pairs and the exchange's top pairs by
// volume. Bots never call the exchange for candle history themselves.
type Ingestor struct {
	client     Source
	limiter    *ratelimit.Limiter
	cache      *Cache
	bus        *Bus
	timeframe  string
	pullPeriod time.Duration
	deadline   time.Duration
	topK       int

	mu      sync.Mutex
	tracked map[string]context.CancelFunc // pair -> loop cancel
	refs    map[string]int                // bot-tracking refcount per pair
	topSet  map[string]bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewIngestor wires an ingestor for one exchange.
func NewIngestor(client Source, limiter *ratelimit.Limiter, cache *Cache, bus *Bus, timeframe string, pullPeriod, deadline time.Duration, topK int) *Ingestor {
	return &Ingestor{
		client:     client,
		limiter:    limiter,
		cache:      cache,
		bus:        bus,
		timeframe:  timeframe,
		pullPeriod: pullPeriod,
		deadline:   deadline,
		topK:       topK,
		tracked:    make(map[string]context.CancelFunc),
		refs:       make(map[string]int),
		topSet:     make(map[string]bool),
	}
}

// Start launches pair tracking and the pair-list sync loop.
func (in *Ingestor) Start(ctx context.Context) {
	in.mu.Lock()
	in.ctx, in.cancel = context.WithCancel(ctx)
	// Pairs pinned before Start get their loops now.
	for pair, n := range in.refs {
		if n > 0 {
			in.ensureLoopLocked(pair)
		}
	}
	in.mu.Unlock()

	in.syncTopPairs()

	in.wg.Add(1)
	go in.pairSyncLoop()
}

// Stop cancels every pull loop and waits for them to finish.
func (in *Ingestor) Stop() {
	in.mu.Lock()
	if in.cancel != nil {
		in.cancel()
	}
	in.mu.Unlock()
	in.wg.Wait()
}

// Track pins a pair for a running bot. Refcounted so two bots on the
// same pair share one loop.
func (in *Ingestor) Track(pair string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.refs[pair]++
	in.ensureLoopLocked(pair)
}

// Untrack releases a bot's pin. The loop stops once no bot needs the
// pair and it is not in the top-volume set.
func (in *Ingestor) Untrack(pair string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.refs[pair] > 0 {
		in.refs[pair]--
	}
	in.reapLocked(pair)
}

func (in *Ingestor) ensureLoopLocked(pair string) {
	if _, running := in.tracked[pair]; running || in.ctx == nil {
		return
	}
	loopCtx, cancel := context.WithCancel(in.ctx)
	in.tracked[pair] = cancel
	in.wg.Add(1)
	go in.pullLoop(loopCtx, pair)
}

func (in *Ingestor) reapLocked(pair string) {
	if in.refs[pair] > 0 || in.topSet[pair] {
		return
	}
	if cancel, ok := in.tracked[pair]; ok {
		cancel()
		delete(in.tracked, pair)
	}
}

// pairSyncLoop refreshes the top-volume pair set periodically.
func (in *Ingestor) pairSyncLoop() {
	defer in.wg.Done()
	ticker := time.NewTicker(in.pullPeriod * pairSyncEvery)
	defer ticker.Stop()
	for {
		select {
		case <-in.ctx.Done():
			return
		case <-ticker.C:
			in.syncTopPairs()
		}
	}
}

func (in *Ingestor) syncTopPairs() {
	ctx, cancel := context.WithTimeout(in.ctx, in.deadline)
	defer cancel()

	if err := in.limiter.Acquire(ctx, in.client.Name(), 1); err != nil {
		return
	}
	top, err := in.client.TopPairsByVolume(ctx, in.topK)
	if err != nil {
		logger.S().Warnf("pair sync failed for %s: %v", in.client.Name(), err)
		return
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	old := in.topSet
	in.topSet = make(map[string]bool, len(top))
	for _, pair := range top {
		in.topSet[pair] = true
		in.ensureLoopLocked(pair)
	}
	for pair := range old {
		if !in.topSet[pair] {
			in.reapLocked(pair)
		}
	}
}

// pullLoop fetches one pair on the pull cadence, growing the cadence
// with exponential backoff while the exchange throttles or fails.
func (in *Ingestor) pullLoop(ctx context.Context, pair string) {
	defer in.wg.Done()

	backoff := time.Duration(0)
	for {
		wait := in.pullPeriod
		if backoff > 0 {
			wait = backoff
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		switch err := in.pullOnce(ctx, pair); {
		case err == nil:
			backoff = 0
		case models.IsRateLimited(err):
			backoff = nextBackoff(backoff)
			logger.S().Debugf("ingest %s throttled, backing off %s", pair, backoff)
		default:
			backoff = nextBackoff(backoff)
			in.bus.Publish(Event{Type: EventIngestError, Pair: pair, Detail: err.Error()})
			logger.S().Warnf("ingest %s failed: %v", pair, err)
		}
	}
}

// pullOnce runs one fetch: rate token, latest candle + book, cache
// write, tick publish. Transient errors are retried in place up to
// maxRetries; RateLimited penalizes the bucket and returns immediately.
func (in *Ingestor) pullOnce(ctx context.Context, pair string) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(jitter(backoffBase << (attempt - 1)))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, in.deadline)
		err := in.fetch(callCtx, pair)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err

		if models.IsRateLimited(err) {
			in.limiter.Penalize(in.client.Name(), backoffBase)
			return err
		}
		if !models.IsTransient(err) {
			return err
		}
	}
	return lastErr
}

func (in *Ingestor) fetch(ctx context.Context, pair string) error {
	if err := in.limiter.Acquire(ctx, in.client.Name(), 1); err != nil {
		return err
	}

	candles, err := in.client.OHLCV(ctx, pair, in.timeframe, 2)
	if err != nil {
		return err
	}
	book, err := in.client.Book(ctx, pair, 1)
	if err != nil {
		return err
	}

	for _, c := range candles {
		in.cache.AppendCandle(c)
	}
	if len(book.Bids) > 0 && len(book.Asks) > 0 {
		in.cache.SetQuote(models.Quote{
			Pair: pair,
			Bid:  book.Bids[0].Price,
			Ask:  book.Asks[0].Price,
			Ts:   book.Ts,
		})
	}

	in.bus.Publish(Event{Type: EventTick, Pair: pair})
	return nil
}

// nextBackoff doubles from the base up to the cap. The nth consecutive
// failure waits at least base<<n.
func nextBackoff(cur time.Duration) time.Duration {
	next := 2 * backoffBase
	if cur > 0 {
		next = cur * 2
	}
	if next > backoffCap {
		next = backoffCap
	}
	return jitter(next)
}

// jitter spreads a delay by up to 25% to avoid synchronized retries.
func jitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int63n(int64(d)/4+1))
}
