package exchange

import (
	"context"

	"github.com/shopspring/decimal"

	"crypto-bot-engine/internal/models"
)

// Client is the capability set every exchange implementation provides.
// Implementations map their wire errors onto the engine taxonomy:
// throttling to RateLimited, timeouts and 5xx to Transient, business
// rejections to Rejected. Every call honours the context deadline.
type Client interface {
	// Name identifies the exchange for rate-limit bucketing.
	Name() string

	// ListPairs returns the tradable pairs with their filters.
	ListPairs(ctx context.Context) ([]models.TradingPair, error)

	// TopPairsByVolume returns up to k pair symbols ordered by 24h
	// quote volume, used to seed the ingestor's tracked set.
	TopPairsByVolume(ctx context.Context, k int) ([]string, error)

	// OHLCV returns up to limit most recent candles, ascending by ts.
	OHLCV(ctx context.Context, pair, timeframe string, limit int) ([]models.Candle, error)

	// Book returns a depth snapshot.
	Book(ctx context.Context, pair string, depth int) (models.OrderBook, error)

	// Submit places an order. Resubmitting with a previously seen
	// ClientOrderID must return the original result, not a new fill.
	Submit(ctx context.Context, req models.OrderRequest) (models.OrderResult, error)

	// Cancel cancels an open order by exchange order ID.
	Cancel(ctx context.Context, exchangeOrderID string) error

	// FeeTable returns the maker/taker rates for a 30-day volume.
	FeeTable(ctx context.Context, volumeUSD decimal.Decimal) (models.FeeRate, error)
}

// AccountSyncer is implemented by live exchanges whose balances the
// ledger mirrors on startup.
type AccountSyncer interface {
	// Balances returns free cash per currency.
	Balances(ctx context.Context) (map[string]decimal.Decimal, error)
}
