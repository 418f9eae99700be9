package exchange

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"crypto-bot-engine/internal/fees"
	"crypto-bot-engine/internal/logger"
	"crypto-bot-engine/internal/marketdata"
	"crypto-bot-engine/internal/models"
)

// Paper simulates fills against live market data. Market-data calls
// are delegated to an inner client so paper trading sees the same feed
// as live trading; only Submit and Cancel are simulated.
type Paper struct {
	data     Client
	cache    *marketdata.Cache
	fees     *fees.Calculator
	slippage float64

	mu        sync.Mutex
	seen      map[string]models.OrderResult // by ClientOrderID
	volume30d decimal.Decimal
	seq       int64
}

func NewPaper(data Client, cache *marketdata.Cache, calc *fees.Calculator, slippage float64) *Paper {
	return &Paper{
		data:     data,
		cache:    cache,
		fees:     calc,
		slippage: slippage,
		seen:     make(map[string]models.OrderResult),
	}
}

func (p *Paper) Name() string { return "paper" }

func (p *Paper) ListPairs(ctx context.Context) ([]models.TradingPair, error) {
	return p.data.ListPairs(ctx)
}

func (p *Paper) TopPairsByVolume(ctx context.Context, k int) ([]string, error) {
	return p.data.TopPairsByVolume(ctx, k)
}

func (p *Paper) OHLCV(ctx context.Context, pair, timeframe string, limit int) ([]models.Candle, error) {
	return p.data.OHLCV(ctx, pair, timeframe, limit)
}

func (p *Paper) Book(ctx context.Context, pair string, depth int) (models.OrderBook, error) {
	return p.data.Book(ctx, pair, depth)
}

// Submit fills market orders at the cached mid price shifted by the
// configured slippage against the taker. Resubmitting a seen
// ClientOrderID replays the original result.
func (p *Paper) Submit(ctx context.Context, req models.OrderRequest) (models.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return models.OrderResult{}, models.WrapError(models.KindTransient, "ContextDone", err)
	}
	if !req.Qty.IsPositive() {
		return models.OrderResult{}, models.NewError(models.KindInvalid, "NonPositiveQty")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if prior, ok := p.seen[req.ClientOrderID]; ok && req.ClientOrderID != "" {
		return prior, nil
	}

	mark, err := p.cache.Mark(req.Pair)
	if err != nil {
		return models.OrderResult{}, err
	}

	fill := mark
	switch req.Side {
	case models.Buy:
		fill = mark * (1 + p.slippage)
	case models.Sell:
		fill = mark * (1 - p.slippage)
	}

	if req.Type == models.OrderLimit {
		marketable := (req.Side == models.Buy && mark <= req.LimitPrice) ||
			(req.Side == models.Sell && mark >= req.LimitPrice)
		if !marketable {
			return models.OrderResult{}, models.NewError(models.KindRejected, "LimitNotMarketable")
		}
		fill = req.LimitPrice
	}

	price := decimal.NewFromFloat(fill)
	notional := req.Qty.Mul(price)
	fee := p.fees.Fee(notional, req.Type == models.OrderLimit, p.volume30d)
	p.volume30d = p.volume30d.Add(notional)

	p.seq++
	result := models.OrderResult{
		ExchangeOrderID: fmt.Sprintf("paper-%d", p.seq),
		Status:          models.OrderFilled,
		FilledQty:       req.Qty,
		AvgPrice:        price,
		FeeAbs:          fee,
		FeeCurrency:     "USD",
	}
	if req.ClientOrderID != "" {
		p.seen[req.ClientOrderID] = result
	}

	logger.S().Debugw("paper fill",
		"pair", req.Pair, "side", req.Side,
		"qty", req.Qty.String(), "price", price.String(), "fee", fee.String())
	return result, nil
}

// Cancel is a no-op success for paper: simulated orders fill
// immediately, so there is never a resting order to cancel.
func (p *Paper) Cancel(ctx context.Context, exchangeOrderID string) error {
	return nil
}

func (p *Paper) FeeTable(ctx context.Context, volumeUSD decimal.Decimal) (models.FeeRate, error) {
	return p.fees.Rate(volumeUSD), nil
}

var _ Client = (*Paper)(nil)
