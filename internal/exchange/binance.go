package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"crypto-bot-engine/internal/fees"
	"crypto-bot-engine/internal/logger"
	"crypto-bot-engine/internal/marketdata"
	"crypto-bot-engine/internal/models"
)

const wsStreamURL = "wss://stream.binance.com:9443/stream"

// Binance adapts the spot REST API to the engine's Client interface.
// Wire errors are mapped onto the engine taxonomy so callers never see
// SDK error types.
type Binance struct {
	client *binance.Client
	fees   *fees.Calculator
}

func NewBinance(apiKey, secretKey string, calc *fees.Calculator) *Binance {
	return &Binance{
		client: binance.NewClient(apiKey, secretKey),
		fees:   calc,
	}
}

func (b *Binance) Name() string { return "binance" }

// symbolFor turns "BTC/USDT" into the exchange symbol "BTCUSDT".
func symbolFor(pair string) string {
	return strings.ReplaceAll(pair, "/", "")
}

func (b *Binance) ListPairs(ctx context.Context) ([]models.TradingPair, error) {
	info, err := b.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, mapBinanceErr(err)
	}

	pairs := make([]models.TradingPair, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status != "TRADING" {
			continue
		}
		p := models.TradingPair{
			Symbol: s.BaseAsset + "/" + s.QuoteAsset,
			Base:   s.BaseAsset,
			Quote:  s.QuoteAsset,
		}
		if f := s.PriceFilter(); f != nil {
			p.PriceTick, _ = decimal.NewFromString(f.TickSize)
		}
		if f := s.LotSizeFilter(); f != nil {
			p.QtyStep, _ = decimal.NewFromString(f.StepSize)
		}
		if f := s.NotionalFilter(); f != nil {
			p.MinNotional, _ = decimal.NewFromString(f.MinNotional)
		}
		pairs = append(pairs, p)
	}
	return pairs, nil
}

func (b *Binance) TopPairsByVolume(ctx context.Context, k int) ([]string, error) {
	stats, err := b.client.NewListPriceChangeStatsService().Do(ctx)
	if err != nil {
		return nil, mapBinanceErr(err)
	}

	type volume struct {
		symbol string
		quote  float64
	}
	vols := make([]volume, 0, len(stats))
	for _, s := range stats {
		qv, err := strconv.ParseFloat(s.QuoteVolume, 64)
		if err != nil {
			continue
		}
		vols = append(vols, volume{symbol: s.Symbol, quote: qv})
	}
	sort.Slice(vols, func(i, j int) bool { return vols[i].quote > vols[j].quote })

	if k > len(vols) {
		k = len(vols)
	}
	out := make([]string, 0, k)
	for _, v := range vols[:k] {
		out = append(out, v.symbol)
	}
	return out, nil
}

func (b *Binance) OHLCV(ctx context.Context, pair, timeframe string, limit int) ([]models.Candle, error) {
	klines, err := b.client.NewKlinesService().
		Symbol(symbolFor(pair)).
		Interval(timeframe).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, mapBinanceErr(err)
	}

	candles := make([]models.Candle, 0, len(klines))
	for _, k := range klines {
		open, _ := strconv.ParseFloat(k.Open, 64)
		high, _ := strconv.ParseFloat(k.High, 64)
		low, _ := strconv.ParseFloat(k.Low, 64)
		closep, _ := strconv.ParseFloat(k.Close, 64)
		vol, _ := strconv.ParseFloat(k.Volume, 64)
		candles = append(candles, models.Candle{
			Pair:      pair,
			Timeframe: timeframe,
			Ts:        time.UnixMilli(k.OpenTime).UTC(),
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closep,
			Volume:    vol,
		})
	}
	return candles, nil
}

func (b *Binance) Book(ctx context.Context, pair string, depth int) (models.OrderBook, error) {
	if depth < 5 {
		depth = 5 // smallest depth the endpoint serves
	}
	resp, err := b.client.NewDepthService().
		Symbol(symbolFor(pair)).
		Limit(depth).
		Do(ctx)
	if err != nil {
		return models.OrderBook{}, mapBinanceErr(err)
	}

	book := models.OrderBook{Pair: pair, Ts: time.Now().UTC()}
	for _, bid := range resp.Bids {
		price, _ := strconv.ParseFloat(bid.Price, 64)
		qty, _ := strconv.ParseFloat(bid.Quantity, 64)
		book.Bids = append(book.Bids, models.BookLevel{Price: price, Qty: qty})
	}
	for _, ask := range resp.Asks {
		price, _ := strconv.ParseFloat(ask.Price, 64)
		qty, _ := strconv.ParseFloat(ask.Quantity, 64)
		book.Asks = append(book.Asks, models.BookLevel{Price: price, Qty: qty})
	}
	return book, nil
}

func (b *Binance) Submit(ctx context.Context, req models.OrderRequest) (models.OrderResult, error) {
	symbol := symbolFor(req.Pair)
	svc := b.client.NewCreateOrderService().
		Symbol(symbol).
		Side(binance.SideType(req.Side)).
		Quantity(req.Qty.String()).
		NewClientOrderID(req.ClientOrderID)

	switch req.Type {
	case models.OrderLimit:
		svc = svc.Type(binance.OrderTypeLimit).
			TimeInForce(binance.TimeInForceType(req.TimeInForce)).
			Price(strconv.FormatFloat(req.LimitPrice, 'f', -1, 64))
	case models.OrderStop:
		svc = svc.Type(binance.OrderTypeStopLossLimit).
			TimeInForce(binance.TimeInForceTypeGTC).
			StopPrice(strconv.FormatFloat(req.StopPrice, 'f', -1, 64)).
			Price(strconv.FormatFloat(req.LimitPrice, 'f', -1, 64))
	default:
		svc = svc.Type(binance.OrderTypeMarket)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		// A duplicate client order ID means the order already exists;
		// replay its state instead of failing the retry.
		var apiErr *common.APIError
		if errors.As(err, &apiErr) && apiErr.Code == -2010 &&
			strings.Contains(apiErr.Message, "Duplicate") {
			return b.lookupByClientID(ctx, symbol, req.ClientOrderID)
		}
		return models.OrderResult{}, mapBinanceErr(err)
	}

	filled, _ := decimal.NewFromString(resp.ExecutedQuantity)
	quote, _ := decimal.NewFromString(resp.CummulativeQuoteQuantity)

	result := models.OrderResult{
		ExchangeOrderID: fmt.Sprintf("%s:%d", symbol, resp.OrderID),
		Status:          mapOrderStatus(resp.Status),
		FilledQty:       filled,
	}
	if filled.IsPositive() {
		result.AvgPrice = quote.Div(filled)
	}
	for _, fill := range resp.Fills {
		fee, _ := decimal.NewFromString(fill.Commission)
		result.FeeAbs = result.FeeAbs.Add(fee)
		result.FeeCurrency = fill.CommissionAsset
	}
	return result, nil
}

func (b *Binance) lookupByClientID(ctx context.Context, symbol, clientOrderID string) (models.OrderResult, error) {
	order, err := b.client.NewGetOrderService().
		Symbol(symbol).
		OrigClientOrderID(clientOrderID).
		Do(ctx)
	if err != nil {
		return models.OrderResult{}, mapBinanceErr(err)
	}

	filled, _ := decimal.NewFromString(order.ExecutedQuantity)
	quote, _ := decimal.NewFromString(order.CummulativeQuoteQuantity)
	result := models.OrderResult{
		ExchangeOrderID: fmt.Sprintf("%s:%d", symbol, order.OrderID),
		Status:          mapOrderStatus(order.Status),
		FilledQty:       filled,
	}
	if filled.IsPositive() {
		result.AvgPrice = quote.Div(filled)
	}
	return result, nil
}

// Cancel expects the "SYMBOL:orderID" form produced by Submit.
func (b *Binance) Cancel(ctx context.Context, exchangeOrderID string) error {
	symbol, idStr, ok := strings.Cut(exchangeOrderID, ":")
	if !ok {
		return models.NewError(models.KindInvalid, "MalformedOrderID")
	}
	orderID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return models.NewError(models.KindInvalid, "MalformedOrderID")
	}

	_, err = b.client.NewCancelOrderService().
		Symbol(symbol).
		OrderID(orderID).
		Do(ctx)
	if err != nil {
		return mapBinanceErr(err)
	}
	return nil
}

func (b *Binance) FeeTable(ctx context.Context, volumeUSD decimal.Decimal) (models.FeeRate, error) {
	return b.fees.Rate(volumeUSD), nil
}

// Balances implements AccountSyncer.
func (b *Binance) Balances(ctx context.Context) (map[string]decimal.Decimal, error) {
	account, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, mapBinanceErr(err)
	}
	out := make(map[string]decimal.Decimal, len(account.Balances))
	for _, bal := range account.Balances {
		free, err := decimal.NewFromString(bal.Free)
		if err != nil || free.IsZero() {
			continue
		}
		out[bal.Asset] = free
	}
	return out, nil
}

func mapOrderStatus(status binance.OrderStatusType) models.OrderStatus {
	switch status {
	case binance.OrderStatusTypeFilled:
		return models.OrderFilled
	case binance.OrderStatusTypePartiallyFilled:
		return models.OrderPartiallyFilled
	case binance.OrderStatusTypeCanceled, binance.OrderStatusTypeExpired:
		return models.OrderCancelled
	case binance.OrderStatusTypeRejected:
		return models.OrderRejected
	default:
		return models.OrderPartiallyFilled
	}
}

// mapBinanceErr folds SDK and transport errors into the engine taxonomy.
func mapBinanceErr(err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == -1003 || apiErr.Code == -1015:
			return models.WrapError(models.KindRateLimited, "Throttled", err)
		case apiErr.Code == -1021: // timestamp outside recv window
			return models.WrapError(models.KindTransient, "ClockSkew", err)
		case apiErr.Code == -2011 || apiErr.Code == -2013:
			return models.WrapError(models.KindNotFound, "UnknownOrder", err)
		case apiErr.Code == -2014 || apiErr.Code == -2015 || apiErr.Code == -1022:
			return models.WrapError(models.KindUnauthorized, "BadCredentials", err)
		case apiErr.Code <= -1100 && apiErr.Code > -1200:
			return models.WrapError(models.KindInvalid, "BadRequest", err)
		default:
			return models.WrapError(models.KindRejected, "ExchangeRejected", err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return models.WrapError(models.KindTransient, "Timeout", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.WrapError(models.KindTransient, "Timeout", err)
	}
	return models.WrapError(models.KindTransient, "ExchangeUnavailable", err)
}

var (
	_ Client        = (*Binance)(nil)
	_ AccountSyncer = (*Binance)(nil)
)

// bookTickerMsg is the combined-stream envelope for <symbol>@bookTicker.
type bookTickerMsg struct {
	Data struct {
		Symbol   string `json:"s"`
		BidPrice string `json:"b"`
		AskPrice string `json:"a"`
	} `json:"data"`
}

// QuoteStream maintains a websocket subscription to the book tickers
// of the given pairs and writes best bid/ask into the cache. It
// reconnects with a doubling backoff until the context is cancelled.
type QuoteStream struct {
	pairs map[string]string // exchange symbol -> engine pair
	cache *marketdata.Cache
}

func NewQuoteStream(pairs []string, cache *marketdata.Cache) *QuoteStream {
	m := make(map[string]string, len(pairs))
	for _, p := range pairs {
		m[symbolFor(p)] = p
	}
	return &QuoteStream{pairs: m, cache: cache}
}

func (s *QuoteStream) Run(ctx context.Context) {
	backoff := time.Second
	for ctx.Err() == nil {
		if err := s.consume(ctx); err != nil && ctx.Err() == nil {
			logger.S().Warnw("quote stream disconnected", "error", err, "retry_in", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			if backoff < 60*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
	}
}

func (s *QuoteStream) consume(ctx context.Context) error {
	streams := make([]string, 0, len(s.pairs))
	for symbol := range s.pairs {
		streams = append(streams, strings.ToLower(symbol)+"@bookTicker")
	}
	url := wsStreamURL + "?streams=" + strings.Join(streams, "/")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Unblock ReadMessage when the context is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	conn.SetPingHandler(func(appData string) error {
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg bookTickerMsg
		if err := json.Unmarshal(payload, &msg); err != nil {
			continue
		}
		pair, ok := s.pairs[msg.Data.Symbol]
		if !ok {
			continue
		}
		bid, err1 := strconv.ParseFloat(msg.Data.BidPrice, 64)
		ask, err2 := strconv.ParseFloat(msg.Data.AskPrice, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		s.cache.SetQuote(models.Quote{Pair: pair, Bid: bid, Ask: ask, Ts: time.Now().UTC()})
	}
}
