package orders

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-bot-engine/internal/config"
	"crypto-bot-engine/internal/exchange"
	"crypto-bot-engine/internal/fees"
	"crypto-bot-engine/internal/ledger"
	"crypto-bot-engine/internal/marketdata"
	"crypto-bot-engine/internal/models"
	"crypto-bot-engine/internal/ratelimit"
	"crypto-bot-engine/internal/safety"
)

type fixture struct {
	manager *Manager
	ledger  *ledger.Ledger
	cache   *marketdata.Cache
	gate    *safety.Gate
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cache := marketdata.NewCache(100, time.Hour)
	cache.SetQuote(models.Quote{Pair: "BTC/USDT", Bid: 50000, Ask: 50000, Ts: time.Now()})

	led := ledger.New(models.ModePaper, decimal.NewFromInt(100000))
	gate := safety.NewGate(config.SafetyConfig{
		PositionMaxPct:  0.10,
		DailyLossMaxPct: 0.05,
		LossStreakMax:   3,
		HeatMax:         0.30,
		SlippageMax:     0.005,
		MinCash:         100,
		DayBoundarySpec: "0 0 * * *",
	}, led, nil)

	// zero paper slippage keeps fills exactly at the mark
	exch := exchange.NewPaper(nil, cache, fees.NewCalculator(nil), 0)
	limiter := ratelimit.NewLimiter(20, 20)

	m := NewManager(exch, gate, led, cache, nil, limiter, 5*time.Second, time.Second)
	return &fixture{manager: m, ledger: led, cache: cache, gate: gate}
}

func (f *fixture) mark(price float64) {
	f.cache.SetQuote(models.Quote{Pair: "BTC/USDT", Bid: price, Ask: price, Ts: time.Now()})
	f.ledger.Mark("BTC/USDT", decimal.NewFromFloat(price))
}

func buy(qty float64) Intent {
	return Intent{
		BotID:       "bot-1",
		Pair:        "BTC/USDT",
		Side:        models.Buy,
		Qty:         decimal.NewFromFloat(qty),
		Price:       50000,
		Mode:        models.ModePaper,
		SLPct:       0.02,
		TPPct:       0.05,
		TrailingPct: 0.03,
	}
}

func TestPlaceOpensAndAttachesProtections(t *testing.T) {
	f := newFixture(t)

	res, err := f.manager.Place(context.Background(), buy(0.02))
	require.NoError(t, err)
	assert.Equal(t, models.DecisionAccept, res.Decision.Outcome)
	assert.False(t, res.Closed)

	prots := f.manager.Protections("bot-1")
	require.Len(t, prots, 3)

	byKind := map[models.ProtectionKind]models.ProtectionOrder{}
	for _, p := range prots {
		assert.Equal(t, models.ProtectionActive, p.Status)
		byKind[p.Kind] = p
	}
	assert.InDelta(t, 49000, byKind[models.ProtectionSL].Trigger, 1e-9)
	assert.InDelta(t, 52500, byKind[models.ProtectionTP].Trigger, 1e-9)
	assert.InDelta(t, 50000, byKind[models.ProtectionTrail].TrailRef, 1e-9)
}

// Oversized intents are adjusted to the cap, and the ledger sees the
// adjusted notional: 100 000 - 10 000 - fee.
func TestPlaceAdjustsOversizedOrder(t *testing.T) {
	f := newFixture(t)

	res, err := f.manager.Place(context.Background(), buy(0.30))
	require.NoError(t, err)
	assert.Equal(t, models.DecisionAcceptAdjusted, res.Decision.Outcome)
	assert.True(t, decimal.NewFromFloat(0.20).Equal(res.Trade.Qty), "got %s", res.Trade.Qty)

	expectedCash := decimal.NewFromInt(100000 - 10000).Sub(res.Trade.Fee)
	assert.True(t, expectedCash.Equal(f.ledger.Cash()), "got %s", f.ledger.Cash())
}

// Mark path 50 000 -> 50 500 -> 49 000: the trail ratchets up, then
// the SL fires; siblings end cancelled, the position closes, and the
// gate records exactly one loss.
func TestStopLossTriggersAndCancelsSiblings(t *testing.T) {
	f := newFixture(t)

	var roundTrips []models.TradeResult
	f.manager.OnRoundTrip(func(tr models.TradeResult) { roundTrips = append(roundTrips, tr) })

	_, err := f.manager.Place(context.Background(), buy(0.02))
	require.NoError(t, err)

	f.mark(50500)
	f.manager.Sweep(context.Background())
	prots := f.manager.Protections("bot-1")
	for _, p := range prots {
		assert.Equal(t, models.ProtectionActive, p.Status)
		if p.Kind == models.ProtectionTrail {
			assert.InDelta(t, 50500, p.TrailRef, 1e-9, "trail must ratchet")
		}
	}

	f.mark(49000)
	f.manager.Sweep(context.Background())

	byKind := map[models.ProtectionKind]models.ProtectionOrder{}
	for _, p := range f.manager.Protections("bot-1") {
		byKind[p.Kind] = p
	}
	assert.Equal(t, models.ProtectionTriggered, byKind[models.ProtectionSL].Status)
	assert.Equal(t, models.ProtectionCancelled, byKind[models.ProtectionTP].Status)
	assert.Equal(t, models.ProtectionCancelled, byKind[models.ProtectionTrail].Status)

	_, open := f.ledger.Position("BTC/USDT")
	assert.False(t, open, "position must be fully closed")

	require.Len(t, roundTrips, 1, "record and hand-off exactly once")
	assert.True(t, roundTrips[0].RealizedPnl.IsNegative())
	assert.Equal(t, 1, f.gate.State().ConsecutiveLosses)

	// A second sweep at the same mark must not fire again.
	f.manager.Sweep(context.Background())
	assert.Len(t, roundTrips, 1)
}

func TestTakeProfitTriggers(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.Place(context.Background(), buy(0.02))
	require.NoError(t, err)

	f.mark(52500)
	f.manager.Sweep(context.Background())

	byKind := map[models.ProtectionKind]models.ProtectionOrder{}
	for _, p := range f.manager.Protections("bot-1") {
		byKind[p.Kind] = p
	}
	// TP fires at exactly its trigger; the mark has not reached the
	// trail's ratcheted exit yet.
	assert.Equal(t, models.ProtectionTriggered, byKind[models.ProtectionTP].Status)
	assert.Equal(t, 0, f.gate.State().ConsecutiveLosses, "win resets the streak")
}

func TestTrailingStopRatchetsAndFires(t *testing.T) {
	f := newFixture(t)

	intent := buy(0.02)
	intent.SLPct = 0.50 // park SL and TP far away
	intent.TPPct = 0.50
	_, err := f.manager.Place(context.Background(), intent)
	require.NoError(t, err)

	f.mark(53000)
	f.manager.Sweep(context.Background())
	f.mark(51300) // 53 000 * 0.97 = 51 410 > 51 300
	f.manager.Sweep(context.Background())

	byKind := map[models.ProtectionKind]models.ProtectionOrder{}
	for _, p := range f.manager.Protections("bot-1") {
		byKind[p.Kind] = p
	}
	assert.Equal(t, models.ProtectionTriggered, byKind[models.ProtectionTrail].Status)

	pos, open := f.ledger.Position("BTC/USDT")
	assert.False(t, open, "position qty returned to zero, got %v", pos.Qty)
}

func TestOppositeSignalCancelsProtections(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.Place(context.Background(), buy(0.02))
	require.NoError(t, err)

	sell := buy(0.02)
	sell.Side = models.Sell
	res, err := f.manager.Place(context.Background(), sell)
	require.NoError(t, err)
	assert.True(t, res.Closed)
	require.NotNil(t, res.Outcome)

	for _, p := range f.manager.Protections("bot-1") {
		assert.Equal(t, models.ProtectionCancelled, p.Status)
	}
}

func TestPlaceRejectedBySafetyGate(t *testing.T) {
	f := newFixture(t)

	f.gate.Trip("operator")
	intent := buy(0.02)
	intent.Mode = models.ModeLive
	_, err := f.manager.Place(context.Background(), intent)
	require.Error(t, err)
	assert.Equal(t, models.KindRejected, models.ErrKind(err))
}

func TestSlippageFlagBlocksNextEntry(t *testing.T) {
	f := newFixture(t)

	intent := buy(0.02)
	intent.Price = 49000 // quoted well below the 50 000 fill: >0.5% slip
	_, err := f.manager.Place(context.Background(), intent)
	require.NoError(t, err)
	assert.True(t, f.gate.EntryInhibited("bot-1"))

	_, err = f.manager.Place(context.Background(), buy(0.02))
	require.Error(t, err)
	assert.Equal(t, models.KindRejected, models.ErrKind(err))

	f.gate.ClearFlag("bot-1")
	_, err = f.manager.Place(context.Background(), buy(0.02))
	assert.NoError(t, err)
}

// Retrying a place with the same client order ID replays the original
// application: one Trade, one ledger apply, one protection set — even
// when the market moved between the attempts.
func TestPlaceIdempotentClientOrderID(t *testing.T) {
	f := newFixture(t)

	intent := buy(0.02)
	intent.ClientOrderID = "stable-1"
	first, err := f.manager.Place(context.Background(), intent)
	require.NoError(t, err)
	cashAfter := f.ledger.Cash()

	f.mark(51000)
	second, err := f.manager.Place(context.Background(), intent)
	require.NoError(t, err)

	assert.Equal(t, first.Trade.ID, second.Trade.ID, "no second Trade minted")
	assert.Equal(t, first.Trade.LinkedOrderID, second.Trade.LinkedOrderID)
	assert.True(t, first.Trade.Price.Equal(second.Trade.Price))

	pos, _ := f.ledger.Position("BTC/USDT")
	assert.True(t, decimal.NewFromFloat(0.02).Equal(pos.Qty), "no double apply, got %s", pos.Qty)
	assert.True(t, cashAfter.Equal(f.ledger.Cash()), "cash debited once, got %s", f.ledger.Cash())
	assert.Len(t, f.manager.Protections("bot-1"), 3, "one protection set attached")
}

// A tripped kill switch holds live protective exits: the set stays
// active and fires once the switch is re-armed.
func TestKillSwitchHoldsLiveProtectiveExits(t *testing.T) {
	f := newFixture(t)

	intent := buy(0.02)
	intent.Mode = models.ModeLive
	_, err := f.manager.Place(context.Background(), intent)
	require.NoError(t, err)

	f.gate.Trip("operator")
	f.mark(49000)
	f.manager.Sweep(context.Background())

	_, open := f.ledger.Position("BTC/USDT")
	assert.True(t, open, "no live submission while tripped")
	for _, p := range f.manager.Protections("bot-1") {
		assert.Equal(t, models.ProtectionActive, p.Status)
	}

	f.gate.Reset("operator")
	f.manager.Sweep(context.Background())

	_, open = f.ledger.Position("BTC/USDT")
	assert.False(t, open, "held exit fires after re-arm")
	assert.Equal(t, 1, f.gate.State().ConsecutiveLosses)
}

func TestRestoreProtections(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.Place(context.Background(), buy(0.02))
	require.NoError(t, err)
	saved := f.manager.Protections("bot-1")
	require.Len(t, saved, 3)

	restored := newFixture(t)
	restored.manager.RestoreProtections(saved)
	assert.Len(t, restored.manager.Protections("bot-1"), 3)

	// The restored set still fires.
	restored.ledger.Apply(models.Trade{
		ID: "seed", BotID: "bot-1", Pair: "BTC/USDT", Side: models.Buy,
		Qty: decimal.NewFromFloat(0.02), Price: decimal.NewFromInt(50000),
		Mode: models.ModePaper, Ts: time.Now(),
	})
	restored.mark(49000)
	restored.manager.Sweep(context.Background())

	byKind := map[models.ProtectionKind]models.ProtectionOrder{}
	for _, p := range restored.manager.Protections("bot-1") {
		byKind[p.Kind] = p
	}
	assert.Equal(t, models.ProtectionTriggered, byKind[models.ProtectionSL].Status)
}
