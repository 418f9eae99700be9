package safety

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-bot-engine/internal/config"
	"crypto-bot-engine/internal/marketdata"
	"crypto-bot-engine/internal/models"
)

type stubPortfolio struct {
	equity   decimal.Decimal
	cash     decimal.Decimal
	notional decimal.Decimal
}

func (s *stubPortfolio) Equity() decimal.Decimal       { return s.equity }
func (s *stubPortfolio) Cash() decimal.Decimal         { return s.cash }
func (s *stubPortfolio) OpenNotional() decimal.Decimal { return s.notional }

func portfolio(equity, cash float64) *stubPortfolio {
	return &stubPortfolio{
		equity: decimal.NewFromFloat(equity),
		cash:   decimal.NewFromFloat(cash),
	}
}

func testSafetyConfig() config.SafetyConfig {
	return config.SafetyConfig{
		PositionMaxPct:  0.10,
		DailyLossMaxPct: 0.05,
		LossStreakMax:   3,
		HeatMax:         0.30,
		SlippageMax:     0.005,
		MinCash:         100,
		DayBoundarySpec: "0 0 * * *",
	}
}

func buyIntent(qty, price float64, mode models.Mode) Intent {
	return Intent{
		BotID: "bot-1",
		Pair:  "BTC/USD",
		Side:  models.Buy,
		Qty:   decimal.NewFromFloat(qty),
		Price: price,
		Mode:  mode,
		Entry: true,
	}
}

func TestValidateAcceptsSmallIntent(t *testing.T) {
	g := NewGate(testSafetyConfig(), portfolio(100000, 100000), nil)
	d := g.Validate(buyIntent(0.05, 50000, models.ModePaper))
	assert.Equal(t, models.DecisionAccept, d.Outcome)
	assert.True(t, decimal.NewFromFloat(0.05).Equal(d.Qty))
}

// Equity 100 000, cap 10%: a 15 000 notional intent is adjusted down to
// exactly the 10 000 cap, not rejected.
func TestValidateAdjustsOversizedIntent(t *testing.T) {
	g := NewGate(testSafetyConfig(), portfolio(100000, 100000), nil)
	d := g.Validate(buyIntent(0.30, 50000, models.ModePaper))
	assert.Equal(t, models.DecisionAcceptAdjusted, d.Outcome)
	assert.Equal(t, models.ReasonAdjustedPositionSize, d.Reason)
	assert.True(t, decimal.NewFromFloat(0.20).Equal(d.Qty), "got %s", d.Qty)
}

func TestValidateMinBalance(t *testing.T) {
	g := NewGate(testSafetyConfig(), portfolio(100000, 99), nil)
	d := g.Validate(buyIntent(0.001, 50000, models.ModePaper))
	assert.Equal(t, models.DecisionReject, d.Outcome)
	assert.Equal(t, models.ReasonMinBalance, d.Reason)
}

func TestValidateHeat(t *testing.T) {
	view := portfolio(100000, 100000)
	view.notional = decimal.NewFromFloat(28000)
	g := NewGate(testSafetyConfig(), view, nil)

	// 28 000 open + 10 000 new = 38% > 30%. Size passes (10 000 is at
	// the per-trade cap), heat fails.
	d := g.Validate(buyIntent(0.20, 50000, models.ModePaper))
	assert.Equal(t, models.DecisionReject, d.Outcome)
	assert.Equal(t, models.ReasonHeatExceeded, d.Reason)

	// Exactly at the cap is fine: 28 000 + 2 000 = 30%.
	d = g.Validate(buyIntent(0.04, 50000, models.ModePaper))
	assert.Equal(t, models.DecisionAccept, d.Outcome)
}

// A signal exit on a near-heat-max position must not count its own
// notional against the heat cap a second time, and must never be
// size-adjusted into a partial close.
func TestValidateExitSkipsSizingAndHeat(t *testing.T) {
	view := portfolio(100000, 100000)
	view.notional = decimal.NewFromFloat(28000)
	g := NewGate(testSafetyConfig(), view, nil)

	exit := Intent{
		BotID: "bot-1",
		Pair:  "BTC/USD",
		Side:  models.Sell,
		Qty:   decimal.NewFromFloat(0.56), // the full 28 000 position
		Price: 50000,
		Mode:  models.ModePaper,
	}
	d := g.Validate(exit)
	assert.Equal(t, models.DecisionAccept, d.Outcome)
	assert.True(t, exit.Qty.Equal(d.Qty), "close kept at full size, got %s", d.Qty)
}

func TestValidateLossStreakBoundary(t *testing.T) {
	g := NewGate(testSafetyConfig(), portfolio(100000, 100000), nil)

	loss := models.TradeResult{BotID: "bot-1", RealizedPnl: decimal.NewFromFloat(-10)}
	g.Record(loss)
	g.Record(loss)
	d := g.Validate(buyIntent(0.01, 50000, models.ModePaper))
	assert.Equal(t, models.DecisionAccept, d.Outcome, "two losses must not halt")

	g.Record(loss)
	d = g.Validate(buyIntent(0.01, 50000, models.ModePaper))
	assert.Equal(t, models.DecisionReject, d.Outcome)
	assert.Equal(t, models.ReasonLossStreakHalt, d.Reason)

	// A win resets the streak.
	g.Record(models.TradeResult{BotID: "bot-1", RealizedPnl: decimal.NewFromFloat(5)})
	d = g.Validate(buyIntent(0.01, 50000, models.ModePaper))
	assert.Equal(t, models.DecisionAccept, d.Outcome)
}

// Realized losses past −5% of the day anchor trip the kill switch
// inside Record's critical section; the next live validate rejects,
// reset re-arms.
func TestDailyLossTripAndReset(t *testing.T) {
	bus := marketdata.NewBus()
	defer bus.Close()
	events, cancel := bus.Subscribe(marketdata.EventKillSwitchTripped)
	defer cancel()

	g := NewGate(testSafetyConfig(), portfolio(100000, 100000), bus)
	g.RollDay(time.Now().UTC(), decimal.NewFromFloat(100000))

	g.Record(models.TradeResult{BotID: "bot-1", RealizedPnl: decimal.NewFromFloat(-5001)})

	state := g.State()
	assert.Equal(t, models.KillSwitchTripped, state.KillSwitch)
	assert.Equal(t, models.ReasonDailyLossTripped, state.TrippedReason)

	select {
	case ev := <-events:
		assert.Equal(t, models.ReasonDailyLossTripped, ev.Detail)
	case <-time.After(time.Second):
		t.Fatal("no kill-switch event published")
	}

	d := g.Validate(buyIntent(0.01, 50000, models.ModeLive))
	assert.Equal(t, models.DecisionReject, d.Outcome)
	assert.Equal(t, models.ReasonKillSwitchTripped, d.Reason)

	// Paper mode bypasses the halt.
	d = g.Validate(buyIntent(0.01, 50000, models.ModePaper))
	assert.NotEqual(t, models.ReasonKillSwitchTripped, d.Reason)

	g.Reset("operator")
	g.RollDay(time.Now().UTC(), decimal.NewFromFloat(95000))
	d = g.Validate(buyIntent(0.01, 50000, models.ModeLive))
	assert.Equal(t, models.DecisionAccept, d.Outcome)
}

func TestTripIsIdempotent(t *testing.T) {
	g := NewGate(testSafetyConfig(), portfolio(100000, 100000), nil)
	g.Trip("first")
	first := g.State().TrippedAt
	g.Trip("second")
	state := g.State()
	assert.Equal(t, "first", state.TrippedReason)
	assert.Equal(t, first, state.TrippedAt)
}

func TestCheckSlippageBoundary(t *testing.T) {
	g := NewGate(testSafetyConfig(), portfolio(100000, 100000), nil)

	// 0.5% exactly is tolerated.
	assert.False(t, g.CheckSlippage(50000, 50250))
	assert.True(t, g.CheckSlippage(50000, 50251))
	assert.True(t, g.CheckSlippage(50000, 49749))
	assert.False(t, g.CheckSlippage(0, 50000))
}

func TestSlippageFlagInhibitsEntries(t *testing.T) {
	g := NewGate(testSafetyConfig(), portfolio(100000, 100000), nil)
	assert.False(t, g.EntryInhibited("bot-1"))
	g.FlagSlippage("bot-1")
	assert.True(t, g.EntryInhibited("bot-1"))
	assert.False(t, g.EntryInhibited("bot-2"))
	g.ClearFlag("bot-1")
	assert.False(t, g.EntryInhibited("bot-1"))
}

func TestRollDayClearsDailyCounterOnly(t *testing.T) {
	g := NewGate(testSafetyConfig(), portfolio(100000, 100000), nil)
	g.Record(models.TradeResult{RealizedPnl: decimal.NewFromFloat(-6000)})
	require.Equal(t, models.KillSwitchTripped, g.State().KillSwitch)

	g.RollDay(time.Now().UTC(), decimal.NewFromFloat(94000))
	state := g.State()
	assert.Zero(t, state.DailyPnlPct)
	// A trip survives the day boundary.
	assert.Equal(t, models.KillSwitchTripped, state.KillSwitch)
}

func TestStateRestoreRoundTripGate(t *testing.T) {
	g := NewGate(testSafetyConfig(), portfolio(100000, 100000), nil)
	g.Record(models.TradeResult{RealizedPnl: decimal.NewFromFloat(-1000)})
	g.Record(models.TradeResult{RealizedPnl: decimal.NewFromFloat(-500)})
	snap := g.State()

	restored := NewGate(testSafetyConfig(), portfolio(100000, 100000), nil)
	restored.Restore(snap)
	got := restored.State()

	assert.InDelta(t, snap.DailyPnlPct, got.DailyPnlPct, 1e-9)
	assert.Equal(t, snap.ConsecutiveLosses, got.ConsecutiveLosses)
	assert.Equal(t, snap.KillSwitch, got.KillSwitch)
}
