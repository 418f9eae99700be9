package safety

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"crypto-bot-engine/internal/config"
	"crypto-bot-engine/internal/logger"
	"crypto-bot-engine/internal/marketdata"
	"crypto-bot-engine/internal/models"
)

// PortfolioView is the read-side of the ledger the gate needs for its
// balance and exposure checks.
type PortfolioView interface {
	Equity() decimal.Decimal
	Cash() decimal.Decimal
	OpenNotional() decimal.Decimal
}

// Intent is a proposed trade before submission.
type Intent struct {
	BotID string
	Pair  string
	Side  models.Side
	Qty   decimal.Decimal
	Price float64
	Mode  models.Mode
	Entry bool // opens or increases a position
}

// Notional returns the intended trade value at the quoted price.
func (i Intent) Notional() decimal.Decimal {
	return i.Qty.Mul(decimal.NewFromFloat(i.Price))
}

// Decision is the gate's verdict on an intent. Qty carries the final
// quantity, which differs from the intent's only when adjusted.
type Decision struct {
	Outcome models.DecisionOutcome
	Qty     decimal.Decimal
	Reason  string
}

// Gate is the global pre-trade risk gate shared by all bots. Validate
// and Record run under one mutex so a recording that crosses a
// threshold is visible to the very next validation.
type Gate struct {
	mu  sync.Mutex
	cfg config.SafetyConfig

	view PortfolioView
	bus  *marketdata.Bus

	killSwitch    models.KillSwitchState
	trippedReason string
	trippedAt     time.Time

	dayAnchorTs     time.Time
	dayAnchorEquity decimal.Decimal
	dailyRealized   decimal.Decimal

	consecutiveLosses int

	// bots flagged for excessive slippage; entries inhibited until
	// the owner reports a clean cycle
	flagged map[string]bool

	rollover *cron.Cron
}

func NewGate(cfg config.SafetyConfig, view PortfolioView, bus *marketdata.Bus) *Gate {
	return &Gate{
		cfg:             cfg,
		view:            view,
		bus:             bus,
		killSwitch:      models.KillSwitchArmed,
		dayAnchorTs:     time.Now().UTC(),
		dayAnchorEquity: view.Equity(),
		flagged:         make(map[string]bool),
	}
}

// Validate applies the pre-trade checks in their fixed order; the
// first failing check decides the outcome.
func (g *Gate) Validate(intent Intent) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	// 1. Kill switch. Paper trading bypasses the global halt.
	if g.killSwitch == models.KillSwitchTripped && intent.Mode == models.ModeLive {
		return reject(models.ReasonKillSwitchTripped)
	}

	// 2. Minimum free cash.
	minCash := decimal.NewFromFloat(g.cfg.MinCash)
	if g.view.Cash().LessThan(minCash) {
		return reject(models.ReasonMinBalance)
	}

	equity := g.view.Equity()
	notional := intent.Notional()
	outcome := models.DecisionAccept
	reason := ""
	qty := intent.Qty

	// Sizing and heat guard risk-increasing trades only. A close
	// reduces exposure and must go through at full size; its notional
	// is already counted inside OpenNotional.
	if intent.Entry {
		// 3. Position size: adjust down to the cap instead of rejecting.
		maxNotional := equity.Mul(decimal.NewFromFloat(g.cfg.PositionMaxPct))
		if notional.GreaterThan(maxNotional) && intent.Price > 0 {
			qty = maxNotional.Div(decimal.NewFromFloat(intent.Price))
			notional = maxNotional
			outcome = models.DecisionAcceptAdjusted
			reason = models.ReasonAdjustedPositionSize
			logger.S().Infow("position size adjusted",
				"bot", intent.BotID, "pair", intent.Pair,
				"requested", intent.Qty.String(), "final", qty.String())
		}

		// 4. Portfolio heat.
		if equity.IsPositive() {
			heat := g.view.OpenNotional().Add(notional).Div(equity)
			if heat.GreaterThan(decimal.NewFromFloat(g.cfg.HeatMax)) {
				return reject(models.ReasonHeatExceeded)
			}
		}
	}

	// 5. Consecutive losses.
	if g.consecutiveLosses >= g.cfg.LossStreakMax {
		return reject(models.ReasonLossStreakHalt)
	}

	// 6. Daily P&L. Crossing the threshold trips the kill switch
	// before the reject so later validations see it immediately.
	if g.dailyPnlPctLocked() <= -g.cfg.DailyLossMaxPct {
		g.tripLocked(models.ReasonDailyLossTripped)
		return reject(models.ReasonDailyLossTripped)
	}

	return Decision{Outcome: outcome, Qty: qty, Reason: reason}
}

func reject(reason string) Decision {
	return Decision{Outcome: models.DecisionReject, Reason: reason}
}

// Record folds one realized round-trip into the daily counters. The
// whole update is a single critical section: the loss streak, the
// daily P&L and a possible kill-switch trip cannot interleave with a
// concurrent Record or Validate.
func (g *Gate) Record(result models.TradeResult) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.dailyRealized = g.dailyRealized.Add(result.RealizedPnl)
	if result.RealizedPnl.IsNegative() {
		g.consecutiveLosses++
	} else {
		g.consecutiveLosses = 0
	}

	if g.dailyPnlPctLocked() <= -g.cfg.DailyLossMaxPct {
		g.tripLocked(models.ReasonDailyLossTripped)
	}
}

func (g *Gate) dailyPnlPctLocked() float64 {
	if !g.dayAnchorEquity.IsPositive() {
		return 0
	}
	pct, _ := g.dailyRealized.Div(g.dayAnchorEquity).Float64()
	return pct
}

// CheckSlippage reports whether the fill moved past the configured
// tolerance. Exactly at the limit is acceptable.
func (g *Gate) CheckSlippage(expected, executed float64) bool {
	if expected == 0 {
		return false
	}
	return math.Abs(executed-expected)/math.Abs(expected) > g.cfg.SlippageMax
}

// FlagSlippage inhibits further entries for the bot until ClearFlag.
func (g *Gate) FlagSlippage(botID string) {
	g.mu.Lock()
	g.flagged[botID] = true
	g.mu.Unlock()
	logger.S().Warnw("slippage exceeded, entries inhibited", "bot", botID)
}

// ClearFlag lifts the slippage inhibition after a clean cycle.
func (g *Gate) ClearFlag(botID string) {
	g.mu.Lock()
	delete(g.flagged, botID)
	g.mu.Unlock()
}

// EntryInhibited reports whether the bot is flagged for slippage.
func (g *Gate) EntryInhibited(botID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.flagged[botID]
}

// LiveHalted reports whether live submissions are blocked by the kill
// switch. The trigger loop consults it before a live protective exit.
func (g *Gate) LiveHalted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.killSwitch == models.KillSwitchTripped
}

// Config returns the gate's current parameters.
func (g *Gate) Config() config.SafetyConfig {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cfg
}

// SetConfig replaces the gate's parameters. Takes effect on the next
// Validate; in-flight checks finish under the old values.
func (g *Gate) SetConfig(cfg config.SafetyConfig) {
	g.mu.Lock()
	g.cfg = cfg
	g.mu.Unlock()
	logger.S().Infow("safety config updated",
		"position_max_pct", cfg.PositionMaxPct,
		"daily_loss_max_pct", cfg.DailyLossMaxPct,
		"loss_streak_max", cfg.LossStreakMax,
		"heat_max", cfg.HeatMax)
}

// Trip forces the kill switch; repeated trips keep the first reason.
func (g *Gate) Trip(reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tripLocked(reason)
}

func (g *Gate) tripLocked(reason string) {
	if g.killSwitch == models.KillSwitchTripped {
		return
	}
	g.killSwitch = models.KillSwitchTripped
	g.trippedReason = reason
	g.trippedAt = time.Now().UTC()
	logger.S().Errorw("kill switch tripped", "reason", reason)
	if g.bus != nil {
		g.bus.Publish(marketdata.Event{
			Type:   marketdata.EventKillSwitchTripped,
			Detail: reason,
			Ts:     g.trippedAt,
		})
	}
}

// Reset re-arms the kill switch. Operator-initiated only.
func (g *Gate) Reset(operator string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.killSwitch == models.KillSwitchArmed {
		return
	}
	g.killSwitch = models.KillSwitchArmed
	g.trippedReason = ""
	g.trippedAt = time.Time{}
	logger.S().Infow("kill switch reset", "operator", operator)
	if g.bus != nil {
		g.bus.Publish(marketdata.Event{
			Type:   marketdata.EventKillSwitchReset,
			Detail: operator,
			Ts:     time.Now().UTC(),
		})
	}
}

// RollDay moves the daily anchor to the given equity and zeroes the
// realized counter. The kill switch is untouched; a trip survives the
// day boundary until an operator resets it.
func (g *Gate) RollDay(ts time.Time, equity decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dayAnchorTs = ts
	g.dayAnchorEquity = equity
	g.dailyRealized = decimal.Zero
	logger.S().Infow("daily anchor reset", "equity", equity.String())
}

// StartDayRollover schedules RollDay at the configured boundary.
func (g *Gate) StartDayRollover() error {
	c := cron.New(cron.WithLocation(time.UTC))
	_, err := c.AddFunc(g.cfg.DayBoundarySpec, func() {
		g.RollDay(time.Now().UTC(), g.view.Equity())
	})
	if err != nil {
		return fmt.Errorf("safety: invalid day boundary spec %q: %w", g.cfg.DayBoundarySpec, err)
	}
	c.Start()
	g.mu.Lock()
	g.rollover = c
	g.mu.Unlock()
	return nil
}

// Stop halts the rollover scheduler.
func (g *Gate) Stop() {
	g.mu.Lock()
	c := g.rollover
	g.rollover = nil
	g.mu.Unlock()
	if c != nil {
		c.Stop()
	}
}

// State snapshots the gate for persistence.
func (g *Gate) State() models.SafetyState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return models.SafetyState{
		DailyPnlPct:       g.dailyPnlPctLocked(),
		DayAnchorTs:       g.dayAnchorTs,
		DayAnchorEquity:   g.dayAnchorEquity,
		ConsecutiveLosses: g.consecutiveLosses,
		KillSwitch:        g.killSwitch,
		TrippedReason:     g.trippedReason,
		TrippedAt:         g.trippedAt,
	}
}

// Restore loads a persisted gate state.
func (g *Gate) Restore(state models.SafetyState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dayAnchorTs = state.DayAnchorTs
	g.dayAnchorEquity = state.DayAnchorEquity
	g.dailyRealized = state.DayAnchorEquity.Mul(decimal.NewFromFloat(state.DailyPnlPct))
	g.consecutiveLosses = state.ConsecutiveLosses
	g.killSwitch = state.KillSwitch
	if g.killSwitch == "" {
		g.killSwitch = models.KillSwitchArmed
	}
	g.trippedReason = state.TrippedReason
	g.trippedAt = state.TrippedAt
}
