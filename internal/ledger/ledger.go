package ledger

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"crypto-bot-engine/internal/models"
)

// equityHistoryMax bounds the in-memory equity curve.
const equityHistoryMax = 10000

// Ledger is the portfolio for one mode. All mutation happens under one
// mutex; critical sections are balance arithmetic only. Apply commits
// in full or not at all.
type Ledger struct {
	mu            sync.Mutex
	mode          models.Mode
	cash          decimal.Decimal
	positions     map[string]*models.Position
	marks         map[string]decimal.Decimal
	equityHistory []models.EquityPoint

	dayAnchorTs     time.Time
	dayAnchorEquity decimal.Decimal

	// Performance counters over realized round trips.
	wins     int
	losses   int
	realized decimal.Decimal
}

// New creates a ledger with the given starting cash.
func New(mode models.Mode, startingCash decimal.Decimal) *Ledger {
	l := &Ledger{
		mode:      mode,
		cash:      startingCash,
		positions: make(map[string]*models.Position),
		marks:     make(map[string]decimal.Decimal),
	}
	l.dayAnchorTs = time.Now()
	l.dayAnchorEquity = startingCash
	return l
}

// Mode returns the ledger's execution mode.
func (l *Ledger) Mode() models.Mode { return l.mode }

// Mark updates the mark price for a pair and the unrealized P&L of its
// position. Does not touch cash.
func (l *Ledger) Mark(pair string, price decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.marks[pair] = price
	if pos, ok := l.positions[pair]; ok {
		pos.UnrealizedPnl = price.Sub(pos.AvgEntry).Mul(pos.Qty)
	}
	l.appendEquityLocked()
}

// Apply commits a fill. Returns the realized P&L of the fill and
// whether it closed the position (qty back to zero). On error the
// ledger is unchanged.
func (l *Ledger) Apply(trade models.Trade) (realized decimal.Decimal, closed bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch trade.Side {
	case models.Buy:
		cost := trade.Notional().Add(trade.Fee)
		if l.mode == models.ModePaper && l.cash.LessThan(cost) {
			return decimal.Zero, false, models.NewError(models.KindRejected, "insufficient cash")
		}

		pos, ok := l.positions[trade.Pair]
		if !ok {
			pos = &models.Position{Pair: trade.Pair, Qty: decimal.Zero, AvgEntry: decimal.Zero}
			l.positions[trade.Pair] = pos
		}
		newQty := pos.Qty.Add(trade.Qty)
		// Volume-weighted average entry across adds.
		pos.AvgEntry = pos.Qty.Mul(pos.AvgEntry).Add(trade.Notional()).Div(newQty)
		pos.Qty = newQty
		l.cash = l.cash.Sub(cost)

	case models.Sell:
		pos, ok := l.positions[trade.Pair]
		if !ok || pos.Qty.LessThan(trade.Qty) {
			return decimal.Zero, false, models.NewError(models.KindRejected, "sell exceeds position")
		}

		realized = trade.Price.Sub(pos.AvgEntry).Mul(trade.Qty).Sub(trade.Fee)
		pos.Qty = pos.Qty.Sub(trade.Qty)
		pos.RealizedPnl = pos.RealizedPnl.Add(realized)
		l.cash = l.cash.Add(trade.Notional()).Sub(trade.Fee)
		l.realized = l.realized.Add(realized)
		if realized.IsNegative() {
			l.losses++
		} else {
			l.wins++
		}

		if pos.Qty.IsZero() {
			delete(l.positions, trade.Pair)
			closed = true
		}

	default:
		return decimal.Zero, false, models.NewError(models.KindInvalid, "unknown trade side")
	}

	l.marks[trade.Pair] = trade.Price
	l.appendEquityLocked()
	return realized, closed, nil
}

// Equity returns cash plus the marked value of all positions.
func (l *Ledger) Equity() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.equityLocked()
}

func (l *Ledger) equityLocked() decimal.Decimal {
	equity := l.cash
	for pair, pos := range l.positions {
		mark, ok := l.marks[pair]
		if !ok {
			mark = pos.AvgEntry
		}
		equity = equity.Add(pos.Qty.Mul(mark))
	}
	return equity
}

func (l *Ledger) appendEquityLocked() {
	l.equityHistory = append(l.equityHistory, models.EquityPoint{Ts: time.Now(), Equity: l.equityLocked()})
	if len(l.equityHistory) > equityHistoryMax {
		l.equityHistory = l.equityHistory[len(l.equityHistory)-equityHistoryMax:]
	}
}

// Cash returns the free cash balance.
func (l *Ledger) Cash() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cash
}

// Position returns a copy of the position for pair, if open.
func (l *Ledger) Position(pair string) (models.Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pos, ok := l.positions[pair]
	if !ok {
		return models.Position{}, false
	}
	return *pos, true
}

// Positions returns copies of all open positions.
func (l *Ledger) Positions() []models.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.Position, 0, len(l.positions))
	for _, pos := range l.positions {
		out = append(out, *pos)
	}
	return out
}

// OpenNotional returns the sum of absolute marked notionals across open
// positions, the numerator of the portfolio heat ratio.
func (l *Ledger) OpenNotional() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := decimal.Zero
	for pair, pos := range l.positions {
		mark, ok := l.marks[pair]
		if !ok {
			mark = pos.AvgEntry
		}
		total = total.Add(pos.Qty.Mul(mark).Abs())
	}
	return total
}

// SetDayAnchor fixes the equity baseline for DailyReturn.
func (l *Ledger) SetDayAnchor(ts time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dayAnchorTs = ts
	l.dayAnchorEquity = l.equityLocked()
}

// DailyReturn compares current equity to the day anchor.
func (l *Ledger) DailyReturn() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.dayAnchorEquity.IsZero() {
		return 0
	}
	ret, _ := l.equityLocked().Sub(l.dayAnchorEquity).Div(l.dayAnchorEquity).Float64()
	return ret
}

// Sync overwrites cash from exchange balances (live mode mirror).
func (l *Ledger) Sync(cash decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cash = cash
	l.appendEquityLocked()
}

// Performance summarizes realized results for the reporter.
type Performance struct {
	Trades      int
	Wins        int
	Losses      int
	WinRate     float64
	RealizedPnl decimal.Decimal
}

// Perf returns realized performance counters.
func (l *Ledger) Perf() Performance {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := Performance{Trades: l.wins + l.losses, Wins: l.wins, Losses: l.losses, RealizedPnl: l.realized}
	if p.Trades > 0 {
		p.WinRate = float64(p.Wins) / float64(p.Trades)
	}
	return p
}

// Snapshot captures the ledger for persistence.
func (l *Ledger) Snapshot() models.PortfolioSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	positions := make(map[string]models.Position, len(l.positions))
	for pair, pos := range l.positions {
		positions[pair] = *pos
	}
	history := make([]models.EquityPoint, len(l.equityHistory))
	copy(history, l.equityHistory)
	return models.PortfolioSnapshot{
		Mode:          l.mode,
		Cash:          l.cash,
		Positions:     positions,
		EquityHistory: history,
	}
}

// Restore loads a snapshot, replacing all state.
func (l *Ledger) Restore(snap models.PortfolioSnapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mode = snap.Mode
	l.cash = snap.Cash
	l.positions = make(map[string]*models.Position, len(snap.Positions))
	for pair, pos := range snap.Positions {
		p := pos
		l.positions[pair] = &p
	}
	l.equityHistory = append([]models.EquityPoint(nil), snap.EquityHistory...)
}
