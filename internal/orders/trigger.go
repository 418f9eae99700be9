package orders

import (
	"context"
	"time"

	"crypto-bot-engine/internal/logger"
	"crypto-bot-engine/internal/models"
	"crypto-bot-engine/internal/safety"
)

// RunTriggerLoop sweeps the active protection sets every trigger
// period until the context is cancelled. The sweep cadence bounds the
// reaction time of every protective exit.
func (m *Manager) RunTriggerLoop(ctx context.Context) {
	ticker := time.NewTicker(m.triggerPeriod)
	defer ticker.Stop()

	logger.S().Infow("trigger loop started", "period", m.triggerPeriod)
	for {
		select {
		case <-ctx.Done():
			logger.S().Info("trigger loop stopped")
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep evaluates every active protection set once against the latest
// mark. Exported so tests and the scheduler can drive it directly.
func (m *Manager) Sweep(ctx context.Context) {
	for _, set := range m.activeSets() {
		mark, err := m.cache.Mark(set.parent.Pair)
		if err != nil {
			continue // no data, re-check next sweep
		}
		m.evaluate(ctx, set, mark)
	}
}

func (m *Manager) activeSets() []*protectionSet {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*protectionSet, 0, len(m.sets))
	for _, set := range m.sets {
		set.mu.Lock()
		if !set.resolved {
			out = append(out, set)
		}
		set.mu.Unlock()
	}
	return out
}

// evaluate updates trailing references and fires at most one exit for
// the set. The set lock serializes concurrent observers: only the
// first to see the set active claims the trigger.
func (m *Manager) evaluate(ctx context.Context, set *protectionSet, mark float64) {
	// A tripped kill switch blocks every live submission, protective
	// exits included. The set stays active and fires after a reset.
	if set.parent.Mode == models.ModeLive && m.gate.LiveHalted() {
		return
	}

	long := set.parent.Side == models.Buy

	set.mu.Lock()
	if set.resolved {
		set.mu.Unlock()
		return
	}

	var fired *models.ProtectionOrder
	for _, po := range set.orders {
		if po.Status != models.ProtectionActive {
			continue
		}
		if triggered(po, mark, long) {
			fired = po
			break
		}
	}

	if fired == nil {
		set.mu.Unlock()
		return
	}

	// Claim the set: mark the winner triggered and the siblings
	// cancelled before releasing the lock, so a concurrent observer
	// of the same tick finds the set resolved.
	set.resolved = true
	now := time.Now().UTC()
	fired.Status = models.ProtectionTriggered
	fired.UpdatedAt = now
	for _, po := range set.orders {
		if po.Status == models.ProtectionActive {
			po.Status = models.ProtectionCancelled
			po.UpdatedAt = now
		}
	}
	parent := set.parent
	claimed := *fired
	set.mu.Unlock()

	logger.S().Infow("protection triggered",
		"bot", parent.BotID, "pair", parent.Pair,
		"kind", claimed.Kind, "trigger", claimed.Trigger, "mark", mark)

	m.closePosition(ctx, parent, claimed, mark)
}

// triggered applies the exit rule for one protection order, updating
// the trailing reference ratchet as a side effect. Caller holds the
// set lock.
func triggered(po *models.ProtectionOrder, mark float64, long bool) bool {
	switch po.Kind {
	case models.ProtectionSL:
		if long {
			return mark <= po.Trigger
		}
		return mark >= po.Trigger

	case models.ProtectionTP:
		if long {
			return mark >= po.Trigger
		}
		return mark <= po.Trigger

	case models.ProtectionTrail:
		if long {
			if mark > po.TrailRef {
				po.TrailRef = mark
				po.UpdatedAt = time.Now().UTC()
			}
			return mark <= po.TrailRef*(1-po.TrailingPct)
		}
		if mark < po.TrailRef {
			po.TrailRef = mark
			po.UpdatedAt = time.Now().UTC()
		}
		return mark >= po.TrailRef*(1+po.TrailingPct)
	}
	return false
}

// closePosition submits the protective exit and settles the round trip:
// ledger apply, journal append, one Record with the safety gate, and
// the reward hand-off.
func (m *Manager) closePosition(ctx context.Context, parent models.Trade, po models.ProtectionOrder, mark float64) {
	if err := m.limiter.Acquire(ctx, m.exch.Name(), 1); err != nil {
		logger.S().Errorw("protective exit blocked on rate limit",
			"bot", parent.BotID, "pair", parent.Pair, "error", err)
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, m.callDeadline)
	defer cancel()
	result, err := m.exch.Submit(callCtx, models.OrderRequest{
		Pair:          po.Pair,
		Side:          po.Side,
		Type:          models.OrderMarket,
		Qty:           po.Qty,
		ClientOrderID: "cbe-prot-" + po.ID,
		TimeInForce:   models.IOC,
	})
	if err != nil {
		logger.S().Errorw("protective exit submit failed",
			"bot", parent.BotID, "pair", parent.Pair, "kind", po.Kind, "error", err)
		return
	}

	trade := models.Trade{
		ID:            po.ID,
		BotID:         parent.BotID,
		Pair:          po.Pair,
		Side:          po.Side,
		Qty:           result.FilledQty,
		Price:         result.AvgPrice,
		Fee:           result.FeeAbs,
		Mode:          parent.Mode,
		Ts:            time.Now().UTC(),
		LinkedOrderID: result.ExchangeOrderID,
	}

	prior, _ := m.ledger.Position(po.Pair)
	realized, _, err := m.ledger.Apply(trade)
	if err != nil {
		logger.S().Errorw("protective exit apply failed",
			"bot", parent.BotID, "pair", po.Pair, "error", err)
		return
	}

	m.journalTrade(parent.BotID, trade, safety.Decision{
		Outcome: models.DecisionAccept,
		Qty:     trade.Qty,
	}, po.Qty)

	tr := models.TradeResult{
		BotID:       parent.BotID,
		Pair:        po.Pair,
		TradeID:     trade.ID,
		RealizedPnl: realized,
		EntryPrice:  prior.AvgEntry,
		ExitPrice:   trade.Price,
		Qty:         trade.Qty,
		Ts:          trade.Ts,
	}
	m.gate.Record(tr)
	if m.onRoundTrip != nil {
		m.onRoundTrip(tr)
	}
}
