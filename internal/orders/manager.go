package orders

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jxskiss/base62"
	"github.com/shopspring/decimal"

	"crypto-bot-engine/internal/exchange"
	"crypto-bot-engine/internal/ledger"
	"crypto-bot-engine/internal/logger"
	"crypto-bot-engine/internal/marketdata"
	"crypto-bot-engine/internal/models"
	"crypto-bot-engine/internal/persistence"
	"crypto-bot-engine/internal/ratelimit"
	"crypto-bot-engine/internal/safety"
)

// protectionSet is the SL/TP/TRAIL triple guarding one parent trade.
// All transitions happen under its own lock so concurrent trigger
// observations serialize: the first to see the set active wins, the
// rest find it resolved.
type protectionSet struct {
	mu       sync.Mutex
	parent   models.Trade
	orders   []*models.ProtectionOrder
	resolved bool
}

// PlaceResult carries the applied fill plus the round-trip outcome
// when the fill closed a position.
type PlaceResult struct {
	Trade    models.Trade
	Decision safety.Decision
	Closed   bool
	Outcome  *models.TradeResult
}

// Manager owns order placement and the protective exits. One instance
// serves all bots.
type Manager struct {
	exch    exchange.Client
	gate    *safety.Gate
	ledger  *ledger.Ledger
	cache   *marketdata.Cache
	journal *persistence.Journal
	limiter *ratelimit.Limiter

	triggerPeriod time.Duration
	callDeadline  time.Duration

	mu     sync.Mutex
	sets   map[string]*protectionSet // by parent trade ID
	placed map[string]PlaceResult    // completed places by client order ID

	// invoked for round trips closed by the trigger loop; the
	// scheduler uses it to feed rewards back into the bot's policy
	onRoundTrip func(models.TradeResult)
}

func NewManager(
	exch exchange.Client,
	gate *safety.Gate,
	led *ledger.Ledger,
	cache *marketdata.Cache,
	journal *persistence.Journal,
	limiter *ratelimit.Limiter,
	triggerPeriod, callDeadline time.Duration,
) *Manager {
	return &Manager{
		exch:          exch,
		gate:          gate,
		ledger:        led,
		cache:         cache,
		journal:       journal,
		limiter:       limiter,
		triggerPeriod: triggerPeriod,
		callDeadline:  callDeadline,
		sets:          make(map[string]*protectionSet),
		placed:        make(map[string]PlaceResult),
	}
}

// OnRoundTrip registers the reward hand-off callback.
func (m *Manager) OnRoundTrip(fn func(models.TradeResult)) {
	m.onRoundTrip = fn
}

// newClientOrderID returns a compact idempotency token.
func newClientOrderID() string {
	id := uuid.New()
	return "cbe-" + base62.EncodeToString(id[:])
}

// Intent describes a desired position change plus the protection
// parameters to attach on an opening fill.
type Intent struct {
	BotID       string
	Pair        string
	Side        models.Side
	Qty         decimal.Decimal
	Price       float64
	Mode        models.Mode
	SLPct       float64
	TPPct       float64
	TrailingPct float64

	// stable across retries of the same logical order
	ClientOrderID string
}

// Place validates, submits and applies one parent order. An opening
// fill gets its protection triple attached; a closing fill produces a
// TradeResult and is recorded with the safety gate.
func (m *Manager) Place(ctx context.Context, intent Intent) (PlaceResult, error) {
	// A retried client order ID replays the original application: one
	// Trade, one ledger apply, one journal append.
	if intent.ClientOrderID != "" {
		m.mu.Lock()
		prev, seen := m.placed[intent.ClientOrderID]
		m.mu.Unlock()
		if seen {
			return prev, nil
		}
	}

	entry := m.isEntry(intent)
	if entry && m.gate.EntryInhibited(intent.BotID) {
		return PlaceResult{}, models.NewError(models.KindRejected, models.ReasonSlippageExceeded)
	}

	decision := m.gate.Validate(safety.Intent{
		BotID: intent.BotID,
		Pair:  intent.Pair,
		Side:  intent.Side,
		Qty:   intent.Qty,
		Price: intent.Price,
		Mode:  intent.Mode,
		Entry: entry,
	})
	if decision.Outcome == models.DecisionReject {
		logger.S().Infow("order rejected by safety gate",
			"bot", intent.BotID, "pair", intent.Pair, "reason", decision.Reason)
		return PlaceResult{Decision: decision}, models.NewError(models.KindRejected, decision.Reason)
	}

	if err := m.limiter.Acquire(ctx, m.exch.Name(), 1); err != nil {
		return PlaceResult{Decision: decision}, err
	}

	clientOrderID := intent.ClientOrderID
	if clientOrderID == "" {
		clientOrderID = newClientOrderID()
	}

	callCtx, cancel := context.WithTimeout(ctx, m.callDeadline)
	defer cancel()
	result, err := m.exch.Submit(callCtx, models.OrderRequest{
		Pair:          intent.Pair,
		Side:          intent.Side,
		Type:          models.OrderMarket,
		Qty:           decision.Qty,
		ClientOrderID: clientOrderID,
		TimeInForce:   models.IOC,
	})
	if err != nil {
		if models.IsRateLimited(err) {
			m.limiter.Penalize(m.exch.Name(), time.Second)
		}
		return PlaceResult{Decision: decision}, err
	}
	if result.Status == models.OrderRejected {
		return PlaceResult{Decision: decision}, models.NewError(models.KindRejected, "ExchangeRejected")
	}

	executed, _ := result.AvgPrice.Float64()
	if m.gate.CheckSlippage(intent.Price, executed) {
		m.gate.FlagSlippage(intent.BotID)
	}

	trade := models.Trade{
		ID:            uuid.NewString(),
		BotID:         intent.BotID,
		Pair:          intent.Pair,
		Side:          intent.Side,
		Qty:           result.FilledQty,
		Price:         result.AvgPrice,
		Fee:           result.FeeAbs,
		Mode:          intent.Mode,
		Ts:            time.Now().UTC(),
		LinkedOrderID: result.ExchangeOrderID,
	}

	prior, hadPosition := m.ledger.Position(intent.Pair)
	realized, closed, err := m.ledger.Apply(trade)
	if err != nil {
		return PlaceResult{Decision: decision}, err
	}

	m.journalTrade(intent.BotID, trade, decision, intent.Qty)

	out := PlaceResult{Trade: trade, Decision: decision, Closed: closed}

	if entry {
		m.attach(trade, intent)
	} else {
		m.cancelProtectionsFor(intent.BotID, intent.Pair, "ClosedBySignal")
	}

	if closed && hadPosition {
		tr := models.TradeResult{
			BotID:       intent.BotID,
			Pair:        intent.Pair,
			TradeID:     trade.ID,
			RealizedPnl: realized,
			EntryPrice:  prior.AvgEntry,
			ExitPrice:   trade.Price,
			Qty:         trade.Qty,
			Ts:          trade.Ts,
		}
		m.gate.Record(tr)
		out.Outcome = &tr
	}

	if intent.ClientOrderID != "" {
		m.mu.Lock()
		m.placed[intent.ClientOrderID] = out
		m.mu.Unlock()
	}
	return out, nil
}

// isEntry reports whether the intent opens or increases a position.
func (m *Manager) isEntry(intent Intent) bool {
	pos, ok := m.ledger.Position(intent.Pair)
	if !ok {
		return intent.Side == models.Buy
	}
	if pos.Qty.IsPositive() {
		return intent.Side == models.Buy
	}
	return intent.Side == models.Sell
}

// attach creates the SL/TP/TRAIL triple for an opening fill.
func (m *Manager) attach(parent models.Trade, intent Intent) {
	entry, _ := parent.Price.Float64()
	now := time.Now().UTC()
	long := parent.Side == models.Buy

	sl := entry * (1 - intent.SLPct)
	tp := entry * (1 + intent.TPPct)
	if !long {
		sl = entry * (1 + intent.SLPct)
		tp = entry * (1 - intent.TPPct)
	}

	closeSide := parent.Side.Opposite()
	mk := func(kind models.ProtectionKind, trigger float64) *models.ProtectionOrder {
		return &models.ProtectionOrder{
			ID:            uuid.NewString(),
			BotID:         parent.BotID,
			ParentTradeID: parent.ID,
			Pair:          parent.Pair,
			Side:          closeSide,
			Qty:           parent.Qty,
			Mode:          parent.Mode,
			Kind:          kind,
			Trigger:       trigger,
			Status:        models.ProtectionActive,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
	}

	trail := mk(models.ProtectionTrail, 0)
	trail.TrailRef = entry
	trail.TrailingPct = intent.TrailingPct

	set := &protectionSet{
		parent: parent,
		orders: []*models.ProtectionOrder{
			mk(models.ProtectionSL, sl),
			mk(models.ProtectionTP, tp),
			trail,
		},
	}

	m.mu.Lock()
	m.sets[parent.ID] = set
	m.mu.Unlock()

	logger.S().Infow("protections attached",
		"bot", parent.BotID, "pair", parent.Pair,
		"sl", sl, "tp", tp, "trailing_pct", intent.TrailingPct)
}

func (m *Manager) journalTrade(botID string, trade models.Trade, decision safety.Decision, originalQty decimal.Decimal) {
	if m.journal == nil {
		return
	}
	if err := m.journal.AppendTrade(botID, trade); err != nil {
		logger.S().Errorw("journal trade append failed", "bot", botID, "error", err)
	}
	rec := models.DecisionRecord{
		TradeID:     trade.ID,
		BotID:       botID,
		Outcome:     decision.Outcome,
		Reason:      decision.Reason,
		OriginalQty: originalQty,
		FinalQty:    decision.Qty,
		Ts:          trade.Ts,
	}
	if err := m.journal.AppendDecision(botID, rec); err != nil {
		logger.S().Errorw("journal decision append failed", "bot", botID, "error", err)
	}
}

// Protections returns the bot's protection orders, active and resolved.
func (m *Manager) Protections(botID string) []models.ProtectionOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ProtectionOrder
	for _, set := range m.sets {
		set.mu.Lock()
		for _, po := range set.orders {
			if po.BotID == botID {
				out = append(out, *po)
			}
		}
		set.mu.Unlock()
	}
	return out
}

// AllProtections returns every protection order across bots.
func (m *Manager) AllProtections() []models.ProtectionOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ProtectionOrder
	for _, set := range m.sets {
		set.mu.Lock()
		for _, po := range set.orders {
			out = append(out, *po)
		}
		set.mu.Unlock()
	}
	return out
}

// CancelProtection cancels one active protection order by ID.
func (m *Manager) CancelProtection(botID, protectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, set := range m.sets {
		set.mu.Lock()
		for _, po := range set.orders {
			if po.ID != protectionID {
				continue
			}
			if po.BotID != botID {
				set.mu.Unlock()
				return models.NewError(models.KindUnauthorized, "NotOwner")
			}
			if po.Status != models.ProtectionActive {
				set.mu.Unlock()
				return models.NewError(models.KindConflict, "AlreadyResolved")
			}
			po.Status = models.ProtectionCancelled
			po.UpdatedAt = time.Now().UTC()
			set.mu.Unlock()
			return nil
		}
		set.mu.Unlock()
	}
	return models.NewError(models.KindNotFound, "UnknownProtection")
}

// cancelProtectionsFor resolves every active set for the bot's pair,
// used when a position is closed by an opposite signal instead of a
// protective exit.
func (m *Manager) cancelProtectionsFor(botID, pair, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, set := range m.sets {
		set.mu.Lock()
		if !set.resolved && set.parent.BotID == botID && set.parent.Pair == pair {
			set.resolved = true
			now := time.Now().UTC()
			for _, po := range set.orders {
				if po.Status == models.ProtectionActive {
					po.Status = models.ProtectionCancelled
					po.UpdatedAt = now
				}
			}
			logger.S().Debugw("protections cancelled", "bot", botID, "pair", pair, "reason", reason)
		}
		set.mu.Unlock()
	}
}

// RestoreProtections reinstates persisted protection orders, grouping
// them back into sets by parent trade.
func (m *Manager) RestoreProtections(orders []models.ProtectionOrder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range orders {
		po := orders[i]
		set, ok := m.sets[po.ParentTradeID]
		if !ok {
			set = &protectionSet{
				parent: models.Trade{
					ID:    po.ParentTradeID,
					BotID: po.BotID,
					Pair:  po.Pair,
					Side:  po.Side.Opposite(),
					Qty:   po.Qty,
					Mode:  po.Mode,
				},
			}
			m.sets[po.ParentTradeID] = set
		}
		set.orders = append(set.orders, &po)
		// A triggered child means the whole set already resolved; a
		// single cancelled child may just be an operator cancel.
		if po.Status == models.ProtectionTriggered {
			set.resolved = true
		}
	}
}
