package engine

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"crypto-bot-engine/internal/config"
	"crypto-bot-engine/internal/exchange"
	"crypto-bot-engine/internal/ledger"
	"crypto-bot-engine/internal/logger"
	"crypto-bot-engine/internal/marketdata"
	"crypto-bot-engine/internal/models"
	"crypto-bot-engine/internal/orders"
	"crypto-bot-engine/internal/persistence"
	"crypto-bot-engine/internal/policy"
	"crypto-bot-engine/internal/ratelimit"
	"crypto-bot-engine/internal/safety"
	"crypto-bot-engine/internal/scheduler"
)

const (
	minIntervalMs    = 1000
	defaultBookDepth = 10
)

// Engine is the control surface over the running system. Every
// operation returns (data, error) with the error carrying one of the
// surface kinds: NotFound, Invalid, Conflict, Unauthorized, Internal.
type Engine struct {
	cfg *config.Config

	cache    *marketdata.Cache
	bus      *marketdata.Bus
	ledger   *ledger.Ledger
	gate     *safety.Gate
	exch     exchange.Client
	limiter  *ratelimit.Limiter
	manager  *orders.Manager
	sched    *scheduler.Scheduler
	ingestor *marketdata.Ingestor
	store    *persistence.Store
	journal  *persistence.Journal

	mu     sync.Mutex
	botIDs map[string]bool // registered bots, mirrored to bots/index
}

// Deps bundles the wired components the engine fronts.
type Deps struct {
	Cache    *marketdata.Cache
	Bus      *marketdata.Bus
	Ledger   *ledger.Ledger
	Gate     *safety.Gate
	Exchange exchange.Client
	Limiter  *ratelimit.Limiter
	Manager  *orders.Manager
	Sched    *scheduler.Scheduler
	Ingestor *marketdata.Ingestor
	Store    *persistence.Store
	Journal  *persistence.Journal
}

func New(cfg *config.Config, deps Deps) *Engine {
	return &Engine{
		cfg:      cfg,
		cache:    deps.Cache,
		bus:      deps.Bus,
		ledger:   deps.Ledger,
		gate:     deps.Gate,
		exch:     deps.Exchange,
		limiter:  deps.Limiter,
		manager:  deps.Manager,
		sched:    deps.Sched,
		ingestor: deps.Ingestor,
		store:    deps.Store,
		journal:  deps.Journal,
		botIDs:   make(map[string]bool),
	}
}

// --- Bot operations ---

// CreateBot registers a new bot from a user config. Zero protection
// percentages inherit the engine defaults.
func (e *Engine) CreateBot(cfg models.BotConfig) (models.BotConfig, error) {
	if cfg.Pair == "" {
		return models.BotConfig{}, models.NewError(models.KindInvalid, "PairRequired")
	}
	if cfg.Owner == "" {
		return models.BotConfig{}, models.NewError(models.KindInvalid, "OwnerRequired")
	}
	if cfg.RiskPct <= 0 || cfg.RiskPct > 1 {
		return models.BotConfig{}, models.NewError(models.KindInvalid, "RiskPctOutOfRange")
	}
	if cfg.Mode != models.ModePaper && cfg.Mode != models.ModeLive {
		return models.BotConfig{}, models.NewError(models.KindInvalid, "UnknownMode")
	}

	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.SLPct <= 0 {
		cfg.SLPct = e.cfg.SLPct
	}
	if cfg.TPPct <= 0 {
		cfg.TPPct = e.cfg.TPPct
	}
	if cfg.TrailingPct <= 0 {
		cfg.TrailingPct = e.cfg.TrailingPct
	}
	if cfg.IntervalMs == 0 {
		cfg.IntervalMs = e.cfg.IntervalMs
	}
	if cfg.IntervalMs < minIntervalMs {
		return models.BotConfig{}, models.NewError(models.KindInvalid, "IntervalTooShort")
	}
	if cfg.PolicyKind == "" {
		cfg.PolicyKind = "q"
	}
	if cfg.PolicyKind != "q" {
		return models.BotConfig{}, models.NewError(models.KindInvalid, "UnknownPolicyKind")
	}

	now := time.Now().UTC()
	cfg.CreatedAt = now
	cfg.UpdatedAt = now
	cfg.Status = models.BotIdle

	pol := e.newPolicy(cfg.ID)
	if err := e.sched.Add(cfg, pol); err != nil {
		return models.BotConfig{}, err
	}

	e.mu.Lock()
	e.botIDs[cfg.ID] = true
	e.mu.Unlock()
	e.saveIndex()
	e.saveBotConfig(cfg)

	if e.ingestor != nil {
		e.ingestor.Track(cfg.Pair)
	}
	logger.S().Infow("bot created", "bot", cfg.ID, "owner", cfg.Owner, "pair", cfg.Pair, "mode", cfg.Mode)
	return cfg, nil
}

func (e *Engine) newPolicy(botID string) policy.Policy {
	return policy.NewQPolicy(botID, policy.QConfig{
		Alpha:             e.cfg.Policy.Alpha,
		Gamma:             e.cfg.Policy.Gamma,
		EpsilonStart:      e.cfg.Policy.EpsilonStart,
		EpsilonEnd:        e.cfg.Policy.EpsilonEnd,
		EpsilonDecaySteps: e.cfg.Policy.EpsilonDecaySteps,
	}, rand.Int63())
}

// GetBot returns a bot's config with live status.
func (e *Engine) GetBot(id string) (models.BotConfig, error) {
	return e.sched.Get(id)
}

// ListBots returns every registered bot.
func (e *Engine) ListBots() []models.BotConfig {
	return e.sched.List()
}

// BotPatch is the mutable subset of a bot config.
type BotPatch struct {
	RiskPct     *float64 `json:"risk_pct,omitempty"`
	SLPct       *float64 `json:"sl_pct,omitempty"`
	TPPct       *float64 `json:"tp_pct,omitempty"`
	TrailingPct *float64 `json:"trailing_pct,omitempty"`
	IntervalMs  *int64   `json:"interval_ms,omitempty"`
}

// UpdateBot patches an idle bot owned by owner.
func (e *Engine) UpdateBot(owner, id string, patch BotPatch) (models.BotConfig, error) {
	cfg, err := e.sched.Get(id)
	if err != nil {
		return models.BotConfig{}, err
	}
	if cfg.Owner != owner {
		return models.BotConfig{}, models.NewError(models.KindUnauthorized, "NotOwner")
	}

	if patch.RiskPct != nil {
		if *patch.RiskPct <= 0 || *patch.RiskPct > 1 {
			return models.BotConfig{}, models.NewError(models.KindInvalid, "RiskPctOutOfRange")
		}
		cfg.RiskPct = *patch.RiskPct
	}
	if patch.SLPct != nil {
		cfg.SLPct = *patch.SLPct
	}
	if patch.TPPct != nil {
		cfg.TPPct = *patch.TPPct
	}
	if patch.TrailingPct != nil {
		cfg.TrailingPct = *patch.TrailingPct
	}
	if patch.IntervalMs != nil {
		if *patch.IntervalMs < minIntervalMs {
			return models.BotConfig{}, models.NewError(models.KindInvalid, "IntervalTooShort")
		}
		cfg.IntervalMs = *patch.IntervalMs
	}
	cfg.UpdatedAt = time.Now().UTC()

	if err := e.sched.UpdateConfig(cfg); err != nil {
		return models.BotConfig{}, err
	}
	e.saveBotConfig(cfg)
	return cfg, nil
}

// DeleteBot removes an idle bot and its persisted state.
func (e *Engine) DeleteBot(owner, id string) error {
	cfg, err := e.sched.Get(id)
	if err != nil {
		return err
	}
	if cfg.Owner != owner {
		return models.NewError(models.KindUnauthorized, "NotOwner")
	}
	if err := e.sched.Remove(id); err != nil {
		return err
	}

	e.mu.Lock()
	delete(e.botIDs, id)
	e.mu.Unlock()
	e.saveIndex()

	if e.store != nil {
		for _, key := range persistence.KnownKeys(id) {
			if err := e.store.Delete(key); err != nil {
				logger.S().Warnw("snapshot delete failed", "key", key, "error", err)
			}
		}
	}
	if e.ingestor != nil {
		e.ingestor.Untrack(cfg.Pair)
	}
	logger.S().Infow("bot deleted", "bot", id)
	return nil
}

// StartBot spawns the bot's cycle loop.
func (e *Engine) StartBot(ctx context.Context, owner, id string) error {
	cfg, err := e.sched.Get(id)
	if err != nil {
		return err
	}
	if cfg.Owner != owner {
		return models.NewError(models.KindUnauthorized, "NotOwner")
	}
	return e.sched.Start(ctx, id)
}

// StopBot winds the bot down after its current cycle.
func (e *Engine) StopBot(owner, id string) error {
	cfg, err := e.sched.Get(id)
	if err != nil {
		return err
	}
	if cfg.Owner != owner {
		return models.NewError(models.KindUnauthorized, "NotOwner")
	}
	return e.sched.Stop(id)
}

// --- Safety operations ---

// SafetyStatus returns the gate state.
func (e *Engine) SafetyStatus() models.SafetyState {
	return e.gate.State()
}

// SafetyPatch is the mutable subset of the safety parameters.
type SafetyPatch struct {
	PositionMaxPct  *float64 `json:"position_max_pct,omitempty"`
	DailyLossMaxPct *float64 `json:"daily_loss_max_pct,omitempty"`
	LossStreakMax   *int     `json:"loss_streak_max,omitempty"`
	HeatMax         *float64 `json:"heat_max,omitempty"`
	SlippageMax     *float64 `json:"slippage_max,omitempty"`
	MinCash         *float64 `json:"min_cash,omitempty"`
}

// ConfigureSafety patches the gate parameters.
func (e *Engine) ConfigureSafety(patch SafetyPatch) (config.SafetyConfig, error) {
	cfg := e.gate.Config()
	if patch.PositionMaxPct != nil {
		cfg.PositionMaxPct = *patch.PositionMaxPct
	}
	if patch.DailyLossMaxPct != nil {
		cfg.DailyLossMaxPct = *patch.DailyLossMaxPct
	}
	if patch.LossStreakMax != nil {
		cfg.LossStreakMax = *patch.LossStreakMax
	}
	if patch.HeatMax != nil {
		cfg.HeatMax = *patch.HeatMax
	}
	if patch.SlippageMax != nil {
		cfg.SlippageMax = *patch.SlippageMax
	}
	if patch.MinCash != nil {
		cfg.MinCash = *patch.MinCash
	}

	if cfg.PositionMaxPct <= 0 || cfg.PositionMaxPct > 1 ||
		cfg.HeatMax <= 0 || cfg.HeatMax > 1 ||
		cfg.DailyLossMaxPct <= 0 || cfg.LossStreakMax < 1 {
		return config.SafetyConfig{}, models.NewError(models.KindInvalid, "SafetyConfigOutOfRange")
	}

	e.gate.SetConfig(cfg)
	return cfg, nil
}

// ResetKillSwitch re-arms the kill switch on an operator's say-so.
func (e *Engine) ResetKillSwitch(operator string) error {
	if operator == "" {
		return models.NewError(models.KindInvalid, "OperatorRequired")
	}
	e.gate.Reset(operator)
	return nil
}

// --- Protection operations ---

// ListProtections returns protection orders, all bots when botID is
// empty.
func (e *Engine) ListProtections(botID string) []models.ProtectionOrder {
	if botID == "" {
		return e.manager.AllProtections()
	}
	return e.manager.Protections(botID)
}

// CancelProtection cancels one active protection owned by owner.
func (e *Engine) CancelProtection(owner, protectionID string) error {
	for _, po := range e.manager.AllProtections() {
		if po.ID != protectionID {
			continue
		}
		cfg, err := e.sched.Get(po.BotID)
		if err != nil {
			return err
		}
		if cfg.Owner != owner {
			return models.NewError(models.KindUnauthorized, "NotOwner")
		}
		return e.manager.CancelProtection(po.BotID, protectionID)
	}
	return models.NewError(models.KindNotFound, "UnknownProtection")
}

// --- Market operations ---

// Markets lists the exchange's tradable pairs.
func (e *Engine) Markets(ctx context.Context) ([]models.TradingPair, error) {
	if err := e.limiter.Acquire(ctx, e.exch.Name(), 1); err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallDeadline())
	defer cancel()
	return e.exch.ListPairs(callCtx)
}

// Candles serves the cached window for a pair.
func (e *Engine) Candles(pair, timeframe string, limit int) ([]models.Candle, error) {
	if limit <= 0 {
		return nil, models.NewError(models.KindInvalid, "NonPositiveLimit")
	}
	return e.cache.Snapshot(pair, timeframe, limit)
}

// Book fetches a depth snapshot from the exchange. Non-positive
// depths fall back to the default.
func (e *Engine) Book(ctx context.Context, pair string, depth int) (models.OrderBook, error) {
	if depth <= 0 {
		depth = defaultBookDepth
	}
	if err := e.limiter.Acquire(ctx, e.exch.Name(), 1); err != nil {
		return models.OrderBook{}, err
	}
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallDeadline())
	defer cancel()
	return e.exch.Book(callCtx, pair, depth)
}

// --- Reporting ---

// BotPerformance summarizes a bot's journaled trades: round trips,
// win rate and realized P&L net of fees.
type BotPerformance struct {
	BotID       string          `json:"bot_id"`
	Trades      int             `json:"trades"`
	RoundTrips  int             `json:"round_trips"`
	Wins        int             `json:"wins"`
	Losses      int             `json:"losses"`
	WinRate     float64         `json:"win_rate"`
	RealizedPnl decimal.Decimal `json:"realized_pnl"`
}

// Performance replays the bot's journal into realized results.
func (e *Engine) Performance(botID string) (BotPerformance, error) {
	if _, err := e.sched.Get(botID); err != nil {
		return BotPerformance{}, err
	}
	if e.journal == nil {
		return BotPerformance{BotID: botID}, nil
	}

	trades, err := e.journal.ListTrades(botID)
	if err != nil {
		return BotPerformance{}, models.WrapError(models.KindInternal, "JournalRead", err)
	}

	perf := BotPerformance{BotID: botID, Trades: len(trades)}
	type lot struct{ qty, avgEntry decimal.Decimal }
	open := make(map[string]*lot)

	for _, t := range trades {
		switch t.Side {
		case models.Buy:
			l, ok := open[t.Pair]
			if !ok {
				open[t.Pair] = &lot{qty: t.Qty, avgEntry: t.Price}
				continue
			}
			total := l.qty.Add(t.Qty)
			l.avgEntry = l.avgEntry.Mul(l.qty).Add(t.Price.Mul(t.Qty)).Div(total)
			l.qty = total
		case models.Sell:
			l, ok := open[t.Pair]
			if !ok {
				continue
			}
			realized := t.Price.Sub(l.avgEntry).Mul(t.Qty).Sub(t.Fee)
			perf.RealizedPnl = perf.RealizedPnl.Add(realized)
			perf.RoundTrips++
			if realized.IsNegative() {
				perf.Losses++
			} else {
				perf.Wins++
			}
			l.qty = l.qty.Sub(t.Qty)
			if !l.qty.IsPositive() {
				delete(open, t.Pair)
			}
		}
	}
	if perf.RoundTrips > 0 {
		perf.WinRate = float64(perf.Wins) / float64(perf.RoundTrips)
	}
	return perf, nil
}

// --- Persistence ---

const indexKey = "bots/index"

func (e *Engine) saveIndex() {
	if e.store == nil {
		return
	}
	e.mu.Lock()
	ids := make([]string, 0, len(e.botIDs))
	for id := range e.botIDs {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	data, err := json.Marshal(ids)
	if err != nil {
		return
	}
	if err := e.store.Put(indexKey, data); err != nil {
		logger.S().Errorw("bot index write failed", "error", err)
	}
}

func (e *Engine) saveBotConfig(cfg models.BotConfig) {
	if e.store == nil {
		return
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return
	}
	if err := e.store.Put("bot/"+cfg.ID+"/config", data); err != nil {
		logger.S().Errorw("bot config write failed", "bot", cfg.ID, "error", err)
	}
}

// Restore reloads bots, policies, the shared ledger, the protection
// sets and the safety state from the snapshot store. Called once at
// startup before any bot starts.
func (e *Engine) Restore() error {
	if e.store == nil {
		return nil
	}

	if data, err := e.store.Get(persistence.SafetyKey); err == nil {
		var state models.SafetyState
		if err := json.Unmarshal(data, &state); err == nil {
			e.gate.Restore(state)
		}
	} else if models.ErrKind(err) == models.KindFatal {
		return err
	}

	data, err := e.store.Get(indexKey)
	if err != nil {
		if models.ErrKind(err) == models.KindFatal {
			return err
		}
		return nil // fresh start
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return models.WrapError(models.KindFatal, "BotIndexCorrupt", err)
	}

	ledgerRestored := false
	for _, id := range ids {
		cfgData, err := e.store.Get("bot/" + id + "/config")
		if err != nil {
			if models.ErrKind(err) == models.KindFatal {
				return err
			}
			logger.S().Warnw("bot config snapshot missing, skipping", "bot", id)
			continue
		}
		var cfg models.BotConfig
		if err := json.Unmarshal(cfgData, &cfg); err != nil {
			logger.S().Warnw("bot config snapshot unreadable, skipping", "bot", id)
			continue
		}
		cfg.Status = models.BotIdle

		pol := e.newPolicy(cfg.ID)
		if polData, err := e.store.Get("bot/" + id + "/policy"); err == nil {
			var state models.PolicyState
			if err := json.Unmarshal(polData, &state); err == nil {
				pol.Restore(state)
			}
		}

		if !ledgerRestored {
			if ledData, err := e.store.Get("bot/" + id + "/ledger"); err == nil {
				var snap models.PortfolioSnapshot
				if err := json.Unmarshal(ledData, &snap); err == nil && snap.Mode == e.ledger.Mode() {
					e.ledger.Restore(snap)
					ledgerRestored = true
				}
			}
		}

		if protData, err := e.store.Get("bot/" + id + "/protections"); err == nil {
			var prots []models.ProtectionOrder
			if err := json.Unmarshal(protData, &prots); err == nil {
				e.manager.RestoreProtections(prots)
			}
		}

		if err := e.sched.Add(cfg, pol); err != nil {
			logger.S().Warnw("bot restore registration failed", "bot", id, "error", err)
			continue
		}
		e.mu.Lock()
		e.botIDs[id] = true
		e.mu.Unlock()
		if e.ingestor != nil {
			e.ingestor.Track(cfg.Pair)
		}
		logger.S().Infow("bot restored", "bot", id, "pair", cfg.Pair)
	}
	return nil
}

// Shutdown stops every bot and flushes final snapshots.
func (e *Engine) Shutdown() {
	e.sched.StopAll()
	e.gate.Stop()
	if e.ingestor != nil {
		e.ingestor.Stop()
	}
	if e.journal != nil {
		if err := e.journal.Close(); err != nil {
			logger.S().Errorw("journal close failed", "error", err)
		}
	}
	logger.S().Info("engine shut down")
}
