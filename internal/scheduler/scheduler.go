package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"crypto-bot-engine/internal/ledger"
	"crypto-bot-engine/internal/logger"
	"crypto-bot-engine/internal/marketdata"
	"crypto-bot-engine/internal/models"
	"crypto-bot-engine/internal/orders"
	"crypto-bot-engine/internal/persistence"
	"crypto-bot-engine/internal/policy"
	"crypto-bot-engine/internal/safety"
)

// runner is one scheduled bot: its config, its policy, and the
// goroutine lifecycle around them.
type runner struct {
	mu     sync.Mutex
	cfg    models.BotConfig
	policy policy.Policy
	status models.BotStatus

	cancel  context.CancelFunc
	quit    chan struct{} // closed by Stop; the loop exits, in-flight work finishes
	done    chan struct{}
	cycleMu sync.Mutex // one cycle at a time per bot

	// state key at the time the open was placed, consumed by the
	// round-trip reward when the position closes
	entryStateKey string
}

// Scheduler drives every bot on its own cadence. Bots are isolated:
// a panic in one cycle lands that bot in the error state and leaves
// the rest running.
type Scheduler struct {
	mu      sync.Mutex
	runners map[string]*runner

	cache     *marketdata.Cache
	ledger    *ledger.Ledger
	manager   *orders.Manager
	gate      *safety.Gate
	store     *persistence.Store
	bus       *marketdata.Bus
	timeframe string
}

func New(
	cache *marketdata.Cache,
	led *ledger.Ledger,
	manager *orders.Manager,
	gate *safety.Gate,
	store *persistence.Store,
	bus *marketdata.Bus,
	timeframe string,
) *Scheduler {
	s := &Scheduler{
		runners:   make(map[string]*runner),
		cache:     cache,
		ledger:    led,
		manager:   manager,
		gate:      gate,
		store:     store,
		bus:       bus,
		timeframe: timeframe,
	}
	manager.OnRoundTrip(s.handleRoundTrip)
	return s
}

// Add registers a bot with its policy. The bot starts idle.
func (s *Scheduler) Add(cfg models.BotConfig, pol policy.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runners[cfg.ID]; ok {
		return models.NewError(models.KindConflict, "BotAlreadyRegistered")
	}
	s.runners[cfg.ID] = &runner{cfg: cfg, policy: pol, status: models.BotIdle}
	return nil
}

// Remove unregisters an idle bot.
func (s *Scheduler) Remove(botID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runners[botID]
	if !ok {
		return models.NewError(models.KindNotFound, "UnknownBot")
	}
	r.mu.Lock()
	running := r.status == models.BotRunning || r.status == models.BotStopping
	r.mu.Unlock()
	if running {
		return models.NewError(models.KindConflict, "BotStillRunning")
	}
	delete(s.runners, botID)
	return nil
}

func (s *Scheduler) runner(botID string) (*runner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runners[botID]
	if !ok {
		return nil, models.NewError(models.KindNotFound, "UnknownBot")
	}
	return r, nil
}

// Start spawns the bot's cycle loop. Starting a bot in the error
// state recovers it to running.
func (s *Scheduler) Start(ctx context.Context, botID string) error {
	r, err := s.runner(botID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.status {
	case models.BotRunning:
		return models.NewError(models.KindConflict, "BotAlreadyRunning")
	case models.BotStopping:
		return models.NewError(models.KindConflict, "BotStopping")
	}

	botCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.quit = make(chan struct{})
	r.done = make(chan struct{})
	r.status = models.BotRunning

	go s.runLoop(botCtx, r)
	logger.S().Infow("bot started", "bot", botID, "pair", r.cfg.Pair, "interval", r.cfg.Interval())
	return nil
}

// Stop asks the bot to finish its current cycle and go idle. Blocks
// until the loop has exited. An in-flight cycle completes with its
// context intact, so a submission that already started settles and
// records before the bot goes quiescent.
func (s *Scheduler) Stop(botID string) error {
	r, err := s.runner(botID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.status != models.BotRunning {
		r.mu.Unlock()
		return models.NewError(models.KindConflict, "BotNotRunning")
	}
	r.status = models.BotStopping
	cancel := r.cancel
	quit := r.quit
	done := r.done
	r.mu.Unlock()

	close(quit)
	<-done

	// Wait out an in-flight cycle so the bot is quiescent when Stop
	// returns, then release the bot context.
	r.cycleMu.Lock()
	r.cycleMu.Unlock()
	cancel()

	r.mu.Lock()
	if r.status == models.BotStopping {
		r.status = models.BotIdle
	}
	r.mu.Unlock()
	logger.S().Infow("bot stopped", "bot", botID)
	return nil
}

// StopAll stops every running bot, used on shutdown.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.runners))
	for id := range s.runners {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		if err := s.Stop(id); err == nil {
			s.snapshot(id)
		}
	}
}

// Get returns the bot's config with live status.
func (s *Scheduler) Get(botID string) (models.BotConfig, error) {
	r, err := s.runner(botID)
	if err != nil {
		return models.BotConfig{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg := r.cfg
	cfg.Status = r.status
	return cfg, nil
}

// UpdateConfig replaces an idle bot's config.
func (s *Scheduler) UpdateConfig(cfg models.BotConfig) error {
	r, err := s.runner(cfg.ID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == models.BotRunning || r.status == models.BotStopping {
		return models.NewError(models.KindConflict, "BotStillRunning")
	}
	cfg.Status = r.status
	r.cfg = cfg
	return nil
}

// Status returns the bot's lifecycle state.
func (s *Scheduler) Status(botID string) (models.BotStatus, error) {
	r, err := s.runner(botID)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status, nil
}

// List returns the registered bot configs with their live status.
func (s *Scheduler) List() []models.BotConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.BotConfig, 0, len(s.runners))
	for _, r := range s.runners {
		r.mu.Lock()
		cfg := r.cfg
		cfg.Status = r.status
		r.mu.Unlock()
		out = append(out, cfg)
	}
	return out
}

// PolicyFor exposes the bot's policy for persistence and reporting.
func (s *Scheduler) PolicyFor(botID string) (policy.Policy, error) {
	r, err := s.runner(botID)
	if err != nil {
		return nil, err
	}
	return r.policy, nil
}

func (s *Scheduler) runLoop(ctx context.Context, r *runner) {
	defer close(r.done)

	ticker := time.NewTicker(r.cfg.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.quit:
			return
		case <-ticker.C:
			// Overrun: if the previous cycle still holds the lock,
			// drop this tick instead of queueing behind it.
			if !r.cycleMu.TryLock() {
				s.bus.Publish(marketdata.Event{
					Type:  marketdata.EventBotOverrun,
					BotID: r.cfg.ID,
					Ts:    time.Now().UTC(),
				})
				logger.S().Warnw("bot cycle overrun, tick dropped", "bot", r.cfg.ID)
				continue
			}
			go func() {
				defer r.cycleMu.Unlock()
				s.safeCycle(ctx, r)
			}()
		}
	}
}

// safeCycle runs one cycle with panic isolation.
func (s *Scheduler) safeCycle(ctx context.Context, r *runner) {
	defer func() {
		if rec := recover(); rec != nil {
			r.mu.Lock()
			r.status = models.BotError
			cancel := r.cancel
			r.mu.Unlock()
			logger.S().Errorw("bot cycle panicked",
				"bot", r.cfg.ID, "panic", rec, "stack", string(debug.Stack()))
			cancel()
		}
	}()
	s.cycle(ctx, r)
}

func (s *Scheduler) cycle(ctx context.Context, r *runner) {
	cfg := r.cfg

	candles, err := s.cache.Snapshot(cfg.Pair, s.timeframe, policy.MinCandles)
	if err != nil || len(candles) < policy.MinCandles {
		return // no data yet, skip the cycle
	}

	pos, holding := s.ledger.Position(cfg.Pair)
	state, err := policy.EncodeState(candles, holding)
	if err != nil {
		return
	}

	decision := r.policy.Decide(state)

	switch decision.Action {
	case models.ActionHold:
		// Opportunity cost for sitting on an open position keeps the
		// table from settling on HOLD. A flat bot pays nothing.
		if holding {
			r.policy.Learn(policy.Experience{
				StateBefore: state.Key(),
				Action:      models.ActionHold,
				Reward:      policy.HoldReward(),
				StateAfter:  state.Key(),
			})
		}

	case models.ActionBuy:
		if holding {
			break // already long, no pyramiding
		}
		price := candles[len(candles)-1].Close
		if price <= 0 {
			break
		}
		equity, _ := s.ledger.Equity().Float64()
		qty := decimal.NewFromFloat(cfg.RiskPct * equity / price)
		if !qty.IsPositive() {
			break
		}
		res, err := s.manager.Place(ctx, orders.Intent{
			BotID:       cfg.ID,
			Pair:        cfg.Pair,
			Side:        models.Buy,
			Qty:         qty,
			Price:       price,
			Mode:        cfg.Mode,
			SLPct:       cfg.SLPct,
			TPPct:       cfg.TPPct,
			TrailingPct: cfg.TrailingPct,
		})
		if err != nil {
			logger.S().Debugw("entry not placed", "bot", cfg.ID, "error", err)
			break
		}
		r.mu.Lock()
		r.entryStateKey = state.Key()
		r.mu.Unlock()
		logger.S().Infow("entry placed",
			"bot", cfg.ID, "pair", cfg.Pair, "qty", res.Trade.Qty.String(),
			"price", res.Trade.Price.String())

	case models.ActionSell:
		if !holding {
			break
		}
		price := candles[len(candles)-1].Close
		res, err := s.manager.Place(ctx, orders.Intent{
			BotID: cfg.ID,
			Pair:  cfg.Pair,
			Side:  models.Sell,
			Qty:   pos.Qty,
			Price: price,
			Mode:  cfg.Mode,
		})
		if err != nil {
			logger.S().Debugw("exit not placed", "bot", cfg.ID, "error", err)
			break
		}
		if res.Closed && res.Outcome != nil {
			s.learnRoundTrip(r, *res.Outcome, state.Key())
		}
	}

	s.snapshot(cfg.ID)
}

// learnRoundTrip feeds a realized round trip into the bot's policy.
func (s *Scheduler) learnRoundTrip(r *runner, tr models.TradeResult, afterKey string) {
	r.mu.Lock()
	before := r.entryStateKey
	r.entryStateKey = ""
	r.mu.Unlock()
	if before == "" {
		return // position predates this process, nothing to credit
	}
	r.policy.Learn(policy.Experience{
		StateBefore: before,
		Action:      models.ActionBuy,
		Reward:      policy.RoundTripReward(tr.ProfitRatio()),
		StateAfter:  afterKey,
		Terminal:    true,
	})
}

// handleRoundTrip routes trigger-loop exits back to the owning bot.
func (s *Scheduler) handleRoundTrip(tr models.TradeResult) {
	r, err := s.runner(tr.BotID)
	if err != nil {
		return
	}

	afterKey := ""
	if candles, err := s.cache.Snapshot(tr.Pair, s.timeframe, policy.MinCandles); err == nil {
		if state, err := policy.EncodeState(candles, false); err == nil {
			afterKey = state.Key()
		}
	}
	if afterKey == "" {
		r.mu.Lock()
		afterKey = r.entryStateKey
		r.mu.Unlock()
	}
	s.learnRoundTrip(r, tr, afterKey)
}

// snapshot persists the bot's durable state plus the global safety
// state. Failures log and continue; the next cycle retries.
func (s *Scheduler) snapshot(botID string) {
	if s.store == nil {
		return
	}
	r, err := s.runner(botID)
	if err != nil {
		return
	}

	r.mu.Lock()
	cfg := r.cfg
	pol := r.policy
	r.mu.Unlock()

	put := func(key string, v any) {
		data, err := json.Marshal(v)
		if err != nil {
			logger.S().Errorw("snapshot marshal failed", "key", key, "error", err)
			return
		}
		if err := s.store.Put(key, data); err != nil {
			logger.S().Errorw("snapshot write failed", "key", key, "error", err)
		}
	}

	prefix := fmt.Sprintf("bot/%s/", botID)
	put(prefix+"config", cfg)
	put(prefix+"policy", pol.State())
	put(prefix+"ledger", s.ledger.Snapshot())
	put(prefix+"protections", s.manager.Protections(botID))
	put(persistence.SafetyKey, s.gate.State())
}
