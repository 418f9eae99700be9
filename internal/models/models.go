package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Mode distinguishes simulated from real execution.
type Mode string

const (
	ModePaper Mode = "paper"
	ModeLive  Mode = "live"
)

// Side is an order side.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite returns the closing side for a position opened with s.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Action is a policy decision.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// BotStatus is the lifecycle state of a bot.
type BotStatus string

const (
	BotIdle     BotStatus = "idle"
	BotRunning  BotStatus = "running"
	BotStopping BotStatus = "stopping"
	BotError    BotStatus = "error"
)

// OrderType is the exchange order type.
type OrderType string

const (
	OrderMarket OrderType = "market"
	OrderLimit  OrderType = "limit"
	OrderStop   OrderType = "stop"
)

// TimeInForce controls order lifetime on the exchange.
type TimeInForce string

const (
	GTC TimeInForce = "GTC"
	IOC TimeInForce = "IOC"
)

// OrderStatus is the exchange-reported order state.
type OrderStatus string

const (
	OrderFilled          OrderStatus = "filled"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderRejected        OrderStatus = "rejected"
	OrderCancelled       OrderStatus = "cancelled"
)

// TradingPair describes one tradable symbol and its exchange filters.
// Immutable after discovery; refreshed on each pair-list sync.
type TradingPair struct {
	Symbol      string          `json:"symbol"`
	Base        string          `json:"base"`
	Quote       string          `json:"quote"`
	PriceTick   decimal.Decimal `json:"price_tick"`
	QtyStep     decimal.Decimal `json:"qty_step"`
	MinNotional decimal.Decimal `json:"min_notional"`
}

// Candle is one OHLCV bar. Keyed by (pair, timeframe, ts).
type Candle struct {
	Pair      string    `json:"pair"`
	Timeframe string    `json:"timeframe"`
	Ts        time.Time `json:"ts"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Quote is the latest top-of-book for a pair.
type Quote struct {
	Pair string    `json:"pair"`
	Bid  float64   `json:"bid"`
	Ask  float64   `json:"ask"`
	Ts   time.Time `json:"ts"`
}

// Mid returns the bid/ask midpoint.
func (q Quote) Mid() float64 {
	return (q.Bid + q.Ask) / 2
}

// BookLevel is one price level of an order book.
type BookLevel struct {
	Price float64 `json:"price"`
	Qty   float64 `json:"qty"`
}

// OrderBook is a depth snapshot.
type OrderBook struct {
	Pair string      `json:"pair"`
	Bids []BookLevel `json:"bids"`
	Asks []BookLevel `json:"asks"`
	Ts   time.Time   `json:"ts"`
}

// BotConfig is the user-facing configuration of one bot instance.
type BotConfig struct {
	ID          string    `json:"id"`
	Owner       string    `json:"owner"`
	Pair        string    `json:"pair"`
	PolicyKind  string    `json:"policy_kind"`
	RiskPct     float64   `json:"risk_pct"`
	SLPct       float64   `json:"sl_pct"`
	TPPct       float64   `json:"tp_pct"`
	TrailingPct float64   `json:"trailing_pct"`
	IntervalMs  int64     `json:"interval_ms"`
	Mode        Mode      `json:"mode"`
	Status      BotStatus `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Interval returns the bot's cycle cadence.
func (c BotConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMs) * time.Millisecond
}

// PolicyState is the persisted learning state of one bot's policy.
type PolicyState struct {
	BotID       string                        `json:"bot_id"`
	Table       map[string]map[Action]float64 `json:"table"`
	Epsilon     float64                       `json:"epsilon"`
	Episodes    int                           `json:"episodes"`
	TotalReward float64                       `json:"total_reward"`
}

// Position is an open holding in one pair. Exists while Qty != 0.
type Position struct {
	Pair          string          `json:"pair"`
	Qty           decimal.Decimal `json:"qty"`
	AvgEntry      decimal.Decimal `json:"avg_entry"`
	RealizedPnl   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnl decimal.Decimal `json:"unrealized_pnl"`
}

// EquityPoint is one sample of the portfolio equity curve.
type EquityPoint struct {
	Ts     time.Time       `json:"ts"`
	Equity decimal.Decimal `json:"equity"`
}

// PortfolioSnapshot is the serializable state of a ledger.
type PortfolioSnapshot struct {
	Mode          Mode                `json:"mode"`
	Cash          decimal.Decimal     `json:"cash"`
	Positions     map[string]Position `json:"positions"`
	EquityHistory []EquityPoint       `json:"equity_history"`
}

// Trade is one executed fill. Append-only.
type Trade struct {
	ID            string          `json:"id"`
	BotID         string          `json:"bot_id"`
	Pair          string          `json:"pair"`
	Side          Side            `json:"side"`
	Qty           decimal.Decimal `json:"qty"`
	Price         decimal.Decimal `json:"price"`
	Fee           decimal.Decimal `json:"fee"`
	Mode          Mode            `json:"mode"`
	Ts            time.Time       `json:"ts"`
	LinkedOrderID string          `json:"linked_order_id,omitempty"`
}

// Notional returns qty * price.
func (t Trade) Notional() decimal.Decimal {
	return t.Qty.Mul(t.Price)
}

// ProtectionKind classifies a protection order.
type ProtectionKind string

const (
	ProtectionSL    ProtectionKind = "SL"
	ProtectionTP    ProtectionKind = "TP"
	ProtectionTrail ProtectionKind = "TRAIL"
)

// ProtectionStatus is the state of a protection order. Transitions are
// monotonic: active -> triggered or active -> cancelled, never back.
type ProtectionStatus string

const (
	ProtectionActive    ProtectionStatus = "active"
	ProtectionTriggered ProtectionStatus = "triggered"
	ProtectionCancelled ProtectionStatus = "cancelled"
)

// ProtectionOrder is an SL/TP/trailing child attached to a parent trade.
type ProtectionOrder struct {
	ID            string           `json:"id"`
	BotID         string           `json:"bot_id"`
	ParentTradeID string           `json:"parent_trade_id"`
	Pair          string           `json:"pair"`
	Side          Side             `json:"side"`
	Qty           decimal.Decimal  `json:"qty"`
	Mode          Mode             `json:"mode,omitempty"`
	Kind          ProtectionKind   `json:"kind"`
	Trigger       float64          `json:"trigger"`
	TrailRef      float64          `json:"trail_ref,omitempty"`
	TrailingPct   float64          `json:"trailing_pct,omitempty"`
	Status        ProtectionStatus `json:"status"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// KillSwitchState is the global trading halt flag.
type KillSwitchState string

const (
	KillSwitchArmed   KillSwitchState = "armed"
	KillSwitchTripped KillSwitchState = "tripped"
)

// SafetyState is the global risk state shared by all bots.
type SafetyState struct {
	DailyPnlPct       float64         `json:"daily_pnl_pct"`
	DayAnchorTs       time.Time       `json:"day_anchor_ts"`
	DayAnchorEquity   decimal.Decimal `json:"day_anchor_equity"`
	ConsecutiveLosses int             `json:"consecutive_losses"`
	KillSwitch        KillSwitchState `json:"kill_switch"`
	TrippedReason     string          `json:"tripped_reason,omitempty"`
	TrippedAt         time.Time       `json:"tripped_at,omitempty"`
}

// OrderRequest is the abstract wire form of an order submission.
// ClientOrderID is stable across retries and makes resubmission idempotent.
type OrderRequest struct {
	Pair          string          `json:"pair"`
	Side          Side            `json:"side"`
	Type          OrderType       `json:"type"`
	Qty           decimal.Decimal `json:"qty"`
	LimitPrice    float64         `json:"limit_price,omitempty"`
	StopPrice     float64         `json:"stop_price,omitempty"`
	ClientOrderID string          `json:"client_order_id"`
	TimeInForce   TimeInForce     `json:"time_in_force"`
}

// OrderResult is the abstract wire form of an order outcome.
type OrderResult struct {
	ExchangeOrderID string          `json:"exchange_order_id"`
	Status          OrderStatus     `json:"status"`
	FilledQty       decimal.Decimal `json:"filled_qty"`
	AvgPrice        decimal.Decimal `json:"avg_price"`
	FeeAbs          decimal.Decimal `json:"fee_abs"`
	FeeCurrency     string          `json:"fee_currency"`
}

// FeeRate holds maker/taker rates for one volume tier.
type FeeRate struct {
	Maker decimal.Decimal `json:"maker"`
	Taker decimal.Decimal `json:"taker"`
}

// DecisionOutcome is the result of a SafetyGate validation.
type DecisionOutcome string

const (
	DecisionAccept         DecisionOutcome = "accept"
	DecisionAcceptAdjusted DecisionOutcome = "accept_adjusted"
	DecisionReject         DecisionOutcome = "reject"
)

// DecisionRecord is the persisted safety decision for a trade. Every
// live-mode trade in the journal references exactly one of these.
type DecisionRecord struct {
	TradeID     string          `json:"trade_id"`
	BotID       string          `json:"bot_id"`
	Outcome     DecisionOutcome `json:"outcome"`
	Reason      string          `json:"reason,omitempty"`
	OriginalQty decimal.Decimal `json:"original_qty"`
	FinalQty    decimal.Decimal `json:"final_qty"`
	Ts          time.Time       `json:"ts"`
}

// TradeResult is a realized round-trip outcome fed back into the
// SafetyGate and the policy.
type TradeResult struct {
	BotID       string          `json:"bot_id"`
	Pair        string          `json:"pair"`
	TradeID     string          `json:"trade_id"`
	RealizedPnl decimal.Decimal `json:"realized_pnl"`
	EntryPrice  decimal.Decimal `json:"entry_price"`
	ExitPrice   decimal.Decimal `json:"exit_price"`
	Qty         decimal.Decimal `json:"qty"`
	Ts          time.Time       `json:"ts"`
}

// ProfitRatio returns realized P&L as a fraction of the entry notional.
func (r TradeResult) ProfitRatio() float64 {
	entryNotional := r.EntryPrice.Mul(r.Qty)
	if entryNotional.IsZero() {
		return 0
	}
	ratio, _ := r.RealizedPnl.Div(entryNotional).Float64()
	return ratio
}

// LogConfig mirrors the logger settings block of the engine config.
type LogConfig struct {
	Level      string `json:"level"`
	Output     string `json:"output"`
	File       string `json:"file"`
	MaxSize    int    `json:"max_size"`
	MaxBackups int    `json:"max_backups"`
	MaxAge     int    `json:"max_age"`
	Compress   bool   `json:"compress"`
}
