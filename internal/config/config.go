package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"crypto-bot-engine/internal/models"
)

// SafetyConfig holds the tunable parameters of the trading-safety gate.
type SafetyConfig struct {
	PositionMaxPct  float64 `json:"position_max_pct"`   // cap on single-trade notional fraction of equity
	DailyLossMaxPct float64 `json:"daily_loss_max_pct"` // kill-switch trip threshold
	LossStreakMax   int     `json:"loss_streak_max"`    // consecutive-loss halt threshold
	HeatMax         float64 `json:"heat_max"`           // max total open notional / equity
	SlippageMax     float64 `json:"slippage_max"`       // post-fill tolerance
	MinCash         float64 `json:"min_cash"`           // minimum free cash to attempt any trade
	DayBoundarySpec string  `json:"day_boundary_spec"`  // cron spec for the daily anchor reset
}

// PolicyConfig holds the Q-learning hyperparameters.
type PolicyConfig struct {
	Alpha             float64 `json:"alpha"`
	Gamma             float64 `json:"gamma"`
	EpsilonStart      float64 `json:"epsilon_start"`
	EpsilonEnd        float64 `json:"epsilon_end"`
	EpsilonDecaySteps int     `json:"epsilon_decay_steps"`
}

// ExchangeConfig selects and tunes the exchange client.
type ExchangeConfig struct {
	Name             string  `json:"name"` // kraken, binance, coinbase, kucoin, paper
	APIBaseURL       string  `json:"api_base_url"`
	WSBaseURL        string  `json:"ws_base_url"`
	RateCapacity     float64 `json:"rate_capacity"`
	RateRefillPerSec float64 `json:"rate_refill_per_sec"`
	CallDeadlineSec  int     `json:"call_deadline_sec"`
	PaperSlippage    float64 `json:"paper_slippage"` // fill offset from mid for the paper variant
}

// Config is the full engine configuration. Unknown keys reject at load.
type Config struct {
	StateDir   string `json:"state_dir"`
	JournalDir string `json:"journal_dir"`

	PaperStartingCash float64 `json:"paper_starting_cash"`

	// Loop cadences.
	PullPeriodSec    int   `json:"pull_period_sec"`
	TriggerPeriodSec int   `json:"trigger_period_sec"`
	IntervalMs       int64 `json:"interval_ms"` // default bot cycle cadence

	// Market data.
	Timeframe  string `json:"timeframe"`
	CandleRing int    `json:"candle_ring"` // candles kept per (pair, timeframe)
	TopPairs   int    `json:"top_pairs"`   // extra pairs tracked by volume

	// Protection defaults for new bots.
	SLPct       float64 `json:"sl_pct"`
	TPPct       float64 `json:"tp_pct"`
	TrailingPct float64 `json:"trailing_pct"`

	Safety   SafetyConfig     `json:"safety"`
	Policy   PolicyConfig     `json:"policy"`
	Exchange ExchangeConfig   `json:"exchange"`
	Log      models.LogConfig `json:"log"`
}

// Default returns a config with every option at its documented default.
func Default() *Config {
	return &Config{
		StateDir:          "state",
		JournalDir:        "journal",
		PaperStartingCash: 100000,
		PullPeriodSec:     60,
		TriggerPeriodSec:  5,
		IntervalMs:        60000,
		Timeframe:         "1m",
		CandleRing:        200,
		TopPairs:          20,
		SLPct:             0.02,
		TPPct:             0.05,
		TrailingPct:       0.03,
		Safety: SafetyConfig{
			PositionMaxPct:  0.10,
			DailyLossMaxPct: 0.05,
			LossStreakMax:   3,
			HeatMax:         0.30,
			SlippageMax:     0.005,
			MinCash:         100,
			DayBoundarySpec: "0 0 * * *",
		},
		Policy: PolicyConfig{
			Alpha:             0.1,
			Gamma:             0.95,
			EpsilonStart:      0.2,
			EpsilonEnd:        0.01,
			EpsilonDecaySteps: 1000,
		},
		Exchange: ExchangeConfig{
			Name:             "paper",
			RateCapacity:     20,
			RateRefillPerSec: 2,
			CallDeadlineSec:  10,
			PaperSlippage:    0.0005,
		},
		Log: models.LogConfig{Level: "info", Output: "console"},
	}
}

// Load parses the JSON config at path over the defaults. Unknown keys are
// a load error, so a misspelled option can never silently fall back.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	cfg := Default()
	decoder := json.NewDecoder(file)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configs that would make the safety gate vacuous.
func (c *Config) Validate() error {
	if c.Safety.PositionMaxPct <= 0 || c.Safety.PositionMaxPct > 1 {
		return fmt.Errorf("config: position_max_pct must be in (0,1], got %v", c.Safety.PositionMaxPct)
	}
	if c.Safety.HeatMax <= 0 || c.Safety.HeatMax > 1 {
		return fmt.Errorf("config: heat_max must be in (0,1], got %v", c.Safety.HeatMax)
	}
	if c.Safety.DailyLossMaxPct <= 0 {
		return fmt.Errorf("config: daily_loss_max_pct must be positive, got %v", c.Safety.DailyLossMaxPct)
	}
	if c.Safety.LossStreakMax < 1 {
		return fmt.Errorf("config: loss_streak_max must be at least 1, got %d", c.Safety.LossStreakMax)
	}
	if c.CandleRing < 200 {
		return fmt.Errorf("config: candle_ring must be at least 200, got %d", c.CandleRing)
	}
	if c.Policy.EpsilonDecaySteps < 1 {
		return fmt.Errorf("config: epsilon_decay_steps must be at least 1, got %d", c.Policy.EpsilonDecaySteps)
	}
	if c.PullPeriodSec < 1 || c.TriggerPeriodSec < 1 {
		return fmt.Errorf("config: loop periods must be at least 1s")
	}
	return nil
}

// PullPeriod returns the ingestor cadence.
func (c *Config) PullPeriod() time.Duration {
	return time.Duration(c.PullPeriodSec) * time.Second
}

// TriggerPeriod returns the protection trigger loop cadence.
func (c *Config) TriggerPeriod() time.Duration {
	return time.Duration(c.TriggerPeriodSec) * time.Second
}

// CallDeadline returns the per-call exchange deadline.
func (c *Config) CallDeadline() time.Duration {
	return time.Duration(c.Exchange.CallDeadlineSec) * time.Second
}
