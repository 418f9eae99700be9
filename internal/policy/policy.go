package policy

import (
	"fmt"
	"math"

	"crypto-bot-engine/internal/models"
)

// PriceMove buckets the last close-to-close change.
type PriceMove string

const (
	PriceDown PriceMove = "down"
	PriceFlat PriceMove = "flat"
	PriceUp   PriceMove = "up"
)

// RSIBucket buckets the 14-period RSI.
type RSIBucket string

const (
	RSIOversold   RSIBucket = "oversold"
	RSINeutral    RSIBucket = "neutral"
	RSIOverbought RSIBucket = "overbought"
)

// VolumeMove compares the latest volume to the 20-candle mean.
type VolumeMove string

const (
	VolumeBelow VolumeMove = "below"
	VolumeAbove VolumeMove = "above"
)

// MarketState is the discretized observation a policy decides on.
type MarketState struct {
	PriceMove  PriceMove
	RSI        RSIBucket
	VolumeMove VolumeMove
	Holding    bool
}

// Key returns the canonical table key for the state.
func (s MarketState) Key() string {
	holding := "flat"
	if s.Holding {
		holding = "long"
	}
	return fmt.Sprintf("%s|%s|%s|%s", s.PriceMove, s.RSI, s.VolumeMove, holding)
}

// Decision is a policy's chosen action with its confidence.
type Decision struct {
	Action     models.Action
	Confidence float64
}

// Experience is one learning sample. Terminal marks a closed round
// trip, the unit that advances the episode count.
type Experience struct {
	StateBefore string
	Action      models.Action
	Reward      float64
	StateAfter  string
	Terminal    bool
}

// Policy maps market state to an action and learns from experience.
type Policy interface {
	Decide(state MarketState) Decision
	Learn(exp Experience)
	State() models.PolicyState
	Restore(state models.PolicyState)
}

const (
	priceDeadBand = 0.002 // +-0.2% counts as flat
	rsiPeriod     = 14
	volumeWindow  = 20
	// MinCandles is the history needed to encode a state: RSI needs
	// rsiPeriod+1 closes, the volume mean needs volumeWindow bars.
	MinCandles = volumeWindow + 1
)

// Reward constants.
const (
	rewardScale  = 10.0
	rewardClamp  = 5.0
	holdPenalty  = -0.001
)

// RoundTripReward maps a profit ratio to a clamped reward.
func RoundTripReward(profitRatio float64) float64 {
	r := rewardScale * profitRatio
	if r > rewardClamp {
		return rewardClamp
	}
	if r < -rewardClamp {
		return -rewardClamp
	}
	return r
}

// HoldReward is the opportunity cost of holding a position for one tick.
func HoldReward() float64 { return holdPenalty }

// EncodeState discretizes a candle window into a MarketState. Candles
// must be ascending by ts and at least MinCandles long.
func EncodeState(candles []models.Candle, holding bool) (MarketState, error) {
	if len(candles) < MinCandles {
		return MarketState{}, models.NewError(models.KindInvalid,
			fmt.Sprintf("need %d candles, have %d", MinCandles, len(candles)))
	}

	last := candles[len(candles)-1]
	prev := candles[len(candles)-2]

	state := MarketState{Holding: holding}

	// Price move with dead band.
	move := 0.0
	if prev.Close != 0 {
		move = (last.Close - prev.Close) / prev.Close
	}
	switch {
	case move > priceDeadBand:
		state.PriceMove = PriceUp
	case move < -priceDeadBand:
		state.PriceMove = PriceDown
	default:
		state.PriceMove = PriceFlat
	}

	// RSI bucket.
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}
	rsi := RSI(closes, rsiPeriod)
	switch {
	case rsi < 30:
		state.RSI = RSIOversold
	case rsi > 70:
		state.RSI = RSIOverbought
	default:
		state.RSI = RSINeutral
	}

	// Volume vs the mean of the last window.
	var volSum float64
	window := candles[len(candles)-volumeWindow:]
	for _, c := range window {
		volSum += c.Volume
	}
	if last.Volume > volSum/float64(volumeWindow) {
		state.VolumeMove = VolumeAbove
	} else {
		state.VolumeMove = VolumeBelow
	}

	return state, nil
}

// RSI computes Wilder's relative strength index over the final period
// changes. Returns 50 when there is not enough history.
func RSI(closes []float64, period int) float64 {
	if len(closes) < period+1 {
		return 50
	}

	var gain, loss float64
	start := len(closes) - period
	for i := start; i < len(closes); i++ {
		change := closes[i] - closes[i-1]
		if change > 0 {
			gain += change
		} else {
			loss -= change
		}
	}
	avgGain := gain / float64(period)
	avgLoss := loss / float64(period)

	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// MaskAction forbids SELL with no position; masked decisions HOLD.
func MaskAction(action models.Action, holding bool) models.Action {
	if action == models.ActionSell && !holding {
		return models.ActionHold
	}
	return action
}

// softmax turns Q-values into a probability used as confidence.
func softmax(values map[models.Action]float64, chosen models.Action) float64 {
	var sum float64
	for _, v := range values {
		sum += math.Exp(v)
	}
	if sum == 0 {
		return 1 / float64(len(values))
	}
	return math.Exp(values[chosen]) / sum
}
