package policy

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-bot-engine/internal/models"
)

func testQConfig() QConfig {
	return QConfig{
		Alpha:             0.1,
		Gamma:             0.95,
		EpsilonStart:      0.2,
		EpsilonEnd:        0.01,
		EpsilonDecaySteps: 1000,
	}
}

// makeCandles builds an ascending window whose closes/volumes are given.
func makeCandles(closes, volumes []float64) []models.Candle {
	base := time.Now().Truncate(time.Minute)
	out := make([]models.Candle, len(closes))
	for i := range closes {
		out[i] = models.Candle{
			Pair:      "BTC/USD",
			Timeframe: "1m",
			Ts:        base.Add(time.Duration(i) * time.Minute),
			Close:     closes[i],
			Volume:    volumes[i],
		}
	}
	return out
}

func flatSeries(n int, close, volume float64) ([]float64, []float64) {
	closes := make([]float64, n)
	volumes := make([]float64, n)
	for i := range closes {
		closes[i] = close
		volumes[i] = volume
	}
	return closes, volumes
}

func TestEncodeStateDeadBand(t *testing.T) {
	cases := []struct {
		name      string
		lastClose float64
		want      PriceMove
	}{
		{"within dead band up", 100.1, PriceFlat},
		{"within dead band down", 99.9, PriceFlat},
		{"above dead band", 100.3, PriceUp},
		{"below dead band", 99.7, PriceDown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			closes, volumes := flatSeries(MinCandles, 100, 10)
			closes[len(closes)-1] = tc.lastClose
			state, err := EncodeState(makeCandles(closes, volumes), false)
			require.NoError(t, err)
			assert.Equal(t, tc.want, state.PriceMove)
		})
	}
}

func TestEncodeStateRSIBuckets(t *testing.T) {
	// Monotonically rising closes drive RSI to 100; falling to 0.
	up := make([]float64, MinCandles)
	down := make([]float64, MinCandles)
	for i := range up {
		up[i] = 100 + float64(i)
		down[i] = 200 - float64(i)
	}
	_, volumes := flatSeries(MinCandles, 0, 10)

	state, err := EncodeState(makeCandles(up, volumes), false)
	require.NoError(t, err)
	assert.Equal(t, RSIOverbought, state.RSI)

	state, err = EncodeState(makeCandles(down, volumes), false)
	require.NoError(t, err)
	assert.Equal(t, RSIOversold, state.RSI)
}

func TestEncodeStateVolume(t *testing.T) {
	closes, volumes := flatSeries(MinCandles, 100, 10)
	volumes[len(volumes)-1] = 100
	state, err := EncodeState(makeCandles(closes, volumes), false)
	require.NoError(t, err)
	assert.Equal(t, VolumeAbove, state.VolumeMove)

	closes, volumes = flatSeries(MinCandles, 100, 10)
	volumes[len(volumes)-1] = 1
	state, err = EncodeState(makeCandles(closes, volumes), false)
	require.NoError(t, err)
	assert.Equal(t, VolumeBelow, state.VolumeMove)
}

func TestEncodeStateNeedsHistory(t *testing.T) {
	closes, volumes := flatSeries(MinCandles-1, 100, 10)
	_, err := EncodeState(makeCandles(closes, volumes), false)
	require.Error(t, err)
	assert.Equal(t, models.KindInvalid, models.ErrKind(err))
}

func TestSellMaskedWhenFlat(t *testing.T) {
	assert.Equal(t, models.ActionHold, MaskAction(models.ActionSell, false))
	assert.Equal(t, models.ActionSell, MaskAction(models.ActionSell, true))
	assert.Equal(t, models.ActionBuy, MaskAction(models.ActionBuy, false))
}

func TestDecideNeverSellsFlat(t *testing.T) {
	p := NewQPolicy("bot-1", testQConfig(), 7)
	state := MarketState{PriceMove: PriceUp, RSI: RSINeutral, VolumeMove: VolumeAbove, Holding: false}

	// Bias the table so SELL would be greedy.
	p.Learn(Experience{StateBefore: state.Key(), Action: models.ActionSell, Reward: 5, StateAfter: state.Key()})

	for i := 0; i < 200; i++ {
		d := p.Decide(state)
		assert.NotEqual(t, models.ActionSell, d.Action)
	}
}

func TestQUpdateRule(t *testing.T) {
	p := NewQPolicy("bot-1", testQConfig(), 1)
	sBefore := "up|neutral|above|flat"
	sAfter := "up|neutral|above|long"

	// Seed the next state's best action.
	p.Learn(Experience{StateBefore: sAfter, Action: models.ActionHold, Reward: 1, StateAfter: sAfter})
	maxNext := p.Q(sAfter, models.ActionHold)

	reward := RoundTripReward(0.02) // +2% round trip -> 0.2
	assert.InDelta(t, 0.2, reward, 1e-12)

	before := p.Q(sBefore, models.ActionBuy)
	p.Learn(Experience{StateBefore: sBefore, Action: models.ActionBuy, Reward: reward, StateAfter: sAfter, Terminal: true})
	after := p.Q(sBefore, models.ActionBuy)

	expected := before + 0.1*(reward+0.95*maxNext-before)
	assert.InDelta(t, expected, after, 1e-12)
}

// Learning the same experience twice moves Q by at most the single-step
// magnitude each time; there is no double counting beyond the formula.
func TestLearnIdempotenceBound(t *testing.T) {
	p := NewQPolicy("bot-1", testQConfig(), 1)
	exp := Experience{
		StateBefore: "flat|neutral|below|flat",
		Action:      models.ActionBuy,
		Reward:      0.2,
		StateAfter:  "flat|neutral|below|long",
	}

	p.Learn(exp)
	q1 := p.Q(exp.StateBefore, exp.Action)
	p.Learn(exp)
	q2 := p.Q(exp.StateBefore, exp.Action)

	step := math.Abs(0.1 * (0.2 + 0.95*0 - q1))
	assert.LessOrEqual(t, math.Abs(q2-q1), step+1e-12)
}

func TestRewardClamp(t *testing.T) {
	assert.Equal(t, 5.0, RoundTripReward(2.0))
	assert.Equal(t, -5.0, RoundTripReward(-2.0))
	assert.InDelta(t, 0.2, RoundTripReward(0.02), 1e-12)
	assert.Equal(t, -0.001, HoldReward())
}

func TestEpsilonDecay(t *testing.T) {
	cfg := testQConfig()
	cfg.EpsilonDecaySteps = 10
	p := NewQPolicy("bot-1", cfg, 1)

	assert.InDelta(t, 0.2, p.Epsilon(), 1e-12)

	exp := Experience{StateBefore: "a", Action: models.ActionBuy, Reward: 0, StateAfter: "b", Terminal: true}
	for i := 0; i < 5; i++ {
		p.Learn(exp)
	}
	assert.InDelta(t, 0.2+(0.01-0.2)*0.5, p.Epsilon(), 1e-12)

	for i := 0; i < 10; i++ {
		p.Learn(exp)
	}
	assert.InDelta(t, 0.01, p.Epsilon(), 1e-12)
}

func TestStateRestoreRoundTrip(t *testing.T) {
	p := NewQPolicy("bot-1", testQConfig(), 1)
	p.Learn(Experience{StateBefore: "a", Action: models.ActionBuy, Reward: 1, StateAfter: "b", Terminal: true})

	snap := p.State()

	restored := NewQPolicy("bot-1", testQConfig(), 2)
	restored.Restore(snap)

	assert.Equal(t, snap.Episodes, restored.State().Episodes)
	assert.InDelta(t, p.Q("a", models.ActionBuy), restored.Q("a", models.ActionBuy), 1e-12)
}
