package marketdata

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-bot-engine/internal/models"
)

func candleAt(pair string, ts time.Time, close float64) models.Candle {
	return models.Candle{
		Pair:      pair,
		Timeframe: "1m",
		Ts:        ts,
		Open:      close,
		High:      close,
		Low:       close,
		Close:     close,
		Volume:    1,
	}
}

func TestRingKeepsLastNInOrder(t *testing.T) {
	c := NewCache(200, time.Minute)
	base := time.Now().Truncate(time.Minute)

	for i := 0; i < 250; i++ {
		c.AppendCandle(candleAt("BTC/USD", base.Add(time.Duration(i)*time.Minute), float64(i)))
	}

	snap, err := c.Snapshot("BTC/USD", "1m", 200)
	require.NoError(t, err)
	require.Len(t, snap, 200)

	assert.Equal(t, float64(50), snap[0].Close)
	assert.Equal(t, float64(249), snap[len(snap)-1].Close)
	for i := 1; i < len(snap); i++ {
		assert.True(t, snap[i].Ts.After(snap[i-1].Ts), "candles out of order at %d", i)
	}
}

func TestDuplicateTsCoalesces(t *testing.T) {
	c := NewCache(200, time.Minute)
	ts := time.Now()

	c.AppendCandle(candleAt("ETH/USD", ts, 100))
	c.AppendCandle(candleAt("ETH/USD", ts, 101)) // same ts, updated close

	snap, err := c.Snapshot("ETH/USD", "1m", 10)
	require.NoError(t, err)
	require.Len(t, snap, 1)
	assert.Equal(t, 101.0, snap[0].Close)
}

func TestOutOfOrderCandleDropped(t *testing.T) {
	c := NewCache(200, time.Minute)
	now := time.Now()

	c.AppendCandle(candleAt("ETH/USD", now, 100))
	c.AppendCandle(candleAt("ETH/USD", now.Add(-time.Minute), 99))

	snap, err := c.Snapshot("ETH/USD", "1m", 10)
	require.NoError(t, err)
	require.Len(t, snap, 1)
	assert.Equal(t, 100.0, snap[0].Close)
}

func TestUnknownSeriesIsNoData(t *testing.T) {
	c := NewCache(200, time.Minute)
	_, err := c.Snapshot("DOGE/USD", "1m", 10)
	assert.ErrorIs(t, err, ErrNoData)
}

func TestStaleQuoteHidden(t *testing.T) {
	c := NewCache(200, time.Second)

	c.SetQuote(models.Quote{Pair: "BTC/USD", Bid: 99, Ask: 101, Ts: time.Now().Add(-5 * time.Second)})
	_, err := c.Quote("BTC/USD")
	assert.ErrorIs(t, err, ErrNoData)

	c.SetQuote(models.Quote{Pair: "BTC/USD", Bid: 99, Ask: 101, Ts: time.Now()})
	q, err := c.Quote("BTC/USD")
	require.NoError(t, err)
	assert.Equal(t, 100.0, q.Mid())

	mark, err := c.Mark("BTC/USD")
	require.NoError(t, err)
	assert.Equal(t, 100.0, mark)
}

func TestBusFanOutAndFilter(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	all, cancelAll := bus.Subscribe()
	defer cancelAll()
	ticksOnly, cancelTicks := bus.Subscribe(EventTick)
	defer cancelTicks()

	bus.Publish(Event{Type: EventTick, Pair: "BTC/USD"})
	bus.Publish(Event{Type: EventIngestError, Pair: "BTC/USD"})

	ev := <-all
	assert.Equal(t, EventTick, ev.Type)
	ev = <-all
	assert.Equal(t, EventIngestError, ev.Type)

	ev = <-ticksOnly
	assert.Equal(t, EventTick, ev.Type)
	select {
	case ev = <-ticksOnly:
		t.Fatalf("unexpected event on filtered subscription: %v", ev.Type)
	default:
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	_, cancel := bus.Subscribe(EventTick)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBuffer*2; i++ {
			bus.Publish(Event{Type: EventTick, Pair: "BTC/USD"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}
