package ledger

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-bot-engine/internal/models"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func buyTrade(pair, qty, price, fee string) models.Trade {
	return models.Trade{
		ID: "t-buy", Pair: pair, Side: models.Buy,
		Qty: dec(qty), Price: dec(price), Fee: dec(fee),
		Mode: models.ModePaper, Ts: time.Now(),
	}
}

func sellTrade(pair, qty, price, fee string) models.Trade {
	return models.Trade{
		ID: "t-sell", Pair: pair, Side: models.Sell,
		Qty: dec(qty), Price: dec(price), Fee: dec(fee),
		Mode: models.ModePaper, Ts: time.Now(),
	}
}

func TestBuyDebitsCashAndOpensPosition(t *testing.T) {
	l := New(models.ModePaper, dec("100000"))

	_, closed, err := l.Apply(buyTrade("BTC/USD", "0.05", "50000", "6.5"))
	require.NoError(t, err)
	assert.False(t, closed)

	assert.Equal(t, "97493.5", l.Cash().String())
	pos, ok := l.Position("BTC/USD")
	require.True(t, ok)
	assert.Equal(t, "0.05", pos.Qty.String())
	assert.Equal(t, "50000", pos.AvgEntry.String())
}

func TestAverageEntryAcrossAdds(t *testing.T) {
	l := New(models.ModePaper, dec("100000"))

	_, _, err := l.Apply(buyTrade("BTC/USD", "1", "100", "0"))
	require.NoError(t, err)
	_, _, err = l.Apply(buyTrade("BTC/USD", "1", "200", "0"))
	require.NoError(t, err)

	pos, _ := l.Position("BTC/USD")
	assert.Equal(t, "150", pos.AvgEntry.String())
}

func TestSellRealizesAndCloses(t *testing.T) {
	l := New(models.ModePaper, dec("100000"))

	_, _, err := l.Apply(buyTrade("BTC/USD", "0.02", "50000", "0"))
	require.NoError(t, err)

	realized, closed, err := l.Apply(sellTrade("BTC/USD", "0.02", "51000", "0"))
	require.NoError(t, err)
	assert.True(t, closed)
	assert.Equal(t, "20", realized.String()) // (51000-50000)*0.02

	_, ok := l.Position("BTC/USD")
	assert.False(t, ok)
	assert.Equal(t, "100020", l.Cash().String())
}

func TestInsufficientCashRejectedWithoutMutation(t *testing.T) {
	l := New(models.ModePaper, dec("100"))

	_, _, err := l.Apply(buyTrade("BTC/USD", "1", "50000", "0"))
	require.Error(t, err)
	assert.Equal(t, models.KindRejected, models.ErrKind(err))
	assert.Equal(t, "100", l.Cash().String())
	_, ok := l.Position("BTC/USD")
	assert.False(t, ok)
}

func TestOversellRejected(t *testing.T) {
	l := New(models.ModePaper, dec("100000"))

	_, _, err := l.Apply(buyTrade("BTC/USD", "0.01", "50000", "0"))
	require.NoError(t, err)

	_, _, err = l.Apply(sellTrade("BTC/USD", "0.02", "50000", "0"))
	require.Error(t, err)
	assert.Equal(t, models.KindRejected, models.ErrKind(err))

	pos, ok := l.Position("BTC/USD")
	require.True(t, ok)
	assert.Equal(t, "0.01", pos.Qty.String())
}

// Paper-mode non-negativity: equity stays >= 0 across any apply sequence
// because buys that would overdraw cash are rejected.
func TestPaperEquityNonNegative(t *testing.T) {
	l := New(models.ModePaper, dec("1000"))

	trades := []models.Trade{
		buyTrade("BTC/USD", "0.01", "50000", "1.3"),
		buyTrade("BTC/USD", "0.01", "50000", "1.3"),
		buyTrade("BTC/USD", "0.01", "50000", "1.3"), // rejected, cash exhausted
		sellTrade("BTC/USD", "0.005", "48000", "0.6"),
	}
	for _, tr := range trades {
		l.Apply(tr)
		assert.True(t, l.Equity().GreaterThanOrEqual(decimal.Zero), "equity went negative")
	}
}

func TestEquityUsesMarks(t *testing.T) {
	l := New(models.ModePaper, dec("100000"))

	_, _, err := l.Apply(buyTrade("BTC/USD", "1", "100", "0"))
	require.NoError(t, err)

	l.Mark("BTC/USD", dec("150"))
	assert.Equal(t, "100050", l.Equity().String()) // 99900 cash + 150 position

	pos, _ := l.Position("BTC/USD")
	assert.Equal(t, "50", pos.UnrealizedPnl.String())
}

func TestDailyReturn(t *testing.T) {
	l := New(models.ModePaper, dec("100000"))
	l.SetDayAnchor(time.Now())

	_, _, err := l.Apply(buyTrade("BTC/USD", "1", "1000", "0"))
	require.NoError(t, err)
	_, _, err = l.Apply(sellTrade("BTC/USD", "1", "900", "0"))
	require.NoError(t, err)

	assert.InDelta(t, -0.001, l.DailyReturn(), 1e-9)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	l := New(models.ModePaper, dec("100000"))
	_, _, err := l.Apply(buyTrade("BTC/USD", "0.5", "40000", "10"))
	require.NoError(t, err)

	snap := l.Snapshot()

	restored := New(models.ModePaper, decimal.Zero)
	restored.Restore(snap)

	assert.True(t, l.Cash().Equal(restored.Cash()))
	origPos, _ := l.Position("BTC/USD")
	restPos, ok := restored.Position("BTC/USD")
	require.True(t, ok)
	assert.True(t, origPos.Qty.Equal(restPos.Qty))
	assert.True(t, origPos.AvgEntry.Equal(restPos.AvgEntry))
}
