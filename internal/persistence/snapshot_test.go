package persistence

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-bot-engine/internal/models"
)

func TestSnapshotRoundTrip(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	payload := []byte(`{"cash":"100000"}`)
	require.NoError(t, store.Put("bot/b1/ledger", payload))

	got, err := store.Get("bot/b1/ledger")
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestSnapshotMissingKey(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Get("bot/nope/ledger")
	assert.Equal(t, models.KindNotFound, models.ErrKind(err))
}

func TestSnapshotFallsBackOnCorruptCurrent(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.Put("safety/global", []byte("gen-1")))
	require.NoError(t, store.Put("safety/global", []byte("gen-2")))

	// Flip a payload byte in the current generation.
	cur := filepath.Join(dir, "safety__global.cur")
	raw, err := os.ReadFile(cur)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	require.NoError(t, os.WriteFile(cur, raw, 0o644))

	got, err := store.Get("safety/global")
	require.NoError(t, err)
	assert.Equal(t, []byte("gen-1"), got)
}

func TestSnapshotBothGenerationsBadIsFatal(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.Put("k", []byte("gen-1")))
	require.NoError(t, store.Put("k", []byte("gen-2")))

	for _, name := range []string{"k.cur", "k.prev"} {
		p := filepath.Join(dir, name)
		raw, err := os.ReadFile(p)
		require.NoError(t, err)
		raw[len(raw)-1] ^= 0xff
		require.NoError(t, os.WriteFile(p, raw, 0o644))
	}

	_, err = store.Get("k")
	assert.Equal(t, models.KindFatal, models.ErrKind(err))
}

func TestSnapshotRejectsWrongMagic(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "k.cur"), []byte("XXXXjunk-payload"), 0o644))
	_, err = store.Get("k")
	require.Error(t, err)
	assert.Equal(t, models.KindFatal, models.ErrKind(err))
}

func TestSnapshotDelete(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Put("k", []byte("x")))
	require.NoError(t, store.Delete("k"))
	_, err = store.Get("k")
	assert.Equal(t, models.KindNotFound, models.ErrKind(err))
}

func TestJournalTradeOrder(t *testing.T) {
	j, err := OpenJournal(t.TempDir())
	require.NoError(t, err)
	defer j.Close()

	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		trade := models.Trade{
			ID:    string(rune('a' + i)),
			BotID: "b1",
			Pair:  "BTC/USDT",
			Side:  models.Buy,
			Qty:   decimal.NewFromFloat(0.1),
			Price: decimal.NewFromInt(int64(50000 + i)),
			Ts:    base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, j.AppendTrade("b1", trade))
	}

	trades, err := j.ListTrades("b1")
	require.NoError(t, err)
	require.Len(t, trades, 3)
	assert.Equal(t, "a", trades[0].ID)
	assert.Equal(t, "c", trades[2].ID)

	other, err := j.ListTrades("b2")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestJournalDecisions(t *testing.T) {
	j, err := OpenJournal(t.TempDir())
	require.NoError(t, err)
	defer j.Close()

	rec := models.DecisionRecord{
		TradeID:     "t1",
		BotID:       "b1",
		Outcome:     models.DecisionAcceptAdjusted,
		Reason:      models.ReasonAdjustedPositionSize,
		OriginalQty: decimal.NewFromFloat(0.3),
		FinalQty:    decimal.NewFromFloat(0.2),
		Ts:          time.Now().UTC(),
	}
	require.NoError(t, j.AppendDecision("b1", rec))

	records, err := j.ListDecisions("b1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, models.DecisionAcceptAdjusted, records[0].Outcome)
	assert.True(t, decimal.NewFromFloat(0.2).Equal(records[0].FinalQty))
}
