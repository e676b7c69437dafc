package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "rates.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestKV(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	_, ok, err := st.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, st.Put(ctx, "a", []byte("1")))
	require.NoError(t, st.Put(ctx, "a", []byte("2")))
	require.NoError(t, st.Put(ctx, "b", []byte("3")))

	v, ok, err := st.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("2"), v)

	require.NoError(t, st.Delete(ctx, "a", "b", "never-set"))
	_, ok, _ = st.Get(ctx, "a")
	assert.False(t, ok)
	_, ok, _ = st.Get(ctx, "b")
	assert.False(t, ok)
}

func TestKV_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rates.db")
	ctx := context.Background()

	st, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, st.Put(ctx, "p2p_rates_data", []byte(`[]`)))
	require.NoError(t, st.Close())

	st, err = Open(path)
	require.NoError(t, err)
	defer st.Close()
	v, ok, err := st.Get(ctx, "p2p_rates_data")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `[]`, string(v))
}

func TestSnapshotHistory(t *testing.T) {
	st := openTestStore(t)
	buy, sell, spread := 36.5, 37.2, 0.7
	require.NoError(t, st.InsertSnapshots([]SnapshotRecord{
		{TS: 100, CycleID: "c1", Fiat: "VES", Buy: &buy, Sell: &sell, Spread: &spread, SpreadPct: "1.92", Raw: "{}"},
		{TS: 101, CycleID: "c1", Fiat: "BRL", Sell: &sell, Raw: "{}"},
		{TS: 200, CycleID: "c2", Fiat: "VES", Buy: &buy, Sell: &sell, Spread: &spread, SpreadPct: "1.92", Raw: "{}"},
	}))

	ves, err := st.QuerySnapshots("ves", 10, 0)
	require.NoError(t, err)
	require.Len(t, ves, 2)
	assert.Equal(t, "c2", ves[0].CycleID)
	require.NotNil(t, ves[0].Spread)
	assert.Equal(t, 0.7, *ves[0].Spread)

	all, err := st.QuerySnapshots("", 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	brl, err := st.QuerySnapshots("BRL", 10, 0)
	require.NoError(t, err)
	require.Len(t, brl, 1)
	assert.Nil(t, brl[0].Buy)
	assert.NotEmpty(t, brl[0].CreatedAt)
}

func TestEventsAndAlertsByDate(t *testing.T) {
	st := openTestStore(t)
	day := time.Date(2026, 3, 1, 15, 0, 0, 0, time.UTC)

	id, err := st.InsertEventReturnID(EventRecord{TS: day.Unix(), Type: "SPREAD_WIDE", Severity: "med", Fiat: "VES", Title: "VES spread"})
	require.NoError(t, err)
	assert.Positive(t, id)
	_, err = st.InsertEventReturnID(EventRecord{TS: day.Add(24 * time.Hour).Unix(), Type: "MARKET_DOWN", Fiat: "CLP"})
	require.NoError(t, err)

	events, err := st.QueryEventsByDate("2026-03-01", "", 10, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "VES", events[0].Fiat)

	events, err = st.QueryEventsByDate("2026-03-02", "SPREAD_WIDE", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, events)

	_, err = st.QueryEventsByDate("yesterday", "", 10, 0)
	assert.Error(t, err)

	require.NoError(t, st.InsertAlert(AlertRecord{TS: day.Unix(), Priority: "high", Title: "t", Status: "sent", Channel: "dingtalk"}))
	alerts, err := st.QueryAlertsByDate("2026-03-01", "sent", 10, 0)
	require.NoError(t, err)
	assert.Len(t, alerts, 1)
}

func TestNilStore(t *testing.T) {
	var st *Store
	assert.NoError(t, st.Close())
	assert.NoError(t, st.InsertAlert(AlertRecord{}))
	_, _, err := st.Get(context.Background(), "k")
	assert.Error(t, err)
}

func TestRedisKV(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	kv, err := OpenRedis(ctx, RedisConfig{Addr: addr, KeyPrefix: "p2p-test:"})
	if err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	defer kv.Close()

	require.NoError(t, kv.Put(ctx, "k", []byte("v")))
	v, ok, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), v)

	require.NoError(t, kv.Delete(ctx, "k"))
	_, ok, err = kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSelectQueryPage(t *testing.T) {
	q := selectQuery{cols: "ts", table: "events", order: "ts DESC"}
	query, args := q.page(0, -5)
	assert.Equal(t, "SELECT ts FROM events ORDER BY ts DESC LIMIT ? OFFSET ?", query)
	assert.Equal(t, []any{200, 0}, args)

	q.where("ts >= ?", int64(10))
	q.where("type = ?", "MARKET_DOWN")
	query, args = q.page(5000, 3)
	assert.Equal(t, "SELECT ts FROM events WHERE ts >= ? AND type = ? ORDER BY ts DESC LIMIT ? OFFSET ?", query)
	assert.Equal(t, []any{int64(10), "MARKET_DOWN", 1000, 3}, args)
}
