package watch

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"p2p-rate-monitor/internal/alert"
	"p2p-rate-monitor/internal/digest"
	"p2p-rate-monitor/internal/market"
	"p2p-rate-monitor/internal/poller"
	"p2p-rate-monitor/internal/store"
)

type memEvents struct {
	mu     sync.Mutex
	events []store.EventRecord
}

func (m *memEvents) InsertEventReturnID(e store.EventRecord) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return int64(len(m.events)), nil
}

func (m *memEvents) types() []string {
	var out []string
	for _, e := range m.events {
		out = append(out, e.Type+"/"+e.Fiat+"/"+e.Severity)
	}
	return out
}

type memAlerter struct {
	reqs []alert.AlertRequest
}

func (m *memAlerter) Handle(_ context.Context, req alert.AlertRequest) alert.Result {
	m.reqs = append(m.reqs, req)
	return alert.Result{Status: alert.StatusSent}
}

func priced(fiat string, buy, sell float64) market.Snapshot {
	s := market.NewSnapshot(market.Config{Fiat: fiat, Country: fiat}, time.Now())
	s.Prices.Buy = market.PriceOf(buy)
	s.Prices.Sell = market.PriceOf(sell)
	pct := formatPct((sell - buy) / buy * 100)
	s.Prices.SpreadPercentage = &pct
	s.Valid = true
	return s
}

func formatPct(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func newTestEngine() (*Engine, *memEvents, *memAlerter) {
	ev := &memEvents{}
	al := &memAlerter{}
	e := New(Config{
		SpreadWide: ThresholdConfig{MedPct: 3, HighPct: 6},
		PriceJump:  ThresholdConfig{MedPct: 2, HighPct: 5},
	}, ev, al, digest.New(digest.Config{}, nil), nil)
	return e, ev, al
}

func TestOnCycle_SpreadWide(t *testing.T) {
	e, ev, al := newTestEngine()
	e.OnCycle(context.Background(), poller.Result{
		CycleID: "c1",
		Outcome: poller.OutcomeComplete,
		Snapshots: []market.Snapshot{
			priced("VES", 36.5, 37.2), // 1.92%
			priced("ARS", 1000, 1040), // 4%
			priced("COP", 4000, 4300), // 7.5%
		},
	})
	assert.Equal(t, []string{"SPREAD_WIDE/ARS/med", "SPREAD_WIDE/COP/high"}, ev.types())
	require.Len(t, al.reqs, 2)
	assert.Equal(t, alert.PriorityHigh, al.reqs[1].Priority)
	assert.Equal(t, "c1", ev.events[0].CycleID)
	assert.Contains(t, ev.events[0].EvidenceJSON, `"threshold":3`)
}

func TestOnCycle_PriceJumpAgainstPreviousCycle(t *testing.T) {
	e, ev, _ := newTestEngine()
	ctx := context.Background()
	e.OnCycle(ctx, poller.Result{Outcome: poller.OutcomeComplete, Snapshots: []market.Snapshot{priced("PEN", 3.70, 3.75)}})
	assert.Empty(t, ev.events)

	// 3.75 -> 3.76 stays under the 2% level
	e.OnCycle(ctx, poller.Result{Outcome: poller.OutcomeComplete, Snapshots: []market.Snapshot{priced("PEN", 3.70, 3.76)}})
	assert.Empty(t, ev.events)

	// 3.76 -> 3.86 is a 2.66% move
	e.OnCycle(ctx, poller.Result{Outcome: poller.OutcomeComplete, Snapshots: []market.Snapshot{priced("PEN", 3.80, 3.86)}})
	require.Equal(t, []string{"PRICE_JUMP/PEN/med"}, ev.types())
	assert.Contains(t, ev.events[0].Title, "PEN PRICE_JUMP 2.66%")
}

func TestOnCycle_MarketDownAndCooldown(t *testing.T) {
	e, ev, al := newTestEngine()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }

	down := market.NewSnapshot(market.Config{Fiat: "CLP"}, now)
	down.Error = "no buy or sell listings"
	r := poller.Result{Outcome: poller.OutcomePartial, Snapshots: []market.Snapshot{down, priced("VES", 36.5, 37.2)}}

	e.OnCycle(context.Background(), r)
	e.OnCycle(context.Background(), r)
	assert.Equal(t, []string{"MARKET_DOWN/CLP/med"}, ev.types())
	assert.Len(t, al.reqs, 1)

	now = now.Add(2 * time.Hour)
	e.OnCycle(context.Background(), r)
	assert.Len(t, ev.events, 2)
}

func TestOnCycle_CycleFailedCarriesSummary(t *testing.T) {
	e, ev, al := newTestEngine()
	down := market.NewSnapshot(market.Config{Fiat: "DOP", Country: "Rep. Dominicana"}, time.Now())
	e.OnCycle(context.Background(), poller.Result{
		CycleID:   "c9",
		Outcome:   poller.OutcomeFailed,
		Attempts:  30,
		Snapshots: []market.Snapshot{down},
	})

	assert.Equal(t, []string{"MARKET_DOWN/DOP/med", "CYCLE_FAILED/*/high"}, ev.types())
	require.Len(t, al.reqs, 2)
	last := al.reqs[1]
	assert.Equal(t, alert.PriorityHigh, last.Priority)
	assert.Contains(t, last.Title, "30 attempts")
	assert.Contains(t, last.Markdown, "| market | buy | sell | spread |")
}

func TestOnCycle_IgnoresCancelled(t *testing.T) {
	e, ev, _ := newTestEngine()
	down := market.NewSnapshot(market.Config{Fiat: "CLP"}, time.Now())
	e.OnCycle(context.Background(), poller.Result{Outcome: poller.OutcomeCancelled, Snapshots: []market.Snapshot{down}})
	assert.Empty(t, ev.events)
}

func TestGrade(t *testing.T) {
	cfg := ThresholdConfig{MedPct: 2, HighPct: 5}
	sev, thr := grade(5, cfg)
	assert.Equal(t, "high", sev)
	assert.Equal(t, 5.0, thr)
	sev, _ = grade(2.5, cfg)
	assert.Equal(t, "med", sev)
	sev, _ = grade(1.9, cfg)
	assert.Empty(t, sev)
	sev, _ = grade(100, ThresholdConfig{})
	assert.Empty(t, sev)
}
