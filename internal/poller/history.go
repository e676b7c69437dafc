package poller

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"p2p-rate-monitor/internal/market"
	"p2p-rate-monitor/internal/store"
)

// HistoryWriter is satisfied by *store.Store.
type HistoryWriter interface {
	InsertSnapshots(recs []store.SnapshotRecord) error
}

// HistoryPublisher appends the valid snapshots of every attempt to the
// history table. Cached entries replayed by the merge are written once, at
// the attempt that produced them.
func HistoryPublisher(w HistoryWriter, logger *zap.Logger) PublishFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	var mu sync.Mutex
	seen := make(map[string]int64)
	return func(_ context.Context, u Update) {
		mu.Lock()
		defer mu.Unlock()
		var recs []store.SnapshotRecord
		for _, s := range u.Snapshots {
			if !s.Valid {
				continue
			}
			ts := s.Timestamp.UnixNano()
			if seen[s.Fiat] == ts {
				continue
			}
			seen[s.Fiat] = ts
			recs = append(recs, SnapshotRecord(u.CycleID, s))
		}
		if err := w.InsertSnapshots(recs); err != nil {
			logger.Error("write snapshot history", zap.String("cycle_id", u.CycleID), zap.Error(err))
		}
	}
}

func SnapshotRecord(cycleID string, s market.Snapshot) store.SnapshotRecord {
	rec := store.SnapshotRecord{
		TS:      s.Timestamp.Unix(),
		CycleID: cycleID,
		Fiat:    s.Fiat,
		Spread:  s.Prices.Spread,
	}
	if v, ok := s.Prices.Buy.Float(); ok {
		rec.Buy = &v
	}
	if v, ok := s.Prices.Sell.Float(); ok {
		rec.Sell = &v
	}
	if s.Prices.SpreadPercentage != nil {
		rec.SpreadPct = *s.Prices.SpreadPercentage
	}
	if raw, err := json.Marshal(s); err == nil {
		rec.Raw = string(raw)
	}
	return rec
}
