package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"p2p-rate-monitor/internal/market"
)

// Durable keys. The snapshot sequence and its timestamp are stored apart so
// a reader can show the age of the data without decoding it.
const (
	KeySnapshots = "p2p_rates_data"
	KeyUpdatedAt = "p2p_rates_last_update"
)

// KV is the durable store behind the cache.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, keys ...string) error
}

// Cache keeps the last valid snapshot of every market. An entry is only ever
// replaced by a valid snapshot.
type Cache struct {
	// writeMu serializes Merge and Clear across their store writes, so a
	// Clear never lands between a merge and its persist.
	writeMu sync.Mutex

	mu        sync.RWMutex
	entries   map[string]market.Snapshot
	merged    []market.Snapshot
	updatedAt time.Time

	kv     KV
	now    func() time.Time
	logger *zap.Logger
}

func New(kv KV, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		entries: make(map[string]market.Snapshot),
		kv:      kv,
		now:     time.Now,
		logger:  logger,
	}
}

// Restore loads the persisted sequence. Missing keys are not an error.
func (c *Cache) Restore(ctx context.Context) error {
	if c.kv == nil {
		return nil
	}
	raw, ok, err := c.kv.Get(ctx, KeySnapshots)
	if err != nil {
		return fmt.Errorf("restore snapshots: %w", err)
	}
	if !ok {
		return nil
	}
	var snaps []market.Snapshot
	if err := json.Unmarshal(raw, &snaps); err != nil {
		return fmt.Errorf("decode persisted snapshots: %w", err)
	}

	var updatedAt time.Time
	if ts, ok, err := c.kv.Get(ctx, KeyUpdatedAt); err != nil {
		return fmt.Errorf("restore timestamp: %w", err)
	} else if ok {
		if updatedAt, err = time.Parse(time.RFC3339Nano, string(ts)); err != nil {
			c.logger.Warn("ignoring bad persisted timestamp", zap.ByteString("value", ts), zap.Error(err))
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range snaps {
		if s.Valid {
			c.entries[s.Fiat] = s
		}
	}
	c.merged = snaps
	c.updatedAt = updatedAt
	c.logger.Info("cache restored",
		zap.Int("snapshots", len(snaps)),
		zap.Int("valid", market.CountValid(snaps)),
		zap.Time("updated_at", updatedAt),
	)
	return nil
}

// Merge applies incoming snapshots. Each valid snapshot replaces its market's
// entry and is returned as is; an invalid one is answered by the cached entry
// when there is one. The result is persisted only when at least one incoming
// snapshot was valid, and a store failure is logged rather than returned.
func (c *Cache) Merge(ctx context.Context, incoming []market.Snapshot) []market.Snapshot {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	out := make([]market.Snapshot, len(incoming))
	fresh := 0
	for i, s := range incoming {
		if s.Valid {
			c.entries[s.Fiat] = s
			out[i] = s
			fresh++
			continue
		}
		if cached, ok := c.entries[s.Fiat]; ok {
			out[i] = cached
			continue
		}
		out[i] = s
	}
	c.merged = out
	if fresh > 0 {
		c.updatedAt = c.now().UTC()
	}
	updatedAt := c.updatedAt
	c.mu.Unlock()

	if fresh > 0 {
		if err := c.persist(ctx, out, updatedAt); err != nil {
			c.logger.Error("persist merged snapshots", zap.Error(err))
		}
	}
	return cloneSnapshots(out)
}

func (c *Cache) persist(ctx context.Context, snaps []market.Snapshot, updatedAt time.Time) error {
	if c.kv == nil {
		return nil
	}
	raw, err := json.Marshal(snaps)
	if err != nil {
		return fmt.Errorf("encode snapshots: %w", err)
	}
	if err := c.kv.Put(ctx, KeySnapshots, raw); err != nil {
		return err
	}
	return c.kv.Put(ctx, KeyUpdatedAt, []byte(updatedAt.Format(time.RFC3339Nano)))
}

// Latest returns the last merged sequence and when it last took a valid snapshot.
func (c *Cache) Latest() ([]market.Snapshot, time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return cloneSnapshots(c.merged), c.updatedAt
}

// Get returns the cached valid snapshot of one market.
func (c *Cache) Get(fiat string) (market.Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.entries[fiat]
	return s, ok
}

// Clear drops memory and durable state.
func (c *Cache) Clear(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	c.entries = make(map[string]market.Snapshot)
	c.merged = nil
	c.updatedAt = time.Time{}
	c.mu.Unlock()

	if c.kv == nil {
		return nil
	}
	if err := c.kv.Delete(ctx, KeySnapshots, KeyUpdatedAt); err != nil {
		return fmt.Errorf("clear store: %w", err)
	}
	c.logger.Info("cache cleared")
	return nil
}

func cloneSnapshots(in []market.Snapshot) []market.Snapshot {
	if in == nil {
		return nil
	}
	out := make([]market.Snapshot, len(in))
	copy(out, in)
	return out
}
