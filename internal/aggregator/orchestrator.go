package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"p2p-rate-monitor/internal/market"
)

var ErrEmptyRegistry = errors.New("market registry is empty")

// SnapshotBuilder is satisfied by *Builder.
type SnapshotBuilder interface {
	Build(ctx context.Context, m market.Config) market.Snapshot
}

// Orchestrator builds every registered market concurrently.
type Orchestrator struct {
	registry *market.Registry
	builder  SnapshotBuilder
	logger   *zap.Logger
}

func NewOrchestrator(registry *market.Registry, builder SnapshotBuilder, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{registry: registry, builder: builder, logger: logger}
}

func (o *Orchestrator) Markets() []market.Config {
	if o.registry == nil {
		return nil
	}
	return o.registry.Markets()
}

// Run returns exactly one snapshot per market, in registry order. A market
// that fails yields an invalid snapshot; the returned error is reserved for
// an empty registry or a cancelled context.
func (o *Orchestrator) Run(ctx context.Context) ([]market.Snapshot, error) {
	markets := o.Markets()
	if len(markets) == 0 {
		return nil, ErrEmptyRegistry
	}

	out := make([]market.Snapshot, len(markets))
	var wg sync.WaitGroup
	for i, m := range markets {
		wg.Add(1)
		go func(i int, m market.Config) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					o.logger.Error("market build panicked", zap.String("fiat", m.Fiat), zap.Any("panic", r))
					s := market.NewSnapshot(m, time.Now().UTC())
					s.Error = fmt.Sprintf("build panicked: %v", r)
					out[i] = s
				}
			}()
			out[i] = o.builder.Build(ctx, m)
		}(i, m)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return out, fmt.Errorf("aggregation interrupted: %w", err)
	}
	o.logger.Info("aggregation finished",
		zap.Int("markets", len(out)),
		zap.Int("valid", market.CountValid(out)),
	)
	return out, nil
}
