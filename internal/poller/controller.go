package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"p2p-rate-monitor/internal/aggregator"
	"p2p-rate-monitor/internal/market"
	"p2p-rate-monitor/internal/metrics"
)

const (
	DefaultMaxAttempts = 30
	MaxAttemptsLimit   = 100
	DefaultDelay       = time.Second
)

var (
	ErrNoValidMarkets = errors.New("no valid market after all attempts")
	ErrPollInProgress = errors.New("poll cycle already running")
)

type Outcome string

const (
	OutcomeComplete  Outcome = "complete"
	OutcomePartial   Outcome = "partial"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Aggregator is satisfied by *aggregator.Orchestrator.
type Aggregator interface {
	Run(ctx context.Context) ([]market.Snapshot, error)
}

// Merger is satisfied by *cache.Cache.
type Merger interface {
	Merge(ctx context.Context, incoming []market.Snapshot) []market.Snapshot
}

// Update is published after every attempt with the merged sequence so far.
type Update struct {
	CycleID   string
	Attempt   int
	Snapshots []market.Snapshot
}

type PublishFunc func(ctx context.Context, u Update)

// CycleObserver is told about every finished cycle, cancelled ones included.
// Observers run on one goroutine, in cycle order, after Poll has returned.
type CycleObserver interface {
	OnCycle(ctx context.Context, r Result)
}

type Config struct {
	MaxAttempts int
	Delay       time.Duration
}

func DefaultConfig() Config {
	return Config{MaxAttempts: DefaultMaxAttempts, Delay: DefaultDelay}
}

type Result struct {
	CycleID    string            `json:"cycleId"`
	Outcome    Outcome           `json:"outcome"`
	Attempts   int               `json:"attempts"`
	Valid      int               `json:"valid"`
	Snapshots  []market.Snapshot `json:"snapshots"`
	StartedAt  time.Time         `json:"startedAt"`
	FinishedAt time.Time         `json:"finishedAt"`
}

// Controller repeats aggregation until every market is valid or the attempt
// budget runs out. Only one cycle runs at a time.
type Controller struct {
	cfg        Config
	aggregator Aggregator
	merger     Merger
	publishers []PublishFunc
	observers  []CycleObserver
	logger     *zap.Logger

	running atomic.Bool
	last    atomic.Pointer[Result]

	obsMu     sync.Mutex
	obsClosed bool
	cycles    chan cycleDone
	obsDone   chan struct{}
}

type cycleDone struct {
	ctx context.Context
	res Result
}

// observerBacklog bounds how many finished cycles may wait for slow observers
// before Poll blocks on them.
const observerBacklog = 16

type Option func(*Controller)

func WithPublisher(fn PublishFunc) Option {
	return func(c *Controller) {
		if fn != nil {
			c.publishers = append(c.publishers, fn)
		}
	}
}

func WithObserver(o CycleObserver) Option {
	return func(c *Controller) {
		if o != nil {
			c.observers = append(c.observers, o)
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func NewController(cfg Config, agg Aggregator, merger Merger, opts ...Option) *Controller {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.MaxAttempts > MaxAttemptsLimit {
		cfg.MaxAttempts = MaxAttemptsLimit
	}
	if cfg.Delay < 0 {
		cfg.Delay = 0
	}
	c := &Controller{
		cfg:        cfg,
		aggregator: agg,
		merger:     merger,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if len(c.observers) > 0 {
		c.cycles = make(chan cycleDone, observerBacklog)
		c.obsDone = make(chan struct{})
		go c.observe()
	}
	return c
}

func (c *Controller) observe() {
	defer close(c.obsDone)
	for cd := range c.cycles {
		for _, o := range c.observers {
			o.OnCycle(cd.ctx, cd.res)
		}
	}
}

func (c *Controller) notify(ctx context.Context, res Result) {
	if c.cycles == nil {
		return
	}
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	if c.obsClosed {
		c.logger.Warn("controller closed, cycle not observed", zap.String("cycle_id", res.CycleID))
		return
	}
	c.cycles <- cycleDone{ctx: context.WithoutCancel(ctx), res: res}
}

// Close waits for observers to finish every queued cycle. Cycles finished
// after Close are not observed.
func (c *Controller) Close() {
	if c.cycles == nil {
		return
	}
	c.obsMu.Lock()
	if !c.obsClosed {
		c.obsClosed = true
		close(c.cycles)
	}
	c.obsMu.Unlock()
	<-c.obsDone
}

// Running reports whether a cycle is in flight.
func (c *Controller) Running() bool { return c.running.Load() }

// Last returns the most recent finished cycle, if any.
func (c *Controller) Last() (Result, bool) {
	r := c.last.Load()
	if r == nil {
		return Result{}, false
	}
	return *r, true
}

// Poll runs one cycle. A partial result is not an error; a cycle that ends
// with no valid market returns ErrNoValidMarkets alongside the result, and a
// cancelled cycle returns the context error with whatever was published
// before the cancellation.
func (c *Controller) Poll(ctx context.Context) (Result, error) {
	if !c.running.CompareAndSwap(false, true) {
		return Result{}, ErrPollInProgress
	}
	defer c.running.Store(false)

	now := time.Now().UTC()
	res := Result{CycleID: newCycleID(now), StartedAt: now}
	log := c.logger.With(zap.String("cycle_id", res.CycleID))
	log.Info("poll cycle started", zap.Int("max_attempts", c.cfg.MaxAttempts))

	err := c.attempts(ctx, &res, log)
	res.Valid = market.CountValid(res.Snapshots)
	res.FinishedAt = time.Now().UTC()

	switch {
	case err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		res.Outcome = OutcomeCancelled
	case err != nil:
		res.Outcome = OutcomeFailed
	case market.AllValid(res.Snapshots):
		res.Outcome = OutcomeComplete
	case res.Valid > 0:
		res.Outcome = OutcomePartial
	default:
		res.Outcome = OutcomeFailed
		err = ErrNoValidMarkets
	}

	metrics.PollOutcomes.WithLabelValues(string(res.Outcome)).Inc()
	if res.Attempts > 0 {
		metrics.PollAttempts.Observe(float64(res.Attempts))
	}
	log.Info("poll cycle finished",
		zap.String("outcome", string(res.Outcome)),
		zap.Int("attempts", res.Attempts),
		zap.Int("valid", res.Valid),
		zap.Int("markets", len(res.Snapshots)),
		zap.Duration("duration", res.FinishedAt.Sub(res.StartedAt)),
	)

	final := res
	c.last.Store(&final)
	c.notify(ctx, res)
	return res, err
}

func (c *Controller) attempts(ctx context.Context, res *Result, log *zap.Logger) error {
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		snaps, err := c.aggregator.Run(ctx)
		if ctxErr := ctx.Err(); ctxErr != nil {
			log.Info("discarding attempt finished after cancellation", zap.Int("attempt", attempt))
			return ctxErr
		}
		if errors.Is(err, aggregator.ErrEmptyRegistry) {
			return fmt.Errorf("attempt %d: %w", attempt, err)
		}
		if err != nil {
			log.Warn("aggregation failed", zap.Int("attempt", attempt), zap.Error(err))
		}

		if snaps != nil {
			res.Snapshots = c.merger.Merge(ctx, snaps)
		}
		res.Attempts = attempt
		c.publish(ctx, Update{CycleID: res.CycleID, Attempt: attempt, Snapshots: res.Snapshots})

		valid := market.CountValid(res.Snapshots)
		if market.AllValid(res.Snapshots) {
			return nil
		}
		log.Debug("attempt incomplete",
			zap.Int("attempt", attempt),
			zap.Int("valid", valid),
			zap.Int("markets", len(res.Snapshots)),
		)

		if attempt == c.cfg.MaxAttempts {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !sleepCtx(ctx, c.cfg.Delay) {
			return ctx.Err()
		}
	}
	return nil
}

func (c *Controller) publish(ctx context.Context, u Update) {
	for _, s := range u.Snapshots {
		metrics.SetMarketValid(s.Fiat, s.Valid)
	}
	for _, fn := range c.publishers {
		fn(ctx, u)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
