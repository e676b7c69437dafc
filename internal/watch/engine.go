package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"p2p-rate-monitor/internal/alert"
	"p2p-rate-monitor/internal/digest"
	"p2p-rate-monitor/internal/market"
	"p2p-rate-monitor/internal/poller"
	"p2p-rate-monitor/internal/store"
)

const (
	EventSpreadWide  = "SPREAD_WIDE"
	EventPriceJump   = "PRICE_JUMP"
	EventMarketDown  = "MARKET_DOWN"
	EventCycleFailed = "CYCLE_FAILED"
)

type Config struct {
	SpreadWide  ThresholdConfig
	PriceJump   ThresholdConfig
	CooldownSec CooldownConfig
}

// ThresholdConfig holds percentage levels; a zero level disables that severity.
type ThresholdConfig struct {
	MedPct  float64
	HighPct float64
}

type CooldownConfig struct {
	SpreadWide  int
	PriceJump   int
	MarketDown  int
	CycleFailed int
}

// EventStore is satisfied by *store.Store.
type EventStore interface {
	InsertEventReturnID(e store.EventRecord) (int64, error)
}

// Alerter is satisfied by *alert.Service.
type Alerter interface {
	Handle(ctx context.Context, req alert.AlertRequest) alert.Result
}

// Summarizer is satisfied by *digest.Agent.
type Summarizer interface {
	Summarize(ctx context.Context, in digest.Input) (string, digest.Mode, error)
}

// Engine evaluates rules over every finished poll cycle.
type Engine struct {
	cfg     Config
	store   EventStore
	alerter Alerter
	agent   Summarizer
	logger  *zap.Logger
	now     func() time.Time

	mu       sync.Mutex
	lastSell map[string]float64
	cooldown map[string]int64
}

func New(cfg Config, st EventStore, alerter Alerter, agent Summarizer, logger *zap.Logger) *Engine {
	if cfg.CooldownSec.SpreadWide <= 0 {
		cfg.CooldownSec.SpreadWide = 1800
	}
	if cfg.CooldownSec.PriceJump <= 0 {
		cfg.CooldownSec.PriceJump = 900
	}
	if cfg.CooldownSec.MarketDown <= 0 {
		cfg.CooldownSec.MarketDown = 3600
	}
	if cfg.CooldownSec.CycleFailed <= 0 {
		cfg.CooldownSec.CycleFailed = 900
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:      cfg,
		store:    st,
		alerter:  alerter,
		agent:    agent,
		logger:   logger,
		now:      time.Now,
		lastSell: make(map[string]float64),
		cooldown: make(map[string]int64),
	}
}

// OnCycle runs the market rules over the merged result. Cancelled cycles are ignored.
func (e *Engine) OnCycle(ctx context.Context, r poller.Result) {
	if r.Outcome == poller.OutcomeCancelled {
		return
	}
	for _, s := range r.Snapshots {
		if s.Valid {
			e.ruleSpreadWide(ctx, r.CycleID, s)
			e.rulePriceJump(ctx, r.CycleID, s)
		} else {
			e.ruleMarketDown(ctx, r.CycleID, s)
		}
	}
	if r.Outcome == poller.OutcomeFailed {
		e.ruleCycleFailed(ctx, r)
	}
}

func (e *Engine) ruleSpreadWide(ctx context.Context, cycleID string, s market.Snapshot) {
	if s.Prices.SpreadPercentage == nil {
		return
	}
	pct, err := strconv.ParseFloat(*s.Prices.SpreadPercentage, 64)
	if err != nil {
		return
	}
	severity, threshold := grade(math.Abs(pct), e.cfg.SpreadWide)
	if severity == "" {
		return
	}
	if !e.checkCooldown(EventSpreadWide, s.Fiat, severity, e.cfg.CooldownSec.SpreadWide) {
		return
	}
	e.emit(ctx, cycleID, EventSpreadWide, severity, s, map[string]any{
		"spread_pct": pct,
		"threshold":  threshold,
	})
}

func (e *Engine) rulePriceJump(ctx context.Context, cycleID string, s market.Snapshot) {
	sell, ok := s.Prices.Sell.Float()
	if !ok || sell <= 0 {
		return
	}
	e.mu.Lock()
	prev, seen := e.lastSell[s.Fiat]
	e.lastSell[s.Fiat] = sell
	e.mu.Unlock()
	if !seen || prev <= 0 {
		return
	}

	change := (sell - prev) / prev * 100
	severity, threshold := grade(math.Abs(change), e.cfg.PriceJump)
	if severity == "" {
		return
	}
	if !e.checkCooldown(EventPriceJump, s.Fiat, severity, e.cfg.CooldownSec.PriceJump) {
		return
	}
	e.emit(ctx, cycleID, EventPriceJump, severity, s, map[string]any{
		"prev_sell":  prev,
		"sell":       sell,
		"change_pct": math.Round(change*100) / 100,
		"threshold":  threshold,
	})
}

func (e *Engine) ruleMarketDown(ctx context.Context, cycleID string, s market.Snapshot) {
	if !e.checkCooldown(EventMarketDown, s.Fiat, "med", e.cfg.CooldownSec.MarketDown) {
		return
	}
	e.emit(ctx, cycleID, EventMarketDown, "med", s, map[string]any{"error": s.Error})
}

func (e *Engine) ruleCycleFailed(ctx context.Context, r poller.Result) {
	if !e.checkCooldown(EventCycleFailed, "*", "high", e.cfg.CooldownSec.CycleFailed) {
		return
	}
	title := fmt.Sprintf("CYCLE_FAILED no valid market after %d attempts", r.Attempts)
	evidence := map[string]any{"attempts": r.Attempts, "markets": len(r.Snapshots)}
	id := e.record(store.EventRecord{
		Type:     EventCycleFailed,
		Severity: "high",
		Fiat:     "*",
		CycleID:  r.CycleID,
		Title:    title,
		DedupKey: EventCycleFailed,
	}, evidence)

	in := digest.Input{CycleID: r.CycleID, Outcome: string(r.Outcome), Attempts: r.Attempts, Snapshots: r.Snapshots}
	markdown := digest.Table(in)
	if e.agent != nil {
		text, mode, err := e.agent.Summarize(ctx, in)
		if err != nil {
			e.logger.Warn("cycle summary fell back", zap.String("cycle_id", r.CycleID), zap.Error(err))
		}
		markdown = text
		e.logger.Debug("cycle summary", zap.String("mode", string(mode)), zap.Int64("event_id", id))
	}
	e.alert(ctx, alert.AlertRequest{
		Priority: alert.PriorityHigh,
		Group:    "cycle",
		Title:    title,
		Markdown: markdown,
		DedupKey: EventCycleFailed,
	})
}

func (e *Engine) emit(ctx context.Context, cycleID, eventType, severity string, s market.Snapshot, evidence map[string]any) {
	title := buildEventTitle(eventType, s, evidence)
	dedupKey := fmt.Sprintf("%s:%s:%s", eventType, s.Fiat, severity)
	e.record(store.EventRecord{
		Type:     eventType,
		Severity: severity,
		Fiat:     s.Fiat,
		CycleID:  cycleID,
		Title:    title,
		DedupKey: dedupKey,
	}, evidence)

	e.alert(ctx, alert.AlertRequest{
		Priority: priorityOf(severity),
		Group:    "rates",
		Title:    title,
		Markdown: buildMarkdown(eventType, s, evidence),
		DedupKey: dedupKey,
	})
}

func (e *Engine) record(evt store.EventRecord, evidence map[string]any) int64 {
	evidenceJSON, _ := json.Marshal(evidence)
	evt.EvidenceJSON = string(evidenceJSON)
	evt.TS = e.now().Unix()
	e.logger.Info("watch event",
		zap.String("type", evt.Type),
		zap.String("severity", evt.Severity),
		zap.String("fiat", evt.Fiat),
		zap.String("cycle_id", evt.CycleID),
	)
	if e.store == nil {
		return 0
	}
	id, err := e.store.InsertEventReturnID(evt)
	if err != nil {
		e.logger.Error("insert event", zap.String("type", evt.Type), zap.Error(err))
	}
	return id
}

func (e *Engine) alert(ctx context.Context, req alert.AlertRequest) {
	if e.alerter == nil {
		return
	}
	if res := e.alerter.Handle(ctx, req); res.Error != nil {
		e.logger.Warn("alert delivery failed", zap.String("title", req.Title), zap.Error(res.Error))
	}
}

// grade returns the highest severity whose non-zero threshold v reaches.
func grade(v float64, t ThresholdConfig) (string, float64) {
	switch {
	case t.HighPct > 0 && v >= t.HighPct:
		return "high", t.HighPct
	case t.MedPct > 0 && v >= t.MedPct:
		return "med", t.MedPct
	default:
		return "", 0
	}
}

func priorityOf(severity string) alert.Priority {
	switch severity {
	case "high":
		return alert.PriorityHigh
	case "med":
		return alert.PriorityMed
	default:
		return alert.PriorityLow
	}
}

func buildEventTitle(eventType string, s market.Snapshot, evidence map[string]any) string {
	switch eventType {
	case EventSpreadWide:
		return fmt.Sprintf("%s SPREAD_WIDE %v%%", s.Fiat, evidence["spread_pct"])
	case EventPriceJump:
		return fmt.Sprintf("%s PRICE_JUMP %v%%", s.Fiat, evidence["change_pct"])
	}
	return fmt.Sprintf("%s %s", s.Fiat, eventType)
}

func buildMarkdown(eventType string, s market.Snapshot, evidence map[string]any) string {
	lines := []string{
		fmt.Sprintf("**%s** %s", eventType, s.Country),
		fmt.Sprintf("- fiat: %s", s.Fiat),
		fmt.Sprintf("- buy: %s", s.Prices.Buy),
		fmt.Sprintf("- sell: %s", s.Prices.Sell),
	}
	if s.PaymentMethod != "" {
		lines = append(lines, fmt.Sprintf("- payment: %s", s.PaymentMethod))
	}
	keys := make([]string, 0, len(evidence))
	for k := range evidence {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("- %s: %v", k, evidence[k]))
	}
	return strings.Join(lines, "\n")
}

func (e *Engine) checkCooldown(ruleType, fiat, severity string, cooldownSec int) bool {
	if cooldownSec <= 0 {
		return true
	}
	key := fmt.Sprintf("%s:%s:%s", ruleType, fiat, severity)
	now := e.now().Unix()
	e.mu.Lock()
	defer e.mu.Unlock()
	if last, ok := e.cooldown[key]; ok && now-last < int64(cooldownSec) {
		return false
	}
	e.cooldown[key] = now
	return true
}
