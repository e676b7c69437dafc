package alert

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"p2p-rate-monitor/internal/push/dingtalk"
	"p2p-rate-monitor/internal/store"
)

type Priority string

const (
	PriorityHigh Priority = "high"
	PriorityMed  Priority = "med"
	PriorityLow  Priority = "low"
)

// highWait is how long a high priority alert may wait for the limiter
// before it is folded into the digest.
const highWait = 2 * time.Second

var ErrNoSender = errors.New("push client not configured")

type AlertRequest struct {
	Priority Priority `json:"priority"`
	Group    string   `json:"group"`
	Title    string   `json:"title"`
	Markdown string   `json:"markdown"`
	DedupKey string   `json:"dedup_key"`
	Silent   bool     `json:"silent"`
}

type Status string

const (
	StatusSent         Status = "sent"
	StatusFailed       Status = "failed"
	StatusSuppressed   Status = "suppressed"
	StatusQueuedDigest Status = "queued_digest"
)

type Result struct {
	Status          Status
	Error           error
	DingTalkErrCode int
	DingTalkErrMsg  string
}

type Config struct {
	RateLimit         RateLimitConfig
	DedupWindow       time.Duration
	LowDigestInterval time.Duration
}

type RateLimitConfig struct {
	PerMinute int
	Burst     int
}

// Sender is satisfied by *dingtalk.Client.
type Sender interface {
	SendMarkdown(ctx context.Context, title, markdown string) (*dingtalk.Response, error)
}

// Recorder is satisfied by *store.Store.
type Recorder interface {
	InsertAlert(a store.AlertRecord) error
}

// Service routes rate alerts: duplicates inside the dedup window are dropped,
// low priority and rate-limited alerts wait for the digest, the rest are
// pushed at once. Every decision is recorded.
type Service struct {
	sender  Sender
	cfg     Config
	limiter *Limiter
	rec     Recorder
	logger  *zap.Logger
	now     func() time.Time

	mu      sync.Mutex
	seen    map[string]time.Time
	pending []AlertRequest

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

func NewService(sender Sender, rec Recorder, cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		sender:  sender,
		cfg:     cfg,
		limiter: NewLimiter(cfg.RateLimit.PerMinute, cfg.RateLimit.Burst),
		rec:     rec,
		logger:  logger,
		now:     time.Now,
		seen:    make(map[string]time.Time),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	if cfg.LowDigestInterval > 0 {
		go s.digestLoop()
	} else {
		close(s.done)
	}
	return s
}

// Close stops the digest loop and flushes what is still queued.
func (s *Service) Close() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		<-s.done
		s.FlushDigest(context.Background())
	})
}

func (s *Service) Handle(ctx context.Context, req AlertRequest) Result {
	req = normalize(req)

	var res Result
	payload := ""
	switch {
	case req.Silent, s.duplicate(req.DedupKey):
		res = Result{Status: StatusSuppressed}
	case req.Priority == PriorityLow:
		res = s.enqueue(req)
	case s.limiter.Allow(), req.Priority == PriorityHigh && s.limiter.WaitFor(ctx, highWait):
		res, payload = s.push(ctx, req), req.Markdown
	default:
		s.logger.Info("alert rate limited, queued for digest", zap.String("title", req.Title))
		res = s.enqueue(req)
	}
	s.remember(req.DedupKey, res.Status)
	s.record(req, res, payload)
	return res
}

func (s *Service) push(ctx context.Context, req AlertRequest) Result {
	if s.sender == nil {
		return Result{Status: StatusFailed, Error: ErrNoSender}
	}
	resp, err := s.sender.SendMarkdown(ctx, req.Title, req.Markdown)
	if err != nil {
		return Result{Status: StatusFailed, Error: err}
	}
	if resp.ErrCode != 0 {
		return Result{
			Status:          StatusFailed,
			DingTalkErrCode: resp.ErrCode,
			DingTalkErrMsg:  resp.ErrMsg,
			Error:           fmt.Errorf("dingtalk errcode=%d errmsg=%s", resp.ErrCode, resp.ErrMsg),
		}
	}
	return Result{Status: StatusSent}
}

// duplicate reports whether key was delivered or queued inside the dedup
// window. Expired keys are pruned while the lock is held.
func (s *Service) duplicate(key string) bool {
	if key == "" || s.cfg.DedupWindow <= 0 {
		return false
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, at := range s.seen {
		if now.Sub(at) > s.cfg.DedupWindow {
			delete(s.seen, k)
		}
	}
	_, ok := s.seen[key]
	return ok
}

// remember starts the dedup window for key. Failed and suppressed alerts
// do not, so the next fire retries them.
func (s *Service) remember(key string, status Status) {
	if key == "" || s.cfg.DedupWindow <= 0 {
		return
	}
	if status != StatusSent && status != StatusQueuedDigest {
		return
	}
	s.mu.Lock()
	s.seen[key] = s.now()
	s.mu.Unlock()
}

func (s *Service) enqueue(req AlertRequest) Result {
	if s.cfg.LowDigestInterval <= 0 {
		return Result{Status: StatusSuppressed}
	}
	s.mu.Lock()
	s.pending = append(s.pending, req)
	s.mu.Unlock()
	return Result{Status: StatusQueuedDigest}
}

func (s *Service) digestLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.LowDigestInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.FlushDigest(context.Background())
		case <-s.stopCh:
			return
		}
	}
}

// FlushDigest pushes every queued alert as one message.
func (s *Service) FlushDigest(ctx context.Context) {
	s.mu.Lock()
	queued := s.pending
	s.pending = nil
	s.mu.Unlock()
	if len(queued) == 0 {
		return
	}
	if s.sender == nil {
		s.logger.Warn("digest dropped, push client not configured", zap.Int("alerts", len(queued)))
		return
	}

	title := fmt.Sprintf("P2P rate digest (%d)", len(queued))
	resp, err := s.sender.SendMarkdown(ctx, title, digestMarkdown(queued))
	switch {
	case err != nil:
		s.logger.Error("digest send failed", zap.Int("alerts", len(queued)), zap.Error(err))
	case resp.ErrCode != 0:
		s.logger.Error("digest rejected by dingtalk", zap.Int("errcode", resp.ErrCode), zap.String("errmsg", resp.ErrMsg))
	default:
		s.logger.Info("digest sent", zap.Int("alerts", len(queued)))
	}
}

func (s *Service) record(req AlertRequest, res Result, payload string) {
	if s.rec == nil {
		return
	}
	err := s.rec.InsertAlert(store.AlertRecord{
		TS:              s.now().Unix(),
		Priority:        string(req.Priority),
		GroupName:       req.Group,
		Title:           req.Title,
		DedupKey:        req.DedupKey,
		Status:          string(res.Status),
		Channel:         "dingtalk",
		DingTalkErrCode: res.DingTalkErrCode,
		DingTalkErrMsg:  res.DingTalkErrMsg,
		PayloadMD:       payload,
	})
	if err != nil {
		s.logger.Error("insert alert record", zap.Error(err))
	}
}

// digestMarkdown lists queued alerts by group, oldest first within a group.
func digestMarkdown(queued []AlertRequest) string {
	groups := make(map[string][]AlertRequest)
	for _, a := range queued {
		groups[a.Group] = append(groups[a.Group], a)
	}
	names := make([]string, 0, len(groups))
	for g := range groups {
		names = append(names, g)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, g := range names {
		fmt.Fprintf(&b, "### %s (%d)\n", g, len(groups[g]))
		for _, a := range groups[g] {
			title := a.Title
			if title == "" {
				title = "(untitled)"
			}
			fmt.Fprintf(&b, "- **%s**\n", title)
			if a.Markdown != "" {
				fmt.Fprintf(&b, "  %s\n", strings.ReplaceAll(a.Markdown, "\n", "\n  "))
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}

func normalize(req AlertRequest) AlertRequest {
	if req.Priority == "" {
		req.Priority = PriorityMed
	}
	if req.Group == "" {
		req.Group = "default"
	}
	return req
}
