package alert

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"p2p-rate-monitor/internal/push/dingtalk"
	"p2p-rate-monitor/internal/store"
)

type fakeSender struct {
	mu     sync.Mutex
	titles []string
	bodies []string
	resp   *dingtalk.Response
	err    error
}

func (f *fakeSender) SendMarkdown(_ context.Context, title, markdown string) (*dingtalk.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.titles = append(f.titles, title)
	f.bodies = append(f.bodies, markdown)
	if f.err != nil {
		return nil, f.err
	}
	if f.resp != nil {
		return f.resp, nil
	}
	return &dingtalk.Response{}, nil
}

type fakeRecorder struct {
	mu   sync.Mutex
	recs []store.AlertRecord
}

func (f *fakeRecorder) InsertAlert(a store.AlertRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs = append(f.recs, a)
	return nil
}

func TestHandle_SendsAndRecords(t *testing.T) {
	sender := &fakeSender{}
	rec := &fakeRecorder{}
	svc := NewService(sender, rec, Config{}, nil)
	defer svc.Close()

	res := svc.Handle(context.Background(), AlertRequest{Priority: PriorityHigh, Title: "VES SPREAD_WIDE", Markdown: "body"})
	require.NoError(t, res.Error)
	assert.Equal(t, StatusSent, res.Status)
	assert.Equal(t, []string{"VES SPREAD_WIDE"}, sender.titles)
	require.Len(t, rec.recs, 1)
	assert.Equal(t, "sent", rec.recs[0].Status)
	assert.Equal(t, "default", rec.recs[0].GroupName)
	assert.Equal(t, "body", rec.recs[0].PayloadMD)
}

func TestHandle_Dedup(t *testing.T) {
	sender := &fakeSender{}
	svc := NewService(sender, nil, Config{DedupWindow: time.Minute}, nil)
	defer svc.Close()

	req := AlertRequest{Priority: PriorityMed, Title: "CLP MARKET_DOWN", DedupKey: "MARKET_DOWN:CLP"}
	assert.Equal(t, StatusSent, svc.Handle(context.Background(), req).Status)
	assert.Equal(t, StatusSuppressed, svc.Handle(context.Background(), req).Status)
	assert.Len(t, sender.titles, 1)
}

func TestHandle_FailedPushDoesNotStartDedupWindow(t *testing.T) {
	sender := &fakeSender{err: errors.New("timeout")}
	svc := NewService(sender, nil, Config{DedupWindow: time.Minute}, nil)
	defer svc.Close()

	req := AlertRequest{Priority: PriorityMed, Title: "CLP MARKET_DOWN", DedupKey: "MARKET_DOWN:CLP"}
	assert.Equal(t, StatusFailed, svc.Handle(context.Background(), req).Status)

	sender.mu.Lock()
	sender.err = nil
	sender.mu.Unlock()
	assert.Equal(t, StatusSent, svc.Handle(context.Background(), req).Status)
	assert.Equal(t, StatusSuppressed, svc.Handle(context.Background(), req).Status)
	assert.Len(t, sender.titles, 2)
}

func TestHandle_LowPriorityGoesToDigest(t *testing.T) {
	sender := &fakeSender{}
	svc := NewService(sender, nil, Config{LowDigestInterval: time.Hour}, nil)

	res := svc.Handle(context.Background(), AlertRequest{Priority: PriorityLow, Group: "rates", Title: "PEN jump", Markdown: "+2.1%"})
	assert.Equal(t, StatusQueuedDigest, res.Status)
	assert.Empty(t, sender.titles)

	svc.Close()
	require.Len(t, sender.bodies, 1)
	assert.Equal(t, "P2P rate digest (1)", sender.titles[0])
	assert.Contains(t, sender.bodies[0], "### rates (1)")
	assert.Contains(t, sender.bodies[0], "**PEN jump**")
}

func TestHandle_RateLimitedMedFallsBackToDigest(t *testing.T) {
	sender := &fakeSender{}
	svc := NewService(sender, nil, Config{
		RateLimit:         RateLimitConfig{PerMinute: 1, Burst: 1},
		LowDigestInterval: time.Hour,
	}, nil)
	defer svc.Close()

	assert.Equal(t, StatusSent, svc.Handle(context.Background(), AlertRequest{Title: "a"}).Status)
	assert.Equal(t, StatusQueuedDigest, svc.Handle(context.Background(), AlertRequest{Title: "b"}).Status)
}

func TestHandle_SenderErrors(t *testing.T) {
	rec := &fakeRecorder{}
	svc := NewService(&fakeSender{err: errors.New("timeout")}, rec, Config{}, nil)
	defer svc.Close()
	res := svc.Handle(context.Background(), AlertRequest{Title: "x"})
	assert.Error(t, res.Error)
	assert.Equal(t, StatusFailed, res.Status)
	require.Len(t, rec.recs, 1)
	assert.Equal(t, "failed", rec.recs[0].Status)

	svc2 := NewService(&fakeSender{resp: &dingtalk.Response{ErrCode: 310000, ErrMsg: "sign not match"}}, nil, Config{}, nil)
	defer svc2.Close()
	res = svc2.Handle(context.Background(), AlertRequest{Title: "x"})
	assert.Equal(t, 310000, res.DingTalkErrCode)
	assert.ErrorContains(t, res.Error, "sign not match")

	svc3 := NewService(nil, nil, Config{}, nil)
	defer svc3.Close()
	assert.ErrorIs(t, svc3.Handle(context.Background(), AlertRequest{Title: "x"}).Error, ErrNoSender)
}

func TestHandle_DedupWindowExpires(t *testing.T) {
	sender := &fakeSender{}
	svc := NewService(sender, nil, Config{DedupWindow: 10 * time.Minute}, nil)
	defer svc.Close()
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return clock }

	req := AlertRequest{Title: "VES SPREAD_WIDE", DedupKey: "SPREAD_WIDE:VES:med"}
	assert.Equal(t, StatusSent, svc.Handle(context.Background(), req).Status)

	clock = clock.Add(9 * time.Minute)
	assert.Equal(t, StatusSuppressed, svc.Handle(context.Background(), req).Status)

	clock = clock.Add(2 * time.Minute)
	assert.Equal(t, StatusSent, svc.Handle(context.Background(), req).Status)
	assert.Len(t, sender.titles, 2)
}

func TestHandle_LowPriorityWithoutDigestIsSuppressed(t *testing.T) {
	sender := &fakeSender{}
	svc := NewService(sender, nil, Config{}, nil)
	defer svc.Close()
	assert.Equal(t, StatusSuppressed, svc.Handle(context.Background(), AlertRequest{Priority: PriorityLow, Title: "x"}).Status)
	assert.Empty(t, sender.titles)
}

func TestHandle_HighPriorityWaitsForToken(t *testing.T) {
	sender := &fakeSender{}
	// one token per second: the second high alert waits under highWait
	svc := NewService(sender, nil, Config{RateLimit: RateLimitConfig{PerMinute: 60, Burst: 1}}, nil)
	defer svc.Close()

	assert.Equal(t, StatusSent, svc.Handle(context.Background(), AlertRequest{Priority: PriorityHigh, Title: "a"}).Status)
	assert.Equal(t, StatusSent, svc.Handle(context.Background(), AlertRequest{Priority: PriorityHigh, Title: "b"}).Status)
	assert.Len(t, sender.titles, 2)
}

func TestLimiter(t *testing.T) {
	l := NewLimiter(60, 2)
	assert.True(t, l.Allow())
	assert.True(t, l.Allow())
	assert.False(t, l.Allow())
	assert.True(t, l.WaitFor(context.Background(), 2*time.Second))

	slow := NewLimiter(1, 1)
	require.True(t, slow.Allow())
	assert.False(t, slow.WaitFor(context.Background(), 100*time.Millisecond))

	assert.True(t, NewLimiter(0, 0).Allow())
	var nilLimiter *Limiter
	assert.True(t, nilLimiter.Allow())
}
