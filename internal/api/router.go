package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"go.uber.org/zap"

	"p2p-rate-monitor/internal/alert"
	"p2p-rate-monitor/internal/digest"
	"p2p-rate-monitor/internal/market"
	"p2p-rate-monitor/internal/poller"
	"p2p-rate-monitor/internal/store"
)

// Aggregator is satisfied by *aggregator.Orchestrator.
type Aggregator interface {
	Run(ctx context.Context) ([]market.Snapshot, error)
}

// SnapshotCache is satisfied by *cache.Cache.
type SnapshotCache interface {
	Latest() ([]market.Snapshot, time.Time)
	Clear(ctx context.Context) error
}

// PollController is satisfied by *poller.Controller.
type PollController interface {
	Poll(ctx context.Context) (poller.Result, error)
	Running() bool
	Last() (poller.Result, bool)
}

// HistoryStore is satisfied by *store.Store.
type HistoryStore interface {
	QuerySnapshots(fiat string, limit, offset int) ([]store.SnapshotRecord, error)
	QueryEventsByDate(date, eventType string, limit, offset int) ([]store.EventRecord, error)
	QueryAlertsByDate(date, status string, limit, offset int) ([]store.AlertRecord, error)
}

// Summarizer is satisfied by *digest.Agent.
type Summarizer interface {
	Summarize(ctx context.Context, in digest.Input) (string, digest.Mode, error)
	Ping(ctx context.Context) (map[string]any, error)
}

type Deps struct {
	Registry   *market.Registry
	Aggregator Aggregator
	Cache      SnapshotCache
	Poller     PollController
	Store      HistoryStore
	Digest     Summarizer
	Push       alert.Sender
	Logger     *zap.Logger

	// BaseCtx outlives requests but is cancelled at shutdown; background polls
	// started by the API use it.
	BaseCtx context.Context
	// RatesTimeout bounds a synchronous aggregation call.
	RatesTimeout time.Duration
}

type TestPushRequest struct {
	Title    string `json:"title"`
	Markdown string `json:"markdown"`
}

type RatesResponse struct {
	Success bool              `json:"success"`
	Data    []market.Snapshot `json:"data,omitempty"`
	Error   string            `json:"error,omitempty"`
}

func RegisterRoutes(h *server.Hertz, d Deps) {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.BaseCtx == nil {
		d.BaseCtx = context.Background()
	}
	if d.RatesTimeout <= 0 {
		d.RatesTimeout = 2 * time.Minute
	}
	log := d.Logger

	h.GET("/healthz", func(_ context.Context, c *app.RequestContext) {
		c.JSON(http.StatusOK, map[string]bool{"ok": true})
	})

	// One aggregation pass over every market, straight from the upstream.
	h.GET("/api/v1/rates", func(ctx context.Context, c *app.RequestContext) {
		if d.Aggregator == nil {
			c.JSON(http.StatusInternalServerError, RatesResponse{Error: "aggregator not configured"})
			return
		}
		ctx, cancel := context.WithTimeout(ctx, d.RatesTimeout)
		defer cancel()

		snaps, err := d.Aggregator.Run(ctx)
		if err != nil {
			log.Warn("rates aggregation failed", zap.Error(err))
			c.JSON(http.StatusBadGateway, RatesResponse{Error: err.Error()})
			return
		}
		if market.CountValid(snaps) == 0 {
			c.JSON(http.StatusBadGateway, RatesResponse{Data: snaps, Error: "no market returned a valid price"})
			return
		}
		c.JSON(http.StatusOK, RatesResponse{Success: true, Data: snaps})
	})

	// Last merged state, served without touching the upstream.
	h.GET("/api/v1/rates/latest", func(_ context.Context, c *app.RequestContext) {
		if d.Cache == nil {
			c.JSON(http.StatusInternalServerError, RatesResponse{Error: "cache not configured"})
			return
		}
		snaps, updatedAt := d.Cache.Latest()
		resp := map[string]any{
			"success":    len(snaps) > 0,
			"data":       snaps,
			"valid":      market.CountValid(snaps),
			"updated_at": nullableTime(updatedAt),
		}
		if d.Poller != nil {
			resp["polling"] = d.Poller.Running()
			if last, ok := d.Poller.Last(); ok {
				resp["last_cycle"] = cycleSummary(last)
			}
		}
		c.JSON(http.StatusOK, resp)
	})

	h.POST("/api/v1/rates/poll", func(ctx context.Context, c *app.RequestContext) {
		if d.Poller == nil {
			c.JSON(http.StatusInternalServerError, map[string]any{"ok": false, "error": "poller not configured"})
			return
		}
		if d.Poller.Running() {
			c.JSON(http.StatusConflict, map[string]any{"ok": false, "error": poller.ErrPollInProgress.Error()})
			return
		}
		if c.Query("async") == "true" {
			startPoll(d)
			c.JSON(http.StatusAccepted, map[string]any{"ok": true, "status": "started"})
			return
		}

		res, err := d.Poller.Poll(ctx)
		switch {
		case errors.Is(err, poller.ErrPollInProgress):
			c.JSON(http.StatusConflict, map[string]any{"ok": false, "error": err.Error()})
		case err != nil && res.CycleID == "":
			c.JSON(http.StatusBadGateway, map[string]any{"ok": false, "error": err.Error()})
		case err != nil:
			c.JSON(http.StatusBadGateway, map[string]any{"ok": false, "error": err.Error(), "cycle": res})
		default:
			c.JSON(http.StatusOK, map[string]any{"ok": true, "cycle": res})
		}
	})

	// Clearing drops memory and durable state, then starts a fresh cycle.
	h.DELETE("/api/v1/rates/cache", func(ctx context.Context, c *app.RequestContext) {
		if d.Cache == nil {
			c.JSON(http.StatusInternalServerError, map[string]any{"ok": false, "error": "cache not configured"})
			return
		}
		if err := d.Cache.Clear(ctx); err != nil {
			log.Error("cache clear failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		refreshing := false
		if d.Poller != nil && !d.Poller.Running() {
			startPoll(d)
			refreshing = true
		}
		c.JSON(http.StatusOK, map[string]any{"ok": true, "refreshing": refreshing})
	})

	h.GET("/api/v1/markets", func(_ context.Context, c *app.RequestContext) {
		if d.Registry == nil {
			c.JSON(http.StatusInternalServerError, map[string]any{"ok": false, "error": "registry not configured"})
			return
		}
		c.JSON(http.StatusOK, map[string]any{"ok": true, "items": d.Registry.Markets()})
	})

	h.GET("/api/v1/snapshots", func(_ context.Context, c *app.RequestContext) {
		if d.Store == nil {
			c.JSON(http.StatusInternalServerError, map[string]any{"ok": false, "error": "store not configured"})
			return
		}
		limit, offset, err := parsePage(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		items, err := d.Store.QuerySnapshots(c.Query("fiat"), limit, offset)
		if err != nil {
			c.JSON(http.StatusBadRequest, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, map[string]any{"ok": true, "items": items})
	})

	h.GET("/api/v1/events", func(_ context.Context, c *app.RequestContext) {
		if d.Store == nil {
			c.JSON(http.StatusInternalServerError, map[string]any{"ok": false, "error": "store not configured"})
			return
		}
		limit, offset, err := parsePage(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		items, err := d.Store.QueryEventsByDate(dateOrToday(c.Query("date")), c.Query("type"), limit, offset)
		if err != nil {
			c.JSON(http.StatusBadRequest, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, map[string]any{"ok": true, "items": items})
	})

	h.GET("/api/v1/alerts", func(_ context.Context, c *app.RequestContext) {
		if d.Store == nil {
			c.JSON(http.StatusInternalServerError, map[string]any{"ok": false, "error": "store not configured"})
			return
		}
		limit, offset, err := parsePage(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		items, err := d.Store.QueryAlertsByDate(dateOrToday(c.Query("date")), c.Query("status"), limit, offset)
		if err != nil {
			c.JSON(http.StatusBadRequest, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, map[string]any{"ok": true, "items": items})
	})

	h.GET("/api/v1/digest", func(ctx context.Context, c *app.RequestContext) {
		in, ok := digestInput(d)
		if !ok {
			c.JSON(http.StatusNotFound, map[string]any{"ok": false, "error": "no snapshot available yet"})
			return
		}
		markdown := digest.Table(in)
		mode := digest.ModeFallback
		if d.Digest != nil {
			text, m, err := d.Digest.Summarize(ctx, in)
			if err != nil {
				log.Warn("digest fell back", zap.Error(err))
			}
			markdown, mode = text, m
		}
		c.JSON(http.StatusOK, map[string]any{"ok": true, "mode": mode, "markdown": markdown})
	})

	h.POST("/api/v1/test/digest/ping", func(ctx context.Context, c *app.RequestContext) {
		if d.Digest == nil {
			c.JSON(http.StatusOK, map[string]any{
				"ok":     true,
				"mode":   digest.ModeFallback,
				"reason": "digest agent not configured",
			})
			return
		}
		resp, err := d.Digest.Ping(ctx)
		if err != nil {
			log.Warn("digest ping failed", zap.Error(err))
		}
		c.JSON(http.StatusOK, resp)
	})

	h.POST("/api/v1/test/push", func(ctx context.Context, c *app.RequestContext) {
		if d.Push == nil {
			c.JSON(http.StatusInternalServerError, map[string]any{"ok": false, "error": "dingtalk client not configured"})
			return
		}
		var req TestPushRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, map[string]any{"ok": false, "error": "invalid json body"})
			return
		}
		resp, err := d.Push.SendMarkdown(ctx, req.Title, req.Markdown)
		if err != nil {
			log.Error("dingtalk send failed", zap.Error(err))
			c.JSON(http.StatusBadGateway, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		if resp.ErrCode != 0 {
			c.JSON(http.StatusBadGateway, map[string]any{
				"ok":               false,
				"error":            "dingtalk returned error",
				"dingtalk_errcode": resp.ErrCode,
				"dingtalk_errmsg":  resp.ErrMsg,
			})
			return
		}
		c.JSON(http.StatusOK, map[string]any{"ok": true})
	})
}

func startPoll(d Deps) {
	go func() {
		if _, err := d.Poller.Poll(d.BaseCtx); err != nil && !errors.Is(err, poller.ErrPollInProgress) {
			d.Logger.Warn("background poll finished with error", zap.Error(err))
		}
	}()
}

func digestInput(d Deps) (digest.Input, bool) {
	if d.Poller != nil {
		if last, ok := d.Poller.Last(); ok && len(last.Snapshots) > 0 {
			return digest.Input{CycleID: last.CycleID, Outcome: string(last.Outcome), Attempts: last.Attempts, Snapshots: last.Snapshots}, true
		}
	}
	if d.Cache != nil {
		if snaps, _ := d.Cache.Latest(); len(snaps) > 0 {
			return digest.Input{CycleID: "restored", Outcome: "cached", Snapshots: snaps}, true
		}
	}
	return digest.Input{}, false
}

func cycleSummary(r poller.Result) map[string]any {
	return map[string]any{
		"cycle_id":    r.CycleID,
		"outcome":     r.Outcome,
		"attempts":    r.Attempts,
		"valid":       r.Valid,
		"started_at":  r.StartedAt,
		"finished_at": r.FinishedAt,
	}
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func parsePage(c *app.RequestContext) (int, int, error) {
	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		return 0, 0, err
	}
	offset, err := parseOffset(c.Query("offset"))
	if err != nil {
		return 0, 0, err
	}
	return limit, offset, nil
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 200, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid limit")
	}
	if v > 1000 {
		return 1000, nil
	}
	return v, nil
}

func parseOffset(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid offset")
	}
	return v, nil
}

func dateOrToday(date string) string {
	if date != "" {
		return date
	}
	return time.Now().UTC().Format("2006-01-02")
}
