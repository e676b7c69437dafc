package digest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"p2p-rate-monitor/internal/market"
)

type Config struct {
	Enabled    bool
	Model      string
	APIKey     string
	BaseURL    string
	ByAzure    bool
	APIVersion string
	TimeoutMs  int
}

// Input is one finished cycle as the agent sees it.
type Input struct {
	CycleID   string            `json:"cycle_id"`
	Outcome   string            `json:"outcome"`
	Attempts  int               `json:"attempts"`
	Snapshots []market.Snapshot `json:"-"`
}

type Mode string

const (
	ModeLLM      Mode = "llm"
	ModeFallback Mode = "fallback"
)

// Agent writes a short markdown summary of a cycle, using a chat model when
// one is configured.
type Agent struct {
	enabled        bool
	model          model.BaseChatModel
	modelName      string
	disabledReason string
	logger         *zap.Logger
}

func New(cfg Config, logger *zap.Logger) *Agent {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.Enabled {
		return &Agent{disabledReason: "disabled by config", logger: logger}
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Model == "" {
		cfg.Model = os.Getenv("OPENAI_MODEL")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = os.Getenv("OPENAI_BASE_URL")
	}
	if cfg.APIKey == "" || cfg.Model == "" {
		logger.Warn("digest agent disabled: missing api key or model")
		return &Agent{disabledReason: "api_key or model missing", logger: logger}
	}

	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cm, err := openai.NewChatModel(context.Background(), &openai.ChatModelConfig{
		APIKey:     cfg.APIKey,
		Model:      cfg.Model,
		BaseURL:    cfg.BaseURL,
		ByAzure:    cfg.ByAzure,
		APIVersion: cfg.APIVersion,
		Timeout:    timeout,
	})
	if err != nil {
		logger.Error("digest agent init failed", zap.Error(err))
		return &Agent{disabledReason: "init failed", logger: logger}
	}
	return NewWithModel(cm, cfg.Model, logger)
}

// NewWithModel wraps an already built chat model.
func NewWithModel(cm model.BaseChatModel, name string, logger *zap.Logger) *Agent {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Agent{enabled: cm != nil, model: cm, modelName: name, logger: logger}
}

// Summarize never leaves the caller without text: on any model failure the
// deterministic table is returned together with the error.
func (a *Agent) Summarize(ctx context.Context, in Input) (string, Mode, error) {
	table := Table(in)
	if a == nil || !a.enabled || a.model == nil {
		return table, ModeFallback, nil
	}

	payload, _ := json.Marshal(struct {
		Input
		Markets []marketLine `json:"markets"`
	}{Input: in, Markets: lines(in.Snapshots)})

	system := `You summarize USDT peer-to-peer exchange rates across Latin American markets.
Write at most 6 short markdown bullet points: the widest and narrowest spreads,
markets without a valid price, and anything unusual. Do not invent numbers.`

	messages := []*schema.Message{
		schema.SystemMessage(system),
		schema.UserMessage(fmt.Sprintf("Cycle: %s", string(payload))),
	}
	resp, err := a.model.Generate(ctx, messages)
	if err != nil {
		a.logLLMError(err)
		return table, ModeFallback, err
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return table, ModeFallback, errors.New("empty model response")
	}
	return text + "\n\n" + table, ModeLLM, nil
}

// Ping reports which mode the agent runs in and checks the model answers.
func (a *Agent) Ping(ctx context.Context) (map[string]any, error) {
	if a == nil || !a.enabled || a.model == nil {
		reason := "not configured"
		if a != nil && a.disabledReason != "" {
			reason = a.disabledReason
		}
		return map[string]any{"ok": true, "mode": ModeFallback, "reason": reason}, nil
	}
	start := time.Now()
	_, err := a.model.Generate(ctx, []*schema.Message{
		schema.SystemMessage("Reply with the single word: ok"),
		schema.UserMessage("ping"),
	})
	latency := time.Since(start).Milliseconds()
	if err != nil {
		a.logLLMError(err)
		return map[string]any{"ok": true, "mode": ModeFallback, "reason": "llm error"}, err
	}
	return map[string]any{"ok": true, "mode": ModeLLM, "model": a.modelName, "latency_ms": latency}, nil
}

func (a *Agent) logLLMError(err error) {
	apiErr := &openai.APIError{}
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if len(msg) > 300 {
			msg = msg[:300] + "..."
		}
		a.logger.Error("digest agent api error", zap.Int("status", apiErr.HTTPStatusCode), zap.String("message", msg))
		return
	}
	a.logger.Error("digest agent error", zap.Error(err))
}
