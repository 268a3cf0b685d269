package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
	"go.uber.org/zap"
)

// OllamaConfig настройки локального Ollama.
type OllamaConfig struct {
	BaseURL     string
	Model       string
	Timeout     time.Duration
	Temperature float32
	MaxTokens   int
	JSONMode    bool
}

type ollamaCompleter struct {
	client *api.Client
	cfg    OllamaConfig
	logger *zap.Logger
}

// NewOllamaCompleter клиент нативного API Ollama.
func NewOllamaCompleter(cfg OllamaConfig, logger *zap.Logger) (Completer, error) {
	// api.NewClient ждет адрес без суффикса /v1
	base := strings.TrimSuffix(strings.TrimSuffix(cfg.BaseURL, "/"), "/v1")
	parsed, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid Ollama base URL %q: %w", cfg.BaseURL, err)
	}

	logger.Info("Ollama client created", zap.String("base_url", base), zap.String("model", cfg.Model), zap.Duration("timeout", cfg.Timeout))
	return &ollamaCompleter{
		client: api.NewClient(parsed, &http.Client{Timeout: cfg.Timeout}),
		cfg:    cfg,
		logger: logger.Named("Ollama"),
	}, nil
}

func (c *ollamaCompleter) Name() string { return "ollama" }

func (c *ollamaCompleter) Complete(ctx context.Context, system, user string) (Completion, error) {
	stream := false
	req := &api.ChatRequest{
		Model: c.cfg.Model,
		Messages: []api.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Stream: &stream,
		Options: map[string]interface{}{
			"temperature": c.cfg.Temperature,
			"num_predict": c.cfg.MaxTokens,
		},
	}
	if c.cfg.JSONMode {
		req.Format = json.RawMessage(`"json"`)
	}

	var resp api.ChatResponse
	err := c.client.Chat(ctx, req, func(r api.ChatResponse) error {
		resp = r
		return nil
	})
	if err != nil {
		return Completion{}, classifyOllamaError(ctx, err)
	}
	if strings.TrimSpace(resp.Message.Content) == "" {
		return Completion{}, Transient(errors.New("ollama returned an empty reply"))
	}

	out := Completion{
		Text:             resp.Message.Content,
		PromptTokens:     resp.PromptEvalCount,
		CompletionTokens: resp.EvalCount,
	}
	if out.PromptTokens == 0 && out.CompletionTokens == 0 {
		out.PromptTokens = EstimateTokens(c.cfg.Model, system+user)
		out.CompletionTokens = EstimateTokens(c.cfg.Model, out.Text)
	}
	return out, nil
}

func classifyOllamaError(ctx context.Context, err error) error {
	if cerr := contextError(ctx, err); cerr != nil {
		return cerr
	}
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		return classifyStatus(statusErr.StatusCode, fmt.Errorf("ollama: %w", err))
	}
	return Transient(fmt.Errorf("ollama: %w", err))
}
