package generation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openaigo "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// OpenAIConfig настройки OpenAI-совместимого провайдера.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Timeout     time.Duration
	Temperature float32
	MaxTokens   int
	JSONMode    bool
}

type openAICompleter struct {
	client *openaigo.Client
	cfg    OpenAIConfig
	logger *zap.Logger
}

// NewOpenAICompleter клиент chat completions через go-openai.
func NewOpenAICompleter(cfg OpenAIConfig, logger *zap.Logger) Completer {
	oc := openaigo.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	oc.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	logger.Info("OpenAI client created", zap.String("base_url", oc.BaseURL), zap.String("model", cfg.Model), zap.Duration("timeout", cfg.Timeout))
	return &openAICompleter{
		client: openaigo.NewClientWithConfig(oc),
		cfg:    cfg,
		logger: logger.Named("OpenAI"),
	}
}

func (c *openAICompleter) Name() string { return "openai" }

func (c *openAICompleter) Complete(ctx context.Context, system, user string) (Completion, error) {
	req := openaigo.ChatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []openaigo.ChatCompletionMessage{
			{Role: openaigo.ChatMessageRoleSystem, Content: system},
			{Role: openaigo.ChatMessageRoleUser, Content: user},
		},
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	}
	if c.cfg.JSONMode {
		req.ResponseFormat = &openaigo.ChatCompletionResponseFormat{Type: openaigo.ChatCompletionResponseFormatTypeJSONObject}
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return Completion{}, classifyOpenAIError(ctx, err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return Completion{}, Transient(errors.New("openai returned an empty reply"))
	}

	text := resp.Choices[0].Message.Content
	out := Completion{
		Text:             text,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}
	if out.PromptTokens == 0 && out.CompletionTokens == 0 {
		// часть совместимых серверов не заполняет usage
		out.PromptTokens = EstimateTokens(c.cfg.Model, system+user)
		out.CompletionTokens = EstimateTokens(c.cfg.Model, text)
	}
	return out, nil
}

func classifyOpenAIError(ctx context.Context, err error) error {
	if cerr := contextError(ctx, err); cerr != nil {
		return cerr
	}
	var apiErr *openaigo.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.HTTPStatusCode, fmt.Errorf("openai: %w", err))
	}
	var reqErr *openaigo.RequestError
	if errors.As(err, &reqErr) {
		return classifyStatus(reqErr.HTTPStatusCode, fmt.Errorf("openai: %w", err))
	}
	// сетевые ошибки и обрывы соединения
	return Transient(fmt.Errorf("openai: %w", err))
}
