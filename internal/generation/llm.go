package generation

import (
	"context"
	"time"

	"cyoa-server/internal/metrics"

	"go.uber.org/zap"
)

// Completion ответ чат-модели.
type Completion struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
}

// Completer один запрос к чат-модели: системный промт + сообщение пользователя.
type Completer interface {
	Name() string
	Complete(ctx context.Context, system, user string) (Completion, error)
}

// LLMBackend Backend поверх чат-модели: строит промты и разбирает JSON ответы.
type LLMBackend struct {
	llm    Completer
	logger *zap.Logger
}

func NewLLMBackend(llm Completer, logger *zap.Logger) *LLMBackend {
	return &LLMBackend{llm: llm, logger: logger.Named("LLMBackend")}
}

func (b *LLMBackend) Name() string { return b.llm.Name() }

func (b *LLMBackend) GenerateRoot(ctx context.Context, prompt string) (RootContent, error) {
	out, err := b.complete(ctx, OpRoot, rootSystemPrompt, rootUserPrompt(prompt))
	if err != nil {
		return RootContent{}, err
	}
	root, err := ParseRoot(out.Text)
	if err != nil {
		b.logger.Warn("Unusable root reply", zap.Error(err), zap.Int("reply_len", len(out.Text)))
		metrics.BackendRequests.WithLabelValues(b.llm.Name(), OpRoot, "malformed").Inc()
		return RootContent{}, err
	}
	return root, nil
}

func (b *LLMBackend) GenerateChoices(ctx context.Context, req ExpandRequest) ([]ChoiceContent, error) {
	out, err := b.complete(ctx, OpChoices, choicesSystemPrompt, choicesUserPrompt(req))
	if err != nil {
		return nil, err
	}
	choices, err := ParseChoices(out.Text)
	if err != nil {
		b.logger.Warn("Unusable choices reply", zap.Error(err), zap.Int("depth", req.Depth), zap.Int("reply_len", len(out.Text)))
		metrics.BackendRequests.WithLabelValues(b.llm.Name(), OpChoices, "malformed").Inc()
		return nil, err
	}
	return choices, nil
}

func (b *LLMBackend) complete(ctx context.Context, op, system, user string) (Completion, error) {
	name := b.llm.Name()
	start := time.Now()
	out, err := b.llm.Complete(ctx, system, user)
	took := time.Since(start)
	metrics.BackendRequestDuration.WithLabelValues(name, op).Observe(took.Seconds())

	if err != nil {
		metrics.BackendRequests.WithLabelValues(name, op, "error").Inc()
		b.logger.Debug("Backend call failed", zap.String("operation", op), zap.Duration("took", took), zap.Error(err))
		return Completion{}, err
	}
	metrics.BackendRequests.WithLabelValues(name, op, "success").Inc()
	metrics.BackendTokens.WithLabelValues(name, "prompt").Add(float64(out.PromptTokens))
	metrics.BackendTokens.WithLabelValues(name, "completion").Add(float64(out.CompletionTokens))
	b.logger.Debug("Backend call succeeded",
		zap.String("operation", op),
		zap.Duration("took", took),
		zap.Int("prompt_tokens", out.PromptTokens),
		zap.Int("completion_tokens", out.CompletionTokens),
	)
	return out, nil
}
