// Package generation источники текста для историй: LLM через OpenAI-совместимый API,
// Ollama и детерминированный шаблонный генератор.
package generation

import (
	"context"
	"errors"
	"fmt"

	"cyoa-server/internal/domain"
)

// Operation метки операций для метрик и логов.
const (
	OpRoot    = "root"
	OpChoices = "choices"
)

// RootContent стартовая сцена.
type RootContent struct {
	Title string
	Text  string
}

// ChoiceContent вариант выбора и сцена, в которую он ведет.
type ChoiceContent struct {
	Label     string
	Text      string
	IsEnding  bool
	IsWinning bool
}

// PathStep сцена на пути от корня и выбор, сделанный в ней.
type PathStep struct {
	Text   string
	Choice string
}

// ExpandRequest данные для генерации выборов одного узла.
type ExpandRequest struct {
	Prompt   string
	Title    string
	Path     []PathStep // от корня до родителя, без текущего узла
	NodeText string
	Depth    int // глубина текущего узла, корень = 1
	MaxDepth int
	// MaxChoices сколько вариантов нужно. Если ответ длиннее, лишнее отбрасывается.
	MaxChoices int
}

// ChildrenAreLeaves true, если дети узла окажутся на последнем уровне.
func (r ExpandRequest) ChildrenAreLeaves() bool {
	return r.Depth+1 >= r.MaxDepth
}

// Backend генератор содержимого. Ошибки оборачивают domain.ErrTransientGeneration
// или domain.ErrFatalGeneration; отмена ctx возвращается как есть.
type Backend interface {
	Name() string
	GenerateRoot(ctx context.Context, prompt string) (RootContent, error)
	GenerateChoices(ctx context.Context, req ExpandRequest) ([]ChoiceContent, error)
}

// Transient оборачивает err как временную ошибку.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", domain.ErrTransientGeneration, err)
}

// Fatal оборачивает err как постоянную ошибку.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", domain.ErrFatalGeneration, err)
}

// classifyStatus HTTP статус провайдера -> класс ошибки.
// 408, 429 и 5xx можно повторить, остальные 4xx нет.
func classifyStatus(code int, err error) error {
	switch {
	case code == 0, code == 408, code == 429, code >= 500:
		return Transient(err)
	default:
		return Fatal(err)
	}
}

// contextError nil, если err не связан с контекстом. Отмена вызывающего
// возвращается как есть, таймаут самого вызова считается временной ошибкой.
func contextError(ctx context.Context, err error) error {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient(err)
	}
	return nil
}
