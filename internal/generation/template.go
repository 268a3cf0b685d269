package generation

import (
	"context"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

var templateActions = []string{
	"Follow the narrow path",
	"Knock on the old door",
	"Wait and listen",
	"Call out into the dark",
	"Search the ground",
	"Turn back the way you came",
}

// TemplateBackend детерминированный генератор без внешних вызовов.
// Для одинаковых входных данных всегда дает одинаковый текст (GENERATION_BACKEND=template, тесты).
type TemplateBackend struct{}

func NewTemplateBackend() *TemplateBackend { return &TemplateBackend{} }

func (TemplateBackend) Name() string { return "template" }

func (TemplateBackend) GenerateRoot(ctx context.Context, prompt string) (RootContent, error) {
	if err := ctx.Err(); err != nil {
		return RootContent{}, err
	}
	p := strings.TrimSpace(prompt)
	return RootContent{
		Title: templateTitle(p),
		Text:  fmt.Sprintf("Your adventure begins: %s. The air is still, and every direction seems to wait for you.", p),
	}, nil
}

func (TemplateBackend) GenerateChoices(ctx context.Context, req ExpandRequest) ([]ChoiceContent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := req.MaxChoices
	if n <= 0 {
		n = 1
	}
	leaves := req.ChildrenAreLeaves()
	out := make([]ChoiceContent, 0, n)
	for i := 0; i < n; i++ {
		action := templateActions[(req.Depth+i)%len(templateActions)]
		c := ChoiceContent{
			Label: fmt.Sprintf("%s (%d)", action, i+1),
			Text:  fmt.Sprintf("At depth %d you decide to %s.", req.Depth+1, strings.ToLower(action)),
		}
		if leaves {
			c.IsEnding = true
			c.IsWinning = i == 0
			if c.IsWinning {
				c.Text += " It was the right call, and the story ends well."
			} else {
				c.Text += " The journey ends here."
			}
		}
		out = append(out, c)
	}
	return out, nil
}

func templateTitle(prompt string) string {
	if prompt == "" {
		return "Untitled Adventure"
	}
	r, size := utf8.DecodeRuneInString(prompt)
	title := string(unicode.ToUpper(r)) + prompt[size:]
	if utf8.RuneCountInString(title) > 60 {
		title = string([]rune(title)[:60])
	}
	return title
}
