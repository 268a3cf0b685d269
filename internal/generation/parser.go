package generation

import (
	"errors"
	"fmt"
	"strings"
)

var errMalformed = errors.New("malformed backend reply")

type rootReply struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

type choiceReply struct {
	Label     string `json:"label"`
	Text      string `json:"text"`
	IsEnding  bool   `json:"is_ending"`
	IsWinning bool   `json:"is_winning"`
}

type choicesReply struct {
	Choices []choiceReply `json:"choices"`
}

// extractJSON вырезает JSON объект из ответа модели: модели любят оборачивать его
// в ```json ... ``` и добавлять текст вокруг.
func extractJSON(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```JSON")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return "", fmt.Errorf("%w: no JSON object found", errMalformed)
	}
	return s[start : end+1], nil
}

// ParseRoot разбирает ответ для корневой сцены. Ошибка формата временная:
// повторный запрос обычно дает нормальный ответ.
func ParseRoot(raw string) (RootContent, error) {
	r, _, err := decodeReply[rootReply](raw)
	if err != nil {
		return RootContent{}, err
	}
	r.Title = strings.TrimSpace(r.Title)
	r.Text = strings.TrimSpace(r.Text)
	if r.Text == "" {
		return RootContent{}, Transient(fmt.Errorf("%w: empty root text", errMalformed))
	}
	if r.Title == "" {
		r.Title = "Untitled Adventure"
	}
	return RootContent{Title: r.Title, Text: r.Text}, nil
}

// ParseChoices разбирает ответ со списком выборов.
func ParseChoices(raw string) ([]ChoiceContent, error) {
	r, repaired, err := decodeReply[choicesReply](raw)
	if err != nil {
		return nil, err
	}
	// концовка только при явном "choices": [], у достроенного ответа список мог оборваться
	if repaired && len(r.Choices) == 0 {
		return nil, Transient(fmt.Errorf("%w: truncated reply has no choices", errMalformed))
	}
	return validateChoices(r.Choices)
}

// validateChoices пустой список допустим: узел становится концовкой.
func validateChoices(in []choiceReply) ([]ChoiceContent, error) {
	out := make([]ChoiceContent, 0, len(in))
	for i, c := range in {
		label := strings.TrimSpace(c.Label)
		text := strings.TrimSpace(c.Text)
		if label == "" || text == "" {
			return nil, Transient(fmt.Errorf("%w: choice %d has empty label or text", errMalformed, i))
		}
		out = append(out, ChoiceContent{
			Label:     label,
			Text:      text,
			IsEnding:  c.IsEnding,
			IsWinning: c.IsEnding && c.IsWinning,
		})
	}
	return out, nil
}
