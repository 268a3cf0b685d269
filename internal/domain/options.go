package domain

import (
	"strings"
	"unicode/utf8"
)

// GenerationOptions параметры формы дерева истории.
type GenerationOptions struct {
	MaxDepth        int `json:"max_depth"`
	BranchingFactor int `json:"branching_factor"`
}

// OptionLimits значения по умолчанию и верхние границы, приходят из конфигурации.
type OptionLimits struct {
	DefaultMaxDepth        int
	DefaultBranchingFactor int
	MaxDepth               int
	MaxBranchingFactor     int
	MaxPromptLength        int
}

// Normalize подставляет значения по умолчанию вместо нулей и проверяет границы.
func (o GenerationOptions) Normalize(l OptionLimits) (GenerationOptions, error) {
	if o.MaxDepth < 0 {
		return o, NewValidationError("options.max_depth", "must be positive, got %d", o.MaxDepth)
	}
	if o.BranchingFactor < 0 {
		return o, NewValidationError("options.branching_factor", "must be positive, got %d", o.BranchingFactor)
	}
	if o.MaxDepth == 0 {
		o.MaxDepth = l.DefaultMaxDepth
	}
	if o.BranchingFactor == 0 {
		o.BranchingFactor = l.DefaultBranchingFactor
	}
	if l.MaxDepth > 0 && o.MaxDepth > l.MaxDepth {
		return o, NewValidationError("options.max_depth", "must not exceed %d, got %d", l.MaxDepth, o.MaxDepth)
	}
	if l.MaxBranchingFactor > 0 && o.BranchingFactor > l.MaxBranchingFactor {
		return o, NewValidationError("options.branching_factor", "must not exceed %d, got %d", l.MaxBranchingFactor, o.BranchingFactor)
	}
	return o, nil
}

// NormalizePrompt обрезает пробелы и проверяет длину в символах.
func NormalizePrompt(prompt string, maxLen int) (string, error) {
	p := strings.TrimSpace(prompt)
	if p == "" {
		return "", NewValidationError("prompt", "must not be empty")
	}
	if maxLen > 0 && utf8.RuneCountInString(p) > maxLen {
		return "", NewValidationError("prompt", "must be at most %d characters", maxLen)
	}
	return p, nil
}
