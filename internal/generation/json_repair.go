package generation

import (
	"encoding/json"
	"fmt"
	"strings"
)

// closeTruncatedJSON дописывает недостающие закрывающие скобки, если ответ модели
// оборвался по лимиту токенов. cutString true, если пришлось закрыть незакрытую
// строку: такой текст оборван на полуслове. Скобки внутри строк не считаются.
func closeTruncatedJSON(s string) (repaired string, cutString bool) {
	var stack []byte
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if n := len(stack); n > 0 && stack[n-1] == ch {
				stack = stack[:n-1]
			}
		}
	}
	if !inString && len(stack) == 0 {
		return s, false
	}

	var b strings.Builder
	b.Grow(len(s) + len(stack) + 1)
	b.WriteString(s)
	if inString {
		if escaped {
			b.WriteByte('\\')
		}
		b.WriteByte('"')
	}
	for i := len(stack) - 1; i >= 0; i-- {
		b.WriteByte(stack[i])
	}
	return b.String(), inString
}

// decodeReply разбирает JSON из ответа модели, при неудаче пробует достроить
// оборванный ответ. repaired true, если ответ пришлось достраивать.
// Любая ошибка формата временная, оборванная строка тоже.
func decodeReply[T any](raw string) (out T, repaired bool, err error) {
	obj, err := extractJSON(raw)
	if err == nil {
		if err = json.Unmarshal([]byte(obj), &out); err == nil {
			return out, false, nil
		}
	}

	s := strings.TrimSpace(raw)
	if start := strings.Index(s, "{"); start >= 0 {
		tail := strings.TrimSpace(strings.TrimRight(s[start:], "`"))
		closed, cut := closeTruncatedJSON(tail)
		if cut {
			return out, true, Transient(fmt.Errorf("%w: reply cut off inside a string", errMalformed))
		}
		var fixed T
		if rerr := json.Unmarshal([]byte(closed), &fixed); rerr == nil {
			return fixed, true, nil
		}
	}
	return out, false, Transient(fmt.Errorf("%w: %v", errMalformed, err))
}
