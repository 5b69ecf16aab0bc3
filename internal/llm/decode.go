package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// DecodeJSON decodes a model reply into target. Replies wrapped in a ```json
// fence or surrounded by prose are reduced to the outermost object first.
func DecodeJSON(content string, target any) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return errors.New("empty payload")
	}
	err := json.Unmarshal([]byte(content), target)
	if err == nil {
		return nil
	}

	object := extractObject(content)
	if object == "" || object == content {
		return fmt.Errorf("%w (payload: %s)", err, snippet(content))
	}
	if err := json.Unmarshal([]byte(object), target); err != nil {
		return fmt.Errorf("%w (payload: %s)", err, snippet(object))
	}
	return nil
}

func extractObject(content string) string {
	if _, rest, ok := strings.Cut(content, "```"); ok {
		rest = strings.TrimSpace(rest)
		if len(rest) >= 4 && strings.EqualFold(rest[:4], "json") {
			rest = rest[4:]
		}
		body, _, _ := strings.Cut(rest, "```")
		content = strings.TrimSpace(body)
	}
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return content
	}
	return content[start : end+1]
}

// snippet collapses whitespace and truncates s for error messages.
func snippet(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return "<empty>"
	}
	if r := []rune(s); len(r) > 160 {
		return string(r[:160]) + "..."
	}
	return s
}
