package llms

import (
	"encoding/json"
	"regexp"
	"strings"
)

var fencedBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// ExtractJSON pulls a JSON object out of model output. Models wrap JSON
// in prose or fenced blocks as often as not, so this tries the raw text,
// then any fenced block, then the outermost brace span. Returns false
// when nothing parses; callers apply their deterministic fallback.
func ExtractJSON(text string, out any) bool {
	text = strings.TrimSpace(text)
	if text == "" || IsError(text) {
		return false
	}

	if json.Unmarshal([]byte(text), out) == nil {
		return true
	}

	if m := fencedBlockRe.FindStringSubmatch(text); m != nil {
		if json.Unmarshal([]byte(strings.TrimSpace(m[1])), out) == nil {
			return true
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		if json.Unmarshal([]byte(text[start:end+1]), out) == nil {
			return true
		}
	}

	return false
}
