package memory

import (
	"context"
	"strings"

	"github.com/deeptavern/deeptavern/pkg/llms"
	"github.com/deeptavern/deeptavern/pkg/store"
)

// Spine returns the memory spine for the director prompt: every MACRO
// line followed by every un-merged MICRO line, oldest first. A positive
// budget truncates oldest-first so the newest memories always survive.
func Spine(ctx context.Context, st *store.Store, sessionID int64, budget int, counter *llms.TokenCounter) (string, error) {
	spine, err := st.MemorySpine(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return TruncateSpine(spine, budget, counter), nil
}

// TruncateSpine drops leading lines until the spine fits the token
// budget. Zero or negative budget means unlimited.
func TruncateSpine(spine string, budget int, counter *llms.TokenCounter) string {
	if budget <= 0 || spine == "" {
		return spine
	}

	lines := strings.Split(strings.TrimRight(spine, "\n"), "\n")
	counts := make([]int, len(lines))
	total := 0
	for i, line := range lines {
		counts[i] = counter.Count(line)
		total += counts[i]
	}

	start := 0
	for total > budget && start < len(lines)-1 {
		total -= counts[start]
		start++
	}

	return strings.Join(lines[start:], "\n") + "\n"
}
