package rules

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/deeptavern/deeptavern/pkg/config"
	"github.com/deeptavern/deeptavern/pkg/embedders"
	"github.com/deeptavern/deeptavern/pkg/llms"
	"github.com/deeptavern/deeptavern/pkg/vector"
)

const ruleCandidates = 5

// Service retrieves the rules that apply to a turn: vector candidates
// filtered by a reflex-model selection, unioned with the always-on set.
type Service struct {
	store    *Store
	vec      vector.Provider
	embedder embedders.Provider
	llm      *llms.Registry
}

// NewService wires the retrieval path.
func NewService(st *Store, vec vector.Provider, embedder embedders.Provider, llm *llms.Registry) *Service {
	return &Service{store: st, vec: vec, embedder: embedder, llm: llm}
}

// Retrieve returns the numbered rule text for this turn. Every failure
// degrades: a broken vector search or selection call still yields the
// always-on rules.
func (s *Service) Retrieve(ctx context.Context, userInput, searchQuery string) string {
	active, err := s.store.AlwaysOn(ctx)
	if err != nil {
		slog.Warn("Failed to load always-on rules", "error", err)
	}

	candidates := s.searchCandidates(ctx, searchQuery)
	if len(candidates) > 0 {
		selected := s.selectCandidates(ctx, userInput, candidates)
		for _, idx := range selected {
			r := candidates[idx-1]
			content := r.Content
			if full, ok := r.Metadata["full_content"].(string); ok && full != "" {
				content = full
			}
			active = append(active, content)
		}
		slog.Info("Rules retrieved", "candidates", len(candidates), "selected", len(selected), "always_on", len(active)-len(selected))
	}

	if len(active) == 0 {
		return ""
	}

	numbered := make([]string, 0, len(active))
	for i, rule := range active {
		numbered = append(numbered, fmt.Sprintf("%d. %s", i+1, rule))
	}
	return strings.Join(numbered, "\n\n")
}

func (s *Service) searchCandidates(ctx context.Context, query string) []vector.Result {
	if s.vec == nil || s.embedder == nil || strings.TrimSpace(query) == "" {
		return nil
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		slog.Warn("Rule query embedding failed", "error", err)
		return nil
	}

	results, err := s.vec.Search(ctx, vector.CollectionRules, vec, ruleCandidates, nil)
	if err != nil {
		slog.Warn("Rule search failed", "error", err)
		return nil
	}
	return results
}

func (s *Service) selectCandidates(ctx context.Context, userInput string, candidates []vector.Result) []int {
	var options strings.Builder
	for i, r := range candidates {
		preview := strings.ReplaceAll(r.Content, "\n", " ")
		if runes := []rune(preview); len(runes) > 100 {
			preview = string(runes[:100])
		}
		fmt.Fprintf(&options, "Option %d: %s...\n", i+1, preview)
	}

	prompt := fmt.Sprintf("User Input: %s\nCandidates:\n%s\nTask: Which rules apply? Output numbers (e.g. 1,3) or NONE.",
		userInput, options.String())

	reply := s.llm.Call(ctx, config.RoleReflex, []llms.Message{{Role: llms.RoleUser, Content: prompt}})
	if llms.IsError(reply) {
		slog.Warn("Rule selection failed", "error", reply)
		return nil
	}

	return ParseSelection(reply, len(candidates))
}

var selectionNumberRe = regexp.MustCompile(`\d+`)

// ParseSelection pulls rule indices out of a model reply. Tolerant by
// construction: any integers within [1..max] count, deduplicated in order
// of appearance; NONE or garbage yields nothing.
func ParseSelection(reply string, max int) []int {
	if strings.TrimSpace(reply) == "" || strings.Contains(strings.ToUpper(reply), "NONE") {
		return nil
	}

	seen := map[int]bool{}
	var out []int
	for _, m := range selectionNumberRe.FindAllString(reply, -1) {
		n, err := strconv.Atoi(m)
		if err != nil || n < 1 || n > max || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// Ingest stores a fragment and mirrors it into the rules_memory vector
// collection under a rule_{id} document ID.
func (s *Service) Ingest(ctx context.Context, f Fragment) (int64, error) {
	id, err := s.store.Upsert(ctx, f)
	if err != nil {
		return 0, err
	}

	if s.vec == nil || s.embedder == nil {
		return id, nil
	}

	vectorText := fmt.Sprintf("[%s] %s\nTags: %s\n%s", f.Category, f.Summary, f.RequiredTags, f.Content)
	vec, err := s.embedder.Embed(ctx, vectorText)
	if err != nil {
		return id, fmt.Errorf("fragment stored but embedding failed: %w", err)
	}

	metadata := map[string]any{
		"content":      vectorText,
		"full_content": f.Content,
		"category":     f.Category,
		"tags":         f.RequiredTags,
		"scope":        f.ScopeType,
		"source":       f.SourcePreset,
		"summary":      f.Summary,
	}
	if err := s.vec.Upsert(ctx, vector.CollectionRules, vector.RuleID(id), vec, metadata); err != nil {
		return id, fmt.Errorf("fragment stored but vector mirror failed: %w", err)
	}

	return id, nil
}
