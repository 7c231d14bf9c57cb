package graph

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/deeptavern/deeptavern/pkg/config"
	"github.com/deeptavern/deeptavern/pkg/llms"
)

const defaultExtractorPrompt = `[System: Knowledge Graph Extractor]
Analyze the narrative and extract Entities and Relationships.

[Input Text]
%s

[Instructions]
1. Identify key entities (Characters, Locations, Items, Factions).
2. Identify relationships between them (e.g., hates, loves, owns, located_in, member_of).
3. Output strictly in JSON format:
{
  "triplets": [
    {"source": "Alice", "relation": "owns", "target": "Rusty Sword", "desc": "Alice found it in the cave"},
    {"source": "Alice", "relation": "located_in", "target": "Dark Cave", "desc": ""}
  ]
}
4. If no significant relationship changes, return empty list.`

// Extractor mines entity triples from each finished exchange and feeds
// them into the graph. Runs as a background task; failures only log.
type Extractor struct {
	llm    *llms.Registry
	store  *Store
	prompt string
}

// NewExtractor builds the extractor. A non-empty rolePrompt replaces the
// built-in template and must contain one %s verb for the exchange text.
func NewExtractor(llm *llms.Registry, store *Store, rolePrompt string) *Extractor {
	if rolePrompt == "" {
		rolePrompt = defaultExtractorPrompt
	}
	return &Extractor{llm: llm, store: store, prompt: rolePrompt}
}

// Extract runs one extraction pass over the latest exchange.
func (e *Extractor) Extract(ctx context.Context, userInput, narratorOutput string) {
	text := fmt.Sprintf("玩家: %s\n叙事者: %s", userInput, narratorOutput)
	prompt := fmt.Sprintf(e.prompt, text)

	raw := e.llm.Call(ctx, config.RoleExtractor, []llms.Message{{Role: llms.RoleUser, Content: prompt}})

	var reply struct {
		Triplets []Triplet `json:"triplets"`
	}
	if !llms.ExtractJSON(raw, &reply) {
		if llms.IsError(raw) {
			slog.Warn("Graph extraction failed", "error", raw)
		}
		return
	}

	valid := make([]Triplet, 0, len(reply.Triplets))
	var preview []string
	for _, t := range reply.Triplets {
		if strings.TrimSpace(t.Source) == "" || strings.TrimSpace(t.Relation) == "" || strings.TrimSpace(t.Target) == "" {
			continue
		}
		valid = append(valid, t)
		if len(preview) < 3 {
			preview = append(preview, fmt.Sprintf("(%s--%s-->%s)", t.Source, t.Relation, t.Target))
		}
	}
	if len(valid) == 0 {
		return
	}

	e.store.AddTripletsBatch(ctx, valid)
	slog.Info("Graph updated", "relations", len(valid), "preview", strings.Join(preview, ", "))
}
