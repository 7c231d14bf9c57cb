// Package memory is the hierarchical compressor: every five un-summarized
// messages collapse into a MICRO node (draft then critic rewrite), every
// ten un-merged MICRO nodes collapse into a MACRO node with a historian
// saga entry, and the resulting spine feeds the director prompt.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/deeptavern/deeptavern/pkg/config"
	"github.com/deeptavern/deeptavern/pkg/embedders"
	"github.com/deeptavern/deeptavern/pkg/llms"
	"github.com/deeptavern/deeptavern/pkg/observability"
	"github.com/deeptavern/deeptavern/pkg/store"
	"github.com/deeptavern/deeptavern/pkg/vector"
)

// Window sizes are hard constants; partial windows wait for more turns.
const (
	microWindow = 5
	macroWindow = 10
)

const (
	defaultDraftPrompt = `请将以下对话压缩成一段简洁的第三人称叙述（微观记忆）。
保留：关键事件、人物行动、情绪变化、得失。
省略：口癖、重复、无信息量的寒暄。
时间: %s

【对话】
%s

直接输出压缩后的叙述，不要任何前缀。`

	defaultCriticPrompt = `你是记忆审核员。对照原文检查下面的摘要草稿，修正事实错误和遗漏的关键信息，输出最终版本。

【草稿】
%s

【原文】
%s

直接输出修正后的摘要，不要任何前缀或解释。`

	defaultMergePrompt = `请将以下微观记忆合并成一段连贯的宏观叙述，保持时间顺序，突出因果关系:
%s`

	defaultHistorianPrompt = `你是这个世界的史官。根据以下宏观记忆，以编年史的笔法撰写一段正式的章节记录:

%s`

	probePrompt = `Analyze the following dialogue:
%s

Identify ONE specific proper noun, event, or concept that needs external knowledge. Return ONLY the keyword. If nothing needs research, return 'NONE'.`
)

// Enqueuer accepts world-expansion keywords for background harvesting.
type Enqueuer interface {
	Enqueue(keyword string, priority int) bool
}

// Prompts are the role-prompt overrides; empty fields use the built-in
// templates. Each override must carry the same fmt verbs as its default.
type Prompts struct {
	Draft     string
	Critic    string
	Merge     string
	Historian string
}

func (p Prompts) withDefaults() Prompts {
	if p.Draft == "" {
		p.Draft = defaultDraftPrompt
	}
	if p.Critic == "" {
		p.Critic = defaultCriticPrompt
	}
	if p.Merge == "" {
		p.Merge = defaultMergePrompt
	}
	if p.Historian == "" {
		p.Historian = defaultHistorianPrompt
	}
	return p
}

// Compressor runs the per-turn compression pass.
type Compressor struct {
	llm       *llms.Registry
	store     *store.Store
	vec       vector.Provider
	embedder  embedders.Provider
	harvester Enqueuer // nil: probe disabled
	prompts   Prompts
}

// NewCompressor wires the compression pipeline. harvester may be nil.
func NewCompressor(llm *llms.Registry, st *store.Store, vec vector.Provider, embedder embedders.Provider, harvester Enqueuer, prompts Prompts) *Compressor {
	return &Compressor{
		llm:       llm,
		store:     st,
		vec:       vec,
		embedder:  embedder,
		harvester: harvester,
		prompts:   prompts.withDefaults(),
	}
}

// Run performs one compression pass for a session. A failed LLM call
// leaves the message window un-consumed so the next turn retries.
func (c *Compressor) Run(ctx context.Context, sessionID int64, sessionUUID, timelineTag string) error {
	msgs, err := c.store.UnsummarizedMessages(ctx, sessionID, microWindow)
	if err != nil {
		return fmt.Errorf("failed to read unsummarized messages: %w", err)
	}
	if len(msgs) < microWindow {
		return nil
	}

	var lines []string
	ids := make([]int64, 0, microWindow)
	for _, m := range msgs {
		lines = append(lines, m.Role+": "+m.Content)
		ids = append(ids, m.ID)
	}
	rawText := strings.Join(lines, "\n")

	c.probe(ctx, rawText)

	draft := c.llm.Call(ctx, config.RoleDraft, []llms.Message{{
		Role: llms.RoleUser, Content: fmt.Sprintf(c.prompts.Draft, timelineTag, rawText),
	}})
	if llms.IsError(draft) {
		return fmt.Errorf("draft compression failed: %s", draft)
	}

	final := c.llm.Call(ctx, config.RoleCritic, []llms.Message{{
		Role: llms.RoleUser, Content: fmt.Sprintf(c.prompts.Critic, draft, rawText),
	}})
	if llms.IsError(final) {
		return fmt.Errorf("critic rewrite failed: %s", final)
	}
	final = strings.TrimSpace(final)
	if final == "" {
		return fmt.Errorf("critic produced empty summary")
	}

	vecID := vector.NewMicroID(time.Now())
	if _, err := c.store.AddMemoryNode(ctx, sessionID, final, store.LevelMicro, timelineTag, vecID); err != nil {
		return fmt.Errorf("failed to persist micro node: %w", err)
	}
	if err := c.store.MarkMessagesSummarized(ctx, ids); err != nil {
		return fmt.Errorf("failed to mark messages summarized: %w", err)
	}

	c.upsertVector(ctx, vecID, final, map[string]any{
		vector.MetaType:      vector.TypeEpisodic,
		vector.MetaLevel:     vector.LevelMicro,
		vector.MetaTimeline:  timelineTag,
		vector.MetaSessionID: sessionUUID,
	})

	observability.GetGlobalMetrics().RecordMemoryNode(ctx, store.LevelMicro)
	slog.Info("Micro memory stored", "preview", preview(final, 50))

	return c.rollover(ctx, sessionID, sessionUUID)
}

// rollover merges ten un-merged MICRO nodes into one MACRO node and asks
// the historian for a saga entry.
func (c *Compressor) rollover(ctx context.Context, sessionID int64, sessionUUID string) error {
	micros, err := c.store.UnmergedMicroNodes(ctx, sessionID, macroWindow)
	if err != nil {
		return fmt.Errorf("failed to read micro nodes: %w", err)
	}
	if len(micros) < macroWindow {
		return nil
	}

	var lines []string
	ids := make([]int64, 0, macroWindow)
	for _, m := range micros {
		lines = append(lines, fmt.Sprintf("[%s] %s", m.TimelineTag, m.SummaryText))
		ids = append(ids, m.ID)
	}

	macro := c.llm.Call(ctx, config.RoleCritic, []llms.Message{{
		Role: llms.RoleUser, Content: fmt.Sprintf(c.prompts.Merge, strings.Join(lines, "\n")),
	}})
	if llms.IsError(macro) {
		return fmt.Errorf("macro merge failed: %s", macro)
	}
	macro = strings.TrimSpace(macro)
	if macro == "" {
		return fmt.Errorf("macro merge produced empty summary")
	}

	// The MACRO inherits its first constituent's timeline tag, anchoring
	// the node at the start of the span it covers.
	macroTag := micros[0].TimelineTag

	vecID := vector.NewMacroID(time.Now())
	if _, err := c.store.AddMemoryNode(ctx, sessionID, macro, store.LevelMacro, macroTag, vecID); err != nil {
		return fmt.Errorf("failed to persist macro node: %w", err)
	}
	if err := c.store.MarkNodesMerged(ctx, ids); err != nil {
		return fmt.Errorf("failed to mark micro nodes merged: %w", err)
	}

	c.upsertVector(ctx, vecID, macro, map[string]any{
		vector.MetaType:      vector.TypeEpisodic,
		vector.MetaLevel:     vector.LevelMacro,
		vector.MetaTimeline:  macroTag,
		vector.MetaSessionID: sessionUUID,
	})

	observability.GetGlobalMetrics().RecordMemoryNode(ctx, store.LevelMacro)
	slog.Info("Macro memory stored", "preview", preview(macro, 50))

	c.historian(ctx, sessionID, macro)
	return nil
}

func (c *Compressor) historian(ctx context.Context, sessionID int64, macro string) {
	saga := c.llm.Call(ctx, config.RoleHistorian, []llms.Message{{
		Role: llms.RoleUser, Content: fmt.Sprintf(c.prompts.Historian, macro),
	}})
	if llms.IsError(saga) {
		slog.Warn("Historian failed", "error", saga)
		return
	}

	if err := c.store.AddSagaEntry(ctx, sessionID, strings.TrimSpace(saga)); err != nil {
		slog.Warn("Failed to archive saga entry", "error", err)
		return
	}
	slog.Info("Saga chapter archived")
}

// probe asks for one proper noun worth researching and enqueues it into
// the harvester at low priority. Best-effort.
func (c *Compressor) probe(ctx context.Context, rawText string) {
	if c.harvester == nil {
		return
	}

	sample := rawText
	if runes := []rune(sample); len(runes) > 2000 {
		sample = string(runes[:2000])
	}

	reply := c.llm.Call(ctx, config.RoleDraft, []llms.Message{{
		Role: llms.RoleUser, Content: fmt.Sprintf(probePrompt, sample),
	}})
	if llms.IsError(reply) {
		return
	}

	keyword := strings.NewReplacer(`"`, "", `'`, "").Replace(reply)
	if idx := strings.IndexByte(keyword, '\n'); idx >= 0 {
		keyword = keyword[:idx]
	}
	keyword = strings.TrimSpace(keyword)

	if keyword == "" || strings.Contains(strings.ToUpper(keyword), "NONE") || len([]rune(keyword)) >= 30 {
		return
	}

	if c.harvester.Enqueue(keyword, 5) {
		slog.Info("World-expansion probe queued", "keyword", keyword)
	}
}

func (c *Compressor) upsertVector(ctx context.Context, id, text string, metadata map[string]any) {
	if c.vec == nil || c.embedder == nil {
		return
	}

	vec, err := c.embedder.Embed(ctx, text)
	if err != nil {
		slog.Warn("Memory embedding failed", "id", id, "error", err)
		return
	}

	metadata["content"] = text
	if err := c.vec.Upsert(ctx, vector.CollectionMemory, id, vec, metadata); err != nil {
		slog.Warn("Memory vector upsert failed", "id", id, "error", err)
	}
}

func preview(text string, n int) string {
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[:n]) + "..."
}
