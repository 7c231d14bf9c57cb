package state

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/deeptavern/deeptavern/pkg/cache"
	"github.com/deeptavern/deeptavern/pkg/config"
	"github.com/deeptavern/deeptavern/pkg/llms"
	"github.com/deeptavern/deeptavern/pkg/store"
)

const defaultStatusPrompt = `你是游戏状态引擎。根据最新一轮对话，输出世界状态的增量更新。

【状态结构 (JSON Schema)】
%s

【当前状态】
%s

【最新对话】
玩家: %s
叙事者: %s

【任务】
分析对话中发生的状态变化（时间流逝、HP/MP 增减、物品得失、技能变化、关系变化、场景与氛围变化）。
严格输出 JSON，不要输出其他内容:
{"timeline_tag": "Day D, HH:MM", "state": {<只包含发生变化的字段，结构与上面的 Schema 一致>}}
如果没有任何变化，state 留空对象，仅推进时间。`

// statusReply is the shape the status model must return.
type statusReply struct {
	TimelineTag string         `json:"timeline_tag"`
	State       map[string]any `json:"state"`
}

// Engine applies LLM-extracted state deltas after each turn and owns
// rollback. It is the first post-turn task: the compressor needs the
// timeline tag it produces.
type Engine struct {
	llm    *llms.Registry
	store  *store.Store
	cache  cache.Cache
	prompt string
}

// NewEngine builds the state engine. A non-empty prompt from the role
// config overrides the built-in template.
func NewEngine(llm *llms.Registry, st *store.Store, c cache.Cache, rolePrompt string) *Engine {
	return &Engine{llm: llm, store: st, cache: c, prompt: rolePrompt}
}

// Current returns the normalized current state, preferring the hot cache
// and re-priming it on a miss.
func (e *Engine) Current(ctx context.Context, sessionID int64, sessionUUID string) State {
	if cached, ok := e.cache.State(sessionUUID); ok {
		return Parse(cached)
	}

	stateJSON, err := e.store.CurrentState(ctx, sessionID)
	if err != nil {
		slog.Warn("Failed to read current state, using defaults", "error", err)
		return Default()
	}

	s := Parse(stateJSON)
	e.cache.SetState(sessionUUID, s.JSON())
	return s
}

// Update extracts a state delta from the latest exchange, deep-merges it,
// persists the result with a snapshot keyed by the assistant message, and
// returns the new timeline tag. Any extraction failure degrades to the
// default ten-minute clock advance; the turn always produces exactly one
// snapshot.
func (e *Engine) Update(ctx context.Context, sessionID int64, sessionUUID, userInput, narratorOutput string, assistantMessageID int64) string {
	current := e.Current(ctx, sessionID, sessionUUID)

	prompt := e.prompt
	if prompt == "" {
		prompt = fmt.Sprintf(defaultStatusPrompt, SchemaJSON(), current.JSON(), userInput, narratorOutput)
	} else {
		prompt = fmt.Sprintf("%s\n\n【当前状态】\n%s\n\n【最新对话】\n玩家: %s\n叙事者: %s",
			prompt, current.JSON(), userInput, narratorOutput)
	}

	raw := e.llm.Call(ctx, config.RoleStatus, []llms.Message{{Role: llms.RoleUser, Content: prompt}})

	var reply statusReply
	if !llms.ExtractJSON(raw, &reply) || len(reply.State) == 0 {
		if llms.IsError(raw) {
			slog.Warn("Status model failed, advancing clock", "error", raw)
		} else {
			slog.Info("No state delta extracted, advancing clock")
		}
		return e.advanceDefault(ctx, sessionID, sessionUUID, current, assistantMessageID)
	}

	merged := DeepMerge(current, reply.State)

	tag := reply.TimelineTag
	if _, touched := reply.State["world_time"]; touched || tag == "" {
		tag = merged.TimelineTag()
	}

	changes := Diff(current, merged)
	diff := DiffSummary(changes)
	if diff == "" {
		diff = "Time: " + tag
	}

	if err := e.store.SaveState(ctx, sessionID, merged.JSON(), diff, assistantMessageID); err != nil {
		slog.Error("Failed to persist state", "error", err)
		return current.TimelineTag()
	}

	if len(changes) > 0 {
		slog.Info("State changed", "changes", diff)
	}
	e.recordRelationshipChanges(ctx, sessionID, current, merged)
	e.cache.SetState(sessionUUID, merged.JSON())

	slog.Info("Time advanced", "timeline", tag)
	return tag
}

// advanceDefault applies the fixed clock step and commits it as this
// turn's snapshot.
func (e *Engine) advanceDefault(ctx context.Context, sessionID int64, sessionUUID string, current State, assistantMessageID int64) string {
	advanced := current.AdvanceClock(DefaultAdvanceMinutes)
	tag := advanced.TimelineTag()

	if err := e.store.SaveState(ctx, sessionID, advanced.JSON(), "Auto time advance", assistantMessageID); err != nil {
		slog.Error("Failed to persist advanced clock", "error", err)
		return current.TimelineTag()
	}

	e.cache.SetState(sessionUUID, advanced.JSON())
	return tag
}

// recordRelationshipChanges mirrors new or changed relationships into the
// relational audit table.
func (e *Engine) recordRelationshipChanges(ctx context.Context, sessionID int64, old, new State) {
	oldRels := old.subtree("relationships")
	newRels := new.subtree("relationships")

	for _, name := range sortedKeys(newRels) {
		oldVal, existed := oldRels[name]
		if existed && fmt.Sprint(newRels[name]) == fmt.Sprint(oldVal) {
			continue
		}

		relation := ""
		lastEvent := ""
		if info, ok := newRels[name].(map[string]any); ok {
			relation = asString(info[RelKeyRelation], "")
			if events := asStringSlice(info[RelKeyEvents]); len(events) > 0 {
				lastEvent = events[len(events)-1]
			}
		}

		if err := e.store.RecordRelationship(ctx, sessionID, name, 0, relation, lastEvent); err != nil {
			slog.Warn("Failed to record relationship", "name", name, "error", err)
		}
	}
}

// Rollback restores the latest snapshot at or before the target message,
// deletes everything past it, and resets the hot cache: cleared, then
// re-primed with the restored state and the surviving context window.
func (e *Engine) Rollback(ctx context.Context, sessionID int64, sessionUUID string, targetMessageID int64, historyLimit int) error {
	restored, err := e.store.Rollback(ctx, sessionID, targetMessageID)
	if err != nil {
		return fmt.Errorf("rollback failed: %w", err)
	}

	e.cache.Clear(sessionUUID)
	e.cache.SetState(sessionUUID, Parse(restored).JSON())

	messages, err := e.store.RecentMessages(ctx, sessionID, historyLimit)
	if err != nil {
		slog.Warn("Failed to re-prime context after rollback", "error", err)
		return nil
	}

	window := make([]cache.Message, 0, len(messages))
	for _, m := range messages {
		window = append(window, cache.Message{ID: m.ID, Role: m.Role, Content: m.Content})
	}
	e.cache.SetContext(sessionUUID, window)

	slog.Info("Rolled back", "target_message", targetMessageID, "context_len", len(window))
	return nil
}
