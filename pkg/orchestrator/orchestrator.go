// Package orchestrator sequences one conversation turn: reflex intent
// analysis, rules / memory / graph retrieval, the director's plan, the
// streamed narrator reply, and the post-turn fan-out that keeps state,
// memory, and the knowledge graph current.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/deeptavern/deeptavern/pkg/cache"
	"github.com/deeptavern/deeptavern/pkg/config"
	"github.com/deeptavern/deeptavern/pkg/embedders"
	"github.com/deeptavern/deeptavern/pkg/graph"
	"github.com/deeptavern/deeptavern/pkg/llms"
	"github.com/deeptavern/deeptavern/pkg/logger"
	"github.com/deeptavern/deeptavern/pkg/memory"
	"github.com/deeptavern/deeptavern/pkg/observability"
	"github.com/deeptavern/deeptavern/pkg/rules"
	"github.com/deeptavern/deeptavern/pkg/state"
	"github.com/deeptavern/deeptavern/pkg/store"
	"github.com/deeptavern/deeptavern/pkg/vector"
)

const (
	historyWindow  = 20
	reflexWindow   = 5
	graphTopK      = 5
	previewRunes   = 80
	minGraphRunes  = 100
	minSocioRunes  = 50
	deepModeHits   = 100
	normalModeHits = 20
	rerankFloor    = 0.2

	// narratorSentinel is yielded when the narrator dies before a single
	// token; the client can retry the turn verbatim.
	narratorSentinel = "(叙事者故障，请重试)"

	refusalText = "系统拦截：输入包含不安全内容。"
)

// Chunk is one unit of the turn stream.
type Chunk struct {
	Type string `json:"type"` // "text" | "preview" | "error"
	Text string `json:"text"`
}

// Session is the active session plus the character persona bound to it.
type Session struct {
	store.Session
	Persona string
}

// SessionSource provides the process-wide active session.
type SessionSource interface {
	Active() (Session, bool)
}

// Deps wires the orchestrator. Graph, Extractor, Compressor, Reranker,
// Vector, and Embedder are optional; the matching stage degrades to an
// empty result when absent.
type Deps struct {
	Config     *config.Config
	LLM        *llms.Registry
	Store      *store.Store
	Rules      *rules.Service
	Graph      *graph.Store
	Extractor  *graph.Extractor
	Compressor *memory.Compressor
	State      *state.Engine
	Vector     vector.Provider
	Embedder   embedders.Provider
	Reranker   embedders.Reranker
	Cache      cache.Cache
	Sessions   SessionSource
	Counter    *llms.TokenCounter
}

// Orchestrator owns the turn pipeline. One turn per session runs at a
// time; different sessions do not serialize against each other.
type Orchestrator struct {
	d Deps

	reflexPrompt      string
	directorPrompt    string
	narratorPrompt    string
	sociologistPrompt string

	historyLimit int

	mu        sync.Mutex
	turnLocks map[string]*sync.Mutex
	turns     sync.WaitGroup
}

// New builds the orchestrator. Role prompts configured in the document
// replace the built-in templates.
func New(d Deps) *Orchestrator {
	o := &Orchestrator{
		d:                 d,
		reflexPrompt:      defaultReflexPrompt,
		directorPrompt:    defaultDirectorPrompt,
		narratorPrompt:    defaultNarratorPrompt,
		sociologistPrompt: defaultSociologistPrompt,
		historyLimit:      historyWindow,
		turnLocks:         map[string]*sync.Mutex{},
	}

	if d.Config != nil {
		if p := d.Config.Roles[config.RoleReflex].Prompt; p != "" {
			o.reflexPrompt = p
		}
		if p := d.Config.Roles[config.RoleDirector].Prompt; p != "" {
			o.directorPrompt = p
		}
		if p := d.Config.Roles[config.RoleNarrator].Prompt; p != "" {
			o.narratorPrompt = p
		}
		if p := d.Config.Roles[config.RoleSociologist].Prompt; p != "" {
			o.sociologistPrompt = p
		}
		if d.Config.Cache.HistoryLimit > 0 {
			o.historyLimit = d.Config.Cache.HistoryLimit
		}
	}
	if o.d.Cache == nil {
		o.d.Cache = cache.Noop{}
	}

	return o
}

// Chat runs one turn and streams it. The channel closes when the
// narration ends; post-turn persistence and background tasks continue
// after that without blocking the consumer.
func (o *Orchestrator) Chat(ctx context.Context, userInput string, deep, lite bool) (<-chan Chunk, error) {
	sess, ok := o.d.Sessions.Active()
	if !ok {
		return nil, fmt.Errorf("no active session")
	}

	out := make(chan Chunk, 64)
	o.turns.Add(1)
	go func() {
		defer o.turns.Done()
		o.runTurn(ctx, sess, userInput, deep, lite, out)
	}()

	return out, nil
}

// Wait blocks until every in-flight turn, including its post-turn work,
// has finished. Called on shutdown.
func (o *Orchestrator) Wait() {
	o.turns.Wait()
}

func (o *Orchestrator) turnLock(sessionUUID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	lock, ok := o.turnLocks[sessionUUID]
	if !ok {
		lock = &sync.Mutex{}
		o.turnLocks[sessionUUID] = lock
	}
	return lock
}

func (o *Orchestrator) runTurn(ctx context.Context, sess Session, userInput string, deep, lite bool, out chan<- Chunk) {
	lock := o.turnLock(sess.UUID)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	slog.Info("Turn started", "session", sess.UUID, "deep", deep, "lite", lite)

	history := o.history(ctx, sess)
	current := o.d.State.Current(ctx, sess.ID, sess.UUID)

	searchQuery := userInput
	rulesText := ""
	ragText := ""
	verdict := "（轻量模式跳过）"

	if !lite {
		query, blocked := o.reflex(ctx, history, userInput)
		if blocked {
			out <- Chunk{Type: "error", Text: refusalText}
			close(out)
			observability.GetGlobalMetrics().RecordTurn(ctx, time.Since(start), fmt.Errorf("blocked"))
			return
		}
		searchQuery = query

		rulesText = o.d.Rules.Retrieve(ctx, userInput, searchQuery)
		ragText = o.retrieveMemories(ctx, sess.UUID, searchQuery, deep)

		if o.d.Graph != nil {
			if graphCtx := o.d.Graph.SearchSubgraph(ctx, searchQuery, graphTopK, 1, 0); graphCtx != "" {
				ragText += "\n\n【知识图谱】\n" + graphCtx
				slog.Info("Graph context found", "query", searchQuery)
			}
		}

		verdict = o.direct(ctx, sess, current, history, rulesText, ragText, userInput)
		preview := truncateRunes(verdict, previewRunes)
		logger.DefaultBus().PublishDirector(preview)
		out <- Chunk{Type: "preview", Text: preview}
	}

	messages := o.narratorMessages(sess, current, history, verdict, rulesText, userInput)
	full := o.narrate(ctx, messages, out)
	close(out)

	// The consumer has the whole narration; persistence and background
	// tasks survive a dropped client connection.
	o.finalize(context.WithoutCancel(ctx), sess, userInput, full, searchQuery, messages, ragText)

	observability.GetGlobalMetrics().RecordTurn(ctx, time.Since(start), nil)
	slog.Info("Turn finished", "session", sess.UUID, "elapsed", time.Since(start).Round(time.Millisecond))
}

// history returns the hot context window, re-priming the cache from the
// store on a miss.
func (o *Orchestrator) history(ctx context.Context, sess Session) []cache.Message {
	if window, ok := o.d.Cache.Context(sess.UUID); ok {
		return window
	}

	msgs, err := o.d.Store.RecentMessages(ctx, sess.ID, o.historyLimit)
	if err != nil {
		slog.Warn("Failed to read history", "error", err)
		return nil
	}

	window := make([]cache.Message, 0, len(msgs))
	for _, m := range msgs {
		window = append(window, cache.Message{ID: m.ID, Role: m.Role, Content: m.Content})
	}
	o.d.Cache.SetContext(sess.UUID, window)
	return window
}

// reflex extracts the search query for this turn and checks the policy
// verdict. A BLOCK verdict only holds when the raw input does not itself
// contain the marker, so quoting the word back is not self-censoring.
func (o *Orchestrator) reflex(ctx context.Context, history []cache.Message, userInput string) (string, bool) {
	tail := history
	if len(tail) > reflexWindow {
		tail = tail[len(tail)-reflexWindow:]
	}

	reply := o.d.LLM.Call(ctx, config.RoleReflex, []llms.Message{{
		Role:    llms.RoleUser,
		Content: fmt.Sprintf(o.reflexPrompt, formatHistory(tail), userInput),
	}})
	if llms.IsError(reply) {
		slog.Warn("Reflex failed, searching on raw input", "error", reply)
		return userInput, false
	}

	if strings.Contains(strings.ToUpper(reply), "BLOCK") && !strings.Contains(strings.ToUpper(userInput), "BLOCK") {
		slog.Warn("Input blocked by reflex verdict")
		return "", true
	}

	query := strings.ReplaceAll(reply, `"`, "")
	query = strings.ReplaceAll(query, "Search Query:", "")
	query = strings.TrimSpace(query)
	if query == "" {
		query = userInput
	}

	slog.Info("Reflex query", "query", query)
	return query, false
}

// retrieveMemories searches episodic memory and shared lore, reranks
// when a reranker is configured, and drops weak hits.
func (o *Orchestrator) retrieveMemories(ctx context.Context, sessionUUID, query string, deep bool) string {
	if o.d.Vector == nil || o.d.Embedder == nil {
		return "无相关记忆"
	}

	hits := normalModeHits
	if deep {
		hits = deepModeHits
	}

	qv, err := o.d.Embedder.Embed(ctx, query)
	if err != nil {
		slog.Warn("Memory query embedding failed", "error", err)
		return "无相关记忆"
	}

	results, err := o.d.Vector.Search(ctx, vector.CollectionMemory, qv, hits, &vector.Filter{
		SessionID:   sessionUUID,
		IncludeLore: true,
	})
	if err != nil {
		slog.Warn("Memory search failed", "error", err)
		return "无相关记忆"
	}
	if len(results) == 0 {
		return "无相关记忆"
	}

	kept := o.rerank(ctx, query, results)
	if len(kept) == 0 {
		return "无相关记忆"
	}

	lines := make([]string, 0, len(kept))
	for _, content := range kept {
		lines = append(lines, "- "+content)
	}
	slog.Info("Memories recalled", "hits", len(results), "kept", len(kept))
	return strings.Join(lines, "\n")
}

// rerank rescores the hits and drops everything at or below the floor.
// Without a reranker the vector order and scores stand.
func (o *Orchestrator) rerank(ctx context.Context, query string, results []vector.Result) []string {
	if o.d.Reranker == nil {
		return o.withoutReranker(results)
	}

	docs := make([]string, len(results))
	for i, r := range results {
		docs[i] = r.Content
	}

	scored, err := o.d.Reranker.Rerank(ctx, query, docs, len(docs))
	if err != nil {
		slog.Warn("Rerank failed, keeping vector order", "error", err)
		return o.withoutReranker(results)
	}

	var kept []string
	for _, s := range scored {
		if s.Score > rerankFloor && s.Index >= 0 && s.Index < len(docs) {
			kept = append(kept, docs[s.Index])
		}
	}
	return kept
}

func (o *Orchestrator) withoutReranker(results []vector.Result) []string {
	var kept []string
	for _, r := range results {
		if float64(r.Score) > rerankFloor {
			kept = append(kept, r.Content)
		}
	}
	return kept
}

// direct asks the director for this turn's plan.
func (o *Orchestrator) direct(ctx context.Context, sess Session, current state.State, history []cache.Message, rulesText, ragText, userInput string) string {
	spine := ""
	if s, err := memory.Spine(ctx, o.d.Store, sess.ID, 0, o.d.Counter); err == nil {
		spine = s
	} else {
		slog.Warn("Failed to build memory spine", "error", err)
	}

	recent := history
	if len(recent) > 10 {
		recent = recent[len(recent)-10:]
	}
	recentText := formatHistory(recent)
	if recentText == "" {
		recentText = "(对话刚开始)"
	}

	scene := current.Scene()
	prompt := fmt.Sprintf(o.directorPrompt,
		current.TimelineTag(),
		scene.Location, scene.Atmosphere, scene.Weather,
		scene.NPCsPresent,
		current.FormatPlayerStatus(),
		current.FormatRelationships(),
		current.FormatSkillsAndItems(),
		current.JSON(),
		rulesText,
		spine,
		ragText,
		recentText,
		userInput,
	)

	verdict := o.d.LLM.Call(ctx, config.RoleDirector, []llms.Message{{Role: llms.RoleUser, Content: prompt}})
	if llms.IsError(verdict) {
		slog.Warn("Director failed, narrator runs unplanned", "error", verdict)
		return "（导演缺席，自由发挥）"
	}

	slog.Info("Director verdict", "preview", truncateRunes(verdict, 500))
	return verdict
}

func (o *Orchestrator) narratorMessages(sess Session, current state.State, history []cache.Message, verdict, rulesText, userInput string) []llms.Message {
	scene := current.Scene()
	system := fmt.Sprintf(o.narratorPrompt,
		state.AtmosphereStyle(scene.Atmosphere),
		current.FormatPersonaVoice(),
		scene.Location, scene.NPCsPresent,
		verdict,
		rulesText,
		sess.Persona,
	)

	recent := history
	if len(recent) > historyWindow {
		recent = recent[len(recent)-historyWindow:]
	}

	messages := make([]llms.Message, 0, len(recent)+2)
	messages = append(messages, llms.Message{Role: llms.RoleSystem, Content: system})
	for _, m := range recent {
		messages = append(messages, llms.Message{Role: m.Role, Content: m.Content})
	}
	return append(messages, llms.Message{Role: llms.RoleUser, Content: userInput})
}

// narrate streams the reply, forwarding tokens as they arrive. If the
// narrator dies before producing anything, the sentinel is both yielded
// and recorded as the assistant message.
func (o *Orchestrator) narrate(ctx context.Context, messages []llms.Message, out chan<- Chunk) string {
	stream, err := o.d.LLM.Stream(ctx, config.RoleNarrator, messages)
	if err != nil {
		slog.Error("Narrator stream failed to open", "error", err)
		out <- Chunk{Type: "text", Text: narratorSentinel}
		return narratorSentinel
	}

	var full strings.Builder
	for chunk := range stream {
		switch chunk.Type {
		case "text":
			full.WriteString(chunk.Text)
			out <- Chunk{Type: "text", Text: chunk.Text}
		case "error":
			slog.Error("Narrator stream interrupted", "error", chunk.Error)
		}
	}

	if full.Len() == 0 {
		out <- Chunk{Type: "text", Text: narratorSentinel}
		return narratorSentinel
	}

	slog.Info("Narration complete", "runes", len([]rune(full.String())))
	return full.String()
}

// finalize persists the turn and fans out the background tasks: the
// state update runs first because the compressor needs its timeline tag,
// then compression, graph extraction, and the sociologist run together.
func (o *Orchestrator) finalize(ctx context.Context, sess Session, userInput, narration, searchQuery string, messages []llms.Message, ragText string) {
	if _, err := o.d.Store.AppendMessage(ctx, sess.ID, "user", userInput); err != nil {
		slog.Error("Failed to append user message", "error", err)
		return
	}
	aiMsgID, err := o.d.Store.AppendMessage(ctx, sess.ID, "assistant", narration)
	if err != nil {
		slog.Error("Failed to append assistant message", "error", err)
		return
	}

	promptJSON, _ := json.Marshal(messages)
	if err := o.d.Store.LogInteraction(ctx, sess.ID, aiMsgID, string(promptJSON), ragText, o.d.LLM.ModelFor(config.RoleNarrator)); err != nil {
		slog.Warn("Failed to log interaction", "error", err)
	}
	slog.Info("Interaction logged", "message_id", aiMsgID, "prompt_tokens", o.d.Counter.Count(string(promptJSON)))

	o.refreshContext(sess, userInput, narration, aiMsgID)

	tag := o.d.State.Update(ctx, sess.ID, sess.UUID, userInput, narration, aiMsgID)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if o.d.Compressor == nil {
			return nil
		}
		return o.d.Compressor.Run(gctx, sess.ID, sess.UUID, tag)
	})
	g.Go(func() error {
		if o.d.Extractor == nil {
			return nil
		}
		text := fmt.Sprintf("User: %s\nNarrator: %s", userInput, narration)
		if len([]rune(text)) < minGraphRunes {
			return nil
		}
		o.d.Extractor.Extract(gctx, userInput, narration)
		return nil
	})
	g.Go(func() error {
		o.sociologist(gctx, userInput, narration)
		return nil
	})
	if err := g.Wait(); err != nil {
		slog.Warn("Background task failed", "error", err)
	}
}

func (o *Orchestrator) refreshContext(sess Session, userInput, narration string, aiMsgID int64) {
	window, _ := o.d.Cache.Context(sess.UUID)
	window = append(window,
		cache.Message{ID: aiMsgID - 1, Role: "user", Content: userInput},
		cache.Message{ID: aiMsgID, Role: "assistant", Content: narration},
	)
	if len(window) > o.historyLimit {
		window = window[len(window)-o.historyLimit:]
	}
	o.d.Cache.SetContext(sess.UUID, window)
}

// sociologist is observational: its verdict is logged, never persisted.
func (o *Orchestrator) sociologist(ctx context.Context, userInput, narration string) {
	if len([]rune(narration)) < minSocioRunes {
		return
	}

	reply := o.d.LLM.Call(ctx, config.RoleSociologist, []llms.Message{{
		Role:    llms.RoleUser,
		Content: fmt.Sprintf(o.sociologistPrompt, "{}", fmt.Sprintf("User: %s\nAI: %s", userInput, narration)),
	}})
	if llms.IsError(reply) {
		slog.Debug("Sociologist failed", "error", reply)
		return
	}
	slog.Info("Sociologist verdict", "analysis", truncateRunes(reply, 200))
}

func formatHistory(window []cache.Message) string {
	lines := make([]string, 0, len(window))
	for _, m := range window {
		lines = append(lines, m.Role+": "+m.Content)
	}
	return strings.Join(lines, "\n")
}

func truncateRunes(text string, n int) string {
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[:n]) + "..."
}
