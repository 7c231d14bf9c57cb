package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deeptavern/deeptavern/pkg/cache"
	"github.com/deeptavern/deeptavern/pkg/config"
	"github.com/deeptavern/deeptavern/pkg/graph"
	"github.com/deeptavern/deeptavern/pkg/llms"
	"github.com/deeptavern/deeptavern/pkg/memory"
	"github.com/deeptavern/deeptavern/pkg/rules"
	"github.com/deeptavern/deeptavern/pkg/state"
	"github.com/deeptavern/deeptavern/pkg/store"
)

type fakeSessions struct {
	sess   Session
	active bool
}

func (f *fakeSessions) Active() (Session, bool) { return f.sess, f.active }

// turnEnv scripts every role behind one endpoint: the prompt template
// identifies the stage, the stream flag identifies the narrator.
type turnEnv struct {
	orc   *Orchestrator
	store *store.Store
	cache *cache.TTLCache
	sess  Session

	blockInput   bool
	failNarrator bool

	reflexCalls   atomic.Int32
	directorCalls atomic.Int32
}

func newTurnEnv(t *testing.T) *turnEnv {
	t.Helper()
	env := &turnEnv{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Stream   bool `json:"stream"`
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotEmpty(t, req.Messages)
		prompt := req.Messages[len(req.Messages)-1].Content

		if req.Stream {
			if env.failNarrator {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error": {"message": "boom"}}`))
				return
			}
			w.Header().Set("Content-Type", "text/event-stream")
			_, _ = w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"你推开酒馆的门，\"}}]}\n\n"))
			_, _ = w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"夜风随你涌入。\"}}]}\n\n"))
			_, _ = w.Write([]byte("data: [DONE]\n\n"))
			return
		}

		var reply string
		switch {
		case strings.Contains(prompt, "intent reflex"):
			env.reflexCalls.Add(1)
			if env.blockInput {
				reply = "BLOCK"
			} else {
				reply = `Search Query: "魔剑黎明"`
			}
		case strings.Contains(prompt, "Which rules apply?"):
			reply = "NONE"
		case strings.Contains(prompt, "导演"):
			env.directorCalls.Add(1)
			reply = "剧情指令：让酒保递出密信，并压低声音提醒危险。"
		case strings.Contains(prompt, "状态引擎"):
			reply = `{"timeline_tag": "", "state": {}}`
		case strings.Contains(prompt, "社会学"):
			reply = "两人的信任在加深。"
		case strings.Contains(prompt, "Knowledge Graph Extractor"):
			reply = `{"triplets": []}`
		default:
			reply = "好的。"
		}

		w.Header().Set("Content-Type", "application/json")
		body, _ := json.Marshal(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"role": "assistant", "content": reply}}},
		})
		_, _ = w.Write(body)
	}))
	t.Cleanup(server.Close)

	cfg := &config.Config{
		Providers: map[string]config.ProviderConfig{
			"test": {APIKey: "sk-test", BaseURL: server.URL, Model: "test-model"},
		},
		Roles: map[string]config.RoleConfig{
			config.RoleNarrator: {Provider: "test"},
		},
	}
	cfg.SetDefaults()

	llm, err := llms.NewRegistry(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { llm.Close() })

	st, err := store.Open("", t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	env.store = st

	sess, err := st.CreateSession(context.Background(), "酒保艾尔", state.NewInitial("旅人").JSON())
	require.NoError(t, err)
	env.sess = Session{Session: sess, Persona: "艾尔是深酒馆的沉默酒保。"}

	ruleStore, err := rules.Open("", t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { ruleStore.Close() })

	graphStore, err := graph.New(t.TempDir(), nil)
	require.NoError(t, err)
	graphStore.Load(sess.UUID)
	t.Cleanup(func() { graphStore.Close() })

	env.cache = cache.New(time.Minute, 20)
	t.Cleanup(func() { env.cache.Close() })

	env.orc = New(Deps{
		Config:     cfg,
		LLM:        llm,
		Store:      st,
		Rules:      rules.NewService(ruleStore, nil, nil, llm),
		Graph:      graphStore,
		Extractor:  graph.NewExtractor(llm, graphStore, ""),
		Compressor: memory.NewCompressor(llm, st, nil, nil, nil, memory.Prompts{}),
		State:      state.NewEngine(llm, st, env.cache, ""),
		Cache:      env.cache,
		Sessions:   &fakeSessions{sess: env.sess, active: true},
	})

	return env
}

func collect(t *testing.T, ch <-chan Chunk) (string, []Chunk) {
	t.Helper()
	var text strings.Builder
	var all []Chunk
	for c := range ch {
		all = append(all, c)
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}
	return text.String(), all
}

func TestChatRequiresActiveSession(t *testing.T) {
	env := newTurnEnv(t)
	env.orc.d.Sessions = &fakeSessions{active: false}

	_, err := env.orc.Chat(context.Background(), "你好", false, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no active session")
}

func TestChatFullTurn(t *testing.T) {
	env := newTurnEnv(t)
	ctx := context.Background()

	ch, err := env.orc.Chat(ctx, "我走进酒馆，找艾尔打听消息。", false, false)
	require.NoError(t, err)

	text, all := collect(t, ch)
	env.orc.Wait()

	assert.Equal(t, "你推开酒馆的门，夜风随你涌入。", text)

	require.NotEmpty(t, all)
	assert.Equal(t, "preview", all[0].Type)
	assert.Contains(t, all[0].Text, "剧情指令")

	// Both turn messages persisted.
	msgs, err := env.store.RecentMessages(ctx, env.sess.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "assistant", msgs[1].Role)
	assert.Equal(t, text, msgs[1].Content)

	// Exactly one state snapshot, keyed by the assistant message.
	snaps, err := env.store.Snapshots(ctx, env.sess.ID)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, msgs[1].ID, snaps[0].MessageID)

	// Hot cache carries the new exchange.
	window, ok := env.cache.Context(env.sess.UUID)
	require.True(t, ok)
	require.Len(t, window, 2)
	assert.Equal(t, text, window[1].Content)

	assert.Equal(t, int32(1), env.reflexCalls.Load())
	assert.Equal(t, int32(1), env.directorCalls.Load())
}

func TestChatLiteModeSkipsPlanning(t *testing.T) {
	env := newTurnEnv(t)

	ch, err := env.orc.Chat(context.Background(), "继续。", false, true)
	require.NoError(t, err)

	text, all := collect(t, ch)
	env.orc.Wait()

	assert.Equal(t, "你推开酒馆的门，夜风随你涌入。", text)
	for _, c := range all {
		assert.NotEqual(t, "preview", c.Type)
	}
	assert.Equal(t, int32(0), env.reflexCalls.Load())
	assert.Equal(t, int32(0), env.directorCalls.Load())
}

func TestChatBlockedInput(t *testing.T) {
	env := newTurnEnv(t)
	env.blockInput = true
	ctx := context.Background()

	ch, err := env.orc.Chat(ctx, "做点危险的事。", false, false)
	require.NoError(t, err)

	_, all := collect(t, ch)
	env.orc.Wait()

	require.Len(t, all, 1)
	assert.Equal(t, "error", all[0].Type)
	assert.Equal(t, refusalText, all[0].Text)

	// A refused turn persists nothing.
	msgs, err := env.store.RecentMessages(ctx, env.sess.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestChatNarratorFailureYieldsSentinel(t *testing.T) {
	env := newTurnEnv(t)
	env.failNarrator = true
	ctx := context.Background()

	ch, err := env.orc.Chat(ctx, "继续。", false, true)
	require.NoError(t, err)

	text, _ := collect(t, ch)
	env.orc.Wait()

	assert.Equal(t, narratorSentinel, text)

	// The sentinel is recorded so the history stays consistent.
	msgs, err := env.store.RecentMessages(ctx, env.sess.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, narratorSentinel, msgs[1].Content)
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "短", truncateRunes("短", 80))
	long := strings.Repeat("长", 100)
	assert.Equal(t, strings.Repeat("长", 80)+"...", truncateRunes(long, 80))
}
