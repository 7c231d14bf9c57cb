package memory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deeptavern/deeptavern/pkg/config"
	"github.com/deeptavern/deeptavern/pkg/llms"
	"github.com/deeptavern/deeptavern/pkg/store"
)

type fakeQueue struct {
	keywords []string
}

func (f *fakeQueue) Enqueue(keyword string, priority int) bool {
	f.keywords = append(f.keywords, keyword)
	return true
}

// testEnv scripts the model side of the pipeline: one endpoint answers
// every role by recognizing its prompt template.
type testEnv struct {
	store    *store.Store
	llm      *llms.Registry
	queue    *fakeQueue
	failDraft bool
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{queue: &fakeQueue{}}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotEmpty(t, req.Messages)
		prompt := req.Messages[len(req.Messages)-1].Content

		var reply string
		switch {
		case strings.Contains(prompt, "proper noun"):
			reply = `"Rustwood Abbey"`
		case strings.Contains(prompt, "宏观叙述"):
			reply = "MACRO SUMMARY"
		case strings.Contains(prompt, "草稿"):
			reply = "FINAL MICRO"
		case strings.Contains(prompt, "史官"):
			reply = "SAGA CHAPTER"
		default:
			if env.failDraft {
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"error": {"message": "boom"}}`))
				return
			}
			reply = "DRAFT"
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
	env.llm = llm

	st, err := store.Open("", t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	env.store = st

	return env
}

func (env *testEnv) compressor() *Compressor {
	return NewCompressor(env.llm, env.store, nil, nil, env.queue, Prompts{})
}

func seedSession(t *testing.T, env *testEnv, messages int) store.Session {
	t.Helper()
	ctx := context.Background()

	sess, err := env.store.CreateSession(ctx, "Hero", "{}")
	require.NoError(t, err)

	for i := 0; i < messages; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		_, err := env.store.AppendMessage(ctx, sess.ID, role, "line")
		require.NoError(t, err)
	}
	return sess
}

func TestRunCompressesFiveMessages(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess := seedSession(t, env, 5)

	require.NoError(t, env.compressor().Run(ctx, sess.ID, sess.UUID, "Day 1, 08:00"))

	remaining, err := env.store.UnsummarizedMessages(ctx, sess.ID, 5)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	nodes, err := env.store.Memories(ctx, sess.ID, 10)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, store.LevelMicro, nodes[0].Level)
	assert.Equal(t, "FINAL MICRO", nodes[0].SummaryText)
	assert.Equal(t, "Day 1, 08:00", nodes[0].TimelineTag)
	assert.True(t, strings.HasPrefix(nodes[0].VectorID, "micro_"))

	// The probe fired and its keyword was cleaned of quotes.
	assert.Equal(t, []string{"Rustwood Abbey"}, env.queue.keywords)
}

func TestPartialWindowWaits(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess := seedSession(t, env, 3)

	require.NoError(t, env.compressor().Run(ctx, sess.ID, sess.UUID, "Day 1, 08:00"))

	remaining, err := env.store.UnsummarizedMessages(ctx, sess.ID, 5)
	require.NoError(t, err)
	assert.Len(t, remaining, 3)

	nodes, err := env.store.Memories(ctx, sess.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestDraftFailureLeavesWindowUnconsumed(t *testing.T) {
	env := newTestEnv(t)
	env.failDraft = true
	ctx := context.Background()
	sess := seedSession(t, env, 5)

	err := env.compressor().Run(ctx, sess.ID, sess.UUID, "Day 1, 08:00")
	require.Error(t, err)

	remaining, err2 := env.store.UnsummarizedMessages(ctx, sess.ID, 5)
	require.NoError(t, err2)
	assert.Len(t, remaining, 5)

	nodes, err2 := env.store.Memories(ctx, sess.ID, 10)
	require.NoError(t, err2)
	assert.Empty(t, nodes)
}

func TestMacroRollover(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess := seedSession(t, env, 5)

	for i := 0; i < 10; i++ {
		tag := "Day 1, 0" + string(rune('0'+i)) + ":00"
		_, err := env.store.AddMemoryNode(ctx, sess.ID, "old micro", store.LevelMicro, tag, "")
		require.NoError(t, err)
	}

	require.NoError(t, env.compressor().Run(ctx, sess.ID, sess.UUID, "Day 2, 08:00"))

	nodes, err := env.store.Memories(ctx, sess.ID, 50)
	require.NoError(t, err)

	var macros []store.MemoryNode
	for _, n := range nodes {
		if n.Level == store.LevelMacro {
			macros = append(macros, n)
		}
	}
	require.Len(t, macros, 1)
	assert.Equal(t, "MACRO SUMMARY", macros[0].SummaryText)
	// The MACRO carries its first constituent's timeline tag.
	assert.Equal(t, "Day 1, 00:00", macros[0].TimelineTag)

	// The ten old micros merged; the fresh one from this run remains.
	unmerged, err := env.store.UnmergedMicroNodes(ctx, sess.ID, 20)
	require.NoError(t, err)
	require.Len(t, unmerged, 1)
	assert.Equal(t, "FINAL MICRO", unmerged[0].SummaryText)

	sagas, err := env.store.SagaEntries(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"SAGA CHAPTER"}, sagas)
}

func TestTruncateSpineDropsOldestFirst(t *testing.T) {
	spine := "[Macro|Day 1, 08:00] ancient history line\n" +
		"[Micro|Day 2, 08:00] middle line\n" +
		"[Micro|Day 3, 08:00] newest line\n"

	// A nil counter estimates tokens, which is all the budget logic needs.
	var counter *llms.TokenCounter

	assert.Equal(t, spine, TruncateSpine(spine, 0, counter))
	assert.Equal(t, spine, TruncateSpine(spine, 1000, counter))

	tight := TruncateSpine(spine, counter.Count("[Micro|Day 3, 08:00] newest line")+1, counter)
	assert.Equal(t, "[Micro|Day 3, 08:00] newest line\n", tight)

	// The newest line always survives, even under an impossible budget.
	assert.Equal(t, "[Micro|Day 3, 08:00] newest line\n", TruncateSpine(spine, 1, counter))
}
