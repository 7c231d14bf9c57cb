package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deeptavern/deeptavern/pkg/cache"
	"github.com/deeptavern/deeptavern/pkg/graph"
	"github.com/deeptavern/deeptavern/pkg/store"
)

type testManager struct {
	m        *Manager
	store    *store.Store
	graph    *graph.Store
	cache    *cache.TTLCache
	graphDir string
}

func newTestManager(t *testing.T) *testManager {
	t.Helper()

	st, err := store.Open("", t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	graphDir := t.TempDir()
	g, err := graph.New(graphDir, nil)
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })

	c := cache.New(time.Minute, 20)
	t.Cleanup(func() { c.Close() })

	return &testManager{
		m:        NewManager(st, nil, g, c, 20),
		store:    st,
		graph:    g,
		cache:    c,
		graphDir: graphDir,
	}
}

func TestCreateAndLoad(t *testing.T) {
	env := newTestManager(t)
	ctx := context.Background()

	created, err := env.m.Create(ctx, "旅人", "酒保艾尔", "艾尔是深酒馆的沉默酒保。")
	require.NoError(t, err)
	require.NotEmpty(t, created.UUID)
	assert.Equal(t, "酒保艾尔", created.CharacterName)

	// Creation alone does not activate.
	_, active := env.m.Active()
	assert.False(t, active)

	loaded, err := env.m.Load(ctx, created.UUID)
	require.NoError(t, err)
	assert.Equal(t, created.UUID, loaded.UUID)
	assert.Equal(t, "旅人", loaded.UserName)
	assert.Equal(t, "艾尔是深酒馆的沉默酒保。", loaded.Persona)

	got, active := env.m.Active()
	require.True(t, active)
	assert.Equal(t, created.UUID, got.UUID)

	// The hot cache was primed with the session state.
	stateJSON, ok := env.cache.State(created.UUID)
	require.True(t, ok)
	assert.Contains(t, stateJSON, "旅人")
}

func TestLoadPrimesContextWindow(t *testing.T) {
	env := newTestManager(t)
	ctx := context.Background()

	created, err := env.m.Create(ctx, "旅人", "艾尔", "")
	require.NoError(t, err)

	_, err = env.store.AppendMessage(ctx, mustID(t, env, created.UUID), "user", "你好")
	require.NoError(t, err)
	_, err = env.store.AppendMessage(ctx, mustID(t, env, created.UUID), "assistant", "艾尔点头。")
	require.NoError(t, err)

	_, err = env.m.Load(ctx, created.UUID)
	require.NoError(t, err)

	window, ok := env.cache.Context(created.UUID)
	require.True(t, ok)
	require.Len(t, window, 2)
	assert.Equal(t, "艾尔点头。", window[1].Content)
}

func TestLoadUnknownSession(t *testing.T) {
	env := newTestManager(t)
	_, err := env.m.Load(context.Background(), "no-such-uuid")
	require.Error(t, err)
}

func TestListNewestFirst(t *testing.T) {
	env := newTestManager(t)
	ctx := context.Background()

	first, err := env.m.Create(ctx, "A", "角色一", "")
	require.NoError(t, err)
	second, err := env.m.Create(ctx, "B", "角色二", "")
	require.NoError(t, err)

	sessions, err := env.m.List(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, second.UUID, sessions[0].UUID)
	assert.Equal(t, first.UUID, sessions[1].UUID)
}

func TestDeleteCascades(t *testing.T) {
	env := newTestManager(t)
	ctx := context.Background()

	created, err := env.m.Create(ctx, "旅人", "艾尔", "")
	require.NoError(t, err)
	_, err = env.m.Load(ctx, created.UUID)
	require.NoError(t, err)

	// Give the graph something to persist, then flush it to disk.
	env.graph.AddTriplet(ctx, graph.Triplet{
		Source: "艾尔", Relation: "works_at", Target: "深酒馆", Confidence: 1,
	})
	env.graph.Flush()

	gmlPath := filepath.Join(env.graphDir, "graphs", "graph_"+created.UUID+".gml")
	_, err = os.Stat(gmlPath)
	require.NoError(t, err)

	require.NoError(t, env.m.Delete(ctx, created.UUID))

	_, err = os.Stat(gmlPath)
	assert.True(t, os.IsNotExist(err))

	_, err = env.store.GetSession(ctx, created.UUID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, active := env.m.Active()
	assert.False(t, active)

	_, ok := env.cache.State(created.UUID)
	assert.False(t, ok)
}

func TestDeleteUnknownSession(t *testing.T) {
	env := newTestManager(t)
	err := env.m.Delete(context.Background(), "no-such-uuid")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func mustID(t *testing.T, env *testManager, uuid string) int64 {
	t.Helper()
	sess, err := env.store.GetSession(context.Background(), uuid)
	require.NoError(t, err)
	return sess.ID
}
