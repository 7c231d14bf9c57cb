package vector

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deeptavern/deeptavern/pkg/config"
)

func newMemoryProvider(t *testing.T) *ChromemProvider {
	t.Helper()
	p, err := NewChromemProvider(ChromemConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func upsertDoc(t *testing.T, p Provider, id string, vec []float32, metadata map[string]any) {
	t.Helper()
	require.NoError(t, p.Upsert(context.Background(), CollectionMemory, id, vec, metadata))
}

func TestChromemRoundTrip(t *testing.T) {
	p := newMemoryProvider(t)

	upsertDoc(t, p, "micro_1_aaaa", []float32{1, 0, 0}, map[string]any{
		"content":     "酒馆里的第一夜",
		MetaType:      TypeEpisodic,
		MetaLevel:     LevelMicro,
		MetaSessionID: "sess-a",
	})
	upsertDoc(t, p, "micro_2_bbbb", []float32{0.8, 0.6, 0}, map[string]any{
		"content":     "清晨的出发",
		MetaType:      TypeEpisodic,
		MetaLevel:     LevelMicro,
		MetaSessionID: "sess-a",
	})
	upsertDoc(t, p, "micro_3_cccc", []float32{0, 1, 0}, map[string]any{
		"content":     "无关的记忆",
		MetaType:      TypeEpisodic,
		MetaLevel:     LevelMicro,
		MetaSessionID: "sess-a",
	})

	results, err := p.Search(context.Background(), CollectionMemory, []float32{1, 0, 0}, 2, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "micro_1_aaaa", results[0].ID)
	assert.Equal(t, "酒馆里的第一夜", results[0].Content)
	assert.Equal(t, "micro_2_bbbb", results[1].ID)
	assert.Greater(t, results[0].Score, results[1].Score)
	assert.Equal(t, "sess-a", results[0].Metadata[MetaSessionID])
}

func TestChromemSessionFilter(t *testing.T) {
	p := newMemoryProvider(t)

	upsertDoc(t, p, "micro_1_aaaa", []float32{1, 0, 0}, map[string]any{
		"content":     "主线记忆",
		MetaType:      TypeEpisodic,
		MetaSessionID: "sess-a",
	})
	upsertDoc(t, p, "micro_2_bbbb", []float32{0.9, 0.1, 0}, map[string]any{
		"content":     "别的存档的记忆",
		MetaType:      TypeEpisodic,
		MetaSessionID: "sess-b",
	})
	upsertDoc(t, p, "lore_3_0001", []float32{0.8, 0.2, 0}, map[string]any{
		"content":     "网络百科摘录",
		MetaType:      TypeLore,
		MetaKeyword:   "艾尔登法环",
		MetaSessionID: "harvest",
	})

	results, err := p.Search(context.Background(), CollectionMemory, []float32{1, 0, 0}, 10,
		&Filter{SessionID: "sess-a", IncludeLore: true})
	require.NoError(t, err)
	require.Len(t, results, 2)

	ids := []string{results[0].ID, results[1].ID}
	assert.Contains(t, ids, "micro_1_aaaa")
	assert.Contains(t, ids, "lore_3_0001")
	assert.NotContains(t, ids, "micro_2_bbbb")

	// Without lore the foreign session stays invisible and so does the lore.
	results, err = p.Search(context.Background(), CollectionMemory, []float32{1, 0, 0}, 10,
		&Filter{SessionID: "sess-a"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "micro_1_aaaa", results[0].ID)
}

func TestChromemTopKClamp(t *testing.T) {
	p := newMemoryProvider(t)

	// Empty collection: no results, no error.
	results, err := p.Search(context.Background(), CollectionMemory, []float32{1, 0, 0}, 100, nil)
	require.NoError(t, err)
	assert.Empty(t, results)

	upsertDoc(t, p, "micro_1_aaaa", []float32{1, 0, 0}, map[string]any{"content": "一"})
	upsertDoc(t, p, "micro_2_bbbb", []float32{0, 1, 0}, map[string]any{"content": "二"})

	// topK beyond the collection size clamps instead of erroring.
	results, err = p.Search(context.Background(), CollectionMemory, []float32{1, 0, 0}, 100, nil)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestChromemDelete(t *testing.T) {
	p := newMemoryProvider(t)

	upsertDoc(t, p, "micro_1_aaaa", []float32{1, 0, 0}, map[string]any{"content": "将被删除"})
	require.NoError(t, p.Delete(context.Background(), CollectionMemory, "micro_1_aaaa"))

	results, err := p.Search(context.Background(), CollectionMemory, []float32{1, 0, 0}, 10, nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestChromemExists(t *testing.T) {
	p := newMemoryProvider(t)

	ok, err := p.Exists(context.Background(), CollectionMemory, "lore_1_0001")
	require.NoError(t, err)
	assert.False(t, ok)

	upsertDoc(t, p, "lore_1_0001", []float32{1, 0, 0}, map[string]any{"content": "已存在"})

	ok, err = p.Exists(context.Background(), CollectionMemory, "lore_1_0001")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestChromemDeleteBySession(t *testing.T) {
	p := newMemoryProvider(t)

	upsertDoc(t, p, "micro_1_aaaa", []float32{1, 0, 0}, map[string]any{
		"content": "甲的记忆", MetaSessionID: "sess-a",
	})
	upsertDoc(t, p, "micro_2_bbbb", []float32{0, 1, 0}, map[string]any{
		"content": "乙的记忆", MetaSessionID: "sess-b",
	})
	upsertDoc(t, p, "lore_3_0001", []float32{0, 0, 1}, map[string]any{
		"content": "全局知识", MetaType: TypeLore,
	})

	require.NoError(t, p.DeleteBySession(context.Background(), CollectionMemory, "sess-a"))

	results, err := p.Search(context.Background(), CollectionMemory, []float32{1, 0, 0}, 10, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.NotEqual(t, "micro_1_aaaa", r.ID)
	}

	// Deleting an unknown session is a no-op.
	require.NoError(t, p.DeleteBySession(context.Background(), CollectionMemory, "sess-zzz"))
}

func TestChromemPersistReload(t *testing.T) {
	dir := t.TempDir()

	p, err := NewChromemProvider(ChromemConfig{PersistPath: dir})
	require.NoError(t, err)
	upsertDoc(t, p, "macro_1_aaaa", []float32{0, 0, 1}, map[string]any{
		"content": "长期记忆",
		MetaType:  TypeEpisodic,
		MetaLevel: LevelMacro,
	})
	require.NoError(t, p.Close())

	reopened, err := NewChromemProvider(ChromemConfig{PersistPath: dir})
	require.NoError(t, err)
	defer reopened.Close()

	results, err := reopened.Search(context.Background(), CollectionMemory, []float32{0, 0, 1}, 1, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "macro_1_aaaa", results[0].ID)
	assert.Equal(t, "长期记忆", results[0].Content)
	assert.Equal(t, LevelMacro, results[0].Metadata[MetaLevel])
}

func TestChromemDeleteCollection(t *testing.T) {
	p := newMemoryProvider(t)

	upsertDoc(t, p, "rule_1", []float32{1, 0, 0}, map[string]any{"content": "规则一"})
	require.NoError(t, p.DeleteCollection(context.Background(), CollectionMemory))

	results, err := p.Search(context.Background(), CollectionMemory, []float32{1, 0, 0}, 10, nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestIDHelpers(t *testing.T) {
	now := time.Unix(1712345678, 0)

	micro := NewMicroID(now)
	assert.True(t, strings.HasPrefix(micro, "micro_1712345678_"))
	assert.Len(t, micro, len("micro_1712345678_")+4)

	macro := NewMacroID(now)
	assert.True(t, strings.HasPrefix(macro, "macro_1712345678_"))

	lore := NewLoreID(now)
	assert.True(t, strings.HasPrefix(lore, "lore_1712345678_"))
	assert.Len(t, lore, len("lore_1712345678_")+4)

	assert.Equal(t, "rule_42", RuleID(42))

	// Same-second IDs stay distinct.
	assert.NotEqual(t, NewMicroID(now), NewMicroID(now))
}

func TestFactoryUnknownBackend(t *testing.T) {
	_, err := New(config.VectorStoreConfig{Backend: "faiss"}, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown vector backend")
}

func TestFactoryDefaultsToChromem(t *testing.T) {
	p, err := New(config.VectorStoreConfig{}, t.TempDir())
	require.NoError(t, err)
	defer p.Close()
	assert.Equal(t, "chromem", p.Name())
}
