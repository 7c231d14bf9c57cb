package graph

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	s.Load("test-session")
	return s
}

func TestAddTripletAccumulatesWeight(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.AddTriplet(ctx, Triplet{Source: "Alice", Relation: "owns", Target: "Sword", Desc: "found in cave"})
	s.AddTriplet(ctx, Triplet{Source: "Alice", Relation: "wields", Target: "Sword", Desc: "main weapon"})
	s.AddTriplet(ctx, Triplet{Source: "Alice", Relation: "owns", Target: "Sword", Confidence: 0.5})

	e := s.out["Alice"]["Sword"]
	require.NotNil(t, e)
	assert.InDelta(t, 2.5, e.Weight, 1e-9)
	// Primary relation stays first-inserted; later relations union in.
	assert.Equal(t, "owns", e.Relation)
	assert.Equal(t, []string{"owns", "wields"}, e.Relations)
	assert.Equal(t, "found in cave", e.Desc)
	assert.Equal(t, []string{"found in cave", "main weapon"}, e.Descriptions)
}

func TestAddTripletIgnoresBlankFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.AddTriplet(ctx, Triplet{Source: "  ", Relation: "owns", Target: "Sword"})
	s.AddTriplet(ctx, Triplet{Source: "Alice", Relation: "", Target: "Sword"})

	assert.Equal(t, 0, len(s.nodes))
}

func TestAliasResolution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.AddTriplet(ctx, Triplet{Source: "爱丽丝", Relation: "lives_in", Target: "Tavern"})
	s.AddAlias("Alice", "爱丽丝")

	// Insertion through the alias lands on the canonical node.
	s.AddTriplet(ctx, Triplet{Source: "alice", Relation: "owns", Target: "Sword"})

	assert.NotContains(t, s.nodes, "alice")
	require.Contains(t, s.nodes, "爱丽丝")
	assert.NotNil(t, s.out["爱丽丝"]["Sword"])

	assert.Equal(t, "爱丽丝", s.Resolve("ALICE"))
	assert.Equal(t, "Bob", s.Resolve("Bob"))
}

func TestSearchSubgraphFormatAndDedup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.AddTriplet(ctx, Triplet{Source: "Alice", Relation: "hates", Target: "Dragon", Desc: "burned her village"})
	for i := 0; i < 5; i++ {
		s.AddTriplet(ctx, Triplet{Source: "Alice", Relation: "owns", Target: "Sword"})
	}
	s.AddTriplet(ctx, Triplet{Source: "Dragon", Relation: "guards", Target: "Treasure"})

	out := s.SearchSubgraph(ctx, "Alice", 5, 1, 0)
	lines := strings.Split(out, "\n")

	assert.Contains(t, out, "[强](Alice)--[owns]-->(Sword)")
	assert.Contains(t, out, "[弱](Alice)--[hates]-->(Dragon) | burned her village")
	// Radius 1 from Alice does not include Dragon's own neighborhood.
	assert.NotContains(t, out, "Treasure")

	seen := map[string]bool{}
	for _, line := range lines {
		assert.False(t, seen[line], "duplicate edge line: %s", line)
		seen[line] = true
	}

	// Strongest edge sorts first.
	assert.True(t, strings.HasPrefix(lines[0], "[强]"))
}

func TestSearchSubgraphMinWeightFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.AddTriplet(ctx, Triplet{Source: "Alice", Relation: "met", Target: "Bob", Confidence: 0.5})
	s.AddTriplet(ctx, Triplet{Source: "Alice", Relation: "trusts", Target: "Carol", Confidence: 3})

	out := s.SearchSubgraph(ctx, "Alice", 5, 1, 1.0)
	assert.Contains(t, out, "Carol")
	assert.NotContains(t, out, "Bob")
}

func TestSearchSubgraphEmptyGraph(t *testing.T) {
	s := newTestStore(t)
	assert.Empty(t, s.SearchSubgraph(context.Background(), "anything", 5, 1, 0))
}

func TestKeywordScore(t *testing.T) {
	assert.Equal(t, 1.0, keywordScore("Alice", "alice"))
	assert.Equal(t, 0.8, keywordScore("alice", "alice cooper"))
	assert.Equal(t, 0.6, keywordScore("where is alice now", "alice"))
	assert.InDelta(t, 0.5/3.0, keywordScore("alice smith", "alice jones"), 1e-9)
	assert.Equal(t, 0.0, keywordScore("bob", "carol"))
}

func TestEntityRelationsSortedByWeight(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.AddTriplet(ctx, Triplet{Source: "Alice", Relation: "knows", Target: "Bob"})
	s.AddTriplet(ctx, Triplet{Source: "Alice", Relation: "loves", Target: "Carol", Confidence: 4})
	s.AddTriplet(ctx, Triplet{Source: "Dragon", Relation: "hunts", Target: "Alice"})

	outgoing, incoming := s.EntityRelations("Alice")

	require.Len(t, outgoing, 2)
	assert.Equal(t, "Carol", outgoing[0].Entity)
	assert.Equal(t, "Bob", outgoing[1].Entity)

	require.Len(t, incoming, 1)
	assert.Equal(t, "Dragon", incoming[0].Entity)
	assert.Equal(t, "hunts", incoming[0].Relation)
}

func TestFindPath(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.AddTriplet(ctx, Triplet{Source: "Alice", Relation: "knows", Target: "Bob"})
	s.AddTriplet(ctx, Triplet{Source: "Bob", Relation: "serves", Target: "King"})
	s.AddTriplet(ctx, Triplet{Source: "King", Relation: "rules", Target: "Castle"})
	s.AddTriplet(ctx, Triplet{Source: "Castle", Relation: "contains", Target: "Vault"})

	path := s.FindPath("Alice", "King", 3)
	assert.Equal(t, "(Alice) --[knows]--> (Bob) => (Bob) --[serves]--> (King)", path)

	// Four hops exceeds the depth limit.
	assert.Empty(t, s.FindPath("Alice", "Vault", 3))
	// Direction matters.
	assert.Empty(t, s.FindPath("King", "Alice", 3))
	assert.Empty(t, s.FindPath("Alice", "Nobody", 3))
}

func TestMergeEntities(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.AddTriplet(ctx, Triplet{Source: "Alice", Relation: "knows", Target: "Bob"})
	s.AddTriplet(ctx, Triplet{Source: "小爱", Relation: "owns", Target: "Sword"})
	s.AddTriplet(ctx, Triplet{Source: "Dragon", Relation: "hunts", Target: "小爱"})

	s.MergeEntities(ctx, "Alice", "小爱", "Alice")

	assert.NotContains(t, s.nodes, "小爱")
	assert.NotNil(t, s.out["Alice"]["Sword"])
	assert.NotNil(t, s.out["Dragon"]["Alice"])
	// Merged name becomes an alias of the canonical node.
	assert.Equal(t, "Alice", s.Resolve("小爱"))
}

func TestPruneWeakEdgesAndOrphans(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.AddTriplet(ctx, Triplet{Source: "Alice", Relation: "met", Target: "Stranger", Confidence: 0.2})
	s.AddTriplet(ctx, Triplet{Source: "Alice", Relation: "knows", Target: "Bob", Confidence: 2})

	assert.Equal(t, 1, s.PruneWeakEdges(0.5))
	assert.Nil(t, s.out["Alice"]["Stranger"])

	// Stranger is now orphaned.
	assert.Equal(t, 1, s.PruneOrphanNodes())
	assert.NotContains(t, s.nodes, "Stranger")
	assert.Contains(t, s.nodes, "Alice")
}

func TestGMLRoundTripByteStable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.AddTripletsBatch(ctx, []Triplet{
		{Source: "Alice", Relation: "owns", Target: "Rusty Sword", Desc: `she said "mine"`},
		{Source: "Alice", Relation: "located_in", Target: "Dark Cave"},
		{Source: "Dark Cave", Relation: "contains", Target: "Rusty Sword", Confidence: 2},
	})

	first, err := os.ReadFile(s.graphPath("test-session"))
	require.NoError(t, err)
	require.NotEmpty(t, first)

	nodes, edges, err := decodeGML(first)
	require.NoError(t, err)
	require.Len(t, nodes, 3)
	require.Len(t, edges, 3)

	out := map[string]map[string]*Edge{}
	for _, e := range edges {
		if out[e.Source] == nil {
			out[e.Source] = map[string]*Edge{}
		}
		out[e.Source][e.Target] = e
	}
	second := encodeGML(nodes, out)

	assert.Equal(t, string(first), string(second))
}

func TestGMLQuoting(t *testing.T) {
	quoted := gmlQuote(`he said "hi" \ bye`)
	assert.Equal(t, `"he said \"hi\" \\ bye"`, quoted)
	assert.Equal(t, `he said "hi" \ bye`, gmlUnquote(quoted))
}

func TestVectorsEncodeByteStable(t *testing.T) {
	vectors := map[string][]float32{
		"Bob":   {0.25, -0.5},
		"Alice": {1, 0.125, 3},
	}

	first := encodeVectors(vectors)
	second := encodeVectors(vectors)
	assert.Equal(t, first, second)

	decoded, err := decodeVectors(first)
	require.NoError(t, err)
	assert.Equal(t, vectors, decoded)

	// Keys come out sorted.
	assert.True(t, strings.Index(string(first), "Alice") < strings.Index(string(first), "Bob"))
}

func TestLoadPersistedGraph(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s1, err := New(dir, nil)
	require.NoError(t, err)
	s1.Load("persist-session")
	s1.AddTriplet(ctx, Triplet{Source: "Alice", Relation: "owns", Target: "Sword"})
	s1.AddAlias("爱丽丝", "Alice")
	require.NoError(t, s1.Close())

	s2, err := New(dir, nil)
	require.NoError(t, err)
	defer s2.Close()
	s2.Load("persist-session")

	assert.Contains(t, s2.nodes, "Alice")
	assert.NotNil(t, s2.out["Alice"]["Sword"])
	assert.Equal(t, "Alice", s2.Resolve("爱丽丝"))
}

func TestDeleteRemovesFilesAndResets(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.AddTriplet(ctx, Triplet{Source: "Alice", Relation: "owns", Target: "Sword"})
	s.Flush()

	path := s.graphPath("test-session")
	_, err := os.Stat(path)
	require.NoError(t, err)

	s.Delete("test-session")

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.Empty(t, s.SessionUUID())
	assert.Equal(t, 0, len(s.nodes))
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.AddTriplet(ctx, Triplet{Source: "Alice", Relation: "knows", Target: "Bob"})
	s.AddTriplet(ctx, Triplet{Source: "Alice", Relation: "owns", Target: "Sword", Confidence: 3})

	st := s.Stats()
	assert.Equal(t, 3, st.Nodes)
	assert.Equal(t, 2, st.Edges)
	assert.Equal(t, 3.0, st.MaxWeight)
	assert.InDelta(t, 2.0, st.AvgWeight, 1e-9)
	require.NotEmpty(t, st.TopEntities)
	assert.Equal(t, "Alice", st.TopEntities[0].Name)
	assert.Equal(t, 2, st.TopEntities[0].Degree)
}

func TestClearKeepsSessionBinding(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.AddTriplet(ctx, Triplet{Source: "Alice", Relation: "knows", Target: "Bob"})
	s.Clear()

	assert.Equal(t, "test-session", s.SessionUUID())
	assert.Equal(t, 0, len(s.nodes))
}
