// Package graph is the per-session knowledge graph: a directed
// multi-relation graph with weighted edges, entity aliases, and a cached
// node-embedding index for semantic subgraph search. Persistence is a GML
// file plus sidecar JSON files, written through a debounced saver.
package graph

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/deeptavern/deeptavern/pkg/embedders"
)

const saveInterval = 30 * time.Second

// Node is one entity in the graph.
type Node struct {
	Name      string
	Type      string
	FirstSeen int64
}

// Edge is a directed relation between two entities. Repeat mentions of the
// same (source, target) pair accumulate weight and union the relation and
// description sets; the first-inserted relation stays primary.
type Edge struct {
	Source       string
	Target       string
	Relation     string
	Relations    []string
	Desc         string
	Descriptions []string
	Weight       float64
	FirstSeen    int64
	LastUpdated  int64
}

// Triplet is the extraction unit fed into the graph.
type Triplet struct {
	Source     string  `json:"source"`
	Relation   string  `json:"relation"`
	Target     string  `json:"target"`
	Desc       string  `json:"desc"`
	Confidence float64 `json:"confidence"`
}

// Relation is one neighbor entry returned by EntityRelations.
type Relation struct {
	Entity   string  `json:"entity"`
	Relation string  `json:"relation"`
	Weight   float64 `json:"weight"`
}

// EntityDegree pairs an entity with its total degree, for stats output.
type EntityDegree struct {
	Name   string `json:"name"`
	Degree int    `json:"degree"`
}

// Stats summarizes the loaded graph for the debug surface.
type Stats struct {
	SessionUUID string         `json:"session_uuid"`
	Nodes       int            `json:"nodes"`
	Edges       int            `json:"edges"`
	Vectors     int            `json:"vectors"`
	Aliases     int            `json:"aliases"`
	AvgWeight   float64        `json:"avg_weight"`
	MaxWeight   float64        `json:"max_weight"`
	TopEntities []EntityDegree `json:"top_entities"`
}

// Store holds one session's graph in memory. All methods are safe for
// concurrent use; embedding calls happen outside the critical section so
// search never waits on the network behind the mutex.
type Store struct {
	dataDir  string
	embedder embedders.Provider // nil: keyword matching only

	mu          sync.Mutex
	sessionUUID string
	nodes       map[string]*Node
	out         map[string]map[string]*Edge
	in          map[string]map[string]*Edge
	aliases     map[string]string
	vectors     map[string][]float32
	dirty       bool
	lastSave    time.Time

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New creates an empty store rooted at dataDir. Load must be called before
// the graph serves a session. The embedder may be nil.
func New(dataDir string, embedder embedders.Provider) (*Store, error) {
	for _, dir := range []string{graphDir(dataDir), vectorDir(dataDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create graph dir: %w", err)
		}
	}

	s := &Store{
		dataDir:  dataDir,
		embedder: embedder,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	s.resetLocked()
	go s.saveLoop()
	return s, nil
}

func graphDir(dataDir string) string  { return filepath.Join(dataDir, "graphs") }
func vectorDir(dataDir string) string { return filepath.Join(dataDir, "graphs", "vectors") }

func (s *Store) graphPath(uuid string) string {
	return filepath.Join(graphDir(s.dataDir), "graph_"+uuid+".gml")
}

func (s *Store) aliasPath(uuid string) string {
	return filepath.Join(graphDir(s.dataDir), "graph_"+uuid+"_aliases.json")
}

func (s *Store) vectorPath(uuid string) string {
	return filepath.Join(vectorDir(s.dataDir), "vectors_"+uuid+".json")
}

func (s *Store) resetLocked() {
	s.nodes = map[string]*Node{}
	s.out = map[string]map[string]*Edge{}
	s.in = map[string]map[string]*Edge{}
	s.aliases = map[string]string{}
	s.vectors = map[string][]float32{}
	s.dirty = false
}

// Load switches the store to a session's graph, flushing the previous one
// first. Missing files start an empty graph.
func (s *Store) Load(sessionUUID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sessionUUID != "" && s.dirty {
		s.saveNowLocked()
	}

	s.sessionUUID = sessionUUID
	s.resetLocked()

	if data, err := os.ReadFile(s.graphPath(sessionUUID)); err == nil {
		nodes, edges, err := decodeGML(data)
		if err != nil {
			slog.Error("Graph load failed, starting empty", "session", sessionUUID, "error", err)
		} else {
			s.nodes = nodes
			for _, e := range edges {
				s.linkLocked(e)
			}
		}
	}

	if data, err := os.ReadFile(s.aliasPath(sessionUUID)); err == nil {
		if aliases, err := decodeAliases(data); err == nil {
			s.aliases = aliases
		} else {
			slog.Warn("Alias load failed", "session", sessionUUID, "error", err)
		}
	}

	if data, err := os.ReadFile(s.vectorPath(sessionUUID)); err == nil {
		if vectors, err := decodeVectors(data); err == nil {
			s.vectors = vectors
		} else {
			slog.Warn("Vector cache load failed", "session", sessionUUID, "error", err)
		}
	}

	slog.Info("Graph loaded",
		"session", sessionUUID,
		"nodes", len(s.nodes),
		"edges", s.edgeCountLocked())
}

func (s *Store) linkLocked(e *Edge) {
	if s.out[e.Source] == nil {
		s.out[e.Source] = map[string]*Edge{}
	}
	s.out[e.Source][e.Target] = e
	if s.in[e.Target] == nil {
		s.in[e.Target] = map[string]*Edge{}
	}
	s.in[e.Target][e.Source] = e
}

func (s *Store) edgeCountLocked() int {
	n := 0
	for _, targets := range s.out {
		n += len(targets)
	}
	return n
}

// SessionUUID reports the currently loaded session.
func (s *Store) SessionUUID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionUUID
}

// AddAlias maps a lowercase alternate spelling to a canonical entity name.
func (s *Store) AddAlias(alias, canonical string) {
	alias = strings.ToLower(strings.TrimSpace(alias))
	canonical = strings.TrimSpace(canonical)
	if alias == "" || canonical == "" || alias == strings.ToLower(canonical) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.aliases[alias] = canonical
	s.dirty = true
}

// Resolve maps a name through the alias table.
func (s *Store) Resolve(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolveLocked(name)
}

func (s *Store) resolveLocked(name string) string {
	if canonical, ok := s.aliases[strings.ToLower(strings.TrimSpace(name))]; ok {
		return canonical
	}
	return name
}

// AddTriplet inserts or accumulates one (source)--[relation]-->(target)
// edge. New nodes get an embedding cache entry when an embedder is wired.
func (s *Store) AddTriplet(ctx context.Context, t Triplet) {
	t.Source = strings.TrimSpace(t.Source)
	t.Relation = strings.TrimSpace(t.Relation)
	t.Target = strings.TrimSpace(t.Target)
	if t.Source == "" || t.Relation == "" || t.Target == "" {
		return
	}
	if t.Confidence <= 0 {
		t.Confidence = 1.0
	}

	s.mu.Lock()
	source := s.resolveLocked(t.Source)
	target := s.resolveLocked(t.Target)
	needVec := s.missingVectorsLocked(source, target)
	s.mu.Unlock()

	// Embed outside the lock: a slow embedding service must not stall
	// concurrent subgraph searches.
	embedded := s.embedNames(ctx, needVec)

	s.mu.Lock()
	defer s.mu.Unlock()

	for name, vec := range embedded {
		s.vectors[name] = vec
	}
	s.ensureNodeLocked(source)
	s.ensureNodeLocked(target)
	s.upsertEdgeLocked(source, target, t.Relation, t.Desc, t.Confidence)
	s.markDirtyLocked()
}

// AddTripletsBatch inserts a batch and forces a save.
func (s *Store) AddTripletsBatch(ctx context.Context, triplets []Triplet) {
	for _, t := range triplets {
		s.AddTriplet(ctx, t)
	}
	s.Flush()
}

func (s *Store) missingVectorsLocked(names ...string) []string {
	if s.embedder == nil {
		return nil
	}
	var missing []string
	for _, name := range names {
		if _, ok := s.vectors[name]; !ok && !s.nodeExistsLocked(name) {
			missing = append(missing, name)
		}
	}
	return missing
}

func (s *Store) nodeExistsLocked(name string) bool {
	_, ok := s.nodes[name]
	return ok
}

func (s *Store) embedNames(ctx context.Context, names []string) map[string][]float32 {
	if s.embedder == nil || len(names) == 0 {
		return nil
	}
	out := make(map[string][]float32, len(names))
	for _, name := range names {
		vec, err := s.embedder.Embed(ctx, name)
		if err != nil {
			slog.Debug("Node embedding failed", "entity", name, "error", err)
			continue
		}
		out[name] = vec
	}
	return out
}

func (s *Store) ensureNodeLocked(name string) {
	if _, ok := s.nodes[name]; ok {
		return
	}
	s.nodes[name] = &Node{Name: name, Type: "entity", FirstSeen: time.Now().Unix()}
}

func (s *Store) upsertEdgeLocked(source, target, relation, desc string, confidence float64) {
	now := time.Now().Unix()

	if existing, ok := s.out[source][target]; ok {
		existing.Weight += confidence
		if !containsString(existing.Relations, relation) {
			existing.Relations = append(existing.Relations, relation)
		}
		if desc != "" && !containsString(existing.Descriptions, desc) {
			existing.Descriptions = append(existing.Descriptions, desc)
		}
		if len(existing.Descriptions) > 0 {
			existing.Desc = existing.Descriptions[0]
		}
		existing.LastUpdated = now
		return
	}

	e := &Edge{
		Source:      source,
		Target:      target,
		Relation:    relation,
		Relations:   []string{relation},
		Desc:        desc,
		Weight:      confidence,
		FirstSeen:   now,
		LastUpdated: now,
	}
	if desc != "" {
		e.Descriptions = []string{desc}
	}
	s.linkLocked(e)
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// SearchSubgraph finds the topK nodes most relevant to the query, expands
// each by the given depth, and returns the deduplicated edges formatted one
// per line, strongest first. Empty string when nothing matches.
func (s *Store) SearchSubgraph(ctx context.Context, query string, topK, depth int, minWeight float64) string {
	if topK <= 0 {
		topK = 5
	}
	if depth <= 0 {
		depth = 1
	}

	queryVec := s.queryVector(ctx, query)

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.nodes) == 0 {
		return ""
	}

	starts := s.findRelevantNodesLocked(query, queryVec, topK)
	if len(starts) == 0 {
		return ""
	}

	type scoredEdge struct {
		edge  *Edge
		score float64
	}
	var results []scoredEdge
	seen := map[[3]string]bool{}

	for _, start := range starts {
		for _, e := range s.egoEdgesLocked(start.name, depth) {
			if e.Weight < minWeight {
				continue
			}
			key := [3]string{e.Source, e.Relation, e.Target}
			if seen[key] {
				continue
			}
			seen[key] = true
			results = append(results, scoredEdge{edge: e, score: start.score * e.Weight})
		}
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].score > results[j].score })

	lines := make([]string, 0, len(results))
	for _, r := range results {
		lines = append(lines, formatEdge(r.edge))
	}
	return strings.Join(lines, "\n")
}

func (s *Store) queryVector(ctx context.Context, query string) []float32 {
	if s.embedder == nil || strings.TrimSpace(query) == "" {
		return nil
	}
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		slog.Debug("Query embedding failed, using keyword match", "error", err)
		return nil
	}
	return vec
}

type scoredNode struct {
	name  string
	score float64
}

func (s *Store) findRelevantNodesLocked(query string, queryVec []float32, topK int) []scoredNode {
	var scored []scoredNode

	if queryVec != nil && len(s.vectors) > 0 {
		for name := range s.nodes {
			if vec, ok := s.vectors[name]; ok {
				scored = append(scored, scoredNode{name, cosine(queryVec, vec)})
			} else {
				// Unvectored nodes compete at half keyword weight.
				scored = append(scored, scoredNode{name, keywordScore(query, name) * 0.5})
			}
		}
	} else {
		for name := range s.nodes {
			if score := keywordScore(query, name); score > 0 {
				scored = append(scored, scoredNode{name, score})
			}
		}
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].name < scored[j].name
	})

	minScore := 0.01
	if queryVec != nil {
		minScore = 0.1
	}

	var out []scoredNode
	for _, n := range scored {
		if n.score > minScore {
			out = append(out, n)
		}
		if len(out) == topK {
			break
		}
	}
	return out
}

// keywordScore ranks a node against the query without embeddings: exact
// 1.0, substring 0.8/0.6, token Jaccard weighted 0.5.
func keywordScore(query, node string) float64 {
	q := strings.ToLower(query)
	n := strings.ToLower(node)

	if q == n {
		return 1.0
	}
	if strings.Contains(n, q) {
		return 0.8
	}
	if strings.Contains(q, n) {
		return 0.6
	}

	qWords := tokenSet(q)
	nWords := tokenSet(n)
	overlap := 0
	for w := range qWords {
		if nWords[w] {
			overlap++
		}
	}
	if overlap == 0 {
		return 0.0
	}
	union := len(qWords) + len(nWords) - overlap
	return 0.5 * float64(overlap) / float64(union)
}

func tokenSet(text string) map[string]bool {
	out := map[string]bool{}
	for _, w := range strings.Fields(text) {
		out[w] = true
	}
	return out
}

// egoEdgesLocked collects all edges induced by the nodes within the given
// undirected radius of start.
func (s *Store) egoEdgesLocked(start string, depth int) []*Edge {
	if _, ok := s.nodes[start]; !ok {
		return nil
	}

	within := map[string]bool{start: true}
	frontier := []string{start}
	for i := 0; i < depth; i++ {
		var next []string
		for _, name := range frontier {
			for target := range s.out[name] {
				if !within[target] {
					within[target] = true
					next = append(next, target)
				}
			}
			for source := range s.in[name] {
				if !within[source] {
					within[source] = true
					next = append(next, source)
				}
			}
		}
		frontier = next
	}

	var edges []*Edge
	for source := range within {
		for target, e := range s.out[source] {
			if within[target] {
				edges = append(edges, e)
			}
		}
	}
	return edges
}

// formatEdge renders one relation line with a strength band: weight ≥5
// strong, ≥2 medium, else weak.
func formatEdge(e *Edge) string {
	tag := "弱"
	switch {
	case e.Weight >= 5:
		tag = "强"
	case e.Weight >= 2:
		tag = "中"
	}

	line := fmt.Sprintf("[%s](%s)--[%s]-->(%s)", tag, e.Source, e.Relation, e.Target)
	if e.Desc != "" {
		line += " | " + e.Desc
	}
	return line
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0.0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0.0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// EntityRelations returns the out and in edges of an entity, each sorted by
// weight descending.
func (s *Store) EntityRelations(entity string) (outgoing, incoming []Relation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entity = s.resolveLocked(entity)
	if _, ok := s.nodes[entity]; !ok {
		return nil, nil
	}

	for target, e := range s.out[entity] {
		outgoing = append(outgoing, Relation{Entity: target, Relation: e.Relation, Weight: e.Weight})
	}
	for source, e := range s.in[entity] {
		incoming = append(incoming, Relation{Entity: source, Relation: e.Relation, Weight: e.Weight})
	}

	byWeight := func(list []Relation) {
		sort.Slice(list, func(i, j int) bool {
			if list[i].Weight != list[j].Weight {
				return list[i].Weight > list[j].Weight
			}
			return list[i].Entity < list[j].Entity
		})
	}
	byWeight(outgoing)
	byWeight(incoming)
	return outgoing, incoming
}

// FindPath returns the shortest directed path between two entities rendered
// as "(a) --[rel]--> (b) => …", or empty when unreachable or longer than
// maxDepth edges.
func (s *Store) FindPath(source, target string, maxDepth int) string {
	if maxDepth <= 0 {
		maxDepth = 3
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	source = s.resolveLocked(source)
	target = s.resolveLocked(target)
	if _, ok := s.nodes[source]; !ok {
		return ""
	}
	if _, ok := s.nodes[target]; !ok {
		return ""
	}

	prev := map[string]string{source: source}
	frontier := []string{source}
	found := source == target

	for steps := 0; steps < maxDepth && !found && len(frontier) > 0; steps++ {
		var next []string
		for _, name := range frontier {
			for succ := range s.out[name] {
				if _, visited := prev[succ]; visited {
					continue
				}
				prev[succ] = name
				if succ == target {
					found = true
				}
				next = append(next, succ)
			}
		}
		frontier = next
	}

	if !found || source == target {
		return ""
	}

	var path []string
	for at := target; at != source; at = prev[at] {
		path = append(path, at)
	}
	path = append(path, source)
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}

	var parts []string
	for i := 0; i < len(path)-1; i++ {
		e := s.out[path[i]][path[i+1]]
		parts = append(parts, fmt.Sprintf("(%s) --[%s]--> (%s)", path[i], e.Relation, path[i+1]))
	}
	return strings.Join(parts, " => ")
}

// MergeEntities folds one entity into another: edges transfer through the
// accumulation path, the merged name becomes an alias, and its embedding
// moves over.
func (s *Store) MergeEntities(ctx context.Context, a, b, canonical string) {
	if canonical == "" {
		canonical = a
	}
	other := b
	if canonical == b {
		other = a
	}

	s.mu.Lock()
	if _, ok := s.nodes[other]; !ok {
		s.mu.Unlock()
		return
	}

	type transfer struct {
		source, relation, target, desc string
		weight                         float64
	}
	var transfers []transfer
	for source, e := range s.in[other] {
		if source != canonical {
			transfers = append(transfers, transfer{source, e.Relation, canonical, e.Desc, e.Weight})
		}
	}
	for target, e := range s.out[other] {
		if target != canonical {
			transfers = append(transfers, transfer{canonical, e.Relation, target, e.Desc, e.Weight})
		}
	}
	s.removeNodeLocked(other)

	s.ensureNodeLocked(canonical)
	for _, t := range transfers {
		s.ensureNodeLocked(t.source)
		s.ensureNodeLocked(t.target)
		s.upsertEdgeLocked(t.source, t.target, t.relation, t.desc, t.weight)
	}

	if vec, ok := s.vectors[other]; ok {
		if _, exists := s.vectors[canonical]; !exists {
			s.vectors[canonical] = vec
		}
		delete(s.vectors, other)
	}

	s.aliases[strings.ToLower(other)] = canonical
	s.markDirtyLocked()
	s.mu.Unlock()

	slog.Info("Merged entities", "from", other, "into", canonical)
}

func (s *Store) removeNodeLocked(name string) {
	for target := range s.out[name] {
		delete(s.in[target], name)
	}
	for source := range s.in[name] {
		delete(s.out[source], name)
	}
	delete(s.out, name)
	delete(s.in, name)
	delete(s.nodes, name)
}

// PruneWeakEdges drops every edge below the weight threshold.
func (s *Store) PruneWeakEdges(minWeight float64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	type pair struct{ source, target string }
	var doomed []pair
	for source, targets := range s.out {
		for target, e := range targets {
			if e.Weight < minWeight {
				doomed = append(doomed, pair{source, target})
			}
		}
	}

	for _, p := range doomed {
		delete(s.out[p.source], p.target)
		delete(s.in[p.target], p.source)
	}

	if len(doomed) > 0 {
		s.saveNowLocked()
		slog.Info("Pruned weak edges", "count", len(doomed))
	}
	return len(doomed)
}

// PruneOrphanNodes drops nodes with no edges, and their cached embeddings.
func (s *Store) PruneOrphanNodes() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var orphans []string
	for name := range s.nodes {
		if len(s.out[name]) == 0 && len(s.in[name]) == 0 {
			orphans = append(orphans, name)
		}
	}

	for _, name := range orphans {
		delete(s.nodes, name)
		delete(s.vectors, name)
	}

	if len(orphans) > 0 {
		s.saveNowLocked()
		slog.Info("Removed orphan nodes", "count", len(orphans))
	}
	return len(orphans)
}

// Clear empties the loaded graph and persists the empty state; the session
// binding survives.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	aliases := s.aliases
	s.resetLocked()
	s.aliases = aliases
	s.dirty = true
	s.saveNowLocked()
	slog.Info("Graph cleared", "session", s.sessionUUID)
}

// Delete removes a session's graph files. The in-memory graph resets when
// the deleted session is the loaded one.
func (s *Store) Delete(sessionUUID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, path := range []string{s.graphPath(sessionUUID), s.aliasPath(sessionUUID), s.vectorPath(sessionUUID)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			slog.Error("Graph file delete failed", "path", path, "error", err)
		}
	}

	if s.sessionUUID == sessionUUID {
		s.sessionUUID = ""
		s.resetLocked()
	}
}

// Stats reports counts and the five highest-degree entities.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		SessionUUID: s.sessionUUID,
		Nodes:       len(s.nodes),
		Edges:       s.edgeCountLocked(),
		Vectors:     len(s.vectors),
		Aliases:     len(s.aliases),
	}

	var total float64
	for _, targets := range s.out {
		for _, e := range targets {
			total += e.Weight
			if e.Weight > st.MaxWeight {
				st.MaxWeight = e.Weight
			}
		}
	}
	if st.Edges > 0 {
		st.AvgWeight = total / float64(st.Edges)
	}

	degrees := make([]EntityDegree, 0, len(s.nodes))
	for name := range s.nodes {
		degrees = append(degrees, EntityDegree{Name: name, Degree: len(s.out[name]) + len(s.in[name])})
	}
	sort.Slice(degrees, func(i, j int) bool {
		if degrees[i].Degree != degrees[j].Degree {
			return degrees[i].Degree > degrees[j].Degree
		}
		return degrees[i].Name < degrees[j].Name
	})
	if len(degrees) > 5 {
		degrees = degrees[:5]
	}
	st.TopEntities = degrees

	return st
}

// markDirtyLocked schedules a save, writing through immediately when the
// debounce window has passed.
func (s *Store) markDirtyLocked() {
	s.dirty = true
	if time.Since(s.lastSave) > saveInterval {
		s.saveNowLocked()
	}
}

func (s *Store) saveNowLocked() {
	if s.sessionUUID == "" {
		return
	}

	if err := os.WriteFile(s.graphPath(s.sessionUUID), encodeGML(s.nodes, s.out), 0o644); err != nil {
		slog.Error("Graph save failed", "error", err)
		return
	}

	if len(s.vectors) > 0 {
		if err := os.WriteFile(s.vectorPath(s.sessionUUID), encodeVectors(s.vectors), 0o644); err != nil {
			slog.Error("Vector cache save failed", "error", err)
		}
	}

	if len(s.aliases) > 0 {
		if err := os.WriteFile(s.aliasPath(s.sessionUUID), encodeAliases(s.aliases), 0o644); err != nil {
			slog.Error("Alias save failed", "error", err)
		}
	}

	s.dirty = false
	s.lastSave = time.Now()
}

// Flush forces a write of any pending changes.
func (s *Store) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dirty {
		s.saveNowLocked()
	}
}

func (s *Store) saveLoop() {
	defer close(s.done)
	ticker := time.NewTicker(saveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Flush()
		case <-s.stop:
			return
		}
	}
}

// Close stops the background saver and flushes.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
	s.Flush()
	return nil
}
