package vector

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sort"
	"sync"

	"github.com/philippgille/chromem-go"
)

// ChromemProvider is the embedded backend: pure Go, in-memory with gob
// file persistence, cosine similarity. Fits the single-process posture;
// no external service to run.
type ChromemProvider struct {
	db          *chromem.DB
	persistPath string
	compress    bool
	mu          sync.RWMutex

	collections map[string]*chromem.Collection

	embeddingFunc chromem.EmbeddingFunc
}

type ChromemConfig struct {
	// PersistPath for file persistence. Empty keeps vectors in memory only.
	PersistPath string `yaml:"persist_path,omitempty"`
	Compress    bool   `yaml:"compress,omitempty"`
}

func NewChromemProvider(cfg ChromemConfig) (*ChromemProvider, error) {
	db := chromem.NewDB()

	if cfg.PersistPath != "" {
		if err := os.MkdirAll(cfg.PersistPath, 0755); err != nil {
			return nil, fmt.Errorf("failed to create persist directory: %w", err)
		}

		dbPath := chromemFile(cfg.PersistPath, cfg.Compress)
		if _, statErr := os.Stat(dbPath); statErr == nil {
			if err := db.Import(dbPath, ""); err != nil {
				slog.Warn("Failed to load existing vector database, creating new",
					"path", dbPath,
					"error", err)
				db = chromem.NewDB()
			} else {
				slog.Info("Loaded vector database from file", "path", dbPath)
			}
		} else {
			slog.Info("Created new vector database", "path", dbPath)
		}
	} else {
		slog.Info("Created in-memory vector database (no persistence)")
	}

	// Vectors arrive pre-computed from the embedder; chromem must never
	// embed on its own.
	identityEmbed := func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("embedding function called but vectors should be pre-computed")
	}

	return &ChromemProvider{
		db:            db,
		persistPath:   cfg.PersistPath,
		compress:      cfg.Compress,
		collections:   make(map[string]*chromem.Collection),
		embeddingFunc: identityEmbed,
	}, nil
}

func chromemFile(dir string, compress bool) string {
	path := dir + "/vectors.gob"
	if compress {
		path += ".gz"
	}
	return path
}

func (p *ChromemProvider) getCollection(name string) (*chromem.Collection, error) {
	p.mu.RLock()
	if col, ok := p.collections[name]; ok {
		p.mu.RUnlock()
		return col, nil
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	if col, ok := p.collections[name]; ok {
		return col, nil
	}

	col, err := p.db.GetOrCreateCollection(name, nil, p.embeddingFunc)
	if err != nil {
		return nil, fmt.Errorf("failed to get/create collection %q: %w", name, err)
	}

	p.collections[name] = col
	return col, nil
}

func (p *ChromemProvider) Upsert(ctx context.Context, collection string, id string, vector []float32, metadata map[string]any) error {
	col, err := p.getCollection(collection)
	if err != nil {
		return err
	}

	strMetadata := make(map[string]string, len(metadata))
	for k, v := range metadata {
		strMetadata[k] = fmt.Sprint(v)
	}

	content := ""
	if c, ok := metadata["content"].(string); ok {
		content = c
	}

	doc := chromem.Document{
		ID:        id,
		Content:   content,
		Metadata:  strMetadata,
		Embedding: vector,
	}

	if err := col.AddDocuments(ctx, []chromem.Document{doc}, runtime.NumCPU()); err != nil {
		return fmt.Errorf("failed to upsert document: %w", err)
	}

	if err := p.Persist(); err != nil {
		slog.Warn("Failed to persist after upsert", "error", err)
	}

	return nil
}

// Search runs the query against the collection. A session filter becomes
// two sub-queries (session entries, lore entries) merged by best score,
// because chromem's where-filters only AND.
func (p *ChromemProvider) Search(ctx context.Context, collection string, vector []float32, topK int, filter *Filter) ([]Result, error) {
	col, err := p.getCollection(collection)
	if err != nil {
		return nil, err
	}

	if filter == nil {
		return p.query(ctx, col, vector, topK, nil)
	}

	merged := make(map[string]Result)

	sessionResults, err := p.query(ctx, col, vector, topK, map[string]string{MetaSessionID: filter.SessionID})
	if err != nil {
		return nil, err
	}
	for _, r := range sessionResults {
		merged[r.ID] = r
	}

	if filter.IncludeLore {
		loreResults, err := p.query(ctx, col, vector, topK, map[string]string{MetaType: TypeLore})
		if err != nil {
			return nil, err
		}
		for _, r := range loreResults {
			if prev, ok := merged[r.ID]; !ok || r.Score > prev.Score {
				merged[r.ID] = r
			}
		}
	}

	out := make([]Result, 0, len(merged))
	for _, r := range merged {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (p *ChromemProvider) query(ctx context.Context, col *chromem.Collection, vector []float32, topK int, where map[string]string) ([]Result, error) {
	// chromem rejects nResults beyond the collection size.
	if count := col.Count(); topK > count {
		topK = count
	}
	if topK <= 0 {
		return nil, nil
	}

	results, err := col.QueryEmbedding(ctx, vector, topK, where, nil)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	out := make([]Result, 0, len(results))
	for _, r := range results {
		metadata := make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			metadata[k] = v
		}

		out = append(out, Result{
			ID:       r.ID,
			Score:    r.Similarity,
			Content:  r.Content,
			Metadata: metadata,
		})
	}
	return out, nil
}

// Exists checks for a document by ID. chromem reports absence as an
// error, which collapses to false here.
func (p *ChromemProvider) Exists(ctx context.Context, collection string, id string) (bool, error) {
	col, err := p.getCollection(collection)
	if err != nil {
		return false, err
	}

	_, err = col.GetByID(ctx, id)
	return err == nil, nil
}

func (p *ChromemProvider) Delete(ctx context.Context, collection string, id string) error {
	col, err := p.getCollection(collection)
	if err != nil {
		return err
	}

	if err := col.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}

	if err := p.Persist(); err != nil {
		slog.Warn("Failed to persist after delete", "error", err)
	}

	return nil
}

// DeleteBySession removes the session's records via a metadata filter.
func (p *ChromemProvider) DeleteBySession(ctx context.Context, collection string, sessionID string) error {
	col, err := p.getCollection(collection)
	if err != nil {
		return err
	}

	if err := col.Delete(ctx, map[string]string{MetaSessionID: sessionID}, nil); err != nil {
		return fmt.Errorf("failed to delete session records: %w", err)
	}

	if err := p.Persist(); err != nil {
		slog.Warn("Failed to persist after delete", "error", err)
	}

	return nil
}

func (p *ChromemProvider) DeleteCollection(ctx context.Context, collection string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.db.DeleteCollection(collection); err != nil {
		return fmt.Errorf("failed to delete collection: %w", err)
	}

	delete(p.collections, collection)

	if err := p.Persist(); err != nil {
		slog.Warn("Failed to persist after collection delete", "error", err)
	}

	return nil
}

func (p *ChromemProvider) Name() string {
	return "chromem"
}

func (p *ChromemProvider) Persist() error {
	if p.persistPath == "" {
		return nil
	}

	dbPath := chromemFile(p.persistPath, p.compress)

	if err := p.db.Export(dbPath, p.compress, ""); err != nil {
		return fmt.Errorf("failed to persist database: %w", err)
	}

	return nil
}

func (p *ChromemProvider) Close() error {
	return p.Persist()
}

var _ Provider = (*ChromemProvider)(nil)
