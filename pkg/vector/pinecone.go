package vector

import (
	"context"
	"fmt"

	"github.com/pinecone-io/go-pinecone/pinecone"
	"google.golang.org/protobuf/types/known/structpb"
)

// PineconeConfig configures the Pinecone vector provider.
type PineconeConfig struct {
	// APIKey is required for Pinecone authentication.
	APIKey string `json:"api_key"`

	// IndexName is the serverless index holding all collections. Each
	// collection maps to a namespace inside it.
	IndexName string `json:"index_name"`
}

// PineconeProvider implements Provider against a managed Pinecone index.
// Collections become namespaces, so a single pre-created index serves
// the whole engine.
type PineconeProvider struct {
	client    *pinecone.Client
	indexName string
	indexHost string
}

// NewPineconeProvider creates a new Pinecone provider.
func NewPineconeProvider(cfg PineconeConfig) (*PineconeProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for Pinecone")
	}

	client, err := pinecone.NewClient(pinecone.NewClientParams{
		ApiKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Pinecone client: %w", err)
	}

	indexName := cfg.IndexName
	if indexName == "" {
		indexName = "deeptavern"
	}

	return &PineconeProvider{
		client:    client,
		indexName: indexName,
	}, nil
}

// Name returns the provider name.
func (p *PineconeProvider) Name() string {
	return "pinecone"
}

// connection opens an IndexConnection scoped to the collection namespace.
func (p *PineconeProvider) connection(ctx context.Context, namespace string) (*pinecone.IndexConnection, error) {
	if p.indexHost == "" {
		index, err := p.client.DescribeIndex(ctx, p.indexName)
		if err != nil {
			return nil, fmt.Errorf("failed to describe index %s: %w\n"+
				"  TIP: Pinecone indexes must be created ahead of time via console or API",
				p.indexName, err)
		}
		p.indexHost = index.Host
	}

	conn, err := p.client.Index(pinecone.NewIndexConnParams{
		Host:      p.indexHost,
		Namespace: namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create index connection: %w", err)
	}

	return conn, nil
}

// Upsert adds or updates a document with its vector.
func (p *PineconeProvider) Upsert(ctx context.Context, collection string, id string, vector []float32, metadata map[string]any) error {
	conn, err := p.connection(ctx, collection)
	if err != nil {
		return err
	}
	defer conn.Close()

	var pineconeMetadata *pinecone.Metadata
	if len(metadata) > 0 {
		pineconeMetadata, err = structpb.NewStruct(metadata)
		if err != nil {
			return fmt.Errorf("failed to convert metadata: %w", err)
		}
	}

	_, err = conn.UpsertVectors(ctx, []*pinecone.Vector{{
		Id:       id,
		Values:   vector,
		Metadata: pineconeMetadata,
	}})
	if err != nil {
		return fmt.Errorf("failed to upsert vector: %w", err)
	}

	return nil
}

// Search finds the most similar vectors. Session filters become a native
// $or metadata filter.
func (p *PineconeProvider) Search(ctx context.Context, collection string, vector []float32, topK int, filter *Filter) ([]Result, error) {
	conn, err := p.connection(ctx, collection)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	var metadataFilter *pinecone.MetadataFilter
	if filter != nil {
		clauses := []any{
			map[string]any{MetaSessionID: map[string]any{"$eq": filter.SessionID}},
		}
		if filter.IncludeLore {
			clauses = append(clauses, map[string]any{MetaType: map[string]any{"$eq": TypeLore}})
		}
		metadataFilter, err = structpb.NewStruct(map[string]any{"$or": clauses})
		if err != nil {
			return nil, fmt.Errorf("failed to convert filter: %w", err)
		}
	}

	queryResponse, err := conn.QueryByVectorValues(ctx, &pinecone.QueryByVectorValuesRequest{
		Vector:          vector,
		TopK:            uint32(topK),
		MetadataFilter:  metadataFilter,
		IncludeMetadata: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query Pinecone: %w", err)
	}

	return convertPineconeResults(queryResponse.Matches), nil
}

// Exists checks for a vector by ID.
func (p *PineconeProvider) Exists(ctx context.Context, collection string, id string) (bool, error) {
	conn, err := p.connection(ctx, collection)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	resp, err := conn.FetchVectors(ctx, []string{id})
	if err != nil {
		return false, fmt.Errorf("failed to fetch vector %s: %w", id, err)
	}
	return resp.Vectors[id] != nil, nil
}

// Delete removes a document by ID.
func (p *PineconeProvider) Delete(ctx context.Context, collection string, id string) error {
	conn, err := p.connection(ctx, collection)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.DeleteVectorsById(ctx, []string{id}); err != nil {
		return fmt.Errorf("failed to delete vector: %w", err)
	}

	return nil
}

// DeleteBySession removes the session's vectors via a metadata filter.
// Serverless indexes reject filtered deletes; the caller logs and moves on.
func (p *PineconeProvider) DeleteBySession(ctx context.Context, collection string, sessionID string) error {
	conn, err := p.connection(ctx, collection)
	if err != nil {
		return err
	}
	defer conn.Close()

	metadataFilter, err := structpb.NewStruct(map[string]any{
		MetaSessionID: map[string]any{"$eq": sessionID},
	})
	if err != nil {
		return fmt.Errorf("failed to convert filter: %w", err)
	}

	if err := conn.DeleteVectorsByFilter(ctx, metadataFilter); err != nil {
		return fmt.Errorf("failed to delete session vectors: %w", err)
	}

	return nil
}

// DeleteCollection clears the collection's namespace.
func (p *PineconeProvider) DeleteCollection(ctx context.Context, collection string) error {
	conn, err := p.connection(ctx, collection)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.DeleteAllVectorsInNamespace(ctx); err != nil {
		return fmt.Errorf("failed to clear namespace %s: %w", collection, err)
	}

	return nil
}

// Persist is a no-op: durability is the service's job.
func (p *PineconeProvider) Persist() error {
	return nil
}

// Close releases the client. The Pinecone client has no explicit close.
func (p *PineconeProvider) Close() error {
	return nil
}

// convertPineconeResults converts Pinecone matches to our Result type.
func convertPineconeResults(matches []*pinecone.ScoredVector) []Result {
	results := make([]Result, 0, len(matches))

	for _, match := range matches {
		if match.Vector == nil {
			continue
		}

		metadata := make(map[string]any)
		if match.Vector.Metadata != nil {
			metadata = match.Vector.Metadata.AsMap()
		}

		content := ""
		if c, ok := metadata["content"].(string); ok {
			content = c
		}

		results = append(results, Result{
			ID:       match.Vector.Id,
			Content:  content,
			Metadata: metadata,
			Score:    match.Score,
		})
	}

	return results
}

// Ensure PineconeProvider implements Provider.
var _ Provider = (*PineconeProvider)(nil)
