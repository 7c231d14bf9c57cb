package vector

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// payloadDocID carries the original document ID inside the point payload.
// Qdrant point IDs must be UUIDs or integers, so string IDs like
// "micro_1712345678_a1b2" are mapped through a deterministic UUIDv5 and
// recovered from the payload on read.
const payloadDocID = "_doc_id"

// QdrantConfig configures the Qdrant vector provider.
type QdrantConfig struct {
	// Host is the Qdrant server hostname.
	Host string `json:"host"`

	// Port is the Qdrant gRPC port (default: 6334).
	Port int `json:"port"`

	// APIKey for authenticated access (optional).
	APIKey string `json:"api_key,omitempty"`

	// UseTLS enables TLS connections.
	UseTLS bool `json:"use_tls,omitempty"`
}

// QdrantProvider implements Provider using a Qdrant server over gRPC.
type QdrantProvider struct {
	client *qdrant.Client
	config QdrantConfig
}

// NewQdrantProvider creates a new Qdrant provider.
func NewQdrantProvider(cfg QdrantConfig) (*QdrantProvider, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334 // Qdrant gRPC port
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Qdrant client for %s:%d: %w\n"+
			"  TIP: Ensure Qdrant is running and the host/port are correct\n"+
			"     (docker run -p 6333:6333 -p 6334:6334 qdrant/qdrant)",
			cfg.Host, cfg.Port, err)
	}

	return &QdrantProvider{
		client: client,
		config: cfg,
	}, nil
}

// Name returns the provider name.
func (p *QdrantProvider) Name() string {
	return "qdrant"
}

// pointUUID maps an arbitrary document ID to a stable Qdrant point UUID.
func pointUUID(id string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("deeptavern:"+id)).String()
}

// Upsert adds or updates a document with its vector.
func (p *QdrantProvider) Upsert(ctx context.Context, collection string, id string, vector []float32, metadata map[string]any) error {
	exists, err := p.client.CollectionExists(ctx, collection)
	if err != nil {
		return fmt.Errorf("failed to check collection existence: %w", err)
	}

	if !exists {
		err = p.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(len(vector)),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil && !strings.Contains(err.Error(), "already exists") {
			return fmt.Errorf("failed to create collection: %w", err)
		}
	}

	payload := make(map[string]*qdrant.Value, len(metadata)+1)
	for key, value := range metadata {
		val, err := qdrant.NewValue(value)
		if err != nil {
			return fmt.Errorf("failed to convert metadata value for key %s: %w", key, err)
		}
		payload[key] = val
	}
	docID, err := qdrant.NewValue(id)
	if err != nil {
		return fmt.Errorf("failed to convert document ID: %w", err)
	}
	payload[payloadDocID] = docID

	point := &qdrant.PointStruct{
		Id:      qdrant.NewID(pointUUID(id)),
		Vectors: qdrant.NewVectors(vector...),
		Payload: payload,
	}

	_, err = p.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points:         []*qdrant.PointStruct{point},
	})
	if err != nil {
		return fmt.Errorf("failed to upsert point: %w", err)
	}

	return nil
}

// Search finds the most similar vectors. Session filters become a Should
// clause (session match OR lore match), which Qdrant evaluates natively.
func (p *QdrantProvider) Search(ctx context.Context, collection string, vector []float32, topK int, filter *Filter) ([]Result, error) {
	exists, err := p.client.CollectionExists(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to check collection existence: %w", err)
	}
	if !exists {
		return nil, nil
	}

	searchRequest := &qdrant.SearchPoints{
		CollectionName: collection,
		Vector:         vector,
		Limit:          uint64(topK),
		WithPayload:    qdrant.NewWithPayload(true),
	}

	if filter != nil {
		shoulds := []*qdrant.Condition{
			keywordCondition(MetaSessionID, filter.SessionID),
		}
		if filter.IncludeLore {
			shoulds = append(shoulds, keywordCondition(MetaType, TypeLore))
		}
		searchRequest.Filter = &qdrant.Filter{Should: shoulds}
	}

	pointsClient := p.client.GetPointsClient()
	searchResult, err := pointsClient.Search(ctx, searchRequest)
	if err != nil {
		return nil, fmt.Errorf("failed to search points: %w", err)
	}

	return convertQdrantResults(searchResult.Result), nil
}

// Exists checks for a point by document ID.
func (p *QdrantProvider) Exists(ctx context.Context, collection string, id string) (bool, error) {
	exists, err := p.client.CollectionExists(ctx, collection)
	if err != nil {
		return false, fmt.Errorf("failed to check collection existence: %w", err)
	}
	if !exists {
		return false, nil
	}

	points, err := p.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: collection,
		Ids:            []*qdrant.PointId{qdrant.NewID(pointUUID(id))},
	})
	if err != nil {
		return false, fmt.Errorf("failed to get point %s: %w", id, err)
	}
	return len(points) > 0, nil
}

// Delete removes a document by ID.
func (p *QdrantProvider) Delete(ctx context.Context, collection string, id string) error {
	deletePoints := &qdrant.DeletePoints{
		CollectionName: collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{
					Ids: []*qdrant.PointId{
						{PointIdOptions: &qdrant.PointId_Uuid{Uuid: pointUUID(id)}},
					},
				},
			},
		},
	}
	_, err := p.client.Delete(ctx, deletePoints)
	if err != nil {
		return fmt.Errorf("failed to delete point %s: %w", id, err)
	}
	return nil
}

// DeleteBySession removes every point carrying the session's ID.
func (p *QdrantProvider) DeleteBySession(ctx context.Context, collection string, sessionID string) error {
	deletePoints := &qdrant.DeletePoints{
		CollectionName: collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: &qdrant.Filter{
					Must: []*qdrant.Condition{keywordCondition(MetaSessionID, sessionID)},
				},
			},
		},
	}

	_, err := p.client.Delete(ctx, deletePoints)
	if err != nil {
		return fmt.Errorf("failed to delete session points: %w", err)
	}
	return nil
}

// DeleteCollection removes a collection.
func (p *QdrantProvider) DeleteCollection(ctx context.Context, collection string) error {
	err := p.client.DeleteCollection(ctx, collection)
	if err != nil {
		return fmt.Errorf("failed to delete collection: %w", err)
	}
	return nil
}

// Persist is a no-op: durability is the server's job.
func (p *QdrantProvider) Persist() error {
	return nil
}

// Close closes the Qdrant client.
func (p *QdrantProvider) Close() error {
	return p.client.Close()
}

func keywordCondition(key, value string) *qdrant.Condition {
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{
				Key: key,
				Match: &qdrant.Match{
					MatchValue: &qdrant.Match_Keyword{
						Keyword: value,
					},
				},
			},
		},
	}
}

// convertQdrantResults converts Qdrant results to our Result type.
func convertQdrantResults(points []*qdrant.ScoredPoint) []Result {
	results := make([]Result, 0, len(points))

	for _, point := range points {
		var id string
		if point.Id != nil && point.Id.PointIdOptions != nil {
			switch idType := point.Id.PointIdOptions.(type) {
			case *qdrant.PointId_Uuid:
				id = idType.Uuid
			case *qdrant.PointId_Num:
				id = fmt.Sprintf("%d", idType.Num)
			}
		}

		metadata := make(map[string]any)
		if point.Payload != nil {
			for key, value := range point.Payload {
				metadata[key] = qdrantValue(value)
			}
		}

		if docID, ok := metadata[payloadDocID].(string); ok && docID != "" {
			id = docID
			delete(metadata, payloadDocID)
		}

		content := ""
		if contentValue, ok := metadata["content"].(string); ok {
			content = contentValue
		}

		results = append(results, Result{
			ID:       id,
			Content:  content,
			Metadata: metadata,
			Score:    point.Score,
		})
	}

	return results
}

func qdrantValue(value *qdrant.Value) any {
	switch v := value.Kind.(type) {
	case *qdrant.Value_StringValue:
		return v.StringValue
	case *qdrant.Value_IntegerValue:
		return v.IntegerValue
	case *qdrant.Value_DoubleValue:
		return v.DoubleValue
	case *qdrant.Value_BoolValue:
		return v.BoolValue
	case *qdrant.Value_ListValue:
		if v.ListValue == nil {
			return nil
		}
		list := make([]any, len(v.ListValue.Values))
		for i, item := range v.ListValue.Values {
			list[i] = qdrantValue(item)
		}
		return list
	default:
		return value
	}
}

// Ensure QdrantProvider implements Provider.
var _ Provider = (*QdrantProvider)(nil)
