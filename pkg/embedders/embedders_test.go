package embedders

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOpenAIEmbedder(t *testing.T) {
	t.Run("requires api key", func(t *testing.T) {
		_, err := NewOpenAIEmbedder(Config{BaseURL: "https://api.example.com/v1"})
		assert.Error(t, err)
	})

	t.Run("resolves bge-m3 dimension", func(t *testing.T) {
		e, err := NewOpenAIEmbedder(Config{APIKey: "k", BaseURL: "https://api.example.com/v1"})
		require.NoError(t, err)
		assert.Equal(t, "BAAI/bge-m3", e.ModelName())
		assert.Equal(t, 1024, e.Dimension())
	})
}

func TestEmbed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))

		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"雾气弥漫的酒馆"}, req.Input)

		_, _ = w.Write([]byte(`{"data": [{"embedding": [0.1, 0.2, 0.3], "index": 0}]}`))
	}))
	defer server.Close()

	e, err := NewOpenAIEmbedder(Config{APIKey: "k", BaseURL: server.URL})
	require.NoError(t, err)

	vector, err := e.Embed(context.Background(), "雾气弥漫的酒馆")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vector)
}

func TestEmbedBatchOrdering(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Out-of-order response must be reordered by index.
		_, _ = w.Write([]byte(`{"data": [
			{"embedding": [2], "index": 1},
			{"embedding": [1], "index": 0}
		]}`))
	}))
	defer server.Close()

	e, err := NewOpenAIEmbedder(Config{APIKey: "k", BaseURL: server.URL})
	require.NoError(t, err)

	vectors, err := e.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, []float32{1}, vectors[0])
	assert.Equal(t, []float32{2}, vectors[1])
}

func TestEmbedAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error": {"message": "invalid key"}}`))
	}))
	defer server.Close()

	e, err := NewOpenAIEmbedder(Config{APIKey: "k", BaseURL: server.URL})
	require.NoError(t, err)

	_, err = e.Embed(context.Background(), "x")
	assert.ErrorContains(t, err, "401")
}

func TestRerank(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rerank", r.URL.Path)

		var req rerankRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "BAAI/bge-reranker-v2-m3", req.Model)
		assert.Len(t, req.Documents, 3)

		_, _ = w.Write([]byte(`{"results": [
			{"index": 2, "relevance_score": 0.91},
			{"index": 0, "relevance_score": 0.44},
			{"index": 1, "relevance_score": 0.12}
		]}`))
	}))
	defer server.Close()

	r, err := NewRerankClient(Config{APIKey: "k", BaseURL: server.URL})
	require.NoError(t, err)

	results, err := r.Rerank(context.Background(), "酒馆的传说", []string{"a", "b", "c"}, 3)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, 2, results[0].Index)
	assert.InDelta(t, 0.91, results[0].Score, 1e-9)
}

func TestRerankEmptyDocuments(t *testing.T) {
	r, err := NewRerankClient(Config{APIKey: "k", BaseURL: "https://api.example.com/v1"})
	require.NoError(t, err)

	results, err := r.Rerank(context.Background(), "q", nil, 5)
	require.NoError(t, err)
	assert.Nil(t, results)
}
