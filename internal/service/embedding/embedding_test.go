package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIEmbedBatch(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		// Out of order on purpose; the client must reorder by index.
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"index": 1, "embedding": []float32{3, 4}},
				{"index": 0, "embedding": []float32{1, 2}},
			},
		})
	}))
	defer srv.Close()

	p := NewOpenAIProvider("sk-test", "text-embedding-3-small", 2)
	p.baseURL = srv.URL

	vecs, err := p.EmbedBatch(context.Background(), []string{"alpha", "beta"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, []float32{1, 2}, vecs[0].Slice())
	assert.Equal(t, []float32{3, 4}, vecs[1].Slice())

	assert.Equal(t, "text-embedding-3-small", got["model"])
	assert.Equal(t, float64(2), got["dimensions"])
	assert.Equal(t, []any{"alpha", "beta"}, got["input"])
}

func TestOpenAIOmitsDimensionsForLegacyModels(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"index": 0, "embedding": []float32{1, 2}}},
		})
	}))
	defer srv.Close()

	p := NewOpenAIProvider("sk-test", "text-embedding-ada-002", 2)
	p.baseURL = srv.URL

	_, err := p.Embed(context.Background(), "alpha")
	require.NoError(t, err)
	_, sent := got["dimensions"]
	assert.False(t, sent, "legacy models reject the dimensions parameter")
}

func TestOpenAIErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"type": "invalid_request_error", "message": "bad key"},
		})
	}))
	defer srv.Close()

	p := NewOpenAIProvider("sk-bad", "text-embedding-3-small", 2)
	p.baseURL = srv.URL

	_, err := p.EmbedBatch(context.Background(), []string{"alpha"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid_request_error")
	assert.Contains(t, err.Error(), "bad key")
}

func TestOpenAIRejectsWrongDimensions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"index": 0, "embedding": []float32{1, 2, 3}}},
		})
	}))
	defer srv.Close()

	p := NewOpenAIProvider("sk-test", "text-embedding-3-small", 2)
	p.baseURL = srv.URL

	_, err := p.Embed(context.Background(), "alpha")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "returned 3 dimensions, want 2")
}

func TestOllamaEmbedBatch(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embed", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"embeddings": [][]float32{{1, 2}, {3, 4}},
		})
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "mxbai-embed-large", 2)

	vecs, err := p.EmbedBatch(context.Background(), []string{"alpha", "beta"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, []float32{1, 2}, vecs[0].Slice())
	assert.Equal(t, []float32{3, 4}, vecs[1].Slice())

	assert.Equal(t, "mxbai-embed-large", got["model"])
	assert.Equal(t, []any{"alpha", "beta"}, got["input"])
}

func TestOllamaErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "model not found"})
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "missing-model", 2)

	_, err := p.Embed(context.Background(), "alpha")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model not found")
}

func TestOllamaCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"embeddings": [][]float32{{1, 2}},
		})
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "mxbai-embed-large", 2)

	_, err := p.EmbedBatch(context.Background(), []string{"alpha", "beta"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "got 1 embeddings for 2 inputs")
}

func TestNoopProvider(t *testing.T) {
	p := NewNoopProvider(4)
	assert.Equal(t, 4, p.Dimensions())

	vec, err := p.Embed(context.Background(), "anything")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 0, 0}, vec.Slice())

	vecs, err := p.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Len(t, vecs, 3)
}

func TestEmbedBatchEmptyInput(t *testing.T) {
	p := NewOpenAIProvider("sk-test", "text-embedding-3-small", 2)
	vecs, err := p.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vecs)
}
