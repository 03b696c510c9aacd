package embed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProvider_Selection(t *testing.T) {
	p, err := NewProvider(Config{Provider: "local"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &LocalProvider{}, p)

	p, err = NewProvider(Config{}, nil)
	require.NoError(t, err)
	assert.IsType(t, &LocalProvider{}, p, "empty tag defaults to local")

	p, err = NewProvider(Config{Provider: "ollama"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &OllamaProvider{}, p)

	_, err = NewProvider(Config{Provider: "openai"}, nil)
	require.Error(t, err, "openai without a key must fail at construction")

	p, err = NewProvider(Config{Provider: "openai", APIKey: "sk-test"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &OpenAIProvider{}, p)

	_, err = NewProvider(Config{Provider: "quantum"}, nil)
	require.Error(t, err)
}

// =============================================================================
// Local provider
// =============================================================================

func TestLocalProvider_Deterministic(t *testing.T) {
	p := NewLocalProvider(64)
	ctx := context.Background()

	a, err := p.Embed(ctx, "the quick brown fox")
	require.NoError(t, err)
	b, err := p.Embed(ctx, "the quick brown fox")
	require.NoError(t, err)

	assert.Len(t, a, 64)
	assert.Equal(t, a, b, "same text must embed identically")
}

func TestLocalProvider_UnitNorm(t *testing.T) {
	p := NewLocalProvider(32)
	vec, err := p.Embed(context.Background(), "normalize me please")
	require.NoError(t, err)

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, norm, 1e-5)
}

func TestLocalProvider_SimilarTextCloser(t *testing.T) {
	p := NewLocalProvider(128)
	ctx := context.Background()

	base, _ := p.Embed(ctx, "database connection pooling settings")
	similar, _ := p.Embed(ctx, "database connection pool tuning")
	unrelated, _ := p.Embed(ctx, "birthday cake recipe with chocolate")

	assert.Greater(t, dot(base, similar), dot(base, unrelated))
}

func dot(a, b []float32) float64 {
	var d float64
	for i := range a {
		d += float64(a[i]) * float64(b[i])
	}
	return d
}

func TestLocalProvider_Batch(t *testing.T) {
	p := NewLocalProvider(16)
	vectors, err := p.EmbedBatch(context.Background(), []string{"one", "two", "three"})
	require.NoError(t, err)
	require.Len(t, vectors, 3)
	for _, v := range vectors {
		assert.Len(t, v, 16)
	}
}

// =============================================================================
// OpenAI-style provider
// =============================================================================

func TestOpenAIProvider_Batch(t *testing.T) {
	var gotAuth string
	var gotBody map[string]interface{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		// Respond out of order to prove index handling.
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{
				{"index": 1, "embedding": []float32{0, 1}},
				{"index": 0, "embedding": []float32{1, 0}},
			},
		})
	}))
	defer srv.Close()

	p, err := NewOpenAIProvider(Config{Provider: "openai", APIKey: "sk-test", BaseURL: srv.URL, Dimensions: 2})
	require.NoError(t, err)

	vectors, err := p.EmbedBatch(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)

	assert.Equal(t, []float32{1, 0}, vectors[0])
	assert.Equal(t, []float32{0, 1}, vectors[1])
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, []interface{}{"first", "second"}, gotBody["input"])
}

func TestOpenAIProvider_ErrorSurfacesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error": "rate limited"}`))
	}))
	defer srv.Close()

	p, err := NewOpenAIProvider(Config{APIKey: "sk-test", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = p.Embed(context.Background(), "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.Contains(t, err.Error(), "rate limited")
}

func TestOpenAIProvider_TruncatesInput(t *testing.T) {
	var gotInput string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Input []string `json:"input"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		gotInput = body.Input[0]
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{{"index": 0, "embedding": []float32{1}}},
		})
	}))
	defer srv.Close()

	p, err := NewOpenAIProvider(Config{APIKey: "sk-test", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = p.Embed(context.Background(), strings.Repeat("x", 20000))
	require.NoError(t, err)
	assert.Len(t, gotInput, maxEmbedChars)
}

// =============================================================================
// Ollama provider
// =============================================================================

func TestOllamaProvider_Embed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embed", r.URL.Path)
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		assert.Equal(t, true, body["truncate"])
		json.NewEncoder(w).Encode(map[string]interface{}{
			"embeddings": [][]float32{{0.1, 0.2, 0.3}},
		})
	}))
	defer srv.Close()

	p := NewOllamaProvider(Config{BaseURL: srv.URL}, nil)
	p.logger = testLogger()

	vec, err := p.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
}

func TestOllamaProvider_BatchIsSequential(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(map[string]interface{}{
			"embeddings": [][]float32{{float32(calls)}},
		})
	}))
	defer srv.Close()

	p := NewOllamaProvider(Config{BaseURL: srv.URL}, nil)
	p.logger = testLogger()

	vectors, err := p.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, 3, calls, "ollama has no batch endpoint; one call per item")
	assert.Equal(t, []float32{1}, vectors[0])
	assert.Equal(t, []float32{3}, vectors[2])
}

func TestOllamaProvider_InitializeUnreachableIsNotFatal(t *testing.T) {
	p := NewOllamaProvider(Config{BaseURL: "http://127.0.0.1:1"}, testLogger())
	err := p.Initialize(context.Background())
	assert.NoError(t, err, "unreachable daemon is logged, not fatal")
}
