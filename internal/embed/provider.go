// Package embed turns memory text into embedding vectors for semantic
// search.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Provider produces embedding vectors. Initialize is idempotent; it may be
// skipped entirely since Embed and EmbedBatch initialize lazily.
type Provider interface {
	Initialize(ctx context.Context) error
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// Config selects and parameterizes a provider.
type Config struct {
	// Provider tag: "local", "openai", or "ollama".
	Provider string `yaml:"provider"`
	// Model name for remote providers (e.g. "text-embedding-3-small",
	// "nomic-embed-text").
	Model string `yaml:"model"`
	// Dimensions of the produced vectors.
	Dimensions int `yaml:"dimensions"`
	// APIKey for the OpenAI-style provider. Falls back to the environment at
	// construction.
	APIKey string `yaml:"api_key"`
	// BaseURL overrides the provider endpoint (OpenAI-compatible proxies,
	// non-default Ollama hosts).
	BaseURL string `yaml:"base_url"`
}

const (
	defaultLocalDims   = 384
	defaultOpenAIModel = "text-embedding-3-small"
	defaultOpenAIURL   = "https://api.openai.com/v1"
	defaultOllamaModel = "nomic-embed-text"
	defaultOllamaURL   = "http://localhost:11434"
	defaultOllamaDims  = 768
)

// NewProvider constructs the provider named by cfg.Provider. The OpenAI
// backend requires a credential and fails here, at construction, rather
// than on first use.
func NewProvider(cfg Config, logger *slog.Logger) (Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Provider {
	case "", "local":
		dims := cfg.Dimensions
		if dims <= 0 {
			dims = defaultLocalDims
		}
		return NewLocalProvider(dims), nil
	case "openai":
		return NewOpenAIProvider(cfg)
	case "ollama":
		return NewOllamaProvider(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider: %q", cfg.Provider)
	}
}

// ----------------------------------------------------------------------------
// Local provider
// ----------------------------------------------------------------------------

// LocalProvider embeds text with an in-process model. The model is built
// lazily on first use; a load failure is permanent and fails every
// subsequent call.
type LocalProvider struct {
	dims int

	initOnce sync.Once
	initErr  error
	model    *hashModel
}

// NewLocalProvider returns a local provider producing dims-dimensional
// vectors.
func NewLocalProvider(dims int) *LocalProvider {
	return &LocalProvider{dims: dims}
}

// Initialize loads the model. Idempotent; concurrent callers share one load.
func (p *LocalProvider) Initialize(ctx context.Context) error {
	p.initOnce.Do(func() {
		p.model, p.initErr = newHashModel(p.dims)
	})
	return p.initErr
}

func (p *LocalProvider) Dimensions() int { return p.dims }

func (p *LocalProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := p.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("embedding model unavailable: %w", err)
	}
	return p.model.encode(text), nil
}

// EmbedBatch runs the model once over the batch; each text gets its own
// slice of the result.
func (p *LocalProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := p.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("embedding model unavailable: %w", err)
	}
	vectors := make([][]float32, len(texts))
	for i, t := range texts {
		vectors[i] = p.model.encode(t)
	}
	return vectors, nil
}

// hashModel is a deterministic feature-hashing embedder. Not a neural
// model, but cheap, dependency-free, and stable across runs, which is what
// the local path needs: similar text maps to nearby vectors via shared
// token and trigram features.
type hashModel struct {
	dims int
}

func newHashModel(dims int) (*hashModel, error) {
	if dims <= 0 {
		return nil, errors.New("dimensions must be positive")
	}
	return &hashModel{dims: dims}, nil
}

var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "but": true,
	"in": true, "on": true, "at": true, "to": true, "for": true, "of": true,
	"with": true, "by": true, "from": true, "is": true, "are": true,
	"was": true, "were": true, "be": true, "been": true, "it": true,
	"this": true, "that": true, "as": true,
}

func (m *hashModel) encode(text string) []float32 {
	vec := make([]float32, m.dims)
	words := strings.Fields(strings.ToLower(text))

	for _, w := range words {
		w = strings.Trim(w, ".,!?;:()[]{}\"'")
		if w == "" || stopwords[w] {
			continue
		}
		// Whole-word feature
		vec[hashFeature(w)%uint32(m.dims)] += 1.0
		// Character trigram features catch morphological variants
		for i := 0; i+3 <= len(w); i++ {
			vec[hashFeature(w[i:i+3])%uint32(m.dims)] += 0.5
		}
	}

	// Normalize to unit length so cosine similarity is a dot product
	var norm float64
	for _, v := range vec {
		norm += float64(v * v)
	}
	if norm > 0 {
		inv := float32(1.0 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec
}

func hashFeature(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}

// ----------------------------------------------------------------------------
// OpenAI-style provider
// ----------------------------------------------------------------------------

// OpenAIProvider calls an OpenAI-compatible embeddings endpoint. A whole
// batch is one HTTP request.
type OpenAIProvider struct {
	apiKey  string
	model   string
	baseURL string
	dims    int
	client  *http.Client
}

// NewOpenAIProvider fails fast if no API key is configured; a provider that
// cannot possibly work should not be constructed.
func NewOpenAIProvider(cfg Config) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai embedding provider requires an api key")
	}
	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultOpenAIURL
	}
	dims := cfg.Dimensions
	if dims <= 0 {
		dims = defaultLocalDims
	}
	return &OpenAIProvider{
		apiKey:  cfg.APIKey,
		model:   model,
		baseURL: baseURL,
		dims:    dims,
		client:  &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Initialize is a no-op; the credential check happened at construction.
func (p *OpenAIProvider) Initialize(ctx context.Context) error { return nil }

func (p *OpenAIProvider) Dimensions() int { return p.dims }

func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// maxEmbedChars bounds the request payload; remote models reject oversized
// inputs anyway.
const maxEmbedChars = 8000

func truncateText(text string) string {
	if len(text) > maxEmbedChars {
		return text[:maxEmbedChars]
	}
	return text
}

func (p *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	inputs := make([]string, len(texts))
	for i, t := range texts {
		inputs[i] = truncateText(t)
	}

	reqBody := map[string]interface{}{
		"model":      p.model,
		"input":      inputs,
		"dimensions": p.dims,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("embedding API error (status %d): %s", resp.StatusCode, string(body))
	}

	var result struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(result.Data) != len(texts) {
		return nil, fmt.Errorf("embedding API returned %d vectors for %d inputs", len(result.Data), len(texts))
	}

	// The API documents index-ordered responses but returns indexes anyway;
	// honor them.
	vectors := make([][]float32, len(texts))
	for _, d := range result.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, fmt.Errorf("embedding API returned out-of-range index %d", d.Index)
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}

// ----------------------------------------------------------------------------
// Ollama provider
// ----------------------------------------------------------------------------

// OllamaProvider calls a local Ollama daemon. The daemon has no batch
// endpoint worth the name, so EmbedBatch issues sequential per-item calls.
type OllamaProvider struct {
	model   string
	baseURL string
	dims    int
	client  *http.Client
	logger  *slog.Logger
}

// NewOllamaProvider never fails at construction: the daemon may not be up
// yet, and Initialize only logs unreachability.
func NewOllamaProvider(cfg Config, logger *slog.Logger) *OllamaProvider {
	if logger == nil {
		logger = slog.Default()
	}
	model := cfg.Model
	if model == "" {
		model = defaultOllamaModel
	}
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	dims := cfg.Dimensions
	if dims <= 0 {
		dims = defaultOllamaDims
	}
	return &OllamaProvider{
		model:   model,
		baseURL: baseURL,
		dims:    dims,
		client:  &http.Client{Timeout: 60 * time.Second},
		logger:  logger,
	}
}

// Initialize probes the daemon. Unreachability is logged, not fatal: the
// daemon may come up later, and every Embed call carries its own error
// path.
func (p *OllamaProvider) Initialize(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/version", nil)
	if err != nil {
		return nil
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Warn("ollama daemon not reachable", "url", p.baseURL, "error", err)
		return nil
	}
	resp.Body.Close()
	return nil
}

func (p *OllamaProvider) Dimensions() int { return p.dims }

func (p *OllamaProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	reqBody := map[string]interface{}{
		"model":    p.model,
		"input":    truncateText(text),
		"truncate": true,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/api/embed", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("ollama error (status %d): %s", resp.StatusCode, string(body))
	}

	var result struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(result.Embeddings) == 0 || len(result.Embeddings[0]) == 0 {
		return nil, errors.New("ollama returned no embedding")
	}
	return result.Embeddings[0], nil
}

func (p *OllamaProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := p.Embed(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("batch item %d: %w", i, err)
		}
		vectors[i] = vec
	}
	return vectors, nil
}
