// Package embedding provides a pluggable interface for text embedding providers.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Vector is a float32 embedding vector.
type Vector = []float32

// Embedder generates embedding vectors from text.
type Embedder interface {
	Embed(ctx context.Context, text string) (Vector, error)
	Dims() int
}

// BatchEmbedder is implemented by providers with a native batch endpoint.
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([]Vector, error)
}

// batchParallelism bounds concurrent single-text calls when emulating a batch.
const batchParallelism = 4

// EmbedBatch embeds texts with e, using the native batch call when available.
// Results are returned in input order.
func EmbedBatch(ctx context.Context, e Embedder, texts []string) ([]Vector, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if be, ok := e.(BatchEmbedder); ok {
		out, err := be.EmbedBatch(ctx, texts)
		if err != nil {
			return nil, err
		}
		if len(out) != len(texts) {
			return nil, fmt.Errorf("batch returned %d vectors for %d texts", len(out), len(texts))
		}
		return out, nil
	}

	out := make([]Vector, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchParallelism)
	for i, text := range texts {
		g.Go(func() error {
			v, err := e.Embed(gctx, text)
			if err != nil {
				return fmt.Errorf("embed text %d: %w", i, err)
			}
			out[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Dot returns the inner product of a and b, or 0 if their lengths differ.
func Dot(a, b Vector) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

// Normalize returns a unit-length copy of v. Zero vectors are returned as-is.
func Normalize(v Vector) Vector {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	out := make(Vector, len(v))
	if norm == 0 {
		copy(out, v)
		return out
	}
	norm = math.Sqrt(norm)
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

// CosineSimilarity computes cosine similarity between two vectors.
func CosineSimilarity(a, b Vector) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// --- Ollama Provider ---

// OllamaEmbedder uses a local Ollama instance for embeddings.
type OllamaEmbedder struct {
	baseURL string
	model   string
	dims    int
	client  *http.Client
	limiter *rate.Limiter
}

type ollamaRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaResponse struct {
	Embedding []float32 `json:"embedding"`
}

// NewOllamaEmbedder creates an embedder using Ollama's API.
// Default model: all-minilm (384 dims); nomic-embed-text is 768.
func NewOllamaEmbedder(baseURL, model string) *OllamaEmbedder {
	if baseURL == "" {
		baseURL = os.Getenv("OLLAMA_HOST")
	}
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "all-minilm"
	}
	dims := 384
	if model == "nomic-embed-text" {
		dims = 768
	}
	return &OllamaEmbedder{
		baseURL: baseURL,
		model:   model,
		dims:    dims,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// WithRateLimit caps requests per second; zero or less disables limiting.
func (e *OllamaEmbedder) WithRateLimit(perSec float64) *OllamaEmbedder {
	e.limiter = newLimiter(perSec)
	return e
}

func (e *OllamaEmbedder) Embed(ctx context.Context, text string) (Vector, error) {
	if err := wait(ctx, e.limiter); err != nil {
		return nil, err
	}
	body, _ := json.Marshal(ollamaRequest{Model: e.model, Prompt: text})
	var result ollamaResponse
	if err := postJSON(ctx, e.client, e.baseURL+"/api/embeddings", "", body, &result); err != nil {
		return nil, fmt.Errorf("ollama: %w", err)
	}
	if len(result.Embedding) == 0 {
		return nil, fmt.Errorf("ollama: empty embedding")
	}
	return result.Embedding, nil
}

func (e *OllamaEmbedder) Dims() int { return e.dims }

// --- OpenAI-compatible Provider ---

// OpenAIEmbedder uses any OpenAI-compatible embedding API.
type OpenAIEmbedder struct {
	baseURL string
	apiKey  string
	model   string
	dims    int
	client  *http.Client
	limiter *rate.Limiter
}

type openaiEmbedRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type openaiEmbedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// NewOpenAIEmbedder creates an embedder using an OpenAI-compatible API.
func NewOpenAIEmbedder(baseURL, apiKey, model string, dims int) *OpenAIEmbedder {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if model == "" {
		model = "text-embedding-3-small"
	}
	if dims == 0 {
		dims = 1536
	}
	return &OpenAIEmbedder{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		dims:    dims,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// WithRateLimit caps requests per second; zero or less disables limiting.
func (e *OpenAIEmbedder) WithRateLimit(perSec float64) *OpenAIEmbedder {
	e.limiter = newLimiter(perSec)
	return e
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) (Vector, error) {
	out, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedBatch sends all texts in one request.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([]Vector, error) {
	if err := wait(ctx, e.limiter); err != nil {
		return nil, err
	}
	body, _ := json.Marshal(openaiEmbedRequest{Input: texts, Model: e.model})
	var result openaiEmbedResponse
	if err := postJSON(ctx, e.client, e.baseURL+"/embeddings", e.apiKey, body, &result); err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	if len(result.Data) != len(texts) {
		return nil, fmt.Errorf("openai: got %d embeddings for %d inputs", len(result.Data), len(texts))
	}
	out := make([]Vector, len(texts))
	for i, d := range result.Data {
		idx := d.Index
		if idx < 0 || idx >= len(out) {
			idx = i
		}
		out[idx] = d.Embedding
	}
	return out, nil
}

func (e *OpenAIEmbedder) Dims() int { return e.dims }

func postJSON(ctx context.Context, client *http.Client, url, apiKey string, body []byte, into any) error {
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("status %d: %s", resp.StatusCode, string(b))
	}
	return json.NewDecoder(resp.Body).Decode(into)
}

func newLimiter(perSec float64) *rate.Limiter {
	if perSec <= 0 {
		return nil
	}
	burst := int(math.Ceil(perSec))
	return rate.NewLimiter(rate.Limit(perSec), burst)
}

func wait(ctx context.Context, l *rate.Limiter) error {
	if l == nil {
		return nil
	}
	return l.Wait(ctx)
}

// --- Factory ---

// Options selects and tunes a provider.
type Options struct {
	Provider   string // "ollama" | "openai" | "hash" | ""
	Model      string
	URL        string
	APIKey     string
	Dims       int
	RatePerSec float64
}

// New creates an embedder from opts. An empty provider selects the offline
// HashEmbedder so the store works without network access.
func New(opts Options) (Embedder, error) {
	switch opts.Provider {
	case "", "hash":
		return NewHashEmbedder(opts.Dims), nil
	case "ollama":
		return NewOllamaEmbedder(opts.URL, opts.Model).WithRateLimit(opts.RatePerSec), nil
	case "openai":
		key := opts.APIKey
		if key == "" {
			key = os.Getenv("OPENAI_API_KEY")
		}
		return NewOpenAIEmbedder(opts.URL, key, opts.Model, opts.Dims).WithRateLimit(opts.RatePerSec), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q (valid: hash, ollama, openai)", opts.Provider)
	}
}
