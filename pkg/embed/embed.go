// Package embed provides text embedding generation for semantic search.
//
// Embeddings convert text into dense vectors so that similar meanings land
// near each other in vector space. The package defines a provider-neutral
// Embedder interface with HTTP-backed implementations for Ollama (local,
// default) and OpenAI-compatible endpoints, plus a lazy wrapper that defers
// provider probing until the first semantic query actually needs a vector.
//
// All embedders normalize their output to unit length and validate the
// advertised dimension, so downstream similarity math can assume both.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/orneryd/muninn/pkg/math/vector"
)

// Common errors
var (
	// ErrUnavailable indicates the embedding provider cannot be reached or
	// has not been configured.
	ErrUnavailable = errors.New("embedding provider unavailable")

	// ErrEmptyText indicates an empty string was submitted for embedding.
	ErrEmptyText = errors.New("cannot embed empty text")
)

// Embedder generates vector embeddings from text.
type Embedder interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts, in order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the width of vectors this embedder produces.
	Dimensions() int

	// Model returns the model identifier in use.
	Model() string
}

// OllamaConfig configures the local Ollama embedding provider.
type OllamaConfig struct {
	// BaseURL of the Ollama server.
	BaseURL string

	// Model name, e.g. "mxbai-embed-large".
	Model string

	// Dimensions of the model's output vectors.
	Dimensions int

	// Timeout per HTTP request.
	Timeout time.Duration
}

// DefaultOllamaConfig returns the standard local setup: mxbai-embed-large
// on localhost, 1024 dimensions.
func DefaultOllamaConfig() OllamaConfig {
	return OllamaConfig{
		BaseURL:    "http://localhost:11434",
		Model:      "mxbai-embed-large",
		Dimensions: 1024,
		Timeout:    30 * time.Second,
	}
}

// Ollama is an Embedder backed by a local Ollama server.
type Ollama struct {
	cfg    OllamaConfig
	client *http.Client
}

// NewOllama creates an Ollama embedder. Zero-value config fields fall back
// to DefaultOllamaConfig.
func NewOllama(cfg OllamaConfig) *Ollama {
	def := DefaultOllamaConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = def.Dimensions
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Ollama{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type ollamaRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Embed generates a normalized embedding for text.
func (o *Ollama) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyText
	}

	body, err := json.Marshal(ollamaRequest{Model: o.cfg.Model, Prompt: text})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		o.cfg.BaseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: ollama returned %d: %s", ErrUnavailable, resp.StatusCode, data)
	}

	var parsed ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode ollama response: %w", err)
	}
	return finishVector(parsed.Embedding, o.cfg.Dimensions)
}

// EmbedBatch embeds texts sequentially. The Ollama embeddings endpoint is
// single-prompt, so the batch is a loop; order is preserved.
func (o *Ollama) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := o.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embed text %d of %d: %w", i+1, len(texts), err)
		}
		out[i] = vec
	}
	return out, nil
}

// Dimensions returns the configured vector width.
func (o *Ollama) Dimensions() int { return o.cfg.Dimensions }

// Model returns the model name.
func (o *Ollama) Model() string { return o.cfg.Model }

// OpenAIConfig configures an OpenAI-compatible embedding provider.
type OpenAIConfig struct {
	// BaseURL of the API, without the trailing endpoint path.
	BaseURL string

	// APIKey for bearer authentication.
	APIKey string

	// Model name, e.g. "text-embedding-3-small".
	Model string

	// Dimensions of the model's output vectors.
	Dimensions int

	// Timeout per HTTP request.
	Timeout time.Duration
}

// OpenAI is an Embedder backed by an OpenAI-compatible /v1/embeddings API.
type OpenAI struct {
	cfg    OpenAIConfig
	client *http.Client
}

// NewOpenAI creates an OpenAI-compatible embedder.
func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = 1024
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &OpenAI{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type openAIRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type openAIResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// Embed generates a normalized embedding for text.
func (o *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := o.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch generates normalized embeddings for texts in a single request.
func (o *OpenAI) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	for _, text := range texts {
		if text == "" {
			return nil, ErrEmptyText
		}
	}

	body, err := json.Marshal(openAIRequest{
		Model:      o.cfg.Model,
		Input:      texts,
		Dimensions: o.cfg.Dimensions,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		o.cfg.BaseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: api returned %d: %s", ErrUnavailable, resp.StatusCode, data)
	}

	var parsed openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode embeddings response: %w", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(parsed.Data))
	}

	out := make([][]float32, len(texts))
	for _, item := range parsed.Data {
		if item.Index < 0 || item.Index >= len(out) {
			return nil, fmt.Errorf("embedding index %d out of range", item.Index)
		}
		vec, err := finishVector(item.Embedding, o.cfg.Dimensions)
		if err != nil {
			return nil, err
		}
		out[item.Index] = vec
	}
	return out, nil
}

// Dimensions returns the configured vector width.
func (o *OpenAI) Dimensions() int { return o.cfg.Dimensions }

// Model returns the model name.
func (o *OpenAI) Model() string { return o.cfg.Model }

// finishVector converts a provider response to float32, checks the advertised
// dimension, and normalizes to unit length.
func finishVector(raw []float64, dims int) ([]float32, error) {
	if len(raw) != dims {
		return nil, fmt.Errorf("provider returned %d dimensions, expected %d", len(raw), dims)
	}
	vec := make([]float32, len(raw))
	for i, v := range raw {
		vec[i] = float32(v)
	}
	vector.NormalizeInPlace(vec)
	return vec, nil
}
