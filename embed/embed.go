// Package embed converts text to float32 vectors through any
// OpenAI-compatible embeddings endpoint (OpenAI, vLLM, Ollama, ONNX runtime
// servers). It implements capability.Embedder for the semantic chunker.
//
// Usage:
//
//	emb := embed.New(embed.Config{
//	    BaseURL: "http://localhost:8003/v1",
//	    Model:   "multilingual-e5-large",
//	})
//	vecs, err := emb.EmbedBatch(ctx, sentences)
package embed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// Config configures the embedding client.
type Config struct {
	// BaseURL is the API root including the version path
	// (default: https://api.openai.com/v1).
	BaseURL string `json:"base_url" yaml:"base_url" env:"EMBED_BASE_URL"`

	// APIKey is sent as a bearer token. Local servers usually ignore it.
	APIKey string `json:"-" yaml:"api_key" env:"EMBED_API_KEY"`

	// Model is the model name sent in the request (default: text-embedding-3-small).
	Model string `json:"model" yaml:"model" env:"EMBED_MODEL"`

	// BatchSize is the maximum number of texts per request. Default: 32.
	BatchSize int `json:"batch_size" yaml:"batch_size"`

	// Timeout per HTTP request. Default: 30s.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	Logger *slog.Logger `json:"-" yaml:"-"`
}

func (c *Config) defaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.openai.com/v1"
	}
	if c.Model == "" {
		c.Model = string(openai.SmallEmbedding3)
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Client implements capability.Embedder.
type Client struct {
	api       *openai.Client
	model     string
	batchSize int
	logger    *slog.Logger

	mu  sync.Mutex
	dim int // 0 until the first response
}

// New creates a Client from cfg.
func New(cfg Config) *Client {
	cfg.defaults()
	oc := openai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	oc.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	return &Client{
		api:       openai.NewClientWithConfig(oc),
		model:     cfg.Model,
		batchSize: cfg.BatchSize,
		logger:    cfg.Logger,
	}
}

// Embed returns the embedding vector for a single text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch returns one vector per text, in input order, issuing one
// request per BatchSize texts.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	result := make([][]float32, len(texts))
	for start := 0; start < len(texts); start += c.batchSize {
		end := min(start+c.batchSize, len(texts))
		vecs, err := c.call(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("embed: batch [%d:%d]: %w", start, end, err)
		}
		copy(result[start:end], vecs)
	}
	return result, nil
}

func (c *Client) call(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := c.api.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(c.model),
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("no embeddings returned")
	}

	c.mu.Lock()
	if c.dim == 0 && len(resp.Data[0].Embedding) > 0 {
		c.dim = len(resp.Data[0].Embedding)
		c.logger.Info("auto-detected embedding dimension", "dimension", c.dim, "model", c.model)
	}
	c.mu.Unlock()

	// The API returns data sorted by index; do not rely on it.
	vecs := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index >= 0 && d.Index < len(vecs) {
			vecs[d.Index] = d.Embedding
		}
	}
	for i, v := range vecs {
		if v == nil {
			return nil, fmt.Errorf("missing embedding for input index %d", i)
		}
	}
	return vecs, nil
}

// Dimension returns the vector dimension, or 0 before the first call.
func (c *Client) Dimension() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dim
}

// Model returns the model name.
func (c *Client) Model() string { return c.model }
