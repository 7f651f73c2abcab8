package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/xhad/ragchat/pkg/apperr"
)

// EmbedderConfig represents the configuration for an embedding client.
type EmbedderConfig struct {
	Provider  string
	Model     string
	BaseURL   string
	APIKey    string
	Dimension int
	BatchSize int
	Timeout   time.Duration
}

// Embedder wraps a langchaingo embedder with a per-call timeout and a
// dimension check on every returned vector.
type Embedder struct {
	inner     embeddings.Embedder
	dimension int
	timeout   time.Duration
}

// NewEmbedder creates an Embedder for the configured provider.
func NewEmbedder(config EmbedderConfig) (*Embedder, error) {
	if config.Model == "" {
		config.Model = "nomic-embed-text:latest"
	}
	if config.Provider == "" {
		config.Provider = "ollama"
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}

	var client embeddings.EmbedderClient
	switch config.Provider {
	case "ollama":
		if config.BaseURL == "" {
			config.BaseURL = "http://localhost:11434"
		}
		llm, err := ollama.New(ollama.WithModel(config.Model), ollama.WithServerURL(config.BaseURL))
		if err != nil {
			return nil, apperr.E(apperr.ConfigurationError, "llm.NewEmbedder", "failed to initialize ollama", err)
		}
		client = llm
	case "openai":
		opts := []openai.Option{
			openai.WithEmbeddingModel(config.Model),
			openai.WithToken(strings.TrimPrefix(config.APIKey, "Bearer ")),
		}
		if config.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(config.BaseURL))
		}
		llm, err := openai.New(opts...)
		if err != nil {
			return nil, apperr.E(apperr.ConfigurationError, "llm.NewEmbedder", "failed to initialize openai", err)
		}
		client = llm
	default:
		return nil, apperr.E(apperr.ConfigurationError, "llm.NewEmbedder", fmt.Sprintf("unknown embedding provider %q", config.Provider), nil)
	}

	inner, err := embeddings.NewEmbedder(client, embeddings.WithBatchSize(config.BatchSize))
	if err != nil {
		return nil, apperr.E(apperr.ConfigurationError, "llm.NewEmbedder", "failed to create embedder", err)
	}
	return WrapEmbedder(inner, config.Dimension, config.Timeout), nil
}

// WrapEmbedder applies the timeout and dimension checks to an existing
// embedder. A zero dimension disables the check and a zero timeout
// leaves the caller's deadline in charge.
func WrapEmbedder(inner embeddings.Embedder, dimension int, timeout time.Duration) *Embedder {
	return &Embedder{inner: inner, dimension: dimension, timeout: timeout}
}

// Dimension reports the expected vector length.
func (e *Embedder) Dimension() int {
	return e.dimension
}

func (e *Embedder) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.timeout)
}

// EmbedDocuments embeds texts, returning one vector per text in order.
func (e *Embedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	vectors, err := e.inner.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, apperr.E(apperr.EmbeddingFailed, "llm.EmbedDocuments", "", err)
	}
	if len(vectors) != len(texts) {
		return nil, apperr.E(apperr.EmbeddingFailed, "llm.EmbedDocuments",
			fmt.Sprintf("got %d vectors for %d texts", len(vectors), len(texts)), nil)
	}
	for _, v := range vectors {
		if err := e.checkDimension(v); err != nil {
			return nil, err
		}
	}
	return vectors, nil
}

// EmbedQuery embeds a single search query.
func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	vector, err := e.inner.EmbedQuery(ctx, text)
	if err != nil {
		return nil, apperr.E(apperr.EmbeddingFailed, "llm.EmbedQuery", "", err)
	}
	if err := e.checkDimension(vector); err != nil {
		return nil, err
	}
	return vector, nil
}

func (e *Embedder) checkDimension(v []float32) error {
	if e.dimension > 0 && len(v) != e.dimension {
		return apperr.E(apperr.ConfigurationError, "llm.Embedder",
			fmt.Sprintf("embedding dimension %d does not match configured %d", len(v), e.dimension), nil)
	}
	return nil
}
