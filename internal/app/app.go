// Package app assembles the stores, model clients and services from a
// loaded configuration.
package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/xhad/ragchat/pkg/config"
	"github.com/xhad/ragchat/pkg/ingest"
	"github.com/xhad/ragchat/pkg/llm"
	"github.com/xhad/ragchat/pkg/processor"
	"github.com/xhad/ragchat/pkg/scraper"
	"github.com/xhad/ragchat/pkg/store"
)

type App struct {
	Config    *config.Config
	Chat      *store.ChatStore
	Vectors   *store.VectorStore
	Agent     *llm.Agent
	Processor *processor.Processor
	Ingest    *ingest.Service

	pools []*pgxpool.Pool
	tools *llm.RemoteTools
}

// Build connects to the databases, prepares their schemas and wires the
// agent and ingestion service. Close releases the pools.
func Build(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	a := &App{Config: cfg}

	chatPool, err := store.Connect(ctx, store.PoolConfig{
		URL:      cfg.Database.URL,
		MaxConns: cfg.Database.MaxConns,
		MinConns: cfg.Database.MinConns,
	})
	if err != nil {
		return nil, fmt.Errorf("chat database: %w", err)
	}
	a.pools = append(a.pools, chatPool)

	vectorPool := chatPool
	if cfg.VectorURL() != cfg.Database.URL {
		vectorPool, err = store.Connect(ctx, store.PoolConfig{
			URL:      cfg.VectorURL(),
			MaxConns: cfg.VectorDatabase.MaxConns,
			MinConns: cfg.VectorDatabase.MinConns,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("vector database: %w", err)
		}
		a.pools = append(a.pools, vectorPool)
	}

	embedder, err := llm.NewEmbedder(llm.EmbedderConfig{
		Provider:  cfg.Embedding.Provider,
		Model:     cfg.Embedding.Model,
		BaseURL:   cfg.Embedding.BaseURL,
		APIKey:    cfg.Embedding.APIKey,
		Dimension: cfg.Embedding.Dimension,
		BatchSize: cfg.Embedding.BatchSize,
		Timeout:   cfg.Embedding.Timeout,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Vectors = store.New(vectorPool, store.VectorStoreConfig{
		TableName: cfg.VectorDatabase.TableName,
		QueryName: cfg.VectorDatabase.QueryName,
		VectorDim: cfg.Embedding.Dimension,
		Timeout:   cfg.Database.Timeout,
	}, embedder, log)
	if err := a.Vectors.Initialize(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.Chat = store.NewChatStore(chatPool, cfg.LLM.HistoryLimit, log)
	if err := a.Chat.Initialize(ctx); err != nil {
		a.Close()
		return nil, err
	}

	agentConfig := llm.AgentConfig{
		Provider:      cfg.LLM.Provider,
		Model:         cfg.LLM.Model,
		BaseURL:       cfg.LLM.BaseURL,
		APIKey:        cfg.LLM.APIKey,
		Temperature:   cfg.LLM.Temperature,
		MaxTokens:     cfg.LLM.MaxTokens,
		SystemPrompt:  cfg.LLM.SystemPrompt,
		MaxToolRounds: cfg.LLM.MaxToolRounds,
	}
	model, err := llm.NewModel(agentConfig)
	if err != nil {
		a.Close()
		return nil, err
	}
	var tools llm.Toolbox
	if cfg.Tools.URL != "" {
		a.tools = llm.NewRemoteTools(cfg.Tools.URL, cfg.Tools.Token, cfg.Tools.Timeout, log)
		tools = a.tools
	} else {
		log.Warn().Msg("No tool server configured, agent runs without tools")
	}
	a.Agent = llm.NewAgent(model, tools, agentConfig, log)

	a.Processor, err = processor.NewWithConfig(processor.ProcessorConfig{
		ChunkSize:    cfg.Processor.ChunkSize,
		ChunkOverlap: cfg.Processor.ChunkOverlap,
		MinChunkSize: cfg.Processor.MinChunkSize,
		MaxChunkSize: cfg.Processor.MaxChunkSize,
		CharsPerLine: cfg.Processor.CharsPerLine,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Ingest = ingest.New(a.Processor, a.Vectors, ingest.Config{Concurrency: cfg.Processor.Concurrency}, log)

	return a, nil
}

// ScraperConfig maps the crawl settings for a crawl rooted at baseURL.
func (a *App) ScraperConfig(baseURL string) scraper.ScraperConfig {
	return scraper.ScraperConfig{
		BaseURL:           baseURL,
		MaxDepth:          a.Config.Scraper.MaxDepth,
		RateLimit:         a.Config.Scraper.RateLimit,
		IgnorePatterns:    a.Config.Scraper.IgnorePatterns,
		AllowedExtensions: a.Config.Scraper.AllowedExtensions,
	}
}

func (a *App) Close() {
	if a.tools != nil {
		_ = a.tools.Close()
		a.tools = nil
	}
	for _, p := range a.pools {
		p.Close()
	}
	a.pools = nil
}
