package config

import (
	"fmt"
	"net/url"
	"regexp"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var providers = map[string]bool{"ollama": true, "openai": true}

var sqlIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	// Validate LLM config
	if !providers[c.LLM.Provider] {
		errors = append(errors, ValidationError{
			Field:   "llm.provider",
			Message: fmt.Sprintf("unknown provider %q", c.LLM.Provider),
		})
	}

	if c.LLM.Provider == "ollama" && c.LLM.BaseURL == "" {
		errors = append(errors, ValidationError{
			Field:   "llm.base_url",
			Message: "Ollama base URL is required",
		})
	}

	if c.LLM.MaxTokens < 1 || c.LLM.MaxTokens > 8192 {
		errors = append(errors, ValidationError{
			Field:   "llm.max_tokens",
			Message: "max_tokens must be between 1 and 8192",
		})
	}

	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		errors = append(errors, ValidationError{
			Field:   "llm.temperature",
			Message: "temperature must be between 0 and 2",
		})
	}

	if c.LLM.MaxToolRounds < 1 {
		errors = append(errors, ValidationError{
			Field:   "llm.max_tool_rounds",
			Message: "max_tool_rounds must be positive",
		})
	}

	// Validate embedding config
	if !providers[c.Embedding.Provider] {
		errors = append(errors, ValidationError{
			Field:   "embedding.provider",
			Message: fmt.Sprintf("unknown provider %q", c.Embedding.Provider),
		})
	}

	if c.Embedding.Dimension < 1 {
		errors = append(errors, ValidationError{
			Field:   "embedding.dimension",
			Message: "dimension must be positive",
		})
	}

	if c.Embedding.BatchSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "embedding.batch_size",
			Message: "batch_size must be positive",
		})
	}

	// Validate Database config
	for field, raw := range map[string]string{
		"database.url":        c.Database.URL,
		"vector_database.url": c.VectorDatabase.URL,
	} {
		if raw == "" {
			continue
		}
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" {
			errors = append(errors, ValidationError{
				Field:   field,
				Message: "invalid database URL",
			})
		}
	}

	// both names are formatted into SQL
	for _, id := range []struct{ field, name string }{
		{"vector_database.table_name", c.VectorDatabase.TableName},
		{"vector_database.query_name", c.VectorDatabase.QueryName},
	} {
		if !sqlIdentifier.MatchString(id.name) {
			errors = append(errors, ValidationError{
				Field:   id.field,
				Message: fmt.Sprintf("%q must be a plain identifier", id.name),
			})
		}
	}

	// Validate Processor config
	if c.Processor.ChunkSize < c.Processor.MinChunkSize || c.Processor.ChunkSize > c.Processor.MaxChunkSize {
		errors = append(errors, ValidationError{
			Field:   "processor.chunk_size",
			Message: fmt.Sprintf("chunk_size must be between %d and %d", c.Processor.MinChunkSize, c.Processor.MaxChunkSize),
		})
	}

	if o := c.Processor.ChunkOverlap; o != nil && (*o < 0 || *o >= c.Processor.ChunkSize) {
		errors = append(errors, ValidationError{
			Field:   "processor.chunk_overlap",
			Message: "chunk_overlap must be non-negative and less than chunk_size",
		})
	}

	if c.Processor.Concurrency < 1 {
		errors = append(errors, ValidationError{
			Field:   "processor.concurrency",
			Message: "concurrency must be positive",
		})
	}

	// Validate tool server URL
	if c.Tools.URL != "" {
		if u, err := url.Parse(c.Tools.URL); err != nil || u.Scheme == "" {
			errors = append(errors, ValidationError{
				Field:   "tools.url",
				Message: "invalid tool server URL",
			})
		}
	}

	if c.Scraper.RateLimit <= 0 {
		errors = append(errors, ValidationError{
			Field:   "scraper.rate_limit",
			Message: "rate_limit must be positive",
		})
	}

	return errors
}
