package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Log            LogConfig            `yaml:"log"`
	LLM            LLMConfig            `yaml:"llm"`
	Embedding      EmbeddingConfig      `yaml:"embedding"`
	Database       DatabaseConfig       `yaml:"database"`
	VectorDatabase VectorDatabaseConfig `yaml:"vector_database"`
	Processor      ProcessorConfig      `yaml:"processor"`
	Tools          ToolsConfig          `yaml:"tools"`
	Scraper        ScraperConfig        `yaml:"scraper"`
	UI             UIConfig             `yaml:"ui"`
}

type ServerConfig struct {
	Addr        string   `yaml:"addr"`
	APIPrefix   string   `yaml:"api_prefix"`
	CORSOrigins []string `yaml:"cors_origins"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

type LLMConfig struct {
	Provider      string  `yaml:"provider"`
	BaseURL       string  `yaml:"base_url"`
	APIKey        string  `yaml:"api_key"`
	Model         string  `yaml:"model"`
	MaxTokens     int     `yaml:"max_tokens"`
	Temperature   float64 `yaml:"temperature"`
	SystemPrompt  string  `yaml:"system_prompt"`
	MaxToolRounds int     `yaml:"max_tool_rounds"`
	HistoryLimit  int     `yaml:"history_limit"`
}

type EmbeddingConfig struct {
	Provider  string        `yaml:"provider"`
	BaseURL   string        `yaml:"base_url"`
	APIKey    string        `yaml:"api_key"`
	Model     string        `yaml:"model"`
	Dimension int           `yaml:"dimension"`
	BatchSize int           `yaml:"batch_size"`
	Timeout   time.Duration `yaml:"timeout"`
}

type DatabaseConfig struct {
	URL      string        `yaml:"url"`
	MaxConns int32         `yaml:"max_conns"`
	MinConns int32         `yaml:"min_conns"`
	Timeout  time.Duration `yaml:"timeout"`
}

// VectorDatabaseConfig points at the pgvector database. An empty URL means
// the chat database is used.
type VectorDatabaseConfig struct {
	URL       string `yaml:"url"`
	TableName string `yaml:"table_name"`
	QueryName string `yaml:"query_name"`
	MaxConns  int32  `yaml:"max_conns"`
	MinConns  int32  `yaml:"min_conns"`
}

type ProcessorConfig struct {
	ChunkSize    int  `yaml:"chunk_size"`
	// ChunkOverlap is a pointer so an explicit 0 survives applyDefaults.
	ChunkOverlap *int `yaml:"chunk_overlap"`
	MinChunkSize int  `yaml:"min_chunk_size"`
	MaxChunkSize int  `yaml:"max_chunk_size"`
	CharsPerLine int  `yaml:"chars_per_line"`
	Concurrency  int  `yaml:"concurrency"`
}

type ToolsConfig struct {
	URL     string        `yaml:"url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

type ScraperConfig struct {
	MaxDepth          int      `yaml:"max_depth"`
	RateLimit         float64  `yaml:"rate_limit"`
	IgnorePatterns    []string `yaml:"ignore_patterns"`
	AllowedExtensions []string `yaml:"allowed_extensions"`
}

// UIConfig controls the interactive client. Quiet hides progress bars and
// spinners.
type UIConfig struct {
	Quiet bool `yaml:"quiet"`
}

const defaultSystemPrompt = `You are a helpful assistant for an AI Retail Platform website.
Your role is to use the available tools to answer questions and perform operations related to users, products, merchants, promotions, orders, etc.

When answering a question, follow these guidelines:
- Be concise and clear in your responses.
- When you return data, format it nicely.
- If a tool call fails, explain the error to the user in a helpful way.
- Always check for a user's purchase history before suggesting a new purchase.
- Display JSON as tables if the JSON contains more than one record.`

func LoadConfig(path string) (*Config, error) {
	// If no path provided, try default locations
	if path == "" {
		locations := []string{
			"config.yaml",
			"config.yml",
			filepath.Join(os.Getenv("HOME"), ".config/ragchat/config.yaml"),
			"/etc/ragchat/config.yaml",
		}

		for _, loc := range locations {
			if _, err := os.Stat(loc); err == nil {
				path = loc
				break
			}
		}
	}

	if path == "" {
		return getDefaultConfig()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	mergeWithEnv(&config)
	applyDefaults(&config)

	return &config, nil
}

func getDefaultConfig() (*Config, error) {
	config := &Config{}
	mergeWithEnv(config)
	applyDefaults(config)
	return config, nil
}

// VectorURL returns the connection string of the vector database.
func (c *Config) VectorURL() string {
	if c.VectorDatabase.URL != "" {
		return c.VectorDatabase.URL
	}
	return c.Database.URL
}

func applyDefaults(config *Config) {
	if config.Server.Addr == "" {
		config.Server.Addr = ":8080"
	}
	if config.Server.APIPrefix == "" {
		config.Server.APIPrefix = "/api/v1"
	}
	if len(config.Server.CORSOrigins) == 0 {
		config.Server.CORSOrigins = []string{
			"http://localhost:5173",
			"http://localhost:3000",
			"http://127.0.0.1:5173",
		}
	}

	if config.Log.Level == "" {
		config.Log.Level = "info"
	}

	if config.LLM.Provider == "" {
		config.LLM.Provider = "ollama"
	}
	if config.LLM.Model == "" {
		config.LLM.Model = "mistral"
	}
	if config.LLM.MaxTokens == 0 {
		config.LLM.MaxTokens = 2000
	}
	if config.LLM.Temperature == 0 {
		config.LLM.Temperature = 0.1
	}
	if config.LLM.BaseURL == "" && config.LLM.Provider == "ollama" {
		config.LLM.BaseURL = "http://localhost:11434"
	}
	if config.LLM.SystemPrompt == "" {
		config.LLM.SystemPrompt = defaultSystemPrompt
	}
	if config.LLM.MaxToolRounds == 0 {
		config.LLM.MaxToolRounds = 5
	}
	if config.LLM.HistoryLimit == 0 {
		config.LLM.HistoryLimit = 10
	}

	if config.Embedding.Provider == "" {
		config.Embedding.Provider = "ollama"
	}
	if config.Embedding.Model == "" {
		config.Embedding.Model = "nomic-embed-text:latest"
	}
	if config.Embedding.BaseURL == "" && config.Embedding.Provider == "ollama" {
		config.Embedding.BaseURL = "http://localhost:11434"
	}
	if config.Embedding.Dimension == 0 {
		config.Embedding.Dimension = 768
	}
	if config.Embedding.BatchSize == 0 {
		config.Embedding.BatchSize = 100
	}
	if config.Embedding.Timeout == 0 {
		config.Embedding.Timeout = 60 * time.Second
	}

	if config.Database.MaxConns == 0 {
		config.Database.MaxConns = 20
	}
	if config.Database.MinConns == 0 {
		config.Database.MinConns = 10
	}
	if config.Database.Timeout == 0 {
		config.Database.Timeout = 30 * time.Second
	}

	if config.VectorDatabase.TableName == "" {
		config.VectorDatabase.TableName = "documents_rag"
	}
	if config.VectorDatabase.QueryName == "" {
		config.VectorDatabase.QueryName = "match_documents_rag"
	}
	if config.VectorDatabase.MaxConns == 0 {
		config.VectorDatabase.MaxConns = 20
	}
	if config.VectorDatabase.MinConns == 0 {
		config.VectorDatabase.MinConns = 10
	}

	if config.Processor.ChunkSize == 0 {
		config.Processor.ChunkSize = 2000
	}
	if config.Processor.ChunkOverlap == nil {
		overlap := 200
		config.Processor.ChunkOverlap = &overlap
	}
	if config.Processor.MinChunkSize == 0 {
		config.Processor.MinChunkSize = 500
	}
	if config.Processor.MaxChunkSize == 0 {
		config.Processor.MaxChunkSize = 2000
	}
	if config.Processor.CharsPerLine == 0 {
		config.Processor.CharsPerLine = 50
	}
	if config.Processor.Concurrency == 0 {
		config.Processor.Concurrency = 4
	}

	if config.Tools.Timeout == 0 {
		config.Tools.Timeout = 30 * time.Second
	}

	if config.Scraper.MaxDepth == 0 {
		config.Scraper.MaxDepth = 3
	}
	if config.Scraper.RateLimit == 0 {
		config.Scraper.RateLimit = 2.0
	}
	if len(config.Scraper.AllowedExtensions) == 0 {
		config.Scraper.AllowedExtensions = []string{".html", ".htm", "/", ""}
	}
}

func mergeWithEnv(config *Config) {
	if baseURL := os.Getenv("OLLAMA_BASE_URL"); baseURL != "" {
		config.LLM.BaseURL = baseURL
		config.Embedding.BaseURL = baseURL
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		config.Database.URL = dbURL
	}
	if vecURL := os.Getenv("VECTOR_DATABASE_URL"); vecURL != "" {
		config.VectorDatabase.URL = vecURL
	}
	if key := os.Getenv("LLM_API_KEY"); key != "" {
		config.LLM.APIKey = key
	}
	if key := os.Getenv("EMBEDDING_API_KEY"); key != "" {
		config.Embedding.APIKey = key
	}
	if toolsURL := os.Getenv("MCP_SERVER_URL"); toolsURL != "" {
		config.Tools.URL = toolsURL
	}
	if token := os.Getenv("BEARER_TOKEN"); token != "" {
		config.Tools.Token = token
	}
	if port := os.Getenv("PORT"); port != "" {
		config.Server.Addr = ":" + port
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.Log.Level = level
	}
}
