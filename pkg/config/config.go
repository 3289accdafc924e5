package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ProviderGoogleAI = "googleai"
	ProviderOllama   = "ollama"

	SplitterRecursive = "recursive"
	SplitterSentence  = "sentence"
)

type Config struct {
	LLM struct {
		Provider       string  `yaml:"provider"`
		APIKey         string  `yaml:"api_key"`
		BaseURL        string  `yaml:"base_url"`
		Model          string  `yaml:"model"`
		EmbeddingModel string  `yaml:"embedding_model"`
		MaxTokens      int     `yaml:"max_tokens"`
		Temperature    float64 `yaml:"temperature"`
	} `yaml:"llm"`

	Database struct {
		URL             string `yaml:"url"`
		TableName       string `yaml:"table_name"`
		VectorDim       int    `yaml:"vector_dim"`
		BatchSize       int    `yaml:"batch_size"`
		SearchLimit     int    `yaml:"search_limit"`
		IsolateSessions bool   `yaml:"isolate_sessions"`
	} `yaml:"database"`

	Processor struct {
		Splitter     string `yaml:"splitter"`
		ChunkSize    int    `yaml:"chunk_size"`
		ChunkOverlap int    `yaml:"chunk_overlap"`
	} `yaml:"processor"`

	Search struct {
		Enabled    bool          `yaml:"enabled"`
		MaxResults int           `yaml:"max_results"`
		RateLimit  float64       `yaml:"rate_limit"`
		Timeout    time.Duration `yaml:"timeout"`
		UserAgent  string        `yaml:"user_agent"`
	} `yaml:"search"`

	Agent struct {
		Description   string `yaml:"description"`
		HistoryTurns  int    `yaml:"history_turns"`
		MaxIterations int    `yaml:"max_iterations"`
		References    int    `yaml:"references"`
		UserID        string `yaml:"user_id"`
	} `yaml:"agent"`

	Server struct {
		Addr           string        `yaml:"addr"`
		DataDir        string        `yaml:"data_dir"`
		MaxUploadMB    int64         `yaml:"max_upload_mb"`
		SessionTTL     time.Duration `yaml:"session_ttl"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
	} `yaml:"server"`

	Log struct {
		Level      string `yaml:"level"`
		File       string `yaml:"file"`
		Production bool   `yaml:"production"`
	} `yaml:"log"`

	Tracing struct {
		Enabled     bool   `yaml:"enabled"`
		Endpoint    string `yaml:"endpoint"`
		ServiceName string `yaml:"service_name"`
	} `yaml:"tracing"`
}

const DefaultTemperature = 0.7

// DefaultDescription is the agent's fixed system instruction.
const DefaultDescription = "You are a friendly RAG agent. Answer the question using the relevant passages from the knowledge base. " +
	"If the question is outside the knowledge base, still try to answer it, and use web search when needed."

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

	config := newWithDefaultToggles()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	// Merge with environment variables
	mergeWithEnv(config)

	// Apply defaults for unset values
	applyDefaults(config)

	return config, nil
}

func getDefaultConfig() (*Config, error) {
	config := newWithDefaultToggles()
	mergeWithEnv(config)
	applyDefaults(config)
	return config, nil
}

// newWithDefaultToggles presets values whose zero value is a valid setting,
// so a yaml file can still set them to zero or false.
func newWithDefaultToggles() *Config {
	config := &Config{}
	config.Search.Enabled = true
	config.LLM.Temperature = DefaultTemperature
	return config
}

func applyDefaults(config *Config) {
	if config.LLM.Provider == "" {
		config.LLM.Provider = ProviderGoogleAI
	}
	if config.LLM.Model == "" {
		switch config.LLM.Provider {
		case ProviderOllama:
			config.LLM.Model = "mistral"
		default:
			config.LLM.Model = "gemini-2.0-flash"
		}
	}
	if config.LLM.EmbeddingModel == "" {
		switch config.LLM.Provider {
		case ProviderOllama:
			config.LLM.EmbeddingModel = "nomic-embed-text:latest"
		default:
			config.LLM.EmbeddingModel = "text-embedding-004"
		}
	}
	if config.LLM.MaxTokens == 0 {
		config.LLM.MaxTokens = 2000
	}
	if config.LLM.BaseURL == "" && config.LLM.Provider == ProviderOllama {
		config.LLM.BaseURL = "http://localhost:11434"
	}

	if config.Database.TableName == "" {
		config.Database.TableName = "recipes"
	}
	if config.Database.VectorDim == 0 {
		config.Database.VectorDim = 768
	}
	if config.Database.BatchSize == 0 {
		config.Database.BatchSize = 100
	}
	if config.Database.SearchLimit == 0 {
		config.Database.SearchLimit = 5
	}

	if config.Processor.Splitter == "" {
		config.Processor.Splitter = SplitterRecursive
	}
	if config.Processor.ChunkSize == 0 {
		config.Processor.ChunkSize = 1000
	}
	if config.Processor.ChunkOverlap == 0 {
		config.Processor.ChunkOverlap = 200
	}

	if config.Search.MaxResults == 0 {
		config.Search.MaxResults = 5
	}
	if config.Search.RateLimit == 0 {
		config.Search.RateLimit = 1.0
	}
	if config.Search.Timeout == 0 {
		config.Search.Timeout = 15 * time.Second
	}
	if config.Search.UserAgent == "" {
		config.Search.UserAgent = "Mozilla/5.0 (compatible; ragchat/1.0)"
	}

	if config.Agent.Description == "" {
		config.Agent.Description = DefaultDescription
	}
	if config.Agent.HistoryTurns == 0 {
		config.Agent.HistoryTurns = 5
	}
	if config.Agent.MaxIterations == 0 {
		config.Agent.MaxIterations = 5
	}
	if config.Agent.References == 0 {
		config.Agent.References = config.Database.SearchLimit
	}
	if config.Agent.UserID == "" {
		config.Agent.UserID = "User"
	}

	if config.Server.Addr == "" {
		config.Server.Addr = ":8080"
	}
	if config.Server.DataDir == "" {
		config.Server.DataDir = "data"
	}
	if config.Server.MaxUploadMB == 0 {
		config.Server.MaxUploadMB = 50
	}
	if config.Server.SessionTTL == 0 {
		config.Server.SessionTTL = time.Hour
	}

	if config.Log.Level == "" {
		config.Log.Level = "info"
	}

	if config.Tracing.Endpoint == "" {
		config.Tracing.Endpoint = "localhost:4318"
	}
	if config.Tracing.ServiceName == "" {
		config.Tracing.ServiceName = "ragchat"
	}
}

func mergeWithEnv(config *Config) {
	if provider := os.Getenv("LLM_PROVIDER"); provider != "" {
		config.LLM.Provider = provider
	}
	if apiKey := os.Getenv("GOOGLE_API_KEY"); apiKey != "" {
		config.LLM.APIKey = apiKey
	}
	if baseURL := os.Getenv("OLLAMA_BASE_URL"); baseURL != "" {
		config.LLM.BaseURL = baseURL
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		config.Database.URL = dbURL
	}
	if port := os.Getenv("PORT"); port != "" {
		config.Server.Addr = ":" + port
	}
	if os.Getenv("OTEL_ENABLED") == "true" {
		config.Tracing.Enabled = true
	}
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		config.Tracing.Endpoint = endpoint
	}
}
