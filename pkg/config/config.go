// Package config loads runtime configuration from environment variables.
//
// Every knob has a sensible default so a bare `muninn` invocation works
// against a local Badger data directory and a local Ollama server. All
// variables carry the MUNINN_ prefix.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/orneryd/muninn/pkg/scoring"
)

// Backend names.
const (
	BackendBadger = "badger"
	BackendSQLite = "sqlite"
)

// Embedding provider names.
const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
	ProviderNone   = "none"
)

// Vector fallback policy names for the SQLite backend.
const (
	FallbackLinear = "linear"
	FallbackStrict = "strict"
)

// Config holds all runtime settings.
type Config struct {
	// Backend selects the storage adapter: "badger" or "sqlite".
	Backend string

	// DataDir is the Badger data directory.
	DataDir string

	// SQLitePath is the SQLite database file.
	SQLitePath string

	// VectorFallback selects SQLite behavior without a vector index:
	// "linear" (degraded scan) or "strict" (fail).
	VectorFallback string

	// Dimensions is the embedding vector width.
	Dimensions int

	// EmbedProvider selects the embedding provider: "ollama", "openai", or
	// "none" for keyword-only operation.
	EmbedProvider string

	// OllamaURL is the Ollama server base URL.
	OllamaURL string

	// EmbedModel is the embedding model name.
	EmbedModel string

	// OpenAIBaseURL is the OpenAI-compatible API base URL.
	OpenAIBaseURL string

	// OpenAIKey is the bearer token for OpenAI-compatible providers.
	OpenAIKey string

	// ScoringProfile names the default scoring profile.
	ScoringProfile string

	// ProfileFile optionally points at a YAML file of custom weights that
	// override the named profile field-by-field.
	ProfileFile string

	// UnknownTypePenalty multiplies final scores of auto-created entities.
	UnknownTypePenalty float64

	// CacheTTL bounds graph context cache staleness.
	CacheTTL time.Duration

	// MaxRecent bounds the recent-entities list.
	MaxRecent int

	// MaxDepth bounds graph-distance BFS.
	MaxDepth int

	// LogLevel is one of debug, info, warn, error.
	LogLevel string
}

// Load reads configuration from the environment.
func Load() *Config {
	return &Config{
		Backend:            getEnv("MUNINN_BACKEND", BackendBadger),
		DataDir:            getEnv("MUNINN_DATA_DIR", "./muninn-data"),
		SQLitePath:         getEnv("MUNINN_SQLITE_PATH", "./muninn.db"),
		VectorFallback:     getEnv("MUNINN_VECTOR_FALLBACK", FallbackLinear),
		Dimensions:         getEnvInt("MUNINN_EMBED_DIMENSIONS", 1024),
		EmbedProvider:      getEnv("MUNINN_EMBED_PROVIDER", ProviderOllama),
		OllamaURL:          getEnv("MUNINN_OLLAMA_URL", "http://localhost:11434"),
		EmbedModel:         getEnv("MUNINN_EMBED_MODEL", "mxbai-embed-large"),
		OpenAIBaseURL:      getEnv("MUNINN_OPENAI_BASE_URL", "https://api.openai.com"),
		OpenAIKey:          getEnv("MUNINN_OPENAI_API_KEY", ""),
		ScoringProfile:     getEnv("MUNINN_SCORING_PROFILE", "default"),
		ProfileFile:        getEnv("MUNINN_PROFILE_FILE", ""),
		UnknownTypePenalty: getEnvFloat("MUNINN_UNKNOWN_TYPE_PENALTY", 1.0),
		CacheTTL:           getEnvDuration("MUNINN_CACHE_TTL", 5*time.Minute),
		MaxRecent:          getEnvInt("MUNINN_MAX_RECENT", 10),
		MaxDepth:           getEnvInt("MUNINN_BFS_MAX_DEPTH", 3),
		LogLevel:           getEnv("MUNINN_LOG_LEVEL", "info"),
	}
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendBadger, BackendSQLite:
	default:
		return fmt.Errorf("invalid MUNINN_BACKEND %q (want %q or %q)", c.Backend, BackendBadger, BackendSQLite)
	}

	switch c.VectorFallback {
	case FallbackLinear, FallbackStrict:
	default:
		return fmt.Errorf("invalid MUNINN_VECTOR_FALLBACK %q (want %q or %q)", c.VectorFallback, FallbackLinear, FallbackStrict)
	}

	switch c.EmbedProvider {
	case ProviderOllama, ProviderNone:
	case ProviderOpenAI:
		if c.OpenAIKey == "" {
			return fmt.Errorf("MUNINN_OPENAI_API_KEY is required when MUNINN_EMBED_PROVIDER=%s", ProviderOpenAI)
		}
	default:
		return fmt.Errorf("invalid MUNINN_EMBED_PROVIDER %q", c.EmbedProvider)
	}

	if c.Dimensions <= 0 {
		return fmt.Errorf("MUNINN_EMBED_DIMENSIONS must be positive, got %d", c.Dimensions)
	}
	if c.UnknownTypePenalty <= 0 {
		return fmt.Errorf("MUNINN_UNKNOWN_TYPE_PENALTY must be positive, got %g", c.UnknownTypePenalty)
	}
	return nil
}

// LoadWeights reads the optional custom scoring weights file. Returns nil
// when no file is configured.
func (c *Config) LoadWeights() (*scoring.Weights, error) {
	if c.ProfileFile == "" {
		return nil, nil
	}

	data, err := os.ReadFile(c.ProfileFile)
	if err != nil {
		return nil, fmt.Errorf("read scoring profile file: %w", err)
	}

	var weights scoring.Weights
	if err := yaml.Unmarshal(data, &weights); err != nil {
		return nil, fmt.Errorf("parse scoring profile file %q: %w", c.ProfileFile, err)
	}
	return &weights, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
