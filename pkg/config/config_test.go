package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, BackendBadger, cfg.Backend)
	assert.Equal(t, ProviderOllama, cfg.EmbedProvider)
	assert.Equal(t, FallbackLinear, cfg.VectorFallback)
	assert.Equal(t, 1024, cfg.Dimensions)
	assert.Equal(t, "default", cfg.ScoringProfile)
	assert.Equal(t, 1.0, cfg.UnknownTypePenalty)
	assert.Equal(t, 5*time.Minute, cfg.CacheTTL)
	assert.Equal(t, 10, cfg.MaxRecent)
	assert.Equal(t, 3, cfg.MaxDepth)

	require.NoError(t, cfg.Validate())
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("MUNINN_BACKEND", "sqlite")
	t.Setenv("MUNINN_SQLITE_PATH", "/tmp/test.db")
	t.Setenv("MUNINN_EMBED_DIMENSIONS", "768")
	t.Setenv("MUNINN_CACHE_TTL", "30s")
	t.Setenv("MUNINN_UNKNOWN_TYPE_PENALTY", "0.8")

	cfg := Load()
	assert.Equal(t, BackendSQLite, cfg.Backend)
	assert.Equal(t, "/tmp/test.db", cfg.SQLitePath)
	assert.Equal(t, 768, cfg.Dimensions)
	assert.Equal(t, 30*time.Second, cfg.CacheTTL)
	assert.Equal(t, 0.8, cfg.UnknownTypePenalty)
	require.NoError(t, cfg.Validate())

	t.Run("malformed numbers fall back to defaults", func(t *testing.T) {
		t.Setenv("MUNINN_EMBED_DIMENSIONS", "not-a-number")
		assert.Equal(t, 1024, Load().Dimensions)
	})
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Load()
		return cfg
	}

	t.Run("bad backend", func(t *testing.T) {
		cfg := valid()
		cfg.Backend = "postgres"
		assert.ErrorContains(t, cfg.Validate(), "MUNINN_BACKEND")
	})

	t.Run("bad fallback", func(t *testing.T) {
		cfg := valid()
		cfg.VectorFallback = "panic"
		assert.ErrorContains(t, cfg.Validate(), "MUNINN_VECTOR_FALLBACK")
	})

	t.Run("openai needs a key", func(t *testing.T) {
		cfg := valid()
		cfg.EmbedProvider = ProviderOpenAI
		cfg.OpenAIKey = ""
		assert.ErrorContains(t, cfg.Validate(), "MUNINN_OPENAI_API_KEY")

		cfg.OpenAIKey = "sk-test"
		assert.NoError(t, cfg.Validate())
	})

	t.Run("none provider is fine", func(t *testing.T) {
		cfg := valid()
		cfg.EmbedProvider = ProviderNone
		assert.NoError(t, cfg.Validate())
	})

	t.Run("bad dimensions", func(t *testing.T) {
		cfg := valid()
		cfg.Dimensions = 0
		assert.ErrorContains(t, cfg.Validate(), "MUNINN_EMBED_DIMENSIONS")
	})
}

func TestLoadWeights(t *testing.T) {
	t.Run("no file configured", func(t *testing.T) {
		cfg := &Config{}
		weights, err := cfg.LoadWeights()
		require.NoError(t, err)
		assert.Nil(t, weights)
	})

	t.Run("partial override", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "weights.yaml")
		require.NoError(t, os.WriteFile(path, []byte("temporal: 0.6\nimportance: 0.3\n"), 0o644))

		cfg := &Config{ProfileFile: path}
		weights, err := cfg.LoadWeights()
		require.NoError(t, err)
		require.NotNil(t, weights)
		require.NotNil(t, weights.Temporal)
		assert.Equal(t, 0.6, *weights.Temporal)
		assert.Nil(t, weights.Popularity, "unset fields stay nil to inherit")
	})

	t.Run("missing file", func(t *testing.T) {
		cfg := &Config{ProfileFile: "/no/such/file.yaml"}
		_, err := cfg.LoadWeights()
		assert.Error(t, err)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("temporal: [oops"), 0o644))

		cfg := &Config{ProfileFile: path}
		_, err := cfg.LoadWeights()
		assert.Error(t, err)
	})
}
