package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("API_KEY", "test-key")
	t.Setenv("ENDPOINT", "https://llm.example.com/v1")
}

func TestLoad_RequiredVariables(t *testing.T) {
	t.Run("missing API_KEY fails", func(t *testing.T) {
		t.Setenv("API_KEY", "")
		t.Setenv("ENDPOINT", "https://llm.example.com")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "API_KEY")
	})

	t.Run("missing ENDPOINT fails", func(t *testing.T) {
		t.Setenv("API_KEY", "k")
		t.Setenv("ENDPOINT", "")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ENDPOINT")
	})

	t.Run("non-URL endpoint fails", func(t *testing.T) {
		t.Setenv("API_KEY", "k")
		t.Setenv("ENDPOINT", "llm.example.com")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "http")
	})

	t.Run("minimal valid config", func(t *testing.T) {
		setRequired(t)

		s, err := Load()
		require.NoError(t, err)
		assert.Equal(t, "test-key", s.Model.APIKey)
		assert.Equal(t, "https://llm.example.com/v1", s.Model.Endpoint)
		assert.Equal(t, ModeConcise, s.Mode)
		assert.Equal(t, ApprovalDefault, s.ApprovalMode)
	})
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	s, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 10, s.Agents.MaxConcurrent)
	assert.Equal(t, 100, s.Agents.QueueSize)
	assert.Equal(t, 600*time.Second, s.Agents.DefaultTimeout)
	assert.Equal(t, 2, s.Agents.MaxRetries)

	assert.Equal(t, 5000, s.Throttle.RequestsPerMinute)
	assert.Equal(t, 5_000_000, s.Throttle.TokensPerMinute)
	assert.True(t, s.Throttle.Enabled)

	assert.False(t, s.Monitor.Enabled)
	assert.Equal(t, 4000, s.Monitor.Port)
}

func TestLoad_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("FLEXICLI_MODE", "deep")
	t.Setenv("APPROVAL_MODE", "yolo")
	t.Setenv("MINI_AGENT_MAX_CONCURRENT", "3")
	t.Setenv("MINI_AGENT_DEFAULT_TIMEOUT", "30000")
	t.Setenv("REQUESTS_PER_MINUTE", "60")
	t.Setenv("TOKENS_PER_MINUTE", "90000")
	t.Setenv("ENABLE_THROTTLING", "false")
	t.Setenv("ENABLE_MONITORING", "true")
	t.Setenv("MONITOR_PORT", "4100")

	s, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ModeDeep, s.Mode)
	assert.Equal(t, ApprovalYolo, s.ApprovalMode)
	assert.Equal(t, 3, s.Agents.MaxConcurrent)
	assert.Equal(t, 30*time.Second, s.Agents.DefaultTimeout)
	assert.Equal(t, 60, s.Throttle.RequestsPerMinute)
	assert.Equal(t, 90000, s.Throttle.TokensPerMinute)
	assert.False(t, s.Throttle.Enabled)
	assert.True(t, s.Monitor.Enabled)
	assert.Equal(t, 4100, s.Monitor.Port)
}

func TestLoad_InvalidValues(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
	}{
		{"bad mode", "FLEXICLI_MODE", "verbose"},
		{"bad approval mode", "APPROVAL_MODE", "ask"},
		{"non-numeric port", "MONITOR_PORT", "http"},
		{"port out of range", "MONITOR_PORT", "70000"},
		{"zero concurrency", "MINI_AGENT_MAX_CONCURRENT", "0"},
		{"negative timeout", "MINI_AGENT_DEFAULT_TIMEOUT", "-5"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			setRequired(t)
			t.Setenv(tc.key, tc.value)

			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadLocal_SkipsCredentialChecks(t *testing.T) {
	t.Setenv("API_KEY", "")
	t.Setenv("ENDPOINT", "")
	t.Setenv("MONITOR_PORT", "4100")

	s, err := LoadLocal()
	require.NoError(t, err)
	assert.Empty(t, s.Model.APIKey)
	assert.Equal(t, 4100, s.Monitor.Port)

	// Malformed values still fail even without credentials.
	t.Setenv("MONITOR_PORT", "http")
	_, err = LoadLocal()
	assert.Error(t, err)
}

func TestLoad_EmbeddingRequiresKey(t *testing.T) {
	setRequired(t)
	t.Setenv("EMBEDDING_API_ENDPOINT", "https://emb.example.com")
	t.Setenv("EMBEDDING_API_KEY", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EMBEDDING_API_KEY")
}

func TestEmbeddingSettings_Enabled(t *testing.T) {
	assert.False(t, EmbeddingSettings{}.Enabled())
	assert.True(t, EmbeddingSettings{Endpoint: "https://emb.example.com", APIKey: "k"}.Enabled())
}

func TestParseMode(t *testing.T) {
	for _, valid := range []string{"direct", "concise", "deep"} {
		m, err := ParseMode(valid)
		require.NoError(t, err)
		assert.Equal(t, Mode(valid), m)
	}
	_, err := ParseMode("thorough")
	assert.Error(t, err)
}
