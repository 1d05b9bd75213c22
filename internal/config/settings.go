// Package config loads flexicli settings from the environment.
// API credentials are never stored in the repository or the project
// directory; they arrive exclusively through environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Settings holds all flexicli configuration.
type Settings struct {
	Model     ModelSettings
	Embedding EmbeddingSettings
	Agents    AgentSettings
	Throttle  ThrottleSettings
	Monitor   MonitorSettings

	Mode         Mode
	ApprovalMode ApprovalMode
}

// ModelSettings configures the LLM provider connection.
type ModelSettings struct {
	APIKey     string
	Endpoint   string
	APIVersion string
	Model      string
}

// EmbeddingSettings configures the embeddings provider connection.
type EmbeddingSettings struct {
	APIKey     string
	Endpoint   string
	Deployment string
	ModelName  string
	APIVersion string
}

// Enabled reports whether an embeddings provider is configured at all.
// Without one, retrieval degrades to keyword search.
func (e EmbeddingSettings) Enabled() bool {
	return e.Endpoint != ""
}

// AgentSettings bounds the mini-agent subsystem.
type AgentSettings struct {
	MaxConcurrent  int
	QueueSize      int
	DefaultTimeout time.Duration
	MaxRetries     int
}

// ThrottleSettings bounds the model client.
type ThrottleSettings struct {
	MaxConcurrentRequests int
	RequestsPerMinute     int
	TokensPerMinute       int
	RetryAttempts         int
	Enabled               bool
}

// MonitorSettings configures the monitoring server.
type MonitorSettings struct {
	Enabled bool
	Port    int
}

// Load reads settings from the environment, applying defaults and
// validating required values. API_KEY and ENDPOINT are the only
// mandatory variables.
func Load() (*Settings, error) {
	s, err := loadFromEnv()
	if err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// LoadLocal reads settings for commands that never talk to a model
// provider, such as indexing or inspecting the store. Missing
// credentials are fine here; malformed values still fail.
func LoadLocal() (*Settings, error) {
	return loadFromEnv()
}

func loadFromEnv() (*Settings, error) {
	s := DefaultSettings()

	s.Model.APIKey = os.Getenv("API_KEY")
	s.Model.Endpoint = strings.TrimRight(os.Getenv("ENDPOINT"), "/")
	s.Model.APIVersion = os.Getenv("API_VERSION")
	if m := os.Getenv("MODEL"); m != "" {
		s.Model.Model = m
	}

	s.Embedding.APIKey = os.Getenv("EMBEDDING_API_KEY")
	s.Embedding.Endpoint = strings.TrimRight(os.Getenv("EMBEDDING_API_ENDPOINT"), "/")
	s.Embedding.Deployment = os.Getenv("EMBEDDING_API_DEPLOYMENT")
	if m := os.Getenv("EMBEDDING_API_MODEL_NAME"); m != "" {
		s.Embedding.ModelName = m
	}
	s.Embedding.APIVersion = os.Getenv("EMBEDDING_API_API_VERSION")

	var err error
	if s.Mode, err = ParseMode(envOr("FLEXICLI_MODE", string(ModeConcise))); err != nil {
		return nil, err
	}
	if s.ApprovalMode, err = ParseApprovalMode(envOr("APPROVAL_MODE", string(ApprovalDefault))); err != nil {
		return nil, err
	}

	if err := loadInt("MINI_AGENT_MAX_CONCURRENT", &s.Agents.MaxConcurrent, 1, 100); err != nil {
		return nil, err
	}
	if err := loadInt("MINI_AGENT_QUEUE_SIZE", &s.Agents.QueueSize, 1, 10000); err != nil {
		return nil, err
	}
	if ms := os.Getenv("MINI_AGENT_DEFAULT_TIMEOUT"); ms != "" {
		n, err := strconv.Atoi(ms)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("MINI_AGENT_DEFAULT_TIMEOUT: expected positive milliseconds, got %q", ms)
		}
		s.Agents.DefaultTimeout = time.Duration(n) * time.Millisecond
	}
	if err := loadInt("MINI_AGENT_MAX_RETRIES", &s.Agents.MaxRetries, 0, 10); err != nil {
		return nil, err
	}

	if err := loadInt("MAX_CONCURRENT_REQUESTS", &s.Throttle.MaxConcurrentRequests, 1, 1000); err != nil {
		return nil, err
	}
	if err := loadInt("REQUESTS_PER_MINUTE", &s.Throttle.RequestsPerMinute, 1, 1_000_000); err != nil {
		return nil, err
	}
	if err := loadInt("TOKENS_PER_MINUTE", &s.Throttle.TokensPerMinute, 1, 1_000_000_000); err != nil {
		return nil, err
	}
	if err := loadInt("RETRY_ATTEMPTS", &s.Throttle.RetryAttempts, 0, 10); err != nil {
		return nil, err
	}
	if v := os.Getenv("ENABLE_THROTTLING"); v != "" {
		s.Throttle.Enabled = isTruthy(v)
	}

	if v := os.Getenv("ENABLE_MONITORING"); v != "" {
		s.Monitor.Enabled = isTruthy(v)
	}
	if err := loadInt("MONITOR_PORT", &s.Monitor.Port, 1, 65535); err != nil {
		return nil, err
	}

	return s, nil
}

// DefaultSettings returns the documented defaults, without credentials.
func DefaultSettings() *Settings {
	return &Settings{
		Model: ModelSettings{
			Model: "gpt-4o",
		},
		Embedding: EmbeddingSettings{
			ModelName: "text-embedding-3-small",
		},
		Agents: AgentSettings{
			MaxConcurrent:  10,
			QueueSize:      100,
			DefaultTimeout: 600 * time.Second,
			MaxRetries:     2,
		},
		Throttle: ThrottleSettings{
			MaxConcurrentRequests: 10,
			RequestsPerMinute:     5000,
			TokensPerMinute:       5_000_000,
			RetryAttempts:         3,
			Enabled:               true,
		},
		Monitor: MonitorSettings{
			Enabled: false,
			Port:    4000,
		},
		Mode:         ModeConcise,
		ApprovalMode: ApprovalDefault,
	}
}

// Validate checks required values and ranges.
func (s *Settings) Validate() error {
	if s.Model.APIKey == "" {
		return fmt.Errorf("API_KEY is required")
	}
	if s.Model.Endpoint == "" {
		return fmt.Errorf("ENDPOINT is required")
	}
	if !strings.HasPrefix(s.Model.Endpoint, "http://") && !strings.HasPrefix(s.Model.Endpoint, "https://") {
		return fmt.Errorf("ENDPOINT must be an http(s) URL, got %q", s.Model.Endpoint)
	}
	if s.Embedding.Enabled() && s.Embedding.APIKey == "" {
		return fmt.Errorf("EMBEDDING_API_KEY is required when EMBEDDING_API_ENDPOINT is set")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func loadInt(key string, dst *int, min, max int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: expected integer, got %q", key, v)
	}
	if n < min || n > max {
		return fmt.Errorf("%s: %d out of range [%d, %d]", key, n, min, max)
	}
	*dst = n
	return nil
}
