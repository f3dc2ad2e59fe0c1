package profile

import (
	"log/slog"
	"os"
	"strconv"

	"github.com/pkg/errors"
)

// Profile is configuration to start the main server.
type Profile struct {
	Mode    string // "prod" | "dev" | "demo"
	Addr    string
	Port    int
	Version string

	// Structured logging
	LogFormat string // "json" | "text"
	LogLevel  string // "debug" | "info" | "warn" | "error"

	// Resource manager
	MemoryBudgetMB int64

	// Backend declared memory costs
	GrammarCostMB       int64
	PronunciationCostMB int64
	LocalizationCostMB  int64

	// Per-backend analysis timeouts in milliseconds
	GrammarTimeoutMS       int
	PronunciationTimeoutMS int
	LocalizationTimeoutMS  int

	// Response cache
	CacheCapacity   int
	CacheTTLSeconds int

	// Conversation sessions
	SilenceTimeoutMS          int
	SessionIdleTimeoutSeconds int
	MaxSessions               int

	// Localization LLM (OpenAI-compatible protocol). Empty API key disables
	// the remote call path; the glossary fallback still works.
	AILLMAPIKey  string
	AILLMBaseURL string
	AILLMModel   string

	// Learner profile service (the CRUD backend). Empty means profiles come
	// from the request only.
	LearnerServiceURL string
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// IsAIEnabled returns true if the localization LLM is configured.
func (p *Profile) IsAIEnabled() bool {
	return p.AILLMAPIKey != ""
}

// getEnvOrDefault returns environment variable value or default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvOrDefaultInt returns environment variable value as int or default value.
func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// FromEnv loads configuration from environment variables.
func (p *Profile) FromEnv() {
	p.LogFormat = getEnvOrDefault("TUTORLOOP_LOG_FORMAT", "text")
	p.LogLevel = getEnvOrDefault("TUTORLOOP_LOG_LEVEL", "info")

	p.MemoryBudgetMB = int64(getEnvOrDefaultInt("TUTORLOOP_MEMORY_BUDGET_MB", 4096))

	p.GrammarCostMB = int64(getEnvOrDefaultInt("TUTORLOOP_GRAMMAR_COST_MB", 256))
	p.PronunciationCostMB = int64(getEnvOrDefaultInt("TUTORLOOP_PRONUNCIATION_COST_MB", 512))
	p.LocalizationCostMB = int64(getEnvOrDefaultInt("TUTORLOOP_LOCALIZATION_COST_MB", 128))

	p.GrammarTimeoutMS = getEnvOrDefaultInt("TUTORLOOP_GRAMMAR_TIMEOUT_MS", 200)
	p.PronunciationTimeoutMS = getEnvOrDefaultInt("TUTORLOOP_PRONUNCIATION_TIMEOUT_MS", 250)
	p.LocalizationTimeoutMS = getEnvOrDefaultInt("TUTORLOOP_LOCALIZATION_TIMEOUT_MS", 300)

	p.CacheCapacity = getEnvOrDefaultInt("TUTORLOOP_CACHE_CAPACITY", 4096)
	p.CacheTTLSeconds = getEnvOrDefaultInt("TUTORLOOP_CACHE_TTL_SECONDS", 300)

	p.SilenceTimeoutMS = getEnvOrDefaultInt("TUTORLOOP_SILENCE_TIMEOUT_MS", 800)
	p.SessionIdleTimeoutSeconds = getEnvOrDefaultInt("TUTORLOOP_SESSION_IDLE_TIMEOUT_SECONDS", 300)
	p.MaxSessions = getEnvOrDefaultInt("TUTORLOOP_MAX_SESSIONS", 0)

	p.AILLMAPIKey = getEnvOrDefault("TUTORLOOP_AI_LLM_API_KEY", "")
	p.AILLMBaseURL = getEnvOrDefault("TUTORLOOP_AI_LLM_BASE_URL", "https://api.openai.com/v1")
	p.AILLMModel = getEnvOrDefault("TUTORLOOP_AI_LLM_MODEL", "gpt-4o-mini")

	p.LearnerServiceURL = getEnvOrDefault("TUTORLOOP_LEARNER_SERVICE_URL", "")
}

func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		slog.Warn("unknown mode, falling back to dev", "mode", p.Mode)
		p.Mode = "dev"
	}
	if p.Port <= 0 || p.Port > 65535 {
		return errors.Errorf("invalid port %d", p.Port)
	}
	if p.MemoryBudgetMB <= 0 {
		return errors.Errorf("memory budget must be positive, got %d", p.MemoryBudgetMB)
	}
	for name, cost := range map[string]int64{
		"grammar":       p.GrammarCostMB,
		"pronunciation": p.PronunciationCostMB,
		"localization":  p.LocalizationCostMB,
	} {
		if cost <= 0 {
			return errors.Errorf("%s backend cost must be positive, got %d", name, cost)
		}
	}
	if p.CacheCapacity <= 0 {
		return errors.Errorf("cache capacity must be positive, got %d", p.CacheCapacity)
	}
	return nil
}
