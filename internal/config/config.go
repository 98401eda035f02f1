// Package config loads runtime configuration for Matrix from environment
// variables. Config-file (YAML) loading and CLI argument parsing are
// out of scope for this package and are handled by an external layer;
// this package only defines the shape core components need.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// Config holds all runtime configuration for the Matrix core.
type Config struct {
	LLM          LLMConfig
	Embedding    EmbeddingConfig
	Storage      StorageConfig
	WAL          WALConfig
	Tools        ToolsConfig
	Memory       MemoryConfig
	Vault        VaultConfig
	MultiBackend bool
}

// LLMConfig describes the chosen LLM backend for a session.
type LLMConfig struct {
	Provider string
	Model    string
	APIKey   string //nolint:gosec // G117: LLM provider credential
	// BaseURL overrides the provider's default API host. The OpenAI and
	// Anthropic formatters fall back to their public endpoints when this
	// is empty; the Azure formatter has no public default and requires it.
	BaseURL        string
	MaxIterations  int
	RateLimitRPS   float64
	RateLimitBurst int
	// MaxHistoryChars bounds the rendered size of the transcript handed to
	// the provider on each turn; contextmgr.Manager drops the oldest
	// messages (preserving the newest) until the remainder fits.
	MaxHistoryChars int
}

// EmbeddingConfig describes the embedding backend used by the memory
// pipelines. Disabled is the seed value for the process-wide latch (see
// internal/memory/embedstate.go); it can also be flipped at runtime by
// an embedding failure.
type EmbeddingConfig struct {
	Type     string
	Model    string
	APIKey   string //nolint:gosec // G117: embedding provider credential
	Disabled bool
}

// StorageConfig selects and configures the history store backend.
type StorageConfig struct {
	PostgresURL string
	DBHost      string
	DBName      string
	DBPort      int
	DBUser      string
	DBPassword  string //nolint:gosec // G117: DB connection config
	DBSSLMode   string
	SQLitePath  string
	MaxConns    int
}

// UsePostgres reports whether Postgres is configured (URL, or host+db).
// Otherwise the caller falls back to SQLite.
func (s StorageConfig) UsePostgres() bool {
	return s.PostgresURL != "" || (s.DBHost != "" && s.DBName != "")
}

// DSN returns the PostgreSQL connection string.
func (s StorageConfig) DSN() string {
	if s.PostgresURL != "" {
		return s.PostgresURL
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		s.DBHost, s.DBPort, s.DBUser, s.DBPassword, s.DBName, s.DBSSLMode,
	)
}

// WALConfig configures the write-ahead-log history provider.
type WALConfig struct {
	FlushIntervalMS int
	MaxEntries      int
	RedisAddr       string
	RedisPassword   string //nolint:gosec // G117: redis connection config
	RedisDB         int
}

// ToolsConfig configures the unified tool manager.
type ToolsConfig struct {
	ExecuteTimeoutSeconds    int
	CollisionResolution      string // prefix-internal | prefer-mcp | first-wins | error
	AggregatorTimeoutSeconds int
	MCPServerMode            string // default | aggregator
	UseAskMatrix             bool
	ToolJWTSecret            string //nolint:gosec // G117: service-to-service tool auth secret
}

// MemoryConfig gates the knowledge and reflection pipelines.
type MemoryConfig struct {
	UseWorkspaceMemory     bool
	DisableDefaultMemory   bool
	DisableReflection      bool
	SimilarityThreshold    float64
	MaxSimilarResults      int
	UseLLMDecisions        bool
	ConfidenceThreshold    float64
	EnableDeleteOperations bool
}

// VaultConfig configures the API-key/credential encryption-at-rest vault.
type VaultConfig struct {
	KeyBase64 string
}

// Load reads configuration from environment variables. Defaults are safe
// for local development only; production deployments must set the vault
// key and LLM API key explicitly.
func Load() (*Config, error) {
	dbPort, err := getEnvInt("STORAGE_DATABASE_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	maxConns, err := getEnvInt("STORAGE_DATABASE_MAX_CONNS", 25)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	maxIterations, err := getEnvInt("MATRIX_LLM_MAX_ITERATIONS", 5)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	rateLimitRPS, err := getEnvFloat("MATRIX_RATE_LIMIT_RPS", 2.0)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	rateLimitBurst, err := getEnvInt("MATRIX_RATE_LIMIT_BURST", 5)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	maxHistoryChars, err := getEnvInt("MATRIX_LLM_MAX_HISTORY_CHARS", 60000)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	embeddingDisabled, err := getEnvBool("DISABLE_EMBEDDINGS", false)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	if !embeddingDisabled {
		embeddingDisabled, err = getEnvBool("EMBEDDING_DISABLED", false)
		if err != nil {
			return nil, fmt.Errorf("config.Load: %w", err)
		}
	}

	walFlush, err := getEnvInt("WAL_FLUSH_INTERVAL", 5000)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	walMaxEntries, err := getEnvInt("WAL_MAX_ENTRIES", 10000)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	redisDB, err := getEnvInt("MATRIX_REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	multiBackend, err := getEnvBool("MULTI_BACKEND", false)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	useWorkspaceMemory, err := getEnvBool("USE_WORKSPACE_MEMORY", false)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	disableDefaultMemory, err := getEnvBool("DISABLE_DEFAULT_MEMORY", false)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	disableReflection, err := getEnvBool("DISABLE_REFLECTION_MEMORY", false)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	useAskMatrix, err := getEnvBool("USE_ASK_MATRIX", false)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	executeTimeout, err := getEnvInt("MATRIX_TOOL_TIMEOUT_SECONDS", 60)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	aggregatorTimeout, err := getEnvInt("AGGREGATOR_TIMEOUT", 60)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	cfg := &Config{
		LLM: LLMConfig{
			Provider:       getEnv("MATRIX_LLM_PROVIDER", "openai"),
			Model:          getEnv("MATRIX_LLM_MODEL", ""),
			APIKey:         resolvePlaceholder(getEnv("MATRIX_LLM_API_KEY", "")),
			BaseURL:        getEnv("MATRIX_LLM_BASE_URL", ""),
			MaxIterations:   maxIterations,
			RateLimitRPS:    rateLimitRPS,
			RateLimitBurst:  rateLimitBurst,
			MaxHistoryChars: maxHistoryChars,
		},
		Embedding: EmbeddingConfig{
			Type:     getEnv("MATRIX_EMBEDDING_TYPE", ""),
			Model:    getEnv("MATRIX_EMBEDDING_MODEL", ""),
			APIKey:   resolvePlaceholder(getEnv("MATRIX_EMBEDDING_API_KEY", "")),
			Disabled: embeddingDisabled,
		},
		Storage: StorageConfig{
			PostgresURL: getEnv("PG_URL", ""),
			DBHost:      getEnv("STORAGE_DATABASE_HOST", ""),
			DBName:      getEnv("STORAGE_DATABASE_NAME", "matrix"),
			DBPort:      dbPort,
			DBUser:      getEnv("STORAGE_DATABASE_USER", "matrix"),
			DBPassword:  getEnv("STORAGE_DATABASE_PASSWORD", ""),
			DBSSLMode:   getEnv("STORAGE_DATABASE_SSL", "disable"),
			SQLitePath:  getEnv("STORAGE_DATABASE_PATH", "./matrix.db"),
			MaxConns:    maxConns,
		},
		WAL: WALConfig{
			FlushIntervalMS: walFlush,
			MaxEntries:      walMaxEntries,
			RedisAddr:       getEnv("MATRIX_REDIS_ADDR", "localhost:6379"),
			RedisPassword:   getEnv("MATRIX_REDIS_PASSWORD", ""),
			RedisDB:         redisDB,
		},
		Tools: ToolsConfig{
			ExecuteTimeoutSeconds:    executeTimeout,
			CollisionResolution:      getEnv("AGGREGATOR_CONFLICT_RESOLUTION", "prefix-internal"),
			AggregatorTimeoutSeconds: aggregatorTimeout,
			MCPServerMode:            getEnv("MCP_SERVER_MODE", "default"),
			UseAskMatrix:             useAskMatrix,
			ToolJWTSecret:            getEnv("MATRIX_TOOL_JWT_SECRET", ""),
		},
		Memory: MemoryConfig{
			UseWorkspaceMemory:     useWorkspaceMemory,
			DisableDefaultMemory:   disableDefaultMemory,
			DisableReflection:      disableReflection,
			SimilarityThreshold:    0.7,
			MaxSimilarResults:      5,
			UseLLMDecisions:        true,
			ConfidenceThreshold:    0.4,
			EnableDeleteOperations: true,
		},
		Vault: VaultConfig{
			KeyBase64: getEnv("MATRIX_VAULT_KEY", ""),
		},
		MultiBackend: multiBackend,
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	return cfg, nil
}

// validate checks required fields and value bounds.
func (c *Config) validate() error {
	if c.Storage.DBPort < 1 || c.Storage.DBPort > 65535 {
		return fmt.Errorf("STORAGE_DATABASE_PORT must be 1-65535, got %d", c.Storage.DBPort)
	}
	if c.Storage.MaxConns < 1 {
		return fmt.Errorf("STORAGE_DATABASE_MAX_CONNS must be >= 1, got %d", c.Storage.MaxConns)
	}
	if c.LLM.MaxIterations < 1 {
		return fmt.Errorf("MATRIX_LLM_MAX_ITERATIONS must be >= 1, got %d", c.LLM.MaxIterations)
	}
	if c.WAL.FlushIntervalMS < 1 {
		return fmt.Errorf("WAL_FLUSH_INTERVAL must be positive, got %d", c.WAL.FlushIntervalMS)
	}
	if c.WAL.MaxEntries < 1 {
		return fmt.Errorf("WAL_MAX_ENTRIES must be >= 1, got %d", c.WAL.MaxEntries)
	}

	if c.Storage.UsePostgres() && c.Storage.DBSSLMode == "disable" {
		log.Warn().Msg("STORAGE_DATABASE_SSL=disable is insecure for production; set to 'require' or 'verify-full'")
	}

	if c.Vault.KeyBase64 == "" {
		log.Warn().Msg("MATRIX_VAULT_KEY is unset; the credential vault will refuse to encrypt/decrypt secrets")
	}

	return nil
}

// resolvePlaceholder resolves a "${ENV_VAR}" placeholder to the named
// environment variable's value. Values that are not placeholders pass
// through unchanged.
func resolvePlaceholder(v string) string {
	if !strings.HasPrefix(v, "${") || !strings.HasSuffix(v, "}") {
		return v
	}
	name := strings.TrimSuffix(strings.TrimPrefix(v, "${"), "}")
	if name == "" {
		return v
	}
	return os.Getenv(name)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as int: %w", key, v, err)
	}
	return n, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as float: %w", key, v, err)
	}
	return f, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parsing %s=%q as bool: %w", key, v, err)
	}
	return b, nil
}
