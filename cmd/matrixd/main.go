package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"math"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/matrix/internal/config"
	"github.com/gosuda/matrix/internal/domain"
	"github.com/gosuda/matrix/internal/events"
	"github.com/gosuda/matrix/internal/history"
	"github.com/gosuda/matrix/internal/llm"
	"github.com/gosuda/matrix/internal/memory"
	"github.com/gosuda/matrix/internal/reflection"
	"github.com/gosuda/matrix/internal/secrets"
	"github.com/gosuda/matrix/internal/session"
	"github.com/gosuda/matrix/internal/tools"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
}

// run wires the whole Matrix core the way cmd/aira/main.go wired the
// teacher's HTTP server — config, storage, tool manager, LLM service,
// memory/reflection pipelines, event bus — and then drives one
// interactive session from stdin instead of an HTTP listener, since the
// REST API surface is out of scope for this module (session.Session.Run
// is the seam such a layer would call).
func run() error {
	configureLogging()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if cfg.Storage.MaxConns < 0 || cfg.Storage.MaxConns > math.MaxInt32 {
		return fmt.Errorf("storage max_conns %d out of int32 range", cfg.Storage.MaxConns)
	}

	if cfg.Vault.KeyBase64 != "" {
		if _, err := newVault(cfg.Vault.KeyBase64); err != nil {
			return fmt.Errorf("secrets vault: %w", err)
		}
		log.Info().Msg("credential vault initialized")
	}

	storageProvider, storageBackendName, closeStorage, err := buildStorage(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build storage: %w", err)
	}
	defer closeStorage()

	metrics := events.NewMetrics()
	bus := events.NewBus(metrics)

	toolManager := tools.NewManager(cfg.Tools.CollisionResolution, time.Duration(cfg.Tools.ExecuteTimeoutSeconds)*time.Second)
	toolManager.Register(&tools.WorkspaceReadTool{Root: "."})
	toolManager.Register(&tools.WorkspaceWriteTool{Root: "."})

	formatter, err := llm.FormatterForProvider(strings.ToLower(cfg.LLM.Provider))
	if err != nil {
		return fmt.Errorf("select LLM formatter: %w", err)
	}
	providerClient := llm.NewHTTPProviderClient(formatter, cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.RateLimitRPS, cfg.LLM.RateLimitBurst)

	// directLLM drives DirectGenerate-only callers (fact extraction, memory
	// decisions, reflection evaluation) that never touch a session's own
	// transcript.
	directLLM := &llm.Service{SessionID: "system", Provider: providerClient, Events: bus}

	embedGate := memory.NewEmbedGate(cfg.Embedding.Disabled || cfg.Embedding.Type == "")
	if embedGate.Disabled() {
		log.Warn().Msg("embeddings disabled: no MATRIX_EMBEDDING_TYPE configured, or DISABLE_EMBEDDINGS set")
	}

	var (
		factExtractor      memory.FactExtractor
		workspaceExtractor memory.FactExtractor
		decisionEngine     *memory.DecisionEngine
		reflectionStore    domain.ReflectionStore
	)
	if cfg.Storage.UsePostgres() {
		knowledgeStore, err := memory.NewPostgresVectorStore(ctx, cfg.Storage.DSN(), int32(cfg.Storage.MaxConns), "") //nolint:gosec // bounds checked above
		if err != nil {
			return fmt.Errorf("build knowledge store: %w", err)
		}
		defer knowledgeStore.Close()

		refStore, err := reflection.NewPostgresStore(ctx, cfg.Storage.DSN(), int32(cfg.Storage.MaxConns), "") //nolint:gosec // bounds checked above
		if err != nil {
			return fmt.Errorf("build reflection store: %w", err)
		}
		defer refStore.Close()
		reflectionStore = refStore

		factExtractor = &memory.LLMFactExtractor{LLM: directLLM}
		if cfg.Memory.UseWorkspaceMemory {
			workspaceExtractor = &memory.LLMWorkspaceFactExtractor{
				LLM:   directLLM,
				Tools: toolManager,
				Paths: []string{"README.md", "go.mod"},
			}
		}
		decisionEngine = &memory.DecisionEngine{
			Embedder:            nil, // embedding/vector-store driver internals: external collaborator, see internal/domain.Embedder
			Store:               knowledgeStore,
			LLM:                 directLLM,
			Gate:                embedGate,
			SimilarityThreshold: cfg.Memory.SimilarityThreshold,
			ConfidenceThreshold: cfg.Memory.ConfidenceThreshold,
			MaxSimilarResults:   cfg.Memory.MaxSimilarResults,
			UseLLMDecisions:     cfg.Memory.UseLLMDecisions,
		}
	} else {
		log.Warn().Msg("knowledge/reflection stores require Postgres; running with default memory and reflection disabled")
		cfg.Memory.DisableDefaultMemory = true
		cfg.Memory.DisableReflection = true
	}

	if decisionEngine != nil {
		memoryBackend := &memoryPipelineBackend{
			gate:     embedGate,
			decision: decisionEngine,
		}
		toolManager.Register(&tools.MemoryRememberTool{Backend: memoryBackend, AgentAccess: cfg.Tools.UseAskMatrix})
		toolManager.Register(&tools.MemoryForgetTool{Backend: memoryBackend, AgentAccess: cfg.Tools.UseAskMatrix})
	}

	detector := &reflection.Detector{}
	evaluator := &reflection.Evaluator{LLM: directLLM}

	sessionCfg := session.Config{
		ProviderName:  cfg.LLM.Provider,
		Model:         cfg.LLM.Model,
		APIKey:        cfg.LLM.APIKey,
		BaseURL:       cfg.LLM.BaseURL,
		RPS:             cfg.LLM.RateLimitRPS,
		Burst:           cfg.LLM.RateLimitBurst,
		MaxIterations:   cfg.LLM.MaxIterations,
		MaxHistoryChars: cfg.LLM.MaxHistoryChars,

		Tools:  toolManager,
		Events: bus,

		Storage:            storageProvider,
		StorageBackendName: storageBackendName,

		FactExtractor:        factExtractor,
		WorkspaceExtractor:   workspaceExtractor,
		Decision:             decisionEngine,
		EmbedGate:            embedGate,
		UseWorkspaceMemory:   cfg.Memory.UseWorkspaceMemory,
		DisableDefaultMemory: cfg.Memory.DisableDefaultMemory,

		ReflectionDetector:  detector,
		ReflectionEvaluator: evaluator,
		ReflectionStore:     reflectionStore,
		ReflectionGate:      embedGate,
		DisableReflection:   cfg.Memory.DisableReflection,

		Environment: os.Getenv("MATRIX_ENVIRONMENT"),
	}

	sess := session.New("cli", sessionCfg)
	if err := sess.Init(ctx); err != nil {
		return fmt.Errorf("init session: %w", err)
	}

	log.Info().Str("provider", cfg.LLM.Provider).Str("model", cfg.LLM.Model).Msg("matrix core ready")

	runREPL(ctx, sess)

	log.Info().Msg("shutting down")
	if err := sess.Disconnect(); err != nil {
		log.Error().Err(err).Msg("session disconnect failed")
	}
	log.Info().Msg("stopped")
	return nil
}

// runREPL reads one line of input at a time from stdin and drives the
// session, until ctx is cancelled or stdin closes. It is the one caller
// this module ships that exercises session.Session.Run end to end; a
// production deployment would replace it with a REST/RPC layer.
func runREPL(ctx context.Context, sess *session.Session) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if strings.TrimSpace(line) == "" {
				continue
			}

			result, err := sess.Run(ctx, line, nil, nil)
			if err != nil {
				log.Error().Err(err).Msg("turn failed")
				continue
			}
			fmt.Println(result.Response)
		}
	}
}

// buildStorage selects Postgres if configured, SQLite otherwise, and
// wraps it in a MultiBackend (with a Redis-backed WAL) when
// MULTI_BACKEND is set. The returned cleanup func closes every resource
// it opened, regardless of which Close signature the concrete backend
// exposes.
func buildStorage(ctx context.Context, cfg *config.Config) (domain.HistoryProvider, string, func(), error) {
	var (
		primary domain.HistoryProvider
		name    string
		closers []func() error
	)

	if cfg.Storage.UsePostgres() {
		store, err := history.NewPostgresStore(ctx, cfg.Storage.DSN(), int32(cfg.Storage.MaxConns)) //nolint:gosec // bounds checked in run()
		if err != nil {
			return nil, "", nil, fmt.Errorf("postgres history store: %w", err)
		}
		primary, name = store, "postgres"
		closers = append(closers, func() error { store.Close(); return nil })
	} else {
		store, err := history.NewSQLiteStore(ctx, cfg.Storage.SQLitePath)
		if err != nil {
			return nil, "", nil, fmt.Errorf("sqlite history store: %w", err)
		}
		primary, name = store, "sqlite"
		closers = append(closers, store.Close)
	}

	cleanup := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				log.Warn().Err(err).Msg("storage cleanup failed")
			}
		}
	}

	if !cfg.MultiBackend {
		return primary, name, cleanup, nil
	}

	wal, err := history.NewWAL(ctx, cfg.WAL.RedisAddr, cfg.WAL.RedisPassword, cfg.WAL.RedisDB, cfg.WAL.FlushIntervalMS, cfg.WAL.MaxEntries)
	if err != nil {
		cleanup()
		return nil, "", nil, fmt.Errorf("wal: %w", err)
	}
	closers = append(closers, wal.Close)

	return history.NewMultiBackend(primary, nil, wal), name + "+wal", cleanup, nil
}

func newVault(keyBase64 string) (*secrets.Vault, error) {
	key, err := decodeVaultKey(keyBase64)
	if err != nil {
		return nil, err
	}
	return secrets.NewVault(key)
}

func decodeVaultKey(keyBase64 string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(keyBase64)
	if err != nil {
		return nil, fmt.Errorf("MATRIX_VAULT_KEY: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("MATRIX_VAULT_KEY must decode to exactly 32 bytes, got %d", len(key))
	}
	return key, nil
}

func configureLogging() {
	level, err := zerolog.ParseLevel(os.Getenv("MATRIX_LOG_LEVEL"))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if os.Getenv("MATRIX_LOG_FORMAT") == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
}

// memoryPipelineBackend adapts a bare *memory.DecisionEngine into
// tools.MemoryBackend for the explicit memory_remember/memory_forget
// tools, mirroring the Remember/Forget methods memory.Pipeline itself
// exposes but without requiring a full Pipeline (fact extraction,
// automatic ProcessTurn) just to reach the store.
type memoryPipelineBackend struct {
	gate     *memory.EmbedGate
	decision *memory.DecisionEngine
}

func (b *memoryPipelineBackend) Remember(ctx context.Context, text string, tags []string) (string, error) {
	pipeline := &memory.Pipeline{Decision: b.decision, Gate: b.gate}
	return pipeline.Remember(ctx, text, tags)
}

func (b *memoryPipelineBackend) Forget(ctx context.Context, id int) error {
	pipeline := &memory.Pipeline{Decision: b.decision, Gate: b.gate}
	return pipeline.Forget(ctx, id)
}
