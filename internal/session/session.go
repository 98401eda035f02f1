// Package session implements the per-conversation runtime: lifecycle,
// lazy dependency wiring, turn orchestration ahead of the LLM
// tool-calling loop, and serialize/restore. It is grounded on
// the teacher's AgentSession lifecycle and Orchestrator.StartTask flow
// (internal/agent/orchestrator.go), generalized from a Docker-backed
// coding-agent process (container, volume, branch) to an in-process LLM
// conversation (context manager, history provider, memory pipelines).
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/matrix/internal/contextmgr"
	"github.com/gosuda/matrix/internal/domain"
	"github.com/gosuda/matrix/internal/llm"
	"github.com/gosuda/matrix/internal/memory"
	"github.com/gosuda/matrix/internal/reflection"
)

// storageBackoff is the cooperative delay inserted before the first
// storage construction, reducing the odds that several sessions
// racing to open history for the same backend build duplicate
// connections.
const storageBackoff = 25 * time.Millisecond

// StorageOwnership tags whether a session's history provider is its own
// to build and tear down, or merely borrowed from a pool it must never
// disconnect.
type StorageOwnership int

const (
	StorageExclusive StorageOwnership = iota
	StorageBorrowed
)

// StorageFactory lazily builds a session's history provider on first
// use. Returning (nil, nil) disables history for the session.
type StorageFactory func(ctx context.Context, sessionID string) (domain.HistoryProvider, error)

// EventPublisher is the subset of the event bus the session needs,
// mirroring llm.EventPublisher's narrow-local-interface shape so this
// package does not import internal/events.
type EventPublisher interface {
	Publish(ctx context.Context, evt domain.Event)
}

// Config bundles a session's static configuration and the shared,
// process-wide collaborators it wraps with its own session id: the tool
// manager, event bus, and memory/reflection building blocks are
// constructed once by the caller (cmd/matrixd) and handed to every
// session, shared by reference and never mutated by a session.
type Config struct {
	ProviderName    string
	Model           string
	APIKey          string
	BaseURL         string
	SystemPrompt    string
	RPS             float64
	Burst           int
	MaxIterations   int
	MaxHistoryChars int

	Tools  llm.ToolExecutor
	Events EventPublisher

	// Provider overrides the HTTP provider client the session would
	// otherwise build from ProviderName/Model/APIKey/BaseURL/RPS/Burst.
	// cmd/matrixd leaves this nil in production; tests set it to a
	// stub ProviderClient so Run() never makes a network call.
	Provider llm.ProviderClient

	// Storage is a pre-built, shared history provider injected at
	// construction — StorageBorrowed ownership. If nil, StorageFactory
	// is consulted lazily on first run(), producing StorageExclusive
	// ownership.
	Storage            domain.HistoryProvider
	StorageFactory     StorageFactory
	StorageBackendName string

	FactExtractor        memory.FactExtractor
	WorkspaceExtractor   memory.FactExtractor // consulted only when UseWorkspaceMemory is set
	Decision             *memory.DecisionEngine
	EmbedGate            *memory.EmbedGate // nil defaults to memory.Global
	UseWorkspaceMemory   bool
	DisableDefaultMemory bool

	ReflectionDetector  *reflection.Detector
	ReflectionEvaluator *reflection.Evaluator
	ReflectionStore     domain.ReflectionStore
	// ReflectionGate defaults to memory.Global when nil, so reflection
	// observes the same embeddings-enabled flag as the knowledge
	// pipeline.
	ReflectionGate    reflection.Gate
	DisableReflection bool

	Environment string
}

// Result is what run() returns to the caller: the foreground response
// text plus a handle on the detached background pipeline.
type Result struct {
	Response             string
	BackgroundOperations *BackgroundJob
}

// BackgroundJob is a first-class task handle in place of implicit
// fire-and-forget scheduling: callers can Wait() on it before shutdown,
// or simply ignore it.
type BackgroundJob struct {
	done chan struct{}
}

func newBackgroundJob() *BackgroundJob {
	return &BackgroundJob{done: make(chan struct{})}
}

func (j *BackgroundJob) finish() { close(j.done) }

// Wait blocks until the background pipeline completes or ctx is
// cancelled, whichever comes first.
func (j *BackgroundJob) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Session is one conversation's runtime. Identified by an opaque string
// id, it holds an LLM configuration snapshot, a context manager,
// references to the shared managers, and three lazy-init guards. A
// session's lifetime is created -> initialized -> (many turns) ->
// disconnected.
type Session struct {
	ID  string
	cfg Config

	initGuard    Guard
	llmGuard     Guard
	storageGuard Guard

	// runMu serializes run() calls: at most one run() per session id may
	// be in flight at a time.
	runMu sync.Mutex

	formatter llm.Formatter
	ctxMgr    *contextmgr.Manager
	llmSvc    *llm.Service

	storage       domain.HistoryProvider
	storageOwned  StorageOwnership
	historyLoaded bool

	memoryPipeline     *memory.Pipeline
	reflectionPipeline *reflection.Pipeline

	metaMu   sync.Mutex
	metadata domain.SessionMetadata
}

// New constructs a Session in the "created" state. Call Init before Run.
func New(id string, cfg Config) *Session {
	ownership := StorageBorrowed
	if cfg.Storage == nil {
		ownership = StorageExclusive
	}

	return &Session{
		ID:           id,
		cfg:          cfg,
		storage:      cfg.Storage,
		storageOwned: ownership,
		metadata: domain.SessionMetadata{
			CreatedAt:      time.Now(),
			LastActivity:   time.Now(),
			HistoryEnabled: cfg.Storage != nil || cfg.StorageFactory != nil,
			HistoryBackend: cfg.StorageBackendName,
			Environment:    cfg.Environment,
		},
	}
}

// Init sets up the context manager with the correct provider formatter
// and, if a shared storage was injected at construction, immediately
// binds it. Idempotent: a repeat call after success is a no-op; a repeat
// call after failure retries.
func (s *Session) Init(_ context.Context) error {
	return s.initGuard.Do(func() error {
		formatter, err := llm.FormatterForProvider(strings.ToLower(s.cfg.ProviderName))
		if err != nil {
			return fmt.Errorf("session.Session.Init: %w", err)
		}
		s.formatter = formatter
		s.ctxMgr = contextmgr.New(s.ID, s.storage)
		return nil
	})
}

// ensureStorage lazily builds the session's history provider via the
// configured factory, if one wasn't already injected at construction. A
// nil factory or a factory that returns (nil, nil) leaves history
// disabled — the context manager stays ephemeral.
func (s *Session) ensureStorage(ctx context.Context) error {
	return s.storageGuard.Do(func() error {
		if s.storage != nil || s.cfg.StorageFactory == nil {
			return nil
		}

		select {
		case <-time.After(storageBackoff):
		case <-ctx.Done():
			return ctx.Err()
		}

		provider, err := s.cfg.StorageFactory(ctx, s.ID)
		if err != nil {
			return fmt.Errorf("session.Session.ensureStorage: %w", err)
		}
		if provider == nil {
			return nil
		}

		s.storage = provider
		s.storageOwned = StorageExclusive
		s.ctxMgr = contextmgr.New(s.ID, s.storage)

		s.metaMu.Lock()
		s.metadata.HistoryEnabled = true
		if s.metadata.HistoryBackend == "" {
			s.metadata.HistoryBackend = s.cfg.StorageBackendName
		}
		s.metaMu.Unlock()

		return nil
	})
}

// ensureHistoryLoaded restores the durable transcript into the context
// manager exactly once, on first Run.
func (s *Session) ensureHistoryLoaded(ctx context.Context) error {
	if s.historyLoaded {
		return nil
	}
	if err := s.RefreshConversationHistory(ctx); err != nil {
		return err
	}
	s.historyLoaded = true
	return nil
}

// ensureLLM lazily builds the session's LLM service on first use.
func (s *Session) ensureLLM(_ context.Context) error {
	return s.llmGuard.Do(func() error {
		provider := s.cfg.Provider
		if provider == nil {
			provider = llm.NewHTTPProviderClient(s.formatter, s.cfg.BaseURL, s.cfg.APIKey, s.cfg.Model, s.cfg.RPS, s.cfg.Burst)
		}
		s.llmSvc = &llm.Service{
			SessionID:       s.ID,
			Provider:        provider,
			Context:         s.ctxMgr,
			Tools:           s.cfg.Tools,
			Events:          eventsAdapter{s.cfg.Events},
			SystemPrompt:    s.cfg.SystemPrompt,
			MaxIterations:   s.cfg.MaxIterations,
			MaxHistoryChars: s.cfg.MaxHistoryChars,
		}

		s.memoryPipeline = &memory.Pipeline{
			Extractor:            s.cfg.FactExtractor,
			WorkspaceExtractor:   s.cfg.WorkspaceExtractor,
			Decision:             s.cfg.Decision,
			Events:               eventsAdapter{s.cfg.Events},
			Gate:                 s.cfg.EmbedGate,
			UseWorkspaceMemory:   s.cfg.UseWorkspaceMemory,
			DisableDefaultMemory: s.cfg.DisableDefaultMemory,
			SessionID:            s.ID,
		}

		reflectionGate := s.cfg.ReflectionGate
		if reflectionGate == nil {
			reflectionGate = memory.Global
		}
		var toolRegistry reflection.ToolRegistry
		if tr, ok := s.cfg.Tools.(reflection.ToolRegistry); ok {
			toolRegistry = tr
		}
		s.reflectionPipeline = &reflection.Pipeline{
			Detector:          s.cfg.ReflectionDetector,
			Evaluator:         s.cfg.ReflectionEvaluator,
			Store:             s.cfg.ReflectionStore,
			Events:            eventsAdapter{s.cfg.Events},
			Gate:              reflectionGate,
			Tools:             toolRegistry,
			DisableReflection: s.cfg.DisableReflection,
			SessionID:         s.ID,
		}

		return nil
	})
}

// Run validates input, lazily wires every subsystem on first call,
// invokes the LLM tool-calling loop, and returns the response together
// with a handle on the detached background memory/reflection job. The
// job is started only after the response is ready to hand back, making
// the "response before memory work" ordering explicit rather than
// relying on scheduler happenstance.
func (s *Session) Run(ctx context.Context, input string, imageData *domain.ImageData, options map[string]any) (Result, error) {
	if !s.initGuard.Done() {
		return Result{}, fmt.Errorf("session.Session.Run: %w", domain.ErrNotInitialized)
	}
	if strings.TrimSpace(input) == "" {
		return Result{}, fmt.Errorf("session.Session.Run: %w", domain.ErrUserInputInvalid)
	}
	if imageData != nil && !imageData.Valid() {
		return Result{}, fmt.Errorf("session.Session.Run: image data missing image or mimeType: %w", domain.ErrUserInputInvalid)
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()

	if err := s.ensureStorage(ctx); err != nil {
		log.Warn().Err(err).Str("session_id", s.ID).Msg("session.Session.Run: storage init failed, continuing without history")
	}
	if err := s.ensureHistoryLoaded(ctx); err != nil {
		log.Warn().Err(err).Str("session_id", s.ID).Msg("session.Session.Run: history restore failed")
	}
	if err := s.ensureLLM(ctx); err != nil {
		return Result{}, fmt.Errorf("session.Session.Run: %w", err)
	}

	var (
		turn llm.TurnResult
		err  error
	)
	if imageData != nil {
		turn, err = s.llmSvc.RunWithImage(ctx, input, *imageData)
	} else {
		turn, err = s.llmSvc.Run(ctx, input)
	}
	if err != nil {
		return Result{}, fmt.Errorf("session.Session.Run: %w", err)
	}

	s.touch()

	job := newBackgroundJob()
	promptContext := promptContextFrom(options)
	go s.runBackground(job, input, turn, promptContext)

	return Result{Response: turn.Text, BackgroundOperations: job}, nil
}

func promptContextFrom(options map[string]any) string {
	if v, ok := options["conversationTopic"].(string); ok {
		return v
	}
	return ""
}

// runBackground executes the knowledge and reflection pipelines for one
// turn. It always runs after Run has already returned the response to
// its caller.
func (s *Session) runBackground(job *BackgroundJob, userInput string, turn llm.TurnResult, promptContext string) {
	defer job.finish()

	ctx := context.Background()

	if s.memoryPipeline != nil {
		data := memory.InteractionData{
			UserText:            userInput,
			ToolCallSummaries:   turn.ToolCallSummaries,
			ToolResultSummaries: turn.ToolResultSummaries,
			AssistantText:       turn.Text,
		}
		s.memoryPipeline.ProcessTurn(ctx, data, promptContext)
	}

	if s.reflectionPipeline != nil {
		s.reflectionPipeline.ProcessTurn(ctx, userInput)
	}
}

func (s *Session) touch() {
	s.metaMu.Lock()
	s.metadata.LastActivity = time.Now()
	s.metaMu.Unlock()
}

// Serialize captures the transcript, preferring the history provider and
// falling back to the in-memory context manager if the provider is
// unavailable, and stamps it with the build's version constant.
func (s *Session) Serialize(ctx context.Context) (domain.HistoryRecord, error) {
	messages, err := s.currentTranscript(ctx)
	if err != nil {
		return domain.HistoryRecord{}, fmt.Errorf("session.Session.Serialize: %w: %w", errSessionPersistence("serialize", s.ID), err)
	}

	s.metaMu.Lock()
	meta := s.metadata
	s.metaMu.Unlock()

	return domain.HistoryRecord{
		ID:           s.ID,
		Messages:     messages,
		Metadata:     meta,
		Version:      domain.HistoryRecordVersion,
		SerializedAt: time.Now(),
	}, nil
}

func (s *Session) currentTranscript(ctx context.Context) ([]domain.Message, error) {
	if s.storage != nil {
		messages, err := s.storage.List(ctx, s.ID)
		if err == nil {
			return messages, nil
		}
		log.Warn().Err(err).Str("session_id", s.ID).Msg("session.Session.Serialize: history provider read failed, falling back to context manager")
	}
	if s.ctxMgr != nil {
		return s.ctxMgr.RawMessages(), nil
	}
	return nil, nil
}

// Deserialize rebuilds a session from a previously serialized record.
// Provider history is cleared and re-saved message by message, in order,
// then restored into the context manager. Functions (extractors,
// evaluators, merge hooks) are never part of a record; the caller must
// re-supply them via cfg exactly as it would for a fresh session.
func Deserialize(ctx context.Context, record domain.HistoryRecord, cfg Config) (*Session, error) {
	if record.Version != domain.HistoryRecordVersion {
		log.Warn().Int("record_version", record.Version).Int("expected", domain.HistoryRecordVersion).
			Str("session_id", record.ID).Msg("session.Deserialize: version mismatch, attempting best-effort restore")
	}

	s := New(record.ID, cfg)
	s.metadata = record.Metadata

	if err := s.Init(ctx); err != nil {
		return nil, fmt.Errorf("session.Deserialize: %w: %w", errSessionPersistence("deserialize", record.ID), err)
	}

	if s.storage == nil {
		if err := s.ctxMgr.SetMessages(ctx, record.Messages); err != nil {
			return nil, fmt.Errorf("session.Deserialize: %w: %w", errSessionPersistence("deserialize", record.ID), err)
		}
		s.historyLoaded = true
		return s, nil
	}

	if err := s.storage.Clear(ctx, s.ID); err != nil {
		return nil, fmt.Errorf("session.Deserialize: %w: %w", errSessionPersistence("deserialize", record.ID), err)
	}
	for _, msg := range record.Messages {
		if err := s.storage.Append(ctx, s.ID, msg); err != nil {
			return nil, fmt.Errorf("session.Deserialize: %w: %w", errSessionPersistence("deserialize", record.ID), err)
		}
	}

	// Provider history is now the source of truth; load it back into the
	// context manager the same way a normal turn would.
	if err := s.RefreshConversationHistory(ctx); err != nil {
		return nil, fmt.Errorf("session.Deserialize: %w: %w", errSessionPersistence("deserialize", record.ID), err)
	}
	s.historyLoaded = true

	return s, nil
}

// RefreshConversationHistory clears the context manager, re-binds the
// provider, and tries three restoration strategies in order: (a) the
// provider's own Restorer/List (already layered inside contextmgr.Manager's
// RestoreHistory), (b) a bulk SetMessages of whatever the provider's
// plain List returns, and (c) a manual per-message append loop as the
// last resort for a provider that supports only Append/List.
func (s *Session) RefreshConversationHistory(ctx context.Context) error {
	if s.ctxMgr == nil || s.storage == nil {
		return nil
	}

	s.ctxMgr.ResetTranscript()

	// Strategy (a): provider-driven restore, or its List fallback —
	// contextmgr.Manager.RestoreHistory already implements this pair.
	if err := s.ctxMgr.RestoreHistory(ctx); err != nil {
		log.Warn().Err(err).Str("session_id", s.ID).Msg("session.Session.RefreshConversationHistory: RestoreHistory failed, trying bulk set")
	} else {
		return nil
	}

	// Strategy (b): bulk setMessages from a plain List call.
	messages, err := s.storage.List(ctx, s.ID)
	if err == nil {
		if err := s.ctxMgr.SetMessages(ctx, messages); err == nil {
			return nil
		}
		log.Warn().Err(err).Str("session_id", s.ID).Msg("session.Session.RefreshConversationHistory: bulk set failed, trying manual append")
	} else {
		log.Warn().Err(err).Str("session_id", s.ID).Msg("session.Session.RefreshConversationHistory: List failed, trying manual append")
	}

	// Strategy (c): manual per-message append loop — the last resort
	// for a provider that only implements the base Append/List contract
	// and where even a captured List call above failed transiently.
	// AppendRestored is memory-only: these messages already live in the
	// provider, so re-running them through AddXxxMessage would persist
	// duplicate rows.
	messages, err = s.storage.List(ctx, s.ID)
	if err != nil {
		return fmt.Errorf("session.Session.RefreshConversationHistory: all restoration strategies failed: %w", err)
	}
	for _, msg := range messages {
		s.ctxMgr.AppendRestored(msg)
	}
	return nil
}

// Disconnect tears down the history provider connection if this session
// exclusively owns it. A borrowed (shared/injected) provider is left
// alone — the ownership tag decides, not a reference count. It does not
// cancel in-flight background jobs; outstanding jobs finish on their
// own.
func (s *Session) Disconnect() error {
	if s.storageOwned != StorageExclusive || s.storage == nil {
		return nil
	}
	closer, ok := s.storage.(interface{ Close() error })
	if !ok {
		if c2, ok2 := s.storage.(interface{ Close() }); ok2 {
			c2.Close()
			return nil
		}
		return nil
	}
	if err := closer.Close(); err != nil {
		return fmt.Errorf("session.Session.Disconnect: %w", err)
	}
	return nil
}

// RawMessages exposes the in-memory transcript, mirroring
// contextmgr.Manager.RawMessages for callers (and tests) that only need
// the causal-order view already loaded.
func (s *Session) RawMessages() []domain.Message {
	if s.ctxMgr == nil {
		return nil
	}
	return s.ctxMgr.RawMessages()
}

type sessionPersistenceError struct {
	Operation string
	SessionID string
}

func (e *sessionPersistenceError) Error() string {
	return fmt.Sprintf("session: %s failed for session %q", e.Operation, e.SessionID)
}

func errSessionPersistence(operation, sessionID string) error {
	return &sessionPersistenceError{Operation: operation, SessionID: sessionID}
}

// eventsAdapter narrows a possibly-nil EventPublisher into llm.EventPublisher
// without llm needing to know about this package's nil-tolerant contract.
type eventsAdapter struct{ pub EventPublisher }

func (a eventsAdapter) Publish(ctx context.Context, evt domain.Event) {
	if a.pub == nil {
		return
	}
	a.pub.Publish(ctx, evt)
}

