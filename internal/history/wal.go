package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/matrix/internal/domain"
)

// ErrWALFull is returned by WAL.Append when the in-memory buffer has
// reached MaxEntries and the periodic flush has not yet caught up.
// Callers should fall back to writing the primary store directly.
var ErrWALFull = errors.New("history: wal full")

type walEntry struct {
	sessionID string
	message   domain.Message
}

// WAL is a write-ahead log that absorbs history writes in memory,
// decoupling session turns from primary-database latency. On a fixed
// interval it fans buffered entries out through its sink (see SetSink)
// and mirrors them to a Redis list as a secondary crash-recovery trail.
// It is grounded on the connection and ping pattern of the teacher's
// internal/store/redis package, generalized from pub/sub fan-out to a
// durable buffered queue.
type WAL struct {
	mu            sync.Mutex
	entries       []walEntry
	maxEntries    int
	flushInterval time.Duration
	sink          func(ctx context.Context, sessionID string, msg domain.Message) error

	redisClient *redis.Client
	redisKey    string

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWAL creates a WAL. If redisAddr is empty, flushed entries go only to
// the sink and are not mirrored to Redis; with no sink set either, the WAL
// just buffers and bounds entries — useful for tests and single-process
// deployments that only want the backpressure behavior.
func NewWAL(ctx context.Context, redisAddr, redisPassword string, redisDB, flushIntervalMS, maxEntries int) (*WAL, error) {
	w := &WAL{
		maxEntries:    maxEntries,
		flushInterval: time.Duration(flushIntervalMS) * time.Millisecond,
		redisKey:      "matrix:wal",
		stopCh:        make(chan struct{}),
	}

	if redisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     redisAddr,
			Password: redisPassword,
			DB:       redisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("history.NewWAL: ping: %w", err)
		}
		w.redisClient = client
	}

	w.wg.Add(1)
	go w.flushLoop()

	return w, nil
}

// Close stops the flush loop and closes the Redis client.
func (w *WAL) Close() error {
	close(w.stopCh)
	w.wg.Wait()

	if w.redisClient != nil {
		if err := w.redisClient.Close(); err != nil {
			return fmt.Errorf("history.WAL.Close: %w", err)
		}
	}
	return nil
}

// Append buffers one message for a session. It returns ErrWALFull if the
// buffer is at capacity; callers must fall back to the primary store.
func (w *WAL) Append(_ context.Context, sessionID string, msg domain.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.entries) >= w.maxEntries {
		return ErrWALFull
	}

	w.entries = append(w.entries, walEntry{sessionID: sessionID, message: msg})
	return nil
}

// List returns the buffered (not-yet-flushed) messages for a session, in
// insertion order. Once an entry has been flushed to Redis it is no
// longer visible here — the WAL is a burst buffer, not a queryable store.
func (w *WAL) List(_ context.Context, sessionID string) ([]domain.Message, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var out []domain.Message
	for _, e := range w.entries {
		if e.sessionID == sessionID {
			out = append(out, e.message)
		}
	}
	return out, nil
}

// Clear drops buffered entries for a session without flushing them.
func (w *WAL) Clear(_ context.Context, sessionID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	kept := w.entries[:0]
	for _, e := range w.entries {
		if e.sessionID != sessionID {
			kept = append(kept, e)
		}
	}
	w.entries = kept
	return nil
}

// Pending reports how many entries are currently buffered.
func (w *WAL) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

// SetSink registers the callback flush uses to durably land a buffered
// entry once it leaves the buffer, typically MultiBackend fanning the
// entry out to its primary and backup stores. Without a sink, flush leaves
// every entry in the buffer and mirrors nothing to Redis, so Append returns
// ErrWALFull once maxEntries entries are buffered.
func (w *WAL) SetSink(sink func(ctx context.Context, sessionID string, msg domain.Message) error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sink = sink
}

func (w *WAL) flushLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			w.flush(context.Background())
			return
		case <-ticker.C:
			w.flush(context.Background())
		}
	}
}

// flush is the point at which a buffered entry stops being a burst-buffer
// occupant and becomes durable: it hands each pending entry to the sink
// (MultiBackend's fan-out into primary and backup) in order, stopping at
// the first failure so a gap never opens up in the transcript, then
// mirrors whatever was successfully fanned out to Redis as a secondary
// crash-recovery trail. Only entries the sink accepted are dropped from
// the buffer; the rest are retried on the next tick.
func (w *WAL) flush(ctx context.Context) {
	w.mu.Lock()
	if len(w.entries) == 0 {
		w.mu.Unlock()
		return
	}
	pending := make([]walEntry, len(w.entries))
	copy(pending, w.entries)
	sink := w.sink
	w.mu.Unlock()

	flushed := 0
	for _, e := range pending {
		if sink == nil {
			break
		}
		if err := sink(ctx, e.sessionID, e.message); err != nil {
			log.Warn().Err(err).Str("session_id", e.sessionID).Msg("history.WAL.flush: sink append failed, retaining entry")
			break
		}
		flushed++
	}

	if flushed == 0 {
		return
	}

	if w.redisClient != nil {
		payloads := make([]any, 0, flushed)
		for _, e := range pending[:flushed] {
			raw, err := json.Marshal(struct {
				SessionID string         `json:"session_id"`
				Message   domain.Message `json:"message"`
			}{SessionID: e.sessionID, Message: e.message})
			if err != nil {
				log.Warn().Err(err).Msg("history.WAL.flush: marshal entry, skipping redis mirror")
				continue
			}
			payloads = append(payloads, raw)
		}
		if len(payloads) > 0 {
			if err := w.redisClient.RPush(ctx, w.redisKey, payloads...).Err(); err != nil {
				log.Warn().Err(err).Msg("history.WAL.flush: redis rpush failed, entries already durable via sink")
			}
		}
	}

	w.mu.Lock()
	w.entries = w.entries[flushed:]
	w.mu.Unlock()
}

var _ domain.HistoryProvider = (*WAL)(nil)
