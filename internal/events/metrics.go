package events

import (
	"sync"
	"time"

	"github.com/gosuda/matrix/internal/domain"
)

// histogramBucketBoundsMS are the upper bounds (inclusive, milliseconds)
// of each histogram bucket. The last bucket is implicitly +Inf.
var histogramBucketBoundsMS = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000} //nolint:gochecknoglobals

// histogram is a fixed-bucket cumulative histogram. No third-party
// metrics library appears anywhere in the retrieval pack (the teacher
// exposes health/readiness over plain HTTP handlers, nothing more), so
// this stays hand-rolled on sync/atomic-friendly primitives guarded by a
// single mutex per Metrics instance rather than pulling in an unrelated
// dependency for one component.
type histogram struct {
	counts []uint64
	sum    float64
	count  uint64
}

func newHistogram() *histogram {
	return &histogram{counts: make([]uint64, len(histogramBucketBoundsMS)+1)}
}

func (h *histogram) observe(v float64) {
	h.sum += v
	h.count++
	for i, bound := range histogramBucketBoundsMS {
		if v <= bound {
			h.counts[i]++
			return
		}
	}
	h.counts[len(h.counts)-1]++
}

// HistogramSnapshot is a point-in-time, immutable copy of a histogram.
type HistogramSnapshot struct {
	Bounds []float64
	Counts []uint64
	Sum    float64
	Count  uint64
}

// Snapshot is a point-in-time, immutable copy of the metrics collector's
// state, safe to hand to an exporter without holding any lock.
type Snapshot struct {
	Counters   map[string]int64
	Histograms map[string]HistogramSnapshot
}

// Metrics accumulates counters and histograms from published events:
// e.g. toolExecutionCount/llmResponseErrorCount counters,
// toolExecutionDuration/memorySearchDuration histograms. State never
// leaves the process — there is no durable metrics store.
type Metrics struct {
	mu         sync.Mutex
	counters   map[string]int64
	histograms map[string]*histogram
}

func NewMetrics() *Metrics {
	return &Metrics{
		counters:   make(map[string]int64),
		histograms: make(map[string]*histogram),
	}
}

// Inc increments a named counter by one.
func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

// Add increments a named counter by delta.
func (m *Metrics) Add(name string, delta int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name] += delta
}

// RecordDuration records one observation into a named histogram.
func (m *Metrics) RecordDuration(name string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.histograms[name]
	if !ok {
		h = newHistogram()
		m.histograms[name] = h
	}
	h.observe(float64(d.Milliseconds()))
}

// counterForEventType maps well-known event types to the counter named
// for them; event types with no listed counter are ignored.
var counterForEventType = map[string]string{ //nolint:gochecknoglobals
	domain.EventToolExecuted:          "toolExecutionCount",
	domain.EventToolTimeout:           "toolTimeoutCount",
	domain.EventLLMResponseCompleted:  "llmResponseCompletedCount",
	domain.EventLLMResponseError:      "llmResponseErrorCount",
	domain.EventMemoryActionApplied:   "memoryActionAppliedCount",
	domain.EventMemoryOperationFailed: "memoryOperationFailedCount",
	domain.EventReflectionStored:      "reflectionStoredCount",
	domain.EventReflectionSkipped:     "reflectionSkippedCount",
}

// histogramForEventType maps event types that carry a "durationMs" field
// in their Data payload to the histogram that should record it.
var histogramForEventType = map[string]string{ //nolint:gochecknoglobals
	domain.EventToolExecuted: "toolExecutionDuration",
}

// Observe updates counters and histograms from one published event. It is
// registered as a Bus subscriber (or called directly from Bus.Publish).
func (m *Metrics) Observe(evt domain.Event) {
	if name, ok := counterForEventType[evt.Type]; ok {
		m.Inc(name)
	}
	if name, ok := histogramForEventType[evt.Type]; ok {
		if ms, ok := durationMSFromData(evt.Data); ok {
			m.RecordDuration(name, time.Duration(ms)*time.Millisecond)
		}
	}
}

func durationMSFromData(data any) (float64, bool) {
	m, ok := data.(map[string]any)
	if !ok {
		return 0, false
	}
	v, ok := m["durationMs"]
	if !ok {
		return 0, false
	}
	ms, ok := v.(float64)
	return ms, ok
}

// Snapshot returns an immutable copy of every counter and histogram.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	counters := make(map[string]int64, len(m.counters))
	for k, v := range m.counters {
		counters[k] = v
	}

	histograms := make(map[string]HistogramSnapshot, len(m.histograms))
	for k, h := range m.histograms {
		bounds := make([]float64, len(histogramBucketBoundsMS))
		copy(bounds, histogramBucketBoundsMS)
		counts := make([]uint64, len(h.counts))
		copy(counts, h.counts)
		histograms[k] = HistogramSnapshot{Bounds: bounds, Counts: counts, Sum: h.sum, Count: h.count}
	}

	return Snapshot{Counters: counters, Histograms: histograms}
}
