package events

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// JSONExporter renders a Snapshot as JSON, for a debug endpoint or a log
// line.
type JSONExporter struct{}

func (JSONExporter) Export(snap Snapshot) ([]byte, error) {
	out, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("events.JSONExporter.Export: %w", err)
	}
	return out, nil
}

// PrometheusTextExporter renders a Snapshot in Prometheus's plain text
// exposition format (counters as `counter` series under their own name, with
// no `_total` suffix, histograms as
// `_bucket`/`_sum`/`_count` triples).
type PrometheusTextExporter struct{}

func (PrometheusTextExporter) Export(snap Snapshot) []byte {
	var b strings.Builder

	for _, name := range sortedKeys(snap.Counters) {
		fmt.Fprintf(&b, "# TYPE matrix_%s counter\n", name)
		fmt.Fprintf(&b, "matrix_%s %d\n", name, snap.Counters[name])
	}

	for _, name := range sortedHistogramKeys(snap.Histograms) {
		h := snap.Histograms[name]
		fmt.Fprintf(&b, "# TYPE matrix_%s histogram\n", name)
		var cumulative uint64
		for i, bound := range h.Bounds {
			cumulative += h.Counts[i]
			fmt.Fprintf(&b, "matrix_%s_bucket{le=\"%g\"} %d\n", name, bound, cumulative)
		}
		cumulative += h.Counts[len(h.Counts)-1]
		fmt.Fprintf(&b, "matrix_%s_bucket{le=\"+Inf\"} %d\n", name, cumulative)
		fmt.Fprintf(&b, "matrix_%s_sum %g\n", name, h.Sum)
		fmt.Fprintf(&b, "matrix_%s_count %d\n", name, h.Count)
	}

	return []byte(b.String())
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedHistogramKeys(m map[string]HistogramSnapshot) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
