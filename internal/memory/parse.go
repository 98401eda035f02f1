package memory

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"

	"github.com/gosuda/matrix/internal/domain"
)

// ErrDecisionParseFailed means none of the tolerant parse strategies
// could extract a usable decision from the LLM's raw output.
var ErrDecisionParseFailed = errors.New("memory: could not parse decision response")

// llmDecisionPayload is the wire shape the decision LLM is asked to
// answer with.
type llmDecisionPayload struct {
	Operation      string  `json:"operation"`
	Confidence     float64 `json:"confidence"`
	TargetMemoryID int     `json:"targetMemoryId"`
}

var jsonObjectPattern = regexp.MustCompile(`\{[^{}]*\}`)

// parseDecisionResponse tries three strategies in order: a direct JSON
// parse, a regex-extracted JSON object embedded in surrounding prose,
// and finally a bare keyword scan.
func parseDecisionResponse(raw string) (llmDecisionPayload, error) {
	if payload, ok := tryParseJSON(raw); ok {
		return payload, nil
	}

	if match := jsonObjectPattern.FindString(raw); match != "" {
		if payload, ok := tryParseJSON(match); ok {
			return payload, nil
		}
	}

	if payload, ok := keywordFallback(raw); ok {
		return payload, nil
	}

	return llmDecisionPayload{}, ErrDecisionParseFailed
}

func tryParseJSON(s string) (llmDecisionPayload, bool) {
	var payload llmDecisionPayload
	if err := json.Unmarshal([]byte(s), &payload); err != nil {
		return llmDecisionPayload{}, false
	}
	if !validOperation(payload.Operation) {
		return llmDecisionPayload{}, false
	}
	return payload, true
}

func validOperation(op string) bool {
	switch domain.MemoryEvent(strings.ToUpper(op)) {
	case domain.MemoryEventAdd, domain.MemoryEventUpdate, domain.MemoryEventDelete, domain.MemoryEventNone:
		return true
	default:
		return false
	}
}

var jsonArrayPattern = regexp.MustCompile(`\[[\s\S]*\]`)

// parseFactList tolerantly extracts a JSON array of strings from an
// extractor's raw output: a direct parse first, then a regex-extracted
// array embedded in surrounding prose. Returns ok=false (not an error)
// when nothing usable is found — an extractor producing no facts is a
// normal outcome, not a failure.
func parseFactList(raw string) ([]string, bool) {
	if facts, ok := tryParseFactArray(raw); ok {
		return facts, true
	}
	if match := jsonArrayPattern.FindString(raw); match != "" {
		if facts, ok := tryParseFactArray(match); ok {
			return facts, true
		}
	}
	return nil, false
}

func tryParseFactArray(s string) ([]string, bool) {
	var facts []string
	if err := json.Unmarshal([]byte(s), &facts); err != nil {
		return nil, false
	}
	return facts, true
}

// keywordFallback scans raw text for one of the four operation keywords
// when the model didn't return valid JSON at all. Confidence is fixed at
// a conservative 0.5 since none was parsed.
func keywordFallback(raw string) (llmDecisionPayload, bool) {
	upper := strings.ToUpper(raw)
	for _, op := range []string{"UPDATE", "DELETE", "ADD", "NONE"} {
		if strings.Contains(upper, op) {
			return llmDecisionPayload{Operation: op, Confidence: 0.5}, true
		}
	}
	return llmDecisionPayload{}, false
}
