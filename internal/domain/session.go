package domain

import "time"

// HistoryRecordVersion is stamped into every serialized session record.
// A mismatch on deserialize produces a warning and a best-effort restore,
// never a hard failure.
const HistoryRecordVersion = 3

// SessionMetadata is the small bag of facts a session carries alongside its
// transcript: when it was created, when it last saw activity, whether
// history is enabled/which backend it uses, and optional per-session
// memory overrides.
type SessionMetadata struct {
	CreatedAt              time.Time      `json:"created_at"`
	LastActivity           time.Time      `json:"last_activity"`
	HistoryEnabled         bool           `json:"history_enabled"`
	HistoryBackend         string         `json:"history_backend,omitempty"`
	SessionMemoryMetadata  map[string]any `json:"session_memory_metadata,omitempty"`
	Environment            string         `json:"environment,omitempty"`
}

// MergeSessionMemoryMetadata merges per-run overrides onto a session's
// default memory metadata. On schema validation failure it drops only the
// invalid override keys, not the whole overrides map. The dropped keys are
// not reported to the caller.
//
// validate, when non-nil, is called once with the full merged map; a
// non-nil error identifies (via the returned invalidKeys) which override
// keys to drop. The result is not validated again.
func MergeSessionMemoryMetadata(
	defaults map[string]any,
	overrides map[string]any,
	validate func(map[string]any) (invalidKeys []string, err error),
) map[string]any {
	merged := make(map[string]any, len(defaults)+len(overrides))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}

	if validate == nil {
		return merged
	}

	invalidKeys, err := validate(merged)
	if err == nil {
		return merged
	}

	dropped := make(map[string]struct{}, len(invalidKeys))
	for _, k := range invalidKeys {
		dropped[k] = struct{}{}
	}

	cleaned := make(map[string]any, len(defaults))
	for k, v := range defaults {
		cleaned[k] = v
	}
	for k, v := range overrides {
		if _, isDropped := dropped[k]; isDropped {
			continue
		}
		cleaned[k] = v
	}

	return cleaned
}

// HistoryRecord is the serialized form of a session, as persisted by
// session.Session.Serialize and consumed by session.Session.Deserialize.
type HistoryRecord struct {
	ID           string          `json:"id"`
	Messages     []Message       `json:"messages"`
	Metadata     SessionMetadata `json:"metadata"`
	Options      map[string]any  `json:"options,omitempty"`
	Version      int             `json:"version"`
	SerializedAt time.Time       `json:"serialized_at"`
}
