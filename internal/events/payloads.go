package events

import (
	"encoding/json"
	"time"
)

// EventPayload is the interface all typed payloads implement.
type EventPayload interface {
	EventType() EventType
}

// =============================================================================
// TASK EVENTS
// =============================================================================

type TaskSavedPayload struct {
	SessionID   string        `json:"session_id"`
	IsComplete  bool          `json:"is_complete"`
	StoredBytes int64         `json:"stored_bytes"`
	RawBytes    int64         `json:"raw_bytes"`
	Files       int           `json:"files"`
	Evicted     []int         `json:"evicted,omitempty"`
	Duration    time.Duration `json:"duration"`
}

func (TaskSavedPayload) EventType() EventType { return EventTaskSaved }

type TaskLoadedPayload struct {
	SessionID string        `json:"session_id"`
	Source    string        `json:"source"` // "live" or the backup version served
	Workspace string        `json:"workspace,omitempty"`
	Duration  time.Duration `json:"duration"`
}

func (TaskLoadedPayload) EventType() EventType { return EventTaskLoaded }

type TaskRemovedPayload struct {
	Reason string `json:"reason"` // "cleanup" or "purge"
}

func (TaskRemovedPayload) EventType() EventType { return EventTaskRemoved }

// =============================================================================
// MAINTENANCE EVENTS
// =============================================================================

type CleanupCompletedPayload struct {
	Scanned  int           `json:"scanned"`
	Removed  []string      `json:"removed,omitempty"`
	Failed   []string      `json:"failed,omitempty"`
	Duration time.Duration `json:"duration"`
}

func (CleanupCompletedPayload) EventType() EventType { return EventCleanupCompleted }

// =============================================================================
// TYPED EVENT CONSTRUCTORS
// =============================================================================

func NewTypedEvent(source EventSource, payload EventPayload) Event {
	e := NewEvent(payload.EventType(), source, toMap(payload))
	return e
}

func NewTypedEventForTask(source EventSource, payload EventPayload, taskID string) Event {
	e := NewTypedEvent(source, payload)
	e.TaskID = taskID
	return e
}

func toMap(v any) map[string]any {
	var result map[string]any
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}

// =============================================================================
// TYPED PAYLOAD EXTRACTORS
// =============================================================================

func ExtractPayload[T EventPayload](e Event) (T, bool) {
	var result T
	if e.Type != result.EventType() {
		return result, false
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return result, false
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return result, false
	}
	return result, true
}
