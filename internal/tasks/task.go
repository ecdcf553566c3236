// Package tasks defines the records the task store persists.
package tasks

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FormatVersion is the metadata format written by this store.
const FormatVersion = "1.0"

// Task is the unit of persisted work: an identifier, an opaque payload and an
// optional workspace directory.
type Task struct {
	ID string `json:"id"`

	// Payload is stored verbatim and never interpreted by the store.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Workspace is the directory packed on save. After a load it is the
	// directory the archive was restored into ("" when none was saved).
	Workspace string `json:"workspace,omitempty"`

	// Session carries the caller-controlled session fields on save
	// (OwnerID, IsComplete, Properties) and the stored session on load.
	Session SessionMetadata `json:"session"`
}

// SetPayload marshals v as the task payload.
func (t *Task) SetPayload(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	t.Payload = data
	return nil
}

// DecodePayload unmarshals the payload into out.
func (t *Task) DecodePayload(out any) error {
	if len(t.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(t.Payload, out)
}

// SessionMetadata is the envelope kept alongside a task across its lifetime.
type SessionMetadata struct {
	SessionID  string         `json:"sessionId"`
	TaskID     string         `json:"taskId"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
	OwnerID    string         `json:"ownerId,omitempty"`
	IsComplete bool           `json:"isComplete"`
	Version    string         `json:"version"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Merge computes the session stored by a save at time now. prev is the
// currently stored session (nil on first save); in carries the caller's fields.
// IsComplete never reverts to false and UpdatedAt never moves backwards.
func Merge(prev *SessionMetadata, in SessionMetadata, taskID string, now time.Time) SessionMetadata {
	out := SessionMetadata{
		SessionID:  in.SessionID,
		TaskID:     taskID,
		CreatedAt:  now,
		UpdatedAt:  now,
		OwnerID:    in.OwnerID,
		IsComplete: in.IsComplete,
		Version:    FormatVersion,
		Properties: in.Properties,
	}

	if prev != nil {
		out.SessionID = prev.SessionID
		out.CreatedAt = prev.CreatedAt
		if prev.UpdatedAt.After(now) {
			out.UpdatedAt = prev.UpdatedAt
		}
		out.IsComplete = prev.IsComplete || in.IsComplete
		if out.OwnerID == "" {
			out.OwnerID = prev.OwnerID
		}
		if out.Properties == nil {
			out.Properties = prev.Properties
		}
	}

	if out.SessionID == "" {
		out.SessionID = GenerateSessionID()
	}
	return out
}

// Expired reports whether a completed session is older than maxAge at now.
// Incomplete sessions never expire.
func (s SessionMetadata) Expired(now time.Time, maxAge time.Duration) bool {
	return s.IsComplete && now.Sub(s.UpdatedAt) > maxAge
}

// GenerateSessionID creates a unique session identifier.
func GenerateSessionID() string {
	u := uuid.New().String()
	return "sess_" + strings.ReplaceAll(u[:8], "-", "")
}
