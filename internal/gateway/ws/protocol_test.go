package ws

import (
	"encoding/json"
	"testing"
)

func TestUnmarshalFrame_Request(t *testing.T) {
	got, err := UnmarshalFrame([]byte(`{"type":"req","id":"req-1","method":"list_sessions","params":{"active":true}}`))
	if err != nil {
		t.Fatalf("UnmarshalFrame: %v", err)
	}
	if got.Type != FrameTypeRequest || got.ID != "req-1" || Method(got.Method) != MethodListSessions {
		t.Fatalf("unexpected frame %+v", got)
	}

	var p struct {
		Active bool `json:"active"`
	}
	if err := json.Unmarshal(got.Params, &p); err != nil {
		t.Fatalf("unmarshal params: %v", err)
	}
	if !p.Active {
		t.Fatal("expected params.active")
	}
}

func TestNewEventFrame(t *testing.T) {
	f, err := NewEventFrame("task.saved", "task-42", map[string]string{"session_id": "sess_1"})
	if err != nil {
		t.Fatalf("NewEventFrame: %v", err)
	}
	if f.Type != FrameTypeEvent {
		t.Fatalf("expected type %q, got %q", FrameTypeEvent, f.Type)
	}
	if f.Event != "task.saved" {
		t.Fatalf("expected event %q, got %q", "task.saved", f.Event)
	}
	if f.TaskID != "task-42" {
		t.Fatalf("expected task_id %q, got %q", "task-42", f.TaskID)
	}

	data, err := MarshalFrame(f)
	if err != nil {
		t.Fatalf("MarshalFrame: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	if raw["task_id"] != "task-42" {
		t.Fatalf("task_id not on the wire: %s", data)
	}
}

func TestNewResponseFrame_OK(t *testing.T) {
	f, err := NewResponseFrame("req-5", true, map[string]int{"removed": 2}, "")
	if err != nil {
		t.Fatalf("NewResponseFrame: %v", err)
	}
	if f.Type != FrameTypeResponse || f.ID != "req-5" {
		t.Fatalf("unexpected frame %+v", f)
	}
	if f.OK == nil || !*f.OK {
		t.Fatal("expected ok=true")
	}
	if f.Error != "" {
		t.Fatalf("expected no error, got %q", f.Error)
	}

	var p map[string]int
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if p["removed"] != 2 {
		t.Fatalf("expected payload.removed 2, got %d", p["removed"])
	}
}

func TestNewResponseFrame_Error(t *testing.T) {
	f, err := NewResponseFrame("req-6", false, nil, "cleanup failed")
	if err != nil {
		t.Fatalf("NewResponseFrame: %v", err)
	}
	if f.OK == nil || *f.OK {
		t.Fatal("expected ok=false")
	}
	if f.Error != "cleanup failed" {
		t.Fatalf("expected error %q, got %q", "cleanup failed", f.Error)
	}
	if f.Payload != nil {
		t.Fatalf("expected nil payload, got %s", string(f.Payload))
	}
}
