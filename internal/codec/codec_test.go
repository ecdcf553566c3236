package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/dohr-michael/taskvault/internal/tasks"
)

func sampleDoc() Document {
	now := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	return Document{
		Session: tasks.SessionMetadata{
			SessionID:  "sess_abc12345",
			TaskID:     "t1",
			CreatedAt:  now,
			UpdatedAt:  now,
			OwnerID:    "worker-1",
			Version:    tasks.FormatVersion,
			Properties: map[string]any{"attempt": float64(2)},
		},
		Payload: json.RawMessage(`{"steps":["plan","build","ship"],"note":"` + string(bytes.Repeat([]byte("x"), 512)) + `"}`),
		Workspace: &WorkspaceRef{
			Digest: "deadbeef",
			Size:   10,
			Files:  1,
		},
	}
}

func TestEncodeDecode(t *testing.T) {
	for _, compress := range []bool{false, true} {
		doc := sampleDoc()

		data, stats, err := Encode(doc, compress)
		if err != nil {
			t.Fatalf("Encode(compress=%v): %v", compress, err)
		}
		if IsCompressed(data) != compress {
			t.Errorf("IsCompressed = %v, want %v", IsCompressed(data), compress)
		}
		if compress && stats.StoredBytes >= stats.RawBytes {
			t.Errorf("compressed body not smaller: %+v", stats)
		}
		if !compress && stats.StoredBytes != stats.RawBytes {
			t.Errorf("uncompressed stats differ: %+v", stats)
		}

		got, err := Decode(data)
		if err != nil {
			t.Fatalf("Decode(compress=%v): %v", compress, err)
		}
		if got.Session.SessionID != doc.Session.SessionID || !got.Session.UpdatedAt.Equal(doc.Session.UpdatedAt) {
			t.Errorf("session mismatch: %+v", got.Session)
		}
		if got.Session.Properties["attempt"] != float64(2) {
			t.Errorf("properties mismatch: %v", got.Session.Properties)
		}
		if !bytes.Equal(got.Payload, doc.Payload) {
			t.Errorf("payload mismatch")
		}
		if got.Workspace == nil || got.Workspace.Digest != "deadbeef" {
			t.Errorf("workspace ref mismatch: %+v", got.Workspace)
		}
	}
}

func TestDecodeCorruption(t *testing.T) {
	data, _, err := Encode(sampleDoc(), true)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	flipped := append([]byte(nil), data...)
	flipped[len(flipped)-3] ^= 0xff

	badMagic := append([]byte(nil), data...)
	badMagic[0] = 'X'

	badVersion := append([]byte(nil), data...)
	badVersion[4] = 9

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short header", data[:8]},
		{"truncated body", data[:len(data)-5]},
		{"flipped byte", flipped},
		{"bad magic", badMagic},
		{"bad version", badVersion},
		{"plain json", []byte(`{"session":{}}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.data); !errors.Is(err, ErrCorrupt) {
				t.Errorf("Decode = %v, want ErrCorrupt", err)
			}
		})
	}
}

func TestEncodeRejectsInvalidPayload(t *testing.T) {
	doc := sampleDoc()
	doc.Payload = json.RawMessage(`{not json`)

	if _, _, err := Encode(doc, false); err == nil {
		t.Fatal("expected error for invalid payload JSON")
	}
}
