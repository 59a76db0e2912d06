package events

import (
	"encoding/json"
	"testing"
)

func TestEventMarshalFrame(t *testing.T) {
	event := Event{
		Type: TypeProgress,
		Progress: &ProgressData{
			Agent:   "left_research",
			Status:  "searching",
			Message: "m",
		},
	}

	encoded, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var frame struct {
		Type Type           `json:"type"`
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal(encoded, &frame); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if frame.Type != TypeProgress {
		t.Errorf("type = %s", frame.Type)
	}
	if frame.Data["agent"] != "left_research" {
		t.Errorf("payload not under data: %+v", frame.Data)
	}
	if _, present := frame.Data["tool_calls"]; present {
		t.Error("empty optional fields must be omitted")
	}
}

func TestEventMarshalErrorPayload(t *testing.T) {
	event := Event{
		Type: TypeError,
		Error: &ErrorData{
			Code:        CodeRateLimited,
			Message:     "quota exhausted",
			Recoverable: false,
		},
	}

	encoded, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var frame struct {
		Type Type      `json:"type"`
		Data ErrorData `json:"data"`
	}
	if err := json.Unmarshal(encoded, &frame); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if frame.Data.Code != CodeRateLimited || frame.Data.Recoverable {
		t.Errorf("error payload mismatch: %+v", frame.Data)
	}
}
