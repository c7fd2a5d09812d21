package proto

import (
	"encoding/json"
	"testing"
)

func TestHighlight(t *testing.T) {
	tests := []struct {
		name   string
		update EntityUpdate
		want   HighlightState
	}{
		{"absent", NewEntityUpdate("e1", 1, Metadata{Index: 1, Type: MetadataFloat, Value: 2.5}), HighlightAbsent},
		{"off", NewEntityUpdate("e1", 1, FlagsEntry(FlagNone)), HighlightOff},
		{"on", NewEntityUpdate("e1", 1, FlagsEntry(FlagGlowing)), HighlightOn},
		{"burning", NewEntityUpdate("e1", 1, FlagsEntry(0x01)), HighlightForeign},
		{"burning and glowing", NewEntityUpdate("e1", 1, FlagsEntry(0x41)), HighlightForeign},
		{"wrong type", NewEntityUpdate("e1", 1, Metadata{Index: FlagsIndex, Type: MetadataString, Value: "on"}), HighlightForeign},
		{"int value", NewEntityUpdate("e1", 1, Metadata{Index: FlagsIndex, Type: MetadataByte, Value: 64}), HighlightOn},
		{"out of range", NewEntityUpdate("e1", 1, Metadata{Index: FlagsIndex, Type: MetadataByte, Value: 300}), HighlightForeign},
		{"fractional", NewEntityUpdate("e1", 1, Metadata{Index: FlagsIndex, Type: MetadataByte, Value: 64.5}), HighlightForeign},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Highlight(tc.update); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestHighlightSurvivesJSON(t *testing.T) {
	data, err := EncodeEntityUpdate(NewEntityUpdate("e1", 3, FlagsEntry(FlagGlowing)))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeEntityUpdate(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got := Highlight(decoded); got != HighlightOn {
		t.Fatalf("expected on after JSON, got %s", got)
	}
}

func TestWithHighlight(t *testing.T) {
	t.Run("replaces in place", func(t *testing.T) {
		original := NewEntityUpdate("e1", 2,
			Metadata{Index: 1, Type: MetadataFloat, Value: 1.0},
			FlagsEntry(FlagNone),
		)
		patched := WithHighlight(original, true)
		if len(patched.Metadata) != 2 {
			t.Fatalf("expected two entries, got %v", patched.Metadata)
		}
		if patched.Metadata[1].Index != FlagsIndex || Highlight(patched) != HighlightOn {
			t.Fatalf("expected flags replaced at its position, got %v", patched.Metadata)
		}
		if Highlight(original) != HighlightOff {
			t.Fatalf("expected original untouched")
		}
	})

	t.Run("appends when absent", func(t *testing.T) {
		original := NewEntityUpdate("e1", 2, Metadata{Index: 1, Type: MetadataFloat, Value: 1.0})
		patched := WithHighlight(original, true)
		if len(patched.Metadata) != 2 || Highlight(patched) != HighlightOn {
			t.Fatalf("expected flags appended, got %v", patched.Metadata)
		}
		if len(original.Metadata) != 1 {
			t.Fatalf("expected original untouched, got %v", original.Metadata)
		}
	})
}

func TestNewHighlightUpdate(t *testing.T) {
	update := NewHighlightUpdate("e7", false)
	if update.Type != TypeEntityUpdate || update.Ver != Version {
		t.Fatalf("unexpected envelope %+v", update)
	}
	if len(update.Metadata) != 1 || Highlight(update) != HighlightOff {
		t.Fatalf("expected a single off flag, got %v", update.Metadata)
	}
}

func TestDecodeEntityUpdateRejectsOtherTypes(t *testing.T) {
	payload, err := json.Marshal(HeartbeatMessage{Ver: Version, Type: TypeHeartbeat})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := DecodeEntityUpdate(payload); err == nil {
		t.Fatalf("expected heartbeat payload to be rejected")
	}
}

func TestDecodeClientMessage(t *testing.T) {
	msg, err := DecodeClientMessage([]byte(`{"type":"heartbeat","sentAt":42}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Type != TypeClientHeartbeat || msg.SentAt != 42 {
		t.Fatalf("unexpected message %+v", msg)
	}
	if _, err := DecodeClientMessage([]byte("{")); err == nil {
		t.Fatalf("expected malformed payload to fail")
	}
}
