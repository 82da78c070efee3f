package models

import (
	"errors"
	"testing"
	"time"
)

func TestEventValidate(t *testing.T) {
	t.Run("accepts a minimal event", func(t *testing.T) {
		ev := &Event{EventType: EventUserInput, Text: "hello world"}
		if err := ev.Validate(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("rejects unknown event type", func(t *testing.T) {
		ev := &Event{EventType: "chit_chat", Text: "hello"}
		if err := ev.Validate(); !errors.Is(err, ErrMalformedEvent) {
			t.Errorf("expected ErrMalformedEvent, got %v", err)
		}
	})

	t.Run("rejects blank text", func(t *testing.T) {
		ev := &Event{EventType: EventUserInput, Text: "   "}
		if err := ev.Validate(); !errors.Is(err, ErrMalformedEvent) {
			t.Errorf("expected ErrMalformedEvent, got %v", err)
		}
	})

	t.Run("rejects nil", func(t *testing.T) {
		var ev *Event
		if err := ev.Validate(); !errors.Is(err, ErrMalformedEvent) {
			t.Errorf("expected ErrMalformedEvent, got %v", err)
		}
	})
}

func TestClassFor(t *testing.T) {
	cases := map[EventType]DocumentClass{
		EventUserInput:     ClassCognitive,
		EventAgentResponse: ClassCognitive,
		EventToolCall:      ClassCognitive,
		EventToolResult:    ClassCognitive,
		EventError:         ClassSystem,
		EventSystemNote:    ClassSystem,
	}
	for typ, want := range cases {
		if got := ClassFor(typ); got != want {
			t.Errorf("ClassFor(%s) = %s, want %s", typ, got, want)
		}
	}
}

func TestIndexable(t *testing.T) {
	ev := Event{DocumentClass: ClassCognitive, Text: "deploy the app", Timestamp: time.Now()}
	if !ev.Indexable(10) {
		t.Error("expected cognitive event of 14 chars to be indexable")
	}
	if ev.Indexable(20) {
		t.Error("expected event shorter than minimum to be rejected")
	}

	ev.IsSynthetic = true
	if ev.Indexable(1) {
		t.Error("synthetic events must never be indexable")
	}

	sys := Event{DocumentClass: ClassSystem, Text: "diagnostic dump"}
	if sys.Indexable(1) {
		t.Error("system events must never be indexable")
	}
}

func TestDecodeEventRejectsUnknownKeys(t *testing.T) {
	_, err := DecodeEvent([]byte(`{"event_type":"user_input","texto_semantico":"hi","colour":"blue"}`))
	if !errors.Is(err, ErrMalformedEvent) {
		t.Fatalf("expected ErrMalformedEvent, got %v", err)
	}

	ev, err := DecodeEvent([]byte(`{"event_type":"user_input","texto_semantico":"hi","metadata":{"k":1}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Metadata["k"] != float64(1) {
		t.Errorf("metadata not preserved: %v", ev.Metadata)
	}
}

func TestReserved(t *testing.T) {
	r := NewReserved(DefaultReservedSessions)

	for _, id := range []string{"", "  ", "universal", "UNKNOWN", "global"} {
		if !r.Is(id) {
			t.Errorf("expected %q to be reserved", id)
		}
	}
	if r.Is("s1") {
		t.Error("s1 must not be reserved")
	}
	if got := r.Scoped("global"); got != "" {
		t.Errorf("Scoped(global) = %q, want empty", got)
	}
	if got := r.Scoped("s1"); got != "s1" {
		t.Errorf("Scoped(s1) = %q", got)
	}
}

func TestTurnReceiptPersisted(t *testing.T) {
	r := TurnReceipt{User: PersistReceipt{T2OK: true}}
	if !r.Persisted() {
		t.Error("user-only turn with T2 ok should be persisted")
	}
	r.Agent = &PersistReceipt{T2OK: false}
	if r.Persisted() {
		t.Error("turn with failed agent write should not be persisted")
	}
}
