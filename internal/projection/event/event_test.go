package event

import (
	"encoding/json"
	"testing"
	"time"
)

func TestTypeIsValid(t *testing.T) {
	cases := []struct {
		name string
		typ  Type
		want bool
	}{
		{"simple", Type("order.created"), true},
		{"no prefix", Type("heartbeat"), true},
		{"empty", Type(""), false},
		{"whitespace", Type("   "), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.typ.IsValid(); got != tc.want {
				t.Fatalf("IsValid(%q) = %v, want %v", tc.typ, got, tc.want)
			}
		})
	}
}

func TestTypeDomain(t *testing.T) {
	cases := []struct {
		typ  Type
		want string
	}{
		{Type("order.created"), "order"},
		{Type("order.line.added"), "order"},
		{Type("heartbeat"), "heartbeat"},
		{Type(""), ""},
	}
	for _, tc := range cases {
		if got := tc.typ.Domain(); got != tc.want {
			t.Fatalf("Domain(%q) = %q, want %q", tc.typ, got, tc.want)
		}
	}
}

func TestMatchesTypes(t *testing.T) {
	evt := Event{Type: "order.created"}

	if !evt.MatchesTypes(nil) {
		t.Fatal("empty requirement must match every event")
	}
	if !evt.MatchesTypes([]string{"payment.settled", "order.created"}) {
		t.Fatal("expected membership match")
	}
	if evt.MatchesTypes([]string{"payment.settled"}) {
		t.Fatal("expected no match for absent type")
	}
}

func TestMatchesTagsIsSuperset(t *testing.T) {
	evt := Event{Tags: []string{"region:eu", "tier:gold", "beta"}}

	if !evt.MatchesTags(nil) {
		t.Fatal("empty requirement must match every event")
	}
	if !evt.MatchesTags([]string{"beta", "region:eu"}) {
		t.Fatal("event carrying all required tags must match")
	}
	if evt.MatchesTags([]string{"region:eu", "tier:silver"}) {
		t.Fatal("event missing one required tag must not match")
	}
	if (Event{}).MatchesTags([]string{"beta"}) {
		t.Fatal("untagged event must not match a tag requirement")
	}
}

func TestRef(t *testing.T) {
	withID := Event{ID: "evt-42", Position: 42}
	if got := withID.Ref(); got != "evt-42" {
		t.Fatalf("Ref = %q, want id", got)
	}
	withoutID := Event{ID: "  ", Position: 42}
	if got := withoutID.Ref(); got != "position 42" {
		t.Fatalf("Ref = %q, want position fallback", got)
	}
}

func TestEventJSONShape(t *testing.T) {
	evt := Event{
		ID:        "evt-1",
		Type:      "order.created",
		Tags:      []string{"beta"},
		Position:  7,
		Timestamp: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Payload:   json.RawMessage(`{"total":99}`),
	}

	raw, err := json.Marshal(evt)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"id", "type", "tags", "position", "timestamp", "payload"} {
		if _, ok := decoded[key]; !ok {
			t.Fatalf("expected key %q in %s", key, raw)
		}
	}
	if decoded["position"] != float64(7) {
		t.Fatalf("position = %v, want 7", decoded["position"])
	}

	// Optional fields stay off the wire when empty so user code sees a
	// minimal event.
	minimal, err := json.Marshal(Event{Type: "heartbeat", Position: 1, Timestamp: evt.Timestamp})
	if err != nil {
		t.Fatalf("marshal minimal: %v", err)
	}
	var slim map[string]any
	if err := json.Unmarshal(minimal, &slim); err != nil {
		t.Fatalf("unmarshal minimal: %v", err)
	}
	for _, key := range []string{"id", "tags", "payload"} {
		if _, ok := slim[key]; ok {
			t.Fatalf("unexpected key %q in %s", key, minimal)
		}
	}
}
