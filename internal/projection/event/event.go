package event

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Type identifies the kind of an event in the stream.
type Type string

// IsValid reports whether the event type is usable.
func (t Type) IsValid() bool {
	return strings.TrimSpace(string(t)) != ""
}

// Domain returns the domain prefix of the event type (e.g., "order" for
// "order.created"). Returns the whole type when it has no prefix.
func (t Type) Domain() string {
	for i, c := range t {
		if c == '.' {
			return string(t[:i])
		}
	}
	return string(t)
}

// Event is an immutable record read from the external event stream.
// Position is the global ordering key; within one run events are always
// presented in strictly increasing position order.
// The JSON shape is part of the engine contract: it is what user projection
// code receives as its event argument.
type Event struct {
	// ID is an optional stream-assigned identifier.
	ID string `json:"id,omitempty"`
	// Type identifies the kind of event.
	Type Type `json:"type"`
	// Tags are arbitrary labels attached by the producer.
	Tags []string `json:"tags,omitempty"`
	// Position is the monotonic position in the global stream (starts at 1).
	// Assigned by storage on append.
	Position uint64 `json:"position"`
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`
	// Payload holds event-specific data, already decoded to JSON text.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MatchesTypes reports whether the event type is one of the required types.
// An empty requirement matches every event.
func (e Event) MatchesTypes(types []string) bool {
	if len(types) == 0 {
		return true
	}
	for _, t := range types {
		if string(e.Type) == t {
			return true
		}
	}
	return false
}

// MatchesTags reports whether the event carries every required tag.
// An empty requirement matches every event.
func (e Event) MatchesTags(tags []string) bool {
	if len(tags) == 0 {
		return true
	}
	for _, required := range tags {
		found := false
		for _, tag := range e.Tags {
			if tag == required {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Ref returns a human-readable reference for error messages, preferring the
// stream identifier and falling back to the position.
func (e Event) Ref() string {
	if strings.TrimSpace(e.ID) != "" {
		return e.ID
	}
	return "position " + strconv.FormatUint(e.Position, 10)
}
