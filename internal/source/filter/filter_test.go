package filter

import (
	"reflect"
	"testing"
	"time"
)

func TestParseEventFilterEmpty(t *testing.T) {
	cond, err := ParseEventFilter("")
	if err != nil {
		t.Fatalf("parse empty filter: %v", err)
	}
	if cond.Clause != "" || len(cond.Params) != 0 {
		t.Fatalf("expected empty condition, got %+v", cond)
	}

	cond, err = ParseEventFilter("   ")
	if err != nil {
		t.Fatalf("parse blank filter: %v", err)
	}
	if cond.Clause != "" {
		t.Fatalf("expected empty condition for blank filter, got %+v", cond)
	}
}

func TestParseEventFilter(t *testing.T) {
	cases := []struct {
		name       string
		filter     string
		wantClause string
		wantParams []any
	}{
		{
			name:       "type equality",
			filter:     `type = "order.created"`,
			wantClause: "event_type = ?",
			wantParams: []any{"order.created"},
		},
		{
			name:       "id inequality",
			filter:     `id != "evt-1"`,
			wantClause: "event_id != ?",
			wantParams: []any{"evt-1"},
		},
		{
			name:       "position range",
			filter:     `position >= 100`,
			wantClause: "position >= ?",
			wantParams: []any{int64(100)},
		},
		{
			name:       "conjunction",
			filter:     `type = "order.created" AND position < 50`,
			wantClause: "(event_type = ? AND position < ?)",
			wantParams: []any{"order.created", int64(50)},
		},
		{
			name:       "disjunction",
			filter:     `type = "a" OR type = "b"`,
			wantClause: "(event_type = ? OR event_type = ?)",
			wantParams: []any{"a", "b"},
		},
		{
			name:       "negation",
			filter:     `NOT type = "noise"`,
			wantClause: "(NOT event_type = ?)",
			wantParams: []any{"noise"},
		},
		{
			name:       "nested",
			filter:     `(type = "a" OR type = "b") AND position > 10`,
			wantClause: "((event_type = ? OR event_type = ?) AND position > ?)",
			wantParams: []any{"a", "b", int64(10)},
		},
		{
			name:       "timestamp literal",
			filter:     `ts >= timestamp("2024-03-01T00:00:00Z")`,
			wantClause: "timestamp >= ?",
			wantParams: []any{time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).UnixMilli()},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cond, err := ParseEventFilter(tc.filter)
			if err != nil {
				t.Fatalf("parse %q: %v", tc.filter, err)
			}
			if cond.Clause != tc.wantClause {
				t.Errorf("clause = %q, want %q", cond.Clause, tc.wantClause)
			}
			if !reflect.DeepEqual(cond.Params, tc.wantParams) {
				t.Errorf("params = %#v, want %#v", cond.Params, tc.wantParams)
			}
		})
	}
}

func TestParseEventFilterErrors(t *testing.T) {
	cases := []struct {
		name   string
		filter string
	}{
		{"unknown field", `owner = "alice"`},
		{"unbalanced", `type = `},
		{"bare identifier", `type`},
		{"bad timestamp", `ts > timestamp("March 1st")`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseEventFilter(tc.filter); err == nil {
				t.Fatalf("expected error for %q", tc.filter)
			}
		})
	}
}
