package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"
)

const countingCode = `
function project(state, event)
	state = state or {}
	state.count = (state.count or 0) + 1
	state.last_type = event.type
	return state
end
`

func mustLoad(t *testing.T, code string, opts Options) *Sandbox {
	t.Helper()
	sb, err := Load(code, opts)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	t.Cleanup(sb.Close)
	return sb
}

func decode(t *testing.T, raw json.RawMessage) any {
	t.Helper()
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		t.Fatalf("unmarshal %q: %v", raw, err)
	}
	return value
}

func TestLoadMissingEntryPoint(t *testing.T) {
	_, err := Load("x = 1", Options{})
	if !errors.Is(err, ErrNoEntryPoint) {
		t.Fatalf("expected ErrNoEntryPoint, got %v", err)
	}
}

func TestLoadEntryPointNotFunction(t *testing.T) {
	_, err := Load("project = 42", Options{})
	if !errors.Is(err, ErrNoEntryPoint) {
		t.Fatalf("expected ErrNoEntryPoint, got %v", err)
	}
}

func TestLoadCompileError(t *testing.T) {
	_, err := Load("function project(", Options{})
	if err == nil {
		t.Fatal("expected compile error")
	}
	if !strings.Contains(err.Error(), "compile") {
		t.Fatalf("expected compile error, got %v", err)
	}
}

func TestLoadEmptyCode(t *testing.T) {
	if _, err := Load("   ", Options{}); err == nil {
		t.Fatal("expected error for empty code")
	}
}

func TestInvokeAccumulatesState(t *testing.T) {
	sb := mustLoad(t, countingCode, Options{})

	state := json.RawMessage("null")
	for i := 1; i <= 3; i++ {
		next, err := sb.Invoke(context.Background(), state, json.RawMessage(`{"type":"order.created","position":1}`))
		if err != nil {
			t.Fatalf("invoke %d: %v", i, err)
		}
		state = next
	}

	got := decode(t, state)
	want := map[string]any{"count": float64(3), "last_type": "order.created"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestInvokeRuntimeError(t *testing.T) {
	sb := mustLoad(t, `
function project(state, event)
	error("boom")
end
`, Options{})

	_, err := sb.Invoke(context.Background(), json.RawMessage("null"), json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected runtime error")
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected error to carry script message, got %v", err)
	}
}

func TestInvokeTimeout(t *testing.T) {
	sb := mustLoad(t, `
function project(state, event)
	while true do end
end
`, Options{CallTimeout: 50 * time.Millisecond})

	_, err := sb.Invoke(context.Background(), json.RawMessage("null"), json.RawMessage(`{}`))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestInvokeStepBudget(t *testing.T) {
	sb := mustLoad(t, `
function project(state, event)
	while true do end
end
`, Options{CallTimeout: time.Minute, StepBudget: 10000})

	_, err := sb.Invoke(context.Background(), json.RawMessage("null"), json.RawMessage(`{}`))
	if !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("expected ErrLimitExceeded, got %v", err)
	}
}

func TestInvokeCancellation(t *testing.T) {
	sb := mustLoad(t, `
function project(state, event)
	while true do end
end
`, Options{CallTimeout: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := sb.Invoke(ctx, json.RawMessage("null"), json.RawMessage(`{}`))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestInvokeResultExceedsMemoryLimit(t *testing.T) {
	sb := mustLoad(t, `
function project(state, event)
	local s = string.rep("x", 4096)
	return {blob = s}
end
`, Options{MemoryLimit: 1024})

	_, err := sb.Invoke(context.Background(), json.RawMessage("null"), json.RawMessage(`{}`))
	if !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("expected ErrLimitExceeded, got %v", err)
	}
}

func TestInvokeInputExceedsMemoryLimit(t *testing.T) {
	sb := mustLoad(t, countingCode, Options{MemoryLimit: 64})

	big := json.RawMessage(`{"blob":"` + strings.Repeat("x", 256) + `"}`)
	_, err := sb.Invoke(context.Background(), big, json.RawMessage(`{}`))
	if !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("expected ErrLimitExceeded, got %v", err)
	}
}

func TestStateCrossesByValue(t *testing.T) {
	sb := mustLoad(t, countingCode, Options{})

	first, err := sb.Invoke(context.Background(), json.RawMessage("null"), json.RawMessage(`{"type":"a"}`))
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}

	// Mutating the returned JSON must not affect a later call that passes an
	// untouched copy: nothing is shared across the boundary.
	kept := append(json.RawMessage(nil), first...)
	for i := range first {
		first[i] = ' '
	}

	second, err := sb.Invoke(context.Background(), kept, json.RawMessage(`{"type":"b"}`))
	if err != nil {
		t.Fatalf("invoke after mutation: %v", err)
	}
	got := decode(t, second)
	want := map[string]any{"count": float64(2), "last_type": "b"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestArrayRoundTrip(t *testing.T) {
	sb := mustLoad(t, `
function project(state, event)
	return {1, "two", true}
end
`, Options{})

	result, err := sb.Invoke(context.Background(), json.RawMessage("null"), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	got := decode(t, result)
	want := []any{float64(1), "two", true}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestEmptyTableEncodesAsObject(t *testing.T) {
	sb := mustLoad(t, `
function project(state, event)
	return {}
end
`, Options{})

	result, err := sb.Invoke(context.Background(), json.RawMessage("null"), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if string(result) != "{}" {
		t.Fatalf("expected {}, got %s", result)
	}
}

func TestNilResultEncodesAsNull(t *testing.T) {
	sb := mustLoad(t, `
function project(state, event)
	return nil
end
`, Options{})

	result, err := sb.Invoke(context.Background(), json.RawMessage("null"), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if string(result) != "null" {
		t.Fatalf("expected null, got %s", result)
	}
}

func TestNoAmbientHostAccess(t *testing.T) {
	cases := []struct {
		name string
		code string
	}{
		{"io", `function project(state, event) return io.open("/etc/passwd") end`},
		{"os", `function project(state, event) return os.time() end`},
		{"dofile", `function project(state, event) return dofile("x.lua") end`},
		{"load", `function project(state, event) return load("return 1")() end`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sb := mustLoad(t, tc.code, Options{})
			if _, err := sb.Invoke(context.Background(), json.RawMessage("null"), json.RawMessage(`{}`)); err == nil {
				t.Fatalf("expected %s access to fail", tc.name)
			}
		})
	}
}

func TestConsoleCapture(t *testing.T) {
	sb := mustLoad(t, `
function project(state, event)
	console.log("hello", 1, true)
	console.warn("careful")
	print("stray")
	return state
end
`, Options{})

	if _, err := sb.Invoke(context.Background(), json.RawMessage("null"), json.RawMessage(`{}`)); err != nil {
		t.Fatalf("invoke: %v", err)
	}

	lines := sb.DrainConsole()
	if len(lines) != 3 {
		t.Fatalf("expected 3 console lines, got %d", len(lines))
	}
	if lines[0].Level != "log" || lines[0].Message != "hello 1 true" {
		t.Fatalf("unexpected first line: %+v", lines[0])
	}
	if lines[1].Level != "warn" || lines[1].Message != "careful" {
		t.Fatalf("unexpected second line: %+v", lines[1])
	}
	if lines[2].Level != "log" || lines[2].Message != "stray" {
		t.Fatalf("unexpected third line: %+v", lines[2])
	}

	if drained := sb.DrainConsole(); drained != nil {
		t.Fatalf("expected drain to clear buffer, got %v", drained)
	}
}

func TestInvokeAfterClose(t *testing.T) {
	sb := mustLoad(t, countingCode, Options{})
	sb.Close()

	_, err := sb.Invoke(context.Background(), json.RawMessage("null"), json.RawMessage(`{}`))
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
