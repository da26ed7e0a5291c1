// Package sandbox executes untrusted user projection code inside an isolated
// Lua state with wall-clock and boundary-size limits.
//
// The only capability exposed to user code beyond the pure base, table,
// string, and math libraries is a console shim that captures log lines for
// later inspection. State and events cross the trust boundary strictly by
// value as JSON text; no host reference is ever visible to the script.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	lua "github.com/Shopify/go-lua"
)

// EntryPoint is the global function user code must define.
const EntryPoint = "project"

// Default resource limits applied when Options leaves them zero.
const (
	DefaultCallTimeout = 5 * time.Second
	DefaultMemoryLimit = 128 << 20
)

// hookInterval is the Lua instruction count between limit checks.
const hookInterval = 1000

// Sentinel errors classifying sandbox failures.
var (
	// ErrNoEntryPoint indicates the code does not define a project function.
	ErrNoEntryPoint = errors.New("code does not define a " + EntryPoint + "(state, event) function")
	// ErrTimeout indicates a single invocation exceeded the call timeout.
	ErrTimeout = errors.New("call timed out")
	// ErrLimitExceeded indicates a value crossing the boundary exceeded the
	// memory limit or the instruction budget was exhausted.
	ErrLimitExceeded = errors.New("resource limit exceeded")
	// ErrClosed indicates the sandbox has been released.
	ErrClosed = errors.New("sandbox is closed")
)

// internal error markers raised from the debug hook; Lua prefixes raised
// errors with chunk location, so classification matches on substrings.
const (
	timeoutMarker   = "__sandbox_timeout__"
	cancelledMarker = "__sandbox_cancelled__"
	budgetMarker    = "__sandbox_budget__"
)

// Options bounds a sandbox instance.
type Options struct {
	// CallTimeout is the wall-clock limit for one Invoke call.
	CallTimeout time.Duration
	// MemoryLimit caps the byte size of any JSON value crossing the
	// boundary in either direction.
	MemoryLimit int
	// StepBudget caps Lua instructions per Invoke call (0 = unlimited;
	// the wall clock still applies).
	StepBudget int
}

func (o Options) withDefaults() Options {
	if o.CallTimeout <= 0 {
		o.CallTimeout = DefaultCallTimeout
	}
	if o.MemoryLimit <= 0 {
		o.MemoryLimit = DefaultMemoryLimit
	}
	return o
}

// ConsoleLine is one captured console emission from user code.
type ConsoleLine struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// Sandbox owns one isolated Lua state with a compiled user chunk.
// It is exclusively owned by one run or session and is not safe for
// concurrent use.
type Sandbox struct {
	state   *lua.State
	opts    Options
	now     func() time.Time
	console []ConsoleLine
	closed  bool

	// per-invoke limit bookkeeping read by the debug hook
	deadline  time.Time
	steps     int
	invokeCtx context.Context
}

// Load compiles user code in a fresh isolate and verifies it defines the
// projection entry point. A compile error or missing entry point is a
// structural failure surfaced before any event is read.
func Load(code string, opts Options) (*Sandbox, error) {
	if strings.TrimSpace(code) == "" {
		return nil, fmt.Errorf("projection code is required")
	}

	s := &Sandbox{
		state: lua.NewState(),
		opts:  opts.withDefaults(),
		now:   time.Now,
	}
	s.openLibraries()
	s.installHook()
	s.registerConsole()

	if err := lua.LoadString(s.state, code); err != nil {
		return nil, fmt.Errorf("compile projection code: %w", err)
	}
	s.deadline = s.now().Add(s.opts.CallTimeout)
	s.steps = 0
	if err := s.state.ProtectedCall(0, 0, 0); err != nil {
		return nil, fmt.Errorf("run projection code: %w", s.classify(err))
	}

	s.state.Global(EntryPoint)
	defined := s.state.IsFunction(-1)
	s.state.Pop(1)
	if !defined {
		return nil, ErrNoEntryPoint
	}
	return s, nil
}

// openLibraries loads only side-effect-free standard libraries and strips
// the base functions that could reach the host.
func (s *Sandbox) openLibraries() {
	openers := []struct {
		name string
		open lua.Function
	}{
		{"_G", lua.BaseOpen},
		{"table", lua.TableOpen},
		{"string", lua.StringOpen},
		{"math", lua.MathOpen},
	}
	for _, lib := range openers {
		lua.Require(s.state, lib.name, lib.open, true)
		s.state.Pop(1)
	}
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "collectgarbage"} {
		s.state.PushNil()
		s.state.SetGlobal(name)
	}
}

// installHook arms a count hook so runaway scripts hit the wall-clock
// deadline, cancellation, and instruction budget between instructions.
func (s *Sandbox) installHook() {
	lua.SetDebugHook(s.state, func(state *lua.State, _ lua.Debug) {
		if s.invokeCtx != nil && s.invokeCtx.Err() != nil {
			lua.Errorf(state, cancelledMarker)
			return
		}
		if !s.deadline.IsZero() && s.now().After(s.deadline) {
			lua.Errorf(state, timeoutMarker)
			return
		}
		s.steps += hookInterval
		if s.opts.StepBudget > 0 && s.steps > s.opts.StepBudget {
			lua.Errorf(state, budgetMarker)
		}
	}, lua.MaskCount, hookInterval)
}

// registerConsole exposes the log-capturing console shim and aliases print
// to console.log so stray prints stay inside the isolate.
func (s *Sandbox) registerConsole() {
	levels := []string{"log", "info", "warn", "error"}
	s.state.NewTable()
	for _, level := range levels {
		level := level
		s.state.PushGoFunction(func(l *lua.State) int {
			s.capture(level, l)
			return 0
		})
		s.state.SetField(-2, level)
	}
	s.state.SetGlobal("console")

	s.state.PushGoFunction(func(l *lua.State) int {
		s.capture("log", l)
		return 0
	})
	s.state.SetGlobal("print")
}

func (s *Sandbox) capture(level string, l *lua.State) {
	parts := make([]string, 0, l.Top())
	for i := 1; i <= l.Top(); i++ {
		parts = append(parts, displayString(l, i))
	}
	s.console = append(s.console, ConsoleLine{
		Timestamp: s.now().UTC(),
		Level:     level,
		Message:   strings.Join(parts, " "),
	})
}

// Invoke applies the user projection to one event. Both arguments and the
// result cross the boundary as JSON text; the returned value is the JSON
// round-trip of whatever the script returned. Any failure is final for the
// event and must not be retried.
func (s *Sandbox) Invoke(ctx context.Context, stateJSON, eventJSON json.RawMessage) (json.RawMessage, error) {
	if s == nil || s.closed {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(stateJSON)+len(eventJSON) > s.opts.MemoryLimit {
		return nil, fmt.Errorf("%w: input exceeds %d bytes", ErrLimitExceeded, s.opts.MemoryLimit)
	}

	stateValue, err := decodeJSON(stateJSON)
	if err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	eventValue, err := decodeJSON(eventJSON)
	if err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}

	s.invokeCtx = ctx
	s.deadline = s.now().Add(s.opts.CallTimeout)
	s.steps = 0
	defer func() {
		s.invokeCtx = nil
		s.deadline = time.Time{}
	}()

	s.state.Global(EntryPoint)
	if err := pushValue(s.state, stateValue); err != nil {
		s.state.Pop(1)
		return nil, fmt.Errorf("push state: %w", err)
	}
	if err := pushValue(s.state, eventValue); err != nil {
		s.state.Pop(2)
		return nil, fmt.Errorf("push event: %w", err)
	}

	if err := s.state.ProtectedCall(2, 1, 0); err != nil {
		return nil, s.classify(err)
	}

	result, err := toValue(s.state, -1, 0, s.opts.MemoryLimit)
	s.state.Pop(1)
	if err != nil {
		return nil, fmt.Errorf("read result: %w", err)
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	if len(encoded) > s.opts.MemoryLimit {
		return nil, fmt.Errorf("%w: result exceeds %d bytes", ErrLimitExceeded, s.opts.MemoryLimit)
	}
	return encoded, nil
}

// classify maps hook-raised marker errors back to sentinel errors so callers
// can report timeouts and limit violations distinctly.
func (s *Sandbox) classify(err error) error {
	if err == nil {
		return nil
	}
	message := err.Error()
	switch {
	case strings.Contains(message, timeoutMarker):
		return fmt.Errorf("%w after %s", ErrTimeout, s.opts.CallTimeout)
	case strings.Contains(message, cancelledMarker):
		if s.invokeCtx != nil && s.invokeCtx.Err() != nil {
			return s.invokeCtx.Err()
		}
		return context.Canceled
	case strings.Contains(message, budgetMarker):
		return fmt.Errorf("%w: instruction budget exhausted", ErrLimitExceeded)
	default:
		return fmt.Errorf("projection code failed: %s", message)
	}
}

// DrainConsole returns the console lines captured since the previous drain
// and clears the buffer.
func (s *Sandbox) DrainConsole() []ConsoleLine {
	if s == nil || len(s.console) == 0 {
		return nil
	}
	drained := s.console
	s.console = nil
	return drained
}

// Close releases the isolate. Subsequent Invoke calls fail with ErrClosed.
// Close is idempotent.
func (s *Sandbox) Close() {
	if s == nil || s.closed {
		return
	}
	s.closed = true
	s.state = nil
	s.console = nil
}

func decodeJSON(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, err
	}
	return value, nil
}
