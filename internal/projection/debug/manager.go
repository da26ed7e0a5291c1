// Package debug provides stepwise projection sessions: the same fold the
// batch runner performs, advanced one event at a time under operator control,
// with before/after state and captured console output retained for
// inspection.
package debug

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/louisbranch/eventlens/internal/platform/id"
	"github.com/louisbranch/eventlens/internal/projection/cursor"
	"github.com/louisbranch/eventlens/internal/projection/event"
	"github.com/louisbranch/eventlens/internal/projection/sandbox"
)

const tracerName = "github.com/louisbranch/eventlens/internal/projection/debug"

// DefaultIdleTTL is how long an inactive session survives before Sweep
// reclaims its isolate.
const DefaultIdleTTL = 30 * time.Minute

// Status describes the lifecycle state of a debug session.
type Status string

const (
	// StatusIdle is the conceptual pre-start state; stored sessions never
	// hold it.
	StatusIdle Status = "idle"
	// StatusRunning indicates a step is currently executing.
	StatusRunning Status = "running"
	// StatusPaused indicates the session awaits the next step.
	StatusPaused Status = "paused"
	// StatusCompleted indicates every available event has been processed.
	StatusCompleted Status = "completed"
	// StatusError indicates a step failed; the session accepts no further
	// steps.
	StatusError Status = "error"
)

var (
	// ErrNotFound indicates the session id is unknown or destroyed.
	ErrNotFound = errors.New("debug session not found")
	// ErrSessionBusy indicates an overlapping call against one session.
	ErrSessionBusy = errors.New("debug session is busy")
	// ErrSessionFailed indicates a step was attempted on an errored session.
	ErrSessionFailed = errors.New("debug session is in error state")
	// ErrSessionCompleted indicates a step was attempted past the end.
	ErrSessionCompleted = errors.New("debug session already completed")
	// ErrSessionLimit indicates the configured session cap is reached.
	ErrSessionLimit = errors.New("debug session limit reached")
)

// Snapshot is a read-only view of a session returned to callers. Slices are
// copies; mutating a snapshot never affects the session.
type Snapshot struct {
	ID              string                `json:"id"`
	Status          Status                `json:"status"`
	EventsProcessed uint64                `json:"events_processed"`
	TotalLoaded     int                   `json:"total_loaded"`
	InitialState    json.RawMessage       `json:"initial_state"`
	CurrentState    json.RawMessage       `json:"current_state"`
	PreviousState   json.RawMessage       `json:"previous_state,omitempty"`
	CurrentEvent    *event.Event          `json:"current_event,omitempty"`
	Console         []sandbox.ConsoleLine `json:"console,omitempty"`
	Error           string                `json:"error,omitempty"`
	CreatedAt       time.Time             `json:"created_at"`
	LastActiveAt    time.Time             `json:"last_active_at"`
}

// StepResult reports the outcome of one step call.
type StepResult struct {
	Session Snapshot
	// StateChanged reports whether the step structurally altered the state.
	StateChanged bool
	// Complete reports whether the session has consumed the whole stream.
	Complete bool
}

// StartInput describes a new session.
type StartInput struct {
	// Code is the untrusted user projection source.
	Code string
	// InitialState seeds the fold (nil = JSON null).
	InitialState json.RawMessage
	// StartPosition is the first stream position to read (0 = earliest).
	StartPosition uint64
	// Types, Tags, and Filter narrow the event stream.
	Types  []string
	Tags   []string
	Filter string
	// PageSize bounds each source read.
	PageSize int
}

// Options configures a Manager.
type Options struct {
	// IdleTTL is the inactivity window before Sweep destroys a session
	// (default 30 minutes).
	IdleTTL time.Duration
	// MaxSessions caps live sessions (0 = uncapped).
	MaxSessions int
	// Sandbox bounds every session isolate.
	Sandbox sandbox.Options
}

type session struct {
	id         string
	status     Status
	sb         *sandbox.Sandbox
	cur        *cursor.Cursor
	loaded     []event.Event
	offset     int
	exhausted  bool
	initial    json.RawMessage
	current    json.RawMessage
	previous   json.RawMessage
	currentEvt *event.Event
	processed  uint64
	console    []sandbox.ConsoleLine
	errMsg     string
	createdAt  time.Time
	lastActive time.Time
	busy       bool
}

// Manager owns the in-memory session registry. Sessions are tied to one
// process because each holds a live isolate; callers must serialize calls
// against one session id, and overlap is rejected with ErrSessionBusy.
type Manager struct {
	mu       sync.Mutex
	source   cursor.Source
	opts     Options
	sessions map[string]*session
	now      func() time.Time
	newID    func() (string, error)
}

// NewManager creates a Manager over the given event source.
func NewManager(source cursor.Source, opts Options) *Manager {
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = DefaultIdleTTL
	}
	return &Manager{
		source:   source,
		opts:     opts,
		sessions: make(map[string]*session),
		now:      time.Now,
		newID:    id.NewID,
	}
}

// Start compiles the code, opens a cursor, loads the first batch, and
// returns a paused session with zero events consumed. Structural code errors
// fail the start and allocate nothing.
func (m *Manager) Start(ctx context.Context, input StartInput) (Snapshot, error) {
	if m == nil || m.source == nil {
		return Snapshot{}, fmt.Errorf("event source is not configured")
	}
	if m.opts.MaxSessions > 0 {
		m.mu.Lock()
		full := len(m.sessions) >= m.opts.MaxSessions
		m.mu.Unlock()
		if full {
			return Snapshot{}, ErrSessionLimit
		}
	}

	sb, err := sandbox.Load(input.Code, m.opts.Sandbox)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load projection: %w", err)
	}

	cur, err := cursor.New(m.source, cursor.Options{
		StartPosition: input.StartPosition,
		Types:         input.Types,
		Tags:          input.Tags,
		Filter:        input.Filter,
		PageSize:      input.PageSize,
	})
	if err != nil {
		sb.Close()
		return Snapshot{}, err
	}

	loaded, _, err := cur.Next(ctx)
	if err != nil {
		sb.Close()
		return Snapshot{}, fmt.Errorf("load first batch: %w", err)
	}

	sessionID, err := m.newID()
	if err != nil {
		sb.Close()
		return Snapshot{}, fmt.Errorf("generate session id: %w", err)
	}

	now := m.now().UTC()
	initial := normalizeState(input.InitialState)
	s := &session{
		id:         sessionID,
		status:     StatusPaused,
		sb:         sb,
		cur:        cur,
		loaded:     loaded,
		exhausted:  cur.Done(),
		initial:    initial,
		current:    initial,
		createdAt:  now,
		lastActive: now,
	}

	m.mu.Lock()
	m.sessions[sessionID] = s
	m.mu.Unlock()

	return s.snapshot(), nil
}

// Step advances the session by exactly one event. When the loaded batch is
// exhausted but the cursor has more, the next batch is fetched as part of
// the same call. A failing step moves the session to error and is not
// retried; further steps fail fast.
//
// The step itself runs outside the registry lock against scratch copies of
// the session fields; results are committed under the lock, so a concurrent
// Get always observes the last committed snapshot.
func (m *Manager) Step(ctx context.Context, sessionID string) (StepResult, error) {
	s, err := m.acquire(sessionID)
	if err != nil {
		return StepResult{}, err
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "eventlens.projection.step")
	span.SetAttributes(attribute.String("eventlens.session_id", sessionID))
	result, commit, stepErr := m.step(ctx, s)
	span.SetAttributes(attribute.Bool("eventlens.step_failed", stepErr != nil))
	if stepErr == nil && commit.currentEvt != nil {
		span.SetAttributes(attribute.String("eventlens.event_domain", commit.currentEvt.Type.Domain()))
	}
	span.End()

	m.mu.Lock()
	s.busy = false
	s.lastActive = m.now().UTC()
	s.loaded = commit.loaded
	s.exhausted = commit.exhausted
	if len(commit.console) > 0 {
		s.console = append(s.console, commit.console...)
	}
	if stepErr != nil {
		s.status = StatusError
		s.errMsg = stepErr.Error()
	} else {
		s.offset = commit.offset
		s.previous = commit.previous
		s.current = commit.current
		s.currentEvt = commit.currentEvt
		s.processed = commit.processed
		s.status = commit.status
	}
	result.Session = s.snapshot()
	m.mu.Unlock()

	return result, stepErr
}

// acquire validates the session can accept a step and marks it busy.
func (m *Manager) acquire(sessionID string) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	if s.busy || s.status == StatusRunning {
		return nil, ErrSessionBusy
	}
	switch s.status {
	case StatusError:
		return nil, fmt.Errorf("%w: %s", ErrSessionFailed, s.errMsg)
	case StatusCompleted:
		return nil, ErrSessionCompleted
	}
	s.busy = true
	s.status = StatusRunning
	return s, nil
}

// stepCommit carries the session mutations one step computed; Step applies
// it under the registry lock after the sandbox call returns.
type stepCommit struct {
	loaded     []event.Event
	exhausted  bool
	offset     int
	previous   json.RawMessage
	current    json.RawMessage
	currentEvt *event.Event
	console    []sandbox.ConsoleLine
	processed  uint64
	status     Status
}

// step runs outside the registry lock; the busy flag guarantees no other
// writer, so session fields are only read here and mutated via the commit.
func (m *Manager) step(ctx context.Context, s *session) (StepResult, stepCommit, error) {
	commit := stepCommit{
		loaded:     s.loaded,
		exhausted:  s.exhausted,
		offset:     s.offset,
		previous:   s.previous,
		current:    s.current,
		currentEvt: s.currentEvt,
		processed:  s.processed,
		status:     s.status,
	}

	for commit.offset >= len(commit.loaded) && !commit.exhausted {
		batch, _, err := s.cur.Next(ctx)
		if err != nil {
			return StepResult{}, commit, fmt.Errorf("fetch next batch: %w", err)
		}
		commit.loaded = append(commit.loaded, batch...)
		commit.exhausted = s.cur.Done()
	}

	if commit.offset >= len(commit.loaded) {
		// Nothing left to process; an empty filtered stream completes
		// without touching the state.
		commit.status = StatusCompleted
		return StepResult{Complete: true}, commit, nil
	}

	evt := commit.loaded[commit.offset]
	eventJSON, err := json.Marshal(evt)
	if err != nil {
		return StepResult{}, commit, fmt.Errorf("encode event %s: %w", evt.Ref(), err)
	}

	next, err := s.sb.Invoke(ctx, commit.current, eventJSON)
	commit.console = s.sb.DrainConsole()
	if err != nil {
		return StepResult{}, commit, fmt.Errorf("apply event %s: %w", evt.Ref(), err)
	}

	commit.previous = commit.current
	commit.current = next
	commit.currentEvt = &evt
	commit.offset++
	commit.processed++

	complete := commit.offset >= len(commit.loaded) && commit.exhausted
	if complete {
		commit.status = StatusCompleted
	} else {
		commit.status = StatusPaused
	}

	return StepResult{
		StateChanged: !jsonEqual(commit.previous, commit.current),
		Complete:     complete,
	}, commit, nil
}

// Reset rewinds the session to its state immediately after Start: initial
// state restored, console log and counters cleared, already-fetched batches
// kept so stepping does not refetch them.
func (m *Manager) Reset(sessionID string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	if s.busy || s.status == StatusRunning {
		return Snapshot{}, ErrSessionBusy
	}

	s.current = s.initial
	s.previous = nil
	s.currentEvt = nil
	s.console = nil
	s.processed = 0
	s.offset = 0
	s.errMsg = ""
	s.status = StatusPaused
	s.lastActive = m.now().UTC()
	return s.snapshot(), nil
}

// Get returns the current session snapshot.
func (m *Manager) Get(sessionID string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return s.snapshot(), nil
}

// Destroy releases the sandbox isolate and invalidates the session id.
func (m *Manager) Destroy(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if s.busy || s.status == StatusRunning {
		return ErrSessionBusy
	}
	s.sb.Close()
	delete(m.sessions, sessionID)
	return nil
}

// Sweep destroys sessions idle longer than the configured TTL and returns
// how many were reclaimed. Busy sessions are skipped.
func (m *Manager) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	reclaimed := 0
	for sessionID, s := range m.sessions {
		if s.busy || s.status == StatusRunning {
			continue
		}
		if now.Sub(s.lastActive) >= m.opts.IdleTTL {
			s.sb.Close()
			delete(m.sessions, sessionID)
			reclaimed++
		}
	}
	return reclaimed
}

// StartSweeper runs Sweep at the given interval until ctx is cancelled.
func (m *Manager) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				m.Sweep(now.UTC())
			}
		}
	}()
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (s *session) snapshot() Snapshot {
	snap := Snapshot{
		ID:              s.id,
		Status:          s.status,
		EventsProcessed: s.processed,
		TotalLoaded:     len(s.loaded),
		InitialState:    cloneRaw(s.initial),
		CurrentState:    cloneRaw(s.current),
		PreviousState:   cloneRaw(s.previous),
		Error:           s.errMsg,
		CreatedAt:       s.createdAt,
		LastActiveAt:    s.lastActive,
	}
	if s.currentEvt != nil {
		evt := *s.currentEvt
		snap.CurrentEvent = &evt
	}
	if len(s.console) > 0 {
		snap.Console = append([]sandbox.ConsoleLine(nil), s.console...)
	}
	return snap
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

// jsonEqual compares two JSON documents structurally, ignoring formatting
// and key order.
func jsonEqual(a, b json.RawMessage) bool {
	var left, right any
	if err := json.Unmarshal(normalizeState(a), &left); err != nil {
		return false
	}
	if err := json.Unmarshal(normalizeState(b), &right); err != nil {
		return false
	}
	return reflect.DeepEqual(left, right)
}

func normalizeState(state json.RawMessage) json.RawMessage {
	if len(state) == 0 {
		return json.RawMessage("null")
	}
	return state
}
