// Package runner drives a full projection run: it streams ordered events
// through a sandboxed user transformation and reports progress to a sink.
package runner

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/louisbranch/eventlens/internal/projection/cursor"
	"github.com/louisbranch/eventlens/internal/projection/sandbox"
)

const tracerName = "github.com/louisbranch/eventlens/internal/projection/runner"

// DefaultProgressInterval is the processed-event cadence between running
// progress snapshots.
const DefaultProgressInterval = 100

// Status tags a progress snapshot.
type Status string

const (
	// StatusRunning indicates the run is in flight.
	StatusRunning Status = "running"
	// StatusCompleted indicates the run consumed the whole stream.
	StatusCompleted Status = "completed"
	// StatusError indicates the run stopped on a failure.
	StatusError Status = "error"
)

// Terminal reports whether the status ends a run.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Progress is a point-in-time snapshot of a run. Each emission supersedes
// the previous one for display; the run is not resumable from a snapshot.
type Progress struct {
	EventsProcessed uint64          `json:"events_processed"`
	EstimatedTotal  uint64          `json:"estimated_total,omitempty"`
	State           json.RawMessage `json:"state"`
	Status          Status          `json:"status"`
	Error           string          `json:"error,omitempty"`
}

// Sink receives progress snapshots in emission order. The terminal snapshot
// (completed or error) is always the last one delivered for a run; a
// cancelled run may end without a terminal snapshot.
type Sink func(Progress)

// Options configures one projection run.
type Options struct {
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
	// ProgressInterval is the processed-event cadence between running
	// snapshots (default 100).
	ProgressInterval int
	// Sandbox bounds the script isolate.
	Sandbox sandbox.Options
}

// Run executes a projection to completion and returns the final state.
// Exactly one terminal progress snapshot is emitted unless the context is
// cancelled; the sandbox isolate is released on every exit path.
func Run(ctx context.Context, source cursor.Source, opts Options, sink Sink) (json.RawMessage, error) {
	if sink == nil {
		sink = func(Progress) {}
	}
	interval := opts.ProgressInterval
	if interval <= 0 {
		interval = DefaultProgressInterval
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "eventlens.projection.run")
	defer span.End()

	state := normalizeState(opts.InitialState)

	sb, err := sandbox.Load(opts.Code, opts.Sandbox)
	if err != nil {
		err = fmt.Errorf("load projection: %w", err)
		emitTerminal(span, sink, Progress{State: state, Status: StatusError, Error: err.Error()})
		return nil, err
	}
	defer sb.Close()

	cur, err := cursor.New(source, cursor.Options{
		StartPosition: opts.StartPosition,
		Types:         opts.Types,
		Tags:          opts.Tags,
		Filter:        opts.Filter,
		PageSize:      opts.PageSize,
	})
	if err != nil {
		emitTerminal(span, sink, Progress{State: state, Status: StatusError, Error: err.Error()})
		return nil, err
	}
	// Heartbeat before any source I/O, the head read for the estimate
	// included, so observers see the run exists.
	sink(Progress{State: state, Status: StatusRunning})
	estimated := cur.EstimateTotal(ctx)

	var processed uint64
	for !cur.Done() {
		batch, _, err := cur.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				span.SetAttributes(attribute.Bool("eventlens.cancelled", true))
				return nil, ctx.Err()
			}
			emitTerminal(span, sink, Progress{
				EventsProcessed: processed,
				EstimatedTotal:  estimated,
				State:           state,
				Status:          StatusError,
				Error:           err.Error(),
			})
			return nil, err
		}

		for _, evt := range batch {
			if err := ctx.Err(); err != nil {
				span.SetAttributes(attribute.Bool("eventlens.cancelled", true))
				return nil, err
			}

			eventJSON, err := json.Marshal(evt)
			if err != nil {
				err = fmt.Errorf("encode event %s: %w", evt.Ref(), err)
				emitTerminal(span, sink, Progress{
					EventsProcessed: processed,
					EstimatedTotal:  estimated,
					State:           state,
					Status:          StatusError,
					Error:           err.Error(),
				})
				return nil, err
			}

			next, err := sb.Invoke(ctx, state, eventJSON)
			if err != nil {
				if ctx.Err() != nil {
					span.SetAttributes(attribute.Bool("eventlens.cancelled", true))
					return nil, ctx.Err()
				}
				err = fmt.Errorf("apply event %s: %w", evt.Ref(), err)
				emitTerminal(span, sink, Progress{
					EventsProcessed: processed,
					EstimatedTotal:  estimated,
					State:           state,
					Status:          StatusError,
					Error:           err.Error(),
				})
				return nil, err
			}

			state = next
			processed++
			if processed%uint64(interval) == 0 {
				sink(Progress{
					EventsProcessed: processed,
					EstimatedTotal:  estimated,
					State:           state,
					Status:          StatusRunning,
				})
			}
		}
	}

	span.SetAttributes(attribute.Int64("eventlens.events_processed", int64(processed)))
	emitTerminal(span, sink, Progress{
		EventsProcessed: processed,
		EstimatedTotal:  estimated,
		State:           state,
		Status:          StatusCompleted,
	})
	return state, nil
}

func emitTerminal(span trace.Span, sink Sink, p Progress) {
	span.SetAttributes(attribute.String("eventlens.status", string(p.Status)))
	sink(p)
}

func normalizeState(state json.RawMessage) json.RawMessage {
	if len(state) == 0 {
		return json.RawMessage("null")
	}
	return state
}
