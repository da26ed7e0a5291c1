// Package cursor provides a paginated, position-ordered iterator over an
// external event source.
package cursor

import (
	"context"
	"errors"
	"fmt"

	"github.com/louisbranch/eventlens/internal/projection/event"
)

// DefaultPageSize is used when the caller leaves the page size zero.
const DefaultPageSize = 100

// ErrPermanent marks a source failure that retrying cannot fix, such as a
// malformed filter expression. The cursor surfaces it without its usual
// single retry.
var ErrPermanent = errors.New("permanent source failure")

// ReadRequest describes one page read against the backing source.
type ReadRequest struct {
	// FromPosition is the inclusive lower bound for event positions.
	FromPosition uint64
	// Types restricts the read to the given event types (empty = all).
	Types []string
	// Tags restricts the read to events carrying every listed tag.
	Tags []string
	// Filter is an optional AIP-160 filter expression understood by the
	// source (empty = no expression filtering).
	Filter string
	// PageSize is the requested page size; sources may return fewer events.
	PageSize int
}

// Page is one ordered batch of events. HasMore is the authoritative terminal
// signal: a batch shorter than the requested page size with HasMore set is
// still non-terminal.
type Page struct {
	Events  []event.Event
	HasMore bool
	// NextPosition optionally tells the cursor where the next read should
	// start. Sources that filter rows after scanning must set it, otherwise
	// a fully filtered-out page would never advance.
	NextPosition uint64
}

// Source is the backing event stream the cursor paginates over.
type Source interface {
	// ReadPage returns events at or after the request position in strictly
	// increasing position order.
	ReadPage(ctx context.Context, req ReadRequest) (Page, error)
	// HeadPosition returns the position of the newest stored event
	// (0 when the stream is empty).
	HeadPosition(ctx context.Context) (uint64, error)
}

// Options configures a cursor.
type Options struct {
	// StartPosition is the first position to read (default 1, the earliest).
	StartPosition uint64
	// Types, Tags, and Filter narrow the stream; see ReadRequest.
	Types  []string
	Tags   []string
	Filter string
	// PageSize bounds each batch request.
	PageSize int
}

// Cursor reads ordered batches strictly forward from a source, retrying a
// failed page read exactly once from the last confirmed position before
// surfacing the error.
type Cursor struct {
	source Source
	opts   Options
	next   uint64
	done   bool
}

// New creates a cursor over the source.
func New(source Source, opts Options) (*Cursor, error) {
	if source == nil {
		return nil, fmt.Errorf("event source is required")
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	start := opts.StartPosition
	if start == 0 {
		start = 1
	}
	return &Cursor{source: source, opts: opts, next: start}, nil
}

// Next returns the next ordered batch. The second result reports whether the
// source may still hold further events; once it is false the cursor is
// exhausted and subsequent calls return empty terminal batches.
func (c *Cursor) Next(ctx context.Context) ([]event.Event, bool, error) {
	if c == nil || c.done {
		return nil, false, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	req := ReadRequest{
		FromPosition: c.next,
		Types:        c.opts.Types,
		Tags:         c.opts.Tags,
		Filter:       c.opts.Filter,
		PageSize:     c.opts.PageSize,
	}

	page, err := c.source.ReadPage(ctx, req)
	if err != nil {
		// One transparent retry from the last confirmed position; a
		// reconnecting source cannot resume mid-page, so the read
		// restarts rather than continuing an opaque server cursor.
		// Failures the source marks permanent are not retried.
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		if errors.Is(err, ErrPermanent) {
			return nil, false, fmt.Errorf("read events from position %d: %w", c.next, err)
		}
		page, err = c.source.ReadPage(ctx, req)
		if err != nil {
			return nil, false, fmt.Errorf("read events from position %d: %w", c.next, err)
		}
	}

	last := c.next
	for i, evt := range page.Events {
		if evt.Position < c.next {
			return nil, false, fmt.Errorf("source returned position %d before requested position %d", evt.Position, c.next)
		}
		if i > 0 && evt.Position <= page.Events[i-1].Position {
			return nil, false, fmt.Errorf("source violated ordering: position %d after %d", evt.Position, page.Events[i-1].Position)
		}
		last = evt.Position
	}
	if len(page.Events) > 0 {
		c.next = last + 1
	}
	if page.NextPosition > c.next {
		c.next = page.NextPosition
	}
	if !page.HasMore {
		c.done = true
	}
	return page.Events, page.HasMore, nil
}

// Done reports whether the cursor has seen the terminal page.
func (c *Cursor) Done() bool {
	return c == nil || c.done
}

// Position returns the next position the cursor will request.
func (c *Cursor) Position() uint64 {
	if c == nil {
		return 0
	}
	return c.next
}

// EstimateTotal returns a best-effort count of events remaining in an
// unfiltered read, derived from the source head position. It returns 0
// (unknown) when filters narrow the stream or the head cannot be read.
func (c *Cursor) EstimateTotal(ctx context.Context) uint64 {
	if c == nil || len(c.opts.Types) > 0 || len(c.opts.Tags) > 0 || c.opts.Filter != "" {
		return 0
	}
	head, err := c.source.HeadPosition(ctx)
	if err != nil || head < c.next {
		return 0
	}
	start := c.opts.StartPosition
	if start == 0 {
		start = 1
	}
	return head - start + 1
}
