// Package sqlite provides the SQLite-backed event stream used as the
// cursor's concrete source.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/louisbranch/eventlens/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/eventlens/internal/projection/cursor"
	"github.com/louisbranch/eventlens/internal/projection/event"
	"github.com/louisbranch/eventlens/internal/source/filter"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store provides SQLite-backed persistence for the event stream.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

// Open opens a SQLite store at the provided path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	return open(dsn, 0)
}

// OpenInMemory opens an ephemeral in-memory store, used by tests and dry
// runs. The pool is pinned to a single connection: every pooled connection
// to :memory: would otherwise get its own empty database.
func OpenInMemory() (*Store, error) {
	return open(":memory:", 1)
}

func open(dsn string, maxConns int) (*Store, error) {
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if maxConns > 0 {
		sqlDB.SetMaxOpenConns(maxConns)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrationsFS, "migrations"); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB, now: time.Now}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Append stores an event at the next global position and returns it with the
// position assigned. Positions start at 1 and are strictly increasing.
func (s *Store) Append(ctx context.Context, evt event.Event) (event.Event, error) {
	if err := ctx.Err(); err != nil {
		return event.Event{}, err
	}
	if s == nil || s.sqlDB == nil {
		return event.Event{}, fmt.Errorf("storage is not configured")
	}
	if !evt.Type.IsValid() {
		return event.Event{}, fmt.Errorf("event type is required")
	}

	if evt.Timestamp.IsZero() {
		evt.Timestamp = s.now().UTC()
	}
	evt.Timestamp = evt.Timestamp.UTC().Truncate(time.Millisecond)

	tagsJSON, err := encodeTags(evt.Tags)
	if err != nil {
		return event.Event{}, err
	}
	payload := string(evt.Payload)
	if strings.TrimSpace(payload) == "" {
		payload = "null"
	}

	result, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO events (event_id, event_type, tags_json, timestamp, payload_json)
VALUES (?, ?, ?, ?, ?)`,
		evt.ID, string(evt.Type), tagsJSON, toMillis(evt.Timestamp), payload,
	)
	if err != nil {
		return event.Event{}, fmt.Errorf("append event: %w", err)
	}

	position, err := result.LastInsertId()
	if err != nil {
		return event.Event{}, fmt.Errorf("read assigned position: %w", err)
	}
	evt.Position = uint64(position)
	return evt, nil
}

// ReadPage implements cursor.Source. The position bound, type restriction,
// and filter expression are pushed into SQL; the tag superset check runs on
// the scanned rows, so a page can come back short of the requested size with
// HasMore still set. The cursor treats HasMore as authoritative.
func (s *Store) ReadPage(ctx context.Context, req cursor.ReadRequest) (cursor.Page, error) {
	if s == nil || s.sqlDB == nil {
		return cursor.Page{}, fmt.Errorf("storage is not configured")
	}
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = cursor.DefaultPageSize
	}

	clauses := []string{"position >= ?"}
	params := []any{int64(req.FromPosition)}

	if len(req.Types) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(req.Types)), ",")
		clauses = append(clauses, "event_type IN ("+placeholders+")")
		for _, t := range req.Types {
			params = append(params, t)
		}
	}

	if strings.TrimSpace(req.Filter) != "" {
		condition, err := filter.ParseEventFilter(req.Filter)
		if err != nil {
			// A bad filter expression fails on every read; the cursor must
			// not spend its retry on it.
			return cursor.Page{}, fmt.Errorf("%w: event filter: %v", cursor.ErrPermanent, err)
		}
		if condition.Clause != "" {
			clauses = append(clauses, condition.Clause)
			params = append(params, condition.Params...)
		}
	}

	query := `
SELECT position, event_id, event_type, tags_json, timestamp, payload_json
FROM events
WHERE ` + strings.Join(clauses, " AND ") + `
ORDER BY position ASC
LIMIT ?`
	params = append(params, pageSize+1)

	rows, err := s.sqlDB.QueryContext(ctx, query, params...)
	if err != nil {
		return cursor.Page{}, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var scanned []event.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return cursor.Page{}, err
		}
		scanned = append(scanned, evt)
	}
	if err := rows.Err(); err != nil {
		return cursor.Page{}, fmt.Errorf("iterate events: %w", err)
	}

	hasMore := len(scanned) > pageSize
	if hasMore {
		scanned = scanned[:pageSize]
	}

	page := cursor.Page{HasMore: hasMore}
	if len(scanned) > 0 {
		// Resume hint past the scanned rows, so a page whose events are all
		// rejected by the tag check below still advances the cursor.
		page.NextPosition = scanned[len(scanned)-1].Position + 1
	}
	for _, evt := range scanned {
		if evt.MatchesTags(req.Tags) {
			page.Events = append(page.Events, evt)
		}
	}
	return page, nil
}

// HeadPosition implements cursor.Source.
func (s *Store) HeadPosition(ctx context.Context) (uint64, error) {
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	var head int64
	row := s.sqlDB.QueryRowContext(ctx, "SELECT COALESCE(MAX(position), 0) FROM events")
	if err := row.Scan(&head); err != nil {
		return 0, fmt.Errorf("read head position: %w", err)
	}
	return uint64(head), nil
}

func scanEvent(rows *sql.Rows) (event.Event, error) {
	var (
		position  int64
		eventID   string
		eventType string
		tagsJSON  string
		timestamp int64
		payload   string
	)
	if err := rows.Scan(&position, &eventID, &eventType, &tagsJSON, &timestamp, &payload); err != nil {
		return event.Event{}, fmt.Errorf("scan event: %w", err)
	}

	tags, err := decodeTags(tagsJSON)
	if err != nil {
		return event.Event{}, err
	}

	return event.Event{
		ID:        eventID,
		Type:      event.Type(eventType),
		Tags:      tags,
		Position:  uint64(position),
		Timestamp: fromMillis(timestamp),
		Payload:   json.RawMessage(payload),
	}, nil
}

func encodeTags(tags []string) (string, error) {
	if len(tags) == 0 {
		return "[]", nil
	}
	encoded, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("marshal tags: %w", err)
	}
	return string(encoded), nil
}

func decodeTags(value string) ([]string, error) {
	value = strings.TrimSpace(value)
	if value == "" || value == "[]" {
		return nil, nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(value), &tags); err != nil {
		return nil, fmt.Errorf("unmarshal tags: %w", err)
	}
	return tags, nil
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}
