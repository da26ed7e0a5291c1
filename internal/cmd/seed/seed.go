// Package seed parses seed command flags and loads events from a JSON-lines
// file into a SQLite event store.
package seed

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	entrypoint "github.com/louisbranch/eventlens/internal/platform/cmd"
	"github.com/louisbranch/eventlens/internal/projection/event"
	"github.com/louisbranch/eventlens/internal/source/sqlite"
)

// Config holds seed command configuration.
type Config struct {
	DBPath string `env:"EVENTLENS_DB" envDefault:"eventlens.db"`
	Input  string `env:"EVENTLENS_SEED_INPUT"`
}

// record is one JSON-lines input row. Position is assigned by the store, so
// the input carries everything but.
type record struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Tags      []string        `json:"tags"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// ParseConfig parses environment and flags into a Config. Flags are bound
// before the env pass runs, so an explicit flag wins over the environment.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	fs.StringVar(&cfg.DBPath, "db", "eventlens.db", "Path to the SQLite event store")
	fs.StringVar(&cfg.Input, "input", "", "Path to the JSON-lines event file")
	if err := entrypoint.ParseConfigFromArgs(&cfg, fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run appends every input event to the store in file order.
func Run(ctx context.Context, cfg Config) error {
	if strings.TrimSpace(cfg.Input) == "" {
		return fmt.Errorf("input path is required (-input)")
	}
	file, err := os.Open(cfg.Input)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	defer file.Close()

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceSeed, func(ctx context.Context) error {
		return appendAll(ctx, store, file, cfg.DBPath)
	})
}

func appendAll(ctx context.Context, store *sqlite.Store, file *os.File, dbPath string) error {
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	appended := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var rec record
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			return fmt.Errorf("parse line %d: %w", line, err)
		}
		if _, err := store.Append(ctx, event.Event{
			ID:        rec.ID,
			Type:      event.Type(rec.Type),
			Tags:      rec.Tags,
			Timestamp: rec.Timestamp,
			Payload:   rec.Payload,
		}); err != nil {
			return fmt.Errorf("append line %d: %w", line, err)
		}
		appended++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	log.Printf("seeded %d events into %s", appended, dbPath)
	return nil
}
