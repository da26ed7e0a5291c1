// Package eventlens parses projection command flags and runs a projection
// over a SQLite event store, printing progress snapshots as JSON lines.
package eventlens

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	entrypoint "github.com/louisbranch/eventlens/internal/platform/cmd"
	"github.com/louisbranch/eventlens/internal/projection/runner"
	"github.com/louisbranch/eventlens/internal/source/sqlite"
)

// Config holds projection command configuration.
type Config struct {
	DBPath       string `env:"EVENTLENS_DB" envDefault:"eventlens.db"`
	CodePath     string `env:"EVENTLENS_CODE"`
	InitialState string `env:"EVENTLENS_INITIAL_STATE"`
	Types        string `env:"EVENTLENS_TYPES"`
	Tags         string `env:"EVENTLENS_TAGS"`
	Filter       string `env:"EVENTLENS_FILTER"`
	From         uint64 `env:"EVENTLENS_FROM"`
	PageSize     int    `env:"EVENTLENS_PAGE_SIZE" envDefault:"100"`
	Interval     int    `env:"EVENTLENS_PROGRESS_INTERVAL" envDefault:"100"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "Path to the SQLite event store")
	fs.StringVar(&cfg.CodePath, "code", cfg.CodePath, "Path to the Lua projection file")
	fs.StringVar(&cfg.InitialState, "state", cfg.InitialState, "Initial projection state as JSON (default null)")
	fs.StringVar(&cfg.Types, "types", cfg.Types, "Comma-separated event types to include")
	fs.StringVar(&cfg.Tags, "tags", cfg.Tags, "Comma-separated tags every event must carry")
	fs.StringVar(&cfg.Filter, "filter", cfg.Filter, "AIP-160 filter expression")
	fs.Uint64Var(&cfg.From, "from", cfg.From, "Start position (0 = earliest)")
	fs.IntVar(&cfg.PageSize, "page-size", cfg.PageSize, "Events per source read")
	fs.IntVar(&cfg.Interval, "progress-interval", cfg.Interval, "Events between progress snapshots")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run executes the projection and writes progress snapshots to stdout.
func Run(ctx context.Context, cfg Config) error {
	if strings.TrimSpace(cfg.CodePath) == "" {
		return fmt.Errorf("projection code path is required (-code)")
	}
	code, err := os.ReadFile(cfg.CodePath)
	if err != nil {
		return fmt.Errorf("read projection code: %w", err)
	}

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceProject, func(ctx context.Context) error {
		encoder := json.NewEncoder(os.Stdout)
		_, err := runner.Run(ctx, store, runner.Options{
			Code:             string(code),
			InitialState:     initialState(cfg.InitialState),
			StartPosition:    cfg.From,
			Types:            splitList(cfg.Types),
			Tags:             splitList(cfg.Tags),
			Filter:           cfg.Filter,
			PageSize:         cfg.PageSize,
			ProgressInterval: cfg.Interval,
		}, func(p runner.Progress) {
			_ = encoder.Encode(p)
		})
		return err
	})
}

func initialState(value string) json.RawMessage {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return json.RawMessage(value)
}

func splitList(value string) []string {
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
