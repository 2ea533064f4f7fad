package stores

import (
	"context"
	"time"

	"github.com/openfroyo/osdeploy/pkg/engine"
	"github.com/openfroyo/osdeploy/pkg/telemetry"
)

// EventQuery filters stored events. Zero fields match everything.
type EventQuery struct {
	RunID  string
	Type   string
	Level  string
	Since  time.Time
	Limit  int
	Offset int
}

// Store is the persistence layer used by the CLI.
type Store interface {
	engine.SequenceCatalog
	engine.RunJournal

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Runs
	GetRun(ctx context.Context, id string) (*engine.Run, error)
	ListRuns(ctx context.Context, sequenceID string, limit, offset int) ([]*engine.Run, error)
	DeleteRun(ctx context.Context, id string) error
	ListTaskResults(ctx context.Context, runID string) ([]*engine.TaskResult, error)

	// Events
	AppendEvent(ctx context.Context, event *telemetry.Event) error
	GetEvents(ctx context.Context, q EventQuery) ([]*telemetry.Event, error)

	// Utility
	HealthCheck(ctx context.Context) error
}

var _ Store = (*SQLiteStore)(nil)
