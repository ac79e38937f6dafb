package stores

import (
	"context"
	"time"

	"github.com/openfroyo/converge/pkg/engine"
)

// EventLevel represents the severity level of an event
type EventLevel string

const (
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// Run is a recorded convergence run
type Run struct {
	ID              string            `json:"id"`
	Node            string            `json:"node"`
	Platform        string            `json:"platform"`
	PlatformVersion string            `json:"platform_version,omitempty"`
	Status          engine.RunStatus  `json:"status"`
	Noop            bool              `json:"noop,omitempty"`
	StartedAt       time.Time         `json:"started_at"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	Duration        time.Duration     `json:"duration"`
	Summary         engine.RunSummary `json:"summary"`
	Failure         *string           `json:"failure,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

// ResourceResult is one recorded action dispatch of a run
type ResourceResult struct {
	ID         int64                `json:"id"`
	RunID      string               `json:"run_id"`
	Position   int                  `json:"position"`
	Resource   string               `json:"resource"`
	Action     engine.Action        `json:"action"`
	Provider   string               `json:"provider,omitempty"`
	State      engine.ResourceState `json:"state"`
	Updated    bool                 `json:"updated"`
	Ignored    bool                 `json:"ignored,omitempty"`
	Noop       bool                 `json:"noop,omitempty"`
	Attempts   int                  `json:"attempts"`
	SkipReason string               `json:"skip_reason,omitempty"`
	NotifiedBy string               `json:"notified_by,omitempty"`
	Timing     engine.Timing        `json:"timing,omitempty"`
	StartedAt  time.Time            `json:"started_at"`
	Duration   time.Duration        `json:"duration"`
	ErrorCode  string               `json:"error_code,omitempty"`
	Error      *string              `json:"error,omitempty"`
}

// Event is a stored timeline event
type Event struct {
	ID        string           `json:"id"`
	RunID     string           `json:"run_id"`
	Type      engine.EventType `json:"type"`
	Level     EventLevel       `json:"level"`
	Resource  string           `json:"resource,omitempty"`
	Action    engine.Action    `json:"action,omitempty"`
	Message   string           `json:"message"`
	Details   string           `json:"details,omitempty"` // JSON blob
	Timestamp time.Time        `json:"timestamp"`
}

// EventQuery narrows GetEvents. Zero fields match everything.
type EventQuery struct {
	RunID    string
	Resource string
	Level    EventLevel
	Limit    int
	Offset   int
}

// RunDetail is a run with its results and events
type RunDetail struct {
	Run     *Run              `json:"run"`
	Results []*ResourceResult `json:"results"`
	Events  []*Event          `json:"events,omitempty"`
}

// Store defines the run history persistence interface
type Store interface {
	engine.RunRecorder

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	// Runs
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)
	GetRunDetail(ctx context.Context, id string) (*RunDetail, error)
	PruneRuns(ctx context.Context, retain int) (int64, error)

	// Results
	ListResults(ctx context.Context, runID string) ([]*ResourceResult, error)
	ResourceHistory(ctx context.Context, resource string, limit int) ([]*ResourceResult, error)

	// Events
	AppendEvent(ctx context.Context, event *engine.Event) error
	GetEvents(ctx context.Context, q EventQuery) ([]*Event, error)
}
