package engine

import (
	"encoding/json"
	"fmt"
)

// RunStatus represents the overall status of a convergence run.
type RunStatus string

const (
	// RunStatusPending indicates the run has been created but not started.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates the run is currently walking the collection.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every resource converged or was skipped.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates the run aborted on an unhandled failure.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the run was cancelled between resources.
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusCancelled
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSucceeded,
		RunStatusFailed, RunStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunStatus(str)
	return s.Validate()
}

// ResourceState is the per-run convergence state of a single resource.
//
//	unresolved -> current_loaded -> skipped | succeeded | retrying | failed
type ResourceState string

const (
	// ResourceStateUnresolved is the state before the provider probed the system.
	ResourceStateUnresolved ResourceState = "unresolved"

	// ResourceStateCurrentLoaded indicates the current state has been loaded.
	ResourceStateCurrentLoaded ResourceState = "current_loaded"

	// ResourceStateSkipped indicates a guard prevented the action.
	ResourceStateSkipped ResourceState = "skipped"

	// ResourceStateSucceeded indicates the action completed, with or without an update.
	ResourceStateSucceeded ResourceState = "succeeded"

	// ResourceStateRetrying indicates the action failed and will be attempted again.
	ResourceStateRetrying ResourceState = "retrying"

	// ResourceStateFailed indicates the action failed after exhausting retries.
	ResourceStateFailed ResourceState = "failed"
)

// IsTerminal returns true if no further transitions happen in this run.
func (s ResourceState) IsTerminal() bool {
	return s == ResourceStateSkipped || s == ResourceStateSucceeded || s == ResourceStateFailed
}

// Validate checks if the resource state is valid.
func (s ResourceState) Validate() error {
	switch s {
	case ResourceStateUnresolved, ResourceStateCurrentLoaded, ResourceStateSkipped,
		ResourceStateSucceeded, ResourceStateRetrying, ResourceStateFailed:
		return nil
	default:
		return fmt.Errorf("invalid resource state: %s", s)
	}
}

// canTransition reports whether the state machine allows moving from s to next.
func (s ResourceState) canTransition(next ResourceState) bool {
	switch s {
	case ResourceStateUnresolved:
		return next == ResourceStateCurrentLoaded || next == ResourceStateSkipped ||
			next == ResourceStateSucceeded || next == ResourceStateFailed
	case ResourceStateCurrentLoaded:
		return next == ResourceStateSkipped || next == ResourceStateSucceeded ||
			next == ResourceStateRetrying || next == ResourceStateFailed
	case ResourceStateRetrying:
		return next == ResourceStateCurrentLoaded || next == ResourceStateSucceeded ||
			next == ResourceStateRetrying || next == ResourceStateFailed
	default:
		// Terminal states may be re-entered when a notification runs
		// another action on the same resource.
		return next == ResourceStateCurrentLoaded || next == ResourceStateFailed
	}
}

// Action is a tag naming a provider action (install, start, ...).
type Action string

// Common actions shared by the built-in resource types.
const (
	ActionNothing Action = "nothing"

	ActionInstall Action = "install"
	ActionUpgrade Action = "upgrade"
	ActionRemove  Action = "remove"

	ActionStart   Action = "start"
	ActionStop    Action = "stop"
	ActionRestart Action = "restart"
	ActionReload  Action = "reload"
	ActionEnable  Action = "enable"
	ActionDisable Action = "disable"
)

// ResourceType is a tag naming a kind of resource.
type ResourceType string

// Built-in resource types.
const (
	ResourceTypePackage ResourceType = "package"
	ResourceTypeService ResourceType = "service"
)

// Timing controls when a notification fires.
type Timing string

const (
	// TimingDelayed queues the notification until the end of the pass.
	TimingDelayed Timing = "delayed"

	// TimingImmediate fires the notification right after the notifying resource updates.
	TimingImmediate Timing = "immediate"
)

// ParseTiming accepts the timing keywords used in declarations.
// delay/delayed and immediate/immediately are accepted; anything else is an
// argument error.
func ParseTiming(s string) (Timing, error) {
	switch s {
	case "", "delay", "delayed":
		return TimingDelayed, nil
	case "immediate", "immediately":
		return TimingImmediate, nil
	default:
		return "", NewArgumentError(
			fmt.Sprintf("invalid notification timing %q, must be delay, delayed, immediate or immediately", s), nil)
	}
}

// Positivity is the polarity of a guard.
type Positivity string

const (
	// OnlyIf guards must all be truthy for the action to run.
	OnlyIf Positivity = "only_if"

	// NotIf guards skip the action if any is truthy.
	NotIf Positivity = "not_if"
)

// EventType represents the type of event in the run timeline.
type EventType string

const (
	EventTypeRunStarted         EventType = "run_started"
	EventTypeRunCompleted       EventType = "run_completed"
	EventTypeRunFailed          EventType = "run_failed"
	EventTypeResourceStarted    EventType = "resource_started"
	EventTypeResourceSkipped    EventType = "resource_skipped"
	EventTypeResourceUpdated    EventType = "resource_updated"
	EventTypeResourceUpToDate   EventType = "resource_up_to_date"
	EventTypeResourceFailed     EventType = "resource_failed"
	EventTypeResourceRetrying   EventType = "resource_retrying"
	EventTypeNotificationQueued EventType = "notification_queued"
	EventTypeNotificationFired  EventType = "notification_fired"
	EventTypeWarning            EventType = "warning"
)

// Severity returns the severity level of the event type.
func (e EventType) Severity() string {
	switch e {
	case EventTypeRunFailed, EventTypeResourceFailed:
		return "error"
	case EventTypeWarning, EventTypeResourceRetrying:
		return "warning"
	default:
		return "info"
	}
}
