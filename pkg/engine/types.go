package engine

import (
	"time"
)

// ResourceResult records a single action dispatch on a resource. A resource
// that is notified after its declared action produces a second result.
type ResourceResult struct {
	// Resource is the resource key (type[name]).
	Resource string `json:"resource"`

	// Action is the action that was dispatched.
	Action Action `json:"action"`

	// Provider is the name of the provider that handled the action.
	Provider string `json:"provider,omitempty"`

	// State is the final convergence state for this dispatch.
	State ResourceState `json:"state"`

	// Updated reports whether the action mutated the system.
	Updated bool `json:"updated"`

	// SkipReason explains why a guard skipped the action.
	SkipReason string `json:"skip_reason,omitempty"`

	// Ignored is set when a failure was swallowed by ignore_failure.
	Ignored bool `json:"ignored,omitempty"`

	// Noop is set when the action was only reported, not run.
	Noop bool `json:"noop,omitempty"`

	// Attempts is the number of times the action was invoked.
	Attempts int `json:"attempts"`

	// NotifiedBy is the notifying resource key when the dispatch came from a notification.
	NotifiedBy string `json:"notified_by,omitempty"`

	// Timing is the notification timing when NotifiedBy is set.
	Timing Timing `json:"timing,omitempty"`

	// StartedAt is when the dispatch started.
	StartedAt time.Time `json:"started_at"`

	// Duration is the wall time of the dispatch including retries.
	Duration time.Duration `json:"duration"`

	// Error is the final error, if any.
	Error *EngineError `json:"error,omitempty"`
}

// RunReport summarizes a convergence run.
type RunReport struct {
	// RunID is the unique identifier of the run.
	RunID string `json:"run_id"`

	// Node is the managed node's name.
	Node string `json:"node"`

	// Platform is the node platform the providers were resolved for.
	Platform string `json:"platform"`

	// PlatformVersion is the node platform version.
	PlatformVersion string `json:"platform_version,omitempty"`

	// Status is the final status of the run.
	Status RunStatus `json:"status"`

	// Noop reports whether the run was a dry run.
	Noop bool `json:"noop,omitempty"`

	// StartedAt is when the run started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the run completed.
	CompletedAt time.Time `json:"completed_at"`

	// Duration is the total run duration.
	Duration time.Duration `json:"duration"`

	// Results lists every action dispatch in execution order.
	Results []*ResourceResult `json:"results"`

	// Failure is the dispatch that aborted the run, if any.
	Failure *ResourceResult `json:"failure,omitempty"`

	// Summary provides statistics about the run.
	Summary RunSummary `json:"summary"`
}

// UpdatedResources returns the keys of resources updated in this run,
// in the order they were first updated.
func (r *RunReport) UpdatedResources() []string {
	seen := make(map[string]bool)
	var keys []string
	for _, res := range r.Results {
		if res.Updated && !seen[res.Resource] {
			seen[res.Resource] = true
			keys = append(keys, res.Resource)
		}
	}
	return keys
}

// RunSummary provides statistics about a run.
type RunSummary struct {
	// Total is the total number of action dispatches.
	Total int `json:"total"`

	// Updated is the number of dispatches that mutated the system.
	Updated int `json:"updated"`

	// UpToDate is the number of dispatches that found nothing to do.
	UpToDate int `json:"up_to_date"`

	// Skipped is the number of dispatches skipped by a guard.
	Skipped int `json:"skipped"`

	// Failed is the number of dispatches that failed.
	Failed int `json:"failed"`

	// Ignored is the number of failures swallowed by ignore_failure.
	Ignored int `json:"ignored"`

	// Notifications is the number of notifications fired.
	Notifications int `json:"notifications"`
}

// Event represents a timeline event during a run.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Type is the type of event.
	Type EventType `json:"type"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// RunID is the ID of the run this event belongs to.
	RunID string `json:"run_id"`

	// Resource is the resource key, if applicable.
	Resource string `json:"resource,omitempty"`

	// Action is the action being dispatched, if applicable.
	Action Action `json:"action,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Details contains additional event-specific data.
	Details map[string]interface{} `json:"details,omitempty"`

	// Level is the log level (info, warning, error).
	Level string `json:"level"`
}
