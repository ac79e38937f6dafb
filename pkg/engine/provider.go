package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// ActionFunc performs one action for a resource. It reports an update by
// calling SetUpdatedByLastAction on the desired resource.
type ActionFunc func(ctx context.Context) error

// ActionTable maps action tags to their implementations.
type ActionTable map[Action]ActionFunc

// Provider converges one resource. A provider instance is created per
// dispatch attempt, loads the current state, then runs an action from its
// table.
type Provider interface {
	// Name returns the registered provider name.
	Name() string

	// LoadCurrentResource probes the system and returns the current state
	// as a resource of the same type and name.
	LoadCurrentResource(ctx context.Context) (*Resource, error)

	// Actions returns the provider's action table.
	Actions() ActionTable
}

// ProviderEnv is handed to a provider factory.
type ProviderEnv struct {
	// Resource is the desired resource.
	Resource *Resource

	// Node holds the facts of the managed node.
	Node *Node

	// Transport runs commands and edits state files on the node.
	Transport Transport

	// Logger is scoped to the resource.
	Logger zerolog.Logger

	// Sleep waits between stop and start when emulating restart.
	Sleep func(ctx context.Context, d time.Duration) error
}

// ProviderFactory builds a provider for a single dispatch.
type ProviderFactory func(env ProviderEnv) (Provider, error)

// Execute runs an action command and turns a non-zero exit into an
// execution error carrying the command line and exit status.
func Execute(ctx context.Context, runner CommandRunner, cmdline string, opts CommandOptions) (*CommandResult, error) {
	result, err := runner.Run(ctx, cmdline, opts)
	if err != nil {
		if _, ok := AsEngineError(err); ok {
			return nil, err
		}
		return nil, NewExecutionError(cmdline, -1, err)
	}
	if !result.Success() {
		e := NewExecutionError(cmdline, result.ExitStatus, nil)
		if result.Stderr != "" {
			e = e.WithDetail("stderr", result.Stderr)
		}
		return result, e
	}
	return result, nil
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
