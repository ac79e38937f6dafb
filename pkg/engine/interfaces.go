package engine

import (
	"bufio"
	"context"
	"strings"
	"time"
)

// CommandRunner executes command lines on the managed system.
// Providers use it for both state probes and mutating actions.
type CommandRunner interface {
	// Run executes cmdline and waits for it to exit or time out.
	// A non-zero exit status is not an error; it is reported in the result.
	// A missing executable is reported as exit status 127.
	// Timeouts are returned as execution errors with code TIMEOUT.
	Run(ctx context.Context, cmdline string, opts CommandOptions) (*CommandResult, error)
}

// CommandOptions controls a single command invocation.
type CommandOptions struct {
	// Env adds environment variables to the command's environment.
	Env map[string]string `json:"env,omitempty"`

	// Dir is the working directory.
	Dir string `json:"cwd,omitempty"`

	// Timeout bounds the command's run time. Zero means the runner default.
	Timeout time.Duration `json:"timeout,omitempty"`

	// Shell forces execution through /bin/sh -c.
	Shell bool `json:"shell,omitempty"`

	// OnStdoutLine, if set, is called for each stdout line as it is read.
	OnStdoutLine func(line string) `json:"-"`
}

// CommandResult is the outcome of a finished command.
type CommandResult struct {
	// ExitStatus is the process exit status.
	ExitStatus int `json:"exit_status"`

	// Stdout is the full standard output.
	Stdout string `json:"stdout"`

	// Stderr is the full standard error.
	Stderr string `json:"stderr"`

	// Duration is the wall time of the command.
	Duration time.Duration `json:"duration"`
}

// Success reports whether the command exited with status 0.
func (r *CommandResult) Success() bool {
	return r != nil && r.ExitStatus == 0
}

// Lines returns stdout split into lines without trailing newlines.
func (r *CommandResult) Lines() []string {
	if r == nil || r.Stdout == "" {
		return nil
	}
	var lines []string
	scanner := bufio.NewScanner(strings.NewReader(r.Stdout))
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines
}

// StateFiles reads and rewrites line-oriented system state files such as
// /etc/rc.conf.local. Writes always replace the whole file.
type StateFiles interface {
	Exists(ctx context.Context, path string) (bool, error)
	ReadLines(ctx context.Context, path string) ([]string, error)
	WriteLines(ctx context.Context, path string, lines []string) error
}

// Transport gives providers access to a managed system.
type Transport interface {
	CommandRunner
	StateFiles
}

// Predicate is a zero-argument guard block. The node facts of the current
// run are passed so predicates can inspect the platform.
type Predicate func(ctx context.Context, node *Node) (bool, error)

// EventPublisher publishes run timeline events.
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

// RunRecorder persists run history.
type RunRecorder interface {
	// RecordRun stores the final report of a run.
	RecordRun(ctx context.Context, report *RunReport) error
}

// ActionGate is consulted before every action dispatch.
// Returning an error vetoes the action; the error is treated as a
// configuration error for the resource.
type ActionGate interface {
	Allow(ctx context.Context, resource *Resource, action Action) error
}

// Observer receives convergence measurements. Implementations must be
// cheap; they are called inline from the run loop.
type Observer interface {
	ResourceConverged(resource *Resource, action Action, result *ResourceResult)
	NotificationFired(n *Notification, timing Timing)
	RunFinished(report *RunReport)
}
