package engine

import (
	"context"
	"fmt"
	"strings"
)

// Skip reasons reported when a guard prevents an action.
const (
	SkipReasonOnlyIf = "only_if not satisfied"
	SkipReasonNotIf  = "not_if satisfied"
)

// Conditional is an only_if or not_if guard. It wraps either a command,
// truthy when it exits 0, or a predicate block.
type Conditional struct {
	// Positivity is only_if or not_if.
	Positivity Positivity

	// Command is the guard command line. Empty for block guards.
	Command string

	// Options are passed to the command runner.
	Options CommandOptions

	// Block is the predicate for block guards.
	Block Predicate

	// Description names a block guard in logs and reports.
	Description string
}

// NewCommandGuard creates a command guard.
func NewCommandGuard(p Positivity, command string, opts CommandOptions) (*Conditional, error) {
	if strings.TrimSpace(command) == "" {
		return nil, NewArgumentError(fmt.Sprintf("%s guard requires a command", p), nil)
	}
	if err := validatePositivity(p); err != nil {
		return nil, err
	}
	return &Conditional{Positivity: p, Command: command, Options: opts}, nil
}

// NewBlockGuard creates a predicate guard.
func NewBlockGuard(p Positivity, description string, block Predicate) (*Conditional, error) {
	if block == nil {
		return nil, NewArgumentError(fmt.Sprintf("%s guard requires a command or a block", p), nil)
	}
	if err := validatePositivity(p); err != nil {
		return nil, err
	}
	return &Conditional{Positivity: p, Block: block, Description: description}, nil
}

func validatePositivity(p Positivity) error {
	if p != OnlyIf && p != NotIf {
		return NewArgumentError(fmt.Sprintf("invalid guard positivity %q", p), nil)
	}
	return nil
}

// Evaluate returns the guard's truth value. A command is truthy when it
// exits 0; a missing command exits 127 and is falsy.
func (c *Conditional) Evaluate(ctx context.Context, runner CommandRunner, node *Node) (bool, error) {
	if c.Block != nil {
		ok, err := c.Block(ctx, node)
		if err != nil {
			return false, NewArgumentError(fmt.Sprintf("guard %s failed", c.String()), err).
				WithCode(ErrCodeGuardFailed)
		}
		return ok, nil
	}

	if runner == nil {
		return false, NewConfigurationError("no command runner available for guard", nil).WithCode(ErrCodeGuardFailed)
	}
	result, err := runner.Run(ctx, c.Command, c.Options)
	if err != nil {
		if e, ok := AsEngineError(err); ok {
			return false, e.WithOperation(string(c.Positivity))
		}
		return false, NewExecutionError(c.Command, -1, err).
			WithOperation(string(c.Positivity)).
			WithCode(ErrCodeGuardFailed)
	}
	return result.Success(), nil
}

// Continue reports whether the action may proceed: only_if must be truthy,
// not_if must be falsy.
func (c *Conditional) Continue(ctx context.Context, runner CommandRunner, node *Node) (bool, error) {
	ok, err := c.Evaluate(ctx, runner, node)
	if err != nil {
		return false, err
	}
	if c.Positivity == NotIf {
		return !ok, nil
	}
	return ok, nil
}

// SkipReason returns the message reported when this guard skips an action.
func (c *Conditional) SkipReason() string {
	if c.Positivity == NotIf {
		return SkipReasonNotIf
	}
	return SkipReasonOnlyIf
}

// String describes the guard.
func (c *Conditional) String() string {
	if c.Command != "" {
		return fmt.Sprintf("%s %q", c.Positivity, c.Command)
	}
	if c.Description != "" {
		return fmt.Sprintf("%s { %s }", c.Positivity, c.Description)
	}
	return fmt.Sprintf("%s { block }", c.Positivity)
}
