package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/converge/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that should block operations.
	SeverityError Severity = "error"

	// SeverityCritical is for critical violations that must be addressed immediately.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation of this severity denies the action.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Mode controls what the gate does with a denial.
type Mode string

const (
	// ModeAdvisory logs denials and lets the action run.
	ModeAdvisory Mode = "advisory"

	// ModeEnforcing vetoes denied actions.
	ModeEnforcing Mode = "enforcing"
)

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. Violations are the members of
	// the package's deny set.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with the agent.
	Builtin bool `json:"builtin,omitempty"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty"`

	// UpdatedAt is when the policy was last loaded.
	UpdatedAt time.Time `json:"updated_at"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Resource is the resource key.
	Resource string `json:"resource,omitempty"`

	// Action is the action that was evaluated.
	Action string `json:"action,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s", v.Policy, v.Message)
}

// Decision is the result of evaluating all policies for one action.
type Decision struct {
	// Allowed is false when any violation blocks.
	Allowed bool `json:"allowed"`

	// Violations lists blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists violations that do not block.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Input is the document policies see as input.
type Input struct {
	// Resource describes the resource being acted on.
	Resource ResourceInput `json:"resource"`

	// Action is the action about to be dispatched.
	Action string `json:"action"`

	// Node holds the facts of the managed node, when known.
	Node *NodeInput `json:"node,omitempty"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`
}

// ResourceInput is the policy view of a resource.
type ResourceInput struct {
	Key            string                 `json:"key"`
	Type           string                 `json:"type"`
	Name           string                 `json:"name"`
	DeclaredAction string                 `json:"declared_action"`
	Provider       string                 `json:"provider,omitempty"`
	Params         map[string]interface{} `json:"params,omitempty"`
	Noop           bool                   `json:"noop"`
	SourceLine     string                 `json:"source_line,omitempty"`
}

// NodeInput is the policy view of node facts.
type NodeInput struct {
	Name            string                 `json:"name"`
	Platform        string                 `json:"platform"`
	PlatformVersion string                 `json:"platform_version,omitempty"`
	Arch            string                 `json:"arch,omitempty"`
	Attributes      map[string]interface{} `json:"attributes,omitempty"`
}

// NewInput builds the policy input for dispatching action on res.
func NewInput(res *engine.Resource, action engine.Action, node *engine.Node) *Input {
	in := &Input{
		Resource: ResourceInput{
			Key:            res.String(),
			Type:           string(res.Type),
			Name:           res.Name,
			DeclaredAction: string(res.Action),
			Provider:       res.Provider,
			Params:         res.Params,
			Noop:           res.Noop,
			SourceLine:     res.SourceLine,
		},
		Action:    string(action),
		Timestamp: time.Now(),
	}
	if node != nil {
		in.Node = &NodeInput{
			Name:            node.Name,
			Platform:        node.Platform,
			PlatformVersion: node.PlatformVersion,
			Arch:            node.Arch,
			Attributes:      node.Attributes,
		}
	}
	return in
}

// DeniedError is returned by the gate when policies block an action.
type DeniedError struct {
	Violations []Violation
}

func (e *DeniedError) Error() string {
	msgs := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		msgs = append(msgs, v.String())
	}
	return strings.Join(msgs, "; ")
}
