package config

import (
	"fmt"
	"time"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/guards"
)

// Declaration is a resource as written in a declaration file.
type Declaration struct {
	// Type is the resource type (e.g., "package", "service").
	Type string `json:"type" validate:"required"`

	// Name is the resource name.
	Name string `json:"name" validate:"required"`

	// Action is the requested action. Empty means the type's default.
	Action string `json:"action,omitempty"`

	// Provider forces a provider by registered name.
	Provider string `json:"provider,omitempty"`

	// Params holds type-specific attributes.
	Params map[string]interface{} `json:"params,omitempty"`

	// Supports advertises optional provider capabilities.
	Supports map[string]bool `json:"supports,omitempty"`

	// Before names a resource this one precedes.
	Before string `json:"before,omitempty"`

	// Noop reports the action without running it.
	Noop *bool `json:"noop,omitempty"`

	// IgnoreFailure turns a failure into success.
	IgnoreFailure *bool `json:"ignore_failure,omitempty"`

	// Retries is the number of extra attempts after an execution error.
	Retries *int `json:"retries,omitempty" validate:"omitempty,gte=0"`

	// RetryDelay is the delay between attempts in seconds.
	RetryDelay *int `json:"retry_delay,omitempty" validate:"omitempty,gte=0"`

	// OnlyIf guards must all hold for the action to run.
	OnlyIf []GuardDecl `json:"only_if,omitempty" validate:"dive"`

	// NotIf guards skip the action if any holds.
	NotIf []GuardDecl `json:"not_if,omitempty" validate:"dive"`

	// Notifies lists notifications sent when this resource updates.
	Notifies []NotificationDecl `json:"notifies,omitempty" validate:"dive"`

	// Subscribes lists resources whose updates notify this one.
	Subscribes []NotificationDecl `json:"subscribes,omitempty" validate:"dive"`

	// SourceLine is filled in by the loader with file:line.
	SourceLine string `json:"-"`
}

// Key returns the declaration's type[name] reference.
func (d Declaration) Key() string {
	return fmt.Sprintf("%s[%s]", d.Type, d.Name)
}

// explicit returns the attributes the declaration sets.
func (d Declaration) explicit() engine.Attribute {
	var a engine.Attribute
	if d.Provider != "" {
		a |= engine.AttrProvider
	}
	if d.Before != "" {
		a |= engine.AttrBefore
	}
	if d.Retries != nil {
		a |= engine.AttrRetries
	}
	if d.RetryDelay != nil {
		a |= engine.AttrRetryDelay
	}
	if d.IgnoreFailure != nil {
		a |= engine.AttrIgnoreFailure
	}
	if d.Noop != nil {
		a |= engine.AttrNoop
	}
	if len(d.Supports) > 0 {
		a |= engine.AttrSupports
	}
	return a
}

// GuardDecl is a declared only_if or not_if condition.
type GuardDecl struct {
	Command     string            `json:"command,omitempty"`
	Starlark    string            `json:"starlark,omitempty"`
	WASM        string            `json:"wasm,omitempty"`
	Cwd         string            `json:"cwd,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`

	// Timeout is in seconds.
	Timeout int `json:"timeout,omitempty" validate:"gte=0"`
}

// Spec converts the declaration into a guard spec.
func (g GuardDecl) Spec() guards.Spec {
	return guards.Spec{
		Command:     g.Command,
		Starlark:    g.Starlark,
		WASM:        g.WASM,
		Cwd:         g.Cwd,
		Environment: g.Environment,
		Timeout:     time.Duration(g.Timeout) * time.Second,
	}
}

// NotificationDecl is a declared notification or subscription.
type NotificationDecl struct {
	// Action is run on the target.
	Action string `json:"action" validate:"required"`

	// Resource is the other end, formatted as type[name].
	Resource string `json:"resource" validate:"required"`

	// Timing is delay/delayed (default) or immediate/immediately.
	Timing string `json:"timing,omitempty" validate:"omitempty,oneof=delay delayed immediate immediately"`
}

// ParsedConfig is the result of loading declaration sources.
type ParsedConfig struct {
	// Resources are the declarations in source order.
	Resources []Declaration `json:"resources"`

	// SourceFiles are the CUE files that were parsed.
	SourceFiles []string `json:"source_files"`

	// ParsedAt is when the configuration was parsed.
	ParsedAt time.Time `json:"parsed_at"`

	// Errors lists any validation errors.
	Errors []ValidationError `json:"errors,omitempty"`
}

// Err returns the validation errors as a single error, or nil.
func (pc *ParsedConfig) Err() error {
	if len(pc.Errors) == 0 {
		return nil
	}
	return ValidationErrors(pc.Errors)
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the CUE path to the error (e.g., "resources[2].params").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is the error severity (error, warning, info).
	Severity string `json:"severity" validate:"required,oneof=error warning info"`
}

func (e ValidationError) Error() string {
	msg := e.Message
	if e.Path != "" {
		msg = e.Path + ": " + msg
	}
	if e.File != "" {
		msg = fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, msg)
	}
	return msg
}

// ValidationErrors is a list of validation errors.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	switch len(v) {
	case 0:
		return "no validation errors"
	case 1:
		return v[0].Error()
	}
	return fmt.Sprintf("%s (and %d more errors)", v[0].Error(), len(v)-1)
}
