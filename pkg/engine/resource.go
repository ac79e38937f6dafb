package engine

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// DefaultRetryDelay is the delay between retries when a resource does not set one.
const DefaultRetryDelay = 2

// ResourceKey identifies a resource by type and name, formatted as type[name].
type ResourceKey string

var resourceKeyPattern = regexp.MustCompile(`^([\w.:-]+)\[(.+)\]$`)

// MakeKey builds the lookup key for a type and name.
func MakeKey(t ResourceType, name string) ResourceKey {
	return ResourceKey(fmt.Sprintf("%s[%s]", t, name))
}

// ParseKey splits a key of the form type[name].
func ParseKey(s string) (ResourceType, string, error) {
	m := resourceKeyPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return "", "", NewArgumentError(fmt.Sprintf("malformed resource reference %q, expected type[name]", s), nil)
	}
	return ResourceType(m[1]), m[2], nil
}

// ResourceTypeDef describes a kind of resource: its default action and the
// set of actions it accepts.
type ResourceTypeDef struct {
	Type           ResourceType
	DefaultAction  Action
	AllowedActions []Action
}

// PackageResource is the built-in package resource type.
var PackageResource = ResourceTypeDef{
	Type:           ResourceTypePackage,
	DefaultAction:  ActionInstall,
	AllowedActions: []Action{ActionNothing, ActionInstall, ActionUpgrade, ActionRemove},
}

// ServiceResource is the built-in service resource type.
var ServiceResource = ResourceTypeDef{
	Type:          ResourceTypeService,
	DefaultAction: ActionNothing,
	AllowedActions: []Action{
		ActionNothing, ActionEnable, ActionDisable, ActionStart,
		ActionStop, ActionRestart, ActionReload,
	},
}

// New creates a resource of this type with default attributes.
func (d ResourceTypeDef) New(name string) *Resource {
	allowed := make([]Action, len(d.AllowedActions))
	copy(allowed, d.AllowedActions)
	return &Resource{
		Type:           d.Type,
		Name:           name,
		Action:         d.DefaultAction,
		AllowedActions: allowed,
		Params:         make(map[string]interface{}),
		Supports:       make(map[string]bool),
		RetryDelay:     DefaultRetryDelay,
	}
}

// Allows reports whether action is part of the type's allowed actions.
func (d ResourceTypeDef) Allows(action Action) bool {
	for _, a := range d.AllowedActions {
		if a == action {
			return true
		}
	}
	return false
}

// Resource is a declarative desired-state record.
type Resource struct {
	// Type is the resource type tag.
	Type ResourceType

	// Name is the resource name; (Type, Name) is the lookup key.
	Name string

	// Params holds type-specific attributes (package_name, version, pattern, ...).
	Params map[string]interface{}

	// Action is the requested action.
	Action Action

	// AllowedActions is the set of actions valid for this resource.
	AllowedActions []Action

	// Provider optionally forces a provider by registered name.
	Provider string

	// Before names a resource this one is declared to precede. Informational.
	Before string

	// Supports advertises optional provider capabilities (restart, reload, status).
	Supports map[string]bool

	// Noop loads current state and reports the action without running it.
	Noop bool

	// IgnoreFailure turns a failed action into success without an update.
	IgnoreFailure bool

	// Retries is the number of extra attempts after an execution error.
	Retries int

	// RetryDelay is the delay between attempts, in seconds.
	RetryDelay int

	// SourceLine records where the resource was declared.
	SourceLine string

	// Guards are evaluated in order before the declared action.
	Guards []*Conditional

	// DelayedNotifications fire once after the full pass.
	DelayedNotifications []*Notification

	// ImmediateNotifications fire as soon as this resource updates.
	ImmediateNotifications []*Notification

	// Updated is sticky: true once any action on this resource updated the system.
	Updated bool

	// UpdatedByLastAction reflects only the most recent action.
	UpdatedByLastAction bool

	state ResourceState
}

// Key returns the type[name] lookup key.
func (r *Resource) Key() ResourceKey {
	return MakeKey(r.Type, r.Name)
}

// String returns type[name].
func (r *Resource) String() string {
	return string(r.Key())
}

// State returns the resource's convergence state in the current run.
func (r *Resource) State() ResourceState {
	if r.state == "" {
		return ResourceStateUnresolved
	}
	return r.state
}

// setState moves the resource through the convergence state machine.
func (r *Resource) setState(next ResourceState) error {
	cur := r.State()
	if cur == next && next == ResourceStateRetrying {
		return nil
	}
	if !cur.canTransition(next) {
		return NewArgumentError(fmt.Sprintf("invalid state transition %s -> %s", cur, next), nil).
			WithResource(r.String()).
			WithCode(ErrCodeInternal)
	}
	r.state = next
	return nil
}

// IsAllowed reports whether action is in the resource's allowed actions.
func (r *Resource) IsAllowed(action Action) bool {
	for _, a := range r.AllowedActions {
		if a == action {
			return true
		}
	}
	return false
}

// SetUpdatedByLastAction records whether the last action mutated the system.
// Setting it true also marks the resource as updated for the rest of the run.
func (r *Resource) SetUpdatedByLastAction(updated bool) {
	r.UpdatedByLastAction = updated
	if updated {
		r.Updated = true
	}
}

// ResetRunState clears the update flags and lifecycle state so the
// resource can be converged by another run.
func (r *Resource) ResetRunState() {
	r.Updated = false
	r.UpdatedByLastAction = false
	r.state = ResourceStateUnresolved
}

// RetryDelayDuration returns RetryDelay as a duration.
func (r *Resource) RetryDelayDuration() time.Duration {
	return time.Duration(r.RetryDelay) * time.Second
}

// Param returns a parameter value.
func (r *Resource) Param(key string) (interface{}, bool) {
	v, ok := r.Params[key]
	return v, ok
}

// StringParam returns a string parameter, or def when unset or empty.
func (r *Resource) StringParam(key, def string) string {
	v, ok := r.Params[key]
	if !ok || v == nil {
		return def
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return def
	}
	return s
}

// SetParam sets a parameter value.
func (r *Resource) SetParam(key string, value interface{}) {
	if r.Params == nil {
		r.Params = make(map[string]interface{})
	}
	r.Params[key] = value
}

// Notifies attaches a notification that runs action on target when this
// resource is updated.
func (r *Resource) Notifies(action Action, target ResourceRef, timing Timing) (*Notification, error) {
	if action == "" {
		return nil, NewArgumentError("notification action is required", nil).WithResource(r.String())
	}
	if target.IsZero() {
		return nil, NewArgumentError("notification target is required", nil).WithResource(r.String())
	}

	n := &Notification{
		Target:            target,
		Action:            action,
		NotifyingResource: r,
	}

	switch timing {
	case TimingDelayed:
		r.DelayedNotifications = append(r.DelayedNotifications, n)
	case TimingImmediate:
		r.ImmediateNotifications = append(r.ImmediateNotifications, n)
	default:
		return nil, NewArgumentError(fmt.Sprintf("invalid notification timing %q", timing), nil).WithResource(r.String())
	}
	return n, nil
}

// Subscribes makes this resource run action whenever source is updated.
// The notification is stored on source, which owns it.
func (r *Resource) Subscribes(action Action, source *Resource, timing Timing) (*Notification, error) {
	if source == nil {
		return nil, NewArgumentError("subscription source is required", nil).WithResource(r.String())
	}
	return source.Notifies(action, Resolved(r), timing)
}

// OnlyIf appends an only_if guard.
func (r *Resource) OnlyIf(c *Conditional) {
	c.Positivity = OnlyIf
	r.Guards = append(r.Guards, c)
}

// NotIf appends a not_if guard.
func (r *Resource) NotIf(c *Conditional) {
	c.Positivity = NotIf
	r.Guards = append(r.Guards, c)
}

// Attribute names a resource attribute a declaration can set explicitly.
type Attribute uint

const (
	AttrProvider Attribute = 1 << iota
	AttrBefore
	AttrRetries
	AttrRetryDelay
	AttrIgnoreFailure
	AttrNoop
	AttrSupports
)

// Has reports whether a is in the set.
func (a Attribute) Has(attr Attribute) bool {
	return a&attr != 0
}

// InheritFrom copies attributes from an earlier declaration with the same
// key. Only attributes absent from explicit are copied; a param is copied
// when r has no value under its name. The action, guards, notifications
// and run state are never inherited.
func (r *Resource) InheritFrom(prior *Resource, explicit Attribute) {
	if prior == nil || prior == r {
		return
	}
	if r.Params == nil {
		r.Params = make(map[string]interface{})
	}
	for k, v := range prior.Params {
		if _, set := r.Params[k]; !set {
			r.Params[k] = v
		}
	}
	if !explicit.Has(AttrSupports) && len(prior.Supports) > 0 {
		r.Supports = make(map[string]bool, len(prior.Supports))
		for k, v := range prior.Supports {
			r.Supports[k] = v
		}
	}
	if !explicit.Has(AttrProvider) {
		r.Provider = prior.Provider
	}
	if !explicit.Has(AttrBefore) {
		r.Before = prior.Before
	}
	if !explicit.Has(AttrRetries) {
		r.Retries = prior.Retries
	}
	if !explicit.Has(AttrRetryDelay) {
		r.RetryDelay = prior.RetryDelay
	}
	if !explicit.Has(AttrIgnoreFailure) {
		r.IgnoreFailure = prior.IgnoreFailure
	}
	if !explicit.Has(AttrNoop) {
		r.Noop = prior.Noop
	}
}

// LoadPriorResource seeds r from the most recent declaration in c with the
// same key. It reports whether a prior declaration was found.
func LoadPriorResource(c *ResourceCollection, r *Resource, explicit Attribute) bool {
	prior, ok := c.Prior(r)
	if !ok {
		return false
	}
	r.InheritFrom(prior, explicit)
	return true
}

// Validate checks that the resource is well formed.
func (r *Resource) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return NewArgumentError("resource name is required", nil).WithCode(ErrCodeValidation)
	}
	if r.Type == "" {
		return NewArgumentError("resource type is required", nil).
			WithResource(r.Name).
			WithCode(ErrCodeValidation)
	}
	if r.Action != "" && !r.IsAllowed(r.Action) {
		return NewArgumentError(fmt.Sprintf("action %q is not allowed, expected one of %v", r.Action, r.AllowedActions), nil).
			WithResource(r.String()).
			WithCode(ErrCodeActionNotAllowed)
	}
	if r.Retries < 0 {
		return NewArgumentError("retries must not be negative", nil).
			WithResource(r.String()).
			WithCode(ErrCodeValidation)
	}
	if r.RetryDelay < 0 {
		return NewArgumentError("retry_delay must not be negative", nil).
			WithResource(r.String()).
			WithCode(ErrCodeValidation)
	}
	return nil
}
