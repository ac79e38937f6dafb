package engine

import (
	"encoding/json"
	"fmt"
)

// resourceFields is the serialized attribute set of a resource.
type resourceFields struct {
	Type                   ResourceType           `json:"type"`
	AllowedActions         []Action               `json:"allowed_actions"`
	Params                 map[string]interface{} `json:"params"`
	Provider               string                 `json:"provider"`
	Updated                bool                   `json:"updated"`
	UpdatedByLastAction    bool                   `json:"updated_by_last_action"`
	Before                 string                 `json:"before"`
	Supports               map[string]bool        `json:"supports"`
	DelayedNotifications   []*Notification        `json:"delayed_notifications"`
	ImmediateNotifications []*Notification        `json:"immediate_notifications"`
	Noop                   bool                   `json:"noop"`
	IgnoreFailure          bool                   `json:"ignore_failure"`
	Name                   string                 `json:"name"`
	SourceLine             string                 `json:"source_line"`
	Action                 Action                 `json:"action"`
	Retries                int                    `json:"retries"`
	RetryDelay             int                    `json:"retry_delay"`
}

// MarshalJSON serializes the declared attributes and run flags.
// Guards are not serialized.
func (r *Resource) MarshalJSON() ([]byte, error) {
	f := resourceFields{
		Type:                   r.Type,
		AllowedActions:         r.AllowedActions,
		Params:                 r.Params,
		Provider:               r.Provider,
		Updated:                r.Updated,
		UpdatedByLastAction:    r.UpdatedByLastAction,
		Before:                 r.Before,
		Supports:               r.Supports,
		DelayedNotifications:   r.DelayedNotifications,
		ImmediateNotifications: r.ImmediateNotifications,
		Noop:                   r.Noop,
		IgnoreFailure:          r.IgnoreFailure,
		Name:                   r.Name,
		SourceLine:             r.SourceLine,
		Action:                 r.Action,
		Retries:                r.Retries,
		RetryDelay:             r.RetryDelay,
	}
	if f.AllowedActions == nil {
		f.AllowedActions = []Action{}
	}
	if f.Params == nil {
		f.Params = map[string]interface{}{}
	}
	if f.Supports == nil {
		f.Supports = map[string]bool{}
	}
	if f.DelayedNotifications == nil {
		f.DelayedNotifications = []*Notification{}
	}
	if f.ImmediateNotifications == nil {
		f.ImmediateNotifications = []*Notification{}
	}
	return json.Marshal(f)
}

// UnmarshalJSON reconstructs a resource. Notification targets come back
// unresolved and are owned by the reconstructed resource.
func (r *Resource) UnmarshalJSON(data []byte) error {
	var f resourceFields
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	if f.Type == "" {
		return NewArgumentError("resource json is missing type", nil)
	}
	if f.Name == "" {
		return NewArgumentError(fmt.Sprintf("%s resource json is missing name", f.Type), nil)
	}

	*r = Resource{
		Type:                   f.Type,
		Name:                   f.Name,
		Params:                 f.Params,
		Action:                 f.Action,
		AllowedActions:         f.AllowedActions,
		Provider:               f.Provider,
		Before:                 f.Before,
		Supports:               f.Supports,
		Noop:                   f.Noop,
		IgnoreFailure:          f.IgnoreFailure,
		Retries:                f.Retries,
		RetryDelay:             f.RetryDelay,
		SourceLine:             f.SourceLine,
		DelayedNotifications:   f.DelayedNotifications,
		ImmediateNotifications: f.ImmediateNotifications,
		Updated:                f.Updated,
		UpdatedByLastAction:    f.UpdatedByLastAction,
	}
	if r.Params == nil {
		r.Params = make(map[string]interface{})
	}
	if r.Supports == nil {
		r.Supports = make(map[string]bool)
	}
	for _, n := range r.DelayedNotifications {
		n.NotifyingResource = r
	}
	for _, n := range r.ImmediateNotifications {
		n.NotifyingResource = r
	}
	return nil
}
