package engine

import (
	"encoding/json"
	"fmt"
)

// ResourceRef points at a notification target. It is either resolved to a
// resource already in the collection, or an unresolved type[name] key that
// is looked up when the notification fires.
type ResourceRef struct {
	resource *Resource
	key      ResourceKey
}

// Resolved returns a reference to a known resource.
func Resolved(r *Resource) ResourceRef {
	if r == nil {
		return ResourceRef{}
	}
	return ResourceRef{resource: r, key: r.Key()}
}

// Unresolved returns a reference to be looked up by key.
func Unresolved(key ResourceKey) ResourceRef {
	return ResourceRef{key: key}
}

// IsResolved reports whether the reference holds a resource.
func (r ResourceRef) IsResolved() bool {
	return r.resource != nil
}

// IsZero reports whether the reference is empty.
func (r ResourceRef) IsZero() bool {
	return r.resource == nil && r.key == ""
}

// Resource returns the referenced resource, or nil when unresolved.
func (r ResourceRef) Resource() *Resource {
	return r.resource
}

// Key returns the type[name] key of the target.
func (r ResourceRef) Key() ResourceKey {
	if r.resource != nil {
		return r.resource.Key()
	}
	return r.key
}

// String returns the target key.
func (r ResourceRef) String() string {
	return string(r.Key())
}

// same compares two references. Resolved references compare by identity,
// anything else by key.
func (r ResourceRef) same(other ResourceRef) bool {
	if r.resource != nil && other.resource != nil {
		return r.resource == other.resource
	}
	return r.Key() == other.Key()
}

// Notification asks the engine to run Action on Target because
// NotifyingResource was updated.
type Notification struct {
	// Target is the resource to act on.
	Target ResourceRef

	// Action is the action to run on the target.
	Action Action

	// NotifyingResource is the resource whose update triggers the notification.
	NotifyingResource *Resource
}

// Duplicates reports whether two notifications have the same target and
// action. The notifying resource is not compared.
func (n *Notification) Duplicates(other *Notification) (bool, error) {
	if other == nil {
		return false, NewArgumentError("cannot compare notification with nil", nil)
	}
	return n.Action == other.Action && n.Target.same(other.Target), nil
}

// Resolve replaces an unresolved target with the most recent resource in c
// matching its key. It reports whether the target is resolved afterwards.
func (n *Notification) Resolve(c *ResourceCollection) bool {
	if n.Target.IsResolved() {
		return true
	}
	r, ok := c.Lookup(n.Target.Key())
	if !ok {
		return false
	}
	n.Target = Resolved(r)
	return true
}

// String returns a short human-readable description.
func (n *Notification) String() string {
	from := "<none>"
	if n.NotifyingResource != nil {
		from = n.NotifyingResource.String()
	}
	return fmt.Sprintf("%s -> %s[%s]", from, n.Target, n.Action)
}

// notificationJSON is the wire form of a notification.
type notificationJSON struct {
	Resource          string `json:"resource"`
	Action            Action `json:"action"`
	NotifyingResource string `json:"notifying_resource,omitempty"`
}

// MarshalJSON writes the target and notifying resource as keys.
func (n *Notification) MarshalJSON() ([]byte, error) {
	w := notificationJSON{
		Resource: n.Target.String(),
		Action:   n.Action,
	}
	if n.NotifyingResource != nil {
		w.NotifyingResource = n.NotifyingResource.String()
	}
	return json.Marshal(w)
}

// UnmarshalJSON restores a notification with an unresolved target.
// NotifyingResource is set by the owning resource.
func (n *Notification) UnmarshalJSON(data []byte) error {
	var w notificationJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if _, _, err := ParseKey(w.Resource); err != nil {
		return err
	}
	n.Target = Unresolved(ResourceKey(w.Resource))
	n.Action = w.Action
	return nil
}
