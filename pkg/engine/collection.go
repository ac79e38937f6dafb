package engine

import (
	"encoding/json"
	"fmt"
)

// ResourceCollection is the ordered list of declared resources with a
// type[name] index. Duplicate keys are allowed; Lookup returns the most
// recent declaration.
type ResourceCollection struct {
	resources []*Resource
	byKey     map[ResourceKey][]int
	position  map[*Resource]int
}

// NewResourceCollection creates an empty collection.
func NewResourceCollection() *ResourceCollection {
	return &ResourceCollection{
		byKey:    make(map[ResourceKey][]int),
		position: make(map[*Resource]int),
	}
}

// Insert appends resources in declaration order.
func (c *ResourceCollection) Insert(resources ...*Resource) error {
	for _, r := range resources {
		if r == nil {
			return NewArgumentError("cannot insert nil resource", nil)
		}
		if _, dup := c.position[r]; dup {
			return NewArgumentError("resource already in collection", nil).WithResource(r.String())
		}
		idx := len(c.resources)
		c.resources = append(c.resources, r)
		c.byKey[r.Key()] = append(c.byKey[r.Key()], idx)
		c.position[r] = idx
	}
	return nil
}

// Len returns the number of declared resources.
func (c *ResourceCollection) Len() int {
	return len(c.resources)
}

// All returns the resources in declaration order.
func (c *ResourceCollection) All() []*Resource {
	out := make([]*Resource, len(c.resources))
	copy(out, c.resources)
	return out
}

// Each calls fn for every resource in order, stopping at the first error.
func (c *ResourceCollection) Each(fn func(*Resource) error) error {
	for _, r := range c.resources {
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

// Lookup returns the most recent resource declared under key.
func (c *ResourceCollection) Lookup(key ResourceKey) (*Resource, bool) {
	idx := c.byKey[key]
	if len(idx) == 0 {
		return nil, false
	}
	return c.resources[idx[len(idx)-1]], true
}

// ByType returns the resources of type t in declaration order.
func (c *ResourceCollection) ByType(t ResourceType) []*Resource {
	var out []*Resource
	for _, r := range c.resources {
		if r.Type == t {
			out = append(out, r)
		}
	}
	return out
}

// LookupAll returns every declaration of key in order.
func (c *ResourceCollection) LookupAll(key ResourceKey) []*Resource {
	idx := c.byKey[key]
	out := make([]*Resource, 0, len(idx))
	for _, i := range idx {
		out = append(out, c.resources[i])
	}
	return out
}

// Find looks up a type[name] string.
func (c *ResourceCollection) Find(ref string) (*Resource, error) {
	t, name, err := ParseKey(ref)
	if err != nil {
		return nil, err
	}
	r, ok := c.Lookup(MakeKey(t, name))
	if !ok {
		return nil, NewArgumentError(fmt.Sprintf("resource %s not found", ref), nil).WithCode(ErrCodeNotFound)
	}
	return r, nil
}

// Prior returns the nearest declaration with r's key that precedes r. If r
// is not in the collection, the most recent declaration is returned.
func (c *ResourceCollection) Prior(r *Resource) (*Resource, bool) {
	idx := c.byKey[r.Key()]
	pos, inserted := c.position[r]
	if !inserted {
		if len(idx) == 0 {
			return nil, false
		}
		return c.resources[idx[len(idx)-1]], true
	}
	var prior *Resource
	for _, i := range idx {
		if i >= pos {
			break
		}
		prior = c.resources[i]
	}
	return prior, prior != nil
}

// Resolve looks up a reference. Resolved references are returned as is.
func (c *ResourceCollection) Resolve(ref ResourceRef) (*Resource, bool) {
	if ref.IsResolved() {
		return ref.Resource(), true
	}
	return c.Lookup(ref.Key())
}

// MarshalJSON writes the resources as an ordered array.
func (c *ResourceCollection) MarshalJSON() ([]byte, error) {
	if c.resources == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(c.resources)
}

// UnmarshalJSON rebuilds a collection from an array of resources.
func (c *ResourceCollection) UnmarshalJSON(data []byte) error {
	var resources []*Resource
	if err := json.Unmarshal(data, &resources); err != nil {
		return err
	}
	*c = *NewResourceCollection()
	return c.Insert(resources...)
}
