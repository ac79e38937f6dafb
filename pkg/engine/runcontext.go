package engine

import (
	"time"

	"github.com/google/uuid"
)

// RunContext holds the state of one convergence pass: the node, the
// collection being walked and the delayed notification queue.
type RunContext struct {
	// ID is the unique run identifier.
	ID string

	// Node holds the facts of the managed node.
	Node *Node

	// Collection is the ordered set of declared resources.
	Collection *ResourceCollection

	// CreatedAt is when the context was created.
	CreatedAt time.Time

	delayed []*Notification
}

// NewRunContext creates a run context for a node and collection.
func NewRunContext(node *Node, collection *ResourceCollection) *RunContext {
	if collection == nil {
		collection = NewResourceCollection()
	}
	return &RunContext{
		ID:         uuid.New().String(),
		Node:       node,
		Collection: collection,
		CreatedAt:  time.Now(),
	}
}

// EnqueueDelayed queues a delayed notification unless an equivalent one
// (same target and action) is already queued. It reports whether n was added.
func (rc *RunContext) EnqueueDelayed(n *Notification) (bool, error) {
	for _, queued := range rc.delayed {
		dup, err := queued.Duplicates(n)
		if err != nil {
			return false, err
		}
		if dup {
			return false, nil
		}
	}
	rc.delayed = append(rc.delayed, n)
	return true, nil
}

// DelayedNotifications returns the queue in enqueue order.
func (rc *RunContext) DelayedNotifications() []*Notification {
	out := make([]*Notification, len(rc.delayed))
	copy(out, rc.delayed)
	return out
}

// ResolveTarget returns the resource a notification points at.
func (rc *RunContext) ResolveTarget(n *Notification) (*Resource, bool) {
	if !n.Resolve(rc.Collection) {
		return nil, false
	}
	return n.Target.Resource(), true
}
