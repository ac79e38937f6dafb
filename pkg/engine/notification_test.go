package engine

import (
	"testing"
)

func TestNotification_Duplicates(t *testing.T) {
	svc := ServiceResource.New("ntpd")
	twin := ServiceResource.New("ntpd")
	a := PackageResource.New("a")
	b := PackageResource.New("b")

	tests := []struct {
		name  string
		left  *Notification
		right *Notification
		want  bool
	}{
		{
			name:  "same target and action from different resources",
			left:  &Notification{Target: Resolved(svc), Action: ActionRestart, NotifyingResource: a},
			right: &Notification{Target: Resolved(svc), Action: ActionRestart, NotifyingResource: b},
			want:  true,
		},
		{
			name:  "different action",
			left:  &Notification{Target: Resolved(svc), Action: ActionRestart},
			right: &Notification{Target: Resolved(svc), Action: ActionReload},
			want:  false,
		},
		{
			name:  "resolved and unresolved with same key",
			left:  &Notification{Target: Resolved(svc), Action: ActionRestart},
			right: &Notification{Target: Unresolved("service[ntpd]"), Action: ActionRestart},
			want:  true,
		},
		{
			name:  "distinct resources sharing a key",
			left:  &Notification{Target: Resolved(svc), Action: ActionRestart},
			right: &Notification{Target: Resolved(twin), Action: ActionRestart},
			want:  false,
		},
		{
			name:  "different targets",
			left:  &Notification{Target: Unresolved("service[ntpd]"), Action: ActionRestart},
			right: &Notification{Target: Unresolved("service[sshd]"), Action: ActionRestart},
			want:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.left.Duplicates(tt.right)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("Duplicates() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNotification_DuplicatesNil(t *testing.T) {
	n := &Notification{Target: Unresolved("service[ntpd]"), Action: ActionRestart}
	if _, err := n.Duplicates(nil); !IsArgument(err) {
		t.Errorf("expected argument error, got %v", err)
	}
}

func TestNotification_Resolve(t *testing.T) {
	older := ServiceResource.New("ntpd")
	newer := ServiceResource.New("ntpd")
	c := collectionOf(older, newer)

	n := &Notification{Target: Unresolved("service[ntpd]"), Action: ActionRestart}
	if n.Target.IsResolved() {
		t.Fatal("target should start unresolved")
	}
	if !n.Resolve(c) {
		t.Fatal("Resolve failed")
	}
	if n.Target.Resource() != newer {
		t.Error("Resolve should pick the most recent declaration")
	}

	missing := &Notification{Target: Unresolved("service[sshd]"), Action: ActionRestart}
	if missing.Resolve(c) {
		t.Error("Resolve should fail for unknown keys")
	}
}

func TestRunContext_EnqueueDelayed(t *testing.T) {
	svc := ServiceResource.New("ntpd")
	rc := NewRunContext(nil, nil)
	if rc.ID == "" || rc.Collection == nil {
		t.Fatal("run context defaults not set")
	}

	first := &Notification{Target: Resolved(svc), Action: ActionRestart, NotifyingResource: PackageResource.New("a")}
	dup := &Notification{Target: Resolved(svc), Action: ActionRestart, NotifyingResource: PackageResource.New("b")}
	other := &Notification{Target: Resolved(svc), Action: ActionReload}

	for i, n := range []*Notification{first, dup, other} {
		if _, err := rc.EnqueueDelayed(n); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	queue := rc.DelayedNotifications()
	if len(queue) != 2 {
		t.Fatalf("queue length = %d, want 2", len(queue))
	}
	if queue[0] != first || queue[1] != other {
		t.Error("queue should keep the first duplicate in enqueue order")
	}
}
