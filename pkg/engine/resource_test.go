package engine

import (
	"testing"
)

func TestParseKey(t *testing.T) {
	tests := []struct {
		in       string
		wantType ResourceType
		wantName string
		wantErr  bool
	}{
		{"package[ntp]", ResourceTypePackage, "ntp", false},
		{"service[sshd]", ResourceTypeService, "sshd", false},
		{"package[py3-yaml-6.0]", ResourceTypePackage, "py3-yaml-6.0", false},
		{" service[ntpd] ", ResourceTypeService, "ntpd", false},
		{"package", "", "", true},
		{"package[]", "", "", true},
		{"[ntp]", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			typ, name, err := ParseKey(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseKey(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if tt.wantErr {
				if !IsArgument(err) {
					t.Errorf("expected argument error, got %v", err)
				}
				return
			}
			if typ != tt.wantType || name != tt.wantName {
				t.Errorf("ParseKey(%q) = %s, %s", tt.in, typ, name)
			}
		})
	}
}

func TestResourceTypeDef_New(t *testing.T) {
	pkg := PackageResource.New("ntp")
	if pkg.Action != ActionInstall {
		t.Errorf("default package action = %s", pkg.Action)
	}
	if pkg.RetryDelay != DefaultRetryDelay || pkg.Retries != 0 {
		t.Errorf("retry defaults = %d/%d", pkg.Retries, pkg.RetryDelay)
	}
	if pkg.Supports == nil || len(pkg.Supports) != 0 {
		t.Errorf("supports should default to an empty map")
	}
	if pkg.String() != "package[ntp]" {
		t.Errorf("String() = %s", pkg.String())
	}
	if pkg.State() != ResourceStateUnresolved {
		t.Errorf("initial state = %s", pkg.State())
	}

	svc := ServiceResource.New("ntpd")
	if svc.Action != ActionNothing {
		t.Errorf("default service action = %s", svc.Action)
	}
	if !svc.IsAllowed(ActionReload) || svc.IsAllowed(ActionInstall) {
		t.Error("service allowed actions are wrong")
	}

	// Allowed actions are copied per resource
	svc.AllowedActions[0] = "mutated"
	if ServiceResource.AllowedActions[0] == "mutated" {
		t.Error("New must copy allowed actions")
	}
}

func TestResource_SetUpdatedByLastActionIsSticky(t *testing.T) {
	r := PackageResource.New("ntp")

	r.SetUpdatedByLastAction(true)
	if !r.Updated || !r.UpdatedByLastAction {
		t.Fatal("expected updated after true")
	}

	r.SetUpdatedByLastAction(false)
	if !r.Updated {
		t.Error("Updated must stay true")
	}
	if r.UpdatedByLastAction {
		t.Error("UpdatedByLastAction must follow the last action")
	}
}

func TestResource_Notifies(t *testing.T) {
	pkg := PackageResource.New("ntp")
	svc := ServiceResource.New("ntpd")

	if _, err := pkg.Notifies(ActionRestart, Resolved(svc), TimingDelayed); err != nil {
		t.Fatal(err)
	}
	if _, err := pkg.Notifies(ActionReload, Unresolved("service[ntpd]"), TimingImmediate); err != nil {
		t.Fatal(err)
	}
	if len(pkg.DelayedNotifications) != 1 || len(pkg.ImmediateNotifications) != 1 {
		t.Fatalf("delayed=%d immediate=%d", len(pkg.DelayedNotifications), len(pkg.ImmediateNotifications))
	}
	if pkg.DelayedNotifications[0].NotifyingResource != pkg {
		t.Error("notifying resource should be the owner")
	}

	tests := []struct {
		name   string
		action Action
		target ResourceRef
		timing Timing
	}{
		{"empty action", "", Resolved(svc), TimingDelayed},
		{"empty target", ActionRestart, ResourceRef{}, TimingDelayed},
		{"bad timing", ActionRestart, Resolved(svc), Timing("later")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := pkg.Notifies(tt.action, tt.target, tt.timing); !IsArgument(err) {
				t.Errorf("expected argument error, got %v", err)
			}
		})
	}
}

func TestResource_SubscribesStoresOnSource(t *testing.T) {
	pkg := PackageResource.New("ntp")
	svc := ServiceResource.New("ntpd")

	n, err := svc.Subscribes(ActionRestart, pkg, TimingImmediate)
	if err != nil {
		t.Fatal(err)
	}
	if len(pkg.ImmediateNotifications) != 1 || pkg.ImmediateNotifications[0] != n {
		t.Fatal("subscription should be stored on the source")
	}
	if n.Target.Resource() != svc || n.NotifyingResource != pkg {
		t.Errorf("notification = %s", n)
	}
	if len(svc.ImmediateNotifications) != 0 {
		t.Error("subscriber should not own the notification")
	}
	if _, err := svc.Subscribes(ActionRestart, nil, TimingDelayed); !IsArgument(err) {
		t.Errorf("expected argument error for nil source, got %v", err)
	}
}

func TestResource_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(r *Resource)
		wantErr bool
	}{
		{"valid", func(r *Resource) {}, false},
		{"empty name", func(r *Resource) { r.Name = " " }, true},
		{"empty type", func(r *Resource) { r.Type = "" }, true},
		{"disallowed action", func(r *Resource) { r.Action = ActionRestart }, true},
		{"negative retries", func(r *Resource) { r.Retries = -1 }, true},
		{"negative delay", func(r *Resource) { r.RetryDelay = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := PackageResource.New("ntp")
			tt.mutate(r)
			err := r.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestResource_StringParam(t *testing.T) {
	r := ServiceResource.New("ntpd")
	r.SetParam("pattern", "ntpd:")
	r.SetParam("empty", "")
	r.SetParam("number", 3)

	if got := r.StringParam("pattern", "x"); got != "ntpd:" {
		t.Errorf("pattern = %q", got)
	}
	if got := r.StringParam("empty", "def"); got != "def" {
		t.Errorf("empty = %q", got)
	}
	if got := r.StringParam("number", "def"); got != "def" {
		t.Errorf("number = %q", got)
	}
	if got := r.StringParam("missing", "def"); got != "def" {
		t.Errorf("missing = %q", got)
	}
}

func TestLoadPriorResource(t *testing.T) {
	c := NewResourceCollection()

	first := ServiceResource.New("ntpd")
	first.Supports = map[string]bool{"restart": true, "status": true}
	first.SetParam("pattern", "ntpd")
	first.SetParam("start_command", "/usr/sbin/ntpd -s")
	first.Action = ActionStart
	first.SetUpdatedByLastAction(true)
	_, _ = first.Notifies(ActionRestart, Unresolved("service[other]"), TimingDelayed)
	if err := c.Insert(first); err != nil {
		t.Fatal(err)
	}

	second := ServiceResource.New("ntpd")
	second.SetParam("pattern", "ntpd:")
	if !LoadPriorResource(c, second, 0) {
		t.Fatal("expected prior declaration to be found")
	}

	if !second.Supports["restart"] || !second.Supports["status"] {
		t.Errorf("supports not inherited: %v", second.Supports)
	}
	if got := second.StringParam("start_command", ""); got != "/usr/sbin/ntpd -s" {
		t.Errorf("start_command = %q", got)
	}
	if got := second.StringParam("pattern", ""); got != "ntpd:" {
		t.Errorf("re-specified param overwritten: %q", got)
	}
	if second.Action != ActionNothing {
		t.Errorf("action must not be inherited, got %s", second.Action)
	}
	if second.Updated || len(second.DelayedNotifications) != 0 {
		t.Error("run state and notifications must not be inherited")
	}

	// Supports stay independent
	second.Supports["reload"] = true
	if first.Supports["reload"] {
		t.Error("supports map should be copied")
	}

	lone := PackageResource.New("vim")
	if LoadPriorResource(c, lone, 0) {
		t.Error("no prior declaration expected")
	}
}

func TestResource_InheritFromExplicitAttributes(t *testing.T) {
	prior := PackageResource.New("ntp")
	prior.Provider = "openbsd_package"
	prior.Retries = 3
	prior.RetryDelay = 5
	prior.IgnoreFailure = true
	prior.Noop = true

	tests := []struct {
		name     string
		explicit Attribute
		set      func(r *Resource)
		check    func(t *testing.T, r *Resource)
	}{
		{
			name:     "unset attributes are inherited",
			explicit: 0,
			set:      func(r *Resource) {},
			check: func(t *testing.T, r *Resource) {
				if r.Retries != 3 || r.RetryDelay != 5 || !r.IgnoreFailure || !r.Noop || r.Provider != "openbsd_package" {
					t.Errorf("got retries=%d delay=%d ignore=%v noop=%v provider=%q",
						r.Retries, r.RetryDelay, r.IgnoreFailure, r.Noop, r.Provider)
				}
			},
		},
		{
			name:     "explicit default retry_delay wins",
			explicit: AttrRetryDelay,
			set:      func(r *Resource) { r.RetryDelay = DefaultRetryDelay },
			check: func(t *testing.T, r *Resource) {
				if r.RetryDelay != DefaultRetryDelay {
					t.Errorf("retry_delay = %d, want %d", r.RetryDelay, DefaultRetryDelay)
				}
				if r.Retries != 3 {
					t.Errorf("retries = %d, want inherited 3", r.Retries)
				}
			},
		},
		{
			name:     "explicit zero retries wins",
			explicit: AttrRetries,
			set:      func(r *Resource) { r.Retries = 0 },
			check: func(t *testing.T, r *Resource) {
				if r.Retries != 0 {
					t.Errorf("retries = %d, want 0", r.Retries)
				}
			},
		},
		{
			name:     "explicit false flags win",
			explicit: AttrIgnoreFailure | AttrNoop,
			set:      func(r *Resource) {},
			check: func(t *testing.T, r *Resource) {
				if r.IgnoreFailure || r.Noop {
					t.Errorf("ignore=%v noop=%v, want both false", r.IgnoreFailure, r.Noop)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := PackageResource.New("ntp")
			tt.set(r)
			r.InheritFrom(prior, tt.explicit)
			tt.check(t, r)
		})
	}
}

func TestResource_ResetRunState(t *testing.T) {
	r := pkgRes("ntp")
	r.SetUpdatedByLastAction(true)
	if err := r.setState(ResourceStateCurrentLoaded); err != nil {
		t.Fatal(err)
	}

	r.ResetRunState()
	if r.Updated || r.UpdatedByLastAction || r.State() != ResourceStateUnresolved {
		t.Errorf("after reset: updated=%v last=%v state=%s", r.Updated, r.UpdatedByLastAction, r.State())
	}
}
