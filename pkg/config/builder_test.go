package config

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/guards"
)

func newTestBuilder() *Builder {
	compiler := guards.NewCompiler(guards.NewStarlarkEvaluator(0), nil)
	return NewBuilder(engine.NewRegistry(), compiler, zerolog.Nop())
}

func TestBuilder_Build(t *testing.T) {
	delay := 0
	decls := []Declaration{
		{
			Type:     "package",
			Name:     "ntp",
			Params:   map[string]interface{}{"version": "4.2.8p15"},
			Notifies: []NotificationDecl{{Action: "restart", Resource: "service[ntpd]"}},
		},
		{
			Type:       "service",
			Name:       "ntpd",
			Action:     "enable",
			RetryDelay: &delay,
			Subscribes: []NotificationDecl{{Action: "reload", Resource: "package[ntp]", Timing: "immediately"}},
			OnlyIf:     []GuardDecl{{Starlark: `node.platform == "openbsd"`}},
			NotIf:      []GuardDecl{{Command: "test -f /etc/ntpd.disabled"}},
			SourceLine: "site.cue:12",
		},
	}

	collection, err := newTestBuilder().Build(context.Background(), decls)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if collection.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", collection.Len())
	}

	pkg, err := collection.Find("package[ntp]")
	if err != nil {
		t.Fatal(err)
	}
	if pkg.Action != engine.ActionInstall {
		t.Errorf("package action = %s, want default install", pkg.Action)
	}
	if len(pkg.DelayedNotifications) != 1 {
		t.Fatalf("delayed notifications = %d, want 1", len(pkg.DelayedNotifications))
	}
	n := pkg.DelayedNotifications[0]
	if n.Target.IsResolved() || n.Target.Key() != "service[ntpd]" || n.Action != engine.ActionRestart {
		t.Errorf("unexpected delayed notification %s", n)
	}

	if len(pkg.ImmediateNotifications) != 1 {
		t.Fatalf("immediate notifications = %d, want 1", len(pkg.ImmediateNotifications))
	}
	svc, err := collection.Find("service[ntpd]")
	if err != nil {
		t.Fatal(err)
	}
	if got := pkg.ImmediateNotifications[0].Target.Resource(); got != svc {
		t.Errorf("subscription target = %v, want service[ntpd]", got)
	}

	if svc.Action != engine.ActionEnable || svc.RetryDelay != 0 || svc.SourceLine != "site.cue:12" {
		t.Errorf("unexpected service %+v", svc)
	}
	if len(svc.Guards) != 2 {
		t.Fatalf("guards = %d, want 2", len(svc.Guards))
	}
	if svc.Guards[0].Positivity != engine.OnlyIf || svc.Guards[1].Positivity != engine.NotIf {
		t.Errorf("guard order = %s, %s", svc.Guards[0], svc.Guards[1])
	}
	if svc.Guards[1].Command != "test -f /etc/ntpd.disabled" {
		t.Errorf("command guard = %s", svc.Guards[1])
	}
}

func TestBuilder_InheritsPriorDeclaration(t *testing.T) {
	decls := []Declaration{
		{Type: "service", Name: "sshd", Provider: "rcctl", Params: map[string]interface{}{"pattern": "sshd:"}, Retries: intPtr(3)},
		{Type: "service", Name: "sshd", Action: "restart", Params: map[string]interface{}{"reload_command": "pkill -HUP sshd"}},
	}

	collection, err := newTestBuilder().Build(context.Background(), decls)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	all := collection.LookupAll("service[sshd]")
	if len(all) != 2 {
		t.Fatalf("LookupAll() = %d resources, want 2", len(all))
	}
	second := all[1]
	if second.Provider != "rcctl" || second.Retries != 3 {
		t.Errorf("provider/retries not inherited: %+v", second)
	}
	if second.StringParam("pattern", "") != "sshd:" || second.StringParam("reload_command", "") != "pkill -HUP sshd" {
		t.Errorf("params = %v", second.Params)
	}
	if second.Action != engine.ActionRestart {
		t.Errorf("action = %s, want restart", second.Action)
	}
	if all[0].Action != engine.ActionNothing {
		t.Errorf("first declaration action = %s, want nothing", all[0].Action)
	}
}

func TestBuilder_RedeclarationKeepsExplicitValues(t *testing.T) {
	decls := []Declaration{
		{Type: "package", Name: "ntp", Retries: intPtr(3), RetryDelay: intPtr(5), IgnoreFailure: boolPtr(true)},
		{Type: "package", Name: "ntp", RetryDelay: intPtr(engine.DefaultRetryDelay), IgnoreFailure: boolPtr(false)},
	}

	collection, err := newTestBuilder().Build(context.Background(), decls)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	second := collection.LookupAll("package[ntp]")[1]
	if second.RetryDelay != engine.DefaultRetryDelay {
		t.Errorf("retry_delay = %d, want explicit %d", second.RetryDelay, engine.DefaultRetryDelay)
	}
	if second.IgnoreFailure {
		t.Error("ignore_failure = true, want explicit false")
	}
	if second.Retries != 3 {
		t.Errorf("retries = %d, want inherited 3", second.Retries)
	}
}

func intPtr(v int) *int { return &v }

func boolPtr(v bool) *bool { return &v }

func TestBuilder_MissingSubscriptionSource(t *testing.T) {
	decls := []Declaration{
		{Type: "service", Name: "ntpd", Subscribes: []NotificationDecl{{Action: "restart", Resource: "package[ntp]"}}},
	}

	collection, err := newTestBuilder().Build(context.Background(), decls)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if collection.Len() != 1 {
		t.Errorf("Len() = %d, want 1", collection.Len())
	}
}

func TestBuilder_Errors(t *testing.T) {
	tests := []struct {
		name     string
		decl     Declaration
		wantCode string
	}{
		{
			name:     "unknown type",
			decl:     Declaration{Type: "user", Name: "_ntp"},
			wantCode: engine.ErrCodeNotFound,
		},
		{
			name:     "action not allowed",
			decl:     Declaration{Type: "package", Name: "zsh", Action: "restart"},
			wantCode: engine.ErrCodeActionNotAllowed,
		},
		{
			name:     "invalid guard",
			decl:     Declaration{Type: "package", Name: "zsh", OnlyIf: []GuardDecl{{Command: "true", Starlark: "True"}}},
			wantCode: engine.ErrCodeValidation,
		},
		{
			name:     "wasm guard without runtime",
			decl:     Declaration{Type: "package", Name: "zsh", NotIf: []GuardDecl{{WASM: "check.wasm"}}},
			wantCode: engine.ErrCodeConfiguration,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.decl.SourceLine = "site.cue:3"
			_, err := newTestBuilder().Build(context.Background(), []Declaration{tt.decl})
			if err == nil {
				t.Fatal("expected error")
			}
			e, ok := engine.AsEngineError(err)
			if !ok {
				t.Fatalf("expected engine error, got %T: %v", err, err)
			}
			if e.Code != tt.wantCode {
				t.Errorf("code = %s, want %s", e.Code, tt.wantCode)
			}
			if e.Details["source_line"] != "site.cue:3" {
				t.Errorf("source_line detail = %v", e.Details["source_line"])
			}
		})
	}
}

func TestBuilder_BadNotification(t *testing.T) {
	decls := []Declaration{
		{Type: "package", Name: "ntp", Notifies: []NotificationDecl{{Action: "restart", Resource: "ntpd"}}},
	}
	if _, err := newTestBuilder().Build(context.Background(), decls); err == nil {
		t.Error("expected error for a malformed notification target")
	}

	decls[0].Notifies[0] = NotificationDecl{Action: "restart", Resource: "service[ntpd]", Timing: "later"}
	if _, err := newTestBuilder().Build(context.Background(), decls); err == nil {
		t.Error("expected error for an invalid timing")
	}
}
