package policy

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/converge/pkg/engine"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	return eng
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	want := []string{"declared-restart", "protected-packages", "remote-access"}
	if len(policies) != len(want) {
		t.Fatalf("got %d policies, want %d", len(policies), len(want))
	}
	for i, p := range policies {
		if p.Name != want[i] {
			t.Errorf("policy %d = %s, want %s", i, p.Name, want[i])
		}
		if !p.Builtin || !p.Enabled {
			t.Errorf("policy %s should be an enabled built-in", p.Name)
		}
	}
}

func TestEvaluate_Builtins(t *testing.T) {
	protected := &engine.Node{
		Name:       "bsd1",
		Platform:   "openbsd",
		Attributes: map[string]interface{}{"protected_packages": []interface{}{"vim"}},
	}

	tests := []struct {
		name         string
		res          func() *engine.Resource
		action       engine.Action
		node         *engine.Node
		wantAllowed  bool
		wantPolicy   string
		wantWarnings int
	}{
		{
			name:        "stop sshd",
			res:         func() *engine.Resource { return engine.ServiceResource.New("sshd") },
			action:      engine.ActionStop,
			wantAllowed: false,
			wantPolicy:  "remote-access",
		},
		{
			name:        "disable sshd",
			res:         func() *engine.Resource { return engine.ServiceResource.New("sshd") },
			action:      engine.ActionDisable,
			wantAllowed: false,
			wantPolicy:  "remote-access",
		},
		{
			name:        "stop ntpd",
			res:         func() *engine.Resource { return engine.ServiceResource.New("ntpd") },
			action:      engine.ActionStop,
			wantAllowed: true,
		},
		{
			name:        "remove protected package",
			res:         func() *engine.Resource { return engine.PackageResource.New("vim") },
			action:      engine.ActionRemove,
			node:        protected,
			wantAllowed: false,
			wantPolicy:  "protected-packages",
		},
		{
			name:        "remove without node facts",
			res:         func() *engine.Resource { return engine.PackageResource.New("vim") },
			action:      engine.ActionRemove,
			wantAllowed: true,
		},
		{
			name:        "install protected package",
			res:         func() *engine.Resource { return engine.PackageResource.New("vim") },
			action:      engine.ActionInstall,
			node:        protected,
			wantAllowed: true,
		},
		{
			name: "declared restart",
			res: func() *engine.Resource {
				r := engine.ServiceResource.New("nginx")
				r.Action = engine.ActionRestart
				return r
			},
			action:       engine.ActionRestart,
			wantAllowed:  true,
			wantWarnings: 1,
		},
		{
			name:        "notified restart",
			res:         func() *engine.Resource { return engine.ServiceResource.New("nginx") },
			action:      engine.ActionRestart,
			wantAllowed: true,
		},
	}

	eng := newTestEngine(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := tt.res()
			d, err := eng.Evaluate(context.Background(), NewInput(res, tt.action, tt.node))
			if err != nil {
				t.Fatalf("Evaluate() error = %v", err)
			}
			if d.Allowed != tt.wantAllowed {
				t.Fatalf("Allowed = %v, want %v (violations %v)", d.Allowed, tt.wantAllowed, d.Violations)
			}
			if tt.wantPolicy != "" {
				if len(d.Violations) != 1 || d.Violations[0].Policy != tt.wantPolicy {
					t.Fatalf("violations = %v, want one from %s", d.Violations, tt.wantPolicy)
				}
				v := d.Violations[0]
				if v.Resource != res.String() || v.Action != string(tt.action) {
					t.Errorf("violation context = %s/%s", v.Resource, v.Action)
				}
			}
			if len(d.Warnings) != tt.wantWarnings {
				t.Errorf("warnings = %v, want %d", d.Warnings, tt.wantWarnings)
			}
			if len(d.EvaluatedPolicies) != 3 {
				t.Errorf("evaluated %v", d.EvaluatedPolicies)
			}
		})
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	in := NewInput(engine.ServiceResource.New("sshd"), engine.ActionStop, nil)

	if err := eng.DisablePolicy("remote-access"); err != nil {
		t.Fatalf("DisablePolicy() error = %v", err)
	}
	d, err := eng.Evaluate(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed {
		t.Error("disabled policy should not deny")
	}
	for _, name := range d.EvaluatedPolicies {
		if name == "remote-access" {
			t.Error("disabled policy was evaluated")
		}
	}

	if err := eng.EnablePolicy("remote-access"); err != nil {
		t.Fatalf("EnablePolicy() error = %v", err)
	}
	d, err = eng.Evaluate(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed {
		t.Error("re-enabled policy should deny")
	}

	if err := eng.DisablePolicy("missing"); err == nil {
		t.Error("expected error for an unknown policy")
	}
	if _, err := eng.GetPolicy("missing"); err == nil {
		t.Error("expected error for an unknown policy")
	}
}

const freezeRego = `package site.freeze

import rego.v1

deny contains msg if {
	input.action == "upgrade"
	msg := sprintf("upgrades are frozen (%s)", [input.resource.key])
}
`

func TestReplacePolicies(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	in := NewInput(engine.PackageResource.New("zsh"), engine.ActionUpgrade, nil)

	if err := eng.ReplacePolicies(ctx, []Policy{{Name: "freeze", Rego: freezeRego, Enabled: true}}); err != nil {
		t.Fatalf("ReplacePolicies() error = %v", err)
	}
	if n := len(eng.ListPolicies()); n != 4 {
		t.Fatalf("got %d policies, want 4", n)
	}

	d, err := eng.Evaluate(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed || len(d.Violations) != 1 {
		t.Fatalf("decision = %+v, want one violation", d)
	}
	if v := d.Violations[0]; v.Severity != SeverityError || v.Message != "upgrades are frozen (package[zsh])" {
		t.Errorf("violation = %+v", v)
	}

	err = eng.ReplacePolicies(ctx, []Policy{{Name: "broken", Rego: "package broken\n\ndeny contains"}})
	if err == nil {
		t.Fatal("expected compile error")
	}
	if _, err := eng.GetPolicy("freeze"); err != nil {
		t.Error("failed replace should keep the previous policies")
	}

	if err := eng.ReplacePolicies(ctx, nil); err != nil {
		t.Fatal(err)
	}
	if n := len(eng.ListPolicies()); n != 3 {
		t.Errorf("got %d policies after clearing, want the 3 built-ins", n)
	}
	d, err = eng.Evaluate(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed {
		t.Error("upgrade should be allowed once the freeze is removed")
	}
}

func TestEvaluateCollection(t *testing.T) {
	eng := newTestEngine(t)

	sshd := engine.ServiceResource.New("sshd")
	sshd.Action = engine.ActionStop
	vim := engine.PackageResource.New("vim")
	if _, err := vim.Notifies(engine.ActionRestart, engine.Resolved(sshd), engine.TimingDelayed); err != nil {
		t.Fatal(err)
	}
	if _, err := vim.Notifies(engine.ActionReload, engine.Unresolved(engine.MakeKey(engine.ResourceTypeService, "ghost")), engine.TimingDelayed); err != nil {
		t.Fatal(err)
	}

	c := engine.NewResourceCollection()
	if err := c.Insert(vim, sshd); err != nil {
		t.Fatal(err)
	}

	decisions, err := eng.EvaluateCollection(context.Background(), c, nil)
	if err != nil {
		t.Fatalf("EvaluateCollection() error = %v", err)
	}

	got := make(map[string]bool)
	for _, d := range decisions {
		got[d.Resource+"/"+d.Action] = d.Decision.Allowed
	}
	want := map[string]bool{
		"package[vim]/install":   true,
		"service[sshd]/restart": true,
		"service[sshd]/stop":    false,
	}
	if len(got) != len(want) || len(decisions) != len(want) {
		t.Fatalf("decisions = %v, want %v", got, want)
	}
	for k, allowed := range want {
		if got[k] != allowed {
			t.Errorf("%s allowed = %v, want %v", k, got[k], allowed)
		}
	}
}

func TestCreateViolation(t *testing.T) {
	p := &Policy{Name: "p", Severity: SeverityWarning}
	in := &Input{Resource: ResourceInput{Key: "package[vim]"}, Action: "remove"}

	tests := []struct {
		name     string
		result   interface{}
		wantMsg  string
		wantSev  Severity
	}{
		{"string", "no", "no", SeverityWarning},
		{"object", map[string]interface{}{"message": "stop", "severity": "critical"}, "stop", SeverityCritical},
		{"object without severity", map[string]interface{}{"message": "hm"}, "hm", SeverityWarning},
		{"other", 42, "42", SeverityWarning},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := createViolation(p, tt.result, in)
			if v.Message != tt.wantMsg || v.Severity != tt.wantSev {
				t.Errorf("violation = %+v", v)
			}
			if v.Resource != "package[vim]" || v.Action != "remove" || v.Policy != "p" {
				t.Errorf("violation context = %+v", v)
			}
		})
	}
}

func TestGate(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	sshd := engine.ServiceResource.New("sshd")

	enforcing := NewGate(eng, "", zerolog.Nop())
	err := enforcing.Allow(ctx, sshd, engine.ActionStop)
	var denied *DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("Allow() error = %v, want *DeniedError", err)
	}
	if !strings.Contains(denied.Error(), "remote-access: refusing to stop sshd") {
		t.Errorf("error = %q", denied.Error())
	}
	if err := enforcing.Allow(ctx, sshd, engine.ActionStart); err != nil {
		t.Errorf("start should be allowed: %v", err)
	}

	advisory := NewGate(eng, ModeAdvisory, zerolog.Nop())
	if err := advisory.Allow(ctx, sshd, engine.ActionStop); err != nil {
		t.Errorf("advisory gate denied: %v", err)
	}

	vim := engine.PackageResource.New("vim")
	if err := enforcing.Allow(ctx, vim, engine.ActionRemove); err != nil {
		t.Fatalf("remove without node facts should pass: %v", err)
	}
	enforcing.SetNode(&engine.Node{
		Name:       "bsd1",
		Attributes: map[string]interface{}{"protected_packages": []interface{}{"vim"}},
	})
	if err := enforcing.Allow(ctx, vim, engine.ActionRemove); !errors.As(err, &denied) {
		t.Errorf("Allow() error = %v, want denial once node facts are set", err)
	}
}
