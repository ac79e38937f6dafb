package openbsd

import (
	"context"
	"strings"
	"testing"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/providers/providertest"
	"github.com/openfroyo/converge/pkg/providers/service"
)

func newNTPD(params map[string]interface{}) *engine.Resource {
	r := engine.ServiceResource.New("ntpd")
	r.SetParam(service.ParamPSCommand, "ps -ax")
	for k, v := range params {
		r.SetParam(k, v)
	}
	return r
}

func loadService(t *testing.T, res *engine.Resource, tr *providertest.Transport) *Service {
	t.Helper()
	s, err := NewService(providertest.Env(res, tr))
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	if _, err := s.LoadCurrentResource(context.Background()); err != nil {
		t.Fatalf("LoadCurrentResource failed: %v", err)
	}
	return s
}

func TestSetVariable(t *testing.T) {
	tests := []struct {
		name  string
		lines []string
		want  []string
	}{
		{"replaces assignment", []string{"foo", `ntpd_flags="NO"`, "bar"}, []string{"foo", "bar", `ntpd_flags="-s"`}},
		{"drops comments and indented lines", []string{"# ntpd_flags=-v", "  ntpd_flags=NO", "bar"}, []string{"bar", `ntpd_flags="-s"`}},
		{"drops variables containing the name", []string{"openntpd_flags=-v", "sshd_flags="}, []string{"sshd_flags=", `ntpd_flags="-s"`}},
		{"appends when absent", nil, []string{`ntpd_flags="-s"`}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SetVariable(tt.lines, "ntpd_flags", "-s")
			if strings.Join(got, "\n") != strings.Join(tt.want, "\n") {
				t.Errorf("SetVariable() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLookupVariable(t *testing.T) {
	tests := []struct {
		name  string
		lines []string
		value string
		found bool
	}{
		{"quoted", []string{`ntpd_flags="-s"`}, "-s", true},
		{"bare", []string{"ntpd_flags=NO"}, "NO", true},
		{"empty", []string{`ntpd_flags=""`}, "", true},
		{"comment", []string{"ntpd_flags=NO # off for now"}, "NO", true},
		{"last wins", []string{"ntpd_flags=NO", `ntpd_flags="-s"`}, "-s", true},
		{"other variable", []string{"xntpd_flags=NO", "sshd_flags="}, "", false},
		{"absent", nil, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			value, found := LookupVariable(tt.lines, "ntpd_flags")
			if value != tt.value || found != tt.found {
				t.Errorf("LookupVariable() = %q, %v; want %q, %v", value, found, tt.value, tt.found)
			}
		})
	}
}

func TestService_Enable(t *testing.T) {
	tests := []struct {
		name    string
		conf    []string
		flags   interface{}
		want    []string
		updated bool
	}{
		{
			name:    "disabled daemon",
			conf:    []string{"foo", `ntpd_flags="NO"`, "bar"},
			flags:   "-s",
			want:    []string{"foo", "bar", `ntpd_flags="-s"`},
			updated: true,
		},
		{
			name:    "absent variable with default flags",
			conf:    []string{"foo"},
			want:    []string{"foo", `ntpd_flags=""`},
			updated: true,
		},
		{
			name:  "already enabled",
			conf:  []string{`ntpd_flags="-s"`},
			flags: "-s",
			want:  []string{`ntpd_flags="-s"`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := providertest.New().
				On("ps -ax", 0, "").
				File(RCConfLocal, tt.conf...)
			params := map[string]interface{}{}
			if tt.flags != nil {
				params[ParamEnableFlags] = tt.flags
			}
			res := newNTPD(params)
			s := loadService(t, res, tr)

			if err := s.Actions()[engine.ActionEnable](context.Background()); err != nil {
				t.Fatalf("Enable failed: %v", err)
			}
			if got := tr.Lines(RCConfLocal); strings.Join(got, "\n") != strings.Join(tt.want, "\n") {
				t.Errorf("rc.conf.local = %q, want %q", got, tt.want)
			}
			if res.UpdatedByLastAction != tt.updated {
				t.Errorf("UpdatedByLastAction = %v, want %v", res.UpdatedByLastAction, tt.updated)
			}
		})
	}
}

func TestService_EnableIsIdempotent(t *testing.T) {
	tr := providertest.New().
		On("ps -ax", 0, "").
		File(RCConfLocal, "foo", `ntpd_flags="NO"`)

	first := newNTPD(map[string]interface{}{ParamEnableFlags: "-s"})
	s := loadService(t, first, tr)
	if err := s.Enable(context.Background()); err != nil {
		t.Fatal(err)
	}

	second := newNTPD(map[string]interface{}{ParamEnableFlags: "-s"})
	s = loadService(t, second, tr)
	if !s.Enabled {
		t.Fatal("service should be enabled after the first run")
	}
	if err := s.Enable(context.Background()); err != nil {
		t.Fatal(err)
	}
	if second.UpdatedByLastAction || tr.Writes() != 1 {
		t.Errorf("second run rewrote rc.conf.local: writes=%d", tr.Writes())
	}
}

func TestService_Disable(t *testing.T) {
	tests := []struct {
		name    string
		conf    []string
		flags   string
		want    []string
		updated bool
	}{
		{"enabled with declared flags", []string{`ntpd_flags="-s"`, "sshd_flags="}, "-s", []string{"sshd_flags=", `ntpd_flags="NO"`}, true},
		{"enabled with default flags", []string{"ntpd_flags="}, "", []string{`ntpd_flags="NO"`}, true},
		{"already disabled", []string{"ntpd_flags=NO"}, "", []string{"ntpd_flags=NO"}, false},
		{"enabled with other flags", []string{"ntpd_flags=-v"}, "-s", []string{"ntpd_flags=-v"}, false},
		{"absent", []string{"foo"}, "", []string{"foo"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := providertest.New().
				On("ps -ax", 0, "").
				File(RCConfLocal, tt.conf...)
			res := newNTPD(map[string]interface{}{ParamEnableFlags: tt.flags})
			s := loadService(t, res, tr)

			if err := s.Disable(context.Background()); err != nil {
				t.Fatalf("Disable failed: %v", err)
			}
			if got := tr.Lines(RCConfLocal); strings.Join(got, "\n") != strings.Join(tt.want, "\n") {
				t.Errorf("rc.conf.local = %q, want %q", got, tt.want)
			}
			if res.UpdatedByLastAction != tt.updated {
				t.Errorf("UpdatedByLastAction = %v, want %v", res.UpdatedByLastAction, tt.updated)
			}
		})
	}
}

func TestService_EnableVariable(t *testing.T) {
	res := newNTPD(map[string]interface{}{ParamEnableVariable: "openntpd_flags"})
	tr := providertest.New().
		On("ps -ax", 0, "").
		File(RCConfLocal, "openntpd_flags=-v")
	s := loadService(t, res, tr)

	if s.EnableVariable() != "openntpd_flags" || s.Value != "-v" || !s.Set {
		t.Errorf("variable = %s, value = %q, set = %v", s.EnableVariable(), s.Value, s.Set)
	}

	res = newNTPD(map[string]interface{}{service.ParamServiceName: "smtpd"})
	s, _ = NewService(providertest.Env(res, tr))
	if s.EnableVariable() != "smtpd_flags" {
		t.Errorf("EnableVariable() = %s", s.EnableVariable())
	}
}

func TestService_MissingRCConfLocal(t *testing.T) {
	tr := providertest.New().On("ps -ax", 0, "")
	s, _ := NewService(providertest.Env(newNTPD(nil), tr))

	_, err := s.LoadCurrentResource(context.Background())
	e, ok := engine.AsEngineError(err)
	if !ok || e.Class != engine.ErrorClassConfiguration || e.Code != engine.ErrCodeMissingFile {
		t.Fatalf("expected missing file error, got %v", err)
	}
	if !strings.Contains(err.Error(), "/etc/rc.conf.local does not exist") {
		t.Errorf("message = %q", err.Error())
	}
}

func TestService_StartUsesSimple(t *testing.T) {
	tr := providertest.New().
		On("ps -ax", 0, "").
		On("/etc/rc.d/ntpd start", 0, "").
		File(RCConfLocal)
	res := newNTPD(map[string]interface{}{service.ParamStartCommand: "/etc/rc.d/ntpd start"})
	s := loadService(t, res, tr)

	if err := s.Actions()[engine.ActionStart](context.Background()); err != nil {
		t.Fatal(err)
	}
	if !res.UpdatedByLastAction {
		t.Error("start should mark the resource updated")
	}
}

func TestRegister(t *testing.T) {
	r := engine.NewRegistry()
	if err := service.Register(r); err != nil {
		t.Fatal(err)
	}
	if err := Register(r); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	node := &engine.Node{Platform: Platform, PlatformVersion: "7.5"}
	tests := []struct {
		res  *engine.Resource
		want string
	}{
		{engine.PackageResource.New("zsh"), PackageProviderName},
		{engine.ServiceResource.New("ntpd"), ServiceProviderName},
	}
	for _, tt := range tests {
		reg, err := r.Resolve(tt.res, node)
		if err != nil || reg.Name != tt.want {
			t.Errorf("Resolve(%s) = %v, %v; want %s", tt.res, reg, err, tt.want)
		}
	}

	reg, err := r.Resolve(engine.ServiceResource.New("sshd"), &engine.Node{Platform: "netbsd"})
	if err != nil || reg.Name != service.ProviderName {
		t.Errorf("fallback = %v, %v", reg, err)
	}
}
