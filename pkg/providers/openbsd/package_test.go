package openbsd

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/providers/providertest"
)

const (
	testSource = "ftp://ftp.example.com/packages/"

	screenInfo = `Information for ftp://ftp.example.com/packages//screen-4.0.3p1.tgz

Comment:
multi-screen window manager
Information for ftp://ftp.example.com/packages//screen-4.0.3p1-shm.tgz
Information for ftp://ftp.example.com/packages//screen-4.0.3p1-static.tgz
`

	zshInstalled = `Information for inst:zsh-4.3.6_7

Comment:
Z shell, Bourne shell-compatible
`
)

func newPackage(name string, params map[string]interface{}) *engine.Resource {
	r := engine.PackageResource.New(name)
	for k, v := range params {
		r.SetParam(k, v)
	}
	return r
}

func loadPackage(t *testing.T, res *engine.Resource, tr *providertest.Transport) *Package {
	t.Helper()
	p, err := NewPackage(providertest.Env(res, tr))
	if err != nil {
		t.Fatalf("NewPackage failed: %v", err)
	}
	if _, err := p.LoadCurrentResource(context.Background()); err != nil {
		t.Fatalf("LoadCurrentResource failed: %v", err)
	}
	return p
}

func TestParseInstalledVersion(t *testing.T) {
	tests := []struct {
		name  string
		pkg   string
		lines []string
		want  string
	}{
		{"installed", "zsh", []string{"Information for inst:zsh-4.3.6_7"}, "4.3.6_7"},
		{"not installed", "zsh", nil, ""},
		{"dashed name", "ruby-iconv", []string{"Information for inst:ruby-iconv-1.8.6"}, "1.8.6"},
		{"prefix of another package", "ruby", []string{"Information for inst:ruby-iconv-1.8.6"}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseInstalledVersion(tt.pkg, tt.lines); got != tt.want {
				t.Errorf("ParseInstalledVersion() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCandidateVersion(t *testing.T) {
	tests := []struct {
		name    string
		options string
		want    string
	}{
		{"basic", "", "4.0.3p1"},
		{"static flavor", "-static", "4.0.3p1-static"},
		{"shm flavor", "-shm", "4.0.3p1-shm"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := providertest.New().On("pkg_info screen", 1, screenInfo)
			params := map[string]interface{}{ParamSource: testSource}
			if tt.options != "" {
				params[ParamOptions] = tt.options
			}
			p := loadPackage(t, newPackage("screen", params), tr)

			got, err := p.CandidateVersion()
			if err != nil {
				t.Fatalf("CandidateVersion failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("CandidateVersion() = %q, want %q", got, tt.want)
			}
			if p.InstalledVersion != "" {
				t.Errorf("InstalledVersion = %q", p.InstalledVersion)
			}
		})
	}
}

func TestCandidateVersion_NoPackages(t *testing.T) {
	tr := providertest.New().On("pkg_info screen", 1, "")
	p := loadPackage(t, newPackage("screen", map[string]interface{}{ParamSource: testSource}), tr)

	_, err := p.CandidateVersion()
	if !engine.IsQuery(err) {
		t.Fatalf("expected query error, got %v", err)
	}
	if !strings.Contains(err.Error(), "pkg_info screen failed - no packages found in $PKG_PATH, check source") {
		t.Errorf("message = %q", err.Error())
	}
}

func TestPackage_LoadCurrentResource(t *testing.T) {
	tr := providertest.New().On("pkg_info zsh", 0, zshInstalled)
	res := newPackage("zsh", map[string]interface{}{ParamSource: testSource})
	p := loadPackage(t, res, tr)

	if p.InstalledVersion != "4.3.6_7" {
		t.Errorf("InstalledVersion = %q", p.InstalledVersion)
	}
	if p.Current.StringParam(ParamVersion, "") != "4.3.6_7" {
		t.Errorf("current version = %v", p.Current.Params)
	}

	calls := tr.Calls()
	if len(calls) != 1 || calls[0].EnvString() != "PKG_PATH="+testSource {
		t.Errorf("calls = %+v", calls)
	}
}

func TestPackage_LoadCurrentResourceErrors(t *testing.T) {
	t.Run("unexpected exit status", func(t *testing.T) {
		tr := providertest.New().On("pkg_info zsh", 2, "")
		p, _ := NewPackage(providertest.Env(newPackage("zsh", nil), tr))
		_, err := p.LoadCurrentResource(context.Background())
		e, ok := engine.AsEngineError(err)
		if !ok || e.Class != engine.ErrorClassQuery || e.ExitStatus != 2 {
			t.Errorf("expected query error with exit status, got %v", err)
		}
	})

	t.Run("transport failure", func(t *testing.T) {
		tr := providertest.New().Fail("pkg_info zsh", errors.New("broken pipe"))
		p, _ := NewPackage(providertest.Env(newPackage("zsh", nil), tr))
		if _, err := p.LoadCurrentResource(context.Background()); !engine.IsQuery(err) {
			t.Errorf("expected query error, got %v", err)
		}
	})
}

func TestPackage_Install(t *testing.T) {
	tests := []struct {
		name    string
		pkg     string
		params  map[string]interface{}
		info    string
		want    string
		updated bool
	}{
		{
			name:    "explicit version",
			pkg:     "zsh",
			params:  map[string]interface{}{ParamSource: testSource, ParamVersion: "4.3.6_7"},
			want:    "pkg_add zsh-4.3.6_7",
			updated: true,
		},
		{
			name:    "dashed name",
			pkg:     "ruby-iconv",
			params:  map[string]interface{}{ParamSource: testSource, ParamVersion: "1.8.6"},
			want:    "pkg_add ruby-iconv-1.8.6",
			updated: true,
		},
		{
			name:    "candidate flavor",
			pkg:     "screen",
			params:  map[string]interface{}{ParamSource: testSource, ParamOptions: "-static"},
			info:    screenInfo,
			want:    "pkg_add screen-4.0.3p1-static",
			updated: true,
		},
		{
			name:   "already installed",
			pkg:    "zsh",
			params: map[string]interface{}{ParamSource: testSource},
			info:   zshInstalled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := providertest.New().On("pkg_info "+tt.pkg, 1, tt.info)
			if tt.want != "" {
				tr.On(tt.want, 0, "")
			}
			res := newPackage(tt.pkg, tt.params)
			p := loadPackage(t, res, tr)

			if err := p.Install(context.Background()); err != nil {
				t.Fatalf("Install failed: %v", err)
			}

			calls := tr.Calls()
			if tt.want == "" {
				if len(calls) != 1 {
					t.Errorf("unexpected commands: %v", tr.Commands())
				}
			} else {
				last := calls[len(calls)-1]
				if last.Cmdline != tt.want || last.EnvString() != "PKG_PATH="+testSource {
					t.Errorf("last call = %+v, want %s", last, tt.want)
				}
			}
			if res.UpdatedByLastAction != tt.updated {
				t.Errorf("UpdatedByLastAction = %v, want %v", res.UpdatedByLastAction, tt.updated)
			}
		})
	}
}

func TestPackage_InstallFailure(t *testing.T) {
	tr := providertest.New().
		On("pkg_info zsh", 1, "").
		On("pkg_add zsh-4.3.6_7", 1, "")
	res := newPackage("zsh", map[string]interface{}{ParamVersion: "4.3.6_7"})
	p := loadPackage(t, res, tr)

	err := p.Install(context.Background())
	e, ok := engine.AsEngineError(err)
	if !ok || e.Class != engine.ErrorClassExecution || e.Command != "pkg_add zsh-4.3.6_7" || e.ExitStatus != 1 {
		t.Errorf("expected execution error, got %v", err)
	}
	if res.UpdatedByLastAction {
		t.Error("failed install must not mark the resource updated")
	}
}

func TestPackage_Remove(t *testing.T) {
	tests := []struct {
		name    string
		version string
		info    string
		want    string
	}{
		{"with version", "4.3.6_7", zshInstalled, "pkg_delete zsh-4.3.6_7"},
		{"without version", "", zshInstalled, "pkg_delete zsh"},
		{"not installed", "", "", ""},
		{"other version installed", "5.9", zshInstalled, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := providertest.New().On("pkg_info zsh", 0, tt.info)
			if tt.want != "" {
				tr.On(tt.want, 0, "")
			}
			params := map[string]interface{}{}
			if tt.version != "" {
				params[ParamVersion] = tt.version
			}
			res := newPackage("zsh", params)
			res.Action = engine.ActionRemove
			p := loadPackage(t, res, tr)

			if err := p.Remove(context.Background()); err != nil {
				t.Fatalf("Remove failed: %v", err)
			}

			cmds := tr.Commands()
			if tt.want == "" {
				if len(cmds) != 1 || res.UpdatedByLastAction {
					t.Errorf("expected no-op, got %v", cmds)
				}
				return
			}
			if cmds[len(cmds)-1] != tt.want || !res.UpdatedByLastAction {
				t.Errorf("commands = %v, want %s", cmds, tt.want)
			}
		})
	}
}

func TestPackage_Upgrade(t *testing.T) {
	const upgrade = "pkg_add -u -F depends -F updatedepends screen"

	t.Run("newer candidate", func(t *testing.T) {
		info := "Information for inst:screen-4.0.2\n" + screenInfo
		tr := providertest.New().
			On("pkg_info screen", 0, info).
			On(upgrade, 0, "")
		res := newPackage("screen", map[string]interface{}{ParamSource: testSource})
		p := loadPackage(t, res, tr)

		if err := p.Upgrade(context.Background()); err != nil {
			t.Fatalf("Upgrade failed: %v", err)
		}
		calls := tr.Calls()
		last := calls[len(calls)-1]
		if last.Cmdline != upgrade || last.Env["FORCE_UPDATE"] != "YES" {
			t.Errorf("last call = %+v", last)
		}
		if !res.UpdatedByLastAction {
			t.Error("upgrade should mark the resource updated")
		}
	})

	t.Run("already current", func(t *testing.T) {
		info := "Information for inst:screen-4.0.3p1\n" + screenInfo
		tr := providertest.New().On("pkg_info screen", 0, info)
		res := newPackage("screen", map[string]interface{}{ParamSource: testSource})
		p := loadPackage(t, res, tr)

		if err := p.Upgrade(context.Background()); err != nil {
			t.Fatalf("Upgrade failed: %v", err)
		}
		if len(tr.Commands()) != 1 || res.UpdatedByLastAction {
			t.Errorf("expected no-op, got %v", tr.Commands())
		}
	})
}
