package openbsd

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openfroyo/converge/pkg/engine"
)

// PackageProviderName is the registered name of the pkg_add provider.
const PackageProviderName = "openbsd_package"

// Package resource parameters.
const (
	ParamPackageName = "package_name"
	ParamVersion     = "version"
	ParamSource      = "source"
	ParamOptions     = "options"
)

// PackageActions lists the actions the package provider implements.
var PackageActions = []engine.Action{engine.ActionInstall, engine.ActionUpgrade, engine.ActionRemove}

// Package manages binary packages with pkg_info, pkg_add and pkg_delete.
// The package source is passed to the tools as PKG_PATH.
type Package struct {
	// Desired is the declared resource.
	Desired *engine.Resource

	// Current is the probed state; nil until LoadCurrentResource runs.
	Current *engine.Resource

	// InstalledVersion is the version currently installed, empty if none.
	InstalledVersion string

	// Candidates are the versions offered by the source, flavors included.
	Candidates []string

	transport engine.Transport
	logger    zerolog.Logger
}

// NewPackage creates a package provider for one dispatch.
func NewPackage(env engine.ProviderEnv) (*Package, error) {
	if env.Resource == nil {
		return nil, engine.NewArgumentError("package provider requires a resource", nil)
	}
	if env.Transport == nil {
		return nil, engine.NewArgumentError("package provider requires a transport", nil)
	}
	return &Package{
		Desired:   env.Resource,
		transport: env.Transport,
		logger:    env.Logger,
	}, nil
}

// PackageFactory is the engine.ProviderFactory for the package provider.
func PackageFactory(env engine.ProviderEnv) (engine.Provider, error) {
	return NewPackage(env)
}

// Name returns the provider name.
func (p *Package) Name() string {
	return PackageProviderName
}

// PackageName returns the package_name parameter, defaulting to the resource name.
func (p *Package) PackageName() string {
	return p.Desired.StringParam(ParamPackageName, p.Desired.Name)
}

func (p *Package) source() string {
	return p.Desired.StringParam(ParamSource, "")
}

func (p *Package) env() map[string]string {
	env := map[string]string{}
	if src := p.source(); src != "" {
		env["PKG_PATH"] = src
	}
	return env
}

// LoadCurrentResource runs pkg_info for the package and parses both the
// installed version and the candidates offered by the source.
func (p *Package) LoadCurrentResource(ctx context.Context) (*engine.Resource, error) {
	name := p.PackageName()
	current := engine.PackageResource.New(p.Desired.Name)
	current.SetParam(ParamPackageName, name)

	cmd := "pkg_info " + name
	result, err := p.transport.Run(ctx, cmd, engine.CommandOptions{Env: p.env()})
	if err != nil {
		return nil, engine.NewQueryError(fmt.Sprintf("%s failed", cmd), err).
			WithResource(p.Desired.String())
	}
	// pkg_info exits 1 when the package is neither installed nor available.
	if result.ExitStatus != 0 && result.ExitStatus != 1 {
		e := engine.NewQueryError(fmt.Sprintf("%s failed with exit status %d", cmd, result.ExitStatus), nil).
			WithResource(p.Desired.String())
		e.Command = cmd
		e.ExitStatus = result.ExitStatus
		return nil, e
	}

	lines := result.Lines()
	p.InstalledVersion = ParseInstalledVersion(name, lines)
	p.Candidates = ParseCandidates(name, p.source(), lines)

	if p.InstalledVersion != "" {
		current.SetParam(ParamVersion, p.InstalledVersion)
	}

	p.logger.Debug().
		Str("installed", p.InstalledVersion).
		Strs("candidates", p.Candidates).
		Msg("Package state loaded")

	p.Current = current
	return current, nil
}

// ParseInstalledVersion extracts the installed version from pkg_info output.
func ParseInstalledVersion(name string, lines []string) string {
	re := regexp.MustCompile(`^Information for inst:` + regexp.QuoteMeta(name) + `-(\d\S*)$`)
	for _, line := range lines {
		if m := re.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			return m[1]
		}
	}
	return ""
}

// ParseCandidates extracts the versions offered by source from pkg_info
// output. With no source any package path is accepted.
func ParseCandidates(name, source string, lines []string) []string {
	prefix := `(?:\S*/)?`
	if source != "" {
		prefix = regexp.QuoteMeta(source) + `/?`
	}
	re := regexp.MustCompile(`^Information for ` + prefix + regexp.QuoteMeta(name) + `-(\d[\w.-]*)\.tgz`)
	var out []string
	for _, line := range lines {
		if m := re.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			out = append(out, m[1])
		}
	}
	return out
}

// CandidateVersion picks the candidate matching the flavor named by the
// options parameter, or the unflavored candidate when no flavor is asked.
func (p *Package) CandidateVersion() (string, error) {
	flavor := strings.TrimPrefix(strings.TrimSpace(p.Desired.StringParam(ParamOptions, "")), "-")
	for _, c := range p.Candidates {
		parts := strings.SplitN(c, "-", 2)
		if flavor == "" && len(parts) == 1 {
			return c, nil
		}
		if flavor != "" && len(parts) == 2 && parts[1] == flavor {
			return c, nil
		}
	}
	e := engine.NewQueryError(
		fmt.Sprintf("pkg_info %s failed - no packages found in $PKG_PATH, check source", p.PackageName()), nil).
		WithResource(p.Desired.String())
	e.Command = "pkg_info " + p.PackageName()
	return "", e
}

// Actions returns the package provider's action table.
func (p *Package) Actions() engine.ActionTable {
	return engine.ActionTable{
		engine.ActionInstall: p.Install,
		engine.ActionUpgrade: p.Upgrade,
		engine.ActionRemove:  p.Remove,
	}
}

// Install adds the package when it is not installed.
func (p *Package) Install(ctx context.Context) error {
	if p.InstalledVersion != "" {
		p.logger.Debug().Str("version", p.InstalledVersion).Msg("Package already installed")
		return nil
	}

	version := p.Desired.StringParam(ParamVersion, "")
	if version == "" {
		candidate, err := p.CandidateVersion()
		if err != nil {
			return err
		}
		version = candidate
	}

	cmd := fmt.Sprintf("pkg_add %s-%s", p.PackageName(), version)
	if _, err := engine.Execute(ctx, p.transport, cmd, engine.CommandOptions{Env: p.env()}); err != nil {
		return err
	}
	p.logger.Info().Str("version", version).Msg("Installed package")
	p.Desired.SetUpdatedByLastAction(true)
	return nil
}

// Upgrade updates the package when the candidate differs from the installed version.
func (p *Package) Upgrade(ctx context.Context) error {
	candidate, err := p.CandidateVersion()
	if err != nil {
		return err
	}
	if candidate == p.InstalledVersion {
		p.logger.Debug().Str("version", candidate).Msg("Package already at candidate version")
		return nil
	}

	env := p.env()
	env["FORCE_UPDATE"] = "YES"
	cmd := "pkg_add -u -F depends -F updatedepends " + p.PackageName()
	if _, err := engine.Execute(ctx, p.transport, cmd, engine.CommandOptions{Env: env}); err != nil {
		return err
	}
	p.logger.Info().Str("from", p.InstalledVersion).Str("to", candidate).Msg("Upgraded package")
	p.Desired.SetUpdatedByLastAction(true)
	return nil
}

// Remove deletes the package when it is installed at the requested version,
// or at any version when none is requested.
func (p *Package) Remove(ctx context.Context) error {
	if p.InstalledVersion == "" {
		p.logger.Debug().Msg("Package not installed")
		return nil
	}
	version := p.Desired.StringParam(ParamVersion, "")
	if version != "" && version != p.InstalledVersion {
		p.logger.Debug().Str("installed", p.InstalledVersion).Str("requested", version).Msg("Installed version differs, not removing")
		return nil
	}

	target := p.PackageName()
	if version != "" {
		target += "-" + version
	}
	if _, err := engine.Execute(ctx, p.transport, "pkg_delete "+target, engine.CommandOptions{}); err != nil {
		return err
	}
	p.logger.Info().Str("version", p.InstalledVersion).Msg("Removed package")
	p.Desired.SetUpdatedByLastAction(true)
	return nil
}
