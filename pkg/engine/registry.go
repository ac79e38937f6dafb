package engine

import (
	"fmt"
	"sort"
	"sync"
)

// DefaultPlatform registers a provider used when no platform entry matches.
const DefaultPlatform = "*"

// ProviderRegistration binds a provider factory to a resource type and
// platform.
type ProviderRegistration struct {
	// Name is the unique provider name, usable in a resource's provider attribute.
	Name string

	// Type is the resource type this provider converges.
	Type ResourceType

	// Platform is the node platform (e.g. openbsd) or DefaultPlatform.
	Platform string

	// Versions restricts the registration to specific platform versions.
	// Empty matches every version.
	Versions []string

	// Actions is the set of actions the provider's table implements.
	Actions []Action

	// Factory builds a provider instance.
	Factory ProviderFactory
}

func (p *ProviderRegistration) implements(action Action) bool {
	for _, a := range p.Actions {
		if a == action {
			return true
		}
	}
	return false
}

func (p *ProviderRegistration) matchesVersion(version string) bool {
	for _, v := range p.Versions {
		if v == version {
			return true
		}
	}
	return false
}

// Registry maps resource types and platforms to providers.
type Registry struct {
	mu        sync.RWMutex
	types     map[ResourceType]ResourceTypeDef
	providers map[ResourceType][]*ProviderRegistration
	byName    map[string]*ProviderRegistration
}

// NewRegistry creates a registry that knows the package and service types.
func NewRegistry() *Registry {
	r := &Registry{
		types:     make(map[ResourceType]ResourceTypeDef),
		providers: make(map[ResourceType][]*ProviderRegistration),
		byName:    make(map[string]*ProviderRegistration),
	}
	r.types[PackageResource.Type] = PackageResource
	r.types[ServiceResource.Type] = ServiceResource
	return r
}

// RegisterType adds or replaces a resource type.
func (r *Registry) RegisterType(def ResourceTypeDef) error {
	if def.Type == "" {
		return NewArgumentError("resource type name is required", nil)
	}
	if len(def.AllowedActions) == 0 {
		return NewArgumentError(fmt.Sprintf("resource type %s declares no actions", def.Type), nil)
	}
	if def.DefaultAction != "" && !def.Allows(def.DefaultAction) {
		return NewArgumentError(fmt.Sprintf("default action %s is not allowed for %s", def.DefaultAction, def.Type), nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[def.Type] = def
	return nil
}

// Register adds a provider. The provider must implement every allowed
// action of its resource type except nothing, and no others.
func (r *Registry) Register(reg ProviderRegistration) error {
	if reg.Name == "" {
		return NewArgumentError("provider name is required", nil)
	}
	if reg.Factory == nil {
		return NewArgumentError(fmt.Sprintf("provider %s has no factory", reg.Name), nil)
	}
	if reg.Platform == "" {
		reg.Platform = DefaultPlatform
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	def, ok := r.types[reg.Type]
	if !ok {
		return NewArgumentError(fmt.Sprintf("provider %s: unknown resource type %q", reg.Name, reg.Type), nil)
	}
	if _, exists := r.byName[reg.Name]; exists {
		return NewArgumentError(fmt.Sprintf("provider %s is already registered", reg.Name), nil)
	}

	for _, a := range reg.Actions {
		if !def.Allows(a) {
			return NewArgumentError(fmt.Sprintf("provider %s: action %s is not allowed for %s", reg.Name, a, def.Type), nil).
				WithCode(ErrCodeActionNotAllowed)
		}
	}
	for _, a := range def.AllowedActions {
		if a != ActionNothing && !reg.implements(a) {
			return NewArgumentError(fmt.Sprintf("provider %s: missing action %s required by %s", reg.Name, a, def.Type), nil).
				WithCode(ErrCodeActionNotAllowed)
		}
	}

	entry := reg
	r.providers[reg.Type] = append(r.providers[reg.Type], &entry)
	r.byName[reg.Name] = &entry
	return nil
}

// TypeDef returns a registered resource type.
func (r *Registry) TypeDef(t ResourceType) (ResourceTypeDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.types[t]
	return def, ok
}

// NewResource creates a resource of a registered type.
func (r *Registry) NewResource(t ResourceType, name string) (*Resource, error) {
	def, ok := r.TypeDef(t)
	if !ok {
		return nil, NewArgumentError(fmt.Sprintf("unknown resource type %q", t), nil).WithCode(ErrCodeNotFound)
	}
	return def.New(name), nil
}

// Resolve picks the provider for a resource on a node. An explicit provider
// name wins. Otherwise the lookup falls back from platform and version, to
// platform, to the default entry. Within a tier the latest registration wins.
func (r *Registry) Resolve(res *Resource, node *Node) (*ProviderRegistration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if res.Provider != "" {
		reg, ok := r.byName[res.Provider]
		if !ok {
			return nil, NewConfigurationError(fmt.Sprintf("provider %q is not registered", res.Provider), nil).
				WithResource(res.String()).
				WithCode(ErrCodeNoProvider)
		}
		if reg.Type != res.Type {
			return nil, NewConfigurationError(fmt.Sprintf("provider %q handles %s resources", res.Provider, reg.Type), nil).
				WithResource(res.String()).
				WithCode(ErrCodeNoProvider)
		}
		return reg, nil
	}

	var platform, version string
	if node != nil {
		platform, version = node.Platform, node.PlatformVersion
	}

	regs := r.providers[res.Type]
	var byPlatform, byDefault *ProviderRegistration
	for i := len(regs) - 1; i >= 0; i-- {
		reg := regs[i]
		switch {
		case reg.Platform == platform && len(reg.Versions) > 0:
			if reg.matchesVersion(version) {
				return reg, nil
			}
		case reg.Platform == platform:
			if byPlatform == nil {
				byPlatform = reg
			}
		case reg.Platform == DefaultPlatform:
			if byDefault == nil {
				byDefault = reg
			}
		}
	}
	if byPlatform != nil {
		return byPlatform, nil
	}
	if byDefault != nil {
		return byDefault, nil
	}
	return nil, NewConfigurationError(
		fmt.Sprintf("no %s provider for platform %q version %q", res.Type, platform, version), nil).
		WithResource(res.String()).
		WithCode(ErrCodeNoProvider)
}

// Providers returns every registration sorted by type then name.
func (r *Registry) Providers() []ProviderRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ProviderRegistration, 0, len(r.byName))
	for _, reg := range r.byName {
		out = append(out, *reg)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Name < out[j].Name
	})
	return out
}
