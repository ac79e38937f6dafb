package openbsd

import (
	"context"
	"fmt"
	"strings"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/providers/service"
)

// ServiceProviderName is the registered name of the rc.conf.local provider.
const ServiceProviderName = "openbsd_service"

// RCConfLocal is the file holding local daemon flags.
const RCConfLocal = "/etc/rc.conf.local"

// DisabledFlags is the flags value that disables a daemon.
const DisabledFlags = "NO"

// Service resource parameters specific to OpenBSD.
const (
	ParamEnableVariable = "enable_variable"
	ParamEnableFlags    = "enable_flags"
)

// Service extends the simple provider with enable and disable through
// <daemon>_flags variables in rc.conf.local.
type Service struct {
	*service.Simple

	// Path is the rc.conf.local path.
	Path string

	// Enabled reports whether the variable is set to the declared flags.
	Enabled bool

	// Value is the current value of the variable and Set whether it is present.
	Value string
	Set   bool
}

// NewService creates an rc.conf.local service provider for one dispatch.
func NewService(env engine.ProviderEnv) (*Service, error) {
	simple, err := service.NewSimple(env)
	if err != nil {
		return nil, err
	}
	return &Service{Simple: simple, Path: RCConfLocal}, nil
}

// ServiceFactory is the engine.ProviderFactory for the rc.conf.local provider.
func ServiceFactory(env engine.ProviderEnv) (engine.Provider, error) {
	return NewService(env)
}

// Name returns the provider name.
func (s *Service) Name() string {
	return ServiceProviderName
}

// EnableVariable returns the rc.conf.local variable, defaulting to <service>_flags.
func (s *Service) EnableVariable() string {
	return s.Desired.StringParam(ParamEnableVariable, s.ServiceName()+"_flags")
}

// EnableFlags returns the declared flags. Empty flags enable the daemon
// with its defaults.
func (s *Service) EnableFlags() string {
	if v, ok := s.Desired.Param(ParamEnableFlags); ok {
		if flags, ok := v.(string); ok {
			return flags
		}
	}
	return ""
}

// LoadCurrentResource loads the process state, then the variable from rc.conf.local.
func (s *Service) LoadCurrentResource(ctx context.Context) (*engine.Resource, error) {
	current, err := s.Simple.LoadCurrentResource(ctx)
	if err != nil {
		return nil, err
	}

	lines, err := s.readConf(ctx)
	if err != nil {
		return nil, err
	}

	s.Value, s.Set = LookupVariable(lines, s.EnableVariable())
	s.Enabled = s.Set && s.Value == s.EnableFlags()
	current.SetParam("enabled", s.Enabled)
	if s.Set {
		current.SetParam(ParamEnableFlags, s.Value)
	}

	logger := s.Logger()
	logger.Debug().
		Str("variable", s.EnableVariable()).
		Str("value", s.Value).
		Bool("enabled", s.Enabled).
		Msg("rc.conf.local parsed")
	return current, nil
}

func (s *Service) readConf(ctx context.Context) ([]string, error) {
	exists, err := s.Transport().Exists(ctx, s.Path)
	if err != nil {
		return nil, engine.NewQueryError(fmt.Sprintf("cannot stat %s", s.Path), err).
			WithResource(s.Desired.String())
	}
	if !exists {
		return nil, engine.NewConfigurationError(fmt.Sprintf("%s does not exist", s.Path), nil).
			WithResource(s.Desired.String()).
			WithCode(engine.ErrCodeMissingFile)
	}
	lines, err := s.Transport().ReadLines(ctx, s.Path)
	if err != nil {
		return nil, engine.NewQueryError(fmt.Sprintf("cannot read %s", s.Path), err).
			WithResource(s.Desired.String())
	}
	return lines, nil
}

// Actions returns the simple table with enable and disable replaced.
func (s *Service) Actions() engine.ActionTable {
	table := s.Simple.Actions()
	table[engine.ActionEnable] = s.Enable
	table[engine.ActionDisable] = s.Disable
	return table
}

// Enable sets the variable to the declared flags unless it already is.
func (s *Service) Enable(ctx context.Context) error {
	if s.Enabled {
		logger := s.Logger()
		logger.Debug().Msg("Service already enabled")
		return nil
	}
	if err := s.SetEnableVariable(ctx, s.EnableFlags()); err != nil {
		return err
	}
	s.Desired.SetUpdatedByLastAction(true)
	return nil
}

// Disable sets the variable to NO when the service is enabled with the
// declared flags.
func (s *Service) Disable(ctx context.Context) error {
	if !s.Enabled {
		logger := s.Logger()
		logger.Debug().Str("value", s.Value).Msg("Service not enabled, nothing to disable")
		return nil
	}
	if err := s.SetEnableVariable(ctx, DisabledFlags); err != nil {
		return err
	}
	s.Desired.SetUpdatedByLastAction(true)
	return nil
}

// SetEnableVariable rewrites rc.conf.local with the variable set to value.
func (s *Service) SetEnableVariable(ctx context.Context, value string) error {
	lines, err := s.readConf(ctx)
	if err != nil {
		return err
	}
	out := SetVariable(lines, s.EnableVariable(), value)
	if err := s.Transport().WriteLines(ctx, s.Path, out); err != nil {
		return engine.NewExecutionError("write "+s.Path, -1, err).
			WithResource(s.Desired.String())
	}
	logger := s.Logger()
	logger.Info().Str("variable", s.EnableVariable()).Str("value", value).Msg("Updated rc.conf.local")
	return nil
}

// LookupVariable returns the unquoted value of the last assignment to
// variable in lines.
func LookupVariable(lines []string, variable string) (string, bool) {
	var value string
	var found bool
	for _, line := range lines {
		rest, ok := assignment(line, variable)
		if !ok {
			continue
		}
		value, found = unquote(rest), true
	}
	return value, found
}

// SetVariable drops every line mentioning variable, comments included, and
// appends variable="value".
func SetVariable(lines []string, variable, value string) []string {
	out := make([]string, 0, len(lines)+1)
	for _, line := range lines {
		if strings.Contains(line, variable) {
			continue
		}
		out = append(out, line)
	}
	return append(out, fmt.Sprintf("%s=%q", variable, value))
}

func assignment(line, variable string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, variable+"=") {
		return "", false
	}
	return strings.TrimPrefix(trimmed, variable+"="), true
}

func unquote(value string) string {
	if i := strings.Index(value, " #"); i >= 0 && !strings.HasPrefix(value, `"`) {
		value = value[:i]
	}
	value = strings.TrimSpace(value)
	if len(value) >= 2 {
		if (value[0] == '"' && value[len(value)-1] == '"') || (value[0] == '\'' && value[len(value)-1] == '\'') {
			return value[1 : len(value)-1]
		}
	}
	return value
}
