// Package service implements the generic process-table service provider.
//
// The simple provider decides whether a service is running by matching a
// pattern against the output of a ps command, and starts, stops, restarts
// and reloads it with commands declared on the resource.
package service

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/converge/pkg/engine"
)

// ProviderName is the registered name of the simple service provider.
const ProviderName = "simple_service"

// RestartPause is the pause between stop and start when no restart command is set.
const RestartPause = time.Second

// Service resource parameters.
const (
	ParamServiceName    = "service_name"
	ParamPattern        = "pattern"
	ParamPSCommand      = "ps_command"
	ParamStartCommand   = "start_command"
	ParamStopCommand    = "stop_command"
	ParamRestartCommand = "restart_command"
	ParamReloadCommand  = "reload_command"
)

// Actions lists the actions the simple provider implements.
var Actions = []engine.Action{
	engine.ActionEnable, engine.ActionDisable, engine.ActionStart,
	engine.ActionStop, engine.ActionRestart, engine.ActionReload,
}

// Simple manages a service through a process table probe and declared commands.
type Simple struct {
	// Desired is the declared resource.
	Desired *engine.Resource

	// Current is the probed state; nil until LoadCurrentResource runs.
	Current *engine.Resource

	// Running reports whether the pattern matched the process table.
	Running bool

	transport engine.Transport
	node      *engine.Node
	logger    zerolog.Logger
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewSimple creates a simple service provider for one dispatch.
func NewSimple(env engine.ProviderEnv) (*Simple, error) {
	if env.Resource == nil {
		return nil, engine.NewArgumentError("service provider requires a resource", nil)
	}
	if env.Transport == nil {
		return nil, engine.NewArgumentError("service provider requires a transport", nil)
	}
	sleep := env.Sleep
	if sleep == nil {
		sleep = engine.SleepContext
	}
	return &Simple{
		Desired:   env.Resource,
		transport: env.Transport,
		node:      env.Node,
		logger:    env.Logger,
		sleep:     sleep,
	}, nil
}

// Factory is the engine.ProviderFactory for the simple provider.
func Factory(env engine.ProviderEnv) (engine.Provider, error) {
	return NewSimple(env)
}

// Name returns the provider name.
func (s *Simple) Name() string {
	return ProviderName
}

// ServiceName returns the service_name parameter, defaulting to the resource name.
func (s *Simple) ServiceName() string {
	return s.Desired.StringParam(ParamServiceName, s.Desired.Name)
}

// Pattern returns the process table pattern, defaulting to the service name.
func (s *Simple) Pattern() string {
	return s.Desired.StringParam(ParamPattern, s.ServiceName())
}

// Transport returns the transport used to reach the node.
func (s *Simple) Transport() engine.Transport {
	return s.transport
}

// Logger returns the dispatch logger.
func (s *Simple) Logger() zerolog.Logger {
	return s.logger
}

// psCommand resolves the ps command from the resource, then from the node.
func (s *Simple) psCommand() string {
	if cmd := s.Desired.StringParam(ParamPSCommand, ""); cmd != "" {
		return cmd
	}
	if v, ok := s.node.Attribute(ParamPSCommand); ok {
		if cmd, ok := v.(string); ok {
			return cmd
		}
	}
	return ""
}

// LoadCurrentResource runs the ps command and matches the pattern against
// each line of its output.
func (s *Simple) LoadCurrentResource(ctx context.Context) (*engine.Resource, error) {
	current := engine.ServiceResource.New(s.Desired.Name)
	current.SetParam(ParamServiceName, s.ServiceName())

	ps := s.psCommand()
	if ps == "" {
		return nil, engine.NewConfigurationError(
			fmt.Sprintf("%s: could not determine how to inspect the process table, set the ps_command parameter", s.Desired), nil).
			WithResource(s.Desired.String())
	}

	pattern, err := regexp.Compile(s.Pattern())
	if err != nil {
		return nil, engine.NewConfigurationError(fmt.Sprintf("invalid pattern %q", s.Pattern()), err).
			WithResource(s.Desired.String())
	}

	s.logger.Debug().Str("pattern", pattern.String()).Msg("Matching pattern against process table")

	result, err := s.transport.Run(ctx, ps, engine.CommandOptions{})
	if err != nil {
		return nil, engine.NewQueryError(fmt.Sprintf("command %s failed", ps), err).
			WithResource(s.Desired.String())
	}
	if !result.Success() {
		return nil, engine.NewQueryError(fmt.Sprintf("command %s failed", ps), nil).
			WithResource(s.Desired.String()).
			WithDetail("exit_status", result.ExitStatus)
	}

	s.Running = false
	for _, line := range result.Lines() {
		if pattern.MatchString(line) {
			s.Running = true
			break
		}
	}
	current.SetParam("running", s.Running)

	s.logger.Debug().Bool("running", s.Running).Msg("Process table parsed")
	s.Current = current
	return current, nil
}

// Actions returns the simple provider's action table.
func (s *Simple) Actions() engine.ActionTable {
	return engine.ActionTable{
		engine.ActionStart:   s.Start,
		engine.ActionStop:    s.Stop,
		engine.ActionRestart: s.Restart,
		engine.ActionReload:  s.Reload,
		engine.ActionEnable:  s.unsupported(engine.ActionEnable),
		engine.ActionDisable: s.unsupported(engine.ActionDisable),
	}
}

// Start runs start_command unless the service is already running.
func (s *Simple) Start(ctx context.Context) error {
	if s.Running {
		s.logger.Debug().Msg("Service already running")
		return nil
	}
	if err := s.StartService(ctx); err != nil {
		return err
	}
	s.logger.Info().Msg("Started service")
	s.Desired.SetUpdatedByLastAction(true)
	return nil
}

// Stop runs stop_command if the service is running.
func (s *Simple) Stop(ctx context.Context) error {
	if !s.Running {
		s.logger.Debug().Msg("Service already stopped")
		return nil
	}
	if err := s.StopService(ctx); err != nil {
		return err
	}
	s.logger.Info().Msg("Stopped service")
	s.Desired.SetUpdatedByLastAction(true)
	return nil
}

// Restart always restarts the service.
func (s *Simple) Restart(ctx context.Context) error {
	if err := s.RestartService(ctx); err != nil {
		return err
	}
	s.logger.Info().Msg("Restarted service")
	s.Desired.SetUpdatedByLastAction(true)
	return nil
}

// Reload runs reload_command if the service is running.
func (s *Simple) Reload(ctx context.Context) error {
	if !s.Running {
		s.logger.Debug().Msg("Service not running, nothing to reload")
		return nil
	}
	if err := s.ReloadService(ctx); err != nil {
		return err
	}
	s.logger.Info().Msg("Reloaded service")
	s.Desired.SetUpdatedByLastAction(true)
	return nil
}

// StartService runs start_command.
func (s *Simple) StartService(ctx context.Context) error {
	return s.runRequired(ctx, ParamStartCommand)
}

// StopService runs stop_command.
func (s *Simple) StopService(ctx context.Context) error {
	return s.runRequired(ctx, ParamStopCommand)
}

// RestartService runs restart_command, or stops, pauses and starts.
func (s *Simple) RestartService(ctx context.Context) error {
	if cmd := s.Desired.StringParam(ParamRestartCommand, ""); cmd != "" {
		_, err := engine.Execute(ctx, s.transport, cmd, engine.CommandOptions{})
		return err
	}
	if err := s.StopService(ctx); err != nil {
		return err
	}
	if err := s.sleep(ctx, RestartPause); err != nil {
		return err
	}
	return s.StartService(ctx)
}

// ReloadService runs reload_command.
func (s *Simple) ReloadService(ctx context.Context) error {
	return s.runRequired(ctx, ParamReloadCommand)
}

// runRequired runs the command stored under param, which must be set.
func (s *Simple) runRequired(ctx context.Context, param string) error {
	cmd := s.Desired.StringParam(param, "")
	if cmd == "" {
		return engine.NewConfigurationError(fmt.Sprintf("%s requires that %s be set", s.Desired, param), nil).
			WithResource(s.Desired.String())
	}
	_, err := engine.Execute(ctx, s.transport, cmd, engine.CommandOptions{})
	return err
}

func (s *Simple) unsupported(action engine.Action) engine.ActionFunc {
	return func(ctx context.Context) error {
		return engine.NewConfigurationError(
			fmt.Sprintf("%s provider does not support %s", ProviderName, action), nil).
			WithResource(s.Desired.String())
	}
}

// Register adds the simple provider as the default service provider.
func Register(registry *engine.Registry) error {
	return registry.Register(engine.ProviderRegistration{
		Name:     ProviderName,
		Type:     engine.ResourceTypeService,
		Platform: engine.DefaultPlatform,
		Actions:  Actions,
		Factory:  Factory,
	})
}
