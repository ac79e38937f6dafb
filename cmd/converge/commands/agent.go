package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/converge/pkg/config"
	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/guards"
	"github.com/openfroyo/converge/pkg/policy"
	"github.com/openfroyo/converge/pkg/providers/openbsd"
	"github.com/openfroyo/converge/pkg/providers/service"
	"github.com/openfroyo/converge/pkg/stores"
	"github.com/openfroyo/converge/pkg/telemetry"
	"github.com/openfroyo/converge/pkg/transports/local"
	"github.com/openfroyo/converge/pkg/transports/ssh"
)

const defaultAgentPath = "/etc/converge/agent.yaml"

// loadAgentConfig reads the agent config named by --agent, falling back to
// the default path and then to built-in defaults. Command line flags are
// applied on top.
func loadAgentConfig() (*config.AgentConfig, error) {
	path := agentPath
	if path == "" {
		if _, err := os.Stat(defaultAgentPath); err == nil {
			path = defaultAgentPath
		}
	}

	cfg := config.DefaultAgentConfig()
	if path != "" {
		var err error
		if cfg, err = config.LoadAgentConfig(path); err != nil {
			return nil, err
		}
		log.Debug().Str("path", path).Msg("Loaded agent config")
	}

	if cfg.Telemetry == nil {
		cfg.Telemetry = telemetry.DefaultConfig()
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	if len(files) > 0 {
		cfg.Declarations = files
	}
	if dbPath != "" {
		cfg.Store.Enabled = true
		cfg.Store.Path = dbPath
	}
	return cfg, nil
}

// agentOptions selects the optional parts of an agent.
type agentOptions struct {
	// Store opens run history when enabled in the config.
	Store bool

	// Policy loads policies when enabled in the config.
	Policy bool
}

// agent holds everything a convergence pass needs.
type agent struct {
	cfg       *config.AgentConfig
	tel       *telemetry.Telemetry
	logger    zerolog.Logger
	transport engine.Transport
	node      *engine.Node
	registry  *engine.Registry
	compiler  *guards.Compiler
	store     *stores.SQLiteStore
	policies  *policy.Engine
	gate      *policy.Gate

	closers []func(context.Context) error
}

// newAgent wires telemetry, transport, node facts, providers, guards, run
// history and policies from cfg.
func newAgent(ctx context.Context, cfg *config.AgentConfig, opts agentOptions) (_ *agent, err error) {
	a := &agent{cfg: cfg}
	defer func() {
		if err != nil {
			a.shutdown()
		}
	}()

	if a.tel, err = telemetry.NewTelemetry(cfg.Telemetry); err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a.closers = append(a.closers, a.tel.Shutdown)
	a.logger = a.tel.Logger.Zerolog()

	if err = a.connect(ctx); err != nil {
		return nil, err
	}
	if a.node, err = resolveNode(ctx, cfg, a.transport); err != nil {
		return nil, err
	}
	a.logger = a.logger.With().Str("node", a.node.Name).Logger()

	if a.registry, err = newRegistry(); err != nil {
		return nil, err
	}
	if err = a.initGuards(ctx); err != nil {
		return nil, err
	}

	if opts.Store && cfg.Store.Enabled {
		if err = a.openStore(ctx); err != nil {
			return nil, err
		}
	}
	if opts.Policy && cfg.Policy.Enabled {
		if err = a.loadPolicies(ctx); err != nil {
			return nil, err
		}
	}

	return a, nil
}

// connect opens the configured transport.
func (a *agent) connect(ctx context.Context) error {
	tl := a.tel.Logger.NewComponentLogger("transport").Zerolog()

	switch a.cfg.Transport.Type {
	case config.TransportSSH:
		client, err := ssh.NewClient(a.cfg.Transport.SSH, tl)
		if err != nil {
			return fmt.Errorf("failed to create ssh transport: %w", err)
		}
		if err := client.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect to %s: %w", a.cfg.Transport.SSH.Host, err)
		}
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		a.transport = client
	default:
		a.transport = local.New(a.cfg.Transport.Local, tl)
	}
	return nil
}

// resolveNode detects node facts through transport unless the platform is
// configured, then applies the configured name and attributes.
func resolveNode(ctx context.Context, cfg *config.AgentConfig, transport engine.Transport) (*engine.Node, error) {
	var node *engine.Node
	if cfg.Node.Platform != "" {
		node = &engine.Node{
			Platform:        cfg.Node.Platform,
			PlatformVersion: cfg.Node.PlatformVersion,
			Attributes:      make(map[string]interface{}),
			CollectedAt:     time.Now(),
		}
		if cfg.Transport.Type == config.TransportSSH {
			node.Hostname = cfg.Transport.SSH.Host
		} else if host, err := os.Hostname(); err == nil {
			node.Hostname = host
		}
		node.Name = node.Hostname
	} else {
		var err error
		if node, err = engine.DetectNode(ctx, transport); err != nil {
			return nil, fmt.Errorf("failed to detect node facts: %w", err)
		}
	}

	if cfg.Node.Name != "" {
		node.Name = cfg.Node.Name
	}
	if node.Attributes == nil {
		node.Attributes = make(map[string]interface{})
	}
	for k, v := range cfg.Node.Attributes {
		node.Attributes[k] = v
	}
	return node, nil
}

// newRegistry returns a registry with every provider this agent ships.
func newRegistry() (*engine.Registry, error) {
	registry := engine.NewRegistry()
	if err := service.Register(registry); err != nil {
		return nil, fmt.Errorf("failed to register service provider: %w", err)
	}
	if err := openbsd.Register(registry); err != nil {
		return nil, fmt.Errorf("failed to register openbsd providers: %w", err)
	}
	return registry, nil
}

func (a *agent) initGuards(ctx context.Context) error {
	compiler, closer, err := newCompiler(ctx, a.cfg.Guards)
	if err != nil {
		return err
	}
	if closer != nil {
		a.closers = append(a.closers, closer)
	}
	a.compiler = compiler
	return nil
}

// newCompiler returns a guard compiler and, when WASM guards are enabled,
// the function that stops their runtime.
func newCompiler(ctx context.Context, cfg config.GuardsConfig) (*guards.Compiler, func(context.Context) error, error) {
	if !cfg.WASM {
		return guards.NewCompiler(guards.NewStarlarkEvaluator(cfg.Timeout), nil), nil, nil
	}
	wasm, err := guards.NewWASMRuntime(ctx, guards.WASMConfig{
		Timeout:          cfg.Timeout,
		MemoryLimitPages: cfg.MemoryLimitPages,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start wasm guard runtime: %w", err)
	}
	return guards.NewCompiler(guards.NewStarlarkEvaluator(cfg.Timeout), wasm), wasm.Close, nil
}

func (a *agent) openStore(ctx context.Context) error {
	path := a.cfg.Store.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}

	store, err := stores.Open(ctx, stores.Config{Path: path})
	if err != nil {
		return fmt.Errorf("failed to open run history: %w", err)
	}
	a.store = store
	// Queued events must reach the store before it closes
	a.closers = append(a.closers, func(ctx context.Context) error {
		return errors.Join(a.tel.Events.Shutdown(ctx), store.Close())
	})

	a.tel.Events.Subscribe(store.EventSubscriber(a.tel.Logger.NewComponentLogger("store").Zerolog()), nil)
	return nil
}

func (a *agent) loadPolicies(ctx context.Context) error {
	pl := a.tel.Logger.NewComponentLogger("policy").Zerolog()

	eng, err := policy.NewEngine(pl)
	if err != nil {
		return fmt.Errorf("failed to create policy engine: %w", err)
	}
	if err := eng.LoadPolicies(ctx, a.cfg.Policy.Paths); err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	a.policies = eng
	a.gate = policy.NewGate(eng, policy.Mode(a.cfg.Policy.Mode), pl)
	a.gate.SetNode(a.node)
	return nil
}

// watchPolicies reloads policies on file changes until ctx is done.
func (a *agent) watchPolicies(ctx context.Context) error {
	if a.policies == nil || !a.cfg.Policy.Watch {
		return nil
	}
	return policy.WatchEngine(ctx, a.policies, a.cfg.Policy.Paths)
}

// loadCollection parses and builds the declared resources. It is called
// for every pass so edits to the declarations take effect.
func (a *agent) loadCollection(ctx context.Context) (*engine.ResourceCollection, error) {
	if len(a.cfg.Declarations) == 0 {
		return nil, errors.New("no declarations: pass --file or set declarations in the agent config")
	}
	return buildCollection(ctx, a.cfg.Declarations, a.registry, a.compiler, a.logger)
}

// buildCollection loads declarations and builds a resource collection.
func buildCollection(ctx context.Context, sources []string, registry *engine.Registry, compiler *guards.Compiler, logger zerolog.Logger) (*engine.ResourceCollection, error) {
	parsed, err := config.NewLoader().Load(ctx, sources)
	if err != nil {
		return nil, err
	}
	if err := parsed.Err(); err != nil {
		return nil, err
	}
	return config.NewBuilder(registry, compiler, logger).Build(ctx, parsed.Resources)
}

// converge runs one convergence pass over the current declarations.
func (a *agent) converge(ctx context.Context, noop bool) (*engine.RunReport, error) {
	collection, err := a.loadCollection(ctx)
	if err != nil {
		return nil, err
	}

	rc := engine.NewRunContext(a.node, collection)
	ctx, span := a.tel.Tracer.Tracer().Start(ctx, "converge.pass")
	defer span.End()

	runLog := a.tel.Logger.WithNode(a.node.Name).WithRunID(rc.ID)
	if id := telemetry.TraceID(ctx); id != "" {
		runLog = runLog.WithField("trace_id", id)
	}
	if noop {
		runLog.Warn("Noop run, actions are reported but not executed")
	}

	opts := engine.RunnerOptions{
		Registry:             a.registry,
		Transport:            a.transport,
		Logger:               a.logger,
		Events:               a.tel.Events,
		Observer:             a.tel.Metrics,
		Tracer:               a.tel.Tracer.Tracer(),
		Noop:                 noop,
		MaxNotificationDepth: a.cfg.MaxNotificationDepth,
	}
	if a.store != nil {
		opts.Recorder = a.store
	}
	if a.gate != nil {
		opts.Gate = a.gate
	}

	runner, err := engine.NewRunner(opts)
	if err != nil {
		return nil, err
	}

	report, err := runner.Converge(ctx, rc)
	if err != nil {
		var ee *engine.EngineError
		if errors.As(err, &ee) {
			a.tel.Metrics.RecordError(string(ee.Class), ee.Code)
		}
		runLog.Error(err, "Convergence failed")
	} else {
		runLog.Info("Convergence finished")
	}

	if a.store != nil && a.cfg.Store.RetainRuns > 0 {
		pruned, pruneErr := a.store.PruneRuns(ctx, a.cfg.Store.RetainRuns)
		if pruneErr != nil {
			runLog.Error(pruneErr, "Failed to prune run history")
		} else if pruned > 0 {
			a.logger.Debug().Int64("pruned", pruned).Msg("Pruned run history")
		}
	}

	return report, err
}

// Close releases resources in reverse order of acquisition.
func (a *agent) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// shutdown closes the agent with a bounded wait.
func (a *agent) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		log.Warn().Err(err).Msg("Agent shutdown incomplete")
	}
}
