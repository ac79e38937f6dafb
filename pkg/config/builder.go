package config

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/guards"
)

// Builder turns declarations into a resource collection.
type Builder struct {
	registry *engine.Registry
	guards   *guards.Compiler
	logger   zerolog.Logger
}

// NewBuilder creates a builder. compiler may be nil when only command
// guards are used.
func NewBuilder(registry *engine.Registry, compiler *guards.Compiler, logger zerolog.Logger) *Builder {
	if compiler == nil {
		compiler = guards.NewCompiler(nil, nil)
	}
	return &Builder{
		registry: registry,
		guards:   compiler,
		logger:   logger.With().Str("component", "builder").Logger(),
	}
}

// Build declares every resource in order, then wires notifications and
// subscriptions. A resource declared again with the same type and name
// inherits the attributes of the earlier declaration that it does not set
// itself.
func (b *Builder) Build(ctx context.Context, decls []Declaration) (*engine.ResourceCollection, error) {
	collection := engine.NewResourceCollection()
	resources := make([]*engine.Resource, 0, len(decls))

	for _, decl := range decls {
		res, err := b.declare(ctx, collection, decl)
		if err != nil {
			return nil, err
		}
		if err := collection.Insert(res); err != nil {
			return nil, err
		}
		resources = append(resources, res)
	}

	for i, decl := range decls {
		if err := b.wire(collection, resources[i], decl); err != nil {
			return nil, err
		}
	}
	return collection, nil
}

func (b *Builder) declare(ctx context.Context, collection *engine.ResourceCollection, decl Declaration) (*engine.Resource, error) {
	res, err := b.registry.NewResource(engine.ResourceType(decl.Type), decl.Name)
	if err != nil {
		return nil, withSource(err, decl)
	}

	if decl.Action != "" {
		res.Action = engine.Action(decl.Action)
	}
	explicit := decl.explicit()
	res.Provider = decl.Provider
	res.Before = decl.Before
	if decl.Noop != nil {
		res.Noop = *decl.Noop
	}
	if decl.IgnoreFailure != nil {
		res.IgnoreFailure = *decl.IgnoreFailure
	}
	if decl.Retries != nil {
		res.Retries = *decl.Retries
	}
	if decl.RetryDelay != nil {
		res.RetryDelay = *decl.RetryDelay
	}
	res.SourceLine = decl.SourceLine
	for k, v := range decl.Params {
		res.SetParam(k, v)
	}
	for k, v := range decl.Supports {
		res.Supports[k] = v
	}

	if engine.LoadPriorResource(collection, res, explicit) {
		b.logger.Warn().
			Str("resource", res.String()).
			Str("source_line", res.SourceLine).
			Msg("Resource declared more than once, inheriting attributes from the prior declaration")
	}

	for _, g := range decl.OnlyIf {
		cond, err := b.guards.Compile(ctx, engine.OnlyIf, g.Spec())
		if err != nil {
			return nil, withSource(err, decl)
		}
		res.OnlyIf(cond)
	}
	for _, g := range decl.NotIf {
		cond, err := b.guards.Compile(ctx, engine.NotIf, g.Spec())
		if err != nil {
			return nil, withSource(err, decl)
		}
		res.NotIf(cond)
	}

	if err := res.Validate(); err != nil {
		return nil, withSource(err, decl)
	}
	return res, nil
}

// wire attaches notifications. Targets are left unresolved and looked up
// when they fire; a subscription needs its source now because the
// notification is stored on it.
func (b *Builder) wire(collection *engine.ResourceCollection, res *engine.Resource, decl Declaration) error {
	for _, n := range decl.Notifies {
		timing, err := engine.ParseTiming(n.Timing)
		if err != nil {
			return withSource(err, decl)
		}
		t, name, err := engine.ParseKey(n.Resource)
		if err != nil {
			return withSource(err, decl)
		}
		key := engine.MakeKey(t, name)
		if _, ok := collection.Lookup(key); !ok {
			b.logger.Warn().
				Str("resource", res.String()).
				Str("target", string(key)).
				Msg("Notification target is not declared, it will be skipped")
		}
		if _, err := res.Notifies(engine.Action(n.Action), engine.Unresolved(key), timing); err != nil {
			return withSource(err, decl)
		}
	}

	for _, s := range decl.Subscribes {
		timing, err := engine.ParseTiming(s.Timing)
		if err != nil {
			return withSource(err, decl)
		}
		source, err := collection.Find(s.Resource)
		if e, ok := engine.AsEngineError(err); ok && e.Code == engine.ErrCodeNotFound {
			b.logger.Warn().
				Str("resource", res.String()).
				Str("source", s.Resource).
				Msg("Subscription source is not declared, ignoring")
			continue
		}
		if err != nil {
			return withSource(err, decl)
		}
		if _, err := res.Subscribes(engine.Action(s.Action), source, timing); err != nil {
			return withSource(err, decl)
		}
	}
	return nil
}

func withSource(err error, decl Declaration) error {
	if e, ok := engine.AsEngineError(err); ok {
		if e.Resource == "" {
			e = e.WithResource(decl.Key())
		}
		if decl.SourceLine != "" {
			e = e.WithDetail("source_line", decl.SourceLine)
		}
		return e
	}
	if decl.SourceLine != "" {
		return fmt.Errorf("%s (%s): %w", decl.Key(), decl.SourceLine, err)
	}
	return fmt.Errorf("%s: %w", decl.Key(), err)
}
