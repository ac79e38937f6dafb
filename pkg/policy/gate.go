package policy

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openfroyo/converge/pkg/engine"
)

var _ engine.ActionGate = (*Gate)(nil)

// Gate consults the policy engine before the runner dispatches an action.
type Gate struct {
	engine *Engine
	mode   Mode
	logger zerolog.Logger

	mu   sync.RWMutex
	node *engine.Node
}

// NewGate creates a gate over eng. An empty mode is enforcing.
func NewGate(eng *Engine, mode Mode, logger zerolog.Logger) *Gate {
	if mode == "" {
		mode = ModeEnforcing
	}
	return &Gate{
		engine: eng,
		mode:   mode,
		logger: logger.With().Str("component", "policy-gate").Logger(),
	}
}

// SetNode sets the node facts passed to policies.
func (g *Gate) SetNode(node *engine.Node) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.node = node
}

// Allow evaluates the policies for dispatching action on res. Warnings are
// logged. Blocking violations are returned as a *DeniedError in enforcing
// mode and logged in advisory mode. An evaluation failure denies in
// enforcing mode.
func (g *Gate) Allow(ctx context.Context, res *engine.Resource, action engine.Action) error {
	g.mu.RLock()
	node := g.node
	g.mu.RUnlock()

	decision, err := g.engine.Evaluate(ctx, NewInput(res, action, node))
	if err != nil {
		if g.mode == ModeEnforcing {
			return fmt.Errorf("policy evaluation failed: %w", err)
		}
		g.logger.Warn().Err(err).Str("resource", res.String()).Msg("Policy evaluation failed")
		return nil
	}

	for _, w := range decision.Warnings {
		g.logger.Warn().
			Str("resource", res.String()).
			Str("action", string(action)).
			Str("policy", w.Policy).
			Msg(w.Message)
	}

	if decision.Allowed {
		return nil
	}

	if g.mode == ModeAdvisory {
		for _, v := range decision.Violations {
			g.logger.Warn().
				Str("resource", res.String()).
				Str("action", string(action)).
				Str("policy", v.Policy).
				Str("severity", string(v.Severity)).
				Msg("Policy would deny action: " + v.Message)
		}
		return nil
	}

	return &DeniedError{Violations: decision.Violations}
}
