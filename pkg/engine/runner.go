package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultMaxNotificationDepth bounds how deep notification cascades may go.
const DefaultMaxNotificationDepth = 16

// RunnerOptions configures a Runner.
type RunnerOptions struct {
	// Registry resolves providers. Required.
	Registry *Registry

	// Transport reaches the managed node. Required.
	Transport Transport

	// Logger receives run logs. The zero value discards them.
	Logger zerolog.Logger

	// Events receives timeline events. Optional.
	Events EventPublisher

	// Recorder persists the final report. Optional.
	Recorder RunRecorder

	// Gate may veto actions before dispatch. Optional.
	Gate ActionGate

	// Observer receives convergence measurements. Optional.
	Observer Observer

	// Tracer creates spans for runs and dispatches. Defaults to the global tracer.
	Tracer trace.Tracer

	// Noop loads current state for every resource without running actions.
	Noop bool

	// MaxNotificationDepth bounds notification cascades. Zero means the default.
	MaxNotificationDepth int

	// Sleep waits between retries. Defaults to SleepContext.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Runner converges a resource collection on one node.
type Runner struct {
	opts   RunnerOptions
	logger zerolog.Logger
	tracer trace.Tracer
}

// NewRunner creates a runner.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Registry == nil {
		return nil, NewArgumentError("runner requires a provider registry", nil)
	}
	if opts.Transport == nil {
		return nil, NewArgumentError("runner requires a transport", nil)
	}
	if opts.MaxNotificationDepth <= 0 {
		opts.MaxNotificationDepth = DefaultMaxNotificationDepth
	}
	if opts.Sleep == nil {
		opts.Sleep = SleepContext
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/openfroyo/converge/pkg/engine")
	}

	return &Runner{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "runner").Logger(),
		tracer: tracer,
	}, nil
}

// pass is the state of a single Converge call.
type pass struct {
	runner        *Runner
	rc            *RunContext
	report        *RunReport
	log           zerolog.Logger
	replaying     bool
	notifications int
}

// Converge walks the collection in declaration order, then replays the
// delayed notification queue. The first unhandled failure aborts the run;
// the returned report is complete in every case.
func (r *Runner) Converge(ctx context.Context, rc *RunContext) (*RunReport, error) {
	if rc == nil {
		return nil, NewArgumentError("run context is nil", nil)
	}

	p := &pass{
		runner: r,
		rc:     rc,
		log:    r.logger.With().Str("run_id", rc.ID).Logger(),
		report: &RunReport{
			RunID:     rc.ID,
			Status:    RunStatusRunning,
			Noop:      r.opts.Noop,
			StartedAt: time.Now(),
			Results:   make([]*ResourceResult, 0, rc.Collection.Len()),
		},
	}
	if rc.Node != nil {
		p.report.Node = rc.Node.Name
		p.report.Platform = rc.Node.Platform
		p.report.PlatformVersion = rc.Node.PlatformVersion
	}

	ctx, span := r.tracer.Start(ctx, "converge.run", trace.WithAttributes(
		attribute.String("run.id", rc.ID),
		attribute.Int("run.resources", rc.Collection.Len()),
		attribute.Bool("run.noop", r.opts.Noop),
	))
	defer span.End()

	p.log.Info().
		Int("resources", rc.Collection.Len()).
		Bool("noop", r.opts.Noop).
		Msg("Starting convergence run")
	p.publish(ctx, EventTypeRunStarted, "", "", "Run started", nil)

	err := p.walk(ctx)
	if err == nil {
		err = p.replay(ctx)
	}
	p.finish(ctx, err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return p.report, err
}

// walk dispatches every declared resource's action in order.
func (p *pass) walk(ctx context.Context) error {
	for _, res := range p.rc.Collection.All() {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("run cancelled before %s: %w", res, err)
		}
		if err := p.dispatch(ctx, res, res.Action, nil, "", 0); err != nil {
			return err
		}
	}
	return nil
}

// replay fires queued delayed notifications once, in enqueue order.
// Delayed notifications raised during replay fire immediately.
func (p *pass) replay(ctx context.Context) error {
	queue := p.rc.DelayedNotifications()
	if len(queue) == 0 {
		return nil
	}

	p.log.Debug().Int("count", len(queue)).Msg("Running delayed notifications")
	p.replaying = true
	for _, n := range queue {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("run cancelled during delayed notifications: %w", err)
		}
		if err := p.fire(ctx, n, TimingDelayed, 1); err != nil {
			return err
		}
	}
	return nil
}

// dispatch runs one action on one resource: guards, policy gate, provider
// resolution, then load-and-act attempts under the retry policy.
func (p *pass) dispatch(ctx context.Context, res *Resource, action Action, via *Notification, timing Timing, depth int) error {
	result := &ResourceResult{
		Resource:  res.String(),
		Action:    action,
		State:     ResourceStateUnresolved,
		StartedAt: time.Now(),
	}
	if via != nil {
		result.Timing = timing
		if via.NotifyingResource != nil {
			result.NotifiedBy = via.NotifyingResource.String()
		}
	}
	p.report.Results = append(p.report.Results, result)

	log := p.log.With().Str("resource", res.String()).Str("action", string(action)).Logger()

	ctx, span := p.runner.tracer.Start(ctx, "converge.resource", trace.WithAttributes(
		attribute.String("resource.key", res.String()),
		attribute.String("resource.action", string(action)),
		attribute.Int("notification.depth", depth),
	))
	defer span.End()

	// Each dispatch starts from a fresh state; Updated stays sticky
	res.state = ResourceStateUnresolved
	res.UpdatedByLastAction = false

	if !res.IsAllowed(action) {
		err := NewArgumentError(fmt.Sprintf("action %q is not allowed, expected one of %v", action, res.AllowedActions), nil).
			WithCode(ErrCodeActionNotAllowed)
		return p.fail(ctx, res, result, err, log)
	}

	p.publish(ctx, EventTypeResourceStarted, res.String(), action, fmt.Sprintf("Processing %s action %s", res, action), nil)

	if action == ActionNothing {
		log.Debug().Msg("Doing nothing")
		p.transition(res, ResourceStateSucceeded, log)
		return p.succeed(ctx, res, result, depth, log)
	}

	// Guards are evaluated on every dispatch, notified ones included
	for _, guard := range res.Guards {
		proceed, err := guard.Continue(ctx, p.runner.opts.Transport, p.rc.Node)
		if err != nil {
			return p.fail(ctx, res, result, err, log)
		}
		if !proceed {
			return p.skip(ctx, res, result, guard, log)
		}
	}

	if gate := p.runner.opts.Gate; gate != nil {
		if err := gate.Allow(ctx, res, action); err != nil {
			denied := NewConfigurationError("action denied by policy", err).WithCode(ErrCodePolicyDenied)
			return p.fail(ctx, res, result, denied, log)
		}
	}

	reg, err := p.runner.opts.Registry.Resolve(res, p.rc.Node)
	if err != nil {
		return p.fail(ctx, res, result, err, log)
	}
	result.Provider = reg.Name
	if !reg.implements(action) {
		err := NewArgumentError(fmt.Sprintf("provider %s does not implement action %s", reg.Name, action), nil).
			WithCode(ErrCodeActionNotAllowed)
		return p.fail(ctx, res, result, err, log)
	}

	for attempt := 1; ; attempt++ {
		result.Attempts = attempt
		err = p.attempt(ctx, reg, res, action, result, log)
		if err == nil {
			break
		}
		if !IsRetryable(err) || attempt > res.Retries {
			break
		}

		p.transition(res, ResourceStateRetrying, log)
		result.State = ResourceStateRetrying
		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("retries", res.Retries).
			Int("retry_delay", res.RetryDelay).
			Msg("Action failed, retrying")
		p.publish(ctx, EventTypeResourceRetrying, res.String(), action,
			fmt.Sprintf("Retrying after failure (attempt %d/%d)", attempt, res.Retries+1), nil)
		if p.runner.opts.Observer != nil {
			p.runner.opts.Observer.ResourceConverged(res, action, result)
		}

		if sleepErr := p.runner.opts.Sleep(ctx, res.RetryDelayDuration()); sleepErr != nil {
			err = fmt.Errorf("retry wait interrupted: %w", sleepErr)
			break
		}
	}
	if err != nil {
		return p.fail(ctx, res, result, err, log)
	}

	p.transition(res, ResourceStateSucceeded, log)
	return p.succeed(ctx, res, result, depth, log)
}

// attempt builds a provider, loads current state and runs the action once.
func (p *pass) attempt(ctx context.Context, reg *ProviderRegistration, res *Resource, action Action, result *ResourceResult, log zerolog.Logger) error {
	ctx, span := p.runner.tracer.Start(ctx, "converge.provider", trace.WithAttributes(
		attribute.String("provider.name", reg.Name),
		attribute.Int("attempt", result.Attempts),
	))
	defer span.End()

	provider, err := reg.Factory(ProviderEnv{
		Resource:  res,
		Node:      p.rc.Node,
		Transport: p.runner.opts.Transport,
		Logger:    log.With().Str("provider", reg.Name).Logger(),
		Sleep:     p.runner.opts.Sleep,
	})
	if err != nil {
		return err
	}

	res.UpdatedByLastAction = false
	if _, err := provider.LoadCurrentResource(ctx); err != nil {
		span.RecordError(err)
		return err
	}
	p.transition(res, ResourceStateCurrentLoaded, log)

	if p.runner.opts.Noop || res.Noop {
		log.Info().Str("provider", reg.Name).Msg("Would run action (noop)")
		result.Noop = true
		return nil
	}

	fn, ok := provider.Actions()[action]
	if !ok || fn == nil {
		return NewArgumentError(fmt.Sprintf("provider %s has no handler for action %s", reg.Name, action), nil).
			WithCode(ErrCodeActionNotAllowed)
	}
	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// succeed records a successful dispatch and, if the resource was updated,
// fires its immediate notifications and queues its delayed ones.
func (p *pass) succeed(ctx context.Context, res *Resource, result *ResourceResult, depth int, log zerolog.Logger) error {
	result.State = ResourceStateSucceeded
	result.Updated = res.UpdatedByLastAction
	result.Duration = time.Since(result.StartedAt)

	if result.Updated {
		log.Info().Int("attempts", result.Attempts).Msg("Resource updated")
		p.publish(ctx, EventTypeResourceUpdated, res.String(), result.Action, fmt.Sprintf("%s updated", res), nil)
	} else {
		log.Debug().Msg("Resource up to date")
		p.publish(ctx, EventTypeResourceUpToDate, res.String(), result.Action, fmt.Sprintf("%s up to date", res), nil)
	}
	if p.runner.opts.Observer != nil {
		p.runner.opts.Observer.ResourceConverged(res, result.Action, result)
	}

	if !result.Updated {
		return nil
	}

	for _, n := range res.ImmediateNotifications {
		if err := p.fire(ctx, n, TimingImmediate, depth+1); err != nil {
			return err
		}
	}

	for _, n := range res.DelayedNotifications {
		if p.replaying {
			if err := p.fire(ctx, n, TimingDelayed, depth+1); err != nil {
				return err
			}
			continue
		}
		added, err := p.rc.EnqueueDelayed(n)
		if err != nil {
			return err
		}
		if added {
			log.Debug().Str("target", n.Target.String()).Str("notify", string(n.Action)).Msg("Queued delayed notification")
			p.publish(ctx, EventTypeNotificationQueued, res.String(), n.Action,
				fmt.Sprintf("Queued %s on %s", n.Action, n.Target), nil)
		}
	}
	return nil
}

// fire resolves a notification target and dispatches the notified action.
func (p *pass) fire(ctx context.Context, n *Notification, timing Timing, depth int) error {
	target, ok := p.rc.ResolveTarget(n)
	if !ok {
		p.log.Warn().
			Str("notifying", notifierKey(n)).
			Str("target", n.Target.String()).
			Str("notify", string(n.Action)).
			Msg("Notification target not in collection, skipping")
		p.publish(ctx, EventTypeWarning, n.Target.String(), n.Action,
			fmt.Sprintf("%s notified missing resource %s", notifierKey(n), n.Target), nil)
		return nil
	}

	if depth > p.runner.opts.MaxNotificationDepth {
		err := NewArgumentError(
			fmt.Sprintf("notification cascade exceeded depth %d", p.runner.opts.MaxNotificationDepth), nil).
			WithCode(ErrCodeNotificationCycle).
			WithDetail("notification", n.String())
		return p.failNotification(ctx, n, timing, err)
	}

	p.notifications++
	p.log.Info().
		Str("notifying", notifierKey(n)).
		Str("target", target.String()).
		Str("notify", string(n.Action)).
		Str("timing", string(timing)).
		Msg("Notification fired")
	p.publish(ctx, EventTypeNotificationFired, target.String(), n.Action,
		fmt.Sprintf("%s notified %s to %s", notifierKey(n), target, n.Action),
		map[string]interface{}{"timing": string(timing), "depth": depth})
	if p.runner.opts.Observer != nil {
		p.runner.opts.Observer.NotificationFired(n, timing)
	}

	return p.dispatch(ctx, target, n.Action, n, timing, depth)
}

// failNotification records a notification that could not be dispatched.
func (p *pass) failNotification(ctx context.Context, n *Notification, timing Timing, err *EngineError) error {
	result := &ResourceResult{
		Resource:   n.Target.String(),
		Action:     n.Action,
		State:      ResourceStateFailed,
		NotifiedBy: notifierKey(n),
		Timing:     timing,
		StartedAt:  time.Now(),
		Error:      err.WithResource(n.Target.String()).WithOperation(string(n.Action)),
	}
	p.report.Results = append(p.report.Results, result)
	p.report.Failure = result
	p.log.Error().Err(err).Str("notifying", notifierKey(n)).Msg("Notification failed")
	p.publish(ctx, EventTypeResourceFailed, result.Resource, n.Action, err.Error(), nil)
	return err
}

// skip records a dispatch prevented by a guard.
func (p *pass) skip(ctx context.Context, res *Resource, result *ResourceResult, guard *Conditional, log zerolog.Logger) error {
	p.transition(res, ResourceStateSkipped, log)
	result.State = ResourceStateSkipped
	result.SkipReason = guard.SkipReason()
	result.Duration = time.Since(result.StartedAt)

	log.Info().Str("guard", guard.String()).Msg("Skipped: " + result.SkipReason)
	p.publish(ctx, EventTypeResourceSkipped, res.String(), result.Action,
		fmt.Sprintf("Skipped %s: %s", res, result.SkipReason), nil)
	if p.runner.opts.Observer != nil {
		p.runner.opts.Observer.ResourceConverged(res, result.Action, result)
	}
	return nil
}

// fail records a failed dispatch. With ignore_failure the failure is
// logged and the dispatch ends as a success without an update; argument
// errors are never ignored.
func (p *pass) fail(ctx context.Context, res *Resource, result *ResourceResult, err error, log zerolog.Logger) error {
	engineErr := classify(err)
	if engineErr.Resource == "" {
		engineErr.WithResource(res.String())
	}
	if engineErr.Operation == "" {
		engineErr.WithOperation(string(result.Action))
	}
	result.Error = engineErr
	result.Duration = time.Since(result.StartedAt)

	if res.IgnoreFailure && !IsArgument(engineErr) {
		res.UpdatedByLastAction = false
		p.transition(res, ResourceStateSucceeded, log)
		result.State = ResourceStateSucceeded
		result.Ignored = true
		result.Updated = false

		log.Warn().Err(engineErr).Int("attempts", result.Attempts).Msg("Action failed, ignoring failure")
		p.publish(ctx, EventTypeWarning, res.String(), result.Action,
			fmt.Sprintf("Ignored failure of %s: %v", res, engineErr), nil)
		if p.runner.opts.Observer != nil {
			p.runner.opts.Observer.ResourceConverged(res, result.Action, result)
		}
		return nil
	}

	p.transition(res, ResourceStateFailed, log)
	result.State = ResourceStateFailed
	p.report.Failure = result

	log.Error().
		Err(engineErr).
		Int("attempts", result.Attempts).
		Str("command", engineErr.Command).
		Int("exit_status", engineErr.ExitStatus).
		Msg("Action failed")
	p.publish(ctx, EventTypeResourceFailed, res.String(), result.Action, engineErr.Error(), nil)
	if p.runner.opts.Observer != nil {
		p.runner.opts.Observer.ResourceConverged(res, result.Action, result)
	}
	return engineErr
}

// finish computes the summary, sets the final status and hands the report
// to the recorder and observer.
func (p *pass) finish(ctx context.Context, err error) {
	report := p.report
	report.CompletedAt = time.Now()
	report.Duration = report.CompletedAt.Sub(report.StartedAt)
	report.Summary = summarize(report.Results)
	report.Summary.Notifications = p.notifications

	switch {
	case err == nil:
		report.Status = RunStatusSucceeded
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		report.Status = RunStatusCancelled
	default:
		report.Status = RunStatusFailed
	}

	if rec := p.runner.opts.Recorder; rec != nil {
		if recErr := rec.RecordRun(ctx, report); recErr != nil {
			p.log.Error().Err(recErr).Msg("Failed to record run")
		}
	}
	if p.runner.opts.Observer != nil {
		p.runner.opts.Observer.RunFinished(report)
	}

	event := p.log.Info()
	if err != nil {
		event = p.log.Error().Err(err)
	}
	event.
		Str("status", string(report.Status)).
		Int("updated", report.Summary.Updated).
		Int("skipped", report.Summary.Skipped).
		Int("failed", report.Summary.Failed).
		Dur("duration", report.Duration).
		Msg("Convergence run finished")

	if report.Status == RunStatusSucceeded {
		p.publish(ctx, EventTypeRunCompleted, "", "", "Run completed successfully", nil)
	} else {
		p.publish(ctx, EventTypeRunFailed, "", "", fmt.Sprintf("Run completed with status: %s", report.Status), nil)
	}
}

// transition moves a resource to the next state and logs invalid moves.
func (p *pass) transition(res *Resource, next ResourceState, log zerolog.Logger) {
	if err := res.setState(next); err != nil {
		log.Warn().Err(err).Msg("Unexpected state transition")
		res.state = next
	}
}

// publish sends a timeline event. Publishing errors are logged only.
func (p *pass) publish(ctx context.Context, eventType EventType, resource string, action Action, message string, details map[string]interface{}) {
	pub := p.runner.opts.Events
	if pub == nil {
		return
	}

	event := &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now(),
		RunID:     p.rc.ID,
		Resource:  resource,
		Action:    action,
		Message:   message,
		Details:   details,
		Level:     eventType.Severity(),
	}
	if err := pub.Publish(ctx, event); err != nil {
		p.log.Warn().Err(err).Str("event", string(eventType)).Msg("Failed to publish event")
	}
}

// summarize counts results by outcome.
func summarize(results []*ResourceResult) RunSummary {
	summary := RunSummary{Total: len(results)}
	for _, r := range results {
		switch r.State {
		case ResourceStateSkipped:
			summary.Skipped++
		case ResourceStateFailed:
			summary.Failed++
		case ResourceStateSucceeded:
			switch {
			case r.Ignored:
				summary.Ignored++
			case r.Updated:
				summary.Updated++
			default:
				summary.UpToDate++
			}
		}
	}
	return summary
}

// classify converts any error into an EngineError.
func classify(err error) *EngineError {
	if e, ok := AsEngineError(err); ok {
		return e
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return NewExecutionError("", -1, err).WithCode(ErrCodeTimeout)
	}
	return NewExecutionError("", -1, err).WithCode(ErrCodeInternal)
}

func notifierKey(n *Notification) string {
	if n.NotifyingResource == nil {
		return ""
	}
	return n.NotifyingResource.String()
}
