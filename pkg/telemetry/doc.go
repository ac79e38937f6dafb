// Package telemetry provides the observability stack of the converge agent.
//
// It combines structured logging (zerolog), tracing (OpenTelemetry),
// Prometheus metrics and an event bus for run timeline events.
//
// # Usage
//
// Initialize telemetry at startup and hand its parts to the runner:
//
//	tel, err := telemetry.NewTelemetry(cfg.Telemetry)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	runner := engine.NewRunner(engine.RunnerOptions{
//	    Logger:   tel.Logger.Zerolog(),
//	    Tracer:   tel.Tracer.Tracer(),
//	    Observer: tel.Metrics,
//	    Events:   tel.Events,
//	    ...
//	})
//
// # Metrics
//
// Metrics implements engine.Observer. The following series are exported
// under the configured namespace:
//
//   - runs_completed_total{status,noop}
//   - run_duration_seconds{status}
//   - last_run_success, last_run_timestamp_seconds, last_run_resources_updated
//   - resource_actions_total{type,action,provider,state,updated}
//   - resource_action_duration_seconds{type,action}
//   - resource_action_retries_total{type,action}
//   - notifications_fired_total{timing,action}
//   - errors_by_class_total{class}, errors_by_code_total{code}
//
// Handler serves them over HTTP; the daemon mounts it on its metrics address.
//
// # Tracing
//
// Exporters: otlp (gRPC), stdout, none. Disabled tracing hands out no-op
// spans so the runner can always create them.
//
// # Events
//
// EventBus implements engine.EventPublisher. Subscribers receive events in
// publish order. LogSubscriber is always attached by NewTelemetry; the run
// history store subscribes to persist the timeline.
package telemetry
