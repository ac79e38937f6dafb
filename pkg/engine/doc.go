// Package engine provides the resource convergence model for converge.
//
// # Overview
//
// A run converges a single node toward a declared desired state. Resources
// are declared in order into a ResourceCollection; the Runner walks the
// collection once and, for each resource:
//
//  1. Evaluates its only_if / not_if guards (Conditional)
//  2. Consults the ActionGate, if any
//  3. Resolves a provider from the Registry by resource type and node platform
//  4. Loads current state (Provider.LoadCurrentResource)
//  5. Runs the requested action from the provider's ActionTable
//
// Providers report mutations through Resource.SetUpdatedByLastAction. An
// updated resource fires its immediate notifications depth-first and queues
// its delayed notifications on the RunContext. After the pass the delayed
// queue is replayed once, in enqueue order.
//
// # Core Types
//
//   - Resource: desired-state record with params, guards and notifications
//   - Notification: (target, action, notifying resource) with a lazy ResourceRef
//   - ResourceCollection: ordered resources with a type[name] index
//   - Conditional: command or predicate guard
//   - RunContext: node facts, collection and delayed notification queue
//   - Registry: resource types and platform-keyed provider registrations
//   - RunReport: per-dispatch results and the failure that aborted the run
//
// # Error Classification
//
// Errors are EngineError values with a class:
//
//   - Configuration: the resource cannot be satisfied as declared
//   - Query: a current-state probe failed
//   - Execution: an action command failed; the only retryable class
//   - Argument: invalid API usage; never ignored
//
// A failure that is not retried away or ignored aborts the run.
//
// # Example Usage
//
//	registry := engine.NewRegistry()
//	openbsd.Register(registry)
//
//	collection := engine.NewResourceCollection()
//	pkg := engine.PackageResource.New("ntp")
//	collection.Insert(pkg)
//
//	runner, err := engine.NewRunner(engine.RunnerOptions{
//	    Registry:  registry,
//	    Transport: local.New(local.Options{}),
//	    Logger:    log.Logger,
//	})
//	report, err := runner.Converge(ctx, engine.NewRunContext(node, collection))
//
// # Thread Safety
//
// A run is strictly sequential. The Registry is safe for concurrent use;
// resources, collections and run contexts belong to one run at a time.
package engine
