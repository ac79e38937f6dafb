// Package policy gates resource actions with Open Policy Agent.
//
// Policies are Rego modules. Each module contributes the members of its
// package's deny set; a member is either a message string or an object
// with message and severity fields:
//
//	package site.freeze
//
//	import rego.v1
//
//	deny contains violation if {
//		input.resource.type == "package"
//		input.action == "upgrade"
//		violation := {"message": "upgrades are frozen", "severity": "error"}
//	}
//
// The input document carries the resource (key, type, name, declared
// action, provider, params), the action about to run and the node facts.
//
// Violations with error or critical severity deny the action. The Gate
// plugs the engine into the runner: in enforcing mode a denial fails the
// resource, in advisory mode it is only logged.
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//		return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{"/etc/converge/policy"}); err != nil {
//		return err
//	}
//	gate := policy.NewGate(eng, policy.ModeEnforcing, logger)
//
// Policy files are .rego modules named after the file, or .json documents
// holding a Policy. WatchEngine reloads them when they change.
package policy
