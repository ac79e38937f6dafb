package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		remoteAccessPolicy(),
		protectedPackagesPolicy(),
		declaredRestartPolicy(),
	}
}

// remoteAccessPolicy keeps sshd from being stopped or disabled, which would
// cut off a node managed over ssh.
func remoteAccessPolicy() Policy {
	return Policy{
		Name:        "remote-access",
		Description: "Denies stopping or disabling the sshd service",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		UpdatedAt:   time.Now(),
		Rego: `package converge.builtin.remote_access

import rego.v1

blocked_actions := {"stop", "disable"}

deny contains violation if {
	input.resource.type == "service"
	input.resource.name == "sshd"
	blocked_actions[input.action]
	violation := {
		"message": sprintf("refusing to %s sshd on a remotely managed node", [input.action]),
		"severity": "error",
	}
}
`,
	}
}

// protectedPackagesPolicy denies removal of packages named in the node's
// protected_packages attribute.
func protectedPackagesPolicy() Policy {
	return Policy{
		Name:        "protected-packages",
		Description: "Denies removing packages listed in the protected_packages node attribute",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		UpdatedAt:   time.Now(),
		Rego: `package converge.builtin.protected_packages

import rego.v1

deny contains violation if {
	input.resource.type == "package"
	input.action == "remove"
	some name in input.node.attributes.protected_packages
	name == input.resource.name
	violation := {
		"message": sprintf("package %s is protected on node %s", [input.resource.name, input.node.name]),
		"severity": "error",
	}
}
`,
	}
}

// declaredRestartPolicy warns about services whose declared action restarts
// them on every run.
func declaredRestartPolicy() Policy {
	return Policy{
		Name:        "declared-restart",
		Description: "Warns when a service declares restart or reload as its own action",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		UpdatedAt:   time.Now(),
		Rego: `package converge.builtin.declared_restart

import rego.v1

deny contains violation if {
	input.resource.type == "service"
	input.action in {"restart", "reload"}
	input.action == input.resource.declared_action
	violation := {
		"message": sprintf("%s runs %s on every convergence; use a notification instead", [input.resource.key, input.action]),
		"severity": "warning",
	}
}
`,
	}
}
