// Package config loads resource declarations written in CUE and the agent
// configuration written in YAML.
//
// # Declarations
//
// Declarations live under the top-level resources field, either as an
// ordered list or as a struct keyed by type[name]:
//
//	resources: [
//	    {
//	        type: "package"
//	        name: "ntp"
//	        params: {source: "ftp://ftp.openbsd.org/pub/OpenBSD/7.5/packages/amd64/"}
//	        notifies: [{action: "restart", resource: "service[ntpd]", timing: "delayed"}]
//	    },
//	    {
//	        type:   "service"
//	        name:   "ntpd"
//	        action: "enable"
//	        params: {enable_flags: "-s", ps_command: "ps -ax"}
//	        only_if: [{starlark: "node.platform == 'openbsd'"}]
//	    },
//	]
//
// Every declaration is checked against the CUE schema for its type
// (#Package, #Service, or #Resource for other types) and then against the
// struct tags of Declaration with validator. Problems are reported as
// ValidationError values carrying file and line.
//
// # Building a collection
//
// Builder turns declarations into an engine.ResourceCollection: resources
// are created from the registry's type definitions, guards are compiled
// through the guards package and notifications are attached. A resource
// declared twice inherits what it does not set from the earlier declaration.
//
// # Agent configuration
//
// LoadAgentConfig reads the YAML agent file over DefaultAgentConfig:
//
//	transport:
//	  type: ssh
//	  ssh:
//	    host: bsd1.example.com
//	    user: admin
//	    auth_method: key
//	    private_key_path: /home/admin/.ssh/id_ed25519
//	    privilege: doas
//	declarations: [/etc/converge/site.cue]
//	store:
//	  path: /var/db/converge/history.db
//	daemon:
//	  schedule: "@every 30m"
package config
