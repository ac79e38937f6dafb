package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Node holds the facts of the managed node used for provider resolution
// and exposed to guard predicates.
type Node struct {
	// Name is the node name, defaulting to the hostname.
	Name string `json:"name"`

	// Platform is the lowercased operating system name (e.g. openbsd).
	Platform string `json:"platform"`

	// PlatformVersion is the operating system release (e.g. 7.5).
	PlatformVersion string `json:"platform_version"`

	// Arch is the machine architecture.
	Arch string `json:"arch,omitempty"`

	// Hostname is the node's host name.
	Hostname string `json:"hostname,omitempty"`

	// Attributes holds user supplied node attributes.
	Attributes map[string]interface{} `json:"attributes,omitempty"`

	// CollectedAt is when the facts were collected.
	CollectedAt time.Time `json:"collected_at"`
}

// Attribute returns a node attribute.
func (n *Node) Attribute(key string) (interface{}, bool) {
	if n == nil || n.Attributes == nil {
		return nil, false
	}
	v, ok := n.Attributes[key]
	return v, ok
}

// DetectNode collects platform facts with uname and hostname.
func DetectNode(ctx context.Context, runner CommandRunner) (*Node, error) {
	startTime := time.Now()
	node := &Node{Attributes: make(map[string]interface{})}

	// Operating system name is required for provider resolution
	osName, err := probe(ctx, runner, "uname -s")
	if err != nil {
		return nil, err
	}
	node.Platform = strings.ToLower(osName)

	// Release
	if node.PlatformVersion, err = probe(ctx, runner, "uname -r"); err != nil {
		return nil, err
	}

	// Architecture and hostname are informational
	if arch, err := probe(ctx, runner, "uname -m"); err == nil {
		node.Arch = arch
	} else {
		log.Warn().Err(err).Msg("Failed to detect architecture")
	}
	if host, err := probe(ctx, runner, "hostname"); err == nil {
		node.Hostname = host
		node.Name = host
	} else {
		log.Warn().Err(err).Msg("Failed to detect hostname")
	}

	node.CollectedAt = time.Now()

	log.Debug().
		Str("platform", node.Platform).
		Str("platform_version", node.PlatformVersion).
		Str("hostname", node.Hostname).
		Dur("duration", time.Since(startTime)).
		Msg("Node facts collected")

	return node, nil
}

// probe runs a fact command and returns its trimmed output.
func probe(ctx context.Context, runner CommandRunner, cmdline string) (string, error) {
	result, err := runner.Run(ctx, cmdline, CommandOptions{})
	if err != nil {
		return "", NewQueryError(fmt.Sprintf("%s failed", cmdline), err)
	}
	if !result.Success() {
		return "", NewQueryError(fmt.Sprintf("%s exited with status %d", cmdline, result.ExitStatus), nil).
			WithDetail("stderr", result.Stderr)
	}
	return strings.TrimSpace(result.Stdout), nil
}
