// Package providertest provides an in-memory engine.Transport for provider tests.
package providertest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/openfroyo/converge/pkg/engine"
)

// Call is one recorded command invocation.
type Call struct {
	Cmdline string
	Env     map[string]string
}

// EnvString renders the call environment as sorted KEY=value pairs.
func (c Call) EnvString() string {
	pairs := make([]string, 0, len(c.Env))
	for k, v := range c.Env {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return strings.Join(pairs, " ")
}

// Transport answers commands from a table and keeps files in memory.
// Commands without a canned result exit 127.
type Transport struct {
	mu      sync.Mutex
	results map[string]*engine.CommandResult
	errs    map[string]error
	files   map[string][]string
	calls   []Call
	writes  int
}

// New returns an empty transport.
func New() *Transport {
	return &Transport{
		results: make(map[string]*engine.CommandResult),
		errs:    make(map[string]error),
		files:   make(map[string][]string),
	}
}

// On sets the result of cmdline.
func (t *Transport) On(cmdline string, exit int, stdout string) *Transport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.results[cmdline] = &engine.CommandResult{ExitStatus: exit, Stdout: stdout}
	return t
}

// Fail makes cmdline return err instead of a result.
func (t *Transport) Fail(cmdline string, err error) *Transport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errs[cmdline] = err
	return t
}

// File stores a file.
func (t *Transport) File(path string, lines ...string) *Transport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.files[path] = append([]string{}, lines...)
	return t
}

// Run implements engine.CommandRunner.
func (t *Transport) Run(ctx context.Context, cmdline string, opts engine.CommandOptions) (*engine.CommandResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	env := make(map[string]string, len(opts.Env))
	for k, v := range opts.Env {
		env[k] = v
	}
	t.calls = append(t.calls, Call{Cmdline: cmdline, Env: env})

	if err, ok := t.errs[cmdline]; ok {
		return nil, err
	}
	if r, ok := t.results[cmdline]; ok {
		out := *r
		out.Duration = time.Millisecond
		if opts.OnStdoutLine != nil {
			for _, line := range out.Lines() {
				opts.OnStdoutLine(line)
			}
		}
		return &out, nil
	}
	return &engine.CommandResult{ExitStatus: 127, Stderr: fmt.Sprintf("%s: not found", cmdline)}, nil
}

// Exists implements engine.StateFiles.
func (t *Transport) Exists(ctx context.Context, path string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.files[path]
	return ok, nil
}

// ReadLines implements engine.StateFiles.
func (t *Transport) ReadLines(ctx context.Context, path string) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	lines, ok := t.files[path]
	if !ok {
		return nil, fmt.Errorf("%s: no such file", path)
	}
	return append([]string{}, lines...), nil
}

// WriteLines implements engine.StateFiles.
func (t *Transport) WriteLines(ctx context.Context, path string, lines []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.files[path] = append([]string{}, lines...)
	t.writes++
	return nil
}

// Calls returns the recorded invocations.
func (t *Transport) Calls() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Call{}, t.calls...)
}

// Commands returns the recorded command lines.
func (t *Transport) Commands() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.calls))
	for i, c := range t.calls {
		out[i] = c.Cmdline
	}
	return out
}

// Lines returns the current content of a file.
func (t *Transport) Lines(path string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string{}, t.files[path]...)
}

// Writes returns the number of file writes.
func (t *Transport) Writes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writes
}

// Env builds a provider environment around res.
func Env(res *engine.Resource, transport engine.Transport) engine.ProviderEnv {
	return engine.ProviderEnv{
		Resource:  res,
		Node:      &engine.Node{Name: "bsd1", Platform: "openbsd", PlatformVersion: "7.5"},
		Transport: transport,
		Sleep:     func(ctx context.Context, d time.Duration) error { return nil },
	}
}
