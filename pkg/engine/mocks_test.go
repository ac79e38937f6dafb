package engine

import (
	"context"
	"strings"
	"sync"
	"time"
)

// mockRunner returns canned results keyed by command line. Unknown
// commands exit 127.
type mockRunner struct {
	mu      sync.Mutex
	results map[string]*CommandResult
	errs    map[string]error
	calls   []string
}

func newMockRunner() *mockRunner {
	return &mockRunner{
		results: make(map[string]*CommandResult),
		errs:    make(map[string]error),
	}
}

func (m *mockRunner) on(cmdline string, exit int, stdout string) *mockRunner {
	m.results[cmdline] = &CommandResult{ExitStatus: exit, Stdout: stdout}
	return m
}

func (m *mockRunner) Run(ctx context.Context, cmdline string, opts CommandOptions) (*CommandResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, cmdline)
	if err, ok := m.errs[cmdline]; ok {
		return nil, err
	}
	if r, ok := m.results[cmdline]; ok {
		return r, nil
	}
	return &CommandResult{ExitStatus: 127, Stderr: "command not found"}, nil
}

func (m *mockRunner) Exists(ctx context.Context, path string) (bool, error) {
	return false, nil
}

func (m *mockRunner) ReadLines(ctx context.Context, path string) ([]string, error) {
	return nil, nil
}

func (m *mockRunner) WriteLines(ctx context.Context, path string, lines []string) error {
	return nil
}

// script drives a fakeProvider for one resource key.
type script struct {
	updates bool
	errs    []error
	loadErr error
}

// fakeProviders records every action invocation across resources.
type fakeProviders struct {
	mu      sync.Mutex
	scripts map[string]*script
	calls   []string
	loads   []string
}

func newFakeProviders() *fakeProviders {
	return &fakeProviders{scripts: make(map[string]*script)}
}

func (f *fakeProviders) set(key string, s *script) {
	f.scripts[key] = s
}

func (f *fakeProviders) factory(env ProviderEnv) (Provider, error) {
	return &fakeProvider{f: f, res: env.Resource}, nil
}

func (f *fakeProviders) callList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeProviders) count(call string) int {
	n := 0
	for _, c := range f.callList() {
		if c == call {
			n++
		}
	}
	return n
}

type fakeProvider struct {
	f   *fakeProviders
	res *Resource
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) LoadCurrentResource(ctx context.Context) (*Resource, error) {
	p.f.mu.Lock()
	defer p.f.mu.Unlock()
	p.f.loads = append(p.f.loads, p.res.String())
	if s, ok := p.f.scripts[p.res.String()]; ok && s.loadErr != nil {
		return nil, s.loadErr
	}
	return &Resource{Type: p.res.Type, Name: p.res.Name}, nil
}

func (p *fakeProvider) Actions() ActionTable {
	table := ActionTable{}
	for _, a := range p.res.AllowedActions {
		action := a
		if action == ActionNothing {
			continue
		}
		table[action] = func(ctx context.Context) error {
			return p.run(action)
		}
	}
	return table
}

func (p *fakeProvider) run(action Action) error {
	p.f.mu.Lock()
	defer p.f.mu.Unlock()
	p.f.calls = append(p.f.calls, p.res.String()+":"+string(action))

	s, ok := p.f.scripts[p.res.String()]
	if !ok {
		p.res.SetUpdatedByLastAction(true)
		return nil
	}
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return err
	}
	p.res.SetUpdatedByLastAction(s.updates)
	return nil
}

// mockEventPublisher collects events.
type mockEventPublisher struct {
	mu     sync.Mutex
	events []*Event
}

func (m *mockEventPublisher) Publish(ctx context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *mockEventPublisher) types() []EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EventType, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e.Type)
	}
	return out
}

// mockRecorder keeps the last recorded report.
type mockRecorder struct {
	reports []*RunReport
}

func (m *mockRecorder) RecordRun(ctx context.Context, report *RunReport) error {
	m.reports = append(m.reports, report)
	return nil
}

// gateFunc adapts a function to ActionGate.
type gateFunc func(ctx context.Context, r *Resource, a Action) error

func (g gateFunc) Allow(ctx context.Context, r *Resource, a Action) error {
	return g(ctx, r, a)
}

// countingObserver tallies observer callbacks.
type countingObserver struct {
	converged     int
	retrying      int
	notifications int
	finished      int
}

func (o *countingObserver) ResourceConverged(r *Resource, a Action, result *ResourceResult) {
	if result.State == ResourceStateRetrying {
		o.retrying++
		return
	}
	o.converged++
}

func (o *countingObserver) NotificationFired(n *Notification, timing Timing) {
	o.notifications++
}

func (o *countingObserver) RunFinished(report *RunReport) {
	o.finished++
}

// testHarness wires fake providers into a registry and runner.
type testHarness struct {
	providers *fakeProviders
	runner    *mockRunner
	registry  *Registry
	delays    []time.Duration
}

func newTestHarness() *testHarness {
	h := &testHarness{
		providers: newFakeProviders(),
		runner:    newMockRunner(),
		registry:  NewRegistry(),
	}
	_ = h.registry.Register(ProviderRegistration{
		Name:    "fake_package",
		Type:    ResourceTypePackage,
		Actions: []Action{ActionInstall, ActionUpgrade, ActionRemove},
		Factory: h.providers.factory,
	})
	_ = h.registry.Register(ProviderRegistration{
		Name: "fake_service",
		Type: ResourceTypeService,
		Actions: []Action{
			ActionEnable, ActionDisable, ActionStart, ActionStop, ActionRestart, ActionReload,
		},
		Factory: h.providers.factory,
	})
	return h
}

func (h *testHarness) newRunner(mutate func(*RunnerOptions)) *Runner {
	opts := RunnerOptions{
		Registry:  h.registry,
		Transport: h.runner,
		Sleep: func(ctx context.Context, d time.Duration) error {
			h.delays = append(h.delays, d)
			return nil
		},
	}
	if mutate != nil {
		mutate(&opts)
	}
	r, err := NewRunner(opts)
	if err != nil {
		panic(err)
	}
	return r
}

func testNode() *Node {
	return &Node{Name: "bsd1", Platform: "openbsd", PlatformVersion: "7.5"}
}

func pkgRes(name string) *Resource {
	return PackageResource.New(name)
}

func svcRes(name string) *Resource {
	return ServiceResource.New(name)
}

func collectionOf(resources ...*Resource) *ResourceCollection {
	c := NewResourceCollection()
	if err := c.Insert(resources...); err != nil {
		panic(err)
	}
	return c
}

func joinCalls(calls []string) string {
	return strings.Join(calls, ",")
}
