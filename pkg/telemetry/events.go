package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/converge/pkg/engine"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber handles a published event.
type EventSubscriber func(event *engine.Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event *engine.Event) bool

// EventBus fans run timeline events out to subscribers. It implements
// engine.EventPublisher.
type EventBus struct {
	config      EventsConfig
	buffer      chan *engine.Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

var _ engine.EventPublisher = (*EventBus)(nil)

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventBus creates an event bus. With EnableAsync set, events are
// queued and delivered in order from a single goroutine.
func NewEventBus(cfg EventsConfig) *EventBus {
	ctx, cancel := context.WithCancel(context.Background())
	eb := &EventBus{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.Enabled && cfg.EnableAsync {
		eb.buffer = make(chan *engine.Event, cfg.BufferSize)
		eb.wg.Add(1)
		go eb.processEvents()
	}
	return eb
}

// Publish stamps the event and delivers it to subscribers.
func (eb *EventBus) Publish(ctx context.Context, event *engine.Event) error {
	if !eb.config.Enabled || event == nil {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = event.Type.Severity()
	}

	eb.mu.RLock()
	for _, filter := range eb.filters {
		if !filter(event) {
			eb.mu.RUnlock()
			return nil
		}
	}
	eb.mu.RUnlock()

	if eb.buffer == nil {
		eb.deliverEvent(event)
		return nil
	}

	if eb.ctx.Err() != nil {
		return fmt.Errorf("event bus stopped")
	}
	select {
	case eb.buffer <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("event buffer full, event %s dropped", event.Type)
	}
}

// Subscribe adds a subscriber. filter may be nil.
func (eb *EventBus) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers = append(eb.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (eb *EventBus) AddFilter(filter EventFilter) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.filters = append(eb.filters, filter)
}

// processEvents delivers queued events until shutdown, then drains the queue.
func (eb *EventBus) processEvents() {
	defer eb.wg.Done()

	for {
		select {
		case event := <-eb.buffer:
			eb.deliverEvent(event)
		case <-eb.ctx.Done():
			for {
				select {
				case event := <-eb.buffer:
					eb.deliverEvent(event)
				default:
					return
				}
			}
		}
	}
}

// deliverEvent delivers an event to all matching subscribers.
func (eb *EventBus) deliverEvent(event *engine.Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	for _, entry := range eb.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops the bus after delivering queued events.
func (eb *EventBus) Shutdown(ctx context.Context) error {
	eb.cancel()

	done := make(chan struct{})
	go func() {
		eb.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event bus shutdown timeout")
	}
}

// LogSubscriber writes each event to logger at the event's level.
func LogSubscriber(logger zerolog.Logger) EventSubscriber {
	return func(event *engine.Event) {
		var e *zerolog.Event
		switch event.Level {
		case EventLevelError:
			e = logger.Error()
		case EventLevelWarning:
			e = logger.Warn()
		default:
			e = logger.Debug()
		}
		e = e.Str("event", string(event.Type)).Str("run_id", event.RunID)
		if event.Resource != "" {
			e = e.Str("resource", event.Resource)
		}
		if event.Action != "" {
			e = e.Str("action", string(event.Action))
		}
		if len(event.Details) > 0 {
			e = e.Fields(event.Details)
		}
		e.Msg(event.Message)
	}
}

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event *engine.Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...engine.EventType) EventFilter {
	typeSet := make(map[engine.EventType]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event *engine.Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByRunID creates a filter that only allows events for a specific run.
func FilterByRunID(runID string) EventFilter {
	return func(event *engine.Event) bool {
		return event.RunID == runID
	}
}

// FilterByResource creates a filter that only allows events for one resource key.
func FilterByResource(resource string) EventFilter {
	return func(event *engine.Event) bool {
		return event.Resource == resource
	}
}
