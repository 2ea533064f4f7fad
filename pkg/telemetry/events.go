package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a timeline entry of a deployment run. The store's event sink keeps
// them as the run journal.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`

	// Source is the component that published the event.
	Source string `json:"source"`

	RunID string `json:"run_id,omitempty"`
	Phase string `json:"phase,omitempty"`
	Task  string `json:"task,omitempty"`

	Message string `json:"message"`

	// Level is info, warning or error.
	Level string         `json:"level"`
	Data  map[string]any `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeRunStarted        = "run.started"
	EventTypeRunCompleted      = "run.completed"
	EventTypeRunFailed         = "run.failed"
	EventTypePhaseStarted      = "phase.started"
	EventTypePhaseCompleted    = "phase.completed"
	EventTypeTaskStarted       = "task.started"
	EventTypeTaskCompleted     = "task.completed"
	EventTypeTaskFailed        = "task.failed"
	EventTypeSelectionFallback = "selection.fallback"
	EventTypePolicyViolation   = "policy.violation"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher manages event publishing and subscriptions.
// Subscribers are called one at a time, in publish order.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.buffer = make(chan Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if ep.config.EnableAsync {
		select {
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
		}
		select {
		case ep.buffer <- event:
			return nil
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishRunStarted publishes a run started event.
func (ep *EventPublisher) PublishRunStarted(runID, sequenceID string) error {
	return ep.Publish(Event{
		Type:    EventTypeRunStarted,
		Source:  "runner",
		RunID:   runID,
		Message: fmt.Sprintf("Run %s of sequence %s started", runID, sequenceID),
		Level:   EventLevelInfo,
		Data: map[string]any{
			"sequence": sequenceID,
		},
	})
}

// PublishRunCompleted publishes a run completed event.
func (ep *EventPublisher) PublishRunCompleted(runID, status string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeRunCompleted,
		Source:  "runner",
		RunID:   runID,
		Message: fmt.Sprintf("Run %s completed with status: %s", runID, status),
		Level:   EventLevelInfo,
		Data: map[string]any{
			"status":   status,
			"duration": duration.Seconds(),
		},
	})
}

// PublishRunFailed publishes a run failed event.
func (ep *EventPublisher) PublishRunFailed(runID, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeRunFailed,
		Source:  "runner",
		RunID:   runID,
		Message: fmt.Sprintf("Run %s failed: %s", runID, reason),
		Level:   EventLevelError,
		Data: map[string]any{
			"reason": reason,
		},
	})
}

// PublishPhaseStarted publishes a phase started event.
func (ep *EventPublisher) PublishPhaseStarted(runID, phase string, tasks int) error {
	return ep.Publish(Event{
		Type:    EventTypePhaseStarted,
		Source:  "executor",
		RunID:   runID,
		Phase:   phase,
		Message: fmt.Sprintf("Phase %s started with %d task(s)", phase, tasks),
		Level:   EventLevelInfo,
		Data: map[string]any{
			"tasks": tasks,
		},
	})
}

// PublishPhaseCompleted publishes a phase completed event.
func (ep *EventPublisher) PublishPhaseCompleted(runID, phase, status string, duration time.Duration) error {
	level := EventLevelInfo
	if status != "succeeded" {
		level = EventLevelWarning
	}
	return ep.Publish(Event{
		Type:    EventTypePhaseCompleted,
		Source:  "executor",
		RunID:   runID,
		Phase:   phase,
		Message: fmt.Sprintf("Phase %s finished with status: %s", phase, status),
		Level:   level,
		Data: map[string]any{
			"status":   status,
			"duration": duration.Seconds(),
		},
	})
}

// PublishTaskStarted publishes a task started event.
func (ep *EventPublisher) PublishTaskStarted(runID, phase, task, taskType string) error {
	return ep.Publish(Event{
		Type:    EventTypeTaskStarted,
		Source:  "executor",
		RunID:   runID,
		Phase:   phase,
		Task:    task,
		Message: fmt.Sprintf("Task %s started", task),
		Level:   EventLevelInfo,
		Data: map[string]any{
			"type": taskType,
		},
	})
}

// PublishTaskCompleted publishes a task completed event.
func (ep *EventPublisher) PublishTaskCompleted(runID, phase, task string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeTaskCompleted,
		Source:  "executor",
		RunID:   runID,
		Phase:   phase,
		Task:    task,
		Message: fmt.Sprintf("Task %s completed", task),
		Level:   EventLevelInfo,
		Data: map[string]any{
			"duration": duration.Seconds(),
		},
	})
}

// PublishTaskFailed publishes a task failed event. Outcome distinguishes
// aborting failures from skipped non-critical ones.
func (ep *EventPublisher) PublishTaskFailed(runID, phase, task, outcome, reason string) error {
	level := EventLevelError
	if outcome == "skipped" {
		level = EventLevelWarning
	}
	return ep.Publish(Event{
		Type:    EventTypeTaskFailed,
		Source:  "executor",
		RunID:   runID,
		Phase:   phase,
		Task:    task,
		Message: fmt.Sprintf("Task %s failed: %s", task, reason),
		Level:   level,
		Data: map[string]any{
			"outcome": outcome,
			"reason":  reason,
		},
	})
}

// PublishSelectionFallback publishes an event for a selection step that kept its input.
func (ep *EventPublisher) PublishSelectionFallback(runID, step, action string, candidates int) error {
	return ep.Publish(Event{
		Type:    EventTypeSelectionFallback,
		Source:  "selection",
		RunID:   runID,
		Message: fmt.Sprintf("Selection step %q would leave no candidates, kept %d", step, candidates),
		Level:   EventLevelWarning,
		Data: map[string]any{
			"step":       step,
			"action":     action,
			"candidates": candidates,
		},
	})
}

// PublishPolicyViolation publishes a policy violation event.
func (ep *EventPublisher) PublishPolicyViolation(sequenceID, rule, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypePolicyViolation,
		Source:  "policy",
		Message: fmt.Sprintf("Sequence %s violates %s: %s", sequenceID, rule, reason),
		Level:   EventLevelError,
		Data: map[string]any{
			"sequence": sequenceID,
			"rule":     rule,
			"reason":   reason,
		},
	})
}

// Subscribe adds a new event subscriber. A nil filter accepts every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents delivers buffered events until shutdown, then drains the buffer.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)
		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					ep.deliverEvent(event)
				default:
					return
				}
			}
		}
	}
}

// deliverEvent delivers an event to all subscribers.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops the publisher after delivering buffered events.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
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

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByRunID creates a filter that only allows events for a specific run.
func FilterByRunID(runID string) EventFilter {
	return func(event Event) bool {
		return event.RunID == runID
	}
}
