package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a notable occurrence in the reconciliation loop.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`

	// Source identifies the component that raised the event.
	Source string `json:"source"`

	CycleID    string `json:"cycle_id,omitempty"`
	IssueID    string `json:"issue_id,omitempty"`
	ResourceID string `json:"resource_id,omitempty"`

	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string                 `json:"level"`
	Data  map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeCycleStarted     = "cycle.started"
	EventTypeCycleCompleted   = "cycle.completed"
	EventTypeCycleFailed      = "cycle.failed"
	EventTypeTriggerCoalesced = "trigger.coalesced"
	EventTypeDriftDetected    = "drift.detected"
	EventTypeFixApplied       = "fix.applied"
	EventTypeFixFailed        = "fix.failed"
	EventTypePolicyViolation  = "policy.violation"
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

// EventPublisher fans events out to subscribers. A nil or disabled publisher drops events.
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
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config: cfg,
		buffer: make(chan Event, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
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
		event.Timestamp = time.Now()
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
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event, false)
	return nil
}

// PublishCycleStarted publishes a cycle started event.
func (ep *EventPublisher) PublishCycleStarted(cycleID, trigger string) error {
	return ep.Publish(Event{
		Type:    EventTypeCycleStarted,
		Source:  "reconciler",
		CycleID: cycleID,
		Message: fmt.Sprintf("Cycle %s started (%s)", cycleID, trigger),
		Level:   EventLevelInfo,
		Data:    map[string]interface{}{"trigger": trigger},
	})
}

// PublishCycleCompleted publishes a cycle completed event.
func (ep *EventPublisher) PublishCycleCompleted(cycleID, status string, applied, remaining int, duration time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeCycleCompleted,
		Source:  "reconciler",
		CycleID: cycleID,
		Message: fmt.Sprintf("Cycle %s %s: %d applied, %d remaining", cycleID, status, applied, remaining),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"status":    status,
			"applied":   applied,
			"remaining": remaining,
			"duration":  duration.Seconds(),
		},
	})
}

// PublishCycleFailed publishes a cycle failed event.
func (ep *EventPublisher) PublishCycleFailed(cycleID, phase, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeCycleFailed,
		Source:  "reconciler",
		CycleID: cycleID,
		Message: fmt.Sprintf("Cycle %s failed in %s: %s", cycleID, phase, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"phase":  phase,
			"reason": reason,
		},
	})
}

// PublishTriggerCoalesced publishes a skipped trigger.
func (ep *EventPublisher) PublishTriggerCoalesced(trigger string) error {
	return ep.Publish(Event{
		Type:    EventTypeTriggerCoalesced,
		Source:  "reconciler",
		Message: fmt.Sprintf("%s trigger coalesced into the active cycle", trigger),
		Level:   EventLevelInfo,
		Data:    map[string]interface{}{"trigger": trigger},
	})
}

// PublishDriftDetected publishes the drift found on one resource.
func (ep *EventPublisher) PublishDriftDetected(cycleID, resourceID string, issueCount int) error {
	return ep.Publish(Event{
		Type:       EventTypeDriftDetected,
		Source:     "drift_detector",
		CycleID:    cycleID,
		ResourceID: resourceID,
		Message:    fmt.Sprintf("Drift detected on %s (%d issues)", resourceID, issueCount),
		Level:      EventLevelWarning,
		Data:       map[string]interface{}{"issue_count": issueCount},
	})
}

// PublishFixApplied publishes a confirmed fix.
func (ep *EventPublisher) PublishFixApplied(cycleID, issueID, resourceID, fieldPath string) error {
	return ep.Publish(Event{
		Type:       EventTypeFixApplied,
		Source:     "executor",
		CycleID:    cycleID,
		IssueID:    issueID,
		ResourceID: resourceID,
		Message:    fmt.Sprintf("Fixed %s on %s", fieldPath, resourceID),
		Level:      EventLevelInfo,
		Data:       map[string]interface{}{"field_path": fieldPath},
	})
}

// PublishFixFailed publishes a failed fix.
func (ep *EventPublisher) PublishFixFailed(cycleID, issueID, resourceID, reason string) error {
	return ep.Publish(Event{
		Type:       EventTypeFixFailed,
		Source:     "executor",
		CycleID:    cycleID,
		IssueID:    issueID,
		ResourceID: resourceID,
		Message:    fmt.Sprintf("Fix for %s failed: %s", resourceID, reason),
		Level:      EventLevelError,
		Data:       map[string]interface{}{"reason": reason},
	})
}

// PublishPolicyViolation publishes a fix held back by a policy.
func (ep *EventPublisher) PublishPolicyViolation(issueID, resourceID, policyName, reason string) error {
	return ep.Publish(Event{
		Type:       EventTypePolicyViolation,
		Source:     "remediation_guard",
		IssueID:    issueID,
		ResourceID: resourceID,
		Message:    fmt.Sprintf("Policy %s holds fix on %s: %s", policyName, resourceID, reason),
		Level:      EventLevelWarning,
		Data: map[string]interface{}{
			"policy": policyName,
			"reason": reason,
		},
	})
}

// Subscribe adds a new event subscriber.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{subscriber: subscriber, filter: filter})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)
	var tick <-chan time.Time
	if ep.config.FlushInterval > 0 {
		ticker := time.NewTicker(ep.config.FlushInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			if len(batch) >= ep.config.MaxBatchSize {
				ep.flushBatch(batch)
				batch = batch[:0]
			}
		case <-tick:
			ep.flushBatch(batch)
			batch = batch[:0]
		case <-ep.ctx.Done():
			// Drain whatever is still buffered before exiting.
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					ep.flushBatch(batch)
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) flushBatch(events []Event) {
	for _, event := range events {
		ep.deliverEvent(event, true)
	}
}

// deliverEvent hands the event to every matching subscriber. Async delivery
// runs on the publisher goroutine, so subscribers are called in order.
func (ep *EventPublisher) deliverEvent(event Event, async bool) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		if async {
			entry.subscriber(event)
			continue
		}
		go entry.subscriber(event)
	}
}

// Shutdown flushes buffered events and stops the publisher.
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

// FilterByCycleID creates a filter that only allows events for one cycle.
func FilterByCycleID(cycleID string) EventFilter {
	return func(event Event) bool {
		return event.CycleID == cycleID
	}
}
