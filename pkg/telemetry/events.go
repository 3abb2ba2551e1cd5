package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a lifecycle record emitted by the bridge, independent of the wire protocol.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// SessionID is the associated run session, if applicable.
	SessionID string `json:"session_id,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for bridge lifecycle events.
const (
	EventTypeEngineInitialized = "engine.initialized"
	EventTypeEngineInitFailed  = "engine.init_failed"
	EventTypeEngineDestroyed   = "engine.destroyed"
	EventTypeResourcePrecached = "resource.precached"
	EventTypeResourceFailed    = "resource.failed"
	EventTypeSessionStarted    = "session.started"
	EventTypeSessionCompleted  = "session.completed"
	EventTypeSessionFailed     = "session.failed"
	EventTypeSessionCancelled  = "session.cancelled"
	EventTypeCommandFinished   = "command.finished"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers.
// A single delivery goroutine calls subscribers in publish order.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	mu          sync.RWMutex
	done        chan struct{}
	closeOnce   sync.Once
	stopped     chan struct{}
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
	if cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size must be positive, got: %d", cfg.BufferSize)
	}

	ep := &EventPublisher{
		config:  cfg,
		buffer:  make(chan Event, cfg.BufferSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go ep.processEvents()

	return ep, nil
}

// Publish queues an event for delivery. It never blocks; a full buffer drops the event.
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
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	select {
	case <-ep.done:
		return fmt.Errorf("event publisher stopped")
	default:
	}

	select {
	case ep.buffer <- event:
		return nil
	default:
		return fmt.Errorf("event buffer full, event %s dropped", event.Type)
	}
}

// PublishEngineInitialized publishes an engine initialized event.
func (ep *EventPublisher) PublishEngineInitialized(dataPath string) error {
	return ep.Publish(Event{
		Type:    EventTypeEngineInitialized,
		Source:  "bridge",
		Message: fmt.Sprintf("Engine initialized with data path %q", dataPath),
		Data: map[string]interface{}{
			"data_path": dataPath,
		},
	})
}

// PublishEngineInitFailed publishes an engine init failure.
func (ep *EventPublisher) PublishEngineInitFailed(code int) error {
	return ep.Publish(Event{
		Type:    EventTypeEngineInitFailed,
		Source:  "bridge",
		Message: fmt.Sprintf("Engine init returned %d", code),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"code": code,
		},
	})
}

// PublishEngineDestroyed publishes an engine destroyed event.
func (ep *EventPublisher) PublishEngineDestroyed() error {
	return ep.Publish(Event{
		Type:    EventTypeEngineDestroyed,
		Source:  "bridge",
		Message: "Engine destroyed",
	})
}

// PublishResourcePrecached publishes a resource installed into the engine file system.
func (ep *EventPublisher) PublishResourcePrecached(name, url string, size int) error {
	return ep.Publish(Event{
		Type:    EventTypeResourcePrecached,
		Source:  "loader",
		Message: fmt.Sprintf("Precached %s (%d bytes)", name, size),
		Data: map[string]interface{}{
			"name":  name,
			"url":   url,
			"bytes": size,
		},
	})
}

// PublishResourceFailed publishes a failed resource load.
func (ep *EventPublisher) PublishResourceFailed(name, url, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeResourceFailed,
		Source:  "loader",
		Message: fmt.Sprintf("Precache of %s failed: %s", name, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"name":   name,
			"url":    url,
			"reason": reason,
		},
	})
}

// PublishSessionStarted publishes a session started event.
func (ep *EventPublisher) PublishSessionStarted(sessionID string, commands []string) error {
	return ep.Publish(Event{
		Type:      EventTypeSessionStarted,
		Source:    "session",
		SessionID: sessionID,
		Message:   fmt.Sprintf("Session %s started with %d commands", sessionID, len(commands)),
		Data: map[string]interface{}{
			"commands": commands,
		},
	})
}

// PublishSessionCompleted publishes a session that ran every command.
func (ep *EventPublisher) PublishSessionCompleted(sessionID string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:      EventTypeSessionCompleted,
		Source:    "session",
		SessionID: sessionID,
		Message:   fmt.Sprintf("Session %s completed", sessionID),
		Data: map[string]interface{}{
			"duration": duration.Seconds(),
		},
	})
}

// PublishSessionFailed publishes a session aborted by a command error.
func (ep *EventPublisher) PublishSessionFailed(sessionID, reason string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:      EventTypeSessionFailed,
		Source:    "session",
		SessionID: sessionID,
		Message:   fmt.Sprintf("Session %s failed: %s", sessionID, reason),
		Level:     EventLevelError,
		Data: map[string]interface{}{
			"reason":   reason,
			"duration": duration.Seconds(),
		},
	})
}

// PublishSessionCancelled publishes a session cut short by destroy or shutdown.
func (ep *EventPublisher) PublishSessionCancelled(sessionID string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:      EventTypeSessionCancelled,
		Source:    "session",
		SessionID: sessionID,
		Message:   fmt.Sprintf("Session %s cancelled", sessionID),
		Level:     EventLevelWarning,
		Data: map[string]interface{}{
			"duration": duration.Seconds(),
		},
	})
}

// PublishCommandFinished publishes the result of one command.
func (ep *EventPublisher) PublishCommandFinished(sessionID string, index int, command, status, output, errText string, duration time.Duration) error {
	level := EventLevelInfo
	if errText != "" {
		level = EventLevelError
	}
	return ep.Publish(Event{
		Type:      EventTypeCommandFinished,
		Source:    "session",
		SessionID: sessionID,
		Message:   fmt.Sprintf("Command %d %q finished (%s)", index, command, status),
		Level:     level,
		Data: map[string]interface{}{
			"index":    index,
			"command":  command,
			"status":   status,
			"output":   output,
			"error":    errText,
			"duration": duration.Seconds(),
		},
	})
}

// Subscribe adds a new event subscriber. A nil filter accepts every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// processEvents delivers buffered events until shutdown, then drains what is left.
func (ep *EventPublisher) processEvents() {
	defer close(ep.stopped)

	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)
		case <-ep.done:
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

// deliverEvent delivers an event to all subscribers in registration order.
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

// Shutdown stops accepting events and waits for queued ones to be delivered.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	ep.closeOnce.Do(func() { close(ep.done) })

	select {
	case <-ep.stopped:
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
