// Package protocol defines the messages exchanged between a controller and the engine
// command bridge, and their JSON-lines wire form.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// MessageType is the kind of a message.
type MessageType string

// Requests, controller to bridge.
const (
	// MessageTypePrecache fetches a resource and copies it into the engine.
	MessageTypePrecache MessageType = "precache"
	// MessageTypeInit creates the engine instance.
	MessageTypeInit MessageType = "init"
	// MessageTypeRun runs an ordered list of commands.
	MessageTypeRun MessageType = "run"
	// MessageTypeStop asks the running command to end.
	MessageTypeStop MessageType = "stop"
	// MessageTypeDestroy tears the engine instance down.
	MessageTypeDestroy MessageType = "destroy"
)

// Events, bridge to controller.
const (
	MessageTypeReady            MessageType = "ready"
	MessageTypeLog              MessageType = "log"
	MessageTypeError            MessageType = "error"
	MessageTypeInitComplete     MessageType = "init_complete"
	MessageTypeInitFailed       MessageType = "init_failed"
	MessageTypePrecacheComplete MessageType = "precache_complete"
	MessageTypeOutput           MessageType = "output"
	MessageTypeComplete         MessageType = "complete"
	MessageTypeStopped          MessageType = "stopped"
	MessageTypeDestroyed        MessageType = "destroyed"
)

// Message is the unit of communication in both directions.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// PrecacheRequest asks the bridge to load a resource into the engine.
type PrecacheRequest struct {
	Name string `json:"name,omitempty"`
	// Filename is accepted as an alias of Name.
	Filename string `json:"filename,omitempty"`
	URL      string `json:"url" validate:"required"`
}

// ResourceName returns Name, or Filename when Name is empty.
func (r *PrecacheRequest) ResourceName() string {
	if r.Name != "" {
		return r.Name
	}
	return r.Filename
}

// Validate checks the request.
func (r *PrecacheRequest) Validate() error {
	if r.ResourceName() == "" {
		return fmt.Errorf("precache name is required")
	}
	return validate.Struct(r)
}

// InitRequest carries the engine data path.
type InitRequest struct {
	DataPath string `json:"dataPath"`
}

// RunRequest carries the ordered commands of a session.
type RunRequest struct {
	Commands []string `json:"commands" validate:"required"`
}

// Validate checks the request.
func (r *RunRequest) Validate() error {
	return validate.Struct(r)
}

// ReadyEvent announces that the engine module is bound.
type ReadyEvent struct {
	Version string `json:"version,omitempty"`
	Engine  string `json:"engine,omitempty"`
	PID     int    `json:"pid,omitempty"`
}

// TextEvent carries text for log, output and init_failed events.
type TextEvent struct {
	Text string `json:"text"`
}

// ErrorEvent carries an error message and its classification.
type ErrorEvent struct {
	Text    string `json:"text"`
	Kind    string `json:"kind,omitempty"`
	Command string `json:"command,omitempty"`
}

// PrecacheCompleteEvent names the resource that reached the engine.
type PrecacheCompleteEvent struct {
	Name  string `json:"name"`
	Bytes int    `json:"bytes,omitempty"`
}

// SessionEvent identifies the session a complete or stopped event refers to.
type SessionEvent struct {
	SessionID string `json:"session_id,omitempty"`
	Commands  int    `json:"commands,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks if the message type is known.
func (mt MessageType) Validate() error {
	if mt.IsRequest() || mt.IsEvent() {
		return nil
	}
	return fmt.Errorf("unknown message type: %q", mt)
}

// IsRequest reports whether mt flows from controller to bridge.
func (mt MessageType) IsRequest() bool {
	switch mt {
	case MessageTypePrecache, MessageTypeInit, MessageTypeRun, MessageTypeStop, MessageTypeDestroy:
		return true
	}
	return false
}

// IsEvent reports whether mt flows from bridge to controller.
func (mt MessageType) IsEvent() bool {
	switch mt {
	case MessageTypeReady, MessageTypeLog, MessageTypeError, MessageTypeInitComplete,
		MessageTypeInitFailed, MessageTypePrecacheComplete, MessageTypeOutput,
		MessageTypeComplete, MessageTypeStopped, MessageTypeDestroyed:
		return true
	}
	return false
}

// NewMessage builds a message with data marshalled as its payload.
func NewMessage(msgType MessageType, data interface{}) (Message, error) {
	msg := Message{Type: msgType, Timestamp: time.Now().UTC()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Message{}, fmt.Errorf("failed to marshal data: %w", err)
		}
		msg.Data = raw
	}
	return msg, nil
}

// MustMessage is NewMessage for payloads that always marshal.
func MustMessage(msgType MessageType, data interface{}) Message {
	msg, err := NewMessage(msgType, data)
	if err != nil {
		panic(err)
	}
	return msg
}

// ParseData decodes the message payload into target. An absent payload leaves target untouched.
func (m *Message) ParseData(target interface{}) error {
	if len(m.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Data, target); err != nil {
		return fmt.Errorf("failed to parse %s data: %w", m.Type, err)
	}
	return nil
}

// Text returns the text field of log, output, error and init_failed events.
func (m *Message) Text() string {
	var t TextEvent
	if err := m.ParseData(&t); err != nil {
		return ""
	}
	return t.Text
}
