package stores

import (
	"context"
	"time"

	"github.com/openfroyo/enginebridge/pkg/engine"
	"github.com/openfroyo/enginebridge/pkg/telemetry"
)

// ResourceStatus is the result of the last precache of a resource.
type ResourceStatus string

const (
	ResourceStatusCached ResourceStatus = "cached"
	ResourceStatusFailed ResourceStatus = "failed"
)

// Session is one journaled run session.
type Session struct {
	ID           string                `json:"id"`
	Status       engine.SessionOutcome `json:"status"`
	Commands     []string              `json:"commands"`
	CommandCount int                   `json:"command_count"`
	Executed     int                   `json:"executed"`
	Error        *string               `json:"error,omitempty"`
	StartedAt    time.Time             `json:"started_at"`
	CompletedAt  *time.Time            `json:"completed_at,omitempty"`
	Duration     time.Duration         `json:"duration,omitempty"`
}

// CommandResult is the journaled outcome of one command.
type CommandResult struct {
	SessionID  string        `json:"session_id"`
	Index      int           `json:"index"`
	Command    string        `json:"command"`
	Status     string        `json:"status"`
	Output     string        `json:"output,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
	FinishedAt time.Time     `json:"finished_at"`
}

// Failed reports whether the command produced error text.
func (r *CommandResult) Failed() bool {
	return r.Error != ""
}

// Resource is the last known precache state of a named resource.
type Resource struct {
	Name      string         `json:"name"`
	URL       string         `json:"url"`
	Status    ResourceStatus `json:"status"`
	Bytes     int            `json:"bytes"`
	Reason    string         `json:"reason,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// EventFilter narrows ListEvents.
type EventFilter struct {
	SessionID string
	Type      string
	Limit     int
}

// Store is the journal interface used by the CLI.
type Store interface {
	Record(ctx context.Context, event telemetry.Event) error
	ListSessions(ctx context.Context, limit, offset int) ([]*Session, error)
	GetSession(ctx context.Context, id string) (*Session, error)
	ListCommandResults(ctx context.Context, sessionID string) ([]*CommandResult, error)
	ListEvents(ctx context.Context, filter EventFilter) ([]telemetry.Event, error)
	ListResources(ctx context.Context) ([]*Resource, error)
	HealthCheck(ctx context.Context) error
	Close() error
}
