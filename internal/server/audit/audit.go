// Package audit defines the audit event contract produced by the KMS
// service. The platform's audit-log collector is an external collaborator;
// this package ships a structured-log sink for deployments without one, and
// a recorder for tests.
package audit

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/keyfort/keyfort/internal/logging"
)

type EventType string

const (
	// EventRotateKey records a completed rotation of a customer managed
	// encryption key.
	EventRotateKey EventType = "ROTATE_CMEK"
	// EventRotateKeyFailed records a rotation whose retries are exhausted.
	EventRotateKeyFailed EventType = "ROTATE_CMEK_FAILED"
)

// Event carries identifiers and counts only. Key material and credentials
// never appear in an event.
type Event struct {
	Type           EventType
	OrganizationID uuid.UUID
	ProjectID      uuid.UUID
	KeyID          uuid.UUID
	// Version is the key version after a successful rotation.
	Version int
	// PrunedVersions is the number of archived versions removed by
	// retention during the rotation.
	PrunedVersions int
	// Error is a short summary for failure events. It must not contain
	// secret values.
	Error string
}

type Logger interface {
	Log(ctx context.Context, event Event)
}

// StructuredLogger writes events as structured log lines through the shared
// zerolog logger.
type StructuredLogger struct{}

func (StructuredLogger) Log(_ context.Context, event Event) {
	line := logging.L.Info()
	if event.Type == EventRotateKeyFailed {
		line = logging.L.Warn()
	}

	line.
		Str("event", string(event.Type)).
		Stringer("keyID", event.KeyID).
		Int("version", event.Version)

	if event.OrganizationID != uuid.Nil {
		line.Stringer("organizationID", event.OrganizationID)
	}
	if event.ProjectID != uuid.Nil {
		line.Stringer("projectID", event.ProjectID)
	}
	if event.PrunedVersions > 0 {
		line.Int("prunedVersions", event.PrunedVersions)
	}
	if event.Error != "" {
		line.Str("error", event.Error)
	}

	line.Msg("audit event")
}

var _ zerolog.LogObjectMarshaler = (*Event)(nil)

// MarshalZerologObject lets an Event be attached to any zerolog line.
func (e *Event) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("event", string(e.Type)).Stringer("keyID", e.KeyID).Int("version", e.Version)
}

// Recorder captures events for assertions in tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Log(_ context.Context, event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event{}, r.events...)
}
