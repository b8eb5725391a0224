// Package events defines the payloads published on the workflow bus.
package events

import (
	"time"

	"github.com/allan-cais/besunny-ai-sub006/internal/domain"
)

// EventTypeSyncCompleted tags SyncCompleted messages.
const EventTypeSyncCompleted = "sync.completed"

// SyncCompleted summarises one executed sync cycle for downstream workflows.
type SyncCompleted struct {
	UserID      string                 `json:"user_id"`
	Service     string                 `json:"service"`
	Trigger     string                 `json:"trigger"`
	FullResync  bool                   `json:"full_resync"`
	Counts      domain.ReconcileCounts `json:"counts"`
	DurationMS  int64                  `json:"duration_ms"`
	Error       string                 `json:"error,omitempty"`
	CompletedAt time.Time              `json:"completed_at"`
	Version     string                 `json:"version"`
}

// FromResult builds the payload for an executed cycle.
func FromResult(r domain.SyncResult) SyncCompleted {
	evt := SyncCompleted{
		UserID:      r.Key.UserID,
		Service:     string(r.Key.Service),
		Trigger:     string(r.Trigger),
		FullResync:  r.FullResync,
		Counts:      r.Counts,
		DurationMS:  r.Duration.Milliseconds(),
		CompletedAt: r.StartedAt.Add(r.Duration).UTC(),
		Version:     "1",
	}
	if r.Err != nil {
		evt.Error = r.Err.Error()
	}
	return evt
}

// Run converts the payload into an audit row.
func (e SyncCompleted) Run() domain.SyncRun {
	return domain.SyncRun{
		UserID:     e.UserID,
		Service:    domain.ServiceType(e.Service),
		Trigger:    domain.Trigger(e.Trigger),
		FullResync: e.FullResync,
		Counts:     e.Counts,
		DurationMS: e.DurationMS,
		Error:      e.Error,
		OccurredAt: e.CompletedAt,
	}
}
