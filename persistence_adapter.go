package papyra

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/dymmond/papyra/persistence"
)

// PersistenceAdapter wires a persistence.Backend into an ActorSystem's
// PersistenceRecorder slot, translating the system's in-memory Event/
// DeadLetter shapes into the backend's serializable Persisted* records.
type PersistenceAdapter struct {
	Backend  persistence.Backend
	Logger   *zap.Logger
	ctx      context.Context
	systemID string
}

// NewPersistenceAdapter wraps backend for use as SystemOptions.Persistence.
// ctx bounds every write; a cancelled ctx simply means writes are skipped,
// never that the actor loop blocks or errors.
func NewPersistenceAdapter(ctx context.Context, backend persistence.Backend) *PersistenceAdapter {
	return &PersistenceAdapter{Backend: backend, Logger: zap.NewNop(), ctx: ctx}
}

// SetSystemID stamps every record written from this point on with the
// owning ActorSystem's id. NewSystem calls this automatically.
func (a *PersistenceAdapter) SetSystemID(id string) { a.systemID = id }

// logIfWriteFailed compares the backend's WriteErrors counter across a
// record call and logs once if it increased. Backend.Record* methods never
// return an error directly (see persistence.Backend's doc comment: writes
// must never block or panic the actor loop), so this is the only place a
// write failure becomes observable without polling Metrics() out-of-band.
func (a *PersistenceAdapter) logIfWriteFailed(kind, address string, fn func()) {
	before := a.Backend.Metrics().WriteErrors
	fn()
	if a.Backend.Metrics().WriteErrors > before {
		a.Logger.Warn("persistence write failed",
			zap.String("record_kind", kind),
			zap.String("actor_address", address),
		)
	}
}

func (a *PersistenceAdapter) RecordEvent(ev Event) {
	if a.ctx.Err() != nil {
		return
	}
	a.logIfWriteFailed("event", ev.Address.String(), func() {
		a.Backend.RecordEvent(a.ctx, persistence.PersistedEvent{
			SystemID:     a.systemID,
			ActorAddress: ev.Address.String(),
			EventType:    string(ev.Kind),
			Payload:      eventPayload(ev),
			Timestamp:    ev.Timestamp,
		})
	})
}

func (a *PersistenceAdapter) RecordDeadLetter(dl DeadLetter) {
	if a.ctx.Err() != nil {
		return
	}
	a.logIfWriteFailed("dead_letter", dl.Recipient.String(), func() {
		a.Backend.RecordDeadLetter(a.ctx, persistence.PersistedDeadLetter{
			SystemID:     a.systemID,
			Target:       dl.Recipient.String(),
			MessageType:  fmt.Sprintf("%T", dl.Message),
			Payload:      dl.Message,
			ExpectsReply: dl.ExpectsReply,
			Timestamp:    dl.Timestamp,
		})
	})
}

// RecordAudit persists a snapshot taken via ActorSystem.Audit. It is not
// part of PersistenceRecorder (audits are point-in-time and caller-driven,
// not an automatic side effect of every system operation), so callers that
// want audits persisted call this explicitly.
func (a *PersistenceAdapter) RecordAudit(report AuditReport, systemID string) {
	if a.ctx.Err() != nil {
		return
	}
	a.logIfWriteFailed("audit", systemID, func() {
		a.Backend.RecordAudit(a.ctx, persistence.PersistedAudit{
			SystemID:         systemID,
			Timestamp:        report.Timestamp,
			TotalActors:      report.TotalActors,
			AliveActors:      report.AliveActors,
			StoppingActors:   report.StoppingActors,
			RestartingActors: report.RestartingCount,
			RegistrySize:     report.RegisteredNames,
			RegistryOrphans:  report.OrphanNames,
			RegistryDead:     report.DeadActorNames,
			DeadLettersCount: report.DeadLetterCount,
		})
	})
}

func eventPayload(ev Event) map[string]any {
	payload := map[string]any{}
	if ev.Reason != "" {
		payload["reason"] = ev.Reason
	}
	if ev.Error != "" {
		payload["error"] = ev.Error
	}
	if ev.StopReason != "" {
		payload["stop_reason"] = ev.StopReason
	}
	return payload
}
