package persistence

import "context"

// Backend is the contract every persistence implementation satisfies: an
// append-only sink for events/audits/dead letters, plus maintenance
// operations (list, scan, recover, compact) for inspecting and repairing
// what was written. Write methods must never block the caller for long and
// must never panic; a backend that cannot write should count the failure
// in its Metrics rather than propagate an error into the actor loop.
type Backend interface {
	RecordEvent(ctx context.Context, event PersistedEvent)
	RecordAudit(ctx context.Context, audit PersistedAudit)
	RecordDeadLetter(ctx context.Context, dl PersistedDeadLetter)

	ListEvents(ctx context.Context, limit int, since float64) ([]PersistedEvent, error)
	ListAudits(ctx context.Context, limit int, since float64) ([]PersistedAudit, error)
	ListDeadLetters(ctx context.Context, limit int, since float64) ([]PersistedDeadLetter, error)

	Scan(ctx context.Context) (ScanReport, error)
	Recover(ctx context.Context, cfg RecoveryConfig) (RecoveryReport, error)
	Compact(ctx context.Context) (CompactionReport, error)

	Metrics() Metrics

	Close(ctx context.Context) error
}

// applyLimitSince trims a chronologically-ordered slice to the tail
// `limit` entries with timestamp >= since (since <= 0 disables the filter,
// limit <= 0 disables truncation). Shared by every file-backed backend.
func applyLimitSince[T any](items []T, limit int, since float64, ts func(T) float64) []T {
	if since > 0 {
		filtered := items[:0:0]
		for _, it := range items {
			if ts(it) >= since {
				filtered = append(filtered, it)
			}
		}
		items = filtered
	}
	if limit > 0 && len(items) > limit {
		items = items[len(items)-limit:]
	}
	return items
}
