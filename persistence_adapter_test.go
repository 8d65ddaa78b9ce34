package papyra

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dymmond/papyra/persistence"
)

func TestPersistenceAdapterRecordsLifecycleEvents(t *testing.T) {
	dir := t.TempDir()
	backend := persistence.NewNDJSONBackend(filepath.Join(dir, "events.ndjson"), nil, func() float64 { return 0 })
	adapter := NewPersistenceAdapter(context.Background(), backend)

	sys := NewSystem(SystemOptions{ID: "persisted", Clock: NewManualClock(), Persistence: adapter})
	sys.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = sys.Close(ctx)
	})

	ref, err := sys.Spawn(context.Background(), SpawnOptions{Factory: func() Actor { return &echoActor{} }})
	require.NoError(t, err)
	_, err = ref.Ask(context.Background(), "hi", time.Second)
	require.NoError(t, err)

	report := sys.Audit()
	adapter.RecordAudit(report, sys.ID)

	deadline := time.Now().Add(time.Second)
	var events []persistence.PersistedEvent
	for time.Now().Before(deadline) {
		events, err = backend.ListEvents(context.Background(), 0, 0)
		require.NoError(t, err)
		if len(events) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.NotEmpty(t, events, "expected at least one persisted event (ActorStarted)")

	audits, err := backend.ListAudits(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.Len(t, audits, 1)
}
