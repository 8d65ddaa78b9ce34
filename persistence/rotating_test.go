package persistence

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRotatingBackendRotatesOnSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.ndjson")
	backend := NewRotatingBackend(path, 128, 3, nil, fixedClock(0))
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		backend.RecordEvent(ctx, PersistedEvent{ActorAddress: "s:1", EventType: "ActorStarted", Timestamp: float64(i)})
	}

	_, err := os.Stat(path + ".1")
	require.NoError(t, err, "expected a rotated file to exist")

	// Each ~111-byte line fills a 128-byte file on its own, so with
	// maxFiles 3 only the newest three events (27, 28, 29) survive rotation.
	events, err := backend.ListEvents(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 3, "expected the newest 3 events readable across rotated files")
	for i, ev := range events {
		assert.Equal(t, float64(27+i), ev.Timestamp, "events out of chronological order at index %d", i)
	}
}

func TestRotatingBackendCapsFileCount(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.ndjson")
	backend := NewRotatingBackend(path, 64, 2, nil, fixedClock(0))
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		backend.RecordEvent(ctx, PersistedEvent{ActorAddress: "s:1", EventType: "ActorStarted", Timestamp: float64(i)})
	}

	_, err := os.Stat(path + ".2")
	assert.Error(t, err, "expected at most maxFiles-1 rotated files, found path.2")
}

func TestRotatingBackendScanDetectsOrphanSuffix(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.ndjson")
	backend := NewRotatingBackend(path, 1<<20, 3, nil, fixedClock(0))
	ctx := context.Background()
	backend.RecordEvent(ctx, PersistedEvent{ActorAddress: "s:1", EventType: "ActorStarted", Timestamp: 1})

	// A suffix outside the expected "<path>.1..N-1" rotation slots.
	require.NoError(t, os.WriteFile(path+".bak", []byte("stray\n"), 0o644))

	report, err := backend.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, report.Anomalies, 1)
	assert.Equal(t, AnomalyOrphanFile, report.Anomalies[0].Type)
	assert.Equal(t, path+".bak", report.Anomalies[0].Path)
}

func TestRotatingBackendRecoverQuarantineMovesOrphans(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.ndjson")
	backend := NewRotatingBackend(path, 1<<20, 3, nil, fixedClock(0))
	ctx := context.Background()
	backend.RecordEvent(ctx, PersistedEvent{ActorAddress: "s:1", EventType: "ActorStarted", Timestamp: 1})

	require.NoError(t, os.WriteFile(path+".bak", []byte("stray\n"), 0o644))

	report, err := backend.Recover(ctx, RecoveryConfig{Mode: RecoveryQuarantine})
	require.NoError(t, err)
	assert.Equal(t, 1, report.QuarantinedCount)

	_, err = os.Stat(path + ".bak")
	assert.True(t, os.IsNotExist(err), "orphan should have been moved out of the rotation directory")
	_, err = os.Stat(filepath.Join(dir, "quarantine", "events.ndjson.bak"))
	assert.NoError(t, err, "orphan should land in the sibling quarantine directory")
}

func TestRotatingBackendRecoverRepairLeavesOrphansInPlace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.ndjson")
	backend := NewRotatingBackend(path, 1<<20, 3, nil, fixedClock(0))
	ctx := context.Background()
	backend.RecordEvent(ctx, PersistedEvent{ActorAddress: "s:1", EventType: "ActorStarted", Timestamp: 1})

	require.NoError(t, os.WriteFile(path+".bak", []byte("stray\n"), 0o644))

	_, err := backend.Recover(ctx, RecoveryConfig{Mode: RecoveryRepair})
	require.NoError(t, err)

	_, err = os.Stat(path + ".bak")
	assert.NoError(t, err, "REPAIR must leave orphan files untouched")
}

func TestRotatingBackendScanFlagsMissingTrailingNewlineAsTruncated(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.ndjson")
	content := `{"kind":"event","timestamp":1}` + "\n" + `{"kind":"event","timestamp":2}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	backend := NewRotatingBackend(path, 1<<20, 3, nil, fixedClock(0))
	report, err := backend.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Anomalies, 1)
	assert.Equal(t, AnomalyTruncatedLine, report.Anomalies[0].Type)
}
