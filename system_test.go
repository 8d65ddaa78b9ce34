package papyra

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoActor struct {
	ActorBase
	started int
	stopped int
}

func (a *echoActor) OnStart(ctx context.Context, actx *Context) error {
	a.started++
	return nil
}

func (a *echoActor) OnStop(ctx context.Context, actx *Context) error {
	a.stopped++
	return nil
}

func (a *echoActor) Receive(ctx context.Context, actx *Context, message any) (any, error) {
	return message, nil
}

func newTestSystem(t *testing.T) *ActorSystem {
	t.Helper()
	sys := NewSystem(SystemOptions{ID: "test", Clock: NewManualClock()})
	sys.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = sys.Close(ctx)
	})
	return sys
}

func TestSpawnTellAsk(t *testing.T) {
	sys := newTestSystem(t)
	ref, err := sys.Spawn(context.Background(), SpawnOptions{Factory: func() Actor { return &echoActor{} }})
	require.NoError(t, err)

	reply, err := ref.Ask(context.Background(), "hello", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello", reply)
}

func TestAskTimeout(t *testing.T) {
	sys := newTestSystem(t)
	blocker := make(chan struct{})
	ref, err := sys.Spawn(context.Background(), SpawnOptions{Factory: func() Actor {
		return &blockingActor{unblock: blocker}
	}})
	require.NoError(t, err)
	defer close(blocker)

	_, err = ref.Ask(context.Background(), "wait", 20*time.Millisecond)
	var timeoutErr *AskTimeoutError
	require.True(t, errors.As(err, &timeoutErr), "expected AskTimeoutError, got %v", err)
}

type blockingActor struct {
	ActorBase
	unblock chan struct{}
}

func (a *blockingActor) Receive(ctx context.Context, actx *Context, message any) (any, error) {
	<-a.unblock
	return nil, nil
}

type failOnceActor struct {
	ActorBase
	failed *bool
}

func (a *failOnceActor) Receive(ctx context.Context, actx *Context, message any) (any, error) {
	if msg, ok := message.(string); ok && msg == "crash" && !*a.failed {
		*a.failed = true
		return nil, errors.New("boom")
	}
	return "ok", nil
}

func TestRestartStrategyRecreatesInstance(t *testing.T) {
	sys := newTestSystem(t)
	failed := false
	ref, err := sys.Spawn(context.Background(), SpawnOptions{
		Factory: func() Actor { return &failOnceActor{failed: &failed} },
		Policy:  SupervisionPolicy{Strategy: RestartStrategy, MaxRestarts: 3, WithinSeconds: 60},
	})
	require.NoError(t, err)

	startIdx := sys.Events().TotalPublished()
	require.NoError(t, ref.Tell(context.Background(), "crash"))

	wctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = sys.Events().WaitForEvent(wctx, EventActorRestarted, startIdx)
	require.NoError(t, err, "waiting for restart event")

	reply, err := ref.Ask(context.Background(), "ping", time.Second)
	require.NoError(t, err, "Ask after restart")
	assert.Equal(t, "ok", reply)
}

func TestStopStrategyStopsActorOnFailure(t *testing.T) {
	sys := newTestSystem(t)
	failed := false
	ref, err := sys.Spawn(context.Background(), SpawnOptions{
		Factory: func() Actor { return &failOnceActor{failed: &failed} },
		Policy:  DefaultSupervisionPolicy(),
	})
	require.NoError(t, err)

	startIdx := sys.Events().TotalPublished()
	_ = ref.Tell(context.Background(), "crash")

	wctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = sys.Events().WaitForEvent(wctx, EventActorStopped, startIdx)
	require.NoError(t, err, "waiting for stop event")

	_, err = ref.Ask(context.Background(), "ping", time.Second)
	assert.Error(t, err, "expected ActorStoppedError after STOP")
}

func TestRestartBudgetExhaustionStopsActor(t *testing.T) {
	sys := newTestSystem(t)
	ref, err := sys.Spawn(context.Background(), SpawnOptions{
		Factory: func() Actor { return &alwaysFailActor{} },
		Policy:  SupervisionPolicy{Strategy: RestartStrategy, MaxRestarts: 2, WithinSeconds: 60},
	})
	require.NoError(t, err)

	startIdx := sys.Events().TotalPublished()
	for i := 0; i < 5; i++ {
		_ = ref.Tell(context.Background(), "go")
	}

	wctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = sys.Events().WaitForEvent(wctx, EventActorStopped, startIdx)
	require.NoError(t, err, "waiting for eventual stop after budget exhaustion")
}

type alwaysFailActor struct{ ActorBase }

func (a *alwaysFailActor) Receive(ctx context.Context, actx *Context, message any) (any, error) {
	return nil, errors.New("always fails")
}

func TestDeadLetterRecordedForStoppedActor(t *testing.T) {
	sys := newTestSystem(t)
	ref, err := sys.Spawn(context.Background(), SpawnOptions{Factory: func() Actor { return &echoActor{} }})
	require.NoError(t, err)
	require.NoError(t, sys.Stop(context.Background(), ref))

	// stopRuntime marks stopping synchronously, so the very next Tell must
	// be rejected immediately rather than waiting for the loop to drain.
	var stoppedErr *ActorStoppedError
	require.ErrorAs(t, ref.Tell(context.Background(), "too late"), &stoppedErr)

	dls := sys.DeadLetters()
	require.Len(t, dls, 1)
	assert.Equal(t, ref.Address(), dls[0].Recipient)
	assert.False(t, dls[0].ExpectsReply, "Tell dead letter must record expects_reply=false")
}

type watcherActor struct {
	ActorBase
	target   Ref
	notified chan Address
}

func (a *watcherActor) OnStart(ctx context.Context, actx *Context) error {
	actx.Watch(a.target)
	return nil
}

func (a *watcherActor) Receive(ctx context.Context, actx *Context, message any) (any, error) {
	if term, ok := message.(Terminated); ok {
		a.notified <- term.Address
	}
	return nil, nil
}

func TestWatchDeliversTerminated(t *testing.T) {
	sys := newTestSystem(t)
	target, err := sys.Spawn(context.Background(), SpawnOptions{Factory: func() Actor { return &echoActor{} }})
	require.NoError(t, err, "Spawn target")

	notified := make(chan Address, 1)
	_, err = sys.Spawn(context.Background(), SpawnOptions{Factory: func() Actor {
		return &watcherActor{target: target, notified: notified}
	}})
	require.NoError(t, err, "Spawn watcher")

	require.NoError(t, sys.Stop(context.Background(), target))

	select {
	case addr := <-notified:
		assert.Equal(t, target.Address(), addr)
	case <-time.After(time.Second):
		t.Fatal("watcher was never notified of termination")
	}
}

func TestCascadeStopStopsChildren(t *testing.T) {
	sys := newTestSystem(t)
	parentRef, err := sys.Spawn(context.Background(), SpawnOptions{Factory: func() Actor { return &echoActor{} }})
	require.NoError(t, err, "Spawn parent")

	parentCtx := parentRef.runtime.makeContext()
	childRef, err := parentCtx.SpawnChild(context.Background(), SpawnOptions{Factory: func() Actor { return &echoActor{} }})
	require.NoError(t, err)

	require.NoError(t, sys.Stop(context.Background(), parentRef))

	// stopRuntime cascades synchronously: by the time Stop returns, both
	// parent and child are already marked stopping and must reject a
	// subsequent Tell immediately, not merely once the loop later drains.
	var parentStoppedErr, childStoppedErr *ActorStoppedError
	assert.ErrorAs(t, parentRef.Tell(context.Background(), "after"), &parentStoppedErr)
	assert.ErrorAs(t, childRef.Tell(context.Background(), "after"), &childStoppedErr)
}

func TestAuditReportsAliveAndStoppingCounts(t *testing.T) {
	sys := newTestSystem(t)
	_, err := sys.Spawn(context.Background(), SpawnOptions{Factory: func() Actor { return &echoActor{} }})
	require.NoError(t, err)

	report := sys.Audit()
	assert.Equal(t, 1, report.TotalActors)
	assert.Equal(t, 1, report.AliveActors)
	assert.Equal(t, 0, report.StoppingActors)
}
