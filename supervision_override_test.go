package papyra

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// overridingParent forces DecisionStop on any child failure regardless of
// the child's own SupervisionPolicy, recording the decisions it made.
type overridingParent struct {
	ActorBase
	decisions chan SupervisorDecision
}

func (p *overridingParent) OnChildFailure(ctx context.Context, actx *Context, child Ref, err error) (SupervisorDecision, bool) {
	p.decisions <- DecisionStop
	return DecisionStop, true
}

func (p *overridingParent) Receive(ctx context.Context, actx *Context, message any) (any, error) {
	opts, ok := message.(SpawnOptions)
	if !ok {
		return nil, nil
	}
	return actx.SpawnChild(ctx, opts)
}

func TestParentFailureHandlerOverridesChildPolicy(t *testing.T) {
	sys := newTestSystem(t)
	decisions := make(chan SupervisorDecision, 4)
	parentRef, err := sys.Spawn(context.Background(), SpawnOptions{
		Factory: func() Actor { return &overridingParent{decisions: decisions} },
	})
	require.NoError(t, err)

	// The child declares RESTART, but the parent's OnChildFailure always
	// returns DecisionStop, which must win.
	childAny, err := parentRef.Ask(context.Background(), SpawnOptions{
		Factory: func() Actor { return &alwaysFailActor{} },
		Policy:  SupervisionPolicy{Strategy: RestartStrategy, MaxRestarts: 10, WithinSeconds: 60},
	}, time.Second)
	require.NoError(t, err)
	childRef, ok := childAny.(Ref)
	require.True(t, ok, "expected Ref back from SpawnChild, got %T", childAny)

	startIdx := sys.Events().TotalPublished()
	require.NoError(t, childRef.Tell(context.Background(), "go"))

	select {
	case d := <-decisions:
		assert.Equal(t, DecisionStop, d)
	case <-time.After(time.Second):
		t.Fatal("OnChildFailure was never consulted")
	}

	wctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = sys.Events().WaitForEvent(wctx, EventActorStopped, startIdx)
	require.NoError(t, err, "waiting for override-driven stop")
}

func TestContextUnwatchStopsFutureNotification(t *testing.T) {
	sys := newTestSystem(t)
	targetRef, err := sys.Spawn(context.Background(), SpawnOptions{Factory: func() Actor { return &echoActor{} }})
	require.NoError(t, err)

	terminated := make(chan Terminated, 1)
	watcherRef, err := sys.Spawn(context.Background(), SpawnOptions{
		Factory: func() Actor { return &unwatchingActor{target: targetRef, terminated: terminated} },
	})
	require.NoError(t, err)

	// Tell the watcher to unwatch before the target stops.
	require.NoError(t, watcherRef.Tell(context.Background(), "unwatch"))
	// Give the watcher's mailbox a chance to process the unwatch before we
	// stop the target; both are delivered through the same system so a
	// synchronous Ask round-trip is a reliable barrier.
	_, err = watcherRef.Ask(context.Background(), "ping", time.Second)
	require.NoError(t, err)

	require.NoError(t, sys.Stop(context.Background(), targetRef))

	select {
	case <-terminated:
		t.Fatal("expected no Terminated after Unwatch")
	case <-time.After(200 * time.Millisecond):
	}
}

type unwatchingActor struct {
	ActorBase
	target     Ref
	terminated chan Terminated
}

func (a *unwatchingActor) OnStart(ctx context.Context, actx *Context) error {
	actx.Watch(a.target)
	return nil
}

func (a *unwatchingActor) Receive(ctx context.Context, actx *Context, message any) (any, error) {
	switch msg := message.(type) {
	case Terminated:
		a.terminated <- msg
		return nil, nil
	case string:
		if msg == "unwatch" {
			actx.Unwatch(a.target)
		}
		return "ok", nil
	}
	return nil, nil
}
