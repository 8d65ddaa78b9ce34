package papyra

import "context"

// Terminated is delivered to an actor that is watching another actor (via
// Context.Watch) once the watched actor has fully stopped.
type Terminated struct {
	Address Address
}

// stopRuntime requests that rt (and, by cascade, every descendant) stop.
// It never emits the ActorStopped event itself: the actor loop's own
// exit-path defer (finalizeStop) is the sole place that happens, so a
// concurrent cascade-stop and a self-inflicted crash-to-stop can never
// double-publish the same actor's termination.
//
// If rt's mailbox can still accept a stop envelope, stopRuntime enqueues
// one and lets the loop notice it on its next Get; if the mailbox is
// already closed (the loop is mid-exit or has exited), stopRuntime simply
// marks rt as no longer alive and returns, trusting the loop's own defer
// to have already run or to be about to.
func (rt *actorRuntime) stopRuntime(reason string) {
	rt.mu.Lock()
	if rt.stopping {
		rt.mu.Unlock()
		return
	}
	rt.stopping = true
	rt.stopReason = reason
	rt.mu.Unlock()

	for _, childAddr := range rt.childAddresses() {
		if child, ok := rt.system.runtimeFor(childAddr); ok {
			child.stopRuntime("cascade")
		}
	}

	if err := rt.mailbox.Put(rt.system.ctx, &Envelope{Message: stopSignal{}}); err != nil {
		rt.mu.Lock()
		rt.alive = false
		rt.mu.Unlock()
	}
}

// finalizeStop runs OnStop, tears down bookkeeping, and publishes the
// single ActorStopped event for this runtime. Called exactly once, from
// the actor loop's own defer.
func (rt *actorRuntime) finalizeStop(ctx context.Context) {
	rt.execMu.Lock()
	actor := rt.actor
	actx := rt.makeContext()
	rt.execMu.Unlock()

	if actor != nil {
		func() {
			defer func() { recover() }()
			_ = actor.OnStop(ctx, actx)
		}()
	}

	rt.mailbox.Close(false)

	rt.mu.Lock()
	rt.alive = false
	reason := rt.stopReason
	rt.mu.Unlock()

	if parent := rt.parent; parent != nil {
		if prt, ok := rt.system.runtimeFor(*parent); ok {
			prt.removeChild(rt.address)
		}
	}
	rt.system.removeRegistryEntry(rt.address)

	rt.system.events.Publish(Event{
		Kind:       EventActorStopped,
		Address:    rt.address,
		Timestamp:  rt.system.clock.Now(),
		StopReason: reason,
	})

	rt.system.notifyWatchers(rt.address)
}
