package papyra

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// actorRuntime is the live bookkeeping for one spawned actor: its mailbox,
// its current Actor instance, its supervision policy, and its place in the
// actor tree. Exactly one goroutine (run) owns the mailbox consumer side;
// everything else (Tell/Ask producers, a parent's supervision decision,
// cascade-stop from any goroutine) only ever touches it through mailbox
// Put/Close or the mu-guarded flags below.
//
// execMu serializes every entry point into the live actor instance itself
// (OnStart, Receive, OnStop, and — when this runtime is a parent —
// OnChildFailure). The reference implementation runs cooperatively on a
// single thread, where this is automatic; Go's goroutines are genuinely
// parallel, so without execMu a child's escalation path invoking this
// runtime's OnChildFailure could run concurrently with this runtime's own
// loop invoking Receive on the same actor instance.
type actorRuntime struct {
	address Address
	system  *ActorSystem
	mailbox *Mailbox
	factory ActorFactory
	policy  SupervisionPolicy
	parent  *Address
	name    string

	execMu sync.Mutex
	actor  Actor

	mu                sync.Mutex
	children          map[Address]bool
	alive             bool
	stopping          bool
	restarting        bool
	stopReason        string
	restartTimestamps []float64
}

func newActorRuntime(system *ActorSystem, addr Address, opts SpawnOptions, parent *Address) *actorRuntime {
	return &actorRuntime{
		address:  addr,
		system:   system,
		mailbox:  NewMailbox(opts.MailboxCapacity),
		factory:  opts.Factory,
		policy:   opts.Policy,
		parent:   parent,
		children: make(map[Address]bool),
		alive:    true,
	}
}

// isAlive reports whether rt can still accept a message: it must be
// marked alive, not mid-stop, and the owning system must not have been
// closed out from under it.
func (rt *actorRuntime) isAlive() bool {
	rt.mu.Lock()
	alive := rt.alive && !rt.stopping
	rt.mu.Unlock()
	return alive && !rt.system.isClosed()
}

func (rt *actorRuntime) isRestarting() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.restarting
}

func (rt *actorRuntime) addChild(addr Address) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.children[addr] = true
}

func (rt *actorRuntime) removeChild(addr Address) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.children, addr)
}

func (rt *actorRuntime) childAddresses() []Address {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]Address, 0, len(rt.children))
	for a := range rt.children {
		out = append(out, a)
	}
	return out
}

func (rt *actorRuntime) currentActor() Actor {
	rt.execMu.Lock()
	defer rt.execMu.Unlock()
	return rt.actor
}

func (rt *actorRuntime) makeContext() *Context {
	var parentRef *Ref
	if rt.parent != nil {
		if prt, ok := rt.system.runtimeFor(*rt.parent); ok {
			ref := Ref{address: *rt.parent, runtime: prt}
			parentRef = &ref
		}
	}
	return &Context{
		self:    Ref{address: rt.address, runtime: rt},
		parent:  parentRef,
		system:  rt.system,
		runtime: rt,
	}
}

// run is the actor's event loop: one goroutine, for its entire lifetime.
func (rt *actorRuntime) run(ctx context.Context) {
	defer rt.finalizeStop(ctx)

	if !rt.startInstance(ctx) {
		return
	}

	for {
		env, ok, err := rt.mailbox.Get(ctx)
		if err != nil || !ok {
			return
		}
		if _, isStop := env.Message.(stopSignal); isStop {
			return
		}

		result, recvErr := rt.dispatch(ctx, env)
		if recvErr != nil {
			if env.Reply != nil {
				env.Reply <- Reply{Err: recvErr}
			}
			if !rt.handleFailure(ctx, recvErr) {
				return
			}
			continue
		}
		if env.Reply != nil {
			env.Reply <- Reply{Value: result}
		}
	}
}

// startInstance creates a fresh actor via the factory and runs OnStart. It
// returns false if OnStart failed and supervision decided to stop.
func (rt *actorRuntime) startInstance(ctx context.Context) bool {
	rt.execMu.Lock()
	actor := rt.factory()
	rt.actor = actor
	actx := rt.makeContext()
	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = &panicError{value: p}
			}
		}()
		return actor.OnStart(ctx, actx)
	}()
	rt.execMu.Unlock()

	if err != nil {
		return rt.handleFailure(ctx, err)
	}

	rt.system.events.Publish(Event{Kind: EventActorStarted, Address: rt.address, Timestamp: rt.system.clock.Now()})
	return true
}

// dispatch runs Receive for one message, under execMu.
func (rt *actorRuntime) dispatch(ctx context.Context, env *Envelope) (result any, err error) {
	rt.execMu.Lock()
	defer rt.execMu.Unlock()
	actor := rt.actor
	actx := rt.makeContext()

	defer func() {
		if p := recover(); p != nil {
			err = &panicError{value: p}
		}
	}()
	return actor.Receive(ctx, actx, env.Message)
}

// handleFailure runs the supervision engine for one failure: it consults
// the parent's FailureHandler (if any and if the policy is ESCALATE or the
// parent wants to override), then applies the resulting decision. It
// returns true if the loop should continue running (a successful RESTART),
// false if the loop should exit (STOP, failed RESTART, or ESCALATE, which
// always cascades to a stop of this actor regardless of what the parent
// decided to do about the failure itself).
func (rt *actorRuntime) handleFailure(ctx context.Context, cause error) bool {
	rt.mu.Lock()
	alreadyStopping := rt.stopping
	if alreadyStopping {
		rt.alive = false
	}
	rt.mu.Unlock()
	if alreadyStopping {
		return false
	}

	rt.system.events.Publish(Event{Kind: EventActorCrashed, Address: rt.address, Timestamp: rt.system.clock.Now(), Error: errorMessage(cause)})
	rt.system.logger.Warn("actor crashed",
		zap.String("actor_address", rt.address.String()),
		zap.String("cause", errorMessage(cause)),
	)

	decision, overridden := rt.consultParent(ctx, cause)

	if !overridden {
		switch rt.policy.Strategy {
		case RestartStrategy:
			decision, overridden = DecisionRestart, true
		case EscalateStrategy:
			decision, overridden = DecisionEscalate, true
		default:
			decision, overridden = DecisionStop, true
		}
	}

	rt.system.logger.Info("supervision decision",
		zap.String("actor_address", rt.address.String()),
		zap.String("decision", decision.String()),
		zap.Bool("overridden_by_parent", overridden && rt.parent != nil),
	)

	switch decision {
	case DecisionRestart:
		if rt.restart(ctx, cause) {
			return true
		}
		rt.system.logger.Warn("restart budget exhausted, stopping actor",
			zap.String("actor_address", rt.address.String()),
			zap.Uint("max_restarts", rt.policy.MaxRestarts),
			zap.Float64("within_seconds", rt.policy.WithinSeconds),
		)
		rt.stopRuntime("restart_budget_exhausted")
		return false
	case DecisionEscalate:
		if rt.parent != nil {
			if prt, ok := rt.system.runtimeFor(*rt.parent); ok {
				prt.handleFailure(ctx, cause)
			}
		}
		rt.stopRuntime("escalated")
		return false
	case DecisionIgnore:
		rt.stopRuntime("ignored")
		return false
	default: // DecisionStop
		rt.stopRuntime("failed")
		return false
	}
}

// consultParent invokes the parent's FailureHandler.OnChildFailure, if the
// parent exists and its current actor implements FailureHandler. The call
// is made under the parent's own execMu so it can never race the parent's
// loop invoking Receive/OnStart/OnStop concurrently.
func (rt *actorRuntime) consultParent(ctx context.Context, cause error) (SupervisorDecision, bool) {
	if rt.parent == nil {
		return 0, false
	}
	prt, ok := rt.system.runtimeFor(*rt.parent)
	if !ok {
		return 0, false
	}

	prt.execMu.Lock()
	defer prt.execMu.Unlock()

	handler, isHandler := prt.actor.(FailureHandler)
	if !isHandler {
		return 0, false
	}
	child := Ref{address: rt.address, runtime: rt}
	actx := prt.makeContext()
	return handler.OnChildFailure(ctx, actx, child, cause)
}

// restart checks the restart budget, runs OnStop on the old instance, and
// creates+starts a fresh one in its place. Returns false if the budget is
// exhausted (the caller must then stop rt), or if the replacement's OnStart
// failed and supervision of that failure did not end in a running instance.
func (rt *actorRuntime) restart(ctx context.Context, cause error) bool {
	now := rt.system.clock.Now()

	rt.mu.Lock()
	window := rt.policy.WithinSeconds
	kept := rt.restartTimestamps[:0]
	for _, ts := range rt.restartTimestamps {
		if window <= 0 || now-ts <= window {
			kept = append(kept, ts)
		}
	}
	rt.restartTimestamps = kept
	if uint(len(rt.restartTimestamps)) >= rt.policy.MaxRestarts {
		rt.mu.Unlock()
		return false
	}
	rt.restartTimestamps = append(rt.restartTimestamps, now)
	rt.restarting = true
	rt.mu.Unlock()

	rt.execMu.Lock()
	oldActor := rt.actor
	actx := rt.makeContext()
	rt.execMu.Unlock()
	if oldActor != nil {
		func() {
			defer func() { recover() }()
			_ = oldActor.OnStop(ctx, actx)
		}()
	}

	rt.execMu.Lock()
	newActor := rt.factory()
	rt.actor = newActor
	actx = rt.makeContext()
	startErr := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = &panicError{value: p}
			}
		}()
		return newActor.OnStart(ctx, actx)
	}()
	rt.execMu.Unlock()

	rt.mu.Lock()
	rt.restarting = false
	rt.stopping = false
	rt.mu.Unlock()

	if startErr != nil {
		return rt.handleFailure(ctx, startErr)
	}

	rt.system.events.Publish(Event{Kind: EventActorRestarted, Address: rt.address, Timestamp: now, Reason: errorMessage(cause)})
	return true
}

// panicError wraps a recovered panic value as an error, so a misbehaving
// Receive/OnStart cannot take down the whole process.
type panicError struct{ value any }

func (e *panicError) Error() string {
	return "panic: " + panicValueString(e.value)
}

func panicValueString(v any) string {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	if s, ok := v.(string); ok {
		return s
	}
	return "non-error panic value"
}
