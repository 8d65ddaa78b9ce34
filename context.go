package papyra

import "context"

// Context is the handle an Actor uses to interact with the rest of the
// system during OnStart/Receive/OnStop/OnChildFailure: its own identity,
// its parent, and the ability to spawn children, stop actors, and watch
// for termination. A Context is only valid for the duration of the call it
// was passed into; actors must not retain it across calls.
type Context struct {
	self    Ref
	parent  *Ref
	system  *ActorSystem
	runtime *actorRuntime
}

// Self returns a Ref to the actor this context belongs to.
func (c *Context) Self() Ref { return c.self }

// Parent returns a Ref to the spawning actor, or ok == false for a
// top-level actor spawned directly off the system.
func (c *Context) Parent() (ref Ref, ok bool) {
	if c.parent == nil {
		return Ref{}, false
	}
	return *c.parent, true
}

// SpawnChild spawns a new actor as a child of the current actor: the
// child's failures are first offered to this actor's FailureHandler (if
// implemented), and stopping this actor cascades to the child.
func (c *Context) SpawnChild(ctx context.Context, opts SpawnOptions) (Ref, error) {
	return c.system.spawn(ctx, opts, &c.self)
}

// Stop requests that target (any actor, not necessarily a child) stop. It
// returns once the stop has been requested, not once it has completed;
// cascades to target's own children.
func (c *Context) Stop(ctx context.Context, target Ref) error {
	return c.system.stop(ctx, target.address, "requested")
}

// StopSelf requests that the current actor stop, equivalent to
// c.Stop(ctx, c.Self()).
func (c *Context) StopSelf(ctx context.Context) error {
	return c.system.stop(ctx, c.self.address, "requested")
}

// Watch registers the current actor to receive a Terminated message,
// delivered to its mailbox like any other Tell, when target stops. Watching
// an already-dead target never delivers: the watch is only consulted at the
// moment the target's own loop exits.
func (c *Context) Watch(target Ref) {
	c.system.addWatch(c.self.address, target.address)
}

// Unwatch reverses a prior Watch. It is a no-op if no such watch exists.
func (c *Context) Unwatch(target Ref) {
	c.system.removeWatch(c.self.address, target.address)
}

// Events returns the system's EventBus, for actors that want to observe
// lifecycle transitions directly rather than only via Watch.
func (c *Context) Events() *EventBus { return c.system.events }
