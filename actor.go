package papyra

import "context"

// Actor is user-defined behavior: private state plus a message handler.
// Exactly one instance is live per runtime record at a time; a RESTART
// replaces the instance (fresh OnStart/OnStop pair) but keeps the address
// and mailbox.
//
// All three methods must be present for a type to satisfy Actor; embed
// ActorBase to get no-op OnStart/OnStop defaults and declare only Receive.
type Actor interface {
	// OnStart runs once before the first message is processed by this
	// instance. An error here is treated as a failure and routed through
	// supervision exactly like an error from Receive.
	OnStart(ctx context.Context, actx *Context) error

	// Receive handles one message. The returned value (when the error is
	// nil) is delivered to a pending Ask caller; it is ignored for Tell. An
	// error return is routed through supervision.
	Receive(ctx context.Context, actx *Context, message any) (any, error)

	// OnStop runs once when this instance stops, whether from a graceful
	// shutdown, a restart, or a crash. Its own errors are swallowed: they
	// never block shutdown or feed back into supervision.
	OnStop(ctx context.Context, actx *Context) error
}

// FailureHandler is implemented by actors that want to override their
// children's supervision decision. When a child runtime fails, the parent's
// OnChildFailure (if the parent's Actor implements FailureHandler) is
// consulted before the child's own SupervisionPolicy.
type FailureHandler interface {
	// OnChildFailure runs on the failing child's own goroutine, serialized
	// against the parent's own loop via the parent's internal execution
	// lock: it never overlaps the parent's own OnStart/Receive/OnStop, but
	// it must not block on the child's mailbox or call back into the
	// child. Returning ok == false means "no decision": fall back to the
	// child's policy.
	OnChildFailure(ctx context.Context, actx *Context, child Ref, err error) (decision SupervisorDecision, ok bool)
}

// ActorBase supplies no-op OnStart/OnStop so embedders only need Receive.
type ActorBase struct{}

func (ActorBase) OnStart(ctx context.Context, actx *Context) error { return nil }
func (ActorBase) OnStop(ctx context.Context, actx *Context) error  { return nil }

// ActorFactory produces a fresh Actor instance. It is invoked once at spawn
// time and again on every RESTART, so it must not share mutable state
// between instances.
type ActorFactory func() Actor
