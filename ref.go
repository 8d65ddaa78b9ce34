package papyra

import (
	"context"
	"time"
)

// Ref is a lightweight, copyable handle to a live (or formerly live) actor.
// It never holds a reference to the actor's own state; all operations go
// through the owning runtime's mailbox.
type Ref struct {
	address Address
	runtime *actorRuntime
}

// Address returns the stable address of the actor this ref points to.
func (r Ref) Address() Address {
	return r.address
}

// Tell enqueues message for asynchronous delivery and returns once it has
// been accepted onto the mailbox (not once it has been processed). If the
// actor is no longer alive, the message is recorded as a dead letter and
// ActorStoppedError is returned.
func (r Ref) Tell(ctx context.Context, message any) error {
	rt := r.runtime
	if rt == nil || !rt.isAlive() {
		r.deadLetter(message, nil)
		return &ActorStoppedError{Address: r.address}
	}
	env := &Envelope{Message: message}
	if err := rt.mailbox.Put(ctx, env); err != nil {
		r.deadLetter(message, nil)
		if _, ok := err.(*MailboxClosedError); ok {
			return &ActorStoppedError{Address: r.address}
		}
		return err
	}
	return nil
}

// Ask enqueues message and waits for the actor's Receive to return a reply.
// A timeout <= 0 means wait indefinitely (bounded only by ctx). The reply
// channel is always buffered (capacity 1) and is deliberately never closed
// by the asker: the actor loop may still be attempting to send on it after
// Ask has already given up waiting (on timeout or ctx cancellation), and
// closing it here would race that send.
func (r Ref) Ask(ctx context.Context, message any, timeout time.Duration) (any, error) {
	rt := r.runtime
	reply := make(chan Reply, 1)
	if rt == nil || !rt.isAlive() {
		r.deadLetter(message, reply)
		return nil, &ActorStoppedError{Address: r.address}
	}

	askCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		askCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	env := &Envelope{Message: message, Reply: reply}
	if err := rt.mailbox.Put(askCtx, env); err != nil {
		r.deadLetter(message, reply)
		if _, ok := err.(*MailboxClosedError); ok {
			return nil, &ActorStoppedError{Address: r.address}
		}
		if askCtx.Err() != nil && ctx.Err() == nil {
			return nil, &AskTimeoutError{Address: r.address, Timeout: timeout.Seconds()}
		}
		return nil, err
	}

	select {
	case rep := <-reply:
		return rep.Value, rep.Err
	case <-askCtx.Done():
		if ctx.Err() == nil {
			return nil, &AskTimeoutError{Address: r.address, Timeout: timeout.Seconds()}
		}
		return nil, ctx.Err()
	}
}

func (r Ref) deadLetter(message any, reply chan Reply) {
	if r.runtime == nil || r.runtime.system == nil {
		return
	}
	r.runtime.system.recordDeadLetter(r.address, message, reply != nil)
}
