package papyra

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// SpawnOptions configures a new actor at spawn time.
type SpawnOptions struct {
	// Factory produces the actor instance. Required.
	Factory ActorFactory
	// Name optionally registers the actor under a unique, human-readable
	// name; spawning a second actor under an already-registered (and still
	// alive) name fails with ConfigError.
	Name string
	// MailboxCapacity bounds the actor's mailbox; <= 0 means unbounded.
	MailboxCapacity int
	// Policy governs restart/stop/escalate behavior on failure. Defaults to
	// DefaultSupervisionPolicy (STOP) when zero-valued in a meaningful way
	// is indistinguishable from an explicit stop policy, so callers that
	// want RESTART must set it explicitly.
	Policy SupervisionPolicy
}

// ActorSystem owns the lifecycle of a tree of actors: spawning, message
// routing, supervision, lifecycle events, dead letters, and (optionally) a
// persistence recorder receiving events and dead letters as they occur.
type ActorSystem struct {
	ID string

	mu        sync.Mutex
	runtimes  map[Address]*actorRuntime
	names     map[string]Address
	watchers  map[Address]map[Address]bool // target -> set of watchers
	nextID    uint64
	closed    bool

	events      *EventBus
	deadLetters *deadLetterQueue
	clock       Clock
	logger      *zap.Logger

	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc

	persistence PersistenceRecorder
}

// PersistenceRecorder is what the system needs in order to record events
// and dead letters as they occur; audits are not recorded automatically.
// A persistence.Backend does not satisfy it directly (its methods take a
// context and the Persisted* record types); wrap one with
// NewPersistenceAdapter.
type PersistenceRecorder interface {
	RecordEvent(Event)
	RecordDeadLetter(DeadLetter)
}

// SystemOptions configures a new ActorSystem.
type SystemOptions struct {
	ID                string
	Clock             Clock
	Logger            *zap.Logger
	EventBufferSize   int
	DeadLetterBufferSize int
	Persistence       PersistenceRecorder
}

// NewSystem constructs an ActorSystem. Start must be called before spawning.
func NewSystem(opts SystemOptions) *ActorSystem {
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.Clock == nil {
		opts.Clock = NewSystemClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	s := &ActorSystem{
		ID:          opts.ID,
		runtimes:    make(map[Address]*actorRuntime),
		names:       make(map[string]Address),
		watchers:    make(map[Address]map[Address]bool),
		events:      NewEventBus(opts.EventBufferSize),
		clock:       opts.Clock,
		logger:      opts.Logger,
		persistence: opts.Persistence,
	}
	s.deadLetters = newDeadLetterQueue(opts.DeadLetterBufferSize, s.clock)

	if s.persistence != nil {
		if setter, ok := s.persistence.(interface{ SetSystemID(string) }); ok {
			setter.SetSystemID(s.ID)
		}
		if adapter, ok := s.persistence.(*PersistenceAdapter); ok {
			adapter.Logger = s.logger
		}
		s.events.SetSink(func(ev Event) { s.persistence.RecordEvent(ev) })
		s.deadLetters.setObserver(func(dl DeadLetter) { s.persistence.RecordDeadLetter(dl) })
	}
	return s
}

// Start brings the task-group context online. Spawn may only be called
// after Start.
func (s *ActorSystem) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(s.ctx)
	s.group = group
	s.ctx = gctx
}

// Spawn creates a top-level actor (no parent).
func (s *ActorSystem) Spawn(ctx context.Context, opts SpawnOptions) (Ref, error) {
	return s.spawn(ctx, opts, nil)
}

func (s *ActorSystem) spawn(ctx context.Context, opts SpawnOptions, parent *Ref) (Ref, error) {
	if opts.Factory == nil {
		return Ref{}, &ConfigError{Reason: "SpawnOptions.Factory is required"}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Ref{}, &ConfigError{Reason: "system is closed"}
	}
	if opts.Name != "" {
		if addr, exists := s.names[opts.Name]; exists {
			if rt, ok := s.runtimes[addr]; ok && rt.isAlive() {
				s.mu.Unlock()
				return Ref{}, &ConfigError{Reason: fmt.Sprintf("actor name %q is already registered", opts.Name)}
			}
		}
	}
	s.nextID++
	addr := Address{System: s.ID, ActorID: s.nextID}
	var parentAddr *Address
	if parent != nil {
		pa := parent.address
		parentAddr = &pa
	}
	rt := newActorRuntime(s, addr, opts, parentAddr)
	s.runtimes[addr] = rt
	if opts.Name != "" {
		s.names[opts.Name] = addr
		rt.name = opts.Name
	}
	if parentAddr != nil {
		if prt, ok := s.runtimes[*parentAddr]; ok {
			prt.addChild(addr)
		}
	}
	s.mu.Unlock()

	ref := Ref{address: addr, runtime: rt}
	s.group.Go(func() error {
		rt.run(s.ctx)
		return nil
	})
	return ref, nil
}

// Stop requests that the actor at addr stop, cascading to its children.
func (s *ActorSystem) Stop(ctx context.Context, ref Ref) error {
	return s.stop(ctx, ref.address, "requested")
}

func (s *ActorSystem) stop(ctx context.Context, addr Address, reason string) error {
	s.mu.Lock()
	rt, ok := s.runtimes[addr]
	s.mu.Unlock()
	if !ok {
		return &ActorStoppedError{Address: addr}
	}
	rt.stopRuntime(reason)
	return nil
}

// Lookup resolves a registered name to a live Ref.
func (s *ActorSystem) Lookup(name string) (Ref, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	addr, ok := s.names[name]
	if !ok {
		return Ref{}, false
	}
	rt, ok := s.runtimes[addr]
	if !ok || !rt.isAlive() {
		return Ref{}, false
	}
	return Ref{address: addr, runtime: rt}, true
}

// Events exposes the system's lifecycle EventBus.
func (s *ActorSystem) Events() *EventBus { return s.events }

// DeadLetters returns a snapshot of currently retained dead letters.
func (s *ActorSystem) DeadLetters() []DeadLetter { return s.deadLetters.snapshot() }

func (s *ActorSystem) recordDeadLetter(addr Address, message any, expectsReply bool) {
	s.deadLetters.record(addr, message, expectsReply)
}

func (s *ActorSystem) addWatch(watcher, target Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.watchers[target]
	if !ok {
		set = make(map[Address]bool)
		s.watchers[target] = set
	}
	set[watcher] = true
}

func (s *ActorSystem) removeWatch(watcher, target Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.watchers[target]; ok {
		delete(set, watcher)
		if len(set) == 0 {
			delete(s.watchers, target)
		}
	}
}

// notifyWatchers delivers a Terminated message to every actor watching
// target, best-effort (a watcher that has itself stopped simply misses it).
func (s *ActorSystem) notifyWatchers(target Address) {
	s.mu.Lock()
	set, ok := s.watchers[target]
	if !ok {
		s.mu.Unlock()
		return
	}
	watchers := make([]Address, 0, len(set))
	for w := range set {
		watchers = append(watchers, w)
	}
	delete(s.watchers, target)
	s.mu.Unlock()

	for _, w := range watchers {
		s.mu.Lock()
		rt, ok := s.runtimes[w]
		s.mu.Unlock()
		if !ok {
			continue
		}
		ref := Ref{address: w, runtime: rt}
		if err := ref.Tell(s.ctx, Terminated{Address: target}); err != nil {
			s.logger.Debug("watcher notification failed",
				zap.String("watcher_address", w.String()),
				zap.String("target_address", target.String()),
				zap.Error(err),
			)
		}
	}
}

func (s *ActorSystem) removeRegistryEntry(addr Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runtimes, addr)
	for name, a := range s.names {
		if a == addr {
			delete(s.names, name)
			break
		}
	}
}

func (s *ActorSystem) childrenOf(addr Address) []Address {
	s.mu.Lock()
	rt, ok := s.runtimes[addr]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return rt.childAddresses()
}

func (s *ActorSystem) runtimeFor(addr Address) (*actorRuntime, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.runtimes[addr]
	return rt, ok
}

// isClosed reports whether Close has been called on this system.
func (s *ActorSystem) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops every remaining actor and waits for the task group to drain.
func (s *ActorSystem) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	addrs := make([]Address, 0, len(s.runtimes))
	for addr, rt := range s.runtimes {
		if rt.parent == nil {
			addrs = append(addrs, addr)
		}
	}
	s.mu.Unlock()

	for _, addr := range addrs {
		_ = s.stop(ctx, addr, "shutdown")
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.group != nil {
		return s.group.Wait()
	}
	return nil
}
