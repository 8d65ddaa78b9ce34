package papyra

import "fmt"

// ActorStoppedError is returned by Ref.Tell/Ref.Ask when the target actor is
// not, or is no longer, running.
type ActorStoppedError struct {
	Address Address
}

func (e *ActorStoppedError) Error() string {
	return fmt.Sprintf("papyra: actor %s is not running", e.Address)
}

// AskTimeoutError is returned by Ref.Ask when no reply arrives before the
// supplied timeout elapses. The actor keeps processing the request; any
// eventual reply is discarded silently.
type AskTimeoutError struct {
	Address Address
	Timeout float64 // seconds
}

func (e *AskTimeoutError) Error() string {
	return fmt.Sprintf("papyra: ask to %s timed out after %.3fs", e.Address, e.Timeout)
}

// MailboxClosedError is raised internally when a put is attempted against a
// closed mailbox. It is never observed by callers directly: Ref.Tell/Ref.Ask
// translate it into ActorStoppedError.
type MailboxClosedError struct {
	Address Address
}

func (e *MailboxClosedError) Error() string {
	return fmt.Sprintf("papyra: mailbox for %s is closed", e.Address)
}

// ConfigError is returned synchronously at this package's API boundaries:
// duplicate actor names, malformed address strings, a missing
// SpawnOptions.Factory, and spawning on a closed system. The persistence
// package does not use it: persistence.ApplyStartup reports an unknown
// StartupMode as a *persistence.StartupError, and an unknown RecoveryMode
// is not rejected.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("papyra: configuration error: %s", e.Reason)
}
