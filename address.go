package papyra

import (
	"fmt"
	"strconv"
	"strings"
)

// Address is the stable, serializable identity of an actor. It is not a
// runtime pointer: it survives restarts of the actor it names and remains
// meaningful after the actor has stopped (e.g. in persisted lifecycle
// events and dead-letter records).
type Address struct {
	System  string
	ActorID uint64
}

// String renders the address in its wire form "<system>:<actor_id>".
func (a Address) String() string {
	return a.System + ":" + strconv.FormatUint(a.ActorID, 10)
}

// ParseAddress parses the "<system>:<actor_id>" form produced by String.
// Round-trips exactly: ParseAddress(a.String()) == a.
func ParseAddress(raw string) (Address, error) {
	system, idPart, ok := strings.Cut(raw, ":")
	if !ok {
		return Address{}, &ConfigError{Reason: fmt.Sprintf("invalid address %q: expected \"<system>:<actor_id>\"", raw)}
	}
	system = strings.TrimSpace(system)
	idPart = strings.TrimSpace(idPart)
	if system == "" {
		return Address{}, &ConfigError{Reason: fmt.Sprintf("invalid address %q: missing system id", raw)}
	}
	id, err := strconv.ParseUint(idPart, 10, 64)
	if err != nil {
		return Address{}, &ConfigError{Reason: fmt.Sprintf("invalid address %q: actor_id must be an unsigned integer", raw)}
	}
	return Address{System: system, ActorID: id}, nil
}
