// Package hostapi declares the external collaborators the session actor
// consumes but does not implement: the module host that executes inbound
// requests, name/leader resolution, and the auth/identity the upgrade layer
// already attached to the session. spec.md §1 keeps these out of the actor's
// scope and specifies them only at their interface; this package is that
// interface.
package hostapi

import (
	"context"
	"time"
)

// ExecutionError is the "typed handler error" variant spec.md §6 calls out
// by name: a request that reached the module host and failed during
// execution, carrying a payload the actor serializes straight back to the
// peer as an outbound frame (spec.md §4.1 Arm A post-wait dispatch).
type ExecutionError struct {
	// Payload is opaque to the actor; it is handed to the same serializer
	// used for ordinary outbound messages.
	Payload any
}

func (e *ExecutionError) Error() string {
	return "execution error"
}

// ModuleHost is the per-session collaborator that actually runs inbound
// requests, reports when the underlying module disappears, and tears the
// session down on exit. One ModuleHost belongs to exactly one session.
type ModuleHost interface {
	// HandleMessage runs one inbound payload to completion. arrival is the
	// instant the payload was enqueued, passed through so the handler's own
	// latency accounting includes queue time. An error that is (or wraps)
	// *ExecutionError is reported to the peer as a normal outbound frame; any
	// other error closes the connection with an Error close code.
	//
	// Implementations must return promptly once ctx is done — the actor
	// cancels ctx at loop exit and does not wait for this call to return.
	HandleMessage(ctx context.Context, payload Payload, arrival time.Time) error

	// Gone returns a channel that is closed when the module host this
	// session is attached to is no longer present. A nil channel (or one
	// that never closes) means the module is expected to run indefinitely.
	Gone() <-chan struct{}

	// Disconnect runs teardown for this session: releasing module-side
	// resources tied to the connection. It is invoked exactly once, from the
	// session actor's cleanup guard, on every exit path.
	Disconnect(ctx context.Context) error

	// DatabaseIdentity names the module this session is attached to, used
	// only as a metrics label.
	DatabaseIdentity() string
}

// Payload is the inbound data handed to HandleMessage: either UTF-8 text or
// raw binary, matching the Inbound Payload entity in spec.md §3.
type Payload struct {
	Text   string
	Binary []byte
	IsText bool
}

// NameResolver resolves the `name_or_identity` path parameter on the upgrade
// endpoint to a concrete database identity. Out of scope per spec.md §1;
// specified here only at its interface.
type NameResolver interface {
	ResolveDatabaseIdentity(ctx context.Context, nameOrIdentity string) (string, bool, error)
}

// LeaderSelector picks the replica that should host a new session for a
// resolved database identity. Out of scope per spec.md §1.
type LeaderSelector interface {
	// Leader returns ok=false if no replica is currently available to host
	// the connection (spec.md §6: "No available leader -> 404").
	Leader(ctx context.Context, databaseIdentity string) (replicaID string, ok bool, err error)
}

// HostFactory builds the per-session ModuleHost collaborator once a leader
// has been selected for an upgraded connection.
type HostFactory interface {
	NewModuleHost(ctx context.Context, databaseIdentity, replicaID string, clientID ClientID) (ModuleHost, error)
}

// ClientID is the identity+connection-id+sequence tuple the upgrade layer
// assigns to a session before the actor is spawned.
type ClientID struct {
	Identity     [32]byte
	ConnectionID [16]byte
	Name         uint64
}
