// Package modulehost is a concrete, supplemented hostapi.ModuleHost: an
// in-memory, reducer-style dispatch keyed by payload tag, so the repository
// is runnable end-to-end without a real database engine behind it (spec.md
// §6's module-host contract, supplemented per SPEC_FULL.md §6.5). Grounded on
// the teacher's reducer.go dispatch-by-event-type shape, generalized from a
// fixed event union to a registry of named reducers.
package modulehost

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Codinablack/SpacetimeDB/internal/client"
	"github.com/Codinablack/SpacetimeDB/internal/hostapi"
	"github.com/Codinablack/SpacetimeDB/internal/wire"
)

// Reducer is one named unit of work a client may invoke. args is the raw
// JSON of the request's "args" field; the returned value is serialized back as the `data`
// field of a transaction_update envelope.
type Reducer func(ctx context.Context, args json.RawMessage) (any, error)

// request is the envelope every inbound payload must parse as.
type request struct {
	Reducer string          `json:"reducer"`
	Args    json.RawMessage `json:"args"`
}

// Host is an in-memory ModuleHost: reducers run synchronously against an
// in-process registry instead of a real database engine.
type Host struct {
	databaseIdentity string
	outbound         *client.OutboundQueue
	logger           *slog.Logger

	mu       sync.RWMutex
	reducers map[string]Reducer

	gone         chan struct{}
	goneOnce     sync.Once
	disconnected bool
}

// New builds a Host for one session. outbound is the same OutboundQueue the
// session actor drains; HandleMessage's results are pushed onto it rather
// than returned, matching the real module host's fire-and-forget reply path.
func New(databaseIdentity string, outbound *client.OutboundQueue, logger *slog.Logger) *Host {
	return &Host{
		databaseIdentity: databaseIdentity,
		outbound:         outbound,
		logger:           logger,
		reducers:         make(map[string]Reducer),
		gone:             make(chan struct{}),
	}
}

// Register adds a named reducer. It is guarded by the same lock HandleMessage
// reads the registry under, so it may run concurrently with it; registration
// is expected to happen once, before the session is handed to the actor.
func (h *Host) Register(name string, fn Reducer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reducers[name] = fn
}

// Gone implements hostapi.ModuleHost. Close makes it fire.
func (h *Host) Gone() <-chan struct{} { return h.gone }

// Close signals that the module backing this host is no longer available,
// firing the channel Gone returns. Idempotent.
func (h *Host) Close() {
	h.goneOnce.Do(func() { close(h.gone) })
}

// DatabaseIdentity implements hostapi.ModuleHost.
func (h *Host) DatabaseIdentity() string { return h.databaseIdentity }

// Outbound returns the queue HandleMessage replies are pushed onto. Callers
// that spawn a session actor around a Host built by Registry.NewModuleHost
// must drain this same queue rather than constructing their own — the two
// would otherwise never agree on what the peer is waiting for.
func (h *Host) Outbound() *client.OutboundQueue { return h.outbound }

// Disconnect implements hostapi.ModuleHost: in-memory teardown has nothing
// external to release, so this only records that cleanup ran.
func (h *Host) Disconnect(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnected = true
	return nil
}

// HandleMessage implements hostapi.ModuleHost. The payload is expected to be
// a JSON object naming a registered reducer and its arguments; an unknown
// reducer or reducer-returned error becomes a typed *hostapi.ExecutionError
// the actor serializes straight back to the peer. Any other error (a
// malformed request body) is returned unwrapped, ending the session.
func (h *Host) HandleMessage(ctx context.Context, payload hostapi.Payload, arrival time.Time) error {
	raw := payload.Binary
	if payload.IsText {
		raw = []byte(payload.Text)
	}

	var req request
	if err := json.Unmarshal(raw, &req); err != nil {
		return fmt.Errorf("malformed request: %w", err)
	}

	h.mu.RLock()
	fn, ok := h.reducers[req.Reducer]
	h.mu.RUnlock()
	if !ok {
		return &hostapi.ExecutionError{Payload: fmt.Sprintf("unknown reducer %q", req.Reducer)}
	}

	result, err := fn(ctx, req.Args)
	if err != nil {
		return &hostapi.ExecutionError{Payload: err.Error()}
	}

	workload := client.WorkloadReducer
	rows := 1
	msg := client.OutboundMessage{
		Workload: &workload,
		NumRows:  &rows,
		Encode: func(dst []byte, cfg client.ClientConfig) ([]byte, client.DataMessageKind) {
			return wire.Encode(dst, cfg, wire.TypeTransactionUpdate, result)
		},
	}

	if err := h.outbound.Send(msg); err != nil {
		h.logger.Debug("dropping reducer reply, outbound already closed", "reducer", req.Reducer, "error", err)
	}
	return nil
}
