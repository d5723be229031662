package modulehost

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Codinablack/SpacetimeDB/internal/client"
	"github.com/Codinablack/SpacetimeDB/internal/hostapi"
)

// ReducerSet names the reducers a database registers, built fresh for every
// new session so concurrent sessions never share mutable reducer state.
type ReducerSet func(h *Host)

// module is one registered database: its identity, the single replica this
// in-memory stand-in reports as leader, and the reducers new sessions get.
type module struct {
	identity  string
	replicaID string
	reducers  ReducerSet
}

// Registry is the module-host collaborator bundle cmd/spacetimedb-listend
// wires into internal/httpapi: it resolves names to database identities,
// always reports its single configured replica as leader, and builds one
// in-memory Host per session. It also tracks every Host it has handed out so
// a background reaper can release ones whose module has already signaled it
// is gone (SPEC_FULL.md §3: "the module registry's background reaper").
type Registry struct {
	logger            *slog.Logger
	outboundQueueSize int

	mu      sync.RWMutex
	byName  map[string]*module
	sockets map[hostapi.ClientID]*Host
}

// NewRegistry builds an empty Registry. outboundQueueSize sizes the outbound
// queue each session's Host is built around (config.SessionConfig's
// OutboundQueueCapacity).
func NewRegistry(logger *slog.Logger, outboundQueueSize int) *Registry {
	return &Registry{
		logger:            logger,
		outboundQueueSize: outboundQueueSize,
		byName:            make(map[string]*module),
		sockets:           make(map[hostapi.ClientID]*Host),
	}
}

// Add registers a database under both its identity and an optional display
// name, either of which the subscribe endpoint's name_or_identity path
// parameter may name.
func (r *Registry) Add(name, databaseIdentity, replicaID string, reducers ReducerSet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := &module{identity: databaseIdentity, replicaID: replicaID, reducers: reducers}
	r.byName[databaseIdentity] = m
	if name != "" {
		r.byName[name] = m
	}
}

// ResolveDatabaseIdentity implements hostapi.NameResolver.
func (r *Registry) ResolveDatabaseIdentity(_ context.Context, nameOrIdentity string) (string, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byName[nameOrIdentity]
	if !ok {
		return "", false, nil
	}
	return m.identity, true, nil
}

// Leader implements hostapi.LeaderSelector: every registered database reports
// its single configured replica as leader, modeling a single-node deployment.
func (r *Registry) Leader(_ context.Context, databaseIdentity string) (string, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byName[databaseIdentity]
	if !ok {
		return "", false, nil
	}
	return m.replicaID, true, nil
}

// NewModuleHost implements hostapi.HostFactory.
func (r *Registry) NewModuleHost(_ context.Context, databaseIdentity, replicaID string, clientID hostapi.ClientID) (hostapi.ModuleHost, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.byName[databaseIdentity]
	if !ok {
		return nil, fmt.Errorf("modulehost: unknown database identity %q", databaseIdentity)
	}

	outbound := client.NewOutboundQueue(r.outboundQueueSize)
	h := New(databaseIdentity, outbound, r.logger)
	if m.reducers != nil {
		m.reducers(h)
	}
	r.sockets[clientID] = h
	return h, nil
}

// Reap runs until ctx is done, periodically releasing hosts whose module has
// already signaled it is gone (Gone() closed), not hosts whose session has
// merely disconnected. It is started under an errgroup alongside the HTTP
// listener (SPEC_FULL.md §3).
func (r *Registry) Reap(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.sweep()
		}
	}
}

// sweep removes every tracked Host whose Gone() channel has fired, i.e.
// whose module has already announced its own exit — not one whose session
// has merely called Disconnect.
func (r *Registry) sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, h := range r.sockets {
		select {
		case <-h.Gone():
			delete(r.sockets, id)
			r.logger.Debug("reaped host whose module signaled gone", "client", id)
		default:
		}
	}
}
