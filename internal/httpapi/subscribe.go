// Package httpapi is the WebSocket upgrade endpoint: the session actor's sole
// external entry point. Everything here — auth extraction, name resolution,
// leader selection — sits outside the actor's own scope per spec.md §1; this
// package is where those collaborators are actually invoked, grounded on the
// teacher's Server/Register/handleStateWS wiring in state_ws.go, adapted from
// a fixed-path hub registration to the parameterized subscribe route the
// original's Axum router exposes (original_source/crates/client-api).
package httpapi

import (
	"context"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/gorilla/mux"

	"github.com/Codinablack/SpacetimeDB/internal/client"
	"github.com/Codinablack/SpacetimeDB/internal/config"
	"github.com/Codinablack/SpacetimeDB/internal/hostapi"
	"github.com/Codinablack/SpacetimeDB/internal/metrics"
	"github.com/Codinablack/SpacetimeDB/internal/transport"
	"github.com/Codinablack/SpacetimeDB/internal/wire"
)

// Subprotocol names offered in priority order: binary first, the original's
// own preference (original_source: ws.select_protocol([(BIN_PROTOCOL, ...),
// (TEXT_PROTOCOL, ...)])).
const (
	binarySubprotocol = "v1.bin.spacetimedb"
	textSubprotocol   = "v1.text.spacetimedb"
)

var offeredSubprotocols = []string{binarySubprotocol, textSubprotocol}

// outboundOwner is implemented by ModuleHosts that push replies onto a queue
// they themselves own (modulehost.Host does); the handler drains that same
// queue instead of building a second one the host would never write to.
type outboundOwner interface {
	Outbound() *client.OutboundQueue
}

// IdentityExtractor resolves the caller's identity and session token from an
// upgrade request. Auth itself is out of scope (spec.md §1); this is the seam
// the handler depends on instead of parsing credentials itself.
type IdentityExtractor func(r *http.Request) (client.Identity, string, error)

// Server wires the subscribe endpoint's collaborators together and spawns a
// session actor per successful upgrade.
type Server struct {
	cfg        config.SessionConfig
	logger     *slog.Logger
	metrics    metrics.Sink
	upgrader   *transport.Upgrader
	resolver   hostapi.NameResolver
	leader     hostapi.LeaderSelector
	hosts      hostapi.HostFactory
	identity   IdentityExtractor
	baseCtx    context.Context
	sessionSeq atomic.Uint64
}

// NewServer builds a Server. baseCtx is the long-lived context every spawned
// session actor runs under; canceling it (process shutdown) ends every live
// session, not just the HTTP request that started it.
func NewServer(
	baseCtx context.Context,
	cfg config.SessionConfig,
	logger *slog.Logger,
	sink metrics.Sink,
	resolver hostapi.NameResolver,
	leader hostapi.LeaderSelector,
	hosts hostapi.HostFactory,
	identity IdentityExtractor,
) *Server {
	return &Server{
		cfg:      cfg,
		logger:   logger,
		metrics:  sink,
		upgrader: transport.NewUpgrader(),
		resolver: resolver,
		leader:   leader,
		hosts:    hosts,
		identity: identity,
		baseCtx:  baseCtx,
	}
}

// Register attaches the subscribe route to r.
func (s *Server) Register(r *mux.Router) {
	r.HandleFunc("/database/{name_or_identity}/subscribe", s.handleSubscribe).Methods(http.MethodGet)
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)
	nameOrIdentity := vars["name_or_identity"]

	databaseIdentity, ok, err := s.resolver.ResolveDatabaseIdentity(ctx, nameOrIdentity)
	if err != nil {
		s.logAndInternalError(w, "resolve database identity", err)
		return
	}
	if !ok {
		http.Error(w, "unknown database", http.StatusNotFound)
		return
	}

	replicaID, ok, err := s.leader.Leader(ctx, databaseIdentity)
	if err != nil {
		s.logAndInternalError(w, "select leader", err)
		return
	}
	if !ok {
		http.Error(w, "no available leader", http.StatusNotFound)
		return
	}

	subprotocol, ok := negotiateSubprotocol(r)
	if !ok {
		http.Error(w, "client must offer "+binarySubprotocol+" or "+textSubprotocol, http.StatusBadRequest)
		return
	}

	identity, token, err := s.identity(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	connID, err := parseConnectionID(r.URL.Query().Get("connection_id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	compression := parseCompression(r.URL.Query().Get("compression"))
	light := parseBool(r.URL.Query().Get("light"))

	clientID := hostapi.ClientID{
		Identity:     identity,
		ConnectionID: connID,
		Name:         s.sessionSeq.Add(1),
	}

	host, err := s.hosts.NewModuleHost(ctx, databaseIdentity, replicaID, clientID)
	if err != nil {
		s.logAndInternalError(w, "create module host", err)
		return
	}

	// A Host that owns its reply queue (modulehost.Registry's) must be drained
	// through that same queue; only fall back to a fresh one for
	// HostFactory implementations that don't hand replies back this way.
	outbound := client.NewOutboundQueue(s.cfg.OutboundQueueCapacity)
	if owner, ok := host.(outboundOwner); ok {
		outbound = owner.Outbound()
	}

	session := client.Session{
		ClientID: client.ClientActorID{
			Identity:     client.Identity(identity),
			ConnectionID: client.ConnectionID(connID),
			Name:         clientID.Name,
		},
		Config: client.ClientConfig{
			Protocol:     protocolFromSubprotocol(subprotocol),
			Compression:  compression,
			TxUpdateFull: !light,
		},
		DatabaseIdentity: databaseIdentity,
	}

	identityMsg := client.IdentityTokenMessage{
		Identity:     session.ClientID.Identity,
		Token:        token,
		ConnectionID: session.ClientID.ConnectionID,
	}
	if err := outbound.Send(client.OutboundMessage{Encode: wire.IdentityTokenSerializer(identityMsg)}); err != nil {
		s.logAndInternalError(w, "queue identity token", err)
		return
	}

	if forwardedFor := r.Header.Get("X-Forwarded-For"); forwardedFor != "" {
		s.logger.Debug("upgrade request forwarded", "x_forwarded_for", forwardedFor, "client", session.ClientID)
	}

	stream, negotiated, err := s.upgrader.Upgrade(w, r, []string{subprotocol}, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err, "client", session.ClientID)
		return
	}
	_ = negotiated

	a := client.NewActor(session, stream, outbound, host, s.metrics, s.logger, wire.ErrorCodec)
	a.ConfigureTimers(s.cfg.LivenessInterval(), s.cfg.SendDeadline(), s.cfg.OutboundBatchMax)
	go a.Run(s.baseCtx)
}

func (s *Server) logAndInternalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error(op+" failed", "error", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

// negotiateSubprotocol picks the first of offeredSubprotocols the request
// also offers via Sec-WebSocket-Protocol, mirroring
// ws.select_protocol([(BIN_PROTOCOL, ...), (TEXT_PROTOCOL, ...)]).
func negotiateSubprotocol(r *http.Request) (string, bool) {
	offered := map[string]bool{}
	for _, header := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, p := range strings.Split(header, ",") {
			offered[strings.TrimSpace(p)] = true
		}
	}
	for _, candidate := range offeredSubprotocols {
		if offered[candidate] {
			return candidate, true
		}
	}
	return "", false
}

func protocolFromSubprotocol(subprotocol string) client.Protocol {
	if subprotocol == textSubprotocol {
		return client.ProtocolText
	}
	return client.ProtocolBinary
}

// parseConnectionID generates a random connection id when raw is empty
// (SPEC_FULL.md §6.1), parses a 32-hex-character id otherwise, and rejects
// the reserved all-zero value.
func parseConnectionID(raw string) (client.ConnectionID, error) {
	if raw == "" {
		return client.NewRandomConnectionID()
	}
	b, err := hex.DecodeString(raw)
	if err != nil || len(b) != 16 {
		return client.ConnectionID{}, errInvalidConnectionID
	}
	var id client.ConnectionID
	copy(id[:], b)
	if id.IsZero() {
		return client.ConnectionID{}, errInvalidConnectionID
	}
	return id, nil
}

var errInvalidConnectionID = invalidConnectionIDError{}

type invalidConnectionIDError struct{}

func (invalidConnectionIDError) Error() string {
	return "connection_id must be 32 hex characters and not the reserved all-zero value"
}

func parseCompression(raw string) client.Compression {
	switch raw {
	case "brotli":
		return client.CompressionBrotli
	case "gzip":
		return client.CompressionGzip
	default:
		return client.CompressionNone
	}
}

// parseBool is a tiny helper kept here rather than pulled from strconv
// directly so a malformed value defaults to false instead of erroring the
// request over an optional query flag.
func parseBool(raw string) bool {
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false
	}
	return v
}
