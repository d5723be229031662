package httpapi

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/Codinablack/SpacetimeDB/internal/client"
	"github.com/Codinablack/SpacetimeDB/internal/config"
	"github.com/Codinablack/SpacetimeDB/internal/hostapi"
	"github.com/Codinablack/SpacetimeDB/internal/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeResolver struct {
	identity string
	ok       bool
	err      error
}

func (f fakeResolver) ResolveDatabaseIdentity(context.Context, string) (string, bool, error) {
	return f.identity, f.ok, f.err
}

type fakeLeader struct {
	replicaID string
	ok        bool
	err       error
}

func (f fakeLeader) Leader(context.Context, string) (string, bool, error) {
	return f.replicaID, f.ok, f.err
}

type fakeHost struct {
	gone chan struct{}
}

func newFakeHost() *fakeHost { return &fakeHost{gone: make(chan struct{})} }

func (h *fakeHost) HandleMessage(context.Context, hostapi.Payload, time.Time) error { return nil }
func (h *fakeHost) Gone() <-chan struct{}                                           { return h.gone }
func (h *fakeHost) Disconnect(context.Context) error                                { return nil }
func (h *fakeHost) DatabaseIdentity() string                                        { return "test_db" }

type fakeHostFactory struct {
	host hostapi.ModuleHost
	err  error
}

func (f fakeHostFactory) NewModuleHost(context.Context, string, string, hostapi.ClientID) (hostapi.ModuleHost, error) {
	return f.host, f.err
}

func newTestServer(resolver hostapi.NameResolver, leader hostapi.LeaderSelector, hosts hostapi.HostFactory) *Server {
	return NewServer(
		context.Background(),
		config.DefaultConfig().Session,
		testLogger(),
		metrics.NoopSink{},
		resolver,
		leader,
		hosts,
		HeaderIdentityExtractor("X-Identity"),
	)
}

func newTestRouter(s *Server) *mux.Router {
	r := mux.NewRouter()
	s.Register(r)
	return r
}

func TestHandleSubscribeUnknownDatabaseIs404(t *testing.T) {
	s := newTestServer(fakeResolver{ok: false}, fakeLeader{}, fakeHostFactory{})
	req := httptest.NewRequest(http.MethodGet, "/database/nope/subscribe", nil)
	req.Header.Set("Sec-WebSocket-Protocol", binarySubprotocol)
	rec := httptest.NewRecorder()

	newTestRouter(s).ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestHandleSubscribeResolveErrorIs500(t *testing.T) {
	s := newTestServer(fakeResolver{err: errors.New("boom")}, fakeLeader{}, fakeHostFactory{})
	req := httptest.NewRequest(http.MethodGet, "/database/test/subscribe", nil)
	req.Header.Set("Sec-WebSocket-Protocol", binarySubprotocol)
	rec := httptest.NewRecorder()

	newTestRouter(s).ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
}

func TestHandleSubscribeNoLeaderIs404(t *testing.T) {
	s := newTestServer(fakeResolver{identity: "test_db", ok: true}, fakeLeader{ok: false}, fakeHostFactory{})
	req := httptest.NewRequest(http.MethodGet, "/database/test/subscribe", nil)
	req.Header.Set("Sec-WebSocket-Protocol", binarySubprotocol)
	rec := httptest.NewRecorder()

	newTestRouter(s).ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestHandleSubscribeMissingSubprotocolIs400(t *testing.T) {
	s := newTestServer(
		fakeResolver{identity: "test_db", ok: true},
		fakeLeader{replicaID: "local", ok: true},
		fakeHostFactory{},
	)
	req := httptest.NewRequest(http.MethodGet, "/database/test/subscribe", nil)
	rec := httptest.NewRecorder()

	newTestRouter(s).ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHandleSubscribeBadConnectionIDIs400(t *testing.T) {
	s := newTestServer(
		fakeResolver{identity: "test_db", ok: true},
		fakeLeader{replicaID: "local", ok: true},
		fakeHostFactory{},
	)
	req := httptest.NewRequest(http.MethodGet, "/database/test/subscribe?connection_id=not-hex", nil)
	req.Header.Set("Sec-WebSocket-Protocol", binarySubprotocol)
	rec := httptest.NewRecorder()

	newTestRouter(s).ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHandleSubscribeHostFactoryErrorIs500(t *testing.T) {
	s := newTestServer(
		fakeResolver{identity: "test_db", ok: true},
		fakeLeader{replicaID: "local", ok: true},
		fakeHostFactory{err: errors.New("no capacity")},
	)
	req := httptest.NewRequest(http.MethodGet, "/database/test/subscribe", nil)
	req.Header.Set("Sec-WebSocket-Protocol", binarySubprotocol)
	rec := httptest.NewRecorder()

	newTestRouter(s).ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
}

// TestHandleSubscribeUpgradesAndSendsIdentityToken drives the endpoint over a
// real HTTP server and websocket client, since Upgrader hijacks the
// connection and cannot be exercised through httptest.ResponseRecorder.
func TestHandleSubscribeUpgradesAndSendsIdentityToken(t *testing.T) {
	host := newFakeHost()
	s := newTestServer(
		fakeResolver{identity: "test_db", ok: true},
		fakeLeader{replicaID: "local", ok: true},
		fakeHostFactory{host: host},
	)
	srv := httptest.NewServer(newTestRouter(s))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/database/test/subscribe"
	header := http.Header{}
	header.Set("Sec-WebSocket-Protocol", binarySubprotocol)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, _, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read identity token message: %v", err)
	}
	if kind != websocket.BinaryMessage {
		t.Fatalf("message kind = %d, want binary", kind)
	}
}

func TestNegotiateSubprotocolPrefersBinary(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Sec-WebSocket-Protocol", textSubprotocol+", "+binarySubprotocol)

	got, ok := negotiateSubprotocol(req)
	if !ok || got != binarySubprotocol {
		t.Fatalf("negotiateSubprotocol() = (%q, %v), want (%q, true)", got, ok, binarySubprotocol)
	}
}

func TestNegotiateSubprotocolNoMatch(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Sec-WebSocket-Protocol", "some.other.protocol")

	if _, ok := negotiateSubprotocol(req); ok {
		t.Fatalf("negotiateSubprotocol() matched, want no match")
	}
}

func TestParseConnectionIDGeneratesWhenEmpty(t *testing.T) {
	id, err := parseConnectionID("")
	if err != nil {
		t.Fatalf("parseConnectionID(\"\") error = %v", err)
	}
	if id.IsZero() {
		t.Fatalf("parseConnectionID(\"\") returned the reserved zero value")
	}
}

func TestParseConnectionIDRejectsZero(t *testing.T) {
	zero := client.ConnectionID{}
	_, err := parseConnectionID(zero.String())
	if err == nil {
		t.Fatalf("parseConnectionID(all-zero) succeeded, want error")
	}
}
