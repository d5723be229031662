package modulehost

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/Codinablack/SpacetimeDB/internal/client"
	"github.com/Codinablack/SpacetimeDB/internal/hostapi"
)

func TestRegistryResolveDatabaseIdentityByNameOrIdentity(t *testing.T) {
	r := NewRegistry(testLogger(), 8)
	r.Add("test", "test_db_identity", "local", nil)

	for _, key := range []string{"test", "test_db_identity"} {
		got, ok, err := r.ResolveDatabaseIdentity(context.Background(), key)
		if err != nil {
			t.Fatalf("ResolveDatabaseIdentity(%q) error = %v", key, err)
		}
		if !ok || got != "test_db_identity" {
			t.Fatalf("ResolveDatabaseIdentity(%q) = (%q, %v), want (%q, true)", key, got, ok, "test_db_identity")
		}
	}
}

func TestRegistryResolveDatabaseIdentityUnknown(t *testing.T) {
	r := NewRegistry(testLogger(), 8)
	_, ok, err := r.ResolveDatabaseIdentity(context.Background(), "nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("ResolveDatabaseIdentity(unknown) ok = true, want false")
	}
}

func TestRegistryLeader(t *testing.T) {
	r := NewRegistry(testLogger(), 8)
	r.Add("test", "test_db_identity", "replica-local", nil)

	replicaID, ok, err := r.Leader(context.Background(), "test_db_identity")
	if err != nil {
		t.Fatalf("Leader() error = %v", err)
	}
	if !ok || replicaID != "replica-local" {
		t.Fatalf("Leader() = (%q, %v), want (%q, true)", replicaID, ok, "replica-local")
	}

	if _, ok, _ := r.Leader(context.Background(), "unknown_db"); ok {
		t.Fatalf("Leader(unknown_db) ok = true, want false")
	}
}

func TestRegistryNewModuleHostUnknownDatabase(t *testing.T) {
	r := NewRegistry(testLogger(), 8)
	_, err := r.NewModuleHost(context.Background(), "nope", "local", hostapi.ClientID{Name: 1})
	if err == nil {
		t.Fatalf("NewModuleHost(unknown database) succeeded, want error")
	}
}

func TestRegistryNewModuleHostWiresReducersToOutboundQueue(t *testing.T) {
	const queueSize = 16
	r := NewRegistry(testLogger(), queueSize)

	called := false
	r.Add("test", "test_db_identity", "local", func(h *Host) {
		h.Register("ping", func(context.Context, json.RawMessage) (any, error) {
			called = true
			return "pong", nil
		})
	})

	host, err := r.NewModuleHost(context.Background(), "test_db_identity", "local", hostapi.ClientID{Name: 1})
	if err != nil {
		t.Fatalf("NewModuleHost() error = %v", err)
	}

	h, ok := host.(*Host)
	if !ok {
		t.Fatalf("NewModuleHost() returned %T, want *Host", host)
	}

	if err := h.HandleMessage(context.Background(), hostapi.Payload{IsText: true, Text: `{"reducer":"ping","args":{}}`}, time.Now()); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if !called {
		t.Fatalf("registered reducer was never invoked")
	}

	msg, ok := h.Outbound().TryRecv()
	if !ok {
		t.Fatalf("reducer reply was never pushed onto the outbound queue")
	}
	data, _ := msg.Encode(nil, client.ClientConfig{})
	if len(data) == 0 {
		t.Fatalf("encoded reducer reply is empty")
	}
}

func TestRegistrySweepRemovesGoneHosts(t *testing.T) {
	r := NewRegistry(testLogger(), 8)
	r.Add("test", "test_db_identity", "local", nil)

	host, err := r.NewModuleHost(context.Background(), "test_db_identity", "local", hostapi.ClientID{Name: 1})
	if err != nil {
		t.Fatalf("NewModuleHost() error = %v", err)
	}
	h := host.(*Host)

	r.sweep()
	if _, ok := r.sockets[hostapi.ClientID{Name: 1}]; !ok {
		t.Fatalf("sweep() removed a host that had not signaled Gone")
	}

	h.Close()
	r.sweep()
	if _, ok := r.sockets[hostapi.ClientID{Name: 1}]; ok {
		t.Fatalf("sweep() left a host in place after it signaled Gone")
	}
}

func TestRegistryReapStopsOnContextCancel(t *testing.T) {
	r := NewRegistry(testLogger(), 8)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- r.Reap(ctx, time.Millisecond) }()

	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("Reap() returned %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Reap() did not return after context cancellation")
	}
}

func TestRegistryReapSweepsPeriodically(t *testing.T) {
	r := NewRegistry(testLogger(), 8)
	r.Add("test", "test_db_identity", "local", nil)

	host, err := r.NewModuleHost(context.Background(), "test_db_identity", "local", hostapi.ClientID{Name: 1})
	if err != nil {
		t.Fatalf("NewModuleHost() error = %v", err)
	}
	host.(*Host).Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Reap(ctx, 5*time.Millisecond)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		r.mu.RLock()
		_, stillTracked := r.sockets[hostapi.ClientID{Name: 1}]
		r.mu.RUnlock()
		if !stillTracked {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Reap() never swept the gone host within the deadline")
}
