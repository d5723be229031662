package modulehost

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/Codinablack/SpacetimeDB/internal/client"
	"github.com/Codinablack/SpacetimeDB/internal/hostapi"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHandleMessageDispatchesRegisteredReducer(t *testing.T) {
	outbound := client.NewOutboundQueue(4)
	h := New("test_db", outbound, testLogger())

	called := make(chan json.RawMessage, 1)
	h.Register("echo", func(ctx context.Context, args json.RawMessage) (any, error) {
		called <- args
		return map[string]string{"ok": "yes"}, nil
	})

	body, _ := json.Marshal(request{Reducer: "echo", Args: json.RawMessage(`{"x":1}`)})
	err := h.HandleMessage(context.Background(), hostapi.Payload{Binary: body}, time.Now())
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	select {
	case args := <-called:
		if string(args) != `{"x":1}` {
			t.Fatalf("reducer got args %q, want %q", args, `{"x":1}`)
		}
	case <-time.After(time.Second):
		t.Fatalf("reducer was never invoked")
	}

	deadline := time.Now().Add(time.Second)
	var msg client.OutboundMessage
	var ok bool
	for time.Now().Before(deadline) {
		if msg, ok = outbound.TryRecv(); ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !ok {
		t.Fatalf("no outbound reply was queued")
	}
	if msg.Workload == nil || *msg.Workload != client.WorkloadReducer {
		t.Fatalf("outbound message missing reducer workload tag")
	}
}

func TestHandleMessageUnknownReducerIsExecutionError(t *testing.T) {
	outbound := client.NewOutboundQueue(4)
	h := New("test_db", outbound, testLogger())

	body, _ := json.Marshal(request{Reducer: "missing"})
	err := h.HandleMessage(context.Background(), hostapi.Payload{Binary: body}, time.Now())

	var execErr *hostapi.ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("HandleMessage() error = %v, want *hostapi.ExecutionError", err)
	}
}

func TestHandleMessageReducerErrorIsExecutionError(t *testing.T) {
	outbound := client.NewOutboundQueue(4)
	h := New("test_db", outbound, testLogger())
	h.Register("boom", func(ctx context.Context, args json.RawMessage) (any, error) {
		return nil, errors.New("boom")
	})

	body, _ := json.Marshal(request{Reducer: "boom"})
	err := h.HandleMessage(context.Background(), hostapi.Payload{Binary: body}, time.Now())

	var execErr *hostapi.ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("HandleMessage() error = %v, want *hostapi.ExecutionError", err)
	}
}

func TestHandleMessageMalformedRequestIsPlainError(t *testing.T) {
	outbound := client.NewOutboundQueue(4)
	h := New("test_db", outbound, testLogger())

	err := h.HandleMessage(context.Background(), hostapi.Payload{Binary: []byte("not json")}, time.Now())
	if err == nil {
		t.Fatalf("HandleMessage() with malformed body succeeded, want an error")
	}
	var execErr *hostapi.ExecutionError
	if errors.As(err, &execErr) {
		t.Fatalf("malformed request surfaced as *hostapi.ExecutionError, want a plain error (session-ending)")
	}
}

func TestCloseFiresGone(t *testing.T) {
	h := New("test_db", client.NewOutboundQueue(1), testLogger())
	select {
	case <-h.Gone():
		t.Fatalf("Gone() fired before Close()")
	default:
	}
	h.Close()
	h.Close() // idempotent
	select {
	case <-h.Gone():
	default:
		t.Fatalf("Gone() did not fire after Close()")
	}
}
