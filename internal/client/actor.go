package client

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/Codinablack/SpacetimeDB/internal/hostapi"
	"github.com/Codinablack/SpacetimeDB/internal/metrics"
	"github.com/Codinablack/SpacetimeDB/internal/transport"
)

// Timers and limits fixed by spec.md §6.
const (
	livenessTick            = 60 * time.Second
	defaultSendDeadline     = 5 * time.Second
	slowSendWarn            = 50 * time.Millisecond
	defaultOutboundBatchMax = 32
)

// ErrorCodec serializes a handler's *hostapi.ExecutionError payload into an
// outbound frame. The serialization format itself is out of scope for the
// actor (spec.md §1); this is the typed seam the actor consumes instead of
// depending on any concrete wire format.
type ErrorCodec func(payload any, dst []byte, cfg ClientConfig) (data []byte, kind DataMessageKind)

// Actor is the per-connection session actor from spec.md §2 component 7: the
// cooperative multiplexer combining the buffer pool, inbound queue, in-flight
// slot, outbound batching, liveness probing, and module watching over one
// socket.
type Actor struct {
	session Session
	stream  transport.Stream
	outbound *OutboundQueue
	host    hostapi.ModuleHost
	metrics metrics.Sink
	logger  *slog.Logger
	errCodec ErrorCodec

	pool  *scratchBuffer
	queue *inboundQueue

	inFlightCh     chan inFlightResult
	inFlightActive bool
	handlerCancel  context.CancelFunc

	closed  bool
	gotPong atomic.Bool

	// livenessInterval, sendDeadline and outboundBatchMax default to the
	// package constants above; internal/httpapi overrides them from
	// config.SessionConfig via ConfigureTimers, and tests shrink livenessInterval so the liveness
	// arm fires without waiting a real minute.
	livenessInterval time.Duration
	sendDeadline     time.Duration
	outboundBatchMax int
}

type inFlightResult struct {
	err error
}

type frameResult struct {
	frame transport.Frame
	err   error
}

// NewActor builds a session actor. Callers must have already enqueued the
// session's IdentityTokenMessage onto outbound before calling Run, so it is
// guaranteed to be the first thing the peer observes (spec.md §5, "Ordering
// guarantees").
func NewActor(session Session, stream transport.Stream, outbound *OutboundQueue, host hostapi.ModuleHost, sink metrics.Sink, logger *slog.Logger, errCodec ErrorCodec) *Actor {
	return &Actor{
		session:          session,
		stream:           stream,
		outbound:         outbound,
		host:             host,
		metrics:          sink,
		logger:           logger,
		errCodec:         errCodec,
		pool:             newScratchBuffer(),
		queue:            newInboundQueue(),
		livenessInterval: livenessTick,
		sendDeadline:     defaultSendDeadline,
		outboundBatchMax: defaultOutboundBatchMax,
	}
}

// ConfigureTimers overrides the liveness interval, send deadline and max
// outbound batch size the session actor was built with. Callers that source
// these from config.SessionConfig must call this before Run; zero values are
// ignored so partially-specified overrides leave the rest at their default.
func (a *Actor) ConfigureTimers(livenessInterval, sendDeadline time.Duration, outboundBatchMax int) {
	if livenessInterval > 0 {
		a.livenessInterval = livenessInterval
	}
	if sendDeadline > 0 {
		a.sendDeadline = sendDeadline
	}
	if outboundBatchMax > 0 {
		a.outboundBatchMax = outboundBatchMax
	}
}

// Run drives the select loop until the session ends, then unconditionally
// disconnects (spec.md §4.2 Cleanup Guard). ctx models the enclosing task:
// if it is cancelled from outside (e.g. process shutdown), teardown is
// detached so the caller isn't blocked behind a possibly slow disconnect;
// every other exit path runs teardown synchronously and surfaces its error.
func (a *Actor) Run(ctx context.Context) {
	guard := newCleanupGuard(a.host, a.logger)
	defer guard.finalize(context.Background())

	handlerCtx, cancel := context.WithCancel(context.Background())
	a.handlerCancel = cancel
	defer cancel()

	a.inFlightCh = make(chan inFlightResult, 1)
	a.gotPong.Store(true)

	frames := make(chan frameResult, 1)
	stopReader := make(chan struct{})
	defer close(stopReader)
	a.stream.OnPong(func() { a.gotPong.Store(true) })
	go a.readLoop(handlerCtx, frames, stopReader)

	liveness := time.NewTicker(a.livenessInterval)
	defer liveness.Stop()

	moduleGone := a.host.Gone()
	var rxBuf []OutboundMessage

	for {
		if !a.inFlightActive {
			if item, ok := a.queue.popFront(); ok {
				a.startHandler(handlerCtx, item)
			}
		}
		a.metrics.SetInboundQueueLength(a.session.DatabaseIdentity, a.queue.len())

		var moduleGoneArm <-chan struct{}
		if !a.closed {
			moduleGoneArm = moduleGone
		}

		select {
		case <-ctx.Done():
			a.logger.Info("session actor cancelled", "client", a.session.ClientID)
			return

		case res := <-a.inFlightCh:
			a.inFlightActive = false
			if exit := a.dispatchHandleResult(res.err, guard); exit {
				return
			}

		case fr := <-frames:
			if exit := a.dispatchFrame(fr, guard); exit {
				return
			}

		case first := <-a.outbound.ch:
			rxBuf = append(rxBuf[:0], first)
			rxBuf = recvMany(a.outbound.ch, rxBuf, a.outboundBatchMax)
			if exit := a.sendOutboundBatch(rxBuf, guard); exit {
				return
			}

		case <-moduleGoneArm:
			if exit := a.handleModuleGone(guard); exit {
				return
			}

		case <-liveness.C:
			if exit := a.handleLivenessTick(guard); exit {
				return
			}
		}
	}
}

// readLoop pumps ReadFrame results onto a channel so the select loop never
// blocks directly on the socket. Grounded on the teacher's readPump
// (cmd/streamerbrainz/state_ws.go), generalized to report frames instead of
// discarding them.
func (a *Actor) readLoop(ctx context.Context, out chan<- frameResult, stop <-chan struct{}) {
	for {
		f, err := a.stream.ReadFrame()
		select {
		case out <- frameResult{frame: f, err: err}:
		case <-stop:
			return
		}
		if err != nil {
			return
		}
	}
}

// dispatchFrame handles one Arm B outcome. Returns true if the loop should
// exit.
//
// Unlike tokio-tungstenite, gorilla/websocket completes the close handshake
// (sending the reply close frame) internally during ReadMessage itself, so
// observing a Close frame here already is the terminal "stream end" signal —
// there is no subsequent read that yields a separate end-of-stream marker.
// This collapses spec.md §4.1 Arm B's "stream end" outcome and the post-wait
// Item::Message(Close) dispatch into one step.
func (a *Actor) dispatchFrame(fr frameResult, guard *cleanupGuard) bool {
	if fr.err != nil {
		a.logger.Warn("websocket receive error", "error", fr.err)
		guard.extract()
		return true
	}

	switch fr.frame.Kind {
	case transport.FrameClose:
		a.outbound.close()
		if !a.closed {
			a.metrics.IncPeerInitiatedClose(a.session.DatabaseIdentity)
		}
		a.closed = true
		a.logger.Debug("client connection ended", "close_code", closeCodeOf(fr.frame))
		guard.extract()
		return true
	default:
		msg := DataMessage{Kind: kindFromFrame(fr.frame.Kind), Data: fr.frame.Data}
		a.queue.push(msg, time.Now())
		return false
	}
}

func closeCodeOf(f transport.Frame) int {
	if f.Close == nil {
		return 0
	}
	return f.Close.Code
}

func kindFromFrame(k transport.FrameKind) DataMessageKind {
	if k == transport.FrameText {
		return DataText
	}
	return DataBinary
}

// startHandler launches the in-flight handler as its own goroutine,
// delivering its result over a buffered channel — the idiomatic Go shape of
// spec.md's hand-polled in-flight future; see SPEC_FULL.md §8.
func (a *Actor) startHandler(ctx context.Context, item InboundPayload) {
	payload := toHostPayload(item.Message)
	go func() {
		err := a.host.HandleMessage(ctx, payload, item.Arrival)
		a.inFlightCh <- inFlightResult{err: err}
	}()
	a.inFlightActive = true
}

func toHostPayload(msg DataMessage) hostapi.Payload {
	if msg.Kind == DataText {
		return hostapi.Payload{Text: string(msg.Data), IsText: true}
	}
	return hostapi.Payload{Binary: msg.Data}
}

// dispatchHandleResult is the Arm A post-wait dispatch from spec.md §4.1.
func (a *Actor) dispatchHandleResult(err error, guard *cleanupGuard) bool {
	if err == nil {
		return false
	}

	var execErr *hostapi.ExecutionError
	if errors.As(err, &execErr) {
		a.logger.Error("reducer execution error", "error", err)
		data, kind := a.errCodec(execErr.Payload, a.pool.buf[:0], a.session.Config)
		view := serializedView{owner: a.pool, data: data}
		frame := transport.Frame{Kind: frameKindOf(kind), Data: data}

		a.stream.SetWriteDeadline(time.Now().Add(a.sendDeadline))
		sendErr := a.stream.Send(frame)
		a.pool = mustReclaim(view, "execution error reply")

		if sendErr != nil {
			if isTimeout(sendErr) {
				a.logger.Warn("send timed out", "error", sendErr)
				guard.extract()
				return true
			}
			a.logger.Warn("websocket send error", "error", sendErr)
		}
		return false
	}

	a.logger.Warn("client caused error on message", "error", err)
	a.stream.SetWriteDeadline(time.Now().Add(a.sendDeadline))
	closeErr := a.stream.Close(int(CloseError), err.Error())
	if closeErr != nil {
		if isTimeout(closeErr) {
			a.logger.Warn("send timed out", "error", closeErr)
			guard.extract()
			return true
		}
		a.logger.Warn("error closing websocket", "error", closeErr)
	}
	// spec.md §4.6: a local handler error requesting close is itself a
	// transition into Closing, same as a peer Close or module departure.
	a.closed = true
	return false
}

// sendOutboundBatch is Arm C from spec.md §4.1.
func (a *Actor) sendOutboundBatch(batch []OutboundMessage, guard *cleanupGuard) bool {
	if a.closed {
		a.logger.Info("dropping messages due to ws already being closed", "n", len(batch))
		return false
	}

	start := time.Now()
	a.stream.SetWriteDeadline(start.Add(a.sendDeadline))

	for _, msg := range batch {
		data, kind := msg.Encode(a.pool.buf[:0], a.session.Config)
		view := serializedView{owner: a.pool, data: data}

		if msg.Workload != nil && msg.NumRows != nil {
			a.metrics.ObserveSentRows(a.session.DatabaseIdentity, string(*msg.Workload), float64(*msg.NumRows))
			a.metrics.ObserveSentMessageSize(a.session.DatabaseIdentity, string(*msg.Workload), float64(len(data)))
		}

		err := a.stream.Feed(transport.Frame{Kind: frameKindOf(kind), Data: data})
		a.pool = mustReclaim(view, "outbound batch feed")

		if err != nil {
			if isTimeout(err) {
				a.logger.Warn("send_all timed out", "error", err)
				guard.extract()
				return true
			}
			a.logger.Warn("websocket send error", "error", err)
			return false
		}
	}

	if err := a.stream.Flush(); err != nil {
		if isTimeout(err) {
			a.logger.Warn("send_all timed out", "error", err)
			guard.extract()
			return true
		}
		a.logger.Warn("websocket send error", "error", err)
	}

	if elapsed := time.Since(start); elapsed > slowSendWarn {
		a.logger.Warn("send_all took a very long time", "elapsed", elapsed)
	}
	return false
}

// handleModuleGone is Arm D from spec.md §4.1.
func (a *Actor) handleModuleGone(guard *cleanupGuard) bool {
	a.stream.SetWriteDeadline(time.Now().Add(a.sendDeadline))
	err := a.stream.Close(int(CloseAway), "module exited")
	if err != nil {
		if isTimeout(err) {
			a.logger.Warn("websocket close timed out", "error", err)
			guard.extract()
			return true
		}
		a.logger.Warn("error closing websocket", "error", err)
	}
	a.closed = true
	return false
}

// handleLivenessTick is Arm E from spec.md §4.1.
func (a *Actor) handleLivenessTick(guard *cleanupGuard) bool {
	if a.gotPong.Swap(false) {
		a.stream.SetWriteDeadline(time.Now().Add(a.sendDeadline))
		if err := transport.SendPing(a.stream); err != nil {
			if isTimeout(err) {
				a.logger.Warn("ping timed out", "error", err)
				guard.extract()
				return true
			}
			a.logger.Warn("error sending ping", "error", err)
		}
		return false
	}
	a.logger.Warn("client timed out", "client", a.session.ClientID)
	guard.extract()
	return true
}

func frameKindOf(k DataMessageKind) transport.FrameKind {
	if k == DataText {
		return transport.FrameText
	}
	return transport.FrameBinary
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
