package client

import (
	"errors"
	"sync"
)

// Workload tags an outbound message with the kind of work that produced it,
// purely for metrics labeling (spec.md §6: "keyed by ... workload").
type Workload string

const (
	WorkloadSubscribe Workload = "subscribe"
	WorkloadReducer   Workload = "reducer"
	WorkloadOneOff    Workload = "one_off_query"
)

// Serializer encodes a message into dst (reusing its backing array where
// possible) and reports the wire kind (text vs binary) it produced.
type Serializer func(dst []byte, cfg ClientConfig) (data []byte, kind DataMessageKind)

// OutboundMessage is one server-produced message awaiting serialization and
// send. Workload and NumRows are both present or both absent — spec.md §4.1
// and §7 require that the metrics derived from them are emitted together or
// not at all.
type OutboundMessage struct {
	Workload *Workload
	NumRows  *int
	Encode   Serializer
}

// ErrOutboundClosed is returned by Send once the session has told producers
// to stop: the peer has initiated close and the framing layer will not
// accept further writes (spec.md §9, "Open question — drop semantics on
// post-close writes").
var ErrOutboundClosed = errors.New("client: outbound queue closed")

// OutboundQueue is the metered channel of server-produced messages described
// in spec.md §2 component 4. Unlike a plain Go channel, closing it does not
// panic pending or future producers: Send observes the closed signal and
// returns ErrOutboundClosed instead of blocking forever or racing a close.
type OutboundQueue struct {
	ch       chan OutboundMessage
	closedCh chan struct{}
	once     sync.Once
}

// NewOutboundQueue creates a queue with the given producer-side buffer size.
func NewOutboundQueue(buf int) *OutboundQueue {
	return &OutboundQueue{
		ch:       make(chan OutboundMessage, buf),
		closedCh: make(chan struct{}),
	}
}

// Send enqueues msg, blocking until there is room or the queue is closed
// (whichever first). Once the queue is closed, Send always returns
// ErrOutboundClosed, even if the buffer still has room. Producers are other
// in-process components (the module host, broadcast fan-out); this is their
// only way to reach the session.
func (q *OutboundQueue) Send(msg OutboundMessage) error {
	select {
	case <-q.closedCh:
		return ErrOutboundClosed
	default:
	}
	select {
	case q.ch <- msg:
		return nil
	case <-q.closedCh:
		return ErrOutboundClosed
	}
}

// close tells producers to stop; it is idempotent and safe to call more than
// once. Only the session actor calls this, on observing a peer-initiated
// Close frame (spec.md §4.1, post-wait dispatch for Item::Message(Close)).
func (q *OutboundQueue) close() {
	q.once.Do(func() { close(q.closedCh) })
}

// TryRecv drains one already-queued message without blocking. The session
// actor never calls this (it reads the channel directly as part of its
// select loop); it exists for callers outside the package that want to
// observe what a producer enqueued, e.g. tests against a ModuleHost.
func (q *OutboundQueue) TryRecv() (OutboundMessage, bool) {
	select {
	case msg := <-q.ch:
		return msg, true
	default:
		return OutboundMessage{}, false
	}
}

// recvMany drains additional already-queued messages onto the end of dst,
// without blocking, until dst holds max total or ch has no more ready. The
// caller is expected to have already appended the one message that made this
// batch worth starting (spec.md §4.1 Arm C: "receive up to 32 in one batch").
func recvMany(ch <-chan OutboundMessage, dst []OutboundMessage, max int) []OutboundMessage {
	for len(dst) < max {
		select {
		case msg := <-ch:
			dst = append(dst, msg)
		default:
			return dst
		}
	}
	return dst
}
