package client

import "time"

// inboundQueue is the bounded-in-spirit FIFO of (payload, arrival) described
// in spec.md §3 and §4.3. It is actor-local and requires no synchronization —
// only the actor goroutine ever touches it. Capacity is left unbounded per
// the Open Question resolution in SPEC_FULL.md §8; the actor reports len()
// through metrics.Sink.SetInboundQueueLength, the gauge an operator would use
// to notice a queue that never drains.
type inboundQueue struct {
	items []InboundPayload
}

func newInboundQueue() *inboundQueue {
	return &inboundQueue{}
}

// push appends a freshly-arrived payload, preserving arrival order.
func (q *inboundQueue) push(msg DataMessage, arrival time.Time) {
	q.items = append(q.items, InboundPayload{Message: msg, Arrival: arrival})
}

// popFront removes and returns the oldest payload, if any.
func (q *inboundQueue) popFront() (InboundPayload, bool) {
	if len(q.items) == 0 {
		return InboundPayload{}, false
	}
	item := q.items[0]
	// Avoid retaining the popped element's backing array indefinitely.
	q.items[0] = InboundPayload{}
	q.items = q.items[1:]
	return item, true
}

func (q *inboundQueue) len() int { return len(q.items) }
