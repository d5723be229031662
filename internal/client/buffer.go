package client

import (
	"fmt"
)

// scratchBuffer is the single reusable serialization allocation owned by a
// session for its whole lifetime. Grounded on the allocator idiom in
// SagerNet-smux's session.go (defaultAllocator.Get/Put around frame
// payloads) and on original_source/subscribe.rs's SerializeBuffer: ownership
// moves out at serialize time and is proven unique before being reclaimed.
type scratchBuffer struct {
	buf []byte
}

func newScratchBuffer() *scratchBuffer {
	return &scratchBuffer{buf: make([]byte, 0, 4096)}
}

// serializedView is the sole strong reference to a scratch allocation after
// serialization. Only reclaim can turn it back into a *scratchBuffer.
type serializedView struct {
	owner *scratchBuffer
	data  []byte
}

func (v serializedView) Bytes() []byte { return v.data }

// reclaim returns the scratch allocation to the pool once the framing layer
// has dropped its reference to the serialized view. Per spec.md §4.4 and §7,
// failing to reclaim (i.e. calling this while something else still holds the
// slice) is a programming error in the caller, not a recoverable condition —
// the framing layer's Feed/Send calls must copy out of the slice they're
// given (gorilla/websocket's NextWriter.Write does) before returning.
func (v serializedView) reclaim() *scratchBuffer {
	if v.owner == nil {
		panic("buffer reclaim failure: serialized view has no owner")
	}
	owner := v.owner
	owner.buf = v.data[:0]
	return owner
}

// mustReclaim is the §7 "unrecoverable; treated as a programming error" path
// spelled out explicitly for callers that want the panic message to name the
// offending message kind.
func mustReclaim(v serializedView, context string) *scratchBuffer {
	defer func() {
		if r := recover(); r != nil {
			panic(fmt.Sprintf("buffer reclaim failure during %s: %v", context, r))
		}
	}()
	return v.reclaim()
}
