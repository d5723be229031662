package client

import "time"

// DataMessageKind distinguishes the two payload encodings a session may carry,
// matching the text/binary subprotocol negotiated at upgrade.
type DataMessageKind int

const (
	DataText DataMessageKind = iota
	DataBinary
)

// DataMessage is an inbound or outbound payload in its wire encoding. Text
// payloads are assumed UTF-8 valid already — the transport layer guarantees
// this on read, so the actor never re-validates it.
type DataMessage struct {
	Kind DataMessageKind
	Data []byte
}

// IdentityTokenMessage is the first server-originated message on every
// session, built before the actor is spawned and enqueued ahead of anything
// else so it is always the first thing the peer observes.
type IdentityTokenMessage struct {
	Identity     Identity
	Token        string
	ConnectionID ConnectionID
}

// InboundPayload is one frame that has been classified as application data
// and is waiting in the inbound queue, stamped with its arrival instant so a
// handler can account for queue time in its own latency accounting.
type InboundPayload struct {
	Message DataMessage
	Arrival time.Time
}

// CloseFrame mirrors the optional close code/reason a peer (or we) can send.
//
// spec.md §4.5 classifies inbound frames into Message/Ping/Pong/Close; this
// repository's transport (gorilla/websocket) only ever surfaces Message and
// Close to the actor's read arm — incoming pings are answered by the
// library's default handler and incoming pongs arrive via a callback (see
// internal/transport's package doc) rather than as a classified frame, so
// those two variants have no representation here. Message and Close are the
// two outcomes the select loop's Arm B actually dispatches on.
type CloseFrame struct {
	Code   CloseCode
	Reason string
}

// CloseCode is the subset of WebSocket close codes this actor ever sends.
type CloseCode int

const (
	CloseNormal CloseCode = 1000
	CloseAway   CloseCode = 1001
	CloseError  CloseCode = 1011
)
