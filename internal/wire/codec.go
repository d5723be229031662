// Package wire is the concrete serialization format the session actor
// consumes through its Serializer and ErrorCodec seams. spec.md §1 keeps the
// wire format itself out of the actor's scope; this package is one concrete
// choice for it, grounded on the teacher's JSON envelope
// ({type, ts, data}) used for its own WS broadcasts in state_ws.go, extended
// with a binary (gob) encoding for the negotiated binary subprotocol.
package wire

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"time"

	"github.com/Codinablack/SpacetimeDB/internal/client"
)

// Envelope is the wire shape every outbound message is wrapped in, directly
// modeled on the teacher's envelope{Type, Ts, Data}.
type Envelope struct {
	Type string      `json:"type"`
	Ts   time.Time   `json:"ts"`
	Data interface{} `json:"data,omitempty"`
}

// Envelope type tags, one per spec.md §5/§6 outbound message kind.
const (
	TypeIdentityToken       = "identity_token"
	TypeSubscriptionUpdate  = "subscription_update"
	TypeTransactionUpdate   = "transaction_update"
	TypeOneOffQueryResponse = "one_off_query_response"
	TypeError               = "error"
)

// Encode serializes an envelope according to the session's negotiated
// protocol: JSON text for ProtocolText, gob binary for ProtocolBinary. dst's
// backing array is reused where possible, mirroring the scratch-buffer reuse
// the actor expects of every Serializer.
func Encode(dst []byte, cfg client.ClientConfig, typ string, data interface{}) ([]byte, client.DataMessageKind) {
	env := Envelope{Type: typ, Ts: time.Now().UTC(), Data: data}

	if cfg.Protocol == client.ProtocolText {
		b, err := json.Marshal(env)
		if err != nil {
			b = []byte(`{"type":"error","data":"encode failure"}`)
		}
		return append(dst, b...), client.DataText
	}

	buf := bytes.NewBuffer(dst)
	if err := gob.NewEncoder(buf).Encode(env); err != nil {
		buf.Reset()
		_ = gob.NewEncoder(buf).Encode(Envelope{Type: TypeError, Data: "encode failure"})
	}
	return buf.Bytes(), client.DataBinary
}

// IdentityTokenSerializer builds the Serializer for the one fixed
// IdentityTokenMessage every session sends first.
func IdentityTokenSerializer(msg client.IdentityTokenMessage) client.Serializer {
	data := identityTokenData{
		Identity:     msg.Identity.String(),
		Token:        msg.Token,
		ConnectionID: msg.ConnectionID.String(),
	}
	return func(dst []byte, cfg client.ClientConfig) ([]byte, client.DataMessageKind) {
		return Encode(dst, cfg, TypeIdentityToken, data)
	}
}

type identityTokenData struct {
	Identity     string `json:"identity"`
	Token        string `json:"token"`
	ConnectionID string `json:"connection_id"`
}

// gob only encodes a concrete type held in Envelope.Data once it is
// registered; without this the binary identity token would fall back to an
// "encode failure" error envelope.
func init() {
	gob.Register(identityTokenData{})
}

// ErrorCodec is the concrete client.ErrorCodec: a handler's
// *hostapi.ExecutionError payload, serialized straight back as an "error"
// envelope.
func ErrorCodec(payload any, dst []byte, cfg client.ClientConfig) ([]byte, client.DataMessageKind) {
	return Encode(dst, cfg, TypeError, payload)
}
