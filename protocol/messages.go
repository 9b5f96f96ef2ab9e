package protocol

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Message type tags, shared between client and server envelopes.
const (
	TypeHello    = "hello"
	TypeOp       = "op"
	TypeHelloAck = "hello_ack"
	TypeResync   = "resync"
	TypeOpEcho   = "op_echo"
)

// ClientHello is the first message a connection must send.
type ClientHello struct {
	DocID             string `json:"doc_id"`
	ClientID          string `json:"client_id"`
	LastSeenServerSeq uint64 `json:"last_seen_server_seq,omitempty"`
}

// ClientOp carries one CRDT operation from a client.
type ClientOp struct {
	DocID       string `json:"doc_id"`
	ClientID    string `json:"client_id"`
	ClientMsgID string `json:"client_msg_id"`
	Op          Op     `json:"op"`
}

// ServerHelloAck answers a ClientHello with the document's current sequence.
type ServerHelloAck struct {
	DocID     string `json:"doc_id"`
	ServerSeq uint64 `json:"server_seq"`
}

// ServerResync carries the full materialized text for a document.
type ServerResync struct {
	DocID     string `json:"doc_id"`
	ServerSeq uint64 `json:"server_seq"`
	FullText  string `json:"full_text"`
}

// ServerOpEcho fans an integrated op back out to room members, including the
// originator, which is how the originator learns its assigned ServerSeq.
type ServerOpEcho struct {
	DocID          string `json:"doc_id"`
	ServerSeq      uint64 `json:"server_seq"`
	OriginClientID string `json:"origin_client_id"`
	ClientMsgID    string `json:"client_msg_id"`
	Op             Op     `json:"op"`
}

// ParseError reports a protocol/parse violation detected while decoding a
// client message. Connection handlers map it to WebSocket close code 1002.
type ParseError struct {
	cause error
}

func (e *ParseError) Error() string { return "protocol parse error: " + e.cause.Error() }
func (e *ParseError) Unwrap() error { return e.cause }

func newParseError(cause error) *ParseError { return &ParseError{cause: cause} }

// ClientMessage is the decoded result of ParseClientMessage: exactly one of
// Hello or Op is non-nil.
type ClientMessage struct {
	Hello *ClientHello
	Op    *ClientOp
}

type envelope struct {
	Type string `json:"type"`
}

// ParseClientMessage decodes one line-delimited JSON frame into a
// ClientMessage. Any malformed input, including an unrecognized type tag, is
// reported as a *ParseError.
func ParseClientMessage(raw []byte) (ClientMessage, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return ClientMessage{}, newParseError(errors.Wrap(err, "invalid json"))
	}
	switch env.Type {
	case TypeHello:
		var h ClientHello
		if err := json.Unmarshal(raw, &h); err != nil {
			return ClientMessage{}, newParseError(errors.Wrap(err, "invalid hello"))
		}
		if h.DocID == "" {
			return ClientMessage{}, newParseError(errors.New("hello: doc_id must be non-empty"))
		}
		if h.ClientID == "" {
			return ClientMessage{}, newParseError(errors.New("hello: client_id must be non-empty"))
		}
		return ClientMessage{Hello: &h}, nil
	case TypeOp:
		var o ClientOp
		if err := json.Unmarshal(raw, &o); err != nil {
			return ClientMessage{}, newParseError(errors.Wrap(err, "invalid op"))
		}
		if o.DocID == "" {
			return ClientMessage{}, newParseError(errors.New("op: doc_id must be non-empty"))
		}
		if o.ClientID == "" {
			return ClientMessage{}, newParseError(errors.New("op: client_id must be non-empty"))
		}
		if o.ClientMsgID == "" {
			return ClientMessage{}, newParseError(errors.New("op: client_msg_id must be non-empty"))
		}
		if o.Op.Insert == nil && o.Op.Delete == nil {
			return ClientMessage{}, newParseError(errors.New("op: missing op payload"))
		}
		return ClientMessage{Op: &o}, nil
	default:
		return ClientMessage{}, newParseError(errors.Errorf("unknown message type %q", env.Type))
	}
}

func (m ServerHelloAck) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type      string `json:"type"`
		DocID     string `json:"doc_id"`
		ServerSeq uint64 `json:"server_seq"`
	}{TypeHelloAck, m.DocID, m.ServerSeq})
}

func (m ServerResync) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type      string `json:"type"`
		DocID     string `json:"doc_id"`
		ServerSeq uint64 `json:"server_seq"`
		FullText  string `json:"full_text"`
	}{TypeResync, m.DocID, m.ServerSeq, m.FullText})
}

func (m ServerOpEcho) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type           string `json:"type"`
		DocID          string `json:"doc_id"`
		ServerSeq      uint64 `json:"server_seq"`
		OriginClientID string `json:"origin_client_id"`
		ClientMsgID    string `json:"client_msg_id"`
		Op             Op     `json:"op"`
	}{TypeOpEcho, m.DocID, m.ServerSeq, m.OriginClientID, m.ClientMsgID, m.Op})
}

// EncodeServerMessage marshals any of the three server→client envelope types
// into a single JSON frame carrying its type tag.
func EncodeServerMessage(msg interface{}) ([]byte, error) {
	switch msg.(type) {
	case ServerHelloAck, ServerResync, ServerOpEcho:
		return json.Marshal(msg)
	default:
		return nil, errors.Errorf("encode: unsupported message type %T", msg)
	}
}
