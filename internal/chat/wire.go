package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"friendmap/internal/ids"
)

// Wire protocol for the chat WebSocket gateway, version 1.
const (
	WireVersion = 1

	TypeHello        = "hello"
	TypeHelloAck     = "hello.ack"
	TypeChatJoin     = "chat.join"
	TypeMessageSend  = "message.send"
	TypeMessageAck   = "message.ack"
	TypeMessageNew   = "message.new"
	TypeReadMark     = "read.mark"
	TypeHistoryFetch = "history.fetch"
	TypeHistoryChunk = "history.chunk"
	TypeError        = "error"
)

var allowedWireTypes = map[string]struct{}{
	TypeHello:        {},
	TypeHelloAck:     {},
	TypeChatJoin:     {},
	TypeMessageSend:  {},
	TypeMessageAck:   {},
	TypeMessageNew:   {},
	TypeReadMark:     {},
	TypeHistoryFetch: {},
	TypeHistoryChunk: {},
	TypeError:        {},
}

// Envelope is the framed unit exchanged over the gateway.
type Envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

// Validate checks version, type, and required fields.
func (e Envelope) Validate() error {
	if e.V != WireVersion {
		return fmt.Errorf("invalid protocol version: got=%d want=%d", e.V, WireVersion)
	}
	if e.Type == "" {
		return errors.New("missing type")
	}
	if _, ok := allowedWireTypes[e.Type]; !ok {
		return fmt.Errorf("unsupported type: %s", e.Type)
	}
	if e.ID == "" {
		return errors.New("missing id")
	}
	if e.TS.IsZero() {
		return errors.New("missing ts")
	}
	if e.Payload == nil {
		return errors.New("missing payload")
	}
	return nil
}

// HelloPayload declares the connecting user. Authentication is a boundary
// concern handled upstream; the gateway trusts the declared identity.
type HelloPayload struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name,omitempty"`
}

type HelloAckPayload struct {
	SessionID string `json:"session_id"`
}

type ChatJoinPayload struct {
	PlanID string `json:"plan_id"`
}

type MessageSendPayload struct {
	PlanID      string `json:"plan_id"`
	ClientMsgID string `json:"client_msg_id"`
	Text        string `json:"text"`
}

type MessageAckPayload struct {
	PlanID      string `json:"plan_id"`
	ClientMsgID string `json:"client_msg_id"`
	ServerMsgID string `json:"server_msg_id"`
	Seq         int64  `json:"seq"`
}

type MessageNewPayload struct {
	PlanID      string    `json:"plan_id"`
	ClientMsgID string    `json:"client_msg_id"`
	ServerMsgID string    `json:"server_msg_id"`
	Seq         int64     `json:"seq"`
	SenderID    string    `json:"sender_id"`
	SenderName  string    `json:"sender_name,omitempty"`
	Text        string    `json:"text"`
	SentAt      time.Time `json:"sent_at"`
}

type ReadMarkPayload struct {
	PlanID string `json:"plan_id"`
}

type HistoryFetchPayload struct {
	PlanID   string `json:"plan_id"`
	AfterSeq *int64 `json:"after_seq,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

type HistoryChunkPayload struct {
	PlanID   string              `json:"plan_id"`
	Messages []MessageNewPayload `json:"messages"`
	HasMore  bool                `json:"has_more"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// newEnvelope frames a payload with a fresh ULID envelope id.
func newEnvelope(typ string, payload any, ts time.Time) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	id, err := ids.NewULID(ts)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		V:       WireVersion,
		Type:    typ,
		ID:      id,
		TS:      ts,
		Payload: raw,
	}, nil
}

func messageNewPayload(m Message) MessageNewPayload {
	return MessageNewPayload{
		PlanID:      m.PlanID,
		ClientMsgID: m.ClientMsgID,
		ServerMsgID: m.ID,
		Seq:         m.Seq,
		SenderID:    m.SenderID,
		SenderName:  m.SenderName,
		Text:        m.Content,
		SentAt:      m.SentAt,
	}
}
