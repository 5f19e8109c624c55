package intake

import (
	"joingate/module/admission"
	"joingate/tools/decode"
	"joingate/tools/errs"
)

type EventType string

const (
	EventJoin     EventType = "join_request"
	EventCallback EventType = "callback"
	EventMessage  EventType = "message"
)

// Envelope is the wire form of every inbound event:
//
//	{"id": "...", "type": "callback", "payload": {...}}
type Envelope struct {
	ID      string
	Type    EventType
	Payload map[string]any
}

type CallbackEvent struct {
	ActorID   int64  `json:"actor_id"`
	Data      string `json:"data"`
	ChatID    int64  `json:"chat_id"`
	MessageID int64  `json:"message_id"`
}

type MessageEvent struct {
	ChatID           int64  `json:"chat_id"`
	ActorID          int64  `json:"actor_id"`
	MessageID        int64  `json:"message_id"`
	ReplyToUserID    int64  `json:"reply_to_user_id"`
	ReplyToMessageID int64  `json:"reply_to_message_id"`
	Text             string `json:"text"`
	// Private marks a one-to-one chat with the bot.
	Private bool `json:"private"`
}

// DecodeEnvelope parses raw JSON. Numbers stay exact so 64-bit chat ids
// survive.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	m, err := decode.ReadMap(data)
	if err != nil {
		return nil, errs.ErrArgs.WrapMsg(err.Error())
	}
	typ, err := decode.ReadString(m, "type")
	if err != nil {
		return nil, errs.ErrArgs.WrapMsg(err.Error())
	}
	env := &Envelope{Type: EventType(typ)}
	if id, ok := m["id"].(string); ok {
		env.ID = id
	}
	payload, ok := m["payload"].(map[string]any)
	if !ok {
		return nil, errs.ErrArgs.WrapMsg("payload must be an object", "type", typ)
	}
	env.Payload = payload
	return env, nil
}

func decodePayload[T any](env *Envelope) (*T, error) {
	out, err := decode.DecodeMap[T](env.Payload)
	if err != nil {
		return nil, errs.ErrArgs.WrapMsg(err.Error(), "type", env.Type, "id", env.ID)
	}
	return out, nil
}

func (env *Envelope) joinRequest() (*admission.JoinRequest, error) {
	req, err := decodePayload[admission.JoinRequest](env)
	if err != nil {
		return nil, err
	}
	if req.ChatID == 0 || req.UserID == 0 {
		return nil, errs.ErrArgs.WrapMsg("join request needs chat_id and user_id", "id", env.ID)
	}
	if req.UserChatID == 0 {
		req.UserChatID = req.UserID
	}
	return req, nil
}
