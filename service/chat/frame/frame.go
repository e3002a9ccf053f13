// Package frame is the JSON wire format spoken over /ws. Every text frame is
// an Envelope whose Data is decoded according to Event.
package frame

import (
	"encoding/json"

	"UniRide/module/chat/model"
	"UniRide/tools/errs"
)

type Event string

// client -> server
const (
	EvAuthenticate      Event = "authenticate"
	EvJoinRoom          Event = "joinRoom"
	EvLeaveRoom         Event = "leaveRoom"
	EvSendMessage       Event = "sendMessage"
	EvStartTyping       Event = "startTyping"
	EvStopTyping        Event = "stopTyping"
	EvMarkRead          Event = "markRead"
	EvSOSLocationUpdate Event = "sosLocationUpdate"
	EvSOSStopSharing    Event = "sosStopSharing"
)

// server -> client
const (
	EvNewMessage        Event = "newMessage"
	EvMessageAck        Event = "messageAck"
	EvUserTyping        Event = "userTyping"
	EvUserStoppedTyping Event = "userStoppedTyping"
	EvNewNotification   Event = "newNotification"
	EvMessagesRead      Event = "messagesRead"
	EvSOSStoppedSharing Event = "sosStoppedSharing"
	EvAuthenticated     Event = "authenticated"
	EvError             Event = "error"
)

type Envelope struct {
	Event Event           `json:"event"`
	Ref   string          `json:"ref,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type AuthenticatePayload struct {
	Token string `json:"token"`
}

type RoomPayload struct {
	ChatID string `json:"chatId"`
}

type SendMessagePayload struct {
	ChatID  string `json:"chatId"`
	Text    string `json:"text"`
	Image   string `json:"image,omitempty"`
	ReplyTo string `json:"replyTo,omitempty"`
}

type MarkReadPayload struct {
	ChatID     string   `json:"chatId"`
	MessageIDs []string `json:"messageIds"`
}

type SOSLocationPayload struct {
	RecipientIDs []string `json:"recipientIds"`
	Lat          float64  `json:"lat"`
	Lng          float64  `json:"lng"`
	Timestamp    int64    `json:"timestamp"`
}

type SOSStopPayload struct {
	RecipientIDs []string `json:"recipientIds"`
}

type AuthenticatedPayload struct {
	UserID string `json:"userId"`
	ConnID string `json:"connId"`
}

type NewMessagePayload struct {
	ChatID  string         `json:"chatId"`
	Message *model.Message `json:"message"`
}

type MessageAckPayload struct {
	Ref     string          `json:"ref"`
	OK      bool            `json:"ok"`
	Message *model.Message  `json:"message,omitempty"`
	Error   *errs.CodeError `json:"error,omitempty"`
}

type TypingPayload struct {
	ChatID   string `json:"chatId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

type MessagesReadPayload struct {
	ChatID     string   `json:"chatId"`
	MessageIDs []string `json:"messageIds"`
	ReaderID   string   `json:"readerId"`
}

type SOSRelayPayload struct {
	SenderID  string  `json:"senderId"`
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Timestamp int64   `json:"timestamp"`
}

type SOSStoppedPayload struct {
	SenderID  string `json:"senderId"`
	Timestamp int64  `json:"timestamp"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// Encode marshals a server event into a ready-to-write text frame.
func Encode(ev Event, ref string, data any) ([]byte, error) {
	env := Envelope{Event: ev, Ref: ref}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, errs.WrapMsg(err, "encode frame data", "event", ev)
		}
		env.Data = raw
	}
	b, err := json.Marshal(env)
	if err != nil {
		return nil, errs.WrapMsg(err, "encode frame", "event", ev)
	}
	return b, nil
}

// MustEncode is Encode for payloads that cannot fail to marshal.
func MustEncode(ev Event, ref string, data any) []byte {
	b, err := Encode(ev, ref, data)
	if err != nil {
		panic(err)
	}
	return b
}

// Parse reads an inbound frame. Malformed JSON or a missing event name is
// reported as errs.ErrBadFrame.
func Parse(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errs.ErrBadFrame.WrapMsg(err.Error())
	}
	if env.Event == "" {
		return nil, errs.ErrBadFrame.WrapMsg("missing event")
	}
	return &env, nil
}

// Decode unmarshals the envelope data into T.
func Decode[T any](env *Envelope) (*T, error) {
	var v T
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return &v, nil
	}
	if err := json.Unmarshal(env.Data, &v); err != nil {
		return nil, errs.ErrBadFrame.WrapMsg(err.Error(), "event", env.Event)
	}
	return &v, nil
}

// ErrorFrame renders err as an error event correlated with ref.
func ErrorFrame(ref string, err error) []byte {
	ce := errs.FromError(err)
	return MustEncode(EvError, ref, ErrorPayload{Code: ce.Reason(), Message: ce.Msg, Detail: ce.Detail})
}
