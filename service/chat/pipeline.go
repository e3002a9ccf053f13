package chat

import (
	"context"
	"errors"
	"strings"

	"UniRide/logger"
	"UniRide/module/chat/model"
	"UniRide/module/chat/store"
	"UniRide/service/chat/frame"
	"UniRide/tools/errs"

	"go.uber.org/zap"
)

const maxTextLen = 4000

// MessageStore is the part of the persistence gateway the pipeline needs.
type MessageStore interface {
	store.ChatRepo
	store.MessageRepo
}

// MessageEvents receives every persisted message, e.g. for a downstream
// event stream. Publish must not block.
type MessageEvents interface {
	Publish(m *model.Message)
}

type SendRequest struct {
	ChatID  string
	Text    string
	Image   string
	ReplyTo string
	Ref     string // sender's correlation id, echoed in the ack
}

// Pipeline persists a message, updates the chat summary, fans the message
// out and acknowledges the sender. Sends into one chat are serialized from
// persistence through fanout hand-off, so observers see persist order.
type Pipeline struct {
	store  MessageStore
	dir    Directory
	rooms  Rooms
	fanout *Fanout
	events MessageEvents
	locks  *keyLock
	log    *zap.Logger
}

func NewPipeline(st MessageStore, dir Directory, rooms Rooms, fanout *Fanout, events MessageEvents, log *zap.Logger) *Pipeline {
	return &Pipeline{
		store:  st,
		dir:    dir,
		rooms:  rooms,
		fanout: fanout,
		events: events,
		locks:  newKeyLock(),
		log:    logger.Or(log).Named("pipeline"),
	}
}

// Send runs the pipeline for a websocket sender and always answers the
// origin connection with a messageAck carrying req.Ref.
func (p *Pipeline) Send(ctx context.Context, sender *Conn, req SendRequest) (*model.Message, error) {
	var (
		m   *model.Message
		err error
	)
	if !sender.Authenticated() {
		err = errs.ErrUnauthenticated.WrapMsg("send message", "chat", req.ChatID)
	} else {
		m, err = p.deliver(ctx, sender, sender.UserID(), sender.UserName(), req)
	}

	ack := frame.MessageAckPayload{Ref: req.Ref, OK: err == nil, Message: m}
	if err != nil {
		ack.Error = errs.FromError(err)
	}
	sender.Enqueue(frame.MustEncode(frame.EvMessageAck, req.Ref, ack))
	return m, err
}

// SendAs runs the pipeline for a sender without a live connection, such as
// the REST fallback. Every connection of senderID receives the message.
func (p *Pipeline) SendAs(ctx context.Context, senderID, senderName string, req SendRequest) (*model.Message, error) {
	if senderID == "" {
		return nil, errs.ErrUnauthenticated.WrapMsg("send message", "chat", req.ChatID)
	}
	return p.deliver(ctx, nil, senderID, senderName, req)
}

func (p *Pipeline) deliver(ctx context.Context, origin *Conn, senderID, senderName string, req SendRequest) (*model.Message, error) {
	req.Text = strings.TrimSpace(req.Text)
	if req.ChatID == "" {
		return nil, errs.ErrArgs.WrapMsg("chatId is required")
	}
	if req.Text == "" && req.Image == "" {
		return nil, errs.ErrArgs.WrapMsg("text or image is required", "chat", req.ChatID)
	}
	if len(req.Text) > maxTextLen {
		return nil, errs.ErrArgs.WrapMsg("text too long", "len", len(req.Text))
	}

	chat, err := p.store.GetChat(ctx, req.ChatID)
	if err != nil {
		return nil, err
	}
	if !chat.IsMember(senderID) {
		return nil, errs.ErrNoPermission.WrapMsg("not a chat member", "chat", req.ChatID, "user", senderID)
	}

	unlock := p.locks.Lock(req.ChatID)
	defer unlock()

	m := &model.Message{
		ChatID:     req.ChatID,
		SenderID:   senderID,
		SenderName: senderName,
		Text:       req.Text,
		Image:      req.Image,
		ReplyTo:    req.ReplyTo,
		ClientRef:  req.Ref,
	}
	if err := p.store.CreateMessage(ctx, m); err != nil {
		p.log.Warn("persist message failed", zap.String("chat", req.ChatID), zap.String("user", senderID), zap.Error(err))
		if !errors.Is(err, errs.ErrPersistence) {
			err = errs.ErrPersistence.WrapMsg(err.Error(), "chat", req.ChatID)
		}
		return nil, err
	}

	// the message is durable; a failed summary write only leaves the chat
	// list stale until the next message
	if err := p.store.UpdateChatSummary(ctx, req.ChatID, m.Ref(), senderID); err != nil {
		p.log.Warn("update chat summary failed", zap.String("chat", req.ChatID), zap.String("msg", m.ID), zap.Error(err))
	}

	payload := frame.MustEncode(frame.EvNewMessage, "", frame.NewMessagePayload{ChatID: m.ChatID, Message: m})
	p.fanout.Deliver("chat:"+m.ChatID, payload, p.targets(chat, origin))

	if p.events != nil {
		p.events.Publish(m)
	}
	return m, nil
}

// targets is every connection in the room plus every connection of a chat
// member who has no connection in the room, minus origin.
func (p *Pipeline) targets(chat *model.Chat, origin *Conn) []*Conn {
	seen := make(map[*Conn]struct{})
	inRoom := make(map[string]bool)
	var out []*Conn

	for _, c := range p.rooms.MembersOf(chat.ID) {
		inRoom[c.UserID()] = true
		if c == origin {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	for _, member := range chat.Members {
		if inRoom[member] {
			continue
		}
		for _, c := range p.dir.ConnectionsFor(member) {
			if c == origin {
				continue
			}
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}
			out = append(out, c)
		}
	}
	return out
}
