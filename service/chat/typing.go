package chat

import (
	"UniRide/service/chat/frame"
	"UniRide/tools/errs"
)

// Typing relays start/stop typing to the other connections in a room.
// Nothing is stored and nothing expires here; clients drop a stale
// indicator after their own timeout.
type Typing struct {
	rooms *RoomIndex
}

func NewTyping(rooms *RoomIndex) *Typing {
	return &Typing{rooms: rooms}
}

func (t *Typing) Start(c *Conn, chatID string) error {
	return t.broadcast(c, chatID, frame.EvUserTyping)
}

func (t *Typing) Stop(c *Conn, chatID string) error {
	return t.broadcast(c, chatID, frame.EvUserStoppedTyping)
}

func (t *Typing) broadcast(c *Conn, chatID string, ev frame.Event) error {
	if !t.rooms.InRoom(c, chatID) {
		return errs.ErrNoPermission.WrapMsg("typing outside the room", "chat", chatID)
	}
	payload := frame.MustEncode(ev, "", frame.TypingPayload{
		ChatID:   chatID,
		UserID:   c.UserID(),
		UserName: c.UserName(),
	})
	for _, m := range t.rooms.MembersOf(chatID) {
		if m != c {
			m.Enqueue(payload)
		}
	}
	return nil
}
