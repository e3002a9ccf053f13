package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"UniRide/module/chat/model"
	"UniRide/tools/errs"
	"UniRide/tools/ids"
)

// Memory is an in-process Store. It backs unit tests and single node dev
// runs without Mongo. Values are copied in and out so callers never share
// state with the store.
type Memory struct {
	mu            sync.RWMutex
	chats         map[string]*model.Chat
	messages      map[string]*model.Message
	byChat        map[string][]string // chat -> message ids in insert order
	notifications map[string]*model.Notification
	now           func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		chats:         make(map[string]*model.Chat),
		messages:      make(map[string]*model.Message),
		byChat:        make(map[string][]string),
		notifications: make(map[string]*model.Notification),
		now:           time.Now,
	}
}

func (s *Memory) SaveChat(_ context.Context, c *model.Chat) error {
	if err := validateChat(c); err != nil {
		return err
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.chats[c.ID]; ok {
		cur.Members = slices.Clone(c.Members)
		if c.RideID != "" {
			cur.RideID = c.RideID
		}
		cur.UpdatedAt = now
		return nil
	}
	cp := copyChat(c)
	if cp.Unread == nil {
		cp.Unread = make(map[string]int64)
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.chats[cp.ID] = cp
	return nil
}

func (s *Memory) GetChat(_ context.Context, chatID string) (*model.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chats[chatID]
	if !ok {
		return nil, errs.ErrRecordNotFound.WrapMsg("chat", "id", chatID)
	}
	return copyChat(c), nil
}

func (s *Memory) UpdateChatSummary(_ context.Context, chatID string, last model.MessageRef, senderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok {
		return errs.ErrRecordNotFound.WrapMsg("chat", "id", chatID)
	}
	ref := last
	c.LastMessage = &ref
	if c.Unread == nil {
		c.Unread = make(map[string]int64)
	}
	for _, m := range c.Members {
		if m != senderID {
			c.Unread[m]++
		}
	}
	c.UpdatedAt = s.now()
	return nil
}

func (s *Memory) ClearUnread(_ context.Context, chatID, userID string) error {
	if !model.ValidMemberID(userID) {
		return errs.ErrArgs.WrapMsg("invalid member id", "chat", chatID, "user", userID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok {
		return errs.ErrRecordNotFound.WrapMsg("chat", "id", chatID)
	}
	if !c.IsMember(userID) {
		return errs.ErrNoPermission.WrapMsg("not a chat member", "chat", chatID, "user", userID)
	}
	c.Unread[userID] = 0
	return nil
}

func (s *Memory) CreateMessage(_ context.Context, m *model.Message) error {
	if m == nil || m.ChatID == "" {
		return errs.ErrArgs.WrapMsg("message chat id required")
	}
	if m.ID == "" {
		m.ID = ids.GenerateString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	cp := *m

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.messages[cp.ID]; dup {
		return errs.ErrArgs.WrapMsg("duplicate message id", "id", cp.ID)
	}
	s.messages[cp.ID] = &cp
	s.byChat[cp.ChatID] = append(s.byChat[cp.ChatID], cp.ID)
	return nil
}

func (s *Memory) ListMessages(_ context.Context, chatID string, before time.Time, limit int) ([]*model.Message, error) {
	limit = normLimit(limit)
	s.mu.RLock()
	defer s.mu.RUnlock()

	idsInChat := s.byChat[chatID]
	out := make([]*model.Message, 0, limit)
	for i := len(idsInChat) - 1; i >= 0 && len(out) < limit; i-- {
		m := s.messages[idsInChat[i]]
		if !before.IsZero() && !m.CreatedAt.Before(before) {
			continue
		}
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Memory) MarkMessagesRead(_ context.Context, chatID, readerID string, msgIDs []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var changed []string
	for _, id := range msgIDs {
		m, ok := s.messages[id]
		if !ok || m.ChatID != chatID || m.SenderID == readerID || m.Read {
			continue
		}
		m.Read = true
		changed = append(changed, id)
	}
	return changed, nil
}

func (s *Memory) CreateNotification(_ context.Context, n *model.Notification) error {
	if n == nil || n.RecipientID == "" {
		return errs.ErrArgs.WrapMsg("notification recipient required")
	}
	if !n.Type.Valid() {
		return errs.ErrArgs.WrapMsg("notification type", "type", n.Type)
	}
	if n.ID == "" {
		n.ID = ids.GenerateString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now()
	}
	cp := *n

	s.mu.Lock()
	s.notifications[cp.ID] = &cp
	s.mu.Unlock()
	return nil
}

func (s *Memory) ListNotifications(_ context.Context, userID string, unreadOnly bool, limit int) ([]*model.Notification, error) {
	limit = normLimit(limit)
	s.mu.RLock()
	var out []*model.Notification
	for _, n := range s.notifications {
		if n.RecipientID != userID || (unreadOnly && n.Read) {
			continue
		}
		cp := *n
		out = append(out, &cp)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Memory) MarkNotificationRead(_ context.Context, userID, id string) (*model.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok || n.RecipientID != userID {
		return nil, errs.ErrRecordNotFound.WrapMsg("notification", "id", id)
	}
	if !n.Read {
		now := s.now()
		n.Read = true
		n.ReadAt = &now
	}
	cp := *n
	return &cp, nil
}

func copyChat(c *model.Chat) *model.Chat {
	cp := *c
	cp.Members = slices.Clone(c.Members)
	if c.Unread != nil {
		cp.Unread = make(map[string]int64, len(c.Unread))
		for k, v := range c.Unread {
			cp.Unread[k] = v
		}
	}
	if c.LastMessage != nil {
		ref := *c.LastMessage
		cp.LastMessage = &ref
	}
	return &cp
}
