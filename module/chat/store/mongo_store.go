package store

import (
	"context"
	"errors"
	"time"

	"UniRide/module/chat/model"
	"UniRide/tools/errs"
	"UniRide/tools/ids"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Mongo stores chats, messages and notifications in three collections.
// Message create and chat summary update are separate writes; a crash in
// between leaves a stale summary that the message collection can rebuild.
type Mongo struct {
	chats         *mongo.Collection
	messages      *mongo.Collection
	notifications *mongo.Collection
}

func NewMongo(db *mongo.Database) *Mongo {
	return &Mongo{
		chats:         db.Collection((&model.Chat{}).GetTableName()),
		messages:      db.Collection((&model.Message{}).GetTableName()),
		notifications: db.Collection((&model.Notification{}).GetTableName()),
	}
}

// EnsureIndexes creates the indexes the read paths rely on. Safe to call on
// every start.
func (s *Mongo) EnsureIndexes(ctx context.Context) error {
	if _, err := s.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "chat_id", Value: 1}, {Key: "created_at", Value: -1}},
	}); err != nil {
		return errs.WrapMsg(err, "create index", "collection", model.MsgTableName)
	}
	if _, err := s.notifications.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "recipient_id", Value: 1}, {Key: "created_at", Value: -1}},
	}); err != nil {
		return errs.WrapMsg(err, "create index", "collection", model.NotificationTableName)
	}
	if _, err := s.chats.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "members", Value: 1}},
	}); err != nil {
		return errs.WrapMsg(err, "create index", "collection", model.ChatTableName)
	}
	return nil
}

func (s *Mongo) SaveChat(ctx context.Context, c *model.Chat) error {
	if err := validateChat(c); err != nil {
		return err
	}
	now := time.Now().Truncate(time.Millisecond)
	members := c.Members
	if members == nil {
		members = []string{}
	}
	set := bson.M{"members": members, "updated_at": now}
	if c.RideID != "" {
		set["ride_id"] = c.RideID
	}
	created := c.CreatedAt
	if created.IsZero() {
		created = now
	}
	unread := c.Unread
	if unread == nil {
		unread = map[string]int64{}
	}
	// counters and summary belong to the send path; only a new document
	// takes them from c
	onInsert := bson.M{"unread": unread, "created_at": created}
	if c.LastMessage != nil {
		onInsert["last_message"] = c.LastMessage
	}
	_, err := s.chats.UpdateOne(ctx,
		bson.M{"_id": c.ID},
		bson.M{"$set": set, "$setOnInsert": onInsert},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return errs.ErrPersistence.WrapMsg(err.Error(), "op", "save chat", "chat", c.ID)
	}
	return nil
}

func (s *Mongo) GetChat(ctx context.Context, chatID string) (*model.Chat, error) {
	var c model.Chat
	err := s.chats.FindOne(ctx, bson.M{"_id": chatID}).Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errs.ErrRecordNotFound.WrapMsg("chat", "id", chatID)
	}
	if err != nil {
		return nil, errs.ErrPersistence.WrapMsg(err.Error(), "op", "get chat", "chat", chatID)
	}
	return &c, nil
}

func (s *Mongo) UpdateChatSummary(ctx context.Context, chatID string, last model.MessageRef, senderID string) error {
	var members struct {
		Members []string `bson:"members"`
	}
	err := s.chats.FindOne(ctx, bson.M{"_id": chatID},
		options.FindOne().SetProjection(bson.M{"members": 1})).Decode(&members)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return errs.ErrRecordNotFound.WrapMsg("chat", "id", chatID)
	}
	if err != nil {
		return errs.ErrPersistence.WrapMsg(err.Error(), "op", "load members", "chat", chatID)
	}

	inc := bson.M{}
	for _, m := range members.Members {
		if m != senderID && model.ValidMemberID(m) {
			inc["unread."+m] = 1
		}
	}
	update := bson.M{"$set": bson.M{"last_message": last, "updated_at": time.Now()}}
	if len(inc) > 0 {
		update["$inc"] = inc
	}
	if _, err := s.chats.UpdateOne(ctx, bson.M{"_id": chatID}, update); err != nil {
		return errs.ErrPersistence.WrapMsg(err.Error(), "op", "update summary", "chat", chatID)
	}
	return nil
}

func (s *Mongo) ClearUnread(ctx context.Context, chatID, userID string) error {
	if !model.ValidMemberID(userID) {
		return errs.ErrArgs.WrapMsg("invalid member id", "chat", chatID, "user", userID)
	}
	res, err := s.chats.UpdateOne(ctx,
		bson.M{"_id": chatID, "members": userID},
		bson.M{"$set": bson.M{"unread." + userID: 0}},
	)
	if err != nil {
		return errs.ErrPersistence.WrapMsg(err.Error(), "op", "clear unread", "chat", chatID)
	}
	if res.MatchedCount == 0 {
		if _, err := s.GetChat(ctx, chatID); err != nil {
			return err
		}
		return errs.ErrNoPermission.WrapMsg("not a chat member", "chat", chatID, "user", userID)
	}
	return nil
}

func (s *Mongo) CreateMessage(ctx context.Context, m *model.Message) error {
	if m == nil || m.ChatID == "" {
		return errs.ErrArgs.WrapMsg("message chat id required")
	}
	if m.ID == "" {
		m.ID = ids.GenerateString()
	}
	if m.CreatedAt.IsZero() {
		// mongo keeps milliseconds; truncate so the returned value matches a later read
		m.CreatedAt = time.Now().Truncate(time.Millisecond)
	}
	if _, err := s.messages.InsertOne(ctx, m); err != nil {
		return errs.ErrPersistence.WrapMsg(err.Error(), "op", "insert message", "chat", m.ChatID)
	}
	return nil
}

func (s *Mongo) ListMessages(ctx context.Context, chatID string, before time.Time, limit int) ([]*model.Message, error) {
	filter := bson.M{"chat_id": chatID}
	if !before.IsZero() {
		filter["created_at"] = bson.M{"$lt": before}
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(normLimit(limit)))
	cur, err := s.messages.Find(ctx, filter, opts)
	if err != nil {
		return nil, errs.ErrPersistence.WrapMsg(err.Error(), "op", "list messages", "chat", chatID)
	}
	var out []*model.Message
	if err := cur.All(ctx, &out); err != nil {
		return nil, errs.ErrPersistence.WrapMsg(err.Error(), "op", "decode messages", "chat", chatID)
	}
	return out, nil
}

func (s *Mongo) MarkMessagesRead(ctx context.Context, chatID, readerID string, msgIDs []string) ([]string, error) {
	if len(msgIDs) == 0 {
		return nil, nil
	}
	filter := bson.M{
		"_id":       bson.M{"$in": msgIDs},
		"chat_id":   chatID,
		"sender_id": bson.M{"$ne": readerID},
		"read":      false,
	}
	cur, err := s.messages.Find(ctx, filter, options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, errs.ErrPersistence.WrapMsg(err.Error(), "op", "find unread", "chat", chatID)
	}
	var rows []struct {
		ID string `bson:"_id"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, errs.ErrPersistence.WrapMsg(err.Error(), "op", "decode unread", "chat", chatID)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	changed := make([]string, 0, len(rows))
	for _, r := range rows {
		changed = append(changed, r.ID)
	}
	// read only moves false -> true, so a concurrent reader racing on the
	// same ids at worst reports an id twice
	if _, err := s.messages.UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": changed}},
		bson.M{"$set": bson.M{"read": true}},
	); err != nil {
		return nil, errs.ErrPersistence.WrapMsg(err.Error(), "op", "mark read", "chat", chatID)
	}
	return changed, nil
}

func (s *Mongo) CreateNotification(ctx context.Context, n *model.Notification) error {
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
		n.CreatedAt = time.Now().Truncate(time.Millisecond)
	}
	if _, err := s.notifications.InsertOne(ctx, n); err != nil {
		return errs.ErrPersistence.WrapMsg(err.Error(), "op", "insert notification", "recipient", n.RecipientID)
	}
	return nil
}

func (s *Mongo) ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]*model.Notification, error) {
	filter := bson.M{"recipient_id": userID}
	if unreadOnly {
		filter["read"] = false
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(int64(normLimit(limit)))
	cur, err := s.notifications.Find(ctx, filter, opts)
	if err != nil {
		return nil, errs.ErrPersistence.WrapMsg(err.Error(), "op", "list notifications", "user", userID)
	}
	var out []*model.Notification
	if err := cur.All(ctx, &out); err != nil {
		return nil, errs.ErrPersistence.WrapMsg(err.Error(), "op", "decode notifications", "user", userID)
	}
	return out, nil
}

func (s *Mongo) MarkNotificationRead(ctx context.Context, userID, id string) (*model.Notification, error) {
	now := time.Now().Truncate(time.Millisecond)
	// only the first read stamps read_at
	_, err := s.notifications.UpdateOne(ctx,
		bson.M{"_id": id, "recipient_id": userID, "read": false},
		bson.M{"$set": bson.M{"read": true, "read_at": now}},
	)
	if err != nil {
		return nil, errs.ErrPersistence.WrapMsg(err.Error(), "op", "mark notification read", "id", id)
	}
	var n model.Notification
	err = s.notifications.FindOne(ctx, bson.M{"_id": id, "recipient_id": userID}).Decode(&n)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errs.ErrRecordNotFound.WrapMsg("notification", "id", id)
	}
	if err != nil {
		return nil, errs.ErrPersistence.WrapMsg(err.Error(), "op", "load notification", "id", id)
	}
	return &n, nil
}
