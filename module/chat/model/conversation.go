package model

import (
	"slices"
	"strings"
	"time"
)

const ChatTableName = "chats"

// MessageRef is the last-message snapshot kept on a chat so chat lists render
// without reading the message collection.
type MessageRef struct {
	ID        string    `bson:"id" json:"id"`
	SenderID  string    `bson:"sender_id" json:"senderId"`
	Text      string    `bson:"text" json:"text"`
	HasImage  bool      `bson:"has_image,omitempty" json:"hasImage,omitempty"`
	CreatedAt time.Time `bson:"created_at" json:"createdAt"`
}

// Chat is a conversation thread, usually between the driver and riders of
// one ride or between two friends.
type Chat struct {
	ID          string           `bson:"_id" json:"id"`
	Members     []string         `bson:"members" json:"members"`
	RideID      string           `bson:"ride_id,omitempty" json:"rideId,omitempty"`
	LastMessage *MessageRef      `bson:"last_message,omitempty" json:"lastMessage,omitempty"`
	Unread      map[string]int64 `bson:"unread" json:"unreadCount"` // member -> unread messages
	CreatedAt   time.Time        `bson:"created_at" json:"createdAt"`
	UpdatedAt   time.Time        `bson:"updated_at" json:"updatedAt"`
}

// ValidMemberID reports whether id can key the unread map. Member ids are
// stored as document field names, so dots and a leading $ are refused.
func ValidMemberID(id string) bool {
	return id != "" && !strings.HasPrefix(id, "$") && !strings.Contains(id, ".")
}

func (c *Chat) GetTableName() string {
	return ChatTableName
}

func (c *Chat) IsMember(userID string) bool {
	return slices.Contains(c.Members, userID)
}

func (c *Chat) UnreadFor(userID string) int64 {
	if c.Unread == nil {
		return 0
	}
	return c.Unread[userID]
}
