package model

import "time"

const MsgTableName = "messages"

// Message is immutable once stored except for Read, which only moves from
// false to true.
type Message struct {
	ID         string    `bson:"_id" json:"id"`
	ChatID     string    `bson:"chat_id" json:"chatId"`
	SenderID   string    `bson:"sender_id" json:"senderId"`
	SenderName string    `bson:"sender_name,omitempty" json:"senderName,omitempty"`
	Text       string    `bson:"text" json:"text"`
	Image      string    `bson:"image,omitempty" json:"image,omitempty"`
	ReplyTo    string    `bson:"reply_to,omitempty" json:"replyTo,omitempty"`
	Read       bool      `bson:"read" json:"read"`
	ClientRef  string    `bson:"client_ref,omitempty" json:"clientRef,omitempty"` // sender's correlation id
	CreatedAt  time.Time `bson:"created_at" json:"createdAt"`
}

func (m *Message) GetTableName() string {
	return MsgTableName
}

// Ref snapshots m for LastMessage.
func (m *Message) Ref() MessageRef {
	return MessageRef{
		ID:        m.ID,
		SenderID:  m.SenderID,
		Text:      m.Text,
		HasImage:  m.Image != "",
		CreatedAt: m.CreatedAt,
	}
}
