package model

import "time"

const NotificationTableName = "notifications"

type NotificationType string

const (
	NotifyRide   NotificationType = "ride"
	NotifyFriend NotificationType = "friend"
	NotifySOS    NotificationType = "sos"
	NotifySystem NotificationType = "system"
)

func (t NotificationType) Valid() bool {
	switch t {
	case NotifyRide, NotifyFriend, NotifySOS, NotifySystem:
		return true
	}
	return false
}

// Notification is written by producers (ride matching, friend requests, SOS)
// and pushed live when the recipient is connected. Live delivery is not
// recorded; Read is the only state the gateway changes.
type Notification struct {
	ID          string           `bson:"_id" json:"id"`
	RecipientID string           `bson:"recipient_id" json:"recipientId"`
	Type        NotificationType `bson:"type" json:"type"`
	Title       string           `bson:"title,omitempty" json:"title,omitempty"`
	Body        string           `bson:"body,omitempty" json:"body,omitempty"`
	Data        map[string]any   `bson:"data,omitempty" json:"data,omitempty"`
	Read        bool             `bson:"read" json:"read"`
	ReadAt      *time.Time       `bson:"read_at,omitempty" json:"readAt,omitempty"`
	CreatedAt   time.Time        `bson:"created_at" json:"createdAt"`
}

func (n *Notification) GetTableName() string {
	return NotificationTableName
}
