package natsx

import (
	"context"
	"encoding/json"
	"time"

	"UniRide/logger"

	"go.uber.org/zap"
)

const BizPresence = "presence.changed"

type PresenceEvent struct {
	UserID string `json:"userId"`
	NodeID string `json:"nodeId"`
	Online bool   `json:"online"`
	At     int64  `json:"at"` // unix ms
}

// PresencePublisher announces users coming online or going offline on this
// node. Heartbeats are not published.
type PresencePublisher struct {
	c      *NatsxClient
	nodeID string
	now    func() time.Time
	log    *zap.Logger
}

func NewPresencePublisher(c *NatsxClient, subject, nodeID string, log *zap.Logger) (*PresencePublisher, error) {
	if err := c.RegisterRoute(NatsxRoute{Biz: BizPresence, Subject: subject}); err != nil {
		return nil, err
	}
	return &PresencePublisher{c: c, nodeID: nodeID, now: time.Now, log: logger.Or(log).Named("presence-pub")}, nil
}

func (p *PresencePublisher) UserOnline(userID string)  { p.publish(userID, true) }
func (p *PresencePublisher) UserOffline(userID string) { p.publish(userID, false) }
func (p *PresencePublisher) Heartbeat(string)          {}

func (p *PresencePublisher) publish(userID string, online bool) {
	ev := PresenceEvent{UserID: userID, NodeID: p.nodeID, Online: online, At: p.now().UnixMilli()}
	data, err := json.Marshal(ev)
	if err != nil {
		p.log.Warn("encode presence event", zap.Error(err))
		return
	}
	if err := p.c.Publish(context.Background(), BizPresence, data, map[string]string{"User-Id": userID}); err != nil {
		p.log.Warn("publish presence event", zap.String("user", userID), zap.Bool("online", online), zap.Error(err))
	}
}
