package chat

import (
	"time"

	"UniRide/service/chat/frame"
	"UniRide/tools/errs"
)

const maxSOSRecipients = 32

// SOSRelay forwards live location shares straight to the chosen contacts'
// connections. Positions are never persisted.
type SOSRelay struct {
	dir Directory
}

func NewSOSRelay(dir Directory) *SOSRelay {
	return &SOSRelay{dir: dir}
}

func (s *SOSRelay) Update(c *Conn, p *frame.SOSLocationPayload) (int, error) {
	ts := p.Timestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	payload := frame.MustEncode(frame.EvSOSLocationUpdate, "", frame.SOSRelayPayload{
		SenderID:  c.UserID(),
		Lat:       p.Lat,
		Lng:       p.Lng,
		Timestamp: ts,
	})
	return s.relay(c, p.RecipientIDs, payload)
}

func (s *SOSRelay) Stop(c *Conn, p *frame.SOSStopPayload) (int, error) {
	payload := frame.MustEncode(frame.EvSOSStoppedSharing, "", frame.SOSStoppedPayload{
		SenderID:  c.UserID(),
		Timestamp: time.Now().UnixMilli(),
	})
	return s.relay(c, p.RecipientIDs, payload)
}

// relay returns how many connections accepted the frame.
func (s *SOSRelay) relay(c *Conn, recipients []string, payload []byte) (int, error) {
	if len(recipients) == 0 {
		return 0, errs.ErrArgs.WrapMsg("recipientIds is required")
	}
	if len(recipients) > maxSOSRecipients {
		return 0, errs.ErrArgs.WrapMsg("too many recipients", "count", len(recipients))
	}
	sender := c.UserID()
	seen := make(map[string]struct{}, len(recipients))
	n := 0
	for _, user := range recipients {
		if user == "" || user == sender {
			continue
		}
		if _, dup := seen[user]; dup {
			continue
		}
		seen[user] = struct{}{}
		for _, rc := range s.dir.ConnectionsFor(user) {
			if rc.Enqueue(payload) {
				n++
			}
		}
	}
	return n, nil
}
