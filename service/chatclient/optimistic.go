package chatclient

import (
	"context"
	"time"

	"UniRide/module/chat/model"
	"UniRide/service/chat/frame"
	"UniRide/tools/errs"
)

// SendStatus is how a timeline entry stands with the server.
type SendStatus int

const (
	StatusSent    SendStatus = iota // stored by the server
	StatusPending                   // optimistic, waiting for the ack
	StatusFailed                    // rejected or never acked; see Retry
)

func (s SendStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusFailed:
		return "failed"
	default:
		return "sent"
	}
}

// Entry is one timeline line as a UI renders it. Err is set for failed
// sends.
type Entry struct {
	model.Message
	Status SendStatus
	Err    error
}

// SendMessage shows the message in the local timeline immediately, sends it
// and waits for the server's ack. On success the optimistic entry is
// replaced by the stored message; on failure it stays in the timeline marked
// failed until Retry or Discard.
func (c *Client) SendMessage(ctx context.Context, chatID, text string) (*model.Message, error) {
	return c.send(ctx, frame.SendMessagePayload{ChatID: chatID, Text: text}, "")
}

func (c *Client) SendImage(ctx context.Context, chatID, imageURL, caption string) (*model.Message, error) {
	return c.send(ctx, frame.SendMessagePayload{ChatID: chatID, Text: caption, Image: imageURL}, "")
}

// Retry resubmits the content of the failed send ref under a fresh ref. The
// failed entry is replaced by a new pending one.
func (c *Client) Retry(ctx context.Context, ref string) (*model.Message, error) {
	c.mu.Lock()
	f, ok := c.failed[ref]
	c.mu.Unlock()
	if !ok {
		return nil, errs.ErrRecordNotFound.WrapMsg("no failed send", "ref", ref)
	}
	return c.send(ctx, f.payload, ref)
}

// Discard drops the failed send ref from the timeline.
func (c *Client) Discard(ref string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.failed[ref]
	if !ok {
		return false
	}
	delete(c.failed, ref)
	c.dropOptimisticLocked(f.payload.ChatID, ref)
	return true
}

// send adds an optimistic entry and waits for its ack. A non-empty replaces
// names the failed entry this send takes over.
func (c *Client) send(ctx context.Context, p frame.SendMessagePayload, replaces string) (*model.Message, error) {
	ref := newRef()
	ps := &pendingSend{payload: p, done: make(chan ackResult, 1)}

	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	if replaces != "" {
		if _, ok := c.failed[replaces]; !ok {
			c.mu.Unlock()
			return nil, errs.ErrRecordNotFound.WrapMsg("no failed send", "ref", replaces)
		}
		delete(c.failed, replaces)
		c.dropOptimisticLocked(p.ChatID, replaces)
	}
	c.pending[ref] = ps
	c.timeline[p.ChatID] = append(c.timeline[p.ChatID], &model.Message{
		ChatID:    p.ChatID,
		Text:      p.Text,
		Image:     p.Image,
		ReplyTo:   p.ReplyTo,
		ClientRef: ref,
		CreatedAt: time.Now(),
	})
	c.mu.Unlock()

	if err := c.write(frame.EvSendMessage, ref, p); err != nil {
		c.settle(ref, ackResult{err: err})
		return nil, err
	}

	timer := time.NewTimer(c.opts.AckTimeout)
	defer timer.Stop()
	select {
	case res := <-ps.done:
		return res.msg, res.err
	case <-timer.C:
		c.settle(ref, ackResult{err: errs.ErrInternalServer.WrapMsg("ack timeout", "ref", ref)})
	case <-ctx.Done():
		c.settle(ref, ackResult{err: ctx.Err()})
	}
	res := <-ps.done
	return res.msg, res.err
}

func (c *Client) resolve(p *frame.MessageAckPayload) {
	if p.OK && p.Message != nil {
		c.settle(p.Ref, ackResult{msg: p.Message})
		return
	}
	var err error = errs.ErrInternalServer.WrapMsg("send rejected")
	if p.Error != nil {
		err = p.Error
	}
	c.settle(p.Ref, ackResult{err: err})
}

// settle completes the pending send for ref once; later calls are no-ops.
func (c *Client) settle(ref string, res ackResult) {
	c.mu.Lock()
	ps, ok := c.pending[ref]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.pending, ref)
	if res.err == nil {
		c.mergeLocked(res.msg)
	} else {
		c.failed[ref] = &failedSend{payload: ps.payload, err: res.err}
	}
	c.mu.Unlock()
	ps.done <- res
}

func (c *Client) failPending(err error) {
	c.mu.Lock()
	refs := make([]string, 0, len(c.pending))
	for ref := range c.pending {
		refs = append(refs, ref)
	}
	c.mu.Unlock()
	for _, ref := range refs {
		c.settle(ref, ackResult{err: err})
	}
}

// mergeLocked puts m into its chat timeline exactly once: it replaces the
// optimistic entry with the same client ref, or any entry with the same id,
// and is appended otherwise. A send stored after all is no longer failed.
func (c *Client) mergeLocked(m *model.Message) {
	if m.ClientRef != "" {
		delete(c.failed, m.ClientRef)
	}
	tl := c.timeline[m.ChatID]
	for i, x := range tl {
		if (m.ClientRef != "" && x.ClientRef == m.ClientRef) || (x.ID != "" && x.ID == m.ID) {
			cp := *m
			tl[i] = &cp
			return
		}
	}
	cp := *m
	c.timeline[m.ChatID] = append(tl, &cp)
}

func (c *Client) dropOptimisticLocked(chatID, ref string) {
	tl := c.timeline[chatID]
	for i, x := range tl {
		if x.ID == "" && x.ClientRef == ref {
			c.timeline[chatID] = append(tl[:i:i], tl[i+1:]...)
			return
		}
	}
}

// Timeline returns a copy of what the client currently shows for chatID.
// Optimistic entries have no ID yet and are pending or failed.
func (c *Client) Timeline(chatID string) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, 0, len(c.timeline[chatID]))
	for _, m := range c.timeline[chatID] {
		e := Entry{Message: *m}
		if m.ID == "" {
			if f, ok := c.failed[m.ClientRef]; ok {
				e.Status, e.Err = StatusFailed, f.err
			} else {
				e.Status = StatusPending
			}
		}
		out = append(out, e)
	}
	return out
}

// Pending reports how many sends await an ack.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
