package chat

import (
	"context"
	"time"

	"UniRide/logger"
	"UniRide/module/chat/store"
	"UniRide/service/chat/frame"
	"UniRide/tools/errs"
	"UniRide/tools/ids"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type ServerConf struct {
	ReadLimit       int64
	PingInterval    time.Duration
	PongWait        time.Duration
	WriteWait       time.Duration
	SendQueue       int
	EventRate       float64 // inbound events per second; 0 disables limiting
	EventBurst      int
	DispatchTimeout time.Duration
	AllowedOrigins  []string // empty accepts any origin
}

func (c *ServerConf) norm() {
	if c.ReadLimit <= 0 {
		c.ReadLimit = 64 << 10
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.PongWait <= c.PingInterval {
		c.PongWait = c.PingInterval * 12 / 5
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.SendQueue <= 0 {
		c.SendQueue = 256
	}
	if c.EventRate > 0 && c.EventBurst <= 0 {
		c.EventBurst = int(c.EventRate) + 1
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 10 * time.Second
	}
}

// Deps are the collaborators the server is assembled from. Store and
// Verifier are required.
type Deps struct {
	Store         store.Store
	Verifier      TokenVerifier
	Names         NameResolver
	Presence      PresenceHook
	Events        MessageEvents
	Registry      RegistryConf
	FanoutWorkers int
	FanoutQueue   int
	Logger        *zap.Logger
}

// Server is the realtime gateway: it owns the connection tables and wires
// every inbound event to its component.
type Server struct {
	conf  ServerConf
	store store.Store
	log   *zap.Logger

	reg      *SessionRegistry
	rooms    *RoomIndex
	fanout   *Fanout
	disp     *Dispatcher
	pipeline *Pipeline
	typing   *Typing
	notifier *Notifier
	receipts *Receipts
	sos      *SOSRelay

	ctx    context.Context
	cancel context.CancelFunc
}

func NewServer(conf ServerConf, d Deps) *Server {
	conf.norm()
	log := logger.Or(d.Logger)
	rooms := NewRoomIndex()
	reg := NewSessionRegistry(d.Registry, d.Verifier, rooms, log).WithNames(d.Names)
	if d.Presence != nil {
		reg.WithPresence(d.Presence)
	}
	fan := NewFanout(d.FanoutWorkers, d.FanoutQueue, log)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		conf:     conf,
		store:    d.Store,
		log:      log.Named("gateway"),
		reg:      reg,
		rooms:    rooms,
		fanout:   fan,
		disp:     NewDispatcher(),
		pipeline: NewPipeline(d.Store, reg, rooms, fan, d.Events, log),
		typing:   NewTyping(rooms),
		notifier: NewNotifier(d.Store, reg, fan, log),
		receipts: NewReceipts(d.Store, rooms, log),
		sos:      NewSOSRelay(reg),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.registerHandlers()
	return s
}

func (s *Server) Registry() *SessionRegistry { return s.reg }
func (s *Server) Rooms() *RoomIndex          { return s.rooms }
func (s *Server) Pipeline() *Pipeline        { return s.pipeline }
func (s *Server) Notifier() *Notifier        { return s.notifier }
func (s *Server) Receipts() *Receipts        { return s.receipts }

func (s *Server) Start() {
	s.reg.Start()
}

// Close drops every connection and stops the fanout workers.
func (s *Server) Close() {
	s.cancel()
	s.reg.Close()
	s.fanout.Close()
}

// NewConn creates and registers an anonymous connection.
func (s *Server) NewConn(remote string) *Conn {
	var lim *rate.Limiter
	if s.conf.EventRate > 0 {
		lim = rate.NewLimiter(rate.Limit(s.conf.EventRate), s.conf.EventBurst)
	}
	c := NewConn(ids.GenerateString(), remote, s.conf.SendQueue, lim)
	s.reg.Add(c)
	return c
}

// Authenticate registers token on c and tells the client the outcome.
func (s *Server) Authenticate(ctx context.Context, c *Conn, ref, token string) error {
	id, err := s.reg.Register(ctx, c, token)
	if err != nil {
		return err
	}
	c.Enqueue(frame.MustEncode(frame.EvAuthenticated, ref, frame.AuthenticatedPayload{UserID: id.UserID, ConnID: c.ID()}))
	return nil
}

// HandleFrame decodes and dispatches one inbound frame, answering failures
// with an error event correlated to the frame's ref.
func (s *Server) HandleFrame(c *Conn, raw []byte) {
	if !c.Allow() {
		c.Enqueue(frame.ErrorFrame("", errs.ErrRateLimited.Wrap()))
		return
	}
	env, err := frame.Parse(raw)
	if err != nil {
		c.Enqueue(frame.ErrorFrame("", err))
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.conf.DispatchTimeout)
	defer cancel()
	if err := s.disp.Dispatch(ctx, c, env); err != nil {
		s.log.Debug("event failed", zap.String("conn", c.ID()), zap.String("event", string(env.Event)), zap.Error(err))
		c.Enqueue(frame.ErrorFrame(env.Ref, err))
	}
}

func (s *Server) registerHandlers() {
	d := s.disp

	Handle(d, frame.EvAuthenticate, false, func(ctx context.Context, req Request, p *frame.AuthenticatePayload) error {
		return s.Authenticate(ctx, req.Conn, req.Ref, p.Token)
	})

	Handle(d, frame.EvJoinRoom, true, func(ctx context.Context, req Request, p *frame.RoomPayload) error {
		if p.ChatID == "" {
			return errs.ErrArgs.WrapMsg("chatId is required")
		}
		chat, err := s.store.GetChat(ctx, p.ChatID)
		if err != nil {
			return err
		}
		if !chat.IsMember(req.Conn.UserID()) {
			return errs.ErrNoPermission.WrapMsg("not a chat member", "chat", p.ChatID)
		}
		return s.rooms.Join(req.Conn, p.ChatID)
	})

	Handle(d, frame.EvLeaveRoom, true, func(_ context.Context, req Request, p *frame.RoomPayload) error {
		s.rooms.Leave(req.Conn, p.ChatID)
		return nil
	})

	// the ack reports the outcome, so no error event is sent on failure
	Handle(d, frame.EvSendMessage, false, func(ctx context.Context, req Request, p *frame.SendMessagePayload) error {
		_, _ = s.pipeline.Send(ctx, req.Conn, SendRequest{
			ChatID:  p.ChatID,
			Text:    p.Text,
			Image:   p.Image,
			ReplyTo: p.ReplyTo,
			Ref:     req.Ref,
		})
		return nil
	})

	Handle(d, frame.EvStartTyping, true, func(_ context.Context, req Request, p *frame.RoomPayload) error {
		return s.typing.Start(req.Conn, p.ChatID)
	})
	Handle(d, frame.EvStopTyping, true, func(_ context.Context, req Request, p *frame.RoomPayload) error {
		return s.typing.Stop(req.Conn, p.ChatID)
	})

	Handle(d, frame.EvMarkRead, true, func(ctx context.Context, req Request, p *frame.MarkReadPayload) error {
		_, err := s.receipts.MarkRead(ctx, req.Conn, p.ChatID, p.MessageIDs)
		return err
	})

	Handle(d, frame.EvSOSLocationUpdate, true, func(_ context.Context, req Request, p *frame.SOSLocationPayload) error {
		_, err := s.sos.Update(req.Conn, p)
		return err
	})
	Handle(d, frame.EvSOSStopSharing, true, func(_ context.Context, req Request, p *frame.SOSStopPayload) error {
		_, err := s.sos.Stop(req.Conn, p)
		return err
	})
}
