package chat

import (
	"net"
	"net/http"
	"strings"
	"time"

	"UniRide/service/chat/frame"
	"UniRide/tools/safe"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.conf.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.conf.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// tokenFrom reads the handshake token from ?token= or a bearer header. An
// empty token leaves the connection anonymous until it sends authenticate.
func tokenFrom(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// HandleWS upgrades the request and serves the connection until either side
// closes it.
func (s *Server) HandleWS(c *gin.Context) {
	ws, err := s.upgrader().Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// not a websocket request, or the handshake failed
		s.log.Info("upgrade failed", zap.String("remote", c.ClientIP()), zap.Error(err))
		return
	}

	conn := s.NewConn(c.ClientIP())
	log := s.log.With(zap.String("conn", conn.ID()))
	log.Debug("connected", zap.String("remote", conn.Remote()))
	conn.OnAuthenticated(func(c *Conn) {
		log.Info("authenticated", zap.String("user", c.UserID()), zap.Duration("after", time.Since(c.CreatedAt())))
	})

	if token := tokenFrom(c.Request); token != "" {
		if err := s.Authenticate(c.Request.Context(), conn, "", token); err != nil {
			conn.Enqueue(frame.ErrorFrame("", err))
		}
	}

	writerDone := make(chan struct{})
	safe.SafeGo("ws-write", func() {
		defer close(writerDone)
		s.writePump(ws, conn, log)
	})

	s.readPump(ws, conn, log)

	s.reg.Unregister(conn)
	<-writerDone
	log.Debug("disconnected", zap.String("user", conn.UserID()))
}

func (s *Server) readPump(ws *websocket.Conn, conn *Conn, log *zap.Logger) {
	ws.SetReadLimit(s.conf.ReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(s.conf.PongWait))
	ws.SetPongHandler(func(string) error {
		_ = ws.SetReadDeadline(time.Now().Add(s.conf.PongWait))
		s.reg.Heartbeat(conn)
		return nil
	})

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				log.Debug("peer closed", zap.Error(err))
			} else if ne, ok := err.(net.Error); ok && ne.Timeout() {
				log.Info("read timeout", zap.Error(err))
			} else if !conn.Closed() {
				log.Info("read error", zap.Error(err))
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		s.HandleFrame(conn, data)
	}
}

// writePump is the only writer of ws. It closes ws when the connection is
// closed, which also ends the read pump.
func (s *Server) writePump(ws *websocket.Conn, conn *Conn, log *zap.Logger) {
	ticker := time.NewTicker(s.conf.PingInterval)
	defer func() {
		ticker.Stop()
		_ = ws.SetWriteDeadline(time.Now().Add(s.conf.WriteWait))
		_ = ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = ws.Close()
		conn.Close()
	}()

	for {
		select {
		case payload := <-conn.Send():
			_ = ws.SetWriteDeadline(time.Now().Add(s.conf.WriteWait))
			if err := ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.Info("write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.conf.WriteWait)); err != nil {
				log.Info("ping failed", zap.Error(err))
				return
			}
		case <-conn.Done():
			return
		}
	}
}
