// Package chat is the REST surface of the realtime gateway: a send fallback
// for clients without a socket, history paging, unread and notification
// bookkeeping, and the producer endpoint for notifications.
package chat

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"UniRide/logger"
	"UniRide/middleware"
	midsec "UniRide/middleware/security"
	"UniRide/module/chat/model"
	"UniRide/module/chat/store"
	rt "UniRide/service/chat"
	"UniRide/tools/errs"
	"UniRide/tools/security"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// PresenceLookup answers which gateway node holds a user across the cluster.
type PresenceLookup interface {
	Lookup(ctx context.Context, userID string) (nodeID string, online bool, err error)
}

type API struct {
	srv      *rt.Server
	store    store.Store
	presence PresenceLookup
	log      *zap.Logger
}

func NewAPI(srv *rt.Server, st store.Store, log *zap.Logger) *API {
	return &API{srv: srv, store: st, log: logger.Or(log).Named("api")}
}

// WithPresence enables cluster-wide answers on the presence route; without
// it only this node's registry is consulted.
func (a *API) WithPresence(p PresenceLookup) *API {
	a.presence = p
	return a
}

type handler func(c *gin.Context) error

func wrap(h handler) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h(c); err != nil {
			midsec.Abort(c, err)
		}
	}
}

func (a *API) Register(r gin.IRouter, g middleware.Guard) {
	api := r.Group("/api")
	user := middleware.RouteOpt{IsAuth: true}
	g.POST(api, "/chats/:chatId/messages", wrap(a.SendMessage), user)
	g.GET(api, "/chats/:chatId/messages", wrap(a.ListMessages), user)
	g.POST(api, "/chats/:chatId/unread/clear", wrap(a.ClearUnread), user)
	g.GET(api, "/notifications", wrap(a.ListNotifications), user)
	g.POST(api, "/notifications/:id/read", wrap(a.MarkNotificationRead), user)

	internal := r.Group("/internal")
	producer := middleware.RouteOpt{Internal: true}
	g.POST(internal, "/notifications", wrap(a.CreateNotification), producer)
	g.PUT(internal, "/chats/:chatId", wrap(a.SaveChat), producer)
	g.GET(internal, "/presence/:userId", wrap(a.Presence), producer)
}

func identity(c *gin.Context) (security.Identity, error) {
	id, ok := midsec.IdentityFrom(c)
	if !ok || id.UserID == "" {
		return security.Identity{}, errs.ErrUnauthenticated.WrapMsg("no identity")
	}
	return id, nil
}

type sendBody struct {
	Text    string `json:"text"`
	Image   string `json:"image"`
	ReplyTo string `json:"replyTo"`
	Ref     string `json:"ref"`
}

// SendMessage goes through the same pipeline as the socket path, so every
// connected member (the caller's own devices included) sees it live.
func (a *API) SendMessage(c *gin.Context) error {
	id, err := identity(c)
	if err != nil {
		return err
	}
	var body sendBody
	if err := c.ShouldBindJSON(&body); err != nil {
		return errs.ErrArgs.WrapMsg("bad body", "error", err.Error())
	}
	m, err := a.srv.Pipeline().SendAs(c.Request.Context(), id.UserID, id.Name, rt.SendRequest{
		ChatID:  c.Param("chatId"),
		Text:    body.Text,
		Image:   body.Image,
		ReplyTo: body.ReplyTo,
		Ref:     body.Ref,
	})
	if err != nil {
		return err
	}
	c.JSON(http.StatusCreated, m)
	return nil
}

// ListMessages pages backwards. before is unix ms or RFC3339.
func (a *API) ListMessages(c *gin.Context) error {
	id, err := identity(c)
	if err != nil {
		return err
	}
	chatID := c.Param("chatId")
	if err := a.requireMember(c, chatID, id.UserID); err != nil {
		return err
	}
	before, err := parseBefore(c.Query("before"))
	if err != nil {
		return err
	}
	items, err := a.store.ListMessages(c.Request.Context(), chatID, before, parseInt(c.Query("limit"), store.DefaultPageSize))
	if err != nil {
		return err
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
	return nil
}

func (a *API) ClearUnread(c *gin.Context) error {
	id, err := identity(c)
	if err != nil {
		return err
	}
	chatID := c.Param("chatId")
	if err := a.requireMember(c, chatID, id.UserID); err != nil {
		return err
	}
	if err := a.srv.Receipts().ClearUnread(c.Request.Context(), id.UserID, chatID); err != nil {
		return err
	}
	c.Status(http.StatusNoContent)
	return nil
}

func (a *API) ListNotifications(c *gin.Context) error {
	id, err := identity(c)
	if err != nil {
		return err
	}
	unread := c.Query("unread") == "true" || c.Query("unread") == "1"
	items, err := a.srv.Notifier().List(c.Request.Context(), id.UserID, unread, parseInt(c.Query("limit"), store.DefaultPageSize))
	if err != nil {
		return err
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
	return nil
}

func (a *API) MarkNotificationRead(c *gin.Context) error {
	id, err := identity(c)
	if err != nil {
		return err
	}
	n, err := a.srv.Notifier().MarkRead(c.Request.Context(), id.UserID, c.Param("id"))
	if err != nil {
		return err
	}
	c.JSON(http.StatusOK, n)
	return nil
}

// CreateNotification is for producers without a broker connection: the
// notification is stored, then pushed if the recipient is online here.
func (a *API) CreateNotification(c *gin.Context) error {
	var n model.Notification
	if err := c.ShouldBindJSON(&n); err != nil {
		return errs.ErrArgs.WrapMsg("bad body", "error", err.Error())
	}
	n.Read, n.ReadAt = false, nil
	if err := a.srv.Notifier().Create(c.Request.Context(), &n); err != nil {
		return err
	}
	c.JSON(http.StatusCreated, n)
	return nil
}

type chatBody struct {
	Members []string `json:"members"`
	RideID  string   `json:"rideId"`
}

// SaveChat lets the ride service create a chat or change its members. Unread
// counters and the last message written by the send path are kept.
func (a *API) SaveChat(c *gin.Context) error {
	var body chatBody
	if err := c.ShouldBindJSON(&body); err != nil {
		return errs.ErrArgs.WrapMsg("bad body", "error", err.Error())
	}
	if len(body.Members) == 0 {
		return errs.ErrArgs.WrapMsg("members required")
	}
	ctx := c.Request.Context()
	chatID := c.Param("chatId")
	if err := a.store.SaveChat(ctx, &model.Chat{ID: chatID, Members: body.Members, RideID: body.RideID}); err != nil {
		return err
	}
	ch, err := a.store.GetChat(ctx, chatID)
	if err != nil {
		return err
	}
	c.JSON(http.StatusOK, ch)
	return nil
}

type presenceView struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
	Local  bool   `json:"local"`            // connected to this node
	NodeID string `json:"nodeId,omitempty"` // node holding the user, when mirrored
}

// Presence tells backend services whether a user can be reached live, e.g.
// before choosing between a push and an SMS.
func (a *API) Presence(c *gin.Context) error {
	userID := c.Param("userId")
	v := presenceView{UserID: userID, Local: a.srv.Registry().IsOnline(userID)}
	v.Online = v.Local
	if a.presence != nil {
		node, online, err := a.presence.Lookup(c.Request.Context(), userID)
		if err != nil {
			if !v.Local {
				return errs.ErrInternalServer.WrapMsg("presence lookup", "user", userID, "error", err.Error())
			}
			a.log.Warn("presence lookup", zap.String("user", userID), zap.Error(err))
		} else if online {
			v.Online, v.NodeID = true, node
		}
	}
	c.JSON(http.StatusOK, v)
	return nil
}

func (a *API) requireMember(c *gin.Context, chatID, userID string) error {
	ch, err := a.store.GetChat(c.Request.Context(), chatID)
	if err != nil {
		return err
	}
	if !ch.IsMember(userID) {
		return errs.ErrNoPermission.WrapMsg("not a chat member", "chat", chatID)
	}
	return nil
}

func parseBefore(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, errs.ErrArgs.WrapMsg("before must be unix ms or RFC3339", "before", s)
	}
	return t, nil
}

func parseInt(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
