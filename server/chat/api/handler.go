package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"chatcore/server/chat/binder"
	"chatcore/server/chat/domain"
	"chatcore/server/chat/driver"
	"chatcore/server/chat/port"
	commonlog "chatcore/server/common/log"
	"chatcore/server/common/middleware"
	"chatcore/server/common/pubsub"
	"chatcore/server/common/transport/httpresp"
)

const (
	defaultMessageLimit = 30
	maxMessageLimit     = 100
	defaultWaitTimeout  = 30 * time.Second
	maxWaitTimeout      = 2 * time.Minute
)

type sessionBinder interface {
	HandleAuthChange(ctx context.Context, user *domain.User, credential string) (*binder.Session, error)
	DestroySession()
	Current() *binder.Session
	OnSessionChange(fn func(*binder.Session)) pubsub.Unsubscribe
}

type tokenAuth interface {
	ParseAuthContext(token string) (userID, protocolID string, err error)
}

type Handler struct {
	binder      sessionBinder
	auth        tokenAuth
	waitTimeout time.Duration
}

func NewHandler(b sessionBinder, auth tokenAuth) *Handler {
	return &Handler{binder: b, auth: auth, waitTimeout: defaultWaitTimeout}
}

// WithWaitTimeout sets the default for POST /connection/wait when the request
// carries no timeout_ms.
func (h *Handler) WithWaitTimeout(d time.Duration) *Handler {
	if d > 0 {
		h.waitTimeout = min(d, maxWaitTimeout)
	}
	return h
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, NewHealthResponse("ok")) })
	r.GET("/ws/events", h.handleEvents)

	api := r.Group("/api/v1")
	api.Use(middleware.AuthRequired(h.auth))
	{
		api.PUT("/session", h.putSession)
		api.GET("/session", h.getSession)
		api.DELETE("/session", h.deleteSession)

		api.GET("/me", h.getMe)
		api.GET("/rooms", h.listRooms)
		api.GET("/rooms/:id", h.getRoom)
		api.POST("/rooms/:id/join", h.joinRoom)
		api.POST("/rooms/:id/leave", h.leaveRoom)
		api.POST("/rooms/:id/focus", h.focusRoom)
		api.GET("/rooms/:id/messages", h.listMessages)
		api.POST("/rooms/:id/messages", h.sendMessage)
		api.GET("/rooms/:id/members", h.listMembers)

		api.POST("/connection/connect", h.connect)
		api.POST("/connection/disconnect", h.disconnect)
		api.POST("/connection/wait", h.waitForSync)
	}
}

func (h *Handler) putSession(c *gin.Context) {
	userID, protocolID := identityFromContext(c)
	token := c.GetString(middleware.KeyAccessToken)
	var req struct {
		DisplayName string `json:"display_name"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, NewErrorResponse(err.Error()))
			return
		}
	}
	user := &domain.User{ID: userID, DisplayName: strings.TrimSpace(req.DisplayName), ProtocolID: protocolID}
	s, err := h.binder.HandleAuthChange(c.Request.Context(), user, token)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, binder.ErrInvalidProtocolID) {
			status = http.StatusBadRequest
		}
		c.JSON(status, NewSessionResponse(s))
		return
	}
	c.JSON(http.StatusOK, NewSessionResponse(s))
}

func (h *Handler) getSession(c *gin.Context) {
	s := h.binder.Current()
	if !h.owns(c, s) {
		c.JSON(http.StatusOK, NewSessionResponse(nil))
		return
	}
	c.JSON(http.StatusOK, NewSessionResponse(s))
}

func (h *Handler) deleteSession(c *gin.Context) {
	if !h.owns(c, h.binder.Current()) {
		c.JSON(http.StatusForbidden, NewErrorResponse(httpresp.ErrForbidden))
		return
	}
	h.binder.DestroySession()
	c.JSON(http.StatusOK, NewOKResponse())
}

func (h *Handler) getMe(c *gin.Context) {
	p, ok := h.portFor(c)
	if !ok {
		return
	}
	user, err := p.GetCurrentUser(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if user == nil {
		c.JSON(http.StatusNotFound, NewErrorResponse(httpresp.ErrNoSession))
		return
	}
	c.JSON(http.StatusOK, user)
}

func (h *Handler) listRooms(c *gin.Context) {
	p, ok := h.portFor(c)
	if !ok {
		return
	}
	rooms, err := p.GetRooms(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, httpresp.NewItemsResponse(rooms))
}

func (h *Handler) getRoom(c *gin.Context) {
	p, ok := h.portFor(c)
	if !ok {
		return
	}
	room, err := p.GetRoom(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if room == nil {
		c.JSON(http.StatusNotFound, NewErrorResponse(httpresp.ErrNotFound))
		return
	}
	c.JSON(http.StatusOK, room)
}

func (h *Handler) joinRoom(c *gin.Context) {
	p, ok := h.portFor(c)
	if !ok {
		return
	}
	if err := p.JoinRoom(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewOKResponse())
}

func (h *Handler) leaveRoom(c *gin.Context) {
	p, ok := h.portFor(c)
	if !ok {
		return
	}
	if err := p.LeaveRoom(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewOKResponse())
}

// focusRoom starts a best-effort prefetch; it reports success even when the
// prefetch later fails.
func (h *Handler) focusRoom(c *gin.Context) {
	p, ok := h.portFor(c)
	if !ok {
		return
	}
	if f, ok := p.(port.RoomFocuser); ok {
		f.FocusRoom(c.Request.Context(), c.Param("id"), queryInt(c, "limit", defaultMessageLimit, maxMessageLimit))
	}
	c.JSON(http.StatusOK, NewOKResponse())
}

// listMessages serves the newest window, or with ?before= the page older than
// that message id when the port can paginate.
func (h *Handler) listMessages(c *gin.Context) {
	p, ok := h.portFor(c)
	if !ok {
		return
	}
	limit := queryInt(c, "limit", defaultMessageLimit, maxMessageLimit)
	roomID := c.Param("id")
	before := strings.TrimSpace(c.Query("before"))

	var (
		msgs []domain.ChatMessage
		err  error
	)
	if pager, ok := p.(port.Paginator); ok && before != "" {
		msgs, err = pager.LoadMoreMessages(c.Request.Context(), roomID, before, limit)
	} else {
		msgs, err = p.GetMessages(c.Request.Context(), roomID, limit)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, httpresp.NewItemsResponse(msgs))
}

func (h *Handler) sendMessage(c *gin.Context) {
	p, ok := h.portFor(c)
	if !ok {
		return
	}
	var req struct {
		Content string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	msg, err := p.SendMessage(c.Request.Context(), c.Param("id"), req.Content)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (h *Handler) listMembers(c *gin.Context) {
	p, ok := h.portFor(c)
	if !ok {
		return
	}
	members, err := p.GetRoomMembers(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, httpresp.NewItemsResponse(members))
}

func (h *Handler) connect(c *gin.Context) {
	p, ok := h.portFor(c)
	if !ok {
		return
	}
	if err := p.Connect(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewOKResponse())
}

func (h *Handler) disconnect(c *gin.Context) {
	p, ok := h.portFor(c)
	if !ok {
		return
	}
	if err := p.Disconnect(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewOKResponse())
}

func (h *Handler) waitForSync(c *gin.Context) {
	p, ok := h.portFor(c)
	if !ok {
		return
	}
	waiter, ok := p.(port.SyncWaiter)
	if !ok {
		c.JSON(http.StatusOK, NewOKResponse())
		return
	}
	timeout := h.waitTimeout
	if ms := queryInt(c, "timeout_ms", 0, int(maxWaitTimeout/time.Millisecond)); ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	if err := waiter.WaitForSync(c.Request.Context(), timeout); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewOKResponse())
}

// portFor resolves the port fresh for this request. A live session that
// belongs to another identity is refused.
func (h *Handler) portFor(c *gin.Context) (port.ChatPort, bool) {
	s := h.binder.Current()
	if !h.owns(c, s) {
		c.JSON(http.StatusForbidden, NewErrorResponse(httpresp.ErrForbidden))
		return nil, false
	}
	return s.Port(), true
}

func (h *Handler) owns(c *gin.Context, s *binder.Session) bool {
	if s == nil {
		return true
	}
	_, protocolID := identityFromContext(c)
	return s.UserID == protocolID
}

func identityFromContext(c *gin.Context) (userID, protocolID string) {
	return c.GetString(middleware.KeyUserID), c.GetString(middleware.KeyProtocolID)
}

func writeError(c *gin.Context, err error) {
	status := http.StatusBadGateway
	message := err.Error()
	switch {
	case errors.Is(err, port.ErrNoSession), errors.Is(err, driver.ErrNotInitialized):
		status = http.StatusServiceUnavailable
		message = httpresp.ErrNoSession
	case errors.Is(err, driver.ErrRoomNotFound):
		status = http.StatusNotFound
	case errors.Is(err, driver.ErrSyncTimeout), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusBadGateway {
		commonlog.Warnf("event=chat_api action=%s status=failed path=%s error=%v", c.Request.Method, c.FullPath(), err)
	}
	c.JSON(status, NewErrorResponse(message))
}

func queryInt(c *gin.Context, key string, fallback, ceiling int) int {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return min(v, ceiling)
}
