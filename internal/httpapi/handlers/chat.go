package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/storefront-support/internal/chat"
	"github.com/suPer8Hu/storefront-support/internal/common"
	"github.com/suPer8Hu/storefront-support/internal/httpapi/middleware"
)

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

func userIDFromContext(c *gin.Context) (string, bool) {
	v, ok := c.Get(middleware.UserIDKey)
	if !ok {
		return "", false
	}
	id, ok := v.(string)
	return id, ok && id != ""
}

// identity resolves the caller and writes the failure response itself.
func (h *Handler) identity(c *gin.Context) (chat.Identity, bool) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return chat.Identity{}, false
	}
	who, err := h.ChatSvc.Identify(c.Request.Context(), uid)
	if err != nil {
		h.writeError(c, "identify", err)
		return chat.Identity{}, false
	}
	return who, true
}

// writeError maps chat errors onto the response envelope.
func (h *Handler) writeError(c *gin.Context, op string, err error) {
	var remote *chat.RemoteError
	switch {
	case errors.Is(err, chat.ErrInvalidArgument):
		common.Fail(c, http.StatusBadRequest, 10002, err.Error())
	case errors.Is(err, chat.ErrNotFound):
		common.Fail(c, http.StatusNotFound, 40404, "not found")
	case errors.Is(err, chat.ErrForbidden):
		common.Fail(c, http.StatusForbidden, 40301, "forbidden")
	case errors.Is(err, chat.ErrNotReady):
		common.Fail(c, http.StatusConflict, 40901, "not ready")
	case errors.As(err, &remote):
		h.Logger.Error("backend failure", "op", op, "request_id", c.GetString(middleware.RequestIDKey), "err", err)
		common.Fail(c, http.StatusBadGateway, 50201, "backend unavailable")
	default:
		h.Logger.Error("request failed", "op", op, "request_id", c.GetString(middleware.RequestIDKey), "err", err)
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
	}
}

func (h *Handler) Me(c *gin.Context) {
	who, okk := h.identity(c)
	if !okk {
		return
	}
	p, err := h.ChatSvc.Profile(c.Request.Context(), who.UserID)
	if err != nil {
		if !errors.Is(err, chat.ErrNotFound) {
			h.writeError(c, "me", err)
			return
		}
		placeholder := chat.PlaceholderProfile(who.UserID)
		p = &placeholder
	}
	common.OK(c, gin.H{
		"profile":  p,
		"is_staff": who.Staff,
	})
}

// CreateConversation returns the caller's support conversation, creating it
// on first use.
func (h *Handler) CreateConversation(c *gin.Context) {
	who, okk := h.identity(c)
	if !okk {
		return
	}
	conv, err := h.ChatSvc.GetOrCreateConversation(c.Request.Context(), who.UserID)
	if err != nil {
		h.writeError(c, "create conversation", err)
		return
	}
	common.OK(c, gin.H{"conversation": conv})
}

func (h *Handler) ListConversations(c *gin.Context) {
	who, okk := h.identity(c)
	if !okk {
		return
	}
	ctx := c.Request.Context()
	list, err := h.ChatSvc.ListConversations(ctx, who)
	if err != nil {
		h.writeError(c, "list conversations", err)
		return
	}
	ids := make([]string, 0, len(list))
	for _, conv := range list {
		ids = append(ids, conv.ID)
	}
	unread, err := h.ChatSvc.UnreadCounts(ctx, who, ids)
	if err != nil {
		h.writeError(c, "unread counts", err)
		return
	}
	common.OK(c, gin.H{
		"conversations": list,
		"unread":        unread,
	})
}

func (h *Handler) ListMessages(c *gin.Context) {
	who, okk := h.identity(c)
	if !okk {
		return
	}
	entries, err := h.ChatSvc.History(c.Request.Context(), who, c.Param("id"))
	if err != nil {
		h.writeError(c, "history", err)
		return
	}
	common.OK(c, gin.H{"messages": entries})
}

type sendMessageReq struct {
	Content string `json:"content"`
}

func (h *Handler) SendMessage(c *gin.Context) {
	who, okk := h.identity(c)
	if !okk {
		return
	}
	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	// read idempotency key
	idempoKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if len(idempoKey) > 128 {
		common.Fail(c, http.StatusBadRequest, 10003, "idempotency key too long")
		return
	}

	m, err := h.ChatSvc.Send(c.Request.Context(), who, c.Param("id"), req.Content, idempoKey)
	if err != nil {
		h.writeError(c, "send", err)
		return
	}
	common.OK(c, gin.H{"message": m})
}

func (h *Handler) MarkRead(c *gin.Context) {
	who, okk := h.identity(c)
	if !okk {
		return
	}
	n, err := h.ChatSvc.MarkRead(c.Request.Context(), who, c.Param("id"))
	if err != nil {
		h.writeError(c, "mark read", err)
		return
	}
	common.OK(c, gin.H{"updated": n})
}

func (h *Handler) CountUnread(c *gin.Context) {
	who, okk := h.identity(c)
	if !okk {
		return
	}
	n, err := h.ChatSvc.CountUnread(c.Request.Context(), who, c.Param("id"))
	if err != nil {
		h.writeError(c, "count unread", err)
		return
	}
	common.OK(c, gin.H{"unread": n})
}

func (h *Handler) DeleteMessage(c *gin.Context) {
	who, okk := h.identity(c)
	if !okk {
		return
	}
	id := c.Param("id")
	if err := h.ChatSvc.DeleteMessage(c.Request.Context(), who, id); err != nil {
		h.writeError(c, "delete message", err)
		return
	}
	common.OK(c, gin.H{"deleted": id})
}

// UnreadSummary is the staff badge data: customer messages awaiting a reply,
// per conversation.
func (h *Handler) UnreadSummary(c *gin.Context) {
	who, okk := h.identity(c)
	if !okk {
		return
	}
	counts, err := h.ChatSvc.AwaitingReply(c.Request.Context(), who)
	if err != nil {
		h.writeError(c, "awaiting reply", err)
		return
	}
	var total int64
	for _, n := range counts {
		total += n
	}
	common.OK(c, gin.H{
		"awaiting_reply": counts,
		"total":          total,
	})
}
