package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/chatstream/internal/chat"
	"github.com/suPer8Hu/chatstream/internal/common"
	"github.com/suPer8Hu/chatstream/internal/stream"
)

const keepAliveInterval = 15 * time.Second

// sessionError maps chat service errors onto the envelope. Missing and
// foreign sessions share one answer.
func sessionError(c *gin.Context, err error, internalMsg string) {
	switch {
	case errors.Is(err, chat.ErrNotFoundOrForbidden):
		common.Fail(c, http.StatusNotFound, 40004, "session not found")
	case errors.Is(err, chat.ErrEmptyTitle):
		common.Fail(c, http.StatusBadRequest, 10002, "title required")
	default:
		common.Fail(c, http.StatusInternalServerError, 50001, internalMsg)
	}
}

type createSessionReq struct {
	Model string `json:"model"`
}

func (h *Handler) CreateChatSession(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req createSessionReq
	_ = c.ShouldBindJSON(&req) // allow empty body

	sess, err := h.ChatSvc.CreateSession(c.Request.Context(), uid, req.Model)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "failed to create session")
		return
	}
	common.OK(c, sess)
}

func (h *Handler) ListChatSessions(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	sessions, err := h.ChatSvc.ListSessions(c.Request.Context(), uid)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to list sessions")
		return
	}
	common.OK(c, gin.H{"sessions": sessions})
}

func (h *Handler) LatestChatSession(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	sess, err := h.ChatSvc.LatestSession(c.Request.Context(), uid)
	if err != nil {
		sessionError(c, err, "failed to load latest session")
		return
	}
	common.OK(c, sess)
}

func (h *Handler) ListChatMessages(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	msgs, err := h.ChatSvc.ListMessages(c.Request.Context(), uid, c.Param("session_id"))
	if err != nil {
		sessionError(c, err, "failed to list messages")
		return
	}
	common.OK(c, gin.H{"messages": msgs})
}

type renameSessionReq struct {
	Title string `json:"title"`
}

func (h *Handler) RenameChatSession(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req renameSessionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	sess, err := h.ChatSvc.RenameSession(c.Request.Context(), uid, c.Param("session_id"), req.Title)
	if err != nil {
		sessionError(c, err, "failed to rename session")
		return
	}
	common.OK(c, sess)
}

func (h *Handler) DeleteChatSession(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	if err := h.ChatSvc.DeleteSession(c.Request.Context(), uid, c.Param("session_id")); err != nil {
		sessionError(c, err, "failed to delete session")
		return
	}
	common.OK(c, gin.H{"deleted": true})
}

// StreamChat serves GET /chats/:session_id/stream?prompt=. Ownership is
// checked before any byte of the stream is written, so a rejected request gets
// a plain JSON error instead of an event.
func (h *Handler) StreamChat(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	prompt := c.Query("prompt")
	if strings.TrimSpace(prompt) == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "prompt required")
		return
	}
	// events are JSON, which cannot carry invalid UTF-8 unchanged
	if !utf8.ValidString(prompt) {
		common.Fail(c, http.StatusBadRequest, 10009, "prompt must be valid UTF-8")
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		common.Fail(c, http.StatusInternalServerError, 50003, "streaming unsupported")
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	st, err := h.Streamer.Start(ctx, stream.Request{
		SessionID: c.Param("session_id"),
		UserID:    uid,
		Prompt:    prompt,
	})
	if err != nil {
		sessionError(c, err, "failed to start stream")
		return
	}

	// SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // helpful if behind nginx
	c.Status(http.StatusOK)
	flusher.Flush()

	// heartbeat ticker (keeps proxies from closing idle connections)
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-st.Events:
			if !ok {
				return
			}
			frame, err := stream.Encode(e)
			if err != nil {
				h.Log.Error("encode stream event", "event", e.Name(), "error", err)
				continue
			}
			if _, err := c.Writer.Write(frame); err != nil {
				// client went away; the orchestrator sees the cancellation
				cancel()
				return
			}
			flusher.Flush()

		case <-ticker.C:
			if _, err := fmt.Fprint(c.Writer, ": ping\n\n"); err != nil {
				cancel()
				return
			}
			flusher.Flush()

		case <-ctx.Done():
			return
		}
	}
}
