package api

import (
	"net/http"

	"swipe-companion/backend/internal/chat"
	"swipe-companion/backend/internal/models"
	"swipe-companion/backend/pkg/errors"

	"github.com/gin-gonic/gin"
)

// ChatResponse is a hydrated conversation
type ChatResponse struct {
	Character models.CharacterProfile `json:"character"`
	Messages  []models.ChatMessage    `json:"messages"`
	Exhausted bool                    `json:"exhausted"`
}

// SendRequest is the body of POST /chats/:id/messages
type SendRequest struct {
	Text string `json:"text" binding:"required"`
}

// SendResponse carries the stored user message and the reply
type SendResponse struct {
	User     models.ChatMessage `json:"user"`
	Reply    models.ChatMessage `json:"reply"`
	Fallback bool               `json:"fallback"`
}

// PageResponse is one page of older messages
type PageResponse struct {
	Messages  []models.ChatMessage `json:"messages"`
	Exhausted bool                 `json:"exhausted"`
}

// openSession resolves and hydrates the conversation named by the path
func (h *Handler) openSession(c *gin.Context) (*chat.Session, bool) {
	hd, ok := h.handle(c)
	if !ok {
		return nil, false
	}

	id := c.Param("id")
	s, err := hd.OpenChat(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err, id, errors.ErrRemoteUnavailable)
		return nil, false
	}
	return s, true
}

func chatView(s *chat.Session) ChatResponse {
	return ChatResponse{
		Character: s.Profile(),
		Messages:  s.Messages(),
		Exhausted: s.Exhausted(),
	}
}

// OpenChat hydrates a conversation from the cache or the remote store
func (h *Handler) OpenChat(c *gin.Context) {
	s, ok := h.openSession(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, chatView(s))
}

// ListMessages returns the loaded transcript
func (h *Handler) ListMessages(c *gin.Context) {
	s, ok := h.openSession(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, chatView(s))
}

// SendMessage sends user text and waits for the reply
func (h *Handler) SendMessage(c *gin.Context) {
	var req SendRequest
	if !bind(c, &req) {
		return
	}
	s, ok := h.openSession(c)
	if !ok {
		return
	}

	ex, err := s.Send(c.Request.Context(), req.Text)
	if err != nil {
		h.fail(c, err, s.CharacterID(), errors.ErrRemoteUnavailable)
		return
	}
	c.JSON(http.StatusOK, SendResponse{User: ex.User, Reply: ex.Reply, Fallback: ex.Fallback})
}

// LoadOlder prepends the previous page of the conversation
func (h *Handler) LoadOlder(c *gin.Context) {
	s, ok := h.openSession(c)
	if !ok {
		return
	}

	page, err := s.LoadOlder(c.Request.Context())
	if err != nil {
		h.fail(c, err, s.CharacterID(), errors.ErrRemoteUnavailable)
		return
	}
	msgs := page.Messages
	if msgs == nil {
		msgs = []models.ChatMessage{}
	}
	c.JSON(http.StatusOK, PageResponse{Messages: msgs, Exhausted: page.Exhausted})
}
