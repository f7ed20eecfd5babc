package api

import (
	stderrors "errors"
	"net/http"

	"swipe-companion/backend/internal/chat"
	"swipe-companion/backend/internal/deck"
	"swipe-companion/backend/internal/session"
	"swipe-companion/backend/pkg/errors"
	"swipe-companion/backend/pkg/logger"
	"swipe-companion/backend/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// Handler serves the per-user endpoints
type Handler struct {
	sessions Sessions
	log      *logger.Logger
}

// NewHandler creates a handler resolving users through sessions
func NewHandler(sessions Sessions, log *logger.Logger) *Handler {
	return &Handler{sessions: sessions, log: logger.OrDiscard(log)}
}

// RegisterRoutes registers the routes on an authenticated group
func (h *Handler) RegisterRoutes(g *gin.RouterGroup) {
	g.GET("/matches", h.ListMatches)
	g.POST("/matches/:id/read", h.MarkRead)
	g.POST("/sync", h.Sync)

	g.GET("/deck", h.GetDeck)
	g.POST("/deck/swipe", h.Swipe)

	chats := g.Group("/chats/:id")
	{
		chats.POST("/open", h.OpenChat)
		chats.GET("/messages", h.ListMessages)
		chats.POST("/messages", h.SendMessage)
		chats.POST("/older", h.LoadOlder)
	}
}

// handle resolves the caller's handle, attaching an error when it cannot
func (h *Handler) handle(c *gin.Context) (*session.Handle, bool) {
	userID := middleware.CurrentUserID(c)
	if userID == "" {
		c.Error(errors.NewUnauthorizedError(errors.CodeAuthRequired, "authentication required"))
		return nil, false
	}

	hd, err := h.sessions.Get(c.Request.Context(), userID)
	if err != nil {
		if stderrors.Is(err, session.ErrClosed) {
			c.Error(errors.NewServiceUnavailableError(errors.CodeInternal, "server is shutting down").Wrap(err))
		} else {
			c.Error(errors.FromError(err))
		}
		return nil, false
	}
	return hd, true
}

// domainError maps domain sentinels onto API errors. Anything else is a
// remote store failure and becomes orElse(err).
func domainError(err error, characterID string, orElse func(error) *errors.AppError) *errors.AppError {
	var appErr *errors.AppError
	switch {
	case stderrors.As(err, &appErr):
		return appErr
	case stderrors.Is(err, chat.ErrNotFound):
		return errors.ErrCharacterNotFound(characterID)
	case stderrors.Is(err, chat.ErrBusy):
		return errors.ErrBusy()
	case stderrors.Is(err, chat.ErrNotReady):
		return errors.ErrChatNotReady(characterID)
	case stderrors.Is(err, chat.ErrEmptyText), stderrors.Is(err, chat.ErrTextTooLong),
		stderrors.Is(err, deck.ErrInvalidDirection):
		return errors.ErrInvalidRequest(err.Error())
	case stderrors.Is(err, deck.ErrEmpty):
		return errors.ErrDeckEmpty()
	default:
		return orElse(err)
	}
}

func (h *Handler) fail(c *gin.Context, err error, characterID string, orElse func(error) *errors.AppError) {
	c.Error(domainError(err, characterID, orElse))
}

// bind decodes the JSON body into req
func bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.Error(errors.BadRequestWithDetails(errors.CodeInvalidRequest, "invalid request body", err.Error()))
		return false
	}
	return true
}

func noContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}
