package api

import (
	"net/http"
	"time"

	"swipe-companion/backend/internal/models"
	"swipe-companion/backend/pkg/errors"

	"github.com/gin-gonic/gin"
)

// MatchesResponse is the body of GET /matches
type MatchesResponse struct {
	Matches []models.MatchRecord `json:"matches"`
}

// SyncResponse is the body of POST /sync
type SyncResponse struct {
	Added     int       `json:"added"`
	Refreshed int       `json:"refreshed"`
	SyncedAt  time.Time `json:"synced_at"`
}

// ListMatches returns the cached matches, most recent first. A stale cache
// is refreshed in the background.
func (h *Handler) ListMatches(c *gin.Context) {
	hd, ok := h.handle(c)
	if !ok {
		return
	}

	matches := hd.Sync.Matches(c.Request.Context())
	if matches == nil {
		matches = []models.MatchRecord{}
	}
	c.JSON(http.StatusOK, MatchesResponse{Matches: matches})
}

// MarkRead resets the unread count of a match
func (h *Handler) MarkRead(c *gin.Context) {
	hd, ok := h.handle(c)
	if !ok {
		return
	}

	id := c.Param("id")
	if err := hd.Store.MarkRead(c.Request.Context(), id); err != nil {
		h.fail(c, err, id, func(err error) *errors.AppError {
			return errors.NewInternalServerError(errors.CodeInternal, "could not update match").Wrap(err)
		})
		return
	}
	noContent(c)
}

// Sync forces a reconciliation pass
func (h *Handler) Sync(c *gin.Context) {
	hd, ok := h.handle(c)
	if !ok {
		return
	}

	res, err := hd.Sync.Reconcile(c.Request.Context())
	if err != nil {
		h.fail(c, err, "", errors.ErrSyncFailed)
		return
	}
	c.JSON(http.StatusOK, SyncResponse{Added: res.Added, Refreshed: res.Refreshed, SyncedAt: res.SyncedAt})
}
