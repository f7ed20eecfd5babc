package api

import (
	"net/http"

	"swipe-companion/backend/internal/deck"
	"swipe-companion/backend/internal/models"
	"swipe-companion/backend/pkg/errors"

	"github.com/gin-gonic/gin"
)

// DeckResponse is the visible part of the deck
type DeckResponse struct {
	Current   *models.CharacterProfile `json:"current"`
	Next      *models.CharacterProfile `json:"next"`
	Remaining int                      `json:"remaining"`
}

// SwipeRequest is the body of POST /deck/swipe
type SwipeRequest struct {
	Direction string `json:"direction" binding:"required"`
}

// SwipeResponse is the outcome of a swipe and the deck after it
type SwipeResponse struct {
	Candidate models.CharacterProfile `json:"candidate"`
	Direction deck.Direction          `json:"direction"`
	Match     *models.MatchRecord     `json:"match,omitempty"`
	Refilling bool                    `json:"refilling"`
	Deck      DeckResponse            `json:"deck"`
}

func deckView(d *deck.Deck) DeckResponse {
	var out DeckResponse
	if cur, ok := d.Current(); ok {
		out.Current = &cur
	}
	if next, ok := d.Next(); ok {
		out.Next = &next
	}
	out.Remaining = d.Remaining()
	return out
}

// GetDeck returns the current and next candidate, loading the deck on first use
func (h *Handler) GetDeck(c *gin.Context) {
	hd, ok := h.handle(c)
	if !ok {
		return
	}

	if err := hd.Deck.EnsureLoaded(c.Request.Context()); err != nil {
		h.fail(c, err, "", errors.ErrRemoteUnavailable)
		return
	}
	c.JSON(http.StatusOK, deckView(hd.Deck))
}

// Swipe likes or passes the current candidate
func (h *Handler) Swipe(c *gin.Context) {
	var req SwipeRequest
	if !bind(c, &req) {
		return
	}
	dir, err := deck.ParseDirection(req.Direction)
	if err != nil {
		h.fail(c, err, "", errors.ErrRemoteUnavailable)
		return
	}

	hd, ok := h.handle(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if err := hd.Deck.EnsureLoaded(ctx); err != nil {
		h.fail(c, err, "", errors.ErrRemoteUnavailable)
		return
	}

	res, err := hd.Deck.Swipe(ctx, dir)
	if err != nil {
		h.fail(c, err, res.Candidate.ID, func(err error) *errors.AppError {
			return errors.NewInternalServerError(errors.CodeInternal, "could not record match").Wrap(err)
		})
		return
	}

	c.JSON(http.StatusOK, SwipeResponse{
		Candidate: res.Candidate,
		Direction: res.Direction,
		Match:     res.Match,
		Refilling: res.Refilling,
		Deck:      deckView(hd.Deck),
	})
}
