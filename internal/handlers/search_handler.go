package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/rhysllwydlewis/eventflow-messaging/internal/httpx"
	"github.com/rhysllwydlewis/eventflow-messaging/internal/metrics"
	"github.com/rhysllwydlewis/eventflow-messaging/internal/search"
)

type SearchHandler struct {
	searcher search.Searcher
}

func NewSearchHandler(searcher search.Searcher) *SearchHandler {
	return &SearchHandler{searcher: searcher}
}

// Search runs a full-text query over the caller's threads.
func (h *SearchHandler) Search(c *fiber.Ctx) error {
	userID, err := httpx.LocalUint(c, "userID")
	if err != nil {
		return httpx.Unauthorized(c, "unauthorized", "Unauthorized")
	}

	q := search.Query{
		Text:     c.Query("q"),
		UserID:   userID,
		PageSize: c.QueryInt("page_size", 0),
		Cursor:   c.Query("cursor"),
	}
	threadID, err := queryUint(c, "thread_id")
	if err != nil {
		return httpx.FromError(c, err)
	}
	participant, err := queryUint(c, "participant")
	if err != nil {
		return httpx.FromError(c, err)
	}
	q.ThreadID, q.Participant = uint(threadID), uint(participant)
	if q.From, err = queryTime(c, "from"); err != nil {
		return httpx.FromError(c, err)
	}
	if q.To, err = queryTime(c, "to"); err != nil {
		return httpx.FromError(c, err)
	}

	start := time.Now()
	page, err := h.searcher.Search(c.UserContext(), q)
	metrics.SearchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return httpx.FromError(c, err)
	}
	return c.JSON(page)
}
