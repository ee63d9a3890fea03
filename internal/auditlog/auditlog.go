// Package auditlog is the append-only record of every scheduler attempt.
package auditlog

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-automation/pkg/response"
)

// GinHandlers exposes execution history
type GinHandlers struct {
	db *Database
}

func NewGinHandlers(db *Database) *GinHandlers {
	return &GinHandlers{db: db}
}

// ListByAutomationHandler handles GET requests for one automation's history
// URL parameter: rule_id, query: limit
func (h *GinHandlers) ListByAutomationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
		if err != nil || limit < 0 {
			response.BadRequest(c, "limit must be a non-negative integer")
			return
		}
		logs, err := h.db.ListByAutomation(c.Request.Context(), c.GetString("clientID"), c.Param("rule_id"), limit)
		response.Handle(c, logs, err)
	}
}

// ListByClientHandler handles GET requests for the caller's history
// Query: since (RFC3339, default 30 days ago)
func (h *GinHandlers) ListByClientHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		since := time.Now().AddDate(0, 0, -30)
		if raw := c.Query("since"); raw != "" {
			parsed, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				response.BadRequest(c, "since must be RFC3339")
				return
			}
			since = parsed
		}
		logs, err := h.db.ListByClient(c.Request.Context(), c.GetString("clientID"), since)
		response.Handle(c, logs, err)
	}
}
