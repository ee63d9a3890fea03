package scheduler

import (
	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-automation/pkg/response"
)

// GinHandlers exposes manual execution and scheduler status
type GinHandlers struct {
	scheduler *Scheduler
}

func NewGinHandlers(scheduler *Scheduler) *GinHandlers {
	return &GinHandlers{scheduler: scheduler}
}

// ManualExecuteHandler handles POST requests running a rule now
// URL parameter: rule_id
func (h *GinHandlers) ManualExecuteHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		out, err := h.scheduler.ManualExecute(c.Request.Context(), c.GetString("clientID"), c.Param("rule_id"))
		response.Handle(c, out, err)
	}
}

// ConfirmRebalancingHandler handles POST requests confirming a pending rebalancing
// URL parameter: execution_id
func (h *GinHandlers) ConfirmRebalancingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		exec, err := h.scheduler.ConfirmRebalancing(c.Request.Context(), c.GetString("clientID"), c.Param("execution_id"))
		response.Handle(c, exec, err)
	}
}

func (h *GinHandlers) StatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Handle(c, h.scheduler.Status(), nil)
	}
}
