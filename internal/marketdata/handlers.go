package marketdata

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-automation/internal/types"
	"github.com/ksred/klear-automation/pkg/response"
)

// ValueUpdate is one observation pushed by a market data feed
type ValueUpdate struct {
	Kind     ValueKind `json:"kind" binding:"required"`
	ClientID string    `json:"client_id"`
	SchemeID string    `json:"scheme_id"`
	Value    float64   `json:"value"`
}

func (u ValueUpdate) validate() error {
	if !u.Kind.Valid() {
		return fmt.Errorf("kind %q is not supported: %w", u.Kind, types.ErrValidation)
	}
	if u.Kind.SchemeScoped() && u.SchemeID == "" {
		return fmt.Errorf("scheme_id is required for %s: %w", u.Kind, types.ErrValidation)
	}
	if !u.Kind.SchemeScoped() && u.ClientID == "" {
		return fmt.Errorf("client_id is required for %s: %w", u.Kind, types.ErrValidation)
	}
	return nil
}

// GinHandlers feed a SimulatedSource over the internal API
type GinHandlers struct {
	source *SimulatedSource
}

func NewGinHandlers(source *SimulatedSource) *GinHandlers {
	return &GinHandlers{
		source: source,
	}
}

// SetValuesHandler handles POST requests carrying a batch of observations
func (h *GinHandlers) SetValuesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var updates []ValueUpdate
		if err := c.ShouldBindJSON(&updates); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}
		for _, u := range updates {
			if err := u.validate(); err != nil {
				response.Handle(c, nil, err)
				return
			}
		}
		for _, u := range updates {
			h.source.SetValue(u.Kind, u.ClientID, u.SchemeID, u.Value)
		}
		response.Handle(c, gin.H{"accepted": len(updates)}, nil)
	}
}

// SetAllocationHandler replaces a client's current allocation
// URL parameter: client_id
func (h *GinHandlers) SetAllocationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var allocation map[string]float64
		if err := c.ShouldBindJSON(&allocation); err != nil || len(allocation) == 0 {
			response.BadRequest(c, "Allocation must map asset classes to percentages")
			return
		}
		h.source.SetAllocation(c.Param("client_id"), allocation)
		response.Handle(c, allocation, nil)
	}
}
