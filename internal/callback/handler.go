package callback

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// Payment receives provider payment confirmations. Always answers 200 for
// well-formed payloads, including replays; the provider retries anything
// else.
func (h *Handler) Payment(c *gin.Context) {
	var conf Confirmation
	if err := c.ShouldBindJSON(&conf); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid confirmation payload"})
		return
	}

	ev, err := h.service.Record(c.Request.Context(), conf)
	if err != nil {
		if errors.Is(err, ErrInvalidConfirmation) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record confirmation"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"outcome":      ev.Outcome,
		"provider_ref": ev.ProviderRef,
	})
}
