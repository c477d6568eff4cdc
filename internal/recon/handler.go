package recon

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	svc           Service
	defaultWindow time.Duration
}

func NewHandler(svc Service, defaultWindow time.Duration) *Handler {
	return &Handler{svc: svc, defaultWindow: defaultWindow}
}

type RunRequest struct {
	WindowStart string `json:"window_start"`
	WindowEnd   string `json:"window_end"`
	Dry         bool   `json:"dry"`
}

func (h *Handler) Run(c *gin.Context) {
	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	windowEnd := time.Now()
	windowStart := windowEnd.Add(-h.defaultWindow)
	if req.WindowStart != "" || req.WindowEnd != "" {
		var err1, err2 error
		windowStart, err1 = time.Parse(time.RFC3339, req.WindowStart)
		windowEnd, err2 = time.Parse(time.RFC3339, req.WindowEnd)
		if err1 != nil || err2 != nil || !windowEnd.After(windowStart) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "window must be valid RFC3339 timestamps with start < end"})
			return
		}
	}

	result, err := h.svc.Run(c.Request.Context(), windowStart, windowEnd, req.Dry)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *Handler) ListItems(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	items, err := h.svc.ListItems(c.Request.Context(), c.Query("status"), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list recon items"})
		return
	}

	c.JSON(http.StatusOK, items)
}

func (h *Handler) ListRuns(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	runs, err := h.svc.ListRuns(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list recon runs"})
		return
	}

	c.JSON(http.StatusOK, runs)
}

func (h *Handler) Exceptions(c *gin.Context) {
	since := time.Now().Add(-h.defaultWindow)
	if raw := c.Query("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
			return
		}
		since = parsed
	}

	items, err := h.svc.OpenExceptions(c.Request.Context(), since)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list exceptions"})
		return
	}

	c.JSON(http.StatusOK, items)
}
