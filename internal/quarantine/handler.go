package quarantine

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	repo    Repository
	service Service
}

func NewHandler(repo Repository, service Service) *Handler {
	return &Handler{repo: repo, service: service}
}

func (h *Handler) List(c *gin.Context) {
	status := c.Query("status")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	ops, err := h.repo.List(c.Request.Context(), status, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load quarantined operations"})
		return
	}

	c.JSON(http.StatusOK, ops)
}

type ReleaseRequest struct {
	Replay bool `json:"replay"`
}

func (h *Handler) Release(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("opID"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid operation id"})
		return
	}

	var req ReleaseRequest
	_ = c.ShouldBindJSON(&req)

	actor := c.GetString("user_email")
	op, err := h.service.Release(c.Request.Context(), id, actor, req.Replay)
	if err != nil {
		switch {
		case errors.Is(err, ErrOperationNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "quarantined operation not found"})
		case errors.Is(err, ErrNotQuarantined):
			c.JSON(http.StatusConflict, gin.H{"error": "operation is not quarantined"})
		default:
			// Released but replay failed: surface both facts.
			if op != nil {
				c.JSON(http.StatusOK, gin.H{"operation": op, "replay_error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to release operation"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"operation": op})
}

func (h *Handler) Cancel(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("opID"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid operation id"})
		return
	}

	actor := c.GetString("user_email")
	op, err := h.service.Cancel(c.Request.Context(), id, actor)
	if err != nil {
		switch {
		case errors.Is(err, ErrOperationNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "quarantined operation not found"})
		case errors.Is(err, ErrNotQuarantined):
			c.JSON(http.StatusConflict, gin.H{"error": "operation is not quarantined"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel operation"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"operation": op})
}
