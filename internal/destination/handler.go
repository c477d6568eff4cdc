package destination

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
)

type Handler struct {
	repo Repository
}

func NewHandler(db *sqlx.DB) *Handler {
	return &Handler{repo: NewRepository(db)}
}

type UpsertRequest struct {
	EntityType string `json:"entity_type" binding:"required"`
	EntityID   int64  `json:"entity_id" binding:"required"`
	DestType   string `json:"dest_type" binding:"required"`
	DestValue  string `json:"dest_value" binding:"required"`
}

func (h *Handler) Upsert(c *gin.Context) {
	var req UpsertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.DestType != TypeMobile && req.DestType != TypePaybill {
		c.JSON(http.StatusBadRequest, gin.H{"error": "dest_type must be mobile or paybill"})
		return
	}

	// New destinations always start unverified.
	d, err := h.repo.Upsert(c.Request.Context(), Destination{
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		DestType:   req.DestType,
		DestValue:  req.DestValue,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save destination"})
		return
	}

	c.JSON(http.StatusOK, d)
}

func (h *Handler) ListByEntity(c *gin.Context) {
	entityType := c.Param("entityType")
	entityID, err := strconv.ParseInt(c.Param("entityID"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid entity id"})
		return
	}

	ds, err := h.repo.ListByEntity(c.Request.Context(), entityType, entityID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load destinations"})
		return
	}

	c.JSON(http.StatusOK, ds)
}

type VerifyRequest struct {
	Verified *bool `json:"verified" binding:"required"`
}

func (h *Handler) SetVerified(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("destID"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid destination id"})
		return
	}

	var req VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "verified flag required"})
		return
	}

	if err := h.repo.SetVerified(c.Request.Context(), id, *req.Verified); err != nil {
		if errors.Is(err, ErrDestinationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "destination not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update destination"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"id": id, "verified": *req.Verified})
}
