package payout

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	svc Service
}

func NewHandler(svc Service) *Handler {
	return &Handler{svc: svc}
}

type CreateBatchRequest struct {
	OperatorID  int64  `json:"operator_id" binding:"required"`
	EntityType  string `json:"entity_type"`
	PeriodStart string `json:"period_start" binding:"required"`
	PeriodEnd   string `json:"period_end" binding:"required"`
}

// B2CResultRequest is the provider's asynchronous disbursement outcome.
type B2CResultRequest struct {
	ProviderRef string `json:"provider_ref" binding:"required"`
	ResultCode  int    `json:"result_code"`
	ResultDesc  string `json:"result_desc"`
}

func (h *Handler) CreateBatch(c *gin.Context) {
	var req CreateBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	periodStart, err1 := time.Parse("2006-01-02", req.PeriodStart)
	periodEnd, err2 := time.Parse("2006-01-02", req.PeriodEnd)
	if err1 != nil || err2 != nil || periodEnd.Before(periodStart) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "period must be valid YYYY-MM-DD dates with start <= end"})
		return
	}

	batch, items, err := h.svc.CreateBatch(c.Request.Context(), CreateBatchParams{
		OperatorID:  req.OperatorID,
		EntityType:  req.EntityType,
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
		Actor:       c.GetString("user_email"),
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create batch"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"batch": batch, "items": items})
}

func (h *Handler) GetBatch(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("batchID"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid batch id"})
		return
	}

	batch, items, err := h.svc.GetBatch(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ErrBatchNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "batch not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load batch"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"batch": batch, "items": items})
}

func (h *Handler) ListBatches(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	batches, err := h.svc.ListBatches(c.Request.Context(), c.Query("status"), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list batches"})
		return
	}

	c.JSON(http.StatusOK, batches)
}

func (h *Handler) Submit(c *gin.Context)  { h.transition(c, h.svc.Submit) }
func (h *Handler) Approve(c *gin.Context) { h.transition(c, h.svc.Approve) }
func (h *Handler) Cancel(c *gin.Context)  { h.transition(c, h.svc.Cancel) }

func (h *Handler) transition(c *gin.Context, fn func(ctx context.Context, id int64, actor string) (*Batch, error)) {
	id, err := strconv.ParseInt(c.Param("batchID"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid batch id"})
		return
	}

	batch, err := fn(c.Request.Context(), id, c.GetString("user_email"))
	if err != nil {
		switch {
		case errors.Is(err, ErrBatchNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "batch not found"})
		case errors.Is(err, ErrIllegalTransition):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "transition failed"})
		}
		return
	}

	c.JSON(http.StatusOK, batch)
}

func (h *Handler) Process(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("batchID"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid batch id"})
		return
	}

	result, err := h.svc.Process(c.Request.Context(), id, c.GetString("user_email"))
	if err != nil {
		switch {
		case errors.Is(err, ErrBatchNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "batch not found"})
		case errors.Is(err, ErrIllegalTransition):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "processing failed"})
		}
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *Handler) Readiness(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("batchID"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid batch id"})
		return
	}

	readiness, err := h.svc.Readiness(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ErrBatchNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "batch not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute readiness"})
		return
	}

	c.JSON(http.StatusOK, readiness)
}

// B2CResult receives the provider's asynchronous result callback. Always 200
// on handled input so the provider stops retrying.
func (h *Handler) B2CResult(c *gin.Context) {
	var req B2CResultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	item, err := h.svc.HandleDispatchResult(c.Request.Context(), req.ProviderRef, req.ResultCode == 0, req.ResultDesc)
	if err != nil {
		if errors.Is(err, ErrItemNotFound) {
			// Unknown reference. Acknowledge so the provider does not retry.
			c.JSON(http.StatusOK, gin.H{"status": "ignored"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to apply result"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "applied", "item": item})
}
