package wallet

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

type Handler struct {
	repo Repository
}

func NewHandler(db *sqlx.DB) *Handler {
	return &Handler{repo: NewRepository(db)}
}

type AdjustRequest struct {
	WalletID    int64  `json:"wallet_id" binding:"required"`
	Direction   string `json:"direction" binding:"required"`
	Amount      string `json:"amount" binding:"required"`
	Description string `json:"description"`
}

func (h *Handler) ListByEntity(c *gin.Context) {
	entityType := c.Param("entityType")
	entityID, err := strconv.ParseInt(c.Param("entityID"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid entity id"})
		return
	}

	ws, err := h.repo.ListByEntity(c.Request.Context(), entityType, entityID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load wallets"})
		return
	}

	c.JSON(http.StatusOK, ws)
}

func (h *Handler) GetWallet(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("walletID"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid wallet id"})
		return
	}

	w, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ErrWalletNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "wallet not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load wallet"})
		return
	}

	c.JSON(http.StatusOK, w)
}

func (h *Handler) ListEntries(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("walletID"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid wallet id"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	entries, err := h.repo.Entries(c.Request.Context(), id, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load ledger entries"})
		return
	}

	c.JSON(http.StatusOK, entries)
}

// EntriesByReference finds the ledger entries behind one business event,
// e.g. reference_type=payout_item&reference_id=17 shows the debit and any
// reversal for that item.
func (h *Handler) EntriesByReference(c *gin.Context) {
	refType := c.Query("reference_type")
	refID := c.Query("reference_id")
	if refType == "" || refID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reference_type and reference_id are required"})
		return
	}

	entries, err := h.repo.EntriesByReference(c.Request.Context(), refType, refID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load ledger entries"})
		return
	}

	c.JSON(http.StatusOK, entries)
}

// Adjust applies a manual admin adjustment through the ledger. Used for
// corrections; regular money movement comes from callbacks and payouts.
func (h *Handler) Adjust(c *gin.Context) {
	var req AdjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || amount.LessThanOrEqual(decimal.Zero) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount must be a positive decimal"})
		return
	}

	actor := c.GetString("user_email")
	params := MovementParams{
		WalletID:      req.WalletID,
		Amount:        amount,
		EntryType:     EntryAdjustment,
		ReferenceType: "admin_adjustment",
		ReferenceID:   actor,
		Description:   req.Description,
	}

	var entry *Entry
	switch req.Direction {
	case DirectionCredit:
		entry, err = h.repo.Credit(c.Request.Context(), params)
	case DirectionDebit:
		entry, err = h.repo.Debit(c.Request.Context(), params)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "direction must be credit or debit"})
		return
	}

	if err != nil {
		switch {
		case errors.Is(err, ErrWalletNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "wallet not found"})
		case errors.Is(err, ErrInsufficientBalance):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "insufficient balance"})
		case errors.Is(err, ErrInvalidAmount):
			c.JSON(http.StatusBadRequest, gin.H{"error": "amount must be positive"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "adjustment failed"})
		}
		return
	}

	c.JSON(http.StatusOK, entry)
}
