package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"holdingsync/internal/ledger"
	"holdingsync/internal/models"
)

type CreatePortfolioRequest struct {
	Name         string `json:"name" binding:"required"`
	UserID       string `json:"user_id"`
	BaseCurrency string `json:"base_currency"`
	CashBalance  string `json:"cash_balance"`
}

func (h *Handler) CreatePortfolio(c *gin.Context) {
	var req CreatePortfolioRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	cash := decimal.Zero
	if req.CashBalance != "" {
		var err error
		if cash, err = decimal.NewFromString(req.CashBalance); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cash_balance format"})
			return
		}
	}
	p, err := h.ledger.CreatePortfolio(c.Request.Context(), ledger.NewPortfolio{
		Name:         req.Name,
		UserID:       req.UserID,
		BaseCurrency: req.BaseCurrency,
		CashBalance:  cash,
	})
	if err != nil {
		h.fail(c, "create portfolio", err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (h *Handler) ListPortfolios(c *gin.Context) {
	ps, err := h.ledger.Portfolios(c.Request.Context())
	if err != nil {
		h.fail(c, "list portfolios", err)
		return
	}
	c.JSON(http.StatusOK, ps)
}

func (h *Handler) GetPortfolio(c *gin.Context) {
	p, err := h.ledger.Portfolio(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "get portfolio", err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) ListTransactions(c *gin.Context) {
	txs, err := h.ledger.Transactions(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "list transactions", err)
		return
	}
	c.JSON(http.StatusOK, txs)
}

func (h *Handler) GetTransaction(c *gin.Context) {
	tx, err := h.ledger.Transaction(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "get transaction", err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

type TransactionRequest struct {
	SecurityID string         `json:"security_id" binding:"required"`
	Exchange   string         `json:"exchange"`
	Type       string         `json:"type" binding:"required"`
	Quantity   string         `json:"quantity" binding:"required"`
	Price      string         `json:"price" binding:"required"`
	Date       time.Time      `json:"date" binding:"required"`
	Charges    models.Charges `json:"charges"`
	Broker     string         `json:"broker"`
	BrokerRef  string         `json:"broker_ref"`
}

func (h *Handler) PostTransaction(c *gin.Context) {
	var req TransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	q, err := decimal.NewFromString(req.Quantity)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid quantity format"})
		return
	}
	price, err := decimal.NewFromString(req.Price)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid price format"})
		return
	}

	ctx := c.Request.Context()
	// accept any identifier the directory knows, not only the internal id
	secID := req.SecurityID
	if sec, err := h.dir.Lookup(ctx, req.SecurityID); err == nil {
		secID = sec.ID
	}

	tx := &models.Transaction{
		SecurityID: secID,
		Exchange:   req.Exchange,
		Type:       models.TxType(strings.ToUpper(strings.TrimSpace(req.Type))),
		Quantity:   q,
		Price:      price,
		Date:       req.Date,
		Charges:    req.Charges,
		Broker:     req.Broker,
		BrokerRef:  req.BrokerRef,
		Source:     models.SourceManual,
	}
	res, err := h.ledger.Post(ctx, c.Param("id"), tx)
	if err != nil {
		status := statusFor(err)
		h.log.Warnf("post transaction to %s: %v", c.Param("id"), err)
		body := gin.H{"error": err.Error()}
		if res != nil {
			body["transaction"] = res.Transaction
		}
		if status == http.StatusInternalServerError {
			body["error"] = "internal"
		}
		c.JSON(status, body)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (h *Handler) GetValuation(c *gin.Context) {
	ctx, cancel := requestContext(c, 30*time.Second)
	defer cancel()
	v, err := h.valuation.Value(ctx, c.Param("id"))
	if err != nil {
		h.fail(c, "value portfolio", err)
		return
	}
	c.JSON(http.StatusOK, v)
}
