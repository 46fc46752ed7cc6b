package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"holdingsync/internal/directory"
	"holdingsync/internal/importer"
	"holdingsync/internal/ledger"
	"holdingsync/internal/models"
	"holdingsync/internal/pipeline"
	"holdingsync/internal/service"
)

type Handler struct {
	dir       *directory.Directory
	ledger    *ledger.Ledger
	pipeline  *pipeline.Pipeline
	prices    *service.StorePriceFeed
	valuation *service.Valuation
	log       *logrus.Logger
}

func NewHandler(dir *directory.Directory, l *ledger.Ledger, p *pipeline.Pipeline, prices *service.StorePriceFeed, v *service.Valuation, log *logrus.Logger) *Handler {
	return &Handler{dir: dir, ledger: l, pipeline: p, prices: prices, valuation: v, log: log}
}

// Register mounts every route on rg.
func (h *Handler) Register(rg gin.IRoutes) {
	rg.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	rg.POST("/securities", h.RegisterSecurity)
	rg.GET("/securities", h.ListSecurities)
	rg.GET("/securities/resolve", h.ResolveSecurity)
	rg.GET("/securities/search", h.SearchSecurities)
	rg.GET("/securities/:id", h.GetSecurity)
	rg.POST("/securities/:id/status", h.SetSecurityStatus)
	rg.POST("/securities/:id/names", h.AddNameVariant)
	rg.POST("/securities/:id/prices", h.RecordPrice)

	rg.POST("/portfolios", h.CreatePortfolio)
	rg.GET("/portfolios", h.ListPortfolios)
	rg.GET("/portfolios/:id", h.GetPortfolio)
	rg.GET("/portfolios/:id/transactions", h.ListTransactions)
	rg.POST("/portfolios/:id/transactions", h.PostTransaction)
	rg.GET("/portfolios/:id/valuation", h.GetValuation)
	rg.GET("/transactions/:id", h.GetTransaction)

	rg.POST("/imports", h.Import)
	rg.POST("/imports/upload", h.ImportUpload)
	rg.GET("/imports/:batchId", h.GetBatch)
	rg.POST("/imports/confirm", h.Confirm)
	rg.POST("/imports/discard", h.Discard)
}

// RateLimit rejects requests beyond rps sustained with the given burst.
func RateLimit(rps float64, burst int, log *logrus.Logger) gin.HandlerFunc {
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	return func(c *gin.Context) {
		if !limiter.Allow() {
			log.Warnf("rate limit exceeded: %s %s from %s", c.Request.Method, c.Request.URL.Path, c.ClientIP())
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": http.StatusText(http.StatusTooManyRequests)})
			return
		}
		c.Next()
	}
}

func statusFor(err error) int {
	var pe *models.ParseError
	switch {
	case models.IsValidation(err), errors.As(err, &pe), errors.Is(err, importer.ErrUnsupportedFormat):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrPortfolioNotFound),
		errors.Is(err, models.ErrSecurityNotFound),
		errors.Is(err, models.ErrTransactionNotFound),
		errors.Is(err, models.ErrStagedRowNotFound),
		errors.Is(err, service.ErrPriceNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrDuplicateISIN),
		errors.Is(err, models.ErrRowClaimed),
		errors.Is(err, models.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, models.ErrInsufficientQuantity):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) fail(c *gin.Context, what string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.log.Errorf("%s failed: %v", what, err)
		c.JSON(status, gin.H{"error": "internal"})
		return
	}
	h.log.Warnf("%s: %v", what, err)
	c.JSON(status, gin.H{"error": err.Error()})
}

func (h *Handler) badRequest(c *gin.Context, err error) {
	h.log.Warnf("invalid request body: %v", err)
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func requestContext(c *gin.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), d)
}
