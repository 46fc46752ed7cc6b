package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"holdingsync/internal/directory"
	"holdingsync/internal/models"
)

type RegisterSecurityRequest struct {
	directory.Registration
	Source string `json:"source"`
}

func (h *Handler) RegisterSecurity(c *gin.Context) {
	var req RegisterSecurityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	if req.Source == "" {
		req.Source = "api"
	}
	sec, created, err := h.dir.Register(c.Request.Context(), req.Registration, req.Source)
	if err != nil {
		h.fail(c, "register security", err)
		return
	}
	if !created {
		c.JSON(http.StatusOK, sec)
		return
	}
	c.JSON(http.StatusCreated, sec)
}

func (h *Handler) ListSecurities(c *gin.Context) {
	activeOnly := c.DefaultQuery("active", "true") != "false"
	secs, err := h.dir.List(c.Request.Context(), activeOnly)
	if err != nil {
		h.fail(c, "list securities", err)
		return
	}
	c.JSON(http.StatusOK, secs)
}

func (h *Handler) GetSecurity(c *gin.Context) {
	sec, err := h.dir.Lookup(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "get security", err)
		return
	}
	c.JSON(http.StatusOK, sec)
}

func (h *Handler) ResolveSecurity(c *gin.Context) {
	ident := strings.TrimSpace(c.Query("identifier"))
	if ident == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "identifier is required"})
		return
	}
	sec, err := h.dir.ResolveExact(c.Request.Context(), ident)
	if err != nil {
		h.fail(c, "resolve security", err)
		return
	}
	c.JSON(http.StatusOK, sec)
}

func (h *Handler) SearchSecurities(c *gin.Context) {
	name := strings.TrimSpace(c.Query("name"))
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}
	limit, err := intQuery(c, "limit")
	if err != nil {
		h.badRequest(c, err)
		return
	}
	threshold, err := intQuery(c, "threshold")
	if err != nil {
		h.badRequest(c, err)
		return
	}
	m, err := h.dir.ResolveFuzzy(c.Request.Context(), name, limit, threshold)
	if err != nil {
		h.fail(c, "search securities", err)
		return
	}
	c.JSON(http.StatusOK, m)
}

type StatusRequest struct {
	Status models.SecurityStatus `json:"status" binding:"required"`
}

func (h *Handler) SetSecurityStatus(c *gin.Context) {
	var req StatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	sec, err := h.dir.SetStatus(c.Request.Context(), c.Param("id"), req.Status)
	if err != nil {
		h.fail(c, "set security status", err)
		return
	}
	c.JSON(http.StatusOK, sec)
}

type NameVariantRequest struct {
	Name   string `json:"name" binding:"required"`
	Source string `json:"source"`
}

func (h *Handler) AddNameVariant(c *gin.Context) {
	var req NameVariantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	if req.Source == "" {
		req.Source = "api"
	}
	sec, err := h.dir.AddNameVariant(c.Request.Context(), c.Param("id"), req.Name, req.Source)
	if err != nil {
		h.fail(c, "add name variant", err)
		return
	}
	c.JSON(http.StatusOK, sec)
}

type PriceRequest struct {
	Price     string    `json:"price" binding:"required"`
	Timestamp time.Time `json:"timestamp"`
}

func (h *Handler) RecordPrice(c *gin.Context) {
	var req PriceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	price, err := decimal.NewFromString(req.Price)
	if err != nil || !price.IsPositive() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid price format"})
		return
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now().UTC()
	}
	ctx := c.Request.Context()
	sec, err := h.dir.Lookup(ctx, c.Param("id"))
	if err != nil {
		h.fail(c, "record price", err)
		return
	}
	if err := h.prices.Record(ctx, sec.ID, price, req.Timestamp); err != nil {
		h.fail(c, "record price", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"security_id": sec.ID, "price": price, "timestamp": req.Timestamp})
}

func intQuery(c *gin.Context, key string) (int, error) {
	s := c.Query(key)
	if s == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return 0, models.NewValidationError("must be a non-negative integer", key)
	}
	return v, nil
}
