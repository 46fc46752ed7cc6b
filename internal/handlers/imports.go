package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"holdingsync/internal/importer"
	"holdingsync/internal/pipeline"
)

const maxUploadBytes = 10 << 20

func (h *Handler) Import(c *gin.Context) {
	var req pipeline.ImportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	h.runImport(c, req)
}

// ImportUpload accepts a multipart form with a CSV or XLSX "file" and the
// optional portfolio_id, broker, exchange and batch_id fields.
func (h *Handler) ImportUpload(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBytes)
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	f, err := fh.Open()
	if err != nil {
		h.fail(c, "open upload", err)
		return
	}
	defer f.Close()

	rows, err := importer.Transactions(f, fh.Filename)
	if err != nil {
		h.fail(c, "read upload "+fh.Filename, err)
		return
	}
	h.runImport(c, pipeline.ImportRequest{
		BatchID:     c.PostForm("batch_id"),
		PortfolioID: c.PostForm("portfolio_id"),
		Broker:      c.PostForm("broker"),
		Exchange:    c.PostForm("exchange"),
		Rows:        rows,
	})
}

func (h *Handler) runImport(c *gin.Context, req pipeline.ImportRequest) {
	if len(req.Rows) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no rows to import"})
		return
	}
	ctx, cancel := requestContext(c, 2*time.Minute)
	defer cancel()
	res, err := h.pipeline.Import(ctx, req)
	if err != nil {
		h.fail(c, "import", err)
		return
	}
	h.log.Infof("batch %s: %d rows, %d resolved, %d ambiguous, %d rejected, %d committed",
		res.BatchID, res.Total, res.Resolved, res.Ambiguous, res.Rejected, res.Committed)
	c.JSON(http.StatusOK, res)
}

func (h *Handler) GetBatch(c *gin.Context) {
	v, err := h.pipeline.Batch(c.Request.Context(), c.Param("batchId"))
	if err != nil {
		h.fail(c, "get batch", err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (h *Handler) Confirm(c *gin.Context) {
	var req pipeline.ConfirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	res, err := h.pipeline.Confirm(c.Request.Context(), req)
	if err != nil {
		h.fail(c, "confirm", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type DiscardRequest struct {
	RowIDs []string `json:"row_ids" binding:"required"`
}

func (h *Handler) Discard(c *gin.Context) {
	var req DiscardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	c.JSON(http.StatusOK, h.pipeline.Discard(c.Request.Context(), req.RowIDs))
}
