package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"holdingsync/internal/config"
	"holdingsync/internal/database"
	"holdingsync/internal/directory"
	"holdingsync/internal/ledger"
	"holdingsync/internal/models"
	"holdingsync/internal/pipeline"
	"holdingsync/internal/service"
	"holdingsync/internal/staging"
)

type identityRates struct{}

func (identityRates) Rate(_ context.Context, _, _ string) (decimal.Decimal, error) {
	return decimal.NewFromInt(1), nil
}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logrus.New()
	log.SetOutput(io.Discard)

	store := database.NewMemStore()
	dir := directory.New(store, log, directory.Options{})
	l := ledger.New(store, log, ledger.Options{MasterPortfolio: "IND Stock Portfolio", Backoff: time.Millisecond})
	p := pipeline.New(dir, l, staging.New(store, log), pipeline.NewFeeCalculator(config.NewFeeSchedule()), log, pipeline.Options{})
	prices := service.NewStorePriceFeed(store, log, time.Minute)
	h := NewHandler(dir, l, p, prices, service.NewValuation(store, prices, identityRates{}, log), log)

	r := gin.New()
	h.Register(r)
	return r
}

func do(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func seed(t *testing.T, r http.Handler) (reliance, infosys models.Security) {
	t.Helper()
	w := do(t, r, http.MethodPost, "/securities", gin.H{
		"display_name": "Reliance Industries Ltd",
		"identifiers":  gin.H{"isin": "INE002A01018", "exchange_code": "RELIANCE"},
		"exchange":     "NSE",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	reliance = decode[models.Security](t, w)

	w = do(t, r, http.MethodPost, "/securities", gin.H{
		"display_name": "Infosys Ltd",
		"identifiers":  gin.H{"isin": "INE009A01021", "exchange_code": "INFY"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	infosys = decode[models.Security](t, w)
	return reliance, infosys
}

func createPortfolio(t *testing.T, r http.Handler, name string) models.Portfolio {
	t.Helper()
	w := do(t, r, http.MethodPost, "/portfolios", gin.H{"name": name, "base_currency": "INR", "cash_balance": "100000"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[models.Portfolio](t, w)
}

func TestSecurityEndpoints(t *testing.T) {
	r := newTestRouter(t)
	rel, _ := seed(t, r)
	assert.Equal(t, "INR", rel.Currency)

	w := do(t, r, http.MethodPost, "/securities", gin.H{
		"display_name": "Reliance Inds",
		"identifiers":  gin.H{"isin": "INE002A01018", "feed_symbol": "RELIANCE.NS"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, rel.ID, decode[models.Security](t, w).ID)

	w = do(t, r, http.MethodGet, "/securities/resolve?identifier=reliance.ns", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, rel.ID, decode[models.Security](t, w).ID)

	w = do(t, r, http.MethodGet, "/securities/resolve?identifier=NOPE", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, r, http.MethodGet, "/securities/search?name=Reliance+Industries+Limited", nil)
	require.Equal(t, http.StatusOK, w.Code)
	m := decode[directory.Match](t, w)
	assert.True(t, m.Accepted)
	best, ok := m.Best()
	require.True(t, ok)
	assert.Equal(t, rel.ID, best.SecurityID)

	w = do(t, r, http.MethodGet, "/securities/search?name=x&limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodPost, "/securities", gin.H{"display_name": "No identifiers"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodPost, "/securities/"+rel.ID+"/names", gin.H{"name": "RIL"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[models.Security](t, w).HasName("RIL"))

	w = do(t, r, http.MethodPost, "/securities/"+rel.ID+"/status", gin.H{"status": "delisted"})
	require.Equal(t, http.StatusOK, w.Code)
	w = do(t, r, http.MethodGet, "/securities", nil)
	assert.Len(t, decode[[]models.Security](t, w), 1)
	w = do(t, r, http.MethodGet, "/securities?active=false", nil)
	assert.Len(t, decode[[]models.Security](t, w), 2)
}

func TestPostTransaction(t *testing.T) {
	r := newTestRouter(t)
	rel, _ := seed(t, r)
	p := createPortfolio(t, r, "Growth")

	buy := gin.H{"security_id": "RELIANCE", "type": "buy", "quantity": "10", "price": "2500", "date": "2024-01-10T00:00:00Z"}
	w := do(t, r, http.MethodPost, "/portfolios/"+p.ID+"/transactions", buy)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	res := decode[ledger.PostResult](t, w)
	assert.Equal(t, models.StatusCompleted, res.Transaction.Status)
	assert.Equal(t, rel.ID, res.Transaction.SecurityID)
	// no master portfolio exists, so nothing is mirrored
	assert.Nil(t, res.Mirror)
	assert.Empty(t, res.Warnings)

	sell := gin.H{"security_id": rel.ID, "type": "SELL", "quantity": "11", "price": "2600", "date": "2024-01-11T00:00:00Z"}
	w = do(t, r, http.MethodPost, "/portfolios/"+p.ID+"/transactions", sell)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())
	var failed struct {
		Error       string             `json:"error"`
		Transaction models.Transaction `json:"transaction"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &failed))
	assert.Equal(t, models.StatusFailed, failed.Transaction.Status)
	assert.NotEmpty(t, failed.Error)

	w = do(t, r, http.MethodGet, "/portfolios/"+p.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[models.Portfolio](t, w)
	h := got.Holdings[models.InstrumentKey(rel.ID, "NSE")]
	require.NotNil(t, h)
	assert.Equal(t, "10", h.Quantity.String())
	assert.Equal(t, "75000", got.CashBalance.String())

	w = do(t, r, http.MethodGet, "/portfolios/"+p.ID+"/transactions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]models.Transaction](t, w), 2)

	w = do(t, r, http.MethodGet, "/transactions/"+failed.Transaction.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.StatusFailed, decode[models.Transaction](t, w).Status)

	w = do(t, r, http.MethodPost, "/portfolios/missing/transactions", buy)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, r, http.MethodPost, "/portfolios/"+p.ID+"/transactions", gin.H{"security_id": rel.ID, "type": "BUY", "quantity": "ten", "price": "1", "date": "2024-01-10T00:00:00Z"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodPost, "/portfolios", gin.H{"name": "Growth"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestImportAndConfirm(t *testing.T) {
	r := newTestRouter(t)
	rel, infy := seed(t, r)
	p := createPortfolio(t, r, "Imports")

	w := do(t, r, http.MethodPost, "/imports", gin.H{
		"portfolio_id": p.ID,
		"rows": []gin.H{
			{"identifier_code": "RELIANCE", "side": "BUY", "quantity": "5", "price": "2,500", "date": "2024-02-01"},
			{"company_name": "Infy Tech Services", "side": "BUY", "quantity": "3", "price": "1500", "date": "2024-02-02"},
			{"company_name": "Reliance Industries", "side": "HOLD", "quantity": "1", "price": "1", "date": "2024-02-03"},
		},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[pipeline.BatchResult](t, w)
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 1, res.Committed)
	assert.Equal(t, 1, res.Ambiguous)
	assert.Equal(t, 1, res.Rejected)

	w = do(t, r, http.MethodGet, "/imports/"+res.BatchID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	view := decode[pipeline.BatchView](t, w)
	require.Len(t, view.Rows, 2)

	var ambiguous, rejected string
	for _, row := range view.Rows {
		switch row.State {
		case models.RowAmbiguous:
			ambiguous = row.ID
		case models.RowRejected:
			rejected = row.ID
		}
	}
	require.NotEmpty(t, ambiguous)
	require.NotEmpty(t, rejected)

	confirm := gin.H{"portfolio_id": p.ID, "rows": []gin.H{{"row_id": ambiguous, "security_id": infy.ID}}}
	w = do(t, r, http.MethodPost, "/imports/confirm", confirm)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	cr := decode[pipeline.ConfirmResult](t, w)
	assert.Equal(t, 1, cr.Committed)

	// a second confirmation never posts twice
	w = do(t, r, http.MethodPost, "/imports/confirm", confirm)
	require.Equal(t, http.StatusOK, w.Code)
	cr = decode[pipeline.ConfirmResult](t, w)
	assert.Equal(t, 0, cr.Committed)
	assert.Equal(t, 1, cr.Failed)

	w = do(t, r, http.MethodPost, "/imports/discard", gin.H{"row_ids": []string{rejected}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[pipeline.DiscardResult](t, w).Discarded)

	w = do(t, r, http.MethodGet, "/imports/"+res.BatchID, nil)
	assert.Empty(t, decode[pipeline.BatchView](t, w).Rows)

	w = do(t, r, http.MethodGet, "/portfolios/"+p.ID, nil)
	got := decode[models.Portfolio](t, w)
	assert.Len(t, got.Holdings, 2)
	assert.NotNil(t, got.Holdings[models.InstrumentKey(rel.ID, "NSE")])

	w = do(t, r, http.MethodGet, "/securities/"+infy.ID, nil)
	assert.True(t, decode[models.Security](t, w).HasName("Infy Tech Services"))

	w = do(t, r, http.MethodPost, "/imports", gin.H{"portfolio_id": "missing", "rows": []gin.H{{"identifier_code": "INFY"}}})
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = do(t, r, http.MethodPost, "/imports/confirm", gin.H{"portfolio_id": p.ID})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestImportUpload(t *testing.T) {
	r := newTestRouter(t)
	seed(t, r)
	p := createPortfolio(t, r, "Uploads")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("portfolio_id", p.ID))
	fw, err := mw.CreateFormFile("file", "trades.csv")
	require.NoError(t, err)
	_, err = io.WriteString(fw, "Date,Symbol,Buy/Sell,Qty,Price\n2024-03-01,INFY,BUY,4,1400\n")
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/imports/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 1, decode[pipeline.BatchResult](t, w).Committed)

	buf.Reset()
	mw = multipart.NewWriter(&buf)
	fw, err = mw.CreateFormFile("file", "trades.pdf")
	require.NoError(t, err)
	_, _ = io.WriteString(fw, "%PDF")
	require.NoError(t, mw.Close())
	req = httptest.NewRequest(http.MethodPost, "/imports/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestValuationEndpoint(t *testing.T) {
	r := newTestRouter(t)
	rel, _ := seed(t, r)
	p := createPortfolio(t, r, "Valued")

	w := do(t, r, http.MethodPost, "/portfolios/"+p.ID+"/transactions", gin.H{
		"security_id": rel.ID, "type": "BUY", "quantity": "2", "price": "2500", "date": "2024-01-10T00:00:00Z",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	w = do(t, r, http.MethodPost, "/securities/"+rel.ID+"/prices", gin.H{"price": "2700"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(t, r, http.MethodGet, "/portfolios/"+p.ID+"/valuation", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	v := decode[service.PortfolioValue](t, w)
	assert.Equal(t, "5400", v.HoldingsValue.String())
	assert.Equal(t, "100400", v.TotalValue.String())
	assert.Equal(t, "400", v.UnrealizedPL.String())

	w = do(t, r, http.MethodPost, "/securities/"+rel.ID+"/prices", gin.H{"price": "-1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRateLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	log := logrus.New()
	log.SetOutput(io.Discard)
	r := gin.New()
	r.Use(RateLimit(1, 2, log))
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, do(t, r, http.MethodGet, "/ping", nil).Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}
