package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"holdingsync/internal/id"
	"holdingsync/internal/models"
)

func setupSQLite(t *testing.T) *Repo {
	t.Helper()
	db, err := Connect(context.Background(), "sqlite3", filepath.Join(t.TempDir(), "holdings.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, logrus.New())
}

func setupPostgres(t *testing.T) *Repo {
	t.Helper()
	url := os.Getenv("POSTGRES_URL")
	if url == "" {
		t.Skip("POSTGRES_URL is not set; skipping integration tests")
	}
	db, err := Connect(context.Background(), "postgres", url)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, logrus.New())
}

func stores(t *testing.T) map[string]func(*testing.T) Store {
	return map[string]func(*testing.T) Store{
		"memory":   func(*testing.T) Store { return NewMemStore() },
		"sqlite":   func(t *testing.T) Store { return setupSQLite(t) },
		"postgres": func(t *testing.T) Store { return setupPostgres(t) },
	}
}

func newPortfolio(name string) *models.Portfolio {
	now := time.Now().UTC()
	return &models.Portfolio{
		ID:           id.Random(),
		Name:         name,
		BaseCurrency: "INR",
		Holdings:     map[string]*models.Holding{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func newPendingTx(portfolioID string) *models.Transaction {
	now := time.Now().UTC()
	return &models.Transaction{
		ID:          id.Random(),
		PortfolioID: portfolioID,
		SecurityID:  "SEC",
		Exchange:    "NSE",
		Type:        models.Buy,
		Quantity:    decimal.NewFromInt(10),
		Price:       decimal.NewFromInt(100),
		Date:        now,
		Status:      models.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestSecurityLookup(t *testing.T) {
	for name, open := range stores(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			isin := "INE" + id.Sortable()[:9]
			sec := &models.Security{
				ID:          id.Sortable(),
				DisplayName: "ASTRAL LIMITED",
				Identifiers: models.Identifiers{ISIN: isin, ExchangeCode: "ASTRAL-" + isin, BrokerTransactionCode: "ASTRAL POLY TECHNIK LIMITED-" + isin},
				Exchange:    "NSE",
				Status:      models.SecurityActive,
			}
			require.NoError(t, s.InsertSecurity(ctx, sec))

			found, err := s.FindSecurities(ctx, " "+isin+" ")
			require.NoError(t, err)
			require.Len(t, found, 1)
			assert.Equal(t, sec.ID, found[0].ID)

			found, err = s.FindSecurities(ctx, sec.Identifiers.BrokerTransactionCode)
			require.NoError(t, err)
			require.Len(t, found, 1)

			found, err = s.FindSecurities(ctx, "")
			require.NoError(t, err)
			assert.Empty(t, found)

			sec.Status = models.SecurityDelisted
			require.NoError(t, s.UpdateSecurity(ctx, sec))
			got, err := s.GetSecurity(ctx, sec.ID)
			require.NoError(t, err)
			assert.Equal(t, models.SecurityDelisted, got.Status)

			_, err = s.GetSecurity(ctx, "missing")
			assert.ErrorIs(t, err, models.ErrSecurityNotFound)
		})
	}
}

func TestCommitPostingVersionCheck(t *testing.T) {
	for name, open := range stores(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			p := newPortfolio("cas-" + id.Sortable())
			require.NoError(t, s.InsertPortfolio(ctx, p))

			tx := newPendingTx(p.ID)
			require.NoError(t, s.InsertTransaction(ctx, tx))

			loaded, err := s.GetPortfolio(ctx, p.ID)
			require.NoError(t, err)
			loaded.CashBalance = decimal.NewFromInt(5)
			done := *tx
			done.Status = models.StatusCompleted

			require.NoError(t, s.CommitPosting(ctx, loaded, 0, &done))
			assert.Equal(t, int64(1), loaded.Version)

			// a writer holding the stale version loses
			stale := newPendingTx(p.ID)
			require.NoError(t, s.InsertTransaction(ctx, stale))
			staleDone := *stale
			staleDone.Status = models.StatusCompleted
			err = s.CommitPosting(ctx, loaded, 0, &staleDone)
			assert.ErrorIs(t, err, models.ErrVersionConflict)

			got, err := s.GetPortfolio(ctx, p.ID)
			require.NoError(t, err)
			assert.True(t, got.CashBalance.Equal(decimal.NewFromInt(5)))
			assert.Equal(t, int64(1), got.Version)

			gotTx, err := s.GetTransaction(ctx, tx.ID)
			require.NoError(t, err)
			assert.Equal(t, models.StatusCompleted, gotTx.Status)

			gotStale, err := s.GetTransaction(ctx, stale.ID)
			require.NoError(t, err)
			assert.Equal(t, models.StatusPending, gotStale.Status)

			// completed transactions cannot be committed twice
			err = s.CommitPosting(ctx, got, got.Version, &done)
			assert.ErrorIs(t, err, models.ErrTransactionFinal)
		})
	}
}

func TestFinalizeTransactionIsTerminal(t *testing.T) {
	for name, open := range stores(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			tx := newPendingTx("p-" + id.Sortable())
			require.NoError(t, s.InsertTransaction(ctx, tx))

			failed := *tx
			failed.Status = models.StatusFailed
			failed.Error = "insufficient quantity"
			require.NoError(t, s.FinalizeTransaction(ctx, &failed))

			retry := failed
			retry.Status = models.StatusCompleted
			assert.ErrorIs(t, s.FinalizeTransaction(ctx, &retry), models.ErrTransactionFinal)

			list, err := s.ListTransactions(ctx, tx.PortfolioID)
			require.NoError(t, err)
			require.Len(t, list, 1)
			assert.Equal(t, models.StatusFailed, list[0].Status)
			assert.Equal(t, "insufficient quantity", list[0].Error)
		})
	}
}

func TestStagedRowClaim(t *testing.T) {
	for name, open := range stores(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			batch := id.Sortable()
			rows := []models.StagedImportRow{
				{ID: id.Sortable(), BatchID: batch, RowNumber: 1, CompanyName: "TCS", State: models.RowResolved},
				{ID: id.Sortable(), BatchID: batch, RowNumber: 2, CompanyName: "INFY", State: models.RowAmbiguous},
			}
			require.NoError(t, s.InsertStagedRows(ctx, rows))

			listed, err := s.ListStagedRows(ctx, batch)
			require.NoError(t, err)
			require.Len(t, listed, 2)
			assert.Equal(t, 1, listed[0].RowNumber)

			claimed, err := s.ClaimStagedRow(ctx, rows[0].ID)
			require.NoError(t, err)
			assert.True(t, claimed.Claimed)

			_, err = s.ClaimStagedRow(ctx, rows[0].ID)
			assert.ErrorIs(t, err, models.ErrRowClaimed)

			claimed.LastError = "boom"
			require.NoError(t, s.ReleaseStagedRow(ctx, claimed))
			again, err := s.ClaimStagedRow(ctx, rows[0].ID)
			require.NoError(t, err)
			assert.Equal(t, "boom", again.LastError)

			require.NoError(t, s.DeleteStagedRow(ctx, rows[0].ID))
			_, err = s.ClaimStagedRow(ctx, rows[0].ID)
			assert.ErrorIs(t, err, models.ErrStagedRowNotFound)
			assert.ErrorIs(t, s.DeleteStagedRow(ctx, rows[0].ID), models.ErrStagedRowNotFound)
		})
	}
}

func TestLatestPrice(t *testing.T) {
	for name, open := range stores(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			sec := "SEC-" + id.Sortable()
			yesterday := time.Now().UTC().Add(-24 * time.Hour).Truncate(time.Second)
			today := yesterday.Add(24 * time.Hour)
			require.NoError(t, s.UpsertPrice(ctx, sec, decimal.RequireFromString("2500.50"), yesterday))
			require.NoError(t, s.UpsertPrice(ctx, sec, decimal.RequireFromString("2600.00"), today))

			p, ts, err := s.LatestPrice(ctx, sec)
			require.NoError(t, err)
			assert.True(t, p.Equal(decimal.NewFromInt(2600)), "got %s", p)
			assert.True(t, ts.Equal(today), "got %s", ts)

			_, _, err = s.LatestPrice(ctx, "none")
			assert.Error(t, err)
		})
	}
}
