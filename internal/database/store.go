package database

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"holdingsync/internal/models"
)

// Store is the document store the engine runs on. Repo implements it over
// SQL, MemStore in process memory. Lookups that miss return the matching
// models.Err*NotFound sentinel.
type Store interface {
	InsertSecurity(ctx context.Context, s *models.Security) error
	UpdateSecurity(ctx context.Context, s *models.Security) error
	GetSecurity(ctx context.Context, id string) (*models.Security, error)
	// FindSecurities returns every security carrying identifier under any of
	// its identifier fields, in creation order.
	FindSecurities(ctx context.Context, identifier string) ([]models.Security, error)
	ListSecurities(ctx context.Context, activeOnly bool) ([]models.Security, error)

	InsertPortfolio(ctx context.Context, p *models.Portfolio) error
	GetPortfolio(ctx context.Context, id string) (*models.Portfolio, error)
	GetPortfolioByName(ctx context.Context, name string) (*models.Portfolio, error)
	ListPortfolios(ctx context.Context) ([]models.Portfolio, error)
	// CommitPosting writes p only if its stored version still equals
	// expectedVersion and, in the same unit, replaces the pending transaction
	// tx with its completed form.
	CommitPosting(ctx context.Context, p *models.Portfolio, expectedVersion int64, tx *models.Transaction) error

	InsertTransaction(ctx context.Context, tx *models.Transaction) error
	GetTransaction(ctx context.Context, id string) (*models.Transaction, error)
	ListTransactions(ctx context.Context, portfolioID string) ([]models.Transaction, error)
	// FinalizeTransaction persists a terminal status for a pending transaction.
	FinalizeTransaction(ctx context.Context, tx *models.Transaction) error

	InsertStagedRows(ctx context.Context, rows []models.StagedImportRow) error
	GetStagedRow(ctx context.Context, id string) (*models.StagedImportRow, error)
	ListStagedRows(ctx context.Context, batchID string) ([]models.StagedImportRow, error)
	// ClaimStagedRow marks a row as being committed; only one caller wins.
	ClaimStagedRow(ctx context.Context, id string) (*models.StagedImportRow, error)
	// ReleaseStagedRow stores row (with its error details) and clears the claim.
	ReleaseStagedRow(ctx context.Context, row *models.StagedImportRow) error
	DeleteStagedRow(ctx context.Context, id string) error

	LatestPrice(ctx context.Context, securityID string) (decimal.Decimal, time.Time, error)
	UpsertPrice(ctx context.Context, securityID string, price decimal.Decimal, ts time.Time) error

	Close() error
}

var (
	_ Store = (*Repo)(nil)
	_ Store = (*MemStore)(nil)
)
