package staging

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"holdingsync/internal/database"
	"holdingsync/internal/id"
	"holdingsync/internal/models"
)

// Store holds import rows that have not been committed to a portfolio yet.
// A row leaves staging exactly once: promoted or discarded.
type Store struct {
	db  database.Store
	log *logrus.Logger
}

func New(db database.Store, log *logrus.Logger) *Store {
	return &Store{db: db, log: log}
}

// Insert assigns ids to rows that lack one and writes them in one unit.
func (s *Store) Insert(ctx context.Context, rows []models.StagedImportRow) error {
	now := time.Now().UTC()
	for i := range rows {
		if rows[i].ID == "" {
			rows[i].ID = id.Sortable()
		}
		if rows[i].CreatedAt.IsZero() {
			rows[i].CreatedAt = now
		}
		rows[i].Claimed = false
	}
	return s.db.InsertStagedRows(ctx, rows)
}

func (s *Store) Get(ctx context.Context, rowID string) (*models.StagedImportRow, error) {
	return s.db.GetStagedRow(ctx, rowID)
}

func (s *Store) ListBatch(ctx context.Context, batchID string) ([]models.StagedImportRow, error) {
	return s.db.ListStagedRows(ctx, batchID)
}

// Discard removes a row. Rows being promoted cannot be discarded.
func (s *Store) Discard(ctx context.Context, rowID string) error {
	if _, err := s.db.ClaimStagedRow(ctx, rowID); err != nil {
		return err
	}
	if err := s.db.DeleteStagedRow(ctx, rowID); err != nil {
		return err
	}
	s.log.Infof("discarded staged row %s", rowID)
	return nil
}

// PromoteFunc turns a claimed row into a committed transaction. On error it
// may return the id of a transaction that was recorded as failed.
type PromoteFunc func(ctx context.Context, row *models.StagedImportRow) (txID string, err error)

type Outcome struct {
	RowID         string `json:"row_id"`
	TransactionID string `json:"transaction_id,omitempty"`
	Err           error  `json:"-"`
	Error         string `json:"error,omitempty"`
}

func (o Outcome) OK() bool { return o.Err == nil }

// Promote claims each row in turn and hands it to fn. Successful rows are
// deleted; failed rows are released with the error attached so they stay
// visible. A cancelled context stops further claims but never undoes
// earlier promotions.
func (s *Store) Promote(ctx context.Context, rowIDs []string, fn PromoteFunc) []Outcome {
	out := make([]Outcome, 0, len(rowIDs))
	for _, rowID := range rowIDs {
		if err := ctx.Err(); err != nil {
			out = append(out, failed(rowID, "", err))
			continue
		}
		out = append(out, s.promoteOne(ctx, rowID, fn))
	}
	return out
}

func (s *Store) promoteOne(ctx context.Context, rowID string, fn PromoteFunc) Outcome {
	row, err := s.db.ClaimStagedRow(ctx, rowID)
	if err != nil {
		return failed(rowID, "", err)
	}

	txID, err := fn(ctx, row)
	if err != nil {
		row.LastError = err.Error()
		if txID != "" {
			row.FailedTransactionIDs = append(row.FailedTransactionIDs, txID)
		}
		// release on a fresh context so a cancelled caller does not leave the row claimed
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if rerr := s.db.ReleaseStagedRow(rctx, row); rerr != nil {
			s.log.Errorf("release staged row %s failed: %v", rowID, rerr)
		}
		return failed(rowID, txID, err)
	}

	if err := s.db.DeleteStagedRow(context.WithoutCancel(ctx), rowID); err != nil && !errors.Is(err, models.ErrStagedRowNotFound) {
		s.log.Errorf("staged row %s committed as %s but delete failed: %v", rowID, txID, err)
	}
	return Outcome{RowID: rowID, TransactionID: txID}
}

func failed(rowID, txID string, err error) Outcome {
	return Outcome{RowID: rowID, TransactionID: txID, Err: err, Error: err.Error()}
}
