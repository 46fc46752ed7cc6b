package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"holdingsync/internal/models"
)

// Repo stores every record as a JSON document next to the few columns that
// are queried or conditioned on. The same SQL runs on Postgres and SQLite;
// placeholders are rebound per driver.
type Repo struct {
	db  *sqlx.DB
	log *logrus.Logger
}

func New(db *sqlx.DB, log *logrus.Logger) *Repo {
	return &Repo{db: db, log: log}
}

// Connect opens the database, verifies it and applies the schema.
func Connect(ctx context.Context, driver, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, err
	}
	if driver == "sqlite3" {
		// one writer at a time, otherwise concurrent posts hit SQLITE_BUSY
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
	}
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return db, nil
}

func (r *Repo) q(query string) string { return r.db.Rebind(query) }

func (r *Repo) Close() error { return r.db.Close() }

func (r *Repo) InsertSecurity(ctx context.Context, s *models.Security) error {
	doc, err := json.Marshal(s)
	if err != nil {
		return err
	}
	ids := s.Identifiers
	_, err = r.db.ExecContext(ctx, r.q(`INSERT INTO securities (id, isin, exchange_code, broker_txn_code, broker_holdings_code, feed_symbol, status, doc) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		s.ID, ids.ISIN, ids.ExchangeCode, ids.BrokerTransactionCode, ids.BrokerHoldingsCode, ids.FeedSymbol, string(s.Status), string(doc))
	return err
}

func (r *Repo) UpdateSecurity(ctx context.Context, s *models.Security) error {
	doc, err := json.Marshal(s)
	if err != nil {
		return err
	}
	ids := s.Identifiers
	res, err := r.db.ExecContext(ctx, r.q(`UPDATE securities SET isin = ?, exchange_code = ?, broker_txn_code = ?, broker_holdings_code = ?, feed_symbol = ?, status = ?, doc = ? WHERE id = ?`),
		ids.ISIN, ids.ExchangeCode, ids.BrokerTransactionCode, ids.BrokerHoldingsCode, ids.FeedSymbol, string(s.Status), string(doc), s.ID)
	if err != nil {
		return err
	}
	return expectOne(res, models.ErrSecurityNotFound)
}

func (r *Repo) GetSecurity(ctx context.Context, id string) (*models.Security, error) {
	var doc string
	err := r.db.GetContext(ctx, &doc, r.q(`SELECT doc FROM securities WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrSecurityNotFound
	}
	if err != nil {
		return nil, err
	}
	return decode[models.Security](doc)
}

func (r *Repo) FindSecurities(ctx context.Context, identifier string) ([]models.Security, error) {
	identifier = models.NormalizeIdentifier(identifier)
	if identifier == "" {
		return nil, nil
	}
	var docs []string
	err := r.db.SelectContext(ctx, &docs, r.q(`SELECT doc FROM securities WHERE isin = ? OR exchange_code = ? OR broker_txn_code = ? OR broker_holdings_code = ? OR feed_symbol = ? ORDER BY id`),
		identifier, identifier, identifier, identifier, identifier)
	if err != nil {
		return nil, err
	}
	return decodeAll[models.Security](r.log, docs), nil
}

func (r *Repo) ListSecurities(ctx context.Context, activeOnly bool) ([]models.Security, error) {
	query := `SELECT doc FROM securities ORDER BY id`
	args := []interface{}{}
	if activeOnly {
		query = `SELECT doc FROM securities WHERE status = ? ORDER BY id`
		args = append(args, string(models.SecurityActive))
	}
	var docs []string
	if err := r.db.SelectContext(ctx, &docs, r.q(query), args...); err != nil {
		return nil, err
	}
	return decodeAll[models.Security](r.log, docs), nil
}

func (r *Repo) InsertPortfolio(ctx context.Context, p *models.Portfolio) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, r.q(`INSERT INTO portfolios (id, name, version, doc) VALUES (?, ?, ?, ?)`), p.ID, p.Name, p.Version, string(doc))
	return err
}

func (r *Repo) GetPortfolio(ctx context.Context, id string) (*models.Portfolio, error) {
	return r.getPortfolio(ctx, `SELECT id, version, doc FROM portfolios WHERE id = ?`, id)
}

func (r *Repo) GetPortfolioByName(ctx context.Context, name string) (*models.Portfolio, error) {
	return r.getPortfolio(ctx, `SELECT id, version, doc FROM portfolios WHERE name = ?`, name)
}

func (r *Repo) getPortfolio(ctx context.Context, query, arg string) (*models.Portfolio, error) {
	var row docRow
	err := r.db.GetContext(ctx, &row, r.q(query), arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrPortfolioNotFound
	}
	if err != nil {
		return nil, err
	}
	p, err := decode[models.Portfolio](row.Doc)
	if err != nil {
		return nil, err
	}
	p.Version = row.Version
	if p.Holdings == nil {
		p.Holdings = map[string]*models.Holding{}
	}
	return p, nil
}

func (r *Repo) ListPortfolios(ctx context.Context) ([]models.Portfolio, error) {
	var rows []docRow
	if err := r.db.SelectContext(ctx, &rows, r.q(`SELECT id, version, doc FROM portfolios ORDER BY name`)); err != nil {
		return nil, err
	}
	res := make([]models.Portfolio, 0, len(rows))
	for _, row := range rows {
		p, err := decode[models.Portfolio](row.Doc)
		if err != nil {
			r.log.Warnf("decode portfolio %s failed: %v", row.ID, err)
			continue
		}
		p.Version = row.Version
		res = append(res, *p)
	}
	return res, nil
}

func (r *Repo) CommitPosting(ctx context.Context, p *models.Portfolio, expectedVersion int64, tx *models.Transaction) error {
	next := p.Clone()
	next.Version = expectedVersion + 1
	pdoc, err := json.Marshal(next)
	if err != nil {
		return err
	}
	tdoc, err := json.Marshal(tx)
	if err != nil {
		return err
	}

	dbtx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer dbtx.Rollback()

	res, err := dbtx.ExecContext(ctx, r.q(`UPDATE portfolios SET version = ?, doc = ? WHERE id = ? AND version = ?`), next.Version, string(pdoc), p.ID, expectedVersion)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var count int
		if err := dbtx.GetContext(ctx, &count, r.q(`SELECT COUNT(*) FROM portfolios WHERE id = ?`), p.ID); err != nil {
			return err
		}
		if count == 0 {
			return models.ErrPortfolioNotFound
		}
		return models.ErrVersionConflict
	}

	res, err = dbtx.ExecContext(ctx, r.q(`UPDATE transactions SET status = ?, doc = ? WHERE id = ? AND status = ?`), string(tx.Status), string(tdoc), tx.ID, string(models.StatusPending))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrTransactionFinal
	}
	if err := dbtx.Commit(); err != nil {
		return err
	}
	p.Version = next.Version
	return nil
}

func (r *Repo) InsertTransaction(ctx context.Context, tx *models.Transaction) error {
	doc, err := json.Marshal(tx)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, r.q(`INSERT INTO transactions (id, portfolio_id, status, created_at, doc) VALUES (?, ?, ?, ?, ?)`),
		tx.ID, tx.PortfolioID, string(tx.Status), tx.CreatedAt, string(doc))
	return err
}

func (r *Repo) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	var doc string
	err := r.db.GetContext(ctx, &doc, r.q(`SELECT doc FROM transactions WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	return decode[models.Transaction](doc)
}

func (r *Repo) ListTransactions(ctx context.Context, portfolioID string) ([]models.Transaction, error) {
	var docs []string
	if err := r.db.SelectContext(ctx, &docs, r.q(`SELECT doc FROM transactions WHERE portfolio_id = ? ORDER BY created_at ASC, id ASC`), portfolioID); err != nil {
		return nil, err
	}
	return decodeAll[models.Transaction](r.log, docs), nil
}

func (r *Repo) FinalizeTransaction(ctx context.Context, tx *models.Transaction) error {
	doc, err := json.Marshal(tx)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, r.q(`UPDATE transactions SET status = ?, doc = ? WHERE id = ? AND status = ?`), string(tx.Status), string(doc), tx.ID, string(models.StatusPending))
	if err != nil {
		return err
	}
	return expectOne(res, models.ErrTransactionFinal)
}

func (r *Repo) InsertStagedRows(ctx context.Context, rows []models.StagedImportRow) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt := r.q(`INSERT INTO staged_rows (id, batch_id, claimed, doc) VALUES (?, ?, 0, ?)`)
	for i := range rows {
		doc, err := json.Marshal(rows[i])
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, stmt, rows[i].ID, rows[i].BatchID, string(doc)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

type stagedRow struct {
	Claimed int    `db:"claimed"`
	Doc     string `db:"doc"`
}

func (r *Repo) GetStagedRow(ctx context.Context, id string) (*models.StagedImportRow, error) {
	var row stagedRow
	err := r.db.GetContext(ctx, &row, r.q(`SELECT claimed, doc FROM staged_rows WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrStagedRowNotFound
	}
	if err != nil {
		return nil, err
	}
	s, err := decode[models.StagedImportRow](row.Doc)
	if err != nil {
		return nil, err
	}
	s.Claimed = row.Claimed != 0
	return s, nil
}

func (r *Repo) ListStagedRows(ctx context.Context, batchID string) ([]models.StagedImportRow, error) {
	var rows []stagedRow
	if err := r.db.SelectContext(ctx, &rows, r.q(`SELECT claimed, doc FROM staged_rows WHERE batch_id = ? ORDER BY id`), batchID); err != nil {
		return nil, err
	}
	res := make([]models.StagedImportRow, 0, len(rows))
	for _, row := range rows {
		s, err := decode[models.StagedImportRow](row.Doc)
		if err != nil {
			r.log.Warnf("decode staged row failed: %v", err)
			continue
		}
		s.Claimed = row.Claimed != 0
		res = append(res, *s)
	}
	return res, nil
}

func (r *Repo) ClaimStagedRow(ctx context.Context, id string) (*models.StagedImportRow, error) {
	res, err := r.db.ExecContext(ctx, r.q(`UPDATE staged_rows SET claimed = 1 WHERE id = ? AND claimed = 0`), id)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.GetStagedRow(ctx, id); err != nil {
			return nil, err
		}
		return nil, models.ErrRowClaimed
	}
	return r.GetStagedRow(ctx, id)
}

func (r *Repo) ReleaseStagedRow(ctx context.Context, row *models.StagedImportRow) error {
	cp := *row
	cp.Claimed = false
	doc, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, r.q(`UPDATE staged_rows SET claimed = 0, doc = ? WHERE id = ?`), string(doc), row.ID)
	if err != nil {
		return err
	}
	return expectOne(res, models.ErrStagedRowNotFound)
}

func (r *Repo) DeleteStagedRow(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, r.q(`DELETE FROM staged_rows WHERE id = ?`), id)
	if err != nil {
		return err
	}
	return expectOne(res, models.ErrStagedRowNotFound)
}

func (r *Repo) LatestPrice(ctx context.Context, securityID string) (decimal.Decimal, time.Time, error) {
	var priceStr string
	var ts time.Time
	if err := r.db.QueryRowContext(ctx, r.q(`SELECT price, ts FROM price_history WHERE security_id = ? ORDER BY ts DESC LIMIT 1`), securityID).Scan(&priceStr, &ts); err != nil {
		return decimal.Zero, time.Time{}, err
	}
	p, err := decimal.NewFromString(priceStr)
	if err != nil {
		return decimal.Zero, time.Time{}, err
	}
	return p, ts, nil
}

func (r *Repo) UpsertPrice(ctx context.Context, securityID string, price decimal.Decimal, ts time.Time) error {
	_, err := r.db.ExecContext(ctx, r.q(`INSERT INTO price_history (security_id, price, ts) VALUES (?, ?, ?)`), securityID, price.String(), ts.UTC())
	return err
}

func expectOne(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func decode[T any](doc string) (*T, error) {
	var v T
	if err := json.Unmarshal([]byte(doc), &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func decodeAll[T any](log *logrus.Logger, docs []string) []T {
	res := make([]T, 0, len(docs))
	for _, d := range docs {
		v, err := decode[T](d)
		if err != nil {
			log.Warnf("decode document failed: %v", err)
			continue
		}
		res = append(res, *v)
	}
	return res
}
