package database

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"holdingsync/internal/models"
)

type pricePoint struct {
	price decimal.Decimal
	ts    time.Time
}

// MemStore keeps records in maps guarded by one mutex. Values are copied in
// and out so callers never alias stored state; the portfolio version is the
// compare-and-swap token, as in Repo.
type MemStore struct {
	mu           sync.RWMutex
	securities   map[string]models.Security
	portfolios   map[string]*models.Portfolio
	transactions map[string]models.Transaction
	txOrder      []string
	staged       map[string]models.StagedImportRow
	prices       map[string][]pricePoint
}

func NewMemStore() *MemStore {
	return &MemStore{
		securities:   map[string]models.Security{},
		portfolios:   map[string]*models.Portfolio{},
		transactions: map[string]models.Transaction{},
		staged:       map[string]models.StagedImportRow{},
		prices:       map[string][]pricePoint{},
	}
}

func (m *MemStore) Close() error { return nil }

func copySecurity(s models.Security) models.Security {
	s.NameHistory = append([]models.NameVariant(nil), s.NameHistory...)
	return s
}

func (m *MemStore) InsertSecurity(_ context.Context, s *models.Security) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.securities[s.ID] = copySecurity(*s)
	return nil
}

func (m *MemStore) UpdateSecurity(_ context.Context, s *models.Security) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.securities[s.ID]; !ok {
		return models.ErrSecurityNotFound
	}
	m.securities[s.ID] = copySecurity(*s)
	return nil
}

func (m *MemStore) GetSecurity(_ context.Context, id string) (*models.Security, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.securities[id]
	if !ok {
		return nil, models.ErrSecurityNotFound
	}
	cp := copySecurity(s)
	return &cp, nil
}

func (m *MemStore) FindSecurities(_ context.Context, identifier string) ([]models.Security, error) {
	identifier = models.NormalizeIdentifier(identifier)
	if identifier == "" {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []models.Security
	for _, s := range m.securities {
		for _, v := range s.Identifiers.All() {
			if v == identifier {
				res = append(res, copySecurity(s))
				break
			}
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (m *MemStore) ListSecurities(_ context.Context, activeOnly bool) ([]models.Security, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]models.Security, 0, len(m.securities))
	for _, s := range m.securities {
		if activeOnly && !s.Active() {
			continue
		}
		res = append(res, copySecurity(s))
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (m *MemStore) InsertPortfolio(_ context.Context, p *models.Portfolio) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.portfolios {
		if existing.Name == p.Name {
			return models.NewValidationError("portfolio name already exists", "name")
		}
	}
	m.portfolios[p.ID] = p.Clone()
	return nil
}

func (m *MemStore) GetPortfolio(_ context.Context, id string) (*models.Portfolio, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.portfolios[id]
	if !ok {
		return nil, models.ErrPortfolioNotFound
	}
	return p.Clone(), nil
}

func (m *MemStore) GetPortfolioByName(_ context.Context, name string) (*models.Portfolio, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.portfolios {
		if p.Name == name {
			return p.Clone(), nil
		}
	}
	return nil, models.ErrPortfolioNotFound
}

func (m *MemStore) ListPortfolios(_ context.Context) ([]models.Portfolio, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]models.Portfolio, 0, len(m.portfolios))
	for _, p := range m.portfolios {
		res = append(res, *p.Clone())
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Name < res[j].Name })
	return res, nil
}

func (m *MemStore) CommitPosting(_ context.Context, p *models.Portfolio, expectedVersion int64, tx *models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.portfolios[p.ID]
	if !ok {
		return models.ErrPortfolioNotFound
	}
	if cur.Version != expectedVersion {
		return models.ErrVersionConflict
	}
	stored, ok := m.transactions[tx.ID]
	if !ok {
		return models.ErrTransactionNotFound
	}
	if stored.Status != models.StatusPending {
		return models.ErrTransactionFinal
	}
	next := p.Clone()
	next.Version = expectedVersion + 1
	m.portfolios[p.ID] = next
	m.transactions[tx.ID] = *tx
	p.Version = next.Version
	return nil
}

func (m *MemStore) InsertTransaction(_ context.Context, tx *models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transactions[tx.ID] = *tx
	m.txOrder = append(m.txOrder, tx.ID)
	return nil
}

func (m *MemStore) GetTransaction(_ context.Context, id string) (*models.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.transactions[id]
	if !ok {
		return nil, models.ErrTransactionNotFound
	}
	return &tx, nil
}

func (m *MemStore) ListTransactions(_ context.Context, portfolioID string) ([]models.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []models.Transaction
	for _, id := range m.txOrder {
		if tx := m.transactions[id]; tx.PortfolioID == portfolioID {
			res = append(res, tx)
		}
	}
	return res, nil
}

func (m *MemStore) FinalizeTransaction(_ context.Context, tx *models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.transactions[tx.ID]
	if !ok || stored.Status != models.StatusPending {
		return models.ErrTransactionFinal
	}
	m.transactions[tx.ID] = *tx
	return nil
}

func copyRow(r models.StagedImportRow) models.StagedImportRow {
	r.Candidates = append([]models.Candidate(nil), r.Candidates...)
	r.FailedTransactionIDs = append([]string(nil), r.FailedTransactionIDs...)
	return r
}

func (m *MemStore) InsertStagedRows(_ context.Context, rows []models.StagedImportRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rows {
		r.Claimed = false
		m.staged[r.ID] = copyRow(r)
	}
	return nil
}

func (m *MemStore) GetStagedRow(_ context.Context, id string) (*models.StagedImportRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.staged[id]
	if !ok {
		return nil, models.ErrStagedRowNotFound
	}
	cp := copyRow(r)
	return &cp, nil
}

func (m *MemStore) ListStagedRows(_ context.Context, batchID string) ([]models.StagedImportRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []models.StagedImportRow
	for _, r := range m.staged {
		if r.BatchID == batchID {
			res = append(res, copyRow(r))
		}
	}
	sort.Slice(res, func(i, j int) bool { return strings.Compare(res[i].ID, res[j].ID) < 0 })
	return res, nil
}

func (m *MemStore) ClaimStagedRow(_ context.Context, id string) (*models.StagedImportRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.staged[id]
	if !ok {
		return nil, models.ErrStagedRowNotFound
	}
	if r.Claimed {
		return nil, models.ErrRowClaimed
	}
	r.Claimed = true
	m.staged[id] = r
	cp := copyRow(r)
	return &cp, nil
}

func (m *MemStore) ReleaseStagedRow(_ context.Context, row *models.StagedImportRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.staged[row.ID]; !ok {
		return models.ErrStagedRowNotFound
	}
	cp := copyRow(*row)
	cp.Claimed = false
	m.staged[row.ID] = cp
	return nil
}

func (m *MemStore) DeleteStagedRow(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.staged[id]; !ok {
		return models.ErrStagedRowNotFound
	}
	delete(m.staged, id)
	return nil
}

func (m *MemStore) LatestPrice(_ context.Context, securityID string) (decimal.Decimal, time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pts := m.prices[securityID]
	if len(pts) == 0 {
		return decimal.Zero, time.Time{}, sql.ErrNoRows
	}
	latest := pts[0]
	for _, p := range pts[1:] {
		if p.ts.After(latest.ts) {
			latest = p
		}
	}
	return latest.price, latest.ts, nil
}

func (m *MemStore) UpsertPrice(_ context.Context, securityID string, price decimal.Decimal, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[securityID] = append(m.prices[securityID], pricePoint{price: price, ts: ts.UTC()})
	return nil
}
