package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"holdingsync/internal/database"
	"holdingsync/internal/id"
	"holdingsync/internal/models"
)

type Options struct {
	// MasterPortfolio names the aggregate portfolio transactions are mirrored
	// into. Empty disables the sync.
	MasterPortfolio string
	MaxRetries      int
	Backoff         time.Duration
}

// Ledger is the only writer of holdings and portfolio aggregates.
type Ledger struct {
	store database.Store
	log   *logrus.Logger
	opts  Options
	now   func() time.Time
}

func New(store database.Store, log *logrus.Logger, opts Options) *Ledger {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 5 * time.Millisecond
	}
	return &Ledger{store: store, log: log, opts: opts, now: func() time.Time { return time.Now().UTC() }}
}

type PostResult struct {
	Transaction *models.Transaction `json:"transaction"`
	// Holding is nil when the transaction closed the position.
	Holding   *models.Holding     `json:"holding"`
	Portfolio *models.Portfolio   `json:"portfolio"`
	Mirror    *models.Transaction `json:"mirror,omitempty"`
	Warnings  []string            `json:"warnings,omitempty"`
}

// Post records tx as PENDING and applies it to the portfolio. On success the
// transaction is COMPLETED and the master portfolio is synced; a failed sync
// is reported in Warnings. On failure the transaction is FAILED, the
// portfolio is untouched and the result still carries the failed record.
func (l *Ledger) Post(ctx context.Context, portfolioID string, tx *models.Transaction) (*PostResult, error) {
	res, err := l.post(ctx, portfolioID, tx)
	if err != nil {
		return res, err
	}
	mirror, err := l.SyncToMaster(ctx, res.Transaction)
	res.Mirror = mirror
	if err != nil {
		msg := fmt.Sprintf("master portfolio sync failed: %v", err)
		l.log.Warnf("transaction %s: %s", res.Transaction.ID, msg)
		res.Warnings = append(res.Warnings, msg)
	}
	return res, nil
}

func (l *Ledger) post(ctx context.Context, portfolioID string, tx *models.Transaction) (*PostResult, error) {
	now := l.now()
	tx.PortfolioID = portfolioID
	tx.Exchange = strings.ToUpper(strings.TrimSpace(tx.Exchange))
	if tx.Exchange == "" {
		tx.Exchange = models.DefaultExchange
	}
	if tx.ID == "" {
		tx.ID = id.Random()
	}
	if tx.Source == "" {
		tx.Source = models.SourceManual
	}
	tx.Status = models.StatusPending
	tx.Error = ""
	tx.RealizedPL = decimal.Zero
	tx.CreatedAt, tx.UpdatedAt = now, now

	if err := Validate(tx); err != nil {
		return nil, err
	}
	if _, err := l.store.GetPortfolio(ctx, portfolioID); err != nil {
		return nil, err
	}
	if _, err := l.store.GetSecurity(ctx, tx.SecurityID); err != nil {
		return nil, err
	}
	if err := l.store.InsertTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("record transaction: %w", err)
	}

	for attempt := 0; attempt < l.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := l.wait(ctx, attempt); err != nil {
				return l.fail(tx, err)
			}
		}
		cur, err := l.store.GetPortfolio(ctx, portfolioID)
		if err != nil {
			return l.fail(tx, err)
		}
		next := cur.Clone()
		done := *tx
		eff, err := apply(next, &done)
		if err != nil {
			return l.fail(tx, err)
		}
		next.UpdatedAt = l.now()
		done.Status = models.StatusCompleted
		done.UpdatedAt = next.UpdatedAt

		err = l.store.CommitPosting(ctx, next, cur.Version, &done)
		if errors.Is(err, models.ErrVersionConflict) {
			l.log.Debugf("portfolio %s changed while posting %s, retrying (attempt %d)", portfolioID, tx.ID, attempt+1)
			continue
		}
		if err != nil {
			return l.fail(tx, err)
		}
		*tx = done
		l.log.Infof("posted %s %s %s @ %s to portfolio %s", tx.Type, tx.Quantity, tx.SecurityID, tx.Price, portfolioID)
		return &PostResult{Transaction: tx, Holding: eff.holding, Portfolio: next}, nil
	}
	return l.fail(tx, fmt.Errorf("%w: gave up after %d attempts", models.ErrVersionConflict, l.opts.MaxRetries))
}

func (l *Ledger) wait(ctx context.Context, attempt int) error {
	d := time.Duration(attempt)*l.opts.Backoff + time.Duration(rand.Int63n(int64(l.opts.Backoff)))
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (l *Ledger) fail(tx *models.Transaction, cause error) (*PostResult, error) {
	tx.Status = models.StatusFailed
	tx.Error = cause.Error()
	tx.UpdatedAt = l.now()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.store.FinalizeTransaction(ctx, tx); err != nil {
		l.log.Errorf("mark transaction %s failed: %v", tx.ID, err)
	}
	l.log.Warnf("transaction %s failed: %v", tx.ID, cause)
	return &PostResult{Transaction: tx}, fmt.Errorf("post transaction %s: %w", tx.ID, cause)
}

// SyncToMaster replays a completed transaction into the master portfolio
// when its own portfolio shares the master's currency. The primary post is
// never rolled back; a failed replay is left as a FAILED mirror.
func (l *Ledger) SyncToMaster(ctx context.Context, tx *models.Transaction) (*models.Transaction, error) {
	if l.opts.MasterPortfolio == "" || tx.Source == models.SourceMasterSync || tx.Status != models.StatusCompleted {
		return nil, nil
	}
	primary, err := l.store.GetPortfolio(ctx, tx.PortfolioID)
	if err != nil {
		return nil, err
	}
	master, err := l.store.GetPortfolioByName(ctx, l.opts.MasterPortfolio)
	if errors.Is(err, models.ErrPortfolioNotFound) {
		l.log.Debugf("master portfolio %q does not exist, skipping sync", l.opts.MasterPortfolio)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if master.ID == primary.ID || !strings.EqualFold(master.BaseCurrency, primary.BaseCurrency) {
		return nil, nil
	}

	mirror := &models.Transaction{
		SecurityID: tx.SecurityID,
		Exchange:   tx.Exchange,
		Type:       tx.Type,
		Quantity:   tx.Quantity,
		Price:      tx.Price,
		Date:       tx.Date,
		Charges:    tx.Charges,
		Broker:     tx.Broker,
		BrokerRef:  tx.BrokerRef,
		MirrorOf:   tx.ID,
		Source:     models.SourceMasterSync,
	}
	res, err := l.post(ctx, master.ID, mirror)
	if res != nil {
		return res.Transaction, err
	}
	return nil, err
}

type NewPortfolio struct {
	Name         string          `json:"name"`
	UserID       string          `json:"user_id"`
	BaseCurrency string          `json:"base_currency"`
	CashBalance  decimal.Decimal `json:"cash_balance"`
}

func (l *Ledger) CreatePortfolio(ctx context.Context, np NewPortfolio) (*models.Portfolio, error) {
	name := strings.TrimSpace(np.Name)
	if name == "" {
		return nil, models.NewValidationError("portfolio name is required", "name")
	}
	if np.CashBalance.IsNegative() {
		return nil, models.NewValidationError("cash balance cannot be negative", "cash_balance")
	}
	if _, err := l.store.GetPortfolioByName(ctx, name); err == nil {
		return nil, models.NewValidationError("portfolio name already exists", "name")
	} else if !errors.Is(err, models.ErrPortfolioNotFound) {
		return nil, err
	}
	currency := strings.ToUpper(strings.TrimSpace(np.BaseCurrency))
	if currency == "" {
		currency = "INR"
	}
	now := l.now()
	p := &models.Portfolio{
		ID:           id.Random(),
		Name:         name,
		UserID:       np.UserID,
		BaseCurrency: currency,
		Holdings:     map[string]*models.Holding{},
		CashBalance:  np.CashBalance,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := l.store.InsertPortfolio(ctx, p); err != nil {
		return nil, err
	}
	l.log.Infof("created portfolio %s (%s)", p.Name, p.ID)
	return p, nil
}

func (l *Ledger) Portfolio(ctx context.Context, portfolioID string) (*models.Portfolio, error) {
	return l.store.GetPortfolio(ctx, portfolioID)
}

func (l *Ledger) Portfolios(ctx context.Context) ([]models.Portfolio, error) {
	return l.store.ListPortfolios(ctx)
}

func (l *Ledger) Transactions(ctx context.Context, portfolioID string) ([]models.Transaction, error) {
	if _, err := l.store.GetPortfolio(ctx, portfolioID); err != nil {
		return nil, err
	}
	return l.store.ListTransactions(ctx, portfolioID)
}

func (l *Ledger) Transaction(ctx context.Context, txID string) (*models.Transaction, error) {
	return l.store.GetTransaction(ctx, txID)
}
