package pipeline

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"holdingsync/internal/config"
	"holdingsync/internal/database"
	"holdingsync/internal/directory"
	"holdingsync/internal/ledger"
	"holdingsync/internal/models"
	"holdingsync/internal/staging"
)

type fixture struct {
	store  *database.MemStore
	dir    *directory.Directory
	ledger *ledger.Ledger
	pipe   *Pipeline
	ctx    context.Context
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newFixture(t *testing.T, fees ...models.FeeStructure) *fixture {
	t.Helper()
	log := quietLogger()
	store := database.NewMemStore()
	dir := directory.New(store, log, directory.Options{})
	l := ledger.New(store, log, ledger.Options{MasterPortfolio: "IND Stock Portfolio"})
	p := New(dir, l, staging.New(store, log), NewFeeCalculator(config.NewFeeSchedule(fees...)), log, Options{Workers: 4})
	return &fixture{store: store, dir: dir, ledger: l, pipe: p, ctx: context.Background()}
}

func (f *fixture) security(t *testing.T, name, isin, code string) *models.Security {
	t.Helper()
	sec, _, err := f.dir.Register(f.ctx, directory.Registration{
		DisplayName: name,
		Identifiers: models.Identifiers{ISIN: isin, ExchangeCode: code},
	}, "test")
	require.NoError(t, err)
	return sec
}

func (f *fixture) portfolio(t *testing.T, name string) *models.Portfolio {
	t.Helper()
	p, err := f.ledger.CreatePortfolio(f.ctx, ledger.NewPortfolio{Name: name, BaseCurrency: "INR"})
	require.NoError(t, err)
	return p
}

func row(name, code, side, qty, price, date string) models.ImportRow {
	return models.ImportRow{CompanyName: name, IdentifierCode: code, Side: side, Quantity: qty, Price: price, Date: date}
}

func TestImportClassifiesRows(t *testing.T) {
	f := newFixture(t)
	tcs := f.security(t, "Tata Consultancy Services Ltd", "INE467B01029", "TCS")
	rel := f.security(t, "Reliance Industries Ltd", "INE002A01018", "RELIANCE")

	res, err := f.pipe.Import(f.ctx, ImportRequest{Rows: []models.ImportRow{
		row("", "tcs", "BUY", "10", "3,450.50", "15-03-2024"),
		row("Reliance Industries Limited", "", "S", "₹1,000", "2,900", "2024-03-16"),
		row("Some Unknown Microcap", "", "buy", "1", "10", "2024-03-16"),
		row("Reliance Industries", "", "BUY", "ten", "10", "2024-03-16"),
		row("Reliance Industries", "", "BUY", "1", "10", "31/02/2024x"),
		row("", "", "BUY", "1", "10", "2024-03-16"),
	}})
	require.NoError(t, err)

	assert.Equal(t, 6, res.Total)
	assert.Equal(t, 2, res.Resolved)
	assert.Equal(t, 1, res.Ambiguous)
	assert.Equal(t, 3, res.Rejected)
	assert.Zero(t, res.Committed)
	require.Len(t, res.Errors, 3)
	assert.Equal(t, 4, res.Errors[0].RowNumber)
	assert.Contains(t, res.Errors[0].Reason, "quantity")
	assert.Contains(t, res.Errors[1].Reason, "date")
	assert.Contains(t, res.Errors[2].Reason, "company name or identifier code")

	assert.Equal(t, tcs.ID, res.Rows[0].SecurityID)
	assert.Equal(t, 100, res.Rows[0].MatchScore)
	assert.Equal(t, rel.ID, res.Rows[1].SecurityID)
	assert.Equal(t, models.RowAmbiguous, res.Rows[2].State)

	view, err := f.pipe.Batch(f.ctx, res.BatchID)
	require.NoError(t, err)
	require.Len(t, view.Rows, 6)
	assert.Equal(t, 2, view.Resolved)
	assert.Equal(t, 3, view.Rejected)

	first := view.Rows[0]
	assert.True(t, first.Price.Equal(decimal.RequireFromString("3450.50")))
	assert.True(t, time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC).Equal(first.Date), "got %s", first.Date)
	second := view.Rows[1]
	assert.Equal(t, models.Sell, second.Type)
	assert.True(t, second.Quantity.Equal(decimal.NewFromInt(1000)))
}

func TestImportWithPortfolioCommitsResolvedInDateOrder(t *testing.T) {
	f := newFixture(t)
	sec := f.security(t, "Infosys Ltd", "INE009A01021", "INFY")
	p := f.portfolio(t, "Growth")

	// the sell is listed first but happened after the buy
	res, err := f.pipe.Import(f.ctx, ImportRequest{PortfolioID: p.ID, Rows: []models.ImportRow{
		row("Infosys Limited", "", "SELL", "4", "1600", "2024-02-10"),
		row("", "INFY", "BUY", "10", "1500", "2024-01-05"),
		row("Mystery Holdings", "", "BUY", "1", "1", "2024-01-05"),
	}})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Resolved)
	assert.Equal(t, 2, res.Committed)
	assert.Zero(t, res.Failed)
	assert.True(t, res.Rows[0].Committed)
	assert.NotEmpty(t, res.Rows[0].TransactionID)

	got, err := f.ledger.Portfolio(f.ctx, p.ID)
	require.NoError(t, err)
	h := got.Holdings[models.InstrumentKey(sec.ID, "NSE")]
	require.NotNil(t, h)
	assert.True(t, h.Quantity.Equal(decimal.NewFromInt(6)))
	assert.False(t, h.Historical)
	assert.True(t, h.RealizedPLTotal.Equal(decimal.NewFromInt(400)))

	view, err := f.pipe.Batch(f.ctx, res.BatchID)
	require.NoError(t, err)
	require.Len(t, view.Rows, 1)
	assert.Equal(t, models.RowAmbiguous, view.Rows[0].State)
}

func TestImportUnknownPortfolioWritesNothing(t *testing.T) {
	f := newFixture(t)
	_, err := f.pipe.Import(f.ctx, ImportRequest{BatchID: "b1", PortfolioID: "nope", Rows: []models.ImportRow{row("X", "", "BUY", "1", "1", "2024-01-01")}})
	assert.ErrorIs(t, err, models.ErrPortfolioNotFound)
	view, err := f.pipe.Batch(f.ctx, "b1")
	require.NoError(t, err)
	assert.Empty(t, view.Rows)
}

func TestImportCancelledBeforeStagingHasNoSideEffects(t *testing.T) {
	f := newFixture(t)
	f.security(t, "Infosys Ltd", "INE009A01021", "INFY")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.pipe.Import(ctx, ImportRequest{BatchID: "b1", Rows: []models.ImportRow{row("Infosys", "", "BUY", "1", "1", "2024-01-01")}})
	require.Error(t, err)
	view, err := f.pipe.Batch(context.Background(), "b1")
	require.NoError(t, err)
	assert.Empty(t, view.Rows)
}

func TestConfirmAmbiguousRowLearnsMapping(t *testing.T) {
	f := newFixture(t)
	sec := f.security(t, "Hindustan Unilever Ltd", "INE030A01027", "HINDUNILVR")
	p := f.portfolio(t, "Growth")

	res, err := f.pipe.Import(f.ctx, ImportRequest{Rows: []models.ImportRow{row("HUL", "", "BUY", "3", "2400", "2024-01-05")}})
	require.NoError(t, err)
	require.Equal(t, 1, res.Ambiguous)
	rowID := res.Rows[0].RowID

	cr, err := f.pipe.Confirm(f.ctx, ConfirmRequest{PortfolioID: p.ID, Rows: []Selection{{RowID: rowID, SecurityID: "HINDUNILVR"}}})
	require.NoError(t, err)
	assert.Equal(t, 1, cr.Total)
	assert.Equal(t, 1, cr.Committed)
	require.Len(t, cr.Items, 1)
	txID := cr.Items[0].TransactionID
	require.NotEmpty(t, txID)

	tx, err := f.ledger.Transaction(f.ctx, txID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, tx.Status)
	assert.Equal(t, sec.ID, tx.SecurityID)
	assert.Equal(t, models.SourceImport, tx.Source)

	learned, err := f.store.GetSecurity(f.ctx, sec.ID)
	require.NoError(t, err)
	assert.True(t, learned.HasName("HUL"))
	assert.Equal(t, MappingSource, learned.NameHistory[len(learned.NameHistory)-1].Source)

	m, err := f.dir.ResolveFuzzy(f.ctx, "HUL", 0, 0)
	require.NoError(t, err)
	assert.True(t, m.Accepted)
}

func TestConfirmTwiceNeverDuplicates(t *testing.T) {
	f := newFixture(t)
	f.security(t, "Infosys Ltd", "INE009A01021", "INFY")
	p := f.portfolio(t, "Growth")

	res, err := f.pipe.Import(f.ctx, ImportRequest{Rows: []models.ImportRow{row("", "INFY", "BUY", "10", "1500", "2024-01-05")}})
	require.NoError(t, err)
	sel := []Selection{{RowID: res.Rows[0].RowID}}

	first, err := f.pipe.Confirm(f.ctx, ConfirmRequest{PortfolioID: p.ID, Rows: sel})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Committed)

	second, err := f.pipe.Confirm(f.ctx, ConfirmRequest{PortfolioID: p.ID, Rows: sel})
	require.NoError(t, err)
	assert.Zero(t, second.Committed)
	assert.Equal(t, 1, second.Failed)
	assert.Contains(t, second.Items[0].Error, models.ErrStagedRowNotFound.Error())

	txs, err := f.ledger.Transactions(f.ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestConfirmLedgerFailureKeepsRow(t *testing.T) {
	f := newFixture(t)
	f.security(t, "Infosys Ltd", "INE009A01021", "INFY")
	p := f.portfolio(t, "Growth")
	_, err := f.pipe.Import(f.ctx, ImportRequest{PortfolioID: p.ID, Rows: []models.ImportRow{row("", "INFY", "BUY", "2", "1500", "2024-01-05")}})
	require.NoError(t, err)

	res, err := f.pipe.Import(f.ctx, ImportRequest{Rows: []models.ImportRow{row("", "INFY", "SELL", "5", "1600", "2024-02-05")}})
	require.NoError(t, err)
	rowID := res.Rows[0].RowID

	cr, err := f.pipe.Confirm(f.ctx, ConfirmRequest{PortfolioID: p.ID, Rows: []Selection{{RowID: rowID}}})
	require.NoError(t, err)
	assert.Equal(t, 1, cr.Failed)
	assert.Contains(t, cr.Items[0].Error, "insufficient quantity")
	failedTx := cr.Items[0].TransactionID
	require.NotEmpty(t, failedTx)

	tx, err := f.ledger.Transaction(f.ctx, failedTx)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, tx.Status)

	view, err := f.pipe.Batch(f.ctx, res.BatchID)
	require.NoError(t, err)
	require.Len(t, view.Rows, 1)
	assert.Contains(t, view.Rows[0].LastError, "insufficient quantity")
	assert.Equal(t, []string{failedTx}, view.Rows[0].FailedTransactionIDs)
	assert.False(t, view.Rows[0].Claimed)
}

func TestConfirmValidation(t *testing.T) {
	f := newFixture(t)
	p := f.portfolio(t, "Growth")

	_, err := f.pipe.Confirm(f.ctx, ConfirmRequest{Rows: []Selection{{RowID: "x"}}})
	assert.True(t, models.IsValidation(err))
	_, err = f.pipe.Confirm(f.ctx, ConfirmRequest{PortfolioID: "missing", Rows: []Selection{{RowID: "x"}}})
	assert.ErrorIs(t, err, models.ErrPortfolioNotFound)

	res, err := f.pipe.Import(f.ctx, ImportRequest{Rows: []models.ImportRow{
		row("Nobody", "", "BUY", "1", "1", "2024-01-01"),
		row("Nobody", "", "BUY", "x", "1", "2024-01-01"),
	}})
	require.NoError(t, err)
	cr, err := f.pipe.Confirm(f.ctx, ConfirmRequest{PortfolioID: p.ID, Rows: []Selection{
		{RowID: res.Rows[0].RowID},
		{RowID: res.Rows[1].RowID},
		{RowID: res.Rows[0].RowID, SecurityID: "NOT-A-SECURITY"},
	}})
	require.NoError(t, err)
	assert.Equal(t, 3, cr.Total)
	assert.Equal(t, 3, cr.Failed)
	for _, it := range cr.Items {
		assert.NotEmpty(t, it.Error)
	}
}

func TestDiscard(t *testing.T) {
	f := newFixture(t)
	res, err := f.pipe.Import(f.ctx, ImportRequest{Rows: []models.ImportRow{row("Nobody", "", "BUY", "1", "1", "2024-01-01")}})
	require.NoError(t, err)

	dr := f.pipe.Discard(f.ctx, []string{res.Rows[0].RowID, "missing"})
	assert.Equal(t, 2, dr.Total)
	assert.Equal(t, 1, dr.Discarded)
	assert.Equal(t, 1, dr.Failed)

	view, err := f.pipe.Batch(f.ctx, res.BatchID)
	require.NoError(t, err)
	assert.Empty(t, view.Rows)
}

func TestImportAppliesFeeSchedule(t *testing.T) {
	f := newFixture(t, models.FeeStructure{
		Broker:    "Zerodha",
		Brokerage: decimal.RequireFromString("0.0003"),
		STT:       decimal.RequireFromString("0.001"),
	})
	f.security(t, "Infosys Ltd", "INE009A01021", "INFY")

	explicit := row("", "INFY", "BUY", "10", "1000", "2024-01-01")
	explicit.Broker = "zerodha"
	explicit.Charges = &models.Charges{Brokerage: decimal.NewFromInt(20)}
	res, err := f.pipe.Import(f.ctx, ImportRequest{Broker: "Zerodha", Rows: []models.ImportRow{
		row("", "INFY", "BUY", "10", "1000", "2024-01-01"),
		explicit,
		func() models.ImportRow { r := row("", "INFY", "BUY", "10", "1000", "2024-01-01"); r.Broker = "Unknown"; return r }(),
	}})
	require.NoError(t, err)
	view, err := f.pipe.Batch(f.ctx, res.BatchID)
	require.NoError(t, err)
	require.Len(t, view.Rows, 3)

	assert.True(t, view.Rows[0].Charges.Brokerage.Equal(decimal.NewFromInt(3)))
	assert.True(t, view.Rows[0].Charges.STT.Equal(decimal.NewFromInt(10)))
	assert.True(t, view.Rows[0].Charges.GST.IsZero())
	assert.True(t, view.Rows[1].Charges.Brokerage.Equal(decimal.NewFromInt(20)))
	assert.True(t, view.Rows[2].Charges.IsZero())
}

// scoredResolver reports a fixed fuzzy score for every name.
type scoredResolver struct {
	sec   models.Security
	score int
}

func (r scoredResolver) ResolveExact(context.Context, string) (*models.Security, error) {
	return nil, models.ErrSecurityNotFound
}

func (r scoredResolver) ResolveFuzzy(_ context.Context, name string, _, threshold int) (directory.Match, error) {
	return directory.Match{
		Query:      strings.ToUpper(name),
		Candidates: []models.Candidate{{SecurityID: r.sec.ID, DisplayName: r.sec.DisplayName, Score: r.score}},
		Accepted:   r.score >= threshold,
	}, nil
}

func (r scoredResolver) Lookup(context.Context, string) (*models.Security, error) { return &r.sec, nil }

func (r scoredResolver) AddNameVariant(context.Context, string, string, string) (*models.Security, error) {
	return &r.sec, nil
}

func TestFuzzyThresholdRouting(t *testing.T) {
	log := quietLogger()
	store := database.NewMemStore()
	astral := models.Security{ID: "ASTRAL", DisplayName: "Astral Ltd", Status: models.SecurityActive}
	l := ledger.New(store, log, ledger.Options{})

	for score, want := range map[int]models.RowState{81: models.RowResolved, 80: models.RowResolved, 79: models.RowAmbiguous} {
		p := New(scoredResolver{sec: astral, score: score}, l, staging.New(store, log), NewFeeCalculator(nil), log, Options{Threshold: 80})
		res, err := p.Import(context.Background(), ImportRequest{Rows: []models.ImportRow{
			row("ASTRAL POLY TECHNIK LIMITED", "", "BUY", "1", "1500", "2024-01-01"),
		}})
		require.NoError(t, err)
		assert.Equal(t, want, res.Rows[0].State, "score %d", score)
		assert.Equal(t, score, res.Rows[0].MatchScore)
		assert.Len(t, res.Rows[0].Candidates, 1)
	}
}
