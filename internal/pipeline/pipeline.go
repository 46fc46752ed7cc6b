package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"holdingsync/internal/directory"
	"holdingsync/internal/id"
	"holdingsync/internal/ledger"
	"holdingsync/internal/models"
	"holdingsync/internal/staging"
)

// MappingSource tags name variants learned from a manual confirmation.
const MappingSource = "manual_mapping"

type Resolver interface {
	ResolveExact(ctx context.Context, identifier string) (*models.Security, error)
	ResolveFuzzy(ctx context.Context, companyName string, limit, threshold int) (directory.Match, error)
	Lookup(ctx context.Context, ref string) (*models.Security, error)
	AddNameVariant(ctx context.Context, ref, name, source string) (*models.Security, error)
}

type Poster interface {
	Post(ctx context.Context, portfolioID string, tx *models.Transaction) (*ledger.PostResult, error)
	Portfolio(ctx context.Context, portfolioID string) (*models.Portfolio, error)
}

type Options struct {
	Workers        int
	Threshold      int
	CandidateLimit int
}

// Pipeline turns raw import rows into staged rows and staged rows into
// posted transactions.
type Pipeline struct {
	dir     Resolver
	ledger  Poster
	staging *staging.Store
	fees    *FeeCalculator
	log     *logrus.Logger
	opts    Options
}

func New(dir Resolver, l Poster, st *staging.Store, fees *FeeCalculator, log *logrus.Logger, opts Options) *Pipeline {
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.Threshold <= 0 {
		opts.Threshold = directory.DefaultThreshold
	}
	if opts.CandidateLimit <= 0 {
		opts.CandidateLimit = directory.DefaultCandidateLimit
	}
	return &Pipeline{dir: dir, ledger: l, staging: st, fees: fees, log: log, opts: opts}
}

type ImportRequest struct {
	BatchID string `json:"batch_id"`
	// PortfolioID, when set, commits resolved rows right away.
	PortfolioID string             `json:"portfolio_id"`
	Broker      string             `json:"broker"`
	Exchange    string             `json:"exchange"`
	Rows        []models.ImportRow `json:"rows"`
}

type ItemError struct {
	RowNumber int    `json:"row_number,omitempty"`
	RowID     string `json:"row_id,omitempty"`
	Reason    string `json:"reason"`
}

type RowOutcome struct {
	RowNumber     int                `json:"row_number"`
	RowID         string             `json:"row_id"`
	State         models.RowState    `json:"state"`
	SecurityID    string             `json:"security_id,omitempty"`
	MatchScore    int                `json:"match_score"`
	Candidates    []models.Candidate `json:"candidates,omitempty"`
	TransactionID string             `json:"transaction_id,omitempty"`
	Committed     bool               `json:"committed"`
	Error         string             `json:"error,omitempty"`
}

type BatchResult struct {
	BatchID   string       `json:"batch_id"`
	Total     int          `json:"total"`
	Resolved  int          `json:"resolved"`
	Ambiguous int          `json:"ambiguous"`
	Rejected  int          `json:"rejected"`
	Committed int          `json:"committed"`
	Failed    int          `json:"failed"`
	Rows      []RowOutcome `json:"rows"`
	Errors    []ItemError  `json:"errors"`
	Warnings  []string     `json:"warnings,omitempty"`
}

// Import classifies every row, stages the batch and, when a portfolio is
// named, commits the resolved rows. Nothing is written until every row has
// been classified, so cancelling before that leaves no trace.
func (p *Pipeline) Import(ctx context.Context, req ImportRequest) (*BatchResult, error) {
	if req.PortfolioID != "" {
		if _, err := p.ledger.Portfolio(ctx, req.PortfolioID); err != nil {
			return nil, err
		}
	}
	batchID := req.BatchID
	if batchID == "" {
		batchID = id.Sortable()
	}

	rows := make([]models.StagedImportRow, len(req.Rows))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Workers)
	for i := range req.Rows {
		g.Go(func() error {
			row, err := p.classify(gctx, batchID, i+1, req.Rows[i], req)
			if err != nil {
				return fmt.Errorf("row %d: %w", i+1, err)
			}
			rows[i] = row
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := p.staging.Insert(ctx, rows); err != nil {
		return nil, fmt.Errorf("stage batch %s: %w", batchID, err)
	}

	res := &BatchResult{BatchID: batchID, Total: len(rows), Errors: []ItemError{}}
	byID := make(map[string]int, len(rows))
	for i, r := range rows {
		switch r.State {
		case models.RowResolved:
			res.Resolved++
		case models.RowAmbiguous:
			res.Ambiguous++
		case models.RowRejected:
			res.Rejected++
			res.Errors = append(res.Errors, ItemError{RowNumber: r.RowNumber, RowID: r.ID, Reason: r.ParseError})
		}
		res.Rows = append(res.Rows, RowOutcome{
			RowNumber:  r.RowNumber,
			RowID:      r.ID,
			State:      r.State,
			SecurityID: r.SecurityID,
			MatchScore: r.MatchScore,
			Candidates: r.Candidates,
			Error:      r.ParseError,
		})
		byID[r.ID] = i
	}
	p.log.Infof("batch %s staged: %d rows, %d resolved, %d ambiguous, %d rejected", batchID, res.Total, res.Resolved, res.Ambiguous, res.Rejected)

	if req.PortfolioID == "" {
		return res, nil
	}

	var resolved []models.StagedImportRow
	for _, r := range rows {
		if r.State == models.RowResolved {
			resolved = append(resolved, r)
		}
	}
	sort.SliceStable(resolved, func(a, b int) bool {
		if !resolved[a].Date.Equal(resolved[b].Date) {
			return resolved[a].Date.Before(resolved[b].Date)
		}
		return resolved[a].RowNumber < resolved[b].RowNumber
	})
	ids := make([]string, len(resolved))
	for i, r := range resolved {
		ids[i] = r.ID
	}

	cr := p.commit(ctx, req.PortfolioID, ids, nil)
	res.Committed, res.Failed, res.Warnings = cr.Committed, cr.Failed, cr.Warnings
	for _, item := range cr.Items {
		out := &res.Rows[byID[item.RowID]]
		out.TransactionID = item.TransactionID
		out.Committed = item.Error == ""
		if item.Error != "" {
			out.Error = item.Error
			res.Errors = append(res.Errors, ItemError{RowNumber: out.RowNumber, RowID: item.RowID, Reason: item.Error})
		}
	}
	return res, nil
}

// classify parses and resolves one row. Row-level problems end up in the
// row's state; only infrastructure failures are returned.
func (p *Pipeline) classify(ctx context.Context, batchID string, rowNum int, raw models.ImportRow, req ImportRequest) (models.StagedImportRow, error) {
	row := models.StagedImportRow{
		BatchID:        batchID,
		RowNumber:      rowNum,
		CompanyName:    strings.TrimSpace(raw.CompanyName),
		IdentifierCode: models.NormalizeIdentifier(raw.IdentifierCode),
		RawSide:        raw.Side,
		RawQuantity:    raw.Quantity,
		RawPrice:       raw.Price,
		RawDate:        raw.Date,
		Exchange:       firstNonEmpty(raw.Exchange, req.Exchange, models.DefaultExchange),
		Broker:         firstNonEmpty(raw.Broker, req.Broker),
		BrokerRef:      raw.BrokerRef,
		CreatedAt:      time.Now().UTC(),
	}
	row.Exchange = strings.ToUpper(strings.TrimSpace(row.Exchange))

	fields, err := parseRow(rowNum, raw)
	if err != nil {
		row.State = models.RowRejected
		row.ParseError = err.Error()
		return row, nil
	}
	if row.CompanyName == "" && row.IdentifierCode == "" {
		row.State = models.RowRejected
		row.ParseError = models.NewValidationError("company name or identifier code is required", "company_name", "identifier_code").Error()
		return row, nil
	}
	row.Type, row.Quantity, row.Price, row.Date = fields.side, fields.quantity, fields.price, fields.date
	if raw.Charges != nil && !raw.Charges.IsZero() {
		row.Charges = *raw.Charges
	} else {
		row.Charges = p.fees.Charges(row.Broker, row.Quantity.Mul(row.Price))
	}

	if row.IdentifierCode != "" {
		sec, err := p.dir.ResolveExact(ctx, row.IdentifierCode)
		switch {
		case err == nil:
			row.State = models.RowResolved
			row.SecurityID = sec.ID
			row.MatchScore = 100
			return row, nil
		case !errors.Is(err, models.ErrSecurityNotFound):
			return row, err
		}
	}

	row.State = models.RowAmbiguous
	if row.CompanyName == "" {
		return row, nil
	}
	m, err := p.dir.ResolveFuzzy(ctx, row.CompanyName, p.opts.CandidateLimit, p.opts.Threshold)
	if err != nil {
		return row, err
	}
	row.Candidates = m.Candidates
	if best, ok := m.Best(); ok {
		row.MatchScore = best.Score
		if m.Accepted {
			row.State = models.RowResolved
			row.SecurityID = best.SecurityID
		}
	}
	return row, nil
}

type Selection struct {
	RowID string `json:"row_id"`
	// SecurityID overrides the row's resolved security; required for
	// ambiguous rows.
	SecurityID string `json:"security_id"`
}

type ConfirmRequest struct {
	PortfolioID string      `json:"portfolio_id"`
	Rows        []Selection `json:"rows"`
}

type ItemResult struct {
	RowID         string `json:"row_id"`
	TransactionID string `json:"transaction_id,omitempty"`
	Error         string `json:"error,omitempty"`
}

type ConfirmResult struct {
	Total     int          `json:"total"`
	Committed int          `json:"committed"`
	Failed    int          `json:"failed"`
	Items     []ItemResult `json:"items"`
	Warnings  []string     `json:"warnings,omitempty"`
}

// Confirm commits the chosen staged rows into a portfolio. Rows already
// committed or discarded are reported as not found; they never produce a
// second transaction.
func (p *Pipeline) Confirm(ctx context.Context, req ConfirmRequest) (*ConfirmResult, error) {
	if strings.TrimSpace(req.PortfolioID) == "" {
		return nil, models.NewValidationError("portfolio id is required", "portfolio_id")
	}
	if len(req.Rows) == 0 {
		return nil, models.NewValidationError("no rows selected", "rows")
	}
	if _, err := p.ledger.Portfolio(ctx, req.PortfolioID); err != nil {
		return nil, err
	}

	overrides := map[string]string{}
	ids := make([]string, 0, len(req.Rows))
	var rejected []ItemResult
	for _, sel := range req.Rows {
		if sel.SecurityID != "" {
			sec, err := p.dir.Lookup(ctx, sel.SecurityID)
			if err != nil {
				rejected = append(rejected, ItemResult{RowID: sel.RowID, Error: err.Error()})
				continue
			}
			overrides[sel.RowID] = sec.ID
		}
		ids = append(ids, sel.RowID)
	}

	res := p.commit(ctx, req.PortfolioID, ids, overrides)
	res.Items = append(res.Items, rejected...)
	res.Total += len(rejected)
	res.Failed += len(rejected)
	return res, nil
}

func (p *Pipeline) commit(ctx context.Context, portfolioID string, ids []string, overrides map[string]string) *ConfirmResult {
	res := &ConfirmResult{Total: len(ids), Items: []ItemResult{}}
	outcomes := p.staging.Promote(ctx, ids, func(ctx context.Context, row *models.StagedImportRow) (string, error) {
		if row.State == models.RowRejected {
			return "", models.NewValidationError("row was rejected: "+row.ParseError, "row")
		}
		secID := row.SecurityID
		chosen, manual := overrides[row.ID]
		if manual {
			secID = chosen
		}
		if secID == "" {
			return "", models.NewValidationError("a security must be chosen for this row", "security_id")
		}

		tx := &models.Transaction{
			SecurityID: secID,
			Exchange:   row.Exchange,
			Type:       row.Type,
			Quantity:   row.Quantity,
			Price:      row.Price,
			Date:       row.Date,
			Charges:    row.Charges,
			Broker:     row.Broker,
			BrokerRef:  row.BrokerRef,
			Source:     models.SourceImport,
		}
		pr, err := p.ledger.Post(ctx, portfolioID, tx)
		if err != nil {
			if pr != nil && pr.Transaction != nil {
				return pr.Transaction.ID, err
			}
			return "", err
		}
		for _, w := range pr.Warnings {
			res.Warnings = append(res.Warnings, fmt.Sprintf("row %d: %s", row.RowNumber, w))
		}
		if manual && row.CompanyName != "" && chosen != row.SecurityID {
			if _, err := p.dir.AddNameVariant(ctx, secID, row.CompanyName, MappingSource); err != nil {
				p.log.Warnf("learning name %q for %s failed: %v", row.CompanyName, secID, err)
			}
		}
		return tx.ID, nil
	})

	for _, o := range outcomes {
		item := ItemResult{RowID: o.RowID, TransactionID: o.TransactionID}
		if o.OK() {
			res.Committed++
		} else {
			res.Failed++
			item.Error = o.Error
		}
		res.Items = append(res.Items, item)
	}
	p.log.Infof("committed %d of %d staged rows into portfolio %s", res.Committed, res.Total, portfolioID)
	return res
}

type DiscardResult struct {
	Total     int          `json:"total"`
	Discarded int          `json:"discarded"`
	Failed    int          `json:"failed"`
	Items     []ItemResult `json:"items"`
}

func (p *Pipeline) Discard(ctx context.Context, rowIDs []string) *DiscardResult {
	res := &DiscardResult{Total: len(rowIDs), Items: []ItemResult{}}
	for _, rowID := range rowIDs {
		item := ItemResult{RowID: rowID}
		if err := p.staging.Discard(ctx, rowID); err != nil {
			res.Failed++
			item.Error = err.Error()
		} else {
			res.Discarded++
		}
		res.Items = append(res.Items, item)
	}
	return res
}

type BatchView struct {
	BatchID   string                   `json:"batch_id"`
	Resolved  int                      `json:"resolved"`
	Ambiguous int                      `json:"ambiguous"`
	Rejected  int                      `json:"rejected"`
	Rows      []models.StagedImportRow `json:"rows"`
}

// Batch lists the rows of a batch still waiting in staging.
func (p *Pipeline) Batch(ctx context.Context, batchID string) (*BatchView, error) {
	rows, err := p.staging.ListBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	v := &BatchView{BatchID: batchID, Rows: rows}
	for _, r := range rows {
		switch r.State {
		case models.RowResolved:
			v.Resolved++
		case models.RowAmbiguous:
			v.Ambiguous++
		case models.RowRejected:
			v.Rejected++
		}
	}
	return v, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
