package directory

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"holdingsync/internal/database"
	"holdingsync/internal/id"
	"holdingsync/internal/models"
)

const (
	DefaultThreshold      = 80
	DefaultCandidateLimit = 5

	snapshotKey = "active"
)

type Options struct {
	Threshold      int
	CandidateLimit int
	SnapshotTTL    time.Duration
	Workers        int
}

// Directory resolves raw identifiers and company names to Security records.
type Directory struct {
	store database.Store
	log   *logrus.Logger
	cache *cache.Cache
	opts  Options
	now   func() time.Time
}

func New(store database.Store, log *logrus.Logger, opts Options) *Directory {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.CandidateLimit <= 0 {
		opts.CandidateLimit = DefaultCandidateLimit
	}
	if opts.SnapshotTTL <= 0 {
		opts.SnapshotTTL = 5 * time.Minute
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	return &Directory{
		store: store,
		log:   log,
		cache: cache.New(opts.SnapshotTTL, 2*opts.SnapshotTTL),
		opts:  opts,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (d *Directory) Threshold() int { return d.opts.Threshold }

// ResolveExact returns the security carrying identifier under any of its
// identifier fields. Active records win over delisted ones.
func (d *Directory) ResolveExact(ctx context.Context, identifier string) (*models.Security, error) {
	found, err := d.store.FindSecurities(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, models.ErrSecurityNotFound
	}
	for i := range found {
		if found[i].Active() {
			return &found[i], nil
		}
	}
	return &found[0], nil
}

// Match is the outcome of a fuzzy lookup. Accepted is set when the best
// candidate reached the threshold.
type Match struct {
	Query      string
	Candidates []models.Candidate
	Accepted   bool
}

func (m Match) Best() (models.Candidate, bool) {
	if len(m.Candidates) == 0 {
		return models.Candidate{}, false
	}
	return m.Candidates[0], true
}

type entry struct {
	sec   models.Security
	names []string
}

// ResolveFuzzy scores companyName against every active security's display
// name and recorded variants. Zero limit or threshold selects the defaults.
// Equal scores keep directory insertion order.
func (d *Directory) ResolveFuzzy(ctx context.Context, companyName string, limit, threshold int) (Match, error) {
	if limit <= 0 {
		limit = d.opts.CandidateLimit
	}
	if threshold <= 0 {
		threshold = d.opts.Threshold
	}
	query := Normalize(companyName)
	m := Match{Query: query}
	if query == "" {
		return m, nil
	}

	entries, err := d.snapshot(ctx)
	if err != nil {
		return m, err
	}

	scores := make([]int, len(entries))
	chunk := (len(entries) + d.opts.Workers - 1) / d.opts.Workers
	g, gctx := errgroup.WithContext(ctx)
	for start := 0; start < len(entries); start += chunk {
		end := min(start+chunk, len(entries))
		g.Go(func() error {
			for i := start; i < end; i++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				for _, n := range entries[i].names {
					if s := Score(query, n); s > scores[i] {
						scores[i] = s
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return m, err
	}

	order := make([]int, 0, len(entries))
	for i, s := range scores {
		if s > 0 {
			order = append(order, i)
		}
	}
	sort.SliceStable(order, func(a, b int) bool { return scores[order[a]] > scores[order[b]] })
	if len(order) > limit {
		order = order[:limit]
	}
	for _, i := range order {
		m.Candidates = append(m.Candidates, models.Candidate{
			SecurityID:  entries[i].sec.ID,
			DisplayName: entries[i].sec.DisplayName,
			Score:       scores[i],
		})
	}
	m.Accepted = len(m.Candidates) > 0 && m.Candidates[0].Score >= threshold
	return m, nil
}

func (d *Directory) snapshot(ctx context.Context) ([]entry, error) {
	if v, ok := d.cache.Get(snapshotKey); ok {
		return v.([]entry), nil
	}
	secs, err := d.store.ListSecurities(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("load securities: %w", err)
	}
	entries := make([]entry, 0, len(secs))
	for _, s := range secs {
		e := entry{sec: s}
		seen := map[string]bool{}
		for _, n := range append([]string{s.DisplayName}, variantNames(s)...) {
			if nn := Normalize(n); nn != "" && !seen[nn] {
				seen[nn] = true
				e.names = append(e.names, nn)
			}
		}
		entries = append(entries, e)
	}
	d.cache.Set(snapshotKey, entries, cache.DefaultExpiration)
	d.log.Debugf("directory snapshot rebuilt with %d active securities", len(entries))
	return entries, nil
}

func variantNames(s models.Security) []string {
	out := make([]string, 0, len(s.NameHistory))
	for _, v := range s.NameHistory {
		out = append(out, v.Name)
	}
	return out
}

func (d *Directory) invalidate() { d.cache.Delete(snapshotKey) }

// Registration carries the fields of a security being created or upserted.
// Empty identifiers leave the stored value in place on upsert.
type Registration struct {
	DisplayName string                `json:"display_name"`
	Identifiers models.Identifiers    `json:"identifiers"`
	Exchange    string                `json:"exchange"`
	Status      models.SecurityStatus `json:"status"`
}

// Register upserts a security keyed by ISIN, or by exchange code when no
// ISIN is given. The display name is appended to the name history.
func (d *Directory) Register(ctx context.Context, reg Registration, source string) (*models.Security, bool, error) {
	ids := reg.Identifiers.Normalize()
	if ids.ISIN == "" && ids.ExchangeCode == "" {
		return nil, false, models.NewValidationError("isin or exchange code is required", "isin", "exchange_code")
	}
	if reg.Status != "" && reg.Status != models.SecurityActive && reg.Status != models.SecurityDelisted {
		return nil, false, models.NewValidationError("unknown status "+string(reg.Status), "status")
	}
	name := strings.TrimSpace(reg.DisplayName)
	if source == "" {
		source = "registration"
	}

	key, keyOf := ids.ISIN, func(s models.Security) string { return s.Identifiers.ISIN }
	if key == "" {
		key, keyOf = ids.ExchangeCode, func(s models.Security) string { return s.Identifiers.ExchangeCode }
	}
	found, err := d.store.FindSecurities(ctx, key)
	if err != nil {
		return nil, false, err
	}
	var same []models.Security
	for _, s := range found {
		if keyOf(s) == key {
			same = append(same, s)
		}
	}

	now := d.now()
	if len(same) == 0 {
		if name == "" {
			return nil, false, models.NewValidationError("display name is required", "display_name")
		}
		exch := strings.ToUpper(strings.TrimSpace(reg.Exchange))
		if exch == "" {
			exch = models.DefaultExchange
		}
		status := reg.Status
		if status == "" {
			status = models.SecurityActive
		}
		sec := &models.Security{
			ID:          id.Sortable(),
			DisplayName: name,
			Identifiers: ids,
			Exchange:    exch,
			Currency:    models.Exchanges[exch].Currency,
			Status:      status,
			NameHistory: []models.NameVariant{{Name: name, Source: source, AddedAt: now}},
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := d.store.InsertSecurity(ctx, sec); err != nil {
			return nil, false, err
		}
		d.invalidate()
		d.log.Infof("registered security %s (%s)", sec.DisplayName, key)
		return sec, true, nil
	}

	sec := same[0]
	for _, s := range same {
		if s.Active() {
			sec = s
			break
		}
	}
	if reg.Status != "" {
		sec.Status = reg.Status
	}
	if sec.Active() {
		for _, other := range same {
			if other.ID != sec.ID && other.Active() && ids.ISIN != "" {
				return nil, false, models.ErrDuplicateISIN
			}
		}
	}
	sec.Identifiers = merge(sec.Identifiers, ids)
	if reg.Exchange != "" {
		sec.Exchange = strings.ToUpper(strings.TrimSpace(reg.Exchange))
		if info, ok := models.Exchanges[sec.Exchange]; ok {
			sec.Currency = info.Currency
		}
	}
	if name != "" {
		sec.DisplayName = name
		sec.NameHistory = append(sec.NameHistory, models.NameVariant{Name: name, Source: source, AddedAt: now})
	}
	sec.UpdatedAt = now
	if err := d.store.UpdateSecurity(ctx, &sec); err != nil {
		return nil, false, err
	}
	d.invalidate()
	d.log.Infof("updated security %s (%s)", sec.DisplayName, key)
	return &sec, false, nil
}

func merge(cur, next models.Identifiers) models.Identifiers {
	pick := func(a, b string) string {
		if b != "" {
			return b
		}
		return a
	}
	return models.Identifiers{
		ISIN:                  pick(cur.ISIN, next.ISIN),
		ExchangeCode:          pick(cur.ExchangeCode, next.ExchangeCode),
		BrokerTransactionCode: pick(cur.BrokerTransactionCode, next.BrokerTransactionCode),
		BrokerHoldingsCode:    pick(cur.BrokerHoldingsCode, next.BrokerHoldingsCode),
		FeedSymbol:            pick(cur.FeedSymbol, next.FeedSymbol),
	}
}

func (d *Directory) List(ctx context.Context, activeOnly bool) ([]models.Security, error) {
	return d.store.ListSecurities(ctx, activeOnly)
}

// Lookup finds a security by id, falling back to an exact identifier match.
func (d *Directory) Lookup(ctx context.Context, ref string) (*models.Security, error) {
	sec, err := d.store.GetSecurity(ctx, ref)
	if err == nil {
		return sec, nil
	}
	if !errors.Is(err, models.ErrSecurityNotFound) {
		return nil, err
	}
	return d.ResolveExact(ctx, ref)
}

// AddNameVariant records another spelling of a security's name. Names
// already known are ignored.
func (d *Directory) AddNameVariant(ctx context.Context, ref, name, source string) (*models.Security, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, models.NewValidationError("name is required", "name")
	}
	sec, err := d.Lookup(ctx, ref)
	if err != nil {
		return nil, err
	}
	if sec.HasName(name) {
		return sec, nil
	}
	now := d.now()
	sec.NameHistory = append(sec.NameHistory, models.NameVariant{Name: name, Source: source, AddedAt: now})
	sec.UpdatedAt = now
	if err := d.store.UpdateSecurity(ctx, sec); err != nil {
		return nil, err
	}
	d.invalidate()
	d.log.Infof("added name variant %q to %s (source %s)", name, sec.ID, source)
	return sec, nil
}

func (d *Directory) SetStatus(ctx context.Context, ref string, status models.SecurityStatus) (*models.Security, error) {
	if status != models.SecurityActive && status != models.SecurityDelisted {
		return nil, models.NewValidationError("unknown status "+string(status), "status")
	}
	sec, err := d.Lookup(ctx, ref)
	if err != nil {
		return nil, err
	}
	if sec.Status == status {
		return sec, nil
	}
	if status == models.SecurityActive && sec.Identifiers.ISIN != "" {
		others, err := d.store.FindSecurities(ctx, sec.Identifiers.ISIN)
		if err != nil {
			return nil, err
		}
		for _, o := range others {
			if o.ID != sec.ID && o.Active() && o.Identifiers.ISIN == sec.Identifiers.ISIN {
				return nil, models.ErrDuplicateISIN
			}
		}
	}
	sec.Status = status
	sec.UpdatedAt = d.now()
	if err := d.store.UpdateSecurity(ctx, sec); err != nil {
		return nil, err
	}
	d.invalidate()
	d.log.Infof("security %s is now %s", sec.ID, status)
	return sec, nil
}
