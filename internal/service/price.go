package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"holdingsync/internal/database"
)

var ErrPriceNotFound = errors.New("price not found")

type PriceFeed interface {
	LastPrice(ctx context.Context, securityID string) (decimal.Decimal, error)
}

type quote struct {
	price decimal.Decimal
	ts    time.Time
}

// StorePriceFeed serves the latest recorded price per security from the
// price history table through an in-process cache.
type StorePriceFeed struct {
	store database.Store
	log   *logrus.Logger
	cache *cache.Cache
}

func NewStorePriceFeed(store database.Store, log *logrus.Logger, ttl time.Duration) *StorePriceFeed {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &StorePriceFeed{store: store, log: log, cache: cache.New(ttl, 2*ttl)}
}

func (p *StorePriceFeed) LastPrice(ctx context.Context, securityID string) (decimal.Decimal, error) {
	if v, ok := p.cache.Get(securityID); ok {
		return v.(quote).price, nil
	}
	q, err := p.load(ctx, securityID)
	if err != nil {
		return decimal.Zero, err
	}
	return q.price, nil
}

func (p *StorePriceFeed) load(ctx context.Context, securityID string) (quote, error) {
	price, ts, err := p.store.LatestPrice(ctx, securityID)
	if errors.Is(err, sql.ErrNoRows) {
		return quote{}, ErrPriceNotFound
	}
	if err != nil {
		return quote{}, err
	}
	q := quote{price: price, ts: ts}
	p.cache.Set(securityID, q, cache.DefaultExpiration)
	return q, nil
}

// Record stores a price observation and makes it the cached value when it is
// the newest one seen.
func (p *StorePriceFeed) Record(ctx context.Context, securityID string, price decimal.Decimal, ts time.Time) error {
	if !price.IsPositive() {
		return errors.New("price must be positive")
	}
	if err := p.store.UpsertPrice(ctx, securityID, price, ts); err != nil {
		return err
	}
	if v, ok := p.cache.Get(securityID); ok && v.(quote).ts.After(ts) {
		return nil
	}
	p.cache.Set(securityID, quote{price: price, ts: ts}, cache.DefaultExpiration)
	return nil
}

// Start refreshes the cache for every active security on each tick until ctx
// is done.
func (p *StorePriceFeed) Start(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				p.log.Info("price refresher stopping")
				return
			case <-ticker.C:
				p.refresh(ctx)
			}
		}
	}()
}

func (p *StorePriceFeed) refresh(ctx context.Context) {
	secs, err := p.store.ListSecurities(ctx, true)
	if err != nil {
		p.log.Warnf("failed to list securities: %v", err)
		return
	}
	missing := 0
	for _, s := range secs {
		if _, err := p.load(ctx, s.ID); err != nil {
			missing++
		}
	}
	p.log.Debugf("price cache refreshed: %d securities, %d without prices", len(secs), missing)
}
