package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const DefaultRatesPath = "$.rates"

type FXProvider interface {
	Rate(ctx context.Context, from, to string) (decimal.Decimal, error)
}

// HTTPRates fetches the rate table for a base currency (GET <baseURL><FROM>)
// and caches it. The table is located in the response with a JSONPath
// expression, "$.rates" for exchangerate-api style providers.
type HTTPRates struct {
	baseURL   string
	ratesPath string
	client    *http.Client
	cache     *cache.Cache
	log       *logrus.Logger
}

func NewHTTPRates(baseURL, ratesPath string, ttl time.Duration, log *logrus.Logger) *HTTPRates {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if ratesPath == "" {
		ratesPath = DefaultRatesPath
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &HTTPRates{
		baseURL:   baseURL,
		ratesPath: ratesPath,
		client:    &http.Client{Timeout: 10 * time.Second},
		cache:     cache.New(ttl, 2*ttl),
		log:       log,
	}
}

func (f *HTTPRates) Rate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	from, to = strings.ToUpper(strings.TrimSpace(from)), strings.ToUpper(strings.TrimSpace(to))
	if from == to {
		return decimal.NewFromInt(1), nil
	}
	table, err := f.table(ctx, from)
	if err != nil {
		return decimal.Zero, err
	}
	r, ok := table[to]
	if !ok {
		return decimal.Zero, fmt.Errorf("no %s rate for %s", to, from)
	}
	return r, nil
}

func (f *HTTPRates) table(ctx context.Context, base string) (map[string]decimal.Decimal, error) {
	if v, ok := f.cache.Get(base); ok {
		return v.(map[string]decimal.Decimal), nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+base, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s rates: %w", base, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s rates: unexpected status %d", base, resp.StatusCode)
	}

	var jobj any
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&jobj); err != nil {
		return nil, fmt.Errorf("decode %s rates: %w", base, err)
	}
	jval, err := jsonpath.Get(f.ratesPath, jobj)
	if err != nil {
		return nil, fmt.Errorf("decode %s rates: %q: %w", base, f.ratesPath, err)
	}
	// a filter expression yields a list, keep its first element
	if jlist, ok := jval.([]any); ok && len(jlist) > 0 {
		jval = jlist[0]
	}
	raw, ok := jval.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("decode %s rates: %q is not an object", base, f.ratesPath)
	}

	table := make(map[string]decimal.Decimal, len(raw))
	for cur, v := range raw {
		d, err := decimal.NewFromString(fmt.Sprint(v))
		if err != nil {
			f.log.Warnf("skipping %s/%s rate %v: %v", base, cur, v, err)
			continue
		}
		table[strings.ToUpper(cur)] = d
	}
	f.cache.Set(base, table, cache.DefaultExpiration)
	f.log.Debugf("loaded %d exchange rates for %s", len(table), base)
	return table, nil
}
