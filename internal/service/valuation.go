package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"holdingsync/internal/database"
	"holdingsync/internal/models"
)

const (
	PriceFromFeed        = "feed"
	PriceFromAverageCost = "average_cost"
)

type HoldingValue struct {
	SecurityID  string          `json:"security_id"`
	Name        string          `json:"name,omitempty"`
	Exchange    string          `json:"exchange"`
	Currency    string          `json:"currency"`
	Quantity    decimal.Decimal `json:"quantity"`
	AverageCost decimal.Decimal `json:"average_cost"`
	Price       decimal.Decimal `json:"price"`
	PriceSource string          `json:"price_source"`
	MarketValue decimal.Decimal `json:"market_value"`
	// BaseValue is MarketValue converted into the portfolio base currency.
	BaseValue    decimal.Decimal `json:"base_value"`
	UnrealizedPL decimal.Decimal `json:"unrealized_pl"`
	Historical   bool            `json:"historical"`
	Display      string          `json:"display"`
}

type PortfolioValue struct {
	PortfolioID   string          `json:"portfolio_id"`
	Name          string          `json:"name"`
	BaseCurrency  string          `json:"base_currency"`
	Holdings      []HoldingValue  `json:"holdings"`
	HoldingsValue decimal.Decimal `json:"holdings_value"`
	CashBalance   decimal.Decimal `json:"cash_balance"`
	TotalValue    decimal.Decimal `json:"total_value"`
	UnrealizedPL  decimal.Decimal `json:"unrealized_pl"`
	Display       string          `json:"display"`
	Warnings      []string        `json:"warnings,omitempty"`
	AsOf          time.Time       `json:"as_of"`
}

// Valuation marks portfolios to market for read-only views. Posting never
// goes through it.
type Valuation struct {
	store  database.Store
	prices PriceFeed
	fx     FXProvider
	log    *logrus.Logger
}

func NewValuation(store database.Store, prices PriceFeed, fx FXProvider, log *logrus.Logger) *Valuation {
	return &Valuation{store: store, prices: prices, fx: fx, log: log}
}

// Value prices every open holding at its last known price, falling back to
// average cost, and converts it into the portfolio base currency. Historical
// positions are listed but not counted.
func (v *Valuation) Value(ctx context.Context, portfolioID string) (*PortfolioValue, error) {
	p, err := v.store.GetPortfolio(ctx, portfolioID)
	if err != nil {
		return nil, err
	}
	base := p.BaseCurrency
	if base == "" {
		base = "INR"
	}

	out := &PortfolioValue{
		PortfolioID:   p.ID,
		Name:          p.Name,
		BaseCurrency:  base,
		Holdings:      make([]HoldingValue, 0, len(p.Holdings)),
		HoldingsValue: decimal.Zero,
		CashBalance:   p.CashBalance,
		UnrealizedPL:  decimal.Zero,
		AsOf:          time.Now().UTC(),
	}

	keys := make([]string, 0, len(p.Holdings))
	for k := range p.Holdings {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		h := p.Holdings[k]
		hv := HoldingValue{
			SecurityID:  h.SecurityID,
			Exchange:    h.Exchange,
			Quantity:    h.Quantity,
			AverageCost: h.AverageCost,
			Historical:  h.Historical,
		}
		hv.Currency = v.currencyOf(ctx, h, &hv, base)

		if h.Historical {
			out.Holdings = append(out.Holdings, hv)
			continue
		}

		price, err := v.prices.LastPrice(ctx, h.SecurityID)
		switch {
		case err == nil:
			hv.Price, hv.PriceSource = price, PriceFromFeed
		case errors.Is(err, ErrPriceNotFound):
			hv.Price, hv.PriceSource = h.AverageCost, PriceFromAverageCost
			out.Warnings = append(out.Warnings, fmt.Sprintf("%s: no price, valued at average cost", k))
		default:
			v.log.Warnf("price lookup for %s failed: %v", h.SecurityID, err)
			hv.Price, hv.PriceSource = h.AverageCost, PriceFromAverageCost
			out.Warnings = append(out.Warnings, fmt.Sprintf("%s: price lookup failed, valued at average cost", k))
		}
		hv.MarketValue = roundTo(hv.Quantity.Mul(hv.Price), hv.Currency)
		hv.Display = FormatMoney(hv.MarketValue, hv.Currency)

		rate, err := v.fx.Rate(ctx, hv.Currency, base)
		if err != nil {
			v.log.Warnf("fx %s->%s failed: %v", hv.Currency, base, err)
			out.Warnings = append(out.Warnings, fmt.Sprintf("%s: no %s/%s rate, excluded from total", k, hv.Currency, base))
			out.Holdings = append(out.Holdings, hv)
			continue
		}
		hv.BaseValue = roundTo(hv.MarketValue.Mul(rate), base)
		hv.UnrealizedPL = roundTo(hv.Price.Sub(hv.AverageCost).Mul(hv.Quantity).Mul(rate), base)

		out.HoldingsValue = out.HoldingsValue.Add(hv.BaseValue)
		out.UnrealizedPL = out.UnrealizedPL.Add(hv.UnrealizedPL)
		out.Holdings = append(out.Holdings, hv)
	}

	out.TotalValue = out.HoldingsValue.Add(out.CashBalance)
	out.Display = FormatMoney(out.TotalValue, base)
	return out, nil
}

func (v *Valuation) currencyOf(ctx context.Context, h *models.Holding, hv *HoldingValue, base string) string {
	if sec, err := v.store.GetSecurity(ctx, h.SecurityID); err == nil {
		hv.Name = sec.DisplayName
		if sec.Currency != "" {
			return sec.Currency
		}
	}
	if ex, ok := models.Exchanges[h.Exchange]; ok {
		return ex.Currency
	}
	return base
}

// FormatMoney renders an amount with the currency's symbol, grouping and
// minor unit digits. Codes unknown to go-money print as plain decimals.
func FormatMoney(amount decimal.Decimal, code string) string {
	cur := money.GetCurrency(code)
	if cur == nil {
		return amount.StringFixed(2) + " " + code
	}
	minor := amount.Shift(int32(cur.Fraction)).Round(0)
	return cur.Formatter().Format(minor.IntPart())
}

func roundTo(amount decimal.Decimal, code string) decimal.Decimal {
	if cur := money.GetCurrency(code); cur != nil {
		return amount.Round(int32(cur.Fraction))
	}
	return amount.Round(2)
}
