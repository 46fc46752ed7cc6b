package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"

	"holdingsync/internal/models"
)

// Validate checks the fields every posted transaction needs.
func Validate(tx *models.Transaction) error {
	var fields []string
	if tx.Type != models.Buy && tx.Type != models.Sell {
		fields = append(fields, "type")
	}
	if !tx.Quantity.IsPositive() {
		fields = append(fields, "quantity")
	}
	if !tx.Price.IsPositive() {
		fields = append(fields, "price")
	}
	if tx.SecurityID == "" {
		fields = append(fields, "security_id")
	}
	if tx.Date.IsZero() {
		fields = append(fields, "date")
	}
	if len(fields) > 0 {
		return models.NewValidationError("invalid transaction", fields...)
	}
	return nil
}

// effect is what one transaction did to a portfolio.
type effect struct {
	holding    *models.Holding
	removed    bool
	realizedPL decimal.Decimal
}

// apply mutates p in place with tx. p must be a private copy: on error it
// may be partially modified and has to be thrown away.
func apply(p *models.Portfolio, tx *models.Transaction) (effect, error) {
	if p.Holdings == nil {
		p.Holdings = map[string]*models.Holding{}
	}
	key := models.InstrumentKey(tx.SecurityID, tx.Exchange)
	h := p.Holdings[key]
	var eff effect

	switch tx.Type {
	case models.Buy:
		switch {
		case h == nil:
			h = &models.Holding{SecurityID: tx.SecurityID, Exchange: tx.Exchange, Quantity: tx.Quantity, AverageCost: tx.Price}
			p.Holdings[key] = h
		case h.Quantity.IsPositive():
			newQty := h.Quantity.Add(tx.Quantity)
			cost := h.Quantity.Mul(h.AverageCost).Add(tx.Quantity.Mul(tx.Price))
			h.AverageCost = cost.Div(newQty)
			h.Quantity = newQty
		default:
			// covering a historical short
			h.Quantity = h.Quantity.Add(tx.Quantity)
			if h.Quantity.IsPositive() {
				h.AverageCost = tx.Price
				h.Historical = false
			}
		}
	case models.Sell:
		switch {
		case h == nil:
			h = &models.Holding{
				SecurityID:  tx.SecurityID,
				Exchange:    tx.Exchange,
				Quantity:    tx.Quantity.Neg(),
				AverageCost: tx.Price,
				Historical:  true,
			}
			p.Holdings[key] = h
		case tx.Quantity.GreaterThan(h.Quantity):
			return eff, fmt.Errorf("%w: selling %s of %s, holding %s", models.ErrInsufficientQuantity, tx.Quantity, tx.SecurityID, h.Quantity)
		default:
			eff.realizedPL = tx.Price.Sub(h.AverageCost).Mul(tx.Quantity)
			h.Quantity = h.Quantity.Sub(tx.Quantity)
			h.RealizedPLTotal = h.RealizedPLTotal.Add(eff.realizedPL)
		}
	default:
		return eff, models.NewValidationError("unknown transaction type "+string(tx.Type), "type")
	}

	if h.Quantity.IsZero() {
		delete(p.Holdings, key)
		eff.removed = true
	} else {
		h.LastTransactionDate = tx.Date
		h.CurrentValue = h.Quantity.Mul(h.AverageCost)
		h.UnrealizedPL = tx.Price.Sub(h.AverageCost).Mul(h.Quantity)
		eff.holding = h
	}

	amount := tx.Amount()
	if tx.Type == models.Buy {
		p.CashBalance = clampZero(p.CashBalance.Sub(amount))
		p.TotalValue = clampZero(p.TotalValue.Add(amount))
	} else {
		p.CashBalance = clampZero(p.CashBalance.Add(amount))
		p.TotalValue = clampZero(p.TotalValue.Sub(amount))
	}
	tx.RealizedPL = eff.realizedPL
	return eff, nil
}

func clampZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
