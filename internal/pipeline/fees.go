package pipeline

import (
	"github.com/shopspring/decimal"

	"holdingsync/internal/config"
	"holdingsync/internal/models"
)

// FeeCalculator derives charges for rows that arrive without them.
type FeeCalculator struct {
	schedule *config.FeeSchedule
}

func NewFeeCalculator(schedule *config.FeeSchedule) *FeeCalculator {
	return &FeeCalculator{schedule: schedule}
}

// Charges applies each percentage of the broker's fee structure to amount.
// Unknown brokers are charged nothing.
func (f *FeeCalculator) Charges(broker string, amount decimal.Decimal) models.Charges {
	fs, ok := f.schedule.Lookup(broker)
	if !ok {
		return models.Charges{}
	}
	pct := func(p decimal.Decimal) decimal.Decimal { return amount.Mul(p).Round(4) }
	return models.Charges{
		Brokerage:       pct(fs.Brokerage),
		GST:             pct(fs.GST),
		STT:             pct(fs.STT),
		StampDuty:       pct(fs.StampDuty),
		ExchangeCharges: pct(fs.ExchangeCharges),
		SEBICharges:     pct(fs.SEBICharges),
	}
}
