package pipeline

import (
	"errors"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"

	"holdingsync/internal/models"
)

// accepted trade date layouts, tried in order
var dateLayouts = []string{
	"2006-01-02",
	"02-01-2006",
	"02/01/2006",
	"2006/01/02",
	"2006-01-02 15:04:05",
	"02-01-2006 15:04:05",
	"2006-01-02T15:04:05Z07:00",
}

var (
	errEmpty       = errors.New("value is empty")
	errNotPositive = errors.New("must be greater than zero")
	errUnknownSide = errors.New("expected BUY or SELL")
	errDateLayout  = errors.New("expected DD-MM-YYYY or YYYY-MM-DD")
)

type parsed struct {
	side     models.TxType
	quantity decimal.Decimal
	price    decimal.Decimal
	date     time.Time
}

func parseRow(rowNum int, r models.ImportRow) (parsed, error) {
	var p parsed
	var err error
	if p.side, err = parseSide(r.Side); err != nil {
		return p, &models.ParseError{Row: rowNum, Field: "side", Value: r.Side, Err: err}
	}
	if p.quantity, err = parseAmount(r.Quantity); err != nil {
		return p, &models.ParseError{Row: rowNum, Field: "quantity", Value: r.Quantity, Err: err}
	}
	if p.price, err = parseAmount(r.Price); err != nil {
		return p, &models.ParseError{Row: rowNum, Field: "price", Value: r.Price, Err: err}
	}
	if p.date, err = parseDate(r.Date); err != nil {
		return p, &models.ParseError{Row: rowNum, Field: "date", Value: r.Date, Err: err}
	}
	return p, nil
}

func parseSide(s string) (models.TxType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY", "B", "PURCHASE":
		return models.Buy, nil
	case "SELL", "S", "SALE":
		return models.Sell, nil
	case "":
		return "", errEmpty
	}
	return "", errUnknownSide
}

// cleanNumber drops thousands separators, whitespace and any non-ASCII
// glyph such as a currency sign.
func cleanNumber(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r == ',' || r > unicode.MaxASCII || unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func parseAmount(s string) (decimal.Decimal, error) {
	c := cleanNumber(s)
	if c == "" {
		return decimal.Zero, errEmpty
	}
	d, err := decimal.NewFromString(c)
	if err != nil {
		return decimal.Zero, err
	}
	if !d.IsPositive() {
		return decimal.Zero, errNotPositive
	}
	return d, nil
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errEmpty
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errDateLayout
}
