package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type TxType string

const (
	Buy  TxType = "BUY"
	Sell TxType = "SELL"
)

type TxStatus string

const (
	StatusPending   TxStatus = "PENDING"
	StatusCompleted TxStatus = "COMPLETED"
	StatusFailed    TxStatus = "FAILED"
)

type SecurityStatus string

const (
	SecurityActive   SecurityStatus = "active"
	SecurityDelisted SecurityStatus = "delisted"
)

const DefaultExchange = "NSE"

type Identifiers struct {
	ISIN                  string `json:"isin,omitempty"`
	ExchangeCode          string `json:"exchange_code,omitempty"`
	BrokerTransactionCode string `json:"broker_transaction_code,omitempty"`
	BrokerHoldingsCode    string `json:"broker_holdings_code,omitempty"`
	FeedSymbol            string `json:"feed_symbol,omitempty"`
}

// All returns the non-empty identifiers.
func (i Identifiers) All() []string {
	out := make([]string, 0, 5)
	for _, v := range []string{i.ISIN, i.ExchangeCode, i.BrokerTransactionCode, i.BrokerHoldingsCode, i.FeedSymbol} {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Normalize trims and uppercases every identifier.
func (i Identifiers) Normalize() Identifiers {
	return Identifiers{
		ISIN:                  NormalizeIdentifier(i.ISIN),
		ExchangeCode:          NormalizeIdentifier(i.ExchangeCode),
		BrokerTransactionCode: NormalizeIdentifier(i.BrokerTransactionCode),
		BrokerHoldingsCode:    NormalizeIdentifier(i.BrokerHoldingsCode),
		FeedSymbol:            NormalizeIdentifier(i.FeedSymbol),
	}
}

func NormalizeIdentifier(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

type NameVariant struct {
	Name    string    `json:"name"`
	Source  string    `json:"source"`
	AddedAt time.Time `json:"added_at"`
}

type Security struct {
	ID          string         `json:"id"`
	DisplayName string         `json:"display_name"`
	Identifiers Identifiers    `json:"identifiers"`
	Exchange    string         `json:"exchange"`
	Currency    string         `json:"currency"`
	Status      SecurityStatus `json:"status"`
	NameHistory []NameVariant  `json:"name_history"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

func (s Security) Active() bool { return s.Status == SecurityActive }

// HasName reports whether name is the display name or a recorded variant.
func (s Security) HasName(name string) bool {
	if strings.EqualFold(s.DisplayName, name) {
		return true
	}
	for _, v := range s.NameHistory {
		if strings.EqualFold(v.Name, name) {
			return true
		}
	}
	return false
}

type Holding struct {
	SecurityID          string          `json:"security_id"`
	Exchange            string          `json:"exchange"`
	Quantity            decimal.Decimal `json:"quantity"`
	AverageCost         decimal.Decimal `json:"average_cost"`
	RealizedPLTotal     decimal.Decimal `json:"realized_pl_total"`
	UnrealizedPL        decimal.Decimal `json:"unrealized_pl"`
	CurrentValue        decimal.Decimal `json:"current_value"`
	Historical          bool            `json:"historical"`
	LastTransactionDate time.Time       `json:"last_transaction_date"`
}

// InstrumentKey identifies a holding inside a portfolio.
func InstrumentKey(securityID, exchange string) string {
	if exchange == "" {
		exchange = DefaultExchange
	}
	return securityID + "@" + exchange
}

type Portfolio struct {
	ID           string              `json:"id"`
	Name         string              `json:"name"`
	UserID       string              `json:"user_id"`
	BaseCurrency string              `json:"base_currency"`
	Holdings     map[string]*Holding `json:"holdings"`
	TotalValue   decimal.Decimal     `json:"total_value"`
	CashBalance  decimal.Decimal     `json:"cash_balance"`
	Version      int64               `json:"version"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// Clone returns a deep copy so callers can mutate without aliasing a stored record.
func (p *Portfolio) Clone() *Portfolio {
	cp := *p
	cp.Holdings = make(map[string]*Holding, len(p.Holdings))
	for k, h := range p.Holdings {
		hc := *h
		cp.Holdings[k] = &hc
	}
	return &cp
}

type Charges struct {
	Brokerage       decimal.Decimal `json:"brokerage"`
	GST             decimal.Decimal `json:"gst"`
	STT             decimal.Decimal `json:"stt"`
	StampDuty       decimal.Decimal `json:"stamp_duty"`
	ExchangeCharges decimal.Decimal `json:"exchange_charges"`
	SEBICharges     decimal.Decimal `json:"sebi_charges"`
}

func (c Charges) Total() decimal.Decimal {
	return c.Brokerage.Add(c.GST).Add(c.STT).Add(c.StampDuty).Add(c.ExchangeCharges).Add(c.SEBICharges)
}

func (c Charges) IsZero() bool { return c.Total().IsZero() }

type TxSource string

const (
	SourceManual     TxSource = "manual"
	SourceImport     TxSource = "import"
	SourceMasterSync TxSource = "master_sync"
)

type Transaction struct {
	ID          string          `json:"id"`
	PortfolioID string          `json:"portfolio_id,omitempty"`
	SecurityID  string          `json:"security_id,omitempty"`
	Exchange    string          `json:"exchange"`
	Type        TxType          `json:"type"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	Date        time.Time       `json:"date"`
	Charges     Charges         `json:"charges"`
	Broker      string          `json:"broker,omitempty"`
	BrokerRef   string          `json:"broker_ref,omitempty"`
	Status      TxStatus        `json:"status"`
	Error       string          `json:"error,omitempty"`
	RealizedPL  decimal.Decimal `json:"realized_pl"`
	MirrorOf    string          `json:"mirror_of,omitempty"`
	Source      TxSource        `json:"source"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func (t Transaction) Amount() decimal.Decimal { return t.Quantity.Mul(t.Price) }

type RowState string

const (
	RowResolved  RowState = "resolved"
	RowAmbiguous RowState = "ambiguous"
	RowRejected  RowState = "rejected"
)

type Candidate struct {
	SecurityID  string `json:"security_id"`
	DisplayName string `json:"display_name"`
	Score       int    `json:"score"`
}

type StagedImportRow struct {
	ID        string `json:"id"`
	BatchID   string `json:"batch_id"`
	RowNumber int    `json:"row_number"`

	CompanyName    string `json:"company_name"`
	IdentifierCode string `json:"identifier_code"`
	RawSide        string `json:"raw_side"`
	RawQuantity    string `json:"raw_quantity"`
	RawPrice       string `json:"raw_price"`
	RawDate        string `json:"raw_date"`
	Exchange       string `json:"exchange,omitempty"`
	Broker         string `json:"broker,omitempty"`
	BrokerRef      string `json:"broker_ref,omitempty"`

	Type     TxType          `json:"type,omitempty"`
	Quantity decimal.Decimal `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	Date     time.Time       `json:"date"`
	Charges  Charges         `json:"charges"`

	State      RowState    `json:"state"`
	SecurityID string      `json:"security_id,omitempty"`
	MatchScore int         `json:"match_score"`
	Candidates []Candidate `json:"candidates,omitempty"`

	ParseError           string    `json:"parse_error,omitempty"`
	LastError            string    `json:"last_error,omitempty"`
	FailedTransactionIDs []string  `json:"failed_transaction_ids,omitempty"`
	Claimed              bool      `json:"claimed"`
	CreatedAt            time.Time `json:"created_at"`
}

// ImportRow is one line of a broker export as delivered by an import source.
// Numeric and date fields are kept as text until the pipeline parses them.
type ImportRow struct {
	CompanyName    string   `json:"company_name"`
	IdentifierCode string   `json:"identifier_code"`
	Side           string   `json:"side"`
	Quantity       string   `json:"quantity"`
	Price          string   `json:"price"`
	Date           string   `json:"date"`
	Exchange       string   `json:"exchange,omitempty"`
	Broker         string   `json:"broker,omitempty"`
	BrokerRef      string   `json:"broker_ref,omitempty"`
	Charges        *Charges `json:"charges,omitempty"`
}

// FeeStructure holds a broker's charges as fractions of trade amount.
type FeeStructure struct {
	Broker          string          `json:"broker" yaml:"broker"`
	Brokerage       decimal.Decimal `json:"brokerage_percentage" yaml:"brokerage_percentage"`
	GST             decimal.Decimal `json:"gst_percentage" yaml:"gst_percentage"`
	STT             decimal.Decimal `json:"stt_percentage" yaml:"stt_percentage"`
	StampDuty       decimal.Decimal `json:"stamp_duty_percentage" yaml:"stamp_duty_percentage"`
	ExchangeCharges decimal.Decimal `json:"exchange_charges_percentage" yaml:"exchange_charges_percentage"`
	SEBICharges     decimal.Decimal `json:"sebi_charges_percentage" yaml:"sebi_charges_percentage"`
}

type ExchangeInfo struct {
	Code         string
	Name         string
	Country      string
	Currency     string
	SymbolSuffix string
}

var Exchanges = map[string]ExchangeInfo{
	"NSE":  {Code: "NSE", Name: "National Stock Exchange of India", Country: "IN", Currency: "INR", SymbolSuffix: ".NS"},
	"BSE":  {Code: "BSE", Name: "BSE Limited", Country: "IN", Currency: "INR", SymbolSuffix: ".BO"},
	"NYSE": {Code: "NYSE", Name: "New York Stock Exchange", Country: "US", Currency: "USD", SymbolSuffix: ""},
}
