package importer

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"holdingsync/internal/directory"
	"holdingsync/internal/models"
)

var ErrUnsupportedFormat = errors.New("unsupported file type")

// header spellings seen in broker exports, keyed by the field they fill
var transactionColumns = map[string][]string{
	"company_name":    {"company_name", "company", "company name", "name", "scrip name", "security name", "stock name", "display_name"},
	"identifier_code": {"identifier_code", "code", "symbol", "scrip code", "scrip", "isin", "ticker", "trading symbol", "instrument"},
	"side":            {"side", "type", "trade type", "buy/sell", "transaction type", "action"},
	"quantity":        {"quantity", "qty", "shares"},
	"price":           {"price", "rate", "trade price", "avg price", "average price"},
	"date":            {"date", "trade date", "transaction date", "order date"},
	"exchange":        {"exchange", "exch"},
	"broker":          {"broker"},
	"broker_ref":      {"broker_ref", "broker ref", "order id", "trade id", "reference", "ref"},
}

var securityColumns = map[string][]string{
	"isin":               {"isin"},
	"display_name":       {"display_name", "display name", "company name", "name"},
	"exchange_code":      {"exchange_code", "company_ticker", "nse code", "symbol"},
	"feed_symbol":        {"feed_symbol", "yfinance_symbol"},
	"broker_holdings":    {"broker_holdings_code", "upstox_holdings_code"},
	"broker_transaction": {"broker_transaction_code", "upstox_transaction_code"},
	"exchange":           {"exchange"},
}

// Records reads a CSV or XLSX upload, chosen by file extension, into rows of
// cells. Spreadsheets are read from their first sheet.
func Records(r io.Reader, filename string) ([][]string, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv", ".txt":
		cr := csv.NewReader(r)
		cr.FieldsPerRecord = -1
		cr.TrimLeadingSpace = true
		return cr.ReadAll()
	case ".xlsx", ".xlsm":
		f, err := excelize.OpenReader(r)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		sheet := f.GetSheetName(0)
		return f.GetRows(sheet)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(filename))
}

// Transactions reads broker trade rows from an upload.
func Transactions(r io.Reader, filename string) ([]models.ImportRow, error) {
	records, err := Records(r, filename)
	if err != nil {
		return nil, err
	}
	return TransactionRows(records)
}

// TransactionRows maps records whose first row is a header onto import rows.
func TransactionRows(records [][]string) ([]models.ImportRow, error) {
	cols, body, err := header(records, transactionColumns)
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, req := range []string{"side", "quantity", "price", "date"} {
		if _, ok := cols[req]; !ok {
			missing = append(missing, req)
		}
	}
	_, hasName := cols["company_name"]
	_, hasCode := cols["identifier_code"]
	if !hasName && !hasCode {
		missing = append(missing, "company_name or identifier_code")
	}
	if len(missing) > 0 {
		return nil, models.NewValidationError("missing required columns", missing...)
	}

	out := make([]models.ImportRow, 0, len(body))
	for _, rec := range body {
		get := cell(cols, rec)
		out = append(out, models.ImportRow{
			CompanyName:    get("company_name"),
			IdentifierCode: get("identifier_code"),
			Side:           get("side"),
			Quantity:       get("quantity"),
			Price:          get("price"),
			Date:           get("date"),
			Exchange:       get("exchange"),
			Broker:         get("broker"),
			BrokerRef:      get("broker_ref"),
		})
	}
	return out, nil
}

// Securities reads a security master file into registrations.
func Securities(r io.Reader, filename string) ([]directory.Registration, error) {
	records, err := Records(r, filename)
	if err != nil {
		return nil, err
	}
	cols, body, err := header(records, securityColumns)
	if err != nil {
		return nil, err
	}
	_, hasISIN := cols["isin"]
	_, hasCode := cols["exchange_code"]
	if !hasISIN && !hasCode {
		return nil, models.NewValidationError("missing required columns", "isin or exchange_code")
	}
	out := make([]directory.Registration, 0, len(body))
	for _, rec := range body {
		get := cell(cols, rec)
		out = append(out, directory.Registration{
			DisplayName: get("display_name"),
			Exchange:    get("exchange"),
			Identifiers: models.Identifiers{
				ISIN:                  get("isin"),
				ExchangeCode:          get("exchange_code"),
				FeedSymbol:            get("feed_symbol"),
				BrokerHoldingsCode:    get("broker_holdings"),
				BrokerTransactionCode: get("broker_transaction"),
			},
		})
	}
	return out, nil
}

func header(records [][]string, aliases map[string][]string) (map[string]int, [][]string, error) {
	if len(records) == 0 {
		return nil, nil, models.NewValidationError("file is empty")
	}
	lookup := map[string]string{}
	for field, names := range aliases {
		for _, n := range names {
			lookup[n] = field
		}
	}
	cols := map[string]int{}
	for i, h := range records[0] {
		key := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		key = strings.Join(strings.Fields(strings.ReplaceAll(key, "_", " ")), " ")
		field, ok := lookup[key]
		if !ok {
			field, ok = lookup[strings.ReplaceAll(key, " ", "_")]
		}
		if ok {
			if _, dup := cols[field]; !dup {
				cols[field] = i
			}
		}
	}

	body := make([][]string, 0, len(records)-1)
	for _, rec := range records[1:] {
		if blank(rec) {
			continue
		}
		body = append(body, rec)
	}
	return cols, body, nil
}

func cell(cols map[string]int, rec []string) func(string) string {
	return func(field string) string {
		i, ok := cols[field]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}
}

func blank(rec []string) bool {
	for _, c := range rec {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
