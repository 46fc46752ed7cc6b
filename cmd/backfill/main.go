package main

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"holdingsync/internal/app"
	"holdingsync/internal/config"
	"holdingsync/internal/directory"
	"holdingsync/internal/ledger"
	"holdingsync/internal/models"
)

type demoSecurity struct {
	reg   directory.Registration
	price string
}

var demo = []demoSecurity{
	{directory.Registration{DisplayName: "Reliance Industries Ltd", Exchange: "NSE", Identifiers: models.Identifiers{ISIN: "INE002A01018", ExchangeCode: "RELIANCE", FeedSymbol: "RELIANCE.NS"}}, "2500.50"},
	{directory.Registration{DisplayName: "Tata Consultancy Services Ltd", Exchange: "NSE", Identifiers: models.Identifiers{ISIN: "INE467B01029", ExchangeCode: "TCS", FeedSymbol: "TCS.NS"}}, "3400.75"},
	{directory.Registration{DisplayName: "Infosys Ltd", Exchange: "NSE", Identifiers: models.Identifiers{ISIN: "INE009A01021", ExchangeCode: "INFY", FeedSymbol: "INFY.NS"}}, "1500.25"},
}

func main() {
	log := logrus.New()
	cfg := config.Load(log)
	ctx := context.Background()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}
	defer a.Close()

	yesterday := time.Now().AddDate(0, 0, -1).UTC().Truncate(24 * time.Hour)
	fmt.Printf("Backfilling demo data as of %s...\n", yesterday.Format("2006-01-02"))

	// 1. securities and their closing prices
	ids := map[string]string{}
	for _, d := range demo {
		sec, _, err := a.Directory.Register(ctx, d.reg, "backfill")
		if err != nil {
			log.Fatalf("register %s: %v", d.reg.DisplayName, err)
		}
		ids[sec.Identifiers.ExchangeCode] = sec.ID
		if err := a.Prices.Record(ctx, sec.ID, decimal.RequireFromString(d.price), yesterday); err != nil {
			fmt.Printf("Warning: could not record price for %s: %v\n", sec.DisplayName, err)
		}
	}

	// 2. a demo portfolio and the master it mirrors into
	for _, name := range []string{cfg.MasterPortfolio, "demo-user"} {
		_, err := a.Ledger.CreatePortfolio(ctx, ledger.NewPortfolio{Name: name, UserID: "demo-user", CashBalance: decimal.NewFromInt(1_000_000)})
		if err != nil && !models.IsValidation(err) {
			log.Fatalf("create portfolio %s: %v", name, err)
		}
	}
	ps, err := a.Ledger.Portfolios(ctx)
	if err != nil {
		log.Fatalf("list portfolios: %v", err)
	}
	var demoID string
	for _, p := range ps {
		if p.Name == "demo-user" {
			demoID = p.ID
		}
	}

	// 3. one trade dated yesterday
	res, err := a.Ledger.Post(ctx, demoID, &models.Transaction{
		SecurityID: ids["RELIANCE"],
		Exchange:   "NSE",
		Type:       models.Buy,
		Quantity:   decimal.NewFromInt(10),
		Price:      decimal.RequireFromString("2500.50"),
		Date:       yesterday,
		Source:     models.SourceManual,
	})
	if err != nil {
		log.Fatalf("post demo trade: %v", err)
	}
	for _, w := range res.Warnings {
		fmt.Printf("Warning: %s\n", w)
	}

	fmt.Println("Successfully backfilled demo data!")
	fmt.Printf("Now open: http://localhost:%s/portfolios/%s/valuation\n", cfg.Port, demoID)
}
