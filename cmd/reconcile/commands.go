package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"holdingsync/internal/importer"
	"holdingsync/internal/ledger"
	"holdingsync/internal/pipeline"
)

func newSeedCmd(rc *rootConfig) *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "seed-securities FILE",
		Short: "Register or update securities from a CSV/XLSX master file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			regs, err := importer.Securities(f, args[0])
			if err != nil {
				return err
			}
			var created, updated, failed int
			for i, reg := range regs {
				_, isNew, err := rc.app.Directory.Register(cmd.Context(), reg, source)
				switch {
				case err != nil:
					failed++
					rc.log.Warnf("row %d (%s): %v", i+2, reg.DisplayName, err)
				case isNew:
					created++
				default:
					updated++
				}
			}
			return printJSON(cmd, map[string]int{"total": len(regs), "created": created, "updated": updated, "failed": failed})
		},
	}
	cmd.Flags().StringVar(&source, "source", "seed", "name history source tag")
	return cmd
}

func newCreatePortfolioCmd(rc *rootConfig) *cobra.Command {
	var np ledger.NewPortfolio
	var cash string
	cmd := &cobra.Command{
		Use:   "create-portfolio",
		Short: "Create an empty portfolio",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cash != "" {
				d, err := decimal.NewFromString(cash)
				if err != nil {
					return fmt.Errorf("bad --cash: %w", err)
				}
				np.CashBalance = d
			}
			p, err := rc.app.Ledger.CreatePortfolio(cmd.Context(), np)
			if err != nil {
				return err
			}
			return printJSON(cmd, p)
		},
	}
	cmd.Flags().StringVar(&np.Name, "name", "", "portfolio name")
	cmd.Flags().StringVar(&np.UserID, "user", "", "owning user id")
	cmd.Flags().StringVar(&np.BaseCurrency, "currency", "INR", "base currency")
	cmd.Flags().StringVar(&cash, "cash", "", "opening cash balance")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newImportCmd(rc *rootConfig) *cobra.Command {
	var req pipeline.ImportRequest
	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Stage a broker export and commit the rows that resolve",
		Long: "Reads a CSV or XLSX trade export. Every row is staged; when --portfolio is\n" +
			"given, rows resolved to a security are committed in date order.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			if req.Rows, err = importer.Transactions(f, args[0]); err != nil {
				return err
			}
			res, err := rc.app.Pipeline.Import(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	cmd.Flags().StringVar(&req.PortfolioID, "portfolio", "", "portfolio to commit resolved rows into")
	cmd.Flags().StringVar(&req.Broker, "broker", "", "broker name for fee lookup")
	cmd.Flags().StringVar(&req.Exchange, "exchange", "", "exchange for rows that do not name one")
	cmd.Flags().StringVar(&req.BatchID, "batch", "", "batch id (generated when empty)")
	return cmd
}

func newStagedCmd(rc *rootConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "staged BATCH",
		Short: "List rows of a batch still waiting for confirmation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := rc.app.Pipeline.Batch(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, v)
		},
	}
}

func newConfirmCmd(rc *rootConfig) *cobra.Command {
	var portfolioID string
	cmd := &cobra.Command{
		Use:   "confirm ROW[=SECURITY]...",
		Short: "Commit staged rows, optionally choosing the security for each",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := pipeline.ConfirmRequest{PortfolioID: portfolioID}
			for _, a := range args {
				row, sec, _ := strings.Cut(a, "=")
				req.Rows = append(req.Rows, pipeline.Selection{RowID: row, SecurityID: sec})
			}
			res, err := rc.app.Pipeline.Confirm(cmd.Context(), req)
			if err != nil {
				return err
			}
			if err := printJSON(cmd, res); err != nil {
				return err
			}
			if res.Failed > 0 {
				return fmt.Errorf("%d of %d rows failed", res.Failed, res.Total)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&portfolioID, "portfolio", "", "portfolio to commit into")
	_ = cmd.MarkFlagRequired("portfolio")
	return cmd
}

func newDiscardCmd(rc *rootConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "discard ROW...",
		Short: "Drop staged rows without committing them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printJSON(cmd, rc.app.Pipeline.Discard(cmd.Context(), args))
		},
	}
}

func newValueCmd(rc *rootConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "value PORTFOLIO",
		Short: "Mark a portfolio to market in its base currency",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := rc.app.Valuation.Value(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, v)
		},
	}
}
