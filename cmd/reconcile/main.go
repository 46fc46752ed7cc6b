package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"holdingsync/internal/app"
	"holdingsync/internal/config"
)

type rootConfig struct {
	log      *logrus.Logger
	app      *app.App
	logLevel string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	rc := &rootConfig{log: logrus.New()}
	if err := newRootCmd(rc).ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func newRootCmd(rc *rootConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "reconcile",
		Short:        "Import broker trades, confirm staged rows and inspect portfolios",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load(rc.log)
			level := cfg.LogLevel
			if rc.logLevel != "" {
				level = rc.logLevel
			}
			if lvl, err := logrus.ParseLevel(level); err == nil {
				rc.log.SetLevel(lvl)
			}
			a, err := app.New(cmd.Context(), cfg, rc.log)
			if err != nil {
				return err
			}
			rc.app = a
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if rc.app == nil {
				return nil
			}
			return rc.app.Close()
		},
	}
	cmd.PersistentFlags().StringVar(&rc.logLevel, "log-level", "", "override LOG_LEVEL")

	cmd.AddCommand(
		newSeedCmd(rc),
		newCreatePortfolioCmd(rc),
		newImportCmd(rc),
		newStagedCmd(rc),
		newConfirmCmd(rc),
		newDiscardCmd(rc),
		newValueCmd(rc),
	)
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
