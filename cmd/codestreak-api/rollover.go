package main

import (
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/codestreak/internal/config"
	"github.com/MarcoPoloResearchLab/codestreak/internal/logging"
	"github.com/MarcoPoloResearchLab/codestreak/internal/scheduler"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func newRolloverCommand() *cobra.Command {
	var dayKey string
	cmd := &cobra.Command{
		Use:   "rollover",
		Short: "Close a UTC day by hand for every user with activity or an open daily goal",
		Long: "Closes the daily goal of every affected user for the given UTC day, applying the " +
			"missed-goal and unfinished-todo penalties. The API server does this after every UTC " +
			"midnight; use this command to backfill a day it missed. Running it again for the same day is a no-op.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dayKey == "" {
				dayKey = scheduler.PreviousDayKey(time.Now())
			}
			return runRollover(cmd, dayKey)
		},
	}
	cmd.Flags().StringVar(&dayKey, "day", "", "UTC day to close as YYYY-MM-DD (default yesterday)")
	return cmd
}

func runRollover(cmd *cobra.Command, dayKey string) error {
	appConfig, err := config.LoadStorage(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogEncoding)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	// Live subscribers belong to the server process; clients resync on their
	// next summary fetch once the cache TTL lapses.
	app, err := buildApplication(cmd.Context(), appConfig, nil, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	result, err := app.engine.RolloverDay(cmd.Context(), dayKey)
	fmt.Fprintf(cmd.OutOrStdout(), "day %s: closed %d, failed %d\n", dayKey, result.Closed, len(result.Failed))
	if err != nil {
		logger.Error("rollover incomplete", zap.String("day_key", dayKey), zap.Strings("failed_users", result.Failed))
		return err
	}
	return nil
}
