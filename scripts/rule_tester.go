package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"multirubro/internal/automation"
	"multirubro/internal/config"
	"multirubro/internal/db"
	"multirubro/internal/engine"
	"multirubro/internal/seed"
	"multirubro/internal/utils"
	"multirubro/internal/valuestore"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "rule_tester",
		Short: "Inspect and dry-run automation rules",
	}
	rootCmd.AddCommand(dryRunCmd(), validateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func dryRunCmd() *cobra.Command {
	var (
		deviceID string
		value    float64
	)
	cmd := &cobra.Command{
		Use:   "dry-run",
		Short: "Show which rules would fire for a reading, without acting",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}
			logger, err := utils.InitLogging("warn")
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			dbConn, err := db.NewDB(ctx, cfg.DBURL)
			if err != nil {
				return err
			}
			defer dbConn.Close()

			values := valuestore.New(nil, dbConn, valuestore.DefaultSettings("rule_tester"), logger)
			dispatcher := automation.NewDispatcher(dbConn, dbConn, nil, nil, logger, logger)
			eng := engine.NewEngine(dbConn, values, dispatcher, logger, engine.WithResolverTimeout(cfg.ResolverTimeout))

			results, err := eng.DryRun(ctx, deviceID, value)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(results)
		},
	}
	cmd.Flags().StringVar(&deviceID, "device", "", "Device id of the reading")
	cmd.Flags().Float64Var(&value, "value", 0, "Reading value")
	_ = cmd.MarkFlagRequired("device")
	_ = cmd.MarkFlagRequired("value")
	return cmd
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [presets.yaml]",
		Short: "Check that every rule in a presets file compiles",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			p, err := seed.Load(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d devices, %d rules OK\n", len(p.Devices), len(p.Rules))
			return nil
		},
	}
}
