package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"db-carve/internal/router"
	"db-carve/internal/schema"
	"db-carve/internal/verify"
)

var withChecksums bool

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Compare source and targets without migrating anything",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadRunConfig()
		if err != nil {
			return err
		}

		srcDB, srcDialect, err := openSource(cfg)
		if err != nil {
			return err
		}
		defer srcDB.Close()

		tables, err := schema.Analyze(srcDB, srcDialect, srcDialect.GetSchemaName(cfg.Source.Schema))
		if err != nil {
			return err
		}
		plan, err := router.BuildPlan(tables, cfg.Assignments(), router.Options{
			AllowUnassigned: cfg.Settings.AllowUnassigned,
			Edges:           cfg.Edges,
		})
		if err != nil {
			return err
		}

		_, sides, closeTargets, err := openWriters(cfg)
		if err != nil {
			return err
		}
		defer closeTargets()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		v := &verify.Verifier{
			Source:    verify.Side{DB: srcDB, Dialect: srcDialect},
			Targets:   sides,
			Checksums: withChecksums || cfg.Settings.Checksums,
			BatchSize: cfg.Settings.BatchSize,
			Log:       logger,
		}
		checks := v.Run(ctx, plan)
		printVerification(checks)

		for _, c := range checks {
			if !c.Ok() {
				return fmt.Errorf("verification found mismatches")
			}
		}
		fmt.Println("All tables verified.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(verifyCmd)
	verifyCmd.Flags().BoolVar(&withChecksums, "checksums", false, "Also compare content checksums, not just counts")
}
