package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gosuri/uiprogress"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"db-carve/internal/engine"
	"db-carve/internal/router"
	"db-carve/internal/schema"
	"db-carve/internal/source"
	"db-carve/internal/verify"
)

var skipVerify bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run the migration and verify the result",
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

		fmt.Printf("Connected to source via %s\n", cfg.Source.Driver)

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

		writers, sides, closeTargets, err := openWriters(cfg)
		if err != nil {
			return err
		}
		defer closeTargets()

		state, err := engine.OpenStateStore(cfg.Settings.StateFile)
		if err != nil {
			return err
		}

		// SIGINT stops the run at the next batch boundary; the state file
		// keeps the watermarks for the next invocation.
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		// Pre-count the whole plan so the progress bar has a real total.
		var total atomic.Int64
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(4)
		for _, u := range plan.Units {
			u := u
			g.Go(func() error {
				n, err := source.New(srcDB, srcDialect, u.Table, cfg.Settings.BatchSize).Count(gctx)
				if err != nil {
					return err
				}
				total.Add(n)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		uiprogress.Start()
		bar := uiprogress.AddBar(int(total.Load()) + 1).AppendCompleted().PrependElapsed()
		bar.PrependFunc(func(b *uiprogress.Bar) string {
			return "Migrating: "
		})
		var barMu sync.Mutex
		done := 0

		orch := &engine.Orchestrator{
			Plan:          plan,
			Source:        srcDB,
			SourceDialect: srcDialect,
			Writers:       writers,
			State:         state,
			BatchSize:     cfg.Settings.BatchSize,
			MaxRetries:    cfg.Settings.MaxRetries,
			Workers:       cfg.Settings.Workers,
			BatchTimeout:  cfg.Settings.BatchTimeout,
			Log:           logger,
			OnBatch: func(table string, rows int) {
				barMu.Lock()
				done += rows
				bar.Set(done)
				barMu.Unlock()
			},
		}

		start := time.Now()
		report, err := orch.Run(ctx)
		uiprogress.Stop()
		if err != nil {
			return err
		}

		if ctx.Err() != nil {
			fmt.Println("\nRun interrupted; re-run to resume from the saved watermarks.")
			return fmt.Errorf("migration interrupted")
		}

		if !skipVerify && report.Ok() {
			v := &verify.Verifier{
				Source:    verify.Side{DB: srcDB, Dialect: srcDialect},
				Targets:   sides,
				Checksums: cfg.Settings.Checksums,
				BatchSize: cfg.Settings.BatchSize,
				Log:       logger,
			}
			report.Verification = v.Run(ctx, plan)
		}

		printReport(report)
		fmt.Printf("Done in %s\n", time.Since(start).Round(time.Millisecond))

		if !report.Ok() {
			return fmt.Errorf("migration finished with failures (run %s)", report.RunID)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().BoolVar(&skipVerify, "skip-verify", false, "Skip post-migration verification")
}

func printReport(r *engine.Report) {
	fmt.Println("\nMigration Report (Dependency Order):")
	var moved int64
	for i, u := range r.Units {
		icon := "✓"
		if u.Status != engine.StatusCompleted {
			icon = "!"
		}
		fmt.Printf("[%s] [%02d/%02d] %-24s -> %-12s : %d/%d rows - %s (%s)\n",
			icon, i+1, len(r.Units), u.Table, u.Target, u.RowsMigrated, u.RowsExpected, u.Status,
			u.Elapsed.Round(time.Millisecond))
		if u.Substituted > 0 {
			fmt.Printf("    └ %d values substituted (NULL defaults / empty strings)\n", u.Substituted)
		}
		if u.Error != "" {
			fmt.Printf("    └ Error: %s\n", u.Error)
		}
		moved += u.RowsMigrated
	}
	for _, s := range r.Skipped {
		fmt.Printf("[-] %-24s : skipped (unassigned)\n", s)
	}
	if len(r.Verification) > 0 {
		printVerification(r.Verification)
	}
	fmt.Println("--------------------------------------------------")
	fmt.Printf("Total Rows Migrated: %d (run %s)\n", moved, r.RunID)
}

func printVerification(checks []verify.TableCheck) {
	fmt.Println("\nVerification:")
	for _, c := range checks {
		icon := "✓"
		detail := fmt.Sprintf("%d = %d rows", c.SourceRows, c.TargetRows)
		if c.SourceChecksum != "" {
			detail += fmt.Sprintf(", checksum %s/%s", c.SourceChecksum, c.TargetChecksum)
		}
		if !c.Ok() {
			icon = "!"
		}
		fmt.Printf("[%s] %-24s on %-12s : %s\n", icon, c.Table, c.Target, detail)
		if len(c.MismatchKeys) > 0 {
			fmt.Printf("    └ Mismatched keys: %v\n", c.MismatchKeys)
		}
		if c.Error != "" {
			fmt.Printf("    └ Error: %s\n", c.Error)
		}
	}
}
