package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"db-carve/internal/router"
	"db-carve/internal/schema"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show the migration order without moving any data",
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

		fmt.Printf("Migration Plan (%d units, %d targets):\n", len(plan.Units), len(plan.Targets()))
		for i, u := range plan.Units {
			line := fmt.Sprintf("[%02d] %-24s -> %s", i+1, u.Table.Name, u.Target)
			if len(u.DependsOn) > 0 {
				line += fmt.Sprintf(" (after: %s)", strings.Join(u.DependsOn, ", "))
			}
			if len(u.CrossTarget) > 0 {
				line += fmt.Sprintf(" [cross-target barrier: %s]", strings.Join(u.CrossTarget, ", "))
			}
			fmt.Println(line)
		}
		for _, s := range plan.Skipped {
			fmt.Printf("[--] %-24s : skipped (unassigned)\n", s)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(planCmd)
}
