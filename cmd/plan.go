package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/airframesio/table-exporter/cmd/exporter"
)

var (
	planJobFile string
	planJSON    bool
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show how each table would be split, without exporting",
	Long: `Resolve every selected table's schema, count its rows and print the partition plan an
export would use. Nothing is written and no status is recorded.`,
	RunE: runPlan,
}

func init() {
	fs := planCmd.Flags()
	addSourceFlags(fs)
	addOutputFlags(fs)
	addEngineFlags(fs)
	fs.StringVar(&planJobFile, "job-file", "", "YAML job file layered over the configuration")
	fs.BoolVar(&planJSON, "json", false, "print plans as JSON")
}

func runPlan(_ *cobra.Command, _ []string) error {
	cfg, err := prepare(planJobFile, true)
	if err != nil {
		return err
	}
	// a dry run must not touch the status database
	cfg.Status.Backend = "memory"

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	coord, err := newCoordinator(cfg, store, nil, logger)
	if err != nil {
		return err
	}
	plans, err := coord.PlanJob(context.Background(), newJob(cfg))
	if err != nil {
		return err
	}

	if planJSON {
		return writeJSON(os.Stdout, plans)
	}
	printPlans(os.Stdout, plans)
	return nil
}

func printPlans(w io.Writer, plans []exporter.TablePlan) {
	var chunks int
	for _, tp := range plans {
		if tp.Error != "" {
			fmt.Fprintf(w, "❌ %s: %s\n", tp.Table, tp.Error)
			continue
		}
		chunks += len(tp.Plan.Chunks)
		fmt.Fprintf(w, "%s  %d columns, %s rows, ~%s\n",
			titleStyle.Render(tp.Table), tp.Columns, humanize.Comma(tp.RowCount), humanize.Bytes(uint64(tp.EstimatedBytes)))

		strategy := string(tp.Plan.Strategy)
		if tp.Plan.KeyColumn != "" {
			strategy += " on " + tp.Plan.KeyColumn
		}
		fmt.Fprintf(w, "   %s, %d chunks of ~%s rows\n", strategy, len(tp.Plan.Chunks), humanize.Comma(tp.Plan.ChunkRows))

		for i, b := range tp.Plan.Chunks {
			if i == 5 && len(tp.Plan.Chunks) > 6 {
				last := len(tp.Plan.Chunks) - 1
				fmt.Fprintf(w, "   ... %d more\n", last-i)
				fmt.Fprintf(w, "   %5d  %s\n", last, tp.Plan.Chunks[last])
				break
			}
			fmt.Fprintf(w, "   %5d  %s\n", i, b)
		}
		for _, warn := range tp.Plan.Warnings {
			fmt.Fprintf(w, "   ⚠️  %s\n", warn)
		}
		fmt.Fprintln(w)
	}
	failed := lo.CountBy(plans, func(tp exporter.TablePlan) bool { return tp.Error != "" })
	summary := fmt.Sprintf("%d tables, %d chunks", len(plans), chunks)
	if failed > 0 {
		summary += fmt.Sprintf(", %d tables cannot be exported", failed)
	}
	fmt.Fprintln(w, infoStyle.Render(summary))
}
