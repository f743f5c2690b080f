package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/airframesio/table-exporter/cmd/organizer"
	"github.com/airframesio/table-exporter/cmd/status"
)

// ErrNoRecords is returned when a job left no record snapshot to organize from
var ErrNoRecords = errors.New("no export records found for job")

var organizeCmd = &cobra.Command{
	Use:   "organize <job-id>",
	Short: "Move a job's staged output into the final layout again",
	Long: `Re-run organization for a job from the records it saved in the temp directory. Use it after
a crash between export and organization, or after fixing the cause of an organization error.
Tables that were already promoted have no staged directory left and are reported as failed.`,
	Args: cobra.ExactArgs(1),
	RunE: runOrganize,
}

func init() {
	addOutputFlags(organizeCmd.Flags())
}

func runOrganize(_ *cobra.Command, args []string) error {
	jobID := args[0]
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	initLogger(cfg.Debug, cfg.LogFormat, cfg.LogFile, true)
	if cfg.Output.Dir == "" {
		return ErrOutputDirRequired
	}
	policy, err := organizer.ParseConflictPolicy(cfg.Output.ConflictPolicy)
	if err != nil {
		return err
	}

	set, err := organizer.LoadRecords(cfg.Output.TempDir, jobID)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w %s in %s", ErrNoRecords, jobID, cfg.Output.TempDir)
		}
		return err
	}

	org := organizer.New(cfg.Archive.Dir, logger)
	if cfg.Archive.Template != "" {
		org.ArchiveTemplate = organizer.NewArchiveTemplate(cfg.Archive.Template)
	}

	ctx := context.Background()
	result, err := org.Organize(ctx, *set, cfg.Output.TempDir, cfg.Output.Dir, policy)
	if err != nil {
		return err
	}
	recordOrganizeErrors(ctx, cfg, jobID, result)

	for _, tr := range result.Tables {
		switch {
		case tr.Skipped:
			fmt.Printf("   ⏭  %s (nothing to promote)\n", tr.Table)
		case tr.Error != "":
			fmt.Printf("   ❌ %s: %s\n", tr.Table, tr.Error)
		default:
			fmt.Printf("   ✅ %s → %s\n", tr.Table, tr.FinalDir)
		}
	}
	if result.MetadataPath != "" {
		fmt.Printf("\n   metadata: %s\n", result.MetadataPath)
	}
	return result.Err()
}

// recordOrganizeErrors adds organization failures to the job's error history when a status
// database exists. Failing to open it only costs the history.
func recordOrganizeErrors(ctx context.Context, cfg *Config, jobID string, result organizer.OrganizationResult) {
	if len(result.Errors) == 0 || cfg.Status.Backend == "memory" || cfg.Status.Backend == "" {
		return
	}
	if _, err := os.Stat(cfg.Status.Path); err != nil {
		return
	}
	store, err := openStore(cfg)
	if err != nil {
		logger.Warn("could not open status store", "error", err)
		return
	}
	defer store.Close()

	for _, oe := range result.Errors {
		if err := store.RecordError(ctx, status.TableEntity(jobID, oe.Table), oe.Error()); err != nil {
			logger.Warn("could not record organization error", "table", oe.Table, "error", err)
		}
	}
}
