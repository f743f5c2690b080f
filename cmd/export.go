package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/airframesio/table-exporter/cmd/exporter"
	"github.com/airframesio/table-exporter/cmd/mirror"
	"github.com/airframesio/table-exporter/cmd/organizer"
	"github.com/airframesio/table-exporter/cmd/status"
)

// Errors returned by export, mapped to exit codes in main
var (
	ErrJobCancelled  = errors.New("export cancelled")
	ErrJobFailed     = errors.New("export failed")
	ErrJobIncomplete = errors.New("export completed with errors")
	ErrForceQuit     = errors.New("export interrupted")
)

var exportJobFile string

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export tables to files",
	Long: `Export one or more tables. Each table is resolved to a typed schema, planned as a single
file or a set of chunks, read in parallel and finally moved into <output-dir>/<schema.table>.

Ctrl+C stops dispatching new chunks and lets running chunks finish; a second Ctrl+C exits
immediately. Partial output is never deleted.`,
	RunE: runExport,
}

func init() {
	fs := exportCmd.Flags()
	addSourceFlags(fs)
	addOutputFlags(fs)
	addEngineFlags(fs)
	addMirrorFlags(fs)
	fs.Bool("no-tui", false, "plain log output instead of the progress view")
	fs.String("name", "", "label stored with the job")
	fs.StringVar(&exportJobFile, "job-file", "", "YAML job file layered over the configuration")
}

func runExport(_ *cobra.Command, _ []string) error {
	useTUI := !viper.GetBool("no_tui") && !viper.GetBool("debug") && isTerminal(os.Stdout)

	cfg, err := prepare(exportJobFile, !useTUI)
	if err != nil {
		return err
	}
	logger.Info(fmt.Sprintf("🚀 Table Exporter v%s", Version))
	notifyUpdate(500 * time.Millisecond)

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	job := newJob(cfg)
	logger.Info("starting export", "job", job.ID, "tables", len(cfg.Tables), "format", cfg.Output.Format)

	var res *exporter.JobResult
	if useTUI {
		res, err = runWithProgress(cfg, store, job)
	} else {
		res, err = runPlain(cfg, store, job)
	}
	if err != nil {
		return err
	}

	fmt.Println(renderSummary(res))

	var mirrorErr error
	if cfg.S3.Bucket != "" && res.Organization != nil {
		mirrorErr = mirrorOutput(context.Background(), cfg, *res.Organization)
	}
	return errors.Join(jobError(res), mirrorErr)
}

func runPlain(cfg *Config, store status.Store, job *exporter.ExportJob) (*exporter.JobResult, error) {
	coord, err := newCoordinator(cfg, store, nil, logger)
	if err != nil {
		return nil, err
	}
	stop := watchSignals(job.Cancel)
	defer stop()

	return coord.Run(context.Background(), job), nil
}

// runWithProgress runs the job while a bubbletea program renders its callbacks. The program owns
// the terminal, so ctrl+c arrives as a key press rather than a signal.
func runWithProgress(cfg *Config, store status.Store, job *exporter.ExportJob) (*exporter.JobResult, error) {
	program := tea.NewProgram(newProgressModel(job.ID, job.Cancel))

	coord, err := newCoordinator(cfg, store, &programObserver{program: program}, logger)
	if err != nil {
		return nil, err
	}
	stop := watchSignals(job.Cancel)
	defer stop()

	results := make(chan *exporter.JobResult, 1)
	go func() {
		res := coord.Run(context.Background(), job)
		results <- res
		program.Send(jobDoneMsg{result: res})
	}()

	final, err := program.Run()
	if err != nil {
		logger.Warn("progress view failed, waiting for the job", "error", err)
		return <-results, nil
	}
	if m, ok := final.(progressModel); ok && m.forceQuit {
		return nil, ErrForceQuit
	}
	return <-results, nil
}

func mirrorOutput(ctx context.Context, cfg *Config, org organizer.OrganizationResult) error {
	m, err := mirror.NewS3Mirror(cfg.S3, logger)
	if err != nil {
		return fmt.Errorf("s3 mirror: %w", err)
	}
	report, err := m.Mirror(ctx, org, cfg.Output.Dir)
	logger.Info("☁️  Mirrored output to S3",
		"bucket", cfg.S3.Bucket,
		"uploaded", len(report.Uploaded),
		"skipped", len(report.Skipped),
		"bytes", humanize.Bytes(uint64(report.Bytes)))
	if err != nil {
		return fmt.Errorf("s3 mirror: %w", err)
	}
	return nil
}

// jobError maps a terminal job status to the command's error.
func jobError(res *exporter.JobResult) error {
	switch res.Status {
	case exporter.JobCompleted:
		return nil
	case exporter.JobCompletedWithErrors:
		return fmt.Errorf("%w: job %s", ErrJobIncomplete, res.JobID)
	case exporter.JobCancelled:
		return fmt.Errorf("%w: job %s", ErrJobCancelled, res.JobID)
	default:
		if res.Err != nil {
			return fmt.Errorf("%w: job %s: %w", ErrJobFailed, res.JobID, res.Err)
		}
		return fmt.Errorf("%w: job %s", ErrJobFailed, res.JobID)
	}
}

var (
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575")).Bold(true)
	failureStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")).Bold(true)
	partialStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFAA00")).Bold(true)
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
)

func jobStyle(s exporter.JobStatus) lipgloss.Style {
	switch s {
	case exporter.JobCompleted:
		return successStyle
	case exporter.JobCompletedWithErrors, exporter.JobCancelled:
		return partialStyle
	default:
		return failureStyle
	}
}

// renderSummary formats the end-of-job report printed after the progress view closes.
func renderSummary(res *exporter.JobResult) string {
	var sb strings.Builder

	header := fmt.Sprintf("Job %s %s in %s", res.JobID, res.Status, res.Duration.Round(time.Millisecond))
	fmt.Fprintf(&sb, "\n%s\n\n", jobStyle(res.Status).Render(header))

	var placed map[string]organizer.TableResult
	if res.Organization != nil {
		placed = lo.KeyBy(res.Organization.Tables, func(t organizer.TableResult) string { return t.Table })
	}

	var totalRows, totalBytes int64
	for _, rec := range res.Records {
		totalRows += rec.Rows
		totalBytes += rec.Bytes
		fmt.Fprintf(&sb, "   %s %-40s %-20s %4d files %12s rows %10s",
			tableIcon(exporter.TableStatus(rec.Status)), rec.Table, rec.Status,
			len(rec.Files), humanize.Comma(rec.Rows), humanize.Bytes(uint64(rec.Bytes)))
		if tr, ok := placed[rec.Table]; ok && tr.FinalDir != "" {
			fmt.Fprintf(&sb, "  → %s", tr.FinalDir)
		}
		sb.WriteByte('\n')
		if rec.Error != "" {
			fmt.Fprintf(&sb, "      %s\n", dimStyle.Render(rec.Error))
		}
		for _, f := range rec.Failures {
			if f.Error != "" {
				fmt.Fprintf(&sb, "      %s\n", dimStyle.Render(fmt.Sprintf("chunk %d (%s) %s: %s", f.Index, f.Bounds, f.Status, f.Error)))
			}
		}
	}

	fmt.Fprintf(&sb, "\n   %d tables, %s rows, %s\n", len(res.Records), humanize.Comma(totalRows), humanize.Bytes(uint64(totalBytes)))
	if res.Organization != nil && res.Organization.MetadataPath != "" {
		fmt.Fprintf(&sb, "   metadata: %s\n", res.Organization.MetadataPath)
	}
	if res.Err != nil {
		fmt.Fprintf(&sb, "   %s\n", failureStyle.Render(res.Err.Error()))
	}
	return sb.String()
}

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	return err == nil && fi.Mode()&os.ModeCharDevice != 0
}
