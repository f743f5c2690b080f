package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/airframesio/table-exporter/cmd/status"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Show recorded jobs, or the tables and errors of one job",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().String("output-dir", "", "output directory whose status database to read")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print as JSON")
}

// jobReport is the status view of one job.
type jobReport struct {
	Job    status.Entry        `json:"job"`
	Config json.RawMessage     `json:"config,omitempty"`
	Tables []tableReport       `json:"tables"`
	Errors []status.ErrorEntry `json:"errors,omitempty"`
}

type tableReport struct {
	Table  string         `json:"table"`
	Status string         `json:"status"`
	Chunks map[string]int `json:"chunks,omitempty"`
}

func runStatus(_ *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	initLogger(cfg.Debug, cfg.LogFormat, cfg.LogFile, true)
	if cfg.Status.Backend == "memory" {
		return fmt.Errorf("%w: the memory backend keeps no history", ErrStatusBackendInvalid)
	}
	if cfg.Status.Path == "" {
		return ErrStatusPathRequired
	}
	if _, err := os.Stat(cfg.Status.Path); err != nil {
		return fmt.Errorf("no status database at %s: %w", cfg.Status.Path, err)
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	if len(args) == 0 {
		jobs, err := listJobs(ctx, store)
		if err != nil {
			return err
		}
		if statusJSON {
			return writeJSON(os.Stdout, jobs)
		}
		printServer(os.Stdout, runningServer())
		printJobs(os.Stdout, jobs)
		return nil
	}

	report, err := buildJobReport(ctx, store, args[0])
	if err != nil {
		return err
	}
	if statusJSON {
		return writeJSON(os.Stdout, report)
	}
	printJobReport(os.Stdout, report)
	return nil
}

// listJobs returns job entries, newest first. Table and chunk ids contain a slash.
func listJobs(ctx context.Context, store status.Store) ([]status.Entry, error) {
	entries, err := store.List(ctx, "")
	if err != nil {
		return nil, err
	}
	jobs := lo.Filter(entries, func(e status.Entry, _ int) bool {
		return !strings.Contains(e.EntityID, "/")
	})
	// ksuid ids sort by creation time
	return lo.Reverse(jobs), nil
}

func buildJobReport(ctx context.Context, store status.Store, jobID string) (*jobReport, error) {
	jobStatus, err := store.GetStatus(ctx, status.JobEntity(jobID))
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", jobID, err)
	}
	entries, err := store.List(ctx, jobID+"/")
	if err != nil {
		return nil, err
	}

	report := &jobReport{Job: status.Entry{EntityID: jobID, Status: jobStatus}}
	if cfg, err := store.JobConfig(ctx, jobID); err == nil {
		report.Config = cfg
	}

	tables := make(map[string]*tableReport)
	var order []string
	for _, e := range entries {
		rest := strings.TrimPrefix(e.EntityID, jobID+"/")
		table, chunk, isChunk := strings.Cut(rest, "/chunk/")
		tr, ok := tables[table]
		if !ok {
			tr = &tableReport{Table: table, Chunks: map[string]int{}}
			tables[table] = tr
			order = append(order, table)
		}
		if isChunk && chunk != "" {
			tr.Chunks[e.Status]++
		} else {
			tr.Status = e.Status
		}
	}
	for _, name := range order {
		report.Tables = append(report.Tables, *tables[name])
	}

	for _, id := range append([]string{jobID}, lo.Map(order, func(t string, _ int) string { return status.TableEntity(jobID, t) })...) {
		errs, err := store.Errors(ctx, id)
		if err != nil {
			return nil, err
		}
		report.Errors = append(report.Errors, errs...)
	}
	return report, nil
}

func printServer(w io.Writer, info *ServerInfo) {
	if info == nil {
		return
	}
	fmt.Fprintln(w, titleStyle.Render("Server"))
	fmt.Fprintf(w, "   pid %d, up %s", info.PID, humanize.Time(info.StartTime))
	if info.MetricsAddr != "" {
		fmt.Fprintf(w, ", metrics on %s", info.MetricsAddr)
	}
	fmt.Fprintln(w)
	current := info.CurrentJob
	if current == "" {
		current = "idle"
	}
	fmt.Fprintf(w, "   running: %s, queued: %d, finished: %d\n\n", current, info.QueuedJobs, info.CompletedJobs)
}

func printJobs(w io.Writer, jobs []status.Entry) {
	if len(jobs) == 0 {
		fmt.Fprintln(w, "no jobs recorded")
		return
	}
	fmt.Fprintln(w, titleStyle.Render("Jobs"))
	for _, j := range jobs {
		fmt.Fprintf(w, "   %-32s %-22s %s\n", j.EntityID, j.Status, humanize.Time(j.UpdatedAt))
	}
}

func printJobReport(w io.Writer, r *jobReport) {
	fmt.Fprintf(w, "%s %s\n\n", titleStyle.Render(r.Job.EntityID), r.Job.Status)
	for _, t := range r.Tables {
		fmt.Fprintf(w, "   %-40s %-20s", t.Table, t.Status)
		if len(t.Chunks) > 0 {
			parts := make([]string, 0, len(t.Chunks))
			for _, s := range []string{"succeeded", "failed", "skipped", "running", "pending"} {
				if n, ok := t.Chunks[s]; ok {
					parts = append(parts, fmt.Sprintf("%d %s", n, s))
				}
			}
			fmt.Fprintf(w, " chunks: %s", strings.Join(parts, ", "))
		}
		fmt.Fprintln(w)
	}
	if len(r.Errors) > 0 {
		fmt.Fprintf(w, "\n%s\n", titleStyle.Render("Errors"))
		for _, e := range r.Errors {
			fmt.Fprintf(w, "   %s %s\n      %s\n", e.CreatedAt.Format(time.DateTime), e.EntityID, e.Message)
		}
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
