package cmd

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/airframesio/table-exporter/cmd/formatters"
	"github.com/airframesio/table-exporter/cmd/organizer"
)

// ErrVerifyFailed is returned when any table's files disagree with its metadata record
var ErrVerifyFailed = errors.New("verification failed")

var verifyJSON bool

var verifyCmd = &cobra.Command{
	Use:   "verify <job-id | metadata-file>",
	Short: "Check organized files against a job's metadata record",
	Long: `Read every file a job promoted, count its rows and compare them with the row counts in the
job's metadata record. Missing files, unreadable files, leftover partial files and row count
differences are reported.`,
	Args: cobra.ExactArgs(1),
	RunE: runVerify,
}

func init() {
	addOutputFlags(verifyCmd.Flags())
	verifyCmd.Flags().BoolVar(&verifyJSON, "json", false, "print results as JSON")
}

// tableVerification is the verify result of one table.
type tableVerification struct {
	Table        string   `json:"table"`
	Dir          string   `json:"dir"`
	ExpectedRows int64    `json:"expected_rows"`
	ActualRows   int64    `json:"actual_rows"`
	Files        int      `json:"files"`
	Bytes        int64    `json:"bytes"`
	Missing      []string `json:"missing,omitempty"`
	Unexpected   []string `json:"unexpected,omitempty"`
	Problems     []string `json:"problems,omitempty"`
}

func (v tableVerification) OK() bool {
	return v.ExpectedRows == v.ActualRows && len(v.Missing) == 0 && len(v.Problems) == 0
}

func runVerify(_ *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	initLogger(cfg.Debug, cfg.LogFormat, cfg.LogFile, true)

	path := args[0]
	if _, err := os.Stat(path); err != nil {
		if cfg.Archive.Dir == "" {
			return ErrOutputDirRequired
		}
		if path, err = findMetadata(cfg.Archive.Dir, args[0]); err != nil {
			return err
		}
	}

	meta, err := organizer.ReadMetadata(path)
	if err != nil {
		return err
	}
	logger.Debug("verifying job", "job", meta.JobID, "metadata", path)

	results := verifyMetadata(meta)
	if verifyJSON {
		if err := writeJSON(os.Stdout, results); err != nil {
			return err
		}
	} else {
		printVerification(os.Stdout, meta, results)
	}

	if failed := lo.CountBy(results, func(v tableVerification) bool { return !v.OK() }); failed > 0 {
		return fmt.Errorf("%w: %d of %d tables", ErrVerifyFailed, failed, len(results))
	}
	return nil
}

// findMetadata returns the newest metadata record of jobID below archiveDir.
func findMetadata(archiveDir, jobID string) (string, error) {
	var matches []string
	err := filepath.WalkDir(archiveDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasPrefix(d.Name(), jobID+"_") && strings.HasSuffix(d.Name(), ".json") {
			matches = append(matches, p)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to search %s: %w", archiveDir, err)
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("no metadata record for job %s in %s", jobID, archiveDir)
	}
	// names end in the organization timestamp
	sort.Strings(matches)
	return matches[len(matches)-1], nil
}

// verifyMetadata checks every promoted table of a metadata record. Tables that were never
// promoted have nothing on disk and are left out.
func verifyMetadata(meta *organizer.JobMetadata) []tableVerification {
	var results []tableVerification
	for _, tm := range meta.Tables {
		if tm.FinalDir == "" {
			continue
		}
		results = append(results, verifyTable(tm))
	}
	return results
}

func verifyTable(tm organizer.TableMetadata) tableVerification {
	v := tableVerification{
		Table:        tm.Table,
		Dir:          tm.FinalDir,
		ExpectedRows: tm.Rows,
	}

	listed := make(map[string]bool, len(tm.Files))
	for _, name := range tm.Files {
		listed[name] = true
		path := filepath.Join(tm.FinalDir, name)

		info, err := os.Stat(path)
		if err != nil {
			v.Missing = append(v.Missing, name)
			continue
		}
		format, compression, err := formatters.DetectFormat(name)
		if err != nil {
			v.Problems = append(v.Problems, err.Error())
			continue
		}
		stats, err := formatters.Inspect(path, format, compression)
		if err != nil {
			v.Problems = append(v.Problems, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		v.Files++
		v.Bytes += info.Size()
		v.ActualRows += stats.Rows
	}

	entries, err := os.ReadDir(tm.FinalDir)
	if err != nil {
		v.Problems = append(v.Problems, err.Error())
		return v
	}
	for _, e := range entries {
		switch {
		case listed[e.Name()]:
		case strings.HasSuffix(e.Name(), ".partial"):
			v.Problems = append(v.Problems, "leftover partial file "+e.Name())
		default:
			v.Unexpected = append(v.Unexpected, e.Name())
		}
	}
	return v
}

func printVerification(w io.Writer, meta *organizer.JobMetadata, results []tableVerification) {
	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Fprintf(w, "VERIFY %s (%s)\n", meta.JobID, meta.Status)
	fmt.Fprintf(w, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

	for _, v := range results {
		icon := "✅"
		if !v.OK() {
			icon = "❌"
		}
		fmt.Fprintf(w, "%s %s: %s of %s rows in %d files (%s)\n", icon, v.Table,
			humanize.Comma(v.ActualRows), humanize.Comma(v.ExpectedRows), v.Files, humanize.Bytes(uint64(v.Bytes)))
		for _, m := range v.Missing {
			fmt.Fprintf(w, "  • missing %s\n", m)
		}
		for _, p := range v.Problems {
			fmt.Fprintf(w, "  • %s\n", p)
		}
		if len(v.Unexpected) > 0 {
			fmt.Fprintf(w, "  ⚠️  not in this job's record: %s\n", strings.Join(v.Unexpected, ", "))
		}
	}
	if len(results) == 0 {
		fmt.Fprintln(w, "no promoted tables in this record")
	}
}
