// Package organizer promotes finished table output from a job's temp workspace into the final
// layout and records immutable per-job metadata.
package organizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ConflictPolicy decides what happens when a table's final directory already exists.
type ConflictPolicy string

const (
	PolicyVersion   ConflictPolicy = "version"
	PolicyOverwrite ConflictPolicy = "overwrite"
)

// ErrInvalidPolicy is returned for unknown conflict policies
var ErrInvalidPolicy = errors.New("conflict policy must be 'version' or 'overwrite'")

// ParseConflictPolicy validates a policy name.
func ParseConflictPolicy(s string) (ConflictPolicy, error) {
	switch ConflictPolicy(s) {
	case PolicyVersion, PolicyOverwrite:
		return ConflictPolicy(s), nil
	case "":
		return PolicyVersion, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPolicy, s)
	}
}

// OrganizationError reports a table that could not be promoted. Its temp output stays in place.
type OrganizationError struct {
	Table string
	Err   error
}

func (e *OrganizationError) Error() string {
	return fmt.Sprintf("organize %s: %v", e.Table, e.Err)
}

func (e *OrganizationError) Unwrap() error {
	return e.Err
}

// TableResult is the outcome of organizing one table.
type TableResult struct {
	Table         string `json:"table"`
	FinalDir      string `json:"final_dir,omitempty"`
	VersionSuffix string `json:"version_suffix,omitempty"`
	Replaced      bool   `json:"replaced,omitempty"`
	Skipped       bool   `json:"skipped,omitempty"`
	Error         string `json:"error,omitempty"`
}

// OrganizationResult is returned by Organize.
type OrganizationResult struct {
	JobID        string
	Tables       []TableResult
	MetadataPath string
	Errors       []*OrganizationError
}

// Err joins every table error, or nil.
func (r OrganizationResult) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	errs := make([]error, len(r.Errors))
	for i, e := range r.Errors {
		errs[i] = e
	}
	return errors.Join(errs...)
}

// Organizer moves table directories with os.Rename, so each table ends up entirely in the old
// layout or entirely in the new one.
type Organizer struct {
	// ArchiveDir receives one metadata record per organized job.
	ArchiveDir string
	// ArchiveTemplate optionally nests records below ArchiveDir.
	ArchiveTemplate *ArchiveTemplate
	// LockTimeout bounds how long Organize waits for another organizer on the same final root.
	LockTimeout time.Duration

	logger *slog.Logger
	now    func() time.Time
	rename func(oldpath, newpath string) error
}

// New creates an organizer that archives metadata under archiveDir.
func New(archiveDir string, logger *slog.Logger) *Organizer {
	return &Organizer{
		ArchiveDir:  archiveDir,
		LockTimeout: 30 * time.Second,
		logger:      logger.With("component", "organizer"),
		now:         time.Now,
		rename:      os.Rename,
	}
}

// JobMetadata is the immutable record written after a job is organized.
type JobMetadata struct {
	JobID       string          `json:"job_id"`
	Status      string          `json:"status"`
	Policy      ConflictPolicy  `json:"conflict_policy"`
	FinalRoot   string          `json:"final_root"`
	StartedAt   time.Time       `json:"started_at"`
	OrganizedAt time.Time       `json:"organized_at"`
	Tables      []TableMetadata `json:"tables"`
}

// TableMetadata combines a table's export record with where it ended up.
type TableMetadata struct {
	ExportRecord
	FinalDir      string `json:"final_dir,omitempty"`
	VersionSuffix string `json:"version_suffix,omitempty"`
	OrganizeError string `json:"organize_error,omitempty"`
}

// Organize promotes every table with at least one successful chunk from tempRoot/jobID to
// finalRoot and then writes the job metadata record. A failing table is reported in the result
// and does not stop the others. The returned error covers only job-wide failures: the final
// root lock and the metadata record.
func (o *Organizer) Organize(ctx context.Context, set RecordSet, tempRoot, finalRoot string, policy ConflictPolicy) (OrganizationResult, error) {
	result := OrganizationResult{JobID: set.JobID}

	if err := os.MkdirAll(finalRoot, 0o755); err != nil {
		return result, fmt.Errorf("failed to create final root: %w", err)
	}

	unlock, err := o.lock(ctx, finalRoot)
	if err != nil {
		return result, err
	}
	defer unlock()

	o.recoverReplaced(finalRoot)

	meta := JobMetadata{
		JobID:     set.JobID,
		Status:    set.Status,
		Policy:    policy,
		FinalRoot: finalRoot,
		StartedAt: set.StartedAt,
	}

	for _, rec := range set.Records {
		tr := TableResult{Table: rec.Table}
		tm := TableMetadata{ExportRecord: rec}

		if !rec.Promotable() {
			tr.Skipped = true
			o.logger.Debug("nothing to organize", "table", rec.Table, "status", rec.Status)
		} else if err := o.promote(set.JobID, rec, tempRoot, finalRoot, policy, &tr); err != nil {
			orgErr := &OrganizationError{Table: rec.Table, Err: err}
			result.Errors = append(result.Errors, orgErr)
			tr.Error = err.Error()
			tm.OrganizeError = err.Error()
			o.logger.Error("failed to organize table", "table", rec.Table, "error", err)
		} else {
			o.logger.Info("organized table", "table", rec.Table, "dir", tr.FinalDir)
		}

		tm.FinalDir = tr.FinalDir
		tm.VersionSuffix = tr.VersionSuffix
		meta.Tables = append(meta.Tables, tm)
		result.Tables = append(result.Tables, tr)
	}

	path, err := o.writeMetadata(meta)
	if err != nil {
		return result, err
	}
	result.MetadataPath = path
	return result, nil
}

func (o *Organizer) promote(jobID string, rec ExportRecord, tempRoot, finalRoot string, policy ConflictPolicy, tr *TableResult) error {
	src := TableTempDir(tempRoot, jobID, rec.Table)
	if info, err := os.Stat(src); err != nil {
		return fmt.Errorf("temp output missing: %w", err)
	} else if !info.IsDir() {
		return fmt.Errorf("temp output %s is not a directory", src)
	}

	name := DirName(rec.Table)
	target := filepath.Join(finalRoot, name)

	existing, err := listDir(finalRoot)
	if err != nil {
		return fmt.Errorf("failed to scan final root: %w", err)
	}

	switch policy {
	case PolicyOverwrite:
		if existing[name] {
			if err := o.replace(src, target); err != nil {
				return err
			}
			tr.Replaced = true
		} else if err := o.rename(src, target); err != nil {
			return fmt.Errorf("failed to move output: %w", err)
		}

	case PolicyVersion:
		chosen, n := nextVersion(existing, name)
		target = filepath.Join(finalRoot, chosen)
		if err := o.rename(src, target); err != nil {
			return fmt.Errorf("failed to move output: %w", err)
		}
		if n > 0 {
			tr.VersionSuffix = fmt.Sprintf("_v%d", n)
		}

	default:
		return fmt.Errorf("%w: %q", ErrInvalidPolicy, policy)
	}

	tr.FinalDir = target
	return nil
}

// replacedMarker names directories parked by replace.
const replacedMarker = ".replaced-"

// recoverReplaced finishes overwrite swaps cut short by a crash. A parked directory whose
// target is missing goes back into place, one whose target exists is removed.
func (o *Organizer) recoverReplaced(finalRoot string) {
	entries, err := os.ReadDir(finalRoot)
	if err != nil {
		o.logger.Warn("failed to scan final root for parked output", "dir", finalRoot, "error", err)
		return
	}
	for _, e := range entries {
		name := e.Name()
		idx := strings.LastIndex(name, replacedMarker)
		if !e.IsDir() || !strings.HasPrefix(name, ".") || idx <= 1 {
			continue
		}
		parked := filepath.Join(finalRoot, name)
		target := filepath.Join(finalRoot, name[1:idx])

		if _, err := os.Lstat(target); os.IsNotExist(err) {
			if err := o.rename(parked, target); err != nil {
				o.logger.Error("failed to restore parked output", "path", parked, "error", err)
				continue
			}
			o.logger.Warn("restored output of an interrupted overwrite", "dir", target)
			continue
		}
		if err := os.RemoveAll(parked); err != nil {
			o.logger.Warn("failed to remove replaced output", "path", parked, "error", err)
		}
	}
}

// replace swaps target for src. The old directory is parked under a unique hidden name first
// and restored if the second rename fails.
func (o *Organizer) replace(src, target string) error {
	parked := filepath.Join(filepath.Dir(target), "."+filepath.Base(target)+replacedMarker+uuid.NewString())

	if err := o.rename(target, parked); err != nil {
		return fmt.Errorf("failed to park existing output: %w", err)
	}
	if err := o.rename(src, target); err != nil {
		if rbErr := o.rename(parked, target); rbErr != nil {
			return fmt.Errorf("failed to move output: %w (restore of previous output failed: %v)", err, rbErr)
		}
		return fmt.Errorf("failed to move output: %w", err)
	}
	if err := os.RemoveAll(parked); err != nil {
		o.logger.Warn("failed to remove replaced output", "path", parked, "error", err)
	}
	return nil
}

func (o *Organizer) writeMetadata(meta JobMetadata) (string, error) {
	ts := o.now().UTC()
	meta.OrganizedAt = ts

	dir := o.ArchiveDir
	if o.ArchiveTemplate != nil {
		dir = filepath.Join(dir, o.ArchiveTemplate.Generate(meta.JobID, ts))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create archive dir: %w", err)
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode job metadata: %w", err)
	}

	path := filepath.Join(dir, MetadataFileName(meta.JobID, ts))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o444)
	if err != nil {
		return "", fmt.Errorf("failed to create job metadata: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to write job metadata: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to write job metadata: %w", err)
	}

	o.logger.Info("wrote job metadata", "path", path)
	return path, nil
}

// ReadMetadata loads a record written by Organize.
func ReadMetadata(path string) (*JobMetadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var meta JobMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("corrupt job metadata %s: %w", path, err)
	}
	return &meta, nil
}
