package organizer

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fixture struct {
	temp    string
	final   string
	archive string
	org     *Organizer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{
		temp:    filepath.Join(root, "tmp"),
		final:   filepath.Join(root, "final"),
		archive: filepath.Join(root, "archive"),
	}
	f.org = New(f.archive, newTestLogger())
	return f
}

// stage creates a table's temp output with the given chunk files.
func (f *fixture) stage(t *testing.T, jobID, table string, files ...string) ExportRecord {
	t.Helper()
	dir := TableTempDir(f.temp, jobID, table)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(jobID), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return ExportRecord{
		Table:           table,
		Status:          "succeeded",
		Files:           files,
		ChunkCount:      len(files),
		SucceededChunks: len(files),
	}
}

func (f *fixture) organize(t *testing.T, jobID string, policy ConflictPolicy, recs ...ExportRecord) OrganizationResult {
	t.Helper()
	res, err := f.org.Organize(context.Background(), RecordSet{JobID: jobID, Status: "completed", Records: recs}, f.temp, f.final, policy)
	if err != nil {
		t.Fatalf("Organize(%s): %v", jobID, err)
	}
	return res
}

func TestVersionPolicyNeverOverwrites(t *testing.T) {
	f := newFixture(t)

	wantDirs := []string{"orders", "orders_v2", "orders_v3"}
	wantSuffix := []string{"", "_v2", "_v3"}
	for i, job := range []string{"exp_1", "exp_2", "exp_3"} {
		res := f.organize(t, job, PolicyVersion, f.stage(t, job, "orders", "part_00000.parquet"))
		if len(res.Errors) != 0 {
			t.Fatalf("%s: unexpected errors %v", job, res.Err())
		}
		tr := res.Tables[0]
		if filepath.Base(tr.FinalDir) != wantDirs[i] {
			t.Errorf("%s: final dir = %s, want %s", job, filepath.Base(tr.FinalDir), wantDirs[i])
		}
		if tr.VersionSuffix != wantSuffix[i] {
			t.Errorf("%s: suffix = %q, want %q", job, tr.VersionSuffix, wantSuffix[i])
		}
	}

	// every run kept its own data
	for i, dir := range wantDirs {
		data, err := os.ReadFile(filepath.Join(f.final, dir, "part_00000.parquet"))
		if err != nil {
			t.Fatal(err)
		}
		if want := []string{"exp_1", "exp_2", "exp_3"}[i]; string(data) != want {
			t.Errorf("%s holds %q, want %q", dir, data, want)
		}
	}
}

func TestVersionPolicyFillsLowestGap(t *testing.T) {
	existing := map[string]bool{"orders": true, "orders_v3": true}
	got, n := nextVersion(existing, "orders")
	if got != "orders_v2" || n != 2 {
		t.Errorf("nextVersion = %s, %d; want orders_v2, 2", got, n)
	}
	got, n = nextVersion(map[string]bool{}, "orders")
	if got != "orders" || n != 0 {
		t.Errorf("nextVersion on empty = %s, %d", got, n)
	}
}

func TestOverwritePolicyReplacesContents(t *testing.T) {
	f := newFixture(t)

	f.organize(t, "exp_1", PolicyVersion, f.stage(t, "exp_1", "public.orders", "part_00000.csv", "part_00001.csv"))
	res := f.organize(t, "exp_2", PolicyOverwrite, f.stage(t, "exp_2", "public.orders", "part_00000.csv"))

	tr := res.Tables[0]
	if !tr.Replaced {
		t.Error("expected Replaced")
	}
	entries, err := os.ReadDir(tr.FinalDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "part_00000.csv" {
		t.Errorf("final dir holds %v, want only the new chunk", entries)
	}
	data, _ := os.ReadFile(filepath.Join(tr.FinalDir, "part_00000.csv"))
	if string(data) != "exp_2" {
		t.Errorf("final data = %q, want exp_2", data)
	}

	root, _ := os.ReadDir(f.final)
	for _, e := range root {
		if strings.Contains(e.Name(), ".replaced-") {
			t.Errorf("parked directory %s left behind", e.Name())
		}
	}
}

func TestOverwriteRestoresOldOutputOnFailure(t *testing.T) {
	f := newFixture(t)
	f.organize(t, "exp_1", PolicyVersion, f.stage(t, "exp_1", "orders", "part_00000.parquet"))

	rec := f.stage(t, "exp_2", "orders", "part_00000.parquet")
	calls := 0
	f.org.rename = func(oldpath, newpath string) error {
		calls++
		if calls == 2 {
			return errors.New("disk full")
		}
		return os.Rename(oldpath, newpath)
	}

	res, err := f.org.Organize(context.Background(), RecordSet{JobID: "exp_2", Records: []ExportRecord{rec}}, f.temp, f.final, PolicyOverwrite)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Errors) != 1 {
		t.Fatalf("expected one OrganizationError, got %v", res.Errors)
	}

	data, err := os.ReadFile(filepath.Join(f.final, "orders", "part_00000.parquet"))
	if err != nil {
		t.Fatalf("old output not restored: %v", err)
	}
	if string(data) != "exp_1" {
		t.Errorf("final holds %q, want the previous run", data)
	}
	if _, err := os.Stat(TableTempDir(f.temp, "exp_2", "orders")); err != nil {
		t.Errorf("temp output should stay in place: %v", err)
	}
}

func TestInterruptedOverwriteIsRecovered(t *testing.T) {
	f := newFixture(t)

	writeDir := func(dir, content string) {
		t.Helper()
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, "part_00000.csv"), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	// crashed after parking, before the new output moved in
	writeDir(filepath.Join(f.final, ".public.orders.replaced-1f2e"), "old orders")
	// crashed after the swap, before the parked copy was removed
	writeDir(filepath.Join(f.final, "public.items"), "new items")
	writeDir(filepath.Join(f.final, ".public.items.replaced-9a8b"), "old items")

	f.organize(t, "exp_1", PolicyOverwrite)

	data, err := os.ReadFile(filepath.Join(f.final, "public.orders", "part_00000.csv"))
	if err != nil || string(data) != "old orders" {
		t.Errorf("parked orders not restored: %q, %v", data, err)
	}
	data, err = os.ReadFile(filepath.Join(f.final, "public.items", "part_00000.csv"))
	if err != nil || string(data) != "new items" {
		t.Errorf("completed swap disturbed: %q, %v", data, err)
	}

	root, _ := os.ReadDir(f.final)
	for _, e := range root {
		if strings.Contains(e.Name(), replacedMarker) {
			t.Errorf("parked directory %s left behind", e.Name())
		}
	}
}

func TestFailedTableDoesNotBlockOthers(t *testing.T) {
	f := newFixture(t)

	good := f.stage(t, "exp_1", "customers", "part_00000.parquet")
	missing := ExportRecord{Table: "orders", Status: "succeeded", ChunkCount: 1, SucceededChunks: 1}

	res := f.organize(t, "exp_1", PolicyVersion, missing, good)

	if len(res.Errors) != 1 {
		t.Fatalf("expected 1 error, got %d", len(res.Errors))
	}
	var orgErr *OrganizationError
	if !errors.As(res.Err(), &orgErr) || orgErr.Table != "orders" {
		t.Errorf("expected OrganizationError for orders, got %v", res.Err())
	}
	if _, err := os.Stat(filepath.Join(f.final, "customers", "part_00000.parquet")); err != nil {
		t.Errorf("customers was not organized: %v", err)
	}
}

func TestTablesWithoutSuccessfulChunksAreSkipped(t *testing.T) {
	f := newFixture(t)
	rec := f.stage(t, "exp_1", "orders")
	rec.Status = "cancelled"
	rec.SucceededChunks = 0

	res := f.organize(t, "exp_1", PolicyVersion, rec)
	if !res.Tables[0].Skipped {
		t.Error("expected table to be skipped")
	}
	if _, err := os.Stat(filepath.Join(f.final, "orders")); !os.IsNotExist(err) {
		t.Error("skipped table must not appear in the final layout")
	}
}

func TestMetadataRecordIsImmutable(t *testing.T) {
	f := newFixture(t)
	fixed := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	f.org.now = func() time.Time { return fixed }
	f.org.ArchiveTemplate = NewArchiveTemplate("{YYYY}/{MM}")

	rec := f.stage(t, "exp_1", "orders", "part_00000.parquet")
	rec.Rows = 50
	res := f.organize(t, "exp_1", PolicyVersion, rec)

	wantDir := filepath.Join(f.archive, "2024", "03")
	if filepath.Dir(res.MetadataPath) != wantDir {
		t.Errorf("metadata in %s, want %s", filepath.Dir(res.MetadataPath), wantDir)
	}
	if !strings.HasPrefix(filepath.Base(res.MetadataPath), "exp_1_20240315T120000") {
		t.Errorf("unexpected metadata name %s", filepath.Base(res.MetadataPath))
	}

	info, err := os.Stat(res.MetadataPath)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o444 {
		t.Errorf("mode = %v, want 0444", info.Mode().Perm())
	}

	meta, err := ReadMetadata(res.MetadataPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(meta.Tables) != 1 || meta.Tables[0].Rows != 50 || meta.Tables[0].FinalDir == "" {
		t.Errorf("unexpected metadata %+v", meta.Tables)
	}

	// same job and timestamp cannot be written twice
	if _, err := f.org.writeMetadata(JobMetadata{JobID: "exp_1"}); err == nil {
		t.Error("expected second write to fail")
	}
}

func TestRecordsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	set := RecordSet{
		JobID:  "exp_9",
		Status: "completed_with_errors",
		Records: []ExportRecord{{
			Table:           "orders",
			Status:          "partially_succeeded",
			Files:           []string{"part_00000.parquet"},
			ChunkCount:      2,
			SucceededChunks: 1,
			Failures:        []ChunkFailure{{Index: 1, Bounds: "rows [1000000,2000000)", Status: "failed", Error: "boom"}},
		}},
	}
	if err := SaveRecords(dir, set); err != nil {
		t.Fatal(err)
	}
	got, err := LoadRecords(dir, "exp_9")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != set.Status || len(got.Records) != 1 || got.Records[0].Failures[0].Index != 1 {
		t.Errorf("unexpected records %+v", got)
	}
	if got.SavedAt.IsZero() {
		t.Error("SavedAt not set")
	}
}

func TestParseConflictPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    ConflictPolicy
		wantErr bool
	}{
		{"version", PolicyVersion, false},
		{"overwrite", PolicyOverwrite, false},
		{"", PolicyVersion, false},
		{"merge", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseConflictPolicy(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, ErrInvalidPolicy) {
				t.Errorf("expected ErrInvalidPolicy, got %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDirName(t *testing.T) {
	if got := DirName("public.orders"); got != "public.orders" {
		t.Errorf("DirName = %s", got)
	}
	if got := DirName("weird/name"); got != "weird_name" {
		t.Errorf("DirName = %s", got)
	}
}
