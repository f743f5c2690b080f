package cmd

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/airframesio/table-exporter/cmd/status"
)

func seedStore(t *testing.T) *status.MemoryStore {
	t.Helper()
	ctx := context.Background()
	store := status.NewMemoryStore()

	set := func(id, s string) {
		if err := store.SetStatus(ctx, id, s); err != nil {
			t.Fatal(err)
		}
	}
	set(status.JobEntity("job_a"), "completed")
	set(status.JobEntity("job_b"), "completed_with_errors")
	set(status.TableEntity("job_b", "public.orders"), "succeeded")
	set(status.TableEntity("job_b", "public.items"), "partially_succeeded")
	set(status.ChunkEntity("job_b", "public.items", 0), "succeeded")
	set(status.ChunkEntity("job_b", "public.items", 1), "failed")
	set(status.ChunkEntity("job_b", "public.items", 2), "succeeded")

	if err := store.RecordError(ctx, status.TableEntity("job_b", "public.items"), "chunk 1: connection reset"); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveJobConfig(ctx, "job_b", []byte(`{"engine":"postgres"}`)); err != nil {
		t.Fatal(err)
	}
	return store
}

func TestListJobs(t *testing.T) {
	jobs, err := listJobs(context.Background(), seedStore(t))
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %+v", jobs)
	}
	if jobs[0].EntityID != "job_b" {
		t.Errorf("newest job should come first, got %s", jobs[0].EntityID)
	}
}

func TestBuildJobReport(t *testing.T) {
	report, err := buildJobReport(context.Background(), seedStore(t), "job_b")
	if err != nil {
		t.Fatal(err)
	}
	if report.Job.Status != "completed_with_errors" {
		t.Errorf("job status = %s", report.Job.Status)
	}
	if string(report.Config) != `{"engine":"postgres"}` {
		t.Errorf("config = %s", report.Config)
	}
	if len(report.Tables) != 2 {
		t.Fatalf("expected 2 tables, got %+v", report.Tables)
	}

	var items *tableReport
	for i := range report.Tables {
		if report.Tables[i].Table == "public.items" {
			items = &report.Tables[i]
		}
	}
	if items == nil {
		t.Fatal("public.items missing from report")
	}
	if items.Status != "partially_succeeded" || items.Chunks["succeeded"] != 2 || items.Chunks["failed"] != 1 {
		t.Errorf("unexpected items report %+v", items)
	}
	if len(report.Errors) != 1 || !strings.Contains(report.Errors[0].Message, "connection reset") {
		t.Errorf("unexpected errors %+v", report.Errors)
	}

	var buf bytes.Buffer
	printJobReport(&buf, report)
	if !strings.Contains(buf.String(), "public.items") {
		t.Errorf("printed report lacks tables:\n%s", buf.String())
	}
}

func TestBuildJobReportUnknownJob(t *testing.T) {
	if _, err := buildJobReport(context.Background(), seedStore(t), "missing"); err == nil {
		t.Fatal("expected an error for an unknown job")
	}
}
