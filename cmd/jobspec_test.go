package cmd

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseJobSpec(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name: "full job",
			yaml: `
name: nightly
tables: [public.orders, customers]
exclude: [audit_log]
key_columns:
  public.orders: order_id
output:
  format: csv
  compression: lz4
  conflict_policy: overwrite
workers:
  tables: 2
  chunks: 8
chunk_rows: 50000
`,
		},
		{
			name: "empty file",
			yaml: "",
		},
		{
			name:    "unknown key",
			yaml:    "tables: [a]\nworkerz: 3\n",
			wantErr: "workerz",
		},
		{
			name:    "bad format",
			yaml:    "output:\n  format: xlsx\n",
			wantErr: "Format failed oneof",
		},
		{
			name:    "bad policy",
			yaml:    "output:\n  conflict_policy: replace\n",
			wantErr: "ConflictPolicy failed oneof",
		},
		{
			name:    "too many workers",
			yaml:    "workers:\n  chunks: 1000\n",
			wantErr: "Chunks failed lte",
		},
		{
			name:    "empty table entry",
			yaml:    "tables: [orders, '']\n",
			wantErr: "Tables[1] failed required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseJobSpec([]byte(tt.yaml))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, ErrJobSpecInvalid) {
				t.Fatalf("expected ErrJobSpecInvalid, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestJobSpecApply(t *testing.T) {
	base := validConfig()
	base.KeyColumns = map[string]string{"public.events": "event_id"}

	spec, err := ParseJobSpec([]byte(`
tables: [public.orders]
key_columns:
  public.orders: order_id
output:
  format: parquet
workers:
  chunks: 12
chunk_rows: 1000
`))
	if err != nil {
		t.Fatalf("ParseJobSpec: %v", err)
	}

	got := spec.Apply(*base)

	if len(got.Tables) != 1 || got.Tables[0] != "public.orders" {
		t.Errorf("Tables = %v", got.Tables)
	}
	if got.KeyColumns["public.orders"] != "order_id" || got.KeyColumns["public.events"] != "event_id" {
		t.Errorf("key columns not merged: %v", got.KeyColumns)
	}
	if got.Output.Format != "parquet" || got.Output.Compression != "snappy" {
		t.Errorf("format switch should reset compression to the parquet default, got %s/%s",
			got.Output.Format, got.Output.Compression)
	}
	if got.ChunkWorkers != 12 || got.TableWorkers != base.TableWorkers {
		t.Errorf("workers = %d/%d", got.TableWorkers, got.ChunkWorkers)
	}
	if got.Planner.ChunkRows != 1000 {
		t.Errorf("ChunkRows = %d", got.Planner.ChunkRows)
	}
	if err := got.Validate(); err != nil {
		t.Errorf("applied config should validate: %v", err)
	}

	if len(base.Tables) != 0 || base.ChunkWorkers != 4 {
		t.Error("Apply must not modify the base config")
	}
	if _, ok := base.KeyColumns["public.orders"]; ok {
		t.Error("Apply must not modify the base key column map")
	}
}

func TestLoadJobSpecMissingFile(t *testing.T) {
	_, err := LoadJobSpec(filepath.Join(t.TempDir(), "nope.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected os.ErrNotExist, got %v", err)
	}
}
