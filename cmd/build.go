package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/airframesio/table-exporter/cmd/exporter"
	"github.com/airframesio/table-exporter/cmd/formatters"
	"github.com/airframesio/table-exporter/cmd/organizer"
	"github.com/airframesio/table-exporter/cmd/schema"
	"github.com/airframesio/table-exporter/cmd/source"
	"github.com/airframesio/table-exporter/cmd/status"
)

// jobRecord is what a job stores about its configuration. It never holds secrets.
type jobRecord struct {
	Name       string            `json:"name,omitempty"`
	Engine     string            `json:"engine"`
	Host       string            `json:"host,omitempty"`
	Database   string            `json:"database"`
	Tables     []string          `json:"tables,omitempty"`
	Schema     string            `json:"schema,omitempty"`
	Exclude    []string          `json:"exclude,omitempty"`
	KeyColumns map[string]string `json:"key_columns,omitempty"`
	Format     string            `json:"format"`
	Compress   string            `json:"compression"`
	OutputDir  string            `json:"output_dir"`
	Policy     string            `json:"conflict_policy"`
	Workers    [2]int            `json:"workers"`
	ChunkRows  int64             `json:"chunk_rows,omitempty"`
}

func newJobRecord(name string, cfg *Config) jobRecord {
	return jobRecord{
		Name:       name,
		Engine:     cfg.Database.Engine,
		Host:       cfg.Database.Host,
		Database:   cfg.Database.Database,
		Tables:     cfg.Tables,
		Schema:     cfg.Schema,
		Exclude:    cfg.Exclude,
		KeyColumns: cfg.KeyColumns,
		Format:     cfg.Output.Format,
		Compress:   cfg.Output.Compression,
		OutputDir:  cfg.Output.Dir,
		Policy:     cfg.Output.ConflictPolicy,
		Workers:    [2]int{cfg.TableWorkers, cfg.ChunkWorkers},
		ChunkRows:  cfg.Planner.ChunkRows,
	}
}

// openStore opens the configured status store, creating its directory.
func openStore(cfg *Config) (status.Store, error) {
	if cfg.Status.Backend != "" && cfg.Status.Backend != "memory" {
		if err := os.MkdirAll(filepath.Dir(cfg.Status.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create status directory: %w", err)
		}
	}
	store, err := status.Open(cfg.Status.Backend, cfg.Status.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open status store: %w", err)
	}
	return store, nil
}

// newCoordinator wires a coordinator for cfg. The caller owns store.
func newCoordinator(cfg *Config, store status.Store, observer exporter.Observer, log *slog.Logger) (*exporter.Coordinator, error) {
	connector, err := source.NewConnector(cfg.Database, log)
	if err != nil {
		return nil, err
	}
	resolver, err := schema.NewResolver(cfg.Database.Engine, log)
	if err != nil {
		return nil, err
	}
	sink, err := formatters.GetSink(cfg.Output.Format, cfg.Output.Compression, cfg.Output.CompressionLevel)
	if err != nil {
		return nil, err
	}
	policy, err := organizer.ParseConflictPolicy(cfg.Output.ConflictPolicy)
	if err != nil {
		return nil, err
	}

	org := organizer.New(cfg.Archive.Dir, log)
	if cfg.Archive.Template != "" {
		org.ArchiveTemplate = organizer.NewArchiveTemplate(cfg.Archive.Template)
	}

	deps := exporter.Deps{
		Connector: connector,
		Resolver:  resolver,
		Planner:   cfg.PlannerSettings(),
		Sink:      sink,
		Store:     store,
		Organizer: org,
		Observer:  observer,
	}
	opts := exporter.Options{
		TableWorkers:  cfg.TableWorkers,
		Pool:          cfg.PoolSettings(),
		TempRoot:      cfg.Output.TempDir,
		FinalRoot:     cfg.Output.Dir,
		Policy:        policy,
		DefaultSchema: cfg.Schema,
		KeyColumns:    cfg.KeyColumns,
	}
	return exporter.NewCoordinator(deps, opts, log), nil
}

// newJob builds the export job described by cfg.
func newJob(cfg *Config) *exporter.ExportJob {
	job := exporter.NewExportJob(cfg.Tables)
	job.SchemaFilter = cfg.Schema
	job.Exclude = cfg.Exclude
	job.Spec = newJobRecord(cfg.JobName, cfg)
	return job
}
