package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ErrJobSpecInvalid wraps every field error found in a job file
var ErrJobSpecInvalid = errors.New("invalid job file")

// JobSpec is a YAML job file. Unset fields fall back to the loaded configuration, so a job file
// names only what differs from it. Connection settings never come from job files.
type JobSpec struct {
	Name       string            `yaml:"name" validate:"omitempty,max=128"`
	Tables     []string          `yaml:"tables" validate:"dive,required,max=127"`
	Schema     string            `yaml:"schema" validate:"omitempty,max=63"`
	Exclude    []string          `yaml:"exclude" validate:"dive,required"`
	KeyColumns map[string]string `yaml:"key_columns" validate:"dive,keys,required,endkeys,required"`
	Output     JobSpecOutput     `yaml:"output"`
	Workers    JobSpecWorkers    `yaml:"workers"`
	ChunkRows  int64             `yaml:"chunk_rows" validate:"gte=0"`
}

type JobSpecOutput struct {
	Format           string `yaml:"format" validate:"omitempty,oneof=parquet csv jsonl"`
	Compression      string `yaml:"compression" validate:"omitempty,oneof=snappy zstd lz4 gzip none"`
	CompressionLevel int    `yaml:"compression_level" validate:"gte=0,lte=22"`
	Dir              string `yaml:"dir"`
	ConflictPolicy   string `yaml:"conflict_policy" validate:"omitempty,oneof=version overwrite"`
}

type JobSpecWorkers struct {
	Tables int `yaml:"tables" validate:"gte=0,lte=256"`
	Chunks int `yaml:"chunks" validate:"gte=0,lte=256"`
}

var jobSpecValidator = validator.New()

// LoadJobSpec reads and validates a job file.
func LoadJobSpec(path string) (*JobSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}
	spec, err := ParseJobSpec(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return spec, nil
}

// ParseJobSpec decodes a job file strictly: unknown keys are errors.
func ParseJobSpec(data []byte) (*JobSpec, error) {
	var spec JobSpec
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&spec); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", ErrJobSpecInvalid, err)
	}

	if err := jobSpecValidator.Struct(&spec); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, len(verrs))
			for i, fe := range verrs {
				msgs[i] = fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag())
			}
			return nil, fmt.Errorf("%w: %s", ErrJobSpecInvalid, strings.Join(msgs, "; "))
		}
		return nil, fmt.Errorf("%w: %v", ErrJobSpecInvalid, err)
	}
	return &spec, nil
}

// Apply returns cfg with the job file's settings layered on top. The result still needs
// Config.Validate.
func (s *JobSpec) Apply(cfg Config) Config {
	if s.Name != "" {
		cfg.JobName = s.Name
	}
	if len(s.Tables) > 0 {
		cfg.Tables = append([]string(nil), s.Tables...)
	}
	if s.Schema != "" {
		cfg.Schema = s.Schema
	}
	if len(s.Exclude) > 0 {
		cfg.Exclude = append([]string(nil), s.Exclude...)
	}
	if len(s.KeyColumns) > 0 {
		merged := make(map[string]string, len(cfg.KeyColumns)+len(s.KeyColumns))
		for k, v := range cfg.KeyColumns {
			merged[k] = v
		}
		for k, v := range s.KeyColumns {
			merged[k] = v
		}
		cfg.KeyColumns = merged
	}

	if s.Output.Format != "" && s.Output.Format != cfg.Output.Format {
		cfg.Output.Format = s.Output.Format
		// compression defaults belong to the format
		cfg.Output.Compression = ""
		cfg.Output.CompressionLevel = 0
	}
	if s.Output.Compression != "" {
		cfg.Output.Compression = s.Output.Compression
	}
	if s.Output.CompressionLevel > 0 {
		cfg.Output.CompressionLevel = s.Output.CompressionLevel
	}
	if s.Output.Dir != "" {
		cfg.Output.Dir = s.Output.Dir
		cfg.Output.TempDir = ""
		cfg.Archive.Dir = ""
	}
	if s.Output.ConflictPolicy != "" {
		cfg.Output.ConflictPolicy = s.Output.ConflictPolicy
	}
	if s.Workers.Tables > 0 {
		cfg.TableWorkers = s.Workers.Tables
	}
	if s.Workers.Chunks > 0 {
		cfg.ChunkWorkers = s.Workers.Chunks
	}
	if s.ChunkRows > 0 {
		cfg.Planner.ChunkRows = s.ChunkRows
	}

	cfg.applyDefaults()
	if cfg.Output.Compression == "" {
		cfg.Output.Compression = "zstd"
	}
	return cfg
}
