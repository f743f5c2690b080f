package cmd

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/airframesio/table-exporter/cmd/compressors"
	"github.com/airframesio/table-exporter/cmd/exporter"
	"github.com/airframesio/table-exporter/cmd/formatters"
	"github.com/airframesio/table-exporter/cmd/mirror"
	"github.com/airframesio/table-exporter/cmd/organizer"
	"github.com/airframesio/table-exporter/cmd/planner"
	"github.com/airframesio/table-exporter/cmd/schema"
	"github.com/airframesio/table-exporter/cmd/source"
)

// Static errors for configuration validation
var (
	ErrEngineInvalid           = errors.New("database engine must be one of: postgres, greenplum, mysql, sqlite")
	ErrDatabaseUserRequired    = errors.New("database user is required")
	ErrDatabaseNameRequired    = errors.New("database name is required")
	ErrDatabasePortInvalid     = errors.New("database port must be between 1 and 65535")
	ErrStatementTimeoutInvalid = errors.New("database statement timeout must be >= 0")
	ErrOutputDirRequired       = errors.New("output directory is required")
	ErrOutputFormatInvalid     = errors.New("output format must be one of: parquet, csv, jsonl")
	ErrCompressionInvalid      = errors.New("compression is not supported by the output format")
	ErrCompressionLevelInvalid = errors.New("compression level must be between 1 and 22 (zstd), 1-9 (lz4/gzip)")
	ErrTableWorkersMinimum     = errors.New("table workers must be at least 1")
	ErrChunkWorkersMinimum     = errors.New("chunk workers must be at least 1")
	ErrWorkersMaximum          = errors.New("workers must not exceed 256")
	ErrMaxRetriesInvalid       = errors.New("max retries must be >= 0")
	ErrRetryDelayInvalid       = errors.New("retry delay must be >= 0")
	ErrBatchSizeInvalid        = errors.New("batch size must be between 1 and 1000000")
	ErrTableNameInvalid        = errors.New("table name is invalid: must be [schema.]table, each part 1-63 characters, starting with a letter or underscore, containing only letters, numbers, underscores and $")
	ErrKeyColumnInvalid        = errors.New("key column is invalid: must start with a letter or underscore, and contain only letters, numbers, and underscores")
	ErrStatusBackendInvalid    = errors.New("status backend must be one of: memory, sqlite, sqlite3")
	ErrStatusPathRequired      = errors.New("status path is required for sqlite status backends")
	ErrArchiveTemplateInvalid  = errors.New("archive template may only use {YYYY}, {MM}, {DD}, {HH} and {job} placeholders")
	ErrPlannerThresholdInvalid = errors.New("planner thresholds must be >= 0")
	ErrScheduleInvalid         = errors.New("schedule needs a name, a cron expression and a job file")
	ErrS3RegionInvalid         = errors.New("S3 region contains invalid characters or is too long")
	ErrMetricsAddrInvalid      = errors.New("metrics address must be host:port")
	ErrSpoolDirSameAsOutput    = errors.New("spool directory must differ from the output directory")
)

const (
	regionAuto                   = "auto"
	maxWorkers                   = 256
	defaultStatusFileName        = "status.db"
	defaultCompressionForParquet = "snappy"
)

// Config is the merged result of flags, environment, the config file and an optional job file.
type Config struct {
	// JobName labels jobs in the status store and metadata, it is not unique.
	JobName string

	Debug     bool
	LogFormat string
	LogFile   string
	NoTUI     bool

	Database   source.Params
	Tables     []string
	Schema     string
	Exclude    []string
	KeyColumns map[string]string

	Output  OutputConfig
	Archive ArchiveConfig

	TableWorkers int
	ChunkWorkers int
	MaxRetries   int
	RetryDelay   time.Duration
	BatchSize    int

	Planner PlannerConfig
	Status  StatusConfig
	S3      mirror.Config
	Serve   ServeConfig
}

type OutputConfig struct {
	Format           string
	Compression      string
	CompressionLevel int
	Dir              string
	// TempDir defaults to <Dir>/.tmp
	TempDir        string
	ConflictPolicy string
}

type ArchiveConfig struct {
	// Dir defaults to <output dir>/_archive
	Dir      string
	Template string
}

type PlannerConfig struct {
	SingleFileThreshold int64
	ChunkRows           int64
	OffsetWarnRows      int64
}

type StatusConfig struct {
	Backend string
	Path    string
}

type ServeConfig struct {
	SpoolDir    string
	MetricsAddr string
	Schedules   []ScheduleConfig
}

// ScheduleConfig runs a job file on a cron expression.
type ScheduleConfig struct {
	Name    string `mapstructure:"name" yaml:"name"`
	Cron    string `mapstructure:"cron" yaml:"cron"`
	JobFile string `mapstructure:"job_file" yaml:"job_file"`
}

// loadConfig reads every key from viper. Flags were bound to the same keys in root.go.
func loadConfig() (*Config, error) {
	cfg := &Config{
		JobName:   viper.GetString("name"),
		Debug:     viper.GetBool("debug"),
		LogFormat: viper.GetString("log_format"),
		LogFile:   viper.GetString("log_file"),
		NoTUI:     viper.GetBool("no_tui"),
		Database: source.Params{
			Engine:           strings.ToLower(viper.GetString("db.engine")),
			Host:             viper.GetString("db.host"),
			Port:             viper.GetInt("db.port"),
			User:             viper.GetString("db.user"),
			Password:         viper.GetString("db.password"),
			Database:         viper.GetString("db.name"),
			SSLMode:          viper.GetString("db.sslmode"),
			StatementTimeout: viper.GetDuration("db.statement_timeout"),
		},
		Tables:     splitList(viper.GetStringSlice("tables")),
		Schema:     viper.GetString("schema"),
		Exclude:    splitList(viper.GetStringSlice("exclude")),
		KeyColumns: viper.GetStringMapString("key_columns"),
		Output: OutputConfig{
			Format:           strings.ToLower(viper.GetString("output.format")),
			Compression:      strings.ToLower(viper.GetString("output.compression")),
			CompressionLevel: viper.GetInt("output.compression_level"),
			Dir:              viper.GetString("output.dir"),
			TempDir:          viper.GetString("output.temp_dir"),
			ConflictPolicy:   viper.GetString("output.conflict_policy"),
		},
		Archive: ArchiveConfig{
			Dir:      viper.GetString("archive.dir"),
			Template: viper.GetString("archive.template"),
		},
		TableWorkers: viper.GetInt("workers.tables"),
		ChunkWorkers: viper.GetInt("workers.chunks"),
		MaxRetries:   viper.GetInt("retry.max"),
		RetryDelay:   viper.GetDuration("retry.delay"),
		BatchSize:    viper.GetInt("batch_size"),
		Planner: PlannerConfig{
			SingleFileThreshold: viper.GetInt64("planner.single_file_threshold"),
			ChunkRows:           viper.GetInt64("planner.chunk_rows"),
			OffsetWarnRows:      viper.GetInt64("planner.offset_warn_rows"),
		},
		Status: StatusConfig{
			Backend: strings.ToLower(viper.GetString("status.backend")),
			Path:    viper.GetString("status.path"),
		},
		S3: mirror.Config{
			Endpoint:  viper.GetString("s3.endpoint"),
			Bucket:    viper.GetString("s3.bucket"),
			AccessKey: viper.GetString("s3.access_key"),
			SecretKey: viper.GetString("s3.secret_key"),
			Region:    viper.GetString("s3.region"),
			Prefix:    viper.GetString("s3.prefix"),
		},
		Serve: ServeConfig{
			SpoolDir:    viper.GetString("serve.spool_dir"),
			MetricsAddr: viper.GetString("serve.metrics_addr"),
		},
	}

	if err := viper.UnmarshalKey("serve.schedules", &cfg.Serve.Schedules); err != nil {
		return nil, fmt.Errorf("failed to read serve.schedules: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults fills values derived from other settings.
func (c *Config) applyDefaults() {
	if c.Database.Engine == "" {
		c.Database.Engine = schema.EnginePostgres
	}
	if c.Output.Format == formatters.FormatParquet && (c.Output.Compression == "" || c.Output.Compression == "auto") {
		c.Output.Compression = defaultCompressionForParquet
	}
	if c.Output.Dir != "" {
		if c.Output.TempDir == "" {
			c.Output.TempDir = c.Output.Dir + "/.tmp"
		}
		if c.Archive.Dir == "" {
			c.Archive.Dir = c.Output.Dir + "/_archive"
		}
		if c.Status.Path == "" {
			c.Status.Path = c.Output.Dir + "/" + defaultStatusFileName
		}
	}
	if c.Schema == "" && c.Database.Engine != schema.EngineSQLite {
		c.Schema = defaultSchemaFor(c.Database.Engine, c.Database.Database)
	}
}

func defaultSchemaFor(engine, database string) string {
	if engine == schema.EngineMySQL {
		return database
	}
	return "public"
}

// splitList accepts both repeated flags and comma separated values.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// validIdentifier matches unquoted SQL identifiers, which keeps table names out of injection range
var validIdentifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_$]*$`)

// isValidTableName accepts table and schema.table
func isValidTableName(name string) bool {
	parts := strings.Split(name, ".")
	if len(parts) > 2 {
		return false
	}
	for _, p := range parts {
		if p == "" || len(p) > 63 || !validIdentifier.MatchString(p) {
			return false
		}
	}
	return true
}

func isValidColumnName(name string) bool {
	return name != "" && len(name) <= 63 && validIdentifier.MatchString(name)
}

var validRegion = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// isValidRegion validates that an S3 region is reasonable
func isValidRegion(region string) bool {
	if region == "" || len(region) > 50 {
		return false
	}
	return validRegion.MatchString(region)
}

func isValidEngine(engine string) bool {
	switch engine {
	case schema.EnginePostgres, schema.EngineGreenplum, schema.EngineMySQL, schema.EngineSQLite:
		return true
	}
	return false
}

// isValidOutputFormat validates the output format
func isValidOutputFormat(format string) bool {
	switch format {
	case formatters.FormatParquet, formatters.FormatCSV, formatters.FormatJSONL:
		return true
	}
	return false
}

// isValidCompression checks the compression against what the format can carry
func isValidCompression(format, compression string) bool {
	if formatters.UsesInternalCompression(format) {
		switch compression {
		case "snappy", "zstd", "gzip", "lz4", "none":
			return true
		}
		return false
	}
	_, err := compressors.GetCompressor(compression)
	return err == nil
}

// isValidCompressionLevel validates compression level based on compression type. 0 picks the
// compressor default; parquet ignores the level.
func isValidCompressionLevel(format, compression string, level int) bool {
	if level == 0 || formatters.UsesInternalCompression(format) {
		return true
	}
	c, err := compressors.GetCompressor(compression)
	if err != nil {
		return false
	}
	return compressors.CheckLevel(c, level) == nil
}

var archivePlaceholder = regexp.MustCompile(`\{[^}]*\}`)

func isValidArchiveTemplate(template string) bool {
	for _, ph := range archivePlaceholder.FindAllString(template, -1) {
		switch ph {
		case "{YYYY}", "{MM}", "{DD}", "{HH}", "{job}":
		default:
			return false
		}
	}
	return true
}

func (c *Config) Validate() error {
	if !isValidEngine(c.Database.Engine) {
		return fmt.Errorf("%w, got %q", ErrEngineInvalid, c.Database.Engine)
	}
	if c.Database.Database == "" {
		return ErrDatabaseNameRequired
	}
	if c.Database.Engine != schema.EngineSQLite {
		if c.Database.User == "" {
			return ErrDatabaseUserRequired
		}
		if c.Database.Port < 1 || c.Database.Port > 65535 {
			return fmt.Errorf("%w, got %d", ErrDatabasePortInvalid, c.Database.Port)
		}
	}
	if c.Database.StatementTimeout < 0 {
		return fmt.Errorf("%w, got %s", ErrStatementTimeoutInvalid, c.Database.StatementTimeout)
	}

	if c.Output.Dir == "" {
		return ErrOutputDirRequired
	}
	if !isValidOutputFormat(c.Output.Format) {
		return fmt.Errorf("%w, got %q", ErrOutputFormatInvalid, c.Output.Format)
	}
	if !isValidCompression(c.Output.Format, c.Output.Compression) {
		return fmt.Errorf("%w: %s with %s", ErrCompressionInvalid, c.Output.Compression, c.Output.Format)
	}
	if !isValidCompressionLevel(c.Output.Format, c.Output.Compression, c.Output.CompressionLevel) {
		return fmt.Errorf("%w, got %d for %s", ErrCompressionLevelInvalid, c.Output.CompressionLevel, c.Output.Compression)
	}
	if _, err := organizer.ParseConflictPolicy(c.Output.ConflictPolicy); err != nil {
		return err
	}
	if !isValidArchiveTemplate(c.Archive.Template) {
		return fmt.Errorf("%w: %s", ErrArchiveTemplateInvalid, c.Archive.Template)
	}

	if c.TableWorkers < 1 {
		return ErrTableWorkersMinimum
	}
	if c.ChunkWorkers < 1 {
		return ErrChunkWorkersMinimum
	}
	if c.TableWorkers > maxWorkers || c.ChunkWorkers > maxWorkers {
		return fmt.Errorf("%w, got tables=%d chunks=%d", ErrWorkersMaximum, c.TableWorkers, c.ChunkWorkers)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w, got %d", ErrMaxRetriesInvalid, c.MaxRetries)
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("%w, got %s", ErrRetryDelayInvalid, c.RetryDelay)
	}
	if c.BatchSize < 1 || c.BatchSize > 1_000_000 {
		return fmt.Errorf("%w, got %d", ErrBatchSizeInvalid, c.BatchSize)
	}
	if c.Planner.SingleFileThreshold < 0 || c.Planner.ChunkRows < 0 || c.Planner.OffsetWarnRows < 0 {
		return ErrPlannerThresholdInvalid
	}

	for _, t := range append(append([]string(nil), c.Tables...), c.Exclude...) {
		if !isValidTableName(t) {
			return fmt.Errorf("%w: '%s'", ErrTableNameInvalid, t)
		}
	}
	for table, col := range c.KeyColumns {
		if !isValidTableName(table) {
			return fmt.Errorf("%w: '%s'", ErrTableNameInvalid, table)
		}
		if !isValidColumnName(col) {
			return fmt.Errorf("%w: '%s'", ErrKeyColumnInvalid, col)
		}
	}

	switch c.Status.Backend {
	case "", "memory":
	case "sqlite", "sqlite3":
		if c.Status.Path == "" {
			return ErrStatusPathRequired
		}
	default:
		return fmt.Errorf("%w, got %q", ErrStatusBackendInvalid, c.Status.Backend)
	}

	if c.S3.Bucket != "" && c.S3.Region != "" && c.S3.Region != regionAuto && !isValidRegion(c.S3.Region) {
		return fmt.Errorf("%w: %s", ErrS3RegionInvalid, c.S3.Region)
	}
	return nil
}

// ValidateServe checks the settings only the serve command uses.
func (c *Config) ValidateServe() error {
	if c.Serve.MetricsAddr != "" && !strings.Contains(c.Serve.MetricsAddr, ":") {
		return fmt.Errorf("%w, got %q", ErrMetricsAddrInvalid, c.Serve.MetricsAddr)
	}
	if c.Serve.SpoolDir != "" && c.Serve.SpoolDir == c.Output.Dir {
		return ErrSpoolDirSameAsOutput
	}
	for _, s := range c.Serve.Schedules {
		if s.Name == "" || s.Cron == "" || s.JobFile == "" {
			return fmt.Errorf("%w: %+v", ErrScheduleInvalid, s)
		}
		if _, err := cron.ParseStandard(s.Cron); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrScheduleInvalid, s.Name, err)
		}
	}
	return nil
}

// PlannerSettings returns the planner for this config, using defaults for unset thresholds.
func (c *Config) PlannerSettings() *planner.Planner {
	p := planner.New()
	if c.Planner.SingleFileThreshold > 0 {
		p.SingleFileThreshold = c.Planner.SingleFileThreshold
	}
	if c.Planner.OffsetWarnRows > 0 {
		p.OffsetWarnRows = c.Planner.OffsetWarnRows
	}
	p.ChunkRows = c.Planner.ChunkRows
	return p
}

// PoolSettings returns the chunk pool bounds.
func (c *Config) PoolSettings() exporter.PoolConfig {
	return exporter.PoolConfig{
		Workers:    c.ChunkWorkers,
		MaxRetries: c.MaxRetries,
		RetryDelay: c.RetryDelay,
		BatchSize:  c.BatchSize,
	}
}

// Redacted returns a copy safe to store with a job or print.
func (c Config) Redacted() Config {
	c.Database.Password = ""
	c.S3.AccessKey = ""
	c.S3.SecretKey = ""
	return c
}
