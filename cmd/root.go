package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/airframesio/table-exporter/cmd/source"
)

var (
	// Version information - set via ldflags during build
	// Example: go build -ldflags "-X github.com/airframesio/table-exporter/cmd.Version=1.2.3"
	Version = "dev"

	// signals is set by main() before Cobra initialization
	signals <-chan os.Signal

	cfgFile   string
	configErr error

	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7D56F4")).
			Bold(true).
			Underline(true)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00D9FF"))

	logger = slog.Default()
)

// flagKeys maps command line flags to their viper keys. A flag is bound only for the command
// that is running, so commands sharing a flag name never shadow each other.
var flagKeys = map[string]string{
	"debug":          "debug",
	"log-format":     "log_format",
	"log-file":       "log_file",
	"no-tui":         "no_tui",
	"name":           "name",
	"status-backend": "status.backend",
	"status-path":    "status.path",

	"db-engine":            "db.engine",
	"db-host":              "db.host",
	"db-port":              "db.port",
	"db-user":              "db.user",
	"db-password":          "db.password",
	"db-name":              "db.name",
	"db-sslmode":           "db.sslmode",
	"db-statement-timeout": "db.statement_timeout",

	"table":      "tables",
	"schema":     "schema",
	"exclude":    "exclude",
	"key-column": "key_columns",

	"output-format":     "output.format",
	"compression":       "output.compression",
	"compression-level": "output.compression_level",
	"output-dir":        "output.dir",
	"temp-dir":          "output.temp_dir",
	"conflict-policy":   "output.conflict_policy",
	"archive-dir":       "archive.dir",
	"archive-template":  "archive.template",

	"table-workers": "workers.tables",
	"chunk-workers": "workers.chunks",
	"max-retries":   "retry.max",
	"retry-delay":   "retry.delay",
	"batch-size":    "batch_size",

	"single-file-threshold": "planner.single_file_threshold",
	"chunk-rows":            "planner.chunk_rows",
	"offset-warn-rows":      "planner.offset_warn_rows",

	"s3-endpoint":   "s3.endpoint",
	"s3-bucket":     "s3.bucket",
	"s3-access-key": "s3.access_key",
	"s3-secret-key": "s3.secret_key",
	"s3-region":     "s3.region",
	"s3-prefix":     "s3.prefix",

	"spool-dir":    "serve.spool_dir",
	"metrics-addr": "serve.metrics_addr",
}

// SetSignals stores the channel main() registered for SIGINT and SIGTERM.
// This must be called before Execute() to ensure proper signal handling
func SetSignals(ch <-chan os.Signal) {
	signals = ch
}

// watchSignals calls onFirst on the first signal and exits with 130 on the second. The returned
// function stops watching.
func watchSignals(onFirst func()) func() {
	done := make(chan struct{})
	if signals == nil {
		return func() { close(done) }
	}
	go func() {
		received := 0
		for {
			select {
			case <-done:
				return
			case sig := <-signals:
				received++
				if received == 1 {
					logger.Warn("⚠️  Interrupt received, finishing running chunks. Send again to exit immediately", "signal", sig.String())
					onFirst()
					continue
				}
				fmt.Fprintln(os.Stderr, "\nForced exit, partial output is left in place")
				os.Exit(130)
			}
		}
	}()
	return func() { close(done) }
}

var rootCmd = &cobra.Command{
	Use:     "table-exporter",
	Version: Version,
	Short:   "📦 Export database tables to partitioned parquet, csv or jsonl files",
	Long: titleStyle.Render("Table Exporter") + `

Exports whole tables from PostgreSQL, Greenplum, MySQL or SQLite into files.
Large tables are split into key ranges or row windows that are read in parallel,
each on its own connection. Finished tables are moved into a stable directory layout
with a metadata record per job.`,
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if configErr != nil {
			return configErr
		}
		return bindFlags(cmd.Flags())
	},
	Run: func(cmd *cobra.Command, _ []string) {
		// Show help when no subcommand is specified
		_ = cmd.Help()
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(exportCmd, planCmd, organizeCmd, statusCmd, verifyCmd, serveCmd, versionCmd)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.table-exporter.yaml)")
	pf.BoolP("debug", "d", false, "enable debug output (disables the progress view)")
	pf.String("log-format", "text", "log format (text, logfmt, json)")
	pf.String("log-file", "", "also write logs to this file, rotated at 100MB")
	pf.String("status-backend", "sqlite", "job status store: memory, sqlite (pure Go), sqlite3 (cgo)")
	pf.String("status-path", "", "status database file (default <output-dir>/status.db)")
}

// addSourceFlags registers the connection and table selection flags.
func addSourceFlags(fs *pflag.FlagSet) {
	fs.String("db-engine", "postgres", "source engine: postgres, greenplum, mysql, sqlite")
	fs.String("db-host", "localhost", "database host")
	fs.Int("db-port", 5432, "database port")
	fs.String("db-user", "", "database user")
	fs.String("db-password", "", "database password")
	fs.String("db-name", "", "database name (file path for sqlite)")
	fs.String("db-sslmode", "disable", "PostgreSQL SSL mode (disable, require, verify-ca, verify-full)")
	fs.Duration("db-statement-timeout", 5*time.Minute, "per statement timeout (0 = no timeout)")

	fs.StringSlice("table", nil, "tables to export, [schema.]table; repeatable or comma separated (default: every table in --schema)")
	fs.String("schema", "", "schema to discover tables in and to qualify bare names (default public, or the database for mysql)")
	fs.StringSlice("exclude", nil, "tables to skip during discovery")
	fs.StringToString("key-column", nil, "chunking key per table, table=column (default: single-column primary key)")
}

// addOutputFlags registers the file layout flags.
func addOutputFlags(fs *pflag.FlagSet) {
	fs.String("output-format", "parquet", "output format: parquet, csv, jsonl")
	fs.String("compression", "", "compression: snappy (parquet only), zstd, lz4, gzip, none (default snappy for parquet, zstd otherwise)")
	fs.Int("compression-level", 0, "compression level for csv/jsonl (zstd: 1-22, lz4/gzip: 1-9, 0 = default)")
	fs.String("output-dir", "", "root of the organized export layout (required)")
	fs.String("temp-dir", "", "staging directory for running jobs (default <output-dir>/.tmp)")
	fs.String("conflict-policy", "version", "when a table directory exists: version (table_v2, ...) or overwrite")
	fs.String("archive-dir", "", "directory for job metadata records (default <output-dir>/_archive)")
	fs.String("archive-template", "", "subdirectory template for metadata records: {YYYY}, {MM}, {DD}, {HH}, {job}")
}

// addEngineFlags registers concurrency, retry and planner flags.
func addEngineFlags(fs *pflag.FlagSet) {
	fs.Int("table-workers", 2, "tables exported at the same time")
	fs.Int("chunk-workers", 4, "chunks read at the same time within one table")
	fs.Int("max-retries", 3, "connection attempts per chunk before it fails")
	fs.Duration("retry-delay", time.Second, "first delay between connection attempts, doubled each time")
	fs.Int("batch-size", source.DefaultBatchSize, "rows fetched per batch")
	fs.Int64("single-file-threshold", 0, "tables with fewer rows are exported as one file (0 = default 1,000,000)")
	fs.Int64("chunk-rows", 0, "rows per chunk (0 = pick from the table's estimated size)")
	fs.Int64("offset-warn-rows", 0, "warn when offset chunking a table larger than this (0 = default 50,000,000)")
}

// addMirrorFlags registers the optional S3 upload flags.
func addMirrorFlags(fs *pflag.FlagSet) {
	fs.String("s3-endpoint", "", "S3-compatible endpoint URL")
	fs.String("s3-bucket", "", "mirror organized output to this bucket")
	fs.String("s3-access-key", "", "S3 access key")
	fs.String("s3-secret-key", "", "S3 secret key")
	fs.String("s3-region", "auto", "S3 region")
	fs.String("s3-prefix", "", "key prefix inside the bucket")
}

// bindFlags binds every known flag of the running command to its viper key.
func bindFlags(fs *pflag.FlagSet) error {
	var errs []error
	fs.VisitAll(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok {
			return
		}
		if err := viper.BindPFlag(key, f); err != nil {
			errs = append(errs, fmt.Errorf("bind --%s: %w", f.Name, err))
		}
	})
	return errors.Join(errs...)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".table-exporter")
	}

	viper.SetEnvPrefix("EXPORTER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// an explicit --config must exist, the default file is optional
		if cfgFile != "" || !errors.As(err, &notFound) {
			configErr = fmt.Errorf("failed to read config: %w", err)
		}
	}
}

// prepare loads configuration, layers an optional job file on top, starts logging and
// validates the result. console=false keeps log output off the terminal.
func prepare(jobFile string, console bool) (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if jobFile != "" {
		spec, err := LoadJobSpec(jobFile)
		if err != nil {
			return nil, err
		}
		applied := spec.Apply(*cfg)
		cfg = &applied
	}

	initLogger(cfg.Debug, cfg.LogFormat, cfg.LogFile, console)
	if used := viper.ConfigFileUsed(); used != "" {
		logger.Debug("📄 Using config file", "path", used)
	}

	logger.Debug("Validating configuration...")
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	return cfg, nil
}
