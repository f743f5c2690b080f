package source

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/samber/lo"

	"github.com/airframesio/table-exporter/cmd/schema"

	// sqlite driver registers itself as "sqlite"
	_ "modernc.org/sqlite"
)

// Params are the connection parameters of a source database.
type Params struct {
	Engine           string        `json:"engine" yaml:"engine"`
	Host             string        `json:"host" yaml:"host"`
	Port             int           `json:"port" yaml:"port"`
	User             string        `json:"user" yaml:"user"`
	Password         string        `json:"-" yaml:"password"`
	Database         string        `json:"database" yaml:"database"`
	SSLMode          string        `json:"sslmode,omitempty" yaml:"sslmode"`
	StatementTimeout time.Duration `json:"statement_timeout,omitempty" yaml:"statement_timeout"`
}

// Dialect holds the engine specific SQL a connection needs.
type Dialect interface {
	Engine() string
	DriverName() string
	DSN(p Params) string
	QuoteIdent(name string) string
	// SelectColumn renders a column of a chunk query's select list.
	SelectColumn(col schema.Column) string
	Placeholder(n int) string
	ListTablesQuery(schemaFilter string) (string, []any)
	ColumnsQuery(schemaName, table string) (string, []any)
	PrimaryKeyQuery(schemaName, table string) (string, []any)
	// SizeQuery returns "" when the engine cannot report a relation size.
	SizeQuery(schemaName, table string) (string, []any)
}

// DialectFor returns the dialect of an engine.
func DialectFor(engine string) (Dialect, error) {
	switch engine {
	case schema.EnginePostgres, schema.EngineGreenplum:
		return postgresDialect{engine: engine}, nil
	case schema.EngineMySQL:
		return mysqlDialect{}, nil
	case schema.EngineSQLite:
		return sqliteDialect{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", schema.ErrUnsupportedEngine, engine)
	}
}

// QualifiedIdent returns the quoted, schema-qualified identifier of a table.
func QualifiedIdent(d Dialect, schemaName, table string) string {
	if schemaName == "" {
		return d.QuoteIdent(table)
	}
	return d.QuoteIdent(schemaName) + "." + d.QuoteIdent(table)
}

// postgres and greenplum

var systemSchemasPostgres = []string{"information_schema", "pg_catalog", "pg_toast", "gp_toolkit"}

type postgresDialect struct {
	engine string
}

func (d postgresDialect) Engine() string     { return d.engine }
func (d postgresDialect) DriverName() string { return "postgres" }

func (d postgresDialect) DSN(p Params) string {
	sslMode := p.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	port := p.Port
	if port == 0 {
		port = 5432
	}
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		quoteDSNValue(p.Host), port, quoteDSNValue(p.User), quoteDSNValue(p.Password), quoteDSNValue(p.Database), sslMode)
	if p.StatementTimeout > 0 {
		dsn += fmt.Sprintf(" options='-c statement_timeout=%d'", p.StatementTimeout.Milliseconds())
	}
	return dsn
}

func (d postgresDialect) QuoteIdent(name string) string { return pq.QuoteIdentifier(name) }
func (d postgresDialect) Placeholder(n int) string      { return fmt.Sprintf("$%d", n) }

// money comes back as locale formatted text unless cast.
func (d postgresDialect) SelectColumn(col schema.Column) string {
	if strings.EqualFold(strings.TrimSpace(col.NativeType), "money") {
		return d.QuoteIdent(col.Name) + "::numeric"
	}
	return d.QuoteIdent(col.Name)
}

func (d postgresDialect) ListTablesQuery(schemaFilter string) (string, []any) {
	query := `SELECT table_schema, table_name
FROM information_schema.tables
WHERE table_type = 'BASE TABLE'
  AND table_schema NOT LIKE 'pg\_%'
  AND table_schema NOT LIKE 'gp\_%'
  AND table_schema <> ALL($1)`
	args := []any{pq.Array(systemSchemasPostgres)}
	if schemaFilter != "" {
		query += "\n  AND table_schema = $2"
		args = append(args, schemaFilter)
	}
	return query + "\nORDER BY table_schema, table_name", args
}

func (d postgresDialect) ColumnsQuery(schemaName, table string) (string, []any) {
	return `SELECT column_name, udt_name, is_nullable = 'YES'
FROM information_schema.columns
WHERE table_schema = $1 AND table_name = $2
ORDER BY ordinal_position`, []any{schemaName, table}
}

func (d postgresDialect) PrimaryKeyQuery(schemaName, table string) (string, []any) {
	return primaryKeyQuery(d), []any{schemaName, table}
}

func (d postgresDialect) SizeQuery(schemaName, table string) (string, []any) {
	return "SELECT pg_total_relation_size($1::regclass)", []any{QualifiedIdent(d, schemaName, table)}
}

// mysql

var systemSchemasMySQL = []string{"information_schema", "mysql", "performance_schema", "sys"}

type mysqlDialect struct{}

func (mysqlDialect) Engine() string     { return schema.EngineMySQL }
func (mysqlDialect) DriverName() string { return "mysql" }

func (mysqlDialect) DSN(p Params) string {
	cfg := mysql.NewConfig()
	cfg.User = p.User
	cfg.Passwd = p.Password
	cfg.Net = "tcp"
	port := p.Port
	if port == 0 {
		port = 3306
	}
	cfg.Addr = fmt.Sprintf("%s:%d", p.Host, port)
	cfg.DBName = p.Database
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	if p.StatementTimeout > 0 {
		cfg.ReadTimeout = p.StatementTimeout
	}
	if p.SSLMode != "" && p.SSLMode != "disable" {
		cfg.TLSConfig = "true"
	}
	return cfg.FormatDSN()
}

func (mysqlDialect) QuoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func (mysqlDialect) Placeholder(int) string { return "?" }

func (d mysqlDialect) SelectColumn(col schema.Column) string { return d.QuoteIdent(col.Name) }

func (d mysqlDialect) ListTablesQuery(schemaFilter string) (string, []any) {
	placeholders := strings.Join(lo.Map(systemSchemasMySQL, func(string, int) string { return "?" }), ", ")
	query := `SELECT table_schema, table_name
FROM information_schema.tables
WHERE table_type = 'BASE TABLE'
  AND table_schema NOT IN (` + placeholders + `)`
	args := lo.ToAnySlice(systemSchemasMySQL)
	if schemaFilter != "" {
		query += "\n  AND table_schema = ?"
		args = append(args, schemaFilter)
	}
	return query + "\nORDER BY table_schema, table_name", args
}

func (mysqlDialect) ColumnsQuery(schemaName, table string) (string, []any) {
	// column_type keeps the unsigned attribute that data_type drops
	return `SELECT column_name, column_type, is_nullable = 'YES'
FROM information_schema.columns
WHERE table_schema = ? AND table_name = ?
ORDER BY ordinal_position`, []any{schemaName, table}
}

func (d mysqlDialect) PrimaryKeyQuery(schemaName, table string) (string, []any) {
	return primaryKeyQuery(d), []any{schemaName, table}
}

func (mysqlDialect) SizeQuery(schemaName, table string) (string, []any) {
	return `SELECT COALESCE(data_length + index_length, 0)
FROM information_schema.tables
WHERE table_schema = ? AND table_name = ?`, []any{schemaName, table}
}

// sqlite: Params.Database is the file path, there are no schemas.

type sqliteDialect struct{}

func (sqliteDialect) Engine() string     { return schema.EngineSQLite }
func (sqliteDialect) DriverName() string { return "sqlite" }

func (sqliteDialect) DSN(p Params) string {
	return p.Database + "?_pragma=busy_timeout(5000)"
}

func (sqliteDialect) QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (sqliteDialect) Placeholder(int) string { return "?" }

func (d sqliteDialect) SelectColumn(col schema.Column) string { return d.QuoteIdent(col.Name) }

func (sqliteDialect) ListTablesQuery(string) (string, []any) {
	return `SELECT '', name FROM sqlite_master
WHERE type = 'table' AND name NOT LIKE 'sqlite\_%' ESCAPE '\'
ORDER BY name`, nil
}

func (sqliteDialect) ColumnsQuery(_, table string) (string, []any) {
	return `SELECT name, type, "notnull" = 0 FROM pragma_table_info(?) ORDER BY cid`, []any{table}
}

func (sqliteDialect) PrimaryKeyQuery(_, table string) (string, []any) {
	return `SELECT name FROM pragma_table_info(?) WHERE pk > 0 ORDER BY pk`, []any{table}
}

func (sqliteDialect) SizeQuery(string, string) (string, []any) { return "", nil }

func primaryKeyQuery(d Dialect) string {
	return fmt.Sprintf(`SELECT kcu.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON tc.constraint_name = kcu.constraint_name
 AND tc.table_schema = kcu.table_schema
 AND tc.table_name = kcu.table_name
WHERE tc.constraint_type = 'PRIMARY KEY'
  AND tc.table_schema = %s AND tc.table_name = %s
ORDER BY kcu.ordinal_position`, d.Placeholder(1), d.Placeholder(2))
}

// quoteDSNValue quotes a libpq key/value when it contains spaces or quotes.
func quoteDSNValue(v string) string {
	if v == "" {
		return "''"
	}
	if !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}
