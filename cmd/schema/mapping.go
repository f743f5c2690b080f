package schema

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Supported source engines
const (
	EnginePostgres  = "postgres"
	EngineGreenplum = "greenplum"
	EngineMySQL     = "mysql"
	EngineSQLite    = "sqlite"
)

// ErrUnsupportedEngine is returned when no type mapping exists for an engine
var ErrUnsupportedEngine = errors.New("unsupported database engine")

// TypeMapping maps lowercase native type names to canonical types.
type TypeMapping map[string]CanonicalType

var postgresTypes = TypeMapping{
	// integers
	"smallint":    Int16,
	"int2":        Int16,
	"smallserial": Int16,
	"integer":     Int32,
	"int":         Int32,
	"int4":        Int32,
	"serial":      Int32,
	"bigint":      Int64,
	"int8":        Int64,
	"bigserial":   Int64,
	"oid":         Int64,

	// floating point and numeric
	"real":             Float32,
	"float4":           Float32,
	"double precision": Float64,
	"float8":           Float64,
	"numeric":          Decimal,
	"decimal":          Decimal,
	// lib/pq returns money as locale formatted text, chunk queries cast it to numeric
	"money": Decimal,

	// character
	"character varying": String,
	"varchar":           String,
	"character":         String,
	"char":              String,
	"bpchar":            String,
	"text":              String,
	"name":              String,
	"citext":            String,

	"boolean": Boolean,
	"bool":    Boolean,

	// date and time
	"date":                        Date,
	"time":                        Time,
	"timetz":                      Time,
	"time without time zone":      Time,
	"time with time zone":         Time,
	"timestamp":                   Timestamp,
	"timestamptz":                 Timestamp,
	"timestamp without time zone": Timestamp,
	"timestamp with time zone":    Timestamp,

	"bytea": Binary,

	// carried as text
	"json":      String,
	"jsonb":     String,
	"uuid":      String,
	"xml":       String,
	"inet":      String,
	"cidr":      String,
	"macaddr":   String,
	"macaddr8":  String,
	"interval":  String,
	"tsvector":  String,
	"tsquery":   String,
	"point":     String,
	"line":      String,
	"lseg":      String,
	"box":       String,
	"path":      String,
	"polygon":   String,
	"circle":    String,
	"int4range": String,
	"int8range": String,
	"numrange":  String,
	"tsrange":   String,
	"tstzrange": String,
	"daterange": String,
}

var mysqlTypes = TypeMapping{
	"tinyint":   Int8,
	"smallint":  Int16,
	"year":      Int16,
	"mediumint": Int32,
	"int":       Int32,
	"integer":   Int32,
	"bigint":    Int64,

	// unsigned ranges need the next wider type
	"tinyint unsigned":   Int16,
	"smallint unsigned":  Int32,
	"mediumint unsigned": Int32,
	"int unsigned":       Int64,
	"integer unsigned":   Int64,
	"bigint unsigned":    String,

	"float":   Float32,
	"double":  Float64,
	"real":    Float64,
	"decimal": Decimal,
	"numeric": Decimal,

	"char":       String,
	"varchar":    String,
	"tinytext":   String,
	"text":       String,
	"mediumtext": String,
	"longtext":   String,
	"enum":       String,
	"set":        String,
	"json":       String,

	"bool":    Boolean,
	"boolean": Boolean,

	"date":      Date,
	"time":      Time,
	"datetime":  Timestamp,
	"timestamp": Timestamp,

	"bit":        Binary,
	"binary":     Binary,
	"varbinary":  Binary,
	"tinyblob":   Binary,
	"blob":       Binary,
	"mediumblob": Binary,
	"longblob":   Binary,
}

// sqliteTypes follows sqlite's declared-type affinity names.
var sqliteTypes = TypeMapping{
	"integer":   Int64,
	"int":       Int64,
	"bigint":    Int64,
	"smallint":  Int16,
	"tinyint":   Int8,
	"real":      Float64,
	"double":    Float64,
	"float":     Float64,
	"numeric":   Decimal,
	"decimal":   Decimal,
	"text":      String,
	"varchar":   String,
	"char":      String,
	"clob":      String,
	"boolean":   Boolean,
	"bool":      Boolean,
	"date":      Date,
	"datetime":  Timestamp,
	"timestamp": Timestamp,
	"time":      Time,
	"blob":      Binary,
}

// MappingFor returns the native-to-canonical type table for an engine.
func MappingFor(engine string) (TypeMapping, error) {
	switch engine {
	case EnginePostgres:
		return postgresTypes, nil
	case EngineGreenplum:
		gp := make(TypeMapping, len(postgresTypes)+1)
		for k, v := range postgresTypes {
			gp[k] = v
		}
		gp["gp_segment_id"] = Int32
		return gp, nil
	case EngineMySQL:
		return mysqlTypes, nil
	case EngineSQLite:
		return sqliteTypes, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEngine, engine)
	}
}

// Lookup maps a native type name. Parameter lists are ignored, array types are carried as
// strings and the longest matching prefix wins when there is no exact entry. The second
// return value is false when the type fell back to String.
func (m TypeMapping) Lookup(native string) (CanonicalType, bool) {
	native, unsigned := splitIntegerAttributes(native)
	name := baseTypeName(native)
	if unsigned {
		if t, ok := m[name+" unsigned"]; ok {
			return t, true
		}
	}
	if strings.HasPrefix(name, "_") || strings.HasSuffix(strings.ToLower(strings.TrimSpace(native)), "[]") {
		return String, true
	}
	if name == "" {
		return String, false
	}
	if t, ok := m[name]; ok {
		return t, true
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	for _, k := range keys {
		if strings.HasPrefix(name, k) {
			return m[k], true
		}
	}

	return String, false
}

// splitIntegerAttributes strips mysql's signed, unsigned and zerofill attributes from a
// column_type such as "int(10) unsigned zerofill".
func splitIntegerAttributes(native string) (string, bool) {
	fields := strings.Fields(native)
	kept := fields[:0]
	unsigned := false
	for _, f := range fields {
		switch strings.ToLower(f) {
		case "unsigned":
			unsigned = true
		case "signed", "zerofill":
		default:
			kept = append(kept, f)
		}
	}
	return strings.Join(kept, " "), unsigned
}
