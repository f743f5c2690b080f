package schema

import "strings"

// CanonicalType is the engine-independent column type every chunk of a table is written with.
type CanonicalType string

const (
	Int8      CanonicalType = "int8"
	Int16     CanonicalType = "int16"
	Int32     CanonicalType = "int32"
	Int64     CanonicalType = "int64"
	Float32   CanonicalType = "float32"
	Float64   CanonicalType = "float64"
	Decimal   CanonicalType = "decimal" // carried as float64
	String    CanonicalType = "string"
	Boolean   CanonicalType = "boolean"
	Date      CanonicalType = "date"
	Time      CanonicalType = "time"
	Timestamp CanonicalType = "timestamp"
	Binary    CanonicalType = "binary"
)

// IsInteger reports whether values of t are whole numbers.
func (t CanonicalType) IsInteger() bool {
	switch t { //nolint:exhaustive // only integer widths matter here
	case Int8, Int16, Int32, Int64:
		return true
	}
	return false
}

// Column is one resolved column of a table.
type Column struct {
	Name       string        `json:"name"`
	Type       CanonicalType `json:"type"`
	Nullable   bool          `json:"nullable"`
	NativeType string        `json:"native_type"`
}

// Orderable reports whether the column can appear in an ORDER BY clause on its source engine.
// Geometric, json and xml types have no total order in postgres.
func (c Column) Orderable() bool {
	switch baseTypeName(c.NativeType) {
	case "json", "xml", "point", "line", "lseg", "box", "path", "polygon", "circle":
		return false
	}
	return true
}

// ColumnSchema is the ordered, read-only column list shared by every chunk of one table.
type ColumnSchema struct {
	Table   string   `json:"table"`
	Columns []Column `json:"columns"`
}

// Names returns the column names in schema order.
func (s *ColumnSchema) Names() []string {
	names := make([]string, len(s.Columns))
	for i, col := range s.Columns {
		names[i] = col.Name
	}
	return names
}

// Column looks up a column by name.
func (s *ColumnSchema) Column(name string) (Column, bool) {
	for _, col := range s.Columns {
		if col.Name == name {
			return col, true
		}
	}
	return Column{}, false
}

// Len returns the number of columns.
func (s *ColumnSchema) Len() int {
	return len(s.Columns)
}

func baseTypeName(native string) string {
	name := strings.ToLower(strings.TrimSpace(native))
	if idx := strings.IndexByte(name, '('); idx >= 0 {
		name = strings.TrimSpace(name[:idx])
	}
	return name
}
