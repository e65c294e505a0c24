package typemap

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind is the canonical type a source column maps to. Every supported
// declared type resolves to exactly one Kind before any row is transferred;
// the target dialect renders a Kind back into engine-native DDL.
type Kind int

const (
	Integer Kind = iota
	Real
	Text
	Blob
	Boolean
	Timestamp
	Date
)

func (k Kind) String() string {
	switch k {
	case Integer:
		return "integer"
	case Real:
		return "real"
	case Text:
		return "text"
	case Blob:
		return "blob"
	case Boolean:
		return "boolean"
	case Timestamp:
		return "timestamp"
	case Date:
		return "date"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// UnsupportedTypeError is raised at schema-validation time, before any row
// moves, when a declared column type has no canonical mapping.
type UnsupportedTypeError struct {
	Table    string
	Column   string
	Declared string
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("unsupported type %q on %s.%s", e.Declared, e.Table, e.Column)
}

// UnmappableValueError is raised when a value cannot be coerced into its
// column's canonical kind, e.g. a timestamp string matching no accepted
// layout. It is fatal for the unit carrying the row, never silently passed
// through.
type UnmappableValueError struct {
	Table  string
	Column string
	Value  any
	Reason string
}

func (e *UnmappableValueError) Error() string {
	return fmt.Sprintf("unmappable value %v for %s.%s: %s", e.Value, e.Table, e.Column, e.Reason)
}

// Accepted timestamp layouts. A source value matching none of them is an
// UnmappableValueError: downstream engines enforce stricter timestamp typing
// than the source, so a pass-through would fail later and less clearly.
var timestampLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02",
}

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
}

// Resolve maps a declared source type to its canonical Kind. The declared
// string may carry a length suffix ("varchar(200)") and any case. Unknown
// types are an error so that mis-modeled schemas fail validation up front
// rather than mid-migration.
func Resolve(declared string) (Kind, error) {
	t := strings.ToLower(strings.TrimSpace(declared))
	if i := strings.IndexByte(t, '('); i > 0 {
		t = strings.TrimSpace(t[:i])
	}
	t = strings.TrimSuffix(t, " unsigned")

	switch t {
	case "int", "integer", "bigint", "smallint", "mediumint", "tinyint", "int2", "int4", "int8", "serial", "bigserial", "number":
		return Integer, nil
	case "real", "float", "double", "double precision", "float4", "float8", "numeric", "decimal", "money":
		return Real, nil
	case "text", "varchar", "character varying", "char", "character", "nvarchar", "nchar", "clob", "ntext", "varchar2", "uuid", "string":
		return Text, nil
	case "blob", "bytea", "binary", "varbinary", "image", "raw":
		return Blob, nil
	case "bool", "boolean", "bit":
		return Boolean, nil
	case "datetime", "timestamp", "timestamptz", "timestamp with time zone", "timestamp without time zone", "datetime2", "smalldatetime":
		return Timestamp, nil
	case "date":
		return Date, nil
	case "time":
		// times of day travel as text; no engine disagreement to translate
		return Text, nil
	}
	return 0, fmt.Errorf("no canonical kind for %q", declared)
}

// ColumnSpec is the minimal view of a source column the mapper needs.
type ColumnSpec struct {
	Name     string
	Declared string
	Nullable bool
}

// Mapping is the validated column→Kind plan for one table. Built once per
// unit by ValidateTable; CoerceRow is then total over the rows the extractor
// yields (modulo UnmappableValueError).
type Mapping struct {
	TableName string
	Columns   []ColumnSpec
	Kinds     []Kind
}

// ValidateTable resolves every column. It fails with UnsupportedTypeError
// before any row is transferred.
func ValidateTable(tableName string, cols []ColumnSpec) (*Mapping, error) {
	kinds := make([]Kind, len(cols))
	for i, c := range cols {
		k, err := Resolve(c.Declared)
		if err != nil {
			return nil, &UnsupportedTypeError{Table: tableName, Column: c.Name, Declared: c.Declared}
		}
		kinds[i] = k
	}
	return &Mapping{TableName: tableName, Columns: cols, Kinds: kinds}, nil
}

// CoerceRow coerces one extracted row, returning the coerced values and the
// number of null/placeholder substitutions performed. Substitutions are
// counted, never silent.
func (m *Mapping) CoerceRow(values []any) ([]any, int, error) {
	if len(values) != len(m.Kinds) {
		return nil, 0, fmt.Errorf("row has %d values, table %s has %d columns", len(values), m.TableName, len(m.Kinds))
	}
	out := make([]any, len(values))
	subs := 0
	for i, v := range values {
		col := m.Columns[i]
		cv, substituted, err := Coerce(m.Kinds[i], v, col.Nullable)
		if err != nil {
			return nil, subs, &UnmappableValueError{
				Table:  m.TableName,
				Column: col.Name,
				Value:  v,
				Reason: err.Error(),
			}
		}
		if substituted {
			subs++
		}
		out[i] = cv
	}
	return out, subs, nil
}

// Coerce maps a single observed value into kind k. The boolean result
// reports whether a null/placeholder substitution took place:
//   - NULL or empty-string sources on a nullable column become NULL;
//   - NULL sources on a NOT NULL column take the kind's documented default
//     (zero, empty string, empty blob, false, Unix epoch).
//
// Deterministic and total over the supported kinds; anything else is an
// error for the caller to wrap with table/column context.
func Coerce(k Kind, v any, nullable bool) (any, bool, error) {
	if v == nil {
		if nullable {
			return nil, false, nil
		}
		return notNullDefault(k), true, nil
	}
	if s, ok := stringValue(v); ok && strings.TrimSpace(s) == "" && k != Blob {
		if nullable {
			return nil, true, nil
		}
		if k == Text {
			return "", false, nil
		}
		return notNullDefault(k), true, nil
	}

	switch k {
	case Integer:
		return coerceInteger(v)
	case Real:
		return coerceReal(v)
	case Text:
		return coerceText(v)
	case Blob:
		return coerceBlob(v)
	case Boolean:
		return coerceBoolean(v)
	case Timestamp:
		return coerceTime(v, timestampLayouts)
	case Date:
		return coerceTime(v, dateLayouts)
	}
	return nil, false, fmt.Errorf("unknown kind %v", k)
}

func notNullDefault(k Kind) any {
	switch k {
	case Integer:
		return int64(0)
	case Real:
		return float64(0)
	case Blob:
		return []byte{}
	case Boolean:
		return false
	case Timestamp, Date:
		return time.Unix(0, 0).UTC()
	default:
		return ""
	}
}

func stringValue(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	}
	return "", false
}

func coerceInteger(v any) (any, bool, error) {
	switch n := v.(type) {
	case int64:
		return n, false, nil
	case int:
		return int64(n), false, nil
	case int32:
		return int64(n), false, nil
	case float64:
		if n == float64(int64(n)) {
			return int64(n), false, nil
		}
		return nil, false, fmt.Errorf("fractional value %v in integer column", n)
	case bool:
		if n {
			return int64(1), false, nil
		}
		return int64(0), false, nil
	}
	if s, ok := stringValue(v); ok {
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return nil, false, fmt.Errorf("not an integer: %q", s)
		}
		return n, false, nil
	}
	return nil, false, fmt.Errorf("cannot coerce %T to integer", v)
}

func coerceReal(v any) (any, bool, error) {
	switch n := v.(type) {
	case float64:
		return n, false, nil
	case float32:
		return float64(n), false, nil
	case int64:
		return float64(n), false, nil
	case int:
		return float64(n), false, nil
	}
	if s, ok := stringValue(v); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, false, fmt.Errorf("not a number: %q", s)
		}
		return f, false, nil
	}
	return nil, false, fmt.Errorf("cannot coerce %T to real", v)
}

func coerceText(v any) (any, bool, error) {
	switch s := v.(type) {
	case string:
		return s, false, nil
	case []byte:
		return string(s), false, nil
	case int64:
		return strconv.FormatInt(s, 10), false, nil
	case float64:
		return strconv.FormatFloat(s, 'g', -1, 64), false, nil
	case bool:
		return strconv.FormatBool(s), false, nil
	case time.Time:
		return s.UTC().Format(time.RFC3339Nano), false, nil
	}
	return nil, false, fmt.Errorf("cannot coerce %T to text", v)
}

func coerceBlob(v any) (any, bool, error) {
	switch b := v.(type) {
	case []byte:
		return b, false, nil
	case string:
		return []byte(b), false, nil
	}
	return nil, false, fmt.Errorf("cannot coerce %T to blob", v)
}

// coerceBoolean follows integer affinity: 0 is false, any nonzero is true.
func coerceBoolean(v any) (any, bool, error) {
	switch b := v.(type) {
	case bool:
		return b, false, nil
	case int64:
		return b != 0, false, nil
	case int:
		return b != 0, false, nil
	case float64:
		return b != 0, false, nil
	}
	if s, ok := stringValue(v); ok {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "0", "false", "f":
			return false, false, nil
		case "1", "true", "t":
			return true, false, nil
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n != 0, false, nil
		}
		return nil, false, fmt.Errorf("not a boolean: %q", s)
	}
	return nil, false, fmt.Errorf("cannot coerce %T to boolean", v)
}

func coerceTime(v any, layouts []string) (any, bool, error) {
	switch t := v.(type) {
	case time.Time:
		return t, false, nil
	case int64:
		// integer-stored timestamps are Unix seconds
		return time.Unix(t, 0).UTC(), false, nil
	}
	if s, ok := stringValue(v); ok {
		s = strings.TrimSpace(s)
		for _, layout := range layouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, false, nil
			}
		}
		return nil, false, fmt.Errorf("timestamp %q matches no accepted layout", s)
	}
	return nil, false, fmt.Errorf("cannot coerce %T to timestamp", v)
}
