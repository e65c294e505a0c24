package dialect

import (
	"database/sql"

	"db-carve/internal/typemap"
)

// Execer is the subset of *sql.DB / *sql.Tx the load hooks need.
type Execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

// Dialect abstracts database-specific operations for both sides of a
// migration: schema introspection on the source, DDL and idempotent batch
// application on the targets.
type Dialect interface {
	// Metadata queries (schema introspection). Each takes the schema name
	// as its single bind parameter and yields a fixed column contract, see
	// schema.Analyze.
	GetTablesQuery(schema string) string
	GetColumnsQuery(schema string) string
	GetForeignKeysQuery(schema string) string

	// Constraint hooks around bulk load. BeforeLoad/AfterLoad run once per
	// target connection; BeforeTable/AfterTable run inside each batch
	// transaction. Engines that pre-provisioned constraints on the target
	// get them disabled for the duration of the load.
	BeforeLoad(ex Execer) error
	AfterLoad(ex Execer) error
	BeforeTable(tx *sql.Tx, table string) error
	AfterTable(tx *sql.Tx, table string) error

	// Query generation. UpsertQuery must be idempotent: re-applying a row
	// keyed by pk converges instead of duplicating. pk may be empty for
	// tables without a usable single-column key.
	UpsertQuery(table string, cols []string, pk string) string
	CreateTableQuery(table string, colDefs []string, pkCols []string) string
	Placeholder(index int) string // ?, $1, @p1, :1 ...
	QuoteIdent(name string) string
	GetLimitRowQuery(query string, limit int) string

	// Type handling.
	ColumnType(kind typemap.Kind, length int) string
	NormalizeType(sqlType string) string
	GetSchemaName(input string) string
}
