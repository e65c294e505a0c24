package dialect

import (
	"database/sql"
	"fmt"
	"strings"

	"db-carve/internal/typemap"
)

type PostgresDialect struct{}

func (d *PostgresDialect) GetTablesQuery(schema string) string {
	return `SELECT table_name FROM information_schema.tables WHERE table_schema = $1 AND table_type = 'BASE TABLE' ORDER BY table_name`
}

func (d *PostgresDialect) GetColumnsQuery(schema string) string {
	// Subquery resolves PRIMARY KEY membership; column_default carries the
	// nextval() marker for identity detection.
	return `SELECT
    c.table_name,
    c.column_name,
    c.udt_name,
    c.character_maximum_length,
    c.is_nullable,
    COALESCE((SELECT 'PRI' FROM information_schema.table_constraints tc
     JOIN information_schema.key_column_usage kcu ON tc.constraint_name = kcu.constraint_name
     WHERE tc.constraint_type = 'PRIMARY KEY'
     AND kcu.table_schema = c.table_schema AND kcu.table_name = c.table_name AND kcu.column_name = c.column_name LIMIT 1), ''),
    COALESCE(c.column_default, '')
FROM information_schema.columns c
WHERE c.table_schema = $1
ORDER BY c.table_name, c.ordinal_position`
}

func (d *PostgresDialect) GetForeignKeysQuery(schema string) string {
	return `SELECT kcu.table_name, kcu.constraint_name, kcu.column_name, ccu.table_name, ccu.column_name
FROM information_schema.key_column_usage kcu
JOIN information_schema.constraint_column_usage ccu ON kcu.constraint_name = ccu.constraint_name
JOIN information_schema.table_constraints tc ON kcu.constraint_name = tc.constraint_name
WHERE kcu.table_schema = $1 AND tc.constraint_type = 'FOREIGN KEY'
ORDER BY kcu.table_name, kcu.constraint_name`
}

func (d *PostgresDialect) BeforeLoad(ex Execer) error {
	return nil
}

func (d *PostgresDialect) AfterLoad(ex Execer) error {
	return nil
}

func (d *PostgresDialect) BeforeTable(tx *sql.Tx, table string) error {
	// session_replication_role would need superuser and aborts the tx on
	// failure; deferring is always legal and covers deferrable constraints
	// on pre-provisioned targets.
	_, err := tx.Exec("SET CONSTRAINTS ALL DEFERRED")
	return err
}

func (d *PostgresDialect) AfterTable(tx *sql.Tx, table string) error {
	return nil
}

func (d *PostgresDialect) UpsertQuery(table string, cols []string, pk string) string {
	vals := GeneratePlaceholders(len(cols), d.Placeholder)
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT DO NOTHING",
		d.QuoteIdent(table), QuoteAll(cols, d.QuoteIdent), vals)
}

func (d *PostgresDialect) CreateTableQuery(table string, colDefs []string, pkCols []string) string {
	defs := strings.Join(colDefs, ", ")
	if len(pkCols) > 0 {
		defs += fmt.Sprintf(", PRIMARY KEY (%s)", QuoteAll(pkCols, d.QuoteIdent))
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", d.QuoteIdent(table), defs)
}

func (d *PostgresDialect) Placeholder(index int) string {
	return fmt.Sprintf("$%d", index+1)
}

func (d *PostgresDialect) QuoteIdent(name string) string {
	return `"` + name + `"`
}

func (d *PostgresDialect) GetLimitRowQuery(query string, limit int) string {
	return fmt.Sprintf("%s LIMIT %d", query, limit)
}

func (d *PostgresDialect) ColumnType(kind typemap.Kind, length int) string {
	switch kind {
	case typemap.Integer:
		return "BIGINT"
	case typemap.Real:
		return "DOUBLE PRECISION"
	case typemap.Blob:
		return "BYTEA"
	case typemap.Boolean:
		return "BOOLEAN"
	case typemap.Timestamp:
		return "TIMESTAMP"
	case typemap.Date:
		return "DATE"
	default:
		if length > 0 {
			return fmt.Sprintf("VARCHAR(%d)", length)
		}
		return "TEXT"
	}
}

func (d *PostgresDialect) NormalizeType(sqlType string) string {
	t := DefaultNormalizeType(sqlType)
	switch t {
	case "int4", "int2":
		return "int"
	case "int8":
		return "bigint"
	case "float4":
		return "float"
	case "float8":
		return "double"
	case "bpchar":
		return "char"
	case "timestamptz":
		return "timestamp"
	default:
		return t
	}
}

func (d *PostgresDialect) GetSchemaName(input string) string {
	if input == "" {
		return "public"
	}
	return input
}
