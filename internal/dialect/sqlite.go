package dialect

import (
	"database/sql"
	"fmt"
	"strings"

	"db-carve/internal/typemap"
)

// SQLiteDialect covers the canonical monolith source and file-based targets.
// Introspection joins sqlite_master against the table-valued pragma
// functions so it fits the same one-query-per-concern contract as the
// information_schema engines.
type SQLiteDialect struct{}

func (d *SQLiteDialect) GetTablesQuery(schema string) string {
	// The bind parameter only exists to satisfy the shared contract; SQLite
	// has a single implicit schema per file.
	return `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite\_%' ESCAPE '\' AND ?1 IS NOT NULL ORDER BY name`
}

func (d *SQLiteDialect) GetColumnsQuery(schema string) string {
	return `SELECT m.name, p.name, p.type, NULL,
       CASE p."notnull" WHEN 0 THEN 'YES' ELSE 'NO' END,
       CASE WHEN p.pk > 0 THEN 'PRI' ELSE '' END,
       CASE WHEN p.pk = 1 AND UPPER(p.type) = 'INTEGER' THEN 'auto_increment' ELSE '' END
FROM sqlite_master m
JOIN pragma_table_info(m.name) p
WHERE m.type = 'table' AND m.name NOT LIKE 'sqlite\_%' ESCAPE '\' AND ?1 IS NOT NULL
ORDER BY m.name, p.cid`
}

func (d *SQLiteDialect) GetForeignKeysQuery(schema string) string {
	return `SELECT m.name, 'fk_' || m.name || '_' || f.id, f."from", f."table", f."to"
FROM sqlite_master m
JOIN pragma_foreign_key_list(m.name) f
WHERE m.type = 'table' AND m.name NOT LIKE 'sqlite\_%' ESCAPE '\' AND ?1 IS NOT NULL
ORDER BY m.name, f.id, f.seq`
}

func (d *SQLiteDialect) BeforeLoad(ex Execer) error {
	// PRAGMA foreign_keys is a no-op inside a transaction, so it has to be
	// toggled on the connection, not in BeforeTable.
	_, err := ex.Exec("PRAGMA foreign_keys = OFF")
	return err
}

func (d *SQLiteDialect) AfterLoad(ex Execer) error {
	_, err := ex.Exec("PRAGMA foreign_keys = ON")
	return err
}

func (d *SQLiteDialect) BeforeTable(tx *sql.Tx, table string) error {
	return nil
}

func (d *SQLiteDialect) AfterTable(tx *sql.Tx, table string) error {
	return nil
}

func (d *SQLiteDialect) UpsertQuery(table string, cols []string, pk string) string {
	vals := GeneratePlaceholders(len(cols), d.Placeholder)
	return fmt.Sprintf("INSERT OR IGNORE INTO %s (%s) VALUES (%s)",
		d.QuoteIdent(table), QuoteAll(cols, d.QuoteIdent), vals)
}

func (d *SQLiteDialect) CreateTableQuery(table string, colDefs []string, pkCols []string) string {
	defs := strings.Join(colDefs, ", ")
	if len(pkCols) > 0 {
		defs += fmt.Sprintf(", PRIMARY KEY (%s)", QuoteAll(pkCols, d.QuoteIdent))
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", d.QuoteIdent(table), defs)
}

func (d *SQLiteDialect) Placeholder(index int) string {
	return "?"
}

func (d *SQLiteDialect) QuoteIdent(name string) string {
	return `"` + name + `"`
}

func (d *SQLiteDialect) GetLimitRowQuery(query string, limit int) string {
	return fmt.Sprintf("%s LIMIT %d", query, limit)
}

func (d *SQLiteDialect) ColumnType(kind typemap.Kind, length int) string {
	switch kind {
	case typemap.Integer, typemap.Boolean:
		return "INTEGER"
	case typemap.Real:
		return "REAL"
	case typemap.Blob:
		return "BLOB"
	case typemap.Timestamp:
		return "DATETIME"
	case typemap.Date:
		return "DATE"
	default:
		if length > 0 {
			return fmt.Sprintf("VARCHAR(%d)", length)
		}
		return "TEXT"
	}
}

func (d *SQLiteDialect) NormalizeType(sqlType string) string {
	return DefaultNormalizeType(sqlType)
}

func (d *SQLiteDialect) GetSchemaName(input string) string {
	if input == "" {
		return "main"
	}
	return input
}
