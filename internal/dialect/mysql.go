package dialect

import (
	"database/sql"
	"fmt"
	"strings"

	"db-carve/internal/typemap"
)

type MysqlDialect struct{}

func (d *MysqlDialect) GetTablesQuery(schema string) string {
	return `SELECT TABLE_NAME FROM information_schema.TABLES WHERE TABLE_SCHEMA = ? AND TABLE_TYPE = 'BASE TABLE' ORDER BY TABLE_NAME`
}

func (d *MysqlDialect) GetColumnsQuery(schema string) string {
	return `SELECT TABLE_NAME, COLUMN_NAME, DATA_TYPE, CHARACTER_MAXIMUM_LENGTH, IS_NULLABLE, COLUMN_KEY, EXTRA FROM information_schema.COLUMNS WHERE TABLE_SCHEMA = ? ORDER BY TABLE_NAME, ORDINAL_POSITION`
}

func (d *MysqlDialect) GetForeignKeysQuery(schema string) string {
	return `SELECT TABLE_NAME, CONSTRAINT_NAME, COLUMN_NAME, REFERENCED_TABLE_NAME, REFERENCED_COLUMN_NAME FROM information_schema.KEY_COLUMN_USAGE WHERE TABLE_SCHEMA = ? AND REFERENCED_TABLE_NAME IS NOT NULL ORDER BY TABLE_NAME, CONSTRAINT_NAME`
}

func (d *MysqlDialect) BeforeLoad(ex Execer) error {
	return nil
}

func (d *MysqlDialect) AfterLoad(ex Execer) error {
	return nil
}

func (d *MysqlDialect) BeforeTable(tx *sql.Tx, table string) error {
	_, err := tx.Exec("SET FOREIGN_KEY_CHECKS = 0")
	return err
}

func (d *MysqlDialect) AfterTable(tx *sql.Tx, table string) error {
	_, err := tx.Exec("SET FOREIGN_KEY_CHECKS = 1")
	return err
}

func (d *MysqlDialect) UpsertQuery(table string, cols []string, pk string) string {
	vals := GeneratePlaceholders(len(cols), d.Placeholder)
	return fmt.Sprintf("INSERT IGNORE INTO %s (%s) VALUES (%s)",
		d.QuoteIdent(table), QuoteAll(cols, d.QuoteIdent), vals)
}

func (d *MysqlDialect) CreateTableQuery(table string, colDefs []string, pkCols []string) string {
	defs := strings.Join(colDefs, ", ")
	if len(pkCols) > 0 {
		defs += fmt.Sprintf(", PRIMARY KEY (%s)", QuoteAll(pkCols, d.QuoteIdent))
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", d.QuoteIdent(table), defs)
}

func (d *MysqlDialect) Placeholder(index int) string {
	return "?"
}

func (d *MysqlDialect) QuoteIdent(name string) string {
	return "`" + name + "`"
}

func (d *MysqlDialect) GetLimitRowQuery(query string, limit int) string {
	return fmt.Sprintf("%s LIMIT %d", query, limit)
}

func (d *MysqlDialect) ColumnType(kind typemap.Kind, length int) string {
	switch kind {
	case typemap.Integer:
		return "BIGINT"
	case typemap.Real:
		return "DOUBLE"
	case typemap.Blob:
		return "BLOB"
	case typemap.Boolean:
		return "TINYINT(1)"
	case typemap.Timestamp:
		// DATETIME over TIMESTAMP: no 2038 limit, no session time zone
		// conversion on write.
		return "DATETIME(6)"
	case typemap.Date:
		return "DATE"
	default:
		if length > 0 && length <= 16383 {
			return fmt.Sprintf("VARCHAR(%d)", length)
		}
		return "TEXT"
	}
}

func (d *MysqlDialect) NormalizeType(sqlType string) string {
	return DefaultNormalizeType(sqlType)
}

func (d *MysqlDialect) GetSchemaName(input string) string {
	return DefaultGetSchemaName(input)
}
