package dialect

import (
	"database/sql"
	"fmt"
	"strings"

	"db-carve/internal/typemap"
)

type MSSQLDialect struct{}

func (d *MSSQLDialect) GetTablesQuery(schema string) string {
	return `SELECT TABLE_NAME FROM INFORMATION_SCHEMA.TABLES WHERE TABLE_SCHEMA = @p1 AND TABLE_TYPE = 'BASE TABLE' ORDER BY TABLE_NAME`
}

func (d *MSSQLDialect) GetColumnsQuery(schema string) string {
	return `SELECT
    c.TABLE_NAME,
    c.COLUMN_NAME,
    c.DATA_TYPE,
    c.CHARACTER_MAXIMUM_LENGTH,
    c.IS_NULLABLE,
    CASE WHEN pk.COLUMN_NAME IS NOT NULL THEN 'PRI' ELSE '' END,
    CASE WHEN COLUMNPROPERTY(OBJECT_ID(c.TABLE_SCHEMA + '.' + c.TABLE_NAME), c.COLUMN_NAME, 'IsIdentity') = 1 THEN 'identity' ELSE '' END
FROM INFORMATION_SCHEMA.COLUMNS c
LEFT JOIN (
    SELECT kcu.TABLE_NAME, kcu.COLUMN_NAME
    FROM INFORMATION_SCHEMA.TABLE_CONSTRAINTS tc
    JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE kcu
        ON tc.CONSTRAINT_NAME = kcu.CONSTRAINT_NAME
    WHERE tc.CONSTRAINT_TYPE = 'PRIMARY KEY' AND tc.TABLE_SCHEMA = @p1
) pk ON c.TABLE_NAME = pk.TABLE_NAME AND c.COLUMN_NAME = pk.COLUMN_NAME
WHERE c.TABLE_SCHEMA = @p1
ORDER BY c.TABLE_NAME, c.ORDINAL_POSITION`
}

func (d *MSSQLDialect) GetForeignKeysQuery(schema string) string {
	return `SELECT KCU1.TABLE_NAME, KCU1.CONSTRAINT_NAME, KCU1.COLUMN_NAME, KCU2.TABLE_NAME, KCU2.COLUMN_NAME
FROM INFORMATION_SCHEMA.REFERENTIAL_CONSTRAINTS RC
JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE KCU1 ON RC.CONSTRAINT_NAME = KCU1.CONSTRAINT_NAME
JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE KCU2 ON RC.UNIQUE_CONSTRAINT_NAME = KCU2.CONSTRAINT_NAME
WHERE KCU1.TABLE_SCHEMA = @p1
ORDER BY KCU1.TABLE_NAME, KCU1.CONSTRAINT_NAME`
}

func (d *MSSQLDialect) BeforeLoad(ex Execer) error {
	return nil
}

func (d *MSSQLDialect) AfterLoad(ex Execer) error {
	return nil
}

func (d *MSSQLDialect) BeforeTable(tx *sql.Tx, table string) error {
	_, err := tx.Exec(fmt.Sprintf("ALTER TABLE %s NOCHECK CONSTRAINT ALL", d.QuoteIdent(table)))
	return err
}

func (d *MSSQLDialect) AfterTable(tx *sql.Tx, table string) error {
	// Re-enable without WITH CHECK; validation happens through the
	// engine-agnostic orphan check after the target's units complete.
	_, err := tx.Exec(fmt.Sprintf("ALTER TABLE %s CHECK CONSTRAINT ALL", d.QuoteIdent(table)))
	return err
}

func (d *MSSQLDialect) UpsertQuery(table string, cols []string, pk string) string {
	vals := GeneratePlaceholders(len(cols), d.Placeholder)
	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		d.QuoteIdent(table), QuoteAll(cols, d.QuoteIdent), vals)
	if pk == "" {
		return insert
	}
	pkIdx := -1
	for i, c := range cols {
		if c == pk {
			pkIdx = i
			break
		}
	}
	if pkIdx < 0 {
		return insert
	}
	return fmt.Sprintf("IF NOT EXISTS (SELECT 1 FROM %s WHERE %s = %s) %s",
		d.QuoteIdent(table), d.QuoteIdent(pk), d.Placeholder(pkIdx), insert)
}

func (d *MSSQLDialect) CreateTableQuery(table string, colDefs []string, pkCols []string) string {
	defs := strings.Join(colDefs, ", ")
	if len(pkCols) > 0 {
		defs += fmt.Sprintf(", PRIMARY KEY (%s)", QuoteAll(pkCols, d.QuoteIdent))
	}
	return fmt.Sprintf("IF OBJECT_ID(N'%s', N'U') IS NULL CREATE TABLE %s (%s)",
		table, d.QuoteIdent(table), defs)
}

func (d *MSSQLDialect) Placeholder(index int) string {
	return fmt.Sprintf("@p%d", index+1)
}

func (d *MSSQLDialect) QuoteIdent(name string) string {
	return "[" + name + "]"
}

func (d *MSSQLDialect) GetLimitRowQuery(query string, limit int) string {
	trimmed := strings.TrimSpace(query)
	if strings.HasPrefix(strings.ToUpper(trimmed), "SELECT") {
		return strings.Replace(query, "SELECT", fmt.Sprintf("SELECT TOP %d", limit), 1)
	}
	return query
}

func (d *MSSQLDialect) ColumnType(kind typemap.Kind, length int) string {
	switch kind {
	case typemap.Integer:
		return "BIGINT"
	case typemap.Real:
		return "FLOAT"
	case typemap.Blob:
		return "VARBINARY(MAX)"
	case typemap.Boolean:
		return "BIT"
	case typemap.Timestamp:
		return "DATETIME2"
	case typemap.Date:
		return "DATE"
	default:
		if length > 0 && length <= 4000 {
			return fmt.Sprintf("NVARCHAR(%d)", length)
		}
		return "NVARCHAR(MAX)"
	}
}

func (d *MSSQLDialect) NormalizeType(sqlType string) string {
	t := DefaultNormalizeType(sqlType)
	switch t {
	case "nvarchar", "nchar", "ntext":
		return "varchar"
	case "datetime2", "smalldatetime":
		return "datetime"
	default:
		return t
	}
}

func (d *MSSQLDialect) GetSchemaName(input string) string {
	if input == "" {
		return "dbo"
	}
	return input
}
