package dialect

import (
	"database/sql"
	"fmt"
	"strings"

	"db-carve/internal/typemap"
)

type OracleDialect struct{}

func (d *OracleDialect) GetTablesQuery(schema string) string {
	// USER_TABLES lists tables owned by the connected user; the bind
	// parameter exists only to satisfy the shared contract.
	return `SELECT TABLE_NAME FROM USER_TABLES WHERE :1 IS NOT NULL ORDER BY TABLE_NAME`
}

func (d *OracleDialect) GetColumnsQuery(schema string) string {
	return `SELECT
    t.TABLE_NAME,
    t.COLUMN_NAME,
    CASE
        WHEN t.DATA_TYPE = 'NUMBER' AND COALESCE(t.DATA_SCALE, 0) > 0 THEN 'DECIMAL'
        WHEN t.DATA_TYPE = 'NUMBER' THEN 'INTEGER'
        ELSE t.DATA_TYPE
    END,
    COALESCE(t.DATA_PRECISION, t.DATA_LENGTH),
    CASE t.NULLABLE WHEN 'Y' THEN 'YES' ELSE 'NO' END,
    CASE WHEN p.CONSTRAINT_NAME IS NOT NULL THEN 'PRI' ELSE '' END,
    CASE WHEN t.IDENTITY_COLUMN = 'YES' THEN 'identity' ELSE '' END
FROM USER_TAB_COLUMNS t
LEFT JOIN (
    SELECT cc.TABLE_NAME, cc.COLUMN_NAME, cc.CONSTRAINT_NAME
    FROM USER_CONS_COLUMNS cc
    JOIN USER_CONSTRAINTS uc ON cc.CONSTRAINT_NAME = uc.CONSTRAINT_NAME
    WHERE uc.CONSTRAINT_TYPE = 'P'
) p ON t.TABLE_NAME = p.TABLE_NAME AND t.COLUMN_NAME = p.COLUMN_NAME
WHERE :1 IS NOT NULL
ORDER BY t.TABLE_NAME, t.COLUMN_ID`
}

func (d *OracleDialect) GetForeignKeysQuery(schema string) string {
	return `SELECT
    c.TABLE_NAME,
    c.CONSTRAINT_NAME,
    cc.COLUMN_NAME,
    r.TABLE_NAME,
    rcc.COLUMN_NAME
FROM USER_CONSTRAINTS c
JOIN USER_CONS_COLUMNS cc
    ON c.CONSTRAINT_NAME = cc.CONSTRAINT_NAME AND c.OWNER = cc.OWNER
JOIN USER_CONSTRAINTS r
    ON c.R_CONSTRAINT_NAME = r.CONSTRAINT_NAME AND c.R_OWNER = r.OWNER
JOIN USER_CONS_COLUMNS rcc
    ON r.CONSTRAINT_NAME = rcc.CONSTRAINT_NAME AND r.OWNER = rcc.OWNER
    AND cc.POSITION = rcc.POSITION
WHERE c.CONSTRAINT_TYPE = 'R' AND :1 IS NOT NULL
ORDER BY c.TABLE_NAME, c.CONSTRAINT_NAME`
}

func (d *OracleDialect) BeforeLoad(ex Execer) error {
	// Align session formats with the layouts the type mapper emits.
	if _, err := ex.Exec("ALTER SESSION SET NLS_DATE_FORMAT = 'YYYY-MM-DD HH24:MI:SS'"); err != nil {
		return fmt.Errorf("failed to set NLS_DATE_FORMAT: %w", err)
	}
	if _, err := ex.Exec("ALTER SESSION SET NLS_TIMESTAMP_FORMAT = 'YYYY-MM-DD HH24:MI:SS'"); err != nil {
		return fmt.Errorf("failed to set NLS_TIMESTAMP_FORMAT: %w", err)
	}
	return nil
}

func (d *OracleDialect) AfterLoad(ex Execer) error {
	return nil
}

func (d *OracleDialect) BeforeTable(tx *sql.Tx, table string) error {
	return nil
}

func (d *OracleDialect) AfterTable(tx *sql.Tx, table string) error {
	return nil
}

func (d *OracleDialect) UpsertQuery(table string, cols []string, pk string) string {
	vals := GeneratePlaceholders(len(cols), d.Placeholder)
	if pk != "" {
		// The hint skips rows violating the PK index instead of erroring,
		// which is the closest Oracle gets to INSERT IGNORE.
		return fmt.Sprintf("INSERT /*+ IGNORE_ROW_ON_DUPKEY_INDEX(%s(%s)) */ INTO %s (%s) VALUES (%s)",
			table, pk, d.QuoteIdent(table), QuoteAll(cols, d.QuoteIdent), vals)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		d.QuoteIdent(table), QuoteAll(cols, d.QuoteIdent), vals)
}

func (d *OracleDialect) CreateTableQuery(table string, colDefs []string, pkCols []string) string {
	defs := strings.Join(colDefs, ", ")
	if len(pkCols) > 0 {
		defs += fmt.Sprintf(", PRIMARY KEY (%s)", QuoteAll(pkCols, d.QuoteIdent))
	}
	// No IF NOT EXISTS before 23c; swallow ORA-00955 in PL/SQL.
	return fmt.Sprintf(`BEGIN
  EXECUTE IMMEDIATE 'CREATE TABLE %s (%s)';
EXCEPTION WHEN OTHERS THEN
  IF SQLCODE != -955 THEN RAISE; END IF;
END;`, d.QuoteIdent(table), strings.ReplaceAll(defs, "'", "''"))
}

func (d *OracleDialect) Placeholder(index int) string {
	return fmt.Sprintf(":%d", index+1)
}

func (d *OracleDialect) QuoteIdent(name string) string {
	return `"` + strings.ToUpper(name) + `"`
}

func (d *OracleDialect) GetLimitRowQuery(query string, limit int) string {
	return fmt.Sprintf("%s FETCH FIRST %d ROWS ONLY", query, limit)
}

func (d *OracleDialect) ColumnType(kind typemap.Kind, length int) string {
	switch kind {
	case typemap.Integer:
		return "NUMBER(19)"
	case typemap.Real:
		return "BINARY_DOUBLE"
	case typemap.Blob:
		return "BLOB"
	case typemap.Boolean:
		return "NUMBER(1)"
	case typemap.Timestamp:
		return "TIMESTAMP"
	case typemap.Date:
		return "DATE"
	default:
		if length > 0 && length <= 4000 {
			return fmt.Sprintf("VARCHAR2(%d)", length)
		}
		return "CLOB"
	}
}

func (d *OracleDialect) NormalizeType(sqlType string) string {
	t := DefaultNormalizeType(sqlType)
	switch t {
	case "varchar2", "nvarchar2":
		return "varchar"
	case "binary_double", "binary_float":
		return "double"
	default:
		return t
	}
}

func (d *OracleDialect) GetSchemaName(input string) string {
	return DefaultGetSchemaName(input)
}
