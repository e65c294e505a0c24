package schema

import (
	"database/sql"
	"fmt"
	"strings"

	"db-carve/internal/dialect"
	"db-carve/internal/typemap"
)

// Analyze introspects one database through the dialect's metadata queries
// and returns its tables in name order. The result is the immutable snapshot
// a run plans against; it is never refreshed mid-run.
//
// Column contract of GetColumnsQuery, scanned positionally:
// (table, column, declared type, length, 'YES'/'NO' nullable, key, extra).
func Analyze(db *sql.DB, d dialect.Dialect, schemaName string) ([]*Table, error) {
	target := d.GetSchemaName(schemaName)

	tableMap := make(map[string]*Table)
	var tables []*Table

	rows, err := db.Query(d.GetTablesQuery(target), target)
	if err != nil {
		return nil, fmt.Errorf("failed to query tables: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		t := &Table{Name: name}
		// Normalized key for case-insensitive lookups (Oracle reports upper case)
		tableMap[strings.ToUpper(name)] = t
		tables = append(tables, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tables: %w", err)
	}

	colRows, err := db.Query(d.GetColumnsQuery(target), target)
	if err != nil {
		return nil, fmt.Errorf("failed to query columns: %w", err)
	}
	defer colRows.Close()

	for colRows.Next() {
		var tName, cName, dType, isNull, cKey, extra sql.NullString
		var cLen sql.NullString

		if err := colRows.Scan(&tName, &cName, &dType, &cLen, &isNull, &cKey, &extra); err != nil {
			return nil, fmt.Errorf("failed to scan column (table: %s): %w", tName.String, err)
		}
		if !tName.Valid || !cName.Valid {
			continue
		}

		t, ok := tableMap[strings.ToUpper(tName.String)]
		if !ok {
			continue
		}

		isPK := strings.Contains(cKey.String, "PRI")
		isAutoInc := false
		if extra.Valid {
			extraLower := strings.ToLower(extra.String)
			isAutoInc = strings.Contains(extraLower, "auto_increment") ||
				strings.Contains(extraLower, "identity") ||
				strings.Contains(extraLower, "nextval")
		}

		col := &Column{
			Name:       cName.String,
			DataType:   dType.String,
			Length:     parseLength(cLen, dType.String),
			IsNullable: isNull.String == "YES",
			IsPK:       isPK,
			IsAutoInc:  isAutoInc,
		}
		t.Columns = append(t.Columns, col)
	}
	if err := colRows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating columns: %w", err)
	}

	fkRows, err := db.Query(d.GetForeignKeysQuery(target), target)
	if err != nil {
		return nil, fmt.Errorf("failed to query foreign keys: %w", err)
	}
	defer fkRows.Close()

	for fkRows.Next() {
		var tName, cConst, cName, rTable, rCol sql.NullString
		if err := fkRows.Scan(&tName, &cConst, &cName, &rTable, &rCol); err != nil {
			return nil, fmt.Errorf("failed to scan foreign key: %w", err)
		}
		if !tName.Valid || !rTable.Valid {
			continue
		}

		t, ok := tableMap[strings.ToUpper(tName.String)]
		if !ok {
			continue
		}
		ref, ok := tableMap[strings.ToUpper(rTable.String)]
		if !ok {
			// reference to a table outside the snapshot; nothing to order
			continue
		}

		refCol := rCol.String
		if refCol == "" {
			// implicit reference to the parent's primary key
			if pk := ref.PKColumn(); pk != nil {
				refCol = pk.Name
			}
		}
		t.ForeignKeys = append(t.ForeignKeys, &ForeignKey{
			Column:    cName.String,
			RefTable:  ref.Name,
			RefColumn: refCol,
		})
		if ref.Name != t.Name && !contains(t.Dependencies, ref.Name) {
			t.Dependencies = append(t.Dependencies, ref.Name)
		}
	}
	if err := fkRows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating foreign keys: %w", err)
	}

	return tables, nil
}

// ColumnSpecs builds the type-mapper view of the table's columns.
func (t *Table) ColumnSpecs() []typemap.ColumnSpec {
	specs := make([]typemap.ColumnSpec, len(t.Columns))
	for i, c := range t.Columns {
		specs[i] = typemap.ColumnSpec{Name: c.Name, Declared: c.DataType, Nullable: c.IsNullable}
	}
	return specs
}

// parseLength reads the reported length, falling back to a "(n)" suffix on
// the declared type (SQLite reports lengths only that way).
func parseLength(reported sql.NullString, declared string) int {
	if reported.Valid && reported.String != "" {
		var length int
		if _, err := fmt.Sscanf(reported.String, "%d", &length); err == nil {
			return length
		}
		var fLength float64
		if _, err := fmt.Sscanf(reported.String, "%f", &fLength); err == nil {
			return int(fLength)
		}
	}
	if i := strings.IndexByte(declared, '('); i > 0 {
		var length int
		if _, err := fmt.Sscanf(declared[i:], "(%d)", &length); err == nil {
			return length
		}
	}
	return 0
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
