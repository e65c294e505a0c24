package schema

// Table is an immutable snapshot of one source table, taken once at the
// start of a run by Analyze.
type Table struct {
	Name         string
	Columns      []*Column
	ForeignKeys  []*ForeignKey
	Dependencies []string // referenced table names, deduplicated
}

type Column struct {
	Name       string
	DataType   string // declared type as reported by the engine
	Length     int
	IsNullable bool
	IsPK       bool
	IsAutoInc  bool
}

type ForeignKey struct {
	Column    string
	RefTable  string
	RefColumn string
}

// PKColumn returns the single primary-key column, or nil when the table has
// no primary key or a composite one. Watermark-based resumption only works
// for single-column keys; everything else goes through the fallback scan.
func (t *Table) PKColumn() *Column {
	var pk *Column
	for _, c := range t.Columns {
		if c.IsPK {
			if pk != nil {
				return nil // composite
			}
			pk = c
		}
	}
	return pk
}

// ColumnNames returns the column names in declared order.
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// Column returns the named column or nil.
func (t *Table) Column(name string) *Column {
	for _, c := range t.Columns {
		if c.Name == name {
			return c
		}
	}
	return nil
}
