// Package target applies mapped batches to one destination database.
package target

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"db-carve/internal/dialect"
	"db-carve/internal/schema"
	"db-carve/internal/typemap"
)

// BatchApplyError marks a failed batch application. The batch's transaction
// is rolled back before this is returned, so the watermark of the previous
// batch stays the valid resumption point; the orchestrator treats the error
// as transient and retries with backoff.
type BatchApplyError struct {
	Target string
	Table  string
	Err    error
}

func (e *BatchApplyError) Error() string {
	return fmt.Sprintf("batch apply to %s.%s failed: %v", e.Target, e.Table, e.Err)
}

func (e *BatchApplyError) Unwrap() error { return e.Err }

// IntegrityViolationError reports rows whose intra-target references point
// at nothing after the target's units completed. Never corrected, only
// reported.
type IntegrityViolationError struct {
	Target     string
	Table      string
	Column     string
	RefTable   string
	SampleKeys []any
}

func (e *IntegrityViolationError) Error() string {
	keys := make([]string, len(e.SampleKeys))
	for i, k := range e.SampleKeys {
		keys[i] = fmt.Sprintf("%v", k)
	}
	return fmt.Sprintf("integrity violation on %s.%s.%s -> %s: dangling rows %s",
		e.Target, e.Table, e.Column, e.RefTable, strings.Join(keys, ", "))
}

// Writer owns the connection to one target database. The orchestrator
// serializes units per target, so a Writer never sees concurrent Apply
// calls.
type Writer struct {
	Name string
	db   *sql.DB
	d    dialect.Dialect
}

func NewWriter(name string, db *sql.DB, d dialect.Dialect) *Writer {
	return &Writer{Name: name, db: db, d: d}
}

// Ping verifies the target is reachable before the run mutates anything.
func (w *Writer) Ping(ctx context.Context) error {
	if err := w.db.PingContext(ctx); err != nil {
		return fmt.Errorf("target %s unreachable: %w", w.Name, err)
	}
	return nil
}

// BeforeLoad and AfterLoad bracket the whole load on this target,
// delegating constraint toggling to the dialect.
func (w *Writer) BeforeLoad() error { return w.d.BeforeLoad(w.db) }
func (w *Writer) AfterLoad() error  { return w.d.AfterLoad(w.db) }

// EnsureTable creates the table on the target when absent, rendering each
// column's canonical kind into the target engine's native type. Existing
// tables are left untouched.
func (w *Writer) EnsureTable(ctx context.Context, t *schema.Table, m *typemap.Mapping) error {
	colDefs := make([]string, len(t.Columns))
	var pkCols []string
	for i, c := range t.Columns {
		def := fmt.Sprintf("%s %s", w.d.QuoteIdent(c.Name), w.d.ColumnType(m.Kinds[i], c.Length))
		if !c.IsNullable && !c.IsPK {
			def += " NOT NULL"
		}
		colDefs[i] = def
		if c.IsPK {
			pkCols = append(pkCols, c.Name)
		}
	}
	query := w.d.CreateTableQuery(t.Name, colDefs, pkCols)
	if _, err := w.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create table %s on %s: %w", t.Name, w.Name, err)
	}
	return nil
}

// Apply writes one batch of coerced rows as a single atomic unit: either
// every row commits or none does. The upsert is keyed by the source primary
// key, so re-applying a batch converges instead of duplicating. Returns the
// number of rows newly written (already-present rows count zero).
func (w *Writer) Apply(ctx context.Context, t *schema.Table, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	pk := ""
	if c := t.PKColumn(); c != nil {
		pk = c.Name
	}
	query := w.d.UpsertQuery(t.Name, t.ColumnNames(), pk)

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &BatchApplyError{Target: w.Name, Table: t.Name, Err: err}
	}
	defer tx.Rollback()

	if err := w.d.BeforeTable(tx, t.Name); err != nil {
		return 0, &BatchApplyError{Target: w.Name, Table: t.Name, Err: err}
	}

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return 0, &BatchApplyError{Target: w.Name, Table: t.Name, Err: err}
	}
	defer stmt.Close()

	var written int64
	for _, row := range rows {
		res, err := stmt.ExecContext(ctx, row...)
		if err != nil {
			return 0, &BatchApplyError{Target: w.Name, Table: t.Name, Err: err}
		}
		if n, err := res.RowsAffected(); err == nil {
			written += n
		}
	}

	if err := w.d.AfterTable(tx, t.Name); err != nil {
		return 0, &BatchApplyError{Target: w.Name, Table: t.Name, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return 0, &BatchApplyError{Target: w.Name, Table: t.Name, Err: err}
	}
	return written, nil
}

// Count returns the target-side row count for a table.
func (w *Writer) Count(ctx context.Context, table string) (int64, error) {
	var n int64
	q := fmt.Sprintf("SELECT COUNT(*) FROM %s", w.d.QuoteIdent(table))
	if err := w.db.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s.%s: %w", w.Name, table, err)
	}
	return n, nil
}

// Revalidate checks every intra-target (and self-referential) foreign key
// of t with an engine-agnostic anti-join once the target's units are done.
// Cross-target references are deliberately not enforced anywhere; ordering
// barriers plus post-run verification stand in for them.
func (w *Writer) Revalidate(ctx context.Context, t *schema.Table, owned map[string]bool) error {
	for _, fk := range t.ForeignKeys {
		if fk.RefTable != t.Name && !owned[fk.RefTable] {
			continue
		}
		if fk.RefColumn == "" {
			continue
		}
		if err := w.checkOrphans(ctx, t, fk); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) checkOrphans(ctx context.Context, t *schema.Table, fk *schema.ForeignKey) error {
	keyCol := fk.Column
	if pk := t.PKColumn(); pk != nil {
		keyCol = pk.Name
	}
	base := fmt.Sprintf(
		"SELECT c.%s FROM %s c LEFT JOIN %s p ON c.%s = p.%s WHERE c.%s IS NOT NULL AND p.%s IS NULL",
		w.d.QuoteIdent(keyCol),
		w.d.QuoteIdent(t.Name),
		w.d.QuoteIdent(fk.RefTable),
		w.d.QuoteIdent(fk.Column),
		w.d.QuoteIdent(fk.RefColumn),
		w.d.QuoteIdent(fk.Column),
		w.d.QuoteIdent(fk.RefColumn),
	)
	query := w.d.GetLimitRowQuery(base, 10)

	rows, err := w.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to revalidate %s.%s: %w", w.Name, t.Name, err)
	}
	defer rows.Close()

	var sample []any
	for rows.Next() {
		var key any
		if err := rows.Scan(&key); err != nil {
			return fmt.Errorf("failed to scan violation key: %w", err)
		}
		sample = append(sample, key)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating violations: %w", err)
	}
	if len(sample) > 0 {
		return &IntegrityViolationError{
			Target:     w.Name,
			Table:      t.Name,
			Column:     fk.Column,
			RefTable:   fk.RefTable,
			SampleKeys: sample,
		}
	}
	return nil
}
