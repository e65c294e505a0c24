// Package source streams rows out of the monolith database. The source is
// strictly read-only; nothing here mutates it.
package source

import (
	"context"
	"database/sql"
	"fmt"

	"db-carve/internal/dialect"
	"db-carve/internal/schema"
)

// Row is one extracted record: values aligned to the table's declared
// column order, tagged with its primary-key value. Rows are transient; they
// flow extractor → mapper → writer and are not retained.
type Row struct {
	Key    any
	Values []any
}

// Batch is one fixed-size page of rows. LastKey is the watermark a resumed
// run restarts after; it is nil when the table has no usable key.
type Batch struct {
	Rows    []Row
	LastKey any
}

// Extractor produces a lazy, restartable sequence of rows for one table,
// read in ascending primary-key order in fixed-size batches.
type Extractor struct {
	db        *sql.DB
	d         dialect.Dialect
	table     *schema.Table
	batchSize int
}

func New(db *sql.DB, d dialect.Dialect, table *schema.Table, batchSize int) *Extractor {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Extractor{db: db, d: d, table: table, batchSize: batchSize}
}

// Resumable reports whether the table carries a single-column primary key
// and therefore a well-defined watermark. Tables without one fall back to a
// single unordered scan: re-runs stay convergent through the writer's
// idempotent upserts, but mid-table resumption is best effort only.
func (e *Extractor) Resumable() bool {
	return e.table.PKColumn() != nil
}

// Count returns the table's total row count.
func (e *Extractor) Count(ctx context.Context) (int64, error) {
	var n int64
	q := fmt.Sprintf("SELECT COUNT(*) FROM %s", e.d.QuoteIdent(e.table.Name))
	if err := e.db.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", e.table.Name, err)
	}
	return n, nil
}

// Stream reads rows after the afterKey watermark (nil meaning from the
// start) and hands them to fn batch by batch. A fn error or context
// cancellation stops the stream; the watermark of the last delivered batch
// remains the valid resumption point.
func (e *Extractor) Stream(ctx context.Context, afterKey any, fn func(Batch) error) error {
	if !e.Resumable() {
		return e.streamAll(ctx, fn)
	}
	pk := e.table.PKColumn()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		base := fmt.Sprintf("SELECT %s FROM %s",
			dialect.QuoteAll(e.table.ColumnNames(), e.d.QuoteIdent),
			e.d.QuoteIdent(e.table.Name))
		var args []any
		if afterKey != nil {
			base += fmt.Sprintf(" WHERE %s > %s", e.d.QuoteIdent(pk.Name), e.d.Placeholder(0))
			args = append(args, afterKey)
		}
		base += fmt.Sprintf(" ORDER BY %s", e.d.QuoteIdent(pk.Name))
		query := e.d.GetLimitRowQuery(base, e.batchSize)

		batch, err := e.readBatch(ctx, query, args)
		if err != nil {
			return err
		}
		if len(batch.Rows) == 0 {
			return nil
		}
		if err := fn(batch); err != nil {
			return err
		}
		if len(batch.Rows) < e.batchSize {
			return nil
		}
		afterKey = batch.LastKey
	}
}

// streamAll is the no-watermark fallback: one pass over the table, chunked
// into batches with a nil LastKey.
func (e *Extractor) streamAll(ctx context.Context, fn func(Batch) error) error {
	query := fmt.Sprintf("SELECT %s FROM %s",
		dialect.QuoteAll(e.table.ColumnNames(), e.d.QuoteIdent),
		e.d.QuoteIdent(e.table.Name))

	rows, err := e.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to scan %s: %w", e.table.Name, err)
	}
	defer rows.Close()

	batch := Batch{}
	for rows.Next() {
		row, err := e.scanRow(rows, -1)
		if err != nil {
			return err
		}
		batch.Rows = append(batch.Rows, row)
		if len(batch.Rows) >= e.batchSize {
			if err := fn(batch); err != nil {
				return err
			}
			batch = Batch{}
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating %s: %w", e.table.Name, err)
	}
	if len(batch.Rows) > 0 {
		return fn(batch)
	}
	return nil
}

func (e *Extractor) readBatch(ctx context.Context, query string, args []any) (Batch, error) {
	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Batch{}, fmt.Errorf("failed to read batch from %s: %w", e.table.Name, err)
	}
	defer rows.Close()

	pkIdx := e.pkIndex()
	batch := Batch{}
	for rows.Next() {
		row, err := e.scanRow(rows, pkIdx)
		if err != nil {
			return Batch{}, err
		}
		batch.Rows = append(batch.Rows, row)
		batch.LastKey = row.Key
	}
	if err := rows.Err(); err != nil {
		return Batch{}, fmt.Errorf("error iterating %s: %w", e.table.Name, err)
	}
	return batch, nil
}

func (e *Extractor) scanRow(rows *sql.Rows, pkIdx int) (Row, error) {
	values := make([]any, len(e.table.Columns))
	ptrs := make([]any, len(values))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return Row{}, fmt.Errorf("failed to scan row from %s: %w", e.table.Name, err)
	}
	row := Row{Values: values}
	if pkIdx >= 0 {
		row.Key = values[pkIdx]
	}
	return row, nil
}

func (e *Extractor) pkIndex() int {
	pk := e.table.PKColumn()
	if pk == nil {
		return -1
	}
	for i, c := range e.table.Columns {
		if c.Name == pk.Name {
			return i
		}
	}
	return -1
}
