package target_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"db-carve/internal/dialect"
	"db-carve/internal/schema"
	"db-carve/internal/target"
	"db-carve/internal/typemap"
)

func newTestWriter(t *testing.T) *target.Writer {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "tgt.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return target.NewWriter("shard-a", db, dialect.GetDialect("sqlite"))
}

func coursesTable() (*schema.Table, *typemap.Mapping) {
	tbl := &schema.Table{
		Name: "courses",
		Columns: []*schema.Column{
			{Name: "id", DataType: "INTEGER", IsPK: true},
			{Name: "title", DataType: "VARCHAR(80)"},
			{Name: "teacher_id", DataType: "INTEGER", IsNullable: true},
		},
		ForeignKeys: []*schema.ForeignKey{
			{Column: "teacher_id", RefTable: "teachers", RefColumn: "id"},
		},
		Dependencies: []string{"teachers"},
	}
	m, err := typemap.ValidateTable(tbl.Name, tbl.ColumnSpecs())
	if err != nil {
		panic(err)
	}
	return tbl, m
}

func TestEnsureTableAndApply(t *testing.T) {
	w := newTestWriter(t)
	tbl, m := coursesTable()
	ctx := context.Background()

	require.NoError(t, w.EnsureTable(ctx, tbl, m))
	// second call is a no-op on an existing table
	require.NoError(t, w.EnsureTable(ctx, tbl, m))

	rows := [][]any{
		{int64(1), "Algebra", int64(10)},
		{int64(2), "Biology", nil},
		{int64(3), "Chemistry", int64(11)},
	}
	written, err := w.Apply(ctx, tbl, rows)
	require.NoError(t, err)
	assert.Equal(t, int64(3), written)

	n, err := w.Count(ctx, "courses")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestApplyIsIdempotent(t *testing.T) {
	w := newTestWriter(t)
	tbl, m := coursesTable()
	ctx := context.Background()
	require.NoError(t, w.EnsureTable(ctx, tbl, m))

	rows := [][]any{
		{int64(1), "Algebra", int64(10)},
		{int64(2), "Biology", nil},
	}
	_, err := w.Apply(ctx, tbl, rows)
	require.NoError(t, err)

	// re-applying the same batch converges: nothing new is written
	written, err := w.Apply(ctx, tbl, rows)
	require.NoError(t, err)
	assert.Equal(t, int64(0), written)

	n, err := w.Count(ctx, "courses")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestApplyBatchIsAtomic(t *testing.T) {
	w := newTestWriter(t)
	tbl, m := coursesTable()
	ctx := context.Background()
	require.NoError(t, w.EnsureTable(ctx, tbl, m))

	// the second row carries a value no driver can bind, so the statement
	// fails mid-batch; the first row must not survive
	rows := [][]any{
		{int64(1), "Algebra", int64(10)},
		{int64(2), struct{ X int }{1}, nil},
	}
	_, err := w.Apply(ctx, tbl, rows)
	var bae *target.BatchApplyError
	require.ErrorAs(t, err, &bae)
	assert.Equal(t, "shard-a", bae.Target)
	assert.Equal(t, "courses", bae.Table)

	n, err := w.Count(ctx, "courses")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "failed batch must roll back completely")
}

func TestApplyEmptyBatch(t *testing.T) {
	w := newTestWriter(t)
	tbl, _ := coursesTable()
	written, err := w.Apply(context.Background(), tbl, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), written)
}

func TestRevalidateFindsOrphans(t *testing.T) {
	w := newTestWriter(t)
	ctx := context.Background()

	teachers := &schema.Table{
		Name: "teachers",
		Columns: []*schema.Column{
			{Name: "id", DataType: "INTEGER", IsPK: true},
			{Name: "name", DataType: "TEXT", IsNullable: true},
		},
	}
	tm, err := typemap.ValidateTable(teachers.Name, teachers.ColumnSpecs())
	require.NoError(t, err)
	courses, cm := coursesTable()

	require.NoError(t, w.EnsureTable(ctx, teachers, tm))
	require.NoError(t, w.EnsureTable(ctx, courses, cm))

	_, err = w.Apply(ctx, teachers, [][]any{{int64(10), "Turing"}})
	require.NoError(t, err)
	_, err = w.Apply(ctx, courses, [][]any{
		{int64(1), "Algebra", int64(10)}, // valid reference
		{int64(2), "Biology", nil},       // NULL reference is fine
		{int64(3), "Chemistry", int64(99)}, // dangling
	})
	require.NoError(t, err)

	owned := map[string]bool{"teachers": true, "courses": true}
	err = w.Revalidate(ctx, courses, owned)
	var ive *target.IntegrityViolationError
	require.ErrorAs(t, err, &ive)
	assert.Equal(t, "courses", ive.Table)
	assert.Equal(t, "teacher_id", ive.Column)
	assert.Equal(t, "teachers", ive.RefTable)
	require.Len(t, ive.SampleKeys, 1)
}

func TestRevalidateSkipsCrossTargetReferences(t *testing.T) {
	w := newTestWriter(t)
	ctx := context.Background()
	courses, cm := coursesTable()
	require.NoError(t, w.EnsureTable(ctx, courses, cm))

	_, err := w.Apply(ctx, courses, [][]any{{int64(1), "Algebra", int64(10)}})
	require.NoError(t, err)

	// teachers lives on another target; its absence here is not a violation
	owned := map[string]bool{"courses": true}
	assert.NoError(t, w.Revalidate(ctx, courses, owned))
}

func TestRevalidateCleanTablePasses(t *testing.T) {
	w := newTestWriter(t)
	ctx := context.Background()

	teachers := &schema.Table{
		Name: "teachers",
		Columns: []*schema.Column{
			{Name: "id", DataType: "INTEGER", IsPK: true},
			{Name: "name", DataType: "TEXT", IsNullable: true},
		},
	}
	tm, err := typemap.ValidateTable(teachers.Name, teachers.ColumnSpecs())
	require.NoError(t, err)
	courses, cm := coursesTable()

	require.NoError(t, w.EnsureTable(ctx, teachers, tm))
	require.NoError(t, w.EnsureTable(ctx, courses, cm))
	_, err = w.Apply(ctx, teachers, [][]any{{int64(10), "Turing"}})
	require.NoError(t, err)
	_, err = w.Apply(ctx, courses, [][]any{{int64(1), "Algebra", int64(10)}})
	require.NoError(t, err)

	owned := map[string]bool{"teachers": true, "courses": true}
	assert.NoError(t, w.Revalidate(ctx, courses, owned))
}
