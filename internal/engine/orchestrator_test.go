package engine_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"db-carve/internal/dialect"
	"db-carve/internal/engine"
	"db-carve/internal/router"
	"db-carve/internal/schema"
	"db-carve/internal/target"
)

type testEnv struct {
	srcDB     *sql.DB
	srcD      dialect.Dialect
	plan      *router.Plan
	writers   map[string]*target.Writer
	targetDBs map[string]*sql.DB
	statePath string
}

func openSQLite(t *testing.T, dir, name string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(dir, name))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// newTestEnv provisions a small monolith (teachers ← courses ← enrollments)
// and two empty targets, with courses and teachers bound to "academic" and
// enrollments to "activity" so the enrollments unit crosses targets.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	src := openSQLite(t, dir, "monolith.db")

	for _, ddl := range []string{
		`CREATE TABLE teachers (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`,
		`CREATE TABLE courses (
			id INTEGER PRIMARY KEY, title VARCHAR(80) NOT NULL,
			teacher_id INTEGER, FOREIGN KEY (teacher_id) REFERENCES teachers (id))`,
		`CREATE TABLE enrollments (
			id INTEGER PRIMARY KEY, course_id INTEGER, note TEXT,
			FOREIGN KEY (course_id) REFERENCES courses (id))`,
		`INSERT INTO teachers VALUES (1, 'Turing'), (2, 'Hopper')`,
		`INSERT INTO courses VALUES (1, 'Algebra', 1), (2, 'Biology', 2), (3, 'Chemistry', 1)`,
		`INSERT INTO enrollments VALUES (1, 1, 'ok'), (2, 1, ''), (3, 2, 'late'), (4, 3, NULL), (5, 2, 'ok')`,
	} {
		_, err := src.Exec(ddl)
		require.NoError(t, err)
	}

	d := dialect.GetDialect("sqlite")
	tables, err := schema.Analyze(src, d, "")
	require.NoError(t, err)

	assignments := map[string]string{
		"teachers":    "academic",
		"courses":     "academic",
		"enrollments": "activity",
	}
	plan, err := router.BuildPlan(tables, assignments, router.Options{})
	require.NoError(t, err)

	academic := openSQLite(t, dir, "academic.db")
	activity := openSQLite(t, dir, "activity.db")
	return &testEnv{
		srcDB: src,
		srcD:  d,
		plan:  plan,
		writers: map[string]*target.Writer{
			"academic": target.NewWriter("academic", academic, d),
			"activity": target.NewWriter("activity", activity, d),
		},
		targetDBs: map[string]*sql.DB{"academic": academic, "activity": activity},
		statePath: filepath.Join(dir, "state.json"),
	}
}

func (e *testEnv) run(t *testing.T, batchSize int) *engine.Report {
	t.Helper()
	state, err := engine.OpenStateStore(e.statePath)
	require.NoError(t, err)
	orch := &engine.Orchestrator{
		Plan:          e.plan,
		Source:        e.srcDB,
		SourceDialect: e.srcD,
		Writers:       e.writers,
		State:         state,
		BatchSize:     batchSize,
		MaxRetries:    1,
		Workers:       2,
		Log:           zerolog.Nop(),
	}
	report, err := orch.Run(context.Background())
	require.NoError(t, err)
	return report
}

func tableCount(t *testing.T, db *sql.DB, table string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM "`+table+`"`).Scan(&n))
	return n
}

func TestRunMigratesEverything(t *testing.T) {
	env := newTestEnv(t)
	report := env.run(t, 2)

	require.True(t, report.Ok(), "report: %+v", report.Units)
	require.Len(t, report.Units, 3)
	for _, u := range report.Units {
		assert.Equal(t, engine.StatusCompleted, u.Status, u.Table)
		assert.Equal(t, u.RowsExpected, u.RowsMigrated, u.Table)
	}

	assert.Equal(t, int64(2), tableCount(t, env.targetDBs["academic"], "teachers"))
	assert.Equal(t, int64(3), tableCount(t, env.targetDBs["academic"], "courses"))
	assert.Equal(t, int64(5), tableCount(t, env.targetDBs["activity"], "enrollments"))

	// the empty-string note on a nullable column was substituted with NULL
	for _, u := range report.Units {
		if u.Table == "enrollments" {
			assert.Equal(t, int64(1), u.Substituted)
		}
	}
	var nulls int64
	require.NoError(t, env.targetDBs["activity"].QueryRow(
		`SELECT COUNT(*) FROM enrollments WHERE note IS NULL`).Scan(&nulls))
	assert.Equal(t, int64(2), nulls)
}

func TestRunReportFollowsDependencyOrder(t *testing.T) {
	env := newTestEnv(t)
	report := env.run(t, 10)

	pos := map[string]int{}
	for i, u := range report.Units {
		pos[u.Table] = i
	}
	assert.Less(t, pos["teachers"], pos["courses"])
	assert.Less(t, pos["courses"], pos["enrollments"])
}

func TestRunIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	first := env.run(t, 2)
	require.True(t, first.Ok())

	// a second run over the same state file re-migrates nothing and ends
	// with the same row counts
	second := env.run(t, 2)
	require.True(t, second.Ok())
	assert.NotEqual(t, first.RunID, second.RunID)

	assert.Equal(t, int64(2), tableCount(t, env.targetDBs["academic"], "teachers"))
	assert.Equal(t, int64(3), tableCount(t, env.targetDBs["academic"], "courses"))
	assert.Equal(t, int64(5), tableCount(t, env.targetDBs["activity"], "enrollments"))
}

func TestRunReRunConvergesWithoutState(t *testing.T) {
	env := newTestEnv(t)
	require.True(t, env.run(t, 2).Ok())

	// even with the state file gone, upserts keep the re-run convergent
	env.statePath = filepath.Join(t.TempDir(), "fresh.json")
	require.True(t, env.run(t, 2).Ok())

	assert.Equal(t, int64(2), tableCount(t, env.targetDBs["academic"], "teachers"))
	assert.Equal(t, int64(5), tableCount(t, env.targetDBs["activity"], "enrollments"))
}

func TestRunResumesAfterInterruption(t *testing.T) {
	env := newTestEnv(t)

	// cancel the run once the second enrollments batch has committed; the
	// checkpointed watermark must carry the next run past the rows already
	// applied instead of restarting the table
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var mu sync.Mutex
	committed := 0

	state, err := engine.OpenStateStore(env.statePath)
	require.NoError(t, err)
	orch := &engine.Orchestrator{
		Plan:          env.plan,
		Source:        env.srcDB,
		SourceDialect: env.srcD,
		Writers:       env.writers,
		State:         state,
		BatchSize:     1,
		MaxRetries:    1,
		Workers:       2,
		Log:           zerolog.Nop(),
		OnBatch: func(table string, rows int) {
			mu.Lock()
			defer mu.Unlock()
			if table == "enrollments" {
				committed++
				if committed == 2 {
					cancel()
				}
			}
		},
	}
	first, err := orch.Run(ctx)
	require.NoError(t, err)
	require.False(t, first.Ok())

	var interrupted engine.UnitReport
	for _, u := range first.Units {
		if u.Table == "enrollments" {
			interrupted = u
		}
	}
	assert.Equal(t, engine.StatusPending, interrupted.Status)
	assert.Equal(t, int64(2), interrupted.RowsMigrated)

	// resume against the same state file
	second := env.run(t, 1)
	require.True(t, second.Ok())
	for _, u := range second.Units {
		if u.Table == "enrollments" {
			assert.Equal(t, engine.StatusCompleted, u.Status)
			assert.Equal(t, int64(5), u.RowsMigrated, "resumed past the watermark without re-migrating")
			assert.Equal(t, int64(1), u.Substituted, "substitutions before the interrupt are not recounted")
		}
	}
	assert.Equal(t, int64(5), tableCount(t, env.targetDBs["activity"], "enrollments"))
	var nulls int64
	require.NoError(t, env.targetDBs["activity"].QueryRow(
		`SELECT COUNT(*) FROM enrollments WHERE note IS NULL`).Scan(&nulls))
	assert.Equal(t, int64(2), nulls)
}

func TestRunCheckpointsConcurrentTargets(t *testing.T) {
	dir := t.TempDir()
	src := openSQLite(t, dir, "monolith.db")
	for _, ddl := range []string{
		`CREATE TABLE alpha (id INTEGER PRIMARY KEY, v TEXT)`,
		`CREATE TABLE beta (id INTEGER PRIMARY KEY, v TEXT)`,
	} {
		_, err := src.Exec(ddl)
		require.NoError(t, err)
	}
	for i := 1; i <= 20; i++ {
		_, err := src.Exec(`INSERT INTO alpha VALUES (?, 'a')`, i)
		require.NoError(t, err)
		_, err = src.Exec(`INSERT INTO beta VALUES (?, 'b')`, i)
		require.NoError(t, err)
	}

	d := dialect.GetDialect("sqlite")
	tables, err := schema.Analyze(src, d, "")
	require.NoError(t, err)
	assignments := map[string]string{"alpha": "a", "beta": "b"}
	plan, err := router.BuildPlan(tables, assignments, router.Options{})
	require.NoError(t, err)

	statePath := filepath.Join(dir, "state.json")
	state, err := engine.OpenStateStore(statePath)
	require.NoError(t, err)
	orch := &engine.Orchestrator{
		Plan:          plan,
		Source:        src,
		SourceDialect: d,
		Writers: map[string]*target.Writer{
			"a": target.NewWriter("a", openSQLite(t, dir, "a.db"), d),
			"b": target.NewWriter("b", openSQLite(t, dir, "b.db"), d),
		},
		State:      state,
		BatchSize:  1,
		MaxRetries: 1,
		Workers:    2,
		Log:        zerolog.Nop(),
	}
	report, err := orch.Run(context.Background())
	require.NoError(t, err)
	require.True(t, report.Ok())

	// two independent units checkpoint after every single-row batch while
	// running in parallel; the surviving state file must still be one
	// coherent document with both units fully accounted for
	reloaded, err := engine.OpenStateStore(statePath)
	require.NoError(t, err)
	for tbl, tgt := range assignments {
		u := reloaded.Unit(tbl, tgt)
		assert.Equal(t, engine.StatusCompleted, u.Status, tbl)
		assert.Equal(t, int64(20), u.RowsMigrated, tbl)
	}
}

func TestRunAbandonsUnitOnUnmappableValue(t *testing.T) {
	dir := t.TempDir()
	src := openSQLite(t, dir, "monolith.db")
	_, err := src.Exec(`CREATE TABLE events (id INTEGER PRIMARY KEY, happened_at DATETIME)`)
	require.NoError(t, err)
	_, err = src.Exec(`INSERT INTO events VALUES (1, 'whenever')`)
	require.NoError(t, err)

	d := dialect.GetDialect("sqlite")
	tables, err := schema.Analyze(src, d, "")
	require.NoError(t, err)
	plan, err := router.BuildPlan(tables, map[string]string{"events": "a"}, router.Options{})
	require.NoError(t, err)

	state, err := engine.OpenStateStore("")
	require.NoError(t, err)
	orch := &engine.Orchestrator{
		Plan:          plan,
		Source:        src,
		SourceDialect: d,
		Writers:       map[string]*target.Writer{"a": target.NewWriter("a", openSQLite(t, dir, "a.db"), d)},
		State:         state,
		BatchSize:     10,
		MaxRetries:    3,
		Log:           zerolog.Nop(),
	}
	report, err := orch.Run(context.Background())
	require.NoError(t, err)

	require.False(t, report.Ok())
	require.Len(t, report.Units, 1)
	u := report.Units[0]
	assert.Equal(t, engine.StatusAbandoned, u.Status)
	assert.Contains(t, u.Error, "happened_at")
	// data errors are not retried
	assert.Equal(t, 0, u.Attempts)
}

func TestRunRetriesThenAbandonsAndCascades(t *testing.T) {
	dir := t.TempDir()
	src := openSQLite(t, dir, "monolith.db")
	for _, ddl := range []string{
		`CREATE TABLE parents (id INTEGER PRIMARY KEY, name TEXT)`,
		`CREATE TABLE children (
			id INTEGER PRIMARY KEY, parent_id INTEGER,
			FOREIGN KEY (parent_id) REFERENCES parents (id))`,
		`INSERT INTO parents VALUES (1, 'p')`,
		`INSERT INTO children VALUES (1, 1)`,
	} {
		_, err := src.Exec(ddl)
		require.NoError(t, err)
	}

	d := dialect.GetDialect("sqlite")
	tables, err := schema.Analyze(src, d, "")
	require.NoError(t, err)
	plan, err := router.BuildPlan(tables, map[string]string{"parents": "a", "children": "a"}, router.Options{})
	require.NoError(t, err)

	// pre-provision parents with a schema the upsert cannot satisfy, so
	// every batch fails the same way
	tgt := openSQLite(t, dir, "a.db")
	_, err = tgt.Exec(`CREATE TABLE parents (id INTEGER PRIMARY KEY)`)
	require.NoError(t, err)

	state, err := engine.OpenStateStore("")
	require.NoError(t, err)
	orch := &engine.Orchestrator{
		Plan:          plan,
		Source:        src,
		SourceDialect: d,
		Writers:       map[string]*target.Writer{"a": target.NewWriter("a", tgt, d)},
		State:         state,
		BatchSize:     10,
		MaxRetries:    1,
		RetryBackoff:  1,
		Log:           zerolog.Nop(),
	}
	report, err := orch.Run(context.Background())
	require.NoError(t, err)
	require.False(t, report.Ok())

	byTable := map[string]engine.UnitReport{}
	for _, u := range report.Units {
		byTable[u.Table] = u
	}

	parents := byTable["parents"]
	assert.Equal(t, engine.StatusAbandoned, parents.Status)
	assert.Equal(t, 2, parents.Attempts, "one initial attempt plus one retry")

	children := byTable["children"]
	assert.Equal(t, engine.StatusAbandoned, children.Status)
	assert.Contains(t, children.Error, "parents")
	assert.Equal(t, int64(0), children.RowsMigrated, "dependents of a failed unit never start")
}

func TestRunCrossTargetBarrier(t *testing.T) {
	env := newTestEnv(t)

	// enrollments lives on a different target than courses; its first batch
	// must not be committed before the last courses batch, even with two
	// workers free to run both targets concurrently
	var mu sync.Mutex
	var order []string

	state, err := engine.OpenStateStore(env.statePath)
	require.NoError(t, err)
	orch := &engine.Orchestrator{
		Plan:          env.plan,
		Source:        env.srcDB,
		SourceDialect: env.srcD,
		Writers:       env.writers,
		State:         state,
		BatchSize:     1,
		MaxRetries:    1,
		Workers:       2,
		Log:           zerolog.Nop(),
		OnBatch: func(table string, rows int) {
			mu.Lock()
			order = append(order, table)
			mu.Unlock()
		},
	}
	report, err := orch.Run(context.Background())
	require.NoError(t, err)
	require.True(t, report.Ok())

	lastCourses, firstEnrollments := -1, -1
	for i, tbl := range order {
		if tbl == "courses" {
			lastCourses = i
		}
		if tbl == "enrollments" && firstEnrollments == -1 {
			firstEnrollments = i
		}
	}
	require.NotEqual(t, -1, lastCourses)
	require.NotEqual(t, -1, firstEnrollments)
	assert.Greater(t, firstEnrollments, lastCourses)
}

func TestRunFailsRevalidationOnDanglingReference(t *testing.T) {
	env := newTestEnv(t)

	// break referential integrity inside the source itself: sqlite only
	// enforces FKs when asked, so the dangling row migrates cleanly and
	// must be caught by post-load revalidation
	_, err := env.srcDB.Exec(`INSERT INTO courses VALUES (4, 'Drama', 99)`)
	require.NoError(t, err)

	report := env.run(t, 10)
	require.False(t, report.Ok())

	for _, u := range report.Units {
		if u.Table == "courses" {
			assert.Equal(t, engine.StatusFailed, u.Status)
			assert.Contains(t, u.Error, "integrity violation")
		}
	}
}
