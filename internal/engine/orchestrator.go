// Package engine sequences migration units across targets: dependency
// barriers, bounded parallelism, per-batch checkpointing, bounded retries.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"db-carve/internal/dialect"
	"db-carve/internal/router"
	"db-carve/internal/source"
	"db-carve/internal/target"
	"db-carve/internal/typemap"
)

// Orchestrator drives Extractor → Mapper → Writer for every unit of a plan.
// Units whose dependencies are completed and whose targets are idle run
// concurrently; units sharing a target are serialized so batch commit order
// per target stays auditable.
type Orchestrator struct {
	Plan          *router.Plan
	Source        *sql.DB
	SourceDialect dialect.Dialect
	Writers       map[string]*target.Writer
	State         *StateStore

	BatchSize    int
	MaxRetries   int
	Workers      int
	BatchTimeout time.Duration
	RetryBackoff time.Duration

	Log     zerolog.Logger
	OnBatch func(table string, rows int) // progress callback, may be nil

	mu         sync.Mutex
	cond       *sync.Cond
	targetBusy map[string]bool
	runs       []*unitRun
}

type unitRun struct {
	unit *router.Unit
	st   *UnitState
}

// Run executes the whole plan and returns the run report. The returned
// error covers only infrastructure failures (unreachable targets, broken
// state file); per-unit failures are reported through the report's unit
// states, and the report knows whether the run as a whole succeeded.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 500 * time.Millisecond
	}
	o.cond = sync.NewCond(&o.mu)
	o.targetBusy = map[string]bool{}

	runID := uuid.NewString()
	started := time.Now()
	o.State.SetRunID(runID)

	for _, u := range o.Plan.Units {
		o.runs = append(o.runs, &unitRun{unit: u, st: o.State.Unit(u.Table.Name, u.Target)})
	}

	for _, name := range o.Plan.Targets() {
		w, ok := o.Writers[name]
		if !ok {
			return nil, fmt.Errorf("no writer configured for target %s", name)
		}
		if err := w.Ping(ctx); err != nil {
			return nil, err
		}
		if err := w.BeforeLoad(); err != nil {
			o.Log.Warn().Str("target", name).Err(err).Msg("before-load hook failed")
		}
	}
	if err := o.State.Save(); err != nil {
		return nil, err
	}

	// Wake blocked workers when the run is cancelled.
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go func() {
		<-watchCtx.Done()
		o.cond.Broadcast()
	}()

	workers := o.Workers
	if n := len(o.runs); n < workers {
		workers = n
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				ur := o.next(ctx)
				if ur == nil {
					return
				}
				o.runUnit(ctx, ur)
				o.release(ur)
			}
		}()
	}
	wg.Wait()

	if ctx.Err() == nil {
		o.revalidate(ctx)
	}

	for _, name := range o.Plan.Targets() {
		if err := o.Writers[name].AfterLoad(); err != nil {
			o.Log.Warn().Str("target", name).Err(err).Msg("after-load hook failed")
		}
	}
	if err := o.State.Save(); err != nil {
		return nil, err
	}

	return o.buildReport(runID, started), nil
}

// next blocks until a unit is eligible: pending, all dependencies
// completed, target idle. Returns nil once every unit is terminal or the
// run is cancelled. Units behind an abandoned dependency are abandoned here
// rather than left pending forever; units not depending on the failure keep
// running (no cascade beyond the dependency chain).
func (o *Orchestrator) next(ctx context.Context) *unitRun {
	o.mu.Lock()
	defer o.mu.Unlock()
	for {
		if ctx.Err() != nil {
			return nil
		}
		allTerminal := true
		progressed := false
		for _, ur := range o.runs {
			if ur.st.Status.Terminal() {
				continue
			}
			allTerminal = false
			if ur.st.Status != StatusPending {
				continue
			}
			blocked, dead := o.depState(ur)
			if dead != "" {
				o.State.Update(func() {
					ur.st.Status = StatusAbandoned
					ur.st.Error = fmt.Sprintf("dependency %s was not migrated", dead)
				})
				o.Log.Error().Str("table", ur.unit.Table.Name).Str("dependency", dead).Msg("unit abandoned, dependency missing")
				progressed = true
				continue
			}
			if blocked || o.targetBusy[ur.unit.Target] {
				continue
			}
			o.State.Update(func() { ur.st.Status = StatusInProgress })
			o.targetBusy[ur.unit.Target] = true
			return ur
		}
		if allTerminal {
			o.cond.Broadcast()
			return nil
		}
		if progressed {
			continue
		}
		o.cond.Wait()
	}
}

// depState reports whether the unit is still waiting on a dependency, and
// names a dependency that terminally failed, if any.
func (o *Orchestrator) depState(ur *unitRun) (blocked bool, dead string) {
	for _, dep := range ur.unit.DependsOn {
		du := o.Plan.Unit(dep)
		if du == nil {
			continue
		}
		ds := o.State.Unit(dep, du.Target)
		switch ds.Status {
		case StatusCompleted:
		case StatusAbandoned:
			return false, dep
		default:
			blocked = true
		}
	}
	return blocked, ""
}

func (o *Orchestrator) release(ur *unitRun) {
	o.mu.Lock()
	o.targetBusy[ur.unit.Target] = false
	o.cond.Broadcast()
	o.mu.Unlock()
}

func (o *Orchestrator) runUnit(ctx context.Context, ur *unitRun) {
	u := ur.unit
	st := ur.st
	log := o.Log.With().Str("table", u.Table.Name).Str("target", u.Target).Logger()

	o.State.Update(func() {
		if st.StartedAt.IsZero() {
			st.StartedAt = time.Now()
		}
	})
	o.checkpoint()

	ext := source.New(o.Source, o.SourceDialect, u.Table, o.BatchSize)
	w := o.Writers[u.Target]

	expected, err := ext.Count(ctx)
	if err != nil {
		o.finishUnit(st, StatusAbandoned, err, log)
		return
	}
	o.State.Update(func() { st.RowsExpected = expected })

	if err := w.EnsureTable(ctx, u.Table, u.Mapping); err != nil {
		o.finishUnit(st, StatusAbandoned, err, log)
		return
	}

	log.Info().Int64("rows", expected).Str("watermark", fmt.Sprintf("%v", st.Watermark.Value())).Msg("unit started")

	for {
		err := o.transfer(ctx, ur, ext, w)
		if err == nil {
			o.State.Update(func() { st.CompletedAt = time.Now() })
			o.finishUnit(st, StatusCompleted, nil, log)
			return
		}
		if ctx.Err() != nil {
			// Run-level cancellation: stop issuing batches, keep the last
			// committed watermark so the next run resumes cleanly.
			o.setStatus(st, StatusPending)
			o.checkpoint()
			log.Warn().Msg("unit interrupted, watermark preserved")
			return
		}

		var unmappable *typemap.UnmappableValueError
		var unsupported *typemap.UnsupportedTypeError
		if errors.As(err, &unmappable) || errors.As(err, &unsupported) {
			// Data errors do not heal on retry.
			o.finishUnit(st, StatusAbandoned, err, log)
			return
		}

		o.State.Update(func() { st.Attempts++ })
		if st.Attempts > o.MaxRetries {
			o.finishUnit(st, StatusAbandoned, fmt.Errorf("retries exhausted: %w", err), log)
			return
		}
		o.setStatus(st, StatusFailed)
		o.State.Update(func() { st.Error = err.Error() })
		o.checkpoint()
		log.Warn().Err(err).Int("attempt", st.Attempts).Msg("batch failed, retrying")

		backoff := time.Duration(st.Attempts) * o.RetryBackoff
		select {
		case <-ctx.Done():
			o.setStatus(st, StatusPending)
			o.checkpoint()
			return
		case <-time.After(backoff):
		}
		o.setStatus(st, StatusInProgress)
	}
}

// transfer streams rows from the unit's watermark, coerces them, applies
// them batch by batch and checkpoints after every commit. Batches commit in
// ascending primary-key order, so the watermark is always a valid
// resumption point.
func (o *Orchestrator) transfer(ctx context.Context, ur *unitRun, ext *source.Extractor, w *target.Writer) error {
	u := ur.unit
	st := ur.st

	afterKey := st.Watermark.Value()
	if afterKey == nil {
		// Fresh start, or a non-resumable table restarting from scratch;
		// idempotent upserts keep the re-run convergent either way.
		o.State.Update(func() {
			st.RowsMigrated = 0
			st.Substituted = 0
		})
	}

	return ext.Stream(ctx, afterKey, func(b source.Batch) error {
		rows := make([][]any, len(b.Rows))
		var subs int64
		for i, r := range b.Rows {
			coerced, n, err := u.Mapping.CoerceRow(r.Values)
			if err != nil {
				return err
			}
			rows[i] = coerced
			subs += int64(n)
		}

		applyCtx := ctx
		if o.BatchTimeout > 0 {
			var cancel context.CancelFunc
			applyCtx, cancel = context.WithTimeout(ctx, o.BatchTimeout)
			defer cancel()
		}
		if _, err := w.Apply(applyCtx, u.Table, rows); err != nil {
			return err
		}

		o.State.Update(func() {
			st.RowsMigrated += int64(len(b.Rows))
			st.Substituted += subs
			if b.LastKey != nil {
				st.Watermark = NewWatermark(b.LastKey)
			}
		})
		o.checkpoint()
		if o.OnBatch != nil {
			o.OnBatch(u.Table.Name, len(b.Rows))
		}
		return nil
	})
}

// revalidate runs the intra-target integrity check for every target whose
// units all completed. A violation flips the offending unit to failed; it
// is reported, never auto-corrected.
func (o *Orchestrator) revalidate(ctx context.Context) {
	byTarget := map[string][]*unitRun{}
	for _, ur := range o.runs {
		byTarget[ur.unit.Target] = append(byTarget[ur.unit.Target], ur)
	}
	for name, runs := range byTarget {
		owned := map[string]bool{}
		done := true
		for _, ur := range runs {
			owned[ur.unit.Table.Name] = true
			if ur.st.Status != StatusCompleted {
				done = false
			}
		}
		if !done {
			continue
		}
		w := o.Writers[name]
		for _, ur := range runs {
			if err := w.Revalidate(ctx, ur.unit.Table, owned); err != nil {
				o.setStatus(ur.st, StatusFailed)
				o.State.Update(func() { ur.st.Error = err.Error() })
				o.Log.Error().Str("table", ur.unit.Table.Name).Err(err).Msg("integrity revalidation failed")
			}
		}
	}
}

func (o *Orchestrator) finishUnit(st *UnitState, status Status, err error, log zerolog.Logger) {
	o.setStatus(st, status)
	if err != nil {
		o.State.Update(func() { st.Error = err.Error() })
		log.Error().Err(err).Str("status", string(status)).Msg("unit finished")
	} else {
		o.State.Update(func() { st.Error = "" })
		log.Info().Int64("rows", st.RowsMigrated).Msg("unit completed")
	}
	o.checkpoint()
}

// setStatus flips a status under both locks: the scheduler lock because
// workers read other units' statuses when resolving dependencies, and the
// store lock (via Update) because checkpoints serialize every unit. Lock
// order is always scheduler first, store second.
func (o *Orchestrator) setStatus(st *UnitState, status Status) {
	o.mu.Lock()
	o.State.Update(func() { st.Status = status })
	o.cond.Broadcast()
	o.mu.Unlock()
}

func (o *Orchestrator) checkpoint() {
	if err := o.State.Save(); err != nil {
		o.Log.Error().Err(err).Msg("failed to checkpoint state")
	}
}
