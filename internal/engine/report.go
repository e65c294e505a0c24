package engine

import (
	"time"

	"db-carve/internal/verify"
)

// UnitReport is the per-table outcome of a run.
type UnitReport struct {
	Table        string        `json:"table"`
	Target       string        `json:"target"`
	Status       Status        `json:"status"`
	RowsExpected int64         `json:"rows_expected"`
	RowsMigrated int64         `json:"rows_migrated"`
	Substituted  int64         `json:"substituted,omitempty"`
	Attempts     int           `json:"attempts"`
	Elapsed      time.Duration `json:"elapsed,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// Report is the final accounting of one run: every unit's outcome, the
// tables the router excluded, and (when requested) the post-hoc
// verification results.
type Report struct {
	RunID        string              `json:"run_id"`
	StartedAt    time.Time           `json:"started_at"`
	FinishedAt   time.Time           `json:"finished_at"`
	Units        []UnitReport        `json:"units"`
	Skipped      []string            `json:"skipped,omitempty"`
	Verification []verify.TableCheck `json:"verification,omitempty"`
}

func (o *Orchestrator) buildReport(runID string, started time.Time) *Report {
	r := &Report{
		RunID:      runID,
		StartedAt:  started,
		FinishedAt: time.Now(),
		Skipped:    o.Plan.Skipped,
	}
	for _, ur := range o.runs {
		var elapsed time.Duration
		if !ur.st.StartedAt.IsZero() && !ur.st.CompletedAt.IsZero() {
			elapsed = ur.st.CompletedAt.Sub(ur.st.StartedAt)
		}
		r.Units = append(r.Units, UnitReport{
			Table:        ur.unit.Table.Name,
			Target:       ur.unit.Target,
			Status:       ur.st.Status,
			RowsExpected: ur.st.RowsExpected,
			RowsMigrated: ur.st.RowsMigrated,
			Substituted:  ur.st.Substituted,
			Attempts:     ur.st.Attempts,
			Elapsed:      elapsed,
			Error:        ur.st.Error,
		})
	}
	return r
}

// Ok reports whether the run succeeded end to end: every unit completed
// and every verification check (if any ran) matched. Anything else means a
// non-zero exit for the caller.
func (r *Report) Ok() bool {
	for _, u := range r.Units {
		if u.Status != StatusCompleted {
			return false
		}
	}
	for _, c := range r.Verification {
		if !c.Ok() {
			return false
		}
	}
	return true
}
