// Package verify performs the post-hoc comparison between the monolith and
// the targets: row counts always, content checksums on request. It never
// mutates either side.
package verify

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/zeebo/xxh3"

	"db-carve/internal/dialect"
	"db-carve/internal/router"
	"db-carve/internal/source"
)

// Side is one end of a comparison: a live connection plus the dialect that
// knows how to read it.
type Side struct {
	DB      *sql.DB
	Dialect dialect.Dialect
}

// TableCheck is the verification outcome for one migrated table.
type TableCheck struct {
	Table          string   `json:"table"`
	Target         string   `json:"target"`
	SourceRows     int64    `json:"source_rows"`
	TargetRows     int64    `json:"target_rows"`
	SourceChecksum string   `json:"source_checksum,omitempty"`
	TargetChecksum string   `json:"target_checksum,omitempty"`
	MismatchKeys   []string `json:"mismatch_keys,omitempty"`
	Error          string   `json:"error,omitempty"`
}

// Ok reports whether the table verified clean.
func (c TableCheck) Ok() bool {
	return c.Error == "" &&
		c.SourceRows == c.TargetRows &&
		c.SourceChecksum == c.TargetChecksum &&
		len(c.MismatchKeys) == 0
}

const maxMismatchSamples = 5

// Verifier compares every unit of a plan against its target.
type Verifier struct {
	Source    Side
	Targets   map[string]Side
	Checksums bool
	BatchSize int
	Log       zerolog.Logger
}

// Run verifies each unit in plan order and returns one check per unit.
// Failures are recorded in the checks, never returned; a broken target must
// not stop verification of the others.
func (v *Verifier) Run(ctx context.Context, plan *router.Plan) []TableCheck {
	checks := make([]TableCheck, 0, len(plan.Units))
	for _, u := range plan.Units {
		checks = append(checks, v.checkUnit(ctx, u))
	}
	return checks
}

func (v *Verifier) checkUnit(ctx context.Context, u *router.Unit) TableCheck {
	c := TableCheck{Table: u.Table.Name, Target: u.Target}

	tgt, ok := v.Targets[u.Target]
	if !ok {
		c.Error = fmt.Sprintf("no connection for target %s", u.Target)
		return c
	}

	src := source.New(v.Source.DB, v.Source.Dialect, u.Table, v.BatchSize)
	var err error
	if c.SourceRows, err = src.Count(ctx); err != nil {
		c.Error = err.Error()
		return c
	}

	tq := fmt.Sprintf("SELECT COUNT(*) FROM %s", tgt.Dialect.QuoteIdent(u.Table.Name))
	if err := tgt.DB.QueryRowContext(ctx, tq).Scan(&c.TargetRows); err != nil {
		c.Error = fmt.Sprintf("failed to count %s.%s: %v", u.Target, u.Table.Name, err)
		return c
	}

	v.Log.Debug().Str("table", u.Table.Name).Int64("source", c.SourceRows).Int64("target", c.TargetRows).Msg("counts compared")

	if !v.Checksums {
		return c
	}
	if u.Table.PKColumn() == nil {
		// No stable key to pair rows by; counts are the best we can do.
		return c
	}

	srcSum, srcRows, err := v.digest(ctx, v.Source, u)
	if err != nil {
		c.Error = err.Error()
		return c
	}
	tgtSum, tgtRows, err := v.digest(ctx, tgt, u)
	if err != nil {
		c.Error = err.Error()
		return c
	}
	c.SourceChecksum = srcSum
	c.TargetChecksum = tgtSum
	if srcSum != tgtSum {
		c.MismatchKeys = diffKeys(srcRows, tgtRows)
	}
	return c
}

// digest streams the table in primary-key order and folds per-row hashes
// into an order-independent table checksum. Rows pass through the unit's
// mapping first, so the two engines' native representations of the same
// value (mysql datetime bytes, sqlite integer booleans) hash identically.
// The per-key hashes come back too, for naming sample mismatches.
func (v *Verifier) digest(ctx context.Context, side Side, u *router.Unit) (string, map[string]uint64, error) {
	ext := source.New(side.DB, side.Dialect, u.Table, v.BatchSize)
	rowHashes := map[string]uint64{}
	var sum uint64

	err := ext.Stream(ctx, nil, func(b source.Batch) error {
		for _, r := range b.Rows {
			coerced, _, err := u.Mapping.CoerceRow(r.Values)
			if err != nil {
				return err
			}
			h := hashRow(coerced)
			rowHashes[canonicalValue(r.Key)] = h
			sum ^= h
		}
		return nil
	})
	if err != nil {
		return "", nil, fmt.Errorf("failed to checksum %s: %w", u.Table.Name, err)
	}
	return strconv.FormatUint(sum, 16), rowHashes, nil
}

func hashRow(values []any) uint64 {
	var sb strings.Builder
	for i, val := range values {
		if i > 0 {
			sb.WriteByte(0x1f)
		}
		sb.WriteString(canonicalValue(val))
	}
	return xxh3.HashString(sb.String())
}

// canonicalValue renders one coerced value in a type-tagged, engine-neutral
// form. Tagging keeps 1, "1" and true from colliding.
func canonicalValue(val any) string {
	switch x := val.(type) {
	case nil:
		return "N"
	case bool:
		if x {
			return "B:1"
		}
		return "B:0"
	case int64:
		return "I:" + strconv.FormatInt(x, 10)
	case float64:
		return "F:" + strconv.FormatFloat(x, 'g', -1, 64)
	case time.Time:
		return "T:" + x.UTC().Format(time.RFC3339Nano)
	case string:
		return "S:" + x
	case []byte:
		return "X:" + hex.EncodeToString(x)
	default:
		return "S:" + fmt.Sprintf("%v", x)
	}
}

// diffKeys returns up to maxMismatchSamples keys whose row hashes differ
// between the two sides, including keys present on only one side.
func diffKeys(src, tgt map[string]uint64) []string {
	var keys []string
	for k, h := range src {
		if th, ok := tgt[k]; !ok || th != h {
			keys = append(keys, k)
		}
	}
	for k := range tgt {
		if _, ok := src[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if len(keys) > maxMismatchSamples {
		keys = keys[:maxMismatchSamples]
	}
	return keys
}
