// Package router turns a source schema snapshot plus a table→target
// assignment set into a dependency-ordered migration plan. All
// configuration-level failures (cycles, unassigned tables, unmappable
// columns) surface here, before any row moves.
package router

import (
	"fmt"
	"sort"
	"strings"

	"db-carve/internal/schema"
	"db-carve/internal/typemap"
)

// Edge declares that From references To, for sources that do not expose
// foreign-key metadata natively. Declared edges merge with introspected ones.
type Edge struct {
	From string `mapstructure:"from"`
	To   string `mapstructure:"to"`
}

// Unit is one (table, target) work item. DependsOn lists the tables whose
// units must complete before this one starts; CrossTarget is the subset
// owned by a different target, i.e. the dependency barriers.
type Unit struct {
	Table       *schema.Table
	Target      string
	Mapping     *typemap.Mapping
	DependsOn   []string
	CrossTarget []string
}

// Plan is a total order over units: for every dependency A→B, B's unit
// precedes A's.
type Plan struct {
	Units   []*Unit
	Skipped []string // unassigned tables excluded under AllowUnassigned
	byTable map[string]*Unit
}

// Unit returns the unit migrating the named table, or nil.
func (p *Plan) Unit(table string) *Unit {
	return p.byTable[table]
}

// Targets returns the distinct target names in the plan, sorted.
func (p *Plan) Targets() []string {
	seen := map[string]bool{}
	var out []string
	for _, u := range p.Units {
		if !seen[u.Target] {
			seen[u.Target] = true
			out = append(out, u.Target)
		}
	}
	sort.Strings(out)
	return out
}

// CyclicDependencyError names every table participating in an unbreakable
// reference cycle. Cross-target circular references cannot be satisfied by
// ordering, so the run is rejected instead of partially migrated.
type CyclicDependencyError struct {
	Tables []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("cyclic dependency between tables: %s", strings.Join(e.Tables, ", "))
}

// UnassignedTableError rejects an assignment set that does not cover the
// source. Skipping data silently is never an option.
type UnassignedTableError struct {
	Tables []string
}

func (e *UnassignedTableError) Error() string {
	return fmt.Sprintf("no target assignment for tables: %s", strings.Join(e.Tables, ", "))
}

// Options configures plan construction.
type Options struct {
	// AllowUnassigned downgrades UnassignedTableError to an exclusion,
	// provided no assigned table depends on an excluded one.
	AllowUnassigned bool
	// Edges are declared dependency edges merged with introspected FKs.
	Edges []Edge
}

// BuildPlan validates assignments and column mappings, then runs Kahn's
// algorithm over the dependency graph. Ties are broken by table name so the
// order is deterministic across runs.
func BuildPlan(tables []*schema.Table, assignments map[string]string, opts Options) (*Plan, error) {
	byName := make(map[string]*schema.Table, len(tables))
	for _, t := range tables {
		byName[t.Name] = t
	}

	var unassigned []string
	for _, t := range tables {
		if _, ok := assignments[t.Name]; !ok {
			unassigned = append(unassigned, t.Name)
		}
	}
	sort.Strings(unassigned)
	if len(unassigned) > 0 && !opts.AllowUnassigned {
		return nil, &UnassignedTableError{Tables: unassigned}
	}
	excluded := make(map[string]bool, len(unassigned))
	for _, name := range unassigned {
		excluded[name] = true
	}
	for name, target := range assignments {
		if _, ok := byName[name]; !ok {
			return nil, fmt.Errorf("assignment %s -> %s names a table not present in the source", name, target)
		}
	}

	// deps[t] = set of tables t references (introspected ∪ declared)
	deps := make(map[string]map[string]bool, len(tables))
	for _, t := range tables {
		if excluded[t.Name] {
			continue
		}
		deps[t.Name] = map[string]bool{}
		for _, d := range t.Dependencies {
			if d != t.Name {
				deps[t.Name][d] = true
			}
		}
	}
	for _, e := range opts.Edges {
		if _, ok := byName[e.From]; !ok {
			return nil, fmt.Errorf("declared edge %s -> %s names unknown table %s", e.From, e.To, e.From)
		}
		if _, ok := byName[e.To]; !ok {
			return nil, fmt.Errorf("declared edge %s -> %s names unknown table %s", e.From, e.To, e.To)
		}
		if !excluded[e.From] && e.From != e.To {
			deps[e.From][e.To] = true
		}
	}

	// An excluded table that an assigned table references would leave
	// dangling references in the migrated data; reject it outright.
	for name, set := range deps {
		for d := range set {
			if excluded[d] {
				return nil, fmt.Errorf("table %s depends on unassigned table %s; assign it or drop the dependent", name, d)
			}
		}
	}

	order, err := topoSort(deps)
	if err != nil {
		return nil, err
	}

	plan := &Plan{Skipped: unassigned, byTable: make(map[string]*Unit, len(order))}
	for _, name := range order {
		t := byName[name]
		mapping, err := typemap.ValidateTable(t.Name, t.ColumnSpecs())
		if err != nil {
			return nil, err
		}
		u := &Unit{Table: t, Target: assignments[name], Mapping: mapping}
		for d := range deps[name] {
			u.DependsOn = append(u.DependsOn, d)
		}
		sort.Strings(u.DependsOn)
		for _, d := range u.DependsOn {
			if assignments[d] != u.Target {
				u.CrossTarget = append(u.CrossTarget, d)
			}
		}
		plan.Units = append(plan.Units, u)
		plan.byTable[name] = u
	}
	return plan, nil
}

// topoSort is Kahn's algorithm with a lexicographic tie-break. A non-empty
// remainder means a cycle; its participants are reported by name.
func topoSort(deps map[string]map[string]bool) ([]string, error) {
	indegree := make(map[string]int, len(deps))
	dependents := make(map[string][]string, len(deps))
	for name, set := range deps {
		if _, ok := indegree[name]; !ok {
			indegree[name] = 0
		}
		for d := range set {
			if _, ok := deps[d]; !ok {
				continue
			}
			indegree[name]++
			dependents[d] = append(dependents[d], name)
		}
	}

	var ready []string
	for name, n := range indegree {
		if n == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	var order []string
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)
		for _, dep := range dependents[name] {
			indegree[dep]--
			if indegree[dep] == 0 {
				i := sort.SearchStrings(ready, dep)
				ready = append(ready, "")
				copy(ready[i+1:], ready[i:])
				ready[i] = dep
			}
		}
	}

	if len(order) < len(indegree) {
		var cycle []string
		for name, n := range indegree {
			if n > 0 {
				cycle = append(cycle, name)
			}
		}
		sort.Strings(cycle)
		return nil, &CyclicDependencyError{Tables: cycle}
	}
	return order, nil
}
