// Package plan describes what to replicate: one TablePlan per target table,
// produced each cycle by a Provider.
package plan

import (
	"sort"

	"github.com/dmitri-anishchuk/sq-dbsync/pkg/adapter"
)

// DefaultTimestampColumn is assumed when a plan names none.
const DefaultTimestampColumn = "updated_at"

// ColumnSet is either every column the source table has, or an explicit
// ordered projection.
type ColumnSet struct {
	all   bool
	names []string
}

// AllColumns selects every source column; the projection is materialized from
// the source schema before any query is issued.
func AllColumns() ColumnSet { return ColumnSet{all: true} }

// Columns selects an explicit ordered projection.
func Columns(names ...string) ColumnSet { return ColumnSet{names: names} }

func (c ColumnSet) IsAll() bool { return c.all }

// Names returns the explicit projection; empty when IsAll.
func (c ColumnSet) Names() []string { return append([]string(nil), c.names...) }

// Resolve materializes the projection against the current source schema.
// Columns absent on the source are silently dropped; the source of truth for
// what can be copied is what the source still has.
func (c ColumnSet) Resolve(schema []adapter.Column) []string {
	if c.all {
		names := make([]string, len(schema))
		for i, col := range schema {
			names[i] = col.Name
		}
		return names
	}
	present := make(map[string]bool, len(schema))
	for _, col := range schema {
		present[col.Name] = true
	}
	var names []string
	for _, name := range c.names {
		if present[name] {
			names = append(names, name)
		}
	}
	return names
}

// RefreshRecent selects the refresh-recent mode of a plan: disabled, windowed
// on the timestamp column, or windowed on an explicit column.
type RefreshRecent struct {
	enabled bool
	column  string
}

func RefreshDisabled() RefreshRecent            { return RefreshRecent{} }
func RefreshByTimestamp() RefreshRecent         { return RefreshRecent{enabled: true} }
func RefreshByColumn(name string) RefreshRecent { return RefreshRecent{enabled: true, column: name} }

func (r RefreshRecent) Enabled() bool { return r.enabled }

// WindowColumn returns the column the window predicate filters on;
// timestampColumn when the mode is by-timestamp.
func (r RefreshRecent) WindowColumn(timestampColumn string) string {
	if r.column != "" {
		return r.column
	}
	return timestampColumn
}

// TablePlan is the immutable per-cycle description of one replicated table.
type TablePlan struct {
	SourceID    string
	SourceTable string
	TargetTable string

	Columns           ColumnSet
	TimestampColumn   string
	TimestampInMillis bool

	Indexes       map[string]adapter.Index
	RefreshRecent RefreshRecent
	Charset       string

	// PrimaryKey is derived from the source schema at runtime, not declared.
	PrimaryKey []string
}

// StagingTable is the transient target-side table a batch load builds.
func (p TablePlan) StagingTable() string { return "new_" + p.TargetTable }

// EffectiveTimestampColumn applies the default.
func (p TablePlan) EffectiveTimestampColumn() string {
	if p.TimestampColumn == "" {
		return DefaultTimestampColumn
	}
	return p.TimestampColumn
}

// SortedIndexNames gives a stable order for index DDL.
func (p TablePlan) SortedIndexNames() []string {
	names := make([]string, 0, len(p.Indexes))
	for name := range p.Indexes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate rejects plans that could never run. An explicit projection must
// carry the timestamp column; with AllColumns the invariant holds by
// construction once the projection is materialized.
func (p TablePlan) Validate() error {
	if p.TargetTable == "" || p.SourceTable == "" {
		return adapter.ConfigErrorf(nil, "plan must name source and target tables (source=%q target=%q)",
			p.SourceTable, p.TargetTable)
	}
	if p.Columns.IsAll() {
		return nil
	}
	ts := p.EffectiveTimestampColumn()
	for _, name := range p.Columns.Names() {
		if name == ts {
			return nil
		}
	}
	return adapter.ConfigErrorf(nil, "plan for %s does not project its timestamp column %s",
		p.TargetTable, ts)
}
