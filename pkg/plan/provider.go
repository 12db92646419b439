package plan

import (
	"context"

	"github.com/StevenACoffman/anotherr/errors"

	"github.com/dmitri-anishchuk/sq-dbsync/pkg/adapter"
)

// Provider produces the current list of TablePlans. The manager materializes
// plans at the start of every cycle, so a provider may return a different
// list as the source schema evolves.
type Provider interface {
	Plans(ctx context.Context) ([]TablePlan, error)
}

// Static returns the same plans every cycle.
type Static struct {
	plans []TablePlan
}

func NewStatic(plans ...TablePlan) *Static {
	return &Static{plans: plans}
}

func (s *Static) Plans(context.Context) ([]TablePlan, error) {
	return append([]TablePlan(nil), s.plans...), nil
}

// schemaSource is the slice of the adapter AllTables needs.
type schemaSource interface {
	TableNames(ctx context.Context) ([]string, error)
	Schema(ctx context.Context, table string) ([]adapter.Column, error)
}

// AllTables enumerates the source schema and emits one plan per table that
// carries the timestamp column, minus an exclude list.
type AllTables struct {
	source          schemaSource
	sourceID        string
	timestampColumn string
	exclude         map[string]bool
}

func NewAllTables(source schemaSource, sourceID, timestampColumn string, exclude []string) *AllTables {
	if timestampColumn == "" {
		timestampColumn = DefaultTimestampColumn
	}
	excluded := make(map[string]bool, len(exclude))
	for _, name := range exclude {
		excluded[name] = true
	}
	return &AllTables{
		source:          source,
		sourceID:        sourceID,
		timestampColumn: timestampColumn,
		exclude:         excluded,
	}
}

func (a *AllTables) Plans(ctx context.Context) ([]TablePlan, error) {
	names, err := a.source.TableNames(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "Unable to enumerate source tables")
	}
	var plans []TablePlan
	for _, name := range names {
		if a.exclude[name] {
			continue
		}
		schema, err := a.source.Schema(ctx, name)
		if err != nil {
			return nil, errors.Wrap(err, "Unable to read schema for "+name)
		}
		if !hasColumn(schema, a.timestampColumn) {
			continue
		}
		plans = append(plans, TablePlan{
			SourceID:        a.sourceID,
			SourceTable:     name,
			TargetTable:     name,
			Columns:         AllColumns(),
			TimestampColumn: a.timestampColumn,
		})
	}
	return plans, nil
}

// Combine concatenates the plans of several providers, in order.
func Combine(providers ...Provider) Provider {
	return combined(providers)
}

type combined []Provider

func (c combined) Plans(ctx context.Context) ([]TablePlan, error) {
	var all []TablePlan
	for _, p := range c {
		plans, err := p.Plans(ctx)
		if err != nil {
			return nil, err
		}
		all = append(all, plans...)
	}
	return all, nil
}

func hasColumn(schema []adapter.Column, name string) bool {
	for _, col := range schema {
		if col.Name == name {
			return true
		}
	}
	return false
}
