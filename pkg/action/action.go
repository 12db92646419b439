// Package action holds the three load state machines the sync engine runs
// per table plan: full-copy batch loads, timestamp-driven incremental loads,
// and deletion-aware refresh-recent reloads.
package action

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dmitri-anishchuk/sq-dbsync/pkg/adapter"
	"github.com/dmitri-anishchuk/sq-dbsync/pkg/pipeline"
	"github.com/dmitri-anishchuk/sq-dbsync/pkg/plan"
	"github.com/dmitri-anishchuk/sq-dbsync/pkg/registry"
)

const (
	// MaxLag is the safety margin behind now at which full-copy extracts
	// begin, allowing in-flight source transactions to commit first.
	MaxLag = 30 * time.Second

	// Overlap is the fixed lookback subtracted from last_row_at to tolerate
	// clock skew between the source and the sync host.
	Overlap = time.Minute

	// Catch-up after a batch extract stops when a pass brings in fewer than
	// CatchupRowThreshold rows, or after CatchupMaxPasses under sustained
	// source write pressure.
	CatchupMaxPasses    = 10
	CatchupRowThreshold = 1000

	// RefreshWindow is the default slice refresh-recent reloads.
	RefreshWindow = 7 * 24 * time.Hour
)

// Clock is the injected source of wall-clock time. No action consults the
// system clock directly.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the production Clock.
func SystemClock() Clock { return systemClock{} }

// Deps are the collaborators every action shares.
type Deps struct {
	Source   adapter.Adapter
	Target   adapter.Adapter
	Registry *registry.Registry
	Logger   *zap.Logger
	Clock    Clock

	ScratchDir string
	ChunkRows  int
}

func (d Deps) pipeline() *pipeline.Pipeline {
	return &pipeline.Pipeline{
		Source:     d.Source,
		Target:     d.Target,
		Logger:     d.Logger,
		ScratchDir: d.ScratchDir,
		ChunkRows:  d.ChunkRows,
	}
}

// overlapUnits converts Overlap to the plan's timestamp unit.
func overlapUnits(inMillis bool) int64 {
	if inMillis {
		return int64(Overlap / time.Millisecond)
	}
	return int64(Overlap / time.Second)
}

// epochUnits converts t to the plan's timestamp unit.
func epochUnits(t time.Time, inMillis bool) int64 {
	if inMillis {
		return t.UnixMilli()
	}
	return t.Unix()
}

// selectSQL renders the extract query in the source's dialect.
func selectSQL(source adapter.Adapter, table string, columns []string, predicate string) string {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = source.QuoteIdent(c)
	}
	sqlStr := fmt.Sprintf("SELECT %s FROM %s", strings.Join(quoted, ", "), source.QuoteIdent(table))
	if predicate != "" {
		sqlStr += " WHERE " + predicate
	}
	return sqlStr
}

// resolveProjection reads the source schema and materializes the plan's
// column set against it. Plan columns the source no longer has are dropped
// silently; losing the timestamp column itself is fatal.
func resolveProjection(ctx context.Context, d Deps, p plan.TablePlan) ([]adapter.Column, []string, error) {
	schema, err := d.Source.Schema(ctx, p.SourceTable)
	if err != nil {
		return nil, nil, err
	}
	names := p.Columns.Resolve(schema)
	ts := p.EffectiveTimestampColumn()
	found := false
	for _, name := range names {
		if name == ts {
			found = true
			break
		}
	}
	if !found {
		return nil, nil, adapter.LoadErrorf(nil,
			"timestamp column %s of %s is gone from the source", ts, p.SourceTable)
	}
	projected := make([]adapter.Column, 0, len(names))
	byName := make(map[string]adapter.Column, len(schema))
	for _, col := range schema {
		byName[col.Name] = col
	}
	for _, name := range names {
		projected = append(projected, byName[name])
	}
	return projected, names, nil
}

// pruneIndexes drops declared indexes that reference columns no longer in
// the projection, mirroring the silent column drop.
func pruneIndexes(indexes map[string]adapter.Index, projection []string) map[string]adapter.Index {
	present := make(map[string]bool, len(projection))
	for _, name := range projection {
		present[name] = true
	}
	pruned := make(map[string]adapter.Index, len(indexes))
outer:
	for name, idx := range indexes {
		for _, col := range idx.Columns {
			if !present[col] {
				continue outer
			}
		}
		pruned[name] = idx
	}
	return pruned
}

func primaryKey(columns []adapter.Column) []string {
	var pks []string
	for _, c := range columns {
		if c.PrimaryKey {
			pks = append(pks, c.Name)
		}
	}
	return pks
}
