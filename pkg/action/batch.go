package action

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/StevenACoffman/anotherr/errors"

	"github.com/dmitri-anishchuk/sq-dbsync/pkg/adapter"
	"github.com/dmitri-anishchuk/sq-dbsync/pkg/plan"
	"github.com/dmitri-anishchuk/sq-dbsync/pkg/registry"
)

// State tracks a batch load's progress through its phases.
type State int

const (
	StateIdle State = iota
	StatePrepared
	StateExtracted
	StateLoaded
	StateCaughtUp
	StateCommitted
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePrepared:
		return "prepared"
	case StateExtracted:
		return "extracted"
	case StateLoaded:
		return "loaded"
	case StateCaughtUp:
		return "caught_up"
	case StateCommitted:
		return "committed"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// BatchLoad full-copies one source table into a fresh staging table on the
// target, catches up rows written during the copy, then atomically swaps the
// staging table live.
type BatchLoad struct {
	deps Deps
	plan plan.TablePlan

	state      State
	staged     bool
	projection []string
	projected  []adapter.Column
	indexes    map[string]adapter.Index
	batchStart time.Time
	upperBound time.Time
	lastRowAt  int64
}

func NewBatchLoad(deps Deps, p plan.TablePlan) *BatchLoad {
	return &BatchLoad{deps: deps, plan: p, state: StateIdle}
}

// State reports the phase the action reached.
func (b *BatchLoad) State() State { return b.state }

// Run drives the state machine to completion. On any error before the swap
// the staging table is dropped and the live table and registry are left
// unchanged; once the swap has happened the load is committed even if
// follow-up bookkeeping fails.
func (b *BatchLoad) Run(ctx context.Context) error {
	steps := []func(context.Context) error{
		b.prepare,
		b.extractAndLoad,
		b.postLoad,
		b.commit,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			b.fail(ctx)
			return err
		}
	}
	b.state = StateDone
	return nil
}

func (b *BatchLoad) fail(ctx context.Context) {
	if b.state >= StateCommitted {
		return
	}
	b.state = StateFailed
	if !b.staged {
		return
	}
	if err := b.deps.Target.DropTableIfExists(ctx, b.plan.StagingTable()); err != nil {
		b.deps.Logger.Error("Unable to discard staging table",
			zap.String("table", b.plan.StagingTable()), zap.Error(err))
	}
}

func (b *BatchLoad) prepare(ctx context.Context) error {
	if err := b.deps.Target.ConnectionReset(ctx); err != nil {
		return adapter.LoadErrorf(err, "Unable to reset target connection for %s", b.plan.TargetTable)
	}

	// Source table gone means there is nothing to stage; fail before
	// touching the target.
	projected, projection, err := resolveProjection(ctx, b.deps, b.plan)
	if err != nil {
		if errors.Is(err, adapter.ErrNoSuchTable) {
			return adapter.LoadErrorf(err, "source table %s is missing", b.plan.SourceTable)
		}
		return err
	}
	b.projected = projected
	b.projection = projection
	b.plan.PrimaryKey = primaryKey(projected)
	b.indexes = pruneIndexes(b.plan.Indexes, projection)

	staging := b.plan.StagingTable()
	// a leftover staging table belongs to a crashed run; its content is
	// unusable because we cannot tell how far that run got
	if err = b.deps.Target.DropTableIfExists(ctx, staging); err != nil {
		return adapter.LoadErrorf(err, "Unable to drop leftover staging table %s", staging)
	}

	// built from the current projection, never cloned from the live table:
	// the live copy can carry columns the source has since dropped
	if err = b.deps.Target.CreateStagingTable(ctx, staging, b.projected, b.plan.Charset); err != nil {
		return adapter.LoadErrorf(err, "Unable to create staging table %s", staging)
	}
	b.staged = true

	// no non-primary indexes while bulk loading; declared ones arrive at commit
	if err = b.deps.Target.RemoveIndexesExcept(ctx, staging, nil); err != nil {
		return adapter.LoadErrorf(err, "Unable to strip indexes from %s", staging)
	}
	b.state = StatePrepared
	return nil
}

func (b *BatchLoad) extractAndLoad(ctx context.Context) error {
	b.batchStart = b.deps.Clock.Now()
	b.upperBound = b.batchStart.Add(-MaxLag)

	sqlStr := selectSQL(b.deps.Source, b.plan.SourceTable, b.projection, "")
	rows, err := b.deps.pipeline().Run(ctx, sqlStr, b.plan.StagingTable(), b.projection)
	if err != nil {
		return err
	}
	b.deps.Logger.Info("batch.load."+b.plan.TargetTable,
		zap.String("source", b.plan.SourceID),
		zap.Int64("rows", rows))
	// the chunked pipeline merges the extract and load phases
	b.state = StateExtracted
	b.state = StateLoaded
	return nil
}

// postLoad repeatedly re-extracts rows newer than the observed maximum
// timestamp (minus Overlap) until a pass comes back small, so the staging
// table converges on the live source before the swap.
func (b *BatchLoad) postLoad(ctx context.Context) error {
	ts := b.plan.EffectiveTimestampColumn()
	inMillis := b.plan.TimestampInMillis
	staging := b.plan.StagingTable()

	lastRowAt, ok, err := b.deps.Target.MaxTimestamp(ctx, staging, ts, inMillis)
	if err != nil {
		return adapter.LoadErrorf(err, "Unable to read staging watermark for %s", staging)
	}
	if !ok {
		// empty extract: catch up from the conservative start of the copy
		lastRowAt = epochUnits(b.upperBound, inMillis)
	}

	for pass := 0; pass < CatchupMaxPasses; pass++ {
		lower := lastRowAt - overlapUnits(inMillis)
		pred := b.deps.Source.TimestampPredicate(ts, lower, inMillis)
		sqlStr := selectSQL(b.deps.Source, b.plan.SourceTable, b.projection, pred)
		rows, err := b.deps.pipeline().Run(ctx, sqlStr, staging, b.projection)
		if err != nil {
			return err
		}
		if max, ok, err := b.deps.Target.MaxTimestamp(ctx, staging, ts, inMillis); err != nil {
			return adapter.LoadErrorf(err, "Unable to read staging watermark for %s", staging)
		} else if ok && max > lastRowAt {
			lastRowAt = max
		}
		b.deps.Logger.Debug("batch catch-up pass",
			zap.String("table", b.plan.TargetTable),
			zap.Int("pass", pass),
			zap.Int64("rows", rows))
		if rows < CatchupRowThreshold {
			break
		}
	}
	b.lastRowAt = lastRowAt
	b.state = StateCaughtUp
	return nil
}

func (b *BatchLoad) commit(ctx context.Context) error {
	staging := b.plan.StagingTable()
	live := b.plan.TargetTable

	for _, name := range sortedIndexNames(b.indexes) {
		if err := b.deps.Target.AddIndex(ctx, staging, name, b.indexes[name]); err != nil {
			return adapter.LoadErrorf(err, "Unable to add index %s before switch", name)
		}
	}
	if err := b.deps.Target.SwitchTable(ctx, staging, live); err != nil {
		return adapter.LoadErrorf(err, "Unable to switch %s live", staging)
	}
	b.deps.Logger.Info("batch.switch."+live, zap.String("source", b.plan.SourceID))
	b.state = StateCommitted

	// Committed. Bookkeeping failures below no longer undo the load; the
	// registry update is idempotent, so retry once and otherwise only log.
	ts := b.plan.EffectiveTimestampColumn()
	lastRowAt, ok, err := b.deps.Target.MaxTimestamp(ctx, live, ts, b.plan.TimestampInMillis)
	if err != nil || !ok {
		lastRowAt = b.lastRowAt
	}
	now := b.deps.Clock.Now()
	update := registry.Update{
		LastSyncedAt:      &now,
		LastBatchSyncedAt: &b.batchStart,
		LastRowAt:         &lastRowAt,
	}
	if err = b.deps.Registry.Set(ctx, live, update); err != nil {
		b.deps.Logger.Warn("registry update failed after switch; retrying",
			zap.String("table", live), zap.Error(err))
		if err = b.deps.Registry.Set(ctx, live, update); err != nil {
			b.deps.Logger.Error("registry update failed after switch",
				zap.String("table", live), zap.Error(err))
		}
	}
	return nil
}

func sortedIndexNames(indexes map[string]adapter.Index) []string {
	names := make([]string, 0, len(indexes))
	for name := range indexes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
