package action

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dmitri-anishchuk/sq-dbsync/pkg/adapter"
	"github.com/dmitri-anishchuk/sq-dbsync/pkg/plan"
	"github.com/dmitri-anishchuk/sq-dbsync/pkg/registry"
)

// RefreshRecent deletes the target's recent window and reloads it from the
// source. Target rows absent from the current source window disappear, which
// is how deletions propagate for tables that opt in.
type RefreshRecent struct {
	deps   Deps
	plan   plan.TablePlan
	window time.Duration
}

func NewRefreshRecent(deps Deps, p plan.TablePlan) *RefreshRecent {
	return &RefreshRecent{deps: deps, plan: p, window: RefreshWindow}
}

func (a *RefreshRecent) Run(ctx context.Context) error {
	if !a.plan.RefreshRecent.Enabled() {
		return nil
	}
	live := a.plan.TargetTable
	if err := a.deps.Target.ConnectionReset(ctx); err != nil {
		return adapter.LoadErrorf(err, "Unable to reset target connection for %s", live)
	}

	_, projection, err := resolveProjection(ctx, a.deps, a.plan)
	if err != nil {
		return err
	}

	windowColumn := a.plan.RefreshRecent.WindowColumn(a.plan.EffectiveTimestampColumn())
	lower := a.deps.Clock.Now().Add(-a.window).Unix()

	// the delete and the reload must share one predicate, or rows near the
	// window edge leak
	if err = a.deps.Target.DeleteWhere(ctx, live, a.deps.Target.WindowPredicate(windowColumn, lower)); err != nil {
		return adapter.LoadErrorf(err, "Unable to clear refresh window on %s", live)
	}

	sqlStr := selectSQL(a.deps.Source, a.plan.SourceTable, projection,
		a.deps.Source.WindowPredicate(windowColumn, lower))
	rows, err := a.deps.pipeline().Run(ctx, sqlStr, live, projection)
	if err != nil {
		return err
	}
	a.deps.Logger.Info("refresh.load."+live,
		zap.String("source", a.plan.SourceID),
		zap.Int64("rows", rows))

	now := a.deps.Clock.Now()
	return a.deps.Registry.Set(ctx, live, registry.Update{LastSyncedAt: &now})
}
