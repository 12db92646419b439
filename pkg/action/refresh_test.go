package action

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitri-anishchuk/sq-dbsync/pkg/plan"
)

func TestRefreshRecentDisabledDoesNothing(t *testing.T) {
	source := newFakeAdapter()
	target := newFakeAdapter()
	clock := &fakeClock{now: time.Unix(1_000_000, 0)}
	deps := testDeps(t, source, target, clock)

	require.NoError(t, NewRefreshRecent(deps, testPlan()).Run(context.Background()))
	assert.Empty(t, target.calls)
	assert.Empty(t, source.queries)
}

func TestRefreshRecentDeletesWindowThenReloads(t *testing.T) {
	source := newFakeAdapter()
	source.schemaByTable["test_table"] = testSourceSchema
	source.extracts = [][]string{{"3\tstill here\t999500"}}
	target := newFakeAdapter()
	target.tables["target_test_table"] = []string{"9\tdeleted upstream\t999400"}
	clock := &fakeClock{now: time.Unix(1_000_000, 0)}
	deps := testDeps(t, source, target, clock)

	p := testPlan()
	p.RefreshRecent = plan.RefreshByTimestamp()
	require.NoError(t, NewRefreshRecent(deps, p).Run(context.Background()))

	lower := clock.now.Add(-RefreshWindow).Unix()
	// delete and reload share the same window predicate
	assert.True(t, target.called(fmt.Sprintf("delete:target_test_table:updated_at >= %d", lower)))
	require.Len(t, source.queries, 1)
	assert.Equal(t,
		fmt.Sprintf("SELECT id, col1, updated_at FROM test_table WHERE updated_at >= %d", lower),
		source.queries[0])

	// the row deleted on the source is gone, the surviving one is back
	assert.Equal(t, []string{"3\tstill here\t999500"}, target.tables["target_test_table"])

	meta, err := deps.Registry.Get(context.Background(), "target_test_table")
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, clock.now.UTC(), meta.LastSyncedAt)
}

func TestRefreshRecentFiltersOnExplicitColumn(t *testing.T) {
	source := newFakeAdapter()
	source.schemaByTable["test_table"] = testSourceSchema
	source.extracts = [][]string{{}}
	target := newFakeAdapter()
	clock := &fakeClock{now: time.Unix(1_000_000, 0)}
	deps := testDeps(t, source, target, clock)

	p := testPlan()
	p.RefreshRecent = plan.RefreshByColumn("created_at")
	require.NoError(t, NewRefreshRecent(deps, p).Run(context.Background()))

	lower := clock.now.Add(-RefreshWindow).Unix()
	assert.True(t, target.called(fmt.Sprintf("delete:target_test_table:created_at >= %d", lower)))
	require.Len(t, source.queries, 1)
	assert.Contains(t, source.queries[0], fmt.Sprintf("created_at >= %d", lower))
}
