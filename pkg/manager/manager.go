// Package manager schedules the load actions across sources: parallel
// between source databases, serial within one, with a cooperative stop flag
// and an error policy that keeps one bad table from silencing the rest.
package manager

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/StevenACoffman/anotherr/errors"

	"github.com/dmitri-anishchuk/sq-dbsync/pkg/action"
	"github.com/dmitri-anishchuk/sq-dbsync/pkg/adapter"
	"github.com/dmitri-anishchuk/sq-dbsync/pkg/plan"
	"github.com/dmitri-anishchuk/sq-dbsync/pkg/registry"
)

const (
	// DefaultCadence is the sleep between incremental iterations.
	DefaultCadence = time.Second

	// consecutiveFailureLimit escalates a table that fails this many
	// iterations in a row out of the incremental loop, so supervisors and
	// operators notice instead of the loop quietly spinning.
	consecutiveFailureLimit = 3
)

// Source pairs one upstream database with the provider of its plans.
type Source struct {
	ID       string
	Adapter  adapter.Adapter
	Provider plan.Provider
}

// Config carries the target-side collaborators.
type Config struct {
	Target   adapter.Adapter
	Registry *registry.Registry
	Logger   *zap.Logger
	Clock    action.Clock

	ScratchDir string
	ChunkRows  int
	Cadence    time.Duration
}

// Manager runs actions for every plan of every source.
type Manager struct {
	cfg     Config
	sources []Source

	stopped atomic.Bool

	mu         sync.Mutex
	tableLocks map[string]*sync.Mutex
	failures   map[string]int

	// runOnce is what Incremental calls each iteration; tests substitute it.
	runOnce func(ctx context.Context) error
}

func New(cfg Config, sources ...Source) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = action.SystemClock()
	}
	if cfg.Cadence == 0 {
		cfg.Cadence = DefaultCadence
	}
	m := &Manager{
		cfg:        cfg,
		sources:    sources,
		tableLocks: make(map[string]*sync.Mutex),
		failures:   make(map[string]int),
	}
	m.runOnce = m.IncrementalOnce
	return m
}

// Stop sets the stop flag. In-flight actions run to completion: interrupting
// a bulk load mid-flight can leave an inconsistent staging table, so workers
// only check the flag between actions and between iterations.
func (m *Manager) Stop() {
	m.stopped.Store(true)
}

func (m *Manager) Stopped() bool { return m.stopped.Load() }

// lockTable serializes target-side work per table; concurrent writes to
// different tables are fine.
func (m *Manager) lockTable(table string) func() {
	m.mu.Lock()
	lock, ok := m.tableLocks[table]
	if !ok {
		lock = &sync.Mutex{}
		m.tableLocks[table] = lock
	}
	m.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

func (m *Manager) deps(src Source) action.Deps {
	return action.Deps{
		Source:     src.Adapter,
		Target:     m.cfg.Target,
		Registry:   m.cfg.Registry,
		Logger:     m.cfg.Logger,
		Clock:      m.cfg.Clock,
		ScratchDir: m.cfg.ScratchDir,
		ChunkRows:  m.cfg.ChunkRows,
	}
}

// eachSource materializes every source's plans and walks them with fn:
// one goroutine per source, serial within it. Per-plan errors are collected;
// the aggregate is returned once every source finishes.
func (m *Manager) eachSource(ctx context.Context, fn func(ctx context.Context, src Source, p plan.TablePlan) error) error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var agg error

	for _, src := range m.sources {
		src := src
		wg.Add(1)
		go func() {
			defer wg.Done()
			plans, err := src.Provider.Plans(ctx)
			if err != nil {
				mu.Lock()
				agg = multierr.Append(agg, errors.Wrap(err, "Unable to materialize plans for source "+src.ID))
				mu.Unlock()
				return
			}
			for _, p := range plans {
				if m.stopped.Load() {
					return
				}
				if p.SourceID == "" {
					p.SourceID = src.ID
				}
				if err := fn(ctx, src, p); err != nil {
					mu.Lock()
					agg = multierr.Append(agg, err)
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	return agg
}

// BatchNonActive runs a full batch load for every plan of every provider and
// returns once all complete; each plan's error is collected and the batch
// continues.
func (m *Manager) BatchNonActive(ctx context.Context) error {
	if err := m.cfg.Registry.EnsureStorageExists(ctx); err != nil {
		return err
	}
	return m.eachSource(ctx, func(ctx context.Context, src Source, p plan.TablePlan) error {
		if err := p.Validate(); err != nil {
			return err
		}
		unlock := m.lockTable(p.TargetTable)
		defer unlock()
		return action.NewBatchLoad(m.deps(src), p).Run(ctx)
	})
}

// RefreshRecent reloads the recent window for every plan that opted in.
func (m *Manager) RefreshRecent(ctx context.Context) error {
	if err := m.cfg.Registry.EnsureStorageExists(ctx); err != nil {
		return err
	}
	return m.eachSource(ctx, func(ctx context.Context, src Source, p plan.TablePlan) error {
		if !p.RefreshRecent.Enabled() {
			return nil
		}
		if err := p.Validate(); err != nil {
			return err
		}
		unlock := m.lockTable(p.TargetTable)
		defer unlock()
		return action.NewRefreshRecent(m.deps(src), p).Run(ctx)
	})
}

// IncrementalOnce runs one incremental pass across all plans. Errors scoped
// to a single table are logged and swallowed for the iteration; an error
// outside any table scope, or the same table failing consecutiveFailureLimit
// iterations in a row, is returned so the loop escapes.
func (m *Manager) IncrementalOnce(ctx context.Context) error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var escaped error

	for _, src := range m.sources {
		src := src
		wg.Add(1)
		go func() {
			defer wg.Done()
			plans, err := src.Provider.Plans(ctx)
			if err != nil {
				mu.Lock()
				escaped = multierr.Append(escaped, errors.Wrap(err, "Unable to materialize plans for source "+src.ID))
				mu.Unlock()
				return
			}
			for _, p := range plans {
				if m.stopped.Load() {
					return
				}
				if p.SourceID == "" {
					p.SourceID = src.ID
				}
				if err := m.incrementalTable(ctx, src, p); err != nil {
					mu.Lock()
					escaped = multierr.Append(escaped, err)
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	return escaped
}

func (m *Manager) incrementalTable(ctx context.Context, src Source, p plan.TablePlan) error {
	if err := p.Validate(); err != nil {
		return err
	}
	unlock := m.lockTable(p.TargetTable)
	defer unlock()

	err := action.NewIncrementalLoad(m.deps(src), p).Run(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, p.TargetTable)
		return nil
	}
	m.failures[p.TargetTable]++
	if m.failures[p.TargetTable] >= consecutiveFailureLimit {
		return errors.Wrapf(err, "table %s failed %d consecutive iterations", p.TargetTable, m.failures[p.TargetTable])
	}
	m.cfg.Logger.Error("incremental.error."+p.TargetTable,
		zap.String("source", p.SourceID),
		zap.Int("consecutive", m.failures[p.TargetTable]),
		zap.Error(err))
	return nil
}

// Incremental loops incremental passes at the configured cadence until Stop
// is called or an escalated error escapes.
func (m *Manager) Incremental(ctx context.Context) error {
	if err := m.cfg.Registry.EnsureStorageExists(ctx); err != nil {
		return err
	}
	for {
		if m.stopped.Load() {
			return nil
		}
		if err := m.runOnce(ctx); err != nil {
			return err
		}
		if m.stopped.Load() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.cfg.Cadence):
		}
	}
}

// Run is the long-running mode: batch-load any table never batch loaded,
// register cron entries for periodic batch and refresh passes, then hold the
// incremental loop in the foreground.
func (m *Manager) Run(ctx context.Context, batchSchedule, refreshSchedule string) error {
	if err := m.cfg.Registry.EnsureStorageExists(ctx); err != nil {
		return err
	}
	if err := m.batchNew(ctx); err != nil {
		return err
	}

	scheduler := cron.New()
	if batchSchedule != "" {
		if _, err := scheduler.AddFunc(batchSchedule, func() {
			if err := m.BatchNonActive(ctx); err != nil {
				m.cfg.Logger.Error("scheduled batch failed", zap.Error(err))
			}
		}); err != nil {
			return adapter.ConfigErrorf(err, "invalid batch schedule %q", batchSchedule)
		}
	}
	if refreshSchedule != "" {
		if _, err := scheduler.AddFunc(refreshSchedule, func() {
			if err := m.RefreshRecent(ctx); err != nil {
				m.cfg.Logger.Error("scheduled refresh failed", zap.Error(err))
			}
		}); err != nil {
			return adapter.ConfigErrorf(err, "invalid refresh schedule %q", refreshSchedule)
		}
	}
	scheduler.Start()
	defer func() {
		stopCtx := scheduler.Stop()
		<-stopCtx.Done()
	}()

	return m.Incremental(ctx)
}

// batchNew full-copies only the plans with no recorded batch load, so a
// restart does not re-copy the world before incrementals resume.
func (m *Manager) batchNew(ctx context.Context) error {
	return m.eachSource(ctx, func(ctx context.Context, src Source, p plan.TablePlan) error {
		if err := p.Validate(); err != nil {
			return err
		}
		meta, err := m.cfg.Registry.Get(ctx, p.TargetTable)
		if err != nil {
			return err
		}
		if meta != nil && !meta.LastBatchSyncedAt.IsZero() {
			return nil
		}
		unlock := m.lockTable(p.TargetTable)
		defer unlock()
		return action.NewBatchLoad(m.deps(src), p).Run(ctx)
	})
}
