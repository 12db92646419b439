package action

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/dmitri-anishchuk/sq-dbsync/pkg/adapter"
	"github.com/dmitri-anishchuk/sq-dbsync/pkg/registry"
)

// fakeClock is the injected clock for tests; Advance moves it forward.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// fakeAdapter plays either side of the pipeline. Rows live as tab-joined
// lines keyed on their first field, which stands in for primary-key dedup in
// the real bulk loaders. Extracts are scripted: each ExtractToFile call pops
// the next canned row set.
type fakeAdapter struct {
	schemaByTable map[string][]adapter.Column
	tables        map[string][]string
	extracts      [][]string
	queries       []string
	calls         []string

	// tsIndex is the tab-field MaxTimestamp parses; -1 disables it.
	tsIndex int

	failExtract error
	failLoad    error
	failSwitch  error
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		schemaByTable: make(map[string][]adapter.Column),
		tables:        make(map[string][]string),
		tsIndex:       2,
	}
}

func (f *fakeAdapter) record(call string) { f.calls = append(f.calls, call) }

func (f *fakeAdapter) called(call string) bool {
	for _, c := range f.calls {
		if c == call {
			return true
		}
	}
	return false
}

func (f *fakeAdapter) Engine() string               { return "fake" }
func (f *fakeAdapter) DB() *sql.DB                  { return nil }
func (f *fakeAdapter) QuoteIdent(name string) string { return name }
func (f *fakeAdapter) Close() error                 { return nil }

func (f *fakeAdapter) Schema(_ context.Context, table string) ([]adapter.Column, error) {
	schema, ok := f.schemaByTable[table]
	if !ok {
		return nil, adapter.NoSuchTablef("table %s does not exist", table)
	}
	return schema, nil
}

func (f *fakeAdapter) Indexes(context.Context, string) (map[string]adapter.Index, error) {
	return nil, nil
}

func (f *fakeAdapter) HashSchema(_ context.Context, table string) (map[string]adapter.HashedColumn, error) {
	schema, ok := f.schemaByTable[table]
	if !ok {
		return nil, adapter.NoSuchTablef("table %s does not exist", table)
	}
	return adapter.HashColumns(schema), nil
}

func (f *fakeAdapter) TableExists(_ context.Context, table string) (bool, error) {
	_, ok := f.tables[table]
	return ok, nil
}

func (f *fakeAdapter) TableNames(context.Context) ([]string, error) {
	var names []string
	for name := range f.schemaByTable {
		names = append(names, name)
	}
	return names, nil
}

func (f *fakeAdapter) ExtractToFile(_ context.Context, sqlText, file string) error {
	f.queries = append(f.queries, sqlText)
	if f.failExtract != nil {
		return f.failExtract
	}
	var lines []string
	if len(f.extracts) > 0 {
		lines = f.extracts[0]
		f.extracts = f.extracts[1:]
	}
	content := ""
	if len(lines) > 0 {
		content = strings.Join(lines, "\n") + "\n"
	}
	return os.WriteFile(file, []byte(content), 0o666)
}

func (f *fakeAdapter) LoadFromFile(_ context.Context, table string, _ []string, file string) error {
	if f.failLoad != nil {
		return f.failLoad
	}
	raw, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	for _, line := range strings.Split(strings.TrimSuffix(string(raw), "\n"), "\n") {
		if line == "" {
			continue
		}
		pk := strings.SplitN(line, "\t", 2)[0]
		duplicate := false
		for _, existing := range f.tables[table] {
			if strings.SplitN(existing, "\t", 2)[0] == pk {
				duplicate = true
				break
			}
		}
		if !duplicate {
			f.tables[table] = append(f.tables[table], line)
		}
	}
	return nil
}

func (f *fakeAdapter) CreateTableLike(_ context.Context, newTable, existing string) error {
	f.record("createlike:" + newTable)
	f.tables[newTable] = nil
	f.schemaByTable[newTable] = f.schemaByTable[existing]
	return nil
}

func (f *fakeAdapter) CreateStagingTable(_ context.Context, table string, columns []adapter.Column, _ string) error {
	f.record("create:" + table)
	f.tables[table] = nil
	f.schemaByTable[table] = columns
	return nil
}

func (f *fakeAdapter) DropTableIfExists(_ context.Context, table string) error {
	f.record("drop:" + table)
	delete(f.tables, table)
	delete(f.schemaByTable, table)
	return nil
}

func (f *fakeAdapter) SwitchTable(_ context.Context, newTable, liveTable string) error {
	if f.failSwitch != nil {
		return f.failSwitch
	}
	f.record("switch:" + newTable + "->" + liveTable)
	f.tables[liveTable] = f.tables[newTable]
	f.schemaByTable[liveTable] = f.schemaByTable[newTable]
	delete(f.tables, newTable)
	delete(f.schemaByTable, newTable)
	return nil
}

func (f *fakeAdapter) AddColumn(_ context.Context, table, column, columnType string) error {
	f.record("addcolumn:" + table + ":" + column)
	f.schemaByTable[table] = append(f.schemaByTable[table], adapter.Column{Name: column, Type: columnType})
	return nil
}

func (f *fakeAdapter) AddIndex(_ context.Context, table, name string, _ adapter.Index) error {
	f.record("addindex:" + table + ":" + name)
	return nil
}

func (f *fakeAdapter) RemoveIndexesExcept(_ context.Context, table string, _ []string) error {
	f.record("stripindexes:" + table)
	return nil
}

func (f *fakeAdapter) TimestampPredicate(column string, epoch int64, _ bool) string {
	return fmt.Sprintf("%s > %d", column, epoch)
}

func (f *fakeAdapter) WindowPredicate(column string, epoch int64) string {
	return fmt.Sprintf("%s >= %d", column, epoch)
}

func (f *fakeAdapter) MaxTimestamp(_ context.Context, table, _ string, _ bool) (int64, bool, error) {
	if f.tsIndex < 0 {
		return 0, false, nil
	}
	var max int64
	found := false
	for _, line := range f.tables[table] {
		fields := strings.Split(line, "\t")
		if f.tsIndex >= len(fields) {
			continue
		}
		ts, err := strconv.ParseInt(fields[f.tsIndex], 10, 64)
		if err != nil {
			continue
		}
		if !found || ts > max {
			max = ts
			found = true
		}
	}
	return max, found, nil
}

func (f *fakeAdapter) DeleteWhere(_ context.Context, table, predicate string) error {
	f.record("delete:" + table + ":" + predicate)
	f.tables[table] = nil
	return nil
}

func (f *fakeAdapter) ConnectionReset(context.Context) error {
	f.record("reset")
	return nil
}

var _ adapter.Adapter = (*fakeAdapter)(nil)

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	r := registry.New(db, "postgres")
	require.NoError(t, r.EnsureStorageExists(context.Background()))
	return r
}

func testDeps(t *testing.T, source, target *fakeAdapter, clock *fakeClock) Deps {
	t.Helper()
	return Deps{
		Source:     source,
		Target:     target,
		Registry:   testRegistry(t),
		Logger:     zap.NewNop(),
		Clock:      clock,
		ScratchDir: t.TempDir(),
	}
}

var testSourceSchema = []adapter.Column{
	{Name: "id", Type: "int", PrimaryKey: true},
	{Name: "col1", Type: "varchar(255)"},
	{Name: "updated_at", Type: "datetime"},
}
