package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StevenACoffman/anotherr/errors"

	"github.com/dmitri-anishchuk/sq-dbsync/pkg/adapter"
)

const sampleConfig = `
sources:
  main:
    engine: mysql
    host: db1.internal
    port: 3306
    user: sync
    password: secret
    database: app
    charset: utf8mb4
  reports:
    engine: postgres
    host: db2.internal
    port: 5432
    user: sync
    password: secret
    database: reports
target:
  engine: postgres
  host: warehouse.internal
  port: 5432
  user: sync
  password: secret
  database: warehouse
tables:
  - source: main
    source_table: test_table
    target_table: target_test_table
    columns: [id, col1, updated_at]
    indexes:
      index_col1:
        columns: [col1]
        unique: true
  - source: main
    source_table: events
    columns: all
    timestamp_column: occurred_at
    timestamp_in_millis: true
    refresh_recent: true
  - source: reports
    source_table: invoices
    columns: all
    refresh_recent: created_at
all_tables:
  - source: reports
    timestamp_column: updated_at
    exclude: [schema_migrations]
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sqdbsync.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadParsesEverything(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	require.Len(t, cfg.Sources, 2)
	assert.Equal(t, "mysql", cfg.Sources["main"].Engine)
	assert.Equal(t, "utf8mb4", cfg.Sources["main"].Charset)
	assert.Equal(t, "postgres", cfg.Target.Engine)

	require.Len(t, cfg.Tables, 3)

	first := cfg.Tables[0].Plan()
	assert.Equal(t, "target_test_table", first.TargetTable)
	assert.False(t, first.Columns.IsAll())
	assert.Equal(t, []string{"id", "col1", "updated_at"}, first.Columns.Names())
	require.Contains(t, first.Indexes, "index_col1")
	assert.True(t, first.Indexes["index_col1"].Unique)
	assert.False(t, first.RefreshRecent.Enabled())

	second := cfg.Tables[1].Plan()
	// target defaults to the source table name
	assert.Equal(t, "events", second.TargetTable)
	assert.True(t, second.Columns.IsAll())
	assert.True(t, second.TimestampInMillis)
	assert.True(t, second.RefreshRecent.Enabled())
	assert.Equal(t, "occurred_at", second.RefreshRecent.WindowColumn(second.EffectiveTimestampColumn()))

	third := cfg.Tables[2].Plan()
	assert.True(t, third.RefreshRecent.Enabled())
	assert.Equal(t, "created_at", third.RefreshRecent.WindowColumn("updated_at"))

	require.Len(t, cfg.AllTables, 1)
	assert.Equal(t, []string{"schema_migrations"}, cfg.AllTables[0].Exclude)

	grouped := cfg.PlansBySource()
	assert.Len(t, grouped["main"], 2)
	assert.Len(t, grouped["reports"], 1)
}

func TestLoadRejectsUnknownSourceReference(t *testing.T) {
	broken := `
sources:
  main:
    engine: mysql
    host: db1.internal
    database: app
target:
  engine: postgres
  host: warehouse.internal
  database: warehouse
tables:
  - source: nope
    source_table: test_table
    columns: all
`
	_, err := Load(writeConfig(t, broken))
	require.Error(t, err)
	assert.True(t, errors.Is(err, adapter.ErrConfig))
}

func TestLoadRejectsUnknownEngine(t *testing.T) {
	broken := `
sources:
  main:
    engine: oracle
    host: db1.internal
    database: app
target:
  engine: postgres
  host: warehouse.internal
  database: warehouse
`
	_, err := Load(writeConfig(t, broken))
	require.Error(t, err)
	assert.True(t, errors.Is(err, adapter.ErrConfig))
}

func TestLoadRejectsPlanWithoutTimestampColumn(t *testing.T) {
	broken := `
sources:
  main:
    engine: mysql
    host: db1.internal
    database: app
target:
  engine: postgres
  host: warehouse.internal
  database: warehouse
tables:
  - source: main
    source_table: test_table
    columns: [id, col1]
`
	_, err := Load(writeConfig(t, broken))
	require.Error(t, err)
	assert.True(t, errors.Is(err, adapter.ErrConfig))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yml"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, adapter.ErrConfig))
}

func TestLoadEnvDefaults(t *testing.T) {
	t.Setenv("SQDBSYNC_CONFIG", "")
	os.Unsetenv("SQDBSYNC_CONFIG")
	e, err := LoadEnv()
	require.NoError(t, err)
	assert.Equal(t, "sqdbsync.yml", e.ConfigPath)
	assert.Equal(t, time.Second, e.Cadence)
	assert.Zero(t, e.ChunkRows)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SQDBSYNC_CONFIG", "/etc/sqdbsync.yml")
	t.Setenv("SQDBSYNC_CHUNK_ROWS", "50000")
	t.Setenv("SQDBSYNC_CADENCE", "5s")
	e, err := LoadEnv()
	require.NoError(t, err)
	assert.Equal(t, "/etc/sqdbsync.yml", e.ConfigPath)
	assert.Equal(t, 50000, e.ChunkRows)
	assert.Equal(t, 5*time.Second, e.Cadence)
}

func TestConnectionOptions(t *testing.T) {
	c := Connection{
		Engine:   "mysql",
		Host:     "db1.internal",
		Port:     3306,
		User:     "sync",
		Password: "secret",
		Database: "app",
		Charset:  "utf8mb4",
	}
	opts := c.Options()
	assert.Equal(t, "mysql", opts.Engine)
	assert.Equal(t, "db1.internal", opts.Host)
	assert.Equal(t, 3306, opts.Port)
	assert.Equal(t, "utf8mb4", opts.Charset)
}
