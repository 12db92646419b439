package adapter

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/StevenACoffman/anotherr/errors"
)

func TestNewUnknownEngine(t *testing.T) {
	_, err := New(Options{Engine: "oracle"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfig))
}

func TestCanonicalType(t *testing.T) {
	cases := map[string]string{
		"int(11)":                     "integer",
		"INT(10) unsigned":            "integer",
		"bigint(20)":                  "bigint",
		"tinyint(1)":                  "smallint",
		"varchar(255)":                "varchar",
		"character varying(120)":      "varchar",
		"timestamp without time zone": "timestamp",
		"datetime":                    "timestamp",
		"DOUBLE":                      "double precision",
		"numeric(10,2)":               "decimal",
		"decimal(10,2)":               "decimal",
		"longtext":                    "text",
		"bytea":                       "blob",
		"varbinary(16)":               "blob",
	}
	for in, want := range cases {
		assert.Equal(t, want, canonicalType(in), in)
	}
}

func TestHashColumnsIgnoresNullabilityAndDefaults(t *testing.T) {
	source := []Column{
		{Name: "id", Type: "int(11)", PrimaryKey: true, Nullable: false},
		{Name: "updated_at", Type: "datetime", Nullable: true},
	}
	target := []Column{
		{Name: "id", Type: "integer", PrimaryKey: true, Nullable: true},
		{Name: "updated_at", Type: "timestamp without time zone", Nullable: false},
	}
	assert.Equal(t, HashColumns(source), HashColumns(target))
}

func TestDDLTypeMapping(t *testing.T) {
	assert.Equal(t, "datetime", mysqlDDLType("timestamp without time zone"))
	assert.Equal(t, "varchar(255)", mysqlDDLType("character varying(80)"))
	assert.Equal(t, "varchar(80)", mysqlDDLType("varchar(80)"))
	assert.Equal(t, "tinyint(1)", mysqlDDLType("boolean"))

	assert.Equal(t, "timestamp", postgresDDLType("datetime"))
	assert.Equal(t, "smallint", postgresDDLType("tinyint(1)"))
	assert.Equal(t, "varchar(80)", postgresDDLType("varchar(80)"))
	assert.Equal(t, "integer", postgresDDLType("int(11) unsigned"))
	assert.Equal(t, "text", postgresDDLType("enum('a','b')"))
}

func TestQuoteIdent(t *testing.T) {
	my := &mysqlAdapter{}
	assert.Equal(t, "`updated_at`", my.QuoteIdent("updated_at"))
	assert.Equal(t, "`wei``rd`", my.QuoteIdent("wei`rd"))

	pg := &postgresAdapter{}
	assert.Equal(t, `"updated_at"`, pg.QuoteIdent("updated_at"))
	assert.Equal(t, `"wei""rd"`, pg.QuoteIdent(`wei"rd`))
}

func TestTimestampPredicates(t *testing.T) {
	my := &mysqlAdapter{}
	assert.Equal(t, "`updated_at` > FROM_UNIXTIME(940)", my.TimestampPredicate("updated_at", 940, false))
	assert.Equal(t, "`updated_at` > 940000", my.TimestampPredicate("updated_at", 940000, true))
	assert.Equal(t, "`created_at` >= FROM_UNIXTIME(100)", my.WindowPredicate("created_at", 100))

	pg := &postgresAdapter{}
	assert.Equal(t, `"updated_at" > to_timestamp(940)`, pg.TimestampPredicate("updated_at", 940, false))
	assert.Equal(t, `"updated_at" > 940000`, pg.TimestampPredicate("updated_at", 940000, true))
	assert.Equal(t, `"created_at" >= to_timestamp(100)`, pg.WindowPredicate("created_at", 100))
}

func TestRunExtractCommandWritesStdout(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out.tsv")
	err := runExtractCommand(context.Background(), zap.NewNop(), out, "sh", "-c", "printf 'a\\tb\\n'")
	require.NoError(t, err)
	content, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "a\tb\n", string(content))
}

func TestRunExtractCommandFailsOnStderrEvenWithZeroExit(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out.tsv")
	err := runExtractCommand(context.Background(), zap.NewNop(), out, "sh", "-c", "echo oops >&2; exit 0")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExtract))
	assert.Contains(t, err.Error(), "oops")
}

func TestRunExtractCommandFailsOnExitStatus(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out.tsv")
	err := runExtractCommand(context.Background(), zap.NewNop(), out, "sh", "-c", "exit 3")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExtract))
}

func TestErrorKindsAreDistinct(t *testing.T) {
	err := LoadErrorf(NoSuchTablef("table gone"), "Unable to stage")
	assert.True(t, errors.Is(err, ErrLoad))
	assert.True(t, errors.Is(err, ErrNoSuchTable))
	assert.False(t, errors.Is(err, ErrExtract))
}
