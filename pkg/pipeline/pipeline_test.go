package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/StevenACoffman/anotherr/errors"

	"github.com/dmitri-anishchuk/sq-dbsync/pkg/adapter"
)

type fakeExtractor struct {
	lines []string
	err   error
	sql   string
}

func (f *fakeExtractor) ExtractToFile(_ context.Context, sqlText, file string) error {
	f.sql = sqlText
	if f.err != nil {
		return f.err
	}
	content := ""
	if len(f.lines) > 0 {
		content = strings.Join(f.lines, "\n") + "\n"
	}
	return os.WriteFile(file, []byte(content), 0o666)
}

type fakeLoader struct {
	chunks [][]string
	err    error
}

func (f *fakeLoader) LoadFromFile(_ context.Context, _ string, _ []string, file string) error {
	if f.err != nil {
		return f.err
	}
	raw, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	lines := strings.Split(strings.TrimSuffix(string(raw), "\n"), "\n")
	f.chunks = append(f.chunks, lines)
	return nil
}

func newPipeline(t *testing.T, source *fakeExtractor, target *fakeLoader, chunkRows int) *Pipeline {
	t.Helper()
	return &Pipeline{
		Source:     source,
		Target:     target,
		Logger:     zap.NewNop(),
		ScratchDir: t.TempDir(),
		ChunkRows:  chunkRows,
	}
}

func TestRunSingleChunk(t *testing.T) {
	source := &fakeExtractor{lines: []string{"1\thello", "2\tworld"}}
	target := &fakeLoader{}
	p := newPipeline(t, source, target, 0)

	rows, err := p.Run(context.Background(), "SELECT id, col1 FROM test_table", "target_test_table", []string{"id", "col1"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), rows)
	assert.Equal(t, "SELECT id, col1 FROM test_table", source.sql)
	require.Len(t, target.chunks, 1)
	assert.Equal(t, []string{"1\thello", "2\tworld"}, target.chunks[0])
}

func TestRunSplitsIntoChunks(t *testing.T) {
	source := &fakeExtractor{lines: []string{"1", "2", "3", "4", "5"}}
	target := &fakeLoader{}
	p := newPipeline(t, source, target, 2)

	rows, err := p.Run(context.Background(), "SELECT id FROM t", "t", []string{"id"})
	require.NoError(t, err)
	assert.Equal(t, int64(5), rows)
	// chunks load in row order
	assert.Equal(t, [][]string{{"1", "2"}, {"3", "4"}, {"5"}}, target.chunks)
}

func TestRunEmptyExtractLoadsNothing(t *testing.T) {
	source := &fakeExtractor{}
	target := &fakeLoader{}
	p := newPipeline(t, source, target, 0)

	rows, err := p.Run(context.Background(), "SELECT id FROM t", "t", []string{"id"})
	require.NoError(t, err)
	assert.Zero(t, rows)
	assert.Empty(t, target.chunks)
}

func TestRunCleansScratchOnSuccess(t *testing.T) {
	source := &fakeExtractor{lines: []string{"1", "2", "3"}}
	target := &fakeLoader{}
	p := newPipeline(t, source, target, 1)

	_, err := p.Run(context.Background(), "SELECT id FROM t", "t", []string{"id"})
	require.NoError(t, err)
	assertEmptyDir(t, p.ScratchDir)
}

func TestRunCleansScratchOnLoadFailure(t *testing.T) {
	source := &fakeExtractor{lines: []string{"1", "2", "3"}}
	target := &fakeLoader{err: adapter.LoadErrorf(nil, "target rejected the chunk")}
	p := newPipeline(t, source, target, 1)

	_, err := p.Run(context.Background(), "SELECT id FROM t", "t", []string{"id"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, adapter.ErrLoad))
	assertEmptyDir(t, p.ScratchDir)
}

func TestRunPropagatesExtractError(t *testing.T) {
	source := &fakeExtractor{err: adapter.ExtractErrorf(nil, "source went away")}
	target := &fakeLoader{}
	p := newPipeline(t, source, target, 0)

	_, err := p.Run(context.Background(), "SELECT id FROM t", "t", []string{"id"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, adapter.ErrExtract))
	assert.Empty(t, target.chunks)
	assertEmptyDir(t, p.ScratchDir)
}

func TestSplitFileHandlesMissingTrailingNewline(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "extract.tsv")
	require.NoError(t, os.WriteFile(file, []byte("1\n2\n3"), 0o666))

	chunks, rows, err := splitFile(file, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), rows)
	assert.Len(t, chunks, 2)
	for _, chunk := range chunks {
		_ = os.Remove(chunk)
	}
}

func TestCountRows(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "extract.tsv")
	require.NoError(t, os.WriteFile(file, []byte("1\thello\n2\tworld\n"), 0o666))

	rows, err := countRows(file)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rows)
}

func TestCleanStaleOnlyTouchesOwnFiles(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, "sqdbsync_orders_old.tsv")
	foreign := filepath.Join(dir, "somebody_elses.csv")
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0o666))
	require.NoError(t, os.WriteFile(foreign, []byte("x"), 0o666))
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))
	require.NoError(t, os.Chtimes(foreign, old, old))

	CleanStale(dir, 24*time.Hour, zap.NewNop())

	_, err := os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(foreign)
	assert.NoError(t, err)
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
