// Package pipeline moves one query's rows from a source database into a
// target table: extract to a delimited scratch file, optionally split it into
// chunks on disk, and bulk load each chunk in order.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/StevenACoffman/anotherr/errors"
)

// Extractor is the source-side half of the pipeline.
type Extractor interface {
	ExtractToFile(ctx context.Context, sqlText, file string) error
}

// Loader is the target-side half.
type Loader interface {
	LoadFromFile(ctx context.Context, table string, columns []string, file string) error
}

// Pipeline carries the fixed collaborators; Run is safe for sequential reuse.
type Pipeline struct {
	Source Extractor
	Target Loader
	Logger *zap.Logger

	// ScratchDir is the world-writable directory extract files land in.
	ScratchDir string

	// ChunkRows caps the rows per load statement; zero loads the whole
	// extract in one go.
	ChunkRows int
}

// Run extracts the rows sqlText selects into a scratch file and loads them
// into targetTable. It returns the number of rows loaded. Partial progress on
// failure is acceptable only because batch callers point Run at a staging
// table they discard.
func (p *Pipeline) Run(ctx context.Context, sqlText, targetTable string, columns []string) (int64, error) {
	file := filepath.Join(p.ScratchDir, fmt.Sprintf("sqdbsync_%s_%s.tsv", targetTable, uuid.NewString()))
	defer func() {
		_ = os.Remove(file)
	}()

	if err := p.Source.ExtractToFile(ctx, sqlText, file); err != nil {
		return 0, errors.Wrap(err, "Unable to extract for "+targetTable)
	}

	chunks := []string{file}
	var rows int64
	var err error
	if p.ChunkRows > 0 {
		chunks, rows, err = splitFile(file, p.ChunkRows)
		if err != nil {
			removeAll(chunks)
			return 0, errors.Wrap(err, "Unable to split extract for "+targetTable)
		}
		defer removeAll(chunks)
	} else {
		rows, err = countRows(file)
		if err != nil {
			return 0, errors.Wrap(err, "Unable to count extract rows for "+targetTable)
		}
	}
	if rows == 0 {
		return 0, nil
	}

	p.Logger.Debug("loading extract",
		zap.String("table", targetTable),
		zap.Int64("rows", rows),
		zap.Int("chunks", len(chunks)))
	for _, chunk := range chunks {
		if err = p.Target.LoadFromFile(ctx, targetTable, columns, chunk); err != nil {
			return 0, errors.Wrap(err, "Unable to load chunk into "+targetTable)
		}
		_ = os.Remove(chunk)
	}
	return rows, nil
}

func removeAll(files []string) {
	for _, f := range files {
		_ = os.Remove(f)
	}
}
