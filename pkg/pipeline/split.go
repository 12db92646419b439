package pipeline

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/dmitri-anishchuk/sq-dbsync/pkg/adapter"
)

// splitFile rewrites file as up to-rowsPerChunk-line chunk files alongside it
// and returns their paths in load order plus the total row count. The
// original file's content is left alone; the caller deletes it.
func splitFile(file string, rowsPerChunk int) ([]string, int64, error) {
	in, err := os.Open(file)
	if err != nil {
		return nil, 0, adapter.SplitErrorf(err, "Unable to open extract file %s", file)
	}
	defer func() { _ = in.Close() }()

	reader := bufio.NewReader(in)
	var chunks []string
	var out *bufio.Writer
	var outFile *os.File
	var total int64
	inChunk := 0

	closeChunk := func() error {
		if outFile == nil {
			return nil
		}
		if err := out.Flush(); err != nil {
			return adapter.SplitErrorf(err, "Unable to flush chunk %s", outFile.Name())
		}
		if err := outFile.Close(); err != nil {
			return adapter.SplitErrorf(err, "Unable to close chunk %s", outFile.Name())
		}
		outFile = nil
		return nil
	}

	for {
		line, readErr := reader.ReadString('\n')
		if line != "" {
			if outFile == nil {
				name := fmt.Sprintf("%s.chunk%04d", file, len(chunks))
				outFile, err = os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o666)
				if err != nil {
					return chunks, 0, adapter.SplitErrorf(err, "Unable to create chunk %s", name)
				}
				out = bufio.NewWriter(outFile)
				chunks = append(chunks, name)
				inChunk = 0
			}
			if _, err = out.WriteString(line); err != nil {
				name := outFile.Name()
				_ = outFile.Close()
				return chunks, 0, adapter.SplitErrorf(err, "Unable to write chunk %s", name)
			}
			total++
			inChunk++
			if inChunk >= rowsPerChunk {
				if err = closeChunk(); err != nil {
					return chunks, 0, err
				}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			_ = closeChunk()
			return chunks, 0, adapter.SplitErrorf(readErr, "Unable to read extract file %s", file)
		}
	}
	if err = closeChunk(); err != nil {
		return chunks, 0, err
	}
	return chunks, total, nil
}

// countRows counts the lines of file without splitting it.
func countRows(file string) (int64, error) {
	in, err := os.Open(file)
	if err != nil {
		return 0, adapter.SplitErrorf(err, "Unable to open extract file %s", file)
	}
	defer func() { _ = in.Close() }()

	reader := bufio.NewReader(in)
	var rows int64
	for {
		line, readErr := reader.ReadString('\n')
		if line != "" {
			rows++
		}
		if readErr == io.EOF {
			return rows, nil
		}
		if readErr != nil {
			return 0, adapter.SplitErrorf(readErr, "Unable to read extract file %s", file)
		}
	}
}
