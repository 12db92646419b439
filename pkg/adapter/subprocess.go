package adapter

import (
	"context"
	"os"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/StevenACoffman/anotherr/errors"
)

// runExtractCommand runs an engine client with stdout redirected to outFile
// and stderr captured to a temporary file. The command fails if the exit status
// is non-zero OR stderr is non-empty: the mysql client reading SQL from -e
// reports some server errors on stderr while still exiting zero, so either
// signal alone is sufficient. The SQL travels as a single argv element; no
// shell is involved, so no quoting can go wrong.
func runExtractCommand(ctx context.Context, logger *zap.Logger, outFile string, name string, args ...string) error {
	out, err := os.OpenFile(outFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return ExtractErrorf(err, "Unable to open extract file %s", outFile)
	}
	defer func() { _ = out.Close() }()

	errFile, err := os.CreateTemp(os.TempDir(), "sqdbsync-stderr-*")
	if err != nil {
		return ExtractErrorf(err, "Unable to open stderr capture file")
	}
	defer func() {
		_ = errFile.Close()
		_ = os.Remove(errFile.Name())
	}()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = out
	cmd.Stderr = errFile

	logger.Debug("running extract command", zap.String("command", name), zap.String("file", outFile))
	runErr := cmd.Run()

	stderr, readErr := os.ReadFile(errFile.Name())
	if readErr != nil {
		return ExtractErrorf(readErr, "Unable to read stderr capture file")
	}
	message := strings.TrimSpace(string(stderr))

	if runErr != nil {
		if message != "" {
			return ExtractErrorf(runErr, "%s failed: %s", name, message)
		}
		return ExtractErrorf(runErr, "%s failed", name)
	}
	if message != "" {
		return ExtractErrorf(errors.New(message), "%s wrote to stderr", name)
	}
	return nil
}
