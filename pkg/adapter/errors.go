package adapter

import (
	"github.com/StevenACoffman/anotherr/errors"
)

// Error kinds. Every failure surfaced by an adapter, the pipeline or an
// action is marked with one of these so callers can classify with errors.Is
// without depending on message text. Wrapping a marked cause keeps the
// cause's kind as well, so one error can match several kinds.
var (
	// ErrExtract marks a failed extract phase; a source-side problem.
	ErrExtract = errors.New("extract error")
	// ErrLoad marks a failed load phase; source schema drift or a target issue.
	ErrLoad = errors.New("load error")
	// ErrSplit marks failed on-disk chunking of an extract file.
	ErrSplit = errors.New("split error")
	// ErrNoSuchTable marks schema introspection finding a missing relation.
	ErrNoSuchTable = errors.New("no such table")
	// ErrConfig marks invalid plan or connection options.
	ErrConfig = errors.New("config error")
)

func markf(kind, cause error, format string, args ...interface{}) error {
	if cause == nil {
		return errors.Mark(errors.Newf(format, args...), kind)
	}
	return errors.Mark(errors.Wrapf(cause, format, args...), kind)
}

// ExtractErrorf wraps cause (which may be nil) as an ErrExtract.
func ExtractErrorf(cause error, format string, args ...interface{}) error {
	return markf(ErrExtract, cause, format, args...)
}

// LoadErrorf wraps cause (which may be nil) as an ErrLoad.
func LoadErrorf(cause error, format string, args ...interface{}) error {
	return markf(ErrLoad, cause, format, args...)
}

// SplitErrorf wraps cause (which may be nil) as an ErrSplit.
func SplitErrorf(cause error, format string, args ...interface{}) error {
	return markf(ErrSplit, cause, format, args...)
}

// NoSuchTablef reports a missing relation.
func NoSuchTablef(format string, args ...interface{}) error {
	return markf(ErrNoSuchTable, nil, format, args...)
}

// ConfigErrorf wraps cause (which may be nil) as an ErrConfig.
func ConfigErrorf(cause error, format string, args ...interface{}) error {
	return markf(ErrConfig, cause, format, args...)
}
