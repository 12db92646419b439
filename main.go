package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/mattn/go-isatty"
	stackdriver "github.com/tommy351/zap-stackdriver"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/StevenACoffman/anotherr/errors"

	"github.com/dmitri-anishchuk/sq-dbsync/cmd"
	"github.com/dmitri-anishchuk/sq-dbsync/pkg/adapter"
)

const (
	// exitSuccess is the exit code if the program succeeds.
	exitSuccess = 0
	// exitLoadFail is the exit code for a failed sync.
	exitLoadFail = 1
	// exitConfigFail is the exit code for invalid configuration.
	exitConfigFail = 2
)

// https://pace.dev/blog/2020/02/12/why-you-shouldnt-use-func-main-in-golang-by-mat-ryer
func main() {
	isTerminal := false
	if isatty.IsTerminal(os.Stdout.Fd()) {
		isTerminal = true
	} else if isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		isTerminal = true
	}

	var level zap.AtomicLevel
	if os.Getenv("DEBUG") != "" {
		level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	var l *zap.Logger
	var err error
	if isTerminal {
		devConfig := zap.NewDevelopmentConfig()
		devConfig.Level = level
		l, err = devConfig.Build()
		if err != nil {
			panic(err)
		}
	} else {
		config := &zap.Config{
			Level:            level,
			Encoding:         "json",
			EncoderConfig:    stackdriver.EncoderConfig,
			OutputPaths:      []string{"stdout"},
			ErrorOutputPaths: []string{"stderr"},
		}
		l, err = config.Build(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return &stackdriver.Core{
				Core: core,
			}
		}), zap.Fields(
			stackdriver.LogServiceContext(&stackdriver.ServiceContext{
				Service: "sqdbsync",
				Version: gitBuildVersion(),
			}),
		))
		if err != nil {
			panic(err)
		}
	}

	// set GOMAXPROCS based on container limits
	undo, err := maxprocs.Set()
	defer undo()
	if err != nil {
		l.Fatal("failed to set GOMAXPROCS:", zap.Error(err))
	}

	// pass all arguments without the executable name
	if err := cmd.Run(l, os.Args[1:]); err != nil {
		l.Error(fmt.Sprintf("%+v\n", err), zap.Error(err))
		if errors.Is(err, adapter.ErrConfig) {
			os.Exit(exitConfigFail)
		}
		os.Exit(exitLoadFail)
	}
	l.Info("Successful completion")
	os.Exit(exitSuccess)
}

func gitBuildVersion() string {
	bi, ok := debug.ReadBuildInfo()
	if !ok || bi == nil {
		return "unknown"
	}
	for _, setting := range bi.Settings {
		if setting.Key == "vcs.revision" {
			return setting.Value
		}
	}
	return "unknown"
}
