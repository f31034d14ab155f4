// Package main implements the main entry point for a NES static analyzer
// that produces Code/Data log files.
package main

import (
	"context"
	"errors"
	"os"

	"github.com/retroenv/retrogolib/app"
	"github.com/retroenv/retrogolib/buildinfo"
	"github.com/retroenv/retrogolib/log"

	internalapp "github.com/retrotools/disnes/internal/app"
	"github.com/retrotools/disnes/internal/cli"
	"github.com/retrotools/disnes/internal/config"
)

var (
	version = "dev"
	commit  = ""
	date    = ""
)

func main() {
	ctx := app.Context()

	opts, err := cli.ParseFlags()
	if err != nil {
		logger := config.CreateLogger(opts.Debug, opts.Quiet)
		var usageErr *cli.UsageError
		if errors.As(err, &usageErr) {
			printBanner(logger, opts.Quiet)
			usageErr.ShowUsage()
		} else {
			logger.Error(err.Error())
		}
		os.Exit(1)
	}

	logger := config.CreateLogger(opts.Debug, opts.Quiet)
	printBanner(logger, opts.Quiet)

	if err := internalapp.Run(ctx, logger, opts); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("Operation cancelled")
			return
		}
		logger.Error("Analysis failed", log.Err(err))
		os.Exit(1)
	}
}

func printBanner(logger *log.Logger, quiet bool) {
	if quiet {
		return
	}
	logger.Info("disnes", log.String("version", buildinfo.Version(version, commit, date)))
}
