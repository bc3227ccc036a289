// livedata is the host agent that keeps a rolling buffer of journal
// records and process metrics in an embedded DuckDB store.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/xtxerr/livedata/internal/config"
	"github.com/xtxerr/livedata/internal/errors"
	"github.com/xtxerr/livedata/internal/lifecycle"
	"github.com/xtxerr/livedata/internal/logging"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	fs := pflag.NewFlagSet("livedata", pflag.ContinueOnError)
	config.RegisterFlags(fs)
	showVersion := fs.BoolP("version", "v", false, "print the version and exit")

	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		os.Exit(2)
	}
	if *showVersion {
		fmt.Println("livedata", Version)
		return
	}

	settings, err := config.Resolve(fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "livedata: %v\n", err)
		os.Exit(2)
	}

	level, err := logging.ParseLevel(settings.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "livedata: %v\n", err)
		os.Exit(2)
	}
	format, err := logging.ParseFormat(settings.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "livedata: %v\n", err)
		os.Exit(2)
	}
	logging.Init(level, format)
	logging.Info("livedata starting", "version", Version, "config", settings.Path)

	if err := lifecycle.New(lifecycle.Options{Settings: settings}).Run(context.Background()); err != nil {
		logging.Error("livedata exited", "error", err, "fatal", errors.IsFatal(err))
		os.Exit(1)
	}
}
