// Package main provides the CLI entry point for distrobench, which deploys
// a distributed consensus or storage system across a set of hosts, runs
// YCSB workloads against it and records the results.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/fadhilkurnia/distro/config"
)

func main() {
	a := &app{level: new(slog.LevelVar)}
	a.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: a.level,
	}))

	root := newRootCmd(a)
	if err := root.Execute(); err != nil {
		a.logger.Error("command failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// app holds the state shared by every subcommand once the persistent
// flags are parsed.
type app struct {
	logger     *slog.Logger
	level      *slog.LevelVar
	configPath string
	verbose    bool
	logFormat  string
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "distrobench",
		Short: "Benchmark distributed consensus and storage systems with YCSB",
		Long: `Distrobench deploys one of the supported systems across local or
SSH-reachable hosts, allocates collision-free ports for nodes sharing a host,
runs YCSB load and run phases against the cluster and merges the parsed
report into a JSON result file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setupLogging(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", config.DefaultPath,
		"Path to the configuration file")
	flags.String("system", "",
		"System to benchmark (see `distrobench systems`)")
	flags.String("protocol", "",
		"Protocol of the system (default: the system's first protocol)")
	flags.BoolVarP(&a.verbose, "verbose", "v", false,
		"Enable debug logging")
	flags.StringVar(&a.logFormat, "log-format", "text",
		"Log format: text, json")

	root.AddCommand(
		newSystemsCmd(),
		newPortsCmd(a),
		newUpCmd(a),
		newRunCmd(a),
		newBenchCmd(a),
		newDownCmd(a),
		newResultsCmd(a),
	)

	return root
}

func (a *app) setupLogging(cmd *cobra.Command) error {
	if a.verbose {
		a.level.Set(slog.LevelDebug)
	}

	opts := &slog.HandlerOptions{Level: a.level}

	switch a.logFormat {
	case "text", "":
		a.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), opts))
	case "json":
		a.logger = slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), opts))
	default:
		return fmt.Errorf("unknown log format %q", a.logFormat)
	}

	return nil
}
