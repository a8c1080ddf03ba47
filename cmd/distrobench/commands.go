package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/fadhilkurnia/distro/cluster"
	"github.com/fadhilkurnia/distro/report"
	"github.com/fadhilkurnia/distro/store"
)

func newSystemsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "systems",
		Short: "List the supported systems and their protocols",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return listSystems(cmd.OutOrStdout())
		},
	}
}

func listSystems(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SYSTEM\tPROTOCOL\tLANGUAGE\tCONSISTENCY\tPERSISTENCY")

	for _, target := range cluster.Targets() {
		for _, p := range target.Protocols() {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				target.Name(), p.Name, p.Language,
				orDash(p.Consistency), orDash(p.Persistency))
		}
	}

	return tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}

	return s
}

func newPortsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "Print the port allocation for the configured nodes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}

			d, err := a.newDeployment(cfg, io.Discard, 0)
			if err != nil {
				return err
			}
			defer d.Close()

			out := cmd.OutOrStdout()
			fmt.Fprint(out, d.session.Assignment().String())

			fmt.Fprintln(out, "endpoints:")
			for _, e := range d.session.Endpoints() {
				fmt.Fprintf(out, "  %s\n", e)
			}

			return nil
		},
	}
}

func newUpCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Start the cluster and keep it running until interrupted",
		Long: `Deploy the configured system, print its client endpoints and block
until SIGINT or SIGTERM, then terminate every node and clean up.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}

			d, err := a.newDeployment(cfg, cmd.ErrOrStderr(), 0)
			if err != nil {
				return err
			}
			defer d.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			endpoints, err := d.session.Start(ctx)
			if err != nil {
				return err
			}

			for _, e := range endpoints {
				fmt.Fprintln(cmd.OutOrStdout(), e)
			}

			a.logger.InfoContext(ctx, "cluster running, interrupt to stop")
			<-ctx.Done()

			return d.session.Stop(context.WithoutCancel(ctx))
		},
	}
}

func newDownCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Stop a cluster left running by an earlier invocation",
		Long: `Kill the configured system's processes by pattern on every node and
remove their data directories. Use it after "up" was killed or "run" was
interrupted without cleaning up.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}

			d, err := a.newDeployment(cfg, cmd.ErrOrStderr(), 0)
			if err != nil {
				return err
			}
			defer d.Close()

			return d.session.Stop(cmd.Context())
		},
	}
}

type runConfig struct {
	workloads []string
	timeout   time.Duration
	deploy    bool
}

func newRunCmd(a *app) *cobra.Command {
	var (
		workloads []string
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the cluster, benchmark it and tear it down",
		Long: `Deploy the configured system, run each workload's YCSB load and run
phases against it, merge every report into the result file and stop the
cluster again, even when a benchmark fails.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runBenchmarks(cmd, runConfig{
				workloads: workloads,
				timeout:   timeout,
				deploy:    true,
			})
		},
	}

	flags := cmd.Flags()
	flags.StringSliceVarP(&workloads, "workload", "w", []string{"workloada"},
		"Workloads to run (e.g. workloada,workloadb)")
	flags.DurationVar(&timeout, "timeout", 0,
		"Bound on each benchmark, both phases included (0 = none)")

	return cmd
}

func newBenchCmd(a *app) *cobra.Command {
	var (
		workloads []string
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Benchmark a cluster started with \"up\"",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runBenchmarks(cmd, runConfig{
				workloads: workloads,
				timeout:   timeout,
			})
		},
	}

	flags := cmd.Flags()
	flags.StringSliceVarP(&workloads, "workload", "w", []string{"workloada"},
		"Workloads to run (e.g. workloada,workloadb)")
	flags.DurationVar(&timeout, "timeout", 0,
		"Bound on each benchmark, both phases included (0 = none)")

	return cmd
}

func (a *app) runBenchmarks(cmd *cobra.Command, rc runConfig) error {
	if len(rc.workloads) == 0 {
		return fmt.Errorf("at least one workload must be specified via --workload")
	}

	// Step 1: Load configuration and make sure results can be stored
	// before anything is deployed.
	cfg, err := a.loadConfig(cmd)
	if err != nil {
		return err
	}

	results := a.openStore(cfg)
	if _, err := results.Load(); err != nil {
		return fmt.Errorf("check result store: %w (run `distrobench results init`)", err)
	}

	d, err := a.newDeployment(cfg, cmd.ErrOrStderr(), rc.timeout)
	if err != nil {
		return err
	}
	defer d.Close()

	return a.benchmarkAll(cmd.Context(), d.session, results, rc)
}

// benchSession is the part of *cluster.Session the benchmark loop drives.
type benchSession interface {
	Start(ctx context.Context) ([]string, error)
	Stop(ctx context.Context) error
	Benchmark(ctx context.Context, name string) (*store.Record, error)
	Protocol() cluster.Protocol
	Endpoints() []string
}

// benchmarkAll optionally starts the cluster, runs every workload and
// stops the cluster again. SIGINT and SIGTERM cancel the remaining
// benchmarks but not the stop.
func (a *app) benchmarkAll(
	ctx context.Context,
	session benchSession,
	results *store.Store,
	rc runConfig,
) (err error) {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Step 2: Bring the cluster up and make sure it comes down again.
	if rc.deploy {
		if _, err := session.Start(ctx); err != nil {
			return err
		}

		defer func() {
			if stopErr := session.Stop(context.WithoutCancel(ctx)); stopErr != nil {
				err = multierror.Append(err, fmt.Errorf("stop cluster: %w", stopErr))
			}
		}()
	}

	a.logger.InfoContext(ctx, "starting benchmarks",
		slog.String("protocol", session.Protocol().Name),
		slog.String("workloads", strings.Join(rc.workloads, ",")),
		slog.Any("endpoints", session.Endpoints()),
	)

	// Step 3: Benchmark each workload and merge its report.
	var result *multierror.Error

	for _, name := range rc.workloads {
		if ctx.Err() != nil {
			result = multierror.Append(result, ctx.Err())

			break
		}

		if err := a.benchmarkOne(ctx, session, results, name); err != nil {
			a.logger.ErrorContext(ctx, "benchmark failed",
				slog.String("workload", name),
				slog.String("error", err.Error()),
			)
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}

func (a *app) benchmarkOne(
	ctx context.Context,
	session benchSession,
	results *store.Store,
	name string,
) error {
	start := time.Now()

	rec, err := session.Benchmark(ctx, name)
	if err != nil {
		return err
	}

	added, err := results.Upsert(*rec)
	if err != nil {
		return fmt.Errorf("store %s: %w", name, err)
	}

	a.logger.InfoContext(ctx, "benchmark complete",
		slog.String("workload", name),
		slog.Bool("new_record", added),
		slog.Duration("elapsed", time.Since(start)),
	)

	return nil
}

func newResultsCmd(a *app) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "results",
		Short: "Show stored benchmark results",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}

			records, err := a.openStore(cfg).Load()
			if err != nil {
				return err
			}

			return report.Write(cmd.OutOrStdout(), format, records)
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", report.FormatTable,
		"Output format: table, json, yaml")

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Create an empty result file unless one exists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}

			results := a.openStore(cfg)

			created, err := results.Init()
			if err != nil {
				return err
			}

			if !created {
				a.logger.InfoContext(cmd.Context(), "result file already exists",
					slog.String("path", results.Path()))
			}

			return nil
		},
	})

	return cmd
}
