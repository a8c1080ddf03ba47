// Package harness drives the YCSB workload generator against a running
// cluster and parses its report.
package harness

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// ErrEmptyReport is returned when the run phase printed no metrics.
var ErrEmptyReport = errors.New("benchmark produced an empty report")

// Binding tells YCSB which client interface to load and which property
// carries the cluster endpoints.
type Binding struct {
	Interface string
	// Key is the property name, e.g. "etcd.endpoints". Empty means the
	// interface finds the cluster on its own.
	Key string
	// AllEndpoints binds every endpoint, comma separated, instead of the
	// first one.
	AllEndpoints bool
}

// Property returns the "-p key=value" pair for endpoints, or nil.
func (b Binding) Property(endpoints []string) []string {
	if b.Key == "" || len(endpoints) == 0 {
		return nil
	}

	value := endpoints[0]
	if b.AllEndpoints {
		value = strings.Join(endpoints, ",")
	}

	return []string{"-p", b.Key + "=" + value}
}

// RunConfig holds parameters for a single benchmark execution.
type RunConfig struct {
	WorkloadPath string
	Endpoints    []string
	Binding      Binding
	Timeout      time.Duration
}

// Runner launches the YCSB binary for both phases of a benchmark.
type Runner struct {
	BinaryPath string
	Dir        string
	ExtraArgs  []string
	Env        []string
	Output     io.Writer
	Logger     *slog.Logger
}

// NewRunner creates a Runner for the YCSB binary at binaryPath, run from
// dir. A relative binaryPath is resolved against dir. Everything YCSB
// prints is echoed to output. Env is appended to the inherited
// environment.
func NewRunner(
	binaryPath, dir string,
	extraArgs, env []string,
	output io.Writer,
	logger *slog.Logger,
) *Runner {
	if output == nil {
		output = io.Discard
	}

	return &Runner{
		BinaryPath: binaryPath,
		Dir:        dir,
		ExtraArgs:  extraArgs,
		Env:        env,
		Output:     output,
		Logger:     logger.With(slog.String("component", "ycsb")),
	}
}

// Args returns the YCSB argument list for phase ("load" or "run").
func (r *Runner) Args(phase string, cfg RunConfig) []string {
	args := []string{phase, cfg.Binding.Interface, "-P", cfg.WorkloadPath}
	args = append(args, cfg.Binding.Property(cfg.Endpoints)...)
	args = append(args, r.ExtraArgs...)

	return args
}

// Run loads the dataset, then runs the timed workload and parses the
// report as it streams. A failed load is an error. A failed run still
// returns whatever report was parsed, as long as it is not empty.
func (r *Runner) Run(ctx context.Context, cfg RunConfig) (*Report, error) {
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	logger := r.Logger.With(slog.String("workload", cfg.WorkloadPath))

	// Step 1: Load phase
	load := r.command(ctx, r.Args("load", cfg))
	load.Stdout = r.Output
	load.Stderr = r.Output

	logger.InfoContext(ctx, "loading dataset", slog.String("command", commandLine(load)))

	if err := load.Run(); err != nil {
		return nil, fmt.Errorf("ycsb load: %w", err)
	}

	// Step 2: Run phase
	run := r.command(ctx, r.Args("run", cfg))
	run.Stderr = r.Output

	stdout, err := run.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ycsb run: %w", err)
	}

	logger.InfoContext(ctx, "running workload", slog.String("command", commandLine(run)))

	wallStart := time.Now()

	if err := run.Start(); err != nil {
		return nil, fmt.Errorf("ycsb run: %w", err)
	}

	parser := NewParser(logger)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		fmt.Fprintln(r.Output, line)
		parser.Line(line)
	}

	scanErr := scanner.Err()
	if scanErr != nil {
		// Drain so the child is not blocked on a full pipe.
		_, _ = io.Copy(io.Discard, stdout)
	}

	runErr := run.Wait()
	report := parser.Report()

	logger.InfoContext(ctx, "workload finished",
		slog.Duration("wall_time", time.Since(wallStart)),
		slog.Int("sections", len(report.Sections())),
		slog.Int("skipped_lines", parser.Skipped()),
	)

	// Step 3: Decide what to keep
	if err := errors.Join(runErr, scanErr); err != nil {
		if report.Empty() {
			return nil, fmt.Errorf("ycsb run: %w", err)
		}

		logger.WarnContext(ctx, "ycsb run failed, keeping partial report",
			slog.String("error", err.Error()),
		)

		return report, nil
	}

	if report.Empty() {
		return nil, ErrEmptyReport
	}

	return report, nil
}

func (r *Runner) command(ctx context.Context, args []string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, r.BinaryPath, args...)
	cmd.Dir = r.Dir

	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), r.Env...)
	}

	return cmd
}

func commandLine(cmd *exec.Cmd) string {
	return strings.Join(cmd.Args, " ")
}
