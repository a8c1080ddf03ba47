package cluster

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/fadhilkurnia/distro/harness"
	"github.com/fadhilkurnia/distro/store"
	"github.com/fadhilkurnia/distro/supervisor"
	"github.com/fadhilkurnia/distro/topology"
	"github.com/fadhilkurnia/distro/workload"
)

// Benchmarker runs one workload against a cluster. *harness.Runner
// satisfies it.
type Benchmarker interface {
	Run(ctx context.Context, cfg harness.RunConfig) (*harness.Report, error)
}

// Options configure a Session.
type Options struct {
	Target   Target
	Protocol string
	Nodes    []topology.Node

	// SUTDir holds one artifact directory per target on this machine.
	SUTDir     string
	RemoteHome string

	Version      string
	ExtraArgs    []string
	TemplatePath string

	// YCSBDir is where the benchmark runs from; WorkloadsDir is relative
	// to it unless absolute.
	YCSBDir      string
	WorkloadsDir string
	Runner       Benchmarker

	Supervisor *supervisor.Supervisor
	Shell      Shell
	Syncer     Syncer
	Docker     NetworkPruner

	ReadyTimeout     time.Duration
	TriggerTimeout   time.Duration
	BenchmarkTimeout time.Duration

	Output io.Writer
	Logger *slog.Logger
}

// Session is one orchestration run of a single target: allocate ports,
// deploy, benchmark, tear down.
type Session struct {
	ID string

	target   Target
	protocol Protocol
	env      *Env

	ycsbDir      string
	workloadsDir string
	runner       Benchmarker
	timeout      time.Duration

	logger *slog.Logger
}

// NewSession resolves the protocol, allocates ports for opts.Nodes and
// returns a Session ready to Start. Nothing is launched yet.
func NewSession(opts Options) (*Session, error) {
	if opts.Target == nil {
		return nil, fmt.Errorf("new session: %w", ErrUnknownTarget)
	}

	if len(opts.Nodes) == 0 {
		return nil, fmt.Errorf("new session %s: no nodes configured", opts.Target.Name())
	}

	protocol, err := ResolveProtocol(opts.Target, opts.Protocol)
	if err != nil {
		return nil, err
	}

	output := opts.Output
	if output == nil {
		output = io.Discard
	}

	localDir, err := filepath.Abs(filepath.Join(opts.SUTDir, opts.Target.Name()))
	if err != nil {
		return nil, fmt.Errorf("new session %s: %w", opts.Target.Name(), err)
	}

	id := uuid.NewString()
	logger := opts.Logger.With(
		slog.String("session", id),
		slog.String("system", opts.Target.Name()),
		slog.String("protocol", protocol.Name),
	)

	env := &Env{
		Assignment:     topology.Allocate(opts.Nodes, opts.Target.Bases()),
		Protocol:       protocol,
		LocalDir:       localDir,
		RemoteHome:     opts.RemoteHome,
		Version:        opts.Version,
		ExtraArgs:      opts.ExtraArgs,
		TemplatePath:   opts.TemplatePath,
		ReadyTimeout:   opts.ReadyTimeout,
		TriggerTimeout: opts.TriggerTimeout,
		Supervisor:     opts.Supervisor,
		Shell:          opts.Shell,
		Syncer:         opts.Syncer,
		Docker:         opts.Docker,
		Output:         output,
		Logger:         logger,
	}

	return &Session{
		ID:           id,
		target:       opts.Target,
		protocol:     protocol,
		env:          env,
		ycsbDir:      opts.YCSBDir,
		workloadsDir: opts.WorkloadsDir,
		runner:       opts.Runner,
		timeout:      opts.BenchmarkTimeout,
		logger:       logger,
	}, nil
}

// Assignment returns the port allocation of the session.
func (s *Session) Assignment() *topology.Assignment {
	return s.env.Assignment
}

// Protocol returns the selected protocol.
func (s *Session) Protocol() Protocol {
	return s.protocol
}

// Endpoints returns the client endpoints of the cluster in node order.
func (s *Session) Endpoints() []string {
	return s.target.Endpoints(s.env.Assignment)
}

// Start deploys the cluster and returns its client endpoints. When
// deployment fails every process started so far is terminated before the
// error is returned.
func (s *Session) Start(ctx context.Context) ([]string, error) {
	s.logger.InfoContext(ctx, "starting cluster",
		slog.Int("nodes", s.env.Assignment.Len()),
	)
	s.logger.DebugContext(ctx, "port allocation", slog.String("assignment", s.env.Assignment.String()))

	if err := s.target.Deploy(ctx, s.env); err != nil {
		s.logger.ErrorContext(ctx, "deployment failed, stopping started processes",
			slog.String("error", err.Error()),
		)

		if stopErr := s.env.Supervisor.TerminateAll(context.WithoutCancel(ctx)); stopErr != nil {
			err = multierror.Append(err, stopErr)
		}

		return nil, fmt.Errorf("deploy %s: %w", s.target.Name(), err)
	}

	endpoints := s.Endpoints()
	s.logger.InfoContext(ctx, "cluster ready", slog.Any("endpoints", endpoints))

	return endpoints, nil
}

// Stop terminates every tracked process, then runs the target's teardown.
// Both always run and their failures are combined.
func (s *Session) Stop(ctx context.Context) error {
	var result *multierror.Error

	if err := s.env.Supervisor.TerminateAll(ctx); err != nil {
		result = multierror.Append(result, err)
	}

	if err := s.target.Teardown(ctx, s.env); err != nil {
		result = multierror.Append(result, err)
	}

	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("stop %s: %w", s.target.Name(), err)
	}

	s.logger.InfoContext(ctx, "cluster stopped")

	return nil
}

// Benchmark runs name against the cluster and returns the record to store.
// The result is already restricted to the stored sections.
func (s *Session) Benchmark(ctx context.Context, name string) (*store.Record, error) {
	if s.runner == nil {
		return nil, fmt.Errorf("benchmark %s: no runner configured", name)
	}

	path, cleanup, err := workload.Resolve(s.ycsbDir, s.workloadsDir, name)
	if err != nil {
		return nil, fmt.Errorf("benchmark %s: %w", name, err)
	}
	defer cleanup()

	report, err := s.runner.Run(ctx, harness.RunConfig{
		WorkloadPath: path,
		Endpoints:    s.Endpoints(),
		Binding:      s.target.Binding(),
		Timeout:      s.timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("benchmark %s: %w", name, err)
	}

	return &store.Record{
		System:      s.target.Name(),
		Protocol:    s.protocol.Name,
		Language:    s.protocol.Language,
		Workload:    name,
		Consistency: s.protocol.Consistency,
		Persistency: s.protocol.Persistency,
		Result:      store.Filter(report),
	}, nil
}
