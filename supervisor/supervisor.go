// Package supervisor launches cluster processes on local or remote hosts,
// tracks them for the lifetime of a session, and tears them down with a
// graceful-then-forced shutdown.
package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/fadhilkurnia/distro/remote"
)

// DefaultGracePeriod is how long a local process may take to exit after
// SIGTERM before it is killed.
const DefaultGracePeriod = 3 * time.Second

// Outcome describes how a process ended.
type Outcome int

const (
	// Exited means the process was already gone.
	Exited Outcome = iota
	// Graceful means it exited within the grace period.
	Graceful
	// Forced means it had to be killed.
	Forced
)

func (o Outcome) String() string {
	switch o {
	case Exited:
		return "exited"
	case Graceful:
		return "graceful"
	case Forced:
		return "forced"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Shell runs a script on a remote host and returns its combined output.
// *remote.Client satisfies it.
type Shell interface {
	Run(ctx context.Context, host, script string) ([]byte, error)
}

// Supervisor owns the set of processes started during one session.
type Supervisor struct {
	shell       Shell
	gracePeriod time.Duration
	logger      *slog.Logger

	mu     sync.Mutex
	active map[string]*Process
}

// New returns a Supervisor. shell may be nil when every node is local.
func New(shell Shell, gracePeriod time.Duration, logger *slog.Logger) *Supervisor {
	if gracePeriod <= 0 {
		gracePeriod = DefaultGracePeriod
	}

	return &Supervisor{
		shell:       shell,
		gracePeriod: gracePeriod,
		logger:      logger,
		active:      make(map[string]*Process),
	}
}

// Spawn launches spec and registers it in the active set. A remote process
// is started detached so that the SSH session can close; Spawn returns
// once the launching command has returned.
func (s *Supervisor) Spawn(ctx context.Context, spec Spec) (*Process, error) {
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("spawn %s: empty command", spec.Name)
	}

	p := &Process{
		ID:        uuid.NewString(),
		Spec:      spec,
		StartedAt: time.Now(),
	}

	logger := s.logger.With(
		slog.String("process", p.ID),
		slog.String("name", spec.Name),
	)

	var err error
	if spec.Remote != nil {
		err = s.spawnRemote(ctx, p)
	} else {
		err = s.spawnLocal(p)
	}

	if err != nil {
		return nil, fmt.Errorf("spawn %s: %w", spec.Name, err)
	}

	s.mu.Lock()
	s.active[p.ID] = p
	s.mu.Unlock()

	logger.InfoContext(ctx, "spawned process",
		slog.String("host", p.Host()),
		slog.Int("pid", p.Pid()),
		slog.String("command", spec.commandLine()),
	)

	return p, nil
}

func (s *Supervisor) spawnLocal(p *Process) error {
	spec := p.Spec

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	cmd.Stdin = spec.Stdin
	cmd.WaitDelay = s.gracePeriod

	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}

	setProcessGroup(cmd)

	var sinks []io.Writer

	var logFile *os.File

	if spec.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(spec.LogFile), 0o755); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}

		f, err := os.Create(spec.LogFile)
		if err != nil {
			return fmt.Errorf("create log file: %w", err)
		}

		logFile = f
		sinks = append(sinks, f)
	}

	if spec.Output != nil {
		sinks = append(sinks, spec.Output)
	}

	var out io.Writer
	if len(sinks) > 0 {
		out = io.MultiWriter(sinks...)
	}

	if spec.Watch {
		p.watch = newLineBuffer(out)
		out = p.watch
	}

	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}

		return err
	}

	p.cmd = cmd
	p.done = make(chan struct{})

	go func() {
		p.waitErr = cmd.Wait()
		if logFile != nil {
			logFile.Close()
		}
		close(p.done)
	}()

	return nil
}

func (s *Supervisor) spawnRemote(ctx context.Context, p *Process) error {
	if s.shell == nil {
		return errors.New("no remote shell configured")
	}

	if p.Spec.Watch {
		return fmt.Errorf("remote processes cannot be watched: %w", ErrNotWatched)
	}

	script := remote.Detach(remoteCommand(p.Spec), p.Spec.Dir, p.Spec.LogFile)

	if _, err := s.shell.Run(ctx, p.Spec.Remote.Host, script); err != nil {
		return err
	}

	return nil
}

func remoteCommand(spec Spec) string {
	if len(spec.Env) == 0 {
		return remote.Command(spec.Command)
	}

	args := append([]string{"env"}, spec.Env...)

	return remote.Command(append(args, spec.Command...))
}

// Run executes a one-shot command to completion and returns its combined
// output. It is not registered in the active set.
func (s *Supervisor) Run(ctx context.Context, spec Spec) ([]byte, error) {
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("run %s: empty command", spec.Name)
	}

	s.logger.InfoContext(ctx, "running command",
		slog.String("name", spec.Name),
		slog.String("host", hostOf(spec.Remote)),
		slog.String("command", spec.commandLine()),
	)

	if spec.Remote != nil {
		if s.shell == nil {
			return nil, fmt.Errorf("run %s: no remote shell configured", spec.Name)
		}

		script := remoteCommand(spec)
		if spec.Dir != "" {
			script = "cd " + remote.Quote(spec.Dir) + " && " + script
		}

		out, err := s.shell.Run(ctx, spec.Remote.Host, script)
		if err != nil {
			return out, fmt.Errorf("run %s: %w", spec.Name, err)
		}

		return out, nil
	}

	var buf bytes.Buffer

	cmd := exec.CommandContext(ctx, spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	cmd.Stdin = spec.Stdin

	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}

	if spec.Output != nil {
		cmd.Stdout = io.MultiWriter(&buf, spec.Output)
	} else {
		cmd.Stdout = &buf
	}

	cmd.Stderr = cmd.Stdout

	if err := cmd.Run(); err != nil {
		return buf.Bytes(), fmt.Errorf("run %s: %w\noutput: %s", spec.Name, err, buf.String())
	}

	return buf.Bytes(), nil
}

// Active returns the tracked processes ordered by start time.
func (s *Supervisor) Active() []*Process {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Process, 0, len(s.active))
	for _, p := range s.active {
		out = append(out, p)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})

	return out
}

// Terminate stops p and removes its artifacts. Local processes get SIGTERM
// and, after the grace period, SIGKILL. Remote processes are killed by
// pattern right away. p leaves the active set whatever the result; the
// returned error reports a failed kill or cleanup.
func (s *Supervisor) Terminate(ctx context.Context, p *Process) (Outcome, error) {
	s.mu.Lock()
	_, ok := s.active[p.ID]
	delete(s.active, p.ID)
	s.mu.Unlock()

	if !ok {
		return Exited, fmt.Errorf("terminate %s: %w", p.Spec.Name, ErrNotActive)
	}

	logger := s.logger.With(
		slog.String("process", p.ID),
		slog.String("name", p.Spec.Name),
	)

	var (
		outcome Outcome
		result  *multierror.Error
	)

	if p.Local() {
		outcome = s.stopLocal(ctx, p)
	} else {
		outcome = Forced
		if _, err := s.shell.Run(ctx, p.Host(), remote.KillByPattern(p.Spec.match())); err != nil {
			result = multierror.Append(result, fmt.Errorf("kill %s on %s: %w", p.Spec.Name, p.Host(), err))
		}
	}

	if err := s.cleanup(ctx, p.Spec.Remote, p.Spec.Artifacts); err != nil {
		result = multierror.Append(result, err)
	}

	logger.InfoContext(ctx, "terminated process", slog.String("outcome", outcome.String()))

	return outcome, result.ErrorOrNil()
}

func (s *Supervisor) stopLocal(ctx context.Context, p *Process) Outcome {
	if p.Exited() {
		return Exited
	}

	if err := signalGroup(p.cmd, sigTerm); err != nil {
		s.logger.DebugContext(ctx, "sigterm failed",
			slog.String("name", p.Spec.Name),
			slog.String("error", err.Error()),
		)
	}

	grace := time.NewTimer(s.gracePeriod)
	defer grace.Stop()

	select {
	case <-p.done:
		return Graceful
	case <-grace.C:
	case <-ctx.Done():
	}

	_ = signalGroup(p.cmd, sigKill)

	// A killed process is reaped promptly; the bound only matters when the
	// wait goroutine is stuck on inherited pipes, which WaitDelay breaks.
	select {
	case <-p.done:
	case <-time.After(s.gracePeriod + time.Second):
	}

	return Forced
}

// TerminateAll stops every tracked process, newest first. Every process is
// attempted; failures are combined into the returned error.
func (s *Supervisor) TerminateAll(ctx context.Context) error {
	procs := s.Active()

	var result *multierror.Error

	for i := len(procs) - 1; i >= 0; i-- {
		p := procs[i]

		if _, err := s.Terminate(ctx, p); err != nil {
			s.logger.ErrorContext(ctx, "terminate failed",
				slog.String("process", p.ID),
				slog.String("name", p.Spec.Name),
				slog.String("error", err.Error()),
			)

			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}

// Sweep kills processes matching pattern and removes artifacts without a
// tracked handle, on rem or locally when rem is nil. It is used to clean up
// after an earlier invocation.
func (s *Supervisor) Sweep(ctx context.Context, rem *Remote, pattern string, artifacts []string) error {
	var result *multierror.Error

	if pattern != "" {
		script := remote.KillByPattern(pattern)

		var err error
		if rem != nil {
			if s.shell == nil {
				err = errors.New("no remote shell configured")
			} else {
				_, err = s.shell.Run(ctx, rem.Host, script)
			}
		} else {
			err = exec.CommandContext(ctx, "sh", "-c", script).Run()
		}

		if err != nil {
			result = multierror.Append(result, fmt.Errorf("sweep %q on %s: %w", pattern, hostOf(rem), err))
		}
	}

	if err := s.cleanup(ctx, rem, artifacts); err != nil {
		result = multierror.Append(result, err)
	}

	return result.ErrorOrNil()
}

func (s *Supervisor) cleanup(ctx context.Context, rem *Remote, artifacts []string) error {
	if len(artifacts) == 0 {
		return nil
	}

	if rem != nil {
		if s.shell == nil {
			return errors.New("remove artifacts: no remote shell configured")
		}

		if _, err := s.shell.Run(ctx, rem.Host, remote.RemoveAll(artifacts)); err != nil {
			return fmt.Errorf("remove artifacts on %s: %w", rem.Host, err)
		}

		return nil
	}

	var result *multierror.Error

	for _, pattern := range artifacts {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("expand %s: %w", pattern, err))

			continue
		}

		for _, m := range matches {
			if err := os.RemoveAll(m); err != nil {
				result = multierror.Append(result, fmt.Errorf("remove %s: %w", m, err))
			}
		}
	}

	return result.ErrorOrNil()
}

func hostOf(rem *Remote) string {
	if rem == nil {
		return "localhost"
	}

	return rem.Host
}
