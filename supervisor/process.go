package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// historyLines is how many recent output lines a watched process keeps.
const historyLines = 256

// maxPartialLine is the longest unterminated output kept before it is
// treated as a complete line.
const maxPartialLine = 64 << 10

var (
	// ErrTriggerTimeout is returned by WaitFor when the phrase did not show
	// up in time.
	ErrTriggerTimeout = errors.New("trigger phrase not seen before timeout")

	// ErrNotActive is returned when terminating a process the supervisor
	// does not track.
	ErrNotActive = errors.New("process is not active")

	// ErrNotWatched is returned by WaitFor on a process spawned without
	// Watch, or on a remote process.
	ErrNotWatched = errors.New("process output is not watched")
)

// Remote places a process on another host.
type Remote struct {
	Host string
}

// Spec describes a process to launch.
type Spec struct {
	// Name labels the process in logs, e.g. "node1" or "pd2".
	Name    string
	Command []string
	Dir     string
	// Env is appended to the inherited environment.
	Env []string

	// Remote is nil for a local process.
	Remote *Remote

	// Match is the pattern used to find the process in a remote process
	// table. Defaults to Command[0].
	Match string

	// Artifacts are removed once the process is terminated. Entries may be
	// globs.
	Artifacts []string

	// LogFile receives the process output. For remote processes output is
	// discarded when empty.
	LogFile string

	// Output additionally receives local output.
	Output io.Writer

	// Stdin feeds a local process, or a one-shot command run with Run.
	Stdin io.Reader

	// Watch keeps recent output lines so WaitFor can look for phrases.
	Watch bool
}

func (s Spec) match() string {
	if s.Match != "" {
		return s.Match
	}

	if len(s.Command) > 0 {
		return s.Command[0]
	}

	return ""
}

func (s Spec) commandLine() string {
	return strings.Join(s.Command, " ")
}

// Process is one launched process. Local processes carry their exec handle;
// remote ones are only known by their match pattern.
type Process struct {
	ID        string
	Spec      Spec
	StartedAt time.Time

	cmd     *exec.Cmd
	done    chan struct{}
	waitErr error

	watch *lineBuffer
}

// Local reports whether the process runs on this machine.
func (p *Process) Local() bool {
	return p.Spec.Remote == nil
}

// Host returns the host the process runs on, "" for local ones.
func (p *Process) Host() string {
	if p.Spec.Remote == nil {
		return ""
	}

	return p.Spec.Remote.Host
}

// Pid returns the local process ID, or 0 for remote processes.
func (p *Process) Pid() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}

	return p.cmd.Process.Pid
}

// Exited reports whether a local process has exited. Remote processes
// never report exit.
func (p *Process) Exited() bool {
	if p.done == nil {
		return false
	}

	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Done is closed when a local process exits. It is nil for remote ones.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Err returns the exit error of a local process once Done is closed.
func (p *Process) Err() error {
	return p.waitErr
}

// Recent returns the buffered output lines of a watched process.
func (p *Process) Recent() []string {
	if p.watch == nil {
		return nil
	}

	return p.watch.snapshot()
}

// WaitFor blocks until phrase appears in the process output. Lines already
// printed before the call are checked first. It fails with
// ErrTriggerTimeout when timeout elapses, and with an error when the
// process exits without printing the phrase.
func (p *Process) WaitFor(ctx context.Context, phrase string, timeout time.Duration) error {
	if p.watch == nil {
		return fmt.Errorf("wait for %q on %s: %w", phrase, p.Spec.Name, ErrNotWatched)
	}

	var expired <-chan time.Time

	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()

		expired = timer.C
	}

	for {
		found, changed := p.watch.contains(phrase)
		if found {
			return nil
		}

		select {
		case <-changed:
		case <-p.done:
			if found, _ := p.watch.contains(phrase); found {
				return nil
			}

			return fmt.Errorf("%s exited before printing %q: %v", p.Spec.Name, phrase, p.waitErr)
		case <-expired:
			return fmt.Errorf("wait for %q on %s after %s: %w", phrase, p.Spec.Name, timeout, ErrTriggerTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// lineBuffer is an io.Writer that splits output into lines, keeps the last
// historyLines of them, and wakes waiters on every new line.
type lineBuffer struct {
	mu      sync.Mutex
	partial []byte
	lines   []string
	changed chan struct{}
	echo    io.Writer
}

func newLineBuffer(echo io.Writer) *lineBuffer {
	return &lineBuffer{changed: make(chan struct{}), echo: echo}
}

func (b *lineBuffer) Write(data []byte) (int, error) {
	if b.echo != nil {
		_, _ = b.echo.Write(data)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.partial = append(b.partial, data...)

	added := false

	for {
		i := bytes.IndexByte(b.partial, '\n')
		if i < 0 {
			break
		}

		b.push(strings.TrimRight(string(b.partial[:i]), "\r"))
		b.partial = b.partial[i+1:]
		added = true
	}

	if len(b.partial) > maxPartialLine {
		b.push(string(b.partial))
		b.partial = nil
		added = true
	}

	if added {
		close(b.changed)
		b.changed = make(chan struct{})
	}

	return len(data), nil
}

func (b *lineBuffer) push(line string) {
	b.lines = append(b.lines, line)
	if len(b.lines) > historyLines {
		b.lines = b.lines[len(b.lines)-historyLines:]
	}
}

func (b *lineBuffer) contains(phrase string) (bool, <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, l := range b.lines {
		if strings.Contains(l, phrase) {
			return true, nil
		}
	}

	if strings.Contains(string(b.partial), phrase) {
		return true, nil
	}

	return false, b.changed
}

func (b *lineBuffer) snapshot() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]string, len(b.lines))
	copy(out, b.lines)

	return out
}
