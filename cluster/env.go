package cluster

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"text/template"
	"time"

	"github.com/avast/retry-go"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/fadhilkurnia/distro/remote"
	"github.com/fadhilkurnia/distro/supervisor"
	"github.com/fadhilkurnia/distro/topology"
)

//go:embed templates/*.tmpl
var templates embed.FS

// Shell runs commands on remote hosts. *remote.Client satisfies it.
type Shell interface {
	supervisor.Shell
	Exists(ctx context.Context, host, path string) (bool, error)
}

// Syncer copies local files to remote hosts. *remote.Syncer satisfies it.
type Syncer interface {
	Sync(ctx context.Context, host, src, dst string) error
}

// Env is what a Target sees while deploying: the allocated nodes, the
// selected protocol, and helpers that run each step locally or over SSH
// depending on the node.
type Env struct {
	Assignment *topology.Assignment
	Protocol   Protocol

	// LocalDir holds the target's artifacts on this machine.
	LocalDir string
	// RemoteHome is the root under which remote artifacts live.
	RemoteHome string

	// Version overrides the release a target downloads.
	Version string
	// ExtraArgs are appended to every server command line.
	ExtraArgs []string
	// TemplatePath overrides the embedded config template.
	TemplatePath string

	ReadyTimeout   time.Duration
	TriggerTimeout time.Duration

	Supervisor *supervisor.Supervisor
	Shell      Shell
	Syncer     Syncer
	Docker     NetworkPruner

	// Output receives the output of watched and one-shot local commands.
	Output io.Writer
	Logger *slog.Logger
}

// IsLocal reports whether node i runs on this machine.
func (e *Env) IsLocal(i int) bool {
	return e.Assignment.Node(i).IsLocal()
}

// Host returns the address used to reach node i over SSH.
func (e *Env) Host(i int) string {
	return e.Assignment.Node(i).Public
}

// Dir returns the artifact directory of node i: LocalDir for local nodes,
// RemoteHome/remoteName for remote ones, with elem joined on.
func (e *Env) Dir(i int, remoteName string, elem ...string) string {
	if e.IsLocal(i) {
		return filepath.Join(append([]string{e.LocalDir}, elem...)...)
	}

	return path.Join(append([]string{e.RemoteHome, remoteName}, elem...)...)
}

// FirstOnHost reports whether node i is the first node placed on its host.
// Per-host steps such as downloads run only there.
func (e *Env) FirstOnHost(i int) bool {
	return e.hostLeader(i) == i
}

// hostLeader returns the first node sharing node i's host.
func (e *Env) hostLeader(i int) int {
	host := e.Host(i)
	for j := 0; j < i; j++ {
		if e.Host(j) == host {
			return j
		}
	}

	return i
}

func (e *Env) remote(i int) *supervisor.Remote {
	if e.IsLocal(i) {
		return nil
	}

	return &supervisor.Remote{Host: e.Host(i)}
}

func (e *Env) nodeLogger(i int) *slog.Logger {
	return e.Logger.With(slog.Int("node", i+1), slog.String("host", e.Host(i)))
}

// Spawn starts a long-running process on node i.
func (e *Env) Spawn(ctx context.Context, i int, spec supervisor.Spec) (*supervisor.Process, error) {
	spec.Remote = e.remote(i)
	if spec.Watch && spec.Output == nil {
		spec.Output = e.Output
	}

	p, err := e.Supervisor.Spawn(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("node %d: %w", i+1, err)
	}

	return p, nil
}

// Exec runs a command to completion on node i.
func (e *Env) Exec(ctx context.Context, i int, spec supervisor.Spec) ([]byte, error) {
	spec.Remote = e.remote(i)
	if spec.Output == nil && spec.Remote == nil {
		spec.Output = e.Output
	}

	out, err := e.Supervisor.Run(ctx, spec)
	if err != nil {
		return out, fmt.Errorf("node %d: %w", i+1, err)
	}

	return out, nil
}

// MkdirAll creates dir on node i.
func (e *Env) MkdirAll(ctx context.Context, i int, dir string) error {
	if e.IsLocal(i) {
		return os.MkdirAll(dir, 0o755)
	}

	if _, err := e.Shell.Run(ctx, e.Host(i), "mkdir -p "+remote.Quote(dir)); err != nil {
		return fmt.Errorf("node %d: mkdir %s: %w", i+1, dir, err)
	}

	return nil
}

// Provision makes sure every probe file exists in dir on node i, and
// otherwise downloads and extracts urls into dir.
func (e *Env) Provision(ctx context.Context, i int, dir string, probes, urls []string, strip int) error {
	script := remote.Provision(dir, probes, urls, strip)

	if e.IsLocal(i) {
		if allExist(dir, probes) {
			return nil
		}

		e.nodeLogger(i).InfoContext(ctx, "downloading release", slog.String("dir", dir))

		var stderr bytes.Buffer

		cmd := exec.CommandContext(ctx, "sh", "-c", script)
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			return fmt.Errorf("provision %s: %w\nstderr: %s", dir, err, stderr.String())
		}

		return nil
	}

	if _, err := e.Shell.Run(ctx, e.Host(i), script); err != nil {
		return fmt.Errorf("node %d: provision %s: %w", i+1, dir, err)
	}

	return nil
}

func allExist(dir string, probes []string) bool {
	for _, p := range probes {
		if _, err := os.Stat(filepath.Join(dir, p)); err != nil {
			return false
		}
	}

	return len(probes) > 0
}

// SyncArtifact copies src to dst on a remote node i unless dst already
// exists there. It reports whether anything was copied; local nodes use
// src in place.
func (e *Env) SyncArtifact(ctx context.Context, i int, src, dst string) (bool, error) {
	if e.IsLocal(i) {
		return false, nil
	}

	exists, err := e.Shell.Exists(ctx, e.Host(i), dst)
	if err != nil {
		return false, fmt.Errorf("node %d: probe %s: %w", i+1, dst, err)
	}

	if exists {
		e.nodeLogger(i).DebugContext(ctx, "artifact present, skipping sync", slog.String("path", dst))

		return false, nil
	}

	if err := e.Syncer.Sync(ctx, e.Host(i), src, dst); err != nil {
		return false, fmt.Errorf("node %d: %w", i+1, err)
	}

	return true, nil
}

// Stage returns the path of the artifact rel on node i. Local nodes use
// LocalDir/rel, which must exist; remote nodes get a copy under
// RemoteHome/remoteName/rel unless one is already there. rel may name a
// file or a directory.
func (e *Env) Stage(ctx context.Context, i int, remoteName, rel string) (string, error) {
	local := filepath.Join(e.LocalDir, rel)

	info, err := os.Stat(local)
	if err != nil {
		return "", fmt.Errorf("artifact %s: %w", local, err)
	}

	if e.IsLocal(i) {
		return local, nil
	}

	src := local
	if info.IsDir() {
		src += "/"
	}

	dst := path.Join(e.RemoteHome, remoteName, filepath.ToSlash(rel))
	if _, err := e.SyncArtifact(ctx, i, src, dst); err != nil {
		return "", err
	}

	return dst, nil
}

// Template returns the named config template, or the file at
// TemplatePath when one is configured.
func (e *Env) Template(name string) (*template.Template, error) {
	if e.TemplatePath != "" {
		t, err := template.ParseFiles(e.TemplatePath)
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", e.TemplatePath, err)
		}

		return t, nil
	}

	t, err := template.ParseFS(templates, "templates/"+name)
	if err != nil {
		return nil, fmt.Errorf("parse template %s: %w", name, err)
	}

	return t, nil
}

// Materialize renders tmpl with data into localPath and, for a remote node
// i, copies it to remotePath. The file is in place on the node when
// Materialize returns.
func (e *Env) Materialize(
	ctx context.Context,
	i int,
	tmpl *template.Template,
	data any,
	localPath, remotePath string,
) error {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("render %s: %w", localPath, err)
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(localPath), err)
	}

	if err := os.WriteFile(localPath, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", localPath, err)
	}

	if e.IsLocal(i) {
		return nil
	}

	if err := e.Syncer.Sync(ctx, e.Host(i), localPath, remotePath); err != nil {
		return fmt.Errorf("node %d: %w", i+1, err)
	}

	return nil
}

// Sweep kills processes matching pattern on node i and removes artifacts.
func (e *Env) Sweep(ctx context.Context, i int, pattern string, artifacts []string) error {
	if err := e.Supervisor.Sweep(ctx, e.remote(i), pattern, artifacts); err != nil {
		return fmt.Errorf("node %d: %w", i+1, err)
	}

	return nil
}

// WaitReady blocks until every addr accepts TCP connections, retrying
// until ReadyTimeout. A zero ReadyTimeout skips the check.
func (e *Env) WaitReady(ctx context.Context, addrs ...string) error {
	if e.ReadyTimeout <= 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.ReadyTimeout)
	defer cancel()

	const delay = 250 * time.Millisecond

	for _, addr := range addrs {
		err := retry.Do(
			func() error {
				var d net.Dialer

				conn, err := d.DialContext(ctx, "tcp", addr)
				if err != nil {
					return err
				}

				return conn.Close()
			},
			retry.Context(ctx),
			retry.Attempts(uint(e.ReadyTimeout/delay)+1),
			retry.Delay(delay),
			retry.DelayType(retry.FixedDelay),
			retry.LastErrorOnly(true),
		)
		if err != nil {
			return fmt.Errorf("wait for %s: %w", addr, err)
		}

		e.Logger.DebugContext(ctx, "endpoint ready", slog.String("addr", addr))
	}

	return nil
}

// FanOut runs fn for every node concurrently and waits for all of them.
// It must only be used for members that do not depend on each other.
func (e *Env) FanOut(ctx context.Context, fn func(ctx context.Context, i int) error) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < e.Assignment.Len(); i++ {
		i := i
		g.Go(func() error {
			return fn(ctx, i)
		})
	}

	return g.Wait()
}

// forEach runs fn for every node in order. Every node is attempted and
// the failures are combined.
func (e *Env) forEach(ctx context.Context, fn func(i int) error) error {
	var result *multierror.Error

	for i := 0; i < e.Assignment.Len(); i++ {
		if err := fn(i); err != nil {
			e.nodeLogger(i).ErrorContext(ctx, "teardown step failed", slog.String("error", err.Error()))
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}
