package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/filters"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fadhilkurnia/distro/cluster"
	"github.com/fadhilkurnia/distro/config"
	"github.com/fadhilkurnia/distro/store"
	"github.com/fadhilkurnia/distro/supervisor"
	"github.com/fadhilkurnia/distro/topology"
)

func testApp() *app {
	a := &app{level: new(slog.LevelVar)}
	a.logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	return a
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	a := testApp()

	var out bytes.Buffer

	root := newRootCmd(a)
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)

	err := root.Execute()

	return out.String(), err
}

func writeConfig(t *testing.T) (path, dataFile string) {
	t.Helper()

	dir := t.TempDir()
	dataFile = filepath.Join(dir, "results", "data.json")

	content := "system: etcd-io.etcd\n" +
		"sut_dir: " + filepath.Join(dir, "sut") + "\n" +
		"data_file: " + dataFile + "\n" +
		"nodes:\n" +
		"  - {private: 127.0.0.1, public: 127.0.0.1}\n" +
		"  - {private: 127.0.0.1, public: 127.0.0.1}\n" +
		"  - {private: 127.0.0.1, public: 127.0.0.1}\n"

	path = filepath.Join(dir, "distrobench.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path, dataFile
}

func TestSystemsCmd(t *testing.T) {
	out, err := execute(t, "systems")
	require.NoError(t, err)

	assert.Contains(t, out, "SYSTEM")
	assert.Contains(t, out, "etcd-io.etcd")
	assert.Contains(t, out, "epaxos")
	assert.Contains(t, out, "omnipaxos")
}

func TestPortsCmd(t *testing.T) {
	path, _ := writeConfig(t)

	out, err := execute(t, "ports", "--config", path)
	require.NoError(t, err)

	assert.Contains(t, out, "node1 private=127.0.0.1 public=127.0.0.1 client=2001 peer=3001")
	assert.Contains(t, out, "node3 private=127.0.0.1 public=127.0.0.1 client=2003 peer=3003")
	assert.Contains(t, out, "http://127.0.0.1:2002")
}

func TestPortsCmdSystemFlagOverridesConfig(t *testing.T) {
	path, _ := writeConfig(t)

	out, err := execute(t, "ports", "--config", path, "--system", "tikv.tikv")
	require.NoError(t, err)

	assert.Contains(t, out, "service=2103")
}

func TestResultsInitAndShow(t *testing.T) {
	path, dataFile := writeConfig(t)

	_, err := execute(t, "results", "init", "--config", path)
	require.NoError(t, err)
	assert.FileExists(t, dataFile)

	out, err := execute(t, "results", "--config", path, "--format", "json")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)

	_, err = execute(t, "results", "--config", path, "--format", "csv")
	assert.Error(t, err)
}

func TestRunRequiresResultFile(t *testing.T) {
	path, _ := writeConfig(t)

	_, err := execute(t, "run", "--config", path, "--workload", "workloada")
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrMissing)
}

func TestUnknownLogFormat(t *testing.T) {
	_, err := execute(t, "systems", "--log-format", "xml")
	assert.Error(t, err)
}

func TestResultsWithoutSystem(t *testing.T) {
	dir := t.TempDir()
	dataFile := filepath.Join(dir, "data.json")
	path := filepath.Join(dir, "distrobench.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_file: "+dataFile+"\n"), 0o644))

	_, err := execute(t, "results", "init", "--config", path)
	require.NoError(t, err)

	out, err := execute(t, "results", "--config", path, "--format", "json")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)

	_, err = execute(t, "ports", "--config", path)
	assert.ErrorIs(t, err, errNoSystem)

	_, err = execute(t, "ports", "--config", path, "--system", "etcd-io.etcd")
	assert.ErrorIs(t, err, errNoNodes)
}

type fakeDocker struct {
	closed bool
}

func (*fakeDocker) NetworksPrune(context.Context, filters.Args) (types.NetworksPruneReport, error) {
	return types.NetworksPruneReport{}, nil
}

func (f *fakeDocker) Close() error {
	f.closed = true

	return nil
}

func TestNewDeploymentClosesDockerOnFailure(t *testing.T) {
	var opened []*fakeDocker

	orig := newDockerClient
	newDockerClient = func() (dockerClient, error) {
		d := &fakeDocker{}
		opened = append(opened, d)

		return d, nil
	}
	t.Cleanup(func() { newDockerClient = orig })

	base := config.Config{
		System: "etcd-io.etcd",
		SUTDir: config.Path(t.TempDir()),
		Nodes:  []topology.Node{{Private: topology.Loopback, Public: topology.Loopback}},
	}

	badArgs := base
	badArgs.Targets = map[string]config.TargetConfig{
		"etcd-io.etcd": {ExtraArgs: `--name "unterminated`},
	}

	_, err := testApp().newDeployment(&badArgs, io.Discard, 0)
	require.Error(t, err)
	assert.Empty(t, opened)

	badProtocol := base
	badProtocol.Protocol = "pbft"

	_, err = testApp().newDeployment(&badProtocol, io.Discard, 0)
	require.ErrorIs(t, err, cluster.ErrUnknownProtocol)
	require.Len(t, opened, 1)
	assert.True(t, opened[0].closed)
}

// sleeperSession starts one local sleeper on Start and blocks in Benchmark
// until its context ends.
type sleeperSession struct {
	sup       *supervisor.Supervisor
	started   chan struct{}
	runs      int
	stopped   bool
	stopCtxOK bool
}

func (s *sleeperSession) Start(ctx context.Context) ([]string, error) {
	_, err := s.sup.Spawn(ctx, supervisor.Spec{Name: "node1", Command: []string{"sleep", "30"}})

	return []string{"127.0.0.1:2001"}, err
}

func (s *sleeperSession) Stop(ctx context.Context) error {
	s.stopped = true
	s.stopCtxOK = ctx.Err() == nil

	return s.sup.TerminateAll(ctx)
}

func (s *sleeperSession) Benchmark(ctx context.Context, _ string) (*store.Record, error) {
	s.runs++
	if s.runs == 1 {
		close(s.started)
	}

	<-ctx.Done()

	return nil, ctx.Err()
}

func (*sleeperSession) Protocol() cluster.Protocol { return cluster.Protocol{Name: "raft"} }

func (*sleeperSession) Endpoints() []string { return []string{"127.0.0.1:2001"} }

func newSleeperSession() *sleeperSession {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return &sleeperSession{
		sup:     supervisor.New(nil, time.Second, logger),
		started: make(chan struct{}),
	}
}

func initStore(t *testing.T) *store.Store {
	t.Helper()

	results := store.Open(filepath.Join(t.TempDir(), "data.json"), false, slog.New(slog.NewTextHandler(io.Discard, nil)))
	_, err := results.Init()
	require.NoError(t, err)

	return results
}

func TestBenchmarkAllStopsClusterWhenCancelled(t *testing.T) {
	session := newSleeperSession()
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		<-session.started
		cancel()
	}()

	err := testApp().benchmarkAll(ctx, session, initStore(t), runConfig{
		workloads: []string{"workloada", "workloadb"},
		deploy:    true,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, 1, session.runs)
	assert.True(t, session.stopped)
	assert.True(t, session.stopCtxOK)
	assert.Empty(t, session.sup.Active())
}

func TestBenchmarkAllStopsClusterOnInterrupt(t *testing.T) {
	session := newSleeperSession()

	go func() {
		<-session.started

		p, err := os.FindProcess(os.Getpid())
		if err == nil {
			_ = p.Signal(os.Interrupt)
		}
	}()

	err := testApp().benchmarkAll(context.Background(), session, initStore(t), runConfig{
		workloads: []string{"workloada"},
		deploy:    true,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	assert.True(t, session.stopped)
	assert.Empty(t, session.sup.Active())
}
