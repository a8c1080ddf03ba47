package cluster

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fadhilkurnia/distro/harness"
	"github.com/fadhilkurnia/distro/supervisor"
	"github.com/fadhilkurnia/distro/topology"
)

// stubTarget spawns one local sleeper per node and fails afterwards when
// deployErr is set.
type stubTarget struct {
	deployErr   error
	teardownErr error
	tornDown    bool
}

func (*stubTarget) Name() string { return "stub" }

func (*stubTarget) Protocols() []Protocol {
	return []Protocol{{Name: "raft", Language: "Go", Consistency: "Linearizability"}}
}

func (*stubTarget) Bases() topology.Bases {
	return topology.Bases{topology.RoleClient: 5001}
}

func (*stubTarget) Binding() harness.Binding {
	return harness.Binding{Interface: "stub", Key: "stub.hosts", AllEndpoints: true}
}

func (s *stubTarget) Deploy(ctx context.Context, env *Env) error {
	for i := 0; i < env.Assignment.Len(); i++ {
		if _, err := env.Spawn(ctx, i, supervisor.Spec{
			Name:    "sleeper",
			Command: []string{"sleep", "30"},
		}); err != nil {
			return err
		}
	}

	return s.deployErr
}

func (s *stubTarget) Teardown(context.Context, *Env) error {
	s.tornDown = true

	return s.teardownErr
}

func (*stubTarget) Endpoints(a *topology.Assignment) []string {
	return clientAddrs(a)
}

type fakeRunner struct {
	got    harness.RunConfig
	report *harness.Report
	err    error
}

func (f *fakeRunner) Run(_ context.Context, cfg harness.RunConfig) (*harness.Report, error) {
	f.got = cfg

	return f.report, f.err
}

func newTestSession(t *testing.T, target Target, runner Benchmarker) (*Session, *supervisor.Supervisor) {
	t.Helper()

	sup := supervisor.New(nil, time.Second, testLogger())

	s, err := NewSession(Options{
		Target:       target,
		Nodes:        localNodes(2),
		SUTDir:       t.TempDir(),
		YCSBDir:      t.TempDir(),
		WorkloadsDir: "workloads",
		Runner:       runner,
		Supervisor:   sup,
		Logger:       testLogger(),
	})
	require.NoError(t, err)

	return s, sup
}

func TestSessionStartAndStop(t *testing.T) {
	target := &stubTarget{}
	s, sup := newTestSession(t, target, nil)
	ctx := context.Background()

	endpoints, err := s.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"127.0.0.1:5001", "127.0.0.1:5002"}, endpoints)
	assert.Len(t, sup.Active(), 2)

	require.NoError(t, s.Stop(ctx))
	assert.Empty(t, sup.Active())
	assert.True(t, target.tornDown)
}

func TestSessionStartFailureStopsStartedProcesses(t *testing.T) {
	target := &stubTarget{deployErr: errors.New("node 2 refused to join")}
	s, sup := newTestSession(t, target, nil)

	_, err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "node 2 refused to join")
	assert.Empty(t, sup.Active())
}

func TestSessionStopRunsTeardownAndReportsFailure(t *testing.T) {
	target := &stubTarget{teardownErr: errors.New("host unreachable")}
	s, _ := newTestSession(t, target, nil)

	err := s.Stop(context.Background())
	require.Error(t, err)
	assert.True(t, target.tornDown)
	assert.Contains(t, err.Error(), "host unreachable")
}

func TestSessionBenchmark(t *testing.T) {
	report := harness.NewReport()
	report.Section("OVERALL").Set("Throughput(ops/sec)", 1234.5)
	report.Section("READ").Set("Operations", int64(500))
	report.Section("CLEANUP").Set("Operations", int64(1))

	runner := &fakeRunner{report: report}
	s, _ := newTestSession(t, &stubTarget{}, runner)

	rec, err := s.Benchmark(context.Background(), "workloadb")
	require.NoError(t, err)

	assert.Equal(t, "stub", rec.System)
	assert.Equal(t, "raft", rec.Protocol)
	assert.Equal(t, "Go", rec.Language)
	assert.Equal(t, "workloadb", rec.Workload)
	assert.Equal(t, "Linearizability", rec.Consistency)

	_, ok := rec.Result.Lookup("CLEANUP")
	assert.False(t, ok)

	_, ok = rec.Result.Lookup("OVERALL")
	assert.True(t, ok)

	assert.Equal(t, []string{"127.0.0.1:5001", "127.0.0.1:5002"}, runner.got.Endpoints)
	assert.Equal(t, "stub.hosts", runner.got.Binding.Key)

	// The builtin definition lives in a temporary file removed afterwards.
	_, err = os.Stat(runner.got.WorkloadPath)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestSessionBenchmarkPrefersWorkloadFile(t *testing.T) {
	runner := &fakeRunner{report: harness.NewReport()}
	runner.report.Section("OVERALL").Set("RunTime(ms)", int64(10))

	s, _ := newTestSession(t, &stubTarget{}, runner)
	require.NoError(t, os.MkdirAll(filepath.Join(s.ycsbDir, "workloads"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(s.ycsbDir, "workloads", "custom"), []byte("recordcount=1\n"), 0o644))

	_, err := s.Benchmark(context.Background(), "custom")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("workloads", "custom"), runner.got.WorkloadPath)
}

func TestSessionBenchmarkFailure(t *testing.T) {
	runner := &fakeRunner{err: harness.ErrEmptyReport}
	s, _ := newTestSession(t, &stubTarget{}, runner)

	_, err := s.Benchmark(context.Background(), "workloada")
	assert.ErrorIs(t, err, harness.ErrEmptyReport)

	_, err = s.Benchmark(context.Background(), "no-such-workload")
	assert.Error(t, err)
}

func TestNewSessionRejectsUnknownProtocol(t *testing.T) {
	_, err := NewSession(Options{
		Target: etcd{},
		Nodes:  localNodes(1),
		Logger: testLogger(),
	})
	require.NoError(t, err)

	_, err = NewSession(Options{
		Target:   etcd{},
		Protocol: "paxos",
		Nodes:    localNodes(1),
		Logger:   testLogger(),
	})
	assert.ErrorIs(t, err, ErrUnknownProtocol)
}
