package harness

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// fakeYCSB writes a shell script standing in for bin/ycsb. It records its
// arguments per phase and prints body for the run phase.
func fakeYCSB(t *testing.T, runBody string, runExit int) (dir string) {
	t.Helper()

	dir = t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "bin"), 0o755); err != nil {
		t.Fatal(err)
	}

	script := `#!/bin/sh
echo "$@" > "$(dirname "$0")/../$1.args"
if [ "$1" = "load" ]; then
  echo "[OVERALL], RunTime(ms), 1"
  exit 0
fi
cat <<'EOF'
` + runBody + `
EOF
exit ` + string(rune('0'+runExit)) + `
`

	if err := os.WriteFile(filepath.Join(dir, "bin", "ycsb"), []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}

	return dir
}

func TestRunnerRun(t *testing.T) {
	dir := fakeYCSB(t, strings.Join([]string{
		"[INFO] starting",
		"[OVERALL], RunTime(ms), 1234",
		"[OVERALL], Throughput(ops/sec), 810.3",
		"[READ], AverageLatency(us), 45.6",
	}, "\n"), 0)

	var echo bytes.Buffer

	r := NewRunner("./bin/ycsb", dir, []string{"-threads", "4"}, nil, &echo, discardLogger())

	report, err := r.Run(context.Background(), RunConfig{
		WorkloadPath: "./workloads/workloada",
		Endpoints:    []string{"http://10.0.0.1:2001", "http://10.0.0.2:2001"},
		Binding:      Binding{Interface: "etcd", Key: "etcd.endpoints", AllEndpoints: true},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	overall, ok := report.Lookup("OVERALL")
	if !ok {
		t.Fatal("OVERALL section missing")
	}
	if v, _ := overall.Get("RunTime(ms)"); v != int64(1234) {
		t.Errorf("RunTime(ms) = %#v, want 1234", v)
	}

	if !strings.Contains(echo.String(), "[READ], AverageLatency(us), 45.6") {
		t.Errorf("run output was not echoed: %q", echo.String())
	}

	args, err := os.ReadFile(filepath.Join(dir, "run.args"))
	if err != nil {
		t.Fatalf("read run args: %v", err)
	}

	want := "run etcd -P ./workloads/workloada -p etcd.endpoints=http://10.0.0.1:2001,http://10.0.0.2:2001 -threads 4"
	if got := strings.TrimSpace(string(args)); got != want {
		t.Errorf("run args = %q, want %q", got, want)
	}

	if _, err := os.Stat(filepath.Join(dir, "load.args")); err != nil {
		t.Errorf("load phase did not run: %v", err)
	}
}

func TestRunnerPartialReport(t *testing.T) {
	dir := fakeYCSB(t, "[OVERALL], RunTime(ms), 99", 1)

	r := NewRunner("./bin/ycsb", dir, nil, nil, nil, discardLogger())

	report, err := r.Run(context.Background(), RunConfig{
		WorkloadPath: "w",
		Binding:      Binding{Interface: "paxi"},
	})
	if err != nil {
		t.Fatalf("partial report should not fail: %v", err)
	}

	if report.Empty() {
		t.Error("partial report is empty")
	}
}

func TestRunnerEmptyReport(t *testing.T) {
	dir := fakeYCSB(t, "[INFO] nothing measured", 0)

	r := NewRunner("./bin/ycsb", dir, nil, nil, nil, discardLogger())

	_, err := r.Run(context.Background(), RunConfig{WorkloadPath: "w", Binding: Binding{Interface: "paxi"}})
	if !errors.Is(err, ErrEmptyReport) {
		t.Errorf("err = %v, want ErrEmptyReport", err)
	}
}

func TestRunnerLoadFailure(t *testing.T) {
	r := NewRunner("./bin/missing", t.TempDir(), nil, nil, nil, discardLogger())

	_, err := r.Run(context.Background(), RunConfig{WorkloadPath: "w", Binding: Binding{Interface: "paxi"}})
	if err == nil || !strings.Contains(err.Error(), "ycsb load") {
		t.Errorf("err = %v, want load failure", err)
	}
}

func TestBindingProperty(t *testing.T) {
	endpoints := []string{"a:1", "b:2"}

	tests := []struct {
		binding Binding
		want    []string
	}{
		{Binding{Interface: "hraftd"}, nil},
		{Binding{Interface: "tikv", Key: "tikv.clientConnect"}, []string{"-p", "tikv.clientConnect=a:1"}},
		{Binding{Interface: "tikv", Key: "tikv.clientConnect", AllEndpoints: true}, []string{"-p", "tikv.clientConnect=a:1,b:2"}},
	}

	for _, tt := range tests {
		got := tt.binding.Property(endpoints)
		if strings.Join(got, " ") != strings.Join(tt.want, " ") {
			t.Errorf("%+v: Property = %v, want %v", tt.binding, got, tt.want)
		}
	}

	if got := (Binding{Key: "k"}).Property(nil); got != nil {
		t.Errorf("Property(nil) = %v, want nil", got)
	}
}
