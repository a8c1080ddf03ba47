package workload

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWritePropertiesDeterministic(t *testing.T) {
	spec, ok := Builtin("workloada")
	if !ok {
		t.Fatal("workloada is not built in")
	}

	var buf1, buf2 bytes.Buffer

	if err := spec.WriteProperties(&buf1); err != nil {
		t.Fatalf("first write failed: %v", err)
	}

	if err := spec.WriteProperties(&buf2); err != nil {
		t.Fatalf("second write failed: %v", err)
	}

	if buf1.String() != buf2.String() {
		t.Error("properties are not deterministic for the same spec")
	}
}

func TestBuiltinProperties(t *testing.T) {
	tests := []struct {
		name string
		want map[string]string
	}{
		{
			name: "workloada",
			want: map[string]string{
				"readproportion":      "0.5",
				"updateproportion":    "0.5",
				"requestdistribution": "zipfian",
			},
		},
		{
			name: "workloadc",
			want: map[string]string{
				"readproportion":   "1",
				"updateproportion": "0",
			},
		},
		{
			name: "workloadd",
			want: map[string]string{
				"insertproportion":    "0.05",
				"requestdistribution": "latest",
			},
		},
		{
			name: "workloade",
			want: map[string]string{
				"scanproportion":         "0.95",
				"maxscanlength":          "100",
				"scanlengthdistribution": "uniform",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, ok := Builtin(tt.name)
			if !ok {
				t.Fatalf("%s is not built in", tt.name)
			}

			var buf bytes.Buffer
			if err := spec.WriteProperties(&buf); err != nil {
				t.Fatalf("WriteProperties failed: %v", err)
			}

			props := parseProperties(t, buf.String())

			if props["workload"] != CoreWorkload {
				t.Errorf("workload = %q, want %q", props["workload"], CoreWorkload)
			}
			if props["recordcount"] != "1000" {
				t.Errorf("recordcount = %q, want 1000", props["recordcount"])
			}

			for k, want := range tt.want {
				if props[k] != want {
					t.Errorf("%s = %q, want %q", k, props[k], want)
				}
			}
		})
	}
}

func TestBuiltinsAreValid(t *testing.T) {
	names := Names()
	if len(names) != 6 {
		t.Fatalf("len(Names()) = %d, want 6", len(names))
	}

	if names[0] != "workloada" || names[5] != "workloadf" {
		t.Errorf("Names() = %v, want workloada..workloadf", names)
	}

	for _, n := range names {
		spec, _ := Builtin(n)
		if err := spec.Validate(); err != nil {
			t.Errorf("%s: %v", n, err)
		}
	}
}

func TestValidateRejectsBadProportions(t *testing.T) {
	spec := Spec{Name: "bad", RecordCount: 1, OperationCount: 1, ReadProportion: 0.7}
	if err := spec.Validate(); err == nil {
		t.Error("expected error for proportions adding up to 0.7")
	}
}

func TestResolvePrefersExistingFile(t *testing.T) {
	base := t.TempDir()
	if err := os.MkdirAll(filepath.Join(base, "workloads"), 0o755); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(base, "workloads", "workloada"), []byte("recordcount=5\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	path, cleanup, err := Resolve(base, "workloads", "workloada")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	defer cleanup()

	if path != filepath.Join("workloads", "workloada") {
		t.Errorf("path = %q, want workloads/workloada", path)
	}
}

func TestResolveFallsBackToBuiltin(t *testing.T) {
	path, cleanup, err := Resolve(t.TempDir(), "workloads", "workloadb")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}

	if !strings.Contains(string(data), "readproportion=0.95") {
		t.Errorf("builtin file missing readproportion: %s", data)
	}

	cleanup()

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("cleanup left %s behind", path)
	}
}

func TestResolveUnknown(t *testing.T) {
	if _, _, err := Resolve(t.TempDir(), "workloads", "workloadz"); err == nil {
		t.Error("expected error for unknown workload")
	}
}

func parseProperties(t *testing.T, s string) map[string]string {
	t.Helper()

	props := make(map[string]string)

	scanner := bufio.NewScanner(strings.NewReader(s))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") || line == "" {
			continue
		}

		k, v, ok := strings.Cut(line, "=")
		if !ok {
			t.Fatalf("malformed property line %q", line)
		}

		props[k] = v
	}

	return props
}
