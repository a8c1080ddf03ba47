package harness

import (
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseMixedOutput(t *testing.T) {
	input := strings.Join([]string{
		"[INFO] noise",
		"[OVERALL], RunTime(ms), 1234",
		"[READ], AverageLatency(us), 45.6",
	}, "\n")

	report, err := Parse(strings.NewReader(input), discardLogger())
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	overall, ok := report.Lookup("OVERALL")
	if !ok {
		t.Fatal("OVERALL section missing")
	}

	v, _ := overall.Get("RunTime(ms)")
	if got, ok := v.(int64); !ok || got != 1234 {
		t.Errorf("RunTime(ms) = %#v, want int64 1234", v)
	}

	read, ok := report.Lookup("READ")
	if !ok {
		t.Fatal("READ section missing")
	}

	v, _ = read.Get("AverageLatency(us)")
	if got, ok := v.(float64); !ok || got != 45.6 {
		t.Errorf("AverageLatency(us) = %#v, want float64 45.6", v)
	}

	if _, ok := report.Lookup("INFO"); ok {
		t.Error("INFO lines must not become a section")
	}

	got, err := json.Marshal(report)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	want := `{"OVERALL":{"RunTime(ms)":1234},"READ":{"AverageLatency(us)":45.6}}`
	if string(got) != want {
		t.Errorf("json = %s, want %s", got, want)
	}
}

func TestParseSkipsNonDataLines(t *testing.T) {
	input := strings.Join([]string{
		"",
		"   ",
		"Loading workload...",
		"[DEBUG] connecting",
		"[WARNING] slow",
		"  [OVERALL], Throughput(ops/sec), 812.5  ",
		"2024-01-01 10 sec: 1000 operations",
	}, "\n")

	report, err := Parse(strings.NewReader(input), discardLogger())
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if n := len(report.Sections()); n != 1 {
		t.Fatalf("sections = %d, want 1", n)
	}

	overall, _ := report.Lookup("OVERALL")
	if f, _ := overall.Float("Throughput(ops/sec)"); f != 812.5 {
		t.Errorf("throughput = %v, want 812.5", f)
	}
}

func TestParseEmptySection(t *testing.T) {
	p := NewParser(discardLogger())
	p.Line("[], key, 1")

	if p.Skipped() != 0 {
		t.Errorf("skipped = %d, want 0", p.Skipped())
	}

	sec, ok := p.Report().Lookup("")
	if !ok {
		t.Fatal("empty section missing")
	}

	if v, _ := sec.Get("key"); v != int64(1) {
		t.Errorf("key = %#v, want 1", v)
	}
}

func TestParseMalformedLinesAreSkipped(t *testing.T) {
	p := NewParser(discardLogger())

	for _, line := range []string{
		"[OVERALL] RunTime(ms) 1234",
		"[OVERALL], RunTime(ms)",
		"[READ], , 1",
		"[READ], Operations, 100",
	} {
		p.Line(line)
	}

	if p.Skipped() != 3 {
		t.Errorf("skipped = %d, want 3", p.Skipped())
	}

	read, ok := p.Report().Lookup("READ")
	if !ok {
		t.Fatal("READ section missing")
	}

	if v, _ := read.Get("Operations"); v != int64(100) {
		t.Errorf("Operations = %#v, want 100", v)
	}
}

func TestCoerce(t *testing.T) {
	tests := []struct {
		input string
		want  any
	}{
		{"1234", int64(1234)},
		{"-7", int64(-7)},
		{"45.6", 45.6},
		{"3.0", 3.0},
		{"1.2.3", "1.2.3"},
		{"NaN-ish", "NaN-ish"},
		{"", ""},
		{"99999999999999999999", "99999999999999999999"},
	}

	for _, tt := range tests {
		got := coerce(tt.input)
		if got != tt.want {
			t.Errorf("coerce(%q) = %#v, want %#v", tt.input, got, tt.want)
		}
	}
}

func TestRepeatedKeyLastWriteWins(t *testing.T) {
	p := NewParser(discardLogger())
	p.Line("[READ], Return=OK, 10")
	p.Line("[READ], Operations, 10")
	p.Line("[READ], Return=OK, 12")

	read, _ := p.Report().Lookup("READ")

	metrics := read.Metrics()
	if len(metrics) != 2 {
		t.Fatalf("metrics = %d, want 2", len(metrics))
	}

	if metrics[0].Key != "Return=OK" || metrics[0].Value != int64(12) {
		t.Errorf("first metric = %+v, want Return=OK=12 in original position", metrics[0])
	}
}

func TestParseIdempotent(t *testing.T) {
	input := "[OVERALL], RunTime(ms), 10\n[UPDATE], Operations, 5\n[UPDATE], AverageLatency(us), 1.5\n"

	first, _ := Parse(strings.NewReader(input), discardLogger())
	second, _ := Parse(strings.NewReader(input), discardLogger())

	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)

	if string(a) != string(b) {
		t.Errorf("parse not deterministic: %s vs %s", a, b)
	}
}

func TestReportJSONRoundTrip(t *testing.T) {
	r := NewReport()
	r.Section("OVERALL").Set("RunTime(ms)", int64(1000))
	r.Section("OVERALL").Set("Throughput(ops/sec)", 2000.0)
	r.Section("READ").Set("Note", "n/a")

	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	want := `{"OVERALL":{"RunTime(ms)":1000,"Throughput(ops/sec)":2000.0},"READ":{"Note":"n/a"}}`
	if string(data) != want {
		t.Fatalf("json = %s, want %s", data, want)
	}

	var back Report
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	overall, _ := back.Lookup("OVERALL")
	if v, _ := overall.Get("RunTime(ms)"); v != int64(1000) {
		t.Errorf("RunTime(ms) = %#v, want int64", v)
	}
	if v, _ := overall.Get("Throughput(ops/sec)"); v != 2000.0 {
		t.Errorf("Throughput = %#v, want float64", v)
	}
}

func TestReportFilter(t *testing.T) {
	r := NewReport()
	r.Section("OVERALL").Set("RunTime(ms)", int64(1))
	r.Section("CLEANUP").Set("Operations", int64(1))
	r.Section("READ").Set("Operations", int64(1))

	got := r.Filter(map[string]bool{"READ": true, "OVERALL": true})

	var names []string
	for _, s := range got.Sections() {
		names = append(names, s.Name)
	}

	if strings.Join(names, ",") != "OVERALL,READ" {
		t.Errorf("sections = %v, want [OVERALL READ]", names)
	}
}

func TestReportYAMLKeepsOrder(t *testing.T) {
	r := NewReport()
	r.Section("READ").Set("Operations", int64(5))
	r.Section("OVERALL").Set("RunTime(ms)", int64(10))

	out, err := yaml.Marshal(r)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	want := "READ:\n    Operations: 5\nOVERALL:\n    RunTime(ms): 10\n"
	if string(out) != want {
		t.Errorf("yaml = %q, want %q", out, want)
	}
}
