// Package report formats stored benchmark results into comparison tables.
package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/fadhilkurnia/distro/harness"
	"github.com/fadhilkurnia/distro/store"
)

// Formats accepted by Write.
const (
	FormatTable = "table"
	FormatJSON  = "json"
	FormatYAML  = "yaml"
)

// Write renders records in format.
func Write(w io.Writer, format string, records []store.Record) error {
	switch format {
	case FormatTable, "":
		return Generate(w, records)
	case FormatJSON:
		return GenerateJSON(w, records)
	case FormatYAML:
		return GenerateYAML(w, records)
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

// Generate writes a markdown comparison table per workload. Speedup is the
// best throughput in the workload divided by the row's throughput, so the
// fastest row reads 1.00x.
func Generate(w io.Writer, records []store.Record) error {
	if len(records) == 0 {
		return errors.New("no results to report")
	}

	fmt.Fprintln(w, "## Benchmark Results")

	for _, wl := range workloads(records) {
		rows := filterWorkload(records, wl)
		best := bestThroughput(rows)

		fmt.Fprintln(w)
		fmt.Fprintf(w, "### %s\n", wl)
		fmt.Fprintln(w)

		fmt.Fprintln(w, "| System | Protocol | Language | Throughput | Runtime "+
			"| Read Lat | Update Lat | Insert Lat | Speedup |")
		fmt.Fprintln(w, "|--------|----------|----------|------------|---------"+
			"|----------|------------|------------|---------|")

		for _, r := range rows {
			tput, ok := metric(r, "OVERALL", "Throughput(ops/sec)")

			speedup := "-"
			if ok && tput > 0 && best > 0 {
				speedup = fmt.Sprintf("%.2fx", best/tput)
			}

			runtime, hasRuntime := metric(r, "OVERALL", "RunTime(ms)")

			fmt.Fprintf(w, "| %s | %s | %s | %s | %s | %s | %s | %s | %s |\n",
				r.System,
				r.Protocol,
				orDash(r.Language),
				formatThroughput(tput, ok),
				formatMs(int64(runtime), hasRuntime),
				formatLatency(metric(r, "READ", "AverageLatency(us)")),
				formatLatency(metric(r, "UPDATE", "AverageLatency(us)")),
				formatLatency(metric(r, "INSERT", "AverageLatency(us)")),
				speedup,
			)
		}

		fmt.Fprintln(w)

		// Detail rows.
		fmt.Fprintln(w, "| System | Protocol | Consistency | Persistency | Operations |")
		fmt.Fprintln(w, "|--------|----------|-------------|-------------|------------|")

		for _, r := range rows {
			fmt.Fprintf(w, "| %s | %s | %s | %s | %s |\n",
				r.System,
				r.Protocol,
				orDash(r.Consistency),
				orDash(r.Persistency),
				humanize.Comma(operations(r)),
			)
		}
	}

	return nil
}

// GenerateJSON writes records as JSON to w.
func GenerateJSON(w io.Writer, records []store.Record) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(records)
}

// GenerateYAML writes records as a YAML sequence, keeping field and
// section order.
func GenerateYAML(w io.Writer, records []store.Record) error {
	seq := &yaml.Node{Kind: yaml.SequenceNode}

	for _, r := range records {
		node, err := recordNode(r)
		if err != nil {
			return err
		}

		seq.Content = append(seq.Content, node)
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)

	if err := enc.Encode(seq); err != nil {
		return fmt.Errorf("encode yaml: %w", err)
	}

	return enc.Close()
}

func recordNode(r store.Record) (*yaml.Node, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}

	add := func(key string, value *yaml.Node) {
		node.Content = append(node.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: key}, value)
	}

	str := func(s string) *yaml.Node {
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: s}
	}

	add("project", str(r.System))
	add("protocol", str(r.Protocol))

	if r.Language != "" {
		add("language", str(r.Language))
	}

	add("workload", str(r.Workload))

	if r.Consistency != "" {
		add("consistency", str(r.Consistency))
	}

	if r.Persistency != "" {
		add("persistency", str(r.Persistency))
	}

	result := r.Result
	if result == nil {
		result = harness.NewReport()
	}

	v, err := result.MarshalYAML()
	if err != nil {
		return nil, fmt.Errorf("encode result of %s/%s: %w", r.System, r.Protocol, err)
	}

	add("result", v.(*yaml.Node))

	return node, nil
}

func workloads(records []store.Record) []string {
	var out []string

	seen := make(map[string]bool)

	for _, r := range records {
		if !seen[r.Workload] {
			seen[r.Workload] = true
			out = append(out, r.Workload)
		}
	}

	return out
}

func filterWorkload(records []store.Record, wl string) []store.Record {
	var out []store.Record

	for _, r := range records {
		if r.Workload == wl {
			out = append(out, r)
		}
	}

	return out
}

func metric(r store.Record, section, key string) (float64, bool) {
	if r.Result == nil {
		return 0, false
	}

	s, ok := r.Result.Lookup(section)
	if !ok {
		return 0, false
	}

	return s.Float(key)
}

func bestThroughput(records []store.Record) float64 {
	var best float64

	for _, r := range records {
		if t, ok := metric(r, "OVERALL", "Throughput(ops/sec)"); ok && t > best {
			best = t
		}
	}

	return best
}

func operations(r store.Record) int64 {
	var total int64

	for _, name := range []string{"READ", "UPDATE", "INSERT", "DELETE"} {
		if n, ok := metric(r, name, "Operations"); ok {
			total += int64(n)
		}
	}

	return total
}

func formatThroughput(ops float64, ok bool) string {
	if !ok {
		return "-"
	}

	return humanize.Commaf(math.Round(ops*10)/10) + " ops/s"
}

func formatMs(ms int64, ok bool) string {
	if !ok {
		return "-"
	}

	if ms < 1000 {
		return fmt.Sprintf("%dms", ms)
	}

	return fmt.Sprintf("%.2fs", float64(ms)/1000)
}

func formatLatency(us float64, ok bool) string {
	if !ok {
		return "-"
	}

	if us < 1000 {
		return strings.TrimSuffix(fmt.Sprintf("%.1f", us), ".0") + "us"
	}

	return fmt.Sprintf("%.2fms", us/1000)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}

	return s
}
