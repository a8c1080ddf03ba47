// Package workload describes YCSB core workloads and writes them as
// properties files the workload generator can load with -P.
package workload

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
)

// CoreWorkload is the YCSB class implementing the core workloads.
const CoreWorkload = "site.ycsb.workloads.CoreWorkload"

// Request distributions accepted by the core workload.
const (
	Zipfian = "zipfian"
	Uniform = "uniform"
	Latest  = "latest"
)

// Spec is one YCSB core workload. Proportions should add up to 1.
type Spec struct {
	Name           string
	RecordCount    int
	OperationCount int

	ReadProportion            float64
	UpdateProportion          float64
	InsertProportion          float64
	ScanProportion            float64
	ReadModifyWriteProportion float64

	RequestDistribution    string
	MaxScanLength          int
	ScanLengthDistribution string
	ReadAllFields          bool
}

var builtin = map[string]Spec{
	"workloada": {
		ReadProportion:      0.5,
		UpdateProportion:    0.5,
		RequestDistribution: Zipfian,
	},
	"workloadb": {
		ReadProportion:      0.95,
		UpdateProportion:    0.05,
		RequestDistribution: Zipfian,
	},
	"workloadc": {
		ReadProportion:      1,
		RequestDistribution: Zipfian,
	},
	"workloadd": {
		ReadProportion:      0.95,
		InsertProportion:    0.05,
		RequestDistribution: Latest,
	},
	"workloade": {
		ScanProportion:         0.95,
		InsertProportion:       0.05,
		RequestDistribution:    Zipfian,
		MaxScanLength:          100,
		ScanLengthDistribution: Uniform,
	},
	"workloadf": {
		ReadProportion:            0.5,
		ReadModifyWriteProportion: 0.5,
		RequestDistribution:       Zipfian,
	},
}

// Names returns the built-in workload names in order.
func Names() []string {
	names := make([]string, 0, len(builtin))
	for n := range builtin {
		names = append(names, n)
	}

	sort.Strings(names)

	return names
}

// Builtin returns the named core workload with the default record and
// operation counts.
func Builtin(name string) (Spec, bool) {
	s, ok := builtin[name]
	if !ok {
		return Spec{}, false
	}

	s.Name = name
	s.RecordCount = 1000
	s.OperationCount = 1000
	s.ReadAllFields = true

	return s, true
}

// Validate checks that the proportions are usable.
func (s Spec) Validate() error {
	total := s.ReadProportion + s.UpdateProportion + s.InsertProportion +
		s.ScanProportion + s.ReadModifyWriteProportion

	if total < 0.999 || total > 1.001 {
		return fmt.Errorf("workload %s: proportions add up to %g, want 1", s.Name, total)
	}

	if s.RecordCount <= 0 || s.OperationCount <= 0 {
		return fmt.Errorf("workload %s: record and operation counts must be positive", s.Name)
	}

	return nil
}

// WriteProperties writes s in the YCSB properties format. The output is
// the same for the same Spec.
func (s Spec) WriteProperties(w io.Writer) error {
	bw := bufio.NewWriter(w)

	props := [][2]string{
		{"workload", CoreWorkload},
		{"recordcount", strconv.Itoa(s.RecordCount)},
		{"operationcount", strconv.Itoa(s.OperationCount)},
		{"readallfields", strconv.FormatBool(s.ReadAllFields)},
		{"readproportion", formatProportion(s.ReadProportion)},
		{"updateproportion", formatProportion(s.UpdateProportion)},
		{"scanproportion", formatProportion(s.ScanProportion)},
		{"insertproportion", formatProportion(s.InsertProportion)},
		{"readmodifywriteproportion", formatProportion(s.ReadModifyWriteProportion)},
		{"requestdistribution", s.RequestDistribution},
	}

	if s.MaxScanLength > 0 {
		props = append(props, [2]string{"maxscanlength", strconv.Itoa(s.MaxScanLength)})
	}

	if s.ScanLengthDistribution != "" {
		props = append(props, [2]string{"scanlengthdistribution", s.ScanLengthDistribution})
	}

	if _, err := fmt.Fprintf(bw, "# %s\n", s.Name); err != nil {
		return fmt.Errorf("write properties: %w", err)
	}

	for _, p := range props {
		if _, err := fmt.Fprintf(bw, "%s=%s\n", p[0], p[1]); err != nil {
			return fmt.Errorf("write properties: %w", err)
		}
	}

	return bw.Flush()
}

func formatProportion(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// Resolve returns the properties file for name. A file called name in
// dir wins; dir is taken relative to base when it is not absolute. When
// no such file exists and name is built in, the definition is written
// to a temporary file and cleanup removes it. The workload name stored
// with results is always name.
func Resolve(base, dir, name string) (path string, cleanup func(), err error) {
	cleanup = func() {}

	local := dir
	if !filepath.IsAbs(local) {
		local = filepath.Join(base, dir)
	}

	candidate := filepath.Join(local, name)

	if _, err := os.Stat(candidate); err == nil {
		// YCSB runs from base, so hand it the path it was configured with.
		return filepath.Join(dir, name), cleanup, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", cleanup, fmt.Errorf("stat workload %s: %w", candidate, err)
	}

	spec, ok := Builtin(name)
	if !ok {
		return "", cleanup, fmt.Errorf("unknown workload %q", name)
	}

	f, err := os.CreateTemp("", name+".*.properties")
	if err != nil {
		return "", cleanup, fmt.Errorf("create workload file: %w", err)
	}

	if err := spec.WriteProperties(f); err != nil {
		f.Close()
		os.Remove(f.Name())

		return "", cleanup, err
	}

	if err := f.Close(); err != nil {
		os.Remove(f.Name())

		return "", cleanup, fmt.Errorf("close workload file: %w", err)
	}

	return f.Name(), func() { os.Remove(f.Name()) }, nil
}
