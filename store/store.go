// Package store persists benchmark results as a JSON array, one record per
// (system, protocol, workload).
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/fadhilkurnia/distro/harness"
)

var (
	// ErrMissing is returned when the result file does not exist.
	ErrMissing = errors.New("result file does not exist")

	// ErrCorrupt is returned when the result file is not a JSON array of
	// records.
	ErrCorrupt = errors.New("result file is corrupt")
)

// AllowedSections are the report sections kept in a stored result.
var AllowedSections = []string{"READ", "UPDATE", "DELETE", "INSERT", "OVERALL"}

var allowed = func() map[string]bool {
	m := make(map[string]bool, len(AllowedSections))
	for _, s := range AllowedSections {
		m[s] = true
	}

	return m
}()

// Filter drops every section not in AllowedSections.
func Filter(r *harness.Report) *harness.Report {
	if r == nil {
		return harness.NewReport()
	}

	return r.Filter(allowed)
}

// Record is one stored result. Fields the program does not know about are
// kept and written back unchanged.
type Record struct {
	System      string
	Protocol    string
	Language    string
	Workload    string
	Consistency string
	Persistency string
	Result      *harness.Report

	extra map[string]json.RawMessage
}

// Key returns the identity of the record.
func (r Record) Key() [3]string {
	return [3]string{r.System, r.Protocol, r.Workload}
}

type field struct {
	name      string
	value     *string
	omitEmpty bool
}

func (r *Record) fields() []field {
	return []field{
		{"project", &r.System, false},
		{"protocol", &r.Protocol, false},
		{"language", &r.Language, true},
		{"workload", &r.Workload, false},
		{"consistency", &r.Consistency, true},
		{"persistency", &r.Persistency, true},
	}
}

// MarshalJSON writes the record with the field names the results
// dashboard reads.
func (r Record) MarshalJSON() ([]byte, error) {
	var b bytes.Buffer

	b.WriteByte('{')

	first := true
	write := func(name string, raw []byte) {
		if !first {
			b.WriteByte(',')
		}

		first = false

		key, _ := json.Marshal(name)
		b.Write(key)
		b.WriteByte(':')
		b.Write(raw)
	}

	for _, f := range r.fields() {
		if f.omitEmpty && *f.value == "" {
			continue
		}

		raw, err := json.Marshal(*f.value)
		if err != nil {
			return nil, err
		}

		write(f.name, raw)
	}

	result := r.Result
	if result == nil {
		result = harness.NewReport()
	}

	raw, err := result.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}

	write("result", raw)

	keys := make([]string, 0, len(r.extra))
	for k := range r.extra {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, k := range keys {
		write(k, r.extra[k])
	}

	b.WriteByte('}')

	return b.Bytes(), nil
}

// UnmarshalJSON reads a record, keeping unknown fields.
func (r *Record) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*r = Record{}

	for _, f := range r.fields() {
		v, ok := raw[f.name]
		if !ok {
			continue
		}

		if err := json.Unmarshal(v, f.value); err != nil {
			return fmt.Errorf("field %s: %w", f.name, err)
		}

		delete(raw, f.name)
	}

	r.Result = harness.NewReport()

	if v, ok := raw["result"]; ok {
		if err := r.Result.UnmarshalJSON(v); err != nil {
			return fmt.Errorf("field result: %w", err)
		}

		delete(raw, "result")
	}

	if len(raw) > 0 {
		r.extra = raw
	}

	return nil
}

// Store reads and rewrites one result file. It is not safe for concurrent
// use by several processes.
type Store struct {
	path   string
	indent bool
	logger *slog.Logger
}

// Open returns a Store for path. indent selects human-readable output.
func Open(path string, indent bool, logger *slog.Logger) *Store {
	return &Store{
		path:   path,
		indent: indent,
		logger: logger.With(slog.String("store", path)),
	}
}

// Path returns the result file path.
func (s *Store) Path() string {
	return s.path
}

// Init creates the result file with an empty array when it does not
// exist. It reports whether the file was created.
func (s *Store) Init() (bool, error) {
	if _, err := os.Stat(s.path); err == nil {
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("stat %s: %w", s.path, err)
	}

	if err := s.write(nil); err != nil {
		return false, err
	}

	s.logger.Info("created result file")

	return true, nil
}

// Load returns every stored record in file order.
func (s *Store) Load() ([]Record, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", s.path, ErrMissing)
	}

	if err != nil {
		return nil, fmt.Errorf("load %s: %w", s.path, err)
	}

	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("load %s: %w: %v", s.path, ErrCorrupt, err)
	}

	if records == nil {
		return nil, fmt.Errorf("load %s: %w: not an array", s.path, ErrCorrupt)
	}

	return records, nil
}

// Upsert stores rec. When a record with the same system, protocol and
// workload exists only its result is replaced; otherwise rec is appended.
// The result is filtered to AllowedSections first. It reports whether a
// new record was added.
func (s *Store) Upsert(rec Record) (bool, error) {
	records, err := s.Load()
	if err != nil {
		return false, err
	}

	rec.Result = Filter(rec.Result)

	inserted := true

	for i := range records {
		if records[i].Key() == rec.Key() {
			records[i].Result = rec.Result
			inserted = false
		}
	}

	if inserted {
		records = append(records, rec)
	}

	if err := s.write(records); err != nil {
		return false, err
	}

	s.logger.Info("stored result",
		slog.String("system", rec.System),
		slog.String("protocol", rec.Protocol),
		slog.String("workload", rec.Workload),
		slog.Bool("inserted", inserted),
	)

	return inserted, nil
}

// write replaces the file through a temporary file in the same directory.
func (s *Store) write(records []Record) error {
	if records == nil {
		records = []Record{}
	}

	var (
		data []byte
		err  error
	)

	if s.indent {
		data, err = json.MarshalIndent(records, "", "  ")
	} else {
		data, err = json.Marshal(records)
	}

	if err != nil {
		return fmt.Errorf("encode results: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	defer os.Remove(tmp.Name()) //nolint:errcheck

	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()

		return fmt.Errorf("chmod %s: %w", tmp.Name(), err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()

		return fmt.Errorf("write %s: %w", tmp.Name(), err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()

		return fmt.Errorf("sync %s: %w", tmp.Name(), err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp.Name(), err)
	}

	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace %s: %w", s.path, err)
	}

	return nil
}
