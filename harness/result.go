package harness

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Metric is one coerced report value: an int64, a float64, or a string.
type Metric struct {
	Key   string
	Value any
}

// Section holds the metrics of one report section in first-appearance
// order. Setting an existing key replaces its value in place.
type Section struct {
	Name    string
	metrics []Metric
	index   map[string]int
}

// NewSection returns an empty section.
func NewSection(name string) *Section {
	return &Section{Name: name, index: make(map[string]int)}
}

// Set stores value under key.
func (s *Section) Set(key string, value any) {
	if s.index == nil {
		s.index = make(map[string]int)
	}

	if i, ok := s.index[key]; ok {
		s.metrics[i].Value = value

		return
	}

	s.index[key] = len(s.metrics)
	s.metrics = append(s.metrics, Metric{Key: key, Value: value})
}

// Get returns the value stored under key.
func (s *Section) Get(key string) (any, bool) {
	i, ok := s.index[key]
	if !ok {
		return nil, false
	}

	return s.metrics[i].Value, true
}

// Float returns the value under key as a float64 when it is numeric.
func (s *Section) Float(key string) (float64, bool) {
	v, ok := s.Get(key)
	if !ok {
		return 0, false
	}

	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// Metrics returns the metrics in order.
func (s *Section) Metrics() []Metric {
	out := make([]Metric, len(s.metrics))
	copy(out, s.metrics)

	return out
}

// Len returns the number of metrics.
func (s *Section) Len() int {
	return len(s.metrics)
}

// MarshalJSON writes the section as an object in key order.
func (s *Section) MarshalJSON() ([]byte, error) {
	var b bytes.Buffer

	b.WriteByte('{')

	for i, m := range s.metrics {
		if i > 0 {
			b.WriteByte(',')
		}

		key, err := json.Marshal(m.Key)
		if err != nil {
			return nil, err
		}

		val, err := marshalValue(m.Value)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", m.Key, err)
		}

		b.Write(key)
		b.WriteByte(':')
		b.Write(val)
	}

	b.WriteByte('}')

	return b.Bytes(), nil
}

// UnmarshalJSON reads an object, keeping key order and restoring
// int64/float64/string typing.
func (s *Section) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	return decodeObject(dec, func(key string, dec *json.Decoder) error {
		tok, err := dec.Token()
		if err != nil {
			return err
		}

		v, err := scalar(tok)
		if err != nil {
			return fmt.Errorf("metric %s: %w", key, err)
		}

		s.Set(key, v)

		return nil
	})
}

// MarshalYAML renders the section as an ordered mapping.
func (s *Section) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}

	for _, m := range s.metrics {
		var val yaml.Node
		if err := val.Encode(m.Value); err != nil {
			return nil, err
		}

		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: m.Key},
			&val,
		)
	}

	return node, nil
}

// Report is the parsed output of one benchmark run, sections in
// first-appearance order.
type Report struct {
	sections []*Section
	index    map[string]int
}

// NewReport returns an empty report.
func NewReport() *Report {
	return &Report{index: make(map[string]int)}
}

// Section returns the named section, creating it when absent.
func (r *Report) Section(name string) *Section {
	if r.index == nil {
		r.index = make(map[string]int)
	}

	if i, ok := r.index[name]; ok {
		return r.sections[i]
	}

	s := NewSection(name)
	r.index[name] = len(r.sections)
	r.sections = append(r.sections, s)

	return s
}

// Lookup returns the named section if present.
func (r *Report) Lookup(name string) (*Section, bool) {
	i, ok := r.index[name]
	if !ok {
		return nil, false
	}

	return r.sections[i], true
}

// Sections returns the sections in order.
func (r *Report) Sections() []*Section {
	out := make([]*Section, len(r.sections))
	copy(out, r.sections)

	return out
}

// Empty reports whether the report holds no metrics at all.
func (r *Report) Empty() bool {
	for _, s := range r.sections {
		if s.Len() > 0 {
			return false
		}
	}

	return true
}

// Filter returns a new report with only the allowed sections, in their
// original order. The sections themselves are shared.
func (r *Report) Filter(allowed map[string]bool) *Report {
	out := NewReport()

	for _, s := range r.sections {
		if !allowed[s.Name] {
			continue
		}

		out.index[s.Name] = len(out.sections)
		out.sections = append(out.sections, s)
	}

	return out
}

// MarshalJSON writes the report as an object of section objects.
func (r *Report) MarshalJSON() ([]byte, error) {
	var b bytes.Buffer

	b.WriteByte('{')

	for i, s := range r.sections {
		if i > 0 {
			b.WriteByte(',')
		}

		key, err := json.Marshal(s.Name)
		if err != nil {
			return nil, err
		}

		val, err := s.MarshalJSON()
		if err != nil {
			return nil, err
		}

		b.Write(key)
		b.WriteByte(':')
		b.Write(val)
	}

	b.WriteByte('}')

	return b.Bytes(), nil
}

// UnmarshalJSON reads a report written by MarshalJSON.
func (r *Report) UnmarshalJSON(data []byte) error {
	*r = Report{index: make(map[string]int)}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	return decodeObject(dec, func(name string, dec *json.Decoder) error {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("section %s: %w", name, err)
		}

		if err := r.Section(name).UnmarshalJSON(raw); err != nil {
			return fmt.Errorf("section %s: %w", name, err)
		}

		return nil
	})
}

// MarshalYAML renders the report as an ordered mapping.
func (r *Report) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}

	for _, s := range r.sections {
		val, err := s.MarshalYAML()
		if err != nil {
			return nil, err
		}

		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: s.Name},
			val.(*yaml.Node),
		)
	}

	return node, nil
}

func decodeObject(dec *json.Decoder, field func(key string, dec *json.Decoder) error) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}

	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("expected object, got %v", tok)
	}

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}

		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("expected key, got %v", tok)
		}

		if err := field(key, dec); err != nil {
			return err
		}
	}

	_, err = dec.Token()

	return err
}

func scalar(tok json.Token) (any, error) {
	switch v := tok.(type) {
	case json.Number:
		return coerceNumber(v.String()), nil
	case string:
		return v, nil
	case bool:
		return strconv.FormatBool(v), nil
	case nil:
		return "", nil
	default:
		return nil, fmt.Errorf("unexpected token %v", tok)
	}
}

func coerceNumber(s string) any {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}

	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}

	return s
}

// marshalValue writes integral floats with a trailing ".0" so they decode
// back as floats.
func marshalValue(v any) ([]byte, error) {
	f, ok := v.(float64)
	if !ok {
		return json.Marshal(v)
	}

	if math.IsInf(f, 0) || math.IsNaN(f) {
		return json.Marshal(strconv.FormatFloat(f, 'g', -1, 64))
	}

	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return []byte(strconv.FormatFloat(f, 'f', 1, 64)), nil
	}

	return json.Marshal(f)
}
