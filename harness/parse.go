package harness

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
)

var errMalformed = errors.New("malformed report line")

// skippedTags mark log lines that share the data-line bracket prefix.
var skippedTags = []string{"[INFO]", "[DEBUG]", "[WARNING]"}

// Parser turns YCSB output lines into a Report. Lines can be fed as they
// are produced; one bad line never stops the parse.
type Parser struct {
	report  *Report
	logger  *slog.Logger
	skipped int
}

// NewParser returns a parser writing into a fresh report.
func NewParser(logger *slog.Logger) *Parser {
	return &Parser{report: NewReport(), logger: logger}
}

// Line consumes one output line.
func (p *Parser) Line(line string) {
	line = strings.TrimSpace(line)
	if !isData(line) {
		return
	}

	section, key, value, err := splitLine(line)
	if err != nil {
		p.skipped++
		p.logger.Warn("skipping report line",
			slog.String("line", line),
			slog.String("error", err.Error()),
		)

		return
	}

	p.report.Section(section).Set(key, coerce(value))
}

// Report returns the report built so far.
func (p *Parser) Report() *Report {
	return p.report
}

// Skipped returns how many data lines were malformed.
func (p *Parser) Skipped() int {
	return p.skipped
}

// Parse reads r to the end and returns the report.
func Parse(r io.Reader, logger *slog.Logger) (*Report, error) {
	p := NewParser(logger)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		p.Line(scanner.Text())
	}

	if err := scanner.Err(); err != nil {
		return p.Report(), fmt.Errorf("read report: %w", err)
	}

	return p.Report(), nil
}

func isData(line string) bool {
	if !strings.HasPrefix(line, "[") {
		return false
	}

	for _, tag := range skippedTags {
		if strings.HasPrefix(line, tag) {
			return false
		}
	}

	return true
}

// splitLine splits "[SECTION], KEY, VALUE".
func splitLine(line string) (section, key, value string, err error) {
	head, rest, ok := strings.Cut(line, "],")
	if !ok {
		return "", "", "", fmt.Errorf("%w: no section terminator", errMalformed)
	}

	section = strings.TrimSpace(strings.TrimPrefix(head, "["))

	k, v, ok := strings.Cut(rest, ",")
	if !ok {
		return "", "", "", fmt.Errorf("%w: no value separator", errMalformed)
	}

	key = strings.TrimSpace(k)
	value = strings.TrimSpace(v)

	// "[], k, v" is kept under the empty section; the store's allow-list
	// drops it later.
	if key == "" {
		return "", "", "", fmt.Errorf("%w: empty key", errMalformed)
	}

	return section, key, value, nil
}

// coerce parses value as a float when it has a decimal point and as an
// integer otherwise, keeping the string when neither works.
func coerce(value string) any {
	if strings.Contains(value, ".") {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}

		return value
	}

	if i, err := strconv.ParseInt(value, 10, 64); err == nil {
		return i
	}

	return value
}
