// Package ingest decodes raw log records into domain.LogEntry values,
// preserving input order.
package ingest

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"incidentline/internal/domain"
)

const (
	FieldTimestamp = "timestamp"
	FieldService   = "service"
	FieldLevel     = "level"
	FieldMessage   = "message"
)

var requiredFields = []string{FieldTimestamp, FieldService, FieldLevel, FieldMessage}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// HeaderRow is the Row value used for errors found in a CSV header.
const HeaderRow = -1

// ValidationError names the offending row (zero-based, data rows only) and field.
type ValidationError struct {
	Row    int
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Row == HeaderRow {
		return fmt.Sprintf("header: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("row %d: %s: %s", e.Row, e.Field, e.Reason)
}

// Row is one raw record keyed by lower-cased column name.
type Row map[string]string

// Parse converts rows to entries. The first invalid row aborts parsing.
func Parse(rows []Row) ([]domain.LogEntry, error) {
	out := make([]domain.LogEntry, 0, len(rows))
	for i, row := range rows {
		entry, err := parseRow(i, row)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

func parseRow(idx int, row Row) (domain.LogEntry, error) {
	for _, f := range requiredFields {
		if _, ok := row[f]; !ok {
			return domain.LogEntry{}, &ValidationError{Row: idx, Field: f, Reason: "missing"}
		}
	}
	ts, err := ParseTimestamp(row[FieldTimestamp])
	if err != nil {
		return domain.LogEntry{}, &ValidationError{Row: idx, Field: FieldTimestamp, Reason: err.Error()}
	}
	service := strings.TrimSpace(row[FieldService])
	if service == "" {
		return domain.LogEntry{}, &ValidationError{Row: idx, Field: FieldService, Reason: "empty"}
	}
	level, err := domain.ParseLevel(row[FieldLevel])
	if err != nil {
		return domain.LogEntry{}, &ValidationError{Row: idx, Field: FieldLevel, Reason: err.Error()}
	}
	return domain.LogEntry{
		Timestamp: ts,
		Service:   service,
		Level:     level,
		Message:   strings.TrimSpace(row[FieldMessage]),
	}, nil
}

// ParseTimestamp accepts ISO-8601 timestamps with or without a zone; zoneless
// values are read as UTC.
func ParseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, errors.New("empty")
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparsable timestamp %q", raw)
}

// ParseCSV reads a header row followed by records.
func ParseCSV(r io.Reader) ([]domain.LogEntry, error) {
	rows, err := ReadCSV(r)
	if err != nil {
		return nil, err
	}
	return Parse(rows)
}

// ReadCSV returns the raw rows of a CSV document. Short records simply lack
// the trailing columns.
func ReadCSV(r io.Reader) ([]Row, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err == io.EOF {
		return nil, &ValidationError{Row: HeaderRow, Field: FieldTimestamp, Reason: "empty input"}
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	cols := make([]string, len(header))
	present := make(map[string]bool, len(header))
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		cols[i] = name
		present[name] = true
	}
	for _, f := range requiredFields {
		if !present[f] {
			return nil, &ValidationError{Row: HeaderRow, Field: f, Reason: "column missing"}
		}
	}
	var rows []Row
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				return nil, &ValidationError{Row: len(rows), Field: "record", Reason: pe.Err.Error()}
			}
			return nil, err
		}
		row := make(Row, len(rec))
		for i, v := range rec {
			if i < len(cols) {
				row[cols[i]] = v
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// ParseJSONLines reads one JSON object per line; blank lines are skipped.
func ParseJSONLines(r io.Reader) ([]domain.LogEntry, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var rows []Row
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(line), &obj); err != nil {
			return nil, &ValidationError{Row: len(rows), Field: "record", Reason: err.Error()}
		}
		row := make(Row, len(obj))
		for k, v := range obj {
			if v == nil {
				continue
			}
			switch val := v.(type) {
			case string:
				row[strings.ToLower(k)] = val
			default:
				row[strings.ToLower(k)] = fmt.Sprint(val)
			}
		}
		rows = append(rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return Parse(rows)
}
