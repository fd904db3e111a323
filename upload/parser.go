// Package upload parses uploaded tabular files into raw feature rows.
// It never touches the classifier; the HTTP boundary decides what to do
// with the rows.
package upload

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"keplerai/ml"
)

var (
	// ErrUnsupportedFormat rejects extensions the parser cannot turn into
	// feature rows. Guessing on ambiguous content is worse than failing.
	ErrUnsupportedFormat = errors.New("unsupported file format, expected .csv or .json")
	// ErrEmptyUpload means not a single row parsed.
	ErrEmptyUpload = errors.New("no rows could be parsed from the uploaded file")
)

// RowError describes one malformed row. Row is 1-based over data rows.
type RowError struct {
	Row    int    `json:"row"`
	Reason string `json:"reason"`
}

// Row is one parsed data row. Index is the 1-based position among the
// file's data rows; it survives later filtering so errors reported
// downstream point at the line the user can actually fix.
type Row struct {
	Index  int
	Values map[string]float64
}

// Parse dispatches on the filename extension. Rows keep only numeric
// cells under known feature names (wire or catalog column names); other
// columns are ignored so full KOI catalog exports work unmodified.
func Parse(data []byte, filename string) ([]Row, []RowError, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv":
		return parseCSV(data)
	case ".json":
		return parseJSON(data)
	default:
		return nil, nil, ErrUnsupportedFormat
	}
}

func parseCSV(data []byte) ([]Row, []RowError, error) {
	// Spreadsheet exports arrive with UTF-8 BOMs or as UTF-16; decode
	// through a BOM-aware reader before the CSV layer sees the bytes.
	decoder := unicode.BOMOverride(unicode.UTF8.NewDecoder())
	reader := csv.NewReader(transform.NewReader(bytes.NewReader(data), decoder))
	reader.Comment = '#'
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("read csv header: %w", err)
	}
	columns := make([]string, len(header))
	known := 0
	for i, name := range header {
		name = strings.TrimSpace(name)
		if column, ok := ml.CanonicalColumn(name); ok {
			columns[i] = column
			known++
		}
	}
	if known == 0 {
		return nil, nil, errors.New("csv header contains no recognized feature columns")
	}

	var rows []Row
	var rowErrs []RowError
	rowIdx := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		rowIdx++
		if err != nil {
			rowErrs = append(rowErrs, RowError{Row: rowIdx, Reason: "malformed csv row"})
			continue
		}
		values, reason := recordToRow(columns, record)
		if reason != "" {
			rowErrs = append(rowErrs, RowError{Row: rowIdx, Reason: reason})
			continue
		}
		rows = append(rows, Row{Index: rowIdx, Values: values})
	}
	if len(rows) == 0 {
		return nil, rowErrs, ErrEmptyUpload
	}
	return rows, rowErrs, nil
}

func recordToRow(columns []string, record []string) (map[string]float64, string) {
	row := make(map[string]float64)
	for i, cell := range record {
		if i >= len(columns) || columns[i] == "" {
			continue
		}
		cell = strings.TrimSpace(cell)
		if cell == "" {
			// Absent optional values are legal; the normalizer fills them.
			continue
		}
		value, err := strconv.ParseFloat(cell, 64)
		if err != nil {
			return nil, fmt.Sprintf("column %q: not a number", ml.WireField(columns[i]))
		}
		if math.IsNaN(value) || math.IsInf(value, 0) {
			return nil, fmt.Sprintf("column %q: not a finite number", ml.WireField(columns[i]))
		}
		row[columns[i]] = value
	}
	if len(row) == 0 {
		return nil, "row has no feature values"
	}
	return row, ""
}

func parseJSON(data []byte) ([]Row, []RowError, error) {
	var records []map[string]json.RawMessage
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, nil, errors.New("json root must be an array of objects")
	}

	var rows []Row
	var rowErrs []RowError
	for i, record := range records {
		values := make(map[string]float64)
		bad := ""
		for name, raw := range record {
			column, ok := ml.CanonicalColumn(name)
			if !ok {
				continue
			}
			var value float64
			if err := json.Unmarshal(raw, &value); err != nil {
				bad = fmt.Sprintf("field %q: not a number", ml.WireField(column))
				break
			}
			values[column] = value
		}
		if bad != "" {
			rowErrs = append(rowErrs, RowError{Row: i + 1, Reason: bad})
			continue
		}
		if len(values) == 0 {
			rowErrs = append(rowErrs, RowError{Row: i + 1, Reason: "object has no feature values"})
			continue
		}
		rows = append(rows, Row{Index: i + 1, Values: values})
	}
	if len(rows) == 0 {
		return nil, rowErrs, ErrEmptyUpload
	}
	return rows, rowErrs, nil
}
