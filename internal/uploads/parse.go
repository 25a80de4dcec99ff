package uploads

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/quarrydata/quarry/internal/apperr"
	"github.com/quarrydata/quarry/internal/tablelog"
)

// ParseRows decodes an uploaded file into rows based on its extension.
// Supported formats are CSV with a header line, a JSON array of objects,
// and JSONL with one object per line.
func ParseRows(filename string, r io.Reader) ([]tablelog.Row, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv":
		return parseCSV(r)
	case ".json":
		return parseJSONArray(r)
	case ".jsonl", ".ndjson":
		return parseJSONL(r)
	default:
		return nil, apperr.New(apperr.KindBadRequest,
			"unsupported upload format %q; use .csv, .json or .jsonl", filepath.Ext(filename))
	}
}

func parseCSV(r io.Reader) ([]tablelog.Row, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindBadRequest, err, "failed to read csv header")
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	var rows []tablelog.Row
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, apperr.Wrap(apperr.KindBadRequest, err, "failed to parse csv row %d", len(rows)+2)
		}
		row := make(tablelog.Row, len(header))
		for i, col := range header {
			if i < len(record) {
				row[col] = csvValue(record[i])
			} else {
				row[col] = nil
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// csvValue infers a scalar type from the cell text. Empty cells are null.
func csvValue(s string) any {
	if s == "" {
		return nil
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	}
	return s
}

func parseJSONArray(r io.Reader) ([]tablelog.Row, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var raw []map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, apperr.Wrap(apperr.KindBadRequest, err, "failed to parse json array")
	}
	rows := make([]tablelog.Row, 0, len(raw))
	for _, m := range raw {
		rows = append(rows, normalizeRow(m))
	}
	return rows, nil
}

func parseJSONL(r io.Reader) ([]tablelog.Row, error) {
	var rows []tablelog.Row
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var m map[string]any
		if err := dec.Decode(&m); err != nil {
			return nil, apperr.Wrap(apperr.KindBadRequest, err, "failed to parse jsonl line %d", line)
		}
		rows = append(rows, normalizeRow(m))
	}
	if err := scanner.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindBadRequest, err, "failed to read jsonl input")
	}
	return rows, nil
}

// normalizeRow resolves json.Number values into native integers or floats
// so schema inference sees the same types as other ingestion paths.
func normalizeRow(m map[string]any) tablelog.Row {
	row := make(tablelog.Row, len(m))
	for k, v := range m {
		if n, ok := v.(json.Number); ok {
			if i, err := n.Int64(); err == nil {
				row[k] = i
				continue
			}
			if f, err := n.Float64(); err == nil {
				row[k] = f
				continue
			}
			row[k] = n.String()
			continue
		}
		row[k] = v
	}
	return row
}
