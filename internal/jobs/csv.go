package jobs

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"coursed/internal/storage"
)

// utf8BOM prefixes exports so spreadsheet tools detect the encoding.
// Imports strip it when present.
var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

var exportHeader = []string{"id", "code", "title", "description", "credits", "updated_at"}

const defaultCredits = "3.0"

// encodeCourses renders the catalog as BOM-prefixed CSV. Rows arrive in
// id-ascending order from the store, which keeps repeated exports of the
// same data byte-identical.
func encodeCourses(courses []storage.Course) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(utf8BOM)

	w := csv.NewWriter(&buf)
	if err := w.Write(exportHeader); err != nil {
		return nil, fmt.Errorf("csv: write header: %w", err)
	}
	for _, c := range courses {
		rec := []string{
			strconv.FormatInt(c.ID, 10),
			c.Code,
			c.Title,
			flatten(c.Description),
			c.Credits,
			c.UpdatedAt.UTC().Format(time.RFC3339),
		}
		if err := w.Write(rec); err != nil {
			return nil, fmt.Errorf("csv: write row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("csv: flush: %w", err)
	}
	return buf.Bytes(), nil
}

// flatten collapses line breaks in free text so one course stays one CSV row
// even for readers that don't honor quoting.
func flatten(s string) string {
	if !strings.ContainsAny(s, "\r\n") {
		return s
	}
	s = strings.ReplaceAll(s, "\r\n", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ReplaceAll(s, "\r", " ")
}

// courseRow is one decoded import row. Fields not present in the file
// come back empty.
type courseRow struct {
	Code        string
	Title       string
	Description string
	Credits     string
}

// rowReader decodes import CSVs by header name, so column order and extra
// columns don't matter.
type rowReader struct {
	r   *csv.Reader
	idx map[string]int
}

func newRowReader(data []byte) (*rowReader, error) {
	data = bytes.TrimPrefix(data, utf8BOM)

	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("csv: empty input")
	}
	if err != nil {
		return nil, fmt.Errorf("csv: read header: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, name := range header {
		idx[strings.ToLower(strings.TrimSpace(name))] = i
	}
	return &rowReader{r: r, idx: idx}, nil
}

// Next returns the following data row, or io.EOF when the input is
// exhausted. Malformed rows surface as errors and count as failures at
// the caller.
func (rr *rowReader) Next() (courseRow, error) {
	rec, err := rr.r.Read()
	if err != nil {
		return courseRow{}, err
	}
	return courseRow{
		Code:        strings.TrimSpace(rr.field(rec, "code")),
		Title:       strings.TrimSpace(rr.field(rec, "title")),
		Description: rr.field(rec, "description"),
		Credits:     strings.TrimSpace(rr.field(rec, "credits")),
	}, nil
}

func (rr *rowReader) field(rec []string, name string) string {
	i, ok := rr.idx[name]
	if !ok || i >= len(rec) {
		return ""
	}
	return rec[i]
}

// normalizeCredits keeps the raw decimal string when it parses and falls
// back to the catalog default otherwise.
func normalizeCredits(raw string) string {
	if raw == "" {
		return defaultCredits
	}
	if _, err := strconv.ParseFloat(raw, 64); err != nil {
		return defaultCredits
	}
	return raw
}
