package format

import (
	"encoding/csv"
	"io"
	"strings"
	"unicode"

	"constituency-export/internal/voters"
)

type csvSerializer struct{}

func (csvSerializer) Name() string         { return "csv" }
func (csvSerializer) Extension() string    { return "csv" }
func (csvSerializer) ContentType() string  { return "text/csv; charset=utf-8" }
func (csvSerializer) Precheck(int64) error { return nil }

func (csvSerializer) Begin(dst io.Writer, h Header) (RowWriter, error) {
	w := &csvWriter{w: csv.NewWriter(dst), record: make([]string, len(h.Columns))}
	if err := w.w.Write(labels(h.Columns)); err != nil {
		return nil, err
	}
	return w, nil
}

// excelSerializer writes CSV tuned for spreadsheet applications: a UTF-8 BOM
// so non-ASCII names survive, CRLF line endings, and formula neutralization.
type excelSerializer struct{}

func (excelSerializer) Name() string         { return "excel" }
func (excelSerializer) Extension() string    { return "csv" }
func (excelSerializer) ContentType() string  { return "application/vnd.ms-excel" }
func (excelSerializer) Precheck(int64) error { return nil }

func (excelSerializer) Begin(dst io.Writer, h Header) (RowWriter, error) {
	if _, err := io.WriteString(dst, "\ufeff"); err != nil {
		return nil, err
	}
	cw := csv.NewWriter(dst)
	cw.UseCRLF = true
	w := &csvWriter{w: cw, record: make([]string, len(h.Columns)), escape: true}
	if err := w.w.Write(labels(h.Columns)); err != nil {
		return nil, err
	}
	return w, nil
}

type csvWriter struct {
	w      *csv.Writer
	record []string
	escape bool
}

func (c *csvWriter) WriteRow(row voters.Row) error {
	for i := range c.record {
		var v any
		if i < len(row) {
			v = row[i]
		}
		cell := formatCell(v)
		if _, isText := v.(string); isText && c.escape {
			cell = neutralizeFormula(cell)
		}
		c.record[i] = cell
	}
	return c.w.Write(c.record)
}

func (c *csvWriter) End() error {
	c.w.Flush()
	return c.w.Error()
}

// neutralizeFormula stops spreadsheets from evaluating text cells. Leading
// whitespace is skipped; a leading tab or carriage return is a trigger itself.
func neutralizeFormula(s string) string {
	if s == "" {
		return s
	}
	if s[0] == '\t' || s[0] == '\r' {
		return "'" + s
	}
	if t := strings.TrimLeftFunc(s, unicode.IsSpace); t != "" && strings.ContainsRune("=+-@", rune(t[0])) {
		return "'" + s
	}
	return s
}
