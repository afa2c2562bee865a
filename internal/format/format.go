// Package format turns streamed voter rows into export artifacts.
package format

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"constituency-export/internal/voters"
)

// ErrRowLimitExceeded matches *RowLimitError.
var ErrRowLimitExceeded = errors.New("row limit exceeded")

// RowLimitError reports a format that cannot hold the requested rows.
type RowLimitError struct {
	Format string
	Limit  int
}

func (e *RowLimitError) Error() string {
	return fmt.Sprintf("%s exports are limited to %d rows; narrow the filters or choose csv", e.Format, e.Limit)
}

func (e *RowLimitError) Is(target error) bool { return target == ErrRowLimitExceeded }

// UserMessage is safe to show to the operator as is.
func (e *RowLimitError) UserMessage() string { return e.Error() }

// Header is what a serializer knows about the export before the first row.
type Header struct {
	Title       string
	GeneratedAt time.Time
	Filters     []string
	Columns     []voters.Column
}

// Serializer is one output format.
type Serializer interface {
	Name() string
	Extension() string
	ContentType() string
	// Precheck fails fast when total rows can never fit the format.
	Precheck(total int64) error
	Begin(dst io.Writer, h Header) (RowWriter, error)
}

// RowWriter appends rows to an open artifact. End flushes trailing output;
// it does not close dst.
type RowWriter interface {
	WriteRow(row voters.Row) error
	End() error
}

type Options struct {
	ReportMaxRows int
}

// New returns the serializer registered under name.
func New(name string, opts Options) (Serializer, error) {
	switch name {
	case "csv":
		return csvSerializer{}, nil
	case "excel":
		return excelSerializer{}, nil
	case "report":
		maxRows := opts.ReportMaxRows
		if maxRows <= 0 {
			maxRows = 5000
		}
		return reportSerializer{maxRows: maxRows}, nil
	}
	return nil, fmt.Errorf("unknown format %q", name)
}

// formatCell renders a value the same way in every format.
func formatCell(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case bool:
		if t {
			return "Yes"
		}
		return "No"
	case int:
		return strconv.Itoa(t)
	case int16:
		return strconv.FormatInt(int64(t), 10)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case time.Time:
		return t.Format(time.DateOnly)
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

func labels(cols []voters.Column) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.Label
	}
	return out
}
