package format

import (
	"html/template"
	"io"

	"constituency-export/internal/voters"
)

// The report is emitted in three fragments so rows can be streamed without
// holding the document in memory.
var reportTemplates = template.Must(template.New("report").Parse(`
{{define "head"}}<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body{font-family:Arial,Helvetica,sans-serif;font-size:11px;margin:16px}
h1{font-size:16px;margin:0 0 4px}
.meta{color:#555;margin:0 0 8px}
table{border-collapse:collapse;width:100%}
th,td{border:1px solid #999;padding:3px 5px;text-align:left}
th{background:#eee}
thead{display:table-header-group}
tr{page-break-inside:avoid}
@page{size:A4 landscape;margin:12mm}
</style>
</head>
<body>
<h1>{{.Title}}</h1>
<p class="meta">Generated {{.GeneratedAt.Format "02 Jan 2006 15:04 MST"}}</p>
<p class="meta">Filters: {{if .Filters}}{{range $i, $f := .Filters}}{{if $i}}; {{end}}{{$f}}{{end}}{{else}}All voters{{end}}</p>
<table>
<thead><tr><th>#</th>{{range .Columns}}<th>{{.Label}}</th>{{end}}</tr></thead>
<tbody>
{{end}}
{{define "row"}}<tr><td>{{.N}}</td>{{range .Cells}}<td>{{.}}</td>{{end}}</tr>
{{end}}
{{define "foot"}}</tbody>
</table>
<p class="meta">Total records: {{.}}</p>
</body>
</html>
{{end}}`))

type reportSerializer struct {
	maxRows int
}

func (reportSerializer) Name() string        { return "report" }
func (reportSerializer) Extension() string   { return "html" }
func (reportSerializer) ContentType() string { return "text/html; charset=utf-8" }

func (r reportSerializer) Precheck(total int64) error {
	if total > int64(r.maxRows) {
		return &RowLimitError{Format: "report", Limit: r.maxRows}
	}
	return nil
}

func (r reportSerializer) Begin(dst io.Writer, h Header) (RowWriter, error) {
	if h.Title == "" {
		h.Title = "Voter list"
	}
	if err := reportTemplates.ExecuteTemplate(dst, "head", h); err != nil {
		return nil, err
	}
	return &reportWriter{dst: dst, max: r.maxRows, cells: make([]string, len(h.Columns))}, nil
}

type reportRow struct {
	N     int
	Cells []string
}

type reportWriter struct {
	dst   io.Writer
	max   int
	n     int
	cells []string
}

func (w *reportWriter) WriteRow(row voters.Row) error {
	if w.n >= w.max {
		return &RowLimitError{Format: "report", Limit: w.max}
	}
	w.n++
	for i := range w.cells {
		var v any
		if i < len(row) {
			v = row[i]
		}
		w.cells[i] = formatCell(v)
	}
	return reportTemplates.ExecuteTemplate(w.dst, "row", reportRow{N: w.n, Cells: w.cells})
}

func (w *reportWriter) End() error {
	return reportTemplates.ExecuteTemplate(w.dst, "foot", w.n)
}
