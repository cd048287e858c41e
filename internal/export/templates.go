package export

import (
	"bytes"
	"embed"
	"html/template"
	"time"

	"crportal/api/internal/query"
	"crportal/api/internal/record"
)

//go:embed templates/*.html
var templateFS embed.FS

var reportTemplate = template.Must(template.ParseFS(templateFS, "templates/report.html"))

// ReportData is the view model of the printable report.
type ReportData struct {
	Title       string
	GeneratedAt time.Time
	Total       int
	Stats       query.Stats
	Columns     []string
	Rows        [][]string
}

func newReportData(crs []record.ChangeRequest, generatedAt time.Time) ReportData {
	rows := make([][]string, 0, len(crs))
	for _, cr := range crs {
		rows = append(rows, Row(cr))
	}
	return ReportData{
		Title:       "Change Request Report",
		GeneratedAt: generatedAt.UTC(),
		Total:       len(crs),
		Stats:       query.Summarize(crs),
		Columns:     Columns,
		Rows:        rows,
	}
}

// RenderReportHTML renders the report template; values are HTML-escaped.
func RenderReportHTML(data ReportData) (string, error) {
	var buf bytes.Buffer
	if err := reportTemplate.ExecuteTemplate(&buf, "report.html", data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
