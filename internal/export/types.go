// Package export renders change-request reports as CSV, XLSX and PDF.
package export

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"crportal/api/internal/record"
)

// Format represents the export output format
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
	FormatPDF  Format = "pdf"
)

func ParseFormat(value string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(value))); f {
	case "":
		return FormatCSV, nil
	case FormatCSV, FormatXLSX, FormatPDF:
		return f, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, value)
	}
}

func (f Format) MimeType() string {
	switch f {
	case FormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case FormatPDF:
		return "application/pdf"
	default:
		return "text/csv;charset=utf-8"
	}
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	ErrUnsupportedFormat = errors.New("unsupported export format")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
)

// Columns is the fixed header of every report.
var Columns = []string{
	"CR Code", "CR Name", "Application", "Requester", "Request Date", "Approved Date",
	"Rejected Date", "UAT Date", "UAT Approved Date", "Production Date", "Status",
}

// Row returns the report cells of cr in Columns order, with "N/A" for
// missing values.
func Row(cr record.ChangeRequest) []string {
	values := []string{
		cr.CRCode,
		cr.CRName,
		cr.Application,
		cr.Requester,
		cr.RequestDate,
		record.Deref(cr.ApprovedDate),
		record.Deref(cr.RejectedDate),
		record.Deref(cr.UATDate),
		record.Deref(cr.UATApprovedDate),
		record.Deref(cr.ProductionDate),
		string(cr.Status),
	}
	for i, value := range values {
		if value == "" {
			values[i] = record.NotApplicable
		}
	}
	return values
}

// Filename is CR_Report_<YYYY-MM-DD>.<format> for the given day.
func Filename(format Format, now time.Time) string {
	return fmt.Sprintf("CR_Report_%s.%s", record.Date(now), format)
}
