package export

import (
	"context"
	"time"

	"crportal/api/internal/record"
)

// Render produces the report of crs in format, named for the day of now.
func Render(ctx context.Context, format Format, crs []record.ChangeRequest, now time.Time) (*Result, error) {
	var (
		data []byte
		err  error
	)
	switch format {
	case FormatCSV:
		data = CSV(crs)
	case FormatXLSX:
		data, err = XLSX(crs)
	case FormatPDF:
		data, err = PDF(ctx, crs, now)
	default:
		return nil, ErrUnsupportedFormat
	}
	if err != nil {
		return nil, err
	}
	return &Result{
		Data:     data,
		Filename: Filename(format, now),
		MimeType: format.MimeType(),
	}, nil
}
