package export

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"crportal/api/internal/record"
)

func reportFixture() []record.ChangeRequest {
	return []record.ChangeRequest{
		{
			CRCode:       "CR-1",
			CRName:       `Fix "login" bug, urgent`,
			Application:  "Web Portal",
			Requester:    "Ada Lovelace",
			RequestDate:  "2024-04-15",
			ApprovedDate: record.StringPtr("2024-04-16"),
			Status:       record.StatusApproved,
		},
		{
			CRCode:      "N/A",
			CRName:      "Multi\nline",
			Application: "API",
			Requester:   "Grace Hopper",
			RequestDate: "2024-05-01",
			UATDate:     record.StringPtr("2024-05-20"),
			Status:      record.StatusPending,
		},
		{CRCode: "CR-3"},
	}
}

func TestCSVGolden(t *testing.T) {
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "cr_report", CSV(reportFixture()))
}

func TestCSVQuoting(t *testing.T) {
	out := string(CSV(reportFixture()[:1]))
	assert.Contains(t, out, `,"Fix ""login"" bug, urgent",`)
	assert.True(t, strings.HasSuffix(out, "Approved\n"))
	assert.NotContains(t, out, "\r")

	cases := map[string]string{
		"plain":      "plain",
		"a,b":        `"a,b"`,
		`say "hi"`:   `"say ""hi"""`,
		"two\nlines": "\"two\nlines\"",
		" padded ":   " padded ",
		"":           "",
	}
	for in, want := range cases {
		assert.Equal(t, want, csvField(in), "csvField(%q)", in)
	}
}

func TestCSVEmpty(t *testing.T) {
	assert.Equal(t, strings.Join(Columns, ",")+"\n", string(CSV(nil)))
}

func TestFilename(t *testing.T) {
	now := time.Date(2024, 4, 15, 23, 59, 0, 0, time.UTC)
	assert.Equal(t, "CR_Report_2024-04-15.csv", Filename(FormatCSV, now))
	assert.Equal(t, "CR_Report_2024-04-15.xlsx", Filename(FormatXLSX, now))
	assert.Equal(t, "CR_Report_2024-04-15.pdf", Filename(FormatPDF, now))
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": FormatCSV, "CSV": FormatCSV, " xlsx ": FormatXLSX, "pdf": FormatPDF} {
		got, err := ParseFormat(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseFormat("docx")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestXLSX(t *testing.T) {
	data, err := XLSX(reportFixture())
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(sheetName)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, Columns, rows[0])
	assert.Equal(t, `Fix "login" bug, urgent`, rows[1][1])
	assert.Equal(t, "2024-04-16", rows[1][5])
	assert.Equal(t, "N/A", rows[3][10])
}

func TestRenderReportHTMLEscapes(t *testing.T) {
	crs := []record.ChangeRequest{{CRCode: "<script>alert(1)</script>", Status: record.StatusRejected}}
	html, err := RenderReportHTML(newReportData(crs, time.Date(2024, 4, 15, 12, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	assert.NotContains(t, html, "<script>")
	assert.Contains(t, html, "&lt;script&gt;")
	assert.Contains(t, html, "Rejected: 1")
	assert.Contains(t, html, "<th>UAT Approved Date</th>")
}

func TestPDFWithoutChrome(t *testing.T) {
	original := chromeLookup
	chromeLookup = func() (string, error) { return "", ErrPDFDependencyMissing }
	t.Cleanup(func() { chromeLookup = original })

	_, err := PDF(context.Background(), reportFixture(), time.Now())
	assert.True(t, errors.Is(err, ErrPDFDependencyMissing))

	_, err = Render(context.Background(), FormatPDF, nil, time.Now())
	assert.ErrorIs(t, err, ErrPDFDependencyMissing)
}

func TestRender(t *testing.T) {
	now := time.Date(2024, 4, 15, 8, 0, 0, 0, time.UTC)
	res, err := Render(context.Background(), FormatCSV, reportFixture(), now)
	require.NoError(t, err)
	assert.Equal(t, "CR_Report_2024-04-15.csv", res.Filename)
	assert.Equal(t, "text/csv;charset=utf-8", res.MimeType)
	assert.Equal(t, CSV(reportFixture()), res.Data)

	_, err = Render(context.Background(), Format("docx"), nil, now)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestPercentEncodeForDataURL(t *testing.T) {
	assert.Equal(t, "a%20b%3Cc%3E%C3%A9", percentEncodeForDataURL("a b<c>é"))
}
