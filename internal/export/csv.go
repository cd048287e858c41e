package export

import (
	"strings"

	"crportal/api/internal/record"
)

// CSV renders crs with the report header. Fields containing a comma, quote or
// newline are quoted with embedded quotes doubled; lines end in "\n".
func CSV(crs []record.ChangeRequest) []byte {
	var b strings.Builder
	writeCSVLine(&b, Columns)
	for _, cr := range crs {
		writeCSVLine(&b, Row(cr))
	}
	return []byte(b.String())
}

func writeCSVLine(b *strings.Builder, fields []string) {
	for i, field := range fields {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(csvField(field))
	}
	b.WriteByte('\n')
}

func csvField(value string) string {
	if !strings.ContainsAny(value, ",\"\n") {
		return value
	}
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}
