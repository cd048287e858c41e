package changerequest

import (
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"

	"crportal/api/internal/apperr"
	"crportal/api/internal/record"
)

const (
	MaxCRCodeLength      = 50
	MinDescriptionLength = 10
	MaxCommentsLength    = 300
	MaxDocumentSize      = 10 << 20

	mimeDoc  = "application/msword"
	mimeDocx = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
)

// WordTypes are the only accepted attachment content types.
var WordTypes = []string{mimeDoc, mimeDocx}

// Input holds the user-editable fields of a CR form.
type Input struct {
	CRCode          string        `json:"crCode"`
	CRName          string        `json:"crName"`
	Description     string        `json:"description"`
	Application     string        `json:"application"`
	Status          record.Status `json:"status"`
	Comments        string        `json:"comments"`
	UATDate         string        `json:"uatDate"`
	UATApprovedDate string        `json:"uatApprovedDate"`
	ProductionDate  string        `json:"productionDate"`
}

// Upload is an attachment as received from the client.
type Upload struct {
	Name        string
	ContentType string
	Data        []byte
}

func (in Input) normalized() Input {
	in.CRCode = strings.TrimSpace(in.CRCode)
	in.CRName = strings.TrimSpace(in.CRName)
	in.Description = strings.TrimSpace(in.Description)
	in.Application = strings.TrimSpace(in.Application)
	in.Status = record.Status(strings.TrimSpace(string(in.Status)))
	in.Comments = strings.TrimSpace(in.Comments)
	in.UATDate = strings.TrimSpace(in.UATDate)
	in.UATApprovedDate = strings.TrimSpace(in.UATApprovedDate)
	in.ProductionDate = strings.TrimSpace(in.ProductionDate)
	return in
}

func (in Input) validate(verr *apperr.ValidationError) {
	if utf8.RuneCountInString(in.CRCode) > MaxCRCodeLength {
		verr.Add("crCode", "CR Code must not exceed 50 characters")
	}
	if in.CRCode == "list" || strings.Contains(in.CRCode, ":") {
		verr.Add("crCode", "CR Code must not contain ':' or be 'list'")
	}
	if hasControl(in.CRCode) {
		verr.Add("crCode", "CR Code must not contain line breaks or control characters")
	}
	if hasControl(in.CRName) {
		verr.Add("crName", "CR Name must not contain line breaks or control characters")
	}
	switch {
	case in.Description == "":
		verr.Add("description", "Description is required")
	case utf8.RuneCountInString(in.Description) < MinDescriptionLength:
		verr.Add("description", "Description must be at least 10 characters")
	}
	if in.Application != "" && in.Application != record.NotApplicable && !record.KnownApplication(in.Application) {
		verr.Add("application", "Please select a valid application")
	}
	if in.Status != "" && !in.Status.Valid() {
		verr.Add("status", "Please select a valid status")
	}
	if utf8.RuneCountInString(in.Comments) > MaxCommentsLength {
		verr.Add("comments", "Comments must not exceed 300 characters")
	}
	for field, value := range map[string]string{
		"uatDate":         in.UATDate,
		"uatApprovedDate": in.UATApprovedDate,
		"productionDate":  in.ProductionDate,
	} {
		if value == "" {
			continue
		}
		if _, err := time.Parse(record.DateLayout, value); err != nil {
			verr.Add(field, "Date must be in YYYY-MM-DD format")
		}
	}
}

// validate checks size and type and returns the content type to store.
// A declared Word type is trusted; anything else is sniffed from the bytes.
func (u *Upload) validate(verr *apperr.ValidationError) string {
	if int64(len(u.Data)) > MaxDocumentSize {
		verr.Add("document", "File size must be less than 10MB")
		return ""
	}
	declared := strings.TrimSpace(strings.SplitN(u.ContentType, ";", 2)[0])
	for _, word := range WordTypes {
		if declared == word {
			return declared
		}
	}
	detected := mimetype.Detect(u.Data)
	for _, word := range WordTypes {
		if detected.Is(word) {
			return word
		}
	}
	verr.Add("document", "Please upload a Word document (.doc or .docx)")
	return ""
}

func valueOrNA(value string) string {
	if value == "" {
		return record.NotApplicable
	}
	return value
}

func hasControl(value string) bool {
	return strings.IndexFunc(value, unicode.IsControl) >= 0
}
