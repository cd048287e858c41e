// Package record defines the stored shapes of portal records and the JSON
// codec between them and key-value store strings.
package record

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

const (
	SessionKey   = "current:session"
	UsersListKey = "users:list"
	CRListKey    = "cr:list"

	userPrefix     = "user:"
	crPrefix       = "cr:"
	documentSuffix = ":document"

	// NotApplicable fills optional text fields the user left empty.
	NotApplicable = "N/A"

	// DateLayout is the calendar-date format of every *Date field.
	DateLayout = "2006-01-02"
	// TimestampLayout matches JavaScript's Date.toISOString output.
	TimestampLayout = "2006-01-02T15:04:05.000Z"

	UserStatusActive = "active"
)

type Status string

const (
	StatusPending    Status = "Pending"
	StatusApproved   Status = "Approved"
	StatusRejected   Status = "Rejected"
	StatusInProgress Status = "In Progress"
	StatusCompleted  Status = "Completed"
)

var Statuses = []Status{StatusPending, StatusApproved, StatusRejected, StatusInProgress, StatusCompleted}

func (s Status) Valid() bool {
	for _, candidate := range Statuses {
		if s == candidate {
			return true
		}
	}
	return false
}

// Applications is the catalogue a CR can be filed against.
var Applications = []string{"Warehouse Manager", "API", "Web Portal", "Support Tool"}

func KnownApplication(name string) bool {
	for _, app := range Applications {
		if app == name {
			return true
		}
	}
	return false
}

type User struct {
	Email             string  `json:"email"`
	FullName          string  `json:"fullName"`
	Password          string  `json:"password"`
	Role              string  `json:"role"`
	RegisteredAt      string  `json:"registeredAt"`
	Status            string  `json:"status"`
	PasswordChangedAt *string `json:"passwordChangedAt"`
}

// Session identifies the user currently signed in to the portal.
type Session struct {
	ID       string `json:"id"`
	FullName string `json:"fullName"`
	Email    string `json:"email"`
	Role     string `json:"role"`
	LoginAt  string `json:"loginAt"`
}

func (s Session) Active() bool {
	return strings.TrimSpace(s.Email) != ""
}

type ChangeRequest struct {
	ID              string  `json:"id"`
	CRCode          string  `json:"crCode"`
	CRName          string  `json:"crName"`
	Description     string  `json:"description"`
	Application     string  `json:"application"`
	Requester       string  `json:"requester"`
	RequesterEmail  string  `json:"requesterEmail"`
	RequestDate     string  `json:"requestDate"`
	Status          Status  `json:"status"`
	ApprovedDate    *string `json:"approvedDate"`
	ApprovedBy      *string `json:"approvedBy"`
	RejectedDate    *string `json:"rejectedDate"`
	RejectedBy      *string `json:"rejectedBy"`
	UATDate         *string `json:"uatDate"`
	UATApprovedDate *string `json:"uatApprovedDate"`
	ProductionDate  *string `json:"productionDate"`
	Comments        string  `json:"comments"`
	CreatedAt       string  `json:"createdAt"`
	CreatedBy       string  `json:"createdBy"`
	UpdatedAt       *string `json:"updatedAt"`
	UpdatedBy       *string `json:"updatedBy"`

	CRDocumentName       *string `json:"crDocumentName"`
	CRDocumentSize       *int64  `json:"crDocumentSize"`
	CRDocumentType       *string `json:"crDocumentType"`
	CRDocumentUploadedBy *string `json:"crDocumentUploadedBy"`
	CRDocumentUploadedAt *string `json:"crDocumentUploadedAt"`
}

// HasDocument reports whether document metadata is attached.
func (cr ChangeRequest) HasDocument() bool {
	return cr.CRDocumentName != nil && *cr.CRDocumentName != ""
}

// AttachDocument copies the blob's metadata onto the record.
func (cr *ChangeRequest) AttachDocument(doc Document) {
	size := doc.Size
	cr.CRDocumentName = StringPtr(doc.Name)
	cr.CRDocumentSize = &size
	cr.CRDocumentType = StringPtr(doc.Type)
	cr.CRDocumentUploadedBy = StringPtr(doc.UploadedBy)
	cr.CRDocumentUploadedAt = StringPtr(doc.UploadedAt)
}

func (cr *ChangeRequest) ClearDocument() {
	cr.CRDocumentName = nil
	cr.CRDocumentSize = nil
	cr.CRDocumentType = nil
	cr.CRDocumentUploadedBy = nil
	cr.CRDocumentUploadedAt = nil
}

// DateFields lists the record's filterable calendar-date fields by JSON name.
var DateFields = []string{"requestDate", "approvedDate", "rejectedDate", "uatDate", "uatApprovedDate", "productionDate"}

// DateField returns the value of the named date field. ok is false when the
// name is unknown; an empty value means the field is absent.
func (cr ChangeRequest) DateField(name string) (value string, ok bool) {
	switch name {
	case "requestDate":
		return cr.RequestDate, true
	case "approvedDate":
		return Deref(cr.ApprovedDate), true
	case "rejectedDate":
		return Deref(cr.RejectedDate), true
	case "uatDate":
		return Deref(cr.UATDate), true
	case "uatApprovedDate":
		return Deref(cr.UATApprovedDate), true
	case "productionDate":
		return Deref(cr.ProductionDate), true
	default:
		return "", false
	}
}

// Normalize trims every text field and lowercases the requester e-mail.
// Blank optional fields become nil.
func (cr *ChangeRequest) Normalize() {
	cr.ID = strings.TrimSpace(cr.ID)
	cr.CRCode = strings.TrimSpace(cr.CRCode)
	cr.CRName = strings.TrimSpace(cr.CRName)
	cr.Description = strings.TrimSpace(cr.Description)
	cr.Application = strings.TrimSpace(cr.Application)
	cr.Requester = strings.TrimSpace(cr.Requester)
	cr.RequesterEmail = NormalizeEmail(cr.RequesterEmail)
	cr.RequestDate = strings.TrimSpace(cr.RequestDate)
	cr.Comments = strings.TrimSpace(cr.Comments)
	cr.CreatedBy = strings.TrimSpace(cr.CreatedBy)
	for _, field := range []**string{
		&cr.ApprovedDate, &cr.ApprovedBy, &cr.RejectedDate, &cr.RejectedBy,
		&cr.UATDate, &cr.UATApprovedDate, &cr.ProductionDate,
		&cr.UpdatedBy, &cr.CRDocumentName, &cr.CRDocumentType, &cr.CRDocumentUploadedBy,
	} {
		*field = OptionalString(Deref(*field))
	}
}

// Document is the attachment blob stored next to a CR.
type Document struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Size       int64  `json:"size"`
	Content    string `json:"content"`
	UploadedBy string `json:"uploadedBy"`
	UploadedAt string `json:"uploadedAt"`
}

func NewDocument(name, contentType string, data []byte, uploadedBy string, at time.Time) Document {
	return Document{
		Name:       name,
		Type:       contentType,
		Size:       int64(len(data)),
		Content:    base64.StdEncoding.EncodeToString(data),
		UploadedBy: uploadedBy,
		UploadedAt: Timestamp(at),
	}
}

// Bytes decodes the base64 content.
func (d Document) Bytes() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(d.Content)
	if err != nil {
		return nil, fmt.Errorf("decode document %s: %w", d.Name, err)
	}
	return data, nil
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func UserKey(email string) string {
	return userPrefix + NormalizeEmail(email)
}

func CRKey(id string) string {
	return crPrefix + id
}

func DocumentKey(id string) string {
	return crPrefix + id + documentSuffix
}

// DocumentOwner returns the cr:<id> key an attachment key belongs to.
func DocumentOwner(key string) (string, bool) {
	if !strings.HasPrefix(key, crPrefix) || !strings.HasSuffix(key, documentSuffix) {
		return "", false
	}
	return strings.TrimSuffix(key, documentSuffix), true
}

// IDFromKey returns the CR id encoded in a cr:<id> key.
func IDFromKey(key string) string {
	return strings.TrimPrefix(key, crPrefix)
}

func Timestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

func Date(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

func StringPtr(value string) *string {
	return &value
}

// OptionalString returns nil for blank input and a pointer to the trimmed value otherwise.
func OptionalString(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func Deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
