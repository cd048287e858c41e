// Package search indexes change requests in Meilisearch and answers text
// queries, falling back to scanning the stored records when Meilisearch is
// unavailable.
package search

import "crportal/api/internal/record"

// Result is a single search hit returned to the caller.
type Result struct {
	ID          string `json:"id"`
	CRCode      string `json:"crCode"`
	CRName      string `json:"crName"`
	Application string `json:"application"`
	Status      string `json:"status"`
	Snippet     string `json:"snippet"`
}

// Query describes a search request.
type Query struct {
	Text   string
	Status string // empty or "All" = every status
	Limit  int
	Offset int
}

// MaxLimit caps the page size of a single search.
const MaxLimit = 100

// window returns the offset and page size to use for q.
func (q Query) window() (offset, limit int) {
	offset = q.Offset
	if offset < 0 {
		offset = 0
	}
	limit = q.Limit
	switch {
	case limit <= 0:
		limit = defaultLimit
	case limit > MaxLimit:
		limit = MaxLimit
	}
	return offset, limit
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Engine  string   `json:"engine"`
}

// CRRecord is the data we index for a change request. DocID is the
// Meilisearch primary key; CR ids may contain characters it rejects.
type CRRecord struct {
	DocID       string `json:"docId"`
	ID          string `json:"crId"`
	CRCode      string `json:"crCode"`
	CRName      string `json:"crName"`
	Description string `json:"description"`
	Application string `json:"application"`
	Status      string `json:"status"`
	Requester   string `json:"requester"`
	RequestDate string `json:"requestDate"`
}

func NewCRRecord(cr record.ChangeRequest) CRRecord {
	return CRRecord{
		DocID:       documentID(cr.ID),
		ID:          cr.ID,
		CRCode:      cr.CRCode,
		CRName:      cr.CRName,
		Description: cr.Description,
		Application: cr.Application,
		Status:      string(cr.Status),
		Requester:   cr.Requester,
		RequestDate: cr.RequestDate,
	}
}
