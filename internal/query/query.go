// Package query filters, pages and summarises loaded change requests.
package query

import (
	"strings"

	"crportal/api/internal/record"
)

const PageSize = 10

// StatusAll disables the status filter.
const StatusAll = "All"

type Filter struct {
	Search    string `json:"search"`
	Status    string `json:"status"`
	DateField string `json:"dateField"`
	From      string `json:"from"`
	To        string `json:"to"`
}

// Apply returns the CRs that match every active part of f, keeping order.
func Apply(crs []record.ChangeRequest, f Filter) []record.ChangeRequest {
	term := strings.ToLower(strings.TrimSpace(f.Search))
	status := strings.TrimSpace(f.Status)
	out := make([]record.ChangeRequest, 0, len(crs))
	for _, cr := range crs {
		if term != "" && !matchesText(cr, term) {
			continue
		}
		if status != "" && status != StatusAll && string(cr.Status) != status {
			continue
		}
		if !inDateRange(cr, f) {
			continue
		}
		out = append(out, cr)
	}
	return out
}

func matchesText(cr record.ChangeRequest, term string) bool {
	for _, field := range []string{cr.CRCode, cr.CRName, cr.Description, cr.Application} {
		if strings.Contains(strings.ToLower(field), term) {
			return true
		}
	}
	return false
}

// inDateRange applies the date filter. It is inactive unless a field and at
// least one bound are set; unknown fields pass everything. Bounds are
// inclusive and compared as YYYY-MM-DD strings.
func inDateRange(cr record.ChangeRequest, f Filter) bool {
	from := strings.TrimSpace(f.From)
	to := strings.TrimSpace(f.To)
	if f.DateField == "" || (from == "" && to == "") {
		return true
	}
	value, known := cr.DateField(f.DateField)
	if !known {
		return true
	}
	if value == "" {
		return false
	}
	if from != "" && value < from {
		return false
	}
	if to != "" && value > to {
		return false
	}
	return true
}

type Page struct {
	Items      []record.ChangeRequest `json:"items"`
	Page       int                    `json:"page"`
	TotalPages int                    `json:"totalPages"`
	Total      int                    `json:"total"`
}

// Paginate returns one page of items. page is clamped to [1, totalPages],
// with at least one (possibly empty) page.
func Paginate(items []record.ChangeRequest, page int) Page {
	total := len(items)
	totalPages := (total + PageSize - 1) / PageSize
	if totalPages < 1 {
		totalPages = 1
	}
	if page < 1 {
		page = 1
	}
	if page > totalPages {
		page = totalPages
	}
	start := (page - 1) * PageSize
	end := start + PageSize
	if end > total {
		end = total
	}
	return Page{
		Items:      append([]record.ChangeRequest{}, items[start:end]...),
		Page:       page,
		TotalPages: totalPages,
		Total:      total,
	}
}

type Stats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Approved   int `json:"approved"`
	Rejected   int `json:"rejected"`
	InProgress int `json:"inProgress"`
	Completed  int `json:"completed"`
}

func Summarize(crs []record.ChangeRequest) Stats {
	stats := Stats{Total: len(crs)}
	for _, cr := range crs {
		switch cr.Status {
		case record.StatusPending:
			stats.Pending++
		case record.StatusApproved:
			stats.Approved++
		case record.StatusRejected:
			stats.Rejected++
		case record.StatusInProgress:
			stats.InProgress++
		case record.StatusCompleted:
			stats.Completed++
		}
	}
	return stats
}
