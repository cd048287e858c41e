package search

import (
	"context"
	"fmt"

	"crportal/api/internal/query"
	"crportal/api/internal/record"
)

// LoadFunc returns every stored change request.
type LoadFunc func(ctx context.Context) ([]record.ChangeRequest, error)

// Local answers searches by filtering the stored records directly. It is
// always healthy and backs the service whenever Meilisearch is not.
type Local struct {
	load LoadFunc
}

func NewLocal(load LoadFunc) *Local {
	return &Local{load: load}
}

func (l *Local) Healthy() bool { return l.load != nil }

func (l *Local) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if l.load == nil {
		return nil, 0, nil
	}
	crs, err := l.load(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("load change requests: %w", err)
	}
	matched := query.Apply(crs, query.Filter{Search: q.Text, Status: q.Status})
	total := len(matched)

	start, limit := q.window()
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}

	results := make([]Result, 0, end-start)
	for _, cr := range matched[start:end] {
		results = append(results, Result{
			ID:          cr.ID,
			CRCode:      cr.CRCode,
			CRName:      cr.CRName,
			Application: cr.Application,
			Status:      string(cr.Status),
			Snippet:     cr.Description,
		})
	}
	return results, total, nil
}
