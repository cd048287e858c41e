package changerequest

import (
	"context"

	"crportal/api/internal/record"
)

// Indexer mirrors CR changes into a search index.
type Indexer interface {
	IndexChangeRequest(ctx context.Context, cr record.ChangeRequest)
	RemoveChangeRequest(ctx context.Context, id string)
}

// Notifier is told when a CR is approved or rejected.
type Notifier interface {
	NotifyStatusChange(ctx context.Context, cr record.ChangeRequest, previous record.Status) error
}

type noopIndexer struct{}

func (noopIndexer) IndexChangeRequest(context.Context, record.ChangeRequest) {}
func (noopIndexer) RemoveChangeRequest(context.Context, string)              {}
