package search

import (
	"context"

	"crportal/api/internal/logging"
	"crportal/api/internal/record"
)

const (
	EngineMeili = "meilisearch"
	EngineLocal = "local"
)

// Service is the facade that tries Meilisearch first and falls back to
// scanning stored records.
type Service struct {
	meili *Meili
	local *Local
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, local *Local) *Service {
	return &Service{meili: meili, local: local}
}

// Search tries Meilisearch if healthy, otherwise falls back to the local scan.
func (s *Service) Search(ctx context.Context, q Query) Response {
	log := logging.FromContext(ctx).WithField("component", "search")
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Engine: EngineMeili}
		}
		log.WithError(err).Warn("meilisearch error, falling back to local search")
	}

	if s.local == nil {
		return Response{Results: []Result{}, Query: q.Text, Engine: EngineLocal}
	}
	results, total, err := s.local.Search(ctx, q)
	if err != nil {
		log.WithError(err).Error("local search failed")
		return Response{Results: []Result{}, Total: 0, Query: q.Text, Engine: EngineLocal}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Engine: EngineLocal}
}

func (s *Service) meiliReady() bool {
	return s != nil && s.meili != nil && s.meili.Healthy()
}

// IndexChangeRequest indexes a CR (fire-and-forget to Meilisearch).
func (s *Service) IndexChangeRequest(ctx context.Context, cr record.ChangeRequest) {
	if !s.meiliReady() {
		return
	}
	log := logging.FromContext(ctx)
	rec := NewCRRecord(cr)
	go func() {
		if err := s.meili.IndexChangeRequests([]CRRecord{rec}); err != nil {
			log.WithError(err).WithField("cr_id", rec.ID).Warn("search: index change request")
		}
	}()
}

// RemoveChangeRequest drops a CR from the index (fire-and-forget).
func (s *Service) RemoveChangeRequest(ctx context.Context, id string) {
	if !s.meiliReady() {
		return
	}
	log := logging.FromContext(ctx)
	go func() {
		if err := s.meili.DeleteChangeRequest(id); err != nil {
			log.WithError(err).WithField("cr_id", id).Warn("search: remove change request")
		}
	}()
}

// ReindexAll pushes every stored CR to Meilisearch and returns how many were
// sent. It is a no-op when Meilisearch is not available.
func (s *Service) ReindexAll(ctx context.Context) (int, error) {
	if !s.meiliReady() || s.local == nil || s.local.load == nil {
		return 0, nil
	}
	crs, err := s.local.load(ctx)
	if err != nil {
		return 0, err
	}
	records := make([]CRRecord, 0, len(crs))
	for _, cr := range crs {
		records = append(records, NewCRRecord(cr))
	}
	if err := s.meili.IndexChangeRequests(records); err != nil {
		return 0, err
	}
	return len(records), nil
}

// MeiliHealthy reports whether the primary engine is in use.
func (s *Service) MeiliHealthy() bool {
	return s.meiliReady()
}

// Close stops background work.
func (s *Service) Close() {
	if s.meili != nil {
		s.meili.Close()
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
