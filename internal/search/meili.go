package search

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/sirupsen/logrus"
)

const (
	idxChangeRequests = "crportal_change_requests"
	primaryKey        = "docId"
	defaultLimit      = 20
	healthInterval    = 10 * time.Second
)

var (
	filterableAttributes = []string{"status", "application"}
	searchableAttributes = []string{"crCode", "crName", "description", "application"}
)

var errUnhealthy = errors.New("meilisearch unhealthy")

// Meili implements Searcher and keeps the change-request index current.
type Meili struct {
	client  meili.ServiceManager
	log     *logrus.Entry
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the index. A failing
// initial health check leaves the client unhealthy; the health loop picks it
// up once the server recovers.
func NewMeili(url, apiKey string, log *logrus.Entry) *Meili {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		log:    log.WithField("component", "search"),
		done:   make(chan struct{}),
	}

	if _, err := m.client.Health(); err != nil {
		m.log.WithError(err).WithField("url", url).Warn("meilisearch unavailable")
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxChangeRequests,
		PrimaryKey: primaryKey,
	}); err != nil {
		m.log.WithError(err).Debug("create index (may already exist)")
	}

	index := m.client.Index(idxChangeRequests)
	filterable := make([]interface{}, len(filterableAttributes))
	for i, v := range filterableAttributes {
		filterable[i] = v
	}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.log.WithError(err).Warn("update filterable attributes")
	}
	searchable := append([]string(nil), searchableAttributes...)
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.log.WithError(err).Warn("update searchable attributes")
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.log.Info("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search runs q against the change-request index.
func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, errUnhealthy
	}

	offset, limit := q.window()
	sr := &meili.SearchRequest{
		IndexUID:              idxChangeRequests,
		Query:                 q.Text,
		Limit:                 int64(limit),
		Offset:                int64(offset),
		AttributesToHighlight: []string{"description"},
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
	}
	if f := statusFilter(q.Status); f != "" {
		sr.Filter = []string{f}
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{sr},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	var results []Result
	total := 0
	for _, r := range resp.Results {
		total += int(r.EstimatedTotalHits)
		for _, hit := range r.Hits {
			results = append(results, hitToResult(hit))
		}
	}
	return results, total, nil
}

func statusFilter(status string) string {
	status = strings.TrimSpace(status)
	if status == "" || status == "All" {
		return ""
	}
	return fmt.Sprintf("status = %q", status)
}

func hitToResult(hit meili.Hit) Result {
	return Result{
		ID:          decodeString(hit, "crId"),
		CRCode:      decodeString(hit, "crCode"),
		CRName:      decodeString(hit, "crName"),
		Application: decodeString(hit, "application"),
		Status:      decodeString(hit, "status"),
		Snippet:     firstNonBlank(decodeFormattedString(hit, "description"), decodeString(hit, "description")),
	}
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]json.RawMessage
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(formatted[key], &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// documentID maps a CR id onto the alphabet Meilisearch accepts for primary
// keys (alphanumerics, '-' and '_').
func documentID(id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(id))
}

// IndexChangeRequests adds or replaces records in the index.
func (m *Meili) IndexChangeRequests(records []CRRecord) error {
	if len(records) == 0 {
		return nil
	}
	if _, err := m.client.Index(idxChangeRequests).AddDocuments(records, nil); err != nil {
		return fmt.Errorf("index change requests: %w", err)
	}
	return nil
}

// DeleteChangeRequest removes the record for CR id from the index.
func (m *Meili) DeleteChangeRequest(id string) error {
	if _, err := m.client.Index(idxChangeRequests).DeleteDocument(documentID(id), nil); err != nil {
		return fmt.Errorf("delete change request %s: %w", id, err)
	}
	return nil
}
