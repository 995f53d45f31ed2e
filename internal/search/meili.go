package search

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/rs/zerolog"
)

const idxReviews = "chatesg_reviews"

// Meili implements Searcher via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	log     zerolog.Logger
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the review index.
// A failed initial health check leaves the client unhealthy until the
// background monitor sees it recover.
func NewMeili(url, apiKey string, logger zerolog.Logger) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		log:    logger.With().Str("component", "meilisearch").Logger(),
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		m.log.Warn().Err(err).Str("url", url).Msg("meilisearch unavailable")
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
		Uid:        idxReviews,
		PrimaryKey: "id",
	}); err != nil {
		m.log.Debug().Err(err).Msg("create review index (may already exist)")
	}

	index := m.client.Index(idxReviews)
	filterable := []interface{}{"assetId", "chapterName", "action", "workflowInstanceId"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.log.Warn().Err(err).Msg("update filterable attributes")
	}
	searchable := []string{"comment", "stageName", "chapterName"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.log.Warn().Err(err).Msg("update searchable attributes")
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
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
				m.log.Info().Msg("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}
	sr := &meili.SearchRequest{
		IndexUID:              idxReviews,
		Query:                 q.Text,
		Limit:                 limit,
		Offset:                int64(q.Offset),
		AttributesToHighlight: []string{"comment"},
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
	}
	if filters := meiliFilters(q); len(filters) > 0 {
		sr.Filter = filters
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{sr},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, res := range resp.Results {
		total += int(res.EstimatedTotalHits)
		for _, hit := range res.Hits {
			results = append(results, hitToResult(hit))
		}
	}
	return results, total, nil
}

func meiliFilters(q Query) []string {
	var filters []string
	if q.FilterAssetID != "" {
		filters = append(filters, fmt.Sprintf("assetId = %q", q.FilterAssetID))
	}
	if q.FilterAction != "" {
		filters = append(filters, fmt.Sprintf("action = %q", q.FilterAction))
	}
	return filters
}

func hitToResult(hit meili.Hit) Result {
	return Result{
		ID:                 decodeString(hit, "id"),
		WorkflowInstanceID: decodeString(hit, "workflowInstanceId"),
		AssetID:            decodeString(hit, "assetId"),
		ChapterName:        decodeString(hit, "chapterName"),
		StageName:          decodeString(hit, "stageName"),
		ReviewerID:         decodeString(hit, "reviewerId"),
		Action:             decodeString(hit, "action"),
		Snippet:            firstNonBlank(decodeFormattedString(hit, "comment"), decodeString(hit, "comment")),
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
	var value string
	if err := json.Unmarshal(formatted[key], &value); err != nil {
		return ""
	}
	return strings.TrimSpace(value)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// IndexReview adds or updates one ledger entry.
func (m *Meili) IndexReview(record ReviewRecord) error {
	_, err := m.client.Index(idxReviews).AddDocuments([]ReviewRecord{record}, nil)
	return err
}

// IndexReviews bulk-indexes ledger entries.
func (m *Meili) IndexReviews(records []ReviewRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxReviews).AddDocuments(records, nil)
	return err
}
