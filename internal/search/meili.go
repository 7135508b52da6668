package search

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/sirupsen/logrus"

	"neighborly/api/internal/logging"
)

const idxRequests = "neighborly_requests"

// Meili implements Searcher and Indexer via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	log     *logrus.Entry
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili connects to Meilisearch. The client starts unhealthy when the
// server cannot be reached and the background probe configures the index
// once it comes up.
func NewMeili(url, apiKey string, log *logrus.Entry) *Meili {
	if log == nil {
		log = logging.Discard()
	}
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		log:    log.WithField("url", url),
		done:   make(chan struct{}),
	}
	if err := m.probe(); err != nil {
		m.log.WithError(err).Warn("meilisearch unavailable")
	}
	go m.probeLoop(10 * time.Second)
	return m
}

// probe refreshes the health flag. A transition to healthy reconfigures the
// index since the server may have lost it.
func (m *Meili) probe() error {
	_, err := m.client.Health()
	if wasHealthy := m.healthy.Swap(err == nil); err == nil && !wasHealthy {
		m.log.Info("meilisearch reachable, configuring index")
		m.configureIndex()
	}
	return err
}

func (m *Meili) probeLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_ = m.probe()
		}
	}
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxRequests,
		PrimaryKey: "id",
	}); err != nil {
		m.log.WithError(err).Debug("create index (may already exist)")
	}

	index := m.client.Index(idxRequests)
	filterable := []interface{}{"status", "category", "geohash"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.log.WithError(err).Warn("update filterable attributes")
	}
	searchable := []string{"title", "description"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.log.WithError(err).Warn("update searchable attributes")
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(_ context.Context, q Query) ([]string, error) {
	if !m.healthy.Load() {
		return nil, fmt.Errorf("meilisearch unhealthy")
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{{
			IndexUID:             idxRequests,
			Query:                q.Text,
			Limit:                int64(q.limit()),
			Filter:               `status = "open"`,
			AttributesToRetrieve: []string{"id"},
		}},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, fmt.Errorf("meilisearch search: %w", err)
	}

	var ids []string
	for _, result := range resp.Results {
		for _, hit := range result.Hits {
			if id := hitID(hit); id != "" {
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

func hitID(hit meili.Hit) string {
	var id string
	if raw, ok := hit["id"]; ok && json.Unmarshal(raw, &id) == nil {
		return id
	}
	return ""
}

// IndexRequests adds or replaces requests in the index.
func (m *Meili) IndexRequests(records []RequestRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxRequests).AddDocuments(records, nil)
	return err
}

func (m *Meili) DeleteRequest(id string) error {
	_, err := m.client.Index(idxRequests).DeleteDocument(id, nil)
	return err
}
