package search

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"neighborly/api/internal/logging"
	"neighborly/api/internal/model"
	"neighborly/api/internal/store"
)

// Service is the facade that tries the external index first and falls back
// to a text filter on the store.
type Service struct {
	index   Searcher
	indexer Indexer
	store   store.RequestStore
	log     *logrus.Entry
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured.
func NewService(meili *Meili, requests store.RequestStore, log *logrus.Entry) *Service {
	if log == nil {
		log = logging.Discard()
	}
	s := &Service{store: requests, log: log}
	if meili != nil {
		s.index = meili
		s.indexer = meili
	}
	return s
}

// Search returns the open requests matching q.Text.
func (s *Service) Search(ctx context.Context, q Query) ([]model.Request, error) {
	if s.index != nil && s.index.Healthy() {
		ids, err := s.index.Search(ctx, q)
		if err == nil {
			return s.load(ctx, ids)
		}
		s.log.WithError(err).Warn("index search failed, falling back to store")
	}

	items, err := s.store.ListRequests(ctx, store.Filter{
		Statuses:    []model.Status{model.StatusOpen},
		Text:        q.Text,
		NewestFirst: true,
		Limit:       q.limit(),
	})
	if err != nil {
		return nil, fmt.Errorf("search store: %w", err)
	}
	return items, nil
}

// load resolves index hits against the store, which stays authoritative. A
// hit that was claimed or deleted since it was indexed is skipped.
func (s *Service) load(ctx context.Context, ids []string) ([]model.Request, error) {
	items := make([]model.Request, 0, len(ids))
	for _, id := range ids {
		item, err := s.store.GetRequest(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load search hit: %w", err)
		}
		if item.Status == model.StatusOpen {
			items = append(items, item)
		}
	}
	return items, nil
}

// Track updates the index after r changed: open requests are indexed,
// anything else is removed. Indexing runs in the background.
func (s *Service) Track(r model.Request) {
	if s.indexer == nil || !s.index.Healthy() {
		return
	}
	if r.Status != model.StatusOpen {
		s.Forget(r.ID)
		return
	}
	record := RecordFromRequest(r)
	go func() {
		if err := s.indexer.IndexRequests([]RequestRecord{record}); err != nil {
			s.log.WithError(err).WithField("request_id", record.ID).Warn("index request")
		}
	}()
}

// Forget removes a request from the index in the background.
func (s *Service) Forget(id string) {
	if s.indexer == nil || !s.index.Healthy() {
		return
	}
	go func() {
		if err := s.indexer.DeleteRequest(id); err != nil {
			s.log.WithError(err).WithField("request_id", id).Warn("delete indexed request")
		}
	}()
}

// Reindex loads every open request from the store and pushes it to the
// index. Called once at startup.
func (s *Service) Reindex(ctx context.Context) error {
	if s.indexer == nil || !s.index.Healthy() {
		return nil
	}
	items, err := s.store.ListRequests(ctx, store.Filter{Statuses: []model.Status{model.StatusOpen}, Limit: 1000})
	if err != nil {
		return fmt.Errorf("reindex load: %w", err)
	}
	records := make([]RequestRecord, 0, len(items))
	for _, item := range items {
		records = append(records, RecordFromRequest(item))
	}
	if err := s.indexer.IndexRequests(records); err != nil {
		return fmt.Errorf("reindex push: %w", err)
	}
	s.log.WithField("count", len(records)).Info("search index rebuilt")
	return nil
}
