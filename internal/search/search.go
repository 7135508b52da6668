// Package search answers keyword queries over open help requests.
package search

import (
	"context"

	"neighborly/api/internal/model"
)

// Query describes a search request.
type Query struct {
	Text  string
	Limit int
}

func (q Query) limit() int {
	if q.Limit <= 0 || q.Limit > 100 {
		return 20
	}
	return q.Limit
}

// Searcher returns the ids of matching requests, best match first.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]string, error)
	Healthy() bool
}

// Indexer pushes requests into a search index.
type Indexer interface {
	IndexRequests(records []RequestRecord) error
	DeleteRequest(id string) error
}

// RequestRecord is the data we index for a request. Only open requests are
// kept in the index.
type RequestRecord struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Status      string `json:"status"`
	Geohash     string `json:"geohash"`
	CreatedAt   int64  `json:"createdAt"`
}

func RecordFromRequest(r model.Request) RequestRecord {
	return RequestRecord{
		ID:          r.ID,
		Title:       r.Title,
		Description: r.Description,
		Category:    string(r.Category),
		Status:      string(r.Status),
		Geohash:     r.Geohash,
		CreatedAt:   r.CreatedAt.Unix(),
	}
}
