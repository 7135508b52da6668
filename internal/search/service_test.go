package search

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neighborly/api/internal/logging"
	"neighborly/api/internal/model"
	"neighborly/api/internal/store"
)

type fakeIndex struct {
	mu      sync.Mutex
	healthy bool
	ids     []string
	err     error
	indexed map[string]RequestRecord
	deleted []string
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{healthy: true, indexed: make(map[string]RequestRecord)}
}

func (f *fakeIndex) Search(context.Context, Query) ([]string, error) { return f.ids, f.err }
func (f *fakeIndex) Healthy() bool                                   { return f.healthy }

func (f *fakeIndex) IndexRequests(records []RequestRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, record := range records {
		f.indexed[record.ID] = record
	}
	return nil
}

func (f *fakeIndex) DeleteRequest(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.indexed, id)
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeIndex) has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.indexed[id]
	return ok
}

func seed(t *testing.T) *store.MemoryStore {
	t.Helper()
	s := store.NewMemoryStore()
	ctx := context.Background()
	for _, r := range []model.Request{
		{ID: "shelf", Title: "Hang a shelf", Category: model.CategoryFix, RequesterID: "R", Status: model.StatusOpen},
		{ID: "bags", Title: "Carry bags", Description: "heavy shelf parts", Category: model.CategoryCarry, RequesterID: "R", Status: model.StatusOpen},
		{ID: "dog", Title: "Walk the dog", Category: model.CategoryErrand, RequesterID: "R", Status: model.StatusOpen},
	} {
		_, err := s.InsertRequest(ctx, r)
		require.NoError(t, err)
	}
	return s
}

func TestSearchFallsBackToStore(t *testing.T) {
	svc := NewService(nil, seed(t), nil)
	items, err := svc.Search(context.Background(), Query{Text: "shelf"})
	require.NoError(t, err)
	ids := []string{}
	for _, item := range items {
		ids = append(ids, item.ID)
	}
	assert.ElementsMatch(t, []string{"shelf", "bags"}, ids)
}

func TestSearchUsesIndexAndSkipsStaleHits(t *testing.T) {
	s := seed(t)
	ctx := context.Background()
	_, err := s.UpdateRequest(ctx, "dog", func(r model.Request) (model.Request, error) {
		r.Status = model.StatusAccepted
		r.HelperID = model.StringPtr("H")
		return r, nil
	})
	require.NoError(t, err)

	index := newFakeIndex()
	index.ids = []string{"dog", "gone", "shelf"}
	svc := &Service{index: index, indexer: index, store: s, log: logging.Discard()}

	items, err := svc.Search(ctx, Query{Text: "anything"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "shelf", items[0].ID)
}

func TestSearchFallsBackWhenIndexFails(t *testing.T) {
	index := newFakeIndex()
	index.err = errors.New("timeout")
	svc := &Service{index: index, indexer: index, store: seed(t), log: logging.Discard()}

	items, err := svc.Search(context.Background(), Query{Text: "dog"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "dog", items[0].ID)
}

func TestTrackIndexesOnlyOpenRequests(t *testing.T) {
	index := newFakeIndex()
	svc := &Service{index: index, indexer: index, store: store.NewMemoryStore(), log: logging.Discard()}

	open := model.Request{ID: "a", Title: "A", Status: model.StatusOpen, CreatedAt: time.Now()}
	svc.Track(open)
	require.Eventually(t, func() bool { return index.has("a") }, time.Second, time.Millisecond)

	claimed := open.Clone()
	claimed.Status = model.StatusAccepted
	svc.Track(claimed)
	require.Eventually(t, func() bool { return !index.has("a") }, time.Second, time.Millisecond)
}

func TestReindex(t *testing.T) {
	index := newFakeIndex()
	svc := &Service{index: index, indexer: index, store: seed(t), log: logging.Discard()}
	require.NoError(t, svc.Reindex(context.Background()))
	assert.True(t, index.has("shelf"))
	assert.True(t, index.has("bags"))
	assert.True(t, index.has("dog"))
}
