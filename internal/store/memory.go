package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"neighborly/api/internal/geo"
	"neighborly/api/internal/model"
)

// MemoryStore keeps everything in process. Every operation holds one mutex,
// which makes each call a serialisable transaction.
type MemoryStore struct {
	mu        sync.Mutex
	now       func() time.Time
	requests  map[string]model.Request
	prompts   map[string]model.ReviewPrompt
	promptKey map[string]string
}

func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(time.Now)
}

func NewMemoryStoreWithClock(now func() time.Time) *MemoryStore {
	return &MemoryStore{
		now:       now,
		requests:  make(map[string]model.Request),
		prompts:   make(map[string]model.ReviewPrompt),
		promptKey: make(map[string]string),
	}
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func (s *MemoryStore) InsertRequest(_ context.Context, r model.Request) (model.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.requests[r.ID]; exists {
		return model.Request{}, fmt.Errorf("insert request %s: duplicate id", r.ID)
	}
	item := prepareInsert(r, s.now(), microPrecision)
	s.requests[item.ID] = item
	return item.Clone(), nil
}

func (s *MemoryStore) GetRequest(_ context.Context, id string) (model.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.requests[id]
	if !ok {
		return model.Request{}, fmt.Errorf("get request %s: %w", id, ErrNotFound)
	}
	return item.Clone(), nil
}

func (s *MemoryStore) ListRequests(_ context.Context, filter Filter) ([]model.Request, error) {
	s.mu.Lock()
	items := make([]model.Request, 0, len(s.requests))
	for _, item := range s.requests {
		if matches(item, filter) {
			items = append(items, item.Clone())
		}
	}
	s.mu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			if filter.NewestFirst {
				return a.CreatedAt.After(b.CreatedAt)
			}
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	if limit := filter.limit(); limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func matches(item model.Request, filter Filter) bool {
	if !hasStatus(filter.Statuses, item.Status) {
		return false
	}
	if filter.ParticipantID != "" && !item.IsParticipant(filter.ParticipantID) {
		return false
	}
	if filter.Bounds != nil && !filter.Bounds.Contains(item.Location) {
		return false
	}
	if len(filter.GeohashPrefixes) > 0 && !geo.HasAnyPrefix(item.Geohash, filter.GeohashPrefixes) {
		return false
	}
	if text := strings.ToLower(strings.TrimSpace(filter.Text)); text != "" {
		if !strings.Contains(strings.ToLower(item.Title), text) && !strings.Contains(strings.ToLower(item.Description), text) {
			return false
		}
	}
	return true
}

func (s *MemoryStore) UpdateRequest(_ context.Context, id string, mutate MutateFunc) (model.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.requests[id]
	if !ok {
		return model.Request{}, fmt.Errorf("update request %s: %w", id, ErrNotFound)
	}
	next, err := mutate(current.Clone())
	if err != nil {
		return model.Request{}, err
	}
	item := prepareUpdate(current, next, s.now(), microPrecision)
	s.requests[id] = item
	return item.Clone(), nil
}

func (s *MemoryStore) DeleteRequest(_ context.Context, id string, check CheckFunc) (model.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.requests[id]
	if !ok {
		return model.Request{}, fmt.Errorf("delete request %s: %w", id, ErrNotFound)
	}
	if check != nil {
		if err := check(current.Clone()); err != nil {
			return model.Request{}, err
		}
	}
	delete(s.requests, id)
	return current.Clone(), nil
}

func promptKey(userID, requestID string) string {
	return userID + "\x00" + requestID
}

func (s *MemoryStore) InsertReviewPrompt(_ context.Context, p model.ReviewPrompt) (model.ReviewPrompt, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := promptKey(p.UserID, p.RequestID)
	if existingID, ok := s.promptKey[key]; ok {
		return s.prompts[existingID], false, nil
	}
	if _, exists := s.prompts[p.ID]; exists {
		return model.ReviewPrompt{}, false, fmt.Errorf("insert review prompt %s: duplicate id", p.ID)
	}
	p.CreatedAt = s.now().UTC().Truncate(time.Microsecond)
	s.prompts[p.ID] = p
	s.promptKey[key] = p.ID
	return p, true, nil
}

func (s *MemoryStore) GetReviewPrompt(_ context.Context, id string) (model.ReviewPrompt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prompt, ok := s.prompts[id]
	if !ok {
		return model.ReviewPrompt{}, fmt.Errorf("get review prompt %s: %w", id, ErrNotFound)
	}
	return prompt, nil
}

func (s *MemoryStore) ListReviewPrompts(_ context.Context, userID string, includeConsumed bool) ([]model.ReviewPrompt, error) {
	s.mu.Lock()
	items := make([]model.ReviewPrompt, 0)
	for _, prompt := range s.prompts {
		if prompt.UserID != userID || (prompt.Consumed && !includeConsumed) {
			continue
		}
		items = append(items, prompt)
	}
	s.mu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
	return items, nil
}

func (s *MemoryStore) MarkReviewPromptConsumed(_ context.Context, id string) (model.ReviewPrompt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prompt, ok := s.prompts[id]
	if !ok {
		return model.ReviewPrompt{}, fmt.Errorf("consume review prompt %s: %w", id, ErrNotFound)
	}
	prompt.Consumed = true
	s.prompts[id] = prompt
	return prompt, nil
}
