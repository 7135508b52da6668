package chatnotify

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"neighborly/api/internal/logging"
	"neighborly/api/internal/model"
	"neighborly/api/internal/poll"
)

type MessageFetcher func(ctx context.Context, chatID string) ([]model.ChatMessage, error)

// Manager keeps one poll subscription per active chat and feeds their
// results into a Dedup.
type Manager struct {
	mu       sync.Mutex
	ctx      context.Context
	dedup    *Dedup
	fetch    MessageFetcher
	interval time.Duration
	log      *logrus.Entry
	subs     map[string]*poll.Subscription
	closed   bool
}

func NewManager(ctx context.Context, dedup *Dedup, fetch MessageFetcher, interval time.Duration, log *logrus.Entry) *Manager {
	if log == nil {
		log = logging.Discard()
	}
	return &Manager{
		ctx:      ctx,
		dedup:    dedup,
		fetch:    fetch,
		interval: interval,
		log:      log,
		subs:     make(map[string]*poll.Subscription),
	}
}

// Sync makes the set of watched chats equal to active.
func (m *Manager) Sync(active []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}

	want := make(map[string]bool, len(active))
	for _, chatID := range active {
		want[chatID] = true
		if _, ok := m.subs[chatID]; ok {
			continue
		}
		m.subs[chatID] = m.watch(chatID)
		m.log.WithField("chat_id", chatID).Debug("watching chat")
	}
	for chatID, sub := range m.subs {
		if want[chatID] {
			continue
		}
		sub.Cancel()
		m.dedup.Forget(chatID)
		delete(m.subs, chatID)
		m.log.WithField("chat_id", chatID).Debug("stopped watching chat")
	}
}

func (m *Manager) watch(chatID string) *poll.Subscription {
	return poll.Subscribe(m.ctx,
		func(ctx context.Context) ([]model.ChatMessage, error) { return m.fetch(ctx, chatID) },
		func(messages []model.ChatMessage) { m.dedup.Observe(chatID, messages) },
		m.interval,
		poll.MessagesEqual,
		poll.WithName("chat"),
		poll.WithLogger(m.log.WithField("chat_id", chatID)),
	)
}

// Watching returns the ids of the chats currently polled.
func (m *Manager) Watching() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.subs))
	for chatID := range m.subs {
		out = append(out, chatID)
	}
	return out
}

func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for chatID, sub := range m.subs {
		sub.Cancel()
		m.dedup.Forget(chatID)
		delete(m.subs, chatID)
	}
}
