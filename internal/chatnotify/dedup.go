// Package chatnotify turns polled chat snapshots into at most one visible
// notification per chat.
package chatnotify

import (
	"sync"

	"neighborly/api/internal/model"
)

type Notification struct {
	ChatID    string
	MessageID string
	SenderID  string
	Body      string
}

// Notifier displays notifications. Show returns a handle that Dismiss
// accepts.
type Notifier interface {
	Show(n Notification) string
	Dismiss(id string)
}

type chatState struct {
	initialized bool
	lastSeenID  string
	pendingID   string
}

// Dedup holds the per-chat notification state of one signed-in session.
type Dedup struct {
	mu       sync.Mutex
	actorID  string
	focused  string
	chats    map[string]*chatState
	notifier Notifier
}

func NewDedup(actorID string, notifier Notifier) *Dedup {
	return &Dedup{
		actorID:  actorID,
		chats:    make(map[string]*chatState),
		notifier: notifier,
	}
}

// Observe applies one poll result for chatID. messages are in append order,
// so the last element is the newest.
func (d *Dedup) Observe(chatID string, messages []model.ChatMessage) {
	d.mu.Lock()
	defer d.mu.Unlock()

	state, ok := d.chats[chatID]
	if !ok {
		state = &chatState{}
		d.chats[chatID] = state
	}
	if len(messages) == 0 {
		state.initialized = true
		return
	}
	newest := messages[len(messages)-1]

	switch {
	case !state.initialized:
		// history that existed before we started watching is not news
		state.initialized = true
	case newest.SenderID == d.actorID:
		d.dismissLocked(state)
	case chatID == d.focused:
	case newest.ID != state.lastSeenID:
		d.dismissLocked(state)
		state.pendingID = d.notifier.Show(Notification{
			ChatID:    chatID,
			MessageID: newest.ID,
			SenderID:  newest.SenderID,
			Body:      newest.Body,
		})
	}
	state.lastSeenID = newest.ID
}

// Focus marks chatID as the chat on screen and clears its notification. An
// empty chatID means no chat is focused.
func (d *Dedup) Focus(chatID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.focused = chatID
	if state, ok := d.chats[chatID]; ok {
		d.dismissLocked(state)
	}
}

// Forget drops everything known about chatID, including its notification.
func (d *Dedup) Forget(chatID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if state, ok := d.chats[chatID]; ok {
		d.dismissLocked(state)
		delete(d.chats, chatID)
	}
	if d.focused == chatID {
		d.focused = ""
	}
}

// Pending returns the handle of the notification shown for chatID, if any.
func (d *Dedup) Pending(chatID string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if state, ok := d.chats[chatID]; ok {
		return state.pendingID
	}
	return ""
}

func (d *Dedup) dismissLocked(state *chatState) {
	if state.pendingID == "" {
		return
	}
	d.notifier.Dismiss(state.pendingID)
	state.pendingID = ""
}
