package chatnotify

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neighborly/api/internal/model"
)

type fakeNotifier struct {
	mu        sync.Mutex
	next      int
	shown     []Notification
	visible   map[string]Notification
	dismissed []string
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{visible: make(map[string]Notification)}
}

func (f *fakeNotifier) Show(n Notification) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := fmt.Sprintf("toast-%d", f.next)
	f.shown = append(f.shown, n)
	f.visible[id] = n
	return id
}

func (f *fakeNotifier) Dismiss(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dismissed = append(f.dismissed, id)
	delete(f.visible, id)
}

func (f *fakeNotifier) visibleFor(chatID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, n := range f.visible {
		if n.ChatID == chatID {
			count++
		}
	}
	return count
}

func (f *fakeNotifier) shownCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.shown)
}

func msg(id, sender string) model.ChatMessage {
	return model.ChatMessage{ID: id, ChatID: "chat-a", SenderID: sender, Body: "body " + id}
}

func TestFirstObservationIsSilent(t *testing.T) {
	n := newFakeNotifier()
	d := NewDedup("me", n)

	d.Observe("chat-a", []model.ChatMessage{msg("m1", "other"), msg("m2", "other")})
	assert.Zero(t, n.shownCount())

	d.Observe("chat-a", []model.ChatMessage{msg("m1", "other"), msg("m2", "other")})
	assert.Zero(t, n.shownCount())
}

func TestNewMessageNotifiesOnce(t *testing.T) {
	n := newFakeNotifier()
	d := NewDedup("me", n)
	d.Observe("chat-a", []model.ChatMessage{msg("m1", "other")})

	d.Observe("chat-a", []model.ChatMessage{msg("m1", "other"), msg("m2", "other")})
	require.Equal(t, 1, n.shownCount())
	assert.Equal(t, "m2", n.shown[0].MessageID)

	d.Observe("chat-a", []model.ChatMessage{msg("m1", "other"), msg("m2", "other")})
	assert.Equal(t, 1, n.shownCount(), "same newest message must not notify again")
}

func TestNeverStacksTwoToastsPerChat(t *testing.T) {
	n := newFakeNotifier()
	d := NewDedup("me", n)
	d.Observe("chat-a", nil)

	history := []model.ChatMessage{}
	for i := 1; i <= 5; i++ {
		history = append(history, msg(fmt.Sprintf("m%d", i), "other"))
		d.Observe("chat-a", history)
		assert.Equal(t, 1, n.visibleFor("chat-a"))
	}
	assert.Equal(t, 5, n.shownCount())
	assert.Len(t, n.dismissed, 4)
}

func TestOwnMessageDismissesPending(t *testing.T) {
	n := newFakeNotifier()
	d := NewDedup("me", n)
	d.Observe("chat-a", []model.ChatMessage{msg("m1", "other")})
	d.Observe("chat-a", []model.ChatMessage{msg("m1", "other"), msg("m2", "other")})
	require.NotEmpty(t, d.Pending("chat-a"))

	d.Observe("chat-a", []model.ChatMessage{msg("m1", "other"), msg("m2", "other"), msg("m3", "me")})
	assert.Empty(t, d.Pending("chat-a"))
	assert.Zero(t, n.visibleFor("chat-a"))
	assert.Equal(t, 1, n.shownCount())
}

func TestFocusedChatDoesNotNotify(t *testing.T) {
	n := newFakeNotifier()
	d := NewDedup("me", n)
	d.Observe("chat-a", []model.ChatMessage{msg("m1", "other")})
	d.Observe("chat-a", []model.ChatMessage{msg("m1", "other"), msg("m2", "other")})

	d.Focus("chat-a")
	assert.Zero(t, n.visibleFor("chat-a"), "focusing clears the toast")

	d.Observe("chat-a", []model.ChatMessage{msg("m1", "other"), msg("m2", "other"), msg("m3", "other")})
	assert.Equal(t, 1, n.shownCount())

	d.Focus("")
	d.Observe("chat-a", []model.ChatMessage{msg("m1", "other"), msg("m2", "other"), msg("m3", "other")})
	assert.Equal(t, 1, n.shownCount(), "m3 was seen while focused")
}

func TestEmptyChatThenFirstMessageNotifies(t *testing.T) {
	n := newFakeNotifier()
	d := NewDedup("me", n)
	d.Observe("chat-a", []model.ChatMessage{})
	d.Observe("chat-a", []model.ChatMessage{msg("m1", "other")})
	assert.Equal(t, 1, n.shownCount())
}

func TestForgetDiscardsState(t *testing.T) {
	n := newFakeNotifier()
	d := NewDedup("me", n)
	d.Observe("chat-a", []model.ChatMessage{msg("m1", "other")})
	d.Observe("chat-a", []model.ChatMessage{msg("m1", "other"), msg("m2", "other")})

	d.Forget("chat-a")
	assert.Zero(t, n.visibleFor("chat-a"))
	assert.Empty(t, d.Pending("chat-a"))

	d.Observe("chat-a", []model.ChatMessage{msg("m1", "other"), msg("m2", "other"), msg("m3", "other")})
	assert.Equal(t, 1, n.shownCount(), "a forgotten chat starts over with a silent first observation")
}
