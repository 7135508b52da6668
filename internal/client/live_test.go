package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neighborly/api/internal/model"
)

type emissions struct {
	mu    sync.Mutex
	lists []Lists
}

func (e *emissions) record(l Lists) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lists = append(e.lists, l)
}

func (e *emissions) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.lists)
}

func ids(items []model.Request) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, item.ID)
	}
	return out
}

func startLive(t *testing.T, c *Client, viewerID string, interval time.Duration) (*LiveLists, *emissions) {
	t.Helper()
	rec := &emissions{}
	live := NewLiveLists(c, viewerID, interval, rec.record)
	live.Start(context.Background())
	t.Cleanup(live.Close)
	return live, rec
}

func TestLiveListsFollowServer(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()
	requester := api.clientFor("R")

	live, _ := startLive(t, api.clientFor("H"), "H", 10*time.Millisecond)

	created, err := requester.CreateRequest(ctx, newErrand("Pick up medicine"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{created.ID}, ids(live.Snapshot().Open))
	}, 2*time.Second, 5*time.Millisecond)

	_, err = live.Accept(ctx, created.ID, model.StatusAccepted)
	require.NoError(t, err)

	snap := live.Snapshot()
	assert.Empty(t, snap.Open, "claimed request leaves the open list right away")
	assert.Equal(t, []string{created.ID}, ids(snap.Participating))

	_, err = requester.Complete(ctx, created.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap := live.Snapshot()
		return len(snap.Participating) == 0 && len(snap.History) == 1 &&
			snap.History[0].Status == model.StatusDone && len(snap.Prompts) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestLiveListsLostAcceptReverts(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()

	created, err := api.clientFor("R").CreateRequest(ctx, newErrand("Walk the dog"))
	require.NoError(t, err)

	// One fetch only, so the list stays stale after the other helper wins.
	live, rec := startLive(t, api.clientFor("H2"), "H2", time.Hour)
	require.Eventually(t, func() bool {
		return len(live.Snapshot().Open) == 1
	}, 2*time.Second, 5*time.Millisecond)

	_, err = api.clientFor("H").Accept(ctx, created.ID, model.StatusAccepted)
	require.NoError(t, err)

	before := rec.count()
	_, err = live.Accept(ctx, created.ID, model.StatusAccepted)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAlreadyClaimed))

	snap := live.Snapshot()
	assert.Equal(t, []string{created.ID}, ids(snap.Open), "provisional claim is reverted")
	assert.Empty(t, snap.Participating)
	assert.Equal(t, before+2, rec.count(), "one emission for the provisional claim and one for the revert")
}

func TestLiveListsDeleteIsProvisionalUntilConfirmed(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()
	requester := api.clientFor("R")
	created, err := requester.CreateRequest(ctx, newErrand("Fix a shelf"))
	require.NoError(t, err)

	live, _ := startLive(t, requester, "R", 10*time.Millisecond)
	require.Eventually(t, func() bool {
		snap := live.Snapshot()
		return len(snap.Open) == 1 && len(snap.History) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, live.Delete(ctx, created.ID))
	snap := live.Snapshot()
	assert.Empty(t, snap.Open)
	assert.Empty(t, snap.History)

	require.Eventually(t, func() bool {
		live.mu.Lock()
		defer live.mu.Unlock()
		return len(live.provisional) == 0
	}, 2*time.Second, 5*time.Millisecond, "every list confirms the delete")
	assert.Empty(t, live.Snapshot().Open)
}

func TestLiveListsAnonymousOnlyFollowsOpen(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()
	created, err := api.clientFor("R").CreateRequest(ctx, newErrand("Carry a box"))
	require.NoError(t, err)
	_, err = api.clientFor("H").Accept(ctx, created.ID, model.StatusInProgress)
	require.NoError(t, err)
	_, err = api.clientFor("R").CreateRequest(ctx, newErrand("Still open"))
	require.NoError(t, err)

	live, _ := startLive(t, api.clientFor(""), "", 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(live.Snapshot().Open) == 1
	}, 2*time.Second, 5*time.Millisecond)
	snap := live.Snapshot()
	assert.Equal(t, "Still open", snap.Open[0].Title)
	assert.Empty(t, snap.Participating)
	assert.Empty(t, snap.History)
}

func TestLiveListsDoNotEmitWithoutChanges(t *testing.T) {
	api := newTestAPI(t)
	_, err := api.clientFor("R").CreateRequest(context.Background(), newErrand("Quiet"))
	require.NoError(t, err)

	live, rec := startLive(t, api.clientFor("H"), "H", 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(live.Snapshot().Open) == 1
	}, 2*time.Second, 5*time.Millisecond)

	settled := rec.count()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, settled, rec.count())
}

func TestLiveListsCloseStopsEmissions(t *testing.T) {
	api := newTestAPI(t)
	live, rec := startLive(t, api.clientFor("H"), "H", 5*time.Millisecond)
	require.Eventually(t, func() bool { return rec.count() > 0 }, 2*time.Second, 5*time.Millisecond)

	live.Close()
	after := rec.count()
	_, err := api.clientFor("R").CreateRequest(context.Background(), newErrand("After close"))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, rec.count())
}

func TestLiveListsConsumedPromptIgnoresEarlierFetch(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()
	requester := api.clientFor("R")
	created, err := requester.CreateRequest(ctx, newErrand("Return a drill"))
	require.NoError(t, err)
	_, err = api.clientFor("H").Accept(ctx, created.ID, model.StatusAccepted)
	require.NoError(t, err)
	_, err = requester.Complete(ctx, created.ID)
	require.NoError(t, err)

	live, _ := startLive(t, api.clientFor("H"), "H", time.Hour)
	require.Eventually(t, func() bool {
		return len(live.Snapshot().Prompts) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// A fetch that started before the consume and answers after it.
	live.mu.Lock()
	stale := promptSnapshot{items: append([]model.ReviewPrompt{}, live.prompts...), gen: live.gen}
	live.mu.Unlock()
	promptID := stale.items[0].ID

	require.NoError(t, live.ConsumePrompt(ctx, promptID))
	assert.Empty(t, live.Snapshot().Prompts)

	live.setPrompts(stale)
	assert.Empty(t, live.Snapshot().Prompts, "an earlier fetch does not restore the prompt")

	fresh, err := api.clientFor("H").ListReviewPrompts(ctx)
	require.NoError(t, err)
	live.setPrompts(promptSnapshot{items: fresh, gen: live.generation()})
	assert.Empty(t, live.Snapshot().Prompts)
	live.mu.Lock()
	defer live.mu.Unlock()
	assert.Empty(t, live.consumed, "a later fetch confirms the consume")
}
