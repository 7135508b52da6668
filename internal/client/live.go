package client

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"neighborly/api/internal/logging"
	"neighborly/api/internal/model"
	"neighborly/api/internal/poll"
	"neighborly/api/internal/visibility"
)

const (
	ListOpen          = "open"
	ListParticipating = "participating"
	ListHistory       = "history"
	ListPrompts       = "prompts"
)

// Lists is one rendered view of every live list.
type Lists struct {
	Open          []model.Request
	Participating []model.Request
	History       []model.Request
	Prompts       []model.ReviewPrompt
}

func (l Lists) equal(o Lists) bool {
	return poll.RequestsEqual(l.Open, o.Open) &&
		poll.RequestsEqual(l.Participating, o.Participating) &&
		poll.RequestsEqual(l.History, o.History) &&
		poll.PromptsEqual(l.Prompts, o.Prompts)
}

// provisional is a local change that the polled lists have not caught up
// with yet. gen is zero while the mutation call is in flight; after the
// server answered it is the generation from which fetches confirm it.
type provisional struct {
	request   model.Request
	deleted   bool
	gen       uint64
	confirmed map[string]bool
}

// listSnapshot is one fetch result together with the provisional generation
// at the moment the fetch started.
type listSnapshot struct {
	items []model.Request
	gen   uint64
}

type promptSnapshot struct {
	items []model.ReviewPrompt
	gen   uint64
}

type liveOptions struct {
	query OpenQuery
	log   *logrus.Entry
}

type LiveOption func(*liveOptions)

func WithOpenQuery(q OpenQuery) LiveOption {
	return func(o *liveOptions) { o.query = q }
}

func WithLiveLogger(log *logrus.Entry) LiveOption {
	return func(o *liveOptions) { o.log = log }
}

// LiveLists keeps the live lists of one session in sync with the server. It
// polls every list, overlays the user's own pending actions and calls
// onChange whenever the rendered lists change. onChange calls are
// serialised and must not call back into LiveLists.
type LiveLists struct {
	client   *Client
	viewerID string
	interval time.Duration
	onChange func(Lists)
	opts     liveOptions

	mu          sync.Mutex
	snapshots   map[string][]model.Request
	prompts     []model.ReviewPrompt
	provisional map[string]*provisional
	// consumed hides prompts the user handled, keyed by prompt id with the
	// same generation rule as provisional.
	consumed map[string]uint64
	gen      uint64
	last        *Lists
	subs        []*poll.Subscription
	started     bool
	closed      bool
}

// NewLiveLists builds the lists for viewerID. An empty viewerID is an
// anonymous session that only follows the open list.
func NewLiveLists(c *Client, viewerID string, interval time.Duration, onChange func(Lists), opts ...LiveOption) *LiveLists {
	o := liveOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logging.Discard()
	}
	if onChange == nil {
		onChange = func(Lists) {}
	}
	return &LiveLists{
		client:      c,
		viewerID:    viewerID,
		interval:    interval,
		onChange:    onChange,
		opts:        o,
		snapshots:   map[string][]model.Request{},
		provisional: map[string]*provisional{},
		consumed:    map[string]uint64{},
	}
}

func (l *LiveLists) requestLists() []string {
	if l.viewerID == "" {
		return []string{ListOpen}
	}
	return []string{ListOpen, ListParticipating, ListHistory}
}

// Start begins polling. The subscriptions stop on Close or when ctx is done.
func (l *LiveLists) Start(ctx context.Context) {
	l.mu.Lock()
	if l.closed || l.started {
		l.mu.Unlock()
		return
	}
	l.started = true
	l.mu.Unlock()

	// Subscriptions take l.mu from their own goroutines, so they are
	// created without holding it.
	var subs []*poll.Subscription
	for _, name := range l.requestLists() {
		subs = append(subs, l.subscribeList(ctx, name))
	}
	if l.viewerID != "" {
		subs = append(subs, l.subscribePrompts(ctx))
	}

	l.mu.Lock()
	closed := l.closed
	if !closed {
		l.subs = subs
	}
	l.mu.Unlock()
	if closed {
		for _, sub := range subs {
			sub.Cancel()
		}
	}
}

func (l *LiveLists) fetcher(name string) func(ctx context.Context) ([]model.Request, error) {
	switch name {
	case ListParticipating:
		return l.client.ListParticipating
	case ListHistory:
		return l.client.ListHistory
	default:
		return func(ctx context.Context) ([]model.Request, error) {
			return l.client.ListOpen(ctx, l.opts.query)
		}
	}
}

func (l *LiveLists) subscribeList(ctx context.Context, name string) *poll.Subscription {
	fetch := l.fetcher(name)
	return poll.Subscribe(ctx,
		func(ctx context.Context) (listSnapshot, error) {
			gen := l.generation()
			items, err := fetch(ctx)
			return listSnapshot{items: items, gen: gen}, err
		},
		func(s listSnapshot) { l.setList(name, s) },
		l.interval,
		// An unchanged list still has to be delivered when it confirms a
		// settled provisional.
		func(a, b listSnapshot) bool {
			return poll.RequestsEqual(a.items, b.items) && !l.awaiting(name, b.gen)
		},
		poll.WithName(name),
		poll.WithLogger(l.opts.log),
	)
}

func (l *LiveLists) subscribePrompts(ctx context.Context) *poll.Subscription {
	return poll.Subscribe(ctx,
		func(ctx context.Context) (promptSnapshot, error) {
			gen := l.generation()
			items, err := l.client.ListReviewPrompts(ctx)
			return promptSnapshot{items: items, gen: gen}, err
		},
		l.setPrompts,
		l.interval,
		func(a, b promptSnapshot) bool {
			return poll.PromptsEqual(a.items, b.items) && !l.awaitingPrompts(b.gen)
		},
		poll.WithName(ListPrompts),
		poll.WithLogger(l.opts.log),
	)
}

func (l *LiveLists) generation() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.gen
}

func (l *LiveLists) awaiting(name string, gen uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range l.provisional {
		if p.gen != 0 && p.gen <= gen && !p.confirmed[name] {
			return true
		}
	}
	return false
}

func (l *LiveLists) awaitingPrompts(gen uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, g := range l.consumed {
		if g != 0 && g <= gen {
			return true
		}
	}
	return false
}

func (l *LiveLists) setList(name string, s listSnapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.snapshots[name] = s.items
	lists := l.requestLists()
	for id, p := range l.provisional {
		if p.gen == 0 || p.gen > s.gen {
			continue
		}
		p.confirmed[name] = true
		if len(p.confirmed) == len(lists) {
			delete(l.provisional, id)
		}
	}
	l.emitLocked()
}

func (l *LiveLists) setPrompts(s promptSnapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prompts = s.items
	for id, g := range l.consumed {
		if g != 0 && g <= s.gen {
			delete(l.consumed, id)
		}
	}
	l.emitLocked()
}

// Snapshot returns the current rendered lists.
func (l *LiveLists) Snapshot() Lists {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.renderLocked()
}

func (l *LiveLists) emitLocked() {
	if l.closed {
		return
	}
	next := l.renderLocked()
	if l.last != nil && l.last.equal(next) {
		return
	}
	l.last = &next
	l.onChange(next)
}

func (l *LiveLists) renderLocked() Lists {
	out := Lists{
		Open:    l.renderList(ListOpen),
		Prompts: make([]model.ReviewPrompt, 0, len(l.prompts)),
	}
	for _, p := range l.prompts {
		if _, hidden := l.consumed[p.ID]; !hidden {
			out.Prompts = append(out.Prompts, p)
		}
	}
	if l.viewerID != "" {
		out.Participating = l.renderList(ListParticipating)
		out.History = l.renderList(ListHistory)
	} else {
		out.Participating = []model.Request{}
		out.History = []model.Request{}
	}
	return out
}

// renderList overlays unconfirmed provisionals on the last snapshot of name,
// keeps what belongs on that list and applies the visibility rules.
func (l *LiveLists) renderList(name string) []model.Request {
	base := l.snapshots[name]
	items := make([]model.Request, 0, len(base))
	seen := make(map[string]bool, len(base))
	for _, r := range base {
		seen[r.ID] = true
		if p, ok := l.provisional[r.ID]; ok && !p.confirmed[name] {
			if p.deleted {
				continue
			}
			r = p.request
		}
		if l.belongs(name, r) {
			items = append(items, r)
		}
	}
	for id, p := range l.provisional {
		if seen[id] || p.deleted || p.confirmed[name] {
			continue
		}
		if l.belongs(name, p.request) {
			items = append(items, p.request)
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
	if name == ListHistory {
		return items
	}
	return visibility.Project(items, l.viewerID)
}

func (l *LiveLists) belongs(name string, r model.Request) bool {
	switch name {
	case ListOpen:
		return r.Status == model.StatusOpen
	case ListParticipating:
		return r.Status.Claimed() && r.IsParticipant(l.viewerID)
	case ListHistory:
		return r.IsParticipant(l.viewerID)
	default:
		return false
	}
}

// find looks a request up in the rendered lists.
func (l *LiveLists) find(id string) (model.Request, bool) {
	for _, name := range l.requestLists() {
		for _, r := range l.renderList(name) {
			if r.ID == id {
				return r, true
			}
		}
	}
	return model.Request{}, false
}

// begin records a provisional change made by change to the request id.
// It reports false when the request is not on any list.
func (l *LiveLists) begin(id string, change func(*provisional)) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	current, ok := l.find(id)
	if !ok {
		return false
	}
	p := &provisional{request: current.Clone(), confirmed: map[string]bool{}}
	change(p)
	l.provisional[id] = p
	l.emitLocked()
	return true
}

// settle finishes a provisional after the server answered. A rejection
// drops it; otherwise it stays until every list fetched after this point
// confirmed it.
func (l *LiveLists) settle(id string, tracked bool, server *model.Request, err error) {
	if !tracked {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.provisional[id]
	if !ok {
		return
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		delete(l.provisional, id)
		l.emitLocked()
		return
	}
	if server != nil {
		p.request = server.Clone()
	}
	l.gen++
	p.gen = l.gen
	l.emitLocked()
}

// Accept claims a request. The lists show the claim immediately; a lost
// race reverts it and returns an error matching ErrAlreadyClaimed.
func (l *LiveLists) Accept(ctx context.Context, id string, next model.Status) (model.Request, error) {
	tracked := l.begin(id, func(p *provisional) {
		p.request.Status = next
		p.request.HelperID = model.StringPtr(l.viewerID)
	})
	updated, err := l.client.Accept(ctx, id, next)
	if err != nil {
		l.settle(id, tracked, nil, err)
		return model.Request{}, fmt.Errorf("accept %s: %w", id, err)
	}
	l.settle(id, tracked, &updated, nil)
	return updated, nil
}

func (l *LiveLists) Complete(ctx context.Context, id string) (model.Request, error) {
	tracked := l.begin(id, func(p *provisional) {
		p.request.Status = model.StatusDone
	})
	updated, err := l.client.Complete(ctx, id)
	if err != nil {
		l.settle(id, tracked, nil, err)
		return model.Request{}, fmt.Errorf("complete %s: %w", id, err)
	}
	l.settle(id, tracked, &updated, nil)
	return updated, nil
}

func (l *LiveLists) Delete(ctx context.Context, id string) error {
	tracked := l.begin(id, func(p *provisional) {
		p.deleted = true
	})
	if err := l.client.Delete(ctx, id); err != nil {
		l.settle(id, tracked, nil, err)
		return fmt.Errorf("delete %s: %w", id, err)
	}
	l.settle(id, tracked, nil, nil)
	return nil
}

// ConsumePrompt marks a prompt handled. The prompt leaves the list right
// away and stays hidden until a prompt fetch started after the server
// answered; a rejection shows it again.
func (l *LiveLists) ConsumePrompt(ctx context.Context, promptID string) error {
	l.mu.Lock()
	l.consumed[promptID] = 0
	l.emitLocked()
	l.mu.Unlock()

	_, err := l.client.ConsumeReviewPrompt(ctx, promptID)

	l.mu.Lock()
	defer l.mu.Unlock()
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		delete(l.consumed, promptID)
	} else {
		l.gen++
		l.consumed[promptID] = l.gen
	}
	l.emitLocked()
	if err != nil {
		return fmt.Errorf("consume prompt %s: %w", promptID, err)
	}
	return nil
}

// Close stops every subscription. No onChange call starts after it returns.
func (l *LiveLists) Close() {
	l.mu.Lock()
	l.closed = true
	subs := l.subs
	l.subs = nil
	l.mu.Unlock()
	for _, sub := range subs {
		sub.Cancel()
	}
}
