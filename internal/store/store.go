package store

import (
	"context"
	"errors"
	"time"

	"neighborly/api/internal/geo"
	"neighborly/api/internal/model"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrContention is returned when an optimistic backend keeps losing the
	// race for one entity and gives up.
	ErrContention = errors.New("too much contention on entity")
)

const (
	defaultListLimit = 200
	maxListLimit     = 1000
)

// MutateFunc receives a private copy of the current request inside the
// transaction and returns the desired next state. Returning an error aborts
// the transaction and the error is passed back to the caller unchanged.
// It must not call back into the store, and it must be free of side effects
// because optimistic backends may invoke it more than once.
type MutateFunc func(current model.Request) (model.Request, error)

// CheckFunc inspects the current request inside a delete transaction.
// Returning an error aborts the delete.
type CheckFunc func(current model.Request) error

type Filter struct {
	Statuses        []model.Status
	ParticipantID   string
	Bounds          *geo.Bounds
	GeohashPrefixes []string
	Text            string
	NewestFirst     bool
	Limit           int
	// Unbounded lifts the list cap. It is meant for per-user lists that
	// must be complete, such as history.
	Unbounded bool
}

// limit returns the row cap, or 0 when the list is unbounded.
func (f Filter) limit() int {
	switch {
	case f.Unbounded:
		return 0
	case f.Limit <= 0:
		return defaultListLimit
	case f.Limit > maxListLimit:
		return maxListLimit
	default:
		return f.Limit
	}
}

type RequestStore interface {
	InsertRequest(ctx context.Context, r model.Request) (model.Request, error)
	GetRequest(ctx context.Context, id string) (model.Request, error)
	ListRequests(ctx context.Context, filter Filter) ([]model.Request, error)
	// UpdateRequest runs a read-modify-write of one request in a single
	// transaction. Concurrent calls for the same id serialise; the first to
	// commit wins and later calls observe its result.
	UpdateRequest(ctx context.Context, id string, mutate MutateFunc) (model.Request, error)
	DeleteRequest(ctx context.Context, id string, check CheckFunc) (model.Request, error)
}

type ReviewPromptStore interface {
	// InsertReviewPrompt stores p unless a prompt for the same user and
	// request exists, in which case the existing prompt is returned with
	// created=false.
	InsertReviewPrompt(ctx context.Context, p model.ReviewPrompt) (prompt model.ReviewPrompt, created bool, err error)
	GetReviewPrompt(ctx context.Context, id string) (model.ReviewPrompt, error)
	ListReviewPrompts(ctx context.Context, userID string, includeConsumed bool) ([]model.ReviewPrompt, error)
	MarkReviewPromptConsumed(ctx context.Context, id string) (model.ReviewPrompt, error)
}

type Store interface {
	RequestStore
	ReviewPromptStore
	Ping(ctx context.Context) error
}

// Timestamp precision of each backend. Values are truncated before they are
// stored so a read returns exactly what was written.
const (
	microPrecision = time.Microsecond
	milliPrecision = time.Millisecond
)

// nextUpdatedAt keeps updatedAt strictly increasing per entity even when the
// wall clock repeats or steps back.
func nextUpdatedAt(prev, now time.Time, precision time.Duration) time.Time {
	now = now.UTC().Truncate(precision)
	if !now.After(prev) {
		return prev.UTC().Truncate(precision).Add(precision)
	}
	return now
}

// prepareInsert fills the server-assigned fields of a new request.
func prepareInsert(r model.Request, now time.Time, precision time.Duration) model.Request {
	out := r.Clone()
	now = now.UTC().Truncate(precision)
	out.Geohash = geo.Hash(out.Location)
	out.CreatedAt = now
	out.UpdatedAt = now
	return out
}

// prepareUpdate pins the fields a mutation may not touch.
func prepareUpdate(current, next model.Request, now time.Time, precision time.Duration) model.Request {
	out := next.Clone()
	out.ID = current.ID
	out.CreatedAt = current.CreatedAt
	out.Geohash = geo.Hash(out.Location)
	out.UpdatedAt = nextUpdatedAt(current.UpdatedAt, now, precision)
	return out
}

func hasStatus(statuses []model.Status, s model.Status) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, candidate := range statuses {
		if candidate == s {
			return true
		}
	}
	return false
}
