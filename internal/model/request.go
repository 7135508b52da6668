// Package model holds the entities shared by the server, the store backends
// and the API client.
package model

import "time"

type Status string

const (
	StatusOpen       Status = "open"
	StatusAccepted   Status = "accepted"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
)

func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusAccepted, StatusInProgress, StatusDone:
		return true
	default:
		return false
	}
}

// Claimed reports whether s is one of the states a helper moves a request
// into when claiming it.
func (s Status) Claimed() bool {
	return s == StatusAccepted || s == StatusInProgress
}

// LiveStatuses are the statuses shown on live lists. Done requests only
// appear in history.
var LiveStatuses = []Status{StatusOpen, StatusAccepted, StatusInProgress}

type Category string

const (
	CategoryErrand Category = "errand"
	CategoryCarry  Category = "carry"
	CategoryFix    Category = "fix"
	CategoryOther  Category = "other"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryErrand, CategoryCarry, CategoryFix, CategoryOther:
		return true
	default:
		return false
	}
}

type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type Address struct {
	City        string `json:"city,omitempty"`
	Street      string `json:"street,omitempty"`
	HouseNumber string `json:"houseNumber,omitempty"`
	Notes       string `json:"notes,omitempty"`
}

type Request struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Category    Category  `json:"category"`
	Reward      *string   `json:"reward,omitempty"`
	RequesterID string    `json:"requesterId"`
	HelperID    *string   `json:"helperId"`
	Status      Status    `json:"status"`
	Location    Location  `json:"location"`
	Geohash     string    `json:"geohash"`
	Address     *Address  `json:"address,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Helper returns the helper id or "" when the request is unclaimed.
func (r Request) Helper() string {
	if r.HelperID == nil {
		return ""
	}
	return *r.HelperID
}

// Participants returns the requester and, once assigned, the helper.
func (r Request) Participants() []string {
	if helper := r.Helper(); helper != "" {
		return []string{r.RequesterID, helper}
	}
	return []string{r.RequesterID}
}

func (r Request) IsParticipant(userID string) bool {
	if userID == "" {
		return false
	}
	return userID == r.RequesterID || userID == r.Helper()
}

// Counterpart returns the other participant of the request for userID.
func (r Request) Counterpart(userID string) string {
	switch userID {
	case r.RequesterID:
		return r.Helper()
	case r.Helper():
		return r.RequesterID
	default:
		return ""
	}
}

// Deletable reports whether a non-admin requester may still delete r.
func (r Request) Deletable() bool {
	return r.Status == StatusOpen && r.HelperID == nil
}

// Equal compares every field of the two requests. Timestamps are compared
// as instants so values decoded from different wire formats still match.
func (r Request) Equal(o Request) bool {
	return r.ID == o.ID &&
		r.Title == o.Title &&
		r.Description == o.Description &&
		r.Category == o.Category &&
		equalString(r.Reward, o.Reward) &&
		r.RequesterID == o.RequesterID &&
		equalString(r.HelperID, o.HelperID) &&
		r.Status == o.Status &&
		r.Location == o.Location &&
		r.Geohash == o.Geohash &&
		equalAddress(r.Address, o.Address) &&
		r.CreatedAt.Equal(o.CreatedAt) &&
		r.UpdatedAt.Equal(o.UpdatedAt)
}

// Clone returns a copy of r that shares no pointers with it.
func (r Request) Clone() Request {
	out := r
	if r.Reward != nil {
		reward := *r.Reward
		out.Reward = &reward
	}
	if r.HelperID != nil {
		helper := *r.HelperID
		out.HelperID = &helper
	}
	if r.Address != nil {
		address := *r.Address
		out.Address = &address
	}
	return out
}

func equalString(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func equalAddress(a, b *Address) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// StringPtr is a small helper for optional string fields.
func StringPtr(value string) *string {
	return &value
}
