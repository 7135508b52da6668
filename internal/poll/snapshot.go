package poll

import "neighborly/api/internal/model"

// EqualByID compares two snapshots as sets keyed by id, ignoring order.
// Entities present in both are compared with same.
func EqualByID[T any](id func(T) string, same func(a, b T) bool) Equal[[]T] {
	return func(a, b []T) bool {
		if len(a) != len(b) {
			return false
		}
		byID := make(map[string]T, len(a))
		for _, item := range a {
			byID[id(item)] = item
		}
		if len(byID) != len(a) || hasRepeatedID(b, id) {
			return orderedEqual(a, b, same)
		}
		for _, item := range b {
			prev, ok := byID[id(item)]
			if !ok || !same(prev, item) {
				return false
			}
		}
		return true
	}
}

func hasRepeatedID[T any](items []T, id func(T) string) bool {
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		key := id(item)
		if _, ok := seen[key]; ok {
			return true
		}
		seen[key] = struct{}{}
	}
	return false
}

// orderedEqual handles snapshots that repeat an id.
func orderedEqual[T any](a, b []T, same func(a, b T) bool) bool {
	for i := range a {
		if !same(a[i], b[i]) {
			return false
		}
	}
	return true
}

var (
	RequestsEqual = EqualByID(
		func(r model.Request) string { return r.ID },
		func(a, b model.Request) bool { return a.Equal(b) },
	)
	PromptsEqual = EqualByID(
		func(p model.ReviewPrompt) string { return p.ID },
		func(a, b model.ReviewPrompt) bool { return a.Equal(b) },
	)
	MessagesEqual = EqualByID(
		func(m model.ChatMessage) string { return m.ID },
		func(a, b model.ChatMessage) bool { return a.Equal(b) },
	)
)
