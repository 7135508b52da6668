// Package visibility decides which requests a viewer may see on the live
// lists. The server applies it to every listing response and the client
// re-applies it after local optimistic changes, so both sides share this
// single implementation.
package visibility

import "neighborly/api/internal/model"

// Visible reports whether r belongs on a live list for viewerID. An empty
// viewerID is an anonymous viewer.
func Visible(r model.Request, viewerID string) bool {
	switch r.Status {
	case model.StatusOpen:
		return true
	case model.StatusAccepted, model.StatusInProgress:
		return viewerID != "" && r.IsParticipant(viewerID)
	default:
		return false
	}
}

// Project keeps the order of requests and drops what viewerID may not see.
// The result is never nil.
func Project(requests []model.Request, viewerID string) []model.Request {
	out := make([]model.Request, 0, len(requests))
	for _, r := range requests {
		if Visible(r, viewerID) {
			out = append(out, r)
		}
	}
	return out
}
