package util

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

func NewID(prefix string) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return raw
	}
	return prefix + "_" + raw
}

// NewSortableID returns an id whose lexical order follows creation order
// for ids minted in the same process.
func NewSortableID(at time.Time) string {
	return fmt.Sprintf("%020d-%s", at.UnixNano(), uuid.NewString()[:8])
}
