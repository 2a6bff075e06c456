package store

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewMessageID returns a ULID string used as a server-assigned message id.
// ULIDs are lexicographically sortable, which keeps the (created_at, id)
// composite cursor stable for messages sharing a timestamp.
func NewMessageID(now time.Time) string {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return ulid.MustNew(ulid.Timestamp(now), rand.Reader).String()
}
