package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
func CreateULID() string {
	return createAt(time.Now()).String()
}

// NewMessageID returns an identifier for a message that arrived without one.
func NewMessageID() string {
	return CreateULID()
}

// NewCorrelationID returns an identifier linking a message to its replies.
func NewCorrelationID() string {
	return CreateULID()
}

// Time extracts the creation time encoded in an identifier produced by this
// package. ok is false when id is not a ULID.
func Time(id string) (t time.Time, ok bool) {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(parsed.Time()), true
}

func createAt(t time.Time) ulid.ULID {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy)
}
