// Package ids generates identifiers for messages and consumers.
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

// New returns a time-sortable ULID encoded as a 26-character string.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// ConsumerTag builds a broker consumer tag with the given prefix.
func ConsumerTag(prefix string) string {
	if prefix == "" {
		return New()
	}
	return prefix + "-" + New()
}
