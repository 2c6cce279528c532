package common

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// NewULID returns a ULID for the current time.
func NewULID() (string, error) {
	return NewULIDAt(time.Now())
}

// NewULIDAt returns a ULID whose timestamp component is t. Ids generated
// within the same millisecond by this process are strictly increasing.
func NewULIDAt(t time.Time) (string, error) {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(t), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
