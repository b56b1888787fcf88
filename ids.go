package pulse

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewID returns a new ULID string. ULIDs sort by creation time, which keeps
// locally created rows in order next to server rows.
func NewID() string {
	id, err := ulid.New(ulid.Timestamp(time.Now().UTC()), rand.Reader)
	if err != nil {
		return ulid.Make().String()
	}
	return id.String()
}

// localIDPrefix marks optimistic rows that the server has not confirmed.
const localIDPrefix = "local-"

func newLocalID() string { return localIDPrefix + NewID() }
