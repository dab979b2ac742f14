package session

import "github.com/oklog/ulid/v2"

// newID generates a sortable unique identifier for messages and
// locally-created sessions.
func newID() string {
	return ulid.Make().String()
}
