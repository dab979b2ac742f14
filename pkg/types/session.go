package types

// Scope identifies which conversation a session belongs to. Switching any
// field of the scope switches to a different session entirely.
type Scope struct {
	Namespace string `json:"namespace"`
	Project   string `json:"project"`
	Service   string `json:"service"`
}

// Session is the persisted form of a conversation: metadata plus the full
// ordered message list. Insertion order is chronological order.
type Session struct {
	ID       string      `json:"id"`
	Scope    Scope       `json:"scope"`
	Messages []Message   `json:"messages"`
	Time     SessionTime `json:"time"`
}

// SessionTime holds session timestamps in Unix milliseconds.
type SessionTime struct {
	Created int64 `json:"created"`
	Used    int64 `json:"used"`
}

// Identity tracks whether a conversation has a server-confirmed session
// identifier yet. It is a tagged variant: a conversation is either
// provisional (no durable identifier exists) or confirmed with an id.
// The zero value is provisional.
type Identity struct {
	id        string
	confirmed bool
}

// ProvisionalIdentity returns the identity of a conversation the server has
// not acknowledged yet.
func ProvisionalIdentity() Identity {
	return Identity{}
}

// ConfirmedIdentity returns the identity of a conversation with a durable
// session identifier.
func ConfirmedIdentity(id string) Identity {
	return Identity{id: id, confirmed: true}
}

// Confirmed reports the durable identifier, if one exists.
func (i Identity) Confirmed() (string, bool) {
	return i.id, i.confirmed
}

// Provisional reports whether the conversation has no durable identifier.
func (i Identity) Provisional() bool {
	return !i.confirmed
}

// String renders the identity for logging.
func (i Identity) String() string {
	if !i.confirmed {
		return "provisional"
	}
	return i.id
}
