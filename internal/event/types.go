package event

import "github.com/chatloop-ai/chatloop/pkg/types"

// MessageCreatedData is the data for message.created events.
type MessageCreatedData struct {
	SessionID string         `json:"sessionID,omitempty"`
	Info      *types.Message `json:"info"`
}

// MessageUpdatedData is the data for message.updated events.
type MessageUpdatedData struct {
	SessionID string         `json:"sessionID,omitempty"`
	Info      *types.Message `json:"info"`
}

// MessageDeltaData is the data for message.delta events, published once per
// streamed content fragment.
type MessageDeltaData struct {
	SessionID string `json:"sessionID,omitempty"`
	MessageID string `json:"messageID"`
	Delta     string `json:"delta"`
}

// SessionConfirmedData is the data for session.confirmed events.
type SessionConfirmedData struct {
	SessionID string `json:"sessionID"`
}

// SessionMigratedData is the data for session.migrated events.
type SessionMigratedData struct {
	FromID string `json:"fromID"`
	ToID   string `json:"toID"`
}

// SessionClearedData is the data for session.cleared events.
type SessionClearedData struct {
	SessionID string `json:"sessionID,omitempty"`
}

// TurnSettledData is the data for turn.settled and turn.cancelled events.
type TurnSettledData struct {
	SessionID string `json:"sessionID,omitempty"`
	MessageID string `json:"messageID"`
	Reason    string `json:"reason,omitempty"`
}

// FallbackStartedData is the data for fallback.started events.
type FallbackStartedData struct {
	SessionID string `json:"sessionID,omitempty"`
	Cause     string `json:"cause"`
}
