// Package transport defines the two delivery channels the conversation
// core consumes: an incremental (streaming) channel and a single-shot
// request/response channel. The core never sees transport framing, only
// the chunk sequence and classified errors.
package transport

import (
	"context"
	"errors"

	"github.com/chatloop-ai/chatloop/pkg/types"
)

// Request is the payload both channels accept.
type Request struct {
	// SessionID is the best-known server session identifier, empty while
	// the conversation is provisional.
	SessionID string          `json:"sessionID,omitempty"`
	Scope     types.Scope     `json:"scope,omitempty"`
	Text      string          `json:"text"`
	History   []types.Message `json:"history,omitempty"`
}

// Chunk is one event from an open incremental channel.
type Chunk interface {
	chunk()
}

// ContentDelta carries a fragment of assistant text to append.
type ContentDelta struct {
	Text string `json:"text"`
}

func (ContentDelta) chunk() {}

// ToolCallDelta carries a fragment of a structured tool invocation. The
// first delta for an index carries the name; later deltas append to the
// argument string.
type ToolCallDelta struct {
	Index     int    `json:"index"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	ArgsDelta string `json:"argsDelta,omitempty"`
}

func (ToolCallDelta) chunk() {}

// Finish is the terminal chunk of a stream.
type Finish struct {
	Reason          string            `json:"reason"`
	ServerSessionID string            `json:"sessionID,omitempty"`
	Usage           *types.TokenUsage `json:"usage,omitempty"`
}

func (Finish) chunk() {}

// Stream is an open incremental channel. Recv returns chunks strictly in
// delivery order and io.EOF once the terminal chunk has been returned.
type Stream interface {
	Recv() (Chunk, error)
	Close() error
}

// Streamer opens incremental channels.
type Streamer interface {
	Open(ctx context.Context, req Request) (Stream, error)
}

// Completion is a single-shot exchange result.
type Completion struct {
	Content         string            `json:"content"`
	ServerSessionID string            `json:"sessionID,omitempty"`
	Usage           *types.TokenUsage `json:"usage,omitempty"`
}

// Completer issues single-shot exchanges with the same payload shape as
// the streaming channel.
type Completer interface {
	Complete(ctx context.Context, req Request) (Completion, error)
}

// Fault is a classified transport error. Retryable faults (dropped
// connections, empty payloads) are eligible for the fallback path;
// non-retryable faults mean the server explicitly rejected the request.
type Fault struct {
	Code      string
	Message   string
	Retryable bool
}

func (f *Fault) Error() string {
	if f.Message != "" {
		return f.Message
	}
	return f.Code
}

// ErrChannelClosed indicates the channel dropped before a terminal chunk.
var ErrChannelClosed = &Fault{Code: "channel_closed", Message: "stream closed before completion", Retryable: true}

// Rejected builds a non-retryable fault for an explicit server rejection.
func Rejected(msg string) *Fault {
	return &Fault{Code: "rejected", Message: msg, Retryable: false}
}

// Retryable reports whether err should be recovered through the fallback
// path. Unclassified errors are treated as network-class and retryable;
// context cancellation is the user aborting and never retries.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var fault *Fault
	if errors.As(err, &fault) {
		return fault.Retryable
	}
	return true
}
