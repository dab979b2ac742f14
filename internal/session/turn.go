package session

import (
	"context"
	"strings"

	"github.com/chatloop-ai/chatloop/pkg/types"
)

// cancelSuffix is appended to partial assistant content when the user
// aborts a turn mid-stream.
const cancelSuffix = " [interrupted]"

// turn is the transient unit of work covering one user message and the
// response to it. It exists only between send and settle and is never
// persisted; only the messages it produces are. All fields are guarded
// by the owning manager's mutex.
type turn struct {
	userID      string
	assistantID string

	// buf accumulates streamed assistant content in delivery order.
	buf strings.Builder

	tools *toolAggregator

	// cancel aborts the transport-level operation for this turn.
	cancel context.CancelFunc

	// finishSeen guards against duplicate delivery of the terminal chunk.
	finishSeen bool
	// settled guards the turn against double settlement; every terminal
	// path checks and sets it exactly once.
	settled bool
	// fallbackDone guards the single-shot retry to at most one attempt.
	fallbackDone bool
	// cancelled marks a user-initiated abort.
	cancelled bool

	reason          string
	serverSessionID string
	usage           *types.TokenUsage
}

func newTurn(userID, assistantID string, cancel context.CancelFunc) *turn {
	return &turn{
		userID:      userID,
		assistantID: assistantID,
		tools:       newToolAggregator(assistantID),
		cancel:      cancel,
	}
}

// applyContent appends a streamed delta and returns the accumulated
// content so far.
func (t *turn) applyContent(delta string) string {
	t.buf.WriteString(delta)
	return t.buf.String()
}

// content returns the accumulated assistant content.
func (t *turn) content() string {
	return t.buf.String()
}

// applyFinish records the terminal chunk. A duplicate terminal chunk for
// the same turn is ignored; the first one wins.
func (t *turn) applyFinish(reason, serverSessionID string, usage *types.TokenUsage) bool {
	if t.finishSeen {
		return false
	}
	t.finishSeen = true
	t.reason = reason
	t.serverSessionID = serverSessionID
	if usage != nil {
		t.usage = usage
	}
	return true
}

// usable reports whether the turn accumulated anything worth finalizing:
// non-empty content or at least one named tool call.
func (t *turn) usable() bool {
	return t.buf.Len() > 0 || t.tools.hasNamed()
}
