package session

import (
	"context"
	"time"

	"github.com/chatloop-ai/chatloop/internal/event"
	"github.com/chatloop-ai/chatloop/internal/logging"
	"github.com/chatloop-ai/chatloop/internal/transport"
)

// fallbackEmptyContent is the fixed assistant reply used when even the
// single-shot channel returns nothing, so a settled turn never leaves the
// timeline without an assistant message.
const fallbackEmptyContent = "no proper response received"

// defaultFallbackDelay debounces the single-shot retry so in-flight
// streaming state can settle before the request is issued.
const defaultFallbackDelay = 100 * time.Millisecond

// fallbackCoordinator drives the non-incremental retry path. It is
// invoked only for retry-eligible streaming failures; the at-most-once
// guard lives on the turn.
type fallbackCoordinator struct {
	completer transport.Completer
	delay     time.Duration
}

func newFallbackCoordinator(completer transport.Completer, delay time.Duration) *fallbackCoordinator {
	if delay <= 0 {
		delay = defaultFallbackDelay
	}
	return &fallbackCoordinator{completer: completer, delay: delay}
}

// run waits out the debounce, then issues the single-shot exchange. A
// context cancelled during the debounce (user cancel) aborts without
// touching the network. An empty completion is replaced with the fixed
// fallback content rather than returned empty.
func (f *fallbackCoordinator) run(ctx context.Context, req transport.Request, cause string) (transport.Completion, error) {
	timer := time.NewTimer(f.delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return transport.Completion{}, ctx.Err()
	case <-timer.C:
	}

	event.Publish(event.Event{
		Type: event.FallbackStarted,
		Data: event.FallbackStartedData{SessionID: req.SessionID, Cause: cause},
	})
	logging.Info().Str("cause", cause).Msg("streaming failed, using single-shot fallback")

	completion, err := f.completer.Complete(ctx, req)
	if err != nil {
		return transport.Completion{}, err
	}

	if completion.Content == "" {
		completion.Content = fallbackEmptyContent
	}
	return completion, nil
}
