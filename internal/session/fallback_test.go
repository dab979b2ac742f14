package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatloop-ai/chatloop/internal/transport"
)

func TestFallbackRunsAfterDebounce(t *testing.T) {
	completer := &fakeCompleter{completion: transport.Completion{Content: "recovered"}}
	f := newFallbackCoordinator(completer, 5*time.Millisecond)

	completion, err := f.run(context.Background(), transport.Request{Text: "Hello"}, "stream_error")

	require.NoError(t, err)
	assert.Equal(t, "recovered", completion.Content)
	assert.Equal(t, 1, completer.callCount())
	assert.Equal(t, "Hello", completer.lastReq.Text)
}

func TestFallbackCancelledDuringDebounce(t *testing.T) {
	completer := &fakeCompleter{completion: transport.Completion{Content: "never sent"}}
	f := newFallbackCoordinator(completer, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.run(ctx, transport.Request{Text: "Hello"}, "stream_error")

	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, completer.callCount(), "cancel during debounce skips the network")
}

func TestFallbackEmptyCompletionReplaced(t *testing.T) {
	completer := &fakeCompleter{}
	f := newFallbackCoordinator(completer, time.Millisecond)

	completion, err := f.run(context.Background(), transport.Request{Text: "Hello"}, "empty_stream")

	require.NoError(t, err)
	assert.Equal(t, fallbackEmptyContent, completion.Content)
}

func TestFallbackDefaultDelay(t *testing.T) {
	f := newFallbackCoordinator(&fakeCompleter{}, 0)
	assert.Equal(t, defaultFallbackDelay, f.delay)
}
