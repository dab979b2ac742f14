package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sseHandler writes scripted SSE events for the stream endpoint.
func sseHandler(t *testing.T, events []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, streamPath, r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		for _, e := range events {
			fmt.Fprint(w, e)
			flusher.Flush()
		}
	}
}

func recvAll(t *testing.T, stream Stream) ([]Chunk, error) {
	t.Helper()
	var chunks []Chunk
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			return chunks, nil
		}
		if err != nil {
			return chunks, err
		}
		chunks = append(chunks, chunk)
	}
}

func TestOpenStreamsChunksInOrder(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t, []string{
		"event: content\ndata: {\"text\":\"Hi\"}\n\n",
		": heartbeat\n\n",
		"event: content\ndata: {\"text\":\" there\"}\n\n",
		"event: tool_call\ndata: {\"index\":0,\"id\":\"tc1\",\"name\":\"search\"}\n\n",
		"event: tool_call\ndata: {\"index\":0,\"argsDelta\":\"{\\\"q\\\":1}\"}\n\n",
		"event: finish\ndata: {\"reason\":\"stop\",\"sessionID\":\"abc123\"}\n\n",
	}))
	defer srv.Close()

	channel := NewHTTPChannel(srv.URL, "")
	stream, err := channel.Open(context.Background(), Request{Text: "Hello"})
	require.NoError(t, err)
	defer stream.Close()

	chunks, err := recvAll(t, stream)
	require.NoError(t, err)

	require.Len(t, chunks, 5)
	assert.Equal(t, ContentDelta{Text: "Hi"}, chunks[0])
	assert.Equal(t, ContentDelta{Text: " there"}, chunks[1])
	assert.Equal(t, ToolCallDelta{Index: 0, ID: "tc1", Name: "search"}, chunks[2])
	assert.Equal(t, ToolCallDelta{Index: 0, ArgsDelta: `{"q":1}`}, chunks[3])
	assert.Equal(t, Finish{Reason: "stop", ServerSessionID: "abc123"}, chunks[4])
}

func TestUnknownEventRunIsSkipped(t *testing.T) {
	events := make([]string, 0, 10002)
	for i := 0; i < 10000; i++ {
		events = append(events, "event: ping\ndata: {}\n\n")
	}
	events = append(events,
		"event: content\ndata: {\"text\":\"Hi\"}\n\n",
		"event: finish\ndata: {\"reason\":\"stop\"}\n\n",
	)
	srv := httptest.NewServer(sseHandler(t, events))
	defer srv.Close()

	channel := NewHTTPChannel(srv.URL, "")
	stream, err := channel.Open(context.Background(), Request{Text: "Hello"})
	require.NoError(t, err)
	defer stream.Close()

	chunks, err := recvAll(t, stream)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, ContentDelta{Text: "Hi"}, chunks[0])
}

func TestOpenDroppedConnectionIsRetryable(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t, []string{
		"event: content\ndata: {\"text\":\"partial\"}\n\n",
		// No finish event; body just ends.
	}))
	defer srv.Close()

	channel := NewHTTPChannel(srv.URL, "")
	stream, err := channel.Open(context.Background(), Request{Text: "Hello"})
	require.NoError(t, err)
	defer stream.Close()

	chunks, err := recvAll(t, stream)
	assert.Len(t, chunks, 1)
	require.Error(t, err)
	assert.True(t, Retryable(err))
}

func TestOpenRejectionIsNotRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	channel := NewHTTPChannel(srv.URL, "")
	_, err := channel.Open(context.Background(), Request{Text: "Hello"})
	require.Error(t, err)
	assert.False(t, Retryable(err))
}

func TestStreamErrorEvent(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t, []string{
		"event: error\ndata: {\"code\":\"overloaded\",\"message\":\"try later\",\"retryable\":true}\n\n",
	}))
	defer srv.Close()

	channel := NewHTTPChannel(srv.URL, "")
	stream, err := channel.Open(context.Background(), Request{Text: "Hello"})
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Recv()
	require.Error(t, err)
	assert.True(t, Retryable(err))
	assert.Contains(t, err.Error(), "try later")
}

func TestComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, completePath, r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"content":"Fallback reply","sessionID":"s42"}`)
	}))
	defer srv.Close()

	channel := NewHTTPChannel(srv.URL, "")
	completion, err := channel.Complete(context.Background(), Request{Text: "Hello"})
	require.NoError(t, err)
	assert.Equal(t, "Fallback reply", completion.Content)
	assert.Equal(t, "s42", completion.ServerSessionID)
}

func TestCompleteServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	channel := NewHTTPChannel(srv.URL, "")
	_, err := channel.Complete(context.Background(), Request{Text: "Hello"})
	require.Error(t, err)
	assert.True(t, Retryable(err))
}

func TestRetryableClassification(t *testing.T) {
	assert.False(t, Retryable(nil))
	assert.False(t, Retryable(context.Canceled))
	assert.False(t, Retryable(Rejected("no")))
	assert.True(t, Retryable(ErrChannelClosed))
	assert.True(t, Retryable(io.ErrUnexpectedEOF))
}
