package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/chatloop-ai/chatloop/internal/logging"
)

const (
	streamPath   = "/v1/chat/stream"
	completePath = "/v1/chat/complete"

	connectMaxRetries      = 3
	connectInitialInterval = 200 * time.Millisecond
)

// HTTPChannel implements both Streamer and Completer over HTTP, using
// Server-Sent Events for the incremental channel.
type HTTPChannel struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPChannel creates a channel pair against baseURL. The client must
// not enforce a global timeout; streams are bounded by the caller's
// context instead.
func NewHTTPChannel(baseURL, apiKey string) *HTTPChannel {
	return &HTTPChannel{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{},
	}
}

func (c *HTTPChannel) newRequest(ctx context.Context, path string, req Request) (*http.Request, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return httpReq, nil
}

// connectBackoff wraps connection attempts with jittered exponential
// backoff so a flapping endpoint is not hammered.
func connectBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = connectInitialInterval
	b.RandomizationFactor = 0.5
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, connectMaxRetries), ctx)
}

// classifyStatus converts a non-2xx response into a Fault. Client errors
// are explicit rejections; server errors are retryable.
func classifyStatus(resp *http.Response) *Fault {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = resp.Status
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return Rejected(msg)
	}
	return &Fault{Code: "server_error", Message: msg, Retryable: true}
}

// Open starts a streaming exchange and returns the chunk stream.
func (c *HTTPChannel) Open(ctx context.Context, req Request) (Stream, error) {
	var resp *http.Response

	operation := func() error {
		httpReq, err := c.newRequest(ctx, streamPath, req)
		if err != nil {
			return backoff.Permanent(err)
		}
		httpReq.Header.Set("Accept", "text/event-stream")
		httpReq.Header.Set("Cache-Control", "no-cache")

		resp, err = c.client.Do(httpReq)
		if err != nil {
			logging.Debug().Err(err).Msg("stream connect failed, retrying")
			return err
		}
		if resp.StatusCode != http.StatusOK {
			fault := classifyStatus(resp)
			resp.Body.Close()
			if fault.Retryable {
				return fault
			}
			return backoff.Permanent(fault)
		}
		return nil
	}

	if err := backoff.Retry(operation, connectBackoff(ctx)); err != nil {
		return nil, err
	}

	return &sseStream{
		body:   resp.Body,
		reader: bufio.NewReader(resp.Body),
	}, nil
}

// Complete issues a single-shot exchange.
func (c *HTTPChannel) Complete(ctx context.Context, req Request) (Completion, error) {
	httpReq, err := c.newRequest(ctx, completePath, req)
	if err != nil {
		return Completion{}, err
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Completion{}, fmt.Errorf("complete request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Completion{}, classifyStatus(resp)
	}

	var completion Completion
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return Completion{}, fmt.Errorf("decode completion: %w", err)
	}
	return completion, nil
}

// sseStream parses a text/event-stream body into chunks.
type sseStream struct {
	body     io.ReadCloser
	reader   *bufio.Reader
	finished bool
}

// wire payloads for SSE data lines
type sseToolCall struct {
	Index     int    `json:"index"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	ArgsDelta string `json:"argsDelta,omitempty"`
}

type sseError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (s *sseStream) Recv() (Chunk, error) {
	if s.finished {
		return nil, io.EOF
	}

	for {
		eventType, data, err := s.readEvent()
		if err != nil {
			if err == io.EOF {
				// The server went away without a terminal chunk.
				return nil, ErrChannelClosed
			}
			return nil, err
		}

		switch eventType {
		case "content":
			var delta ContentDelta
			if err := json.Unmarshal(data, &delta); err != nil {
				return nil, fmt.Errorf("decode content chunk: %w", err)
			}
			return delta, nil

		case "tool_call":
			var tc sseToolCall
			if err := json.Unmarshal(data, &tc); err != nil {
				return nil, fmt.Errorf("decode tool_call chunk: %w", err)
			}
			return ToolCallDelta(tc), nil

		case "finish":
			var fin Finish
			if err := json.Unmarshal(data, &fin); err != nil {
				return nil, fmt.Errorf("decode finish chunk: %w", err)
			}
			s.finished = true
			return fin, nil

		case "error":
			var fault sseError
			if err := json.Unmarshal(data, &fault); err != nil {
				return nil, fmt.Errorf("decode error chunk: %w", err)
			}
			s.finished = true
			return nil, &Fault{Code: fault.Code, Message: fault.Message, Retryable: fault.Retryable}

		default:
			// Unknown event types are skipped.
		}
	}
}

// readEvent reads one SSE event block: optional "event:" line, one or
// more "data:" lines, terminated by a blank line. Comment lines (":")
// are heartbeats and are ignored.
func (s *sseStream) readEvent() (string, []byte, error) {
	var eventType string
	var data strings.Builder

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return "", nil, err
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if data.Len() > 0 || eventType != "" {
				return eventType, []byte(data.String()), nil
			}
			// Stray blank line before any field; keep reading.

		case strings.HasPrefix(line, ":"):
			// heartbeat

		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))

		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
}

func (s *sseStream) Close() error {
	return s.body.Close()
}
