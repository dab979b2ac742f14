// Package testutil provides helpers for integration tests: an in-process
// backend speaking the chatloop wire protocol and a manager factory wired
// against it.
package testutil

import (
	"net/http/httptest"
	"time"

	"github.com/chatloop-ai/chatloop/internal/devserver"
	"github.com/chatloop-ai/chatloop/internal/session"
	"github.com/chatloop-ai/chatloop/internal/storage"
	"github.com/chatloop-ai/chatloop/internal/transport"
	"github.com/chatloop-ai/chatloop/pkg/types"
)

// Backend is an in-process dev server for tests.
type Backend struct {
	Server *devserver.Server
	http   *httptest.Server
}

// StartBackend starts a scriptable backend on an ephemeral port.
func StartBackend() *Backend {
	return startBackend(0)
}

// StartSlowBackend starts a backend that paces streamed chunks, making
// mid-stream cancellation reachable from a test.
func StartSlowBackend(delay time.Duration) *Backend {
	return startBackend(delay)
}

func startBackend(delay time.Duration) *Backend {
	cfg := devserver.DefaultConfig()
	cfg.EnableCORS = false
	cfg.ChunkDelay = delay
	srv := devserver.New(cfg)
	return &Backend{
		Server: srv,
		http:   httptest.NewServer(srv.Router()),
	}
}

// BaseURL returns the backend's base URL.
func (b *Backend) BaseURL() string {
	return b.http.URL
}

// Stop shuts the backend down.
func (b *Backend) Stop() {
	b.http.Close()
}

// NewManager builds a manager against the backend, persisting sessions
// under dir.
func NewManager(baseURL, dir string) *session.Manager {
	cfg := &types.Config{
		BaseURL:         baseURL,
		TurnTimeoutMS:   5000,
		FallbackDelayMS: 10,
		Scope:           types.Scope{Namespace: "citest", Project: "chatloop", Service: "chat"},
	}
	store := session.NewFileStore(storage.New(dir))
	channel := transport.NewHTTPChannel(cfg.BaseURL, "")
	return session.NewManager(cfg, store, channel, channel)
}

// NewStore opens a session store rooted at dir, for asserting on
// persisted state.
func NewStore(dir string) *session.FileStore {
	return session.NewFileStore(storage.New(dir))
}
