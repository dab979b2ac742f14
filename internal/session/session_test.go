package session

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/chatloop-ai/chatloop/internal/storage"
	"github.com/chatloop-ai/chatloop/internal/transport"
	"github.com/chatloop-ai/chatloop/pkg/types"
)

// scriptedStream replays a fixed chunk sequence, then finishes with
// finalErr (io.EOF when zero).
type scriptedStream struct {
	ctx      context.Context
	chunks   []transport.Chunk
	finalErr error

	// feed, when set, delivers chunks pushed after the scripted ones;
	// Recv blocks on it until the stream context dies.
	feed chan transport.Chunk
}

func (s *scriptedStream) Recv() (transport.Chunk, error) {
	if len(s.chunks) > 0 {
		chunk := s.chunks[0]
		s.chunks = s.chunks[1:]
		return chunk, nil
	}
	if s.feed != nil {
		select {
		case chunk, ok := <-s.feed:
			if !ok {
				return nil, io.EOF
			}
			return chunk, nil
		case <-s.ctx.Done():
			return nil, s.ctx.Err()
		}
	}
	if s.finalErr != nil {
		return nil, s.finalErr
	}
	return nil, io.EOF
}

func (s *scriptedStream) Close() error { return nil }

// fakeStreamer builds scripted streams per Open call.
type fakeStreamer struct {
	mu       sync.Mutex
	opens    int
	lastReq  transport.Request
	openErr  error
	chunks   []transport.Chunk
	finalErr error
	feed     chan transport.Chunk
}

func (f *fakeStreamer) Open(ctx context.Context, req transport.Request) (transport.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	f.lastReq = req
	if f.openErr != nil {
		return nil, f.openErr
	}
	return &scriptedStream{
		ctx:      ctx,
		chunks:   append([]transport.Chunk(nil), f.chunks...),
		finalErr: f.finalErr,
		feed:     f.feed,
	}, nil
}

func (f *fakeStreamer) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

// fakeCompleter records single-shot calls.
type fakeCompleter struct {
	mu         sync.Mutex
	calls      int
	lastReq    transport.Request
	completion transport.Completion
	err        error
}

func (f *fakeCompleter) Complete(ctx context.Context, req transport.Request) (transport.Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastReq = req
	if f.err != nil {
		return transport.Completion{}, f.err
	}
	return f.completion, nil
}

func (f *fakeCompleter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// memStore is an in-memory Store for test isolation; failPut simulates a
// persistence layer outage.
type memStore struct {
	mu       sync.Mutex
	sessions map[string]*types.Session
	failPut  bool
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[string]*types.Session)}
}

func (s *memStore) Get(ctx context.Context, scope types.Scope, id string) (*types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	clone := *session
	clone.Messages = append([]types.Message(nil), session.Messages...)
	return &clone, nil
}

func (s *memStore) Put(ctx context.Context, session *types.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPut {
		return errors.New("store unavailable")
	}
	clone := *session
	clone.Messages = append([]types.Message(nil), session.Messages...)
	s.sessions[session.ID] = &clone
	return nil
}

func (s *memStore) Delete(ctx context.Context, scope types.Scope, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

func (s *memStore) List(ctx context.Context, scope types.Scope) ([]*types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Session
	for _, session := range s.sessions {
		out = append(out, session)
	}
	return out, nil
}

func (s *memStore) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id := range s.sessions {
		out = append(out, id)
	}
	return out
}

// testConfig keeps turn timing short so failure tests stay fast.
func testConfig() *types.Config {
	return &types.Config{
		TurnTimeoutMS:   2000,
		FallbackDelayMS: 5,
		Scope:           types.Scope{Namespace: "test", Project: "demo", Service: "chat"},
	}
}
