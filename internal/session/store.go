package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/chatloop-ai/chatloop/internal/storage"
	"github.com/chatloop-ai/chatloop/pkg/types"
)

// Store is the persistence boundary for sessions. The manager's in-memory
// timeline stays authoritative for the active conversation; the store is
// a best-effort durable copy, written only by the reconciler.
type Store interface {
	Get(ctx context.Context, scope types.Scope, id string) (*types.Session, error)
	Put(ctx context.Context, session *types.Session) error
	Delete(ctx context.Context, scope types.Scope, id string) error
	List(ctx context.Context, scope types.Scope) ([]*types.Session, error)
}

// FileStore persists sessions as JSON files, one per session, keyed by
// (namespace, project, service, id).
type FileStore struct {
	storage *storage.Storage
}

// NewFileStore creates a FileStore on top of a storage root.
func NewFileStore(store *storage.Storage) *FileStore {
	return &FileStore{storage: store}
}

func sessionKey(scope types.Scope, id string) []string {
	return []string{"session", scope.Namespace, scope.Project, scope.Service, id}
}

// Get loads a session. Returns storage.ErrNotFound if absent.
func (s *FileStore) Get(ctx context.Context, scope types.Scope, id string) (*types.Session, error) {
	var session types.Session
	if err := s.storage.Get(ctx, sessionKey(scope, id), &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// Put writes a session, stamping the last-used time.
func (s *FileStore) Put(ctx context.Context, session *types.Session) error {
	session.Time.Used = time.Now().UnixMilli()
	if session.Time.Created == 0 {
		session.Time.Created = session.Time.Used
	}
	return s.storage.Put(ctx, sessionKey(session.Scope, session.ID), session)
}

// Delete removes a session. Deleting an absent session is not an error.
func (s *FileStore) Delete(ctx context.Context, scope types.Scope, id string) error {
	return s.storage.Delete(ctx, sessionKey(scope, id))
}

// List returns all sessions within a scope.
func (s *FileStore) List(ctx context.Context, scope types.Scope) ([]*types.Session, error) {
	var sessions []*types.Session
	err := s.storage.Scan(ctx, []string{"session", scope.Namespace, scope.Project, scope.Service},
		func(key string, data json.RawMessage) error {
			var session types.Session
			if err := json.Unmarshal(data, &session); err != nil {
				return err
			}
			sessions = append(sessions, &session)
			return nil
		})
	if err != nil {
		return nil, err
	}
	return sessions, nil
}
