package session

import (
	"context"
	"errors"

	"github.com/chatloop-ai/chatloop/internal/event"
	"github.com/chatloop-ai/chatloop/internal/logging"
	"github.com/chatloop-ai/chatloop/internal/storage"
	"github.com/chatloop-ai/chatloop/pkg/types"
)

// Reconciler owns the transition from provisional to confirmed session
// identity, and the migration between identifiers when the server reports
// one that differs from the local session's.
//
// It is called exactly once per settled turn, after all content and tool
// messages are final. Persistence failures never surface to the user and
// never touch the in-memory timeline; they are logged and the durable
// copy catches up on a later turn.
type Reconciler struct {
	store Store
	// canonical selects which identifier wins a mismatch:
	// types.CanonicalServer migrates local messages under the server's
	// identifier, types.CanonicalClient keeps the local one.
	canonical string
}

// NewReconciler creates a reconciler writing through store.
func NewReconciler(store Store, canonical string) *Reconciler {
	return &Reconciler{store: store, canonical: canonical}
}

// Reconcile aligns identity with the server-reported identifier (empty if
// the server reported none) and persists the timeline under the resulting
// key. It returns the identity all subsequent turns must use, plus the
// notifications for the caller to publish. The manager calls it under its
// own lock, so publishing is left to the caller.
func (r *Reconciler) Reconcile(
	ctx context.Context,
	scope types.Scope,
	identity types.Identity,
	serverID string,
	timeline []types.Message,
) (types.Identity, []event.Event) {
	localID, confirmed := identity.Confirmed()

	switch {
	case !confirmed:
		// First settled turn of a new conversation. Adopt the server's
		// identifier when it reported one; otherwise mint a local
		// identifier so the conversation is durable either way.
		id := serverID
		if id == "" {
			id = newID()
		}
		r.persist(ctx, scope, id, timeline)
		logging.Debug().Str("session", id).Bool("serverAssigned", serverID != "").
			Msg("session confirmed")
		return types.ConfirmedIdentity(id), []event.Event{{
			Type: event.SessionConfirmed,
			Data: event.SessionConfirmedData{SessionID: id},
		}}

	case serverID == "" || serverID == localID:
		// Already confirmed and consistent; just refresh the durable copy.
		r.persist(ctx, scope, localID, timeline)
		return identity, nil

	case r.canonical == types.CanonicalClient:
		// The server changed its identifier mid-conversation but the
		// deployment designates the client key canonical: keep writing
		// under the local identifier.
		logging.Debug().Str("local", localID).Str("server", serverID).
			Msg("server session id differs, keeping client id")
		r.persist(ctx, scope, localID, timeline)
		return identity, nil

	default:
		// Migrate toward the server's identifier: the full timeline moves
		// under the new key in order, and the old key is removed.
		r.persist(ctx, scope, serverID, timeline)
		if err := r.store.Delete(ctx, scope, localID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			logging.Warn().Err(err).Str("session", localID).Msg("stale session not removed")
		}
		logging.Info().Str("from", localID).Str("to", serverID).Msg("session migrated")
		return types.ConfirmedIdentity(serverID), []event.Event{{
			Type: event.SessionMigrated,
			Data: event.SessionMigratedData{FromID: localID, ToID: serverID},
		}}
	}
}

// persist writes the timeline under id, preserving the original creation
// time when the session already exists. Errors are logged only.
func (r *Reconciler) persist(ctx context.Context, scope types.Scope, id string, timeline []types.Message) {
	session := &types.Session{
		ID:       id,
		Scope:    scope,
		Messages: stripTransient(timeline),
	}
	if existing, err := r.store.Get(ctx, scope, id); err == nil {
		session.Time.Created = existing.Time.Created
	}
	if err := r.store.Put(ctx, session); err != nil {
		logging.Warn().Err(err).Str("session", id).Msg("session persist failed, timeline kept in memory")
	}
}

// stripTransient copies the timeline without in-flight streaming flags;
// a persisted message is always settled.
func stripTransient(timeline []types.Message) []types.Message {
	out := make([]types.Message, len(timeline))
	for i, msg := range timeline {
		msg.Streaming = false
		out[i] = msg
	}
	return out
}
