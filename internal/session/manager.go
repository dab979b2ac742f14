// Package session implements the client-side conversation core: one
// manager per conversation drives streaming turns against a remote
// inference service, reconciles session identity with the server, and
// recovers from partial or total delivery failure.
package session

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/chatloop-ai/chatloop/internal/event"
	"github.com/chatloop-ai/chatloop/internal/logging"
	"github.com/chatloop-ai/chatloop/internal/transport"
	"github.com/chatloop-ai/chatloop/pkg/types"
)

// defaultTurnTimeout bounds a turn's wall-clock time. A turn that has not
// settled by then is aborted and follows the fallback path if eligible.
const defaultTurnTimeout = 60 * time.Second

// ErrBusy is returned by operations that cannot run while a turn is in
// flight.
var ErrBusy = errors.New("a turn is already active")

// Manager orchestrates one conversation. It accepts user messages,
// consumes the streaming channel, maintains the visible timeline, and
// hands settled turns to the reconciler. One turn runs at a time per
// manager; independent managers (different scopes) run concurrently.
type Manager struct {
	mu sync.Mutex

	scope      types.Scope
	store      Store
	reconciler *Reconciler
	streamer   transport.Streamer
	completer  transport.Completer
	fallback   *fallbackCoordinator

	streamingEnabled bool
	turnTimeout      time.Duration

	identity types.Identity
	timeline []types.Message
	lastErr  error
	state    State
	turn     *turn
}

// NewManager creates a manager for the configured scope.
func NewManager(cfg *types.Config, store Store, streamer transport.Streamer, completer transport.Completer) *Manager {
	timeout := defaultTurnTimeout
	if cfg.TurnTimeoutMS > 0 {
		timeout = time.Duration(cfg.TurnTimeoutMS) * time.Millisecond
	}
	return &Manager{
		scope:            cfg.Scope,
		store:            store,
		reconciler:       NewReconciler(store, cfg.CanonicalSide()),
		streamer:         streamer,
		completer:        completer,
		fallback:         newFallbackCoordinator(completer, time.Duration(cfg.FallbackDelayMS)*time.Millisecond),
		streamingEnabled: cfg.StreamingEnabled(),
		turnTimeout:      timeout,
		identity:         types.ProvisionalIdentity(),
	}
}

// SendMessage runs one conversational turn to completion: it appends the
// user message optimistically, consumes the response, and settles the
// timeline. It blocks until the turn settles and reports whether the turn
// produced a kept assistant message. A blank message is a no-op returning
// false, as is a send while a turn is already active. Transport and
// fallback errors never escape; they settle into the timeline and the
// caller-visible error slot.
func (m *Manager) SendMessage(ctx context.Context, text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}

	m.mu.Lock()
	if m.turn != nil {
		m.mu.Unlock()
		return false
	}

	turnCtx, cancel := context.WithCancel(ctx)
	now := time.Now().UnixMilli()

	userMsg := types.Message{
		ID:      newID(),
		Role:    types.RoleUser,
		Content: text,
		Time:    types.MessageTime{Created: now},
	}
	assistantMsg := types.Message{
		ID:        newID(),
		Role:      types.RoleAssistant,
		Streaming: true,
		Time:      types.MessageTime{Created: now},
	}

	m.lastErr = nil
	m.timeline = append(m.timeline, userMsg, assistantMsg)
	t := newTurn(userMsg.ID, assistantMsg.ID, cancel)
	m.turn = t
	m.state = Sending

	streaming := m.streamingEnabled
	sessionID, _ := m.identity.Confirmed()
	m.mu.Unlock()

	event.Publish(event.Event{Type: event.TurnStarted, Data: event.TurnSettledData{SessionID: sessionID, MessageID: assistantMsg.ID}})
	event.Publish(event.Event{Type: event.MessageCreated, Data: event.MessageCreatedData{SessionID: sessionID, Info: &userMsg}})
	event.Publish(event.Event{Type: event.MessageCreated, Data: event.MessageCreatedData{SessionID: sessionID, Info: &assistantMsg}})

	defer m.release(t)
	defer cancel()

	if !streaming {
		return m.runDirect(turnCtx, t, text)
	}
	return m.runStreaming(turnCtx, t, text)
}

// ApplyConfig updates the live-tunable settings from a freshly loaded
// config. New values take effect for turns started after the call; a turn
// already in flight keeps the values it started with.
func (m *Manager) ApplyConfig(cfg *types.Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.streamingEnabled = cfg.StreamingEnabled()
	m.turnTimeout = defaultTurnTimeout
	if cfg.TurnTimeoutMS > 0 {
		m.turnTimeout = time.Duration(cfg.TurnTimeoutMS) * time.Millisecond
	}
}

// timeout snapshots the turn timeout, which ApplyConfig may change
// between turns.
func (m *Manager) timeout() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.turnTimeout
}

// release clears the active turn if it is still this one. Cancel may have
// released it already and a newer turn may be running.
func (m *Manager) release(t *turn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.turn == t {
		m.turn = nil
		m.state = Idle
	}
}

// buildRequest snapshots the request for this turn: the best-known
// session identifier and the timeline up to (excluding) the turn's own
// messages.
func (m *Manager) buildRequest(t *turn, text string) transport.Request {
	m.mu.Lock()
	defer m.mu.Unlock()

	req := transport.Request{
		Scope: m.scope,
		Text:  text,
	}
	if id, ok := m.identity.Confirmed(); ok {
		req.SessionID = id
	}
	for _, msg := range m.timeline {
		if msg.ID == t.userID {
			break
		}
		req.History = append(req.History, msg)
	}
	return req
}

// runStreaming drives the incremental path, falling back to the
// single-shot path on retryable failure or an empty stream.
func (m *Manager) runStreaming(turnCtx context.Context, t *turn, text string) bool {
	req := m.buildRequest(t, text)

	streamCtx, cancelTimeout := context.WithTimeout(turnCtx, m.timeout())
	defer cancelTimeout()

	stream, err := m.streamer.Open(streamCtx, req)
	if err != nil {
		return m.settleStreamFailure(turnCtx, t, req, err)
	}
	defer stream.Close()

	m.setState(t, Streaming)

	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return m.settleStreamFailure(turnCtx, t, req, err)
		}

		switch c := chunk.(type) {
		case transport.ContentDelta:
			m.applyContentDelta(t, c.Text)
		case transport.ToolCallDelta:
			m.applyToolCallDelta(t, c)
		case transport.Finish:
			m.applyFinish(t, c)
		}
	}

	m.mu.Lock()
	if t.settled {
		// Cancel won the race; the partial content has been kept.
		cancelled := t.cancelled
		m.mu.Unlock()
		return cancelled
	}
	usable := t.usable()
	m.mu.Unlock()

	if !usable {
		return m.runFallback(turnCtx, t, req, "empty_stream")
	}
	return m.settleComplete(turnCtx, t)
}

// settleStreamFailure routes a streaming error to cancellation handling,
// the fallback path, or terminal failure.
func (m *Manager) settleStreamFailure(turnCtx context.Context, t *turn, req transport.Request, err error) bool {
	m.mu.Lock()
	if t.settled {
		cancelled := t.cancelled
		m.mu.Unlock()
		return cancelled
	}
	m.mu.Unlock()

	if transport.Retryable(err) && turnCtx.Err() == nil {
		// Includes the per-stream hard timeout: the stream context
		// expired but the turn itself is alive.
		cause := "stream_error"
		if errors.Is(err, context.DeadlineExceeded) {
			cause = "timeout"
		}
		logging.Debug().Err(err).Str("cause", cause).Msg("streaming failed, eligible for fallback")
		return m.runFallback(turnCtx, t, req, cause)
	}
	return m.settleTerminal(turnCtx, t, err)
}

// runFallback runs the single-shot retry at most once per turn.
func (m *Manager) runFallback(turnCtx context.Context, t *turn, req transport.Request, cause string) bool {
	m.mu.Lock()
	if t.settled {
		cancelled := t.cancelled
		m.mu.Unlock()
		return cancelled
	}
	if t.fallbackDone {
		m.mu.Unlock()
		return m.settleTerminal(turnCtx, t, transport.ErrChannelClosed)
	}
	t.fallbackDone = true
	m.state = ErroringFallback
	m.mu.Unlock()

	fbCtx, cancel := context.WithTimeout(turnCtx, m.timeout())
	defer cancel()

	completion, err := m.fallback.run(fbCtx, req, cause)
	if err != nil {
		m.mu.Lock()
		if t.settled {
			cancelled := t.cancelled
			m.mu.Unlock()
			return cancelled
		}
		m.mu.Unlock()
		if errors.Is(err, context.Canceled) {
			// Cancelled during the debounce or the request itself.
			return m.settleCancelled(t)
		}
		return m.settleTerminal(turnCtx, t, err)
	}

	return m.settleFallback(turnCtx, t, completion, "fallback")
}

// runDirect is the non-incremental mode: the single-shot channel is the
// primary path, with no debounce and no second-level fallback.
func (m *Manager) runDirect(turnCtx context.Context, t *turn, text string) bool {
	req := m.buildRequest(t, text)

	ctx, cancel := context.WithTimeout(turnCtx, m.timeout())
	defer cancel()

	completion, err := m.completer.Complete(ctx, req)
	if err != nil {
		m.mu.Lock()
		if t.settled {
			cancelled := t.cancelled
			m.mu.Unlock()
			return cancelled
		}
		m.mu.Unlock()
		if errors.Is(err, context.Canceled) {
			return m.settleCancelled(t)
		}
		return m.settleTerminal(turnCtx, t, err)
	}
	if completion.Content == "" {
		completion.Content = fallbackEmptyContent
	}
	return m.settleFallback(turnCtx, t, completion, "complete")
}

// applyContentDelta appends a streamed fragment to the turn and mirrors
// the accumulated content into the visible assistant message.
func (m *Manager) applyContentDelta(t *turn, delta string) {
	m.mu.Lock()
	if t.settled || delta == "" {
		m.mu.Unlock()
		return
	}
	if m.state == Sending {
		m.state = Streaming
	}

	current := t.applyContent(delta)
	if idx := m.indexOf(t.assistantID); idx >= 0 {
		m.timeline[idx].Content = current
		now := time.Now().UnixMilli()
		m.timeline[idx].Time.Updated = &now
	}

	sessionID, _ := m.identity.Confirmed()
	m.mu.Unlock()

	event.Publish(event.Event{Type: event.MessageDelta, Data: event.MessageDeltaData{
		SessionID: sessionID,
		MessageID: t.assistantID,
		Delta:     delta,
	}})
}

// applyToolCallDelta folds a tool-call fragment into the aggregation
// table and creates or updates the single tool message for that index.
func (m *Manager) applyToolCallDelta(t *turn, delta transport.ToolCallDelta) {
	m.mu.Lock()
	if t.settled {
		m.mu.Unlock()
		return
	}
	if m.state == Sending {
		m.state = Streaming
	}

	call := t.tools.apply(delta.Index, delta.ID, delta.Name, delta.ArgsDelta)
	msg := t.tools.render(call)
	msg.Streaming = true
	m.upsert(msg)

	sessionID, _ := m.identity.Confirmed()
	m.mu.Unlock()

	event.Publish(event.Event{Type: event.MessageUpdated, Data: event.MessageUpdatedData{SessionID: sessionID, Info: &msg}})
}

// applyFinish records the terminal chunk; duplicates are ignored.
func (m *Manager) applyFinish(t *turn, fin transport.Finish) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t.settled {
		return
	}
	t.applyFinish(fin.Reason, fin.ServerSessionID, fin.Usage)
}

// settleComplete finalizes a turn whose stream delivered usable content.
func (m *Manager) settleComplete(turnCtx context.Context, t *turn) bool {
	m.mu.Lock()
	if t.settled {
		cancelled := t.cancelled
		m.mu.Unlock()
		return cancelled
	}
	t.settled = true
	m.state = Completing

	now := time.Now().UnixMilli()
	if idx := m.indexOf(t.assistantID); idx >= 0 {
		m.timeline[idx].Content = t.content()
		m.timeline[idx].Streaming = false
		m.timeline[idx].Time.Updated = &now
		m.timeline[idx].Tokens = t.usage
	}
	for _, msg := range t.tools.settle() {
		m.upsert(msg)
	}
	m.discardToolMessagesLocked(t)

	events := m.reconcileLocked(turnCtx, t)
	events = append(events, m.settledEventsLocked(t, t.reason)...)
	m.mu.Unlock()

	publishAll(events)
	return true
}

// settleFallback finalizes a turn through the single-shot result: exactly
// one assistant message with the full response content replaces the
// placeholder.
func (m *Manager) settleFallback(turnCtx context.Context, t *turn, completion transport.Completion, reason string) bool {
	m.mu.Lock()
	if t.settled {
		cancelled := t.cancelled
		m.mu.Unlock()
		return cancelled
	}
	t.settled = true
	m.state = Completing
	t.serverSessionID = completion.ServerSessionID

	now := time.Now().UnixMilli()
	if idx := m.indexOf(t.assistantID); idx >= 0 {
		m.timeline[idx].Content = completion.Content
		m.timeline[idx].Streaming = false
		m.timeline[idx].Time.Updated = &now
		m.timeline[idx].Tokens = completion.Usage
	}
	// The single-shot result replaces the abandoned stream attempt
	// wholesale; its half-assembled tool invocations go with it.
	m.discardToolMessagesLocked(t)

	events := m.reconcileLocked(turnCtx, t)
	events = append(events, m.settledEventsLocked(t, reason)...)
	m.mu.Unlock()

	publishAll(events)
	return true
}

// settleTerminal replaces the placeholder with an error-flagged message
// and records the caller-visible error. No fallback follows.
func (m *Manager) settleTerminal(turnCtx context.Context, t *turn, err error) bool {
	m.mu.Lock()
	if t.settled {
		cancelled := t.cancelled
		m.mu.Unlock()
		return cancelled
	}
	t.settled = true
	m.state = ErroringTerminal
	m.lastErr = err

	msgErr := &types.MessageError{Type: "transport", Message: err.Error()}
	var fault *transport.Fault
	if errors.As(err, &fault) {
		msgErr.Type = fault.Code
		msgErr.Retryable = fault.Retryable
	}

	now := time.Now().UnixMilli()
	if idx := m.indexOf(t.assistantID); idx >= 0 {
		m.timeline[idx].Role = types.RoleError
		m.timeline[idx].Content = "The request could not be completed: " + err.Error()
		m.timeline[idx].Streaming = false
		m.timeline[idx].Error = msgErr
		m.timeline[idx].Time.Updated = &now
	}
	m.discardToolMessagesLocked(t)

	logging.Error().Err(err).Msg("turn failed")
	events := m.reconcileLocked(turnCtx, t)
	events = append(events, m.settledEventsLocked(t, "error")...)
	m.mu.Unlock()

	publishAll(events)
	return false
}

// discardToolMessagesLocked removes the tool messages whose entries the
// settle did not persist, so no settle path leaves a streaming-flagged
// entry behind. Caller holds m.mu.
func (m *Manager) discardToolMessagesLocked(t *turn) {
	for _, id := range t.tools.discard() {
		if idx := m.indexOf(id); idx >= 0 {
			m.timeline = append(m.timeline[:idx], m.timeline[idx+1:]...)
		}
	}
}

// settleCancelled settles a turn as cancelled when a context
// cancellation surfaced outside Cancel itself (e.g. during the fallback
// debounce). Cancel normally settles first, making this a no-op.
func (m *Manager) settleCancelled(t *turn) bool {
	m.mu.Lock()
	events := m.cancelTurnLocked(t)
	m.mu.Unlock()
	publishAll(events)
	return true
}

// Cancel aborts the in-flight turn, if any. The transport operation is
// aborted, partial accumulated content is kept and flagged rather than
// discarded, no fallback runs, and the manager is immediately ready for a
// new SendMessage. Calling Cancel with no active turn is a no-op.
func (m *Manager) Cancel() {
	m.mu.Lock()
	t := m.turn
	if t == nil || t.settled {
		m.mu.Unlock()
		return
	}
	events := m.cancelTurnLocked(t)
	m.mu.Unlock()
	publishAll(events)
}

// cancelTurnLocked performs the cancellation settle and returns the
// events to publish once the lock is released. Caller holds m.mu.
func (m *Manager) cancelTurnLocked(t *turn) []event.Event {
	if t.settled {
		return nil
	}
	t.settled = true
	t.cancelled = true
	t.cancel()
	m.state = Cancelled

	content := t.content()
	if content == "" {
		content = strings.TrimSpace(cancelSuffix)
	} else {
		content += cancelSuffix
	}

	now := time.Now().UnixMilli()
	if idx := m.indexOf(t.assistantID); idx >= 0 {
		m.timeline[idx].Content = content
		m.timeline[idx].Streaming = false
		m.timeline[idx].Cancelled = true
		m.timeline[idx].Time.Updated = &now
	}
	for _, msg := range t.tools.settle() {
		m.upsert(msg)
	}
	m.discardToolMessagesLocked(t)

	// Cancellation is a settle: persist what we kept, then free the turn
	// slot so the next send can start immediately.
	events := m.reconcileLocked(context.Background(), t)

	sessionID, _ := m.identity.Confirmed()
	events = append(events, event.Event{Type: event.TurnCancelled, Data: event.TurnSettledData{
		SessionID: sessionID,
		MessageID: t.assistantID,
		Reason:    "cancelled",
	}})

	if m.turn == t {
		m.turn = nil
		m.state = Idle
	}
	return events
}

// reconcileLocked runs the once-per-turn reconciliation and returns the
// reconciler's notifications for publishing after the lock is released.
// Caller holds m.mu; persistence uses a context that survives the turn's
// own cancellation or timeout.
func (m *Manager) reconcileLocked(turnCtx context.Context, t *turn) []event.Event {
	persistCtx := context.WithoutCancel(turnCtx)
	identity, events := m.reconciler.Reconcile(persistCtx, m.scope, m.identity, t.serverSessionID, m.timeline)
	m.identity = identity
	return events
}

// settledEventsLocked builds the settle notifications for a turn. They
// are published after m.mu is released so a slow subscriber cannot stall
// the manager. Caller holds m.mu.
func (m *Manager) settledEventsLocked(t *turn, reason string) []event.Event {
	sessionID, _ := m.identity.Confirmed()
	var events []event.Event
	if idx := m.indexOf(t.assistantID); idx >= 0 {
		msg := m.timeline[idx]
		events = append(events, event.Event{Type: event.MessageUpdated, Data: event.MessageUpdatedData{SessionID: sessionID, Info: &msg}})
	}
	events = append(events, event.Event{Type: event.TurnSettled, Data: event.TurnSettledData{
		SessionID: sessionID,
		MessageID: t.assistantID,
		Reason:    reason,
	}})
	return events
}

func publishAll(events []event.Event) {
	for _, e := range events {
		event.Publish(e)
	}
}

// setState moves the state machine forward unless the turn has settled.
func (m *Manager) setState(t *turn, s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !t.settled {
		m.state = s
	}
}

// upsert replaces the timeline message with msg's ID, or appends it.
func (m *Manager) upsert(msg types.Message) {
	if idx := m.indexOf(msg.ID); idx >= 0 {
		m.timeline[idx] = msg
		return
	}
	m.timeline = append(m.timeline, msg)
}

func (m *Manager) indexOf(id string) int {
	for i := range m.timeline {
		if m.timeline[i].ID == id {
			return i
		}
	}
	return -1
}

// Timeline returns a copy of the current message timeline.
func (m *Manager) Timeline() []types.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Message, len(m.timeline))
	copy(out, m.timeline)
	return out
}

// Err returns the caller-visible error from the last settled turn, nil
// when it succeeded (or was cancelled; cancellation is not a failure).
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Identity returns the session identity.
func (m *Manager) Identity() types.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// State returns the current turn state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsSending reports whether a turn is accepted but not yet streaming.
func (m *Manager) IsSending() bool {
	return m.State() == Sending
}

// IsStreaming reports whether chunk events are being consumed.
func (m *Manager) IsStreaming() bool {
	return m.State() == Streaming
}

// CanSend reports whether SendMessage would accept a new message.
func (m *Manager) CanSend() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.turn == nil
}

// ClearHistory wipes the conversation: the in-memory timeline, the
// persisted copy if one exists, and the confirmed identity. It refuses to
// run mid-turn.
func (m *Manager) ClearHistory(ctx context.Context) error {
	m.mu.Lock()
	if m.turn != nil {
		m.mu.Unlock()
		return ErrBusy
	}

	var clearedID string
	if id, ok := m.identity.Confirmed(); ok {
		clearedID = id
		if err := m.store.Delete(ctx, m.scope, id); err != nil {
			logging.Warn().Err(err).Str("session", id).Msg("stored session not deleted")
		}
	}

	m.timeline = nil
	m.lastErr = nil
	m.identity = types.ProvisionalIdentity()
	m.mu.Unlock()

	event.Publish(event.Event{Type: event.SessionCleared, Data: event.SessionClearedData{SessionID: clearedID}})
	return nil
}

// Resume loads a stored session into the manager, replacing the current
// timeline and identity. It refuses to run mid-turn.
func (m *Manager) Resume(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.turn != nil {
		return ErrBusy
	}

	session, err := m.store.Get(ctx, m.scope, id)
	if err != nil {
		return err
	}

	m.timeline = append([]types.Message(nil), session.Messages...)
	m.identity = types.ConfirmedIdentity(session.ID)
	m.lastErr = nil
	return nil
}

// Sessions lists the stored sessions in this manager's scope.
func (m *Manager) Sessions(ctx context.Context) ([]*types.Session, error) {
	return m.store.List(ctx, m.scope)
}
