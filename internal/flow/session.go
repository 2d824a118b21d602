package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/ConvoPipe/internal/models"
	"github.com/BTreeMap/ConvoPipe/internal/store"
)

// TurnOptions carries identity the caller already knows about the human.
type TurnOptions struct {
	Name    string
	Contact map[string]string
}

// TurnResult is the outcome of one session turn.
type TurnResult struct {
	State   models.ConversationState
	Replies []models.Message
	// SaveErr is set when the turn ran but its checkpoint could not be persisted.
	SaveErr error
}

// SessionManager restores a conversation from a MemoryStore, advances it by
// one turn and saves it back. Turns for the same identifier are serialized.
type SessionManager struct {
	engine *Engine
	store  store.MemoryStore
	now    func() time.Time

	locksMu sync.Mutex
	locks   map[string]*idLock
}

// idLock is held by at most one turn; refs counts holders and waiters so the
// entry can be dropped once nobody needs it.
type idLock struct {
	mu   sync.Mutex
	refs int
}

// NewSessionManager creates a new SessionManager backed by a MemoryStore.
func NewSessionManager(engine *Engine, st store.MemoryStore) *SessionManager {
	slog.Debug("Creating SessionManager")
	return &SessionManager{engine: engine, store: st, now: engine.now, locks: make(map[string]*idLock)}
}

// Engine returns the engine the manager drives.
func (m *SessionManager) Engine() *Engine {
	return m.engine
}

func (m *SessionManager) lock(id string) func() {
	m.locksMu.Lock()
	l, ok := m.locks[id]
	if !ok {
		l = &idLock{}
		m.locks[id] = l
	}
	l.refs++
	m.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, id)
		}
		m.locksMu.Unlock()
	}
}

// activeLocks reports how many identifiers currently have a lock entry.
func (m *SessionManager) activeLocks() int {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	return len(m.locks)
}

// Turn runs one turn of the conversation identified by id. Load failures
// start a fresh conversation; save failures are reported on the result.
func (m *SessionManager) Turn(ctx context.Context, id, input string, opts TurnOptions) (*TurnResult, error) {
	if err := models.ValidateIdentifier(id); err != nil {
		return nil, err
	}
	unlock := m.lock(id)
	defer unlock()

	state := m.restore(ctx, id)
	if name := strings.TrimSpace(opts.Name); name != "" && !state.Identity.HasName() {
		state.Identity.Name = &name
	}
	if len(opts.Contact) > 0 {
		if state.Identity.Contact == nil {
			state.Identity.Contact = make(map[string]string, len(opts.Contact))
		}
		for k, v := range opts.Contact {
			state.Identity.Contact[k] = v
		}
	}

	before := len(state.Transcript)
	next, err := m.engine.Advance(ctx, state, input)
	if err != nil {
		slog.Error("SessionManager.Turn: advance failed", "conversationID", id, "error", err)
		return nil, err
	}

	result := &TurnResult{State: next, Replies: next.AgentMessagesSince(before)}
	if err := m.store.Save(ctx, id, models.MemoryFromState(next, m.now())); err != nil {
		slog.Error("SessionManager.Turn: save failed", "conversationID", id, "error", err)
		result.SaveErr = fmt.Errorf("save conversation %s: %w", id, err)
	}
	slog.Info("SessionManager.Turn completed", "conversationID", id, "stage", next.Stage, "replies", len(result.Replies))
	return result, nil
}

// restore returns the checkpointed state when it can be resumed, otherwise a
// fresh conversation seeded with whatever the memory remembers.
func (m *SessionManager) restore(ctx context.Context, id string) models.ConversationState {
	mem, err := m.store.Load(ctx, id)
	if err != nil {
		if !errors.Is(err, store.ErrMemoryNotFound) {
			slog.Error("SessionManager.restore: load failed, starting fresh", "conversationID", id, "error", err)
		}
		return models.NewConversationState(id)
	}
	if mem.State != nil && models.IsValidStage(mem.State.Stage) && mem.State.Stage != models.StageTerminated {
		st := mem.State.Clone()
		st.ID = id
		slog.Debug("SessionManager.restore resumed", "conversationID", id, "stage", st.Stage)
		return st
	}

	st := models.NewConversationState(id)
	if mem.Name != nil && *mem.Name != "" {
		name := *mem.Name
		st.Identity.Name = &name
	}
	st.Transcript = append([]models.Message(nil), mem.Transcript...)
	if mem.State != nil && mem.State.Identity.Contact != nil {
		st.Identity.Contact = mem.State.Clone().Identity.Contact
	}
	slog.Debug("SessionManager.restore started from memory", "conversationID", id, "knownName", st.Identity.HasName())
	return st
}

// Get returns the persisted memory of a conversation.
func (m *SessionManager) Get(ctx context.Context, id string) (*models.PersistedMemory, error) {
	if err := models.ValidateIdentifier(id); err != nil {
		return nil, err
	}
	return m.store.Load(ctx, id)
}

// Reset forgets a conversation entirely.
func (m *SessionManager) Reset(ctx context.Context, id string) error {
	if err := models.ValidateIdentifier(id); err != nil {
		return err
	}
	unlock := m.lock(id)
	defer unlock()
	if err := m.store.Delete(ctx, id); err != nil {
		slog.Error("SessionManager.Reset failed", "conversationID", id, "error", err)
		return err
	}
	slog.Info("SessionManager.Reset succeeded", "conversationID", id)
	return nil
}

// List returns the identifiers of every stored conversation.
func (m *SessionManager) List(ctx context.Context) ([]string, error) {
	return m.store.List(ctx)
}
