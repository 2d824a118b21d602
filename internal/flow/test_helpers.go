package flow

import (
	"github.com/BTreeMap/ConvoPipe/internal/store"
)

// NewMemorySessionManager creates a session manager over a fresh in-memory store.
func NewMemorySessionManager(engine *Engine) *SessionManager {
	return NewSessionManager(engine, store.NewInMemoryStore())
}
