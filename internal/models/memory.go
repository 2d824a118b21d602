package models

import "time"

// PersistedMemory is what the persistence adapter stores per identifier.
// State is a full checkpoint used to resume a conversation between turns.
type PersistedMemory struct {
	Name        *string            `json:"name"`
	Transcript  []Message          `json:"transcript"`
	LastUpdated time.Time          `json:"last_updated"`
	State       *ConversationState `json:"state,omitempty"`
}

// MemoryFromState projects a conversation state into its persisted form.
func MemoryFromState(s ConversationState, now time.Time) PersistedMemory {
	snapshot := s.Clone()
	return PersistedMemory{
		Name:        snapshot.Identity.Name,
		Transcript:  snapshot.Transcript,
		LastUpdated: now,
		State:       &snapshot,
	}
}

// Clone returns a deep copy of the memory record.
func (m PersistedMemory) Clone() PersistedMemory {
	out := m
	if m.Name != nil {
		name := *m.Name
		out.Name = &name
	}
	out.Transcript = append([]Message(nil), m.Transcript...)
	if m.State != nil {
		st := m.State.Clone()
		out.State = &st
	}
	return out
}
