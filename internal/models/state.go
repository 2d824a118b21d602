package models

import (
	"strings"
	"time"
)

// Message is one transcript entry.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Identity holds what is known about the human party.
type Identity struct {
	Name    *string           `json:"name"`
	Contact map[string]string `json:"contact,omitempty"`
}

// HasName reports whether a non-empty name is known.
func (i Identity) HasName() bool {
	return i.Name != nil && *i.Name != ""
}

// DisplayName returns the known name or an empty string.
func (i Identity) DisplayName() string {
	if i.Name == nil {
		return ""
	}
	return *i.Name
}

// Item is one entry of the conversation's task list.
type Item struct {
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// ConversationState is the single record describing one conversation.
type ConversationState struct {
	ID              string        `json:"id"`
	Identity        Identity      `json:"identity"`
	Transcript      []Message     `json:"transcript"`
	Stage           Stage         `json:"stage"`
	Sentiment       Sentiment     `json:"sentiment"`
	SentimentReason string        `json:"sentiment_reason,omitempty"`
	AttemptCounters map[Stage]int `json:"attempt_counters"`
	Processed       []string      `json:"processed_inputs"` // dedup set, insertion ordered
	Items           []Item        `json:"items"`
	Pending         Pending       `json:"pending"`
	PreferredTime   string        `json:"preferred_time,omitempty"`
	Skills          []string      `json:"skills_used,omitempty"`
	Outcome         string        `json:"outcome,omitempty"`
	InputReceived   bool          `json:"human_input_received"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// NewConversationState returns a fresh state positioned at VALIDATE.
func NewConversationState(id string) ConversationState {
	return ConversationState{
		ID:              id,
		Stage:           StageValidate,
		Sentiment:       SentimentUnknown,
		Pending:         PendingNone,
		AttemptCounters: map[Stage]int{},
	}
}

// Clone returns a deep copy that shares no mutable memory with s.
func (s ConversationState) Clone() ConversationState {
	out := s
	if s.Identity.Name != nil {
		name := *s.Identity.Name
		out.Identity.Name = &name
	}
	if s.Identity.Contact != nil {
		out.Identity.Contact = make(map[string]string, len(s.Identity.Contact))
		for k, v := range s.Identity.Contact {
			out.Identity.Contact[k] = v
		}
	}
	if s.AttemptCounters != nil {
		out.AttemptCounters = make(map[Stage]int, len(s.AttemptCounters))
		for k, v := range s.AttemptCounters {
			out.AttemptCounters[k] = v
		}
	}
	out.Transcript = append([]Message(nil), s.Transcript...)
	out.Processed = append([]string(nil), s.Processed...)
	out.Items = append([]Item(nil), s.Items...)
	out.Skills = append([]string(nil), s.Skills...)
	return out
}

// LastMessage returns the most recent transcript entry.
func (s ConversationState) LastMessage() (Message, bool) {
	if len(s.Transcript) == 0 {
		return Message{}, false
	}
	return s.Transcript[len(s.Transcript)-1], true
}

// LastHuman returns the most recent entry tagged human.
func (s ConversationState) LastHuman() (Message, bool) {
	for i := len(s.Transcript) - 1; i >= 0; i-- {
		if s.Transcript[i].Role == RoleHuman {
			return s.Transcript[i], true
		}
	}
	return Message{}, false
}

// AwaitingHumanReply reports whether the last transcript entry was authored by someone other than the human.
func (s ConversationState) AwaitingHumanReply() bool {
	last, ok := s.LastMessage()
	return !ok || last.Role != RoleHuman
}

// HasProcessed reports whether the exact utterance was already handled.
func (s ConversationState) HasProcessed(text string) bool {
	for _, p := range s.Processed {
		if p == text {
			return true
		}
	}
	return false
}

// HasSkill reports whether the named intent was already used in this conversation.
func (s ConversationState) HasSkill(skill string) bool {
	for _, k := range s.Skills {
		if k == skill {
			return true
		}
	}
	return false
}

// AgentMessagesSince returns agent entries appended after the first n transcript entries.
func (s ConversationState) AgentMessagesSince(n int) []Message {
	if n < 0 || n > len(s.Transcript) {
		n = len(s.Transcript)
	}
	var out []Message
	for _, m := range s.Transcript[n:] {
		if m.Role == RoleAgent {
			out = append(out, m)
		}
	}
	return out
}

// Normalize lower-cases and trims text for keyword matching.
func Normalize(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}
