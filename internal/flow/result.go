package flow

import (
	"time"

	"github.com/BTreeMap/ConvoPipe/internal/models"
)

// StepResult is what a stage step returns: the next stage, the agent or
// system messages to append and a partial update of the state.
// A non-nil Err aborts the whole advance without committing anything.
type StepResult struct {
	Next   models.Stage
	Append []models.Message
	Delta  Delta
	Err    error
}

// Delta is a partial state update. Zero values leave the state untouched.
type Delta struct {
	Name            *string
	Contact         map[string]string
	Sentiment       models.Sentiment
	SentimentReason string
	AddItem         *models.Item
	MarkProcessed   string
	Pending         *models.Pending
	PreferredTime   string
	Outcome         string
	Skill           string
	InputReceived   *bool
	// Resolved resets the attempt counter of the stage that produced the delta.
	Resolved bool
}

// goTo is shorthand for a transition with messages and no delta.
func goTo(next models.Stage, msgs ...models.Message) StepResult {
	return StepResult{Next: next, Append: msgs}
}

func agentMsg(content string) models.Message {
	return models.Message{Role: models.RoleAgent, Content: content}
}

func systemMsg(content string) models.Message {
	return models.Message{Role: models.RoleSystem, Content: content}
}

func pendingPtr(p models.Pending) *models.Pending { return &p }

func boolPtr(b bool) *bool { return &b }

// merge applies a step result produced at stage from onto s.
func merge(s *models.ConversationState, from models.Stage, res StepResult, now time.Time) {
	for _, m := range res.Append {
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
		s.Transcript = append(s.Transcript, m)
	}

	d := res.Delta
	if d.Name != nil && !s.Identity.HasName() {
		name := *d.Name
		s.Identity.Name = &name
	}
	if len(d.Contact) > 0 {
		if s.Identity.Contact == nil {
			s.Identity.Contact = make(map[string]string, len(d.Contact))
		}
		for k, v := range d.Contact {
			s.Identity.Contact[k] = v
		}
	}
	if d.Sentiment != "" {
		s.Sentiment = d.Sentiment
		s.SentimentReason = d.SentimentReason
	}
	if d.AddItem != nil {
		item := *d.AddItem
		if item.CreatedAt.IsZero() {
			item.CreatedAt = now
		}
		s.Items = append(s.Items, item)
	}
	if d.MarkProcessed != "" && !s.HasProcessed(d.MarkProcessed) {
		s.Processed = append(s.Processed, d.MarkProcessed)
	}
	if d.Pending != nil {
		s.Pending = *d.Pending
	}
	if d.PreferredTime != "" {
		s.PreferredTime = d.PreferredTime
	}
	if d.Outcome != "" {
		s.Outcome = d.Outcome
	}
	if d.Skill != "" && !s.HasSkill(d.Skill) {
		s.Skills = append(s.Skills, d.Skill)
	}
	if d.InputReceived != nil {
		s.InputReceived = *d.InputReceived
	}
	if d.Resolved {
		delete(s.AttemptCounters, from)
	}

	s.Stage = res.Next
}
