package genai

import (
	"context"
	"strings"
	"sync"

	"github.com/BTreeMap/ConvoPipe/internal/models"
)

// Canned replies returned by StubClient.
const (
	StubReplyFallback   = "I understand. How can I assist you further?"
	StubReplyTask       = "I've added that task to your list. Is there anything else you'd like me to help you with?"
	StubReplyNameIntro  = "Nice to meet you, {name}! How can I help you today? I can help with tasks, finding information, and more."
	StubReplyNameRecall = "Your name is {name}. Is there anything else I can help you with?"
)

// StubClient is a deterministic Completer that picks a canned reply from the last human message.
type StubClient struct {
	mu    sync.Mutex
	calls int
	// Err, when set, is returned from every call.
	Err error
}

var _ Completer = (*StubClient)(nil)

// NewStubClient creates a StubClient.
func NewStubClient() *StubClient {
	return &StubClient{}
}

// Calls returns how many times Complete was invoked.
func (s *StubClient) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Complete implements Completer.
func (s *StubClient) Complete(ctx context.Context, messages []models.Message) (string, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.Err != nil {
		return "", s.Err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	name := nameFromSystemPrompt(messages)
	reply := StubReplyFallback
	if len(messages) > 0 && messages[len(messages)-1].Role == models.RoleHuman {
		content := strings.ToLower(messages[len(messages)-1].Content)
		switch {
		case strings.Contains(content, "what") && strings.Contains(content, "name"):
			reply = StubReplyNameRecall
		case containsAny(content, "task", "todo", "reminder", "schedule"):
			reply = StubReplyTask
		case len(messages) == 3 && messages[0].Role == models.RoleSystem && messages[1].Role == models.RoleAgent:
			reply = StubReplyNameIntro
		}
	}
	return strings.ReplaceAll(reply, "{name}", name), nil
}

// nameFromSystemPrompt finds "user's name is X." in any system message.
func nameFromSystemPrompt(messages []models.Message) string {
	const marker = "user's name is "
	for _, m := range messages {
		if m.Role != models.RoleSystem {
			continue
		}
		idx := strings.Index(m.Content, marker)
		if idx < 0 {
			continue
		}
		rest := m.Content[idx+len(marker):]
		if dot := strings.Index(rest, "."); dot >= 0 {
			rest = rest[:dot]
		}
		rest = strings.TrimSpace(rest)
		if rest != "" && !strings.EqualFold(rest, "unknown") {
			return rest
		}
	}
	return "user"
}

func containsAny(s string, words ...string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
