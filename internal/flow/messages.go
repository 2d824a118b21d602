package flow

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/ConvoPipe/internal/models"
)

// Fixed agent utterances.
const (
	MsgDuplicateInput   = "I've already processed that input. Could you please provide new information?"
	MsgNameReprompt     = "I didn't catch your name. Could you please tell me your name?"
	MsgNonConvergence   = "I apologize, but I'm having trouble understanding. Please contact support for assistance."
	MsgAskReschedule    = "I understand you'd like to reschedule. When would be a better time for you?"
	MsgEmptyList        = "You don't have any tasks in your list yet. Would you like to add one?"
	MsgAskItem          = "What would you like me to add to your list?"
	MsgGenericAnswer    = "I'm here to help you stay productive. Would you like to add a task to your list or see your current tasks?"
	MsgUnclearSentiment = "I'm not sure if you want to schedule the %s. Could you please answer with a clear yes or no?"
)

func greetUnknown(p Persona) string {
	return fmt.Sprintf("Hello! I'm %s, %s. I don't think we've met before. What's your name?", p.AgentName, p.Introduction)
}

func greetKnown(p Persona, name string) string {
	return fmt.Sprintf("Hello %s! I'm %s, %s. How can I help you today?", name, p.AgentName, p.Introduction)
}

func greetWithProposal(p Persona, name string) string {
	return fmt.Sprintf("Hello %s! Would you like to schedule the %s with %s?", name, p.Task, p.Vendor)
}

func thanksWithProposal(p Persona, name string) string {
	return fmt.Sprintf("Thanks %s! Would you like to schedule the %s with %s?", name, p.Task, p.Vendor)
}

func niceToMeet(name string) string {
	return fmt.Sprintf("Nice to meet you, %s! How can I help you today?", name)
}

func unclearSentiment(p Persona) string {
	return fmt.Sprintf(MsgUnclearSentiment, p.Task)
}

func preferredTimeNoted(p Persona, when string) string {
	return fmt.Sprintf("I'll note your preferred time (%s) and have %s contact you to confirm the new schedule. Is there anything else you'd like to know?", when, p.Vendor)
}

func itemAdded(item string) string {
	return fmt.Sprintf("I've added \"%s\" to your list. Is there anything else you'd like me to do?", item)
}

func itemList(items []models.Item) string {
	if len(items) == 0 {
		return MsgEmptyList
	}
	var b strings.Builder
	b.WriteString("Here's your to-do list:")
	for i, it := range items {
		fmt.Fprintf(&b, "\n%d. %s", i+1, it.Text)
	}
	return b.String()
}

func closing(p Persona, s models.ConversationState) string {
	var b strings.Builder
	if s.Outcome == models.OutcomeScheduled {
		fmt.Fprintf(&b, "Great! I'll have %s contact you to confirm the details. ", p.Vendor)
	}
	if n := len(s.Items); n > 0 {
		fmt.Fprintf(&b, "I've added %d task(s) to your list. ", n)
	}
	b.WriteString("Thank you for your time")
	if s.Identity.HasName() {
		b.WriteString(", " + s.Identity.DisplayName())
	}
	b.WriteString("! Have a great day!")
	return b.String()
}

// nameContext is the system line that tells the completer who it is talking to.
// It is empty while the name is unknown.
func nameContext(s models.ConversationState) string {
	if !s.Identity.HasName() {
		return ""
	}
	return fmt.Sprintf("The user's name is %s.", s.Identity.DisplayName())
}
