package flow

import (
	"context"
	"log/slog"
	"strings"

	"github.com/BTreeMap/ConvoPipe/internal/models"
)

// stepFunc is the transition logic executed while in one stage. It receives
// a snapshot it must not mutate and describes its effect in the result.
type stepFunc func(ctx context.Context, s models.ConversationState) StepResult

func (e *Engine) stepTable() map[models.Stage]stepFunc {
	return map[models.Stage]stepFunc{
		models.StageValidate:         e.validate,
		models.StageInitialize:       e.initialize,
		models.StageGreet:            e.greet,
		models.StageAwaitHuman:       e.awaitHuman,
		models.StageCollectName:      e.collectName,
		models.StageAnalyzeSentiment: e.analyzeSentiment,
		models.StageRouteIntent:      e.routeIntent,
		models.StageAddItem:          e.addItem,
		models.StageViewItems:        e.viewItems,
		models.StageAnswerQuestion:   e.answerQuestion,
		models.StageReschedule:       e.reschedule,
		models.StageConfirmEnd:       e.confirmEnd,
	}
}

// validate fails fast when context the conversation depends on is missing.
func (e *Engine) validate(_ context.Context, s models.ConversationState) StepResult {
	for _, field := range e.requiredFields {
		if field == "name" {
			if !s.Identity.HasName() {
				return StepResult{Err: &models.ValidationError{Field: field}}
			}
			continue
		}
		key := strings.TrimPrefix(field, "contact.")
		if strings.TrimSpace(s.Identity.Contact[key]) == "" {
			return StepResult{Err: &models.ValidationError{Field: field}}
		}
	}
	return goTo(models.StageInitialize)
}

func (e *Engine) initialize(_ context.Context, _ models.ConversationState) StepResult {
	return StepResult{
		Next:  models.StageGreet,
		Delta: Delta{InputReceived: boolPtr(false)},
	}
}

// greet frames the conversation for the completer and opens it for the human.
func (e *Engine) greet(_ context.Context, s models.ConversationState) StepResult {
	p := e.playbook.Persona
	var msgs []models.Message
	if p.SystemPrompt != "" {
		msgs = append(msgs, systemMsg(strings.TrimSpace(p.SystemPrompt)))
	}
	res := StepResult{Next: models.StageAwaitHuman}
	switch {
	case !s.Identity.HasName():
		msgs = append(msgs, agentMsg(greetUnknown(p)))
	case p.Task != "":
		msgs = append(msgs, agentMsg(greetWithProposal(p, s.Identity.DisplayName())))
		res.Delta.Pending = pendingPtr(models.PendingScheduleProposal)
	default:
		msgs = append(msgs, agentMsg(greetKnown(p, s.Identity.DisplayName())))
	}
	res.Append = msgs
	return res
}

// awaitHuman runs only once a human message is the newest transcript entry.
func (e *Engine) awaitHuman(_ context.Context, s models.ConversationState) StepResult {
	last, ok := s.LastMessage()
	if !ok || last.Role != models.RoleHuman {
		return goTo(models.StageAwaitHuman)
	}
	if s.HasProcessed(last.Content) {
		return StepResult{
			Next:   models.StageAwaitHuman,
			Append: []models.Message{agentMsg(MsgDuplicateInput)},
			Delta:  Delta{InputReceived: boolPtr(false)},
		}
	}

	res := StepResult{
		Delta: Delta{MarkProcessed: last.Content, InputReceived: boolPtr(true), Resolved: true},
	}
	switch {
	case !s.Identity.HasName():
		res.Next = models.StageCollectName
	case s.Pending == models.PendingScheduleProposal:
		res.Next = models.StageAnalyzeSentiment
	case s.Pending == models.PendingPreferredTime:
		res.Next = models.StageReschedule
	default:
		res.Next = models.StageRouteIntent
	}
	return res
}

func (e *Engine) collectName(_ context.Context, s models.ConversationState) StepResult {
	last, ok := s.LastHuman()
	if !ok {
		return goTo(models.StageAwaitHuman, agentMsg(MsgNameReprompt))
	}
	name := ExtractName(last.Content)
	if name == "" {
		return goTo(models.StageAwaitHuman, agentMsg(MsgNameReprompt))
	}

	p := e.playbook.Persona
	res := StepResult{
		Next:  models.StageAwaitHuman,
		Delta: Delta{Name: &name, Resolved: true},
	}
	if p.Task != "" {
		res.Append = []models.Message{agentMsg(thanksWithProposal(p, name))}
		res.Delta.Pending = pendingPtr(models.PendingScheduleProposal)
	} else {
		res.Append = []models.Message{agentMsg(niceToMeet(name))}
	}
	return res
}

func (e *Engine) analyzeSentiment(_ context.Context, s models.ConversationState) StepResult {
	p := e.playbook.Persona
	last, ok := s.LastHuman()
	if !ok {
		return goTo(models.StageAwaitHuman, agentMsg(unclearSentiment(p)))
	}
	sentiment, reason := e.classifier.ClassifySentiment(last.Content)
	slog.Debug("Engine.analyzeSentiment classified", "conversationID", s.ID, "sentiment", sentiment, "reason", reason)

	// A to-do request made while the proposal is open is served rather than reprompted.
	intent, rule := e.classifier.ClassifyIntent(last.Content)
	listIntent := intent == models.StageAddItem || intent == models.StageViewItems

	d := Delta{Sentiment: sentiment, SentimentReason: reason}
	switch {
	case sentiment == models.SentimentPositive:
		d.Outcome = models.OutcomeScheduled
		d.Pending = pendingPtr(models.PendingNone)
		d.Skill = "schedule"
		d.Resolved = true
		if listIntent {
			return StepResult{Next: intent, Delta: d}
		}
		return StepResult{Next: models.StageConfirmEnd, Delta: d}
	case sentiment == models.SentimentNegative:
		d.Pending = pendingPtr(models.PendingNone)
		d.Resolved = true
		return StepResult{Next: models.StageReschedule, Delta: d}
	case listIntent || intent == models.StageConfirmEnd:
		slog.Debug("Engine.analyzeSentiment deferring proposal", "conversationID", s.ID, "rule", rule)
		d.Skill = rule
		d.Resolved = true
		return StepResult{Next: intent, Delta: d}
	default:
		return StepResult{
			Next:   models.StageAwaitHuman,
			Append: []models.Message{agentMsg(unclearSentiment(p))},
			Delta:  d,
		}
	}
}

func (e *Engine) routeIntent(_ context.Context, s models.ConversationState) StepResult {
	last, ok := s.LastHuman()
	if !ok {
		return goTo(models.StageAwaitHuman)
	}
	next, rule := e.classifier.ClassifyIntent(last.Content)
	slog.Debug("Engine.routeIntent classified", "conversationID", s.ID, "rule", rule, "next", next)
	res := StepResult{Next: next}
	if rule != "fallback" {
		res.Delta.Skill = rule
	}
	return res
}

func (e *Engine) addItem(_ context.Context, s models.ConversationState) StepResult {
	last, ok := s.LastHuman()
	if !ok {
		return goTo(models.StageAwaitHuman, agentMsg(MsgAskItem))
	}
	text := ExtractItem(last.Content)
	if text == "" {
		return goTo(models.StageAwaitHuman, agentMsg(MsgAskItem))
	}
	return StepResult{
		Next:   models.StageAwaitHuman,
		Append: []models.Message{agentMsg(itemAdded(text))},
		Delta:  Delta{AddItem: &models.Item{Text: text}},
	}
}

func (e *Engine) viewItems(_ context.Context, s models.ConversationState) StepResult {
	return goTo(models.StageAwaitHuman, agentMsg(itemList(s.Items)))
}

// answerQuestion prefers canned replies and only then asks the completer.
// Completer failures never leave this stage without a reply.
func (e *Engine) answerQuestion(ctx context.Context, s models.ConversationState) StepResult {
	last, ok := s.LastHuman()
	if !ok {
		return goTo(models.StageAwaitHuman, agentMsg(MsgGenericAnswer))
	}
	if reply, ok := e.classifier.CannedReply(last.Content); ok {
		return goTo(models.StageAwaitHuman, agentMsg(reply))
	}
	if e.completer == nil {
		return goTo(models.StageAwaitHuman, agentMsg(MsgGenericAnswer))
	}

	reply, err := e.completer.Complete(ctx, e.completionContext(s))
	if err != nil {
		slog.Warn("Engine.answerQuestion: completion failed, using fallback", "conversationID", s.ID, "error", err)
		e.recorder.CompletionFailed()
		return goTo(models.StageAwaitHuman, agentMsg(MsgGenericAnswer))
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return goTo(models.StageAwaitHuman, agentMsg(MsgGenericAnswer))
	}
	return goTo(models.StageAwaitHuman, agentMsg(reply))
}

// completionContext is the persona prompt, the known identity and a bounded
// window of the most recent transcript entries.
func (e *Engine) completionContext(s models.ConversationState) []models.Message {
	var msgs []models.Message
	if prompt := strings.TrimSpace(e.playbook.Persona.SystemPrompt); prompt != "" {
		msgs = append(msgs, systemMsg(prompt))
	}
	if who := nameContext(s); who != "" {
		msgs = append(msgs, systemMsg(who))
	}
	window := s.Transcript
	if n := e.playbook.Limits.ContextWindow; len(window) > n {
		window = window[len(window)-n:]
	}
	return append(msgs, window...)
}

func (e *Engine) reschedule(_ context.Context, s models.ConversationState) StepResult {
	if s.Pending != models.PendingPreferredTime {
		return StepResult{
			Next:   models.StageAwaitHuman,
			Append: []models.Message{agentMsg(MsgAskReschedule)},
			Delta:  Delta{Pending: pendingPtr(models.PendingPreferredTime), Skill: "reschedule"},
		}
	}
	last, ok := s.LastHuman()
	when := ""
	if ok {
		when = strings.TrimSpace(last.Content)
	}
	if when == "" {
		return goTo(models.StageAwaitHuman, agentMsg(MsgAskReschedule))
	}
	return StepResult{
		Next:   models.StageAwaitHuman,
		Append: []models.Message{agentMsg(preferredTimeNoted(e.playbook.Persona, when))},
		Delta: Delta{
			PreferredTime: when,
			Pending:       pendingPtr(models.PendingNone),
			Resolved:      true,
		},
	}
}

func (e *Engine) confirmEnd(_ context.Context, s models.ConversationState) StepResult {
	return StepResult{
		Next:   models.StageTerminated,
		Append: []models.Message{agentMsg(closing(e.playbook.Persona, s))},
		Delta:  Delta{Pending: pendingPtr(models.PendingNone)},
	}
}
