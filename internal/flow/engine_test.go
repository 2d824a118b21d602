package flow

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/ConvoPipe/internal/genai"
	"github.com/BTreeMap/ConvoPipe/internal/models"
)

var fixedNow = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

type countingRecorder struct {
	visits         map[models.Stage]int
	completionFail int
	nonConvergence []models.Stage
	turns          int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{visits: map[models.Stage]int{}}
}

func (r *countingRecorder) StageVisited(s models.Stage)               { r.visits[s]++ }
func (r *countingRecorder) CompletionFailed()                         { r.completionFail++ }
func (r *countingRecorder) NonConvergence(s models.Stage)             { r.nonConvergence = append(r.nonConvergence, s) }
func (r *countingRecorder) TurnCompleted(models.Stage, time.Duration) { r.turns++ }

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	e, err := NewEngine(opts...)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func mustAdvance(t *testing.T, e *Engine, st models.ConversationState, input string) models.ConversationState {
	t.Helper()
	next, err := e.Advance(context.Background(), st, input)
	if err != nil {
		t.Fatalf("Advance(%q): %v", input, err)
	}
	return next
}

func lastAgent(t *testing.T, st models.ConversationState) string {
	t.Helper()
	for i := len(st.Transcript) - 1; i >= 0; i-- {
		if st.Transcript[i].Role == models.RoleAgent {
			return st.Transcript[i].Content
		}
	}
	t.Fatal("no agent message in transcript")
	return ""
}

// awaitingState is a conversation with a known name waiting for free input.
func awaitingState(name string) models.ConversationState {
	st := models.NewConversationState("conv-1")
	st.Identity.Name = &name
	st.Stage = models.StageAwaitHuman
	st.Transcript = []models.Message{{Role: models.RoleAgent, Content: "How can I help you today?"}}
	return st
}

func TestAdvance_FreshConversationGreets(t *testing.T) {
	e := newTestEngine(t)
	st := mustAdvance(t, e, models.NewConversationState("c"), "")

	if st.Stage != models.StageAwaitHuman {
		t.Fatalf("expected AWAIT_HUMAN, got %s", st.Stage)
	}
	if len(st.Transcript) != 2 {
		t.Fatalf("expected system + greeting, got %d entries", len(st.Transcript))
	}
	if st.Transcript[0].Role != models.RoleSystem {
		t.Errorf("expected system message first, got %s", st.Transcript[0].Role)
	}
	want := "Hello! I'm 007, your personal productivity agent. I don't think we've met before. What's your name?"
	if got := lastAgent(t, st); got != want {
		t.Errorf("greeting = %q, want %q", got, want)
	}
	if !st.CreatedAt.Equal(fixedNow) || !st.UpdatedAt.Equal(fixedNow) {
		t.Errorf("timestamps not set from clock: %v %v", st.CreatedAt, st.UpdatedAt)
	}
}

func TestAdvance_GreetsKnownName(t *testing.T) {
	e := newTestEngine(t)
	st := models.NewConversationState("c")
	name := "Jane"
	st.Identity.Name = &name
	st = mustAdvance(t, e, st, "")

	if got := lastAgent(t, st); got != "Hello Jane! Would you like to schedule the kitchen faucet installation with Dave's Plumbing?" {
		t.Errorf("unexpected greeting %q", got)
	}
	if st.Pending != models.PendingScheduleProposal {
		t.Errorf("expected pending schedule proposal, got %s", st.Pending)
	}
}

func TestAdvance_JaneScenario(t *testing.T) {
	e := newTestEngine(t)
	st := mustAdvance(t, e, models.NewConversationState("jane"), "My name is Jane")

	if st.Identity.DisplayName() != "Jane" {
		t.Fatalf("expected name Jane, got %q", st.Identity.DisplayName())
	}
	reply := lastAgent(t, st)
	if !strings.Contains(reply, "Jane") || !strings.Contains(reply, "schedule") {
		t.Errorf("expected a scheduling proposal addressed to Jane, got %q", reply)
	}
	if st.Stage != models.StageAwaitHuman {
		t.Fatalf("expected AWAIT_HUMAN, got %s", st.Stage)
	}
	// greeting precedes the first human message
	if st.Transcript[1].Role != models.RoleAgent || st.Transcript[2].Role != models.RoleHuman {
		t.Errorf("unexpected transcript order: %+v", st.Transcript)
	}

	st = mustAdvance(t, e, st, "Yes, tomorrow works")
	if st.Sentiment != models.SentimentPositive {
		t.Errorf("expected positive sentiment, got %s", st.Sentiment)
	}
	if st.Stage != models.StageTerminated {
		t.Fatalf("expected TERMINATED, got %s", st.Stage)
	}
	want := "Great! I'll have Dave's Plumbing contact you to confirm the details. Thank you for your time, Jane! Have a great day!"
	if got := lastAgent(t, st); got != want {
		t.Errorf("closing = %q, want %q", got, want)
	}
	if st.Outcome != models.OutcomeScheduled {
		t.Errorf("expected outcome scheduled, got %q", st.Outcome)
	}
}

func TestAdvance_AddItemScenario(t *testing.T) {
	e := newTestEngine(t)
	st := mustAdvance(t, e, awaitingState("Sam"), "add task: buy milk")

	if len(st.Items) != 1 || st.Items[0].Text != "buy milk" {
		t.Fatalf("expected one item 'buy milk', got %+v", st.Items)
	}
	if !st.Items[0].CreatedAt.Equal(fixedNow) {
		t.Errorf("expected item timestamp from clock, got %v", st.Items[0].CreatedAt)
	}
	if got := lastAgent(t, st); got != `I've added "buy milk" to your list. Is there anything else you'd like me to do?` {
		t.Errorf("unexpected confirmation %q", got)
	}
	if st.Stage != models.StageAwaitHuman {
		t.Errorf("expected AWAIT_HUMAN, got %s", st.Stage)
	}
	if !st.HasSkill("add_item") {
		t.Errorf("expected add_item skill recorded, got %v", st.Skills)
	}

	st = mustAdvance(t, e, st, "show my tasks")
	if got := lastAgent(t, st); got != "Here's your to-do list:\n1. buy milk" {
		t.Errorf("unexpected list %q", got)
	}
}

func TestAdvance_AddItemAfterIntroduction(t *testing.T) {
	e := newTestEngine(t)
	st := mustAdvance(t, e, models.NewConversationState("sam"), "")
	st = mustAdvance(t, e, st, "My name is Sam")
	if st.Pending != models.PendingScheduleProposal {
		t.Fatalf("expected the scheduling proposal to be open, got %s", st.Pending)
	}

	st = mustAdvance(t, e, st, "add task: buy milk")
	if len(st.Items) != 1 || st.Items[0].Text != "buy milk" {
		t.Fatalf("expected one item 'buy milk', got %+v", st.Items)
	}
	if got := lastAgent(t, st); got != `I've added "buy milk" to your list. Is there anything else you'd like me to do?` {
		t.Errorf("unexpected confirmation %q", got)
	}
	if st.Stage != models.StageAwaitHuman || st.Pending != models.PendingScheduleProposal {
		t.Errorf("expected AWAIT_HUMAN with the proposal still open, got %s/%s", st.Stage, st.Pending)
	}

	st = mustAdvance(t, e, st, "show my tasks")
	if got := lastAgent(t, st); got != "Here's your to-do list:\n1. buy milk" {
		t.Errorf("unexpected list %q", got)
	}

	st = mustAdvance(t, e, st, "yes please")
	if st.Stage != models.StageTerminated || st.Outcome != models.OutcomeScheduled {
		t.Fatalf("expected a scheduled close, got %s outcome=%q", st.Stage, st.Outcome)
	}
	want := "Great! I'll have Dave's Plumbing contact you to confirm the details. I've added 1 task(s) to your list. Thank you for your time, Sam! Have a great day!"
	if got := lastAgent(t, st); got != want {
		t.Errorf("closing = %q, want %q", got, want)
	}
}

func TestAdvance_AcceptProposalAndAddItem(t *testing.T) {
	e := newTestEngine(t)
	st := mustAdvance(t, e, models.NewConversationState("sam"), "My name is Sam")
	st = mustAdvance(t, e, st, "Yes, and add task: buy milk")

	if st.Outcome != models.OutcomeScheduled {
		t.Errorf("expected outcome scheduled, got %q", st.Outcome)
	}
	if len(st.Items) != 1 || st.Items[0].Text != "buy milk" {
		t.Fatalf("expected the item to be kept, got %+v", st.Items)
	}
	if st.Stage != models.StageAwaitHuman || st.Pending != models.PendingNone {
		t.Errorf("expected AWAIT_HUMAN with nothing pending, got %s/%s", st.Stage, st.Pending)
	}

	st = mustAdvance(t, e, st, "bye")
	if st.Stage != models.StageTerminated {
		t.Fatalf("expected TERMINATED, got %s", st.Stage)
	}
	if got := lastAgent(t, st); !strings.Contains(got, "I've added 1 task(s)") || !strings.Contains(got, "Dave's Plumbing") {
		t.Errorf("closing should mention the schedule and the item, got %q", got)
	}
}

func TestAdvance_EndWhileProposalOpen(t *testing.T) {
	e := newTestEngine(t)
	st := mustAdvance(t, e, models.NewConversationState("sam"), "My name is Sam")
	st = mustAdvance(t, e, st, "goodbye")
	if st.Stage != models.StageTerminated {
		t.Fatalf("expected TERMINATED, got %s", st.Stage)
	}
	if st.Outcome != "" {
		t.Errorf("leaving is not accepting the proposal, got outcome %q", st.Outcome)
	}
}

func TestAdvance_ViewEmptyList(t *testing.T) {
	e := newTestEngine(t)
	st := mustAdvance(t, e, awaitingState("Sam"), "list my todos")
	if got := lastAgent(t, st); got != MsgEmptyList {
		t.Errorf("expected empty list message, got %q", got)
	}
}

func TestAdvance_AddItemWithoutText(t *testing.T) {
	e := newTestEngine(t)
	st := mustAdvance(t, e, awaitingState("Sam"), "add task:")
	if len(st.Items) != 0 {
		t.Errorf("expected no item, got %+v", st.Items)
	}
	if got := lastAgent(t, st); got != MsgAskItem {
		t.Errorf("expected prompt for item, got %q", got)
	}
}

func TestAdvance_DuplicateInputIsIdempotent(t *testing.T) {
	e := newTestEngine(t)
	st := mustAdvance(t, e, awaitingState("Sam"), "add task: buy milk")
	name, sentiment := st.Identity.DisplayName(), st.Sentiment

	st = mustAdvance(t, e, st, "add task: buy milk")
	if got := lastAgent(t, st); got != MsgDuplicateInput {
		t.Errorf("expected duplicate reply, got %q", got)
	}
	if len(st.Items) != 1 {
		t.Errorf("expected item list unchanged, got %d items", len(st.Items))
	}
	if st.Identity.DisplayName() != name || st.Sentiment != sentiment {
		t.Error("identity or sentiment changed on duplicate input")
	}
	if st.Stage != models.StageAwaitHuman {
		t.Errorf("expected AWAIT_HUMAN, got %s", st.Stage)
	}
}

func TestAdvance_CollectsTrimmedName(t *testing.T) {
	e := newTestEngine(t, WithPlaybook(playbookWithoutTask(t)))
	st := mustAdvance(t, e, models.NewConversationState("c"), "")
	st = mustAdvance(t, e, st, "   Alice  ")

	if st.Identity.DisplayName() != "Alice" {
		t.Fatalf("expected Alice, got %q", st.Identity.DisplayName())
	}
	if got := lastAgent(t, st); got != "Nice to meet you, Alice! How can I help you today?" {
		t.Errorf("unexpected acknowledgement %q", got)
	}
	if st.Pending != models.PendingNone {
		t.Errorf("expected no pending question, got %s", st.Pending)
	}
}

func TestAdvance_NameNeverOverwritten(t *testing.T) {
	e := newTestEngine(t)
	st := mustAdvance(t, e, awaitingState("Sam"), "my name is Bob")
	if st.Identity.DisplayName() != "Sam" {
		t.Errorf("expected name to stay Sam, got %q", st.Identity.DisplayName())
	}
}

func TestAdvance_NonConvergence(t *testing.T) {
	proposal := awaitingState("Jane")
	proposal.Pending = models.PendingScheduleProposal

	tests := []struct {
		name   string
		opts   []Option
		start  func(t *testing.T, e *Engine) models.ConversationState
		inputs []string
		stage  models.Stage
	}{
		{
			name: "collect name",
			start: func(t *testing.T, e *Engine) models.ConversationState {
				return mustAdvance(t, e, models.NewConversationState("c"), "")
			},
			inputs: []string{"!", "?!", "...", "!!", "??", "!!!"},
			stage:  models.StageCollectName,
		},
		{
			name:   "analyze sentiment",
			start:  func(*testing.T, *Engine) models.ConversationState { return proposal.Clone() },
			inputs: []string{"maybe", "hmm", "perhaps", "whatever", "let me think", "possibly"},
			stage:  models.StageAnalyzeSentiment,
		},
		{
			name: "await human",
			start: func(t *testing.T, e *Engine) models.ConversationState {
				return mustAdvance(t, e, awaitingState("Sam"), "add task: buy milk")
			},
			inputs: []string{"add task: buy milk", "add task: buy milk", "add task: buy milk",
				"add task: buy milk", "add task: buy milk", "add task: buy milk"},
			stage: models.StageAwaitHuman,
		},
		{
			// Asking for a time and recording it are two visits of one unresolved stage.
			name:   "reschedule",
			opts:   []Option{WithAttemptBound(1)},
			start:  func(*testing.T, *Engine) models.ConversationState { return awaitingState("Sam") },
			inputs: []string{"I need to reschedule", "next Tuesday"},
			stage:  models.StageReschedule,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := newCountingRecorder()
			e := newTestEngine(t, append([]Option{WithRecorder(rec)}, tt.opts...)...)
			st := tt.start(t, e)
			for i, in := range tt.inputs {
				st = mustAdvance(t, e, st, in)
				if i < len(tt.inputs)-1 && st.Stage != models.StageAwaitHuman {
					t.Fatalf("input %d: expected AWAIT_HUMAN, got %s", i, st.Stage)
				}
			}
			if st.Stage != models.StageTerminated {
				t.Fatalf("expected TERMINATED, got %s", st.Stage)
			}
			if got := lastAgent(t, st); got != MsgNonConvergence {
				t.Errorf("expected apology, got %q", got)
			}
			if len(rec.nonConvergence) != 1 || rec.nonConvergence[0] != tt.stage {
				t.Errorf("expected non-convergence at %s, got %v", tt.stage, rec.nonConvergence)
			}
		})
	}
}

func TestAdvance_StepBudget(t *testing.T) {
	e := newTestEngine(t, WithStepBudget(2))
	st := mustAdvance(t, e, models.NewConversationState("c"), "")
	if st.Stage != models.StageTerminated {
		t.Fatalf("expected TERMINATED, got %s", st.Stage)
	}
	if got := lastAgent(t, st); got != MsgNonConvergence {
		t.Errorf("expected apology, got %q", got)
	}
}

func TestAdvance_ValidationError(t *testing.T) {
	tests := []struct {
		name   string
		fields []string
		want   string
	}{
		{"name", []string{"name"}, "name"},
		{"contact", []string{"contact.email"}, "contact.email"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t, WithRequiredFields(tt.fields...))
			in := models.NewConversationState("c")
			out, err := e.Advance(context.Background(), in, "hello")
			if !errors.Is(err, models.ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
			var verr *models.ValidationError
			if !errors.As(err, &verr) || verr.Field != tt.want {
				t.Errorf("expected field %s, got %v", tt.want, err)
			}
			if !reflect.DeepEqual(out, in) {
				t.Errorf("expected input state returned unchanged")
			}
		})
	}

	e := newTestEngine(t, WithRequiredFields("contact.email"))
	in := models.NewConversationState("c")
	in.Identity.Contact = map[string]string{"email": "jane@example.com"}
	if _, err := e.Advance(context.Background(), in, ""); err != nil {
		t.Errorf("expected contact to satisfy validation, got %v", err)
	}
}

func TestAdvance_InvalidStage(t *testing.T) {
	e := newTestEngine(t)
	st := models.NewConversationState("c")
	st.Stage = "DANCING"
	if _, err := e.Advance(context.Background(), st, "hi"); !errors.Is(err, models.ErrInvalidStage) {
		t.Errorf("expected ErrInvalidStage, got %v", err)
	}
}

func TestAdvance_InputTooLong(t *testing.T) {
	e := newTestEngine(t)
	long := strings.Repeat("a", models.MaxInputLength+1)
	if _, err := e.Advance(context.Background(), awaitingState("Sam"), long); !errors.Is(err, models.ErrInputTooLong) {
		t.Errorf("expected ErrInputTooLong, got %v", err)
	}
}

func TestAdvance_DoesNotMutateInput(t *testing.T) {
	e := newTestEngine(t)
	in := awaitingState("Sam")
	in.AttemptCounters[models.StageAwaitHuman] = 2
	snapshot := in.Clone()

	_ = mustAdvance(t, e, in, "add task: buy milk")
	if !reflect.DeepEqual(in, snapshot) {
		t.Errorf("input state mutated:\n got %+v\nwant %+v", in, snapshot)
	}
}

func TestSteps_DoNotMutateSnapshot(t *testing.T) {
	e := newTestEngine(t, WithCompleter(genai.NewStubClient()))
	base := awaitingState("Sam")
	base.Transcript = append(base.Transcript, models.Message{Role: models.RoleHuman, Content: "add task: buy milk"})
	for stage, step := range e.steps {
		snapshot := base.Clone()
		step(context.Background(), base)
		if !reflect.DeepEqual(base, snapshot) {
			t.Errorf("step %s mutated its input", stage)
		}
	}
}

func TestAdvance_TerminatedIsFinal(t *testing.T) {
	e := newTestEngine(t)
	st := awaitingState("Sam")
	st.Stage = models.StageTerminated
	out := mustAdvance(t, e, st, "hello again")
	if len(out.Transcript) != len(st.Transcript) || out.Stage != models.StageTerminated {
		t.Errorf("terminated conversation changed: %+v", out)
	}
}

func TestAdvance_EmptyInputSuspends(t *testing.T) {
	e := newTestEngine(t)
	st := awaitingState("Sam")
	out := mustAdvance(t, e, st, "   ")
	if len(out.Transcript) != len(st.Transcript) {
		t.Errorf("expected no new messages, got %d", len(out.Transcript)-len(st.Transcript))
	}
}

func TestAdvance_RescheduleFlow(t *testing.T) {
	e := newTestEngine(t)
	st := awaitingState("Jane")
	st.Pending = models.PendingScheduleProposal

	st = mustAdvance(t, e, st, "No, that doesn't work")
	if st.Sentiment != models.SentimentNegative {
		t.Errorf("expected negative sentiment, got %s", st.Sentiment)
	}
	if got := lastAgent(t, st); got != MsgAskReschedule {
		t.Errorf("expected reschedule prompt, got %q", got)
	}
	if st.Pending != models.PendingPreferredTime {
		t.Fatalf("expected pending preferred time, got %s", st.Pending)
	}

	st = mustAdvance(t, e, st, "Friday at 3pm")
	if st.PreferredTime != "Friday at 3pm" {
		t.Errorf("expected preferred time recorded, got %q", st.PreferredTime)
	}
	want := "I'll note your preferred time (Friday at 3pm) and have Dave's Plumbing contact you to confirm the new schedule. Is there anything else you'd like to know?"
	if got := lastAgent(t, st); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if st.AttemptCounters[models.StageReschedule] != 0 {
		t.Errorf("expected reschedule counter reset, got %d", st.AttemptCounters[models.StageReschedule])
	}

	st = mustAdvance(t, e, st, "bye")
	if st.Stage != models.StageTerminated {
		t.Fatalf("expected TERMINATED, got %s", st.Stage)
	}
	if got := lastAgent(t, st); got != "Thank you for your time, Jane! Have a great day!" {
		t.Errorf("unexpected closing %q", got)
	}
}

func TestAdvance_UnclearSentimentReprompts(t *testing.T) {
	e := newTestEngine(t)
	st := awaitingState("Jane")
	st.Pending = models.PendingScheduleProposal
	st = mustAdvance(t, e, st, "hmm")
	want := "I'm not sure if you want to schedule the kitchen faucet installation. Could you please answer with a clear yes or no?"
	if got := lastAgent(t, st); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if st.Pending != models.PendingScheduleProposal {
		t.Errorf("expected proposal still pending, got %s", st.Pending)
	}
}

func TestAdvance_ClosingSummarizesItems(t *testing.T) {
	e := newTestEngine(t)
	st := mustAdvance(t, e, awaitingState("Sam"), "add task: buy milk")
	st = mustAdvance(t, e, st, "add task: call mom")
	st = mustAdvance(t, e, st, "goodbye")
	want := "I've added 2 task(s) to your list. Thank you for your time, Sam! Have a great day!"
	if got := lastAgent(t, st); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestAnswerQuestion(t *testing.T) {
	tests := []struct {
		name      string
		completer genai.Completer
		input     string
		want      string
		failures  int
	}{
		{"canned thanks", nil, "thank you", "You're welcome! Is there anything else I can help you with?", 0},
		{"canned capability", nil, "what can you do?", "I can help you manage your tasks with my to-do list functionality. I can add tasks, show your current tasks, and chat with you about productivity topics.", 0},
		{"no completer", nil, "what's the weather like?", MsgGenericAnswer, 0},
		{"completer reply", genai.NewStubClient(), "what is my name?", "Your name is Sam. Is there anything else I can help you with?", 0},
		{"completer failure", &genai.StubClient{Err: genai.ErrCompletionFailed}, "what's the weather like?", MsgGenericAnswer, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := newCountingRecorder()
			opts := []Option{WithRecorder(rec)}
			if tt.completer != nil {
				opts = append(opts, WithCompleter(tt.completer))
			}
			e := newTestEngine(t, opts...)
			st := mustAdvance(t, e, awaitingState("Sam"), tt.input)
			if got := lastAgent(t, st); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
			if rec.completionFail != tt.failures {
				t.Errorf("expected %d completion failures, got %d", tt.failures, rec.completionFail)
			}
			if st.Stage != models.StageAwaitHuman {
				t.Errorf("expected AWAIT_HUMAN, got %s", st.Stage)
			}
		})
	}
}

func TestCompletionContext_Window(t *testing.T) {
	e := newTestEngine(t)
	st := awaitingState("Sam")
	for i := 0; i < 10; i++ {
		st.Transcript = append(st.Transcript, models.Message{Role: models.RoleHuman, Content: "msg"})
	}
	msgs := e.completionContext(st)
	// system prompt + name line + window
	if len(msgs) != 2+DefaultContextWindow {
		t.Fatalf("expected %d messages, got %d", 2+DefaultContextWindow, len(msgs))
	}
	if msgs[1].Content != "The user's name is Sam." {
		t.Errorf("unexpected identity line %q", msgs[1].Content)
	}
}

func TestNewEngine_RejectsUnknownRequiredField(t *testing.T) {
	if _, err := NewEngine(WithRequiredFields("age")); !errors.Is(err, ErrInvalidPlaybook) {
		t.Errorf("expected ErrInvalidPlaybook, got %v", err)
	}
}

func playbookWithoutTask(t *testing.T) *Playbook {
	t.Helper()
	pb := DefaultPlaybook()
	pb.Persona.Task = ""
	return pb
}
