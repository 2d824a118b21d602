// Package flow implements the ConvoPipe conversation state machine: the step
// functions for each stage, the driver that runs them until the conversation
// suspends or ends, and the session manager that persists it between turns.
package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/ConvoPipe/internal/genai"
	"github.com/BTreeMap/ConvoPipe/internal/models"
)

// Recorder receives engine events. internal/metrics provides the Prometheus one.
type Recorder interface {
	StageVisited(stage models.Stage)
	CompletionFailed()
	NonConvergence(stage models.Stage)
	TurnCompleted(final models.Stage, elapsed time.Duration)
}

type noopRecorder struct{}

func (noopRecorder) StageVisited(models.Stage)                 {}
func (noopRecorder) CompletionFailed()                         {}
func (noopRecorder) NonConvergence(models.Stage)               {}
func (noopRecorder) TurnCompleted(models.Stage, time.Duration) {}

// Opts holds configuration for an Engine.
type Opts struct {
	Playbook       *Playbook
	Completer      genai.Completer
	Recorder       Recorder
	Clock          func() time.Time
	StepBudget     int
	AttemptBound   int
	RequiredFields []string
}

// Option defines a configuration option for an Engine.
type Option func(*Opts)

// WithPlaybook replaces the embedded default playbook.
func WithPlaybook(pb *Playbook) Option {
	return func(o *Opts) { o.Playbook = pb }
}

// WithCompleter sets the completion service used for free-text answers.
func WithCompleter(c genai.Completer) Option {
	return func(o *Opts) { o.Completer = c }
}

// WithRecorder sets the event recorder.
func WithRecorder(r Recorder) Option {
	return func(o *Opts) { o.Recorder = r }
}

// WithClock overrides time.Now for message and item timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Clock = now }
}

// WithStepBudget overrides the playbook's per-advance step budget.
func WithStepBudget(n int) Option {
	return func(o *Opts) { o.StepBudget = n }
}

// WithAttemptBound overrides the playbook's per-stage attempt bound.
func WithAttemptBound(n int) Option {
	return func(o *Opts) { o.AttemptBound = n }
}

// WithRequiredFields adds identity fields VALIDATE insists on: "name" or "contact.<key>".
func WithRequiredFields(fields ...string) Option {
	return func(o *Opts) { o.RequiredFields = append(o.RequiredFields, fields...) }
}

// Engine drives conversations through their stages. It holds no
// per-conversation state and is safe for concurrent use.
type Engine struct {
	playbook       *Playbook
	classifier     Classifier
	completer      genai.Completer
	recorder       Recorder
	now            func() time.Time
	stepBudget     int
	attemptBound   int
	requiredFields []string
	steps          map[models.Stage]stepFunc
}

// NewEngine builds an engine. Without a playbook the embedded default is used.
func NewEngine(opts ...Option) (*Engine, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Playbook == nil {
		cfg.Playbook = DefaultPlaybook()
	} else if err := cfg.Playbook.Validate(); err != nil {
		return nil, err
	}
	if cfg.Recorder == nil {
		cfg.Recorder = noopRecorder{}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.StepBudget <= 0 {
		cfg.StepBudget = cfg.Playbook.Limits.StepBudget
	}
	if cfg.AttemptBound <= 0 {
		cfg.AttemptBound = cfg.Playbook.Limits.AttemptBound
	}

	required := append([]string(nil), cfg.Playbook.RequiredFields...)
	for _, f := range cfg.RequiredFields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if f != "name" && !strings.HasPrefix(f, "contact.") {
			return nil, fmt.Errorf("%w: unknown required field %q", ErrInvalidPlaybook, f)
		}
		required = append(required, f)
	}

	e := &Engine{
		playbook:       cfg.Playbook,
		classifier:     cfg.Playbook.Classifier(),
		completer:      cfg.Completer,
		recorder:       cfg.Recorder,
		now:            cfg.Clock,
		stepBudget:     cfg.StepBudget,
		attemptBound:   cfg.AttemptBound,
		requiredFields: required,
	}
	e.steps = e.stepTable()
	slog.Debug("Engine created", "stepBudget", e.stepBudget, "attemptBound", e.attemptBound,
		"requiredFields", required, "completer", cfg.Completer != nil)
	return e, nil
}

// Playbook returns the playbook the engine runs.
func (e *Engine) Playbook() *Playbook {
	return e.playbook
}

// bounded reports whether a stage counts attempts toward the non-convergence bound.
func bounded(s models.Stage) bool {
	switch s {
	case models.StageAwaitHuman, models.StageCollectName, models.StageAnalyzeSentiment, models.StageReschedule:
		return true
	}
	return false
}

// opening reports whether the conversation has not reached its first suspension yet.
func opening(s models.Stage) bool {
	return s == models.StageValidate || s == models.StageInitialize || s == models.StageGreet
}

// Advance runs one turn. A non-empty input is appended as a human message and
// the stages run until the conversation waits for the human again or ends.
// The input state is never modified. On error the returned state is the
// input state unchanged.
//
// A conversation that has not greeted yet is first brought to its opening
// question, so the greeting always precedes the human's first message.
func (e *Engine) Advance(ctx context.Context, state models.ConversationState, input string) (models.ConversationState, error) {
	if state.Stage == "" {
		state.Stage = models.StageValidate
	}
	if !models.IsValidStage(state.Stage) {
		return state, fmt.Errorf("%w: %q", models.ErrInvalidStage, state.Stage)
	}
	if len(input) > models.MaxInputLength {
		return state, models.ErrInputTooLong
	}

	started := e.now()
	st := state.Clone()
	e.ensureDefaults(&st, started)
	if st.Stage == models.StageTerminated {
		return st, nil
	}

	input = strings.TrimSpace(input)
	steps := 0
	if input != "" && opening(st.Stage) {
		if err := e.run(ctx, &st, &steps); err != nil {
			return state, err
		}
	}
	if input != "" && st.Stage != models.StageTerminated {
		st.Transcript = append(st.Transcript, models.Message{Role: models.RoleHuman, Content: input, Timestamp: e.now()})
	}
	if err := e.run(ctx, &st, &steps); err != nil {
		return state, err
	}

	st.UpdatedAt = e.now()
	e.recorder.TurnCompleted(st.Stage, st.UpdatedAt.Sub(started))
	slog.Debug("Engine.Advance completed", "conversationID", st.ID, "stage", st.Stage, "steps", steps)
	return st, nil
}

// run is the driver loop. It stops at TERMINATED or when AWAIT_HUMAN has no
// human message to consume.
func (e *Engine) run(ctx context.Context, st *models.ConversationState, steps *int) error {
	for {
		stage := st.Stage
		if stage == models.StageTerminated {
			return nil
		}
		if stage == models.StageAwaitHuman && st.AwaitingHumanReply() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if *steps >= e.stepBudget {
			slog.Warn("Engine.run: step budget exhausted", "conversationID", st.ID, "stage", stage, "budget", e.stepBudget)
			e.terminate(st, stage)
			return nil
		}
		*steps++

		if bounded(stage) {
			st.AttemptCounters[stage]++
			if st.AttemptCounters[stage] > e.attemptBound {
				slog.Warn("Engine.run: attempt bound exceeded", "conversationID", st.ID, "stage", stage, "attempts", st.AttemptCounters[stage])
				e.terminate(st, stage)
				return nil
			}
		}

		e.recorder.StageVisited(stage)
		step, ok := e.steps[stage]
		if !ok {
			return fmt.Errorf("%w: no step for %q", models.ErrInvalidStage, stage)
		}
		res := step(ctx, st.Clone())
		if res.Err != nil {
			slog.Error("Engine.run: step failed", "conversationID", st.ID, "stage", stage, "error", res.Err)
			return res.Err
		}
		if !models.IsValidStage(res.Next) {
			return fmt.Errorf("%w: %q returned from %s", models.ErrInvalidStage, res.Next, stage)
		}
		merge(st, stage, res, e.now())
		slog.Debug("Engine.run: transition", "conversationID", st.ID, "from", stage, "to", st.Stage)
	}
}

// terminate ends a conversation that failed to converge.
func (e *Engine) terminate(st *models.ConversationState, stage models.Stage) {
	e.recorder.NonConvergence(stage)
	st.Transcript = append(st.Transcript, models.Message{Role: models.RoleAgent, Content: MsgNonConvergence, Timestamp: e.now()})
	st.Pending = models.PendingNone
	st.Stage = models.StageTerminated
}

func (e *Engine) ensureDefaults(st *models.ConversationState, now time.Time) {
	if st.Sentiment == "" {
		st.Sentiment = models.SentimentUnknown
	}
	if st.Pending == "" {
		st.Pending = models.PendingNone
	}
	if st.AttemptCounters == nil {
		st.AttemptCounters = map[models.Stage]int{}
	}
	if st.CreatedAt.IsZero() {
		st.CreatedAt = now
	}
}
