package flow

import (
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/BTreeMap/ConvoPipe/internal/models"
	"gopkg.in/yaml.v3"
)

//go:embed playbook.yaml
var defaultPlaybookYAML []byte

// ErrInvalidPlaybook is returned when a playbook document fails validation.
var ErrInvalidPlaybook = errors.New("invalid playbook")

// Default limits applied when a playbook leaves them unset.
const (
	DefaultAttemptBound  = 5
	DefaultStepBudget    = 50
	DefaultContextWindow = 5
)

// Persona describes who the agent is and which scheduling proposal it carries.
type Persona struct {
	AgentName    string `yaml:"agent_name"`
	Introduction string `yaml:"introduction"`
	Vendor       string `yaml:"vendor"`
	Task         string `yaml:"task"`
	SystemPrompt string `yaml:"system_prompt"`
}

// Limits bound how long a conversation may loop.
type Limits struct {
	AttemptBound  int `yaml:"attempt_bound"`
	StepBudget    int `yaml:"step_budget"`
	ContextWindow int `yaml:"context_window"`
}

// Playbook is the declarative configuration of a conversation: persona,
// limits, required identity fields and the classification tables.
type Playbook struct {
	Persona        Persona   `yaml:"persona"`
	Limits         Limits    `yaml:"limits"`
	RequiredFields []string  `yaml:"required_fields"`
	Sentiment      RuleTable `yaml:"sentiment"`
	Intents        RuleTable `yaml:"intents"`
	IntentFallback string    `yaml:"intent_fallback"`
	CannedReplies  RuleTable `yaml:"canned_replies"`
}

// DefaultPlaybook returns the built-in playbook.
func DefaultPlaybook() *Playbook {
	pb, err := ParsePlaybook(defaultPlaybookYAML)
	if err != nil {
		// the embedded document is part of the binary
		panic(fmt.Sprintf("flow: embedded playbook: %v", err))
	}
	return pb
}

// LoadPlaybook reads and validates a playbook from disk.
func LoadPlaybook(path string) (*Playbook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read playbook %s: %w", path, err)
	}
	pb, err := ParsePlaybook(data)
	if err != nil {
		return nil, fmt.Errorf("playbook %s: %w", path, err)
	}
	slog.Debug("Playbook loaded", "path", path, "intents", len(pb.Intents), "cannedReplies", len(pb.CannedReplies))
	return pb, nil
}

// ParsePlaybook decodes a YAML playbook, fills defaults and validates it.
func ParsePlaybook(data []byte) (*Playbook, error) {
	var pb Playbook
	if err := yaml.Unmarshal(data, &pb); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPlaybook, err)
	}
	pb.applyDefaults()
	if err := pb.Validate(); err != nil {
		return nil, err
	}
	return &pb, nil
}

func (p *Playbook) applyDefaults() {
	if p.Limits.AttemptBound <= 0 {
		p.Limits.AttemptBound = DefaultAttemptBound
	}
	if p.Limits.StepBudget <= 0 {
		p.Limits.StepBudget = DefaultStepBudget
	}
	if p.Limits.ContextWindow <= 0 {
		p.Limits.ContextWindow = DefaultContextWindow
	}
	if p.IntentFallback == "" {
		p.IntentFallback = string(models.StageAnswerQuestion)
	}
	if p.Persona.AgentName == "" {
		p.Persona.AgentName = "007"
	}
}

// Validate checks that every table is usable and that intents route to real stages.
func (p *Playbook) Validate() error {
	if len(p.Sentiment) == 0 {
		return fmt.Errorf("%w: sentiment table is empty", ErrInvalidPlaybook)
	}
	if len(p.Intents) == 0 {
		return fmt.Errorf("%w: intent table is empty", ErrInvalidPlaybook)
	}
	for _, r := range p.Sentiment {
		switch models.Sentiment(r.Result) {
		case models.SentimentPositive, models.SentimentNegative:
		default:
			return fmt.Errorf("%w: sentiment rule %q has result %q", ErrInvalidPlaybook, r.Name, r.Result)
		}
	}
	for _, r := range p.Intents {
		if !routable(models.Stage(r.Result)) {
			return fmt.Errorf("%w: intent rule %q routes to %q", ErrInvalidPlaybook, r.Name, r.Result)
		}
	}
	if !routable(models.Stage(p.IntentFallback)) {
		return fmt.Errorf("%w: intent fallback %q", ErrInvalidPlaybook, p.IntentFallback)
	}
	for _, tbl := range []RuleTable{p.Sentiment, p.Intents, p.CannedReplies} {
		for _, r := range tbl {
			if len(r.Match) == 0 {
				return fmt.Errorf("%w: rule %q has no keywords", ErrInvalidPlaybook, r.Name)
			}
			for _, group := range r.Match {
				if len(group) == 0 {
					return fmt.Errorf("%w: rule %q has an empty keyword group", ErrInvalidPlaybook, r.Name)
				}
			}
		}
	}
	for _, f := range p.RequiredFields {
		if f != "name" && !strings.HasPrefix(f, "contact.") {
			return fmt.Errorf("%w: unknown required field %q", ErrInvalidPlaybook, f)
		}
	}
	return nil
}

// routable lists the stages an intent may hand control to.
func routable(s models.Stage) bool {
	switch s {
	case models.StageAddItem, models.StageViewItems, models.StageAnswerQuestion,
		models.StageReschedule, models.StageConfirmEnd:
		return true
	}
	return false
}

// Classifier builds the rule tables into a Classifier.
func (p *Playbook) Classifier() Classifier {
	return Classifier{
		Sentiment:      p.Sentiment,
		Intents:        p.Intents,
		IntentFallback: models.Stage(p.IntentFallback),
		CannedReplies:  p.CannedReplies,
	}
}
