package flow

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/BTreeMap/ConvoPipe/internal/models"
)

// Rule is one row of a classification table. Every group in Match must have at
// least one keyword present in the normalized text for the rule to fire.
type Rule struct {
	Name      string     `yaml:"name"`
	Match     [][]string `yaml:"match"`
	WholeWord bool       `yaml:"whole_word,omitempty"`
	Result    string     `yaml:"result"`
}

// Matches reports whether the rule fires for already-normalized text.
func (r Rule) Matches(normalized string) (bool, string) {
	if len(r.Match) == 0 {
		return false, ""
	}
	var padded string
	if r.WholeWord {
		padded = " " + strings.Join(tokenize(normalized), " ") + " "
	}
	var first string
	for _, group := range r.Match {
		hit := ""
		for _, kw := range group {
			kw = strings.ToLower(kw)
			if kw == "" {
				continue
			}
			if r.WholeWord {
				if strings.Contains(padded, " "+strings.Join(tokenize(kw), " ")+" ") {
					hit = kw
					break
				}
			} else if strings.Contains(normalized, kw) {
				hit = kw
				break
			}
		}
		if hit == "" {
			return false, ""
		}
		if first == "" {
			first = hit
		}
	}
	return true, first
}

// tokenize splits text into words, keeping apostrophes inside words.
func tokenize(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'')
	})
}

// RuleTable is an ordered list of rules evaluated first-match-wins.
type RuleTable []Rule

// Evaluate returns the first firing rule and the keyword that triggered it.
func (t RuleTable) Evaluate(text string) (Rule, string, bool) {
	normalized := models.Normalize(text)
	for _, r := range t {
		if ok, kw := r.Matches(normalized); ok {
			return r, kw, true
		}
	}
	return Rule{}, "", false
}

// Classifier groups the tables a conversation needs.
type Classifier struct {
	Sentiment      RuleTable
	Intents        RuleTable
	IntentFallback models.Stage
	CannedReplies  RuleTable
}

// ClassifySentiment maps text onto positive, negative or unclear.
func (c Classifier) ClassifySentiment(text string) (models.Sentiment, string) {
	rule, kw, ok := c.Sentiment.Evaluate(text)
	if !ok {
		return models.SentimentUnclear, "no keyword matched"
	}
	s := models.Sentiment(rule.Result)
	switch s {
	case models.SentimentPositive, models.SentimentNegative:
		return s, fmt.Sprintf("matched %q", kw)
	default:
		return models.SentimentUnclear, fmt.Sprintf("unrecognized sentiment %q", rule.Result)
	}
}

// ClassifyIntent maps text onto the stage that handles it and the rule name used.
func (c Classifier) ClassifyIntent(text string) (models.Stage, string) {
	if rule, _, ok := c.Intents.Evaluate(text); ok {
		return models.Stage(rule.Result), rule.Name
	}
	fallback := c.IntentFallback
	if fallback == "" {
		fallback = models.StageAnswerQuestion
	}
	return fallback, "fallback"
}

// CannedReply returns a fixed reply for common phrases.
func (c Classifier) CannedReply(text string) (string, bool) {
	rule, _, ok := c.CannedReplies.Evaluate(text)
	if !ok {
		return "", false
	}
	return rule.Result, true
}

var namePrefix = regexp.MustCompile(`(?i)my\s+name\s+is`)

// ExtractName takes the text after "my name is" when present, otherwise the
// whole trimmed utterance. Surrounding punctuation is dropped.
func ExtractName(text string) string {
	name := text
	if loc := namePrefix.FindStringIndex(text); loc != nil {
		name = text[loc[1]:]
	}
	return strings.TrimFunc(name, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	})
}

var (
	commandAdd  = regexp.MustCompile(`(?i)\badd\b`)
	commandNoun = regexp.MustCompile(`(?i)\b(?:task|todo)s?\b`)
	filler      = regexp.MustCompile(`(?i)^(?:to-do|list|the|to|my|an|a|for|me)\b\s*`)
)

// ExtractItem returns the item text of an add command: the remainder after
// the first colon, or the utterance with the command words removed.
func ExtractItem(text string) string {
	if idx := strings.Index(text, ":"); idx >= 0 {
		return strings.TrimSpace(text[idx+1:])
	}
	item := text
	if loc := commandAdd.FindStringIndex(item); loc != nil {
		item = item[:loc[0]] + item[loc[1]:]
	}
	if loc := commandNoun.FindStringIndex(item); loc != nil {
		item = item[:loc[0]] + item[loc[1]:]
	}
	item = strings.TrimSpace(item)
	for {
		trimmed := strings.TrimSpace(filler.ReplaceAllString(item, ""))
		if trimmed == item {
			break
		}
		item = trimmed
	}
	return strings.Join(strings.Fields(item), " ")
}
