package flow

import (
	"testing"

	"github.com/BTreeMap/ConvoPipe/internal/models"
)

func defaultClassifier(t *testing.T) Classifier {
	t.Helper()
	return DefaultPlaybook().Classifier()
}

func TestClassifySentiment(t *testing.T) {
	c := defaultClassifier(t)
	tests := []struct {
		text string
		want models.Sentiment
	}{
		{"Yes, tomorrow works", models.SentimentPositive},
		{"SURE", models.SentimentPositive},
		{"okay then", models.SentimentPositive},
		{"Absolutely!", models.SentimentPositive},
		{"no", models.SentimentNegative},
		{"I can't make it", models.SentimentNegative},
		{"please reschedule", models.SentimentNegative},
		{"nope", models.SentimentNegative},
		{"maybe", models.SentimentUnclear},
		{"", models.SentimentUnclear},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got, reason := c.ClassifySentiment(tt.text)
			if got != tt.want {
				t.Errorf("ClassifySentiment(%q) = %s (%s), want %s", tt.text, got, reason, tt.want)
			}
			if reason == "" {
				t.Error("expected a reason")
			}
		})
	}
}

func TestClassifyIntent(t *testing.T) {
	c := defaultClassifier(t)
	tests := []struct {
		text string
		want models.Stage
		rule string
	}{
		{"add task: buy milk", models.StageAddItem, "add_item"},
		{"Please ADD a todo", models.StageAddItem, "add_item"},
		{"show my tasks", models.StageViewItems, "view_items"},
		{"list todos", models.StageViewItems, "view_items"},
		{"bye", models.StageConfirmEnd, "end_conversation"},
		{"ok, goodbye now", models.StageConfirmEnd, "end_conversation"},
		{"what time is it?", models.StageAnswerQuestion, "question"},
		{"I need to reschedule", models.StageReschedule, "reschedule"},
		{"tell me a joke", models.StageAnswerQuestion, "fallback"},
		{"see you this weekend", models.StageAnswerQuestion, "fallback"},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got, rule := c.ClassifyIntent(tt.text)
			if got != tt.want || rule != tt.rule {
				t.Errorf("ClassifyIntent(%q) = %s/%s, want %s/%s", tt.text, got, rule, tt.want, tt.rule)
			}
		})
	}
}

func TestCannedReply(t *testing.T) {
	c := defaultClassifier(t)
	if reply, ok := c.CannedReply("Hi!"); !ok || reply != "Hello there! How can I help you today with your productivity tasks?" {
		t.Errorf("unexpected greeting reply %q (%v)", reply, ok)
	}
	if reply, ok := c.CannedReply("thank you so much"); !ok || reply != "You're welcome! Is there anything else I can help you with?" {
		t.Errorf("unexpected thanks reply %q (%v)", reply, ok)
	}
	if _, ok := c.CannedReply("what is this thing"); ok {
		t.Error("\"this\" must not match the hi greeting")
	}
	if _, ok := c.CannedReply("what's the capital of France"); ok {
		t.Error("expected no canned reply")
	}
}

func TestRule_WholeWordMultiWordKeyword(t *testing.T) {
	r := Rule{Name: "r", Match: [][]string{{"how are you"}}, WholeWord: true, Result: "x"}
	if ok, kw := r.Matches("hey, how are you?"); !ok || kw != "how are you" {
		t.Errorf("expected phrase match, got %v %q", ok, kw)
	}
	if ok, _ := r.Matches("show are your"); ok {
		t.Error("phrase must match on word boundaries")
	}
}

func TestRule_EmptyMatchNeverFires(t *testing.T) {
	if ok, _ := (Rule{Name: "empty"}).Matches("anything"); ok {
		t.Error("rule without groups must not fire")
	}
}

func TestExtractName(t *testing.T) {
	tests := map[string]string{
		"My name is Jane":         "Jane",
		"  Alice  ":               "Alice",
		"my NAME is   Bob Smith.": "Bob Smith",
		"hi, my name is O'Neil!":  "O'Neil",
		"my name is":              "",
		"!!!":                     "",
	}
	for in, want := range tests {
		if got := ExtractName(in); got != want {
			t.Errorf("ExtractName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestExtractItem(t *testing.T) {
	tests := map[string]string{
		"add task: buy milk":               "buy milk",
		"Add a task to call the plumber":   "call the plumber",
		"add  task   pick up   the keys":  "pick up the keys",
		"add todo water the plants":        "water the plants",
		"add task:":                        "",
		"add to my to-do list: renew visa": "renew visa",
	}
	for in, want := range tests {
		if got := ExtractItem(in); got != want {
			t.Errorf("ExtractItem(%q) = %q, want %q", in, got, want)
		}
	}
}
