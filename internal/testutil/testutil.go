// Package testutil provides common test helpers for ConvoPipe packages.
package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BTreeMap/ConvoPipe/internal/flow"
	"github.com/BTreeMap/ConvoPipe/internal/models"
	"github.com/BTreeMap/ConvoPipe/internal/store"
)

// NewSessions builds an engine with the default playbook and a session
// manager over a fresh in-memory store, which is returned for inspection.
func NewSessions(t testing.TB, opts ...flow.Option) (*flow.SessionManager, *store.InMemoryStore) {
	t.Helper()
	engine, err := flow.NewEngine(opts...)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	st := store.NewInMemoryStore()
	return flow.NewSessionManager(engine, st), st
}

// AwaitingState returns a conversation that greeted a known human and waits for a reply.
func AwaitingState(id, name string) models.ConversationState {
	st := models.NewConversationState(id)
	st.Identity.Name = &name
	st.Stage = models.StageAwaitHuman
	st.Transcript = []models.Message{{Role: models.RoleAgent, Content: "How can I help you today?"}}
	return st
}

// CreateHTTPRequest creates an HTTP request with an optional JSON body.
func CreateHTTPRequest(t testing.TB, method, url string, body interface{}) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		buf.Write(MustMarshalJSON(t, body))
	}
	req := httptest.NewRequest(method, url, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t testing.TB, expected int, rr *httptest.ResponseRecorder, context string) {
	t.Helper()
	if rr.Code != expected {
		t.Errorf("%s: expected status %d, got %d (body %s)", context, expected, rr.Code, rr.Body.String())
	}
}

// DecodeEnvelope decodes an APIResponse, checks its status and decodes its
// result into result when result is non-nil.
func DecodeEnvelope(t testing.TB, rr *httptest.ResponseRecorder, expectedStatus string, result interface{}) models.APIResponse {
	t.Helper()
	var env struct {
		models.APIResponse
		Result json.RawMessage `json:"result"`
	}
	MustUnmarshalJSON(t, rr.Body.Bytes(), &env)
	if env.Status != expectedStatus {
		t.Errorf("expected status %q, got %q (message %q)", expectedStatus, env.Status, env.Message)
	}
	if result != nil {
		MustUnmarshalJSON(t, env.Result, result)
	}
	return env.APIResponse
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t testing.TB, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t testing.TB, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON %q: %v", data, err)
	}
}
