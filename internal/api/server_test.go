package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/BTreeMap/ConvoPipe/internal/flow"
	"github.com/BTreeMap/ConvoPipe/internal/models"
	"github.com/BTreeMap/ConvoPipe/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "secret-key"

func newTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	sessions, _ := testutil.NewSessions(t)
	opts = append([]Option{WithAPIKey(testKey), WithRateLimit(0, 0)}, opts...)
	s, err := NewServer(sessions, opts...)
	require.NoError(t, err)
	return s
}

func do(t *testing.T, s *Server, method, path, body string, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var rdr *bytes.Reader
	if body != "" {
		rdr = bytes.NewReader([]byte(body))
	} else {
		rdr = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		req.Header.Set(APIKeyHeader, testKey)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNewServer_RequiresKeyUnlessInsecure(t *testing.T) {
	sessions, _ := testutil.NewSessions(t)

	_, err := NewServer(sessions)
	assert.ErrorIs(t, err, ErrNoAPIKey)

	s, err := NewServer(sessions, WithInsecure(true))
	require.NoError(t, err)
	rec := do(t, s, http.MethodGet, "/conversations", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/health", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("convopipe_flow_turns_total 0\n"))
	})
	s := newTestServer(t, WithMetricsHandler(metrics))
	rec := do(t, s, http.MethodGet, "/metrics", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "convopipe_flow_turns_total")
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t)
	for _, path := range []string{"/conversations", "/conversations/abc"} {
		rec := do(t, s, http.MethodGet, path, "", false)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}

	req := httptest.NewRequest(http.MethodPost, "/advance", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(APIKeyHeader, "wrong")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStatelessAdvance(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/advance", `{"state":{"id":"c1"},"input":"My name is Jane"}`, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var st models.ConversationState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, models.StageAwaitHuman, st.Stage)
	assert.Equal(t, "Jane", st.Identity.DisplayName())

	body, err := json.Marshal(AdvanceRequest{State: st, Input: "Yes, tomorrow works"})
	require.NoError(t, err)
	rec = do(t, s, http.MethodPost, "/advance", string(body), true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, models.StageTerminated, st.Stage)

	list := do(t, s, http.MethodGet, "/conversations", "", true)
	var ids []string
	testutil.DecodeEnvelope(t, list, "ok", &ids)
	assert.Empty(t, ids, "the stateless endpoint never persists")
}

func TestStatelessAdvance_Errors(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/advance", `{"state":`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/advance", `{"state":{"id":"c","stage":"DANCING"},"input":"hi"}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	env := testutil.DecodeEnvelope(t, rec, "error", nil)
	assert.Contains(t, env.Message, "invalid conversation stage")
}

func TestAdvance_ValidationErrorIs400(t *testing.T) {
	sessions, _ := testutil.NewSessions(t, flow.WithRequiredFields("name"))
	s, err := NewServer(sessions, WithAPIKey(testKey))
	require.NoError(t, err)

	rec := do(t, s, http.MethodPost, "/advance", `{"state":{"id":"c"},"input":""}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	env := testutil.DecodeEnvelope(t, rec, "error", nil)
	assert.Contains(t, env.Message, "name")
}

func TestConversationLifecycle(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/conversations", `{"id":"sam","name":"Sam"}`, true)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created TurnResponse
	testutil.DecodeEnvelope(t, rec, "ok", &created)
	assert.Equal(t, "sam", created.ID)
	assert.True(t, created.Persisted)
	require.Len(t, created.Replies, 1)
	assert.Equal(t, "Hello Sam! Would you like to schedule the kitchen faucet installation with Dave's Plumbing?", created.Replies[0].Content)

	rec = do(t, s, http.MethodPost, "/conversations", `{"id":"sam"}`, true)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, s, http.MethodPost, "/conversations/sam/advance", `{"input":"no thanks"}`, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var turn TurnResponse
	testutil.DecodeEnvelope(t, rec, "ok", &turn)
	assert.Equal(t, models.SentimentNegative, turn.State.Sentiment)
	assert.NotEmpty(t, turn.Replies)

	rec = do(t, s, http.MethodGet, "/conversations/sam", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var mem models.PersistedMemory
	testutil.DecodeEnvelope(t, rec, "ok", &mem)
	require.NotNil(t, mem.Name)
	assert.Equal(t, "Sam", *mem.Name)

	rec = do(t, s, http.MethodGet, "/conversations", "", true)
	var ids []string
	testutil.DecodeEnvelope(t, rec, "ok", &ids)
	assert.Equal(t, []string{"sam"}, ids)

	rec = do(t, s, http.MethodDelete, "/conversations/sam", "", true)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodGet, "/conversations/sam", "", true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateConversation_GeneratesID(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s, http.MethodPost, "/conversations", "", true)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created TurnResponse
	testutil.DecodeEnvelope(t, rec, "ok", &created)
	assert.Len(t, created.ID, 36)
	assert.Equal(t, models.StageAwaitHuman, created.State.Stage)
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(t, WithRateLimit(0.001, 2))
	for i := 0; i < 2; i++ {
		rec := do(t, s, http.MethodGet, "/conversations", "", true)
		assert.Equal(t, http.StatusOK, rec.Code)
	}
	rec := do(t, s, http.MethodGet, "/conversations", "", true)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = do(t, s, http.MethodGet, "/health", "", false)
	assert.Equal(t, http.StatusOK, rec.Code, "health is not rate limited")
}

func TestWebhookBypassesAuth(t *testing.T) {
	var called bool
	hook := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusNoContent)
	})
	s := newTestServer(t, WithWebhook("/webhooks/test", hook))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/test", strings.NewReader("From=x&Body=y"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, called)
}
