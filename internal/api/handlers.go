package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/ConvoPipe/internal/flow"
	"github.com/BTreeMap/ConvoPipe/internal/models"
	"github.com/BTreeMap/ConvoPipe/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// AdvanceRequest is the body of POST /advance.
type AdvanceRequest struct {
	State models.ConversationState `json:"state"`
	Input string                   `json:"input"`
}

// CreateConversationRequest is the body of POST /conversations.
type CreateConversationRequest struct {
	ID      string            `json:"id,omitempty"`
	Name    string            `json:"name,omitempty"`
	Contact map[string]string `json:"contact,omitempty"`
}

// TurnRequest is the body of POST /conversations/{id}/advance.
type TurnRequest struct {
	Input   string            `json:"input"`
	Name    string            `json:"name,omitempty"`
	Contact map[string]string `json:"contact,omitempty"`
}

// TurnResponse is the result of a session-backed turn.
type TurnResponse struct {
	ID        string                   `json:"id"`
	State     models.ConversationState `json:"state"`
	Replies   []models.Message         `json:"replies"`
	Persisted bool                     `json:"persisted"`
}

func newTurnResponse(id string, res *flow.TurnResult) TurnResponse {
	replies := res.Replies
	if replies == nil {
		replies = []models.Message{}
	}
	return TurnResponse{ID: id, State: res.State, Replies: replies, Persisted: res.SaveErr == nil}
}

// decodeBody decodes a JSON body into v. An empty body leaves v at its zero value.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(nil))
}

// advanceHandler runs one stateless turn. The caller owns the state; nothing is persisted.
func (s *Server) advanceHandler(w http.ResponseWriter, r *http.Request) {
	var req AdvanceRequest
	if err := decodeBody(w, r, &req); err != nil {
		slog.Warn("Server.advanceHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	next, err := s.engine.Advance(r.Context(), req.State, req.Input)
	if err != nil {
		slog.Warn("Server.advanceHandler: advance failed", "conversationID", req.State.ID, "error", err)
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, next)
}

func (s *Server) createConversationHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if err := decodeBody(w, r, &req); err != nil {
		slog.Warn("Server.createConversationHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}
	if err := models.ValidateIdentifier(id); err != nil {
		writeError(w, err)
		return
	}

	_, err := s.sessions.Get(r.Context(), id)
	switch {
	case err == nil:
		writeJSONResponse(w, http.StatusConflict, models.Error("Conversation already exists"))
		return
	case !errors.Is(err, store.ErrMemoryNotFound):
		slog.Error("Server.createConversationHandler: lookup failed", "conversationID", id, "error", err)
		writeError(w, err)
		return
	}

	res, err := s.sessions.Turn(r.Context(), id, "", flow.TurnOptions{Name: req.Name, Contact: req.Contact})
	if err != nil {
		writeError(w, err)
		return
	}
	slog.Info("Server.createConversationHandler: conversation created", "conversationID", id, "stage", res.State.Stage)
	writeJSONResponse(w, http.StatusCreated, models.Success(newTurnResponse(id, res)))
}

func (s *Server) advanceConversationHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req TurnRequest
	if err := decodeBody(w, r, &req); err != nil {
		slog.Warn("Server.advanceConversationHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	res, err := s.sessions.Turn(r.Context(), id, req.Input, flow.TurnOptions{Name: req.Name, Contact: req.Contact})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(newTurnResponse(id, res)))
}

func (s *Server) getConversationHandler(w http.ResponseWriter, r *http.Request) {
	mem, err := s.sessions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(mem))
}

func (s *Server) deleteConversationHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.sessions.Reset(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Conversation deleted", nil))
}

func (s *Server) listConversationsHandler(w http.ResponseWriter, r *http.Request) {
	ids, err := s.sessions.List(r.Context())
	if err != nil {
		slog.Error("Server.listConversationsHandler: list failed", "error", err)
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(ids))
}
