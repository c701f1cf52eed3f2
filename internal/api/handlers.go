package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/BTreeMap/HavenChat/internal/models"
)

// decodeJSON reads a bounded JSON body into v. An empty body is allowed when allowEmpty is set.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) && allowEmpty {
		return nil
	}
	return err
}

func (s *Server) writeDecodeError(w http.ResponseWriter, r *http.Request, err error) {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		writeError(w, r, err)
		return
	}
	slog.Debug("Server.decodeJSON: invalid body", "path", r.URL.Path, "error", err)
	writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"status": "ok"}))
}

func (s *Server) welcomeHandler(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.URL.Query().Get("name"))
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"greeting": s.chat.Welcome(name)}))
}

func (s *Server) resourcesHandler(w http.ResponseWriter, r *http.Request) {
	category := models.ResourceCategory(r.URL.Query().Get("type"))
	if category == "" {
		writeJSONResponse(w, http.StatusOK, models.Success(s.opts.Catalog.All()))
		return
	}
	if !models.IsValidResourceCategory(category) {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Unknown resource type"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(s.opts.Catalog.ByCategory(category)))
}

func (s *Server) listConversationsHandler(w http.ResponseWriter, r *http.Request) {
	convs, err := s.chat.ListConversations(r.Context(), UserIDFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(convs))
}

func (s *Server) createConversationHandler(w http.ResponseWriter, r *http.Request) {
	var req models.CreateConversationRequest
	if err := s.decodeJSON(w, r, &req, true); err != nil {
		s.writeDecodeError(w, r, err)
		return
	}
	result, err := s.chat.StartConversation(r.Context(), UserIDFromContext(r.Context()), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Conversation started", result))
}

func (s *Server) renameConversationHandler(w http.ResponseWriter, r *http.Request) {
	var req models.RenameConversationRequest
	if err := s.decodeJSON(w, r, &req, false); err != nil {
		s.writeDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, err)
		return
	}
	conv, err := s.chat.RenameConversation(r.Context(), UserIDFromContext(r.Context()), r.PathValue("id"), req.Title)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(conv))
}

func (s *Server) listMessagesHandler(w http.ResponseWriter, r *http.Request) {
	limit := models.DefaultMessageListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("limit must be a positive integer"))
			return
		}
		limit = n
	}
	msgs, err := s.chat.GetMessages(r.Context(), UserIDFromContext(r.Context()), r.PathValue("id"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(msgs))
}

func (s *Server) sendMessageHandler(w http.ResponseWriter, r *http.Request) {
	var req models.SendMessageRequest
	if err := s.decodeJSON(w, r, &req, false); err != nil {
		s.writeDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, err)
		return
	}
	result, err := s.chat.SendMessage(r.Context(), UserIDFromContext(r.Context()), r.PathValue("id"), req.Content)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if result.IsEmergency {
		slog.Warn("Server.sendMessageHandler: emergency reply served", "conversationID", r.PathValue("id"),
			"requestID", RequestIDFromContext(r.Context()))
	}
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

func (s *Server) insightsHandler(w http.ResponseWriter, r *http.Request) {
	in, err := s.chat.Insights(r.Context(), UserIDFromContext(r.Context()), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(in))
}
