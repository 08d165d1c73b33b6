package relay

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/difyrelay/internal/dify"
)

type userBody struct {
	User string `json:"user,omitempty" validate:"omitempty,max=256"`
}

type feedbackBody struct {
	Rating string `json:"rating" validate:"required,oneof=like dislike"`
	User   string `json:"user,omitempty" validate:"omitempty,max=256"`
}

type renameBody struct {
	Name string `json:"name" validate:"required,max=256"`
	User string `json:"user,omitempty" validate:"omitempty,max=256"`
}

// decodeValid decodes and validates a JSON body. An empty body decodes to
// the zero value when optional is set.
func (h *Handler) decodeValid(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.SSE.MaxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF) && optional:
		case errors.As(err, &tooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		default:
			writeError(w, http.StatusBadRequest, "invalid request body")
			return false
		}
	}
	if err := validate.Struct(v); err != nil {
		writeRequestError(w, validationError(err))
		return false
	}
	return true
}

// HandleStop asks the provider to stop the generation of a task.
func (h *Handler) HandleStop(w http.ResponseWriter, r *http.Request) {
	var body userBody
	if !h.decodeValid(w, r, &body, true) {
		return
	}
	user := h.userFor(r, body.User)
	up, log, ok := h.passthrough(w, r, user)
	if !ok {
		return
	}

	taskID := chi.URLParam(r, "taskID")
	res, err := up.StopGeneration(r.Context(), taskID, user)
	if err != nil {
		upstreamFailed(w, log, "stop", err)
		return
	}
	log.Info("Generation stopped", "task_id", taskID)
	writeJSON(w, http.StatusOK, res)
}

// HandleSuggested returns the follow-up questions for a message.
func (h *Handler) HandleSuggested(w http.ResponseWriter, r *http.Request) {
	user := h.userFor(r, r.URL.Query().Get("user"))
	up, log, ok := h.passthrough(w, r, user)
	if !ok {
		return
	}

	questions, err := up.SuggestedQuestions(r.Context(), chi.URLParam(r, "messageID"), user)
	if err != nil {
		upstreamFailed(w, log, "suggested", err)
		return
	}
	if questions == nil {
		questions = []dify.SuggestedQuestion{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": "success", "data": questions})
}

// HandleFeedback rates a message.
func (h *Handler) HandleFeedback(w http.ResponseWriter, r *http.Request) {
	var body feedbackBody
	if !h.decodeValid(w, r, &body, false) {
		return
	}
	user := h.userFor(r, body.User)
	up, log, ok := h.passthrough(w, r, user)
	if !ok {
		return
	}

	res, err := up.MessageFeedback(r.Context(), chi.URLParam(r, "messageID"), dify.Rating(body.Rating), user)
	if err != nil {
		upstreamFailed(w, log, "feedback", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleListConversations lists the user's conversations, newest first.
func (h *Handler) HandleListConversations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	user := h.userFor(r, q.Get("user"))
	up, log, ok := h.passthrough(w, r, user)
	if !ok {
		return
	}

	list, err := up.ListConversations(r.Context(), user, q.Get("last_id"), queryLimit(r))
	if err != nil {
		upstreamFailed(w, log, "list_conversations", err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// HandleRenameConversation renames a conversation.
func (h *Handler) HandleRenameConversation(w http.ResponseWriter, r *http.Request) {
	var body renameBody
	if !h.decodeValid(w, r, &body, false) {
		return
	}
	user := h.userFor(r, body.User)
	up, log, ok := h.passthrough(w, r, user)
	if !ok {
		return
	}

	res, err := up.RenameConversation(r.Context(), chi.URLParam(r, "conversationID"), body.Name, user)
	if err != nil {
		upstreamFailed(w, log, "rename_conversation", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleDeleteConversation deletes a conversation.
func (h *Handler) HandleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	user := h.userFor(r, r.URL.Query().Get("user"))
	up, log, ok := h.passthrough(w, r, user)
	if !ok {
		return
	}

	conversationID := chi.URLParam(r, "conversationID")
	res, err := up.DeleteConversation(r.Context(), conversationID, user)
	if err != nil {
		upstreamFailed(w, log, "delete_conversation", err)
		return
	}
	log.Info("Conversation deleted", "conversation_id", conversationID)
	writeJSON(w, http.StatusOK, res)
}

// HandleConversationMessages pages through a conversation's history.
func (h *Handler) HandleConversationMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	user := h.userFor(r, q.Get("user"))
	up, log, ok := h.passthrough(w, r, user)
	if !ok {
		return
	}

	list, err := up.GetConversationMessages(r.Context(), chi.URLParam(r, "conversationID"), user, q.Get("first_id"), queryLimit(r))
	if err != nil {
		upstreamFailed(w, log, "conversation_messages", err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// HandleInfo returns the application's name and description.
func (h *Handler) HandleInfo(w http.ResponseWriter, r *http.Request) {
	up, log, ok := h.passthrough(w, r, h.userFor(r, ""))
	if !ok {
		return
	}
	info, err := up.GetAppInfo(r.Context())
	if err != nil {
		upstreamFailed(w, log, "info", err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// HandleParameters returns the application's input form and features.
func (h *Handler) HandleParameters(w http.ResponseWriter, r *http.Request) {
	up, log, ok := h.passthrough(w, r, h.userFor(r, ""))
	if !ok {
		return
	}
	params, err := up.GetAppParameters(r.Context())
	if err != nil {
		upstreamFailed(w, log, "parameters", err)
		return
	}
	writeJSON(w, http.StatusOK, params)
}

// HandleConnect validates the credentials by fetching info and parameters.
func (h *Handler) HandleConnect(w http.ResponseWriter, r *http.Request) {
	up, log, ok := h.passthrough(w, r, h.userFor(r, ""))
	if !ok {
		return
	}
	conn, err := up.Connect(r.Context())
	if err != nil {
		upstreamFailed(w, log, "connect", err)
		return
	}
	log.Info("Dify application connected", "app", conn.Info.Name)
	writeJSON(w, http.StatusOK, conn)
}
