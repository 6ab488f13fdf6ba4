package httpserver

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"swiftchat/internal/domain"
	"swiftchat/internal/pipeline"
	"swiftchat/internal/protocol"
	"swiftchat/internal/registry"
	"swiftchat/internal/service"
)

type conversationCreateRequest struct {
	Name           *string `json:"name"`
	Type           string  `json:"type" validate:"required,oneof=direct group"`
	ParticipantIDs []int64 `json:"participant_ids" validate:"required,min=1"`
}

func handleCreateConversation(convSvc *service.ConversationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		currentUser := CurrentUser(r)
		if currentUser == nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		var req conversationCreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
			return
		}
		if err := validate.Struct(req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}

		conv, err := convSvc.CreateConversation(r.Context(), service.ConversationCreateInput{
			Name:           req.Name,
			Type:           domain.ConversationType(req.Type),
			ParticipantIDs: req.ParticipantIDs,
		}, currentUser.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, conv)
	}
}

func handleListConversations(convSvc *service.ConversationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		currentUser := CurrentUser(r)
		if currentUser == nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		convs, err := convSvc.ListForUser(r.Context(), currentUser.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		if convs == nil {
			convs = []*domain.Conversation{}
		}
		writeJSON(w, http.StatusOK, convs)
	}
}

func handleGetConversation(convSvc *service.ConversationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		currentUser := CurrentUser(r)
		if currentUser == nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		id, err := conversationID(r)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid conversation id"})
			return
		}
		conv, err := convSvc.GetConversation(r.Context(), id, currentUser.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, conv)
	}
}

func handleListMessages(convSvc *service.ConversationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		currentUser := CurrentUser(r)
		if currentUser == nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		id, err := conversationID(r)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid conversation id"})
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

		msgs, err := convSvc.ListMessages(r.Context(), id, currentUser.ID, limit)
		if err != nil {
			writeError(w, err)
			return
		}
		if msgs == nil {
			msgs = []*domain.Message{}
		}
		writeJSON(w, http.StatusOK, msgs)
	}
}

type messageCreateRequest struct {
	Content        string `json:"content" validate:"required"`
	MessageType    string `json:"message_type"`
	IdempotencyKey string `json:"idempotency_key"`
}

// handleCreateMessage sends a message over REST. It runs through the same
// pipeline as the websocket path, so persistence, dedupe and fan-out to
// connected devices behave identically.
func handleCreateMessage(pipe *pipeline.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		currentUser := CurrentUser(r)
		if currentUser == nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		id, err := conversationID(r)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid conversation id"})
			return
		}
		var req messageCreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
			return
		}
		if req.MessageType == "" {
			req.MessageType = string(domain.MessageText)
		}

		msg, err := pipe.Submit(r.Context(), pipeline.Input{
			SenderID:       currentUser.ID,
			SenderUsername: currentUser.Username,
			ConversationID: id,
			Content:        req.Content,
			MessageType:    domain.MessageType(req.MessageType),
			IdempotencyKey: req.IdempotencyKey,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, msg)
	}
}

func handleMarkConversationRead(convSvc *service.ConversationService, reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		currentUser := CurrentUser(r)
		if currentUser == nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		id, err := conversationID(r)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid conversation id"})
			return
		}
		if err := convSvc.MarkRead(r.Context(), id, currentUser.ID); err != nil {
			writeError(w, err)
			return
		}

		// Tell the participants' live connections so open clients can clear
		// unread badges without polling.
		if ids, err := convSvc.ParticipantIDs(r.Context(), id); err == nil {
			frame := protocol.NewMessagesReadFrame(id, currentUser.ID, currentUser.Username)
			for _, uid := range ids {
				for _, h := range reg.Resolve(uid) {
					_ = h.Deliver(frame)
				}
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
	}
}

func conversationID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "conversationID"), 10, 64)
}
