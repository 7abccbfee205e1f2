package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/tetherchat/tether/internal/security"
	"github.com/tetherchat/tether/internal/store"
)

type statusResponse struct {
	Status            string `json:"status"`
	Uptime            string `json:"uptime"`
	ActiveConnections int    `json:"active_connections"`
	TotalConnections  int64  `json:"total_connections"`
	TotalMessages     int64  `json:"total_messages"`
	OnlineUsers       int    `json:"online_users"`
}

type summaryResponse struct {
	Users          []store.User   `json:"users"`
	UnseenMessages map[string]int `json:"unseenMessages"`
}

type conversationResponse struct {
	Messages []store.Message `json:"messages"`
}

type sendMessageRequest struct {
	Text  string `json:"text"`
	Image string `json:"image,omitempty"`
}

type sendMessageResponse struct {
	NewMessage store.Message `json:"newMessage"`
}

type successResponse struct {
	Success bool `json:"success"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("writing response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// requireIdentity resolves the caller's user id or writes a 401.
func requireIdentity(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := security.ExtractUserID(r)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing "+security.IdentityHeader+" header")
		return "", false
	}
	return userID, true
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Status:            "ok",
		Uptime:            time.Since(h.startTime).Round(time.Second).String(),
		ActiveConnections: h.Stats.ConnectionCount(),
		TotalConnections:  h.Stats.TotalConnections(),
		TotalMessages:     h.Stats.TotalMessages(),
		OnlineUsers:       len(h.Registry.Online()),
	})
}

// handleSummary returns the contact list (everyone but the caller) and
// the caller's unseen counts keyed by sender.
func (h *Handler) handleSummary(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	users, err := h.Store.ListUsers(r.Context(), userID)
	if err != nil {
		slog.Error("listing users", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "listing users failed")
		return
	}
	counts, err := h.Aggregator.Snapshot(r.Context(), userID)
	if err != nil {
		slog.Error("unseen snapshot", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "unseen snapshot failed")
		return
	}
	if users == nil {
		users = []store.User{}
	}
	writeJSON(w, http.StatusOK, summaryResponse{Users: users, UnseenMessages: counts})
}

// handleConversation returns the full thread with the partner and marks
// the partner's messages to the caller as seen.
func (h *Handler) handleConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	partnerID := r.PathValue("partnerId")
	if partnerID == "" {
		writeError(w, http.StatusBadRequest, "missing partner id")
		return
	}

	msgs, err := h.Store.Conversation(r.Context(), userID, partnerID)
	if err != nil {
		slog.Error("loading conversation", "user_id", userID, "partner_id", partnerID, "error", err)
		writeError(w, http.StatusInternalServerError, "loading conversation failed")
		return
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	writeJSON(w, http.StatusOK, conversationResponse{Messages: msgs})
}

// handleSendMessage persists the message and attempts real-time
// delivery. Only persistence failures surface to the caller.
func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	partnerID := r.PathValue("partnerId")
	if partnerID == "" {
		writeError(w, http.StatusBadRequest, "missing partner id")
		return
	}

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	msg := &store.Message{
		SenderID:    userID,
		RecipientID: partnerID,
		Text:        req.Text,
		Image:       req.Image,
	}
	if err := h.Broadcaster.Send(r.Context(), msg); err != nil {
		if errors.Is(err, store.ErrInvalidMessage) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		slog.Error("sending message", "sender_id", userID, "recipient_id", partnerID, "error", err)
		writeError(w, http.StatusInternalServerError, "sending message failed")
		return
	}
	h.Stats.IncrementMessages()

	writeJSON(w, http.StatusCreated, sendMessageResponse{NewMessage: *msg})
}

// handleMarkSeen flags one message as seen. Repeat calls succeed.
func (h *Handler) handleMarkSeen(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireIdentity(w, r); !ok {
		return
	}
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing message id")
		return
	}

	if err := h.Store.MarkSeen(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "message not found")
			return
		}
		slog.Error("marking message seen", "message_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "marking message seen failed")
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}
