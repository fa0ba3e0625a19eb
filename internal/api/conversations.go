package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"linkup/internal/apperrors"
	"linkup/internal/models"
)

func (h *Handlers) handleListConversations(w http.ResponseWriter, r *http.Request) {
	conversations, err := h.chat.ListConversations(r.Context(), currentUser(r).UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conversations)
}

func (h *Handlers) handleStartConversation(w http.ResponseWriter, r *http.Request) {
	var req models.CreateConversationRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	conv, err := h.chat.StartConversation(r.Context(), currentUser(r).UserID, req.ParticipantID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *Handlers) handleListMessages(w http.ResponseWriter, r *http.Request) {
	var before int64
	if raw := r.URL.Query().Get("before"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			h.writeError(w, r, apperrors.Validation("before must be a message sequence number"))
			return
		}
		before = n
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	messages, err := h.chat.ListMessages(r.Context(), currentUser(r).UserID, chi.URLParam(r, "id"), before, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

func (h *Handlers) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req models.SendMessageRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	msg, err := h.chat.SendMessage(r.Context(), currentUser(r).UserID, chi.URLParam(r, "id"), req.Content, req.Attachments)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *Handlers) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	changed, err := h.chat.MarkRead(r.Context(), currentUser(r).UserID, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"updated": changed})
}

func (h *Handlers) handleArchive(w http.ResponseWriter, r *http.Request) {
	h.setFlag(w, r, h.chat.SetArchived)
}

func (h *Handlers) handleMute(w http.ResponseWriter, r *http.Request) {
	h.setFlag(w, r, h.chat.SetMuted)
}

func (h *Handlers) setFlag(w http.ResponseWriter, r *http.Request,
	set func(ctx context.Context, userID, conversationID string, value bool) error) {
	var req models.FlagRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := set(r.Context(), currentUser(r).UserID, chi.URLParam(r, "id"), *req.Value); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	total, err := h.chat.UnreadTotal(r.Context(), currentUser(r).UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": total})
}

func (h *Handlers) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	if err := h.chat.DeleteMessageForMe(r.Context(), currentUser(r).UserID, chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) handleReaction(w http.ResponseWriter, r *http.Request) {
	var req models.ReactionRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	added, err := h.chat.ToggleReaction(r.Context(), currentUser(r).UserID, chi.URLParam(r, "id"), req.Type)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"added": added})
}
