package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"linkup/internal/models"
)

const maxNotifications = 100

func (h *Handlers) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if limit == 0 || limit > maxNotifications {
		limit = maxNotifications
	}

	notifications, err := h.store.ListNotifications(r.Context(), currentUser(r).UserID, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if notifications == nil {
		notifications = []models.Notification{}
	}
	writeJSON(w, http.StatusOK, notifications)
}

func (h *Handlers) handleReadNotification(w http.ResponseWriter, r *http.Request) {
	if err := h.store.MarkNotificationRead(r.Context(), chi.URLParam(r, "id"), currentUser(r).UserID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) handleOnlineUsers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"users": h.chat.OnlineUsers()})
}

func (h *Handlers) handlePresence(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":  userID,
		"online":   h.chat.IsOnline(userID),
		"sessions": h.chat.SessionCount(userID),
	})
}
