package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"linkup/internal/models"
)

const maxSearchResults = 50

type userProfile struct {
	*models.User
	Degree int  `json:"degree"`
	Online bool `json:"online"`
}

func (h *Handlers) handleSearchUsers(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 20)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if limit == 0 || limit > maxSearchResults {
		limit = maxSearchResults
	}

	users, err := h.store.SearchUsers(r.Context(), r.URL.Query().Get("search"), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	response := make([]models.UserSummary, 0, len(users))
	for _, u := range users {
		response = append(response, u.Summary())
	}
	writeJSON(w, http.StatusOK, response)
}

// handleGetUser returns a profile with its degree relative to the caller.
func (h *Handlers) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.store.GetUserByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	degree, err := h.graph.GetDegree(r.Context(), currentUser(r).UserID, user.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, userProfile{
		User:   user,
		Degree: degree,
		Online: h.chat.IsOnline(user.ID),
	})
}
