package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"linkup/internal/apperrors"
	"linkup/internal/models"
)

const maxGraphLimit = 100

func (h *Handlers) handleSendRequest(w http.ResponseWriter, r *http.Request) {
	var req models.SendConnectionRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	created, err := h.graph.SendRequest(r.Context(), currentUser(r).UserID, req.ReceiverID, req.Message)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handlers) handleListRequests(w http.ResponseWriter, r *http.Request) {
	var incoming bool
	switch r.URL.Query().Get("direction") {
	case "", "incoming":
		incoming = true
	case "outgoing":
	default:
		h.writeError(w, r, apperrors.Validation("direction must be incoming or outgoing"))
		return
	}

	requests, err := h.graph.ListRequests(r.Context(), currentUser(r).UserID, incoming)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, requests)
}

func (h *Handlers) handleAcceptRequest(w http.ResponseWriter, r *http.Request) {
	conn, err := h.graph.AcceptRequest(r.Context(), chi.URLParam(r, "id"), currentUser(r).UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conn)
}

func (h *Handlers) handleIgnoreRequest(w http.ResponseWriter, r *http.Request) {
	if err := h.graph.IgnoreRequest(r.Context(), chi.URLParam(r, "id"), currentUser(r).UserID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) handleWithdrawRequest(w http.ResponseWriter, r *http.Request) {
	if err := h.graph.WithdrawRequest(r.Context(), chi.URLParam(r, "id"), currentUser(r).UserID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) handleListConnections(w http.ResponseWriter, r *http.Request) {
	neighbors, err := h.graph.GetUserConnections(r.Context(), currentUser(r).UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, neighbors)
}

func (h *Handlers) handleRemoveConnection(w http.ResponseWriter, r *http.Request) {
	if err := h.graph.RemoveConnection(r.Context(), chi.URLParam(r, "id"), currentUser(r).UserID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) handleDegree(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "userID")
	if _, err := h.store.GetUserByID(r.Context(), target); err != nil {
		h.writeError(w, r, err)
		return
	}

	degree, err := h.graph.GetDegree(r.Context(), currentUser(r).UserID, target)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.DegreeResponse{UserID: target, Degree: degree})
}

func (h *Handlers) handleMutual(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", h.opts.MutualLimit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if limit > maxGraphLimit {
		limit = maxGraphLimit
	}

	mutuals, err := h.graph.GetMutualConnections(r.Context(), currentUser(r).UserID, chi.URLParam(r, "userID"), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mutuals)
}

func (h *Handlers) handleSuggestions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", h.opts.SuggestionLimit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if limit > maxGraphLimit {
		limit = maxGraphLimit
	}

	suggestions, err := h.graph.GetSuggestions(r.Context(), currentUser(r).UserID, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, suggestions)
}
