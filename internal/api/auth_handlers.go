package api

import (
	"net/http"
	"strings"

	"linkup/internal/apperrors"
	"linkup/internal/auth"
	"linkup/internal/models"
)

func (h *Handlers) setAuthCookie(w http.ResponseWriter, token string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.opts.SecureCookies,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   maxAge,
	})
}

// issueSession signs a token for user, sets the cookie and answers with both.
func (h *Handlers) issueSession(w http.ResponseWriter, r *http.Request, status int, user *models.User) {
	token, err := h.auth.IssueToken(user.ID, user.Username)
	if err != nil {
		h.writeError(w, r, apperrors.Internal(err))
		return
	}
	h.setAuthCookie(w, token, int(h.auth.TTL().Seconds()))
	writeJSON(w, status, models.LoginResponse{Token: token, User: *user})
}

func (h *Handlers) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	hashed, err := auth.HashPassword(req.Password)
	if err != nil {
		h.writeError(w, r, apperrors.Internal(err))
		return
	}

	user := &models.User{
		Username: strings.TrimSpace(req.Username),
		Password: hashed,
		Headline: req.Headline,
		Avatar:   req.Avatar,
	}
	if err := h.store.CreateUser(r.Context(), user); err != nil {
		h.writeError(w, r, err)
		return
	}

	h.issueSession(w, r, http.StatusCreated, user)
}

func (h *Handlers) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	user, err := h.store.GetUserByUsername(r.Context(), req.Username)
	if err != nil {
		if apperrors.KindOf(err) == apperrors.KindNotFound {
			err = apperrors.Authentication("invalid credentials")
		}
		h.writeError(w, r, err)
		return
	}
	if !auth.CheckPassword(user.Password, req.Password) {
		h.writeError(w, r, apperrors.Authentication("invalid credentials"))
		return
	}

	h.issueSession(w, r, http.StatusOK, user)
}

func (h *Handlers) handleLogout(w http.ResponseWriter, r *http.Request) {
	h.setAuthCookie(w, "", -1)
	w.WriteHeader(http.StatusOK)
}

func (h *Handlers) handleVerify(w http.ResponseWriter, r *http.Request) {
	user, err := h.store.GetUserByID(r.Context(), currentUser(r).UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}
