package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"linkup/internal/apperrors"
	"linkup/internal/auth"
)

type contextKey string

const userContextKey contextKey = "user"

type principal struct {
	UserID   string
	Username string
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("Request completed",
				zap.String("request_id", chimiddleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)))
		})
	}
}

// authenticate resolves the caller from the token and rejects the request
// when the token is missing, invalid or names a user that no longer exists.
func (h *Handlers) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := auth.TokenFromRequest(r)
		if token == "" {
			h.writeError(w, r, apperrors.Authentication("authentication required"))
			return
		}
		claims, err := h.auth.VerifyToken(token)
		if errors.Is(err, auth.ErrExpiredToken) {
			h.writeError(w, r, apperrors.Authentication("token expired"))
			return
		}
		if err != nil {
			h.writeError(w, r, apperrors.Authentication("invalid token"))
			return
		}
		if _, err := h.store.GetUserByID(r.Context(), claims.UserID); err != nil {
			if apperrors.KindOf(err) == apperrors.KindNotFound {
				err = apperrors.Authentication("user no longer exists")
			}
			h.writeError(w, r, err)
			return
		}

		ctx := context.WithValue(r.Context(), userContextKey, principal{UserID: claims.UserID, Username: claims.Username})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func currentUser(r *http.Request) principal {
	p, _ := r.Context().Value(userContextKey).(principal)
	return p
}
