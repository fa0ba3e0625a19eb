package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerify(t *testing.T) {
	svc := NewService("test-secret-0123456789", "linkup", time.Hour)

	token, err := svc.IssueToken("user-1", "alice")
	require.NoError(t, err)

	claims, err := svc.VerifyToken("Bearer " + token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "alice", claims.Username)
}

func TestVerifyRejectsBadTokens(t *testing.T) {
	svc := NewService("test-secret-0123456789", "linkup", time.Hour)
	other := NewService("another-secret-987654321", "linkup", time.Hour)
	foreign := NewService("test-secret-0123456789", "someone-else", time.Hour)

	otherToken, err := other.IssueToken("user-1", "alice")
	require.NoError(t, err)
	foreignToken, err := foreign.IssueToken("user-1", "alice")
	require.NoError(t, err)

	_, err = svc.VerifyToken("")
	assert.ErrorIs(t, err, ErrMissingToken)

	_, err = svc.VerifyToken("not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = svc.VerifyToken(otherToken)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = svc.VerifyToken(foreignToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyExpired(t *testing.T) {
	svc := NewService("test-secret-0123456789", "linkup", time.Minute)
	svc.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }

	token, err := svc.IssueToken("user-1", "alice")
	require.NoError(t, err)

	svc.now = time.Now
	_, err = svc.VerifyToken(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?token=from-query", nil)
	r.Header.Set("Authorization", "Bearer from-header")
	assert.Equal(t, "from-query", TokenFromRequest(r))

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Authorization", "Bearer from-header")
	r.AddCookie(&http.Cookie{Name: CookieName, Value: "from-cookie"})
	assert.Equal(t, "from-header", TokenFromRequest(r))

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.AddCookie(&http.Cookie{Name: CookieName, Value: "from-cookie"})
	assert.Equal(t, "from-cookie", TokenFromRequest(r))

	assert.Empty(t, TokenFromRequest(httptest.NewRequest(http.MethodGet, "/ws", nil)))
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("correct horse")
	require.NoError(t, err)

	assert.True(t, CheckPassword(hash, "correct horse"))
	assert.False(t, CheckPassword(hash, "wrong horse"))
}
