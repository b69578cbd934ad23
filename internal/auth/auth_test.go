package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MrGodgames/Space-Point/internal/models"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUsers map[string]*models.User

func (f fakeUsers) GetUser(_ context.Context, id string) (*models.User, error) {
	return f[id], nil
}

func TestIssueAndVerify(t *testing.T) {
	alice := &models.User{ID: "u1", Login: "alice"}
	a := NewAuthenticator("secret", fakeUsers{"u1": alice})

	token, err := a.IssueToken(alice)
	require.NoError(t, err)

	claims, err := a.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "alice", claims.Login)

	other := NewAuthenticator("other-secret", fakeUsers{})
	_, err = other.Verify(token)
	assert.True(t, errors.Is(err, ErrInvalidIdentity))
}

func TestExpiredToken(t *testing.T) {
	alice := &models.User{ID: "u1", Login: "alice"}
	a := NewAuthenticator("secret", fakeUsers{"u1": alice})
	a.ttl = -time.Minute

	token, err := a.IssueToken(alice)
	require.NoError(t, err)
	_, err = a.Verify(token)
	assert.True(t, errors.Is(err, ErrInvalidIdentity))
}

func TestGetUserFromRequest(t *testing.T) {
	alice := &models.User{ID: "u1", Login: "alice"}
	a := NewAuthenticator("secret", fakeUsers{"u1": alice})
	token, err := a.IssueToken(alice)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil)
	user, err := a.GetUser(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, alice, user)

	r = httptest.NewRequest(http.MethodGet, "/api/me", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	user, err = a.GetUser(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Login)

	r = httptest.NewRequest(http.MethodGet, "/api/me", nil)
	_, err = a.GetUser(context.Background(), r)
	assert.True(t, errors.Is(err, ErrInvalidIdentity))
}

func TestUnknownUserRejected(t *testing.T) {
	ghost := &models.User{ID: "gone", Login: "ghost"}
	a := NewAuthenticator("secret", fakeUsers{})
	token, err := a.IssueToken(ghost)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil)
	_, err = a.GetUser(context.Background(), r)
	assert.True(t, errors.Is(err, ErrInvalidIdentity))
}

func TestMiddleware(t *testing.T) {
	alice := &models.User{ID: "u1", Login: "alice"}
	a := NewAuthenticator("secret", fakeUsers{"u1": alice})
	token, _ := a.IssueToken(alice)

	var seen *models.User
	h := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = UserFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Nil(t, seen)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, alice, seen)
}
