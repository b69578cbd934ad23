package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/MrGodgames/Space-Point/internal/models"
	"github.com/golang-jwt/jwt/v4"
	"github.com/pkg/errors"
)

// ErrInvalidIdentity is returned when a token cannot be resolved to a user.
var ErrInvalidIdentity = errors.New("invalid identity")

// contextKey is a custom type for context keys.
type contextKey string

const userContextKey contextKey = "user"

// Claims is the token payload.
type Claims struct {
	UserID string `json:"id"`
	Login  string `json:"login"`
	jwt.RegisteredClaims
}

// UserLookup resolves a verified user id to the stored user.
type UserLookup interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
}

// Authenticator turns bearer tokens into users.
type Authenticator struct {
	secret []byte
	users  UserLookup
	ttl    time.Duration
}

// NewAuthenticator creates a new authenticator.
func NewAuthenticator(secret string, users UserLookup) *Authenticator {
	return &Authenticator{
		secret: []byte(secret),
		users:  users,
		ttl:    7 * 24 * time.Hour,
	}
}

// IssueToken signs a token for the user.
func (a *Authenticator) IssueToken(user *models.User) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID: user.ID,
		Login:  user.Login,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Verify checks the token signature and expiry.
func (a *Authenticator) Verify(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, errors.Wrap(ErrInvalidIdentity, err.Error())
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.UserID == "" {
		return nil, ErrInvalidIdentity
	}
	return claims, nil
}

// GetUser extracts and verifies the caller of an HTTP request. The token
// is read from the Authorization header or, for browsers opening a
// WebSocket, from the token query parameter.
func (a *Authenticator) GetUser(ctx context.Context, r *http.Request) (*models.User, error) {
	token := bearerToken(r)
	if token == "" {
		return nil, errors.Wrap(ErrInvalidIdentity, "no token")
	}
	claims, err := a.Verify(token)
	if err != nil {
		return nil, err
	}
	user, err := a.users.GetUser(ctx, claims.UserID)
	if err != nil {
		return nil, errors.Wrap(err, "lookup user")
	}
	if user == nil {
		return nil, errors.Wrap(ErrInvalidIdentity, "unknown user")
	}
	return user, nil
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

// Middleware wraps an HTTP handler and adds the user to the context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := a.GetUser(r.Context(), r)
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}

// WithUser stores the user in the context.
func WithUser(ctx context.Context, user *models.User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

// UserFromContext retrieves the user from the request context.
func UserFromContext(ctx context.Context) *models.User {
	user, ok := ctx.Value(userContextKey).(*models.User)
	if !ok {
		return nil
	}
	return user
}
