package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt"
	"github.com/npezzotti/go-chatrelay/internal/database"
	"github.com/npezzotti/go-chatrelay/internal/types"
)

const (
	userIdClaim    = "user_id"
	tokenCookieKey = "token"
	tokenQueryKey  = "token"
)

var ErrUnauthorized = errors.New("unauthorized")

type contextKey string

const identityKey contextKey = "identity"

func WithIdentity(ctx context.Context, identity types.Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

// CurrentUser returns the identity stored by the auth middleware.
func CurrentUser(ctx context.Context) (types.Identity, bool) {
	identity, ok := ctx.Value(identityKey).(types.Identity)
	return identity, ok
}

// AuthVerifier resolves an HS256 bearer token to the user it was issued
// for.
type AuthVerifier struct {
	signingKey []byte
	users      database.UserStore
}

func NewAuthVerifier(signingKey []byte, users database.UserStore) *AuthVerifier {
	return &AuthVerifier{signingKey: signingKey, users: users}
}

// Verify checks the token signature and expiry and loads the user named by
// its user_id claim. Token problems and unknown users wrap ErrUnauthorized.
func (v *AuthVerifier) Verify(ctx context.Context, tokenString string) (types.Identity, error) {
	if tokenString == "" {
		return types.Identity{}, fmt.Errorf("%w: missing token", ErrUnauthorized)
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.signingKey, nil
	})
	if err != nil {
		return types.Identity{}, fmt.Errorf("%w: parse token: %v", ErrUnauthorized, err)
	}

	if !token.Valid {
		return types.Identity{}, fmt.Errorf("%w: invalid token", ErrUnauthorized)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return types.Identity{}, fmt.Errorf("%w: invalid token claims", ErrUnauthorized)
	}

	userId, ok := claims[userIdClaim].(float64)
	if !ok || userId <= 0 {
		return types.Identity{}, fmt.Errorf("%w: invalid user id claim", ErrUnauthorized)
	}

	user, err := v.users.GetUserById(ctx, int(userId))
	if err != nil {
		if errors.Is(err, database.ErrUserNotFound) {
			return types.Identity{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return types.Identity{}, fmt.Errorf("get user: %w", err)
	}

	return types.Identity{Id: user.Id, Name: user.Name}, nil
}

// tokenFromRequest reads the bearer token from the Authorization header,
// then the token query parameter, then the token cookie.
func tokenFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if ok && strings.EqualFold(scheme, "bearer") {
			return strings.TrimSpace(token)
		}
	}

	if token := r.URL.Query().Get(tokenQueryKey); token != "" {
		return token
	}

	if cookie, err := r.Cookie(tokenCookieKey); err == nil {
		return cookie.Value
	}

	return ""
}
