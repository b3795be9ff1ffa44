// Package auth turns a bearer credential into an Identity. Nothing else in
// the service constructs an Identity, so a live connection always belongs
// to an authenticated user.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"dm-service/internal/apperr"
)

// AccessTokenCookie is the cookie browsers send the credential in.
const AccessTokenCookie = "accessToken"

type Identity struct {
	UserID int64
	Token  string
}

// TokenValidator checks a credential with the auth service.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (int64, error)
}

// RevocationList reports tokens invalidated by logout before they expire.
type RevocationList interface {
	IsRevoked(ctx context.Context, token string) (bool, error)
}

type Authenticator struct {
	validator TokenValidator
	revoked   RevocationList
}

// NewAuthenticator builds an Authenticator. revoked may be nil.
func NewAuthenticator(validator TokenValidator, revoked RevocationList) *Authenticator {
	return &Authenticator{validator: validator, revoked: revoked}
}

// Authenticate validates token. Every failure wraps ErrUnauthorized except an
// unreachable auth service, which is ErrUpstream.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, fmt.Errorf("%w: missing token", apperr.ErrUnauthorized)
	}

	if a.revoked != nil {
		revoked, err := a.revoked.IsRevoked(ctx, token)
		if err != nil {
			// fail closed
			log.Warn().Err(err).Msg("revocation list unavailable")
			return Identity{}, fmt.Errorf("%w: revocation check failed", apperr.ErrUnauthorized)
		}
		if revoked {
			return Identity{}, fmt.Errorf("%w: token revoked", apperr.ErrUnauthorized)
		}
	}

	userID, err := a.validator.ValidateToken(ctx, token)
	if err != nil {
		if errors.Is(err, apperr.ErrUpstream) {
			return Identity{}, err
		}
		return Identity{}, fmt.Errorf("%w: %v", apperr.ErrUnauthorized, err)
	}
	if userID <= 0 {
		return Identity{}, fmt.Errorf("%w: invalid token", apperr.ErrUnauthorized)
	}
	return Identity{UserID: userID, Token: token}, nil
}

// TokenFromRequest extracts the credential from the Authorization header,
// the token query parameter or the access token cookie, in that order.
func TokenFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if cookie, err := r.Cookie(AccessTokenCookie); err == nil {
		return cookie.Value
	}
	return ""
}
