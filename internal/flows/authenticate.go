package flows

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MrEthical07/authgate/apikey"
	"github.com/MrEthical07/authgate/internal"
	"github.com/MrEthical07/authgate/jwt"
)

// AuthFailureKind classifies authentication failures for root-level mapping.
type AuthFailureKind int

const (
	AuthFailureNone AuthFailureKind = iota
	// AuthFailureMalformed: the credential is neither a token nor a key.
	AuthFailureMalformed
	// AuthFailureToken: signature, expiry, type or claims check failed; Err
	// carries the codec error.
	AuthFailureToken
	// AuthFailureRevoked: the token id is in the revocation set.
	AuthFailureRevoked
	// AuthFailureKey: the API key was rejected; Err carries the manager error.
	AuthFailureKey
	// AuthFailureOwner: the key owner is unknown or inactive.
	AuthFailureOwner
	// AuthFailureStore: the revocation set or owner could not be read.
	AuthFailureStore
)

// Identity is the verified caller.
type Identity struct {
	Subject   string
	Roles     []string
	Perms     []string
	APIKey    bool
	TokenID   string
	KeyID     string
	ExpiresAt time.Time
}

// AuthenticateResult carries either the identity or failure metadata.
type AuthenticateResult struct {
	Failure  AuthFailureKind
	Err      error
	Identity Identity
}

// AuthenticateDeps captures credential verification dependencies.
type AuthenticateDeps struct {
	VerifyAccess   func(token string) (*jwt.Claims, error)
	IsRevoked      func(ctx context.Context, tokenID string) (bool, error)
	ValidateAPIKey func(ctx context.Context, presented string) (*apikey.ApiKey, error)
	LoadOwner      OwnerLoader
}

// LooksLikeToken reports whether credential has the three-segment shape of
// a compact JWS.
func LooksLikeToken(credential string) bool {
	return strings.Count(credential, ".") == 2
}

// RunAuthenticate verifies a bearer token or API key.
func RunAuthenticate(ctx context.Context, credential string, deps AuthenticateDeps) AuthenticateResult {
	if credential == "" {
		return AuthenticateResult{Failure: AuthFailureMalformed, Err: jwt.ErrMalformed}
	}
	if LooksLikeToken(credential) {
		return runBearer(ctx, credential, deps)
	}
	if _, _, err := internal.SplitAPIKey(credential); err != nil {
		return AuthenticateResult{Failure: AuthFailureMalformed, Err: err}
	}
	return runAPIKey(ctx, credential, deps)
}

func runBearer(ctx context.Context, token string, deps AuthenticateDeps) AuthenticateResult {
	claims, err := deps.VerifyAccess(token)
	if err != nil {
		return AuthenticateResult{Failure: AuthFailureToken, Err: err}
	}
	revoked, err := deps.IsRevoked(ctx, claims.TokenID())
	if err != nil {
		return AuthenticateResult{Failure: AuthFailureStore, Err: err}
	}
	if revoked {
		return AuthenticateResult{Failure: AuthFailureRevoked}
	}
	return AuthenticateResult{Identity: Identity{
		Subject:   claims.Subject,
		Roles:     claims.Roles,
		Perms:     claims.Perms,
		TokenID:   claims.TokenID(),
		ExpiresAt: claims.Expiry(),
	}}
}

func runAPIKey(ctx context.Context, presented string, deps AuthenticateDeps) AuthenticateResult {
	key, err := deps.ValidateAPIKey(ctx, presented)
	if err != nil {
		return AuthenticateResult{Failure: AuthFailureKey, Err: err}
	}
	id := Identity{
		Subject:   key.OwnerID,
		Perms:     key.Scopes,
		APIKey:    true,
		KeyID:     key.ID,
		ExpiresAt: key.ExpiresAt,
	}
	if deps.LoadOwner == nil {
		return AuthenticateResult{Identity: id}
	}

	owner, err := deps.LoadOwner(ctx, key.OwnerID)
	if err != nil {
		failure := AuthFailureOwner
		if !errors.Is(err, ErrOwnerNotFound) {
			failure = AuthFailureStore
		}
		return AuthenticateResult{Failure: failure, Err: err}
	}
	if !owner.Active {
		return AuthenticateResult{Failure: AuthFailureOwner}
	}
	id.Roles = owner.Roles
	return AuthenticateResult{Identity: id}
}
