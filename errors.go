package authgate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/authgate/apikey"
	"github.com/MrEthical07/authgate/internal"
	"github.com/MrEthical07/authgate/internal/flows"
	"github.com/MrEthical07/authgate/jwt"
	"github.com/MrEthical07/authgate/kv"
	"github.com/MrEthical07/authgate/ratelimit"
	"github.com/MrEthical07/authgate/rbac"
	"github.com/MrEthical07/authgate/session"
	"github.com/MrEthical07/authgate/tokenstore"
)

// ErrorKind is the closed set of reasons a Gateway call can fail.
type ErrorKind uint8

const (
	KindMalformed ErrorKind = iota + 1
	KindSignatureInvalid
	KindExpired
	KindWrongTokenType
	KindRevoked
	KindInvalid
	KindReused
	KindRateLimited
	KindInsufficientPermission
	KindStoreUnavailable
	KindInternal
)

var (
	// ErrMalformed matches credentials that cannot be parsed.
	ErrMalformed = errors.New("malformed credential")
	// ErrSignatureInvalid matches tampered or foreign tokens.
	ErrSignatureInvalid = errors.New("signature invalid")
	// ErrExpired matches expired tokens.
	ErrExpired = errors.New("credential expired")
	// ErrWrongTokenType matches a refresh token presented as access token or vice versa.
	ErrWrongTokenType = errors.New("wrong token type")
	// ErrRevoked matches revoked tokens and families.
	ErrRevoked = errors.New("credential revoked")
	// ErrInvalid matches unknown, inactive or otherwise rejected credentials.
	ErrInvalid = errors.New("credential invalid")
	// ErrReused matches replayed refresh tokens.
	ErrReused = errors.New("refresh token reused")
	// ErrRateLimited matches denied rate-limit checks.
	ErrRateLimited = errors.New("rate limited")
	// ErrInsufficientPermission matches failed authorization.
	ErrInsufficientPermission = errors.New("insufficient permission")
	// ErrStoreUnavailable matches backing store faults on fail-closed paths.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrInternal matches everything else.
	ErrInternal = errors.New("internal error")
)

var kindSentinels = [...]error{
	KindMalformed:              ErrMalformed,
	KindSignatureInvalid:       ErrSignatureInvalid,
	KindExpired:                ErrExpired,
	KindWrongTokenType:         ErrWrongTokenType,
	KindRevoked:                ErrRevoked,
	KindInvalid:                ErrInvalid,
	KindReused:                 ErrReused,
	KindRateLimited:            ErrRateLimited,
	KindInsufficientPermission: ErrInsufficientPermission,
	KindStoreUnavailable:       ErrStoreUnavailable,
	KindInternal:               ErrInternal,
}

var kindNames = [...]string{
	KindMalformed:              "malformed",
	KindSignatureInvalid:       "signature_invalid",
	KindExpired:                "expired",
	KindWrongTokenType:         "wrong_token_type",
	KindRevoked:                "revoked",
	KindInvalid:                "invalid",
	KindReused:                 "reused",
	KindRateLimited:            "rate_limited",
	KindInsufficientPermission: "insufficient_permission",
	KindStoreUnavailable:       "store_unavailable",
	KindInternal:               "internal",
}

func (k ErrorKind) String() string {
	if int(k) < len(kindNames) && kindNames[k] != "" {
		return kindNames[k]
	}
	return fmt.Sprintf("ErrorKind(%d)", uint8(k))
}

// Sentinel returns the package error that errors.Is matches for k.
func (k ErrorKind) Sentinel() error {
	if int(k) < len(kindSentinels) && kindSentinels[k] != nil {
		return kindSentinels[k]
	}
	return ErrInternal
}

// AuthError is the only error type returned by Gateway methods.
type AuthError struct {
	Kind ErrorKind
	// RetryAfter is set for KindRateLimited.
	RetryAfter time.Duration
	// Err is the underlying cause, if any. It is never shown to callers of
	// transport adapters.
	Err error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return e.Kind.Sentinel().Error()
	}
	return fmt.Sprintf("%s: %v", e.Kind.Sentinel(), e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind.
func (e *AuthError) Is(target error) bool {
	return target == e.Kind.Sentinel()
}

// KindOf returns the kind of err, or KindInternal when err is not an AuthError.
func KindOf(err error) ErrorKind {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

func newError(kind ErrorKind, err error) *AuthError {
	return &AuthError{Kind: kind, Err: err}
}

func rateLimited(retryAfter time.Duration) *AuthError {
	return &AuthError{Kind: KindRateLimited, RetryAfter: retryAfter}
}

// classify maps errors from the component packages onto the closed ErrorKind set.
func classify(err error) *AuthError {
	if err == nil {
		return nil
	}
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae
	}
	var limited *apikey.LimitedError
	if errors.As(err, &limited) {
		return &AuthError{Kind: KindRateLimited, RetryAfter: limited.RetryAfter, Err: err}
	}

	switch {
	case kv.IsUnavailable(err), errors.Is(err, kv.ErrContention), errors.Is(err, session.ErrContention):
		return newError(KindStoreUnavailable, err)
	case errors.Is(err, context.Canceled):
		return newError(KindStoreUnavailable, err)
	case errors.Is(err, jwt.ErrMalformed), errors.Is(err, internal.ErrKeyFormat):
		return newError(KindMalformed, err)
	case errors.Is(err, jwt.ErrSignatureInvalid):
		return newError(KindSignatureInvalid, err)
	case errors.Is(err, jwt.ErrExpired):
		return newError(KindExpired, err)
	case errors.Is(err, jwt.ErrWrongTokenType):
		return newError(KindWrongTokenType, err)
	case errors.Is(err, tokenstore.ErrReused):
		return newError(KindReused, err)
	case errors.Is(err, tokenstore.ErrRevoked), errors.Is(err, tokenstore.ErrFamilyExists):
		return newError(KindRevoked, err)
	case errors.Is(err, jwt.ErrInvalidClaims),
		errors.Is(err, tokenstore.ErrInvalid),
		errors.Is(err, apikey.ErrInvalid),
		errors.Is(err, apikey.ErrNotFound),
		errors.Is(err, apikey.ErrInvalidScope),
		errors.Is(err, session.ErrNotFound),
		errors.Is(err, ErrPrincipalNotFound),
		errors.Is(err, flows.ErrOwnerNotFound),
		errors.Is(err, rbac.ErrInvalidPermission),
		errors.Is(err, ratelimit.ErrInvalidCost):
		return newError(KindInvalid, err)
	default:
		return newError(KindInternal, err)
	}
}
