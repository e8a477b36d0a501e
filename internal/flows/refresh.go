package flows

import (
	"context"
	"errors"

	"github.com/MrEthical07/authgate/jwt"
	"github.com/MrEthical07/authgate/session"
	"github.com/MrEthical07/authgate/tokenstore"
)

// RefreshFailureKind classifies refresh flow failures for root-level mapping.
type RefreshFailureKind int

const (
	RefreshFailureNone RefreshFailureKind = iota
	// RefreshFailureToken: the refresh token failed verification.
	RefreshFailureToken
	// RefreshFailureSessionEnded: the bound session is gone; the family was revoked.
	RefreshFailureSessionEnded
	// RefreshFailureOwner: the subject is unknown or inactive; the family was revoked.
	RefreshFailureOwner
	// RefreshFailureReuse: a used refresh token was replayed; the family was revoked.
	RefreshFailureReuse
	// RefreshFailureRotate: rotation was refused (unknown token, revoked family).
	RefreshFailureRotate
	// RefreshFailureStore: the store failed.
	RefreshFailureStore
)

// RefreshResult carries either the rotated pair or failure metadata.
type RefreshResult struct {
	Failure   RefreshFailureKind
	Err       error
	Subject   string
	FamilyID  string
	SessionID string
	Pair      *tokenstore.Pair
}

// RefreshDeps captures refresh flow dependencies.
type RefreshDeps struct {
	VerifyRefresh func(token string) (*jwt.Claims, error)
	LookupFamily  func(ctx context.Context, familyID string) (*tokenstore.FamilyInfo, error)
	Rotate        func(ctx context.Context, refreshTokenID string) (*tokenstore.Pair, error)
	RevokeFamily  func(ctx context.Context, familyID string) (int, error)
	// TouchSession slides the bound session; nil disables session tracking.
	TouchSession func(ctx context.Context, sessionID string) error
	LoadOwner    OwnerLoader
	Warn         func(msg string, err error)
}

// RunRefresh executes refresh rotation without root package dependencies.
//
// The bound session is touched before rotating, so a refresh against an
// ended session never mints a new pair.
func RunRefresh(ctx context.Context, refreshToken string, deps RefreshDeps) RefreshResult {
	claims, err := deps.VerifyRefresh(refreshToken)
	if err != nil {
		return RefreshResult{Failure: RefreshFailureToken, Err: err}
	}
	res := RefreshResult{Subject: claims.Subject, FamilyID: claims.FamilyID}

	info, err := deps.LookupFamily(ctx, claims.FamilyID)
	if err != nil {
		if errors.Is(err, tokenstore.ErrInvalid) {
			res.Failure, res.Err = RefreshFailureRotate, err
		} else {
			res.Failure, res.Err = RefreshFailureStore, err
		}
		return res
	}
	res.SessionID = info.SessionID
	if info.Revoked {
		// Completes a revocation an earlier store fault cut short.
		revokeQuietly(ctx, deps, claims.FamilyID)
		res.Failure, res.Err = RefreshFailureRotate, tokenstore.ErrRevoked
		return res
	}

	if deps.LoadOwner != nil {
		owner, err := deps.LoadOwner(ctx, claims.Subject)
		if err != nil && !errors.Is(err, ErrOwnerNotFound) {
			res.Failure, res.Err = RefreshFailureStore, err
			return res
		}
		if err != nil || !owner.Active {
			revokeQuietly(ctx, deps, claims.FamilyID)
			res.Failure, res.Err = RefreshFailureOwner, err
			return res
		}
	}

	if deps.TouchSession != nil && info.SessionID != "" {
		if err := deps.TouchSession(ctx, info.SessionID); err != nil {
			if errors.Is(err, session.ErrNotFound) {
				revokeQuietly(ctx, deps, claims.FamilyID)
				res.Failure, res.Err = RefreshFailureSessionEnded, err
				return res
			}
			res.Failure, res.Err = RefreshFailureStore, err
			return res
		}
	}

	pair, err := deps.Rotate(ctx, claims.TokenID())
	switch {
	case err == nil:
		res.Pair = pair
	case errors.Is(err, tokenstore.ErrReused):
		res.Failure, res.Err = RefreshFailureReuse, err
	case errors.Is(err, tokenstore.ErrRevoked):
		revokeQuietly(ctx, deps, claims.FamilyID)
		res.Failure, res.Err = RefreshFailureRotate, err
	case errors.Is(err, tokenstore.ErrInvalid):
		res.Failure, res.Err = RefreshFailureRotate, err
	default:
		res.Failure, res.Err = RefreshFailureStore, err
	}
	return res
}

func revokeQuietly(ctx context.Context, deps RefreshDeps, familyID string) {
	if _, err := deps.RevokeFamily(ctx, familyID); err != nil && deps.Warn != nil {
		deps.Warn("refresh: revoke family failed", err)
	}
}
