package flows

import (
	"context"
	"errors"

	"github.com/MrEthical07/authgate/session"
	"github.com/MrEthical07/authgate/tokenstore"
)

// LoginFailureKind classifies login flow failures for root-level mapping.
type LoginFailureKind int

const (
	LoginFailureNone LoginFailureKind = iota
	// LoginFailureOwner: the subject is unknown or inactive.
	LoginFailureOwner
	// LoginFailureSession: the session could not be admitted.
	LoginFailureSession
	// LoginFailureIssue: the token family could not be issued.
	LoginFailureIssue
	// LoginFailureStore: the identity source failed.
	LoginFailureStore
)

// LoginResult carries the new session and token pair or failure metadata.
type LoginResult struct {
	Failure LoginFailureKind
	Err     error
	Session *session.Session
	Evicted []*session.Session
	Pair    *tokenstore.Pair
}

// LoginDeps captures login flow dependencies.
type LoginDeps struct {
	LoadOwner        OwnerLoader
	NewFamilyID      func() string
	CreateSession    func(ctx context.Context, subject, device, familyID string) (*session.Created, error)
	Issue            func(ctx context.Context, g tokenstore.Grant) (*tokenstore.Pair, error)
	TerminateSession func(ctx context.Context, sessionID string) error
	Warn             func(msg string, err error)
}

// RunLogin admits a session for subject and issues its token family. The
// family id is chosen up front so the session can be bound to it before any
// token exists; if issuing fails the session is terminated again.
func RunLogin(ctx context.Context, subject, device string, deps LoginDeps) LoginResult {
	owner, err := deps.LoadOwner(ctx, subject)
	if err != nil {
		if errors.Is(err, ErrOwnerNotFound) {
			return LoginResult{Failure: LoginFailureOwner, Err: err}
		}
		return LoginResult{Failure: LoginFailureStore, Err: err}
	}
	if !owner.Active {
		return LoginResult{Failure: LoginFailureOwner}
	}

	familyID := deps.NewFamilyID()
	created, err := deps.CreateSession(ctx, subject, device, familyID)
	if err != nil {
		return LoginResult{Failure: LoginFailureSession, Err: err}
	}

	pair, err := deps.Issue(ctx, tokenstore.Grant{
		Subject:   subject,
		Roles:     owner.Roles,
		Perms:     owner.Perms,
		SessionID: created.Session.SessionID,
		FamilyID:  familyID,
	})
	if err != nil {
		if terr := deps.TerminateSession(ctx, created.Session.SessionID); terr != nil && deps.Warn != nil {
			deps.Warn("login: terminate orphan session failed", terr)
		}
		return LoginResult{Failure: LoginFailureIssue, Err: err}
	}
	return LoginResult{Session: created.Session, Evicted: created.Evicted, Pair: pair}
}
