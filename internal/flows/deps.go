package flows

import (
	"context"
	"errors"
)

// ErrOwnerNotFound is returned by an OwnerLoader for unknown subjects.
var ErrOwnerNotFound = errors.New("owner not found")

// Deps groups flow dependency sets. The Gateway builds this once and
// delegates request methods to the matching flow implementation.
type Deps struct {
	Authenticate AuthenticateDeps
	Refresh      RefreshDeps
	Login        LoginDeps
}

// Owner is the identity-source view of a subject needed by the flows.
type Owner struct {
	Roles  []string
	Perms  []string
	Active bool
}

// OwnerLoader loads a subject from the external identity source. A nil
// loader means no identity source is configured.
type OwnerLoader func(ctx context.Context, id string) (*Owner, error)
