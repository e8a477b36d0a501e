// Package tokenstore tracks refresh-token families and the revocation set.
//
// A family is the chain of refresh tokens produced by one login and its
// rotations. The whole family lives in a single record so that rotation is
// one compare-and-swap: two concurrent rotations of the same token can never
// both commit. Presenting a token that was already rotated revokes every live
// token of the family.
package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/MrEthical07/authgate/jwt"
	"github.com/MrEthical07/authgate/kv"
)

var (
	// ErrInvalid is returned for unknown or expired refresh tokens.
	ErrInvalid = errors.New("tokenstore: refresh token invalid")
	// ErrReused is returned when an already rotated refresh token is
	// presented again. The family has been revoked by the time it returns.
	ErrReused = errors.New("tokenstore: refresh token reused")
	// ErrRevoked is returned when the token's family was revoked.
	ErrRevoked = errors.New("tokenstore: token family revoked")
	// ErrFamilyExists is returned by Issue when the requested family id is taken.
	ErrFamilyExists = errors.New("tokenstore: family already exists")
)

const (
	familyPrefix     = "rf:fam:"
	tokenIndexPrefix = "rf:tok:"
	revokedPrefix    = "rv:"
)

// Signer issues signed bearer tokens. *jwt.Codec implements it.
type Signer interface {
	Issue(claims jwt.Claims, ttl time.Duration) (string, jwt.Claims, error)
}

// Config holds token lifetimes.
type Config struct {
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// Grant describes who a new family is issued to.
type Grant struct {
	Subject   string
	Roles     []string
	Perms     []string
	SessionID string
	// FamilyID is optional; a random id is generated when empty.
	FamilyID string
}

// Pair is an access/refresh token pair from the same family.
type Pair struct {
	AccessToken      string
	RefreshToken     string
	AccessTokenID    string
	RefreshTokenID   string
	FamilyID         string
	SessionID        string
	Subject          string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// FamilyInfo is a read-only view of a family.
type FamilyInfo struct {
	FamilyID  string
	Subject   string
	SessionID string
	Revoked   bool
	ExpiresAt time.Time
	// Live counts unexpired, unused refresh tokens. It is 0 or 1.
	Live int
}

type refreshEntry struct {
	TokenID   string `json:"id"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
	Used      bool   `json:"used,omitempty"`
}

type accessEntry struct {
	TokenID   string `json:"id"`
	ExpiresAt int64  `json:"exp"`
}

type family struct {
	ID        string         `json:"id"`
	Subject   string         `json:"sub"`
	Roles     []string       `json:"roles,omitempty"`
	Perms     []string       `json:"perms,omitempty"`
	SessionID string         `json:"sid,omitempty"`
	Refresh   []refreshEntry `json:"refresh"`
	Access    []accessEntry  `json:"access"`
	Revoked   bool           `json:"revoked,omitempty"`
}

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the time source used for expiry bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger used for theft signals.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Store manages token families over a kv.Store.
type Store struct {
	kv     kv.Store
	signer Signer
	cfg    Config
	now    func() time.Time
	logger *zap.Logger
}

// New returns a Store.
func New(store kv.Store, signer Signer, cfg Config, opts ...Option) (*Store, error) {
	if store == nil || signer == nil {
		return nil, errors.New("tokenstore: store and signer are required")
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("tokenstore: token ttls must be positive")
	}
	s := &Store{
		kv:     store,
		signer: signer,
		cfg:    cfg,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Issue starts a new family and returns its first pair.
func (s *Store) Issue(ctx context.Context, g Grant) (*Pair, error) {
	if g.Subject == "" {
		return nil, errors.New("tokenstore: subject required")
	}
	if g.FamilyID == "" {
		g.FamilyID = uuid.NewString()
	}
	f := &family{
		ID:        g.FamilyID,
		Subject:   g.Subject,
		Roles:     g.Roles,
		Perms:     g.Perms,
		SessionID: g.SessionID,
	}
	refreshID := uuid.NewString()
	if err := s.kv.Put(ctx, tokenIndexPrefix+refreshID, []byte(f.ID), s.cfg.RefreshTTL); err != nil {
		return nil, err
	}

	pair, err := s.sign(f, refreshID)
	if err != nil {
		return nil, err
	}
	f.append(pair, s.now())
	raw, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	ok, err := s.kv.CompareAndSwap(ctx, familyPrefix+f.ID, nil, raw, f.ttl(s.now()))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrFamilyExists
	}
	return pair, nil
}

type rotateResult struct {
	pair   *Pair
	reused bool
}

// Rotate exchanges an unused refresh token for a new pair in the same family.
//
// The old token is marked used and the new tokens recorded in one CAS on the
// family record. A token that is already used gets ErrReused after the whole
// family has been revoked.
func (s *Store) Rotate(ctx context.Context, refreshTokenID string) (*Pair, error) {
	familyID, err := s.familyOf(ctx, refreshTokenID)
	if err != nil {
		return nil, err
	}

	nextID := uuid.NewString()
	if err := s.kv.Put(ctx, tokenIndexPrefix+nextID, []byte(familyID), s.cfg.RefreshTTL); err != nil {
		return nil, err
	}

	res, err := kv.Update(ctx, s.kv, familyPrefix+familyID, func(cur []byte) ([]byte, time.Duration, rotateResult, error) {
		f, err := decodeFamily(cur)
		if err != nil {
			return nil, 0, rotateResult{}, err
		}
		if f.Revoked {
			return nil, 0, rotateResult{}, ErrRevoked
		}
		now := s.now()
		idx := f.refreshIndex(refreshTokenID)
		if idx < 0 || !now.Before(time.Unix(f.Refresh[idx].ExpiresAt, 0)) {
			return nil, 0, rotateResult{}, ErrInvalid
		}
		if f.Refresh[idx].Used {
			return nil, 0, rotateResult{reused: true}, nil
		}

		pair, err := s.sign(f, nextID)
		if err != nil {
			return nil, 0, rotateResult{}, err
		}
		f.Refresh[idx].Used = true
		f.prune(now)
		f.append(pair, now)
		raw, err := json.Marshal(f)
		if err != nil {
			return nil, 0, rotateResult{}, err
		}
		return raw, f.ttl(now), rotateResult{pair: pair}, nil
	})
	if err != nil {
		return nil, err
	}

	if res.reused {
		s.logger.Warn("refresh token reuse detected",
			zap.String("family_id", familyID),
			zap.String("token_id", refreshTokenID),
		)
		if _, err := s.RevokeFamily(ctx, familyID); err != nil {
			return nil, fmt.Errorf("revoke reused family: %w", err)
		}
		return nil, ErrReused
	}
	return res.pair, nil
}

// RevokeFamily adds every unexpired token the family issued to the
// revocation set and then marks the family revoked. The entries are written
// before the flag, and a family that is already revoked gets its entries
// written again, so a revocation cut short by a store fault is completed by
// the next call. It returns the number of revocation entries written.
//
// An unknown family gets a revoked tombstone that lives for the refresh TTL,
// so a later Issue under the same id fails with ErrFamilyExists.
func (s *Store) RevokeFamily(ctx context.Context, familyID string) (int, error) {
	raw, err := s.kv.Get(ctx, familyPrefix+familyID)
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return 0, err
	}
	if raw == nil {
		created, err := s.tombstone(ctx, familyID)
		if err != nil || created {
			return 0, err
		}
		// Issued concurrently; revoke what it holds.
		raw, err = s.kv.Get(ctx, familyPrefix+familyID)
		if errors.Is(err, kv.ErrNotFound) {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
	}
	f, err := decodeFamily(raw)
	if err != nil {
		return 0, err
	}

	written := make(map[string]struct{})
	if err := s.writeRevocations(ctx, f, written); err != nil {
		return 0, err
	}

	committed, err := kv.Update(ctx, s.kv, familyPrefix+familyID, func(cur []byte) ([]byte, time.Duration, *family, error) {
		if cur == nil {
			return nil, 0, nil, nil
		}
		f, err := decodeFamily(cur)
		if err != nil {
			return nil, 0, nil, err
		}
		if f.Revoked {
			return nil, 0, f, nil
		}
		f.Revoked = true
		raw, err := json.Marshal(f)
		if err != nil {
			return nil, 0, nil, err
		}
		return raw, f.ttl(s.now()), f, nil
	})
	if err != nil {
		return 0, err
	}
	// A rotation may have committed between the read and the flag.
	if committed != nil {
		if err := s.writeRevocations(ctx, committed, written); err != nil {
			return 0, err
		}
	}
	return len(written), nil
}

// tombstone records familyID as revoked before it exists. It reports false
// when a family was created under that id first.
func (s *Store) tombstone(ctx context.Context, familyID string) (bool, error) {
	raw, err := json.Marshal(&family{ID: familyID, Revoked: true})
	if err != nil {
		return false, err
	}
	return s.kv.CompareAndSwap(ctx, familyPrefix+familyID, nil, raw, s.cfg.RefreshTTL)
}

// writeRevocations puts a revocation entry for every unexpired token of f
// not already in written, and adds the ids to written.
func (s *Store) writeRevocations(ctx context.Context, f *family, written map[string]struct{}) error {
	now := s.now()
	type live struct {
		id  string
		ttl time.Duration
	}
	var targets []live
	add := func(id string, exp int64) {
		if _, ok := written[id]; ok {
			return
		}
		if ttl := time.Unix(exp, 0).Sub(now); ttl > 0 {
			targets = append(targets, live{id, ttl})
		}
	}
	for _, e := range f.Access {
		add(e.TokenID, e.ExpiresAt)
	}
	for _, e := range f.Refresh {
		add(e.TokenID, e.ExpiresAt)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, t := range targets {
		g.Go(func() error {
			return s.kv.Put(gctx, revokedPrefix+t.id, []byte{1}, t.ttl)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for _, t := range targets {
		written[t.id] = struct{}{}
	}
	return nil
}

// Revoke adds a single token to the revocation set until expiresAt.
func (s *Store) Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error {
	ttl := expiresAt.Sub(s.now())
	if ttl <= 0 {
		return nil
	}
	return s.kv.Put(ctx, revokedPrefix+tokenID, []byte{1}, ttl)
}

// IsRevoked reports whether tokenID is in the revocation set.
func (s *Store) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	_, err := s.kv.Get(ctx, revokedPrefix+tokenID)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	return false, err
}

// Lookup returns the family that issued refreshTokenID.
func (s *Store) Lookup(ctx context.Context, refreshTokenID string) (*FamilyInfo, error) {
	familyID, err := s.familyOf(ctx, refreshTokenID)
	if err != nil {
		return nil, err
	}
	return s.Family(ctx, familyID)
}

// Family returns a read-only view of a family.
func (s *Store) Family(ctx context.Context, familyID string) (*FamilyInfo, error) {
	raw, err := s.kv.Get(ctx, familyPrefix+familyID)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrInvalid
	}
	if err != nil {
		return nil, err
	}
	f, err := decodeFamily(raw)
	if err != nil {
		return nil, err
	}
	now := s.now()
	info := &FamilyInfo{
		FamilyID:  f.ID,
		Subject:   f.Subject,
		SessionID: f.SessionID,
		Revoked:   f.Revoked,
		ExpiresAt: f.expiresAt(),
	}
	for _, e := range f.Refresh {
		if !e.Used && now.Before(time.Unix(e.ExpiresAt, 0)) {
			info.Live++
		}
	}
	return info, nil
}

func (s *Store) familyOf(ctx context.Context, refreshTokenID string) (string, error) {
	if refreshTokenID == "" {
		return "", ErrInvalid
	}
	raw, err := s.kv.Get(ctx, tokenIndexPrefix+refreshTokenID)
	if errors.Is(err, kv.ErrNotFound) {
		return "", ErrInvalid
	}
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (s *Store) sign(f *family, refreshID string) (*Pair, error) {
	access, ac, err := s.signer.Issue(jwt.Claims{
		Roles:            f.Roles,
		Perms:            f.Perms,
		Type:             jwt.TypeAccess,
		RegisteredClaims: gojwt.RegisteredClaims{Subject: f.Subject},
	}, s.cfg.AccessTTL)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}
	refresh, rc, err := s.signer.Issue(jwt.Claims{
		Roles:            f.Roles,
		Perms:            f.Perms,
		Type:             jwt.TypeRefresh,
		FamilyID:         f.ID,
		RegisteredClaims: gojwt.RegisteredClaims{Subject: f.Subject, ID: refreshID},
	}, s.cfg.RefreshTTL)
	if err != nil {
		return nil, fmt.Errorf("sign refresh token: %w", err)
	}
	return &Pair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessTokenID:    ac.ID,
		RefreshTokenID:   rc.ID,
		FamilyID:         f.ID,
		SessionID:        f.SessionID,
		Subject:          f.Subject,
		AccessExpiresAt:  ac.Expiry(),
		RefreshExpiresAt: rc.Expiry(),
	}, nil
}

func decodeFamily(raw []byte) (*family, error) {
	if raw == nil {
		return nil, ErrInvalid
	}
	var f family
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("tokenstore: corrupt family record: %w", err)
	}
	return &f, nil
}

func (f *family) refreshIndex(tokenID string) int {
	for i := range f.Refresh {
		if f.Refresh[i].TokenID == tokenID {
			return i
		}
	}
	return -1
}

func (f *family) append(p *Pair, now time.Time) {
	f.Refresh = append(f.Refresh, refreshEntry{
		TokenID:   p.RefreshTokenID,
		IssuedAt:  now.Unix(),
		ExpiresAt: p.RefreshExpiresAt.Unix(),
	})
	f.Access = append(f.Access, accessEntry{
		TokenID:   p.AccessTokenID,
		ExpiresAt: p.AccessExpiresAt.Unix(),
	})
}

// prune drops entries that can no longer be presented.
func (f *family) prune(now time.Time) {
	cutoff := now.Unix()
	refresh := f.Refresh[:0]
	for _, e := range f.Refresh {
		if e.ExpiresAt > cutoff {
			refresh = append(refresh, e)
		}
	}
	f.Refresh = refresh
	access := f.Access[:0]
	for _, e := range f.Access {
		if e.ExpiresAt > cutoff {
			access = append(access, e)
		}
	}
	f.Access = access
}

func (f *family) expiresAt() time.Time {
	var latest int64
	for _, e := range f.Refresh {
		if e.ExpiresAt > latest {
			latest = e.ExpiresAt
		}
	}
	for _, e := range f.Access {
		if e.ExpiresAt > latest {
			latest = e.ExpiresAt
		}
	}
	return time.Unix(latest, 0)
}

// ttl keeps the record until its last token expires so that late replays of
// rotated tokens are still recognised.
func (f *family) ttl(now time.Time) time.Duration {
	ttl := f.expiresAt().Sub(now)
	if ttl < time.Second {
		return time.Second
	}
	return ttl
}
