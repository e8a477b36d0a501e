package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/MrEthical07/authgate/internal"
	"github.com/MrEthical07/authgate/kv"
)

var (
	// ErrNotFound is returned for unknown or expired sessions.
	ErrNotFound = errors.New("session not found")
	// ErrContention is returned when the subject index kept changing under
	// Create for too long.
	ErrContention = errors.New("session index contention")
)

const (
	sessionPrefix = "ss:"
	subjectPrefix = "ss:sub:"

	maxCreateAttempts = 64
	loadConcurrency   = 8
)

// FamilyRevoker revokes a refresh-token family. Revoking an unknown family
// must succeed.
type FamilyRevoker interface {
	RevokeFamily(ctx context.Context, familyID string) (int, error)
}

// Config controls session lifetime and the per-subject cap.
type Config struct {
	// MaxConcurrent caps sessions per subject. Zero disables the cap.
	MaxConcurrent int
	// TTL is the idle lifetime; Touch extends expiry to now+TTL.
	TTL time.Duration
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the manager's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// Manager creates, refreshes and ends sessions.
type Manager struct {
	kv      kv.Store
	revoker FamilyRevoker
	cfg     Config
	now     func() time.Time
	logger  *zap.Logger
}

// NewManager returns a Manager.
func NewManager(store kv.Store, revoker FamilyRevoker, cfg Config, opts ...Option) (*Manager, error) {
	if store == nil || revoker == nil {
		return nil, errors.New("session: store and revoker are required")
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("session: ttl must be positive")
	}
	if cfg.MaxConcurrent < 0 {
		return nil, errors.New("session: max concurrent must not be negative")
	}
	m := &Manager{
		kv:      store,
		revoker: revoker,
		cfg:     cfg,
		now:     time.Now,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Created is the result of Create.
type Created struct {
	Session *Session
	// Evicted lists sessions ended to make room, oldest activity first.
	Evicted []*Session
}

// Create admits a new session for subject bound to familyID, evicting the
// least recently active sessions when the cap would be exceeded.
func (m *Manager) Create(ctx context.Context, subject, device, familyID string) (*Created, error) {
	if subject == "" {
		return nil, errors.New("session: subject required")
	}
	sid, err := internal.NewSessionID()
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	sess := &Session{
		SchemaVersion: CurrentSchemaVersion,
		SessionID:     sid.String(),
		Subject:       subject,
		FamilyID:      familyID,
		Device:        device,
		DeviceLabel:   DescribeDevice(device),
		CreatedAt:     now,
		LastSeenAt:    now,
		ExpiresAt:     now.Add(m.cfg.TTL),
	}
	if err := m.save(ctx, sess); err != nil {
		return nil, err
	}

	// revoked survives retries: a session whose family was revoked in a
	// failed attempt must leave the index in a later one.
	revoked := map[string]*Session{}
	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		prev, ids, err := m.readIndex(ctx, subject)
		if err != nil {
			return nil, err
		}
		live, err := m.load(ctx, ids)
		if err != nil {
			return nil, err
		}

		keep := make([]*Session, 0, len(live))
		for _, s := range live {
			if _, gone := revoked[s.SessionID]; !gone {
				keep = append(keep, s)
			}
		}
		var evict []*Session
		if m.cfg.MaxConcurrent > 0 && len(keep) >= m.cfg.MaxConcurrent {
			sortByActivity(keep)
			n := len(keep) - m.cfg.MaxConcurrent + 1
			evict, keep = keep[:n], keep[n:]
		}

		for _, s := range evict {
			if _, done := revoked[s.SessionID]; done {
				continue
			}
			if s.FamilyID != "" {
				if _, err := m.revoker.RevokeFamily(ctx, s.FamilyID); err != nil {
					return nil, fmt.Errorf("revoke evicted family: %w", err)
				}
			}
			revoked[s.SessionID] = s
		}

		next := make([]string, 0, len(keep)+1)
		for _, s := range keep {
			next = append(next, s.SessionID)
		}
		next = append(next, sess.SessionID)
		raw, err := json.Marshal(next)
		if err != nil {
			return nil, err
		}
		ok, err := m.kv.CompareAndSwap(ctx, subjectPrefix+subject, prev, raw, m.cfg.TTL)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		out := &Created{Session: sess}
		for _, s := range revoked {
			if err := m.kv.Delete(ctx, sessionPrefix+s.SessionID); err != nil {
				m.logger.Warn("delete evicted session failed",
					zap.String("session_id", s.SessionID), zap.Error(err))
			}
			out.Evicted = append(out.Evicted, s)
		}
		sortByActivity(out.Evicted)
		if len(out.Evicted) > 0 {
			m.logger.Info("sessions evicted",
				zap.String("subject", subject),
				zap.Int("count", len(out.Evicted)),
			)
		}
		return out, nil
	}
	return nil, ErrContention
}

// Get returns a live session.
func (m *Manager) Get(ctx context.Context, sessionID string) (*Session, error) {
	raw, err := m.kv.Get(ctx, sessionPrefix+sessionID)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	if s.Expired(m.now()) {
		return nil, ErrNotFound
	}
	return s, nil
}

// Touch records activity and slides the expiry to now+TTL.
func (m *Manager) Touch(ctx context.Context, sessionID string) (*Session, error) {
	s, err := kv.Update(ctx, m.kv, sessionPrefix+sessionID, func(cur []byte) ([]byte, time.Duration, *Session, error) {
		if cur == nil {
			return nil, 0, nil, ErrNotFound
		}
		s, err := Decode(cur)
		if err != nil {
			return nil, 0, nil, err
		}
		now := m.now().UTC()
		if s.Expired(now) {
			return nil, 0, nil, ErrNotFound
		}
		s.LastSeenAt = now
		s.ExpiresAt = now.Add(m.cfg.TTL)
		next, err := Encode(s)
		if err != nil {
			return nil, 0, nil, err
		}
		return next, m.cfg.TTL, s, nil
	})
	if err != nil {
		return nil, err
	}

	// keep the index alive at least as long as its newest session
	if raw, err := m.kv.Get(ctx, subjectPrefix+s.Subject); err == nil {
		if _, err := m.kv.CompareAndSwap(ctx, subjectPrefix+s.Subject, raw, raw, m.cfg.TTL); err != nil {
			m.logger.Debug("refresh session index ttl failed",
				zap.String("subject", s.Subject), zap.Error(err))
		}
	}
	return s, nil
}

// Terminate revokes the session's family and deletes the session.
func (m *Manager) Terminate(ctx context.Context, sessionID string) error {
	s, err := m.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := m.end(ctx, s); err != nil {
		return err
	}
	return m.unindex(ctx, s.Subject, sessionID)
}

// TerminateAll ends every session of subject and returns how many ended.
func (m *Manager) TerminateAll(ctx context.Context, subject string) (int, error) {
	sessions, err := m.List(ctx, subject)
	if err != nil {
		return 0, err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(loadConcurrency)
	for _, s := range sessions {
		g.Go(func() error { return m.end(gctx, s) })
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	if err := m.kv.Delete(ctx, subjectPrefix+subject); err != nil {
		return 0, err
	}
	return len(sessions), nil
}

// List returns subject's live sessions, most recently active first.
func (m *Manager) List(ctx context.Context, subject string) ([]*Session, error) {
	_, ids, err := m.readIndex(ctx, subject)
	if err != nil {
		return nil, err
	}
	sessions, err := m.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	sortByActivity(sessions)
	slices.Reverse(sessions)
	return sessions, nil
}

func (m *Manager) end(ctx context.Context, s *Session) error {
	if s.FamilyID != "" {
		if _, err := m.revoker.RevokeFamily(ctx, s.FamilyID); err != nil {
			return fmt.Errorf("revoke session family: %w", err)
		}
	}
	return m.kv.Delete(ctx, sessionPrefix+s.SessionID)
}

func (m *Manager) unindex(ctx context.Context, subject, sessionID string) error {
	_, err := kv.Update(ctx, m.kv, subjectPrefix+subject, func(cur []byte) ([]byte, time.Duration, struct{}, error) {
		ids, err := decodeIndex(cur)
		if err != nil {
			return nil, 0, struct{}{}, err
		}
		i := slices.Index(ids, sessionID)
		if i < 0 {
			return nil, 0, struct{}{}, nil
		}
		ids = slices.Delete(ids, i, i+1)
		next, err := json.Marshal(ids)
		return next, m.cfg.TTL, struct{}{}, err
	})
	return err
}

func (m *Manager) save(ctx context.Context, s *Session) error {
	raw, err := Encode(s)
	if err != nil {
		return err
	}
	return m.kv.Put(ctx, sessionPrefix+s.SessionID, raw, m.cfg.TTL)
}

func (m *Manager) readIndex(ctx context.Context, subject string) ([]byte, []string, error) {
	raw, err := m.kv.Get(ctx, subjectPrefix+subject)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	ids, err := decodeIndex(raw)
	return raw, ids, err
}

// load fetches sessions concurrently, skipping ones that expired.
func (m *Manager) load(ctx context.Context, ids []string) ([]*Session, error) {
	out := make([]*Session, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(loadConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			s, err := m.Get(gctx, id)
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			out[i] = s
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return slices.DeleteFunc(out, func(s *Session) bool { return s == nil }), nil
}

func decodeIndex(raw []byte) ([]string, error) {
	if raw == nil {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, fmt.Errorf("corrupt session index: %w", err)
	}
	return ids, nil
}

// sortByActivity orders sessions least recently active first.
func sortByActivity(s []*Session) {
	sort.SliceStable(s, func(i, j int) bool {
		if !s[i].LastSeenAt.Equal(s[j].LastSeenAt) {
			return s[i].LastSeenAt.Before(s[j].LastSeenAt)
		}
		if !s[i].CreatedAt.Equal(s[j].CreatedAt) {
			return s[i].CreatedAt.Before(s[j].CreatedAt)
		}
		return s[i].SessionID < s[j].SessionID
	})
}
