package proof

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.pilab.hu/verifybot/instagram"
	"go.pilab.hu/verifybot/internal/metrics"
	"go.pilab.hu/verifybot/log"
	"golang.org/x/sync/singleflight"
)

// SessionStore persists the operator session across restarts.
// Load returns a nil session and no error when nothing is stored.
type SessionStore interface {
	Load(ctx context.Context) (*instagram.Session, error)
	Save(ctx context.Context, sess *instagram.Session) error
	Clear(ctx context.Context) error
}

// SessionManager hands out the shared operator session. Concurrent callers
// that find no usable session share a single login.
type SessionManager struct {
	auth   Authenticator
	store  SessionStore // optional
	clock  clockwork.Clock
	maxAge time.Duration // zero means sessions never age out
	logger log.Logger

	mu      sync.RWMutex
	current *instagram.Session
	loaded  bool // store consulted once

	group singleflight.Group
}

// SessionManagerOption configures a SessionManager.
type SessionManagerOption func(*SessionManager)

// WithSessionStore persists sessions in store.
func WithSessionStore(store SessionStore) SessionManagerOption {
	return func(m *SessionManager) { m.store = store }
}

// WithMaxAge forces a fresh login once a session is older than maxAge.
func WithMaxAge(maxAge time.Duration) SessionManagerOption {
	return func(m *SessionManager) { m.maxAge = maxAge }
}

// WithClock sets the clock used for session aging.
func WithClock(clock clockwork.Clock) SessionManagerOption {
	return func(m *SessionManager) { m.clock = clock }
}

// NewSessionManager creates a SessionManager logging in through auth.
func NewSessionManager(auth Authenticator, logger log.Logger, opts ...SessionManagerOption) *SessionManager {
	m := &SessionManager{
		auth:   auth,
		clock:  clockwork.NewRealClock(),
		logger: logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire returns a usable session, logging in when there is none.
func (m *SessionManager) Acquire(ctx context.Context) (*instagram.Session, error) {
	if sess := m.usable(); sess != nil {
		return sess, nil
	}

	// The login outlives a single caller giving up, other waiters still want it.
	loginCtx := context.WithoutCancel(ctx)
	v, err, shared := m.group.Do("login", func() (interface{}, error) {
		if sess := m.usable(); sess != nil {
			return sess, nil
		}
		if sess := m.restore(loginCtx); sess != nil {
			return sess, nil
		}
		return m.login(loginCtx)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		m.logger.Debug(ctx, "Shared in-flight operator login")
	}
	return v.(*instagram.Session), nil
}

// Invalidate drops sess if it is still the current session. A session that was
// already replaced by a newer login is left alone.
func (m *SessionManager) Invalidate(ctx context.Context, sess *instagram.Session) {
	m.mu.Lock()
	if m.current != sess {
		m.mu.Unlock()
		return
	}
	m.current = nil
	m.mu.Unlock()

	m.logger.Info(ctx, "Operator session invalidated")
	if m.store != nil {
		if err := m.store.Clear(ctx); err != nil {
			m.logger.Warn(ctx, "Failed to clear persisted session", log.Fields{"error": err.Error()})
		}
	}
}

func (m *SessionManager) usable() *instagram.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil || m.stale(m.current) {
		return nil
	}
	return m.current
}

func (m *SessionManager) stale(sess *instagram.Session) bool {
	return m.maxAge > 0 && m.clock.Since(sess.CreatedAt) > m.maxAge
}

// restore loads the persisted session the first time it is needed.
func (m *SessionManager) restore(ctx context.Context) *instagram.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.store == nil || m.loaded {
		return nil
	}
	m.loaded = true

	sess, err := m.store.Load(ctx)
	if err != nil {
		m.logger.Warn(ctx, "Failed to load persisted session", log.Fields{"error": err.Error()})
		return nil
	}
	if sess == nil || sess.Authorization == "" || m.stale(sess) {
		return nil
	}
	m.current = sess
	m.logger.Info(ctx, "Restored persisted operator session", log.Fields{"ig_user": sess.Username})
	return sess
}

func (m *SessionManager) login(ctx context.Context) (*instagram.Session, error) {
	sess, err := m.auth.Authenticate(ctx)
	if err != nil {
		metrics.PlatformLoginsTotal.WithLabelValues("failure").Inc()
		return nil, fmt.Errorf("operator login: %w", err)
	}
	metrics.PlatformLoginsTotal.WithLabelValues("success").Inc()

	m.mu.Lock()
	m.current = sess
	m.loaded = true
	m.mu.Unlock()

	m.logger.Info(ctx, "Operator logged in", log.Fields{"ig_user": sess.Username})
	if m.store != nil {
		if err := m.store.Save(ctx, sess); err != nil {
			m.logger.Warn(ctx, "Failed to persist session", log.Fields{"error": err.Error()})
		}
	}
	return sess, nil
}
