package api

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/essql/essql/internal/query"
)

var (
	ErrSessionNotFound  = errors.New("query session not found")
	ErrSessionForbidden = errors.New("query session belongs to another subject")
)

// Session is one open query. Its lock is held for the whole of every call into State.
type Session struct {
	ID      string
	Subject string
	State   *query.State

	mu       sync.Mutex
	lastUsed time.Time
	closed   bool
}

// Sessions is the registry of open queries. Idle sessions expire after TTL and have their cursor released.
type Sessions struct {
	NewState func() *query.State
	TTL      time.Duration
	Logger   *slog.Logger
	Clock    func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

func (r *Sessions) ensureDefaults() {
	if r.TTL <= 0 {
		r.TTL = 5 * time.Minute
	}
	if r.Logger == nil {
		r.Logger = slog.New(slog.DiscardHandler)
	}
	if r.Clock == nil {
		r.Clock = time.Now
	}
	if r.sessions == nil {
		r.sessions = map[string]*Session{}
	}
}

// Open registers a new session for subject. The returned session is locked.
func (r *Sessions) Open(subject string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensureDefaults()

	session := &Session{ID: uuid.NewString(), Subject: subject, State: r.NewState(), lastUsed: r.Clock()}
	session.mu.Lock()
	r.sessions[session.ID] = session
	return session
}

// Acquire returns the session id owned by subject, locked. An empty session subject is open to every caller.
func (r *Sessions) Acquire(id, subject string) (*Session, error) {
	r.mu.Lock()
	r.ensureDefaults()
	session, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	if session.Subject != "" && session.Subject != subject {
		return nil, ErrSessionForbidden
	}

	session.mu.Lock()
	if session.closed {
		session.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	session.lastUsed = r.Clock()
	return session, nil
}

// Release unlocks session and refreshes its idle deadline.
func (r *Sessions) Release(session *Session) {
	session.lastUsed = r.Clock()
	session.mu.Unlock()
}

// Close removes a locked session and releases its query. The session is unlocked on return.
func (r *Sessions) Close(ctx context.Context, session *Session) error {
	r.mu.Lock()
	delete(r.sessions, session.ID)
	r.mu.Unlock()

	defer session.mu.Unlock()
	if session.closed {
		return nil
	}
	session.closed = true
	return session.State.Close(ctx)
}

func (r *Sessions) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweep closes sessions idle for longer than TTL and returns how many it closed.
// Sessions in use are skipped until their next sweep.
func (r *Sessions) Sweep(ctx context.Context) int {
	r.mu.Lock()
	r.ensureDefaults()
	now := r.Clock()
	candidates := make([]*Session, 0)
	for _, session := range r.sessions {
		candidates = append(candidates, session)
	}
	r.mu.Unlock()

	closed := 0
	for _, session := range candidates {
		if !session.mu.TryLock() {
			continue
		}
		if now.Sub(session.lastUsed) < r.TTL {
			session.mu.Unlock()
			continue
		}
		if err := r.Close(ctx, session); err != nil {
			r.Logger.WarnContext(ctx, "close expired query session failed", slog.String("query_id", session.ID), slog.Any("error", err))
		}
		closed++
	}
	if closed > 0 {
		r.Logger.DebugContext(ctx, "expired query sessions closed", slog.Int("count", closed))
	}
	return closed
}

// Run sweeps every interval until ctx is done, then closes whatever is still open.
func (r *Sessions) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			r.CloseAll(shutdownCtx)
			cancel()
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// CloseAll closes every session, waiting for sessions that are in use.
func (r *Sessions) CloseAll(ctx context.Context) {
	r.mu.Lock()
	r.ensureDefaults()
	open := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		open = append(open, session)
	}
	r.mu.Unlock()

	for _, session := range open {
		session.mu.Lock()
		if err := r.Close(ctx, session); err != nil {
			r.Logger.WarnContext(ctx, "close query session failed", slog.String("query_id", session.ID), slog.Any("error", err))
		}
	}
}
