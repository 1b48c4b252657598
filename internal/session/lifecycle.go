// Package session owns the ephemeral per-session state and its lifecycle.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// EndHook runs after a session is wiped, with the id of the ended session.
type EndHook func(endedID string)

// Lifecycle holds exactly one live session. End destroys it and creates a
// fresh one; nothing from the old session survives.
type Lifecycle struct {
	parent context.Context
	logger *slog.Logger
	clock  func() time.Time

	mu      sync.RWMutex
	current *Context
	hooks   []EndHook
	closed  bool
}

func NewLifecycle(parent context.Context, logger *slog.Logger) *Lifecycle {
	l := &Lifecycle{
		parent: parent,
		logger: logger.With(slog.String("component", "session")),
		clock:  time.Now,
	}
	l.current = newContext(parent, l.clock())
	l.logger.Info("session started", slog.String("session_id", l.current.ID()))
	return l
}

// Current returns the live session.
func (l *Lifecycle) Current() *Context {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnEnd registers a hook invoked after each session end.
func (l *Lifecycle) OnEnd(hook EndHook) {
	l.mu.Lock()
	l.hooks = append(l.hooks, hook)
	l.mu.Unlock()
}

// End wipes the current session and replaces it with a new empty one. It
// returns the new session.
func (l *Lifecycle) End() *Context {
	l.mu.Lock()
	old := l.current
	if l.closed {
		l.mu.Unlock()
		return old
	}
	l.current = newContext(l.parent, l.clock())
	next := l.current
	hooks := append([]EndHook(nil), l.hooks...)
	l.mu.Unlock()

	old.wipe()
	for _, hook := range hooks {
		hook(old.ID())
	}
	l.logger.Info("session ended",
		slog.String("session_id", old.ID()),
		slog.String("next_session_id", next.ID()),
		slog.Duration("duration", l.clock().Sub(old.StartedAt())),
	)
	return next
}

// Close wipes the live session on shutdown. Later calls to End are no-ops.
func (l *Lifecycle) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	cur := l.current
	l.mu.Unlock()
	cur.wipe()
	l.logger.Info("session state wiped on shutdown", slog.String("session_id", cur.ID()))
}
