package coordinator

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/AltairaLabs/research-coordinator/internal/coordinator/config"
	"github.com/AltairaLabs/research-coordinator/internal/coordinator/protocol"
	"github.com/AltairaLabs/research-coordinator/internal/coordinator/ratelimit"
	"github.com/AltairaLabs/research-coordinator/internal/coordinator/store"
)

// ErrUnknownSession is returned for a session that is not registered here
var ErrUnknownSession = errors.New("coordinator: unknown session")

// Conn is one live client socket as the registry sees it
type Conn interface {
	// Send queues one framed message for delivery
	Send(frame []byte) error
	// Close ends the connection with a close code and reason; repeat calls are no-ops
	Close(code int, reason string) error
}

// SessionReleaser frees resources bound to a session on disconnect
type SessionReleaser interface {
	ReleaseSession(ctx context.Context, sessionID string)
}

type connection struct {
	session      Session
	conn         Conn
	counted      bool // holds one unit of the fleet connection counter
	lastActivity time.Time
}

// Registry owns the live sockets of this instance and gates new
// connections against fleet-wide limits.
type Registry struct {
	store    *store.Store
	limiter  *ratelimit.Limiter
	cfg      *config.Config
	releaser SessionReleaser
	logger   *zap.Logger
	metrics  *Metrics
	now      func() time.Time

	mu    sync.RWMutex
	conns map[string]*connection
}

// NewRegistry creates a connection registry for this instance
func NewRegistry(
	st *store.Store,
	limiter *ratelimit.Limiter,
	cfg *config.Config,
	releaser SessionReleaser,
	logger *zap.Logger,
	metrics *Metrics,
) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		store:    st,
		limiter:  limiter,
		cfg:      cfg,
		releaser: releaser,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
		conns:    make(map[string]*connection),
	}
}

// Connect admits a connection for userID. It checks the connect rate,
// takes a unit of the user's fleet-wide connection counter and rejects
// with websocket_error when the tier ceiling would be exceeded. The caller
// closes the socket on error using the error's close code and reason.
func (r *Registry) Connect(ctx context.Context, userID, tier string, conn Conn) (*Session, error) {
	tierName, tierCfg := r.cfg.Tier(tier)

	res := r.limiter.CheckOperation(ctx, userID, tierName, ratelimit.OpConnect)
	if !res.Allowed {
		r.metrics.connectionRejected(protocol.ReasonRateLimit)
		return nil, res.Err().WithReason(protocol.ReasonRateLimit)
	}

	counted := true
	n, err := r.store.Increment(ctx, connCountKey(userID), 1, r.cfg.Session.CounterTTL)
	if err != nil {
		// Fairness limits fail open
		r.logger.Warn("Connection counter unavailable, admitting without ceiling check",
			zap.String("user_id", userID), zap.Error(err))
		counted = false
	} else if n > int64(tierCfg.MaxConnections) {
		r.releaseCounter(ctx, userID)
		r.metrics.connectionRejected(protocol.ReasonConnectionLimit)
		r.logger.Info("Connection ceiling reached",
			zap.String("user_id", userID),
			zap.String("tier", tierName),
			zap.Int("max_connections", tierCfg.MaxConnections))
		return nil, protocol.NewError(protocol.CodeWebsocketError).WithReason(protocol.ReasonConnectionLimit)
	}

	now := r.now().UTC()
	session := &Session{
		ID:           uuid.NewString(),
		UserID:       userID,
		Tier:         tierName,
		InstanceID:   r.cfg.InstanceID,
		ConnectedAt:  now,
		LastActivity: now,
	}
	if err := store.PutJSON(ctx, r.store, sessionKey(session.ID), session, r.cfg.Session.IdleTimeout); err != nil {
		if counted {
			r.releaseCounter(ctx, userID)
		}
		return nil, protocol.Wrap(protocol.CodeServerError, err)
	}

	r.mu.Lock()
	r.conns[session.ID] = &connection{
		session:      *session,
		conn:         conn,
		counted:      counted,
		lastActivity: now,
	}
	r.mu.Unlock()
	r.metrics.connectionOpened()

	r.logger.Info("Session connected",
		zap.String("session_id", session.ID),
		zap.String("user_id", userID),
		zap.String("tier", tierName),
		zap.Int64("user_connections", n))
	return session, nil
}

// Disconnect removes a local session. Only the first call for a session
// has any effect, so socket-close and error paths may both call it.
func (r *Registry) Disconnect(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	c, ok := r.conns[sessionID]
	if ok {
		delete(r.conns, sessionID)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	r.metrics.connectionClosed()

	if err := c.conn.Close(websocket.CloseNormalClosure, ""); err != nil {
		r.logger.Debug("Socket close failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	if c.counted {
		r.releaseCounter(ctx, c.session.UserID)
	}
	if err := r.store.Delete(ctx, sessionKey(sessionID)); err != nil {
		r.logger.Warn("Failed to delete session record", zap.String("session_id", sessionID), zap.Error(err))
	}
	if r.releaser != nil {
		r.releaser.ReleaseSession(ctx, sessionID)
	}

	r.logger.Info("Session disconnected",
		zap.String("session_id", sessionID),
		zap.String("user_id", c.session.UserID))
	return nil
}

// Dispatch delivers a framed message to a local session. Sessions held by
// other instances are ignored. A failed write disconnects the session.
func (r *Registry) Dispatch(ctx context.Context, sessionID string, frame []byte) error {
	r.mu.RLock()
	c, ok := r.conns[sessionID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	if err := c.conn.Send(frame); err != nil {
		r.logger.Info("Dispatch failed, disconnecting session",
			zap.String("session_id", sessionID), zap.Error(err))
		_ = r.Disconnect(ctx, sessionID)
		return err
	}
	return nil
}

// Send frames p and dispatches it to a local session
func (r *Registry) Send(ctx context.Context, sessionID string, p protocol.Payload, requestID string) error {
	frame, err := protocol.EncodeWithRequest(p, requestID)
	if err != nil {
		return err
	}
	return r.Dispatch(ctx, sessionID, frame)
}

// Touch records activity on a local session
func (r *Registry) Touch(ctx context.Context, sessionID string) error {
	now := r.now().UTC()
	r.mu.Lock()
	c, ok := r.conns[sessionID]
	if ok {
		c.lastActivity = now
	}
	r.mu.Unlock()
	if !ok {
		return ErrUnknownSession
	}

	_, err := store.UpdateJSON(ctx, r.store, sessionKey(sessionID), r.cfg.Session.IdleTimeout,
		func(s *Session) (*Session, error) {
			if s == nil {
				return nil, store.ErrSkip
			}
			s.LastActivity = now
			return s, nil
		})
	return err
}

// Session returns a copy of a local session
func (r *Registry) Session(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[sessionID]
	if !ok {
		return nil, false
	}
	s := c.session
	s.LastActivity = c.lastActivity
	return &s, true
}

// Sessions returns copies of every local session ordered by connect time
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.conns))
	for _, c := range r.conns {
		s := c.session
		s.LastActivity = c.lastActivity
		out = append(out, &s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// Count returns the number of local sessions
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// ReapIdle disconnects local sessions silent for longer than timeout
func (r *Registry) ReapIdle(ctx context.Context, timeout time.Duration) int {
	cutoff := r.now().Add(-timeout)

	r.mu.RLock()
	var idle []*connection
	for _, c := range r.conns {
		if c.lastActivity.Before(cutoff) {
			idle = append(idle, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range idle {
		_ = c.conn.Close(websocket.CloseGoingAway, "idle_timeout")
		_ = r.Disconnect(ctx, c.session.ID)
	}
	if len(idle) > 0 {
		r.logger.Info("Reaped idle sessions", zap.Int("count", len(idle)))
	}
	return len(idle)
}

// RefreshCounters extends the TTL of the connection counters of every user
// with a local session, so live connections are never forgotten while a
// crashed instance's share expires.
func (r *Registry) RefreshCounters(ctx context.Context) {
	users := make(map[string]struct{})
	r.mu.RLock()
	for _, c := range r.conns {
		if c.counted {
			users[c.session.UserID] = struct{}{}
		}
	}
	r.mu.RUnlock()

	for user := range users {
		if _, err := r.store.Increment(ctx, connCountKey(user), 0, r.cfg.Session.CounterTTL); err != nil {
			r.logger.Warn("Failed to refresh connection counter", zap.String("user_id", user), zap.Error(err))
		}
	}
}

// CloseAll disconnects every local session with the given close frame
func (r *Registry) CloseAll(ctx context.Context, code int, reason string) {
	r.mu.RLock()
	conns := make([]*connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		_ = c.conn.Close(code, reason)
		_ = r.Disconnect(ctx, c.session.ID)
	}
}

func (r *Registry) releaseCounter(ctx context.Context, userID string) {
	if _, err := r.store.Increment(ctx, connCountKey(userID), -1, r.cfg.Session.CounterTTL); err != nil {
		r.logger.Warn("Failed to release connection counter", zap.String("user_id", userID), zap.Error(err))
	}
}
