// Package ratelimit implements fleet-wide sliding-window rate limiting on
// top of the fast store's atomic window primitive.
package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/AltairaLabs/research-coordinator/internal/coordinator/protocol"
	"github.com/AltairaLabs/research-coordinator/internal/coordinator/storage"
)

const keyPrefix = "ratelimit:"

// Result is the outcome of a rate-limit check
type Result struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	ResetAt    time.Time
	RetryAfter time.Duration // zero when allowed
	Degraded   bool          // the store was unavailable and the check failed open
}

// Headers returns the rate-limit response headers for r
func (r Result) Headers() http.Header {
	h := http.Header{}
	if r.Limit <= 0 {
		return h
	}
	h.Set("X-RateLimit-Limit", strconv.FormatInt(r.Limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(r.Remaining, 10))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(r.ResetAt.Unix(), 10))
	if !r.Allowed {
		h.Set("Retry-After", strconv.FormatInt(retrySeconds(r.RetryAfter), 10))
	}
	return h
}

// Info returns the wire form of r, or nil for an unlimited operation
func (r Result) Info() *protocol.RateLimitInfo {
	if r.Limit <= 0 {
		return nil
	}
	return &protocol.RateLimitInfo{
		Limit:     r.Limit,
		Remaining: r.Remaining,
		Reset:     r.ResetAt.Unix(),
	}
}

// Err returns a rate_limited boundary error carrying r's metadata
func (r Result) Err() *protocol.Error {
	return protocol.NewError(protocol.CodeRateLimited).WithRateLimit(r.Info(), r.RetryAfter)
}

func retrySeconds(d time.Duration) int64 {
	s := int64((d + time.Second - 1) / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}

// Limiter checks sliding windows held in the fast store
type Limiter struct {
	fast         storage.FastStore
	policy       Policy
	fallbackTier string
	logger       *zap.Logger
	onReject     func(op, tier string)
}

// Option configures a Limiter
type Option func(*Limiter)

// WithFallbackTier sets the tier used for unknown tiers
func WithFallbackTier(tier string) Option {
	return func(l *Limiter) { l.fallbackTier = tier }
}

// WithRejectHook registers a callback for every rejection (metrics)
func WithRejectHook(fn func(op, tier string)) Option {
	return func(l *Limiter) { l.onReject = fn }
}

// New creates a limiter over fast with the given policy table
func New(fast storage.FastStore, policy Policy, logger *zap.Logger, opts ...Option) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Limiter{
		fast:         fast,
		policy:       policy,
		fallbackTier: "free",
		logger:       logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check admits or rejects one request for key. The Nth request inside the
// window is admitted and the N+1th rejected. When the store cannot answer,
// the request is admitted.
//
// The burst window is consulted first. A burst rejection leaves the main
// window untouched, while a request the main window rejects has already
// taken a burst slot.
func (l *Limiter) Check(ctx context.Context, key string, limit Limit) Result {
	if !limit.Enabled() {
		return Result{Allowed: true}
	}

	if limit.Burst > 0 {
		bw := limit.BurstWindow
		if bw <= 0 {
			bw = DefaultBurstWindow
		}
		burst, err := l.fast.SlidingWindow(ctx, keyPrefix+key+":burst", limit.Burst, bw, uuid.NewString())
		if err != nil {
			return l.failOpen(key, limit, err)
		}
		if !burst.Allowed {
			return Result{
				Allowed:    false,
				Limit:      limit.Max,
				Remaining:  0,
				ResetAt:    burst.ResetAt,
				RetryAfter: burst.ResetAt.Sub(burst.Now),
			}
		}
	}

	win, err := l.fast.SlidingWindow(ctx, keyPrefix+key, limit.Max, limit.Window, uuid.NewString())
	if err != nil {
		return l.failOpen(key, limit, err)
	}
	res := Result{
		Allowed:   win.Allowed,
		Limit:     limit.Max,
		Remaining: limit.Max - win.Count,
		ResetAt:   win.ResetAt,
	}
	if res.Remaining < 0 {
		res.Remaining = 0
	}
	if !win.Allowed {
		res.Remaining = 0
		res.RetryAfter = win.ResetAt.Sub(win.Now)
	}
	return res
}

// CheckOperation applies the policy for (op, tier) to userID
func (l *Limiter) CheckOperation(ctx context.Context, userID, tier, op string) Result {
	limit, ok := l.policy.Lookup(op, tier, l.fallbackTier)
	if !ok {
		return Result{Allowed: true}
	}
	res := l.Check(ctx, op+":"+userID, limit)
	if !res.Allowed {
		l.logger.Info("Rate limit exceeded",
			zap.String("user_id", userID),
			zap.String("tier", tier),
			zap.String("operation", op),
			zap.Time("reset_at", res.ResetAt))
		if l.onReject != nil {
			l.onReject(op, tier)
		}
	}
	return res
}

func (l *Limiter) failOpen(key string, limit Limit, err error) Result {
	l.logger.Warn("Rate limit check failed, allowing request",
		zap.String("key", key), zap.Error(err))
	return Result{
		Allowed:   true,
		Limit:     limit.Max,
		Remaining: limit.Max,
		ResetAt:   time.Now().Add(limit.Window),
		Degraded:  true,
	}
}
