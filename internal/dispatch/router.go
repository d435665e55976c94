package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lalithlochan/dropcast/internal/circuitbreaker"
	"github.com/lalithlochan/dropcast/internal/db"
	"github.com/lalithlochan/dropcast/internal/metrics"
)

// RouterConfig controls the protection applied to every channel route
type RouterConfig struct {
	// RatePerSecond caps sends per channel. Zero disables throttling.
	RatePerSecond int

	// BreakerMaxFailures and BreakerRecoveryTimeout configure one circuit
	// breaker per channel. Zero values fall back to the breaker defaults.
	BreakerMaxFailures     int
	BreakerRecoveryTimeout time.Duration
}

type route struct {
	sender  *ProtectedSender
	limiter *rate.Limiter
}

// Router picks the sender for a channel, throttles it, runs it behind a
// circuit breaker and turns the result into an Outcome.
type Router struct {
	routes map[db.Channel]*route
	logger *zap.Logger
}

// NewRouter binds each known channel to the first sender that supports it
func NewRouter(logger *zap.Logger, cfg RouterConfig, senders ...Sender) *Router {
	r := &Router{
		routes: make(map[db.Channel]*route),
		logger: logger,
	}

	for _, ch := range db.AllChannels {
		for _, s := range senders {
			if !s.SupportsChannel(ch) {
				continue
			}

			breaker := circuitbreaker.New(circuitbreaker.Config{
				Name:            string(ch),
				MaxFailures:     cfg.BreakerMaxFailures,
				RecoveryTimeout: cfg.BreakerRecoveryTimeout,
				OnStateChange: func(name string, _, to circuitbreaker.State) {
					metrics.SetBreakerState(name, int(to))
				},
			}, logger)

			rt := &route{sender: NewProtectedSender(s, breaker, logger)}
			if cfg.RatePerSecond > 0 {
				rt.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RatePerSecond)
			}
			r.routes[ch] = rt
			break
		}
	}

	return r
}

// Send performs one dispatch. Errors never escape: every failure, including
// a context deadline, comes back as a failed Outcome.
func (r *Router) Send(ctx context.Context, recipient db.Recipient, content *db.ContentItem, channel db.Channel) Outcome {
	rt, ok := r.routes[channel]
	if !ok {
		return Failed(fmt.Sprintf("no sender for channel: %s", channel), nil)
	}

	if rt.limiter != nil {
		if err := rt.limiter.Wait(ctx); err != nil {
			metrics.RecordDispatch(string(channel), false, 0)
			return Failed(fmt.Sprintf("rate limit wait: %v", err), nil)
		}
	}

	msg := &Message{Recipient: recipient, Content: content, Channel: channel}

	start := time.Now()
	meta, err := rt.sender.Send(ctx, msg)
	elapsed := time.Since(start)

	metrics.RecordDispatch(string(channel), err == nil, elapsed)

	if err != nil {
		reason := err.Error()
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			reason = "dispatch timed out: " + reason
		}
		r.logger.Debug("dispatch failed",
			zap.String("user_id", recipient.ID.String()),
			zap.String("channel", string(channel)),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		return Failed(cleanText(reason), cleanMetadata(meta))
	}

	return Succeeded(cleanMetadata(meta))
}

// SupportsChannel reports whether a sender is bound to channel
func (r *Router) SupportsChannel(channel db.Channel) bool {
	_, ok := r.routes[channel]
	return ok
}

// BreakerStats returns a snapshot of every channel breaker
func (r *Router) BreakerStats() []circuitbreaker.Stats {
	stats := make([]circuitbreaker.Stats, 0, len(r.routes))
	for _, ch := range db.AllChannels {
		if rt, ok := r.routes[ch]; ok {
			stats = append(stats, rt.sender.Breaker().Stats())
		}
	}
	return stats
}
