package kline

import (
	"context"
	"time"

	"ngefeed/internal/model"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultNotifyInterval is the boundary the injector aligns to.
	DefaultNotifyInterval = time.Minute

	// DefaultNotifyGrace delays each injection past the boundary to tolerate
	// clock skew against the venue.
	DefaultNotifyGrace = 3 * time.Second
)

// Injector pushes a synthetic zero tick shortly after every interval boundary
// so the latest bar closes even when nothing trades.
type Injector struct {
	interval time.Duration
	grace    time.Duration
	now      func() time.Time
	push     func(model.Tick) bool
}

// NewInjector returns an injector that hands ticks to push.
func NewInjector(interval, grace time.Duration, now func() time.Time, push func(model.Tick) bool) *Injector {
	if interval <= 0 {
		interval = DefaultNotifyInterval
	}
	if grace < 0 {
		grace = DefaultNotifyGrace
	}
	if now == nil {
		now = time.Now
	}
	return &Injector{interval: interval, grace: grace, now: now, push: push}
}

// next returns the boundary to stamp and how long to sleep before injecting.
func (in *Injector) next() (time.Time, time.Duration) {
	now := in.now()
	boundary := now.Truncate(in.interval).Add(in.interval)
	return boundary, boundary.Add(in.grace).Sub(now)
}

// Run blocks until ctx is cancelled or the receiver stops accepting ticks.
func (in *Injector) Run(ctx context.Context) {
	logger := log.With().Str("component", "tickInjector").Logger()
	logger.Debug().Dur("interval", in.interval).Dur("grace", in.grace).Msg("starting")

	for {
		boundary, wait := in.next()
		timer := time.NewTimer(wait)

		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Debug().Msg("stopped")
			return
		case <-timer.C:
		}

		tick := model.Tick{Timestamp: boundary}
		if !in.push(tick) {
			logger.Debug().Msg("receiver closed")
			return
		}
		logger.Debug().Time("boundary", boundary).Msg("injected boundary tick")
	}
}
