package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"ngefeed/internal/model"
	"ngefeed/internal/trader"

	"github.com/rs/zerolog/log"
)

const defaultPublishBuffer = 256

// SubscriptionManager defines the interface for managing subscriptions and
// distributing bars to them.
type SubscriptionManager interface {
	Subscribe(symbols []string) (*Subscriber, error)
	Unsubscribe(sub *Subscriber) error
	StartDispatching(ctx context.Context, ch <-chan model.Bar) error
}

// BarService receives finalized bars as a trader handler and streams them to
// subscribers.
//
// OnBar never blocks the aggregator: when the publish buffer is full the bar
// is dropped and counted.
type BarService struct {
	trader.BaseHandler

	manager SubscriptionManager
	bars    chan model.Bar
	dropped atomic.Int64

	mu      sync.RWMutex
	started atomic.Bool
	stopped bool
	cancel  context.CancelFunc
}

// NewBarService creates a stopped service publishing through manager.
func NewBarService(manager SubscriptionManager, buffer int) *BarService {
	if buffer <= 0 {
		buffer = defaultPublishBuffer
	}
	return &BarService{
		manager: manager,
		bars:    make(chan model.Bar, buffer),
	}
}

// Start begins dispatching published bars.
func (s *BarService) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("bar service has already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	if err := s.manager.StartDispatching(ctx, s.bars); err != nil {
		cancel()
		s.started.Store(false)
		return fmt.Errorf("failed to start dispatching: %w", err)
	}
	s.cancel = cancel
	return nil
}

// Stop ends dispatching. Bars published afterwards are dropped.
func (s *BarService) Stop() error {
	if !s.started.CompareAndSwap(true, false) {
		return errors.New("service not started")
	}
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	log.Info().Int64("dropped", s.dropped.Load()).Msg("BarService stopped")
	return nil
}

// OnBar publishes bar without blocking.
func (s *BarService) OnBar(bar model.Bar) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		s.dropped.Add(1)
		return
	}
	select {
	case s.bars <- bar:
	default:
		s.dropped.Add(1)
		log.Warn().Str("symbol", bar.Symbol).Time("bar", bar.Timestamp).Msg("publish buffer full, dropping bar")
	}
}

// Dropped counts bars that never reached the dispatcher.
func (s *BarService) Dropped() int64 { return s.dropped.Load() }

// Stream subscribes to symbols and calls send for every bar until ctx ends,
// the subscription closes, or send fails.
func (s *BarService) Stream(ctx context.Context, symbols []string, send func(model.Bar) error) error {
	if !s.started.Load() {
		return errors.New("bar service not started")
	}
	if len(symbols) == 0 {
		return errors.New("no symbols provided")
	}

	sub, err := s.manager.Subscribe(symbols)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	defer func() {
		if err := s.manager.Unsubscribe(sub); err != nil {
			log.Error().Err(err).Strs("symbols", symbols).Msg("failed to unsubscribe")
		}
	}()

	log.Info().Strs("symbols", symbols).Msg("new bar subscription")

	for {
		select {
		case <-ctx.Done():
			log.Info().Strs("symbols", symbols).Msg("subscriber done")
			return nil
		case bar, ok := <-sub.ch:
			if !ok {
				log.Info().Strs("symbols", symbols).Msg("subscription channel closed")
				return nil
			}
			if err := send(bar); err != nil {
				log.Error().Err(err).Strs("symbols", symbols).Msg("failed to deliver bar")
				return fmt.Errorf("failed to send bar: %w", err)
			}
		}
	}
}
