// Package service publishes finalized bars to in-process subscribers.
//
// The dispatcher fans bars out by symbol. Slow subscribers lose their oldest
// buffered bar rather than stall the feed.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"ngefeed/internal/model"
	"ngefeed/internal/utils"

	"github.com/rs/zerolog/log"
)

const (
	defaultSubscriberBuffer = 100
	controlBuffer           = 10
)

var (
	ErrNotStarted     = errors.New("dispatcher not started")
	ErrAlreadyStarted = errors.New("dispatcher already started")
	ErrBusy           = errors.New("subscription channel is full")
)

// Subscriber receives bars for a set of symbols.
type Subscriber struct {
	id      int64
	ch      chan model.Bar
	symbols map[string]struct{}
	dropped atomic.Int64
}

// C delivers bars. It is closed on Unsubscribe and when dispatching stops.
func (s *Subscriber) C() <-chan model.Bar { return s.ch }

// Dropped counts bars discarded because the subscriber fell behind.
func (s *Subscriber) Dropped() int64 { return s.dropped.Load() }

// DispatcherConfig holds configuration parameters for the Dispatcher.
type DispatcherConfig struct {
	MaxSymbolsAllowed int // per subscription, zero for no limit
	Buffer            int // per subscriber
}

// Dispatcher is an actor: one goroutine owns the subscriber map and all
// other goroutines talk to it through channels.
type Dispatcher struct {
	cfg              DispatcherConfig
	subscribers      map[int64]*Subscriber // owned by the dispatch goroutine
	subscriptionCh   chan *Subscriber
	unsubscriptionCh chan *Subscriber
	started          atomic.Bool
	nextID           atomic.Int64
	done             chan struct{}
}

// NewDispatcher creates a new Dispatcher instance with the provided configuration.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultSubscriberBuffer
	}
	return &Dispatcher{
		cfg:              cfg,
		subscribers:      make(map[int64]*Subscriber),
		subscriptionCh:   make(chan *Subscriber, controlBuffer),
		unsubscriptionCh: make(chan *Subscriber, controlBuffer),
		done:             make(chan struct{}),
	}
}

// Subscribe registers interest in symbols.
func (d *Dispatcher) Subscribe(symbols []string) (*Subscriber, error) {
	if !d.started.Load() {
		return nil, ErrNotStarted
	}
	if err := utils.ValidateSymbols(symbols, d.cfg.MaxSymbolsAllowed); err != nil {
		return nil, err
	}

	set := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		set[s] = struct{}{}
	}
	sub := &Subscriber{
		id:      d.nextID.Add(1),
		ch:      make(chan model.Bar, d.cfg.Buffer),
		symbols: set,
	}

	select {
	case d.subscriptionCh <- sub:
		return sub, nil
	default:
		return nil, fmt.Errorf("%w, try again", ErrBusy)
	}
}

// Unsubscribe removes sub and closes its channel.
func (d *Dispatcher) Unsubscribe(sub *Subscriber) error {
	select {
	case d.unsubscriptionCh <- sub:
		return nil
	default:
		return ErrBusy
	}
}

// Done is closed once the dispatch goroutine has exited.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

// StartDispatching runs the dispatch goroutine until ctx ends or barCh closes.
func (d *Dispatcher) StartDispatching(ctx context.Context, barCh <-chan model.Bar) error {
	if !d.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	go func() {
		defer close(d.done)
		defer func() {
			for id, sub := range d.subscribers {
				close(sub.ch)
				delete(d.subscribers, id)
			}
		}()

		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("dispatcher stopped")
				return
			case sub := <-d.subscriptionCh:
				d.subscribers[sub.id] = sub
			case sub := <-d.unsubscriptionCh:
				if _, ok := d.subscribers[sub.id]; ok {
					delete(d.subscribers, sub.id)
					close(sub.ch)
				}
			case bar, ok := <-barCh:
				if !ok {
					log.Info().Msg("bar source closed, dispatcher stopped")
					return
				}
				d.dispatch(bar)
			}
		}
	}()
	return nil
}

// dispatch runs on the dispatch goroutine only.
func (d *Dispatcher) dispatch(bar model.Bar) {
	for _, sub := range d.subscribers {
		if _, ok := sub.symbols[bar.Symbol]; !ok {
			continue
		}
		select {
		case sub.ch <- bar:
		default:
			// full: make room by discarding the oldest bar
			select {
			case <-sub.ch:
				sub.dropped.Add(1)
			default:
			}
			sub.ch <- bar
			log.Warn().Int64("subscriber", sub.id).Str("symbol", bar.Symbol).Msg("subscriber is too slow, dropped oldest bar")
		}
	}
}
