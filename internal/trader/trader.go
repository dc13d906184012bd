// Package trader composes the realtime table mirror, the bar aggregator and
// the REST client behind one facade for a single symbol.
//
// Frames are applied to the table store by the supervisor's read goroutine,
// then routed here:
//
//	trade partial  → every stored trade → aggregator
//	trade insert   → each row → aggregator, OnTrade
//	quote          → OnQuote(last row)
//	order          → OnRtnOrder per row
//	execution      → OnRtnTrade per row
//
// Finalized bars reach OnBar from the aggregator's consumer goroutine.
package trader

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"ngefeed/internal/config"
	"ngefeed/internal/history"
	"ngefeed/internal/kline"
	"ngefeed/internal/model"
	"ngefeed/internal/realtime"
	"ngefeed/internal/rest"
	"ngefeed/internal/table"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Handler receives market and account events. Rows are copies the handler
// may keep. Implementations must not block for long: trade, quote, order and
// execution callbacks run on the socket read goroutine.
type Handler interface {
	OnBar(bar model.Bar)
	OnTrade(row table.Row)
	OnQuote(row table.Row)
	OnRtnOrder(row table.Row)
	OnRtnTrade(row table.Row)
}

// BaseHandler ignores every event. Embed it to implement only some callbacks.
type BaseHandler struct{}

func (BaseHandler) OnBar(model.Bar)      {}
func (BaseHandler) OnTrade(table.Row)    {}
func (BaseHandler) OnQuote(table.Row)    {}
func (BaseHandler) OnRtnOrder(table.Row) {}
func (BaseHandler) OnRtnTrade(table.Row) {}

// Option tweaks construction.
type Option func(*options)

type options struct {
	httpClient *http.Client
	source     history.Source
	klineCfg   func(*kline.Config)
	rtCfg      func(*realtime.Config)
	onState    func(from, to realtime.State)
}

// WithHTTPClient sets the client used for history and REST calls.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithHistorySource replaces the HTTP history client.
func WithHistorySource(s history.Source) Option {
	return func(o *options) { o.source = s }
}

// WithAggregatorConfig adjusts the aggregator settings derived from config.
func WithAggregatorConfig(fn func(*kline.Config)) Option {
	return func(o *options) { o.klineCfg = fn }
}

// WithSupervisorConfig adjusts the supervisor settings derived from config.
func WithSupervisorConfig(fn func(*realtime.Config)) Option {
	return func(o *options) { o.rtCfg = fn }
}

// WithStateListener is called on every connection state transition.
func WithStateListener(fn func(from, to realtime.State)) Option {
	return func(o *options) { o.onState = fn }
}

// Trader is the facade over one venue connection and one symbol.
type Trader struct {
	symbol  string
	handler Handler

	store      *table.Store
	supervisor *realtime.Supervisor
	kline      *kline.Aggregator
	rest       *rest.Client

	started  atomic.Bool
	stopOnce sync.Once
	logger   zerolog.Logger
}

// New validates cfg and wires the components. Nothing connects until Start.
func New(cfg config.Config, h Handler, opts ...Option) (*Trader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if h == nil {
		h = BaseHandler{}
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	t := &Trader{
		symbol:  cfg.Symbol,
		handler: h,
		store:   table.NewStore(),
		rest:    rest.NewClient(cfg.Host, cfg.APIKey, cfg.APISecret, o.httpClient),
		logger:  log.With().Str("component", "trader").Str("symbol", cfg.Symbol).Logger(),
	}

	source := o.source
	if source == nil {
		historyOpts := []history.Option{history.WithEndpoint(cfg.HistoryEndpoint)}
		if o.httpClient != nil {
			historyOpts = append(historyOpts, history.WithHTTPClient(o.httpClient))
		}
		source = history.NewClient(cfg.Host, historyOpts...)
	}

	kcfg := kline.Config{
		Symbol:      cfg.Symbol,
		Resolution:  cfg.Resolution,
		MaxLen:      cfg.MaxKlineLen,
		Continuous:  cfg.Continuous,
		NotifyGrace: cfg.NotifyGrace,
		OnBar:       t.onBar,
	}
	if o.klineCfg != nil {
		o.klineCfg(&kcfg)
	}
	agg, err := kline.New(kcfg, source)
	if err != nil {
		return nil, fmt.Errorf("kline: %w", err)
	}
	t.kline = agg

	rcfg := realtime.Config{
		Endpoint:       cfg.Host,
		Symbol:         cfg.Symbol,
		APIKey:         cfg.APIKey,
		APISecret:      cfg.APISecret,
		SkipQuote:      cfg.SkipQuote,
		ConnectTimeout: cfg.ConnectTimeout,
		ReconnectDelay: cfg.ReconnectDelay,
		Router:         t.route,
		OnStateChange:  o.onState,
	}
	if o.rtCfg != nil {
		o.rtCfg(&rcfg)
	}
	sup, err := realtime.NewSupervisor(rcfg, t.store)
	if err != nil {
		return nil, fmt.Errorf("realtime: %w", err)
	}
	t.supervisor = sup

	return t, nil
}

// Start runs the aggregator, then connects and blocks until the snapshot is
// complete. ctx bounds only that wait; the workers run until Stop. The tick
// injector starts once the connection is ready. On error everything started
// so far is stopped.
func (t *Trader) Start(ctx context.Context) error {
	if !t.started.CompareAndSwap(false, true) {
		return errors.New("trader already started")
	}

	if err := t.kline.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	if err := t.supervisor.Start(ctx); err != nil {
		t.supervisor.Stop()
		t.kline.Stop()
		return err
	}
	if err := t.kline.StartInjector(); err != nil {
		t.supervisor.Stop()
		t.kline.Stop()
		return err
	}

	t.logger.Info().Object("kline", t.kline).Strs("topics", t.supervisor.Topics()).Msg("trader ready")
	return nil
}

// Stop closes the connection and the aggregator.
func (t *Trader) Stop() {
	t.stopOnce.Do(func() {
		t.supervisor.Stop()
		t.kline.Stop()
		t.logger.Info().Msg("trader stopped")
	})
}

// Symbol returns the traded symbol.
func (t *Trader) Symbol() string { return t.symbol }

// Kline exposes the bar aggregator for history refreshes and reads.
func (t *Trader) Kline() *kline.Aggregator { return t.kline }

// Supervisor exposes the connection state.
func (t *Trader) Supervisor() *realtime.Supervisor { return t.supervisor }

// PlaceOrder submits an order for the trader's symbol unless o names another.
func (t *Trader) PlaceOrder(ctx context.Context, o rest.OrderRequest) (table.Row, error) {
	if o.Symbol == "" {
		o.Symbol = t.symbol
	}
	return t.rest.PlaceOrder(ctx, o)
}

// CancelOrder cancels by venue order IDs, or by client order IDs when none are given.
func (t *Trader) CancelOrder(ctx context.Context, orderIDs, clOrdIDs []string) ([]table.Row, error) {
	return t.rest.CancelOrder(ctx, orderIDs, clOrdIDs)
}

// Orders lists the trader's orders from REST, open ones only when openOnly is set.
func (t *Trader) Orders(ctx context.Context, openOnly bool) ([]table.Row, error) {
	return t.rest.Orders(ctx, t.symbol, openOnly)
}

func (t *Trader) route(action table.Action, f realtime.Frame) {
	switch f.Table {
	case table.Trade:
		switch action {
		case table.Partial:
			for _, row := range t.store.Rows(table.Trade) {
				t.notifyTrade(row)
			}
		case table.Insert:
			for _, row := range f.Data {
				t.notifyTrade(row)
				t.safe("OnTrade", func() { t.handler.OnTrade(row.Clone()) })
			}
		}
	case table.Quote:
		if (action == table.Partial || action == table.Insert) && len(f.Data) > 0 {
			last := f.Data[len(f.Data)-1].Clone()
			t.safe("OnQuote", func() { t.handler.OnQuote(last) })
		}
	case table.Order:
		if action == table.Insert || action == table.Update {
			for _, row := range f.Data {
				t.safe("OnRtnOrder", func() { t.handler.OnRtnOrder(row.Clone()) })
			}
		}
	case table.Execution:
		if action == table.Insert {
			for _, row := range f.Data {
				t.safe("OnRtnTrade", func() { t.handler.OnRtnTrade(row.Clone()) })
			}
		}
	}
}

func (t *Trader) notifyTrade(row table.Row) {
	tick, err := tickFromRow(row)
	if err != nil {
		t.logger.Warn().Err(err).Msg("skipping trade row")
		return
	}
	if !t.kline.NotifyTrade(tick) {
		t.logger.Debug().Msg("aggregator stopped, trade dropped")
	}
}

func (t *Trader) onBar(bar model.Bar) {
	t.safe("OnBar", func() { t.handler.OnBar(bar) })
}

// safe runs a handler callback, logging instead of propagating a panic.
func (t *Trader) safe(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error().Any("recover", r).Str("callback", name).Msg("handler panicked")
		}
	}()
	fn()
}

func tickFromRow(row table.Row) (model.Tick, error) {
	ts, err := row.Time("timestamp")
	if err != nil {
		return model.Tick{}, err
	}
	price, ok := row.Decimal("price")
	if !ok {
		return model.Tick{}, fmt.Errorf("trade at %s has no price", ts)
	}
	size, ok := row.Decimal("size")
	if !ok {
		return model.Tick{}, fmt.Errorf("trade at %s has no size", ts)
	}
	return model.Tick{Timestamp: ts, Price: price, Size: size}, nil
}
