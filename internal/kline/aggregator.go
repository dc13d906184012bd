// Package kline builds OHLCV bars for one symbol from the live trade stream,
// reconciled against historical bars fetched on demand.
//
// Thread Safety:
//   - All mutation of the cache and the latest bar happens under one RWMutex
//   - Live ticks are applied by a single consumer goroutine in FIFO order
//   - History refreshes and read accessors may be called from any goroutine
//
// Bar lifecycle:
//
//	tick → latest bar (in progress) → confirm → cache + OnBar
//
// The latest bar is never part of the cache. It is finalized when a tick (real
// or synthetic) lands in a later bucket.
package kline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"ngefeed/internal/history"
	"ngefeed/internal/model"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	// DefaultResolution is used when none is configured.
	DefaultResolution = "3m"

	// DefaultMaxLen bounds the bar cache.
	DefaultMaxLen = 5000

	// DefaultCount is the bar count requested when a refresh does not set one.
	DefaultCount = 100

	// bootstrapCount is fetched when a tick or read finds no latest bar.
	bootstrapCount = 20
)

// Mode anchors the first requested bucket relative to Request.From.
type Mode int

const (
	// ModeFirst starts the first bucket at From.
	ModeFirst Mode = iota
	// ModeLast ends the first bucket at From.
	ModeLast
)

func (m Mode) String() string {
	if m == ModeLast {
		return "last"
	}
	return "first"
}

// Request parametrizes a history refresh.
type Request struct {
	Resolution string
	Count      int
	From       time.Time
	To         time.Time
	Mode       Mode

	// Trigger hands every newly merged bar to OnBar.
	Trigger bool
}

// Config holds aggregator settings.
type Config struct {
	Symbol     string
	Resolution string
	MaxLen     int

	// Continuous opens each new bar at the previous close.
	Continuous bool

	System   SystemResolutions
	Location *time.Location

	// OnBar receives finalized bars on the consumer goroutine.
	OnBar func(model.Bar)

	NotifyInterval  time.Duration
	NotifyGrace     time.Duration
	DisableInjector bool

	Now func() time.Time
}

// Aggregator owns the bar cache and the latest bar.
type Aggregator struct {
	cfg    Config
	source history.Source
	queue  *commandQueue

	mu     sync.RWMutex
	res    Resolution
	cache  []model.Bar
	latest *model.Bar

	started   atomic.Bool
	injecting atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	stopOnce  sync.Once
}

// New validates cfg and returns a stopped aggregator reading history from source.
func New(cfg Config, source history.Source) (*Aggregator, error) {
	if source == nil {
		return nil, errors.New("history source is required")
	}
	if cfg.Resolution == "" {
		cfg.Resolution = DefaultResolution
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = DefaultMaxLen
	}
	if cfg.System == nil {
		cfg.System = DefaultSystemResolutions
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NotifyInterval <= 0 {
		cfg.NotifyInterval = DefaultNotifyInterval
	}
	if cfg.NotifyGrace <= 0 {
		cfg.NotifyGrace = DefaultNotifyGrace
	}

	res, err := ParseResolution(cfg.Resolution, cfg.System, cfg.Location)
	if err != nil {
		return nil, err
	}

	return &Aggregator{
		cfg:    cfg,
		source: source,
		queue:  newCommandQueue(),
		res:    res,
	}, nil
}

// Start launches the command consumer. The tick injector runs separately,
// see StartInjector.
func (a *Aggregator) Start(ctx context.Context) error {
	if !a.started.CompareAndSwap(false, true) {
		return errors.New("aggregator already started")
	}
	a.ctx, a.cancel = context.WithCancel(ctx)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.consume(a.ctx)
	}()

	log.Info().Str("symbol", a.cfg.Symbol).Str("resolution", a.cfg.Resolution).Msg("kline aggregator started")
	return nil
}

// StartInjector begins closing idle bars with boundary ticks. Call it once the
// trade stream is live. It is a no-op when the injector is disabled or
// already running.
func (a *Aggregator) StartInjector() error {
	if !a.started.Load() {
		return errors.New("aggregator not started")
	}
	if a.ctx.Err() != nil {
		return errors.New("aggregator stopped")
	}
	if a.cfg.DisableInjector || !a.injecting.CompareAndSwap(false, true) {
		return nil
	}

	injector := NewInjector(a.cfg.NotifyInterval, a.cfg.NotifyGrace, a.cfg.Now, a.NotifyTrade)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		injector.Run(a.ctx)
	}()
	return nil
}

// Injecting reports whether the tick injector has been started.
func (a *Aggregator) Injecting() bool {
	return a.injecting.Load()
}

// Stop closes the queue, drops pending commands and joins the workers.
func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() {
		dropped := a.queue.close()
		if a.cancel != nil {
			a.cancel()
		}
		a.wg.Wait()
		log.Info().Str("symbol", a.cfg.Symbol).Int("dropped", dropped).Msg("kline aggregator stopped")
	})
}

// NotifyTrade enqueues a tick. It reports false after Stop.
func (a *Aggregator) NotifyTrade(t model.Tick) bool {
	return a.queue.push(model.TradeCommand(t))
}

func (a *Aggregator) consume(ctx context.Context) {
	for {
		cmd, ok := a.queue.pop(ctx)
		if !ok {
			return
		}
		a.dispatch(ctx, cmd)
	}
}

func (a *Aggregator) dispatch(ctx context.Context, cmd model.Command) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Any("recover", r).Str("command", cmd.Kind.String()).Msg("panic handling kline command")
		}
	}()

	switch cmd.Kind {
	case model.CommandTrade:
		a.onTrade(ctx, cmd.Tick)
	case model.CommandBar:
		if a.cfg.OnBar != nil {
			a.cfg.OnBar(cmd.Bar)
		}
	default:
		log.Warn().Str("command", cmd.Kind.String()).Msg("unknown kline command")
	}
}

// RetrieveBars refreshes the cache from history. A resolution with different
// buckets from the cached one discards the cache.
func (a *Aggregator) RetrieveBars(ctx context.Context, req Request) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.retrieve(ctx, req)
}

func (a *Aggregator) retrieve(ctx context.Context, req Request) error {
	raw := req.Resolution
	if raw == "" {
		raw = a.res.Raw
	}
	res, err := ParseResolution(raw, a.cfg.System, a.cfg.Location)
	if err != nil {
		return err
	}

	if !res.SameBuckets(a.res) {
		if len(a.cache) > 0 {
			log.Warn().Str("resolution", res.Raw).Str("cached", a.res.Raw).Msg("resolution changed, discarding cached bars")
		}
		a.cache = nil
		a.latest = nil
	}
	a.res = res

	count := req.Count
	if count <= 0 {
		count = DefaultCount
	}
	if count > a.cfg.MaxLen {
		count = a.cfg.MaxLen
	}

	now := a.cfg.Now()
	from, to := a.timeRange(req, count, now)

	log.Info().Str("symbol", a.cfg.Symbol).Str("resolution", res.String()).Int("count", count).
		Time("from", from).Time("to", to).Msg("retrieving bars")

	rows, err := a.source.Bars(ctx, a.cfg.Symbol, res.System(), from, to)
	if err != nil {
		return fmt.Errorf("retrieve %s bars: %w", res.Raw, err)
	}

	older, newer, candidate := a.rebucket(rows, now)

	merged := make([]model.Bar, 0, len(older)+len(a.cache)+len(newer))
	merged = append(merged, older...)
	merged = append(merged, a.cache...)
	merged = append(merged, newer...)
	a.cache = merged
	a.trim()

	a.refreshLatest(candidate, now)

	if req.Trigger {
		for _, b := range older {
			a.queue.push(model.BarCommand(b))
		}
		for _, b := range newer {
			a.queue.push(model.BarCommand(b))
		}
	}
	return nil
}

// timeRange resolves [from, to) for a refresh, closing any gap with the cache.
func (a *Aggregator) timeRange(req Request, count int, now time.Time) (time.Time, time.Time) {
	res := a.res

	to := req.To
	if to.IsZero() {
		to = now
	}
	to = res.Ceil(to)

	from := req.From
	if from.IsZero() || !from.Before(to) {
		if !from.IsZero() {
			log.Warn().Time("from", from).Time("to", to).Msg("invalid time range, discarding from")
		}
		from = res.Shift(to, -res.Duration*(count+1))
	}
	from = res.Floor(from)

	if n := len(a.cache); n > 0 {
		if first := a.cache[0].Timestamp; to.Before(first) {
			log.Info().Time("to", to).Time("extended", first).Msg("extending range to reach cached bars")
			to = first
		}
		if last := a.cache[n-1].Timestamp; from.After(last) {
			log.Info().Time("from", from).Time("extended", last).Msg("extending range to reach cached bars")
			from = last
		}
	}

	start := res.BucketStart(from)
	if req.Mode == ModeLast && start.Equal(from) {
		start = res.Prev(from)
	}
	return start, to
}

// rebucket folds system bars into requested buckets and splits finished ones
// into those older and newer than the cache. A bucket still open at now is
// returned as candidate.
func (a *Aggregator) rebucket(rows []model.Bar, now time.Time) (older, newer []model.Bar, candidate *model.Bar) {
	res := a.res
	sorted := append([]model.Bar(nil), rows...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	var groups []model.Bar
	for _, r := range sorted {
		start := res.BucketStart(r.Timestamp)
		if n := len(groups); n > 0 && groups[n-1].Timestamp.Equal(start) {
			g := &groups[n-1]
			g.High = decimal.Max(g.High, r.High)
			g.Low = decimal.Min(g.Low, r.Low)
			g.Close = r.Close
			g.Volume = g.Volume.Add(r.Volume)
			continue
		}
		groups = append(groups, model.Bar{
			Symbol:    a.cfg.Symbol,
			Timestamp: start,
			Open:      r.Open,
			High:      r.High,
			Low:       r.Low,
			Close:     r.Close,
			Volume:    r.Volume,
		})
	}

	for i := range groups {
		g := groups[i]
		if res.Next(g.Timestamp).After(now) {
			candidate = &g
			continue
		}
		switch n := len(a.cache); {
		case n == 0:
			newer = append(newer, g)
		case g.Timestamp.Before(a.cache[0].Timestamp):
			older = append(older, g)
		case !g.Timestamp.After(a.cache[n-1].Timestamp):
			// already cached
		default:
			newer = append(newer, g)
		}
	}
	return older, newer, candidate
}

// refreshLatest installs candidate when it is newer than what we have, and
// makes sure the latest bar always follows the newest cached bar.
func (a *Aggregator) refreshLatest(candidate *model.Bar, now time.Time) {
	n := len(a.cache)

	if candidate != nil {
		c := *candidate
		// live ticks supply volume from here on
		c.Volume = decimal.Zero
		newerThanLatest := a.latest == nil || c.Timestamp.After(a.latest.Timestamp)
		newerThanCache := n == 0 || c.Timestamp.After(a.cache[n-1].Timestamp)
		if newerThanLatest && newerThanCache {
			a.latest = &c
		}
	}

	switch {
	case a.latest == nil && n == 0:
		a.latest = &model.Bar{Symbol: a.cfg.Symbol, Timestamp: a.res.BucketStart(now)}
	case n > 0 && (a.latest == nil || !a.latest.Timestamp.After(a.cache[n-1].Timestamp)):
		a.latest = a.openAfter(a.cache[n-1])
	}
}

func (a *Aggregator) openAfter(prev model.Bar) *model.Bar {
	b := &model.Bar{Symbol: a.cfg.Symbol, Timestamp: a.res.Next(prev.Timestamp)}
	if a.cfg.Continuous {
		b.Open = prev.Close
	}
	return b
}

// trim drops the oldest bars beyond MaxLen.
func (a *Aggregator) trim() {
	if extra := len(a.cache) - a.cfg.MaxLen; extra > 0 {
		a.cache = append([]model.Bar(nil), a.cache[extra:]...)
	}
}

// onTrade folds one tick into the latest bar, confirming it first when the
// tick belongs to a later bucket.
func (a *Aggregator) onTrade(ctx context.Context, t model.Tick) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.latest == nil {
		if err := a.retrieve(ctx, Request{Count: bootstrapCount}); err != nil {
			log.Error().Err(err).Str("symbol", a.cfg.Symbol).Msg("bootstrap failed, dropping tick")
			return
		}
	}

	if t.Timestamp.Before(a.latest.Timestamp) {
		log.Debug().Time("tick", t.Timestamp).Time("latest", a.latest.Timestamp).Msg("stale tick")
		return
	}
	if t.IsAnomalous() {
		log.Warn().Time("tick", t.Timestamp).Str("price", t.Price.String()).Str("size", t.Size.String()).Msg("invalid trade price")
		return
	}

	lag := a.res.BucketIndex(t.Timestamp) - a.res.BucketIndex(a.latest.Timestamp)
	for i := int64(0); i < lag; i++ {
		if i >= int64(a.cfg.MaxLen) {
			// everything confirmed so far has already rolled out of the cache
			a.latest = &model.Bar{Symbol: a.cfg.Symbol, Timestamp: a.res.BucketStart(t.Timestamp)}
			break
		}
		a.confirm()
	}

	if t.IsSynthetic() {
		return
	}

	b := a.latest
	if b.Open.IsZero() {
		b.Open = t.Price
	}
	if b.High.IsZero() {
		b.High = b.Open
	}
	if b.Low.IsZero() {
		b.Low = b.Open
	}
	b.High = decimal.Max(b.High, t.Price)
	b.Low = decimal.Min(b.Low, t.Price)
	b.Close = t.Price
	b.Volume = b.Volume.Add(t.Size)

	if e := log.Debug(); e.Enabled() {
		e.Time("tick", t.Timestamp).Str("price", t.Price.String()).Str("size", t.Size.String()).
			Stringer("latest", b).Msg("trade tick")
	}
}

// confirm finalizes the latest bar into the cache and opens the next one. A
// bar with no price is skipped while there is no close to carry forward.
func (a *Aggregator) confirm() {
	bar := *a.latest

	n := len(a.cache)
	if n == 0 && bar.Close.IsZero() {
		a.latest = a.openAfter(bar)
		return
	}
	if n > 0 {
		prev := a.cache[n-1].Close
		for _, f := range []*decimal.Decimal{&bar.Open, &bar.High, &bar.Low, &bar.Close} {
			if f.IsZero() {
				*f = prev
			}
		}
	}

	if n > 0 && a.cache[n-1].Timestamp.Equal(bar.Timestamp) {
		a.cache[n-1] = bar
	} else {
		a.cache = append(a.cache, bar)
	}
	a.trim()

	a.queue.push(model.BarCommand(bar))
	a.latest = a.openAfter(bar)
}

// LatestBar returns a copy of the in-progress bar, bootstrapping from
// history when there is none yet.
func (a *Aggregator) LatestBar(ctx context.Context) (model.Bar, error) {
	a.mu.RLock()
	if a.latest != nil {
		b := *a.latest
		a.mu.RUnlock()
		return b, nil
	}
	a.mu.RUnlock()

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.latest == nil {
		if err := a.retrieve(ctx, Request{Count: bootstrapCount}); err != nil {
			return model.Bar{}, err
		}
	}
	return *a.latest, nil
}

// History returns a copy of the finalized bars, oldest first.
func (a *Aggregator) History() []model.Bar {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]model.Bar(nil), a.cache...)
}

// Len returns the number of finalized bars.
func (a *Aggregator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.cache)
}

// Resolution returns the resolution of the cached bars.
func (a *Aggregator) Resolution() Resolution {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.res
}

// Pending returns the number of queued commands.
func (a *Aggregator) Pending() int {
	return a.queue.len()
}

// MarshalZerologObject lets the aggregator be logged with Object().
func (a *Aggregator) MarshalZerologObject(e *zerolog.Event) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	e.Str("symbol", a.cfg.Symbol).Str("resolution", a.res.Raw).Int("bars", len(a.cache))
	if a.latest != nil {
		e.Time("latest", a.latest.Timestamp)
	}
}
