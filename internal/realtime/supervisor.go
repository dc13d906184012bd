// Package realtime keeps the local table mirror synchronized with the venue's
// realtime socket.
//
// The Supervisor owns the connection lifecycle:
//
//	Disconnected → Connecting → WaitingForSnapshot → Ready → Closing
//
// Every inbound frame is applied to the table store in arrival order. When the
// socket fails while the supervisor is running, the store is cleared and the
// supervisor reconnects after a constant delay, forever, until stopped.
// Readiness is signalled again only once every required table has received a
// fresh partial.
package realtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"ngefeed/internal/signer"
	"ngefeed/internal/table"
	"ngefeed/internal/websocket"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

const (
	defaultConnectTimeout = 5 * time.Second
	defaultReconnectDelay = 5 * time.Second
	defaultPollInterval   = 100 * time.Millisecond

	realtimePath = "/realtime"
)

var (
	// ErrConnectTimeout is returned when the socket does not open in time.
	ErrConnectTimeout = errors.New("connection timeout")

	// ErrProtocolParse marks an inbound frame that is not valid JSON.
	ErrProtocolParse = errors.New("malformed frame")

	// ErrCredentials is returned when only one of API key and secret is set.
	ErrCredentials = errors.New("api key and api secret must be provided together")

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("supervisor already started")
)

// State is the connection state.
type State int32

const (
	Disconnected State = iota
	Connecting
	WaitingForSnapshot
	Ready
	Closing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case WaitingForSnapshot:
		return "waiting_for_snapshot"
	case Ready:
		return "ready"
	case Closing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Frame is one decoded action message.
type Frame struct {
	Table      string          `json:"table"`
	Action     string          `json:"action"`
	Data       []table.Row     `json:"data"`
	Keys       []string        `json:"keys"`
	Subscribe  json.RawMessage `json:"subscribe,omitempty"`
	ReceivedAt time.Time       `json:"-"`
}

// Router receives every frame after it has been applied to the store. It runs
// on the read goroutine and must not block indefinitely.
type Router func(action table.Action, f Frame)

// Config holds the supervisor settings.
type Config struct {
	// Endpoint is the venue host, e.g. https://www.example.com. http(s) is
	// rewritten to ws(s).
	Endpoint string

	// Symbol scopes the per-instrument topics.
	Symbol string

	// APIKey and APISecret enable the account topics. Both or neither.
	APIKey    string
	APISecret string

	// SkipQuote leaves the quote topic out for venues that do not serve it.
	SkipQuote bool

	ConnectTimeout time.Duration
	ReconnectDelay time.Duration
	PollInterval   time.Duration

	// Router is called after each applied frame.
	Router Router

	// OnStateChange is called on every state transition.
	OnStateChange func(from, to State)
}

// Supervisor drives one venue connection and the table store behind it.
type Supervisor struct {
	cfg   Config
	store *table.Store

	state      atomic.Int32
	client     atomic.Pointer[websocket.Client]
	started    atomic.Bool
	reconnects atomic.Int64

	// generation increments per connection so stale snapshot watchers stop
	generation atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewSupervisor validates cfg and returns a stopped supervisor bound to store.
func NewSupervisor(cfg Config, store *table.Store) (*Supervisor, error) {
	if (cfg.APIKey == "") != (cfg.APISecret == "") {
		return nil, ErrCredentials
	}
	if cfg.Endpoint == "" {
		return nil, errors.New("endpoint is required")
	}
	if cfg.Symbol == "" {
		return nil, errors.New("symbol is required")
	}
	if store == nil {
		return nil, errors.New("table store is required")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}

	return &Supervisor{cfg: cfg, store: store}, nil
}

// Authenticated reports whether account topics are subscribed.
func (s *Supervisor) Authenticated() bool {
	return s.cfg.APIKey != "" && s.cfg.APISecret != ""
}

// State returns the current connection state.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// Ready reports whether every required table holds a fresh snapshot.
func (s *Supervisor) Ready() bool {
	return s.State() == Ready
}

// Reconnects returns how many times the connection was re-established.
func (s *Supervisor) Reconnects() int64 {
	return s.reconnects.Load()
}

func (s *Supervisor) setState(to State) {
	from := State(s.state.Swap(int32(to)))
	if from == to {
		return
	}
	log.Debug().Str("from", from.String()).Str("to", to.String()).Msg("connection state")
	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(from, to)
	}
}

func (s *Supervisor) casState(from, to State) bool {
	if !s.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	log.Debug().Str("from", from.String()).Str("to", to.String()).Msg("connection state")
	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(from, to)
	}
	return true
}

// Topics returns the subscription list in wire form.
func (s *Supervisor) Topics() []string {
	symbolTopics := []string{table.Instrument, table.OrderBookL2, table.Trade}
	if !s.cfg.SkipQuote {
		symbolTopics = append(symbolTopics, table.Quote)
	}
	if s.Authenticated() {
		symbolTopics = append(symbolTopics, table.Execution, table.Order, table.Position)
	}

	topics := make([]string, 0, len(symbolTopics)+1)
	for _, t := range symbolTopics {
		topics = append(topics, t+":"+s.cfg.Symbol)
	}
	if s.Authenticated() {
		topics = append(topics, table.Margin)
	}
	return topics
}

// subscribed returns the bare table names behind Topics.
func (s *Supervisor) subscribed() map[string]struct{} {
	out := make(map[string]struct{})
	for _, t := range s.Topics() {
		name, _, _ := strings.Cut(t, ":")
		out[name] = struct{}{}
	}
	return out
}

// RequiredTables returns the tables that must hold a partial before Ready.
func (s *Supervisor) RequiredTables() []string {
	subs := s.subscribed()
	required := []string{table.Instrument, table.Trade, table.Quote, table.OrderBookL2}
	if s.Authenticated() {
		required = append(required, table.Margin, table.Order, table.Position)
	}

	out := make([]string, 0, len(required))
	for _, name := range required {
		if _, ok := subs[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

// URL builds the realtime endpoint with subscriptions in the query string.
func (s *Supervisor) URL() (string, error) {
	u, err := url.Parse(s.cfg.Endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = realtimePath
	u.RawQuery = "subscribe=" + strings.Join(s.Topics(), ",")
	return u.String(), nil
}

func (s *Supervisor) authHeader() http.Header {
	header := make(http.Header)
	if !s.Authenticated() {
		return header
	}

	expires := signer.Expires(time.Now(), signer.DefaultGrace)
	expiresStr := strconv.FormatInt(expires, 10)
	header.Set("api-expires", expiresStr)
	header.Set("api-nonce", expiresStr)
	header.Set("api-key", s.cfg.APIKey)
	header.Set("api-signature", signer.Signature(s.cfg.APISecret, http.MethodGet, realtimePath, expires, ""))
	return header
}

// Start connects, subscribes and blocks until the snapshot is complete or ctx
// ends. A failed first connection is returned; later failures are retried in
// the background until Stop.
func (s *Supervisor) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())

	if err := s.connect(); err != nil {
		s.setState(Disconnected)
		s.cancel()
		return err
	}

	s.wg.Add(1)
	go s.supervise()

	return s.WaitReady(ctx)
}

// connect opens a fresh socket and starts the snapshot watcher for it.
func (s *Supervisor) connect() error {
	s.setState(Connecting)

	endpoint, err := s.URL()
	if err != nil {
		return err
	}

	logger := log.With().Str("component", "supervisor").Str("symbol", s.cfg.Symbol).Logger()
	if s.Authenticated() {
		logger.Info().Msg("authenticating with api key")
	}

	client, err := websocket.NewWebsocketClient(s.ctx, websocket.Config{
		Endpoint:         endpoint,
		Header:           s.authHeader(),
		Handler:          s.handleFrame,
		HandshakeTimeout: s.cfg.ConnectTimeout,
	})
	if err != nil {
		if errors.Is(err, websocket.ErrHandshakeTimeout) {
			return fmt.Errorf("%w: %v", ErrConnectTimeout, err)
		}
		return fmt.Errorf("connect %s: %w", s.cfg.Endpoint, err)
	}

	s.client.Store(client)
	s.setState(WaitingForSnapshot)

	gen := s.generation.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.watchSnapshot(gen, client)
	}()

	logger.Info().Strs("topics", s.Topics()).Msg("connected, waiting for snapshot")
	return nil
}

// watchSnapshot promotes WaitingForSnapshot to Ready once the store holds
// every required table.
func (s *Supervisor) watchSnapshot(gen int64, client *websocket.Client) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	required := s.RequiredTables()
	for {
		if s.generation.Load() != gen {
			return
		}
		if s.store.Has(required...) {
			if s.casState(WaitingForSnapshot, Ready) {
				log.Info().Str("symbol", s.cfg.Symbol).Strs("tables", required).Msg("got all market data")
			}
			return
		}

		select {
		case <-ticker.C:
		case <-client.DisconnectChan():
			return
		case <-s.ctx.Done():
			return
		}
	}
}

// supervise waits for the current socket to fail and reconnects.
func (s *Supervisor) supervise() {
	defer s.wg.Done()
	logger := log.With().Str("component", "supervisor").Str("symbol", s.cfg.Symbol).Logger()

	for {
		client := s.client.Load()

		select {
		case <-s.ctx.Done():
			return
		case <-client.DisconnectChan():
		}

		var cause error
		select {
		case cause = <-client.ErrChan():
		default:
		}
		client.Close()
		if s.ctx.Err() != nil {
			return
		}

		logger.Warn().Err(cause).Msg("websocket lost, clearing tables and reconnecting")
		s.generation.Add(1)
		s.store.Clear()
		s.setState(Disconnected)

		if !s.reconnect() {
			return
		}
		s.reconnects.Add(1)
	}
}

// reconnect waits out the delay, then retries connect at a constant interval
// until it succeeds or the supervisor stops.
func (s *Supervisor) reconnect() bool {
	timer := time.NewTimer(s.cfg.ReconnectDelay)
	select {
	case <-s.ctx.Done():
		timer.Stop()
		return false
	case <-timer.C:
	}

	attempt := 0
	_, err := backoff.Retry(s.ctx, func() (struct{}, error) {
		attempt++
		if err := s.connect(); err != nil {
			s.setState(Disconnected)
			return struct{}{}, err
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(s.cfg.ReconnectDelay)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Error().Err(err).Int("attempt", attempt).Dur("retryIn", next).Msg("reconnect failed")
		}),
	)
	return err == nil
}

// WaitReady blocks until the supervisor is Ready, polling at PollInterval.
func (s *Supervisor) WaitReady(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if s.Ready() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Stop closes the socket and joins the workers. It is safe to call more than once.
func (s *Supervisor) Stop() {
	if !s.started.Load() {
		return
	}
	s.once.Do(func() {
		s.setState(Closing)
		s.cancel()
		if client := s.client.Load(); client != nil {
			client.Close()
		}
		s.wg.Wait()
		s.setState(Disconnected)
		log.Info().Str("symbol", s.cfg.Symbol).Msg("websocket closed")
	})
}

// handleFrame decodes one inbound message and applies it to the store.
func (s *Supervisor) handleFrame(data []byte) error {
	receivedAt := time.Now()

	var f Frame
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&f); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolParse, err)
	}
	f.ReceivedAt = receivedAt

	if len(f.Subscribe) > 0 {
		log.Debug().RawJSON("subscribe", f.Subscribe).Msg("subscribed")
		return nil
	}
	if f.Action == "" {
		// welcome, info and error frames carry no table action
		log.Debug().Bytes("frame", data).Msg("non-action frame")
		return nil
	}

	action, err := table.ParseAction(f.Action)
	if err != nil {
		return err
	}
	if err := s.store.Apply(f.Table, action, f.Data, f.Keys); err != nil {
		return err
	}

	if s.cfg.Router != nil {
		s.route(action, f)
	}
	return nil
}

func (s *Supervisor) route(action table.Action, f Frame) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Any("recover", r).Str("table", f.Table).Str("action", f.Action).Msg("panic in frame router")
		}
	}()
	s.cfg.Router(action, f)
}
