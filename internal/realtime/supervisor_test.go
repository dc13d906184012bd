package realtime

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ngefeed/internal/table"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// venue is a fake realtime endpoint that replays a snapshot on every connection.
type venue struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    []*websocket.Conn
	snapshot []string
	lastReq  *http.Request
	accepted atomic.Int64
	rejected atomic.Int64
	reject   atomic.Bool
}

func newVenue(snapshot ...string) *venue {
	v := &venue{
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		snapshot: snapshot,
	}
	v.server = httptest.NewServer(http.HandlerFunc(v.handle))
	return v
}

func (v *venue) handle(w http.ResponseWriter, r *http.Request) {
	if v.reject.Load() {
		v.rejected.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := v.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	v.accepted.Add(1)

	// push writes under mu too; gorilla allows one writer per conn
	v.mu.Lock()
	v.conns = append(v.conns, conn)
	v.lastReq = r
	for _, f := range v.snapshot {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
			v.mu.Unlock()
			return
		}
	}
	v.mu.Unlock()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (v *venue) push(frame string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, c := range v.conns {
		_ = c.WriteMessage(websocket.TextMessage, []byte(frame))
	}
}

func (v *venue) setSnapshot(frames ...string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.snapshot = frames
}

func (v *venue) dropAll() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, c := range v.conns {
		c.Close()
	}
	v.conns = nil
}

func (v *venue) request() *http.Request {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lastReq
}

func (v *venue) Close() {
	v.dropAll()
	v.server.Close()
}

func partial(name string, keys []string, rows string) string {
	k := `[]`
	if len(keys) > 0 {
		k = `["` + strings.Join(keys, `","`) + `"]`
	}
	return fmt.Sprintf(`{"table":%q,"action":"partial","keys":%s,"data":%s}`, name, k, rows)
}

func publicSnapshot() []string {
	return []string{
		`{"info":"Welcome to the API.","version":"1.0"}`,
		`{"success":true,"subscribe":"trade:XBTUSD"}`,
		partial(table.Instrument, []string{"symbol"}, `[{"symbol":"XBTUSD","tickSize":0.5,"lastPrice":100}]`),
		partial(table.Trade, nil, `[{"timestamp":"2024-03-01T12:00:00.000Z","symbol":"XBTUSD","price":100,"size":1}]`),
		partial(table.Quote, nil, `[{"symbol":"XBTUSD","bidPrice":99.5,"askPrice":100}]`),
		partial(table.OrderBookL2, []string{"symbol", "id", "side"}, `[{"symbol":"XBTUSD","id":1,"side":"Sell","size":10,"price":100}]`),
	}
}

func newTestSupervisor(t *testing.T, v *venue, mutate func(*Config)) (*Supervisor, *table.Store) {
	t.Helper()
	store := table.NewStore()
	cfg := Config{
		Endpoint:       v.server.URL,
		Symbol:         "XBTUSD",
		ConnectTimeout: time.Second,
		ReconnectDelay: 20 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := NewSupervisor(cfg, store)
	require.NoError(t, err)
	t.Cleanup(s.Stop)
	return s, store
}

func TestNewSupervisor_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		err  string
	}{
		{name: "key without secret", cfg: Config{Endpoint: "http://x", Symbol: "XBTUSD", APIKey: "k"}, err: ErrCredentials.Error()},
		{name: "secret without key", cfg: Config{Endpoint: "http://x", Symbol: "XBTUSD", APISecret: "s"}, err: ErrCredentials.Error()},
		{name: "missing endpoint", cfg: Config{Symbol: "XBTUSD"}, err: "endpoint is required"},
		{name: "missing symbol", cfg: Config{Endpoint: "http://x"}, err: "symbol is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSupervisor(tt.cfg, table.NewStore())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.err)
		})
	}
}

func TestSupervisor_TopicsAndRequiredTables(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		topics   []string
		required []string
	}{
		{
			name:     "public",
			cfg:      Config{Endpoint: "https://www.example.com", Symbol: "XBTUSD"},
			topics:   []string{"instrument:XBTUSD", "orderBookL2:XBTUSD", "trade:XBTUSD", "quote:XBTUSD"},
			required: []string{table.Instrument, table.Trade, table.Quote, table.OrderBookL2},
		},
		{
			name:     "public without quote",
			cfg:      Config{Endpoint: "https://www.example.com", Symbol: "XBTUSD", SkipQuote: true},
			topics:   []string{"instrument:XBTUSD", "orderBookL2:XBTUSD", "trade:XBTUSD"},
			required: []string{table.Instrument, table.Trade, table.OrderBookL2},
		},
		{
			name: "authenticated",
			cfg:  Config{Endpoint: "https://www.example.com", Symbol: "XBTUSD", APIKey: "k", APISecret: "s"},
			topics: []string{
				"instrument:XBTUSD", "orderBookL2:XBTUSD", "trade:XBTUSD", "quote:XBTUSD",
				"execution:XBTUSD", "order:XBTUSD", "position:XBTUSD", "margin",
			},
			required: []string{
				table.Instrument, table.Trade, table.Quote, table.OrderBookL2,
				table.Margin, table.Order, table.Position,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewSupervisor(tt.cfg, table.NewStore())
			require.NoError(t, err)
			assert.Equal(t, tt.topics, s.Topics())
			assert.Equal(t, tt.required, s.RequiredTables())

			raw, err := s.URL()
			require.NoError(t, err)
			u, err := url.Parse(raw)
			require.NoError(t, err)
			assert.Equal(t, "wss", u.Scheme)
			assert.Equal(t, "/realtime", u.Path)
			assert.Equal(t, strings.Join(tt.topics, ","), u.Query().Get("subscribe"))
		})
	}
}

func TestSupervisor_StartReachesReady(t *testing.T) {
	v := newVenue(publicSnapshot()...)
	defer v.Close()

	var states []State
	var mu sync.Mutex
	s, store := newTestSupervisor(t, v, func(c *Config) {
		c.OnStateChange = func(_, to State) {
			mu.Lock()
			states = append(states, to)
			mu.Unlock()
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, s.Start(ctx))

	assert.True(t, s.Ready())
	assert.Equal(t, 1, store.Len(table.Trade))
	assert.Equal(t, []string{"symbol", "id", "side"}, store.Keys(table.OrderBookL2))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) == 3
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []State{Connecting, WaitingForSnapshot, Ready}, states)
	mu.Unlock()

	assert.ErrorIs(t, s.Start(ctx), ErrAlreadyStarted)

	s.Stop()
	assert.Equal(t, Disconnected, s.State())
}

func TestSupervisor_AuthHeaders(t *testing.T) {
	v := newVenue(publicSnapshot()...)
	defer v.Close()
	v.setSnapshot(append(publicSnapshot(),
		partial(table.Margin, []string{"account"}, `[{"account":1,"walletBalance":1000}]`),
		partial(table.Order, []string{"orderID"}, `[]`),
		partial(table.Position, []string{"account", "symbol"}, `[]`),
	)...)

	s, _ := newTestSupervisor(t, v, func(c *Config) {
		c.APIKey = "key"
		c.APISecret = "secret"
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, s.Start(ctx))

	req := v.request()
	require.NotNil(t, req)
	assert.Equal(t, "key", req.Header.Get("api-key"))
	assert.NotEmpty(t, req.Header.Get("api-signature"))
	assert.Equal(t, req.Header.Get("api-expires"), req.Header.Get("api-nonce"))
	assert.Contains(t, req.URL.Query().Get("subscribe"), "margin")
}

func TestSupervisor_WaitsForEverySnapshot(t *testing.T) {
	frames := publicSnapshot()
	// hold back the order book partial
	v := newVenue(frames[:len(frames)-1]...)
	defer v.Close()

	s, _ := newTestSupervisor(t, v, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Start(ctx), context.DeadlineExceeded)
	assert.Equal(t, WaitingForSnapshot, s.State())

	v.push(frames[len(frames)-1])
	require.NoError(t, s.WaitReady(context.Background()))
}

func TestSupervisor_ConnectFailure(t *testing.T) {
	v := newVenue()
	defer v.Close()
	v.reject.Store(true)

	s, _ := newTestSupervisor(t, v, nil)
	err := s.Start(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrConnectTimeout)
	assert.Equal(t, Disconnected, s.State())
}

func TestSupervisor_ConnectTimeout(t *testing.T) {
	// accepts TCP but never answers the upgrade request
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	var mu sync.Mutex
	var held []net.Conn
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			held = append(held, c)
			mu.Unlock()
		}
	}()
	defer func() {
		mu.Lock()
		defer mu.Unlock()
		for _, c := range held {
			c.Close()
		}
	}()

	s, err := NewSupervisor(Config{
		Endpoint:       "http://" + ln.Addr().String(),
		Symbol:         "XBTUSD",
		ConnectTimeout: 300 * time.Millisecond,
	}, table.NewStore())
	require.NoError(t, err)
	t.Cleanup(s.Stop)

	began := time.Now()
	err = s.Start(context.Background())
	assert.ErrorIs(t, err, ErrConnectTimeout)
	assert.Less(t, time.Since(began), 3*time.Second)
	assert.Equal(t, Disconnected, s.State())
}

func TestSupervisor_MalformedFrameIsSkipped(t *testing.T) {
	v := newVenue(publicSnapshot()...)
	defer v.Close()

	var routed atomic.Int64
	s, store := newTestSupervisor(t, v, func(c *Config) {
		c.Router = func(a table.Action, _ Frame) {
			if a == table.Insert {
				routed.Add(1)
			}
		}
	})
	require.NoError(t, s.Start(context.Background()))

	v.push(`{"table":"trade","action":`)
	v.push(`{"table":"trade","action":"upsert","data":[]}`)
	v.push(`{"table":"trade","action":"insert","data":[{"price":101,"size":2}]}`)

	require.Eventually(t, func() bool { return store.Len(table.Trade) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), routed.Load())
	assert.True(t, s.Ready())
}

func TestSupervisor_RouterPanicDoesNotBreakStream(t *testing.T) {
	v := newVenue(publicSnapshot()...)
	defer v.Close()

	s, store := newTestSupervisor(t, v, func(c *Config) {
		c.Router = func(_ table.Action, f Frame) {
			if f.Table == table.Quote {
				panic("boom")
			}
		}
	})
	require.NoError(t, s.Start(context.Background()))

	v.push(`{"table":"trade","action":"insert","data":[{"price":101,"size":2}]}`)
	require.Eventually(t, func() bool { return store.Len(table.Trade) == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestSupervisor_HandleFrameDecodesNumbers(t *testing.T) {
	store := table.NewStore()
	var got Frame
	s, err := NewSupervisor(Config{
		Endpoint: "http://x",
		Symbol:   "XBTUSD",
		Router:   func(_ table.Action, f Frame) { got = f },
	}, store)
	require.NoError(t, err)

	require.NoError(t, s.handleFrame([]byte(partial(table.Trade, nil, `[{"price":100.12345678901,"size":3}]`))))
	require.Len(t, got.Data, 1)
	price, ok := got.Data[0].Decimal("price")
	require.True(t, ok)
	assert.Equal(t, "100.12345678901", price.String())
	assert.False(t, got.ReceivedAt.IsZero())

	assert.ErrorIs(t, s.handleFrame([]byte(`not json`)), ErrProtocolParse)
	assert.ErrorIs(t, s.handleFrame([]byte(`{"table":"quote","action":"insert","data":[]}`)), table.ErrUnknownTable)
	assert.NoError(t, s.handleFrame([]byte(`{"status":400,"error":"bad topic"}`)))
}

func TestSupervisor_ReconnectClearsAndRegates(t *testing.T) {
	v := newVenue(publicSnapshot()...)
	defer v.Close()

	var readies atomic.Int64
	s, store := newTestSupervisor(t, v, func(c *Config) {
		c.OnStateChange = func(_, to State) {
			if to == Ready {
				readies.Add(1)
			}
		}
	})
	require.NoError(t, s.Start(context.Background()))
	v.push(`{"table":"trade","action":"insert","data":[{"price":101,"size":2}]}`)
	require.Eventually(t, func() bool { return store.Len(table.Trade) == 2 }, 2*time.Second, 5*time.Millisecond)

	// the second session withholds the quote partial
	frames := publicSnapshot()
	v.setSnapshot(frames[0], frames[1], frames[2], frames[3], frames[5])
	v.dropAll()

	require.Eventually(t, func() bool { return v.accepted.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return store.Has(table.Trade) }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, store.Len(table.Trade), "pre-disconnect rows must not survive")
	assert.False(t, s.Ready())
	require.Eventually(t, func() bool { return s.Reconnects() == 1 }, 2*time.Second, 5*time.Millisecond)

	v.push(frames[4])
	require.NoError(t, s.WaitReady(context.Background()))
	assert.Equal(t, int64(2), readies.Load())
}

func TestSupervisor_RetriesUntilVenueAccepts(t *testing.T) {
	v := newVenue(publicSnapshot()...)
	defer v.Close()

	s, _ := newTestSupervisor(t, v, nil)
	require.NoError(t, s.Start(context.Background()))

	v.reject.Store(true)
	v.dropAll()
	require.Eventually(t, func() bool { return v.rejected.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, s.Ready())
	assert.Zero(t, s.Reconnects())

	v.reject.Store(false)
	require.Eventually(t, func() bool { return s.Reconnects() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.WaitReady(context.Background()))
	assert.Equal(t, int64(2), v.accepted.Load())
}
