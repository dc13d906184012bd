// Package websocket provides the single-connection transport used by the
// realtime supervisor.
//
// A Client owns exactly one socket for its whole life: it dials, reads frames
// into the configured Handler, keeps the connection alive with pings and
// reports the disconnect. Reconnecting is the caller's job; it simply builds a
// new Client.
package websocket

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	defaultPingPeriod       = 15 * time.Second
	defaultSendTimeout      = 5 * time.Second
	defaultHandshakeTimeout = 5 * time.Second

	// order book partials are large
	defaultReadLimit = 16 << 20
)

var (
	// ErrClientShuttingDown is returned by writes after Close and reported by
	// ErrChan when the read loop ends without a transport error.
	ErrClientShuttingDown = errors.New("client is shutting down")

	// ErrHandshakeTimeout indicates the socket did not open within HandshakeTimeout.
	ErrHandshakeTimeout = errors.New("websocket handshake timeout")
)

// Config holds the socket settings. Endpoint and Handler are required.
type Config struct {
	// Endpoint is a ws:// or wss:// URL including the query string.
	Endpoint string

	// Header is sent with the upgrade request (authentication headers).
	Header http.Header

	// Handler is called for each incoming text or binary message, on the
	// read goroutine. Errors and panics are logged and do not stop reading.
	Handler func([]byte) error

	TLSInsecureSkip bool

	// PingPeriod also sets the read deadline: two missed pongs drop the socket.
	PingPeriod  time.Duration
	SendTimeout time.Duration

	// HandshakeTimeout bounds dialing plus the upgrade handshake.
	HandshakeTimeout time.Duration
}

// Client is one open socket and its workers.
type Client struct {
	conn atomic.Pointer[websocket.Conn]

	// writeMu serializes writers; gorilla allows one concurrent writer.
	writeMu sync.Mutex

	// disconnect is closed when the read loop exits.
	disconnect chan struct{}

	// errChan reports the error that terminated the read loop.
	errChan chan error

	cfg    *Config
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

// NewWebsocketClient validates cfg, dials the endpoint and starts the read and
// ping loops. The returned client is open; it stops when ctx is cancelled or
// Close is called.
func NewWebsocketClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("endpoint URL is required")
	}
	if cfg.Handler == nil {
		return nil, errors.New("message handler is required")
	}

	if cfg.PingPeriod == 0 {
		cfg.PingPeriod = defaultPingPeriod
	}
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.Header == nil {
		cfg.Header = make(http.Header)
	}

	ctx, cancel := context.WithCancel(ctx)

	client := &Client{
		cfg:        &cfg,
		ctx:        ctx,
		cancel:     cancel,
		disconnect: make(chan struct{}),
		errChan:    make(chan error, 1),
	}

	if err := client.run(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start client: %w", err)
	}

	return client, nil
}

// run dials and starts the read, ping and shutdown workers.
func (c *Client) run() error {
	conn, err := c.dial()
	if err != nil {
		return err
	}

	c.conn.Store(conn)

	conn.SetReadLimit(defaultReadLimit)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.PingPeriod * 2))
	})

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.readLoop()
	}()
	go func() {
		defer c.wg.Done()
		c.pingLoop()
	}()
	// not tracked by wg: it may call Close, which waits on wg
	go c.shutdownListener()

	return nil
}

// readLoop reads messages until the connection fails or the client closes.
func (c *Client) readLoop() {
	conn := c.conn.Load()
	logger := log.With().
		Str("endpoint", c.cfg.Endpoint).
		Str("component", "readLoop").
		Logger()

	logger.Debug().Msg("starting read loop")
	defer func() {
		logger.Debug().Msg("read loop exiting")
		close(c.disconnect)

		select {
		case c.errChan <- ErrClientShuttingDown:
		default:
		}
	}()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			switch {
			case c.ctx.Err() != nil:
				logger.Debug().Err(err).Msg("read stopped by shutdown")
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				logger.Info().Err(err).Msg("websocket closed normally")
			case websocket.IsUnexpectedCloseError(err):
				logger.Warn().Err(err).Msg("unexpected websocket closure")
			default:
				logger.Error().Err(err).Msg("read error")
			}

			select {
			case c.errChan <- err:
			default:
			}
			return
		}

		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}

		c.handle(data)
	}
}

// handle runs the handler, keeping the read loop alive on errors and panics.
func (c *Client) handle(data []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Any("recover", r).Str("endpoint", c.cfg.Endpoint).Msg("panic in message handler")
		}
	}()

	if err := c.cfg.Handler(data); err != nil {
		log.Warn().Err(err).Str("endpoint", c.cfg.Endpoint).Msg("error handling message")
	}
}

// pingLoop sends periodic pings to detect dead peers.
func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				log.Warn().Err(err).Str("endpoint", c.cfg.Endpoint).Msg("ping error")
			}
		case <-c.disconnect:
			return
		case <-c.ctx.Done():
			return
		}
	}
}

// shutdownListener closes the client once its context is cancelled.
func (c *Client) shutdownListener() {
	select {
	case <-c.ctx.Done():
		c.Close()
	case <-c.disconnect:
	}
}

// send writes a text message.
func (c *Client) send(msg []byte) error {
	if c.ctx.Err() != nil {
		return ErrClientShuttingDown
	}
	return c.write(websocket.TextMessage, msg)
}

func (c *Client) write(messageType int, data []byte) error {
	conn := c.conn.Load()
	if conn == nil {
		return ErrClientShuttingDown
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.SendTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(messageType, data)
}

// Close sends a close frame, drops the socket and waits for the workers.
// Later calls are no-ops.
func (c *Client) Close() {
	c.once.Do(func() {
		logger := log.With().
			Str("endpoint", c.cfg.Endpoint).
			Str("component", "close").
			Logger()

		c.cancel()

		if conn := c.conn.Load(); conn != nil {
			c.writeMu.Lock()
			if err := conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			); err != nil {
				logger.Debug().Err(err).Msg("failed to send close frame")
			}
			c.writeMu.Unlock()

			if err := conn.Close(); err != nil {
				logger.Debug().Err(err).Msg("error closing websocket connection")
			}
		}

		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			logger.Warn().Msg("workers did not exit in time")
		}

		logger.Debug().Msg("shutdown complete")
	})
}

// dial opens the socket within HandshakeTimeout.
func (c *Client) dial() (*websocket.Conn, error) {
	logger := log.With().
		Str("endpoint", c.cfg.Endpoint).
		Dur("handshakeTimeout", c.cfg.HandshakeTimeout).
		Logger()

	logger.Info().Msg("dialing")

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: c.cfg.TLSInsecureSkip},
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, c.cfg.Endpoint, c.cfg.Header)
	if err != nil {
		if resp != nil {
			logger.Error().Err(err).Int("statusCode", resp.StatusCode).Msg("connection failed")
		} else {
			logger.Error().Err(err).Msg("connection failed")
		}
		var netErr net.Error
		timedOut := errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout())
		if timedOut && c.ctx.Err() == nil {
			return nil, fmt.Errorf("%w: %v", ErrHandshakeTimeout, err)
		}
		return nil, err
	}

	logger.Info().Msg("connected")
	return conn, nil
}

// DisconnectChan is closed when the read loop exits for any reason.
func (c *Client) DisconnectChan() <-chan struct{} {
	return c.disconnect
}

// ErrChan yields the error that ended the read loop, at most once.
func (c *Client) ErrChan() <-chan error {
	return c.errChan
}
