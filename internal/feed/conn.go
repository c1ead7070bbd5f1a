package feed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"pumpfeed/internal/observability"
)

// DefaultSubject is the processed trade events channel.
const DefaultSubject = "unifiedTradeEvent.processed"

// Options configures a Connection.
type Options struct {
	URL      string
	Subjects []string
	User     string
	Pass     string
	Header   http.Header // extra handshake headers (Origin, User-Agent)

	// ReconnectDelay is the fixed delay before a reconnection attempt.
	ReconnectDelay time.Duration
	// PingInterval is the interval for client keepalive pings.
	PingInterval time.Duration
	// ReadTimeout is timeout for reading messages.
	ReadTimeout time.Duration
	// WriteTimeout is timeout for writing messages.
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration

	// OnMessage receives every data frame. It runs on the read goroutine
	// and must not block.
	OnMessage func(Frame)

	Logger zerolog.Logger
}

func (o *Options) setDefaults() {
	if len(o.Subjects) == 0 {
		o.Subjects = []string{DefaultSubject}
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 5 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 90 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
}

// Connection owns the feed socket: dial, handshake, keepalive and
// fixed-delay reconnection. A single Run loop drives it, so at most one
// reconnection is ever pending.
type Connection struct {
	opts Options
	log  zerolog.Logger
	name string

	conn    *websocket.Conn
	writeMu sync.Mutex

	connected      atomic.Bool
	disconnectedAt atomic.Int64 // unix ms, 0 while connected or before first dial
	sessions       atomic.Int64
}

// NewConnection creates a Connection. Call Run to start it.
func NewConnection(opts Options) *Connection {
	opts.setDefaults()
	name := "pumpfeed-" + uuid.NewString()[:8]
	return &Connection{
		opts: opts,
		log:  opts.Logger.With().Str("component", "feed").Str("client", name).Logger(),
		name: name,
	}
}

// Run connects and keeps the connection alive until ctx is cancelled.
// It only returns ctx.Err().
func (c *Connection) Run(ctx context.Context) error {
	c.disconnectedAt.Store(time.Now().UnixMilli())

	for {
		err := c.session(ctx)
		c.markDisconnected()

		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.log.Warn().Err(err).Dur("delay", c.opts.ReconnectDelay).Msg("feed disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.opts.ReconnectDelay):
		}
		observability.RecordReconnect()
	}
}

// Connected reports whether the socket is currently up.
func (c *Connection) Connected() bool { return c.connected.Load() }

// DisconnectedFor returns how long the feed has been down, 0 while connected.
func (c *Connection) DisconnectedFor() time.Duration {
	if c.connected.Load() {
		return 0
	}
	at := c.disconnectedAt.Load()
	if at == 0 {
		return 0
	}
	return time.Since(time.UnixMilli(at))
}

// Sessions returns the number of successful handshakes so far.
func (c *Connection) Sessions() int64 { return c.sessions.Load() }

// session runs one socket lifetime: dial, handshake, read until error.
func (c *Connection) session(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: c.opts.HandshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}

	conn, _, err := dialer.DialContext(ctx, c.opts.URL, c.opts.Header)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	defer conn.Close()

	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()
	defer func() {
		c.writeMu.Lock()
		c.conn = nil
		c.writeMu.Unlock()
	}()

	// Unblock ReadMessage on shutdown.
	stop := context.AfterFunc(ctx, func() {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		conn.Close()
	})
	defer stop()

	if err := c.handshake(); err != nil {
		return err
	}

	c.connected.Store(true)
	c.disconnectedAt.Store(0)
	c.sessions.Add(1)
	observability.SetFeedConnected(true)
	c.log.Info().Str("url", c.opts.URL).Strs("subjects", c.opts.Subjects).Msg("feed connected")

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.pingLoop(sessionCtx)

	return c.readLoop(conn)
}

// handshake sends CONNECT, a PING and one SUB per subject.
func (c *Connection) handshake() error {
	connect, err := ConnectCommand(ConnectOptions{
		Name:     c.name,
		Lang:     "go",
		Version:  "1.0.0",
		Protocol: 1,
		User:     c.opts.User,
		Pass:     c.opts.Pass,
	})
	if err != nil {
		return err
	}

	if err := c.write(connect); err != nil {
		return fmt.Errorf("send connect: %w", err)
	}
	if err := c.write(PingCommand()); err != nil {
		return fmt.Errorf("send ping: %w", err)
	}
	for i, subject := range c.opts.Subjects {
		sub, err := SubCommand(subject, strconv.Itoa(i+1))
		if err != nil {
			return err
		}
		if err := c.write(sub); err != nil {
			return fmt.Errorf("send sub %s: %w", subject, err)
		}
	}
	return nil
}

// readLoop feeds socket messages through a fresh parser.
func (c *Connection) readLoop(conn *websocket.Conn) error {
	parser := NewParser()
	malformed := 0

	for {
		conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		for _, f := range parser.Feed(message) {
			observability.RecordFrame(f.Kind.String())
			c.handleFrame(f)
		}

		if n := parser.Malformed(); n > malformed {
			for ; malformed < n; malformed++ {
				observability.RecordFrameError()
			}
			c.log.Debug().Int("total", n).Msg("skipped malformed protocol line")
		}
	}
}

func (c *Connection) handleFrame(f Frame) {
	switch f.Kind {
	case KindMsg:
		if c.opts.OnMessage != nil {
			c.opts.OnMessage(f)
		}
	case KindPing:
		if err := c.write(PongCommand()); err != nil {
			c.log.Warn().Err(err).Msg("failed to answer ping")
		}
	case KindInfo:
		c.log.Debug().Str("info", f.Arg).Msg("server info")
	case KindErr:
		c.log.Warn().Str("error", f.Arg).Msg("server error")
	case KindUnknown:
		c.log.Debug().Str("line", f.Arg).Msg("unknown control line")
	}
}

// pingLoop sends periodic keepalive pings.
func (c *Connection) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.write(PingCommand()); err != nil {
				// reader notices the dead socket
				return
			}
		}
	}
}

var errNotConnected = errors.New("not connected")

// write sends one protocol command as a text message.
func (c *Connection) write(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.conn == nil {
		return errNotConnected
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

func (c *Connection) markDisconnected() {
	if c.connected.Swap(false) {
		c.disconnectedAt.Store(time.Now().UnixMilli())
		observability.SetFeedConnected(false)
	}
}
