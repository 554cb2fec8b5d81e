// Package ws carries session frames over a websocket to the relay server.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/pairchat/internal/model/pairing"
	"github.com/zhouzirui/pairchat/internal/transport"
)

// Options 连接配置选项
type Options struct {
	HandshakeTimeout time.Duration // 握手超时时间
	ReadTimeout      time.Duration // 读取超时时间，收到任何帧或pong都会续期
	WriteTimeout     time.Duration // 写入超时时间
	PingInterval     time.Duration // Ping间隔，需小于ReadTimeout
	MaxRetries       int           // 断线后最大重连次数
	RetryDelay       time.Duration // 首次重连等待，之后每次翻倍
	MaxRetryDelay    time.Duration // 重连等待上限
	EventBuffer      int
	Header           http.Header
}

// DefaultOptions 默认连接选项
func DefaultOptions() *Options {
	return &Options{
		HandshakeTimeout: 10 * time.Second,
		ReadTimeout:      60 * time.Second,
		WriteTimeout:     10 * time.Second,
		PingInterval:     25 * time.Second,
		MaxRetries:       10,
		RetryDelay:       time.Second,
		MaxRetryDelay:    30 * time.Second,
		EventBuffer:      256,
	}
}

// Dialer opens relay channels. It implements transport.Dialer.
type Dialer struct {
	opts   *Options
	dialer *websocket.Dialer
	logger zerolog.Logger
}

// NewDialer 创建拨号器
func NewDialer(opts *Options, logger zerolog.Logger) *Dialer {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &Dialer{
		opts:   opts,
		dialer: &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		logger: logger.With().Str("component", "ws").Logger(),
	}
}

// Dial connects to the relay named by target.Endpoint and joins the session room.
func (d *Dialer) Dial(ctx context.Context, target transport.Target) (transport.Channel, error) {
	u, err := EndpointURL(target.Endpoint, target.SessionID, target.Peer)
	if err != nil {
		return nil, err
	}
	conn, err := d.connectWithRetry(ctx, u)
	if err != nil {
		return nil, err
	}

	chCtx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		dialer: d,
		url:    u,
		ctx:    chCtx,
		cancel: cancel,
		events: make(chan transport.Event, d.opts.EventBuffer),
		done:   make(chan struct{}),
		logger: d.logger.With().Str("session", shortID(target.SessionID)).Logger(),
	}
	c.attach(conn)
	go c.run(conn)
	return c, nil
}

// EndpointURL builds the relay websocket URL for a session. http(s) endpoints
// are mapped to ws(s).
func EndpointURL(endpoint, sessionID string, peer pairing.Identity) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("endpoint %q: unsupported scheme %q", endpoint, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("endpoint %q has no host", endpoint)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/" + url.PathEscape(sessionID)
	q := u.Query()
	q.Set("peer", string(peer))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// connectWithRetry 带重试的连接建立
func (d *Dialer) connectWithRetry(ctx context.Context, u string) (*websocket.Conn, error) {
	var lastErr error
	delay := d.opts.RetryDelay

	for i := 0; i < d.opts.MaxRetries; i++ {
		conn, resp, err := d.dialer.DialContext(ctx, u, d.opts.Header)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			// 鉴权失败或会话不存在，重试无意义
			return nil, fmt.Errorf("relay refused connection: %s", resp.Status)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		d.logger.Debug().Err(err).Int("attempt", i+1).Dur("delay", delay).Msg("dial failed, retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if d.opts.MaxRetryDelay > 0 && delay > d.opts.MaxRetryDelay {
			delay = d.opts.MaxRetryDelay
		}
	}

	return nil, fmt.Errorf("failed to connect after %d retries, last error: %w", d.opts.MaxRetries, lastErr)
}

// Channel is a websocket link that reconnects on its own.
type Channel struct {
	dialer *Dialer
	url    string
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	events chan transport.Event
	done   chan struct{}

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// Send writes one text frame. It fails fast while the link is down.
func (c *Channel) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return transport.ErrClosed
	}
	if c.conn == nil {
		return transport.ErrDisconnected
	}

	deadline := time.Now().Add(c.dialer.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		// The reader notices the broken conn and starts reconnecting.
		_ = c.conn.Close()
		return fmt.Errorf("%w: %v", transport.ErrDisconnected, err)
	}
	return nil
}

// Events implements transport.Channel.
func (c *Channel) Events() <-chan transport.Event {
	return c.events
}

// Close sends a websocket close frame and stops reconnecting. Events is
// closed once the reader has exited.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
	}
	<-c.done
	return nil
}

func (c *Channel) attach(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		_ = conn.Close()
		return
	}
	c.conn = conn
}

func (c *Channel) detach(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn = nil
	}
	_ = conn.Close()
}

func (c *Channel) run(conn *websocket.Conn) {
	defer close(c.done)
	defer close(c.events)

	for {
		err := c.readLoop(conn)
		c.detach(conn)
		if c.ctx.Err() != nil {
			return
		}

		c.logger.Warn().Err(err).Msg("relay connection lost")
		if !c.emit(transport.Event{Kind: transport.EventDisconnect, Reason: err}) {
			return
		}

		next, dialErr := c.dialer.connectWithRetry(c.ctx, c.url)
		if dialErr != nil {
			if c.ctx.Err() == nil {
				c.logger.Error().Err(dialErr).Msg("giving up on relay")
			}
			return
		}
		c.attach(next)
		conn = next
		c.logger.Info().Msg("relay connection restored")
		if !c.emit(transport.Event{Kind: transport.EventReconnect}) {
			return
		}
	}
}

func (c *Channel) readLoop(conn *websocket.Conn) error {
	readTimeout := c.dialer.opts.ReadTimeout
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	pingCtx, stop := context.WithCancel(c.ctx)
	defer stop()
	go c.pingLoop(pingCtx, conn)

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return errors.New("relay closed the connection")
			}
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		if !c.emit(transport.Event{Kind: transport.EventMessage, Data: data}) {
			return c.ctx.Err()
		}
	}
}

func (c *Channel) emit(ev transport.Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// pingLoop 定期发送ping消息
func (c *Channel) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.dialer.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.dialer.opts.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

var (
	_ transport.Dialer  = (*Dialer)(nil)
	_ transport.Channel = (*Channel)(nil)
)
