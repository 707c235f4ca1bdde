package reader

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"positionwatch/internal/errs"
	"positionwatch/logger"
)

// ErrConnectionClosed is returned by Connection.Read once the stream has
// ended, either locally or by a close frame from the server.
var ErrConnectionClosed = errors.New("connection closed")

// Connection yields raw stream messages in arrival order.
type Connection interface {
	Read() ([]byte, error)
	Close() error
}

// Transport opens a stream authorized by token.
type Transport interface {
	Open(ctx context.Context, endpoint, token string) (Connection, error)
}

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultPingInterval     = 3 * time.Minute
)

// WebsocketTransport dials user data streams at endpoint/token.
type WebsocketTransport struct {
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	ReadTimeout      time.Duration
}

func (t WebsocketTransport) Open(ctx context.Context, endpoint, token string) (Connection, error) {
	handshake := t.HandshakeTimeout
	if handshake <= 0 {
		handshake = defaultHandshakeTimeout
	}
	dialer := websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: handshake,
	}

	url := strings.TrimRight(endpoint, "/") + "/" + token
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errs.Transient("dial stream", err)
	}

	wc := &wsConnection{conn: conn, readTimeout: t.ReadTimeout, closed: make(chan struct{})}
	if t.ReadTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(t.ReadTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(t.ReadTimeout))
		})
	}
	wc.stopPing = startPingLoop(ctx, wc, t.PingInterval)
	return wc, nil
}

type wsConnection struct {
	conn        *websocket.Conn
	readTimeout time.Duration
	writeMu     sync.Mutex
	stopPing    context.CancelFunc
	closeOnce   sync.Once
	closed      chan struct{}
	closeErr    error
}

func (c *wsConnection) Read() ([]byte, error) {
	_, msg, err := c.conn.ReadMessage()
	if err == nil {
		if c.readTimeout > 0 {
			c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
		}
		return msg, nil
	}

	select {
	case <-c.closed:
		return nil, ErrConnectionClosed
	default:
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return nil, fmt.Errorf("%w: code %d %s", ErrConnectionClosed, ce.Code, ce.Text)
	}
	return nil, errs.Transient("read stream", err)
}

func (c *wsConnection) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
}

func (c *wsConnection) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.stopPing != nil {
			c.stopPing()
		}
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func startPingLoop(ctx context.Context, c *wsConnection, interval time.Duration) context.CancelFunc {
	if interval <= 0 {
		interval = defaultPingInterval
	}
	pingCtx, cancel := context.WithCancel(ctx)
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				if err := c.ping(); err != nil {
					logger.GetLogger().WithComponent("session").WithError(err).Warn("failed to send websocket ping")
					cancel()
					return
				}
			}
		}
	}()
	return cancel
}
