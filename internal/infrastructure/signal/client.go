package signal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"meshcast/internal/core/domain"
	"meshcast/internal/core/ports"
	"meshcast/pkg/utils"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type ClientConfig struct {
	URL          string
	Token        string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	// ReadTimeout bounds the silence between server frames, pings included.
	// Zero disables it.
	ReadTimeout time.Duration
}

var errNotConnected = errors.New("signaling channel is not connected")

// Client is a websocket SignalingChannel. It may be reconnected any number
// of times; Messages keeps returning the same channel until Close.
type Client struct {
	cfg    ClientConfig
	dialer *websocket.Dialer
	logger *zap.SugaredLogger

	messages chan domain.SignalMessage
	done     chan struct{}
	wg       sync.WaitGroup

	mu      sync.Mutex
	conn    *websocket.Conn
	closed  bool
	onState func(domain.ConnectionState)

	writeMu sync.Mutex
}

var _ ports.SignalingChannel = (*Client)(nil)

func NewClient(cfg ClientConfig, logger *zap.SugaredLogger) *Client {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Client{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.DialTimeout,
		},
		logger:   logger.With("signal_url", cfg.URL),
		messages: make(chan domain.SignalMessage, sendQueueSize),
		done:     make(chan struct{}),
	}
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrChannelClosed
	}
	c.mu.Unlock()

	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	conn, resp, err := c.dialer.DialContext(dialCtx, c.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial signaling server: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("dial signaling server: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return domain.ErrChannelClosed
	}
	previous := c.conn
	c.conn = conn
	onState := c.onState
	c.wg.Add(1)
	c.mu.Unlock()

	if previous != nil {
		_ = previous.Close()
	}

	c.prepare(conn)
	go c.readLoop(conn)

	c.logger.Infow("signaling channel connected", "url", c.cfg.URL, "token", utils.MaskSensitive(c.cfg.Token, 6))
	if onState != nil {
		onState(domain.ConnectionConnected)
	}
	return nil
}

func (c *Client) prepare(conn *websocket.Conn) {
	if c.cfg.ReadTimeout <= 0 {
		return
	}
	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.cfg.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		var msg domain.SignalMessage
		if err := conn.ReadJSON(&msg); err != nil {
			c.lost(conn, err)
			return
		}
		if c.cfg.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		}
		select {
		case c.messages <- msg:
		case <-c.done:
			return
		}
	}
}

// lost reports a disconnect when conn is still the active connection.
func (c *Client) lost(conn *websocket.Conn, err error) {
	c.mu.Lock()
	current := c.conn == conn && !c.closed
	if current {
		c.conn = nil
	}
	onState := c.onState
	c.mu.Unlock()

	_ = conn.Close()
	if !current {
		return
	}
	c.logger.Warnw("signaling channel lost", "error", err)
	if onState != nil {
		onState(domain.ConnectionDisconnected)
	}
}

func (c *Client) Send(ctx context.Context, msg domain.SignalMessage) error {
	c.mu.Lock()
	closed, conn := c.closed, c.conn
	c.mu.Unlock()
	if closed {
		return domain.ErrChannelClosed
	}
	if conn == nil {
		return errNotConnected
	}

	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}

func (c *Client) Messages() <-chan domain.SignalMessage {
	return c.messages
}

func (c *Client) OnConnectionStateChange(fn func(domain.ConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// Close disconnects without reporting a state change. Messages is closed
// once every read loop has exited, so Close may be called from a state
// change callback.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	close(c.done)
	if conn != nil {
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.cfg.WriteTimeout),
		)
		_ = conn.Close()
	}
	go func() {
		c.wg.Wait()
		close(c.messages)
	}()
	c.logger.Infow("signaling channel closed")
	return nil
}
