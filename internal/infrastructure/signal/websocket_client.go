package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"stagelink/internal/core/domain"
	apperrors "stagelink/pkg/errors"
	"stagelink/pkg/retry"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// MessageHandler receives every message read from the relay, in order.
type MessageHandler func(ctx context.Context, msg domain.SignalMessage) error

type ClientConfig struct {
	URL          string
	PeerID       domain.PeerID
	WriteTimeout time.Duration
	// ReadTimeout is reset by every frame and ping from the relay.
	ReadTimeout time.Duration
	Dial        retry.Config
}

// WebSocketClient is a ports.SignalingChannel backed by the relay server. It
// redials with backoff when the socket drops.
type WebSocketClient struct {
	config  ClientConfig
	handler MessageHandler
	logger  *zap.SugaredLogger
	dialer  *websocket.Dialer

	// OnConnected runs after every successful dial, before reading starts.
	OnConnected func(ctx context.Context) error

	mu   sync.RWMutex
	conn *websocket.Conn

	writeMu sync.Mutex
}

var errNotConnected = apperrors.NewSignalingUnavailableError("not connected to relay")

func NewWebSocketClient(config ClientConfig, handler MessageHandler, logger *zap.SugaredLogger) *WebSocketClient {
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 90 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &WebSocketClient{
		config:  config,
		handler: handler,
		logger:  logger.With("peer_id", config.PeerID),
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

func (c *WebSocketClient) endpoint() (string, error) {
	u, err := url.Parse(c.config.URL)
	if err != nil {
		return "", fmt.Errorf("invalid signaling url: %w", err)
	}
	q := u.Query()
	q.Set("peer_id", string(c.config.PeerID))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect dials the relay, retrying per config.Dial.
func (c *WebSocketClient) Connect(ctx context.Context) error {
	endpoint, err := c.endpoint()
	if err != nil {
		return err
	}

	dialCfg := c.config.Dial
	dialCfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		c.logger.Warnw("failed to dial relay, retrying",
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
	}

	conn, err := retry.RetryWithResult(ctx, dialCfg, func() (*websocket.Conn, error) {
		conn, resp, err := c.dialer.DialContext(ctx, endpoint, nil)
		if err != nil {
			// the relay rejected us, usually an invalid peer id
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return nil, retry.Permanent(fmt.Errorf("relay rejected connection: %s", resp.Status))
			}
			return nil, err
		}
		return conn, nil
	})
	if err != nil {
		return fmt.Errorf("failed to connect to relay: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.config.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	c.mu.Lock()
	old := c.conn
	c.conn = conn
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}

	c.logger.Infow("connected to relay", "url", c.config.URL)

	if c.OnConnected != nil {
		if err := c.OnConnected(ctx); err != nil {
			return fmt.Errorf("connected hook failed: %w", err)
		}
	}
	return nil
}

// Run reads from the relay and feeds the handler until ctx is done. A dropped
// socket is redialed; Run returns when redialing gives up.
func (c *WebSocketClient) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		c.Close()
	}()

	for {
		err := c.readLoop(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warnw("relay connection lost, reconnecting", "error", err)

		if err := c.Connect(ctx); err != nil {
			return err
		}
	}
}

func (c *WebSocketClient) readLoop(ctx context.Context) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return errNotConnected
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()
			conn.Close()
			return err
		}
		conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))

		var msg domain.SignalMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warnw("failed to unmarshal relay message", "error", err)
			continue
		}

		if msg.Type == domain.MessageError {
			c.logger.Warnw("relay reported an error", "error", msg.Error)
			continue
		}

		if c.handler == nil {
			continue
		}
		if err := c.handler(ctx, msg); err != nil {
			c.logger.Infow("error handling relay message",
				"type", msg.Type,
				"from", msg.From,
				"error", err,
			)
		}
	}
}

// Send implements ports.SignalingChannel.
func (c *WebSocketClient) Send(ctx context.Context, msg domain.SignalMessage) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return errNotConnected
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	deadline := time.Now().Add(c.config.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeSignalingUnavailable, "failed to write to relay", http.StatusServiceUnavailable)
	}
	return nil
}

func (c *WebSocketClient) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// Close sends a close frame and drops the socket.
func (c *WebSocketClient) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return conn.Close()
}
