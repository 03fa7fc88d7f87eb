package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"stagelink/internal/core/domain"
	"stagelink/internal/core/ports"
	apperrors "stagelink/pkg/errors"
	applog "stagelink/pkg/logger"
	"stagelink/pkg/tracing"
	"stagelink/pkg/validation"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RelayMetrics observes relay traffic.
type RelayMetrics interface {
	ConnectionOpened()
	ConnectionClosed()
	MessageRouted(msgType string)
	MessageRejected(code string)
	MessageForwarded()
}

// Forwarder hands a message to another relay instance when the recipient is
// not connected here. distributed.RelayBus satisfies it.
type Forwarder interface {
	Forward(ctx context.Context, to domain.PeerID, msg domain.SignalMessage) error
}

type ServerConfig struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64

	// MessagesPerSecond <= 0 disables per-connection rate limiting.
	MessagesPerSecond float64
	Burst             int
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		PingInterval:   30 * time.Second,
		PongTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 64 * 1024,
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// connection is one peer's socket. Writes are serialized by writeMu.
type connection struct {
	peerID  domain.PeerID
	conn    *websocket.Conn
	limiter *rate.Limiter

	writeMu sync.Mutex

	mu      sync.Mutex
	session domain.SessionID
}

func (c *connection) sessionID() domain.SessionID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *connection) setSession(id domain.SessionID) domain.SessionID {
	c.mu.Lock()
	defer c.mu.Unlock()
	previous := c.session
	c.session = id
	return previous
}

// WebSocketServer relays signaling messages between the peers of a session.
type WebSocketServer struct {
	sessions  ports.SessionRepository
	forwarder Forwarder
	metrics   RelayMetrics
	config    ServerConfig
	logger    *zap.SugaredLogger
	ctxLog    *applog.ContextLogger

	connections map[domain.PeerID]*connection
	mu          sync.RWMutex
}

type noopRelayMetrics struct{}

func (noopRelayMetrics) ConnectionOpened()      {}
func (noopRelayMetrics) ConnectionClosed()      {}
func (noopRelayMetrics) MessageRouted(string)   {}
func (noopRelayMetrics) MessageRejected(string) {}
func (noopRelayMetrics) MessageForwarded()      {}

// NewWebSocketServer builds a relay. forwarder and metrics may be nil.
func NewWebSocketServer(
	sessions ports.SessionRepository,
	forwarder Forwarder,
	metrics RelayMetrics,
	config ServerConfig,
	logger *zap.SugaredLogger,
) *WebSocketServer {
	defaults := DefaultServerConfig()
	if config.PingInterval <= 0 {
		config.PingInterval = defaults.PingInterval
	}
	if config.PongTimeout <= config.PingInterval {
		config.PongTimeout = 2 * config.PingInterval
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = defaults.MaxMessageSize
	}
	if metrics == nil {
		metrics = noopRelayMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return &WebSocketServer{
		sessions:    sessions,
		forwarder:   forwarder,
		metrics:     metrics,
		config:      config,
		logger:      logger,
		ctxLog:      applog.NewContextLogger(logger.Desugar()),
		connections: make(map[domain.PeerID]*connection),
	}
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	peerID := domain.PeerID(r.URL.Query().Get("peer_id"))
	if err := validation.ValidatePeerID(string(peerID)); err != nil {
		s.writeHTTPError(w, apperrors.NewInvalidInputError(err.Error()))
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	c := &connection{peerID: peerID, conn: ws}
	if s.config.MessagesPerSecond > 0 {
		burst := s.config.Burst
		if burst <= 0 {
			burst = int(s.config.MessagesPerSecond) + 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(s.config.MessagesPerSecond), burst)
	}

	// a reconnecting peer replaces its old socket
	s.mu.Lock()
	existing, isReconnect := s.connections[peerID]
	s.connections[peerID] = c
	s.mu.Unlock()
	if isReconnect {
		s.logger.Infow("closing old connection for reconnecting peer", "peer_id", peerID)
		existing.conn.Close()
	}

	s.metrics.ConnectionOpened()
	s.logger.Infow("peer connected via WebSocket", "peer_id", peerID, "reconnect", isReconnect)

	s.serve(c)
	s.cleanup(c)
}

func (s *WebSocketServer) serve(c *connection) {
	ws := c.conn
	ws.SetReadLimit(s.config.MaxMessageSize)
	ws.SetReadDeadline(time.Now().Add(s.config.PongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.config.PongTimeout))
	})

	pingTicker := time.NewTicker(s.config.PingInterval)
	defer pingTicker.Stop()

	messageChan := make(chan []byte, 16)
	errorChan := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				errorChan <- err
				return
			}
			ws.SetReadDeadline(time.Now().Add(s.config.PongTimeout))
			select {
			case messageChan <- data:
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case data := <-messageChan:
			var msg domain.SignalMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				s.reject(c, apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, "malformed message", http.StatusBadRequest))
				continue
			}
			ctx := applog.WithSessionID(applog.WithPeerID(context.Background(), string(c.peerID)), string(c.sessionID()))
			if err := s.handleMessage(ctx, c, msg); err != nil {
				s.reject(c, err)
			}

		case <-pingTicker.C:
			if err := s.write(c, websocket.PingMessage, nil); err != nil {
				s.logger.Infow("error sending ping", "peer_id", c.peerID, "error", err)
				return
			}

		case err := <-errorChan:
			if errors.Is(err, websocket.ErrReadLimit) {
				s.reject(c, apperrors.NewMessageTooLargeError(s.config.MaxMessageSize))
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("error reading message from peer", "peer_id", c.peerID, "error", err)
			}
			return
		}
	}
}

func (s *WebSocketServer) cleanup(c *connection) {
	c.conn.Close()

	s.mu.Lock()
	current := s.connections[c.peerID] == c
	if current {
		delete(s.connections, c.peerID)
	}
	s.mu.Unlock()

	s.metrics.ConnectionClosed()

	// the replacing socket owns the membership now
	if !current {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.WriteTimeout)
	defer cancel()

	if session := c.setSession(""); session != "" {
		if err := s.sessions.Leave(ctx, session, c.peerID); err != nil {
			s.logger.Warnw("error removing peer from session", "peer_id", c.peerID, "session_id", session, "error", err)
		}
		s.broadcastPeers(ctx, session)
	}

	s.logger.Infow("peer disconnected", "peer_id", c.peerID)
}

func (s *WebSocketServer) handleMessage(ctx context.Context, c *connection, msg domain.SignalMessage) error {
	if c.limiter != nil && !c.limiter.Allow() {
		return apperrors.NewRateLimitError()
	}
	if msg.Type == "" {
		return apperrors.NewInvalidInputError("message type is required")
	}
	if msg.From != "" && msg.From != c.peerID {
		return apperrors.NewInvalidInputError(fmt.Sprintf("from mismatch: expected %s, got %s", c.peerID, msg.From))
	}
	msg.From = c.peerID

	ctx, span := tracing.TraceSignal(ctx, string(msg.Type), string(msg.From), string(msg.To))
	defer span.End()

	var err error
	switch msg.Type {
	case domain.MessageJoin:
		err = s.handleJoin(ctx, c, msg)
	case domain.MessageLeave:
		err = s.handleLeave(ctx, c)
	case domain.MessageOffer, domain.MessageAnswer:
		err = s.handleDescription(ctx, c, msg)
	case domain.MessageICECandidate:
		err = s.handleICECandidate(ctx, c, msg)
	case domain.MessageRestart:
		err = s.route(ctx, c, msg)
	default:
		err = apperrors.NewInvalidInputError(fmt.Sprintf("unknown message type: %s", msg.Type))
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		s.logHandleError(ctx, msg.Type, err)
	}
	return err
}

// logHandleError keeps client mistakes at warn; only relay-side failures are
// errors.
func (s *WebSocketServer) logHandleError(ctx context.Context, msgType domain.MessageType, err error) {
	if apperrors.CodeOf(err) == apperrors.ErrCodeInternal {
		s.ctxLog.LogError(ctx, err, "failed to handle message from peer", zap.String("type", string(msgType)))
		return
	}
	s.ctxLog.LogWarn(ctx, "rejected message from peer", zap.String("type", string(msgType)), zap.Error(err))
}

func (s *WebSocketServer) handleJoin(ctx context.Context, c *connection, msg domain.SignalMessage) error {
	if err := validation.ValidateSessionID(string(msg.SessionID)); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}

	if err := s.sessions.Join(ctx, msg.SessionID, c.peerID); err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to join session", http.StatusInternalServerError)
	}

	previous := c.setSession(msg.SessionID)
	if previous != "" && previous != msg.SessionID {
		s.broadcastPeers(ctx, previous)
	}

	s.ctxLog.LogInfo(applog.WithSessionID(ctx, string(msg.SessionID)), "peer joined session")
	s.broadcastPeers(ctx, msg.SessionID)
	return nil
}

func (s *WebSocketServer) handleLeave(ctx context.Context, c *connection) error {
	session := c.setSession("")
	if session == "" {
		return nil
	}

	if err := s.sessions.Leave(ctx, session, c.peerID); err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to leave session", http.StatusInternalServerError)
	}

	s.logger.Infow("peer left session", "peer_id", c.peerID, "session_id", session)
	s.broadcastPeers(ctx, session)
	return nil
}

func (s *WebSocketServer) handleDescription(ctx context.Context, c *connection, msg domain.SignalMessage) error {
	if msg.Description == nil {
		return apperrors.NewInvalidInputError(fmt.Sprintf("%s requires a description", msg.Type))
	}
	if err := validation.ValidateSDP(msg.Description.SDP); err != nil {
		return apperrors.NewInvalidInputError(fmt.Sprintf("invalid SDP in %s: %v", msg.Type, err))
	}
	return s.route(ctx, c, msg)
}

func (s *WebSocketServer) handleICECandidate(ctx context.Context, c *connection, msg domain.SignalMessage) error {
	if msg.Candidate != nil {
		if err := validation.ValidateCandidate(msg.Candidate.Candidate); err != nil {
			return apperrors.NewInvalidInputError(err.Error())
		}
	}
	return s.route(ctx, c, msg)
}

// route delivers a peer-addressed message to a member of the sender's session.
func (s *WebSocketServer) route(ctx context.Context, c *connection, msg domain.SignalMessage) error {
	session := c.sessionID()
	if session == "" {
		return apperrors.NewInvalidInputError("join a session before signaling")
	}
	if err := validation.ValidatePeerID(string(msg.To)); err != nil {
		return apperrors.NewInvalidInputError(fmt.Sprintf("invalid recipient: %v", err))
	}
	if msg.To == c.peerID {
		return apperrors.NewInvalidInputError("cannot signal self")
	}

	recipientSession, err := s.sessions.SessionOf(ctx, msg.To)
	if err != nil || recipientSession != session {
		return apperrors.NewNotFoundError(fmt.Sprintf("peer %s", msg.To)).WithContext("to", msg.To)
	}

	msg.SessionID = session
	return s.deliver(ctx, msg.To, msg)
}

func (s *WebSocketServer) deliver(ctx context.Context, to domain.PeerID, msg domain.SignalMessage) error {
	if s.DeliverLocal(to, msg) {
		return nil
	}

	if s.forwarder == nil {
		return apperrors.NewNotFoundError(fmt.Sprintf("peer %s", to)).WithContext("to", to)
	}
	if err := s.forwarder.Forward(ctx, to, msg); err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeSignalingUnavailable, "failed to forward message", http.StatusServiceUnavailable)
	}
	s.metrics.MessageForwarded()
	return nil
}

// DeliverLocal writes msg to peer to when it is connected to this instance.
func (s *WebSocketServer) DeliverLocal(to domain.PeerID, msg domain.SignalMessage) bool {
	s.mu.RLock()
	c, ok := s.connections[to]
	s.mu.RUnlock()
	if !ok {
		return false
	}

	if err := s.sendJSON(c, msg); err != nil {
		s.logger.Infow("error sending message to peer", "peer_id", to, "type", msg.Type, "error", err)
		return false
	}
	s.metrics.MessageRouted(string(msg.Type))
	return true
}

func (s *WebSocketServer) broadcastPeers(ctx context.Context, session domain.SessionID) {
	members, err := s.sessions.Members(ctx, session)
	if err != nil {
		s.logger.Warnw("error listing session members", "session_id", session, "error", err)
		return
	}

	msg := domain.SignalMessage{
		Type:      domain.MessagePeers,
		SessionID: session,
		Peers:     members,
	}
	for _, member := range members {
		if err := s.deliver(ctx, member, msg); err != nil {
			s.logger.Debugw("peers list not delivered", "peer_id", member, "session_id", session, "error", err)
		}
	}
}

func (s *WebSocketServer) reject(c *connection, err error) {
	appErr := apperrors.GetAppError(err)
	if appErr == nil {
		appErr = apperrors.WrapError(err, apperrors.ErrCodeInternal, "internal error", http.StatusInternalServerError)
	}
	s.metrics.MessageRejected(string(appErr.Code))

	frame := domain.SignalMessage{
		Type:  domain.MessageError,
		Error: fmt.Sprintf("%s: %s", appErr.Code, appErr.Message),
	}
	if err := s.sendJSON(c, frame); err != nil {
		s.logger.Debugw("error sending error frame", "peer_id", c.peerID, "error", err)
	}
}

func (s *WebSocketServer) sendJSON(c *connection, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return s.write(c, websocket.TextMessage, data)
}

func (s *WebSocketServer) write(c *connection, messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	return c.conn.WriteMessage(messageType, data)
}

func (s *WebSocketServer) writeHTTPError(w http.ResponseWriter, appErr *apperrors.AppError) {
	s.metrics.MessageRejected(string(appErr.Code))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(appErr.HTTPStatus)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"code":  string(appErr.Code),
		"error": appErr.Message,
	})
}

// ConnectedPeers returns the ids of peers connected to this instance.
func (s *WebSocketServer) ConnectedPeers() []domain.PeerID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	peers := make([]domain.PeerID, 0, len(s.connections))
	for id := range s.connections {
		peers = append(peers, id)
	}
	return peers
}

func (s *WebSocketServer) IsPeerConnected(peerID domain.PeerID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.connections[peerID]
	return ok
}

// Close drops every connection. Peers see the socket close and reconnect
// elsewhere.
func (s *WebSocketServer) Close() {
	s.mu.Lock()
	conns := make([]*connection, 0, len(s.connections))
	for _, c := range s.connections {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.conn.Close()
	}
}
