package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"callrelay-backend/internal/signaling"
	apperrors "callrelay-backend/pkg/errors"
	"callrelay-backend/pkg/logger"
	"callrelay-backend/pkg/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxFrameSize   = 64 * 1024
	sendQueueSize  = 256
	dispatchBudget = 10 * time.Second
)

// Dispatcher routes inbound frames and sweeps sessions of vanished users
type Dispatcher interface {
	Dispatch(ctx context.Context, senderID uuid.UUID, frame *signaling.Frame) error
	Disconnect(ctx context.Context, userID uuid.UUID)
}

// Presence mirrors reachability into shared storage for sibling services
type Presence interface {
	SetUserOnline(ctx context.Context, userID uuid.UUID) error
	SetUserOffline(ctx context.Context, userID uuid.UUID) error
	RefreshPresence(ctx context.Context, userID uuid.UUID) error
}

// GatewayConfig holds the transport-level knobs for the signaling gateway
type GatewayConfig struct {
	MaxConnections int
	AllowedOrigins []string
}

// SignalingGateway owns the WebSocket surface of the signaling plane. Each
// connection is registered under its authenticated user; a user may hold
// several connections at once. Routing between users goes through the
// connection registry, never peer to peer.
type SignalingGateway struct {
	registry   *signaling.Registry
	dispatcher Dispatcher
	presence   Presence
	metrics    *metrics.Metrics
	upgrader   websocket.Upgrader

	maxConnections int
	semaphore      chan struct{}
}

// NewSignalingGateway creates the gateway and wires the registry lifecycle
// hooks: first connection mirrors the user online, loss of the last one
// mirrors them offline and sweeps their live call sessions.
func NewSignalingGateway(registry *signaling.Registry, dispatcher Dispatcher, presence Presence, m *metrics.Metrics, cfg GatewayConfig) *SignalingGateway {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 1000
	}

	allowed := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		allowed[origin] = true
	}

	g := &SignalingGateway{
		registry:       registry,
		dispatcher:     dispatcher,
		presence:       presence,
		metrics:        m,
		maxConnections: cfg.MaxConnections,
		semaphore:      make(chan struct{}, cfg.MaxConnections),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return false
				}
				return allowed[origin]
			},
		},
	}

	registry.SetOnlineHook(func(userID uuid.UUID) {
		if g.presence == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := g.presence.SetUserOnline(ctx, userID); err != nil {
			logger.Warn("failed to mirror user online",
				zap.String("user_id", userID.String()),
				zap.Error(err))
		}
	})
	registry.SetOfflineHook(func(userID uuid.UUID) {
		ctx, cancel := context.WithTimeout(context.Background(), dispatchBudget)
		defer cancel()
		g.dispatcher.Disconnect(ctx, userID)
		if g.presence != nil {
			if err := g.presence.SetUserOffline(ctx, userID); err != nil {
				logger.Warn("failed to mirror user offline",
					zap.String("user_id", userID.String()),
					zap.Error(err))
			}
		}
	})

	return g
}

// ServeWS upgrades an authenticated request to a signaling connection
func (g *SignalingGateway) ServeWS(c *gin.Context) {
	select {
	case g.semaphore <- struct{}{}:
	default:
		logger.Warn("signaling connection rejected: at capacity",
			zap.Int("max_connections", g.maxConnections))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server at capacity, please try again later"})
		return
	}
	acquired := true
	defer func() {
		if acquired {
			<-g.semaphore
		}
	}()

	userIDVal, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "invalid user identity"})
		return
	}

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return
	}

	client := &signalingClient{
		gateway: g,
		conn:    conn,
		send:    make(chan []byte, sendQueueSize),
		userID:  userID,
	}

	g.registry.Register(userID, client)
	g.metrics.WebSocketConnected()
	logger.Debug("signaling connection established",
		zap.String("user_id", userID.String()))

	// The pumps own the semaphore slot from here.
	acquired = false
	go client.writePump()
	go client.readPump()
}

// signalingClient is one live connection of one user. It satisfies
// signaling.Handle so the registry can fan frames out to it.
type signalingClient struct {
	gateway *SignalingGateway
	conn    *websocket.Conn
	send    chan []byte
	userID  uuid.UUID
}

// Send queues a frame for delivery without blocking. A full queue means the
// reader on the other side stopped draining; the frame is refused and the
// registry logs the drop.
func (c *signalingClient) Send(frame *signaling.Frame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	select {
	case c.send <- payload:
		c.gateway.metrics.RecordFrame(string(frame.Type), "outbound")
		return nil
	default:
		return errors.New("send queue full")
	}
}

// sendError reports a dispatch failure back on this connection only
func (c *signalingClient) sendError(sessionID uuid.UUID, err error) {
	appErr := apperrors.GetAppError(err)
	c.gateway.metrics.RecordSignalingError(string(appErr.Code))
	if sendErr := c.Send(signaling.NewErrorFrame(sessionID, string(appErr.Code), appErr.Message)); sendErr != nil {
		logger.Debug("could not deliver error frame",
			zap.String("user_id", c.userID.String()))
	}
}

// readPump consumes inbound frames until the connection dies. Unregistering
// is what triggers the offline hook, so it must run exactly once per
// connection, here.
func (c *signalingClient) readPump() {
	defer func() {
		c.gateway.registry.Unregister(c.userID, c)
		c.gateway.metrics.WebSocketDisconnected()
		c.conn.Close()
		<-c.gateway.semaphore
	}()

	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if c.gateway.presence != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := c.gateway.presence.RefreshPresence(ctx, c.userID); err != nil {
				logger.Debug("presence refresh failed",
					zap.String("user_id", c.userID.String()))
			}
		}
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Debug("signaling connection closed",
					zap.String("user_id", c.userID.String()),
					zap.Error(err))
			}
			break
		}

		var frame signaling.Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			logger.Warn("malformed signaling frame",
				zap.String("user_id", c.userID.String()),
				zap.Error(err))
			c.sendError(uuid.Nil, apperrors.InvalidInputError("malformed frame"))
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), dispatchBudget)
		err = c.gateway.dispatcher.Dispatch(ctx, c.userID, &frame)
		cancel()
		if err != nil {
			c.sendError(frame.SessionID, err)
		}
	}
}

// writePump drains the send queue and keeps the connection alive with pings
func (c *signalingClient) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
