package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"mediaforge/internal/auth"
	"mediaforge/internal/models"
)

const (
	StatusRequest = "Request server status"
	StatusReply   = "Server status update"

	defaultPingInterval = 30 * time.Second
	defaultWriteTimeout = 10 * time.Second
	sendBuffer          = 16
	maxInboundBytes     = 4096
)

var (
	errSubscriberClosed = errors.New("subscriber closed")
	errSubscriberSlow   = errors.New("subscriber send buffer full")
)

// StatusFunc reports host load for status requests on the live channel.
type StatusFunc func(ctx context.Context) (models.HostStatus, error)

type GatewayConfig struct {
	Notifier *Notifier
	// Verifier checks the token query parameter. Nil accepts every caller.
	Verifier     auth.Verifier
	Status       StatusFunc
	Logger       *slog.Logger
	PingInterval time.Duration
	WriteTimeout time.Duration
	CheckOrigin  func(r *http.Request) bool
}

// Gateway upgrades live channel requests and registers each connection with
// the notifier.
type Gateway struct {
	notifier     *Notifier
	verifier     auth.Verifier
	status       StatusFunc
	logger       *slog.Logger
	pingInterval time.Duration
	writeTimeout time.Duration
	upgrader     websocket.Upgrader
}

func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.Notifier == nil {
		return nil, errors.New("notifier is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ping := cfg.PingInterval
	if ping <= 0 {
		ping = defaultPingInterval
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Gateway{
		notifier:     cfg.Notifier,
		verifier:     cfg.Verifier,
		status:       cfg.Status,
		logger:       logger,
		pingInterval: ping,
		writeTimeout: writeTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
	}, nil
}

// ServeHTTP authenticates the token query parameter and hands the request to
// HandleConnection. Authentication failures get 401 before any upgrade.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	principal := auth.Principal{Subject: "anonymous", Anonymous: true}
	if g.verifier != nil {
		p, err := g.verifier.Verify(r.Context(), r.URL.Query().Get("token"))
		if err != nil {
			g.logger.Debug("live channel authentication failed", "remote_addr", r.RemoteAddr, "error", err)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"unauthorized"}` + "\n"))
			return
		}
		principal = p
	}
	g.HandleConnection(w, r, principal)
}

// HandleConnection upgrades the request and runs the connection until either
// side closes it.
func (g *Gateway) HandleConnection(w http.ResponseWriter, r *http.Request, principal auth.Principal) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("live channel upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	c := &client{
		id:        uuid.NewString(),
		gateway:   g,
		conn:      conn,
		principal: principal,
		send:      make(chan []byte, sendBuffer),
		done:      make(chan struct{}),
	}
	g.notifier.AddSubscriber(c)
	g.logger.Info("live subscriber connected", "subscriber", c.id, "subject", principal.Subject)

	go c.writeLoop()
	c.readLoop()

	g.notifier.RemoveSubscriber(c)
	c.Close()
	g.logger.Info("live subscriber disconnected", "subscriber", c.id)
}

type client struct {
	id        string
	gateway   *Gateway
	conn      *websocket.Conn
	principal auth.Principal
	send      chan []byte

	once sync.Once
	done chan struct{}
}

func (c *client) ID() string { return c.id }

// Send queues the payload for the write loop without blocking.
func (c *client) Send(payload []byte) error {
	select {
	case <-c.done:
		return errSubscriberClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return errSubscriberSlow
	}
}

func (c *client) Close() {
	c.once.Do(func() {
		close(c.done)
	})
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(c.gateway.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.gateway.writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.gateway.writeTimeout)); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.gateway.writeTimeout),
			)
			return
		}
	}
}

type inboundMessage struct {
	Message string `json:"message"`
}

type statusReply struct {
	Type    models.EventKind  `json:"type"`
	Message string            `json:"message"`
	Status  models.HostStatus `json:"status"`
}

type errorReply struct {
	Error string `json:"error"`
}

func (c *client) readLoop() {
	pongWait := 2 * c.gateway.pingInterval
	c.conn.SetReadLimit(maxInboundBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		var msg inboundMessage
		if err := json.Unmarshal(payload, &msg); err != nil || strings.TrimSpace(msg.Message) != StatusRequest {
			c.reply(errorReply{Error: "unknown command"})
			continue
		}
		c.replyStatus()
	}
}

func (c *client) replyStatus() {
	if c.gateway.status == nil {
		c.reply(errorReply{Error: "status unavailable"})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	status, err := c.gateway.status(ctx)
	if err != nil {
		c.gateway.logger.Warn("host status unavailable", "error", err)
		c.reply(errorReply{Error: "status unavailable"})
		return
	}
	c.reply(statusReply{Type: models.EventStatusSnapshot, Message: StatusReply, Status: status})
}

func (c *client) reply(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.Send(payload); err != nil {
		c.gateway.logger.Debug("reply dropped", "subscriber", c.id, "error", err)
	}
}
