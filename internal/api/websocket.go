package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"zerodha-trading-engine/internal/auth"
	"zerodha-trading-engine/internal/events"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsSendBuffer = 64
)

// The stream is token-gated; all origins are allowed.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// streamEvent is the JSON envelope pushed to websocket clients.
type streamEvent struct {
	Kind          string    `json:"kind"`
	Severity      string    `json:"severity"`
	Component     string    `json:"component"`
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	Symbols       []string  `json:"symbols,omitempty"`
	Capital       float64   `json:"capital,omitempty"`
	DailyPnL      float64   `json:"daily_pnl,omitempty"`
	OpenPositions int       `json:"open_positions,omitempty"`
	Timestamp     time.Time `json:"ts"`
}

// translateEvent renders a bus event into the stream envelope. Alerts
// pass through untouched; other events get their display form here at
// the edge.
func translateEvent(event events.Event) streamEvent {
	out := streamEvent{
		Kind:      string(event.Type),
		Severity:  string(events.SeverityInfo),
		Component: "engine",
		Title:     string(event.Type),
		Timestamp: event.Timestamp,
	}

	switch p := event.Payload.(type) {
	case events.Alert:
		return streamEvent{
			Kind:          p.Kind,
			Severity:      string(p.Severity),
			Component:     p.Component,
			Title:         p.Title,
			Description:   p.Description,
			Symbols:       p.Symbols,
			Capital:       p.Capital,
			DailyPnL:      p.DailyPnL,
			OpenPositions: p.OpenPositions,
			Timestamp:     p.Timestamp,
		}
	case events.PositionOpened:
		out.Component = "position_tracker"
		out.Title = "position opened"
		out.Description = fmt.Sprintf("%s %d %s @ %.2f", p.Side, p.Quantity, p.Symbol, p.EntryPrice)
		out.Symbols = []string{p.Symbol}
	case events.PositionClosed:
		out.Component = "position_tracker"
		out.Title = "position closed"
		out.Description = fmt.Sprintf("%s %d %s @ %.2f, pnl %.2f (%s)", p.Side, p.Quantity, p.Symbol, p.ExitPrice, p.RealizedPnL, p.Reason)
		out.Symbols = []string{p.Symbol}
	case events.EmergencyStop:
		out.Component = "risk_manager"
		out.Severity = string(events.SeverityCritical)
		out.Title = "emergency stop"
		out.Description = p.Trigger
		out.DailyPnL = p.DailyPnL
	case events.BiasChanged:
		out.Component = "bias_engine"
		out.Title = "bias changed"
		out.Description = fmt.Sprintf("%s to %s (confidence %.1f, %s)", p.Previous, p.Direction, p.Confidence, p.Regime)
	case events.SignalEvent:
		out.Component = "signal_pipeline"
		out.Description = fmt.Sprintf("%s %s %s conf %.1f", p.Strategy, p.Action, p.Symbol, p.Confidence)
		if p.Reason != "" {
			out.Description += " (" + p.Reason + ")"
		}
		out.Symbols = []string{p.Symbol}
	case events.OrderEvent:
		out.Component = "order_manager"
		out.Description = fmt.Sprintf("%s %d %s @ %.2f user %s", p.Action, p.Quantity, p.Symbol, p.Price, p.UserID)
		out.Symbols = []string{p.Symbol}
		if p.Error != "" {
			out.Severity = string(events.SeverityWarning)
			out.Description += ": " + p.Error
		}
	}
	return out
}

// wsHub fans bus events out to websocket clients. All client-map access
// happens on the run goroutine; slow clients are dropped rather than
// allowed to stall the broadcast loop.
type wsHub struct {
	clients    map[*wsClient]bool
	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	logger     zerolog.Logger
}

func newWSHub(logger zerolog.Logger) *wsHub {
	return &wsHub{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan []byte, 4096),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
		logger:     logger.With().Str("component", "event_stream").Logger(),
	}
}

func (h *wsHub) run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				close(client.send)
			}
			return
		case client := <-h.register:
			h.clients[client] = true
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
		case message := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					delete(h.clients, client)
					close(client.send)
				}
			}
		}
	}
}

func (h *wsHub) broadcastEvent(event events.Event) {
	data, err := json.Marshal(translateEvent(event))
	if err != nil {
		h.logger.Error().Err(err).Msg("marshal stream event")
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn().Msg("stream broadcast buffer full, dropping event")
	}
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	hub  *wsHub
}

// writePump drains the send channel to the socket and keeps the
// connection alive with pings.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client messages; the stream is one-way. It exists to
// notice disconnects and answer pings.
func (c *wsClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// handleEventStream upgrades to a websocket and streams bus events. The
// token rides the Authorization header or a token query parameter since
// browsers cannot set headers on websocket dials.
func (s *Server) handleEventStream(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
		if len(parts) == 2 && strings.ToLower(parts[0]) == "bearer" {
			token = parts[1]
		}
	}
	if _, err := s.auth.Validate(token); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": auth.ErrUnauthorized.Code, "message": "valid token required"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &wsClient{conn: conn, send: make(chan []byte, wsSendBuffer), hub: s.hub}
	select {
	case s.hub.register <- client:
	case <-s.hub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
