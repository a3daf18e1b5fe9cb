package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aura-emotion/sessiond/internal/models"
	"github.com/aura-emotion/sessiond/internal/quality"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30 * time.Second
	PongWait     = 60 * time.Second

	writeWait  = 10 * time.Second
	sendBuffer = 64
	readLimit  = 65536
	opTimeout  = 2 * time.Second
)

// Inbound and outbound message events.
const (
	msgHealth = "health_report"
	msgStats  = "stats_report"
	msgStatus = "status"
	msgLeave  = "leave"

	eventError  = "error"
	eventHealth = "health_ack"
	eventStatus = "status_ack"
)

// WSMessage is the WebSocket message envelope.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Registry is the session registry surface the channel drives.
type Registry interface {
	GetParticipant(ctx context.Context, participantID string) (*models.Participant, error)
	ReportHealth(ctx context.Context, participantID string, sample quality.Sample) (*models.Participant, error)
	SetParticipantStatus(ctx context.Context, participantID string, status models.ParticipantStatus) (*models.Participant, error)
	LeaveSession(ctx context.Context, sessionID, participantID string) error
}

// Authenticator checks that token may open a channel for participantID.
type Authenticator func(token, participantID string) error

// Client is one participant's WebSocket connection.
type Client struct {
	SessionID     string
	ParticipantID string

	hub    *Hub
	reg    Registry
	conn   *websocket.Conn
	send   chan WSMessage
	logger *zap.Logger

	closeOnce  sync.Once
	left       atomic.Bool // participant left; do not mark reconnecting
	superseded atomic.Bool // a newer connection took over
}

// enqueue must be called with the hub lock held.
func (c *Client) enqueue(msg WSMessage) {
	select {
	case c.send <- msg:
	default:
		c.logger.Warn("send buffer full, dropping message",
			zap.String("participant_id", c.ParticipantID),
			zap.String("event", msg.Event),
		)
	}
}

// close must be called with the hub lock held.
func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.send) })
}

// ServeWs handles GET /ws?session_id=&participant_id=&token= and runs the client loop.
func ServeWs(hub *Hub, reg Registry, authenticate Authenticator, allowedOrigins []string, logger *zap.Logger) gin.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return func(c *gin.Context) {
		sessionID := c.Query("session_id")
		participantID := c.Query("participant_id")
		token := c.Query("token")
		if sessionID == "" || participantID == "" || token == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "session_id, participant_id and token required"})
			return
		}
		if err := authenticate(token, participantID); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), opTimeout)
		p, err := reg.GetParticipant(ctx, participantID)
		cancel()
		if err != nil {
			logger.Warn("websocket participant lookup failed", zap.String("participant_id", participantID), zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session store unavailable"})
			return
		}
		if p == nil || p.SessionID != sessionID {
			c.JSON(http.StatusNotFound, gin.H{"error": "participant not in session, please rejoin"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			SessionID:     sessionID,
			ParticipantID: participantID,
			hub:           hub,
			reg:           reg,
			conn:          conn,
			send:          make(chan WSMessage, sendBuffer),
			logger:        logger,
		}
		hub.Register(client)
		go client.writePump()
		client.readPump()
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || len(set) == 0 || set["*"] || set[origin]
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
		if !c.left.Load() && !c.superseded.Load() {
			c.markReconnecting()
		}
	}()

	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait))
		return nil
	})

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait))

		if stop := c.handle(msg); stop {
			return
		}
	}
}

// handle processes one inbound message; it reports whether the connection should end.
func (c *Client) handle(msg WSMessage) bool {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	switch msg.Event {
	case msgHealth, msgStats:
		var sample quality.Sample
		if msg.Event == msgStats {
			var payload quality.StatsPayload
			if err := json.Unmarshal(msg.Data, &payload); err != nil {
				c.reply(eventError, gin.H{"error": "invalid stats_report"})
				return false
			}
			sample = quality.SampleFromStats(payload.Report())
		} else if err := json.Unmarshal(msg.Data, &sample); err != nil {
			c.reply(eventError, gin.H{"error": "invalid health_report"})
			return false
		}
		p, err := c.reg.ReportHealth(ctx, c.ParticipantID, sample)
		if err != nil {
			c.reply(eventError, gin.H{"error": err.Error()})
			return false
		}
		if p == nil {
			c.left.Store(true)
			return true
		}
		c.reply(eventHealth, p.ConnectionHealth)
	case msgStatus:
		var payload struct {
			Status models.ParticipantStatus `json:"status"`
		}
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			c.reply(eventError, gin.H{"error": "invalid status"})
			return false
		}
		p, err := c.reg.SetParticipantStatus(ctx, c.ParticipantID, payload.Status)
		if err != nil {
			c.reply(eventError, gin.H{"error": err.Error()})
			return false
		}
		if p != nil {
			c.reply(eventStatus, gin.H{"status": p.Status})
		}
	case msgLeave:
		c.left.Store(true)
		if err := c.reg.LeaveSession(ctx, c.SessionID, c.ParticipantID); err != nil {
			c.logger.Warn("websocket leave failed", zap.String("participant_id", c.ParticipantID), zap.Error(err))
		}
		return true
	default:
		// ignore
	}
	return false
}

func (c *Client) reply(event string, payload interface{}) {
	c.hub.SendTo(c.SessionID, c.ParticipantID, event, payload)
}

func (c *Client) markReconnecting() {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if _, err := c.reg.SetParticipantStatus(ctx, c.ParticipantID, models.ParticipantReconnecting); err != nil {
		c.logger.Warn("mark participant reconnecting", zap.String("participant_id", c.ParticipantID), zap.Error(err))
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
