package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Timolanda/Micall-sub001/internal/models"
	"github.com/Timolanda/Micall-sub001/internal/relay"
	"github.com/Timolanda/Micall-sub001/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // allow all origins in dev; restrict in production
	},
}

// WSMessage is the WebSocket message envelope.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Client represents a single WebSocket connection in a session room.
type Client struct {
	ID        string
	SessionID uuid.UUID
	UserID    uuid.UUID
	Role      string
	hub       *Hub
	engine    *session.Engine
	bus       relay.Bus
	conn      *websocket.Conn
	send      chan WSMessage
	logger    *zap.Logger
}

// ServeWs handles the WebSocket upgrade and runs the client loop. The token
// authenticates the user; the broadcaster role is only granted to the session
// owner.
func ServeWs(hub *Hub, logger *zap.Logger, jwtValidate func(token string) (userID string, err error), engine *session.Engine, bus relay.Bus) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionIDStr := c.Query("session_id")
		token := c.Query("token")
		if sessionIDStr == "" || token == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "session_id and token required"})
			return
		}
		sessionID, err := uuid.Parse(sessionIDStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session_id"})
			return
		}
		userIDStr, err := jwtValidate(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		userID, _ := uuid.Parse(userIDStr)

		sess, err := engine.Session(c.Request.Context(), sessionID)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		role := models.RoleViewer
		if c.Query("role") == models.RoleBroadcaster {
			if sess.BroadcasterID != userID {
				c.JSON(http.StatusForbidden, gin.H{"error": "not the broadcaster"})
				return
			}
			role = models.RoleBroadcaster
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			ID:        uuid.New().String(),
			SessionID: sessionID,
			UserID:    userID,
			Role:      role,
			hub:       hub,
			engine:    engine,
			bus:       bus,
			conn:      conn,
			send:      make(chan WSMessage, 256),
			logger:    logger,
		}
		hub.Register(client)
		go client.writePump()
		client.readPump()
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(1 << 20)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))

		switch msg.Event {
		case "roster":
			roster, viewers := c.engine.Roster(c.SessionID)
			c.hub.SendToClient(c.SessionID, c.ID, "presence_update", map[string]interface{}{
				"roster":       roster,
				"viewer_count": viewers,
			})
		case "signal":
			// Device-originated relay envelope (offer/answer/candidate/ptt).
			// Validated and identity-checked before it reaches the topic.
			env, err := relay.Decode(msg.Data)
			if err != nil {
				c.logger.Debug("dropped invalid signal", zap.Error(err))
				continue
			}
			if env.SessionID != c.SessionID || env.SenderID != c.UserID {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = c.bus.Publish(ctx, relay.Topic(c.SessionID), msg.Data)
			cancel()
		case "end_session":
			if c.Role != models.RoleBroadcaster {
				continue
			}
			if err := c.engine.End(context.Background(), c.SessionID, c.UserID); err != nil {
				c.hub.SendToClient(c.SessionID, c.ID, "error", map[string]string{"error": err.Error()})
			}
		case "pause_capture", "resume_capture":
			b, ok := c.broadcast()
			if !ok {
				continue
			}
			if msg.Event == "pause_capture" {
				b.Recorder().Pause()
			} else {
				b.Recorder().Resume()
			}
		case "toggle_audio", "toggle_video":
			b, ok := c.broadcast()
			if !ok {
				continue
			}
			var payload struct {
				Enabled bool `json:"enabled"`
			}
			if err := json.Unmarshal(msg.Data, &payload); err != nil {
				continue
			}
			if msg.Event == "toggle_audio" {
				b.Capture().SetAudioEnabled(payload.Enabled)
			} else {
				b.Capture().SetVideoEnabled(payload.Enabled)
			}
		default:
			// ignore
		}
	}
}

// broadcast returns the live broadcast when this client is its broadcaster.
func (c *Client) broadcast() (*session.Broadcast, bool) {
	if c.Role != models.RoleBroadcaster {
		return nil, false
	}
	return c.engine.Broadcast(c.SessionID)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
