package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/skillshare-signaling/internal/bus"
	"github.com/mossy-p/skillshare-signaling/internal/channel"
	"github.com/mossy-p/skillshare-signaling/internal/middleware"
	"github.com/mossy-p/skillshare-signaling/internal/models"
	"github.com/mossy-p/skillshare-signaling/internal/relay"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// Client represents a WebSocket client connection
type Client struct {
	ID     string
	UserID string
	Conn   *websocket.Conn
	Send   chan []byte

	pingPeriod time.Duration
	mu         sync.Mutex
	closed     bool
}

func newClient(conn *websocket.Conn, userID string, pingPeriod time.Duration) *Client {
	if pingPeriod <= 0 {
		pingPeriod = 54 * time.Second
	}
	return &Client{
		ID:         uuid.New().String(),
		UserID:     userID,
		Conn:       conn,
		Send:       make(chan []byte, 256),
		pingPeriod: pingPeriod,
	}
}

// HandleMatch waits until the authenticated user has a partner, sends one
// match frame and closes. Closing the socket cancels the wait.
func HandleMatch(pool Pool, pingPeriod time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := middleware.UserID(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn().Err(err).Str("module", "ws").Msg("Failed to upgrade connection")
			return
		}
		client := newClient(conn, userID, pingPeriod)

		ctx, cancel := context.WithCancel(context.Background())
		go client.writePump()
		go func() {
			client.readPump(nil)
			cancel()
		}()

		go func() {
			defer cancel()
			match, err := pool.Watch(ctx, userID)
			switch {
			case err == nil:
				client.sendJSON(models.MatchFrame{Type: "match", PeerID: match.PeerID, Source: string(match.Source)})
			case errors.Is(err, context.Canceled):
				// Client went away.
			default:
				client.sendJSON(models.MatchFrame{Type: "error", Error: err.Error()})
			}
			client.close()
		}()
	}
}

// HandleSignal bridges the socket to the offer/answer/ice relay channel the
// user shares with peerId.
func HandleSignal(b bus.Bus, pool Pool, pingPeriod time.Duration) gin.HandlerFunc {
	return bridge(b, pool, pingPeriod, channel.Signaling, func(t models.SignalType) bool {
		return t == models.SignalTypeOffer || t == models.SignalTypeAnswer || t == models.SignalTypeCandidate
	})
}

// HandleChat bridges the socket to the chat relay channel the user shares
// with peerId.
func HandleChat(b bus.Bus, pool Pool, pingPeriod time.Duration) gin.HandlerFunc {
	return bridge(b, pool, pingPeriod, channel.Chat, func(t models.SignalType) bool {
		return t == models.SignalTypeMessage
	})
}

func bridge(b bus.Bus, pool Pool, pingPeriod time.Duration, name func(x, y string) string, accept func(models.SignalType) bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := middleware.UserID(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
			return
		}
		peerID := c.Param("peerId")
		if peerID == "" || peerID == userID {
			c.JSON(http.StatusBadRequest, gin.H{"error": "peerId is required"})
			return
		}

		// Only the two participants of an active session may use its channels.
		session, err := pool.ActiveSession(c.Request.Context(), userID)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				c.JSON(http.StatusForbidden, gin.H{"error": "No active call with this peer"})
				return
			}
			writeError(c, err)
			return
		}
		if other, _ := session.PeerOf(userID); other != peerID {
			c.JSON(http.StatusForbidden, gin.H{"error": "No active call with this peer"})
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		ch, err := relay.New(b, userID).Open(ctx, name(userID, peerID))
		if err != nil {
			cancel()
			writeError(c, err)
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			cancel()
			ch.Close()
			log.Warn().Err(err).Str("module", "ws").Msg("Failed to upgrade connection")
			return
		}
		client := newClient(conn, userID, pingPeriod)

		if _, err := ch.SubscribeRemote(ctx, func(env models.Envelope) {
			if data, err := json.Marshal(env); err == nil {
				client.deliver(data)
			}
		}); err != nil {
			log.Error().Err(err).Str("module", "ws").Str("channel", ch.Name()).Msg("relay subscribe failed")
			cancel()
			ch.Close()
			conn.Close()
			return
		}

		log.Info().
			Str("module", "ws").
			Str("client_id", client.ID).
			Str("user_id", userID).
			Str("peer_id", peerID).
			Str("channel", ch.Name()).
			Msg("relay bridge opened")

		go client.writePump()
		go func() {
			defer func() {
				ch.Close()
				cancel()
				client.close()
				log.Info().Str("module", "ws").Str("client_id", client.ID).Str("channel", ch.Name()).Msg("relay bridge closed")
			}()
			client.readPump(func(message []byte) {
				var env models.Envelope
				if err := json.Unmarshal(message, &env); err != nil {
					log.Debug().Err(err).Str("module", "ws").Msg("Failed to parse message")
					return
				}
				// The sender is always the authenticated user.
				env.SenderID = userID
				if !accept(env.Type) {
					log.Debug().Str("module", "ws").Str("type", string(env.Type)).Msg("message type not allowed on this channel")
					return
				}
				if err := ch.Send(ctx, env); err != nil {
					log.Warn().Err(err).Str("module", "ws").Str("channel", ch.Name()).Msg("relay send failed")
					client.sendJSON(gin.H{"type": "error", "error": err.Error()})
				}
			})
		}()
	}
}

// readPump reads until the connection fails. Each text message goes to
// onMessage when it is set.
func (c *Client) readPump(onMessage func([]byte)) {
	pongWait := c.pingPeriod * 10 / 9
	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("module", "ws").Str("client_id", c.ID).Msg("WebSocket error")
			}
			return
		}
		if onMessage != nil {
			onMessage(message)
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Warn().Err(err).Str("module", "ws").Str("client_id", c.ID).Msg("Failed to write message")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "ws").Msg("Failed to marshal message")
		return
	}
	c.deliver(data)
}

// deliver queues data unless the client is closed or its buffer is full.
func (c *Client) deliver(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.Send <- data:
	default:
		log.Warn().Str("module", "ws").Str("client_id", c.ID).Msg("Failed to send message, buffer full")
	}
}

// close ends the write side after the queued messages are flushed.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
}
