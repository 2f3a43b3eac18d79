package ws

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/manpreetbhatti/coderoom/backend/internal/metrics"
	"github.com/manpreetbhatti/coderoom/backend/internal/protocol"
	"github.com/manpreetbhatti/coderoom/backend/internal/ratelimit"
	"github.com/manpreetbhatti/coderoom/backend/internal/room"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	maxMessageSize    = 2 * 1024 * 1024
	messagesPerSecond = 100
	messageBurst      = 200
	sendBuffer        = 512
	disconnectWait    = 5 * time.Second
)

// Client is one socket. It implements room.Conn: Send never blocks and a
// client that cannot keep up is closed. participantID and logger belong to
// the read goroutine.
type Client struct {
	hub           *Hub
	conn          *websocket.Conn
	send          chan []byte
	done          chan struct{}
	closeOnce     sync.Once
	code          string
	participantID string
	rateLimiter   *ratelimit.Limiter
	logger        zerolog.Logger
}

func (h *Hub) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(h.cfg.AllowedOrigins, r.Header.Get("Origin"))
		},
	}
}

func originAllowed(allowed []string, origin string) bool {
	if origin == "" || len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}

// ServeWs upgrades GET /ws?room=CODE. The client must send a join event
// within the join timeout; a room token is read from the cookie, the
// token query parameter or the join payload.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	code, ok := room.NormalizeCode(r.URL.Query().Get("room"))
	if !ok {
		http.Error(w, "invalid room code", http.StatusBadRequest)
		return
	}
	token := r.URL.Query().Get("token")
	if cookie, err := r.Cookie(TokenCookie); err == nil && token == "" {
		token = cookie.Value
	}

	conn, err := hub.upgrader().Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Warn().Err(err).Msg("upgrade failed")
		return
	}

	client := &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		done:        make(chan struct{}),
		code:        code,
		rateLimiter: ratelimit.NewLimiter(hub.cfg.MessagesPerSecond, hub.cfg.MessageBurst),
		logger:      hub.logger.With().Str("room", code).Str("remote", conn.RemoteAddr().String()).Logger(),
	}
	if !hub.add(client) {
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump(token)
}

// Send queues an event. It reports false once the client is closed or its
// buffer is full, in which case the client is closed.
func (c *Client) Send(ev protocol.Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- ev.Encode():
		return true
	default:
		c.hub.logger.Warn().Str("room", c.code).Msg("send buffer full, dropping client")
		c.Close()
		return false
	}
}

func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Client) sendError(event string, err error) {
	payload := errorPayload(event, err)
	if payload.Code == codeInternal {
		c.logger.Error().Err(err).Str("event", event).Msg("request failed")
	}
	c.Send(protocol.Must(protocol.Error, payload))
}

func (c *Client) readPump(token string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		if c.participantID != "" {
			dctx, dcancel := context.WithTimeout(context.Background(), disconnectWait)
			if err := c.hub.rooms.Disconnect(dctx, c.code, c.participantID, c); err != nil && !errors.Is(err, room.ErrRoomNotFound) {
				c.logger.Warn().Err(err).Msg("disconnect failed")
			}
			dcancel()
		}
		c.Close()
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if !c.handshake(ctx, token) {
		return
	}

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	rateLimitWarnings := 0

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Debug().Err(err).Msg("socket error")
			}
			return
		}

		if !c.rateLimiter.Allow() {
			rateLimitWarnings++
			metrics.SocketMessagesDropped.WithLabelValues("rate-limit").Inc()
			if rateLimitWarnings%100 == 1 {
				c.logger.Warn().Str("participant", c.participantID).Int("warnings", rateLimitWarnings).Msg("rate limit exceeded")
				c.sendError("", &room.Error{Kind: room.KindRateLimited, Message: "slow down"})
			}
			if rateLimitWarnings > 1000 {
				c.logger.Warn().Str("participant", c.participantID).Msg("disconnecting client for excessive rate limit violations")
				return
			}
			continue
		}

		ev, err := protocol.Parse(message)
		if err != nil {
			metrics.SocketMessagesDropped.WithLabelValues("malformed").Inc()
			c.sendError("", invalid(err))
			continue
		}
		if err := c.dispatch(ctx, ev); err != nil {
			c.sendError(ev.Type, err)
		}
	}
}

// handshake waits for the join event and admits the client
func (c *Client) handshake(ctx context.Context, token string) bool {
	c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.JoinTimeout))
	_, message, err := c.conn.ReadMessage()
	if err != nil {
		c.logger.Debug().Err(err).Msg("no join before timeout")
		return false
	}

	ev, err := protocol.Parse(message)
	if err != nil {
		c.sendError(protocol.Join, invalid(err))
		return false
	}
	if ev.Type != protocol.Join {
		c.sendError(ev.Type, &room.Error{Kind: room.KindUnauthorized, Message: "join first"})
		return false
	}
	var req joinRequest
	if len(ev.Data) > 0 {
		if err := ev.Decode(&req); err != nil {
			c.sendError(protocol.Join, invalid(err))
			return false
		}
	}
	if req.Token != "" {
		token = req.Token
	}

	creds := room.Credentials{Nickname: req.Nickname, Password: req.Password}
	if token != "" {
		id, err := c.hub.rooms.VerifyToken(c.code, token)
		if err != nil {
			c.sendError(protocol.Join, err)
			return false
		}
		creds = room.Credentials{ParticipantID: id}
	}

	result, err := c.hub.rooms.Join(ctx, c.code, creds, c)
	if err != nil {
		c.sendError(protocol.Join, err)
		return false
	}
	c.participantID = result.ParticipantID
	c.logger = c.logger.With().Str("participant", result.ParticipantID).Logger()
	return true
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.write(message); err != nil {
				return
			}

		case <-c.done:
			// flush what was queued before the close, e.g. room-destroyed
			c.drain()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) drain() {
	for {
		select {
		case message := <-c.send:
			if c.write(message) != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) write(message []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	w.Write(message)
	return w.Close()
}
