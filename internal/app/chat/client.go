/*
Package chat ties the session registry, room broker, presence tracker and
typing manager together behind the operations a transport exposes.

This file defines the Client struct, representing an active WebSocket connection. It manages the
connection lifecycle, the read and write pumps, and one forwarder goroutine per joined room that
moves events from the room subscription to the socket in sequence order.
*/
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"roomcast/internal/app/broker"
	"roomcast/internal/app/event"
	"roomcast/internal/app/presence"
	"roomcast/internal/pkg/errs"
	"roomcast/internal/pkg/logx"
)

const (
	// timeout duration for writing to the WebSocket connection.
	writeWait = 10 * time.Second

	// maximum time allowed for the server to wait for a Pong message from the client.
	pongWait = 60 * time.Second

	// frequency at which the server sends a Ping message.
	pingPeriod = (pongWait * 9) / 10

	// maximum allowed size (in bytes) of a frame sent by the client.
	maxMessageSize = 16384

	// capacity of the outbound frame buffer.
	sendBufferSize = 256

	// PublishRate and PublishBurst bound how fast one connection may publish.
	PublishRate  = 10
	PublishBurst = 20

	// WsCloseCodeKicked is sent when the server drops a connection that fell too far behind.
	WsCloseCodeKicked = 4001

	// WsCloseCodeSessionExpired is sent when the identity token used to connect expired.
	WsCloseCodeSessionExpired = 4003
)

// FrameType identifies a WebSocket frame.
type FrameType string

const (
	FrameJoin        FrameType = "join"
	FrameLeave       FrameType = "leave"
	FramePublish     FrameType = "publish"
	FrameStatus      FrameType = "status"
	FrameTypingStart FrameType = "typing_start"
	FrameTypingStop  FrameType = "typing_stop"

	FrameEvent FrameType = "event"
	FrameError FrameType = "error"
	FrameAck   FrameType = "ack"
)

// InboundFrame is a request from the client.
type InboundFrame struct {
	Type    FrameType       `json:"type"`
	RoomID  string          `json:"room_id,omitempty"`
	Kind    event.Kind      `json:"kind,omitempty"`
	After   *uint64         `json:"after,omitempty"`
	Status  string          `json:"status,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Ref     string          `json:"ref,omitempty"`
}

// OutboundFrame is sent to the client.
type OutboundFrame struct {
	Type     FrameType       `json:"type"`
	Event    *event.Event    `json:"event,omitempty"`
	RoomID   string          `json:"room_id,omitempty"`
	Sequence uint64          `json:"sequence,omitempty"`
	Presence *presence.State `json:"presence,omitempty"`
	Code     int             `json:"code,omitempty"`
	Message  string          `json:"message,omitempty"`
	Ref      string          `json:"ref,omitempty"`
}

// Identity is the authenticated user behind a connection.
type Identity struct {
	UserID    string
	Nickname  string
	ExpiresAt time.Time
}

type forwarder struct {
	sub    *broker.Subscription
	cancel context.CancelFunc
}

// Client struct represents an active WebSocket connection and its associated user.
type Client struct {
	svc *Service

	// underlying WebSocket connection object.
	conn *websocket.Conn

	identity Identity
	connID   string

	// a buffered channel used to queue frames waiting to be sent to the client.
	send chan []byte

	// kick carries the reason the server wants the connection closed.
	kick chan error

	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	forwarders map[string]forwarder
	wg         sync.WaitGroup

	// structured logger with connection context.
	logger zerolog.Logger
}

// NewClient constructs a Client for an upgraded connection.
func NewClient(svc *Service, wsConn *websocket.Conn, identity Identity) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		svc:        svc,
		conn:       wsConn,
		identity:   identity,
		send:       make(chan []byte, sendBufferSize),
		kick:       make(chan error, 1),
		limiter:    rate.NewLimiter(rate.Limit(PublishRate), PublishBurst),
		ctx:        ctx,
		cancel:     cancel,
		forwarders: make(map[string]forwarder),
		logger:     logx.Component("ws_client").With().Str("user_id", identity.UserID).Logger(),
	}
}

// Start registers the connection with the service.
func (c *Client) Start(ctx context.Context) error {
	connID, err := c.svc.Connect(ctx, c.identity.UserID, c.Kick)
	if err != nil {
		return err
	}

	c.connID = connID
	c.logger = c.logger.With().Str("conn_id", connID).Logger()
	c.logger.Info().Str("nickname", c.identity.Nickname).Msg("Client connected.")

	return nil
}

// ConnID returns the registry id of the connection.
func (c *Client) ConnID() string {
	return c.connID
}

// Kick asks the write pump to close the connection with reason.
func (c *Client) Kick(reason error) {
	select {
	case c.kick <- reason:
	default:
	}
}

// ReadPump handles reading frames from the WebSocket connection.
// It handles heartbeats (Pong), frame dispatch, and performs cleanup upon connection closure.
func (c *Client) ReadPump() {
	defer c.cleanupOnDisconnect()

	c.conn.SetReadLimit(maxMessageSize)

	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Error().Err(err).Msg("Failed to set read deadline")
		return
	}

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Info().Err(err).Msg("Error reading message (Client close/going away)")
			}
			break
		}

		c.handleFrame(data)
	}
}

// cleanupOnDisconnect leaves every room, stops the forwarders and lets the write pump finish.
func (c *Client) cleanupOnDisconnect() {
	c.logger.Info().Msg("Client connection cleanup starting.")

	if err := c.svc.Disconnect(c.connID); err != nil && !errs.HasCode(err, errs.ErrNotFound) {
		c.logger.Error().Err(err).Msg("Failed to unregister connection")
	}

	c.cancel()
	c.wg.Wait()
	close(c.send)

	if err := c.conn.Close(); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		c.logger.Debug().Err(err).Msg("Client connection close error")
	}
}

// handleFrame dispatches one inbound frame.
func (c *Client) handleFrame(data []byte) {
	var frame InboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.logger.Warn().Err(err).Msg("Client sent invalid JSON")
		c.SendError("", errs.NewError(errs.ErrInvalidJSONFormat))
		return
	}

	switch frame.Type {
	case FrameJoin:
		c.handleJoin(frame)

	case FrameLeave:
		c.stopForwarder(frame.RoomID)
		if err := c.svc.Leave(c.connID, frame.RoomID); err != nil {
			c.SendError(frame.Ref, err)
			return
		}
		c.sendAck(frame.Ref, frame.RoomID, 0)

	case FramePublish:
		if !c.limiter.Allow() {
			c.SendError(frame.Ref, errs.NewError(errs.ErrRateLimitExceeded))
			return
		}
		ev, err := c.svc.Publish(c.connID, frame.RoomID, frame.Kind, frame.Payload)
		if err != nil {
			c.SendError(frame.Ref, err)
			return
		}
		c.sendAck(frame.Ref, frame.RoomID, ev.Sequence)

	case FrameStatus:
		st, err := c.svc.SetStatus(c.ctx, c.connID, frame.Status)
		if err != nil {
			c.SendError(frame.Ref, err)
			return
		}
		if frame.Ref != "" {
			c.sendFrame(OutboundFrame{Type: FrameAck, Ref: frame.Ref, Presence: &st})
		}

	case FrameTypingStart, FrameTypingStop:
		var err error
		if frame.Type == FrameTypingStart {
			err = c.svc.StartTyping(c.connID, frame.RoomID)
		} else {
			err = c.svc.StopTyping(c.connID, frame.RoomID)
		}
		if err != nil {
			c.SendError(frame.Ref, err)
			return
		}
		c.sendAck(frame.Ref, frame.RoomID, 0)

	default:
		c.logger.Warn().Str("frame_type", string(frame.Type)).Msg("Client sent unsupported frame type")
		c.SendError(frame.Ref, errs.NewError(errs.ErrInvalidParams))
	}
}

func (c *Client) handleJoin(frame InboundFrame) {
	sub, err := c.svc.Join(c.ctx, c.connID, frame.RoomID, frame.After)
	if err != nil {
		c.SendError(frame.Ref, err)
		return
	}

	_, head := c.svc.Head(frame.RoomID)
	c.sendAck(frame.Ref, frame.RoomID, head)

	c.startForwarder(frame.RoomID, sub)
}

// startForwarder pumps sub into the send buffer. A repeated join of the same
// subscription keeps the running forwarder.
func (c *Client) startForwarder(roomID string, sub *broker.Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if fw, ok := c.forwarders[roomID]; ok && fw.sub == sub {
		return
	}

	ctx, cancel := context.WithCancel(c.ctx)
	c.forwarders[roomID] = forwarder{sub: sub, cancel: cancel}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.dropForwarder(roomID, sub)

		for ev, err := range sub.Events(ctx) {
			if err != nil {
				if errs.HasCode(err, errs.ErrQueueOverflow) {
					c.logger.Warn().Str("room_id", roomID).Msg("Subscription overflowed.")
				}
				return
			}
			if !c.enqueue(ctx, OutboundFrame{Type: FrameEvent, Event: &ev}) {
				return
			}
		}
	}()
}

func (c *Client) dropForwarder(roomID string, sub *broker.Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if fw, ok := c.forwarders[roomID]; ok && fw.sub == sub {
		fw.cancel()
		delete(c.forwarders, roomID)
	}
}

func (c *Client) stopForwarder(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if fw, ok := c.forwarders[roomID]; ok {
		fw.cancel()
		delete(c.forwarders, roomID)
	}
}

// WritePump handles writing frames from the send channel to the WebSocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()

		// unblock the read pump and forwarders waiting on a full send buffer
		c.cancel()

		// ensure the connection is closed on exit
		if err := c.conn.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("Client connection close error in WritePump")
		}
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !c.writeQueuedMessage(message, ok) {
				return
			}

		case reason := <-c.kick:
			c.writeClose(WsCloseCodeKicked, reason)
			return

		case <-ticker.C:
			if !c.identity.ExpiresAt.IsZero() && time.Now().After(c.identity.ExpiresAt) {
				c.writeClose(WsCloseCodeSessionExpired, errs.NewError(errs.ErrUnauthorized))
				return
			}
			if !c.writePingMessage() {
				return
			}
		}
	}
}

// writeQueuedMessage handles frames pulled from the send channel, writing them to the WebSocket.
// Returns true if the WritePump loop should continue, false if it should terminate.
func (c *Client) writeQueuedMessage(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Error().Err(err).Msg("Failed to set write deadline")
		return false
	}

	if !ok {
		if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
			c.logger.Debug().Err(err).Msg("Error writing close message")
		}
		return false
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		c.logger.Error().Err(err).Msg("Error writing message")
		return false
	}

	return true
}

// writePingMessage sends a periodic WebSocket Ping message to maintain the connection heartbeat.
// Returns false if the WritePump loop should terminate due to write failure.
func (c *Client) writePingMessage() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Error().Err(err).Msg("Failed to set write deadline on ping")
		return false
	}

	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.logger.Error().Err(err).Msg("Error writing ping")
		return false
	}

	return true
}

// writeClose sends a close frame with a custom code (4000-4999 range).
func (c *Client) writeClose(code int, reason error) {
	text := errs.From(reason).Message

	c.logger.Warn().Int("close_code", code).Str("reason", text).Msg("Closing connection from server side.")

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text)); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to send close message.")
	}
}

// enqueue marshals frame and blocks until it is buffered or ctx ends.
func (c *Client) enqueue(ctx context.Context, frame OutboundFrame) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error().Err(err).Msg("Error marshaling frame for client")
		return false
	}

	select {
	case c.send <- data:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Client) sendFrame(frame OutboundFrame) {
	if !c.enqueue(c.ctx, frame) {
		c.logger.Debug().Str("frame_type", string(frame.Type)).Msg("Frame dropped, connection closing.")
	}
}

func (c *Client) sendAck(ref, roomID string, sequence uint64) {
	if ref == "" {
		return
	}
	c.sendFrame(OutboundFrame{Type: FrameAck, Ref: ref, RoomID: roomID, Sequence: sequence})
}

// SendError converts err to a coded error frame.
func (c *Client) SendError(ref string, err error) {
	customErr := errs.From(err)
	c.sendFrame(OutboundFrame{
		Type:    FrameError,
		Code:    customErr.Code,
		Message: customErr.Message,
		Ref:     ref,
	})
}
