package http

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
	"github.com/rs/zerolog/log"

	"github.com/dkeye/notelify/internal/domain"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

// Event is one message pushed to UI clients.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// CursorMover is the part of the cursor service the socket drives.
type CursorMover interface {
	Watch(ctx context.Context, board domain.BoardID) error
	Move(ctx context.Context, x, y float64) (bool, error)
	Unwatch(ctx context.Context)
}

type eventConn struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *eventConn) TrySend(b []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- b:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *eventConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// Events fans agent events out to every connected UI socket.
type Events struct {
	readLimit  int64
	pingPeriod time.Duration
	cursors    CursorMover

	mu    sync.RWMutex
	conns map[string]*eventConn
}

func NewEvents(readLimit int64, pingPeriod time.Duration, cursors CursorMover) *Events {
	return &Events{
		readLimit:  readLimit,
		pingPeriod: pingPeriod,
		cursors:    cursors,
		conns:      make(map[string]*eventConn),
	}
}

func (e *Events) Publish(typ string, data any) {
	b, err := json.Marshal(Event{Type: typ, Data: data})
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Str("type", typ).Msg("event marshal")
		return
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	for id, c := range e.conns {
		if err := c.TrySend(b); err != nil {
			log.Warn().Err(err).Str("module", "adapters.http").Str("conn", id).Str("type", typ).Msg("event dropped")
		}
	}
}

func (e *Events) Clients() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.conns)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (e *Events) Handle(ctx context.Context, c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("ws upgrade")
		return
	}
	if e.readLimit > 0 {
		ws.SetReadLimit(e.readLimit)
	}

	conn := &eventConn{id: uuid.NewString(), conn: ws, send: make(chan []byte, 32)}
	e.mu.Lock()
	e.conns[conn.id] = conn
	e.mu.Unlock()
	log.Info().Str("module", "adapters.http").Str("conn", conn.id).Str("sid", c.GetString("client_token")).Msg("events socket open")

	ctx, cancel := context.WithCancel(ctx)
	go e.writePump(ctx, conn)
	go e.readPump(ctx, cancel, conn)
}

func (e *Events) writePump(ctx context.Context, c *eventConn) {
	var ping <-chan time.Time
	if e.pingPeriod > 0 {
		t := time.NewTicker(e.pingPeriod)
		defer t.Stop()
		ping = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "adapters.http").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "adapters.http").Msg("writePump write error")
				return
			}
		case <-ping:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("writePump ping")
				return
			}
		}
	}
}

func (e *Events) readPump(ctx context.Context, cancel context.CancelFunc, c *eventConn) {
	defer func() {
		cancel()
		e.mu.Lock()
		delete(e.conns, c.id)
		e.mu.Unlock()
		c.Close()
		log.Info().Str("module", "adapters.http").Str("conn", c.id).Msg("events socket closed")
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("module", "adapters.http").Str("conn", c.id).Msg("readPump read error")
			}
			return
		}
		e.handleClient(ctx, c, data)
	}
}

type clientMessage struct {
	Type  string         `json:"type"`
	Board domain.BoardID `json:"board,omitempty"`
	X     float64        `json:"x"`
	Y     float64        `json:"y"`
}

func (e *Events) handleClient(ctx context.Context, c *eventConn, data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("bad json")
		return
	}

	switch msg.Type {
	case "ping":
		e.reply(c, Event{Type: "pong"})
	case "watch":
		if err := e.cursors.Watch(ctx, msg.Board); err != nil {
			e.reply(c, Event{Type: "error", Data: err.Error()})
		}
	case "unwatch":
		e.cursors.Unwatch(ctx)
	case "cursor":
		if _, err := e.cursors.Move(ctx, msg.X, msg.Y); err != nil {
			log.Debug().Err(err).Str("module", "adapters.http").Msg("cursor move")
		}
	default:
		log.Warn().Str("module", "adapters.http").Str("type", msg.Type).Msg("unknown client message")
	}
}

func (e *Events) reply(c *eventConn, ev Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_ = c.TrySend(b)
}
