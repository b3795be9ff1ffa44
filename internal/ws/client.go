package ws

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"dm-service/internal/apperr"
	"dm-service/internal/auth"
	"dm-service/internal/config"
	"dm-service/internal/models"
	"dm-service/internal/observability"
)

// State is a connection's lifecycle position. Transitions only move forward:
// Authenticating -> Admitted -> Closing -> Closed.
type State int32

const (
	StateAuthenticating State = iota
	StateAdmitted
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAuthenticating:
		return "authenticating"
	case StateAdmitted:
		return "admitted"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Client owns one websocket. Its writer goroutine is the only code that
// writes to the socket; everyone else goes through Send.
type Client struct {
	identity auth.Identity
	info     ConnInfo
	conn     *websocket.Conn
	cfg      config.WSConfig
	log      zerolog.Logger

	state atomic.Int32
	send  chan []byte
	done  chan struct{}

	closeMu   sync.Mutex
	closeCode int
	closeText string

	roomsMu sync.Mutex
	rooms   map[string]struct{}
}

// newClient is the only constructor; a client cannot exist without an identity.
func newClient(identity auth.Identity, conn *websocket.Conn, info ConnInfo, cfg config.WSConfig) *Client {
	c := &Client{
		identity: identity,
		info:     info,
		conn:     conn,
		cfg:      cfg,
		log: observability.Component("ws").With().
			Str("conn_id", info.ConnID).
			Int64("user_id", identity.UserID).
			Logger(),
		send:  make(chan []byte, cfg.SendQueue),
		done:  make(chan struct{}),
		rooms: make(map[string]struct{}),
	}
	c.state.Store(int32(StateAuthenticating))
	return c
}

func (c *Client) ID() string { return c.info.ConnID }

func (c *Client) UserID() int64 { return c.identity.UserID }

func (c *Client) State() State { return State(c.state.Load()) }

// Send queues one frame. A full queue terminates the connection and returns
// ErrConnectionOverflow; sending after admission ended returns ErrConnectionClosed.
func (c *Client) Send(event string, payload any) error {
	if c.State() != StateAdmitted {
		return apperr.ErrConnectionClosed
	}
	data, err := json.Marshal(models.Frame{Event: event, Data: payload})
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}

	select {
	case <-c.done:
		return apperr.ErrConnectionClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	default:
		observability.IncWSEvent("ws_overflow")
		if c.terminate(websocket.CloseTryAgainLater, "send queue overflow") {
			c.abortWrites()
		}
		return apperr.ErrConnectionOverflow
	}
}

// abortWrites closes the socket under a peer that stopped reading. A write
// stuck on it fails now instead of after WriteWait, and the read side ends
// the connection.
func (c *Client) abortWrites() {
	if c.conn == nil {
		return
	}
	_ = c.conn.UnderlyingConn().Close()
}

// refuse closes a socket that was upgraded but is not going to be admitted.
func (c *Client) refuse(code int, text string) {
	if c.conn != nil {
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(c.cfg.WriteWait))
		_ = c.conn.Close()
	}
	c.markClosed()
}

func (c *Client) admit() bool {
	return c.state.CompareAndSwap(int32(StateAuthenticating), int32(StateAdmitted))
}

// terminate moves the client to Closing and wakes the writer, which sends a
// close frame and closes the socket. Only the first call has any effect.
func (c *Client) terminate(code int, text string) bool {
	for {
		cur := State(c.state.Load())
		if cur >= StateClosing {
			return false
		}
		if c.state.CompareAndSwap(int32(cur), int32(StateClosing)) {
			break
		}
	}

	c.closeMu.Lock()
	c.closeCode, c.closeText = code, text
	c.closeMu.Unlock()

	close(c.done)
	return true
}

func (c *Client) markClosed() {
	c.state.Store(int32(StateClosed))
}

func (c *Client) closeFrame() []byte {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return websocket.FormatCloseMessage(c.closeCode, c.closeText)
}

func (c *Client) overflowed() bool {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closeCode == websocket.CloseTryAgainLater
}

func (c *Client) pingPeriod() time.Duration {
	return c.cfg.PongWait * 9 / 10
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.pingPeriod())
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			// a peer that overflowed its queue is not reading a close frame either
			if !c.overflowed() {
				_ = c.conn.WriteControl(websocket.CloseMessage, c.closeFrame(), time.Now().Add(c.cfg.WriteWait))
			}
			return
		case data := <-c.send:
			// pending frames are dropped once closing started
			select {
			case <-c.done:
				continue
			default:
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Debug().Err(err).Msg("websocket write failed")
				c.terminate(websocket.CloseInternalServerErr, "write failed")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.terminate(websocket.CloseInternalServerErr, "ping failed")
				return
			}
		}
	}
}

func (c *Client) joinRoom(room string) {
	c.roomsMu.Lock()
	defer c.roomsMu.Unlock()
	c.rooms[room] = struct{}{}
}

func (c *Client) leaveRoom(room string) {
	c.roomsMu.Lock()
	defer c.roomsMu.Unlock()
	delete(c.rooms, room)
}

// InRoom reports whether the connection joined room.
func (c *Client) InRoom(room string) bool {
	c.roomsMu.Lock()
	defer c.roomsMu.Unlock()
	_, ok := c.rooms[room]
	return ok
}
