// Package session owns the signaling connection lifecycle: join, the
// websocket read/write pumps, message dispatch and idempotent leave.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/zjbstudy/studyroom/clients"
	"github.com/zjbstudy/studyroom/internal/protocol"
)

// Status is the signaling connection state.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

// Config holds websocket tuning for the signaling connection.
type Config struct {
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
}

// DefaultConfig returns the signaling connection defaults.
func DefaultConfig() Config {
	return Config{
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		PingInterval:   30 * time.Second,
		MaxMessageSize: 64 * 1024,
	}
}

// RoomEnsurer creates the room on the API before joining. Failures are
// non-fatal; the signaling server may know the room anyway.
type RoomEnsurer interface {
	EnsureRoom(ctx context.Context, req clients.EnsureRoomRequest) error
}

// Handler consumes one inbound signaling envelope. Handlers run on the read
// pump goroutine, so inbound messages are dispatched strictly in arrival
// order.
type Handler func(protocol.Envelope)

// Manager drives one user's signaling connection to one room.
type Manager struct {
	roomID string
	userID string
	wsBase string
	cfg    Config
	rooms  RoomEnsurer
	dialer *websocket.Dialer

	mu        sync.Mutex
	status    Status
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	teardown  *sync.Once
	leaveSent bool

	ensure clients.EnsureRoomRequest

	handlers map[protocol.MessageType]Handler
	onOpen   func()
	onClose  func()
}

// NewManager creates a signaling manager. wsBase is the websocket endpoint
// base, e.g. "ws://host:8080". rooms may be nil.
func NewManager(cfg Config, wsBase, roomID, userID string, rooms RoomEnsurer) *Manager {
	return &Manager{
		roomID:   roomID,
		userID:   userID,
		wsBase:   strings.TrimRight(wsBase, "/"),
		cfg:      cfg,
		rooms:    rooms,
		dialer:   websocket.DefaultDialer,
		status:   StatusDisconnected,
		ensure:   clients.EnsureRoomRequest{RoomID: roomID},
		handlers: make(map[protocol.MessageType]Handler),
	}
}

// SetEnsureRequest overrides the room-ensure payload sent before joining.
// The room id always follows the manager's room.
func (m *Manager) SetEnsureRequest(req clients.EnsureRoomRequest) {
	req.RoomID = m.roomID
	m.ensure = req
}

// Room returns the room this manager joins.
func (m *Manager) Room() string { return m.roomID }

// User returns the local user identity.
func (m *Manager) User() string { return m.userID }

// Status returns the current connection state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// HandleFunc registers the handler for one message type. Registration must
// happen before Connect; there is no lock against a running read pump.
func (m *Manager) HandleFunc(typ protocol.MessageType, h Handler) {
	m.handlers[typ] = h
}

// SetOnOpen registers a hook fired once the connection is established and
// the join frame is queued.
func (m *Manager) SetOnOpen(fn func()) { m.onOpen = fn }

// SetOnClose registers a hook fired exactly once per connection when it
// ends, whether by Leave or by transport failure.
func (m *Manager) SetOnClose(fn func()) { m.onClose = fn }

// Connect ensures the room, dials the signaling endpoint and starts the
// pumps. A second Connect while connecting or connected is a no-op.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.status != StatusDisconnected {
		m.mu.Unlock()
		return nil
	}
	m.status = StatusConnecting
	m.mu.Unlock()

	if m.rooms != nil {
		if err := m.rooms.EnsureRoom(ctx, m.ensure); err != nil {
			log.Warn().Err(err).Str("room_id", m.roomID).Msg("room ensure failed, joining anyway")
		}
	}

	url := fmt.Sprintf("%s/ws/rooms/%s", m.wsBase, m.roomID)
	conn, _, err := m.dialer.DialContext(ctx, url, nil)
	if err != nil {
		m.mu.Lock()
		m.status = StatusDisconnected
		m.mu.Unlock()
		return fmt.Errorf("dial signaling %s: %w", url, err)
	}

	m.mu.Lock()
	m.conn = conn
	m.send = make(chan []byte, 256)
	m.done = make(chan struct{})
	m.teardown = &sync.Once{}
	m.leaveSent = false
	m.status = StatusConnected
	m.mu.Unlock()

	go m.writePump(conn, m.send, m.done)
	go m.readPump(conn)

	if err := m.Send(protocol.Join(m.userID)); err != nil {
		log.Warn().Err(err).Msg("queue join frame failed")
	}

	log.Info().
		Str("room_id", m.roomID).
		Str("user_id", m.userID).
		Msg("signaling connection established")

	if m.onOpen != nil {
		m.onOpen()
	}
	return nil
}

// Send queues one outbound envelope. It never blocks; if the write pump has
// fallen behind the frame is dropped with a warning.
func (m *Manager) Send(env protocol.Envelope) error {
	m.mu.Lock()
	send := m.send
	status := m.status
	m.mu.Unlock()

	if status != StatusConnected || send == nil {
		return fmt.Errorf("not connected")
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", env.Type, err)
	}

	select {
	case send <- data:
		return nil
	default:
		log.Warn().Str("type", string(env.Type)).Msg("send buffer full, dropping frame")
		return fmt.Errorf("send buffer full")
	}
}

// Leave announces departure and closes the connection. Calling it again, or
// after a transport failure already tore the connection down, is a no-op.
func (m *Manager) Leave() {
	m.mu.Lock()
	if m.status != StatusConnected || m.leaveSent {
		m.mu.Unlock()
		return
	}
	m.leaveSent = true
	m.mu.Unlock()

	if err := m.Send(protocol.Leave(m.userID)); err != nil {
		log.Debug().Err(err).Msg("leave frame not sent")
	}
	m.shutdown()
}

// shutdown runs the per-connection teardown exactly once.
func (m *Manager) shutdown() {
	m.mu.Lock()
	once := m.teardown
	m.mu.Unlock()
	if once == nil {
		return
	}

	once.Do(func() {
		m.mu.Lock()
		conn := m.conn
		done := m.done
		m.conn = nil
		m.status = StatusDisconnected
		m.mu.Unlock()

		if done != nil {
			close(done)
		}
		if conn != nil {
			conn.Close()
		}

		log.Info().
			Str("room_id", m.roomID).
			Str("user_id", m.userID).
			Msg("signaling connection closed")

		if m.onClose != nil {
			m.onClose()
		}
	})
}

// readPump reads frames until the connection fails, dispatching each to its
// registered handler in arrival order.
func (m *Manager) readPump(conn *websocket.Conn) {
	defer m.shutdown()

	conn.SetReadLimit(m.cfg.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(m.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(m.cfg.ReadTimeout))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Msg("unexpected signaling close")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(m.cfg.ReadTimeout))

		var env protocol.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			log.Warn().Err(err).Msg("malformed signaling frame, skipping")
			continue
		}
		if handler, ok := m.handlers[env.Type]; ok {
			handler(env)
		} else {
			log.Debug().Str("type", string(env.Type)).Msg("unhandled signaling frame")
		}
	}
}

// writePump drains the send queue and keeps the connection alive with pings.
func (m *Manager) writePump(conn *websocket.Conn, send chan []byte, done chan struct{}) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case <-done:
			// Flush queued frames, the leave announcement in particular,
			// before the close handshake.
			for {
				select {
				case message := <-send:
					conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
					if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
						return
					}
				default:
					conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
					conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		case message := <-send:
			conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().Err(err).Msg("signaling write failed")
				m.shutdown()
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().Err(err).Msg("signaling ping failed")
				m.shutdown()
				return
			}
		}
	}
}
