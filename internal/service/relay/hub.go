// Package relay forwards opaque session frames between the two peers of a
// pairing. It never looks inside a frame.
package relay

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/pairchat/internal/model/pairing"
	"github.com/zhouzirui/pairchat/internal/protoerr"
)

// ErrNotParticipant is returned when a peer is not one of the two parties of a pairing.
var ErrNotParticipant = errors.New("relay: peer is not a participant of this pairing")

// Authorizer decides whether peer may join the room of sessionID.
type Authorizer interface {
	Authorize(sessionID string, peer pairing.Identity) error
}

// Options bounds the hub.
type Options struct {
	WriteTimeout time.Duration
	// MaxRooms caps concurrently open rooms; 0 means unlimited.
	MaxRooms int
}

// DefaultOptions returns the hub defaults.
func DefaultOptions() Options {
	return Options{WriteTimeout: 10 * time.Second, MaxRooms: 1024}
}

// Member is one peer connection inside a room.
type Member struct {
	SessionID string
	Peer      pairing.Identity
	JoinedAt  time.Time

	conn *websocket.Conn
	mu   sync.Mutex
}

// write sends one frame; concurrent forwarders are serialized.
func (m *Member) write(data []byte, timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_ = m.conn.SetWriteDeadline(time.Now().Add(timeout))
	return m.conn.WriteMessage(websocket.TextMessage, data)
}

type room struct {
	members map[pairing.Identity]*Member
}

// Hub is the room registry of the relay.
type Hub struct {
	auth   Authorizer
	opts   Options
	logger zerolog.Logger

	mu    sync.RWMutex
	rooms map[string]*room
}

// NewHub creates an empty hub.
func NewHub(auth Authorizer, opts Options, logger zerolog.Logger) *Hub {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultOptions().WriteTimeout
	}
	return &Hub{
		auth:   auth,
		opts:   opts,
		logger: logger.With().Str("component", "relay").Logger(),
		rooms:  make(map[string]*room),
	}
}

// Admit checks that peer may connect to sessionID before the upgrade.
func (h *Hub) Admit(sessionID string, peer pairing.Identity) error {
	if peer == "" {
		return fmt.Errorf("%w: missing peer identity", ErrNotParticipant)
	}
	if h.auth == nil {
		return nil
	}
	return h.auth.Authorize(sessionID, peer)
}

// Join adds conn to the room. A reconnecting peer replaces its previous
// connection, which is closed.
func (h *Hub) Join(sessionID string, peer pairing.Identity, conn *websocket.Conn) (*Member, error) {
	m := &Member{SessionID: sessionID, Peer: peer, JoinedAt: time.Now(), conn: conn}

	h.mu.Lock()
	r, ok := h.rooms[sessionID]
	if !ok {
		if h.opts.MaxRooms > 0 && len(h.rooms) >= h.opts.MaxRooms {
			h.mu.Unlock()
			return nil, protoerr.Newf(protoerr.KindTooManyPending, "relay is full (%d rooms)", h.opts.MaxRooms)
		}
		r = &room{members: make(map[pairing.Identity]*Member, 2)}
		h.rooms[sessionID] = r
	}
	old := r.members[peer]
	if old == nil && len(r.members) >= 2 {
		h.mu.Unlock()
		return nil, fmt.Errorf("%w: room already has two peers", ErrNotParticipant)
	}
	r.members[peer] = m
	h.mu.Unlock()

	if old != nil {
		_ = old.conn.Close()
		h.logger.Info().Str("session", short(sessionID)).Msg("peer reconnected, replaced previous connection")
	}
	return m, nil
}

// Leave removes m unless it was already replaced. Empty rooms are dropped.
func (h *Hub) Leave(m *Member) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[m.SessionID]
	if !ok {
		return
	}
	if r.members[m.Peer] == m {
		delete(r.members, m.Peer)
	}
	if len(r.members) == 0 {
		delete(h.rooms, m.SessionID)
	}
}

// Forward hands data to the other member of from's room. Frames for an absent
// peer are dropped; the sender's resume handshake replays them later.
func (h *Hub) Forward(from *Member, data []byte) bool {
	h.mu.RLock()
	var to *Member
	if r, ok := h.rooms[from.SessionID]; ok {
		for peer, m := range r.members {
			if peer != from.Peer {
				to = m
				break
			}
		}
	}
	h.mu.RUnlock()

	if to == nil {
		return false
	}
	if err := to.write(data, h.opts.WriteTimeout); err != nil {
		h.logger.Warn().Err(err).Str("session", short(from.SessionID)).Msg("forward failed")
		_ = to.conn.Close()
		return false
	}
	return true
}

// CloseRoom disconnects everyone in the room of sessionID.
func (h *Hub) CloseRoom(sessionID string) int {
	h.mu.Lock()
	r, ok := h.rooms[sessionID]
	delete(h.rooms, sessionID)
	h.mu.Unlock()
	if !ok {
		return 0
	}

	for _, m := range r.members {
		closeConn(m.conn, "pairing closed")
	}
	return len(r.members)
}

// CloseAll 关闭所有连接
func (h *Hub) CloseAll() {
	h.mu.Lock()
	rooms := h.rooms
	h.rooms = make(map[string]*room)
	h.mu.Unlock()

	for _, r := range rooms {
		for _, m := range r.members {
			closeConn(m.conn, "server shutting down")
		}
	}
}

// Rooms returns the number of open rooms.
func (h *Hub) Rooms() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// Members returns the peers currently connected to sessionID.
func (h *Hub) Members(sessionID string) []pairing.Identity {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.rooms[sessionID]
	if !ok {
		return nil
	}
	out := make([]pairing.Identity, 0, len(r.members))
	for peer := range r.members {
		out = append(out, peer)
	}
	return out
}

func closeConn(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = conn.Close()
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// HasRoom reports whether sessionID has a connected peer.
func (h *Hub) HasRoom(sessionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[sessionID]
	return ok
}
