// Package loopback is an in-process transport. Channels dialed on the same Hub
// with the same endpoint and session id are wired to each other. The hub can
// drop, hold and release frames and simulate link loss.
package loopback

import (
	"context"
	"errors"
	"sync"

	"github.com/zhouzirui/pairchat/internal/model/pairing"
	"github.com/zhouzirui/pairchat/internal/transport"
)

const eventBuffer = 4096

// Verdict is what a Filter decides for one frame.
type Verdict int

const (
	Deliver Verdict = iota
	Drop
	Hold
)

// Filter inspects every frame before delivery.
type Filter func(from pairing.Identity, data []byte) Verdict

// Hub connects loopback channels.
type Hub struct {
	mu     sync.Mutex
	rooms  map[string][]*Channel
	filter Filter
	held   []heldFrame
}

type heldFrame struct {
	from *Channel
	data []byte
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{rooms: make(map[string][]*Channel)}
}

// SetFilter installs f for subsequent frames; nil delivers everything.
func (h *Hub) SetFilter(f Filter) {
	h.mu.Lock()
	h.filter = f
	h.mu.Unlock()
}

// Dial implements transport.Dialer.
func (h *Hub) Dial(ctx context.Context, target transport.Target) (transport.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := &Channel{
		hub:       h,
		key:       target.Endpoint + "|" + target.SessionID,
		peer:      target.Peer,
		events:    make(chan transport.Event, eventBuffer),
		connected: true,
	}
	h.mu.Lock()
	h.rooms[c.key] = append(h.rooms[c.key], c)
	h.mu.Unlock()
	return c, nil
}

// Release delivers held frames in the order they were held.
func (h *Hub) Release() int {
	h.mu.Lock()
	held := h.held
	h.held = nil
	h.mu.Unlock()

	for _, f := range held {
		h.forward(f.from, f.data)
	}
	return len(held)
}

// DisconnectAll drops every live link and reports it on each channel.
func (h *Hub) DisconnectAll(reason error) {
	for _, c := range h.channels() {
		c.Disconnect(reason)
	}
}

// ReconnectAll restores every link dropped by DisconnectAll.
func (h *Hub) ReconnectAll() {
	for _, c := range h.channels() {
		c.Reconnect()
	}
}

func (h *Hub) channels() []*Channel {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*Channel
	for _, room := range h.rooms {
		out = append(out, room...)
	}
	return out
}

func (h *Hub) send(from *Channel, data []byte) {
	h.mu.Lock()
	verdict := Deliver
	if h.filter != nil {
		verdict = h.filter(from.peer, data)
	}
	if verdict == Hold {
		h.held = append(h.held, heldFrame{from: from, data: append([]byte(nil), data...)})
	}
	h.mu.Unlock()

	if verdict == Deliver {
		h.forward(from, data)
	}
}

func (h *Hub) forward(from *Channel, data []byte) {
	h.mu.Lock()
	room := append([]*Channel(nil), h.rooms[from.key]...)
	h.mu.Unlock()

	for _, c := range room {
		if c == from {
			continue
		}
		c.push(transport.Event{Kind: transport.EventMessage, Data: append([]byte(nil), data...)}, true)
	}
}

func (h *Hub) remove(c *Channel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.rooms[c.key]
	for i, other := range room {
		if other == c {
			h.rooms[c.key] = append(room[:i], room[i+1:]...)
			break
		}
	}
	if len(h.rooms[c.key]) == 0 {
		delete(h.rooms, c.key)
	}
}

// Channel is one end of a loopback link.
type Channel struct {
	hub  *Hub
	key  string
	peer pairing.Identity

	mu        sync.Mutex
	events    chan transport.Event
	connected bool
	closed    bool
}

// Send forwards data to every other channel in the room.
func (c *Channel) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	closed, connected := c.closed, c.connected
	c.mu.Unlock()

	if closed {
		return transport.ErrClosed
	}
	if !connected {
		return transport.ErrDisconnected
	}
	c.hub.send(c, data)
	return nil
}

// Events implements transport.Channel.
func (c *Channel) Events() <-chan transport.Event {
	return c.events
}

// Close detaches the channel from its room and closes Events.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.events)
	c.mu.Unlock()

	c.hub.remove(c)
	return nil
}

// Disconnect simulates link loss on this end.
func (c *Channel) Disconnect(reason error) {
	if reason == nil {
		reason = errors.New("loopback: link dropped")
	}
	c.mu.Lock()
	wasConnected := c.connected
	c.connected = false
	c.mu.Unlock()
	if wasConnected {
		c.push(transport.Event{Kind: transport.EventDisconnect, Reason: reason}, false)
	}
}

// Reconnect restores the link on this end.
func (c *Channel) Reconnect() {
	c.mu.Lock()
	wasConnected := c.connected
	c.connected = true
	c.mu.Unlock()
	if !wasConnected {
		c.push(transport.Event{Kind: transport.EventReconnect}, false)
	}
}

// push enqueues ev without blocking; an overflowing buffer behaves like packet loss.
func (c *Channel) push(ev transport.Event, requireLink bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || (requireLink && !c.connected) {
		return
	}
	select {
	case c.events <- ev:
	default:
	}
}

var _ transport.Dialer = (*Hub)(nil)
var _ transport.Channel = (*Channel)(nil)
