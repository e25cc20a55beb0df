package signaling

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Hub is an in-process signaling channel. Delivery is ordered per sender
// and never blocks the sender.
type Hub struct {
	logger *slog.Logger
	mu     sync.Mutex
	rooms  map[string]map[string]*hubConn
}

// NewHub creates an empty hub
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger,
		rooms:  make(map[string]map[string]*hubConn),
	}
}

// Dial attaches peerID to roomID. A peer id may be attached once per room.
func (h *Hub) Dial(ctx context.Context, roomID, peerID string) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[roomID]
	if !ok {
		room = make(map[string]*hubConn)
		h.rooms[roomID] = room
	}
	if _, taken := room[peerID]; taken {
		return nil, fmt.Errorf("peer %s already attached to room %s", peerID, roomID)
	}

	c := &hubConn{
		hub:   h,
		room:  roomID,
		peer:  peerID,
		inbox: newMailbox(),
	}
	room[peerID] = c
	go c.inbox.run()

	h.logger.Debug("peer attached", "room", roomID, "peer", peerID)
	return c, nil
}

// Peers returns the peer ids attached to a room
func (h *Hub) Peers(roomID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []string
	for id := range h.rooms[roomID] {
		out = append(out, id)
	}
	return out
}

// route queues msg for every matching peer of its room
func (h *Hub) route(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for peer, c := range h.rooms[msg.RoomID] {
		if routes(msg, peer) {
			c.inbox.push(msg)
		}
	}
}

// detach removes a connection from its room
func (h *Hub) detach(c *hubConn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room := h.rooms[c.room]
	if room[c.peer] == c {
		delete(room, c.peer)
	}
	if len(room) == 0 {
		delete(h.rooms, c.room)
	}
}

type hubConn struct {
	hub   *Hub
	room  string
	peer  string
	inbox *mailbox

	mu     sync.Mutex
	closed bool
}

func (c *hubConn) Send(msg Message) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	msg.SenderID = c.peer
	msg.RoomID = c.room
	c.hub.route(msg)
	return nil
}

func (c *hubConn) Messages() <-chan Message { return c.inbox.out }

func (c *hubConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.hub.detach(c)
	c.inbox.close()
	return nil
}

// mailbox is an unbounded FIFO drained into out by run
type mailbox struct {
	mu     sync.Mutex
	queue  []Message
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
	out    chan Message
}

func newMailbox() *mailbox {
	return &mailbox{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan Message),
	}
}

func (m *mailbox) push(msg Message) {
	m.mu.Lock()
	m.queue = append(m.queue, msg)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *mailbox) run() {
	defer close(m.out)

	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			select {
			case <-m.notify:
				continue
			case <-m.done:
				return
			}
		}
		msg := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()

		select {
		case m.out <- msg:
		case <-m.done:
			return
		}
	}
}

func (m *mailbox) close() {
	m.once.Do(func() { close(m.done) })
}
