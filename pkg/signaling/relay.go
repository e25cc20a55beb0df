package signaling

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Relay is a websocket signaling server. Peers connect with
// ?room=<id>&peer=<id>; each message is stamped with the sender and room
// and forwarded to the matching peers of the room in arrival order.
type Relay struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	rooms map[string]map[string]*relayPeer
}

type relayPeer struct {
	id   string
	room string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (p *relayPeer) stop() {
	p.once.Do(func() { close(p.done) })
}

// NewRelay creates a relay handler
func NewRelay(logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		rooms: make(map[string]map[string]*relayPeer),
	}
}

// ServeHTTP upgrades the request and relays until the peer disconnects
func (rl *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("room")
	peerID := r.URL.Query().Get("peer")
	if roomID == "" || peerID == "" {
		http.Error(w, "room and peer are required", http.StatusBadRequest)
		return
	}

	conn, err := rl.upgrader.Upgrade(w, r, nil)
	if err != nil {
		rl.logger.Error("failed to upgrade connection", "error", err)
		return
	}

	p := &relayPeer{
		id:   peerID,
		room: roomID,
		conn: conn,
		send: make(chan []byte, 256),
		done: make(chan struct{}),
	}
	if prev := rl.attach(p); prev != nil {
		rl.logger.Info("peer reconnected, replacing previous connection", "room", roomID, "peer", peerID)
		prev.stop()
	}

	go rl.writeLoop(p)
	rl.readLoop(p)
}

// attach registers p and returns the connection it replaces, if any
func (rl *Relay) attach(p *relayPeer) *relayPeer {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	room, ok := rl.rooms[p.room]
	if !ok {
		room = make(map[string]*relayPeer)
		rl.rooms[p.room] = room
	}
	prev := room[p.id]
	room[p.id] = p
	return prev
}

// detach unregisters p unless it was already replaced
func (rl *Relay) detach(p *relayPeer) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	room := rl.rooms[p.room]
	if room[p.id] == p {
		delete(room, p.id)
	}
	if len(room) == 0 {
		delete(rl.rooms, p.room)
	}
}

// readLoop forwards messages from p
func (rl *Relay) readLoop(p *relayPeer) {
	defer func() {
		rl.detach(p)
		p.stop()
		p.conn.Close()
	}()

	p.conn.SetReadDeadline(time.Now().Add(readTimeout))
	p.conn.SetPingHandler(func(data string) error {
		p.conn.SetReadDeadline(time.Now().Add(readTimeout))
		select {
		case p.send <- nil:
		default:
		}
		return nil
	})

	for {
		select {
		case <-p.done:
			return
		default:
		}

		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				rl.logger.Debug("relay read error", "room", p.room, "peer", p.id, "error", err)
			}
			return
		}
		p.conn.SetReadDeadline(time.Now().Add(readTimeout))

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			rl.logger.Debug("dropping malformed message", "peer", p.id, "error", err)
			continue
		}
		msg.SenderID = p.id
		msg.RoomID = p.room
		rl.forward(msg)
	}
}

// forward queues msg on every matching peer of the room
func (rl *Relay) forward(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	for id, peer := range rl.rooms[msg.RoomID] {
		if !routes(msg, id) {
			continue
		}
		select {
		case peer.send <- data:
		default:
			rl.logger.Warn("peer send queue full, disconnecting", "room", msg.RoomID, "peer", id)
			peer.stop()
		}
	}
}

// writeLoop serializes writes to p. A nil frame answers a ping.
func (rl *Relay) writeLoop(p *relayPeer) {
	for {
		select {
		case <-p.done:
			p.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			p.conn.Close()
			return
		case data := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			var err error
			if data == nil {
				err = p.conn.WriteMessage(websocket.PongMessage, nil)
			} else {
				err = p.conn.WriteMessage(websocket.TextMessage, data)
			}
			if err != nil {
				rl.logger.Debug("relay write error", "peer", p.id, "error", err)
				p.stop()
			}
		}
	}
}

// RoomSize returns the number of peers attached to a room
func (rl *Relay) RoomSize(roomID string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.rooms[roomID])
}
