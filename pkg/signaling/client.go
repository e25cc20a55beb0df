package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	readTimeout  = 30 * time.Second
	pingInterval = 25 * time.Second
	writeTimeout = 10 * time.Second
)

// WSDialer attaches peers to rooms on a websocket relay
type WSDialer struct {
	URL    string      // relay endpoint, e.g. ws://host:8080/signal
	Header http.Header // extra handshake headers
	Logger *slog.Logger
}

// Dial connects to the relay as peerID in roomID
func (d *WSDialer) Dial(ctx context.Context, roomID, peerID string) (Conn, error) {
	return Connect(ctx, Config{
		URL:    d.URL,
		RoomID: roomID,
		PeerID: peerID,
		Header: d.Header,
		Logger: d.Logger,
	})
}

// Config holds websocket client configuration
type Config struct {
	URL    string
	RoomID string
	PeerID string
	Header http.Header
	Logger *slog.Logger
}

// Client is a websocket connection to the signaling relay
type Client struct {
	roomID string
	peerID string
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex
	msgChan chan Message
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	once    sync.Once
}

// Connect dials the relay and starts the read and keep-alive loops
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	endpoint, err := relayURL(cfg.URL, cfg.RoomID, cfg.PeerID)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, endpoint, cfg.Header)
	if err != nil {
		cfg.Logger.Error("failed to connect to signaling relay", "url", cfg.URL, "error", err)
		return nil, fmt.Errorf("dial signaling relay: %w", err)
	}

	cctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		roomID:  cfg.RoomID,
		peerID:  cfg.PeerID,
		conn:    conn,
		logger:  cfg.Logger.With("room", cfg.RoomID, "peer", cfg.PeerID),
		msgChan: make(chan Message, 100),
		ctx:     cctx,
		cancel:  cancel,
	}

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	c.wg.Add(2)
	go c.readLoop()
	go c.pingLoop()

	c.logger.Info("connected to signaling relay", "url", cfg.URL)
	return c, nil
}

// relayURL appends the room and peer query parameters
func relayURL(raw, roomID, peerID string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid signaling url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("invalid signaling url scheme %q", u.Scheme)
	}
	q := u.Query()
	q.Set("room", roomID)
	q.Set("peer", peerID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// readLoop decodes relayed messages into msgChan until the socket closes
func (c *Client) readLoop() {
	defer c.wg.Done()
	defer close(c.msgChan)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("signaling read error", "error", err)
			}
			c.cancel()
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug("dropping malformed signaling message", "error", err)
			continue
		}

		select {
		case c.msgChan <- msg:
		case <-c.ctx.Done():
			return
		}
	}
}

// pingLoop keeps the connection alive
func (c *Client) pingLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug("failed to send ping", "error", err)
			}
		}
	}
}

// Send writes one message. SenderID and RoomID are stamped by the relay.
func (c *Client) Send(msg Message) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	msg.SenderID = c.peerID
	msg.RoomID = c.roomID

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}

// Messages returns the inbound message channel
func (c *Client) Messages() <-chan Message {
	return c.msgChan
}

// Close sends a close frame and waits for the loops to exit
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		c.cancel()

		c.writeMu.Lock()
		closeErr := c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		if closeErr != nil && !errors.Is(closeErr, websocket.ErrCloseSent) {
			c.logger.Debug("failed to send close frame", "error", closeErr)
		}

		err = c.conn.Close()
		c.wg.Wait()
		c.logger.Debug("signaling connection closed")
	})
	return err
}
