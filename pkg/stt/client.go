// Package stt is a client for a streaming speech-to-text websocket service.
// Audio goes up as binary frames of float32 little-endian mono samples;
// results come back as JSON text frames.
package stt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	readTimeout      = 30 * time.Second
	writeTimeout     = 10 * time.Second
	handshakeTimeout = 10 * time.Second
)

// Message types sent by the service
const (
	TypeToken  = "token"
	TypeVADEnd = "vad_end"
	TypeError  = "error"
)

// Transcript is one result. Token results carry a fragment of the current
// utterance; a vad_end result closes the utterance.
type Transcript struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	Message string `json:"message,omitempty"`
	Final   bool   `json:"final"`
	VADEnd  bool   `json:"vad_end"`
}

// ErrNotConnected is returned by SendAudio before Connect or after the
// connection dropped
var ErrNotConnected = errors.New("stt: not connected")

// Config configures a Client
type Config struct {
	URL    string      // ws:// or wss:// endpoint
	Header http.Header // sent with the handshake, e.g. Authorization
	Logger *slog.Logger
}

// Client streams audio to the service. A Client can reconnect after its
// connection drops; it cannot be reused after Close.
type Client struct {
	url    string
	header http.Header
	logger *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool

	transcriptCh chan Transcript
	errCh        chan error
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// NewClient creates a disconnected client
func NewClient(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		url:          cfg.URL,
		header:       cfg.Header,
		logger:       cfg.Logger.With("component", "stt"),
		transcriptCh: make(chan Transcript, 50),
		errCh:        make(chan error, 10),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Connect dials the service and starts reading results
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ctx.Err() != nil {
		return errors.New("stt: client closed")
	}
	if c.connected {
		return nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		c.logger.Error("failed to connect to speech service", "url", c.url, "error", err)
		return err
	}

	conn.SetPingHandler(func(appData string) error {
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeTimeout))
	})

	c.conn = conn
	c.connected = true
	c.logger.Info("connected to speech service", "url", c.url)

	c.wg.Add(1)
	go c.readLoop(conn)
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if c.conn == conn {
				c.connected = false
			}
			c.mu.Unlock()

			if c.ctx.Err() == nil {
				if !IsNormalClose(err) {
					c.logger.Warn("speech service read error", "error", err)
				}
				c.report(err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var tr Transcript
		if err := json.Unmarshal(data, &tr); err != nil {
			c.logger.Error("failed to parse transcript", "error", err, "data", string(data))
			continue
		}
		switch tr.Type {
		case TypeError:
			c.report(fmt.Errorf("stt: service error: %s", tr.Message))
			continue
		case TypeVADEnd:
			tr.Final = true
			tr.VADEnd = true
		}

		select {
		case c.transcriptCh <- tr:
		case <-c.ctx.Done():
			return
		default:
			c.logger.Warn("transcript channel full, dropping result")
		}
	}
}

func (c *Client) report(err error) {
	select {
	case c.errCh <- err:
	default:
		c.logger.Debug("error channel full, dropping error", "error", err)
	}
}

// SendAudio sends one chunk of mono float32 samples
func (c *Client) SendAudio(samples []float32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || !c.connected {
		return ErrNotConnected
	}

	frame := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(frame[i*4:], math.Float32bits(s))
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// Transcripts returns the result channel
func (c *Client) Transcripts() <-chan Transcript {
	return c.transcriptCh
}

// Errors returns read and service errors. A read error means the
// connection is gone and Connect may be called again.
func (c *Client) Errors() <-chan error {
	return c.errCh
}

// IsConnected reports whether the connection is up
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close closes the connection and waits for the reader
func (c *Client) Close() error {
	c.cancel()

	c.mu.Lock()
	if c.conn != nil {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.conn.Close()
		c.conn = nil
		c.connected = false
	}
	c.mu.Unlock()

	c.wg.Wait()
	return nil
}

// IsNormalClose reports whether err is a normal closure by the service,
// which it sends on idle timeout
func IsNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure)
}
