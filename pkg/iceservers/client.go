// Package iceservers fetches STUN and TURN servers from a deployment's
// signaling settings endpoint
package iceservers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// Client fetches ICE servers. TURN credentials are short lived, so results
// are cached for TTL only.
type Client struct {
	url        string
	token      string
	ttl        time.Duration
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time

	mu        sync.Mutex
	cached    []webrtc.ICEServer
	fetchedAt time.Time
}

// Config holds client configuration
type Config struct {
	URL   string // full settings URL
	Token string // sent as a bearer token when set
	// TTL defaults to five minutes
	TTL        time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// NewClient creates a client
func NewClient(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("iceservers: URL is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		url:        cfg.URL,
		token:      cfg.Token,
		ttl:        cfg.TTL,
		httpClient: cfg.HTTPClient,
		logger:     cfg.Logger.With("component", "iceservers"),
		now:        time.Now,
	}, nil
}

// Fetch returns the deployment's ICE servers
func (c *Client) Fetch(ctx context.Context) ([]webrtc.ICEServer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cached != nil && c.now().Sub(c.fetchedAt) < c.ttl {
		return c.cached, nil
	}

	data, err := c.ocsGet(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get signaling settings: %w", err)
	}

	var settings Settings
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("failed to parse signaling settings: %w", err)
	}

	servers := settings.ICEServers()
	c.logger.Info("got ICE servers", "stunServers", len(settings.STUNServers), "turnServers", len(settings.TURNServers))
	c.cached = servers
	c.fetchedAt = c.now()
	return servers, nil
}

// ICEServers converts the settings to pion ICE servers, skipping entries
// without URLs
func (s Settings) ICEServers() []webrtc.ICEServer {
	servers := []webrtc.ICEServer{}
	for _, list := range [][]Server{s.STUNServers, s.TURNServers} {
		for _, srv := range list {
			if len(srv.URLs) == 0 {
				continue
			}
			ice := webrtc.ICEServer{URLs: srv.URLs}
			if srv.Username != "" || srv.Credential != "" {
				ice.Username = srv.Username
				ice.Credential = srv.Credential
				ice.CredentialType = webrtc.ICECredentialTypePassword
			}
			servers = append(servers, ice)
		}
	}
	return servers
}

// ocsGet makes an OCS GET request and returns the unwrapped data
func (c *Client) ocsGet(ctx context.Context) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("OCS-APIREQUEST", "true")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var ocsResp ocsResponse
	if err := json.Unmarshal(body, &ocsResp); err != nil {
		return nil, fmt.Errorf("failed to parse OCS response: %w (status: %d)", err, resp.StatusCode)
	}
	if ocsResp.OCS.Meta.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("OCS error: %s (code: %d)", ocsResp.OCS.Meta.Message, ocsResp.OCS.Meta.StatusCode)
	}
	return ocsResp.OCS.Data, nil
}
